package testutil

import (
	"time"

	"github.com/hupe1980/agentfleet/core"
)

// EventBuilder provides a fluent helper for constructing mesh events in tests.
// Example:
//
//	ev := NewEventBuilder(core.EventTaskCompleted, "s1").From("a1").ReplyTo(id).Payload("result", "ok").Build()
//
// Chain only the parts you need; sensible defaults are applied.
type EventBuilder struct {
	ev core.MeshEvent
}

// NewEventBuilder creates a builder for an event of type t in sessionID,
// authored by "agent".
func NewEventBuilder(t core.MeshEventType, sessionID string) *EventBuilder {
	return &EventBuilder{ev: core.NewMeshEvent(t, sessionID, "agent")}
}

// ID overrides the generated event id (chainable).
func (b *EventBuilder) ID(id string) *EventBuilder { b.ev.ID = id; return b }

// From sets the authoring agent (chainable).
func (b *EventBuilder) From(agentID string) *EventBuilder { b.ev.From = agentID; return b }

// To addresses the event to an agent (chainable).
func (b *EventBuilder) To(agentID string) *EventBuilder { b.ev.To = agentID; return b }

// ReplyTo correlates the event with an earlier one (chainable).
func (b *EventBuilder) ReplyTo(eventID string) *EventBuilder { b.ev.ReplyTo = eventID; return b }

// Instance stamps the publishing replica (chainable).
func (b *EventBuilder) Instance(id string) *EventBuilder { b.ev.Instance = id; return b }

// At sets the timestamp (chainable).
func (b *EventBuilder) At(ts time.Time) *EventBuilder { b.ev.Timestamp = ts; return b }

// Payload sets a payload entry (chainable).
func (b *EventBuilder) Payload(key string, val any) *EventBuilder {
	b.ev.Payload[key] = val
	return b
}

// Build returns the event.
func (b *EventBuilder) Build() core.MeshEvent { return b.ev }
