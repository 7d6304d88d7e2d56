package core

import (
	"time"

	"github.com/google/uuid"
)

// MeshEventType names the kind of a MeshEvent. New types are additive: the
// mesh coordinator dispatches through a table keyed by this value.
type MeshEventType string

const (
	EventAgentOnline   MeshEventType = "online"
	EventAgentOffline  MeshEventType = "offline"
	EventAgentBusy     MeshEventType = "busy"
	EventAgentIdle     MeshEventType = "idle"
	EventTaskRequest   MeshEventType = "task_request"
	EventTaskCompleted MeshEventType = "task_completed"
	EventTaskFailed    MeshEventType = "task_failed"
	EventTaskResult    MeshEventType = "task_result"
	EventContextUpdate MeshEventType = "context_update"
)

// AgentStatusFor maps agent status events onto the status they announce.
// The second return value is false for non-status events.
func AgentStatusFor(t MeshEventType) (AgentStatus, bool) {
	switch t {
	case EventAgentOnline, EventAgentIdle:
		return AgentIdle, true
	case EventAgentBusy:
		return AgentBusy, true
	case EventAgentOffline:
		return AgentOffline, true
	default:
		return "", false
	}
}

// MeshEvent is the record exchanged between agents of a session mesh. After
// publication it should be treated as immutable.
//
// Correlation:
//   - ID identifies the event; replies carry it in ReplyTo
//   - From / To are agent ids (To is empty for session broadcasts)
//   - Instance identifies the publishing service replica so echoes of an
//     instance's own broadcasts can be recognised
type MeshEvent struct {
	ID        string         `json:"id"`
	Type      MeshEventType  `json:"type"`
	SessionID string         `json:"session_id"`
	From      string         `json:"from"`
	To        string         `json:"to,omitempty"`
	ReplyTo   string         `json:"reply_to,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Instance  string         `json:"instance,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewMeshEvent creates an event of type t authored by from.
func NewMeshEvent(t MeshEventType, sessionID, from string) MeshEvent {
	return MeshEvent{
		ID:        NewID(),
		Type:      t,
		SessionID: sessionID,
		From:      from,
		Payload:   map[string]any{},
		Timestamp: time.Now().UTC(),
	}
}

// PayloadString returns a string payload value or "".
func (e MeshEvent) PayloadString(key string) string {
	if e.Payload == nil {
		return ""
	}
	s, _ := e.Payload[key].(string)
	return s
}

// TaskEventType names a task lifecycle transition.
type TaskEventType string

const (
	TaskEventEnqueued  TaskEventType = "task_enqueued"
	TaskEventStarted   TaskEventType = "task_started"
	TaskEventCompleted TaskEventType = "task_completed"
	TaskEventFailed    TaskEventType = "task_failed"
	TaskEventCancelled TaskEventType = "task_cancelled"
)

// TaskEvent is published on the task updates channel for every lifecycle
// transition so transport layers can stream progress to clients.
type TaskEvent struct {
	Event     TaskEventType `json:"event"`
	TaskID    string        `json:"task_id"`
	SessionID string        `json:"session_id"`
	AgentID   string        `json:"agent_id"`
	Status    TaskStatus    `json:"status"`
	Result    string        `json:"result,omitempty"`
	Error     string        `json:"error,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// NewTaskEvent snapshots t into a lifecycle event.
func NewTaskEvent(ev TaskEventType, t *Task, now time.Time) TaskEvent {
	return TaskEvent{
		Event:     ev,
		TaskID:    t.ID,
		SessionID: t.SessionID,
		AgentID:   t.AgentID,
		Status:    t.Status,
		Result:    t.Result,
		Error:     t.Error,
		Timestamp: now.UTC(),
	}
}

// NewID generates a new unique identifier for tasks, events and instances.
func NewID() string { return uuid.NewString() }
