package mesh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/hupe1980/agentfleet/core"
)

// SharedContext is the scratch data agents of a session contribute to.
type SharedContext struct {
	SessionID          string         `json:"session_id"`
	Data               map[string]any `json:"data"`
	ContributingAgents []string       `json:"contributing_agents"`
	LastUpdated        time.Time      `json:"last_updated"`
}

func newSharedContext(sessionID string, now time.Time) *SharedContext {
	return &SharedContext{
		SessionID:          sessionID,
		Data:               map[string]any{},
		ContributingAgents: []string{},
		LastUpdated:        now.UTC(),
	}
}

// Clone returns a copy whose map and slice can be mutated independently.
// Values inside Data are shared.
func (sc *SharedContext) Clone() SharedContext {
	c := *sc
	c.Data = maps.Clone(sc.Data)
	if c.Data == nil {
		c.Data = map[string]any{}
	}
	c.ContributingAgents = slices.Clone(sc.ContributingAgents)
	return c
}

// merge applies patch with last-writer-wins semantics per key and records
// agentID as a contributor.
func (sc *SharedContext) merge(agentID string, patch map[string]any, now time.Time) {
	if sc.Data == nil {
		sc.Data = map[string]any{}
	}
	for k, v := range patch {
		sc.Data[k] = v
	}
	if agentID != "" {
		if i, found := slices.BinarySearch(sc.ContributingAgents, agentID); !found {
			sc.ContributingAgents = slices.Insert(sc.ContributingAgents, i, agentID)
		}
	}
	sc.LastUpdated = now.UTC()
}

// UpdateSharedContext merges patch into the session's shared context, persists
// the result and broadcasts the patch so other replicas converge. The merge
// starts from the persisted snapshot, so keys written by other replicas are
// kept even if this replica missed their broadcasts.
func (c *Coordinator) UpdateSharedContext(ctx context.Context, sessionID, agentID string, patch map[string]any) (SharedContext, error) {
	if sessionID == "" {
		return SharedContext{}, errors.New("update shared context: session id is required")
	}
	c.followContext(ctx, sessionID)

	c.ctxMu.Lock()
	defer c.ctxMu.Unlock()

	if err := c.refreshContext(ctx, sessionID); err != nil {
		return SharedContext{}, err
	}

	c.mu.Lock()
	sc := c.contextLocked(sessionID)
	sc.merge(agentID, patch, c.now())
	snapshot := sc.Clone()
	c.mu.Unlock()

	raw, err := json.Marshal(snapshot)
	if err != nil {
		return snapshot, fmt.Errorf("encode shared context: %w", err)
	}
	if err := c.broker.Set(ctx, c.keys.SharedContext(sessionID), raw, c.ctxTTL); err != nil {
		c.logger.Warn("Failed to persist shared context", "session_id", sessionID, "error", err)
	}

	ev := c.newEvent(core.EventContextUpdate, sessionID, agentID)
	ev.Payload["patch"] = patch
	if err := c.publish(ctx, c.keys.MeshSession(sessionID), ev); err != nil {
		return snapshot, fmt.Errorf("publish context update: %w", err)
	}
	return snapshot, nil
}

// GetSharedContext returns the session's shared context. The persisted
// snapshot wins over the local copy when present; an empty context is created
// if neither exists.
func (c *Coordinator) GetSharedContext(ctx context.Context, sessionID string) (SharedContext, error) {
	c.followContext(ctx, sessionID)

	c.ctxMu.Lock()
	defer c.ctxMu.Unlock()

	if err := c.refreshContext(ctx, sessionID); err != nil {
		return SharedContext{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.contextLocked(sessionID).Clone(), nil
}

// followContext subscribes to the session channel so later context updates
// from other replicas are merged locally.
func (c *Coordinator) followContext(ctx context.Context, sessionID string) {
	if sessionID == "" {
		return
	}
	if err := c.listen(ctx, c.keys.MeshSession(sessionID)); err != nil {
		c.logger.Warn("Failed to follow session context", "session_id", sessionID, "error", err)
	}
}

// loadContext reads the persisted snapshot of a session's context.
func (c *Coordinator) loadContext(ctx context.Context, sessionID string) (*SharedContext, bool, error) {
	raw, found, err := c.broker.Get(ctx, c.keys.SharedContext(sessionID))
	if err != nil {
		return nil, false, fmt.Errorf("load shared context %s: %w", sessionID, err)
	}
	if !found {
		return nil, false, nil
	}
	var sc SharedContext
	if err := json.Unmarshal(raw, &sc); err != nil {
		return nil, false, fmt.Errorf("decode shared context %s: %w", sessionID, err)
	}
	if sc.Data == nil {
		sc.Data = map[string]any{}
	}
	return &sc, true, nil
}

// refreshContext replaces the local copy with the persisted snapshot. Without
// a snapshot the local copy is kept.
func (c *Coordinator) refreshContext(ctx context.Context, sessionID string) error {
	sc, found, err := c.loadContext(ctx, sessionID)
	if err != nil || !found {
		return err
	}
	c.mu.Lock()
	c.contexts[sessionID] = sc
	c.mu.Unlock()
	return nil
}

func (c *Coordinator) contextLocked(sessionID string) *SharedContext {
	sc, ok := c.contexts[sessionID]
	if !ok {
		sc = newSharedContext(sessionID, c.now())
		c.contexts[sessionID] = sc
	}
	return sc
}

func (c *Coordinator) handleContextUpdate(ctx context.Context, ev core.MeshEvent) error {
	if ev.Instance == c.instance {
		return nil
	}
	patch, ok := ev.Payload["patch"].(map[string]any)
	if !ok {
		return fmt.Errorf("context update %s carries no patch", ev.ID)
	}
	c.mu.Lock()
	_, known := c.contexts[ev.SessionID]
	c.mu.Unlock()
	if !known {
		sc, found, err := c.loadContext(ctx, ev.SessionID)
		if err != nil {
			c.logger.Warn("Merging context update without persisted snapshot", "session_id", ev.SessionID, "error", err)
		}
		if found {
			c.mu.Lock()
			if _, ok := c.contexts[ev.SessionID]; !ok {
				c.contexts[ev.SessionID] = sc
			}
			c.mu.Unlock()
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.contextLocked(ev.SessionID).merge(ev.From, patch, c.now())
	return nil
}
