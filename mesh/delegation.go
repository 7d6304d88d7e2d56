package mesh

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hupe1980/agentfleet/core"
	"github.com/hupe1980/agentfleet/logging"
)

// DelegateParams describes a sub-task one agent hands to a peer role.
type DelegateParams struct {
	SessionID   string
	FromAgent   string
	ToRole      string
	Description string
	// Context is forwarded verbatim to the executing agent.
	Context map[string]any
	// CallbackEvent, when set, asks for the result to be delivered back to
	// FromAgent. A DelegationRecord is kept until the reply arrives.
	CallbackEvent string
}

// DelegationRecord correlates an in-flight delegation with its requester.
type DelegationRecord struct {
	EventID         string    `json:"event_id"`
	SessionID       string    `json:"session_id"`
	RequestingAgent string    `json:"requesting_agent"`
	TargetAgent     string    `json:"target_agent"`
	CallbackEvent   string    `json:"callback_event"`
	CreatedAt       time.Time `json:"created_at"`
}

// Result is the outcome of a delegation as seen by the requester.
type Result struct {
	EventID       string `json:"event_id"`
	From          string `json:"from"`
	Success       bool   `json:"success"`
	Result        string `json:"result,omitempty"`
	Error         string `json:"error,omitempty"`
	CallbackEvent string `json:"callback_event,omitempty"`
}

// DelegateTask routes p to the first idle agent of p.ToRole. It returns the
// id of the published task_request event. When no agent of the role is idle
// it returns ("", false, nil) so the caller can retry or escalate.
func (c *Coordinator) DelegateTask(ctx context.Context, p DelegateParams) (string, bool, error) {
	if p.SessionID == "" || p.ToRole == "" {
		return "", false, errors.New("delegate task: session id and target role are required")
	}
	if err := c.listen(ctx, c.keys.MeshSession(p.SessionID)); err != nil {
		return "", false, fmt.Errorf("delegate task: %w", err)
	}

	req := c.newEvent(core.EventTaskRequest, p.SessionID, p.FromAgent)

	c.mu.Lock()
	target := c.availableLocked(p.SessionID, p.ToRole)
	if target == nil {
		c.mu.Unlock()
		c.logDelegation(req.ID, p.FromAgent, "", p.ToRole, false)
		return "", false, nil
	}
	targetID := target.AgentID
	c.setStatusLocked(p.SessionID, targetID, core.AgentBusy, p.Description)
	if p.CallbackEvent != "" {
		c.records[req.ID] = &DelegationRecord{
			EventID:         req.ID,
			SessionID:       p.SessionID,
			RequestingAgent: p.FromAgent,
			TargetAgent:     targetID,
			CallbackEvent:   p.CallbackEvent,
			CreatedAt:       c.now().UTC(),
		}
	}
	c.mu.Unlock()

	req.To = targetID
	req.Payload["description"] = p.Description
	if p.Context != nil {
		req.Payload["context"] = p.Context
	}
	if p.CallbackEvent != "" {
		req.Payload["callback_event"] = p.CallbackEvent
	}

	if err := c.publish(ctx, c.keys.MeshAgent(p.SessionID, targetID), req); err != nil {
		c.mu.Lock()
		if info, ok := c.agents[p.SessionID][targetID]; ok && info.Status == core.AgentBusy && info.CurrentTask == p.Description {
			c.setStatusLocked(p.SessionID, targetID, core.AgentIdle, "")
		}
		delete(c.records, req.ID)
		c.mu.Unlock()
		return "", false, fmt.Errorf("delegate task: publish request: %w", err)
	}

	busy := c.newEvent(core.EventAgentBusy, p.SessionID, targetID)
	busy.Payload["current_task"] = p.Description
	if err := c.publish(ctx, c.keys.MeshSession(p.SessionID), busy); err != nil {
		c.logger.Warn("Failed to announce busy agent", "session_id", p.SessionID, "agent_id", targetID, "error", err)
	}

	c.logDelegation(req.ID, p.FromAgent, targetID, p.ToRole, true)
	return req.ID, true, nil
}

// CompleteTask is called by the executing agent once it produced a result for
// eventID. The agent returns to idle, a task_completed reply is broadcast on
// the session channel and, when a DelegationRecord exists, the result is sent
// to the requester. A repeated call for the same event returns false and
// delivers nothing.
func (c *Coordinator) CompleteTask(ctx context.Context, sessionID, agentID, eventID, result string) (bool, error) {
	return c.finish(ctx, sessionID, agentID, Result{EventID: eventID, From: agentID, Success: true, Result: result})
}

// FailTask is the failure counterpart of CompleteTask.
func (c *Coordinator) FailTask(ctx context.Context, sessionID, agentID, eventID, errMsg string) (bool, error) {
	return c.finish(ctx, sessionID, agentID, Result{EventID: eventID, From: agentID, Error: errMsg})
}

// PendingDelegations lists the session's unresolved delegation records.
func (c *Coordinator) PendingDelegations(sessionID string) []DelegationRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []DelegationRecord
	for _, rec := range c.records {
		if rec.SessionID == sessionID {
			out = append(out, *rec)
		}
	}
	return out
}

// AwaitResult blocks until the delegation identified by eventID is resolved,
// timeout elapses or ctx is done. On timeout the DelegationRecord is dropped
// and core.ErrTimeout is returned; a reply arriving later is not delivered.
// Unknown event ids return core.ErrNotFound.
func (c *Coordinator) AwaitResult(ctx context.Context, eventID string, timeout time.Duration) (Result, error) {
	c.mu.Lock()
	if res, ok := c.answered.get(eventID); ok {
		c.mu.Unlock()
		return res, nil
	}
	if _, ok := c.records[eventID]; !ok {
		c.mu.Unlock()
		return Result{}, fmt.Errorf("await %s: %w", eventID, core.ErrNotFound)
	}
	ch := make(chan Result, 1)
	c.waiters[eventID] = append(c.waiters[eventID], ch)
	c.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		return res, nil
	case <-timer.C:
		if res, ok := c.abandon(eventID, ch, true); ok {
			return res, nil
		}
		c.logger.Warn("Delegation timed out", "event_id", eventID, "timeout", timeout)
		return Result{}, fmt.Errorf("await %s: %w", eventID, core.ErrTimeout)
	case <-ctx.Done():
		if res, ok := c.abandon(eventID, ch, false); ok {
			return res, nil
		}
		return Result{}, ctx.Err()
	}
}

// abandon unregisters a waiter. A result that raced the timer is returned.
// When expire is set the DelegationRecord is consumed as well.
func (c *Coordinator) abandon(eventID string, ch chan Result, expire bool) (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case res := <-ch:
		return res, true
	default:
	}
	waiters := c.waiters[eventID]
	for i, w := range waiters {
		if w == ch {
			waiters = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(waiters) == 0 {
		delete(c.waiters, eventID)
	} else {
		c.waiters[eventID] = waiters
	}
	if expire {
		delete(c.records, eventID)
	}
	return Result{}, false
}

func (c *Coordinator) finish(ctx context.Context, sessionID, agentID string, res Result) (bool, error) {
	if res.EventID == "" {
		return false, errors.New("finish task: event id is required")
	}

	c.mu.Lock()
	if _, done := c.answered.get(res.EventID); done {
		c.mu.Unlock()
		c.logger.Debug("Ignoring repeated completion", "event_id", res.EventID, "agent_id", agentID)
		return false, nil
	}
	c.answered.add(res.EventID, res)
	c.setStatusLocked(sessionID, agentID, core.AgentIdle, "")
	rec, ok := c.records[res.EventID]
	if ok {
		delete(c.records, res.EventID)
	}
	c.mu.Unlock()

	replyType := core.EventTaskCompleted
	if !res.Success {
		replyType = core.EventTaskFailed
	}
	reply := c.newEvent(replyType, sessionID, agentID)
	reply.ReplyTo = res.EventID
	if res.Success {
		reply.Payload["result"] = res.Result
	} else {
		reply.Payload["error"] = res.Error
	}
	var pubErr error
	if err := c.publish(ctx, c.keys.MeshSession(sessionID), reply); err != nil {
		pubErr = fmt.Errorf("publish reply for %s: %w", res.EventID, err)
	}

	if ok {
		c.deliver(ctx, rec, res)
	}
	return true, pubErr
}

// deliver sends res to the requester of rec and wakes local waiters. The
// caller must already have removed rec from the record table.
func (c *Coordinator) deliver(ctx context.Context, rec *DelegationRecord, res Result) {
	res.CallbackEvent = rec.CallbackEvent

	msg := c.newEvent(core.EventTaskResult, rec.SessionID, res.From)
	msg.To = rec.RequestingAgent
	msg.ReplyTo = rec.EventID
	msg.Payload["success"] = res.Success
	msg.Payload["result"] = res.Result
	msg.Payload["error"] = res.Error
	msg.Payload["callback_event"] = rec.CallbackEvent
	if err := c.publish(ctx, c.keys.MeshAgent(rec.SessionID, rec.RequestingAgent), msg); err != nil {
		c.logger.Warn("Failed to deliver delegation result", "event_id", rec.EventID, "to", rec.RequestingAgent, "error", err)
	}

	c.mu.Lock()
	c.answered.add(rec.EventID, res)
	c.notifyLocked(rec.EventID, res)
	c.mu.Unlock()
}

func (c *Coordinator) notifyLocked(eventID string, res Result) {
	for _, ch := range c.waiters[eventID] {
		ch <- res
	}
	delete(c.waiters, eventID)
}

func (c *Coordinator) handleTaskRequest(_ context.Context, ev core.MeshEvent) error {
	c.mu.Lock()
	if _, ok := c.agents[ev.SessionID][ev.To]; !ok {
		c.mu.Unlock()
		return nil
	}
	if ev.Instance != c.instance {
		c.setStatusLocked(ev.SessionID, ev.To, core.AgentBusy, ev.PayloadString("description"))
	}
	observers := append([]func(Delivery){}, c.observers...)
	c.mu.Unlock()

	for _, fn := range observers {
		fn(Delivery{SessionID: ev.SessionID, AgentID: ev.To, Event: ev})
	}
	return nil
}

// handleReply resolves a delegation this coordinator recorded when the reply
// was produced on another replica.
func (c *Coordinator) handleReply(ctx context.Context, ev core.MeshEvent) error {
	if ev.ReplyTo == "" {
		return nil
	}
	res := Result{EventID: ev.ReplyTo, From: ev.From, Success: ev.Type == core.EventTaskCompleted}
	if res.Success {
		res.Result = ev.PayloadString("result")
	} else {
		res.Error = ev.PayloadString("error")
	}

	owned := c.ownsAgent(ev.SessionID, ev.From)

	c.mu.Lock()
	if ev.Instance != c.instance && !owned {
		c.setStatusLocked(ev.SessionID, ev.From, core.AgentIdle, "")
	}
	rec, ok := c.records[ev.ReplyTo]
	if ok {
		delete(c.records, ev.ReplyTo)
	}
	c.mu.Unlock()

	if ok {
		c.deliver(ctx, rec, res)
	}
	return nil
}

func (c *Coordinator) handleTaskResult(_ context.Context, ev core.MeshEvent) error {
	c.mu.Lock()
	observers := append([]func(Delivery){}, c.observers...)
	c.mu.Unlock()
	for _, fn := range observers {
		fn(Delivery{SessionID: ev.SessionID, AgentID: ev.To, Event: ev})
	}
	return nil
}

func (c *Coordinator) handleStatus(_ context.Context, ev core.MeshEvent) error {
	if ev.Instance == c.instance {
		return nil
	}
	status, ok := core.AgentStatusFor(ev.Type)
	if !ok {
		return fmt.Errorf("not a status event: %s", ev.Type)
	}

	// The replica an agent registered with is authoritative for its status.
	if c.ownsAgent(ev.SessionID, ev.From) {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if ev.Type == core.EventAgentOnline {
		c.upsertLocked(ev.SessionID, ev.From, ev.PayloadString("role"), payloadStrings(ev.Payload, "capabilities"))
	}
	current := ""
	if status == core.AgentBusy {
		current = ev.PayloadString("current_task")
	}
	c.setStatusLocked(ev.SessionID, ev.From, status, current)
	return nil
}

func (c *Coordinator) logDelegation(eventID, from, to, role string, ok bool) {
	if fl, isFleet := c.logger.(*logging.FleetLogger); isFleet {
		fl.LogDelegation(eventID, from, to, role, ok)
		return
	}
	if !ok {
		c.logger.Debug("No available agent for delegation", "role", role, "from", from)
	}
}

func payloadStrings(payload map[string]any, key string) []string {
	switch v := payload[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// resultCache remembers answered delegations, evicting the oldest entry once
// its capacity is reached.
type resultCache struct {
	capacity int
	order    []string
	items    map[string]Result
}

func newResultCache(capacity int) *resultCache {
	if capacity <= 0 {
		capacity = 1
	}
	return &resultCache{capacity: capacity, items: make(map[string]Result)}
}

func (rc *resultCache) get(id string) (Result, bool) {
	res, ok := rc.items[id]
	return res, ok
}

func (rc *resultCache) add(id string, res Result) {
	if _, ok := rc.items[id]; !ok {
		rc.order = append(rc.order, id)
	}
	rc.items[id] = res
	for len(rc.order) > rc.capacity {
		delete(rc.items, rc.order[0])
		rc.order = rc.order[1:]
	}
}
