package core

import (
	"fmt"
	"time"
)

// TaskStatus is the lifecycle state of a queued task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// IsTerminal reports whether no further transition is allowed.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// CanTransition reports whether moving from s to next is a legal forward step.
// Terminal states never transition; running tasks cannot return to pending.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	switch s {
	case TaskPending:
		return next == TaskRunning || next.IsTerminal()
	case TaskRunning:
		return next.IsTerminal()
	default:
		return false
	}
}

// Task is a unit of agent work queued under a session. Payload is immutable
// after creation; status and result fields are owned by the dispatcher.
type Task struct {
	ID               string     `json:"id"`
	SessionID        string     `json:"session_id"`
	AgentID          string     `json:"agent_id"`
	Payload          string     `json:"payload"`
	Status           TaskStatus `json:"status"`
	CreatedAt        time.Time  `json:"created_at"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	AssignedWorkerID string     `json:"assigned_worker_id,omitempty"`
	Result           string     `json:"result,omitempty"`
	Error            string     `json:"error,omitempty"`
	// Score is the task's position in its session queue, kept so a failed
	// claim can put it back where it was.
	Score float64 `json:"score"`
}

// NewTask creates a pending task with a fresh id.
func NewTask(sessionID, agentID, payload string, now time.Time) *Task {
	return &Task{
		ID:        NewID(),
		SessionID: sessionID,
		AgentID:   agentID,
		Payload:   payload,
		Status:    TaskPending,
		CreatedAt: now.UTC(),
	}
}

// Transition moves the task to next, stamping StartedAt / CompletedAt. It
// returns ErrInvalidTransition and leaves the task untouched otherwise.
func (t *Task) Transition(next TaskStatus, now time.Time) error {
	if !t.Status.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, next)
	}
	ts := now.UTC()
	switch {
	case next == TaskRunning:
		t.StartedAt = &ts
	case next.IsTerminal():
		t.CompletedAt = &ts
	}
	t.Status = next
	return nil
}

// Clone returns a copy safe for independent mutation.
func (t *Task) Clone() *Task {
	c := *t
	if t.StartedAt != nil {
		s := *t.StartedAt
		c.StartedAt = &s
	}
	if t.CompletedAt != nil {
		s := *t.CompletedAt
		c.CompletedAt = &s
	}
	return &c
}
