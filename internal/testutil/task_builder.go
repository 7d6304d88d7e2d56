package testutil

import (
	"time"

	"github.com/hupe1980/agentfleet/core"
)

// TaskBuilder helps construct tasks with fluent chaining for tests.
// Example:
//
//	task := NewTaskBuilder("s1").Agent("coder").Payload("build X").Build()
type TaskBuilder struct {
	task *core.Task
}

// NewTaskBuilder creates a pending task in sessionID.
func NewTaskBuilder(sessionID string) *TaskBuilder {
	return &TaskBuilder{task: core.NewTask(sessionID, "agent", "", time.Now())}
}

// ID overrides the generated task id (chainable).
func (b *TaskBuilder) ID(id string) *TaskBuilder { b.task.ID = id; return b }

// Agent sets the target agent (chainable).
func (b *TaskBuilder) Agent(agentID string) *TaskBuilder { b.task.AgentID = agentID; return b }

// Payload sets the task payload (chainable).
func (b *TaskBuilder) Payload(p string) *TaskBuilder { b.task.Payload = p; return b }

// Status forces a status without running the transition checks (chainable).
func (b *TaskBuilder) Status(s core.TaskStatus) *TaskBuilder { b.task.Status = s; return b }

// Result sets the result field (chainable).
func (b *TaskBuilder) Result(r string) *TaskBuilder { b.task.Result = r; return b }

// Build returns the task.
func (b *TaskBuilder) Build() *core.Task { return b.task.Clone() }
