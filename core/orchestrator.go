package core

import "context"

// Orchestrator executes task payloads on behalf of agents. It is the external
// collaborator invoked by dispatcher workers.
//
// Contract:
//   - Execute honours ctx cancellation; it must return promptly once ctx is done
//   - Abort / Pause / Resume are advisory hooks keyed by agent id; an
//     implementation checks them cooperatively between execution steps
type Orchestrator interface {
	Execute(ctx context.Context, task *Task) (string, error)
	Abort(agentID string)
	Pause(agentID string)
	Resume(agentID string)
}

// OrchestratorFunc adapts a plain function into an Orchestrator whose control
// hooks are no-ops.
type OrchestratorFunc func(ctx context.Context, task *Task) (string, error)

// Execute calls f.
func (f OrchestratorFunc) Execute(ctx context.Context, task *Task) (string, error) {
	return f(ctx, task)
}

// Abort is a no-op.
func (OrchestratorFunc) Abort(string) {}

// Pause is a no-op.
func (OrchestratorFunc) Pause(string) {}

// Resume is a no-op.
func (OrchestratorFunc) Resume(string) {}
