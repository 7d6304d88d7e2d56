// Package orchestrator provides ModelOrchestrator, a core.Orchestrator that
// turns a task payload into a model request and returns the generated text.
//
// Each agent id can be bound to its own model and instruction; unbound agents
// fall back to the defaults. Control hooks are cooperative:
//   - Pause holds the next execution of the agent before generation starts
//   - Resume releases held executions
//   - Abort cancels every in-flight execution of the agent with core.ErrTaskAborted
package orchestrator
