// Package core provides the foundational domain types shared by the fleet
// components. It defines:
//
//   - Tasks (queued units of agent work with a forward-only status machine)
//   - AgentInfo (the registry entry describing an agent in a session mesh)
//   - MeshEvent / TaskEvent (wire records exchanged over the broker)
//   - Orchestrator (the external collaborator that actually executes tasks)
//   - WorkerLimiter (per-instance admission control for task execution)
//
// The package keeps implementation concerns (broker access, worker pools,
// caches) out of scope so the dispatcher, mesh and session packages can share
// vocabulary without depending on one another.
package core
