// Package mesh coordinates the agents of a session.
//
// A Coordinator keeps a registry of agents per session, routes delegated
// sub-tasks to an idle peer of the requested role and correlates the peer's
// asynchronous reply back to the requesting agent. It also maintains the
// session's shared context: a scratch map several agents contribute to with
// last-writer-wins semantics.
//
// Every service replica may run its own Coordinator against the same broker.
// Events travel on two kinds of channels:
//
//   - the session channel, which every coordinator holding agents or
//     delegations for the session listens on (status changes, replies,
//     context updates)
//   - one direct channel per agent, listened on by the coordinator the agent
//     registered with (task requests, delivered results)
//
// Inbound events are demultiplexed through a table keyed by
// core.MeshEventType; RegisterHandler adds or replaces entries.
package mesh
