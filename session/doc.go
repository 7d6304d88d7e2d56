// Package session keeps per-session view state consistent across service
// replicas.
//
// A Manager holds a bounded local replica of each session's State (open
// files, layout, viewers and their cursors, agent status). Mutations are
// expressed as Actions: PublishAction stamps the next sequence number for the
// session, broadcasts the action on the shared sync channel and applies it
// locally right away. Every replica runs a listener that applies actions
// published elsewhere and forwards all of them, including its own, to the
// hosting transport through a BroadcastFunc so connected clients see them.
//
// Actions are applied through a handler table keyed by ActionType.
// Unrecognised types are accepted: they advance the version and activity
// timestamps without touching the rest of the state.
//
// The local cache and the sequence counter table are both capped. When full,
// the least recently active session is evicted from the local replica only;
// its last snapshot stays in the broker and is hydrated on the next access.
package session
