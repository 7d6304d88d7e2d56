package broker

import "strings"

// DefaultPrefix namespaces keys when no prefix is configured.
const DefaultPrefix = "agentfleet"

// Keys builds the key and channel names used by the fleet components.
//
// Schema ({p} is the prefix):
//
//	{p}:task:{task_id}                   task record (string, JSON)
//	{p}:queue:{session_id}:pending       pending task ids (sorted set)
//	{p}:queue:{session_id}:active        running task ids (set)
//	{p}:mesh:{session_id}:context        shared context blob (string, JSON)
//	{p}:sync:{session_id}:state          session view-state snapshot (string, JSON)
//
// Channels:
//
//	{p}:tasks:updates                    task lifecycle events
//	{p}:tasks:control                    abort / pause / resume / cancel broadcasts
//	{p}:mesh:{session_id}                session wide mesh events
//	{p}:mesh:{session_id}:agent:{agent}  events addressed to one agent
//	{p}:sync                             session sync actions
//
// Ids are escaped before they are joined, so an id containing ':' or a glob
// metacharacter can neither collide with another key nor widen a Scan
// pattern. '/' is escaped as well because the in-memory Scan treats it as a
// separator.
type Keys struct {
	Prefix string
}

// NewKeys returns Keys for prefix, falling back to DefaultPrefix.
func NewKeys(prefix string) Keys {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return Keys{Prefix: prefix}
}

var (
	idEscaper = strings.NewReplacer(
		"%", "%25", ":", "%3A", "/", "%2F", "*", "%2A",
		"?", "%3F", "[", "%5B", "]", "%5D", "\\", "%5C",
	)
	idUnescaper = strings.NewReplacer(
		"%25", "%", "%3A", ":", "%2F", "/", "%2A", "*",
		"%3F", "?", "%5B", "[", "%5D", "]", "%5C", "\\",
	)
)

// escapeID makes id safe to embed as one key segment.
func escapeID(id string) string { return idEscaper.Replace(id) }

// unescapeID reverses escapeID.
func unescapeID(seg string) string { return idUnescaper.Replace(seg) }

func (k Keys) join(parts ...string) string {
	p := k.Prefix
	if p == "" {
		p = DefaultPrefix
	}
	return p + ":" + strings.Join(parts, ":")
}

// Task is the key holding a task record.
func (k Keys) Task(taskID string) string { return k.join("task", escapeID(taskID)) }

// Pending is the sorted set of pending task ids for a session.
func (k Keys) Pending(sessionID string) string { return k.join("queue", escapeID(sessionID), "pending") }

// PendingPattern matches every session's pending set.
func (k Keys) PendingPattern() string { return k.join("queue", "*", "pending") }

// Active is the set of running task ids for a session.
func (k Keys) Active(sessionID string) string { return k.join("queue", escapeID(sessionID), "active") }

// ActivePattern matches every session's active set.
func (k Keys) ActivePattern() string { return k.join("queue", "*", "active") }

// SessionFromQueueKey extracts the session id from a pending or active key.
func (k Keys) SessionFromQueueKey(key string) (string, bool) {
	prefix := k.join("queue") + ":"
	if !strings.HasPrefix(key, prefix) {
		return "", false
	}
	rest := strings.TrimPrefix(key, prefix)
	seg, kind, ok := strings.Cut(rest, ":")
	if !ok || seg == "" {
		return "", false
	}
	switch kind {
	case "pending", "active":
		return unescapeID(seg), true
	default:
		return "", false
	}
}

// SharedContext is the key holding a session's shared mesh context.
func (k Keys) SharedContext(sessionID string) string { return k.join("mesh", escapeID(sessionID), "context") }

// SyncState is the key holding a session's view-state snapshot.
func (k Keys) SyncState(sessionID string) string { return k.join("sync", escapeID(sessionID), "state") }

// TaskUpdates is the task lifecycle event channel.
func (k Keys) TaskUpdates() string { return k.join("tasks", "updates") }

// TaskControl is the control-plane broadcast channel.
func (k Keys) TaskControl() string { return k.join("tasks", "control") }

// MeshSession is the session wide mesh channel.
func (k Keys) MeshSession(sessionID string) string { return k.join("mesh", escapeID(sessionID)) }

// MeshAgent is the channel carrying events addressed to one agent.
func (k Keys) MeshAgent(sessionID, agentID string) string {
	return k.join("mesh", escapeID(sessionID), "agent", escapeID(agentID))
}

// SyncChannel is the channel carrying session sync actions.
func (k Keys) SyncChannel() string { return k.join("sync") }
