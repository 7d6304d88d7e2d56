package session

import (
	"time"
)

// stateCache is the bounded local replica of session states plus the table of
// per-session sequence counters. It is not safe for concurrent use; the
// Manager guards it with its mutex.
//
// Both maps are capped independently. Inserting a new entry into a full map
// first evicts the entry with the oldest activity timestamp; reads never
// reorder eviction priority.
type stateCache struct {
	maxSessions int
	maxCounters int
	states      map[string]*State
	counters    map[string]*counter
}

type counter struct {
	value        int64
	lastActivity time.Time
}

func newStateCache(maxSessions, maxCounters int) *stateCache {
	if maxSessions <= 0 {
		maxSessions = 1
	}
	if maxCounters <= 0 {
		maxCounters = 1
	}
	return &stateCache{
		maxSessions: maxSessions,
		maxCounters: maxCounters,
		states:      make(map[string]*State),
		counters:    make(map[string]*counter),
	}
}

// get returns the cached state without creating one.
func (c *stateCache) get(sessionID string) (*State, bool) {
	st, ok := c.states[sessionID]
	return st, ok
}

// put stores st, evicting the least recently active sessions first when the
// cache is full. It returns the evicted session ids.
func (c *stateCache) put(st *State) []string {
	if _, ok := c.states[st.SessionID]; ok {
		c.states[st.SessionID] = st
		return nil
	}
	var evicted []string
	for len(c.states) >= c.maxSessions {
		id := oldestState(c.states)
		delete(c.states, id)
		evicted = append(evicted, id)
	}
	c.states[st.SessionID] = st
	return evicted
}

// getOrCreate returns the cached state, creating an empty one if needed.
func (c *stateCache) getOrCreate(sessionID string, now time.Time) (*State, []string) {
	if st, ok := c.states[sessionID]; ok {
		return st, nil
	}
	st := NewState(sessionID, now)
	return st, c.put(st)
}

// seq returns the current counter value for a session.
func (c *stateCache) seq(sessionID string) (int64, bool) {
	ctr, ok := c.counters[sessionID]
	if !ok {
		return 0, false
	}
	return ctr.value, true
}

// next increments and returns the session's counter. A missing counter is
// seeded from floor so sequence numbers never go backwards after eviction.
func (c *stateCache) next(sessionID string, floor int64, now time.Time) int64 {
	ctr := c.counterFor(sessionID, floor)
	ctr.value++
	ctr.lastActivity = now
	return ctr.value
}

// observe advances the session's counter to at least seen.
func (c *stateCache) observe(sessionID string, seen int64, now time.Time) {
	ctr := c.counterFor(sessionID, seen)
	if seen > ctr.value {
		ctr.value = seen
	}
	ctr.lastActivity = now
}

func (c *stateCache) counterFor(sessionID string, floor int64) *counter {
	if ctr, ok := c.counters[sessionID]; ok {
		return ctr
	}
	for len(c.counters) >= c.maxCounters {
		delete(c.counters, oldestCounter(c.counters))
	}
	ctr := &counter{value: floor}
	c.counters[sessionID] = ctr
	return ctr
}

func (c *stateCache) ids() []string {
	ids := make([]string, 0, len(c.states))
	for id := range c.states {
		ids = append(ids, id)
	}
	return ids
}

// oldestState picks the least recently active session, breaking ties by id so
// eviction is deterministic.
func oldestState(states map[string]*State) string {
	var (
		oldest string
		at     time.Time
	)
	for id, st := range states {
		if oldest == "" || st.LastActivity.Before(at) || (st.LastActivity.Equal(at) && id < oldest) {
			oldest, at = id, st.LastActivity
		}
	}
	return oldest
}

func oldestCounter(counters map[string]*counter) string {
	var (
		oldest string
		at     time.Time
	)
	for id, ctr := range counters {
		if oldest == "" || ctr.lastActivity.Before(at) || (ctr.lastActivity.Equal(at) && id < oldest) {
			oldest, at = id, ctr.lastActivity
		}
	}
	return oldest
}
