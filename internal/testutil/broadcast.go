package testutil

import (
	"sync"
	"time"
)

// Broadcast is one recorded fan-out call.
type Broadcast struct {
	Room    string
	Event   string
	Payload any
}

// Recorder records broadcast calls. Its Broadcast method matches the
// callback signature expected by the session manager.
type Recorder struct {
	mu     sync.Mutex
	calls  []Broadcast
	notify chan struct{}
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{notify: make(chan struct{}, 1)}
}

// Broadcast records a call.
func (r *Recorder) Broadcast(room, event string, payload any) {
	r.mu.Lock()
	r.calls = append(r.calls, Broadcast{Room: room, Event: event, Payload: payload})
	r.mu.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Calls returns a copy of the recorded calls.
func (r *Recorder) Calls() []Broadcast {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Broadcast(nil), r.calls...)
}

// WaitFor blocks until at least n calls were recorded or timeout elapses and
// reports whether the count was reached.
func (r *Recorder) WaitFor(n int, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		r.mu.Lock()
		got := len(r.calls)
		r.mu.Unlock()
		if got >= n {
			return true
		}
		select {
		case <-r.notify:
		case <-time.After(5 * time.Millisecond):
		case <-deadline:
			return false
		}
	}
}
