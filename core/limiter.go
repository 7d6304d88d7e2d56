package core

import "sync"

// WorkerLimiter caps how many task executions run concurrently on one
// instance. It never blocks: callers poll TryAcquire and come back on the
// next cycle when no slot is free.
type WorkerLimiter struct {
	max   int
	count int
	mu    sync.Mutex
}

// NewWorkerLimiter creates a limiter with max slots. If max <= 0 a single slot
// is used.
func NewWorkerLimiter(max int) *WorkerLimiter {
	if max <= 0 {
		max = 1
	}
	return &WorkerLimiter{max: max}
}

// TryAcquire takes a slot and reports whether one was free.
func (wl *WorkerLimiter) TryAcquire() bool {
	wl.mu.Lock()
	defer wl.mu.Unlock()

	if wl.count >= wl.max {
		return false
	}

	wl.count++

	return true
}

// Release returns a slot. Releasing more than was acquired is ignored.
func (wl *WorkerLimiter) Release() {
	wl.mu.Lock()
	defer wl.mu.Unlock()

	if wl.count > 0 {
		wl.count--
	}
}

// InUse returns the number of held slots.
func (wl *WorkerLimiter) InUse() int {
	wl.mu.Lock()
	defer wl.mu.Unlock()

	return wl.count
}

// Remaining returns how many slots are free.
func (wl *WorkerLimiter) Remaining() int {
	wl.mu.Lock()
	defer wl.mu.Unlock()

	return wl.max - wl.count
}

// Capacity returns the configured slot count.
func (wl *WorkerLimiter) Capacity() int { return wl.max }
