package core

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWorkerLimiter(t *testing.T) {
	wl := NewWorkerLimiter(2)

	assert.True(t, wl.TryAcquire())
	assert.True(t, wl.TryAcquire())
	assert.False(t, wl.TryAcquire())
	assert.Equal(t, 2, wl.InUse())
	assert.Equal(t, 0, wl.Remaining())

	wl.Release()
	assert.Equal(t, 1, wl.Remaining())
	wl.Release()
	wl.Release()
	assert.Equal(t, 0, wl.InUse())
}

func TestWorkerLimiter_ZeroMeansOneSlot(t *testing.T) {
	wl := NewWorkerLimiter(0)
	assert.Equal(t, 1, wl.Capacity())
}

func TestWorkerLimiter_Concurrent(t *testing.T) {
	wl := NewWorkerLimiter(3)
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		acquired int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if wl.TryAcquire() {
				mu.Lock()
				acquired++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 3, acquired)
}
