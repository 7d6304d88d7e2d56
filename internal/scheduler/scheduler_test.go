package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduler_RegisterValidates(t *testing.T) {
	s := New()
	noop := func(context.Context) error { return nil }

	require.Error(t, s.Register("", "@every 1s", noop))
	require.Error(t, s.Register("job", "@every 1s", nil))
	require.Error(t, s.Register("bad", "not a spec", noop))

	require.NoError(t, s.Register("flush", "@every 30s", noop))
	require.Error(t, s.Register("flush", "@every 30s", noop))

	require.NoError(t, s.Register("disabled", "", noop))
	jobs := s.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "flush", jobs[0].Name)
	assert.Equal(t, "@every 30s", jobs[0].Spec)
}

func TestScheduler_RunNowRecordsResult(t *testing.T) {
	s := New()
	boom := errors.New("boom")
	require.NoError(t, s.Register("ok", "@every 1h", func(context.Context) error { return nil }))
	require.NoError(t, s.Register("fail", "@every 1h", func(context.Context) error { return boom }))
	require.NoError(t, s.Register("panic", "@every 1h", func(context.Context) error { panic("bad job") }))

	require.NoError(t, s.RunNow(context.Background(), "ok"))
	require.ErrorIs(t, s.RunNow(context.Background(), "fail"), boom)
	require.Error(t, s.RunNow(context.Background(), "panic"))
	require.ErrorIs(t, s.RunNow(context.Background(), "missing"), ErrUnknownJob)

	byName := map[string]JobStatus{}
	for _, j := range s.Jobs() {
		byName[j.Name] = j
	}
	assert.Equal(t, "success", byName["ok"].LastResult)
	assert.Equal(t, 1, byName["ok"].Runs)
	assert.Equal(t, "failed: boom", byName["fail"].LastResult)
	assert.Contains(t, byName["panic"].LastResult, "panicked")
}

func TestScheduler_RunNowAppliesTimeout(t *testing.T) {
	s := New(func(o *Options) { o.JobTimeout = 20 * time.Millisecond })
	require.NoError(t, s.Register("slow", "@every 1h", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))
	require.ErrorIs(t, s.RunNow(context.Background(), "slow"), context.DeadlineExceeded)
}

func TestScheduler_FiresOnSchedule(t *testing.T) {
	s := New()
	var runs atomic.Int32
	require.NoError(t, s.Register("tick", "@every 1s", func(context.Context) error {
		runs.Add(1)
		return nil
	}))

	s.Start()
	s.Start()
	assert.False(t, s.Jobs()[0].NextRun.IsZero())

	require.Eventually(t, func() bool { return runs.Load() >= 1 }, 3*time.Second, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
	s.Stop(ctx)
}
