package dispatcher

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentfleet/broker"
	"github.com/hupe1980/agentfleet/core"
	"github.com/hupe1980/agentfleet/internal/testutil"
)

func newTestDispatcher(b broker.Broker, orch core.Orchestrator, optFns ...func(o *Options)) *Dispatcher {
	fns := append([]func(o *Options){func(o *Options) {
		o.Config.PollInterval = 10 * time.Millisecond
	}}, optFns...)
	return New(b, orch, fns...)
}

func echo(prefix string) core.OrchestratorFunc {
	return func(_ context.Context, task *core.Task) (string, error) {
		return prefix + task.Payload, nil
	}
}

func waitForStatus(t *testing.T, d *Dispatcher, taskID string, want core.TaskStatus) *core.Task {
	t.Helper()
	var task *core.Task
	require.Eventually(t, func() bool {
		got, ok, err := d.GetTask(context.Background(), taskID)
		if err != nil || !ok {
			return false
		}
		task = got
		return got.Status == want
	}, 2*time.Second, 5*time.Millisecond, "task %s never reached %s", taskID, want)
	return task
}

func TestDispatcher_EnqueueStoresPendingTask(t *testing.T) {
	ctx := context.Background()
	d := newTestDispatcher(broker.NewInMemoryBroker(), echo(""))

	id, err := d.Enqueue(ctx, "s1", "coder", "build X")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	task, ok, err := d.GetTask(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, core.TaskPending, task.Status)
	assert.Equal(t, "s1", task.SessionID)
	assert.Equal(t, "coder", task.AgentID)
	assert.Equal(t, "build X", task.Payload)

	pending, err := d.PendingTasks(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []string{id}, pending)
}

func TestDispatcher_EnqueueRequiresSession(t *testing.T) {
	d := newTestDispatcher(broker.NewInMemoryBroker(), echo(""))
	_, err := d.Enqueue(context.Background(), "", "coder", "x")
	require.Error(t, err)
}

func TestDispatcher_DuplicatePayloadsAreIndependent(t *testing.T) {
	ctx := context.Background()
	d := newTestDispatcher(broker.NewInMemoryBroker(), echo(""))

	a, err := d.Enqueue(ctx, "s1", "coder", "same")
	require.NoError(t, err)
	b, err := d.Enqueue(ctx, "s1", "coder", "same")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	pending, err := d.PendingTasks(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestDispatcher_ClaimOrder(t *testing.T) {
	ctx := context.Background()
	d := newTestDispatcher(broker.NewInMemoryBroker(), echo(""))

	first, err := d.Enqueue(ctx, "s1", "coder", "one")
	require.NoError(t, err)
	time.Sleep(time.Millisecond)
	second, err := d.Enqueue(ctx, "s1", "coder", "two")
	require.NoError(t, err)

	task, ok, err := d.Claim(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, first, task.ID)
	assert.Equal(t, core.TaskRunning, task.Status)
	assert.Equal(t, d.WorkerID(), task.AssignedWorkerID)
	require.NotNil(t, task.StartedAt)

	task, ok, err = d.Claim(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, second, task.ID)

	_, ok, err = d.Claim(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	active, err := d.ActiveTasks(ctx, "s1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{first, second}, active)
}

func TestDispatcher_EnqueueTaskScore(t *testing.T) {
	ctx := context.Background()
	d := newTestDispatcher(broker.NewInMemoryBroker(), echo(""))

	_, err := d.Enqueue(ctx, "s1", "coder", "normal")
	require.NoError(t, err)
	urgent := float64(0)
	id, err := d.EnqueueTask(ctx, EnqueueParams{SessionID: "s1", AgentID: "coder", Payload: "urgent", Score: &urgent})
	require.NoError(t, err)

	task, ok, err := d.Claim(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, id, task.ID)
}

func TestDispatcher_ClaimTaskExactlyOnce(t *testing.T) {
	ctx := context.Background()
	b := broker.NewInMemoryBroker()
	d1 := newTestDispatcher(b, echo(""))
	d2 := newTestDispatcher(b, echo(""))

	id, err := d1.Enqueue(ctx, "s1", "coder", "build X")
	require.NoError(t, err)

	var (
		wins    atomic.Int32
		claimed atomic.Int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		d := d1
		if i%2 == 1 {
			d = d2
		}
		go func() {
			defer wg.Done()
			_, err := d.ClaimTask(ctx, "s1", id)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, core.ErrAlreadyClaimed):
				claimed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(31), claimed.Load())

	active, err := d1.ActiveTasks(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []string{id}, active)
}

func TestDispatcher_ClaimTaskMissingRecord(t *testing.T) {
	ctx := context.Background()
	b := broker.NewInMemoryBroker()
	d := newTestDispatcher(b, echo(""))
	keys := broker.NewKeys("")

	require.NoError(t, b.ZAdd(ctx, keys.Pending("s1"), 1, "ghost"))

	_, err := d.ClaimTask(ctx, "s1", "ghost")
	require.ErrorIs(t, err, core.ErrNotFound)

	_, ok, err := d.Claim(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

// flakyBroker fails the next armed call of an operation once.
type flakyBroker struct {
	broker.Broker

	mu    sync.Mutex
	armed map[string]int
}

func newFlakyBroker() *flakyBroker {
	return &flakyBroker{Broker: broker.NewInMemoryBroker(), armed: map[string]int{}}
}

func (f *flakyBroker) arm(op string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.armed[op]++
}

func (f *flakyBroker) trip(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.armed[op] == 0 {
		return nil
	}
	f.armed[op]--
	return errors.New("connection reset")
}

func (f *flakyBroker) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := f.trip("get"); err != nil {
		return nil, false, err
	}
	return f.Broker.Get(ctx, key)
}

func (f *flakyBroker) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := f.trip("set"); err != nil {
		return err
	}
	return f.Broker.Set(ctx, key, value, ttl)
}

func (f *flakyBroker) SAdd(ctx context.Context, key string, member string) error {
	if err := f.trip("sadd"); err != nil {
		return err
	}
	return f.Broker.SAdd(ctx, key, member)
}

func TestDispatcher_ClaimSurvivesBrokerErrors(t *testing.T) {
	for _, op := range []string{"get", "set", "sadd"} {
		t.Run(op, func(t *testing.T) {
			ctx := context.Background()
			b := newFlakyBroker()
			d := newTestDispatcher(b, echo(""))

			first, second := 1.0, 2.0
			id1, err := d.EnqueueTask(ctx, EnqueueParams{SessionID: "s1", AgentID: "coder", Payload: "a", Score: &first})
			require.NoError(t, err)
			id2, err := d.EnqueueTask(ctx, EnqueueParams{SessionID: "s1", AgentID: "coder", Payload: "b", Score: &second})
			require.NoError(t, err)

			b.arm(op)
			_, ok, err := d.Claim(ctx)
			require.Error(t, err)
			assert.False(t, ok)

			pending, err := d.PendingTasks(ctx, "s1")
			require.NoError(t, err)
			assert.Equal(t, []string{id1, id2}, pending)
			active, err := d.ActiveTasks(ctx, "s1")
			require.NoError(t, err)
			assert.Empty(t, active)
			task, found, err := d.GetTask(ctx, id1)
			require.NoError(t, err)
			require.True(t, found)
			assert.Equal(t, core.TaskPending, task.Status)

			task, ok, err = d.Claim(ctx)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, id1, task.ID)
			assert.Equal(t, core.TaskRunning, task.Status)

			active, err = d.ActiveTasks(ctx, "s1")
			require.NoError(t, err)
			assert.Equal(t, []string{id1}, active)
		})
	}
}

func TestDispatcher_ClaimSessionWithSeparators(t *testing.T) {
	ctx := context.Background()
	d := newTestDispatcher(broker.NewInMemoryBroker(), echo(""))

	for _, sid := range []string{"team/alpha", "s:agent:a"} {
		id, err := d.Enqueue(ctx, sid, "coder", "x")
		require.NoError(t, err)

		task, ok, err := d.Claim(ctx)
		require.NoError(t, err)
		require.True(t, ok, "session %q was never claimed", sid)
		assert.Equal(t, id, task.ID)
		assert.Equal(t, sid, task.SessionID)

		active, err := d.ActiveTasks(ctx, sid)
		require.NoError(t, err)
		assert.Equal(t, []string{id}, active)
	}
}

func TestDispatcher_EndToEnd(t *testing.T) {
	ctx := context.Background()
	b := broker.NewInMemoryBroker()
	d := newTestDispatcher(b, echo("built: "))

	updates, err := b.Subscribe(ctx, broker.NewKeys("").TaskUpdates())
	require.NoError(t, err)
	defer updates.Close()

	require.NoError(t, d.Start(ctx))
	defer d.Stop()

	id, err := d.Enqueue(ctx, "s1", "coder", "build X")
	require.NoError(t, err)

	task := waitForStatus(t, d, id, core.TaskCompleted)
	assert.Equal(t, "built: build X", task.Result)
	require.NotNil(t, task.CompletedAt)

	active, err := d.ActiveTasks(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, active)
	pending, err := d.PendingTasks(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, pending)

	var events []core.TaskEventType
	require.Eventually(t, func() bool {
		select {
		case msg := <-updates.Messages():
			ev := decodeTaskEvent(t, msg)
			if ev.TaskID == id {
				events = append(events, ev.Event)
			}
		default:
		}
		return len(events) == 3
	}, 2*time.Second, time.Millisecond)
	assert.Equal(t, []core.TaskEventType{core.TaskEventEnqueued, core.TaskEventStarted, core.TaskEventCompleted}, events)
}

func TestDispatcher_ExecutionFailure(t *testing.T) {
	ctx := context.Background()
	d := newTestDispatcher(broker.NewInMemoryBroker(), core.OrchestratorFunc(func(context.Context, *core.Task) (string, error) {
		return "", errors.New("model unavailable")
	}))
	require.NoError(t, d.Start(ctx))
	defer d.Stop()

	id, err := d.Enqueue(ctx, "s1", "coder", "x")
	require.NoError(t, err)

	task := waitForStatus(t, d, id, core.TaskFailed)
	assert.Equal(t, "model unavailable", task.Error)
}

func TestDispatcher_PanicIsolation(t *testing.T) {
	ctx := context.Background()
	d := newTestDispatcher(broker.NewInMemoryBroker(), core.OrchestratorFunc(func(_ context.Context, task *core.Task) (string, error) {
		if task.Payload == "boom" {
			panic("kaboom")
		}
		return "ok", nil
	}))
	require.NoError(t, d.Start(ctx))
	defer d.Stop()

	bad, err := d.Enqueue(ctx, "s1", "coder", "boom")
	require.NoError(t, err)
	good, err := d.Enqueue(ctx, "s2", "coder", "fine")
	require.NoError(t, err)

	failed := waitForStatus(t, d, bad, core.TaskFailed)
	assert.Contains(t, failed.Error, "kaboom")
	waitForStatus(t, d, good, core.TaskCompleted)
}

func TestDispatcher_TaskTimeout(t *testing.T) {
	ctx := context.Background()
	d := newTestDispatcher(broker.NewInMemoryBroker(), core.OrchestratorFunc(func(ctx context.Context, _ *core.Task) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}), func(o *Options) {
		o.Config.TaskTimeout = 20 * time.Millisecond
	})
	require.NoError(t, d.Start(ctx))
	defer d.Stop()

	id, err := d.Enqueue(ctx, "s1", "coder", "slow")
	require.NoError(t, err)

	task := waitForStatus(t, d, id, core.TaskFailed)
	assert.Contains(t, task.Error, core.ErrTimeout.Error())
}

func TestDispatcher_StatusMonotonic(t *testing.T) {
	ctx := context.Background()
	d := newTestDispatcher(broker.NewInMemoryBroker(), echo(""))

	id, err := d.Enqueue(ctx, "s1", "coder", "x")
	require.NoError(t, err)
	_, err = d.ClaimTask(ctx, "s1", id)
	require.NoError(t, err)

	assert.True(t, d.completeTask(ctx, id, "done"))
	assert.False(t, d.failTask(ctx, id, errors.New("late failure")))
	assert.False(t, d.completeTask(ctx, id, "again"))

	task, ok, err := d.GetTask(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, core.TaskCompleted, task.Status)
	assert.Equal(t, "done", task.Result)
	assert.Empty(t, task.Error)
}

func TestDispatcher_WorkerCap(t *testing.T) {
	ctx := context.Background()
	release := make(chan struct{})
	var (
		current atomic.Int32
		peak    atomic.Int32
	)
	d := newTestDispatcher(broker.NewInMemoryBroker(), core.OrchestratorFunc(func(ctx context.Context, _ *core.Task) (string, error) {
		n := current.Add(1)
		defer current.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		select {
		case <-release:
		case <-ctx.Done():
		}
		return "ok", nil
	}), func(o *Options) {
		o.Config.MaxWorkers = 2
	})

	var ids []string
	for i := 0; i < 5; i++ {
		id, err := d.Enqueue(ctx, "s1", "coder", "x")
		require.NoError(t, err)
		ids = append(ids, id)
	}

	require.NoError(t, d.Start(ctx))
	defer d.Stop()

	require.Eventually(t, func() bool { return current.Load() == 2 }, time.Second, time.Millisecond)
	pending, err := d.PendingTasks(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, pending, 3)

	stats := d.Stats()
	assert.Equal(t, 2, stats["max_workers"])
	assert.Equal(t, 2, stats["in_use"])
	assert.Equal(t, 2, stats["running"])

	close(release)
	for _, id := range ids {
		waitForStatus(t, d, id, core.TaskCompleted)
	}
	assert.Equal(t, int32(2), peak.Load())
}

func TestDispatcher_CancelPending(t *testing.T) {
	ctx := context.Background()
	d := newTestDispatcher(broker.NewInMemoryBroker(), echo(""))

	id, err := d.Enqueue(ctx, "s1", "coder", "x")
	require.NoError(t, err)

	ok, err := d.Cancel(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)

	task, found, err := d.GetTask(ctx, id)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, core.TaskCancelled, task.Status)

	pending, err := d.PendingTasks(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, pending)

	ok, err = d.Cancel(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDispatcher_CancelUnknown(t *testing.T) {
	d := newTestDispatcher(broker.NewInMemoryBroker(), echo(""))
	ok, err := d.Cancel(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDispatcher_StartTwice(t *testing.T) {
	ctx := context.Background()
	d := newTestDispatcher(broker.NewInMemoryBroker(), echo(""))
	require.NoError(t, d.Start(ctx))
	defer d.Stop()
	require.Error(t, d.Start(ctx))
}

func TestDispatcher_StopWaitsForInflight(t *testing.T) {
	ctx := context.Background()
	started := make(chan struct{})
	var finished atomic.Bool
	d := newTestDispatcher(broker.NewInMemoryBroker(), core.OrchestratorFunc(func(ctx context.Context, _ *core.Task) (string, error) {
		close(started)
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		finished.Store(true)
		return "", ctx.Err()
	}))
	require.NoError(t, d.Start(ctx))

	_, err := d.Enqueue(ctx, "s1", "coder", "x")
	require.NoError(t, err)
	<-started

	d.Stop()
	assert.True(t, finished.Load())
	assert.Empty(t, d.Running())
}

func TestDispatcher_SweepRetention(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	b := broker.NewInMemoryBroker(func(o *broker.InMemoryOptions) { o.Now = clock.Now })
	d := newTestDispatcher(b, echo(""), func(o *Options) { o.Now = clock.Now })

	stale, err := d.Enqueue(ctx, "s1", "coder", "x")
	require.NoError(t, err)

	clock.Advance(25 * time.Hour)

	fresh, err := d.Enqueue(ctx, "s1", "coder", "y")
	require.NoError(t, err)

	removed, err := d.SweepRetention(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	pending, err := d.PendingTasks(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []string{fresh}, pending)
	assert.NotContains(t, pending, stale)
}
