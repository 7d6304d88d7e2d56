package agentfleet

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentfleet/broker"
	"github.com/hupe1980/agentfleet/core"
	"github.com/hupe1980/agentfleet/internal/testutil"
	"github.com/hupe1980/agentfleet/session"
)

func echo(ctx context.Context, task *core.Task) (string, error) {
	return "echo: " + task.Payload, nil
}

func newTestFleet(b broker.Broker, optFns ...func(o *Options)) *Fleet {
	fns := append([]func(o *Options){func(o *Options) {
		o.DispatcherConfig.PollInterval = 10 * time.Millisecond
	}}, optFns...)
	return New(b, core.OrchestratorFunc(echo), fns...)
}

func TestFleet_SharesInstanceAcrossComponents(t *testing.T) {
	f := newTestFleet(broker.NewInMemoryBroker(), func(o *Options) { o.Instance = "replica-1" })
	assert.Equal(t, "replica-1", f.Instance())
	assert.Equal(t, "replica-1", f.Dispatcher.WorkerID())
	assert.Equal(t, "replica-1", f.Mesh.Instance())
	assert.Equal(t, "replica-1", f.Sessions.Instance())
}

func TestFleet_StartTwice(t *testing.T) {
	f := newTestFleet(broker.NewInMemoryBroker())
	require.NoError(t, f.Start(context.Background()))
	defer f.Stop()
	require.Error(t, f.Start(context.Background()))
}

func TestFleet_ExecutesEnqueuedTasks(t *testing.T) {
	ctx := context.Background()
	f := newTestFleet(broker.NewInMemoryBroker())
	require.NoError(t, f.Start(ctx))
	defer f.Stop()

	id, err := f.Dispatcher.Enqueue(ctx, "s1", "coder", "build X")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		task, ok, err := f.Dispatcher.GetTask(ctx, id)
		return err == nil && ok && task.Status == core.TaskCompleted && task.Result == "echo: build X"
	}, 2*time.Second, 5*time.Millisecond)
}

func TestFleet_ReplicasShareBroker(t *testing.T) {
	ctx := context.Background()
	b := broker.NewInMemoryBroker()
	rec := testutil.NewRecorder()

	a := newTestFleet(b, func(o *Options) { o.Prefix = "test" })
	c := newTestFleet(b, func(o *Options) {
		o.Prefix = "test"
		o.Broadcast = rec.Broadcast
	})
	require.NoError(t, a.Start(ctx))
	defer a.Stop()
	require.NoError(t, c.Start(ctx))
	defer c.Stop()

	act, err := session.NewAction(session.ActionFileOpen, "s1", session.FilePayload{Path: "main.go"})
	require.NoError(t, err)
	_, err = a.Sessions.PublishAction(ctx, act)
	require.NoError(t, err)

	require.True(t, rec.WaitFor(1, 2*time.Second))
	require.Eventually(t, func() bool {
		st, ok, err := c.Sessions.GetSessionState(ctx, "s1")
		return err == nil && ok && st.Version == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, a.Mesh.JoinSession(ctx, "s1"))
	_, err = c.Mesh.RegisterAgent(ctx, "s1", "coder-1", "coder")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, ok := a.Mesh.Agent("s1", "coder-1")
		return ok
	}, 2*time.Second, 5*time.Millisecond)
}

func TestFleet_Maintain(t *testing.T) {
	ctx := context.Background()
	f := newTestFleet(broker.NewInMemoryBroker())

	_, err := f.Sessions.CreateSessionState(ctx, "s1")
	require.NoError(t, err)
	_, err = f.Sessions.CreateSessionState(ctx, "s2")
	require.NoError(t, err)

	report, err := f.Maintain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.SnapshotsPersisted)
	assert.Equal(t, 0, report.TasksSwept)
}

func TestFleet_StopWithoutStart(t *testing.T) {
	f := newTestFleet(broker.NewInMemoryBroker())
	f.Stop()
}

func TestFleet_RunReturnsOnCancel(t *testing.T) {
	f := newTestFleet(broker.NewInMemoryBroker())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}
