package dispatcher

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentfleet/broker"
	"github.com/hupe1980/agentfleet/core"
)

type mockOrchestrator struct {
	mock.Mock
	release chan struct{}
}

func (m *mockOrchestrator) Execute(ctx context.Context, task *core.Task) (string, error) {
	select {
	case <-m.release:
		return "done", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (m *mockOrchestrator) Abort(agentID string)  { m.Called(agentID) }
func (m *mockOrchestrator) Pause(agentID string)  { m.Called(agentID) }
func (m *mockOrchestrator) Resume(agentID string) { m.Called(agentID) }

func decodeTaskEvent(t *testing.T, msg broker.Message) core.TaskEvent {
	t.Helper()
	var ev core.TaskEvent
	require.NoError(t, json.Unmarshal(msg.Payload, &ev))
	return ev
}

func TestControlCommand_Validate(t *testing.T) {
	assert.NoError(t, ControlCommand{Command: CommandCancel, TaskID: "t1"}.Validate())
	assert.NoError(t, ControlCommand{Command: CommandPause, AgentID: "a1"}.Validate())
	assert.Error(t, ControlCommand{Command: "explode", TaskID: "t1"}.Validate())
	assert.Error(t, ControlCommand{Command: CommandAbort}.Validate())
}

func TestDispatcher_HandleControlOwnership(t *testing.T) {
	ctx := context.Background()
	b := broker.NewInMemoryBroker()

	owner := &mockOrchestrator{release: make(chan struct{})}
	other := &mockOrchestrator{release: make(chan struct{})}
	d1 := newTestDispatcher(b, owner)
	d2 := newTestDispatcher(b, other)

	id, err := d1.Enqueue(ctx, "s1", "coder", "x")
	require.NoError(t, err)
	task, err := d1.ClaimTask(ctx, "s1", id)
	require.NoError(t, err)
	require.True(t, d1.limiter.TryAcquire())
	d1.launch(ctx, task)
	defer func() {
		close(owner.release)
		d1.inflight.Wait()
	}()

	owner.On("Pause", "coder").Once()

	assert.False(t, d2.HandleControl(ctx, ControlCommand{Command: CommandPause, AgentID: "coder"}))
	assert.False(t, d2.HandleControl(ctx, ControlCommand{Command: CommandCancel, TaskID: id}))
	assert.True(t, d1.HandleControl(ctx, ControlCommand{Command: CommandPause, AgentID: "coder"}))

	owner.AssertExpectations(t)
	other.AssertNotCalled(t, "Pause", mock.Anything)

	got, ok, err := d1.GetTask(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, core.TaskRunning, got.Status)
}

func TestDispatcher_ResumeAfterPausedRunFinished(t *testing.T) {
	for _, tc := range []struct {
		name   string
		pause  func(taskID string) ControlCommand
		resume func(taskID string) ControlCommand
	}{
		{
			name:   "by agent",
			pause:  func(string) ControlCommand { return ControlCommand{Command: CommandPause, AgentID: "coder"} },
			resume: func(string) ControlCommand { return ControlCommand{Command: CommandResume, AgentID: "coder"} },
		},
		{
			name:   "by task",
			pause:  func(id string) ControlCommand { return ControlCommand{Command: CommandPause, TaskID: id} },
			resume: func(id string) ControlCommand { return ControlCommand{Command: CommandResume, TaskID: id} },
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			orch := &mockOrchestrator{release: make(chan struct{})}
			orch.On("Pause", "coder").Once()
			orch.On("Resume", "coder").Once()
			d := newTestDispatcher(broker.NewInMemoryBroker(), orch)

			id, err := d.Enqueue(ctx, "s1", "coder", "x")
			require.NoError(t, err)
			task, err := d.ClaimTask(ctx, "s1", id)
			require.NoError(t, err)
			require.True(t, d.limiter.TryAcquire())
			d.launch(ctx, task)

			require.True(t, d.HandleControl(ctx, tc.pause(id)))
			close(orch.release)
			d.inflight.Wait()
			require.Empty(t, d.Running())

			assert.True(t, d.HandleControl(ctx, tc.resume(id)))
			assert.False(t, d.HandleControl(ctx, tc.resume(id)))
			orch.AssertExpectations(t)
		})
	}
}

func TestDispatcher_HandleControlUnknownAgent(t *testing.T) {
	d := newTestDispatcher(broker.NewInMemoryBroker(), &mockOrchestrator{})
	assert.False(t, d.HandleControl(context.Background(), ControlCommand{Command: CommandAbort, AgentID: "nobody"}))
	assert.False(t, d.HandleControl(context.Background(), ControlCommand{Command: "bogus", AgentID: "nobody"}))
}

func TestDispatcher_CancelRunningAcrossInstances(t *testing.T) {
	ctx := context.Background()
	b := broker.NewInMemoryBroker()

	var once sync.Once
	started := make(chan struct{})
	worker := newTestDispatcher(b, core.OrchestratorFunc(func(ctx context.Context, _ *core.Task) (string, error) {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return "", ctx.Err()
	}))
	require.NoError(t, worker.Start(ctx))
	defer worker.Stop()

	// The client instance never claims work: it only issues commands.
	client := newTestDispatcher(b, echo(""))

	id, err := client.Enqueue(ctx, "s1", "coder", "long job")
	require.NoError(t, err)
	<-started

	ok, err := client.Cancel(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)

	task := waitForStatus(t, client, id, core.TaskFailed)
	assert.Contains(t, task.Error, core.ErrTaskCancelled.Error())

	require.Eventually(t, func() bool { return len(worker.Running()) == 0 }, time.Second, time.Millisecond)
	active, err := client.ActiveTasks(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestDispatcher_AbortRoutesToOrchestrator(t *testing.T) {
	ctx := context.Background()
	b := broker.NewInMemoryBroker()

	orch := &mockOrchestrator{release: make(chan struct{})}
	aborted := make(chan struct{})
	orch.On("Abort", "coder").Once().Run(func(mock.Arguments) { close(aborted) })

	d := newTestDispatcher(b, orch)
	require.NoError(t, d.Start(ctx))
	defer d.Stop()

	id, err := d.Enqueue(ctx, "s1", "coder", "x")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(d.Running()) == 1 }, time.Second, time.Millisecond)

	require.NoError(t, d.SendControl(ctx, ControlCommand{Command: CommandAbort, TaskID: id}))
	select {
	case <-aborted:
	case <-time.After(time.Second):
		t.Fatal("abort was not routed to the orchestrator")
	}
	close(orch.release)

	waitForStatus(t, d, id, core.TaskCompleted)
	orch.AssertExpectations(t)
}
