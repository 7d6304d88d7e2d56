package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/agentfleet/broker"
	"github.com/hupe1980/agentfleet/core"
	"github.com/hupe1980/agentfleet/logging"
)

// Config defines tuning parameters for a Dispatcher.
type Config struct {
	// MaxWorkers caps concurrent task executions on this instance.
	MaxWorkers int
	// PollInterval is how often the poll loop looks for pending work.
	PollInterval time.Duration
	// PendingTTL is the retention of task records while pending or running.
	PendingTTL time.Duration
	// CompletedTTL is the shorter retention applied after a terminal transition.
	CompletedTTL time.Duration
	// TaskTimeout bounds one execution. Zero disables the bound.
	TaskTimeout time.Duration
}

// DefaultConfig provides production-ready defaults:
//   - MaxWorkers: 4
//   - PollInterval: 1s
//   - PendingTTL: 24h
//   - CompletedTTL: 1h
//   - TaskTimeout: disabled
var DefaultConfig = Config{
	MaxWorkers:   4,
	PollInterval: time.Second,
	PendingTTL:   24 * time.Hour,
	CompletedTTL: time.Hour,
}

// Options configures a Dispatcher.
type Options struct {
	Config Config
	// Keys namespaces broker keys and channels.
	Keys broker.Keys
	// WorkerID identifies this instance in task records. Defaults to a new id.
	WorkerID string
	// Now supplies timestamps. Defaults to time.Now.
	Now func() time.Time
	// Logger defaults to NoOp.
	Logger logging.Logger
}

// run tracks one task executing on this instance.
type run struct {
	task   *core.Task
	cancel context.CancelCauseFunc
}

// Dispatcher owns the per-session task queues and a bounded worker pool.
//
// Concurrency model:
//   - Start launches the poll loop and the control listener; Stop cancels both
//     and waits for them and for in-flight executions to return
//   - the running table (task id -> run) is the ownership record consulted by
//     the control plane
//   - terminal transitions are serialised through completionMu and guarded by
//     the task's current status, so a cancel racing a completion is a no-op
type Dispatcher struct {
	broker       broker.Broker
	orchestrator core.Orchestrator
	keys         broker.Keys
	config       Config
	workerID     string
	now          func() time.Time
	logger       logging.Logger
	limiter      *core.WorkerLimiter

	mu      sync.Mutex
	running map[string]*run
	// paused holds the agents this instance paused, with the task ids the
	// pause was addressed through, so a resume still reaches the
	// orchestrator after those runs finished.
	paused  map[string][]string
	started bool
	stop    context.CancelFunc

	completionMu sync.Mutex

	loops     sync.WaitGroup
	inflight  sync.WaitGroup
	pollNudge chan struct{}
}

// New creates a Dispatcher executing tasks through orch.
func New(b broker.Broker, orch core.Orchestrator, optFns ...func(o *Options)) *Dispatcher {
	opts := Options{
		Config: DefaultConfig,
		Keys:   broker.NewKeys(""),
		Now:    time.Now,
		Logger: logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.WorkerID == "" {
		opts.WorkerID = core.NewID()
	}
	if opts.Config.PollInterval <= 0 {
		opts.Config.PollInterval = DefaultConfig.PollInterval
	}
	if opts.Config.PendingTTL <= 0 {
		opts.Config.PendingTTL = DefaultConfig.PendingTTL
	}
	if opts.Config.CompletedTTL <= 0 {
		opts.Config.CompletedTTL = DefaultConfig.CompletedTTL
	}
	return &Dispatcher{
		broker:       b,
		orchestrator: orch,
		keys:         opts.Keys,
		config:       opts.Config,
		workerID:     opts.WorkerID,
		now:          opts.Now,
		logger:       logging.OrNoOp(opts.Logger),
		limiter:      core.NewWorkerLimiter(opts.Config.MaxWorkers),
		running:      make(map[string]*run),
		paused:       make(map[string][]string),
		pollNudge:    make(chan struct{}, 1),
	}
}

// WorkerID returns the identifier stamped on claimed tasks.
func (d *Dispatcher) WorkerID() string { return d.workerID }

// EnqueueParams describes a task to queue.
type EnqueueParams struct {
	SessionID string
	AgentID   string
	Payload   string
	// Score orders the task within its session queue, lowest first. When nil
	// the enqueue time in nanoseconds is used, giving FIFO order.
	Score *float64
}

// Enqueue queues a task for agentID under sessionID and returns its id.
// Duplicate payloads are legal and produce independent tasks.
func (d *Dispatcher) Enqueue(ctx context.Context, sessionID, agentID, payload string) (string, error) {
	return d.EnqueueTask(ctx, EnqueueParams{SessionID: sessionID, AgentID: agentID, Payload: payload})
}

// EnqueueTask queues a task described by p and returns its id.
func (d *Dispatcher) EnqueueTask(ctx context.Context, p EnqueueParams) (string, error) {
	if p.SessionID == "" {
		return "", errors.New("enqueue: session id is required")
	}
	task := core.NewTask(p.SessionID, p.AgentID, p.Payload, d.now())
	task.Score = float64(task.CreatedAt.UnixNano())
	if p.Score != nil {
		task.Score = *p.Score
	}
	if err := d.saveTask(ctx, task, d.config.PendingTTL); err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}
	if err := d.broker.ZAdd(ctx, d.keys.Pending(p.SessionID), task.Score, task.ID); err != nil {
		return "", fmt.Errorf("enqueue: add to pending: %w", err)
	}
	d.publishEvent(ctx, core.TaskEventEnqueued, task)
	d.logger.Debug("Task enqueued", "task_id", task.ID, "session_id", p.SessionID, "agent_id", p.AgentID)
	d.nudge()
	return task.ID, nil
}

// GetTask loads a task record. Unknown or expired ids return (nil, false, nil).
func (d *Dispatcher) GetTask(ctx context.Context, taskID string) (*core.Task, bool, error) {
	raw, ok, err := d.broker.Get(ctx, d.keys.Task(taskID))
	if err != nil || !ok {
		return nil, false, err
	}
	var task core.Task
	if err := json.Unmarshal(raw, &task); err != nil {
		return nil, false, fmt.Errorf("decode task %s: %w", taskID, err)
	}
	return &task, true, nil
}

// PendingTasks lists a session's pending task ids in dequeue order.
func (d *Dispatcher) PendingTasks(ctx context.Context, sessionID string) ([]string, error) {
	return d.broker.ZRange(ctx, d.keys.Pending(sessionID), 0, -1)
}

// ActiveTasks lists a session's running task ids.
func (d *Dispatcher) ActiveTasks(ctx context.Context, sessionID string) ([]string, error) {
	return d.broker.SMembers(ctx, d.keys.Active(sessionID))
}

// Claim looks for the oldest pending task of any session and claims it. It
// returns (nil, false, nil) when there is nothing to claim or every head task
// was taken by another worker first.
func (d *Dispatcher) Claim(ctx context.Context) (*core.Task, bool, error) {
	queues, err := d.broker.Scan(ctx, d.keys.PendingPattern())
	if err != nil {
		return nil, false, fmt.Errorf("scan pending queues: %w", err)
	}
	for _, key := range queues {
		sessionID, ok := d.keys.SessionFromQueueKey(key)
		if !ok {
			continue
		}
		head, err := d.broker.ZRange(ctx, key, 0, 0)
		if err != nil {
			return nil, false, fmt.Errorf("peek %s: %w", key, err)
		}
		if len(head) == 0 {
			continue
		}
		task, err := d.ClaimTask(ctx, sessionID, head[0])
		switch {
		case err == nil:
			return task, true, nil
		case errors.Is(err, core.ErrAlreadyClaimed), errors.Is(err, core.ErrNotFound):
			continue
		default:
			return nil, false, err
		}
	}
	return nil, false, nil
}

// ClaimTask atomically moves taskID from the session's pending set into its
// active set and marks it running. Exactly one concurrent caller succeeds;
// the others get core.ErrAlreadyClaimed and cause no side effects. When a
// broker call fails after the task left the pending set, the task is put back
// with its original score so a later poll can claim it again.
func (d *Dispatcher) ClaimTask(ctx context.Context, sessionID, taskID string) (*core.Task, error) {
	pendingKey := d.keys.Pending(sessionID)

	task, ok, err := d.GetTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("claim %s: %w", taskID, err)
	}
	if !ok {
		d.logger.Warn("Dropping queued task without record", "task_id", taskID, "session_id", sessionID)
		if _, err := d.broker.ZRem(ctx, pendingKey, taskID); err != nil {
			return nil, fmt.Errorf("claim %s: %w", taskID, err)
		}
		return nil, fmt.Errorf("claim %s: %w", taskID, core.ErrNotFound)
	}

	removed, err := d.broker.ZRem(ctx, pendingKey, taskID)
	if err != nil {
		return nil, fmt.Errorf("claim %s: %w", taskID, err)
	}
	if removed == 0 {
		return nil, core.ErrAlreadyClaimed
	}

	queued := task.Clone()
	if err := task.Transition(core.TaskRunning, d.now()); err != nil {
		d.logger.Warn("Dropping queued task that is no longer pending", "task_id", taskID, "status", task.Status)
		return nil, fmt.Errorf("claim %s: %w", taskID, err)
	}
	task.AssignedWorkerID = d.workerID

	if err := d.saveTask(ctx, task, d.config.PendingTTL); err != nil {
		d.requeue(ctx, queued)
		return nil, fmt.Errorf("claim %s: %w", taskID, err)
	}
	if err := d.broker.SAdd(ctx, d.keys.Active(sessionID), taskID); err != nil {
		d.requeue(ctx, queued)
		return nil, fmt.Errorf("claim %s: add to active: %w", taskID, err)
	}
	d.publishEvent(ctx, core.TaskEventStarted, task)
	return task, nil
}

// requeue undoes a partial claim by restoring the pending record and putting
// the task back into its queue at its original score.
func (d *Dispatcher) requeue(ctx context.Context, task *core.Task) {
	if err := d.saveTask(ctx, task, d.config.PendingTTL); err != nil {
		d.logger.Warn("Failed to restore pending record after partial claim", "task_id", task.ID, "error", err)
	}
	if err := d.broker.ZAdd(ctx, d.keys.Pending(task.SessionID), task.Score, task.ID); err != nil {
		d.logger.Error("Failed to requeue task after partial claim", "task_id", task.ID, "session_id", task.SessionID, "error", err)
		return
	}
	d.logger.Warn("Requeued task after partial claim", "task_id", task.ID, "session_id", task.SessionID)
}

// Cancel stops a task wherever it is. A pending task is removed from its queue
// and marked cancelled directly; a running task gets a cancel broadcast so its
// owning instance fails it. It reports false for unknown or finished tasks.
func (d *Dispatcher) Cancel(ctx context.Context, taskID string) (bool, error) {
	task, ok, err := d.GetTask(ctx, taskID)
	if err != nil || !ok {
		return false, err
	}
	switch task.Status {
	case core.TaskPending:
		removed, err := d.broker.ZRem(ctx, d.keys.Pending(task.SessionID), taskID)
		if err != nil {
			return false, fmt.Errorf("cancel %s: %w", taskID, err)
		}
		if removed == 0 {
			// Claimed in the meantime; fall through to the owner.
			return true, d.SendControl(ctx, ControlCommand{Command: CommandCancel, TaskID: taskID})
		}
		if err := task.Transition(core.TaskCancelled, d.now()); err != nil {
			return false, err
		}
		task.Error = core.ErrTaskCancelled.Error()
		if err := d.saveTask(ctx, task, d.config.CompletedTTL); err != nil {
			return false, fmt.Errorf("cancel %s: %w", taskID, err)
		}
		d.publishEvent(ctx, core.TaskEventCancelled, task)
		return true, nil
	case core.TaskRunning:
		return true, d.SendControl(ctx, ControlCommand{Command: CommandCancel, TaskID: taskID})
	default:
		return false, nil
	}
}

// Start launches the poll loop and the control listener. It fails if the
// control channel cannot be subscribed.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return errors.New("dispatcher already started")
	}
	sub, err := d.broker.Subscribe(ctx, d.keys.TaskControl())
	if err != nil {
		return fmt.Errorf("subscribe control channel: %w", err)
	}
	loopCtx, cancel := context.WithCancel(ctx)
	d.stop = cancel
	d.started = true

	d.loops.Add(2)
	go d.pollLoop(loopCtx)
	go func() {
		<-loopCtx.Done()
		_ = sub.Close()
	}()
	go d.controlLoop(loopCtx, sub.Messages())

	d.logger.Info("Dispatcher started", "worker_id", d.workerID, "max_workers", d.limiter.Capacity(), "poll_interval", d.config.PollInterval)
	return nil
}

// Stop cancels the background loops and in-flight executions and waits for
// all of them to return.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return
	}
	d.started = false
	stop := d.stop
	d.mu.Unlock()

	stop()
	d.loops.Wait()
	d.inflight.Wait()
	d.logger.Info("Dispatcher stopped", "worker_id", d.workerID)
}

// Running returns the ids of tasks executing on this instance.
func (d *Dispatcher) Running() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]string, 0, len(d.running))
	for id := range d.running {
		ids = append(ids, id)
	}
	return ids
}

// Stats reports worker pool utilisation.
func (d *Dispatcher) Stats() map[string]any {
	return map[string]any{
		"worker_id":   d.workerID,
		"max_workers": d.limiter.Capacity(),
		"in_use":      d.limiter.InUse(),
		"running":     len(d.Running()),
	}
}

func (d *Dispatcher) nudge() {
	select {
	case d.pollNudge <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) pollLoop(ctx context.Context) {
	defer d.loops.Done()
	ticker := time.NewTicker(d.config.PollInterval)
	defer ticker.Stop()
	for {
		d.Poll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-d.pollNudge:
		}
	}
}

// Poll claims and launches tasks while worker slots are free. Broker errors
// are logged and retried on the next cycle.
func (d *Dispatcher) Poll(ctx context.Context) int {
	launched := 0
	for ctx.Err() == nil {
		if !d.limiter.TryAcquire() {
			return launched
		}
		task, ok, err := d.Claim(ctx)
		if err != nil {
			d.limiter.Release()
			d.logger.Warn("Claim attempt failed; retrying next cycle", "error", err)
			return launched
		}
		if !ok {
			d.limiter.Release()
			return launched
		}
		d.launch(ctx, task)
		launched++
	}
	return launched
}

func (d *Dispatcher) launch(parent context.Context, task *core.Task) {
	runCtx, cancel := context.WithCancelCause(parent)
	r := &run{task: task, cancel: cancel}

	d.mu.Lock()
	d.running[task.ID] = r
	d.mu.Unlock()

	d.inflight.Add(1)
	go func() {
		defer d.inflight.Done()
		defer d.limiter.Release()
		defer func() {
			d.mu.Lock()
			delete(d.running, task.ID)
			d.mu.Unlock()
			cancel(nil)
		}()
		d.execute(runCtx, task)
	}()
}

func (d *Dispatcher) execute(ctx context.Context, task *core.Task) {
	if d.config.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, d.config.TaskTimeout, core.ErrTimeout)
		defer cancel()
	}

	start := time.Now()
	result, err := d.invoke(ctx, task)
	if err == nil && ctx.Err() != nil {
		err = context.Cause(ctx)
	}

	// Completion paths use a fresh context: the run context may be cancelled.
	doneCtx := context.WithoutCancel(ctx)
	if err != nil {
		if cause := context.Cause(ctx); cause != nil && !errors.Is(err, cause) {
			err = fmt.Errorf("%w: %w", cause, err)
		}
		d.failTask(doneCtx, task.ID, err)
	} else {
		d.completeTask(doneCtx, task.ID, result)
	}
	if fl, ok := d.logger.(*logging.FleetLogger); ok {
		fl.LogTaskExecution(task.ID, task.AgentID, time.Since(start), err == nil, err)
	}
}

// invoke runs the orchestrator, converting panics into errors so one task
// cannot take down the pool.
func (d *Dispatcher) invoke(ctx context.Context, task *core.Task) (result string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("orchestrator panic: %v", r)
		}
	}()
	return d.orchestrator.Execute(ctx, task.Clone())
}

func (d *Dispatcher) cancelRun(ctx context.Context, r *run) {
	r.cancel(core.ErrTaskCancelled)
	d.failTask(context.WithoutCancel(ctx), r.task.ID, core.ErrTaskCancelled)
}

// completeTask records a successful result. It is a no-op if the task already
// reached a terminal state.
func (d *Dispatcher) completeTask(ctx context.Context, taskID, result string) bool {
	return d.finish(ctx, taskID, core.TaskCompleted, func(t *core.Task) { t.Result = result })
}

// failTask records an execution failure. It is a no-op if the task already
// reached a terminal state.
func (d *Dispatcher) failTask(ctx context.Context, taskID string, cause error) bool {
	return d.finish(ctx, taskID, core.TaskFailed, func(t *core.Task) { t.Error = cause.Error() })
}

func (d *Dispatcher) finish(ctx context.Context, taskID string, status core.TaskStatus, mutate func(*core.Task)) bool {
	d.completionMu.Lock()
	defer d.completionMu.Unlock()

	task, ok, err := d.GetTask(ctx, taskID)
	if err != nil {
		d.logger.Error("Failed to load task for completion", "task_id", taskID, "error", err)
		return false
	}
	if !ok {
		d.logger.Warn("Task record missing at completion", "task_id", taskID)
		return false
	}
	if err := task.Transition(status, d.now()); err != nil {
		d.logger.Debug("Skipping completion of finished task", "task_id", taskID, "status", task.Status, "target", status)
		return false
	}
	mutate(task)

	if err := d.saveTask(ctx, task, d.config.CompletedTTL); err != nil {
		d.logger.Error("Failed to persist task completion", "task_id", taskID, "error", err)
	}
	if _, err := d.broker.SRem(ctx, d.keys.Active(task.SessionID), taskID); err != nil {
		d.logger.Error("Failed to remove task from active set", "task_id", taskID, "error", err)
	}

	ev := core.TaskEventCompleted
	if status == core.TaskFailed {
		ev = core.TaskEventFailed
	}
	d.publishEvent(ctx, ev, task)
	return true
}

func (d *Dispatcher) saveTask(ctx context.Context, task *core.Task, ttl time.Duration) error {
	raw, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	if err := d.broker.Set(ctx, d.keys.Task(task.ID), raw, ttl); err != nil {
		return fmt.Errorf("store task: %w", err)
	}
	return nil
}

func (d *Dispatcher) publishEvent(ctx context.Context, ev core.TaskEventType, task *core.Task) {
	raw, err := json.Marshal(core.NewTaskEvent(ev, task, d.now()))
	if err != nil {
		d.logger.Error("Failed to encode task event", "event", ev, "error", err)
		return
	}
	if err := d.broker.Publish(ctx, d.keys.TaskUpdates(), raw); err != nil {
		d.logger.Warn("Failed to publish task event", "event", ev, "task_id", task.ID, "error", err)
	}
}

// SweepRetention removes queue and active-set members whose task record has
// expired, plus active members that already reached a terminal state. It
// returns the number of members removed.
func (d *Dispatcher) SweepRetention(ctx context.Context) (int, error) {
	removed := 0

	pending, err := d.broker.Scan(ctx, d.keys.PendingPattern())
	if err != nil {
		return 0, fmt.Errorf("scan pending queues: %w", err)
	}
	for _, key := range pending {
		ids, err := d.broker.ZRange(ctx, key, 0, -1)
		if err != nil {
			return removed, fmt.Errorf("list %s: %w", key, err)
		}
		for _, id := range ids {
			if _, ok, err := d.GetTask(ctx, id); err != nil || ok {
				continue
			}
			n, err := d.broker.ZRem(ctx, key, id)
			if err != nil {
				return removed, fmt.Errorf("sweep %s: %w", key, err)
			}
			removed += int(n)
		}
	}

	active, err := d.broker.Scan(ctx, d.keys.ActivePattern())
	if err != nil {
		return removed, fmt.Errorf("scan active sets: %w", err)
	}
	for _, key := range active {
		ids, err := d.broker.SMembers(ctx, key)
		if err != nil {
			return removed, fmt.Errorf("list %s: %w", key, err)
		}
		for _, id := range ids {
			task, ok, err := d.GetTask(ctx, id)
			if err != nil || (ok && !task.Status.IsTerminal()) {
				continue
			}
			n, err := d.broker.SRem(ctx, key, id)
			if err != nil {
				return removed, fmt.Errorf("sweep %s: %w", key, err)
			}
			removed += int(n)
		}
	}

	if removed > 0 {
		d.logger.Info("Retention sweep removed stale queue members", "removed", removed)
	}
	return removed, nil
}
