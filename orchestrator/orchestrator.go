package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/agentfleet/core"
	"github.com/hupe1980/agentfleet/logging"
	"github.com/hupe1980/agentfleet/model"
)

// ErrNoModel is returned by Execute when neither an agent model nor a default
// model is configured.
var ErrNoModel = errors.New("no model configured for agent")

// Options configures a ModelOrchestrator.
type Options struct {
	// Models binds agent ids to dedicated models.
	Models map[string]model.Model
	// Instructions binds agent ids to dedicated instructions.
	Instructions map[string]Instruction
	// DefaultInstruction is used for agents without a dedicated instruction.
	DefaultInstruction Instruction
	// Stream requests incremental generation from the model.
	Stream bool
	Logger logging.Logger
}

// ModelOrchestrator executes task payloads against language models.
type ModelOrchestrator struct {
	defaultModel       model.Model
	defaultInstruction Instruction
	stream             bool
	logger             logging.Logger

	mu           sync.Mutex
	models       map[string]model.Model
	instructions map[string]Instruction
	paused       map[string]chan struct{}
	runs         map[string]map[uint64]context.CancelCauseFunc
	nextRun      uint64
}

// New creates a ModelOrchestrator. defaultModel may be nil when every agent
// is bound through Options.Models or SetModel.
func New(defaultModel model.Model, optFns ...func(o *Options)) *ModelOrchestrator {
	opts := Options{
		DefaultInstruction: NewInstructionFromText("You are agent {{.agent_id}}. Complete the task you are given."),
		Logger:             logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	o := &ModelOrchestrator{
		defaultModel:       defaultModel,
		defaultInstruction: opts.DefaultInstruction,
		stream:             opts.Stream,
		logger:             logging.OrNoOp(opts.Logger),
		models:             make(map[string]model.Model, len(opts.Models)),
		instructions:       make(map[string]Instruction, len(opts.Instructions)),
		paused:             make(map[string]chan struct{}),
		runs:               make(map[string]map[uint64]context.CancelCauseFunc),
	}
	for id, m := range opts.Models {
		o.models[id] = m
	}
	for id, inst := range opts.Instructions {
		o.instructions[id] = inst
	}
	return o
}

// SetModel binds a model to an agent id. A nil model removes the binding.
func (o *ModelOrchestrator) SetModel(agentID string, m model.Model) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if m == nil {
		delete(o.models, agentID)
		return
	}
	o.models[agentID] = m
}

// SetInstruction binds an instruction to an agent id.
func (o *ModelOrchestrator) SetInstruction(agentID string, inst Instruction) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.instructions[agentID] = inst
}

// Execute implements core.Orchestrator.
func (o *ModelOrchestrator) Execute(ctx context.Context, task *core.Task) (string, error) {
	if task == nil {
		return "", fmt.Errorf("nil task")
	}

	runCtx, done := o.track(ctx, task.AgentID)
	defer done()

	if err := o.waitResumed(runCtx, task.AgentID); err != nil {
		return "", err
	}

	m, inst := o.resolve(task.AgentID)
	if m == nil {
		return "", fmt.Errorf("%w: %s", ErrNoModel, task.AgentID)
	}

	instructions, err := inst.Resolve(task)
	if err != nil {
		return "", fmt.Errorf("resolve instruction: %w", err)
	}

	req := model.Request{
		Instructions: instructions,
		Messages:     []model.Message{{Role: model.RoleUser, Text: task.Payload}},
		Stream:       o.stream,
	}

	start := time.Now()
	text, usage, err := model.Collect(runCtx, m, req)
	if err != nil {
		if runCtx.Err() != nil {
			return "", context.Cause(runCtx)
		}
		return "", fmt.Errorf("generate: %w", err)
	}

	args := []any{
		"task_id", task.ID,
		"agent_id", task.AgentID,
		"model", m.Info().Name,
		"duration_ms", time.Since(start).Milliseconds(),
	}
	if usage != nil {
		args = append(args, "total_tokens", usage.TotalTokens)
	}
	o.logger.Debug("generation finished", args...)

	return text, nil
}

// Abort cancels every in-flight execution of agentID.
func (o *ModelOrchestrator) Abort(agentID string) {
	o.mu.Lock()
	cancels := make([]context.CancelCauseFunc, 0, len(o.runs[agentID]))
	for _, cancel := range o.runs[agentID] {
		cancels = append(cancels, cancel)
	}
	o.mu.Unlock()

	for _, cancel := range cancels {
		cancel(core.ErrTaskAborted)
	}
	if len(cancels) > 0 {
		o.logger.Info("agent aborted", "agent_id", agentID, "runs", len(cancels))
	}
}

// Pause holds subsequent executions of agentID until Resume.
func (o *ModelOrchestrator) Pause(agentID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.paused[agentID]; !ok {
		o.paused[agentID] = make(chan struct{})
		o.logger.Info("agent paused", "agent_id", agentID)
	}
}

// Resume releases executions held by Pause.
func (o *ModelOrchestrator) Resume(agentID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if ch, ok := o.paused[agentID]; ok {
		close(ch)
		delete(o.paused, agentID)
		o.logger.Info("agent resumed", "agent_id", agentID)
	}
}

// Paused reports whether agentID is currently paused.
func (o *ModelOrchestrator) Paused(agentID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.paused[agentID]
	return ok
}

// InFlight returns the number of executions currently tracked for agentID.
func (o *ModelOrchestrator) InFlight(agentID string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.runs[agentID])
}

func (o *ModelOrchestrator) track(ctx context.Context, agentID string) (context.Context, func()) {
	runCtx, cancel := context.WithCancelCause(ctx)

	o.mu.Lock()
	o.nextRun++
	id := o.nextRun
	if o.runs[agentID] == nil {
		o.runs[agentID] = make(map[uint64]context.CancelCauseFunc)
	}
	o.runs[agentID][id] = cancel
	o.mu.Unlock()

	return runCtx, func() {
		o.mu.Lock()
		delete(o.runs[agentID], id)
		if len(o.runs[agentID]) == 0 {
			delete(o.runs, agentID)
		}
		o.mu.Unlock()
		cancel(nil)
	}
}

// waitResumed blocks while agentID is paused.
func (o *ModelOrchestrator) waitResumed(ctx context.Context, agentID string) error {
	for {
		o.mu.Lock()
		ch, ok := o.paused[agentID]
		o.mu.Unlock()
		if !ok {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return context.Cause(ctx)
		}
	}
}

func (o *ModelOrchestrator) resolve(agentID string) (model.Model, Instruction) {
	o.mu.Lock()
	defer o.mu.Unlock()
	m, ok := o.models[agentID]
	if !ok {
		m = o.defaultModel
	}
	inst, ok := o.instructions[agentID]
	if !ok || inst.IsZero() {
		inst = o.defaultInstruction
	}
	return m, inst
}

var _ core.Orchestrator = (*ModelOrchestrator)(nil)
