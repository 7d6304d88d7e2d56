package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/hupe1980/agentfleet/broker"
)

// ControlCommandType names a control-plane command.
type ControlCommandType string

const (
	CommandAbort  ControlCommandType = "abort"
	CommandPause  ControlCommandType = "pause"
	CommandResume ControlCommandType = "resume"
	CommandCancel ControlCommandType = "cancel"
)

// ControlCommand is broadcast to every dispatcher in the fleet. At least one of
// AgentID or TaskID addresses the command.
type ControlCommand struct {
	Command ControlCommandType `json:"command"`
	AgentID string             `json:"agent_id,omitempty"`
	TaskID  string             `json:"task_id,omitempty"`
}

// Validate checks the command is addressable and of a known type.
func (c ControlCommand) Validate() error {
	switch c.Command {
	case CommandAbort, CommandPause, CommandResume, CommandCancel:
	default:
		return fmt.Errorf("unknown control command %q", c.Command)
	}
	if c.AgentID == "" && c.TaskID == "" {
		return fmt.Errorf("control command %q needs agent_id or task_id", c.Command)
	}
	return nil
}

// SendControl broadcasts cmd on the control channel.
func (d *Dispatcher) SendControl(ctx context.Context, cmd ControlCommand) error {
	if err := cmd.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("encode control command: %w", err)
	}
	if err := d.broker.Publish(ctx, d.keys.TaskControl(), raw); err != nil {
		return fmt.Errorf("publish control command: %w", err)
	}
	return nil
}

// HandleControl applies cmd if this instance owns the addressed task or agent
// and reports whether it acted. Commands for tasks or agents owned elsewhere
// are ignored without side effects.
func (d *Dispatcher) HandleControl(ctx context.Context, cmd ControlCommand) bool {
	if err := cmd.Validate(); err != nil {
		d.logger.Warn("Ignoring malformed control command", "error", err)
		return false
	}

	owned := d.ownedRuns(cmd)
	if len(owned) == 0 && cmd.Command == CommandResume {
		if agentID, ok := d.takePaused(cmd); ok {
			d.orchestrator.Resume(agentID)
			d.logger.Info("Control command applied", "command", cmd.Command, "task_id", cmd.TaskID, "agent_id", agentID, "runs", 0)
			return true
		}
	}
	if len(owned) == 0 {
		d.logger.Debug("Ignoring control command for unowned target", "command", cmd.Command, "task_id", cmd.TaskID, "agent_id", cmd.AgentID)
		return false
	}

	switch cmd.Command {
	case CommandCancel:
		for _, r := range owned {
			d.cancelRun(ctx, r)
		}
	case CommandAbort, CommandPause, CommandResume:
		agents := map[string]struct{}{}
		for _, r := range owned {
			agents[r.task.AgentID] = struct{}{}
		}
		for agentID := range agents {
			switch cmd.Command {
			case CommandAbort:
				d.orchestrator.Abort(agentID)
			case CommandPause:
				d.orchestrator.Pause(agentID)
				d.markPaused(agentID, cmd.TaskID)
			case CommandResume:
				d.orchestrator.Resume(agentID)
				d.clearPaused(agentID)
			}
		}
	}
	d.logger.Info("Control command applied", "command", cmd.Command, "task_id", cmd.TaskID, "agent_id", cmd.AgentID, "runs", len(owned))
	return true
}

func (d *Dispatcher) markPaused(agentID, taskID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	tasks := d.paused[agentID]
	if taskID != "" {
		tasks = append(tasks, taskID)
	}
	d.paused[agentID] = tasks
}

func (d *Dispatcher) clearPaused(agentID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.paused, agentID)
}

// takePaused resolves a resume command against agents this instance paused
// and forgets the pause.
func (d *Dispatcher) takePaused(cmd ControlCommand) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cmd.TaskID != "" {
		for agentID, tasks := range d.paused {
			if slices.Contains(tasks, cmd.TaskID) {
				delete(d.paused, agentID)
				return agentID, true
			}
		}
		return "", false
	}
	if _, ok := d.paused[cmd.AgentID]; !ok {
		return "", false
	}
	delete(d.paused, cmd.AgentID)
	return cmd.AgentID, true
}

// ownedRuns returns the local runs addressed by cmd. A task id takes
// precedence over an agent id.
func (d *Dispatcher) ownedRuns(cmd ControlCommand) []*run {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cmd.TaskID != "" {
		if r, ok := d.running[cmd.TaskID]; ok {
			return []*run{r}
		}
		return nil
	}
	var out []*run
	for _, r := range d.running {
		if r.task.AgentID == cmd.AgentID {
			out = append(out, r)
		}
	}
	return out
}

func (d *Dispatcher) controlLoop(ctx context.Context, msgs <-chan broker.Message) {
	defer d.loops.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			var cmd ControlCommand
			if err := json.Unmarshal(msg.Payload, &cmd); err != nil {
				d.logger.Warn("Dropping undecodable control message", "error", err)
				continue
			}
			d.HandleControl(ctx, cmd)
		}
	}
}
