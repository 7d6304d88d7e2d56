package orchestrator

import (
	"github.com/hupe1980/agentfleet/core"
)

// Provider supplies instruction text for a task at runtime.
type Provider interface {
	Instruction(task *core.Task) (string, error)
}

// Func is a functional adapter to allow ordinary functions to be used as Providers.
type Func func(task *core.Task) (string, error)

// Instruction implements Provider.
func (f Func) Instruction(task *core.Task) (string, error) { return f(task) }

// Instruction represents either a static template or a dynamic provider.
type Instruction struct {
	text     string
	vars     map[string]any
	provider Provider
}

// NewInstructionFromText creates an Instruction from a text/template. The
// template sees .agent_id, .session_id, .task_id and .payload of the task
// plus the optional vars, and may use the default, upper, lower, title and
// join helpers.
func NewInstructionFromText(text string, vars ...map[string]any) Instruction {
	inst := Instruction{text: text}
	for _, v := range vars {
		if inst.vars == nil {
			inst.vars = make(map[string]any, len(v))
		}
		for k, val := range v {
			inst.vars[k] = val
		}
	}
	return inst
}

// NewInstructionFromProvider creates an Instruction from a dynamic provider.
func NewInstructionFromProvider(p Provider) Instruction { return Instruction{provider: p} }

// NewInstructionFromFunc creates an Instruction from a function.
func NewInstructionFromFunc(f func(task *core.Task) (string, error)) Instruction {
	return Instruction{provider: Func(f)}
}

// IsStatic returns true if the instruction is backed by a template.
func (i Instruction) IsStatic() bool { return i.provider == nil }

// IsZero reports whether the instruction carries neither text nor provider.
func (i Instruction) IsZero() bool { return i.provider == nil && i.text == "" }

// Resolve returns the instruction text, invoking the provider if needed.
func (i Instruction) Resolve(task *core.Task) (string, error) {
	if i.provider != nil {
		return i.provider.Instruction(task)
	}
	return renderTemplate(i.text, taskData(task, i.vars))
}
