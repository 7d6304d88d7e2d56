package orchestrator

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentfleet/core"
)

type mockProvider struct {
	text string
	err  error
}

func (m mockProvider) Instruction(*core.Task) (string, error) { return m.text, m.err }

func TestInstruction_Static(t *testing.T) {
	inst := NewInstructionFromText("agent {{.agent_id}} in {{.session_id}}")
	assert.True(t, inst.IsStatic())
	assert.False(t, inst.IsZero())

	got, err := inst.Resolve(&core.Task{AgentID: "coder", SessionID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, "agent coder in s1", got)
}

func TestInstruction_PlainTextFastPath(t *testing.T) {
	got, err := NewInstructionFromText("no markers <here>").Resolve(&core.Task{})
	require.NoError(t, err)
	assert.Equal(t, "no markers <here>", got)
}

func TestInstruction_VarsAndHelpers(t *testing.T) {
	inst := NewInstructionFromText(
		`{{title .agent_id}} works on {{.project}} using {{join ", " .langs}}; tone: {{default "neutral" .tone}}; {{upper .task_id}}`,
		map[string]any{"project": "fleet", "langs": []string{"go", "sql"}},
	)
	got, err := inst.Resolve(&core.Task{ID: "t1", AgentID: "coder"})
	require.NoError(t, err)
	assert.Equal(t, "Coder works on fleet using go, sql; tone: neutral; T1", got)
}

func TestInstruction_TaskFieldsOverrideVars(t *testing.T) {
	inst := NewInstructionFromText("{{.agent_id}}", map[string]any{"agent_id": "spoofed"})
	got, err := inst.Resolve(&core.Task{AgentID: "coder"})
	require.NoError(t, err)
	assert.Equal(t, "coder", got)
}

func TestInstruction_InvalidTemplate(t *testing.T) {
	_, err := NewInstructionFromText("{{.agent_id").Resolve(&core.Task{})
	require.Error(t, err)
}

func TestInstruction_Provider(t *testing.T) {
	inst := NewInstructionFromProvider(mockProvider{text: "dynamic"})
	assert.False(t, inst.IsStatic())

	got, err := inst.Resolve(&core.Task{})
	require.NoError(t, err)
	assert.Equal(t, "dynamic", got)

	_, err = NewInstructionFromProvider(mockProvider{err: errors.New("fail")}).Resolve(&core.Task{})
	require.Error(t, err)
}

func TestInstruction_Zero(t *testing.T) {
	var inst Instruction
	assert.True(t, inst.IsZero())
	got, err := inst.Resolve(nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}
