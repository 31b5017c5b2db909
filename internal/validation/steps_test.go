package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/playbook/pkg/schema"
)

var roster = []schema.AgentDefinition{
	{ID: "planner", AllowedTools: []string{"core.echo", "core.jq"}},
	{ID: "executor"},
}

func TestCheckSteps_Valid(t *testing.T) {
	steps := []schema.StepSpec{
		{ID: "plan", Agent: "planner", Tool: "core.echo"},
		{ID: "act", Agent: "executor", Tool: "web.search", DependsOn: []string{"plan"}},
	}
	result := CheckSteps(steps, roster)
	assert.True(t, result.Valid())
	assert.Empty(t, result.Warnings)
}

func TestCheckSteps_DuplicateID(t *testing.T) {
	steps := []schema.StepSpec{
		{ID: "a", Agent: "executor", Tool: "core.noop"},
		{ID: "a", Agent: "executor", Tool: "core.noop"},
	}
	result := CheckSteps(steps, roster)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0].Message, "duplicate step id")
	assert.Equal(t, "steps[1]", result.Errors[0].Path)
}

func TestCheckSteps_UnknownAgent(t *testing.T) {
	result := CheckSteps([]schema.StepSpec{{ID: "a", Agent: "ghost", Tool: "core.noop"}}, roster)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0].Message, `"ghost"`)
}

func TestCheckSteps_ToolNotAllowed(t *testing.T) {
	result := CheckSteps([]schema.StepSpec{{ID: "a", Agent: "planner", Tool: "web.search"}}, roster)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "steps[0].tool", result.Errors[0].Path)
}

func TestCheckSteps_Dependencies(t *testing.T) {
	tests := []struct {
		name string
		deps []string
		want string
	}{
		{"self", []string{"b"}, "depends on itself"},
		{"forward", []string{"c"}, "not declared before it"},
		{"unknown", []string{"zzz"}, "not declared before it"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			steps := []schema.StepSpec{
				{ID: "a", Agent: "executor", Tool: "core.noop"},
				{ID: "b", Agent: "executor", Tool: "core.noop", DependsOn: tt.deps},
				{ID: "c", Agent: "executor", Tool: "core.noop"},
			}
			result := CheckSteps(steps, roster)
			require.Len(t, result.Errors, 1)
			assert.Contains(t, result.Errors[0].Message, tt.want)
		})
	}
}

func TestCheckSteps_DuplicateDependencyWarns(t *testing.T) {
	steps := []schema.StepSpec{
		{ID: "a", Agent: "executor", Tool: "core.noop"},
		{ID: "b", Agent: "executor", Tool: "core.noop", DependsOn: []string{"a", "a"}},
	}
	result := CheckSteps(steps, roster)
	assert.True(t, result.Valid())
	assert.Len(t, result.Warnings, 1)
}

func TestCheckSteps_MissingAgentWarnsWithLargeRoster(t *testing.T) {
	result := CheckSteps([]schema.StepSpec{{ID: "a", Tool: "core.noop"}}, roster)
	assert.True(t, result.Valid())
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0].Message, `"planner"`)

	err := result.ToError(schema.ErrCodeValidation)
	assert.NoError(t, err)
}
