package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationResult_WarningsKeepResultValid(t *testing.T) {
	r := &ValidationResult{}
	assert.True(t, r.Valid())

	r.AddWarning("pattern_config.hierarchical.root_agent", ErrCodeConfiguration, "root agent not in roster")
	assert.True(t, r.Valid())
	assert.Nil(t, r.ToError(ErrCodeConfiguration))
	assert.Equal(t, SeverityWarning, r.Warnings[0].Severity)

	r.AddError("routing_rules.planner", ErrCodeValidation, `unknown agent "ghost"`)
	assert.False(t, r.Valid())
	assert.Equal(t, SeverityError, r.Errors[0].Severity)
}

func TestValidationIssue_String(t *testing.T) {
	assert.Equal(t, "steps[0].tool: missing", ValidationIssue{Path: "steps[0].tool", Message: "missing"}.String())
	assert.Equal(t, "missing", ValidationIssue{Message: "missing"}.String())
}

func TestValidationResult_ToError(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("routing_rules.planner", ErrCodeValidation, `unknown agent "ghost"`)

	var pErr *PlaybookError
	require.ErrorAs(t, r.ToError(ErrCodeConfiguration), &pErr)
	assert.Equal(t, ErrCodeConfiguration, pErr.Code)
	assert.Equal(t, `routing_rules.planner: unknown agent "ghost"`, pErr.Message)

	r.AddError("routing_rules.worker", ErrCodeValidation, "self loop")
	r.AddWarning("routing_rules", ErrCodeConfiguration, "orphan")
	require.ErrorAs(t, r.ToError(ErrCodeConfiguration), &pErr)
	assert.Contains(t, pErr.Message, "(and 1 more)")
	assert.Len(t, pErr.Details["errors"], 2)
	assert.Len(t, pErr.Details["warnings"], 1)
}
