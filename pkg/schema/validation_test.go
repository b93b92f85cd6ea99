package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationResult_EmptyIsValid(t *testing.T) {
	r := &ValidationResult{}
	assert.True(t, r.Valid())
	assert.NoError(t, r.ToError())
}

func TestValidationResult_AddError(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("steps[0].tool", "tool %q is empty", "")

	assert.False(t, r.Valid())
	require.Len(t, r.Errors, 1)
	assert.Equal(t, "steps[0].tool", r.Errors[0].Path)
	assert.Equal(t, `tool "" is empty`, r.Errors[0].Message)
	assert.Equal(t, SeverityError, r.Errors[0].Severity)
}

func TestValidationResult_WarningsStayValid(t *testing.T) {
	r := &ValidationResult{}
	r.AddWarning("settings.max_cost", "cost limits are not enforced")

	assert.True(t, r.Valid())
	require.Len(t, r.Warnings, 1)
	assert.Equal(t, SeverityWarning, r.Warnings[0].Severity)
}

func TestValidationResult_Merge(t *testing.T) {
	r1 := &ValidationResult{}
	r1.AddError("", "err1")
	r1.AddWarning("", "warn1")

	r2 := &ValidationResult{}
	r2.AddError("steps[0]", "err2")
	r2.AddWarning("steps[1]", "warn2")

	r1.Merge(r2)
	r1.Merge(nil)

	assert.Len(t, r1.Errors, 2)
	assert.Len(t, r1.Warnings, 2)
}

func TestValidationResult_ToError(t *testing.T) {
	r := &ValidationResult{Source: "review.yaml"}
	r.AddError("steps[0].name", "duplicate step name %q", "draft")
	r.AddError("steps[1].tool", "tool is required")

	err := r.ToError()
	require.Error(t, err)

	var se *Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, ErrCodeValidation, se.Code)
	assert.Contains(t, se.Message, "review.yaml")
	assert.Contains(t, se.Message, `steps[0].name: duplicate step name "draft"`)
	assert.Contains(t, se.Message, "steps[1].tool: tool is required")
	assert.Equal(t, 2, se.Details["error_count"])
}
