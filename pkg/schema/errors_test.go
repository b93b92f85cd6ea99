package schema

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_Format(t *testing.T) {
	err := NewError(ErrCodeSessionNotFound, "session abc not found")
	assert.Equal(t, "[SESSION_NOT_FOUND] session abc not found", err.Error())

	err = NewErrorf(ErrCodeStepFailed, "tool %s failed", "echo").WithStep("draft", 1)
	assert.Equal(t, "[STEP_EXECUTION_FAILED] step draft: tool echo failed", err.Error())
	require.NotNil(t, err.StepIndex)
	assert.Equal(t, 1, *err.StepIndex)
}

func TestError_UnwrapAndCode(t *testing.T) {
	cause := errors.New("boom")
	err := NewError(ErrCodeStepFailed, "failed").WithCause(cause)
	wrapped := fmt.Errorf("continue: %w", err)

	assert.ErrorIs(t, wrapped, cause)
	assert.True(t, IsCode(wrapped, ErrCodeStepFailed))
	assert.False(t, IsCode(wrapped, ErrCodeSessionExpired))
	assert.Equal(t, ErrCodeStepFailed, CodeOf(wrapped))
	assert.Equal(t, "", CodeOf(cause))
}

func TestError_WithDetailsMerges(t *testing.T) {
	err := NewError(ErrCodeExecution, "x").
		WithDetails(map[string]any{"a": 1}).
		WithDetails(map[string]any{"b": 2})
	assert.Equal(t, map[string]any{"a": 1, "b": 2}, err.Details)
}

func TestIsCode_NestedCause(t *testing.T) {
	inner := NewError(ErrCodeCircularInput, "cycle at input.a")
	outer := NewError(ErrCodeStepFailed, "step failed").WithCause(inner)

	assert.True(t, IsCode(outer, ErrCodeStepFailed))
	assert.True(t, IsCode(outer, ErrCodeCircularInput))
	assert.False(t, IsCode(outer, ErrCodeValidation))
	assert.Equal(t, ErrCodeStepFailed, CodeOf(outer))
}
