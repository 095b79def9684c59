package model

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorEnvelopeError(t *testing.T) {
	err := NewNotFoundError("flow \"f-1\" not found")
	assert.Equal(t, "NOT_FOUND: flow \"f-1\" not found", err.Error())
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, ErrConflict, CodeOf(NewConflictError("dup")))
	assert.Equal(t, ErrInternalError, CodeOf(errors.New("plain")))

	wrapped := fmt.Errorf("advance: %w", NewExternalCallError("email send failed"))
	assert.Equal(t, ErrExternalCall, CodeOf(wrapped))
}

func TestPredicates(t *testing.T) {
	assert.True(t, IsNotFound(NewNotFoundError("x")))
	assert.False(t, IsNotFound(NewConflictError("x")))
	assert.True(t, IsConflict(fmt.Errorf("insert: %w", NewConflictError("x"))))
}

func TestExecutionTerminal(t *testing.T) {
	for _, status := range []string{ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusCancelled} {
		e := &Execution{Status: status}
		assert.True(t, e.Terminal(), status)
	}
	for _, status := range []string{ExecutionStatusPending, ExecutionStatusRunning, ExecutionStatusWaiting} {
		e := &Execution{Status: status}
		assert.False(t, e.Terminal(), status)
	}
}
