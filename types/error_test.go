package types

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_ChainingAndHelpers(t *testing.T) {
	t.Parallel()

	root := errors.New("root")
	err := NewError(ErrPluginExecution, "plugin failed").
		WithCause(root).
		WithRetryable(true).
		WithNodeID("plugin::1")

	assert.Equal(t, ErrPluginExecution, GetErrorCode(err))
	assert.True(t, IsRetryable(err))
	assert.True(t, errors.Is(err, root))
	assert.Equal(t, "[20300] plugin failed: root", err.Error())
	assert.Equal(t, "plugin failed: root", GetErrorMessage(err))
}

func TestError_DefaultMessage(t *testing.T) {
	t.Parallel()

	err := NewError(ErrNodeRun, "")
	assert.Equal(t, "node run failed", err.Message)
	assert.Equal(t, "error code 1", ErrorCode(1).String())
}

func TestError_Kinds(t *testing.T) {
	t.Parallel()

	wrapped := fmt.Errorf("outer: %w", NewStructuralError(ErrVariableGet, "key missing"))
	assert.True(t, IsStructural(wrapped))
	assert.False(t, IsInterrupt(wrapped))

	assert.True(t, IsInterrupt(NewInterruptError("stop")))
	assert.True(t, IsTimeout(NewTimeoutError("llm::1", nil)))
	assert.True(t, IsTimeout(fmt.Errorf("wait: %w", context.DeadlineExceeded)))
	assert.False(t, IsTimeout(errors.New("plain")))
	assert.False(t, IsTimeout(nil))
}

func TestError_WrapAndCodes(t *testing.T) {
	t.Parallel()

	plain := errors.New("boom")
	assert.Equal(t, ErrNodeRun, GetErrorCode(plain))
	assert.Equal(t, Success, GetErrorCode(nil))
	assert.Equal(t, "boom", GetErrorMessage(plain))

	wrapped := WrapError(plain, ErrNodeRun, "node failed")
	require.NotNil(t, wrapped)
	assert.Equal(t, ErrNodeRun, wrapped.Code)
	assert.ErrorIs(t, wrapped, plain)

	typed := NewError(ErrIfElseExecution, "bad")
	assert.Same(t, typed, WrapError(typed, ErrNodeRun, "ignored"))
	assert.Nil(t, WrapError(nil, ErrNodeRun, "x"))

	e, ok := AsError(fmt.Errorf("ctx: %w", typed))
	require.True(t, ok)
	assert.Equal(t, ErrIfElseExecution, e.Code)
}
