package types

import (
	"context"
	"errors"
	"fmt"
)

// ErrorCode is the numeric error code carried by every engine failure.
// Codes are stable and surface verbatim in frames and node error outputs.
type ErrorCode int

// Success is the zero code written into errorCode on successful nodes.
const Success ErrorCode = 0

// Variable pool error codes
const (
	ErrVariableGet   ErrorCode = 20600
	ErrVariableSet   ErrorCode = 20601
	ErrVariableParse ErrorCode = 20602
)

// Node collaborator error codes
const (
	ErrLLMRequest      ErrorCode = 20201
	ErrPluginExecution ErrorCode = 20300
)

// Engine error codes
const (
	ErrProtocolValidate     ErrorCode = 22100
	ErrNodeProtocolValidate ErrorCode = 22101
	ErrEngineBuild          ErrorCode = 22300
	ErrEngineRun            ErrorCode = 22301
	ErrNodeRun              ErrorCode = 22302
	ErrNodeTimeout          ErrorCode = 22303
	ErrStartNodeSchema      ErrorCode = 22500
	ErrInterrupted          ErrorCode = 22600
)

// Branch node error codes
const (
	ErrIfElseExecution         ErrorCode = 23100
	ErrDecisionExecution       ErrorCode = 23200
	ErrQuestionAnswerExecution ErrorCode = 23300
	ErrIterationExecution      ErrorCode = 23400
)

var codeMessages = map[ErrorCode]string{
	Success:                    "success",
	ErrVariableGet:             "failed to get variable from pool",
	ErrVariableSet:             "failed to set variable in pool",
	ErrVariableParse:           "failed to parse variable",
	ErrLLMRequest:              "llm request failed",
	ErrPluginExecution:         "plugin execution failed",
	ErrProtocolValidate:        "workflow protocol validation failed",
	ErrNodeProtocolValidate:    "node protocol validation failed",
	ErrEngineBuild:             "workflow engine build failed",
	ErrEngineRun:               "workflow engine run failed",
	ErrNodeRun:                 "node run failed",
	ErrNodeTimeout:             "node execution timeout",
	ErrStartNodeSchema:         "start node input does not match schema",
	ErrInterrupted:             "workflow interrupted",
	ErrIfElseExecution:         "if-else node execution failed",
	ErrDecisionExecution:       "decision node execution failed",
	ErrQuestionAnswerExecution: "question-answer node execution failed",
	ErrIterationExecution:      "iteration node execution failed",
}

// String returns the default message for the code.
func (c ErrorCode) String() string {
	if msg, ok := codeMessages[c]; ok {
		return msg
	}
	return fmt.Sprintf("error code %d", int(c))
}

// ErrorKind classifies how the error handler chain treats an error.
type ErrorKind int

const (
	// KindApplication is an ordinary node or collaborator failure.
	KindApplication ErrorKind = iota
	// KindInterrupt stops the run without retrying.
	KindInterrupt
	// KindStructural marks protocol/schema problems that no retry can fix.
	KindStructural
	// KindTimeout marks deadline failures. Timeouts are never retried.
	KindTimeout
)

func (k ErrorKind) String() string {
	switch k {
	case KindInterrupt:
		return "interrupt"
	case KindStructural:
		return "structural"
	case KindTimeout:
		return "timeout"
	default:
		return "application"
	}
}

// Error represents a structured engine error with code, message, and kind.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Kind      ErrorKind `json:"kind"`
	Retryable bool      `json:"retryable"`
	NodeID    string    `json:"node_id,omitempty"`
	Cause     error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%d] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
// An empty message falls back to the code's default message.
func NewError(code ErrorCode, message string) *Error {
	if message == "" {
		message = code.String()
	}
	return &Error{Code: code, Message: message}
}

// Errorf creates a new Error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return NewError(code, fmt.Sprintf(format, args...))
}

// NewStructuralError creates an error for protocol or schema problems.
func NewStructuralError(code ErrorCode, message string) *Error {
	return NewError(code, message).WithKind(KindStructural)
}

// NewInterruptError creates an error that stops the run without retry.
func NewInterruptError(message string) *Error {
	return NewError(ErrInterrupted, message).WithKind(KindInterrupt)
}

// NewTimeoutError creates a node timeout error.
func NewTimeoutError(nodeID string, cause error) *Error {
	return NewError(ErrNodeTimeout, "node execution timeout").WithKind(KindTimeout).WithNodeID(nodeID).WithCause(cause)
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithKind sets the error kind.
func (e *Error) WithKind(kind ErrorKind) *Error {
	e.Kind = kind
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithNodeID records which node raised the error.
func (e *Error) WithNodeID(nodeID string) *Error {
	e.NodeID = nodeID
	return e
}

// AsError extracts *Error from an error chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// WrapError wraps an arbitrary error with a code. Typed errors are returned as-is.
func WrapError(err error, code ErrorCode, message string) *Error {
	if err == nil {
		return nil
	}
	if e, ok := AsError(err); ok {
		return e
	}
	return NewError(code, message).WithCause(err)
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := AsError(err); ok {
		return e.Retryable
	}
	return false
}

// IsStructural reports whether err is a protocol/schema error.
func IsStructural(err error) bool {
	e, ok := AsError(err)
	return ok && e.Kind == KindStructural
}

// IsInterrupt reports whether err interrupts the run.
func IsInterrupt(err error) bool {
	e, ok := AsError(err)
	return ok && e.Kind == KindInterrupt
}

// IsTimeout reports whether err is a timeout, typed or from a context deadline.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	e, ok := AsError(err)
	return ok && e.Kind == KindTimeout
}

// GetErrorCode extracts the error code from an error.
// Untyped errors map to ErrNodeRun.
func GetErrorCode(err error) ErrorCode {
	if err == nil {
		return Success
	}
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ErrNodeRun
}

// GetErrorMessage returns the message part of a typed error, or err.Error().
func GetErrorMessage(err error) string {
	if err == nil {
		return ""
	}
	if e, ok := AsError(err); ok {
		if e.Cause != nil {
			return fmt.Sprintf("%s: %v", e.Message, e.Cause)
		}
		return e.Message
	}
	return err.Error()
}
