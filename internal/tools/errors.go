package tools

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind categorizes tool pipeline failures for retry matching and audit
// classification.
type ErrorKind string

const (
	KindNotFound         ErrorKind = "tool_not_found"
	KindDisabled         ErrorKind = "tool_disabled"
	KindBlocked          ErrorKind = "tool_blocked"
	KindInvalidArguments ErrorKind = "invalid_arguments"
	KindApprovalDenied   ErrorKind = "approval_denied"
	KindTimeout          ErrorKind = "tool_timeout"
	KindCircuitOpen      ErrorKind = "tool_circuit_open"
	KindExecution        ErrorKind = "tool_execution_error"
	KindCancelled        ErrorKind = "cancelled"
	KindPanic            ErrorKind = "tool_panic"
)

// IsRetryable reports whether an opt-in retry policy may retry this kind
// when it appears in the policy's RetryOn list. Permanent classifications
// never retry regardless of policy.
func (k ErrorKind) IsRetryable() bool {
	switch k {
	case KindTimeout, KindExecution:
		return true
	default:
		return false
	}
}

// Error is a classified tool pipeline failure.
type Error struct {
	Kind       ErrorKind
	ToolName   string
	ToolCallID string
	Message    string
	Cause      error
}

// Error implements the error interface.
func (e *Error) Error() string {
	parts := []string{fmt.Sprintf("[%s]", e.Kind)}
	if e.ToolName != "" {
		parts = append(parts, e.ToolName)
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Cause }

func newError(kind ErrorKind, name, callID, message string, cause error) *Error {
	if message == "" && cause != nil {
		message = cause.Error()
	}
	return &Error{Kind: kind, ToolName: name, ToolCallID: callID, Message: message, Cause: cause}
}

// AsError extracts a classified tool error from an error chain.
func AsError(err error) (*Error, bool) {
	var toolErr *Error
	if errors.As(err, &toolErr) {
		return toolErr, true
	}
	return nil, false
}
