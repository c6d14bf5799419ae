package agent

import (
	"errors"
	"fmt"

	"github.com/haasonsaas/strand/internal/providers"
	"github.com/haasonsaas/strand/internal/tools"
)

// Kind is the closed set of run failure classifications. Consumers switch on
// Kind; adding a case here is an API change.
type Kind string

const (
	// Tool pipeline failures surfaced as run errors.
	KindInvalidArguments   Kind = "invalid_arguments"
	KindToolNotFound       Kind = "tool_not_found"
	KindToolDisabled       Kind = "tool_disabled"
	KindToolBlocked        Kind = "tool_blocked"
	KindApprovalDenied     Kind = "approval_denied"
	KindToolTimeout        Kind = "tool_timeout"
	KindToolCircuitOpen    Kind = "tool_circuit_open"
	KindToolExecutionError Kind = "tool_execution_error"

	// Provider failures, mirrored from the classified provider reasons.
	KindProviderAuth           Kind = "provider_auth"
	KindProviderRateLimit      Kind = "provider_rate_limit"
	KindProviderContextLength  Kind = "provider_context_length"
	KindProviderTransport      Kind = "provider_transport"
	KindProviderInvalidRequest Kind = "provider_invalid_request"
	KindProviderServer         Kind = "provider_server"

	// Loop failures.
	KindIterationLimitExceeded Kind = "iteration_limit_exceeded"
	KindRateLimitExceeded      Kind = "rate_limit_exceeded"
	KindExecutionTimeout       Kind = "execution_timeout"
	KindContextOverflow        Kind = "context_overflow"
	KindCancelled              Kind = "cancelled"
	KindHookFailure            Kind = "hook_failure"
	KindStateCorruption        Kind = "state_corruption"
)

// RunError is the terminal error of a failed run. PartialText preserves the
// assistant text produced before the failure so callers can surface it.
type RunError struct {
	Kind        Kind
	Message     string
	PartialText string
	Iteration   int
	Cause       error
}

// Error implements the error interface.
func (e *RunError) Error() string {
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if e.Iteration > 0 {
		return fmt.Sprintf("[%s] iteration %d: %s", e.Kind, e.Iteration, msg)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, msg)
}

// Unwrap returns the underlying cause.
func (e *RunError) Unwrap() error { return e.Cause }

// AsRunError extracts a RunError from an error chain.
func AsRunError(err error) (*RunError, bool) {
	var re *RunError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}

func newRunError(kind Kind, iteration int, message string, cause error) *RunError {
	if message == "" && cause != nil {
		message = cause.Error()
	}
	return &RunError{Kind: kind, Message: message, Iteration: iteration, Cause: cause}
}

// kindFromProvider maps a classified provider reason onto the run error
// taxonomy. Unknown reasons land on server: the loop treats them as
// provider-side faults.
func kindFromProvider(reason providers.Reason) Kind {
	switch reason {
	case providers.ReasonAuth:
		return KindProviderAuth
	case providers.ReasonRateLimit:
		return KindProviderRateLimit
	case providers.ReasonContextLength:
		return KindProviderContextLength
	case providers.ReasonTransport:
		return KindProviderTransport
	case providers.ReasonInvalidRequest:
		return KindProviderInvalidRequest
	default:
		return KindProviderServer
	}
}

// kindFromToolError maps a tool pipeline classification onto the run error
// taxonomy, for fail-mode runs that abort on a tool failure.
func kindFromToolError(kind tools.ErrorKind) Kind {
	switch kind {
	case tools.KindNotFound:
		return KindToolNotFound
	case tools.KindDisabled:
		return KindToolDisabled
	case tools.KindBlocked:
		return KindToolBlocked
	case tools.KindInvalidArguments:
		return KindInvalidArguments
	case tools.KindApprovalDenied:
		return KindApprovalDenied
	case tools.KindTimeout:
		return KindToolTimeout
	case tools.KindCircuitOpen:
		return KindToolCircuitOpen
	case tools.KindCancelled:
		return KindCancelled
	default:
		return KindToolExecutionError
	}
}
