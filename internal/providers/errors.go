package providers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// errStreamTruncated marks a stream that closed without a terminal event.
var errStreamTruncated = errors.New("stream ended without a completion event")

// Reason classifies a provider failure for retry decisions.
type Reason string

const (
	// ReasonAuth covers missing, invalid, or unentitled credentials.
	ReasonAuth Reason = "auth"

	// ReasonRateLimit covers throttling; RetryAfter may carry a hint.
	ReasonRateLimit Reason = "rate_limit"

	// ReasonContextLength means the request exceeded the model's window.
	ReasonContextLength Reason = "context_length"

	// ReasonTransport covers network-level failures and timeouts.
	ReasonTransport Reason = "transport"

	// ReasonInvalidRequest covers malformed requests the provider rejected.
	ReasonInvalidRequest Reason = "invalid_request"

	// ReasonServer covers provider-side 5xx failures and overload.
	ReasonServer Reason = "server"

	// ReasonUnknown is the fallback for unclassifiable errors.
	ReasonUnknown Reason = "unknown"
)

// IsRetryable reports whether retrying the same request may succeed.
func (r Reason) IsRetryable() bool {
	switch r {
	case ReasonRateLimit, ReasonTransport, ReasonServer:
		return true
	default:
		return false
	}
}

// ProviderError is a classified failure from a provider adapter.
type ProviderError struct {
	// Reason drives retry behavior.
	Reason Reason

	// Provider is the adapter name, e.g. "anthropic".
	Provider string

	// Model is the model that was requested.
	Model string

	// Status is the HTTP status code, if applicable.
	Status int

	// Code is the provider-specific error code.
	Code string

	// Message is the human-readable error message.
	Message string

	// RequestID is the provider's request id for support escalation.
	RequestID string

	// RetryAfter is the provider's hinted wait for rate-limit errors.
	RetryAfter time.Duration

	// ContextLimit is the model's context window, when the provider
	// reported it alongside a context-length rejection.
	ContextLimit int

	// Cause is the underlying error.
	Cause error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("[%s]", e.Reason))
	if e.Provider != "" {
		parts = append(parts, e.Provider)
	}
	if e.Model != "" {
		parts = append(parts, fmt.Sprintf("model=%s", e.Model))
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}
	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("code=%s", e.Code))
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

// Unwrap returns the underlying error.
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// NewProviderError wraps cause with classification inferred from its text.
func NewProviderError(provider, model string, cause error) *ProviderError {
	err := &ProviderError{
		Provider: provider,
		Model:    model,
		Cause:    cause,
		Reason:   ReasonUnknown,
	}
	if cause != nil {
		err.Message = cause.Error()
		err.Reason = Classify(cause)
	}
	return err
}

// WithStatus sets the HTTP status and reclassifies from it.
func (e *ProviderError) WithStatus(status int) *ProviderError {
	e.Status = status
	if reason := classifyStatus(status); reason != ReasonUnknown {
		e.Reason = reason
	}
	return e
}

// WithCode sets the provider error code and reclassifies when recognized.
func (e *ProviderError) WithCode(code string) *ProviderError {
	e.Code = code
	if reason := classifyCode(code); reason != ReasonUnknown {
		e.Reason = reason
	}
	return e
}

// WithMessage sets the message. Context-length rejections often surface only
// in the message text of a generic 400, so the message can upgrade an
// invalid_request or unknown classification.
func (e *ProviderError) WithMessage(msg string) *ProviderError {
	e.Message = msg
	if e.Reason == ReasonInvalidRequest || e.Reason == ReasonUnknown {
		if looksLikeContextLength(strings.ToLower(msg)) {
			e.Reason = ReasonContextLength
		}
	}
	return e
}

// WithRequestID records the provider's request id.
func (e *ProviderError) WithRequestID(id string) *ProviderError {
	e.RequestID = id
	return e
}

// WithRetryAfter records the hinted wait from a rate-limit response.
func (e *ProviderError) WithRetryAfter(d time.Duration) *ProviderError {
	e.RetryAfter = d
	return e
}

// AsProviderError unwraps err to a *ProviderError if one is in the chain.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// IsRetryable reports whether err is worth retrying at the provider layer.
func IsRetryable(err error) bool {
	if pe, ok := AsProviderError(err); ok {
		return pe.Reason.IsRetryable()
	}
	return Classify(err).IsRetryable()
}

// Classify infers a Reason from an error's text. Adapters prefer structured
// fields (status, code) and fall back to this for bare transport errors.
func Classify(err error) Reason {
	if err == nil {
		return ReasonUnknown
	}
	s := strings.ToLower(err.Error())

	switch {
	case strings.Contains(s, "timeout"),
		strings.Contains(s, "deadline exceeded"),
		strings.Contains(s, "connection refused"),
		strings.Contains(s, "connection reset"),
		strings.Contains(s, "no such host"),
		strings.Contains(s, "broken pipe"),
		strings.Contains(s, "unexpected eof"),
		strings.Contains(s, "tls handshake"):
		return ReasonTransport

	case strings.Contains(s, "rate limit"),
		strings.Contains(s, "rate_limit"),
		strings.Contains(s, "too many requests"),
		strings.Contains(s, "429"):
		return ReasonRateLimit

	case strings.Contains(s, "unauthorized"),
		strings.Contains(s, "invalid api key"),
		strings.Contains(s, "invalid x-api-key"),
		strings.Contains(s, "authentication"),
		strings.Contains(s, "permission denied"),
		strings.Contains(s, "forbidden"):
		return ReasonAuth

	case looksLikeContextLength(s):
		return ReasonContextLength

	case strings.Contains(s, "overloaded"),
		strings.Contains(s, "internal server error"),
		strings.Contains(s, "bad gateway"),
		strings.Contains(s, "service unavailable"),
		strings.Contains(s, "500"),
		strings.Contains(s, "502"),
		strings.Contains(s, "503"),
		strings.Contains(s, "529"):
		return ReasonServer

	case strings.Contains(s, "invalid request"),
		strings.Contains(s, "invalid_request"),
		strings.Contains(s, "400"):
		return ReasonInvalidRequest
	}
	return ReasonUnknown
}

func looksLikeContextLength(s string) bool {
	return strings.Contains(s, "context length") ||
		strings.Contains(s, "context_length") ||
		strings.Contains(s, "maximum context") ||
		strings.Contains(s, "context window") ||
		strings.Contains(s, "prompt is too long") ||
		strings.Contains(s, "too many tokens")
}

func classifyStatus(status int) Reason {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusPaymentRequired:
		return ReasonAuth
	case http.StatusTooManyRequests:
		return ReasonRateLimit
	case http.StatusRequestEntityTooLarge:
		return ReasonContextLength
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return ReasonTransport
	case http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity:
		return ReasonInvalidRequest
	}
	if status >= 500 {
		return ReasonServer
	}
	return ReasonUnknown
}

func classifyCode(code string) Reason {
	switch strings.ToLower(code) {
	case "authentication_error", "permission_error", "invalid_api_key", "account_deactivated":
		return ReasonAuth
	case "rate_limit_error", "rate_limit_exceeded", "insufficient_quota":
		return ReasonRateLimit
	case "context_length_exceeded", "max_tokens_exceeded":
		return ReasonContextLength
	case "overloaded_error", "api_error", "server_error":
		return ReasonServer
	case "invalid_request_error", "not_found_error":
		return ReasonInvalidRequest
	}
	return ReasonUnknown
}
