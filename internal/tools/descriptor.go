package tools

import (
	"context"
	"encoding/json"
	"time"

	"github.com/haasonsaas/strand/internal/backoff"
	"github.com/haasonsaas/strand/internal/permissions"
	"github.com/haasonsaas/strand/pkg/models"
)

// Tool is the unit of capability exposed to the model. Execute receives the
// validated arguments and must honor ctx cancellation.
type Tool interface {
	Execute(ctx context.Context, args json.RawMessage) (*Output, error)
}

// ToolFunc adapts a function to the Tool interface.
type ToolFunc func(ctx context.Context, args json.RawMessage) (*Output, error)

// Execute implements Tool.
func (f ToolFunc) Execute(ctx context.Context, args json.RawMessage) (*Output, error) {
	return f(ctx, args)
}

// Output is what a tool produces: text content plus optional images.
type Output struct {
	Content string
	Images  []models.ImageSource
}

// ConcurrencySpec bounds parallel execution for one tool.
type ConcurrencySpec struct {
	// MaxConcurrent limits simultaneous executions of this tool. Zero means
	// unlimited.
	MaxConcurrent int

	// Blocking makes the tool run exclusively: no other tool executes while
	// it holds the global lock.
	Blocking bool
}

// IdempotencySpec marks a tool safe for result caching.
type IdempotencySpec struct {
	// Safe declares repeated calls with identical arguments side-effect
	// free, enabling the fingerprint cache.
	Safe bool

	// TTL overrides the cache default for this tool.
	TTL time.Duration
}

// RetrySpec is the opt-in per-tool retry policy. Only kinds listed in
// RetryOn that are also retryable by classification are retried.
type RetrySpec struct {
	MaxAttempts int
	Backoff     backoff.Policy
	RetryOn     []ErrorKind
}

func (r RetrySpec) shouldRetry(kind ErrorKind) bool {
	if !kind.IsRetryable() {
		return false
	}
	for _, k := range r.RetryOn {
		if k == kind {
			return true
		}
	}
	return false
}

// SizeHint describes the expected size of a tool's output.
type SizeHint string

const (
	SizeSmall    SizeHint = "small"
	SizeVariable SizeHint = "variable"
	SizeLarge    SizeHint = "large"
)

// Descriptor is the registration record for a tool.
type Descriptor struct {
	// Name is sanitized at registration; the sanitized form is what the
	// model sees and what lookups use.
	Name        string
	Description string

	// Schema is a JSON Schema document for the arguments. Nil disables
	// validation for this tool.
	Schema json.RawMessage

	Permission  permissions.ToolPolicy
	Concurrency ConcurrencySpec
	Idempotency IdempotencySpec
	Retry       RetrySpec

	// OutputSize hints at the expected result size; offload strategies use
	// it to prioritize candidates.
	OutputSize SizeHint

	// Timeout bounds a single execution attempt. Zero uses the manager
	// default.
	Timeout time.Duration

	// Disabled keeps the tool registered but rejects calls.
	Disabled bool
}

// Registration pairs a descriptor with its implementation, for components
// (plugins, toolkits) that contribute tools in bulk.
type Registration struct {
	Descriptor Descriptor
	Tool       Tool
}

// Definition is the provider-facing shape of a registered tool.
type Definition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}
