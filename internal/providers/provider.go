// Package providers defines the text-generation port the agent loop talks to,
// plus adapters for Anthropic and OpenAI. Adapters stream by default; Generate
// is implemented by draining the stream. All errors crossing the port boundary
// are classified ProviderErrors.
package providers

import (
	"context"

	"github.com/haasonsaas/strand/internal/tools"
	"github.com/haasonsaas/strand/pkg/models"
)

// Provider is the text-generation port. Implementations must classify every
// returned error (see ProviderError) and honor ctx cancellation.
type Provider interface {
	// Name identifies the provider, e.g. "anthropic".
	Name() string

	// Generate performs one blocking completion call.
	Generate(ctx context.Context, req *Request) (*Response, error)

	// Stream performs a streaming completion call. The returned channel is
	// closed after a terminal EventResponseComplete or EventError. Errors
	// building the request are returned synchronously.
	Stream(ctx context.Context, req *Request) (<-chan Event, error)
}

// Request is one completion call.
type Request struct {
	// Model overrides the adapter's default model when non-empty.
	Model string

	// System is the system prompt, kept separate from Items.
	System string

	// Items is the assembled conversation, oldest first.
	Items []models.Item

	// Tools the model may call this turn.
	Tools []tools.Definition

	// Temperature, when non-nil, overrides the provider default.
	Temperature *float64

	// MaxOutputTokens bounds the response. Zero uses the adapter default.
	MaxOutputTokens int

	// Thinking enables extended reasoning on providers that support it.
	Thinking bool

	// ThinkingBudget is the reasoning token budget; adapters apply their
	// own floor when it is too small.
	ThinkingBudget int

	// VendorOptions carries provider-specific knobs that have no portable
	// representation. Adapters ignore keys they do not understand.
	VendorOptions map[string]any
}

// Status is the terminal state of a completion.
type Status string

const (
	// StatusCompleted means the model finished naturally.
	StatusCompleted Status = "completed"

	// StatusIncomplete means the response was cut off, typically by the
	// output token limit.
	StatusIncomplete Status = "incomplete"

	// StatusFailed means the provider reported an error mid-response.
	StatusFailed Status = "failed"
)

// Response is the result of one completion call.
type Response struct {
	// ID is the provider's response id.
	ID string

	// Model is the model that actually served the request.
	Model string

	Status Status

	// Item is the assistant message: output text, thinking, and tool-use
	// blocks in provider order.
	Item models.Item

	Usage models.Usage
}

// Text concatenates the output text blocks of the response.
func (r *Response) Text() string {
	return r.Item.TextContent()
}

// ToolUses returns the tool-call intents of the response in provider order.
func (r *Response) ToolUses() []models.ToolUseBlock {
	return r.Item.ToolUses()
}

// EventType identifies a streaming event from a provider.
type EventType string

const (
	EventResponseCreated  EventType = "response-created"
	EventTextDelta        EventType = "text-delta"
	EventTextDone         EventType = "text-done"
	EventReasoningDelta   EventType = "reasoning-delta"
	EventReasoningDone    EventType = "reasoning-done"
	EventToolCallStart    EventType = "tool-call-start"
	EventToolArgsDelta    EventType = "tool-args-delta"
	EventToolArgsDone     EventType = "tool-args-done"
	EventResponseComplete EventType = "response-complete"
	EventError            EventType = "error"
)

// Event is one streaming event. Deltas for a given item id are monotonic;
// tool argument deltas are monotonic within one call id.
type Event struct {
	Type EventType

	// ItemID is the provider response id scoping text/reasoning deltas.
	ItemID string

	// Index is the content block index within the item.
	Index int

	// Delta is the incremental text, reasoning, or argument fragment.
	Delta string

	ToolCallID string
	ToolName   string

	// Args is the complete argument JSON, set on tool-args-done.
	Args string

	// Response is set on response-complete.
	Response *Response

	// Err is set on error events. It is always a classified ProviderError.
	Err error
}

// generateFromStream implements Generate by draining a Stream call. Adapters
// share it so the streaming path is the only provider code path.
func generateFromStream(ctx context.Context, p Provider, req *Request) (*Response, error) {
	events, err := p.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	var resp *Response
	for ev := range events {
		switch ev.Type {
		case EventError:
			return nil, ev.Err
		case EventResponseComplete:
			resp = ev.Response
		}
	}
	if resp == nil {
		return nil, NewProviderError(p.Name(), req.Model, errStreamTruncated)
	}
	return resp, nil
}
