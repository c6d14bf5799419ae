package models

import "time"

// StreamEventType identifies a typed event on the run's stream.
type StreamEventType string

const (
	EventResponseCreated   StreamEventType = "response:created"
	EventTextDelta         StreamEventType = "text:delta"
	EventTextDone          StreamEventType = "text:done"
	EventReasoningDelta    StreamEventType = "reasoning:delta"
	EventReasoningDone     StreamEventType = "reasoning:done"
	EventToolCallStart     StreamEventType = "tool:call-start"
	EventToolArgsDelta     StreamEventType = "tool:args-delta"
	EventToolArgsDone      StreamEventType = "tool:args-done"
	EventToolExecStart     StreamEventType = "tool:exec-start"
	EventToolExecDone      StreamEventType = "tool:exec-done"
	EventIterationComplete StreamEventType = "iteration:complete"
	EventResponseComplete  StreamEventType = "response:complete"
	EventError             StreamEventType = "error"
)

// ResponseStatus is the terminal status carried by response:complete.
type ResponseStatus string

const (
	StatusCompleted ResponseStatus = "completed"
	StatusFailed    ResponseStatus = "failed"
	StatusCancelled ResponseStatus = "cancelled"
)

// StreamEvent is one event emitted by a streaming run. Events are totally
// ordered per ItemID; Sequence is monotonic per run.
type StreamEvent struct {
	Type     StreamEventType `json:"type"`
	Sequence uint64          `json:"sequence"`
	RunID    string          `json:"run_id"`
	Time     time.Time       `json:"time"`

	// ItemID scopes text and reasoning deltas to one output item.
	ItemID string `json:"item_id,omitempty"`
	// Index is the content block index within the item.
	Index int `json:"index,omitempty"`
	// Delta is the incremental text or argument fragment.
	Delta string `json:"delta,omitempty"`

	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`
	// Args is the complete argument string, set on tool:args-done.
	Args string `json:"args,omitempty"`

	// Result is set on tool:exec-done.
	Result *ToolResult `json:"result,omitempty"`

	// Usage is set on iteration:complete and response:complete.
	Usage *Usage `json:"usage,omitempty"`

	Status ResponseStatus `json:"status,omitempty"`

	// ErrorKind and Message are set on error events.
	ErrorKind string `json:"error_kind,omitempty"`
	Message   string `json:"message,omitempty"`
}
