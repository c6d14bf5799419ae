package models

import (
	"encoding/json"
	"time"
)

// ToolCall is an LLM-emitted intent to execute a tool.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult is the outcome of a single tool execution.
type ToolResult struct {
	ToolCallID string        `json:"tool_call_id"`
	Content    string        `json:"content"`
	IsError    bool          `json:"is_error,omitempty"`
	Duration   time.Duration `json:"duration,omitempty"`
	Images     []ImageSource `json:"images,omitempty"`

	// ErrorKind is the pipeline classification for error results. It stays
	// local: the provider-bound block carries only content and the flag.
	ErrorKind string `json:"error_kind,omitempty"`
}

// Block converts the result into the content block appended to the
// conversation.
func (r ToolResult) Block() ToolResultBlock {
	return ToolResultBlock{
		ToolUseID: r.ToolCallID,
		Content:   r.Content,
		IsError:   r.IsError,
		Images:    r.Images,
	}
}
