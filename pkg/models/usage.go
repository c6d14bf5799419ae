package models

import "time"

// Usage is token accounting for one provider call or an aggregate.
type Usage struct {
	InputTokens     int `json:"input_tokens"`
	OutputTokens    int `json:"output_tokens"`
	TotalTokens     int `json:"total_tokens"`
	ReasoningTokens int `json:"reasoning_tokens,omitempty"`
}

// Add accumulates another usage sample into the receiver.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.TotalTokens += other.TotalTokens
	u.ReasoningTokens += other.ReasoningTokens
}

// RunMetrics is the per-run metrics snapshot carried by the execution
// context and persisted with session checkpoints.
type RunMetrics struct {
	LLMCalls    int   `json:"llm_calls"`
	Usage       Usage `json:"usage"`
	ToolCalls   int   `json:"tool_calls"`
	ToolErrors  int   `json:"tool_errors"`
	Compactions int   `json:"compactions"`
}

// RunResult is the terminal output of a completed run.
type RunResult struct {
	Text       string        `json:"text"`
	Iterations int           `json:"iterations"`
	Metrics    RunMetrics    `json:"metrics"`
	Duration   time.Duration `json:"duration"`
}
