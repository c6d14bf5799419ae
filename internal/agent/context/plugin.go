package agentctx

import (
	"encoding/json"

	"github.com/haasonsaas/strand/internal/tools"
)

// Plugin contributes instructions, context content, and tools to a run.
// Implementations cache their token size and invalidate on mutation.
type Plugin interface {
	Name() string

	// Instructions is the plugin's preamble merged into the system prompt.
	Instructions() string

	// Content is the plugin's rendered context block; "" contributes
	// nothing this iteration.
	Content() string

	// TokenSize is the estimate for Content.
	TokenSize() int

	// Compactable reports whether Compact can free tokens.
	Compactable() bool

	// Compact frees up to target tokens and returns the amount freed.
	Compact(target int) int

	// Tools returns the plugin's tool registrations.
	Tools() []tools.Registration

	// State and RestoreState serialize the plugin into the session
	// document.
	State() (json.RawMessage, error)
	RestoreState(raw json.RawMessage) error
}

// Offloader is implemented by plugins that can absorb conversation content
// moved out of the window, keyed for later retrieval.
type Offloader interface {
	Offload(key, description string, value json.RawMessage) error
}
