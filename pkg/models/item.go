// Package models defines the shared data types for the strand agent runtime:
// conversation items, content blocks, tool calls and results, usage accounting,
// and the typed stream event vocabulary.
package models

import (
	"encoding/json"
	"time"
)

// Role indicates the author of a message item.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleDeveloper Role = "developer"
)

// ItemKind discriminates conversation item variants.
type ItemKind string

const (
	// ItemMessage is a role-attributed message with ordered content blocks.
	ItemMessage ItemKind = "message"

	// ItemReasoning is an opaque provider-signed thinking blob. Signed
	// reasoning must round-trip to the provider unchanged.
	ItemReasoning ItemKind = "reasoning"

	// ItemCompaction is a synthetic marker recording that a range of prior
	// items was summarized and removed.
	ItemCompaction ItemKind = "compaction"
)

// Item is one entry in a conversation. Exactly one of Message, Reasoning,
// or Compaction is set, matching Kind.
type Item struct {
	Kind       ItemKind        `json:"kind"`
	ID         string          `json:"id,omitempty"`
	Message    *MessageItem    `json:"message,omitempty"`
	Reasoning  *ReasoningItem  `json:"reasoning,omitempty"`
	Compaction *CompactionItem `json:"compaction,omitempty"`
	CreatedAt  time.Time       `json:"created_at,omitempty"`
}

// MessageItem is a message with ordered content blocks.
type MessageItem struct {
	Role   Role           `json:"role"`
	Blocks []ContentBlock `json:"blocks"`
}

// ReasoningItem carries provider thinking output. Signature, when present,
// marks the blob as provider-signed; unsigned reasoning is drop-only and is
// never replayed.
type ReasoningItem struct {
	Text      string `json:"text,omitempty"`
	Summary   string `json:"summary,omitempty"`
	Signature string `json:"signature,omitempty"`
}

// Signed reports whether the reasoning blob must persist across round-trips.
func (r *ReasoningItem) Signed() bool {
	return r != nil && r.Signature != ""
}

// CompactionItem records a compaction: Summary replaces Elided prior items.
type CompactionItem struct {
	Summary string `json:"summary"`
	Elided  int    `json:"elided"`
}

// BlockType discriminates content block variants inside a message.
type BlockType string

const (
	BlockInputText  BlockType = "input_text"
	BlockOutputText BlockType = "output_text"
	BlockInputImage BlockType = "input_image"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
	BlockThinking   BlockType = "thinking"
)

// ImageDetail controls provider-side image fidelity.
type ImageDetail string

const (
	ImageDetailLow  ImageDetail = "low"
	ImageDetailHigh ImageDetail = "high"
	ImageDetailAuto ImageDetail = "auto"
)

// ImageSource references an image by URL or data URI.
type ImageSource struct {
	URL    string      `json:"url"`
	Detail ImageDetail `json:"detail,omitempty"`
	Width  int         `json:"width,omitempty"`
	Height int         `json:"height,omitempty"`
}

// ContentBlock is one block inside a message. Exactly one payload field is
// set, matching Type. Text is shared by the input_text and output_text
// variants.
type ContentBlock struct {
	Type       BlockType        `json:"type"`
	Text       string           `json:"text,omitempty"`
	Image      *ImageSource     `json:"image,omitempty"`
	ToolUse    *ToolUseBlock    `json:"tool_use,omitempty"`
	ToolResult *ToolResultBlock `json:"tool_result,omitempty"`
	Thinking   *ThinkingBlock   `json:"thinking,omitempty"`
}

// ToolUseBlock is an assistant-originated tool call intent.
type ToolUseBlock struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResultBlock pairs with a ToolUseBlock by ToolUseID.
type ToolResultBlock struct {
	ToolUseID string        `json:"tool_use_id"`
	Content   string        `json:"content"`
	IsError   bool          `json:"is_error,omitempty"`
	Images    []ImageSource `json:"images,omitempty"`
}

// ThinkingBlock is inline thinking content. Signed blocks round-trip;
// unsigned blocks are drop-only.
type ThinkingBlock struct {
	Text      string `json:"text"`
	Signature string `json:"signature,omitempty"`
}

// NewTextItem builds a message item holding a single text block. User,
// system, and developer roles produce input_text; the assistant role
// produces output_text.
func NewTextItem(role Role, text string) Item {
	bt := BlockInputText
	if role == RoleAssistant {
		bt = BlockOutputText
	}
	return Item{
		Kind:      ItemMessage,
		CreatedAt: time.Now(),
		Message: &MessageItem{
			Role:   role,
			Blocks: []ContentBlock{{Type: bt, Text: text}},
		},
	}
}

// NewToolResultItem builds the user-role message carrying tool results for
// one iteration, in provider call order.
func NewToolResultItem(results []ToolResultBlock) Item {
	blocks := make([]ContentBlock, len(results))
	for i := range results {
		r := results[i]
		blocks[i] = ContentBlock{Type: BlockToolResult, ToolResult: &r}
	}
	return Item{
		Kind:      ItemMessage,
		CreatedAt: time.Now(),
		Message: &MessageItem{
			Role:   RoleUser,
			Blocks: blocks,
		},
	}
}

// TextContent concatenates the text of all text-bearing blocks in a message
// item. Returns "" for non-message items.
func (it Item) TextContent() string {
	if it.Kind != ItemMessage || it.Message == nil {
		return ""
	}
	var out string
	for _, b := range it.Message.Blocks {
		if b.Type == BlockInputText || b.Type == BlockOutputText {
			out += b.Text
		}
	}
	return out
}

// ToolUses returns the tool_use blocks of a message item in order.
func (it Item) ToolUses() []ToolUseBlock {
	if it.Kind != ItemMessage || it.Message == nil {
		return nil
	}
	var uses []ToolUseBlock
	for _, b := range it.Message.Blocks {
		if b.Type == BlockToolUse && b.ToolUse != nil {
			uses = append(uses, *b.ToolUse)
		}
	}
	return uses
}

// ToolResults returns the tool_result blocks of a message item in order.
func (it Item) ToolResults() []ToolResultBlock {
	if it.Kind != ItemMessage || it.Message == nil {
		return nil
	}
	var results []ToolResultBlock
	for _, b := range it.Message.Blocks {
		if b.Type == BlockToolResult && b.ToolResult != nil {
			results = append(results, *b.ToolResult)
		}
	}
	return results
}

// PairIndex maps tool-use ids to the conversation indices of the items
// holding the use and its result. Index -1 means the half is absent.
type PairIndex struct {
	UseItem    int
	ResultItem int
}

// IndexToolPairs scans a conversation and returns the location of every
// tool-use/tool-result pair keyed by tool-use id.
func IndexToolPairs(items []Item) map[string]PairIndex {
	pairs := make(map[string]PairIndex)
	for i, it := range items {
		for _, use := range it.ToolUses() {
			p := pairs[use.ID]
			if p.ResultItem == 0 && p.UseItem == 0 {
				p = PairIndex{UseItem: -1, ResultItem: -1}
			}
			p.UseItem = i
			pairs[use.ID] = p
		}
		for _, res := range it.ToolResults() {
			p, ok := pairs[res.ToolUseID]
			if !ok {
				p = PairIndex{UseItem: -1, ResultItem: -1}
			}
			p.ResultItem = i
			pairs[res.ToolUseID] = p
		}
	}
	return pairs
}

// UnpairedToolUses returns the ids of tool_use blocks that have no matching
// tool_result later in the conversation.
func UnpairedToolUses(items []Item) []string {
	var unpaired []string
	for id, p := range IndexToolPairs(items) {
		if p.UseItem >= 0 && p.ResultItem < 0 {
			unpaired = append(unpaired, id)
		}
	}
	return unpaired
}
