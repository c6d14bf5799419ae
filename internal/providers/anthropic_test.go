package providers

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/haasonsaas/strand/internal/tools"
	"github.com/haasonsaas/strand/pkg/models"
)

func TestNewAnthropicProviderRequiresKey(t *testing.T) {
	if _, err := NewAnthropicProvider(AnthropicConfig{}, nil); err == nil {
		t.Error("expected error for missing api key")
	}
	p, err := NewAnthropicProvider(AnthropicConfig{APIKey: "sk-test"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if p.Name() != "anthropic" {
		t.Errorf("name = %q", p.Name())
	}
	if p.config.DefaultModel == "" || p.config.DefaultMaxTokens == 0 {
		t.Error("defaults not applied")
	}
}

func TestConvertItemsMergesRolesAndPairsBlocks(t *testing.T) {
	use := models.Item{
		Kind: models.ItemMessage,
		Message: &models.MessageItem{
			Role: models.RoleAssistant,
			Blocks: []models.ContentBlock{
				{Type: models.BlockOutputText, Text: "checking"},
				{Type: models.BlockToolUse, ToolUse: &models.ToolUseBlock{
					ID: "t1", Name: "search", Input: []byte(`{"q":"go"}`),
				}},
			},
		},
	}
	result := models.NewToolResultItem([]models.ToolResultBlock{
		{ToolUseID: "t1", Content: "found it"},
	})

	items := []models.Item{
		models.NewTextItem(models.RoleUser, "look this up"),
		use,
		result,
		models.NewTextItem(models.RoleUser, "thanks"),
	}

	messages, err := convertItemsToAnthropic(items)
	if err != nil {
		t.Fatal(err)
	}
	// user / assistant / user (result + followup merged).
	if len(messages) != 3 {
		t.Fatalf("messages = %d, want 3", len(messages))
	}
	if messages[1].Role != anthropic.MessageParamRoleAssistant {
		t.Errorf("messages[1].Role = %v", messages[1].Role)
	}
	if len(messages[1].Content) != 2 {
		t.Errorf("assistant blocks = %d, want 2", len(messages[1].Content))
	}
	if len(messages[2].Content) != 2 {
		t.Errorf("merged user blocks = %d, want 2 (tool result + text)", len(messages[2].Content))
	}
}

func TestConvertItemsDropsUnsignedReasoning(t *testing.T) {
	items := []models.Item{
		models.NewTextItem(models.RoleUser, "q"),
		{Kind: models.ItemReasoning, Reasoning: &models.ReasoningItem{Text: "scratch work"}},
		{Kind: models.ItemReasoning, Reasoning: &models.ReasoningItem{Text: "keep me", Signature: "sig"}},
		models.NewTextItem(models.RoleAssistant, "a"),
	}
	messages, err := convertItemsToAnthropic(items)
	if err != nil {
		t.Fatal(err)
	}
	if len(messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(messages))
	}
	// Signed reasoning merges into the assistant turn ahead of its text.
	if len(messages[1].Content) != 2 {
		t.Errorf("assistant blocks = %d, want 2 (thinking + text)", len(messages[1].Content))
	}
}

func TestConvertItemsRendersCompactionAsUserText(t *testing.T) {
	items := []models.Item{
		{Kind: models.ItemCompaction, Compaction: &models.CompactionItem{Summary: "12 items elided", Elided: 12}},
		models.NewTextItem(models.RoleUser, "continue"),
	}
	messages, err := convertItemsToAnthropic(items)
	if err != nil {
		t.Fatal(err)
	}
	if len(messages) != 1 {
		t.Fatalf("messages = %d, want 1 (summary merged with user turn)", len(messages))
	}
	if messages[0].Role != anthropic.MessageParamRoleUser {
		t.Errorf("role = %v", messages[0].Role)
	}
}

func TestConvertItemsRejectsMalformedToolInput(t *testing.T) {
	items := []models.Item{{
		Kind: models.ItemMessage,
		Message: &models.MessageItem{
			Role: models.RoleAssistant,
			Blocks: []models.ContentBlock{{
				Type:    models.BlockToolUse,
				ToolUse: &models.ToolUseBlock{ID: "t1", Name: "search", Input: []byte(`{broken`)},
			}},
		},
	}}
	if _, err := convertItemsToAnthropic(items); err == nil {
		t.Error("expected error for malformed tool input")
	}
}

func TestConvertToolsToAnthropic(t *testing.T) {
	defs := []tools.Definition{{
		Name:        "add",
		Description: "Adds two numbers.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"a":{"type":"number"}}}`),
	}}
	converted, err := convertToolsToAnthropic(defs)
	if err != nil {
		t.Fatal(err)
	}
	if len(converted) != 1 || converted[0].OfTool == nil {
		t.Fatal("tool not converted")
	}
	if converted[0].OfTool.Name != "add" {
		t.Errorf("name = %q", converted[0].OfTool.Name)
	}

	bad := []tools.Definition{{Name: "broken", InputSchema: json.RawMessage(`{`)}}
	if _, err := convertToolsToAnthropic(bad); err == nil {
		t.Error("expected error for invalid schema")
	}
}

func TestParseDataURL(t *testing.T) {
	mediaType, data, ok := parseDataURL("data:image/png;base64,iVBORw0KGgo=")
	if !ok || mediaType != "image/png" || data != "iVBORw0KGgo=" {
		t.Errorf("parseDataURL = %q %q %v", mediaType, data, ok)
	}
	if _, _, ok := parseDataURL("https://example.com/a.png"); ok {
		t.Error("http url accepted as data url")
	}
	if _, _, ok := parseDataURL("data:image/png,raw"); ok {
		t.Error("non-base64 data url accepted")
	}
}

func TestAnthropicWrapErrorFallsBackToTextClassification(t *testing.T) {
	p, err := NewAnthropicProvider(AnthropicConfig{APIKey: "sk-test"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	wrapped := p.wrapError(errors.New("dial tcp: connection refused"), "claude-sonnet-4-20250514")
	pe, ok := AsProviderError(wrapped)
	if !ok {
		t.Fatal("not a provider error")
	}
	if pe.Reason != ReasonTransport {
		t.Errorf("reason = %s", pe.Reason)
	}
	if pe.Provider != "anthropic" {
		t.Errorf("provider = %q", pe.Provider)
	}
	// Already-classified errors pass through unchanged.
	if again := p.wrapError(wrapped, "m"); again != wrapped {
		t.Error("double wrap")
	}
}
