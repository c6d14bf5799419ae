package agentctx

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/haasonsaas/strand/internal/tools"
	"github.com/haasonsaas/strand/pkg/models"
)

// StrategyToolOffload is the registry name of the algorithmic tool-offload
// strategy.
const StrategyToolOffload = "algorithmic_tool_offload"

// OffloadTarget is the plugin that absorbs offloaded tool results.
const OffloadTarget = "working_memory"

func init() {
	RegisterStrategy(StrategyToolOffload, func(opts StrategyOptions) Strategy {
		s := &toolOffload{
			threshold: opts.Threshold,
			sizeBytes: opts.ResultSizeBytes,
			pairCap:   opts.ToolPairCap,
		}
		if s.threshold <= 0 {
			s.threshold = 0.75
		}
		if s.sizeBytes <= 0 {
			s.sizeBytes = 1024
		}
		if s.pairCap <= 0 {
			s.pairCap = 10
		}
		return s
	})
}

// toolOffload moves bulky tool results into working memory, caps the number
// of retained tool pairs, and falls back to rolling-window removal.
type toolOffload struct {
	threshold float64
	sizeBytes int
	pairCap   int
}

func (s *toolOffload) Name() string       { return StrategyToolOffload }
func (s *toolOffload) Threshold() float64 { return s.threshold }

func (s *toolOffload) Compact(m *Mutator, target int) (CompactResult, error) {
	result := CompactResult{}
	remaining := target

	// Phase 1: offload pairs whose serialized result exceeds the byte
	// threshold. Both halves of each pair are removed together; every
	// result block in the pair lands in working memory so nothing is lost.
	freed, removed, err := s.offloadOversized(m, &result)
	if err != nil {
		return result, err
	}
	remaining -= freed
	result.Freed += freed
	result.MessagesRemoved += removed

	// Phase 2: cap retained tool pairs, oldest excess first.
	freed, removed, err = s.capPairs(m, &result)
	if err != nil {
		return result, err
	}
	remaining -= freed
	result.Freed += freed
	result.MessagesRemoved += removed

	// Phase 3: rolling-window fallback.
	if remaining > 0 {
		freed, removed, err := rollingRemoval(m, remaining)
		if err != nil {
			return result, err
		}
		result.Freed += freed
		result.MessagesRemoved += removed
		if removed > 0 {
			result.Log = append(result.Log, fmt.Sprintf("rolling removal dropped %d items", removed))
		}
	}
	return result, nil
}

// offloadOversized finds pair groups containing a tool result strictly over
// the byte threshold and moves them into working memory.
func (s *toolOffload) offloadOversized(m *Mutator, result *CompactResult) (int, int, error) {
	offloader, ok := s.offloader(m)
	if !ok {
		return 0, 0, nil
	}
	items := m.Items()
	est := m.Estimator()

	var remove []int
	freed := 0
	for _, g := range pairGroups(items) {
		if !s.groupOversized(items, g) {
			continue
		}
		uses := map[string]models.ToolUseBlock{}
		for _, use := range items[g.useItem].ToolUses() {
			uses[use.ID] = use
		}
		for _, res := range items[g.resultItem].ToolResults() {
			use := uses[res.ToolUseID]
			key := offloadKey(use.Name, use.ID)
			if err := offloader.Offload(key, offloadDescription(use), resultValue(res)); err != nil {
				return freed, 0, fmt.Errorf("offload %s: %w", key, err)
			}
			result.Log = append(result.Log, fmt.Sprintf("offloaded %s to %s", key, OffloadTarget))
		}
		remove = append(remove, g.useItem, g.resultItem)
		freed += EstimateItem(est, items[g.useItem]) + EstimateItem(est, items[g.resultItem])
	}
	if len(remove) == 0 {
		return 0, 0, nil
	}
	if err := m.RemoveItems(remove); err != nil {
		return 0, 0, err
	}
	m.InsertMarker(0, fmt.Sprintf("%d bulky tool results were moved to working memory; retrieve them by key.", len(remove)/2), len(remove))
	if !contains(result.PluginsCompacted, OffloadTarget) {
		result.PluginsCompacted = append(result.PluginsCompacted, OffloadTarget)
	}
	return freed, len(remove), nil
}

func (s *toolOffload) groupOversized(items []models.Item, g pairGroup) bool {
	for _, res := range items[g.resultItem].ToolResults() {
		if len(res.Content) > s.sizeBytes {
			return true
		}
	}
	return false
}

// capPairs removes the oldest pairs beyond the retained-pair cap.
func (s *toolOffload) capPairs(m *Mutator, result *CompactResult) (int, int, error) {
	items := m.Items()
	groups := pairGroups(items)
	excess := len(groups) - s.pairCap
	if excess <= 0 {
		return 0, 0, nil
	}
	est := m.Estimator()

	var remove []int
	freed := 0
	for _, g := range groups[:excess] {
		remove = append(remove, g.useItem, g.resultItem)
		freed += EstimateItem(est, items[g.useItem]) + EstimateItem(est, items[g.resultItem])
	}
	if err := m.RemoveItems(remove); err != nil {
		return 0, 0, err
	}
	m.InsertMarker(0, fmt.Sprintf("%d old tool exchanges beyond the retention cap were removed.", excess), len(remove))
	result.Log = append(result.Log, fmt.Sprintf("pair cap removed %d pairs", excess))
	return freed, len(remove), nil
}

func (s *toolOffload) offloader(m *Mutator) (Offloader, bool) {
	p, ok := m.Plugin(OffloadTarget)
	if !ok {
		return nil, false
	}
	offloader, ok := p.(Offloader)
	return offloader, ok
}

// Consolidate is a no-op; the offload decisions are threshold-driven.
func (s *toolOffload) Consolidate(m *Mutator) (ConsolidateResult, error) {
	return ConsolidateResult{}, nil
}

// offloadKey builds `tool_result.<sanitized-name>.<id-suffix>`.
func offloadKey(name, id string) string {
	suffix := id
	if len(suffix) > 8 {
		suffix = suffix[len(suffix)-8:]
	}
	return fmt.Sprintf("tool_result.%s.%s", tools.SanitizeName(name), suffix)
}

// offloadDescription renders `Result of <name>(<arg-summary>)`.
func offloadDescription(use models.ToolUseBlock) string {
	summary := strings.TrimSpace(string(use.Input))
	const maxArgs = 80
	if len(summary) > maxArgs {
		summary = summary[:maxArgs] + "…"
	}
	return fmt.Sprintf("Result of %s(%s)", use.Name, summary)
}

// resultValue wraps a tool result as a JSON value for storage. Raw JSON
// content is stored as-is; anything else is stored as a JSON string.
func resultValue(res models.ToolResultBlock) json.RawMessage {
	if json.Valid([]byte(res.Content)) {
		return json.RawMessage(res.Content)
	}
	encoded, err := json.Marshal(res.Content)
	if err != nil {
		return json.RawMessage(`""`)
	}
	return encoded
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
