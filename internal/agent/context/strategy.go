package agentctx

import (
	"fmt"
	"sort"
	"sync"

	"github.com/haasonsaas/strand/pkg/models"
)

// CompactResult reports what one compaction pass did.
type CompactResult struct {
	Freed            int
	MessagesRemoved  int
	PluginsCompacted []string
	Log              []string
}

// ConsolidateResult reports post-iteration housekeeping.
type ConsolidateResult struct {
	Performed     bool
	TokensChanged int
	Actions       []string
}

// Strategy decides how to shrink the assembled context. Strategies mutate
// state only through the Mutator they are handed.
type Strategy interface {
	Name() string

	// Threshold is the fraction of the effective cap above which the
	// manager invokes Compact.
	Threshold() float64

	Compact(m *Mutator, target int) (CompactResult, error)

	// Consolidate runs after every iteration, independent of thresholds,
	// and must be idempotent.
	Consolidate(m *Mutator) (ConsolidateResult, error)
}

// StrategyOptions carries strategy tuning from configuration. Zero fields
// take strategy defaults.
type StrategyOptions struct {
	// Threshold overrides the strategy's compaction trigger.
	Threshold float64 `yaml:"threshold"`

	// ResultSizeBytes is the offload trigger for tool results.
	ResultSizeBytes int `yaml:"result_size_bytes"`

	// ToolPairCap bounds retained tool-call pairs.
	ToolPairCap int `yaml:"tool_pair_cap"`
}

// StrategyFactory builds a strategy from options.
type StrategyFactory func(opts StrategyOptions) Strategy

var (
	strategyMu       sync.RWMutex
	strategyRegistry = map[string]StrategyFactory{}
)

// RegisterStrategy adds a named strategy factory to the process-wide
// registry. Later registrations under the same name win, so embedders can
// replace the built-ins.
func RegisterStrategy(name string, factory StrategyFactory) {
	strategyMu.Lock()
	defer strategyMu.Unlock()
	strategyRegistry[name] = factory
}

// NewStrategy builds a registered strategy by name.
func NewStrategy(name string, opts StrategyOptions) (Strategy, error) {
	strategyMu.RLock()
	factory, ok := strategyRegistry[name]
	strategyMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown compaction strategy %q", name)
	}
	return factory(opts), nil
}

// Mutator is the strategy's window into the manager: read access to the
// conversation plus the explicit mutation calls. All index arguments refer
// to the conversation as it stands when the call is made.
type Mutator struct {
	manager *Manager
}

// Items returns the current conversation.
func (m *Mutator) Items() []models.Item {
	return m.manager.items
}

// Estimator returns the active token estimator.
func (m *Mutator) Estimator() Estimator {
	return m.manager.estimator
}

// Plugin looks up a registered plugin by name.
func (m *Mutator) Plugin(name string) (Plugin, bool) {
	for _, p := range m.manager.plugins {
		if p.Name() == name {
			return p, true
		}
	}
	return nil, false
}

// Plugins returns the registered plugins in registration order.
func (m *Mutator) Plugins() []Plugin {
	return m.manager.plugins
}

// CompactPlugin asks one plugin to free up to target tokens and returns the
// amount freed.
func (m *Mutator) CompactPlugin(name string, target int) int {
	p, ok := m.Plugin(name)
	if !ok || !p.Compactable() {
		return 0
	}
	return p.Compact(target)
}

// RemoveItems deletes the items at the given indices. The removal set must
// keep every tool-use/tool-result pair intact: both halves in or both out.
func (m *Mutator) RemoveItems(indices []int) error {
	if len(indices) == 0 {
		return nil
	}
	drop := make(map[int]bool, len(indices))
	for _, idx := range indices {
		if idx < 0 || idx >= len(m.manager.items) {
			return fmt.Errorf("remove index %d out of range", idx)
		}
		drop[idx] = true
	}

	for id, pair := range models.IndexToolPairs(m.manager.items) {
		if pair.UseItem < 0 || pair.ResultItem < 0 {
			continue
		}
		if drop[pair.UseItem] != drop[pair.ResultItem] {
			return fmt.Errorf("removal would split tool pair %s", id)
		}
	}

	kept := m.manager.items[:0]
	for i, item := range m.manager.items {
		if !drop[i] {
			kept = append(kept, item)
		}
	}
	m.manager.items = kept
	return nil
}

// InsertMarker places a compaction marker at the given index recording that
// elided prior items were removed.
func (m *Mutator) InsertMarker(at int, summary string, elided int) {
	if at < 0 {
		at = 0
	}
	if at > len(m.manager.items) {
		at = len(m.manager.items)
	}
	marker := models.Item{
		Kind:       models.ItemCompaction,
		Compaction: &models.CompactionItem{Summary: summary, Elided: elided},
	}
	items := append(m.manager.items[:at:at], marker)
	m.manager.items = append(items, m.manager.items[at:]...)
}

// pairGroup is a tool-use item and its matching result item, treated as an
// indivisible unit by compaction.
type pairGroup struct {
	useItem    int
	resultItem int
}

// pairGroups returns the distinct (use-item, result-item) pairs in
// conversation order, oldest first. Mid-iteration unpaired uses are
// excluded.
func pairGroups(items []models.Item) []pairGroup {
	seen := make(map[pairGroup]bool)
	var groups []pairGroup
	for _, pair := range models.IndexToolPairs(items) {
		if pair.UseItem < 0 || pair.ResultItem < 0 {
			continue
		}
		g := pairGroup{useItem: pair.UseItem, resultItem: pair.ResultItem}
		if !seen[g] {
			seen[g] = true
			groups = append(groups, g)
		}
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].useItem < groups[j].useItem })
	return groups
}

// rollingRemoval frees target tokens by dropping oldest items: unpaired
// items first, then whole pairs. The newest item is never removed. Returns
// the tokens freed and the indices removed.
func rollingRemoval(m *Mutator, target int) (int, int, error) {
	items := m.Items()
	if len(items) <= 1 {
		return 0, 0, nil
	}
	est := m.Estimator()

	paired := make(map[int]bool)
	for _, g := range pairGroups(items) {
		paired[g.useItem] = true
		paired[g.resultItem] = true
	}
	// Items in an unpaired mid-iteration state must stay.
	locked := make(map[int]bool)
	for _, pair := range models.IndexToolPairs(items) {
		if pair.UseItem >= 0 && pair.ResultItem < 0 {
			locked[pair.UseItem] = true
		}
	}

	freed := 0
	var remove []int
	take := func(idx int) {
		remove = append(remove, idx)
		freed += EstimateItem(est, items[idx])
	}

	// Oldest unpaired, non-locked items first.
	for idx := 0; idx < len(items)-1 && freed < target; idx++ {
		if paired[idx] || locked[idx] {
			continue
		}
		take(idx)
	}
	// Then whole pairs, oldest first.
	if freed < target {
		for _, g := range pairGroups(items) {
			if freed >= target {
				break
			}
			if g.resultItem >= len(items)-1 {
				continue
			}
			take(g.useItem)
			take(g.resultItem)
		}
	}

	if len(remove) == 0 {
		return 0, 0, nil
	}
	if err := m.RemoveItems(remove); err != nil {
		return 0, 0, err
	}
	m.InsertMarker(0, fmt.Sprintf("%d earlier conversation items were removed to stay within the context budget.", len(remove)), len(remove))
	return freed, len(remove), nil
}
