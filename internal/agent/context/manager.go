package agentctx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/haasonsaas/strand/internal/audit"
	"github.com/haasonsaas/strand/internal/hooks"
	"github.com/haasonsaas/strand/internal/observability"
	"github.com/haasonsaas/strand/pkg/models"
)

// ErrContextOverflow is returned when the assembled context still exceeds
// the effective cap after a compaction attempt. The provider call is not
// attempted.
var ErrContextOverflow = errors.New("assembled context exceeds the model context budget")

// HistoryMode selects how much history is assembled per iteration.
type HistoryMode string

const (
	// HistoryFull sends every retained item.
	HistoryFull HistoryMode = "full"
	// HistoryCompacted drops unsigned reasoning and inline thinking.
	HistoryCompacted HistoryMode = "compacted"
	// HistoryHybrid keeps signed reasoning and reasoning summaries but
	// drops unsigned blobs.
	HistoryHybrid HistoryMode = "hybrid"
)

// Budget is the token budget for one model.
type Budget struct {
	// ModelContextLimit is the model's advertised context window.
	ModelContextLimit int `yaml:"model_context_limit"`

	// ReservedOutput is held back for the response.
	ReservedOutput int `yaml:"reserved_output"`

	// WarningThreshold is the fraction of the effective cap compaction aims
	// to get back under. Default: 0.70.
	WarningThreshold float64 `yaml:"warning_threshold"`
}

// DefaultBudget returns a budget sized for a 200k-context model.
func DefaultBudget() Budget {
	return Budget{
		ModelContextLimit: 200_000,
		ReservedOutput:    8_192,
		WarningThreshold:  0.70,
	}
}

// EffectiveCap is the input budget: context limit minus reserved output.
func (b Budget) EffectiveCap() int {
	return b.ModelContextLimit - b.ReservedOutput
}

func (b Budget) warningTokens() int {
	return int(b.WarningThreshold * float64(b.EffectiveCap()))
}

// Config configures a context manager.
type Config struct {
	Budget Budget

	// Strategy names the compaction strategy. Default: default_rolling.
	Strategy string

	// StrategyOptions tunes the selected strategy.
	StrategyOptions StrategyOptions

	// Estimator overrides the default heuristic estimator.
	Estimator Estimator
}

// Assembled is the context handed to the provider for one call.
type Assembled struct {
	// System is the merged system prompt: run instructions plus plugin
	// instruction blocks.
	System string

	// Items is the conversation plus trailing plugin content blocks.
	Items []models.Item

	// Tokens is the estimate for the whole assembly.
	Tokens int
}

// Manager owns the conversation for one run and keeps it within budget. Not
// safe for concurrent use; the loop is the only caller.
type Manager struct {
	budget    Budget
	estimator Estimator
	strategy  Strategy
	plugins   []Plugin
	items     []models.Item
	system    string

	metrics *observability.Metrics
	trail   *audit.Trail
	hooks   *hooks.Manager
}

// NewManager creates a context manager.
func NewManager(config Config, metrics *observability.Metrics) (*Manager, error) {
	budget := config.Budget
	if budget.ModelContextLimit <= 0 {
		budget = DefaultBudget()
	}
	if budget.WarningThreshold <= 0 || budget.WarningThreshold >= 1 {
		budget.WarningThreshold = 0.70
	}
	estimator := config.Estimator
	if estimator == nil {
		estimator = HeuristicEstimator{}
	}
	name := config.Strategy
	if name == "" {
		name = StrategyDefaultRolling
	}
	strategy, err := NewStrategy(name, config.StrategyOptions)
	if err != nil {
		return nil, err
	}
	if metrics == nil {
		metrics = observability.Nop()
	}
	return &Manager{
		budget:    budget,
		estimator: estimator,
		strategy:  strategy,
		metrics:   metrics,
	}, nil
}

// SetTrail attaches the run's audit trail.
func (m *Manager) SetTrail(trail *audit.Trail) { m.trail = trail }

// SetHooks attaches the run's hook manager so before:compact and
// after:compact fire around strategy execution.
func (m *Manager) SetHooks(h *hooks.Manager) { m.hooks = h }

// SetSystem sets the run instructions merged into the system prompt.
func (m *Manager) SetSystem(instructions string) { m.system = instructions }

// AddPlugin registers a plugin. Registration order is render order.
func (m *Manager) AddPlugin(p Plugin) { m.plugins = append(m.plugins, p) }

// Plugins returns the registered plugins.
func (m *Manager) Plugins() []Plugin { return m.plugins }

// Append adds items to the conversation.
func (m *Manager) Append(items ...models.Item) {
	m.items = append(m.items, items...)
}

// Items returns the conversation as-is, without plugin content.
func (m *Manager) Items() []models.Item { return m.items }

// SetItems replaces the conversation, for session restore.
func (m *Manager) SetItems(items []models.Item) { m.items = items }

// Budget returns the active budget.
func (m *Manager) Budget() Budget { return m.budget }

// CurrentTokens estimates the full assembly: system, plugin instructions,
// conversation, and plugin content.
func (m *Manager) CurrentTokens() int {
	total := m.estimator.Text(m.system)
	for _, p := range m.plugins {
		total += m.estimator.Text(p.Instructions())
		total += p.TokenSize()
	}
	total += EstimateItems(m.estimator, m.items)
	return total
}

// Assemble produces the provider-bound context for this iteration. If the
// estimate is over the strategy threshold it compacts once; if the result
// still exceeds the cap it returns ErrContextOverflow without attempting
// the provider call.
func (m *Manager) Assemble(mode HistoryMode) (Assembled, error) {
	current := m.CurrentTokens()
	capTokens := m.budget.EffectiveCap()

	if float64(current) > m.strategy.Threshold()*float64(capTokens) {
		target := current - m.budget.warningTokens()
		if err := m.compact(target); err != nil {
			return Assembled{}, err
		}
		current = m.CurrentTokens()
		if current > capTokens {
			return Assembled{}, fmt.Errorf("%w: %d tokens against cap %d", ErrContextOverflow, current, capTokens)
		}
	}

	assembled := m.render(mode)
	m.metrics.ContextTokens.Set(float64(assembled.Tokens))
	return assembled, nil
}

func (m *Manager) render(mode HistoryMode) Assembled {
	var system strings.Builder
	system.WriteString(m.system)
	for _, p := range m.plugins {
		inst := p.Instructions()
		if inst == "" {
			continue
		}
		if system.Len() > 0 {
			system.WriteString("\n\n")
		}
		system.WriteString(inst)
	}

	items := filterHistory(m.items, mode)

	// Plugin content renders as trailing developer messages so the model
	// sees it adjacent to the latest turn.
	for _, p := range m.plugins {
		content := p.Content()
		if content == "" {
			continue
		}
		items = append(items, models.NewTextItem(models.RoleDeveloper, content))
	}

	tokens := m.estimator.Text(system.String()) + EstimateItems(m.estimator, items)
	return Assembled{System: system.String(), Items: items, Tokens: tokens}
}

// filterHistory applies the history mode. Signed reasoning always survives;
// it must round-trip to the provider.
func filterHistory(items []models.Item, mode HistoryMode) []models.Item {
	if mode == "" || mode == HistoryFull {
		return append([]models.Item(nil), items...)
	}
	out := make([]models.Item, 0, len(items))
	for _, item := range items {
		if item.Kind == models.ItemReasoning && item.Reasoning != nil && !item.Reasoning.Signed() {
			if mode == HistoryHybrid && item.Reasoning.Summary != "" {
				summary := item
				summary.Reasoning = &models.ReasoningItem{Summary: item.Reasoning.Summary}
				out = append(out, summary)
			}
			continue
		}
		out = append(out, item)
	}
	return out
}

func (m *Manager) compact(target int) error {
	if target <= 0 {
		return nil
	}
	if m.hooks != nil {
		if _, err := m.hooks.Run(context.Background(), &hooks.Event{
			Point: hooks.BeforeCompact,
			Payload: map[string]any{
				"strategy": m.strategy.Name(),
				"target":   target,
				"tokens":   m.CurrentTokens(),
			},
		}); err != nil {
			return fmt.Errorf("before:compact hook: %w", err)
		}
	}
	if m.trail != nil {
		m.trail.Record(audit.EventCompactionStart, map[string]any{
			"strategy": m.strategy.Name(), "target": target,
		})
	}

	result, err := m.strategy.Compact(&Mutator{manager: m}, target)
	if err != nil {
		return fmt.Errorf("compaction strategy %s: %w", m.strategy.Name(), err)
	}

	m.metrics.CompactionCounter.WithLabelValues(m.strategy.Name()).Inc()
	if m.trail != nil {
		m.trail.Record(audit.EventCompactionComplete, map[string]any{
			"strategy": m.strategy.Name(),
			"freed":    result.Freed,
			"removed":  result.MessagesRemoved,
			"plugins":  result.PluginsCompacted,
		})
	}
	if m.hooks != nil {
		if _, err := m.hooks.Run(context.Background(), &hooks.Event{
			Point: hooks.AfterCompact,
			Payload: map[string]any{
				"strategy": m.strategy.Name(),
				"freed":    result.Freed,
				"removed":  result.MessagesRemoved,
				"plugins":  result.PluginsCompacted,
			},
		}); err != nil {
			return fmt.Errorf("after:compact hook: %w", err)
		}
	}
	return nil
}

// AfterIteration runs consolidation and, when the estimate is over the
// strategy threshold, a compaction pass.
func (m *Manager) AfterIteration() error {
	if _, err := m.strategy.Consolidate(&Mutator{manager: m}); err != nil {
		return fmt.Errorf("consolidation: %w", err)
	}
	current := m.CurrentTokens()
	if float64(current) > m.strategy.Threshold()*float64(m.budget.EffectiveCap()) {
		return m.compact(current - m.budget.warningTokens())
	}
	return nil
}

// TrimToMaxMessages drops oldest items beyond the limit: unpaired items
// first, then whole pairs, never splitting a pair. Used at assembly time
// when max-input-messages is configured.
func TrimToMaxMessages(items []models.Item, limit int) []models.Item {
	if limit <= 0 || len(items) <= limit {
		return items
	}
	excess := len(items) - limit

	paired := make(map[int]bool)
	for _, g := range pairGroups(items) {
		paired[g.useItem] = true
		paired[g.resultItem] = true
	}

	drop := make(map[int]bool)
	dropped := 0
	for idx := 0; idx < len(items)-1 && dropped < excess; idx++ {
		if paired[idx] {
			continue
		}
		drop[idx] = true
		dropped++
	}
	if dropped < excess {
		for _, g := range pairGroups(items) {
			if dropped >= excess {
				break
			}
			if g.resultItem >= len(items)-1 {
				continue
			}
			drop[g.useItem] = true
			drop[g.resultItem] = true
			dropped += 2
		}
	}

	out := make([]models.Item, 0, len(items)-dropped)
	for i, item := range items {
		if !drop[i] {
			out = append(out, item)
		}
	}
	return out
}

// PluginStates serializes every plugin for the session document.
func (m *Manager) PluginStates() (map[string]json.RawMessage, error) {
	states := make(map[string]json.RawMessage, len(m.plugins))
	for _, p := range m.plugins {
		raw, err := p.State()
		if err != nil {
			return nil, fmt.Errorf("plugin %s state: %w", p.Name(), err)
		}
		states[p.Name()] = raw
	}
	return states, nil
}

// RestorePluginStates loads plugin states from a session document. Unknown
// plugin names are ignored so sessions survive plugin set changes.
func (m *Manager) RestorePluginStates(states map[string]json.RawMessage) error {
	for _, p := range m.plugins {
		raw, ok := states[p.Name()]
		if !ok {
			continue
		}
		if err := p.RestoreState(raw); err != nil {
			return fmt.Errorf("plugin %s restore: %w", p.Name(), err)
		}
	}
	return nil
}
