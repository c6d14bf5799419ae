package agentctx

import "fmt"

// StrategyDefaultRolling is the registry name of the rolling-window
// strategy.
const StrategyDefaultRolling = "default_rolling"

func init() {
	RegisterStrategy(StrategyDefaultRolling, func(opts StrategyOptions) Strategy {
		threshold := opts.Threshold
		if threshold <= 0 {
			threshold = 0.70
		}
		return &defaultRolling{threshold: threshold}
	})
}

// defaultRolling compacts plugins first (in-context memory, then working
// memory, then the rest), and falls back to removing oldest conversation
// items, preferring unpaired items and never splitting a tool pair.
type defaultRolling struct {
	threshold float64
}

func (s *defaultRolling) Name() string       { return StrategyDefaultRolling }
func (s *defaultRolling) Threshold() float64 { return s.threshold }

// pluginCompactionOrder puts the in-context memory plugin first: its
// content is the cheapest to shrink because values remain retrievable
// through tools after eviction to nothing.
var pluginCompactionOrder = []string{"in_context_memory", "working_memory"}

func (s *defaultRolling) Compact(m *Mutator, target int) (CompactResult, error) {
	result := CompactResult{}
	remaining := target

	compactOne := func(p Plugin) {
		if remaining <= 0 || !p.Compactable() {
			return
		}
		freed := p.Compact(remaining)
		if freed > 0 {
			remaining -= freed
			result.Freed += freed
			result.PluginsCompacted = append(result.PluginsCompacted, p.Name())
			result.Log = append(result.Log, fmt.Sprintf("plugin %s freed %d tokens", p.Name(), freed))
		}
	}

	done := make(map[string]bool)
	for _, name := range pluginCompactionOrder {
		if p, ok := m.Plugin(name); ok {
			compactOne(p)
			done[name] = true
		}
	}
	for _, p := range m.Plugins() {
		if !done[p.Name()] {
			compactOne(p)
		}
	}

	if remaining > 0 {
		freed, removed, err := rollingRemoval(m, remaining)
		if err != nil {
			return result, err
		}
		result.Freed += freed
		result.MessagesRemoved = removed
		if removed > 0 {
			result.Log = append(result.Log, fmt.Sprintf("removed %d oldest items", removed))
		}
	}
	return result, nil
}

// Consolidate is a no-op for the rolling strategy.
func (s *defaultRolling) Consolidate(m *Mutator) (ConsolidateResult, error) {
	return ConsolidateResult{}, nil
}
