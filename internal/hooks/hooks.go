// Package hooks provides ordered pre/post hooks around iteration, tool
// execution, approval, and compaction. Hooks run sequentially in
// registration order within a hook point and may return partial mutations
// of the operation's inputs.
package hooks

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/haasonsaas/strand/pkg/models"
)

// Point identifies where in the run lifecycle a hook fires.
type Point string

const (
	BeforeIteration Point = "before:iteration"
	AfterIteration  Point = "after:iteration"
	BeforeTool      Point = "before:tool"
	AfterTool       Point = "after:tool"
	ApproveTool     Point = "approve:tool"
	BeforeCompact   Point = "before:compact"
	AfterCompact    Point = "after:compact"
)

// FailureMode decides what a hook error does to the surrounding operation.
type FailureMode string

const (
	// FailureFail aborts the operation.
	FailureFail FailureMode = "fail"
	// FailureWarn logs the error and continues with the failing hook's
	// mutation discarded.
	FailureWarn FailureMode = "warn"
	// FailureIgnore silently continues.
	FailureIgnore FailureMode = "ignore"
)

// Event carries the inputs visible to a hook at one point.
type Event struct {
	Point     Point
	Iteration int

	// Tool fields, set for before:tool, after:tool, approve:tool.
	ToolName   string
	ToolCallID string
	ToolArgs   json.RawMessage
	Result     *models.ToolResult

	// Payload carries point-specific extras (compaction targets, usage).
	Payload map[string]any
}

// Mutation is a partial overwrite of the operation's inputs. Nil fields
// leave the original value in place.
type Mutation struct {
	Instructions *string
	Temperature  *float64
	HistoryMode  *string
	// ToolArgs replaces the tool call arguments (before:tool only).
	ToolArgs json.RawMessage
}

// merge overlays later mutations onto earlier ones.
func (m *Mutation) merge(other *Mutation) {
	if other == nil {
		return
	}
	if other.Instructions != nil {
		m.Instructions = other.Instructions
	}
	if other.Temperature != nil {
		m.Temperature = other.Temperature
	}
	if other.HistoryMode != nil {
		m.HistoryMode = other.HistoryMode
	}
	if other.ToolArgs != nil {
		m.ToolArgs = other.ToolArgs
	}
}

// Hook observes an event and may return a mutation of its inputs.
type Hook func(ctx context.Context, event *Event) (*Mutation, error)

// Manager holds registered hooks per point. Safe for concurrent use.
type Manager struct {
	mu     sync.RWMutex
	hooks  map[Point][]Hook
	mode   FailureMode
	logger *slog.Logger
}

// NewManager creates a hook manager with the given failure mode. An empty
// mode defaults to warn. logger may be nil.
func NewManager(mode FailureMode, logger *slog.Logger) *Manager {
	if mode == "" {
		mode = FailureWarn
	}
	return &Manager{
		hooks:  make(map[Point][]Hook),
		mode:   mode,
		logger: logger,
	}
}

// Register appends a hook at the given point. Hooks run in registration
// order.
func (m *Manager) Register(point Point, hook Hook) {
	if hook == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks[point] = append(m.hooks[point], hook)
}

// Count returns the number of hooks registered at a point.
func (m *Manager) Count(point Point) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.hooks[point])
}

// Run invokes all hooks at the event's point in order and returns the merged
// mutation. A hook error is handled per the failure mode: fail aborts with a
// wrapped error, warn logs and discards that hook's mutation, ignore
// silently continues. Panics are treated as errors so a misbehaving hook
// never corrupts conversation state.
func (m *Manager) Run(ctx context.Context, event *Event) (*Mutation, error) {
	m.mu.RLock()
	chain := make([]Hook, len(m.hooks[event.Point]))
	copy(chain, m.hooks[event.Point])
	m.mu.RUnlock()

	merged := &Mutation{}
	for i, hook := range chain {
		mutation, err := m.invoke(ctx, hook, event)
		if err != nil {
			switch m.mode {
			case FailureFail:
				return nil, fmt.Errorf("hook %d at %s: %w", i, event.Point, err)
			case FailureWarn:
				if m.logger != nil {
					m.logger.Warn("hook failed",
						"point", string(event.Point),
						"index", i,
						"error", err,
					)
				}
			}
			continue
		}
		merged.merge(mutation)
	}
	return merged, nil
}

func (m *Manager) invoke(ctx context.Context, hook Hook, event *Event) (mutation *Mutation, err error) {
	defer func() {
		if r := recover(); r != nil {
			mutation = nil
			err = fmt.Errorf("hook panic: %v", r)
		}
	}()
	return hook(ctx, event)
}
