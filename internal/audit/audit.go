// Package audit provides a run-scoped audit trail for agent actions, tool
// invocations, and permission decisions. Every event carries a monotonic
// per-run sequence number and an absolute timestamp.
package audit

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// EventType categorizes audit events.
type EventType string

const (
	// Run events
	EventRunStart EventType = "run:start"
	EventRunEnd   EventType = "run:end"

	// Iteration events
	EventIterationStart EventType = "iteration:start"
	EventIterationEnd   EventType = "iteration:end"

	// Provider events
	EventProviderRequest  EventType = "provider:request"
	EventProviderResponse EventType = "provider:response"
	EventProviderError    EventType = "provider:error"

	// Tool events
	EventToolDetected EventType = "tool:detected"
	EventToolStart    EventType = "tool:start"
	EventToolComplete EventType = "tool:complete"
	EventToolError    EventType = "tool:error"
	EventToolTimeout  EventType = "tool:timeout"
	EventToolApproved EventType = "tool:approved"
	EventToolDenied   EventType = "tool:denied"
	EventToolCached   EventType = "tool:cache-hit"
	EventToolRevoked  EventType = "tool:revoked"

	// Compaction events
	EventCompactionStart    EventType = "compaction:start"
	EventCompactionComplete EventType = "compaction:complete"

	// Memory events
	EventMemoryStore  EventType = "memory:store"
	EventMemoryDelete EventType = "memory:delete"
	EventMemoryEvict  EventType = "memory:evict"

	// Hook events
	EventHookFailure EventType = "hook:failure"
)

// Event is a single audit trail entry.
type Event struct {
	Sequence  uint64         `json:"sequence"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	RunID     string         `json:"run_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Trail records events for one run. Appends are serialized; reads return
// copies. A Trail with a nil logger still records.
type Trail struct {
	runID  string
	logger *slog.Logger
	seq    atomic.Uint64

	mu     sync.Mutex
	events []Event
}

// NewTrail creates an audit trail for the given run. logger may be nil.
func NewTrail(runID string, logger *slog.Logger) *Trail {
	return &Trail{runID: runID, logger: logger}
}

// Record appends an event with the next sequence number.
func (t *Trail) Record(eventType EventType, payload map[string]any) Event {
	event := Event{
		Sequence:  t.seq.Add(1),
		Type:      eventType,
		Timestamp: time.Now(),
		RunID:     t.runID,
		Payload:   payload,
	}

	t.mu.Lock()
	t.events = append(t.events, event)
	t.mu.Unlock()

	if t.logger != nil {
		args := []any{"seq", event.Sequence, "run_id", t.runID}
		for k, v := range payload {
			args = append(args, k, v)
		}
		t.logger.Debug(string(eventType), args...)
	}
	return event
}

// Events returns a copy of the recorded events in order.
func (t *Trail) Events() []Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Event, len(t.events))
	copy(out, t.events)
	return out
}

// CountByType returns the number of recorded events of the given type.
func (t *Trail) CountByType(eventType EventType) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, e := range t.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}
