package memory

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/strand/internal/audit"
)

// Recorder receives audit events for store mutations. audit.Trail satisfies
// it; a nil recorder drops events.
type Recorder interface {
	Record(eventType audit.EventType, payload map[string]any) audit.Event
}

// EstimateFunc converts stored content into a token estimate.
type EstimateFunc func(text string) int

func defaultEstimate(text string) int {
	return int(math.Ceil(float64(len(text)) / 3.5))
}

// Store holds memory entries for one plugin. Safe for concurrent use across
// tool executions in the same iteration.
type Store struct {
	mu        sync.RWMutex
	name      string
	entries   map[string]*Entry
	estimate  EstimateFunc
	recorder  Recorder
	completed map[string]struct{} // finished task ids

	// version increments on every mutation so plugins can cache rendered
	// content and token counts.
	version uint64
}

// Version returns the mutation counter.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// NewStore creates a named store. estimate may be nil.
func NewStore(name string, estimate EstimateFunc) *Store {
	if estimate == nil {
		estimate = defaultEstimate
	}
	return &Store{
		name:      name,
		entries:   make(map[string]*Entry),
		estimate:  estimate,
		completed: make(map[string]struct{}),
	}
}

// SetRecorder attaches the current run's audit trail. Entries outlive runs,
// so the recorder is swapped per run.
func (s *Store) SetRecorder(r Recorder) {
	s.mu.Lock()
	s.recorder = r
	s.mu.Unlock()
}

func (s *Store) record(eventType audit.EventType, payload map[string]any) {
	if s.recorder == nil {
		return
	}
	payload["store"] = s.name
	s.recorder.Record(eventType, payload)
}

// Put validates and stores an entry, overwriting any previous value at the
// key. Zero priority defaults from the tier; a set tier enforces its key
// prefix.
func (s *Store) Put(entry Entry) error {
	if err := ValidateKey(entry.Key); err != nil {
		return err
	}
	if len(entry.Description) > MaxDescriptionLen {
		return fmt.Errorf("description exceeds %d characters", MaxDescriptionLen)
	}
	if entry.Tier != "" {
		if !ValidTier(entry.Tier) {
			return fmt.Errorf("unknown tier %q", entry.Tier)
		}
		if !strings.HasPrefix(entry.Key, entry.Tier.Prefix()) {
			entry.Key = entry.Tier.Prefix() + entry.Key
		}
	}
	if entry.Priority == 0 {
		if entry.Tier != "" {
			entry.Priority = entry.Tier.DefaultPriority()
		} else {
			entry.Priority = PriorityNormal
		}
	}
	if entry.Scope.Kind == "" {
		entry.Scope.Kind = ScopeSession
	}
	if entry.Scope.Kind == ScopeTask && len(entry.Scope.TaskIDs) == 0 {
		return fmt.Errorf("task-scoped entry %q needs task ids", entry.Key)
	}

	now := time.Now()
	entry.SizeBytes = len(entry.Value)
	entry.Tokens = s.estimate(string(entry.Value)) + s.estimate(entry.Description)
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	entry.LastAccess = now

	s.mu.Lock()
	s.entries[entry.Key] = &entry
	s.version++
	s.mu.Unlock()

	s.record(audit.EventMemoryStore, map[string]any{
		"key": entry.Key, "tier": string(entry.Tier), "bytes": entry.SizeBytes,
	})
	return nil
}

// Get returns the entry at key and refreshes its access time.
func (s *Store) Get(key string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	if !ok {
		return Entry{}, false
	}
	entry.LastAccess = time.Now()
	return *entry, true
}

// GetBatch returns entries for the given keys, skipping misses.
func (s *Store) GetBatch(keys []string) []Entry {
	out := make([]Entry, 0, len(keys))
	for _, key := range keys {
		if entry, ok := s.Get(key); ok {
			out = append(out, entry)
		}
	}
	return out
}

// Match returns entries whose keys match the glob pattern, sorted by key.
// Access times are refreshed.
func (s *Store) Match(pattern string) []Entry {
	re := globRegexp(pattern)
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Entry
	for key, entry := range s.entries {
		if re.MatchString(key) {
			entry.LastAccess = now
			out = append(out, *entry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// ByTier returns entries in the given tier, sorted by key.
func (s *Store) ByTier(tier Tier) []Entry {
	return s.Match(tier.Prefix() + "*")
}

// List returns all entries sorted by key, optionally filtered by tier.
// Listing does not refresh access times.
func (s *Store) List(tier Tier) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Entry
	for _, entry := range s.entries {
		if tier != "" && entry.Tier != tier {
			continue
		}
		out = append(out, *entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Delete removes an entry. Returns true if it existed.
func (s *Store) Delete(key string) bool {
	s.mu.Lock()
	_, ok := s.entries[key]
	if ok {
		delete(s.entries, key)
		s.version++
	}
	s.mu.Unlock()
	if ok {
		s.record(audit.EventMemoryDelete, map[string]any{"key": key})
	}
	return ok
}

// CleanupRaw bulk-deletes all keys under the raw tier prefix and returns
// the count removed.
func (s *Store) CleanupRaw() int {
	s.mu.Lock()
	var removed []string
	for key := range s.entries {
		if strings.HasPrefix(key, TierRaw.Prefix()) {
			removed = append(removed, key)
		}
	}
	for _, key := range removed {
		delete(s.entries, key)
	}
	if len(removed) > 0 {
		s.version++
	}
	s.mu.Unlock()
	for _, key := range removed {
		s.record(audit.EventMemoryDelete, map[string]any{"key": key, "bulk": "cleanup-raw"})
	}
	return len(removed)
}

// EndSession clears session-scoped entries.
func (s *Store) EndSession() int {
	return s.clear(func(e *Entry) bool { return e.Scope.Kind == ScopeSession })
}

// CompletePlan clears plan-scoped entries. The embedder calls this when the
// associated plan finishes.
func (s *Store) CompletePlan() int {
	return s.clear(func(e *Entry) bool { return e.Scope.Kind == ScopePlan })
}

// CompleteTasks marks task ids finished and clears task-scoped entries all
// of whose referenced tasks have completed.
func (s *Store) CompleteTasks(ids ...string) int {
	s.mu.Lock()
	for _, id := range ids {
		s.completed[id] = struct{}{}
	}
	s.mu.Unlock()
	return s.clear(func(e *Entry) bool {
		if e.Scope.Kind != ScopeTask {
			return false
		}
		for _, id := range e.Scope.TaskIDs {
			if _, done := s.completed[id]; !done {
				return false
			}
		}
		return true
	})
}

func (s *Store) clear(match func(*Entry) bool) int {
	s.mu.Lock()
	var removed []string
	for key, entry := range s.entries {
		if match(entry) {
			removed = append(removed, key)
		}
	}
	for _, key := range removed {
		delete(s.entries, key)
	}
	if len(removed) > 0 {
		s.version++
	}
	s.mu.Unlock()
	for _, key := range removed {
		s.record(audit.EventMemoryDelete, map[string]any{"key": key, "bulk": "scope"})
	}
	return len(removed)
}

// Len returns the number of entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// TotalTokens sums the token estimates of all entries.
func (s *Store) TotalTokens() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := 0
	for _, entry := range s.entries {
		total += entry.Tokens
	}
	return total
}

// Evict frees at least target tokens where possible. Candidates are ordered
// unpinned first, then ascending priority, then least-recently accessed,
// then largest first. Pinned entries are never removed; critical entries
// are removed only in a second pass if the first fell short. One audit
// event is emitted per removed entry.
func (s *Store) Evict(target int) (freed int) {
	if target <= 0 {
		return 0
	}

	s.mu.Lock()
	candidates := make([]*Entry, 0, len(s.entries))
	for _, entry := range s.entries {
		if !entry.Pinned {
			candidates = append(candidates, entry)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if !a.LastAccess.Equal(b.LastAccess) {
			return a.LastAccess.Before(b.LastAccess)
		}
		if a.Tokens != b.Tokens {
			return a.Tokens > b.Tokens
		}
		return a.Key < b.Key
	})

	var removed []*Entry
	take := func(critical bool) {
		for _, entry := range candidates {
			if freed >= target {
				return
			}
			if (entry.Priority == PriorityCritical) != critical {
				continue
			}
			if _, present := s.entries[entry.Key]; !present {
				continue
			}
			delete(s.entries, entry.Key)
			freed += entry.Tokens
			removed = append(removed, entry)
		}
	}
	take(false)
	if freed < target {
		take(true)
	}
	if len(removed) > 0 {
		s.version++
	}
	s.mu.Unlock()

	for _, entry := range removed {
		s.record(audit.EventMemoryEvict, map[string]any{
			"key": entry.Key, "tokens": entry.Tokens, "priority": entry.Priority.String(),
		})
	}
	return freed
}

// Snapshot returns all entries for serialization, sorted by key.
func (s *Store) Snapshot() []Entry {
	return s.List("")
}

// Restore replaces the store contents from a snapshot.
func (s *Store) Restore(entries []Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]*Entry, len(entries))
	for i := range entries {
		entry := entries[i]
		s.entries[entry.Key] = &entry
	}
	s.version++
}
