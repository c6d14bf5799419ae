package memory

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/haasonsaas/strand/internal/audit"
)

func put(t *testing.T, s *Store, entry Entry) {
	t.Helper()
	if err := s.Put(entry); err != nil {
		t.Fatal(err)
	}
}

func TestTierPrefixAndDefaultPriority(t *testing.T) {
	s := NewStore("test", nil)
	put(t, s, Entry{Key: "page1", Description: "scraped page", Value: json.RawMessage(`"x"`), Tier: TierRaw})

	if _, ok := s.Get("page1"); ok {
		t.Error("entry stored without tier prefix")
	}
	entry, ok := s.Get("raw.page1")
	if !ok {
		t.Fatal("prefixed key missing")
	}
	if entry.Priority != PriorityLow {
		t.Errorf("priority = %s, want low", entry.Priority)
	}

	put(t, s, Entry{Key: "findings.root_cause", Description: "x", Value: json.RawMessage(`"y"`), Tier: TierFindings})
	entry, _ = s.Get("findings.root_cause")
	if entry.Key != "findings.root_cause" {
		t.Errorf("already-prefixed key doubled: %q", entry.Key)
	}
	if entry.Priority != PriorityHigh {
		t.Errorf("findings priority = %s, want high", entry.Priority)
	}
}

func TestDescriptionLimit(t *testing.T) {
	s := NewStore("test", nil)
	long := make([]byte, MaxDescriptionLen+1)
	for i := range long {
		long[i] = 'a'
	}
	if err := s.Put(Entry{Key: "k", Description: string(long), Value: json.RawMessage(`1`)}); err == nil {
		t.Error("oversized description accepted")
	}
}

func TestGlobMatch(t *testing.T) {
	tests := []struct {
		pattern string
		key     string
		want    bool
	}{
		{"*", "anything", true},
		{"raw.*", "raw.page1", true},
		{"raw.*", "summary.page1", false},
		{"tool_result.*", "tool_result.http_get.abc", true},
		{"*.page1", "raw.page1", true},
		{"exact", "exact", true},
		{"exact", "exact2", false},
		{"a*c", "abc", true},
		{"a*c", "ac", true},
		{"a.b", "aXb", false}, // dot is literal, not regex
	}
	for _, tc := range tests {
		if got := GlobMatch(tc.pattern, tc.key); got != tc.want {
			t.Errorf("GlobMatch(%q, %q) = %v, want %v", tc.pattern, tc.key, got, tc.want)
		}
	}
}

func TestEvictionOrder(t *testing.T) {
	s := NewStore("test", nil)
	big := json.RawMessage(`"` + string(make([]byte, 350)) + `"`) // ~100 tokens

	put(t, s, Entry{Key: "pinned", Description: "d", Value: big, Pinned: true, Priority: PriorityLow})
	put(t, s, Entry{Key: "low", Description: "d", Value: big, Priority: PriorityLow})
	put(t, s, Entry{Key: "normal", Description: "d", Value: big, Priority: PriorityNormal})
	put(t, s, Entry{Key: "critical", Description: "d", Value: big, Priority: PriorityCritical})

	freed := s.Evict(1)
	if freed <= 0 {
		t.Fatal("nothing freed")
	}
	if _, ok := s.Get("low"); ok {
		t.Error("lowest-priority entry survived while higher priorities exist")
	}
	if _, ok := s.Get("normal"); !ok {
		t.Error("normal entry evicted before target required it")
	}
	if _, ok := s.Get("pinned"); !ok {
		t.Error("pinned entry evicted")
	}
	if _, ok := s.Get("critical"); !ok {
		t.Error("critical entry evicted in first pass")
	}
}

func TestEvictionCriticalSecondPass(t *testing.T) {
	s := NewStore("test", nil)
	value := json.RawMessage(`"` + string(make([]byte, 35)) + `"`)
	put(t, s, Entry{Key: "pinned", Description: "d", Value: value, Pinned: true})
	put(t, s, Entry{Key: "crit", Description: "d", Value: value, Priority: PriorityCritical})

	freed := s.Evict(5)
	if freed <= 0 {
		t.Error("critical entry not evicted when nothing else could free tokens")
	}
	if _, ok := s.Get("crit"); ok {
		t.Error("critical entry survived second pass")
	}
	if _, ok := s.Get("pinned"); !ok {
		t.Error("pinned entry evicted")
	}
}

func TestEvictionEmitsAuditPerEntry(t *testing.T) {
	s := NewStore("test", nil)
	trail := audit.NewTrail("run-1", nil)
	s.SetRecorder(trail)
	value := json.RawMessage(`"` + string(make([]byte, 35)) + `"`)
	put(t, s, Entry{Key: "a", Description: "d", Value: value})
	put(t, s, Entry{Key: "b", Description: "d", Value: value})

	s.Evict(1 << 20)
	if got := trail.CountByType(audit.EventMemoryEvict); got != 2 {
		t.Errorf("evict events = %d, want 2", got)
	}
}

func TestScopeLifecycles(t *testing.T) {
	s := NewStore("test", nil)
	put(t, s, Entry{Key: "s1", Description: "d", Value: json.RawMessage(`1`), Scope: Scope{Kind: ScopeSession}})
	put(t, s, Entry{Key: "p1", Description: "d", Value: json.RawMessage(`1`), Scope: Scope{Kind: ScopePersistent}})
	put(t, s, Entry{Key: "t1", Description: "d", Value: json.RawMessage(`1`), Scope: Scope{Kind: ScopeTask, TaskIDs: []string{"a", "b"}}})

	if n := s.CompleteTasks("a"); n != 0 {
		t.Errorf("cleared %d entries with task b still open", n)
	}
	if n := s.CompleteTasks("b"); n != 1 {
		t.Errorf("cleared %d entries after all tasks done, want 1", n)
	}
	if n := s.EndSession(); n != 1 {
		t.Errorf("session clear removed %d, want 1", n)
	}
	if _, ok := s.Get("p1"); !ok {
		t.Error("persistent entry cleared")
	}
}

func TestCleanupRaw(t *testing.T) {
	s := NewStore("test", nil)
	put(t, s, Entry{Key: "one", Description: "d", Value: json.RawMessage(`1`), Tier: TierRaw})
	put(t, s, Entry{Key: "two", Description: "d", Value: json.RawMessage(`1`), Tier: TierRaw})
	put(t, s, Entry{Key: "keep", Description: "d", Value: json.RawMessage(`1`), Tier: TierSummary})

	if n := s.CleanupRaw(); n != 2 {
		t.Errorf("CleanupRaw = %d, want 2", n)
	}
	if s.Len() != 1 {
		t.Errorf("len = %d", s.Len())
	}
}

func TestVersionBumpsOnMutation(t *testing.T) {
	s := NewStore("test", nil)
	v0 := s.Version()
	put(t, s, Entry{Key: "k", Description: "d", Value: json.RawMessage(`1`)})
	if s.Version() == v0 {
		t.Error("Put did not bump version")
	}
	v1 := s.Version()
	s.Delete("k")
	if s.Version() == v1 {
		t.Error("Delete did not bump version")
	}
	v2 := s.Version()
	s.Delete("missing")
	if s.Version() != v2 {
		t.Error("no-op delete bumped version")
	}
}

func TestAccessTimeRefreshOnGet(t *testing.T) {
	s := NewStore("test", nil)
	put(t, s, Entry{Key: "k", Description: "d", Value: json.RawMessage(`1`)})
	before, _ := s.Get("k")
	time.Sleep(2 * time.Millisecond)
	after, _ := s.Get("k")
	if !after.LastAccess.After(before.LastAccess) {
		t.Error("Get did not refresh last-access time")
	}
}
