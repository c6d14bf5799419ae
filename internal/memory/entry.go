// Package memory implements the working and in-context memory stores behind
// the agent's memory plugins: tiered entries, scoped lifecycles, glob
// retrieval, and a priority-ordered eviction policy.
package memory

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Tier labels an entry and sets its default priority and key prefix.
type Tier string

const (
	TierRaw      Tier = "raw"
	TierSummary  Tier = "summary"
	TierFindings Tier = "findings"
)

// Prefix returns the key prefix implied by the tier.
func (t Tier) Prefix() string { return string(t) + "." }

// DefaultPriority maps tiers to priorities: raw=low, summary=normal,
// findings=high.
func (t Tier) DefaultPriority() Priority {
	switch t {
	case TierRaw:
		return PriorityLow
	case TierFindings:
		return PriorityHigh
	default:
		return PriorityNormal
	}
}

// ValidTier reports whether t is a known tier.
func ValidTier(t Tier) bool {
	switch t {
	case TierRaw, TierSummary, TierFindings:
		return true
	}
	return false
}

// Priority orders entries for eviction; lower priorities evict first.
type Priority int

const (
	PriorityLow Priority = iota + 1
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// ParsePriority converts the wire form.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "low":
		return PriorityLow, nil
	case "normal", "":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "normal"
	}
}

// ScopeKind is the lifecycle of an entry.
type ScopeKind string

const (
	// ScopeSession entries clear at session end.
	ScopeSession ScopeKind = "session"
	// ScopePlan entries persist until the associated plan completes. The
	// runtime exposes the scope; the embedder signals completion.
	ScopePlan ScopeKind = "plan"
	// ScopePersistent entries are never auto-cleared.
	ScopePersistent ScopeKind = "persistent"
	// ScopeTask entries clear when all referenced task ids complete.
	ScopeTask ScopeKind = "task"
)

// Scope pairs a lifecycle kind with the task ids a task-scoped entry needs.
type Scope struct {
	Kind    ScopeKind `json:"kind"`
	TaskIDs []string  `json:"task_ids,omitempty"`
}

// Entry is one stored memory value.
type Entry struct {
	Key         string          `json:"key"`
	Description string          `json:"description"`
	Value       json.RawMessage `json:"value"`
	Scope       Scope           `json:"scope"`
	Priority    Priority        `json:"priority"`
	Pinned      bool            `json:"pinned"`
	Tier        Tier            `json:"tier,omitempty"`
	SizeBytes   int             `json:"size_bytes"`
	Tokens      int             `json:"tokens"`
	CreatedAt   time.Time       `json:"created_at"`
	LastAccess  time.Time       `json:"last_access"`
}

// MaxDescriptionLen bounds entry descriptions.
const MaxDescriptionLen = 150

// ValidateKey checks the dotted, case-sensitive key pattern and, when a
// tier prefix is present, that it names a known tier.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("memory key is empty")
	}
	if strings.Contains(key, "*") {
		return fmt.Errorf("memory key %q contains a glob character", key)
	}
	if dot := strings.IndexByte(key, '.'); dot > 0 {
		prefix := key[:dot]
		switch prefix {
		case string(TierRaw), string(TierSummary), string(TierFindings):
			if dot == len(key)-1 {
				return fmt.Errorf("memory key %q has a tier prefix but no name", key)
			}
		}
	}
	return nil
}

// GlobMatch matches key against pattern, where `*` matches any run of
// characters and everything else is literal.
func GlobMatch(pattern, key string) bool {
	re := globRegexp(pattern)
	return re.MatchString(key)
}

func globRegexp(pattern string) *regexp.Regexp {
	var b strings.Builder
	b.WriteString("^")
	for i, part := range strings.Split(pattern, "*") {
		if i > 0 {
			b.WriteString(".*")
		}
		b.WriteString(regexp.QuoteMeta(part))
	}
	b.WriteString("$")
	return regexp.MustCompile(b.String())
}
