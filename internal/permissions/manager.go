// Package permissions gates tool execution behind scopes, allow/block lists,
// and an approval callback. Approvals at session scope are cached so the
// callback fires at most once per session per tool.
package permissions

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Scope is the duration a permission grant is valid.
type Scope string

const (
	// ScopeOnce requests approval on every call.
	ScopeOnce Scope = "once"
	// ScopeSession caches an approval for the rest of the session.
	ScopeSession Scope = "session"
	// ScopeAlways allows without approval.
	ScopeAlways Scope = "always"
	// ScopeNever blocks unconditionally.
	ScopeNever Scope = "never"
)

// Risk grades the blast radius of a tool.
type Risk string

const (
	RiskLow      Risk = "low"
	RiskMedium   Risk = "medium"
	RiskHigh     Risk = "high"
	RiskCritical Risk = "critical"
)

// Decision is the outcome of a permission check.
type Decision string

const (
	DecisionAllowed       Decision = "allowed"
	DecisionBlocked       Decision = "blocked"
	DecisionNeedsApproval Decision = "needs_approval"
)

// CheckResult is returned by Check. Request is populated when the decision
// is needs_approval.
type CheckResult struct {
	Decision Decision
	Reason   string
	Request  *ApprovalRequest
}

// ApprovalRequest carries the context shown to the approver.
type ApprovalRequest struct {
	ToolName string          `json:"tool_name"`
	Args     json.RawMessage `json:"args,omitempty"`
	Risk     Risk            `json:"risk"`
	Message  string          `json:"message,omitempty"`
}

// ApprovalDecision is returned by the approval callback.
type ApprovalDecision struct {
	Approved   bool
	Reason     string
	Scope      Scope // scope to grant on approval; empty keeps the tool's scope
	ApprovedBy string
}

// ApprovalFunc resolves an approval request. A nil error with
// Approved=false is a denial.
type ApprovalFunc func(ctx context.Context, req *ApprovalRequest) (*ApprovalDecision, error)

// ToolPolicy is the per-tool permission configuration.
type ToolPolicy struct {
	Scope           Scope         `yaml:"scope" json:"scope,omitempty"`
	Risk            Risk          `yaml:"risk" json:"risk,omitempty"`
	ApprovalMessage string        `yaml:"approval_message" json:"approval_message,omitempty"`
	SessionTTL      time.Duration `yaml:"session_ttl" json:"session_ttl,omitempty"`
}

// Config configures a permission manager.
type Config struct {
	// DefaultScope applies to tools without a per-tool policy. Default: once.
	DefaultScope Scope `yaml:"default_scope"`

	// DefaultRisk applies to tools without a per-tool policy. Default: medium.
	DefaultRisk Risk `yaml:"default_risk"`

	// Allowlist entries are equivalent to scope=always.
	Allowlist []string `yaml:"allowlist"`

	// Blocklist wins over the allowlist on conflict.
	Blocklist []string `yaml:"blocklist"`

	// PerTool overrides scope and risk per tool name.
	PerTool map[string]ToolPolicy `yaml:"per_tool"`

	// OnApprovalRequired resolves needs_approval decisions. When nil the
	// manager approves and the caller records an audit event, unless
	// DenyWithoutCallback is set.
	OnApprovalRequired ApprovalFunc `yaml:"-"`

	// DenyWithoutCallback flips the no-callback default from approve to deny.
	DenyWithoutCallback bool `yaml:"deny_without_callback"`
}

// Grant is a cached session approval.
type Grant struct {
	Tool       string    `json:"tool"`
	Scope      Scope     `json:"scope"`
	ApprovedAt time.Time `json:"approved_at"`
	ApprovedBy string    `json:"approved_by,omitempty"`
	ExpiresAt  time.Time `json:"expires_at,omitempty"`
}

func (g Grant) expired(now time.Time) bool {
	return !g.ExpiresAt.IsZero() && g.ExpiresAt.Before(now)
}

// State is the serialized approval state stored in the session document.
type State struct {
	Version   int              `json:"version"`
	Approvals map[string]Grant `json:"approvals"`
	Allowlist []string         `json:"allowlist"`
	Blocklist []string         `json:"blocklist"`
}

// StateVersion is the current serialization version.
const StateVersion = 1

// Manager evaluates permission checks and caches session grants. Safe for
// concurrent use across runs sharing a session.
type Manager struct {
	mu        sync.RWMutex
	config    Config
	allow     map[string]struct{}
	block     map[string]struct{}
	approvals map[string]Grant

	// inflight serializes approval callbacks per tool so concurrent calls
	// for a session-scope tool produce at most one callback invocation.
	inflight map[string]chan struct{}
}

// NewManager creates a permission manager. Zero-value config fields are
// filled with defaults (scope once, risk medium).
func NewManager(config Config) *Manager {
	if config.DefaultScope == "" {
		config.DefaultScope = ScopeOnce
	}
	if config.DefaultRisk == "" {
		config.DefaultRisk = RiskMedium
	}
	m := &Manager{
		config:    config,
		allow:     make(map[string]struct{}),
		block:     make(map[string]struct{}),
		approvals: make(map[string]Grant),
		inflight:  make(map[string]chan struct{}),
	}
	for _, name := range config.Allowlist {
		m.allow[name] = struct{}{}
	}
	for _, name := range config.Blocklist {
		m.block[name] = struct{}{}
	}
	return m
}

// policyFor resolves the effective scope, risk, and approval metadata for a
// tool. The fallback scope/risk come from the tool descriptor when the
// manager has no per-tool entry.
func (m *Manager) policyFor(name string, fallback ToolPolicy) ToolPolicy {
	policy := fallback
	if override, ok := m.config.PerTool[name]; ok {
		if override.Scope != "" {
			policy.Scope = override.Scope
		}
		if override.Risk != "" {
			policy.Risk = override.Risk
		}
		if override.ApprovalMessage != "" {
			policy.ApprovalMessage = override.ApprovalMessage
		}
		if override.SessionTTL > 0 {
			policy.SessionTTL = override.SessionTTL
		}
	}
	if policy.Scope == "" {
		policy.Scope = m.config.DefaultScope
	}
	if policy.Risk == "" {
		policy.Risk = m.config.DefaultRisk
	}
	return policy
}

// Check evaluates a tool call without invoking the approval callback.
// Blocklist beats allowlist; an allowlist entry is equivalent to
// scope=always; otherwise the tool's effective scope decides.
func (m *Manager) Check(name string, args json.RawMessage, fallback ToolPolicy) CheckResult {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, blocked := m.block[name]; blocked {
		return CheckResult{Decision: DecisionBlocked, Reason: "tool in blocklist"}
	}
	if _, allowed := m.allow[name]; allowed {
		return CheckResult{Decision: DecisionAllowed, Reason: "tool in allowlist"}
	}

	policy := m.policyFor(name, fallback)
	switch policy.Scope {
	case ScopeNever:
		return CheckResult{Decision: DecisionBlocked, Reason: "tool scope is never"}
	case ScopeAlways:
		return CheckResult{Decision: DecisionAllowed, Reason: "tool scope is always"}
	case ScopeSession:
		if grant, ok := m.approvals[name]; ok && !grant.expired(time.Now()) {
			return CheckResult{Decision: DecisionAllowed, Reason: "session approval cached"}
		}
	}

	message := policy.ApprovalMessage
	if message == "" {
		message = fmt.Sprintf("Allow tool %q? (risk: %s)", name, policy.Risk)
	}
	return CheckResult{
		Decision: DecisionNeedsApproval,
		Reason:   "approval required",
		Request: &ApprovalRequest{
			ToolName: name,
			Args:     args,
			Risk:     policy.Risk,
			Message:  message,
		},
	}
}

// AuthorizeResult is the outcome of a full authorization, including whether
// the no-callback default decided it (so the caller can audit that path).
type AuthorizeResult struct {
	Allowed          bool
	Reason           string
	ApprovedBy       string
	DefaultedApprove bool
}

// Authorize runs Check and, when approval is needed, the configured
// callback. An approval at session scope is cached so subsequent calls for
// the same tool skip the callback for the rest of the session. Concurrent
// calls for the same tool serialize across check+callback+grant, so a
// session-scope approval fires the callback at most once even under races.
func (m *Manager) Authorize(ctx context.Context, name string, args json.RawMessage, fallback ToolPolicy) (AuthorizeResult, error) {
	var check CheckResult
	for {
		check = m.Check(name, args, fallback)
		switch check.Decision {
		case DecisionAllowed:
			return AuthorizeResult{Allowed: true, Reason: check.Reason}, nil
		case DecisionBlocked:
			return AuthorizeResult{Allowed: false, Reason: check.Reason}, nil
		}

		wait, acquired := m.beginApproval(name)
		if acquired {
			defer m.endApproval(name)
			break
		}
		// Another call holds the approval slot; wait for it and re-check,
		// because its grant may now cover this call.
		select {
		case <-wait:
		case <-ctx.Done():
			return AuthorizeResult{}, ctx.Err()
		}
	}

	m.mu.RLock()
	callback := m.config.OnApprovalRequired
	denyDefault := m.config.DenyWithoutCallback
	m.mu.RUnlock()

	if callback == nil {
		if denyDefault {
			return AuthorizeResult{Allowed: false, Reason: "no approval callback registered"}, nil
		}
		// Backward-compatible default: approve and let the caller audit it.
		return AuthorizeResult{Allowed: true, Reason: "auto-approved (no callback)", DefaultedApprove: true}, nil
	}

	decision, err := callback(ctx, check.Request)
	if err != nil {
		return AuthorizeResult{}, fmt.Errorf("approval callback: %w", err)
	}
	if decision == nil || !decision.Approved {
		reason := "approval denied"
		if decision != nil && decision.Reason != "" {
			reason = decision.Reason
		}
		return AuthorizeResult{Allowed: false, Reason: reason}, nil
	}

	grantScope := decision.Scope
	if grantScope == "" {
		grantScope = m.policyFor(name, fallback).Scope
	}
	if grantScope == ScopeSession || grantScope == ScopeAlways {
		m.cacheGrant(name, grantScope, decision.ApprovedBy, m.policyFor(name, fallback).SessionTTL)
	}

	return AuthorizeResult{Allowed: true, Reason: "approved", ApprovedBy: decision.ApprovedBy}, nil
}

// beginApproval takes the per-tool approval slot. When another call holds
// it, the returned channel closes on release.
func (m *Manager) beginApproval(name string) (<-chan struct{}, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch, ok := m.inflight[name]; ok {
		return ch, false
	}
	m.inflight[name] = make(chan struct{})
	return nil, true
}

func (m *Manager) endApproval(name string) {
	m.mu.Lock()
	ch := m.inflight[name]
	delete(m.inflight, name)
	m.mu.Unlock()
	if ch != nil {
		close(ch)
	}
}

func (m *Manager) cacheGrant(name string, scope Scope, approvedBy string, ttl time.Duration) {
	grant := Grant{
		Tool:       name,
		Scope:      scope,
		ApprovedAt: time.Now(),
		ApprovedBy: approvedBy,
	}
	if scope == ScopeSession && ttl > 0 {
		grant.ExpiresAt = grant.ApprovedAt.Add(ttl)
	}
	m.mu.Lock()
	m.approvals[name] = grant
	m.mu.Unlock()
}

// Revoke removes a cached approval. Returns true if a grant existed.
// The caller emits the tool:revoked audit event.
func (m *Manager) Revoke(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.approvals[name]; !ok {
		return false
	}
	delete(m.approvals, name)
	return true
}

// Grants returns a copy of the cached approvals.
func (m *Manager) Grants() map[string]Grant {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Grant, len(m.approvals))
	for k, v := range m.approvals {
		out[k] = v
	}
	return out
}

// SaveState serializes the approval state for the session document.
func (m *Manager) SaveState() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state := State{
		Version:   StateVersion,
		Approvals: make(map[string]Grant, len(m.approvals)),
		Allowlist: append([]string(nil), m.config.Allowlist...),
		Blocklist: append([]string(nil), m.config.Blocklist...),
	}
	for k, v := range m.approvals {
		state.Approvals[k] = v
	}
	return state
}

// RestoreState replaces cached approvals from a session document. Expired
// grants are dropped. List configuration is not overwritten; the embedder's
// current lists stay authoritative.
func (m *Manager) RestoreState(state State) error {
	if state.Version != StateVersion {
		return fmt.Errorf("unsupported approval state version %d", state.Version)
	}
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.approvals = make(map[string]Grant, len(state.Approvals))
	for k, v := range state.Approvals {
		if v.expired(now) {
			continue
		}
		m.approvals[k] = v
	}
	return nil
}
