package tools

import (
	"sync"
	"time"
)

// BreakerState is the circuit breaker state for one tool.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// BreakerConfig tunes the per-tool circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the consecutive-failure count that opens the
	// breaker. Default: 5.
	FailureThreshold int

	// InitialCooldown is the open period after the first trip. Each re-open
	// doubles it. Default: 10s.
	InitialCooldown time.Duration

	// MaxCooldown caps the doubling. Default: 5m.
	MaxCooldown time.Duration
}

// DefaultBreakerConfig returns the default breaker tuning.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		InitialCooldown:  10 * time.Second,
		MaxCooldown:      5 * time.Minute,
	}
}

// breaker is a per-tool failure gate. Open breakers fail fast until the
// cooldown lapses; then one probe is admitted (half-open). A successful
// probe closes the breaker, a failed probe re-opens it with a doubled
// cooldown.
type breaker struct {
	mu       sync.Mutex
	config   BreakerConfig
	state    BreakerState
	failures int
	cooldown time.Duration
	openedAt time.Time
	probing  bool
}

func newBreaker(config BreakerConfig) *breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.InitialCooldown <= 0 {
		config.InitialCooldown = 10 * time.Second
	}
	if config.MaxCooldown <= 0 {
		config.MaxCooldown = 5 * time.Minute
	}
	return &breaker{
		config:   config,
		state:    BreakerClosed,
		cooldown: config.InitialCooldown,
	}
}

// Allow reports whether a call may proceed. At most one caller is admitted
// while half-open.
func (b *breaker) Allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if now.Sub(b.openedAt) < b.cooldown {
			return false
		}
		b.state = BreakerHalfOpen
		b.probing = true
		return true
	case BreakerHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
	return false
}

// RecordSuccess closes the breaker and resets the cooldown.
func (b *breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.failures = 0
	b.probing = false
	b.cooldown = b.config.InitialCooldown
}

// RecordFailure counts a failure. A failed half-open probe re-opens with a
// doubled cooldown; in closed state the threshold must be reached first.
func (b *breaker) RecordFailure(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerHalfOpen {
		b.reopen(now)
		return
	}

	b.failures++
	if b.failures >= b.config.FailureThreshold {
		b.state = BreakerOpen
		b.openedAt = now
	}
}

func (b *breaker) reopen(now time.Time) {
	b.state = BreakerOpen
	b.openedAt = now
	b.probing = false
	b.cooldown *= 2
	if b.cooldown > b.config.MaxCooldown {
		b.cooldown = b.config.MaxCooldown
	}
}

// State returns the current state for diagnostics.
func (b *breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
