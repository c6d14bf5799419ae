// Package backoff provides exponential backoff utilities with jitter for
// provider and tool retry logic.
package backoff

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Policy defines the parameters for exponential backoff calculation.
type Policy struct {
	// Initial is the backoff after the first failure.
	Initial time.Duration
	// Max caps the computed backoff.
	Max time.Duration
	// Factor is the exponential factor applied per attempt.
	Factor float64
	// Jitter is the randomization factor (0.0 to 1.0).
	Jitter float64
}

// DefaultPolicy returns the policy used for provider transport and server
// errors: 100ms initial, 30s max, factor 2, 10% jitter.
func DefaultPolicy() Policy {
	return Policy{
		Initial: 100 * time.Millisecond,
		Max:     30 * time.Second,
		Factor:  2,
		Jitter:  0.1,
	}
}

// Compute calculates the backoff for a given attempt number. Attempts start
// at 1. The formula is base = initial * factor^(attempt-1), plus
// base*jitter*random, clamped to Max.
func Compute(policy Policy, attempt int) time.Duration {
	return ComputeWithRand(policy, attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// ComputeWithRand calculates the backoff using a provided random value in
// [0.0, 1.0). Used by tests for deterministic results.
func ComputeWithRand(policy Policy, attempt int, randomValue float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := float64(policy.Initial) * math.Pow(policy.Factor, exp)
	jitter := base * policy.Jitter * randomValue
	total := math.Min(float64(policy.Max), base+jitter)
	return time.Duration(math.Round(total/float64(time.Millisecond))) * time.Millisecond
}

// Sleep waits for the specified duration, respecting context cancellation.
// Returns ctx.Err() if the context ended first.
func Sleep(ctx context.Context, duration time.Duration) error {
	if duration <= 0 {
		return nil
	}
	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// SleepAttempt computes the backoff for attempt and sleeps.
func SleepAttempt(ctx context.Context, policy Policy, attempt int) error {
	return Sleep(ctx, Compute(policy, attempt))
}
