package providers

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/haasonsaas/strand/internal/backoff"
)

// RetryConfig tunes the retrying wrapper returned by WithRetry.
type RetryConfig struct {
	// MaxAttempts is the total number of tries per call, including the
	// first. Zero means the default of 3.
	MaxAttempts int

	// Backoff paces retries for transport and server errors.
	Backoff backoff.Policy

	// MaxRetryAfter caps the wait taken from a rate-limit hint. Zero means
	// the default of 30s.
	MaxRetryAfter time.Duration

	// RequestsPerSecond paces outgoing calls. Zero disables pacing.
	RequestsPerSecond float64

	// Burst is the pacing bucket size; zero means 1 when pacing is on.
	Burst int

	Logger *slog.Logger
}

func (c RetryConfig) sanitize() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.Backoff == (backoff.Policy{}) {
		c.Backoff = backoff.DefaultPolicy()
	}
	if c.MaxRetryAfter <= 0 {
		c.MaxRetryAfter = 30 * time.Second
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// WithRetry wraps a provider with classified retries and request pacing.
// Auth, context-length, and invalid-request errors fail immediately;
// rate-limit errors wait for the hinted interval (bounded); transport and
// server errors back off exponentially.
func WithRetry(p Provider, config RetryConfig) Provider {
	config = config.sanitize()
	r := &retryingProvider{inner: p, config: config}
	if config.RequestsPerSecond > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(config.RequestsPerSecond), config.Burst)
	}
	return r
}

type retryingProvider struct {
	inner   Provider
	config  RetryConfig
	limiter *rate.Limiter
}

func (r *retryingProvider) Name() string { return r.inner.Name() }

func (r *retryingProvider) Generate(ctx context.Context, req *Request) (*Response, error) {
	var lastErr error
	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		if err := r.pace(ctx); err != nil {
			return nil, err
		}
		resp, err := r.inner.Generate(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !r.retryAfterError(ctx, err, attempt) {
			break
		}
	}
	return nil, lastErr
}

// Stream retries only the synchronous connection attempt. Once events are
// flowing a retry would duplicate deltas already delivered downstream, so
// mid-stream failures surface as error events.
func (r *retryingProvider) Stream(ctx context.Context, req *Request) (<-chan Event, error) {
	var lastErr error
	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		if err := r.pace(ctx); err != nil {
			return nil, err
		}
		events, err := r.inner.Stream(ctx, req)
		if err == nil {
			return events, nil
		}
		lastErr = err
		if !r.retryAfterError(ctx, err, attempt) {
			break
		}
	}
	return nil, lastErr
}

func (r *retryingProvider) pace(ctx context.Context) error {
	if r.limiter == nil {
		return nil
	}
	return r.limiter.Wait(ctx)
}

// retryAfterError decides whether to retry and performs the wait. Returns
// false when the error is terminal or attempts are exhausted.
func (r *retryingProvider) retryAfterError(ctx context.Context, err error, attempt int) bool {
	if attempt >= r.config.MaxAttempts || !IsRetryable(err) {
		return false
	}

	wait := backoff.Compute(r.config.Backoff, attempt)
	if pe, ok := AsProviderError(err); ok && pe.Reason == ReasonRateLimit && pe.RetryAfter > 0 {
		wait = pe.RetryAfter
		if wait > r.config.MaxRetryAfter {
			wait = r.config.MaxRetryAfter
		}
	}

	r.config.Logger.Warn("provider call failed, retrying",
		"provider", r.inner.Name(),
		"attempt", attempt,
		"wait", wait,
		"error", err)

	return backoff.Sleep(ctx, wait) == nil
}
