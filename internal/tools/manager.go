// Package tools implements the tool registry and execution pipeline: name
// sanitization, schema validation, permission gating, idempotency caching,
// circuit breaking, bounded concurrency, and timeout enforcement. Failures
// are classified and returned as error tool results so the conversation's
// tool-use/tool-result pairing survives any outcome.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/strand/internal/audit"
	"github.com/haasonsaas/strand/internal/backoff"
	"github.com/haasonsaas/strand/internal/hooks"
	"github.com/haasonsaas/strand/internal/observability"
	"github.com/haasonsaas/strand/internal/permissions"
	"github.com/haasonsaas/strand/pkg/models"
)

// Config configures a tool manager.
type Config struct {
	// DefaultTimeout bounds a single execution attempt for tools without
	// their own timeout. Default: 60s.
	DefaultTimeout time.Duration

	// MaxParallel bounds batch-level parallelism across tools. Default: 8.
	MaxParallel int

	Breaker BreakerConfig
	Cache   CacheConfig
}

// DefaultConfig returns the default manager tuning.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout: 60 * time.Second,
		MaxParallel:    8,
		Breaker:        DefaultBreakerConfig(),
		Cache:          DefaultCacheConfig(),
	}
}

type registration struct {
	descriptor Descriptor
	tool       Tool
	schema     *jsonschema.Schema
	breaker    *breaker
	// sem bounds per-tool concurrency when MaxConcurrent > 0.
	sem chan struct{}
}

// Manager owns the tool registry and runs the execution pipeline. Safe for
// concurrent use.
type Manager struct {
	mu     sync.RWMutex
	config Config
	tools  map[string]*registration

	permissions *permissions.Manager
	cache       *idempotencyCache
	metrics     *observability.Metrics
	logger      *slog.Logger

	// global serializes blocking tools against everything else. Ordinary
	// tools hold the read side for the duration of their execution.
	global sync.RWMutex
}

// NewManager creates a tool manager. perms may not be nil; metrics and
// logger may be.
func NewManager(config Config, perms *permissions.Manager, metrics *observability.Metrics, logger *slog.Logger) *Manager {
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = 60 * time.Second
	}
	if config.MaxParallel <= 0 {
		config.MaxParallel = 8
	}
	if metrics == nil {
		metrics = observability.Nop()
	}
	return &Manager{
		config:      config,
		tools:       make(map[string]*registration),
		permissions: perms,
		cache:       newIdempotencyCache(config.Cache),
		metrics:     metrics,
		logger:      logger,
	}
}

// Register adds a tool under its sanitized name. The schema, when present,
// is compiled now so malformed schemas fail registration rather than the
// first call.
func (m *Manager) Register(desc Descriptor, tool Tool) error {
	if tool == nil {
		return fmt.Errorf("register %q: nil tool", desc.Name)
	}
	name := SanitizeName(desc.Name)
	desc.Name = name

	reg := &registration{
		descriptor: desc,
		tool:       tool,
		breaker:    newBreaker(m.config.Breaker),
	}
	if len(desc.Schema) > 0 {
		compiled, err := compileSchema(name, desc.Schema)
		if err != nil {
			return fmt.Errorf("register %q: %w", name, err)
		}
		reg.schema = compiled
	}
	if desc.Concurrency.MaxConcurrent > 0 {
		reg.sem = make(chan struct{}, desc.Concurrency.MaxConcurrent)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.tools[name]; exists {
		return fmt.Errorf("register %q: already registered", name)
	}
	m.tools[name] = reg
	return nil
}

// RegisterAll registers a batch of contributed tools, stopping at the first
// failure.
func (m *Manager) RegisterAll(regs []Registration) error {
	for _, reg := range regs {
		if err := m.Register(reg.Descriptor, reg.Tool); err != nil {
			return err
		}
	}
	return nil
}

// Unregister removes a tool. Returns false if it was not registered.
func (m *Manager) Unregister(name string) bool {
	name = SanitizeName(name)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tools[name]; !ok {
		return false
	}
	delete(m.tools, name)
	return true
}

// SetDisabled toggles a tool's availability without unregistering it.
func (m *Manager) SetDisabled(name string, disabled bool) bool {
	name = SanitizeName(name)
	m.mu.Lock()
	defer m.mu.Unlock()
	reg, ok := m.tools[name]
	if !ok {
		return false
	}
	reg.descriptor.Disabled = disabled
	return true
}

// Definitions returns the provider-facing tool list, sorted by name.
// Disabled tools are excluded.
func (m *Manager) Definitions() []Definition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Definition, 0, len(m.tools))
	for _, reg := range m.tools {
		if reg.descriptor.Disabled {
			continue
		}
		schema := reg.descriptor.Schema
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		out = append(out, Definition{
			Name:        reg.descriptor.Name,
			Description: reg.descriptor.Description,
			InputSchema: schema,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// BreakerState reports a tool's circuit state for diagnostics.
func (m *Manager) BreakerState(name string) (BreakerState, bool) {
	m.mu.RLock()
	reg, ok := m.tools[SanitizeName(name)]
	m.mu.RUnlock()
	if !ok {
		return "", false
	}
	return reg.breaker.State(), true
}

func (m *Manager) lookup(name string) (*registration, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	reg, ok := m.tools[name]
	return reg, ok
}

// ExecOptions carries per-run collaborators into the pipeline.
type ExecOptions struct {
	Trail     *audit.Trail
	Hooks     *hooks.Manager
	Iteration int

	// OnExecStart and OnExecDone feed stream events; either may be nil.
	OnExecStart func(call models.ToolCall)
	OnExecDone  func(call models.ToolCall, result models.ToolResult)
}

// ExecuteBatch runs all calls from one model response and returns results
// in the same order as the calls, regardless of completion order.
// Parallelism is bounded by MaxParallel on top of per-tool limits.
func (m *Manager) ExecuteBatch(ctx context.Context, calls []models.ToolCall, opts ExecOptions) []models.ToolResult {
	results := make([]models.ToolResult, len(calls))
	if len(calls) == 0 {
		return results
	}

	slots := make(chan struct{}, m.config.MaxParallel)
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call models.ToolCall) {
			defer wg.Done()
			slots <- struct{}{}
			defer func() { <-slots }()
			results[i] = m.Execute(ctx, call, opts)
		}(i, call)
	}
	wg.Wait()
	return results
}

// Execute runs one tool call through the full pipeline. Any failure is
// returned as an error result, never dropped, so the caller can always
// append a matching tool-result to the conversation.
func (m *Manager) Execute(ctx context.Context, call models.ToolCall, opts ExecOptions) models.ToolResult {
	start := time.Now()
	ctx, span := observability.StartSpan(ctx, "tool.execute",
		observability.ToolAttrs(call.Name, call.ID)...)
	defer span.End()
	if opts.OnExecStart != nil {
		opts.OnExecStart(call)
	}
	result := m.execute(ctx, call, opts)
	result.Duration = time.Since(start)

	m.metrics.ToolExecutionDuration.WithLabelValues(call.Name).Observe(result.Duration.Seconds())
	if opts.OnExecDone != nil {
		opts.OnExecDone(call, result)
	}
	return result
}

func (m *Manager) execute(ctx context.Context, call models.ToolCall, opts ExecOptions) models.ToolResult {
	name := SanitizeName(call.Name)

	reg, ok := m.lookup(name)
	if !ok {
		return m.fail(opts, call, newError(KindNotFound, name, call.ID,
			fmt.Sprintf("tool %q is not registered", name), nil))
	}
	if reg.descriptor.Disabled {
		return m.fail(opts, call, newError(KindDisabled, name, call.ID,
			fmt.Sprintf("tool %q is disabled", name), nil))
	}

	args := call.Input

	// before:tool hooks may rewrite the arguments.
	if opts.Hooks != nil {
		mutation, err := opts.Hooks.Run(ctx, &hooks.Event{
			Point:      hooks.BeforeTool,
			Iteration:  opts.Iteration,
			ToolName:   name,
			ToolCallID: call.ID,
			ToolArgs:   args,
		})
		if err != nil {
			return m.fail(opts, call, newError(KindExecution, name, call.ID, "", err))
		}
		if mutation != nil && mutation.ToolArgs != nil {
			args = mutation.ToolArgs
		}
	}

	if reg.schema != nil {
		if err := validateArgs(reg.schema, args); err != nil {
			return m.fail(opts, call, newError(KindInvalidArguments, name, call.ID, err.Error(), nil))
		}
	}

	if result, failed := m.authorize(ctx, reg, name, call, args, opts); failed {
		return result
	}

	// Idempotency cache: a tool declaring Safe or an explicit TTL is
	// fingerprinted; identical calls return the cached result and concurrent
	// duplicates coalesce onto one execution.
	var fingerprint string
	if reg.descriptor.Idempotency.Safe || reg.descriptor.Idempotency.TTL > 0 {
		fingerprint = Fingerprint(name, args)
		if result, ok := m.cachedResult(fingerprint, call, opts); ok {
			return result
		}
		for {
			wait := m.cache.BeginFlight(fingerprint)
			if wait == nil {
				defer m.cache.EndFlight(fingerprint)
				break
			}
			select {
			case <-wait:
				if result, ok := m.cachedResult(fingerprint, call, opts); ok {
					return result
				}
			case <-ctx.Done():
				return m.fail(opts, call, newError(KindCancelled, name, call.ID, "", ctx.Err()))
			}
		}
	}

	if !reg.breaker.Allow(time.Now()) {
		return m.fail(opts, call, newError(KindCircuitOpen, name, call.ID,
			fmt.Sprintf("tool %q is failing repeatedly, temporarily unavailable", name), nil))
	}

	// Concurrency admission: blocking tools take the global write lock,
	// everything else shares the read side. Per-tool limits apply on top.
	if reg.descriptor.Concurrency.Blocking {
		m.global.Lock()
		defer m.global.Unlock()
	} else {
		m.global.RLock()
		defer m.global.RUnlock()
	}
	if reg.sem != nil {
		select {
		case reg.sem <- struct{}{}:
			defer func() { <-reg.sem }()
		case <-ctx.Done():
			return m.fail(opts, call, newError(KindCancelled, name, call.ID, "", ctx.Err()))
		}
	}

	record(opts.Trail, audit.EventToolStart, map[string]any{
		"tool": name, "tool_call_id": call.ID, "iteration": opts.Iteration,
	})

	output, execErr := m.executeWithRetries(ctx, reg, call, args)

	if execErr != nil {
		reg.breaker.RecordFailure(time.Now())
		return m.fail(opts, call, execErr)
	}
	reg.breaker.RecordSuccess()

	result := models.ToolResult{
		ToolCallID: call.ID,
		Content:    output.Content,
		Images:     output.Images,
	}
	if fingerprint != "" {
		m.cache.Put(fingerprint, result, reg.descriptor.Idempotency.TTL, time.Now())
	}

	record(opts.Trail, audit.EventToolComplete, map[string]any{
		"tool": name, "tool_call_id": call.ID, "bytes": len(result.Content),
	})
	m.metrics.ToolExecutionCounter.WithLabelValues(name, "success").Inc()
	m.afterToolHook(ctx, opts, name, call, &result)
	return result
}

// authorize runs the permission gate. The second return is true when the
// pipeline must stop with the given error result.
func (m *Manager) authorize(ctx context.Context, reg *registration, name string, call models.ToolCall, args json.RawMessage, opts ExecOptions) (models.ToolResult, bool) {
	// approve:tool hooks observe the authorization and may veto it; a hook
	// error under the fail mode denies the call.
	if opts.Hooks != nil {
		if _, err := opts.Hooks.Run(ctx, &hooks.Event{
			Point:      hooks.ApproveTool,
			Iteration:  opts.Iteration,
			ToolName:   name,
			ToolCallID: call.ID,
			ToolArgs:   args,
		}); err != nil {
			record(opts.Trail, audit.EventToolDenied, map[string]any{
				"tool": name, "tool_call_id": call.ID, "reason": err.Error(),
			})
			m.metrics.ToolExecutionCounter.WithLabelValues(name, "denied").Inc()
			return m.errorResult(opts, call, newError(KindApprovalDenied, name, call.ID, "", err)), true
		}
	}

	auth, err := m.permissions.Authorize(ctx, name, args, reg.descriptor.Permission)
	if err != nil {
		return m.fail(opts, call, newError(KindApprovalDenied, name, call.ID, "", err)), true
	}
	if !auth.Allowed {
		kind := KindApprovalDenied
		check := m.permissions.Check(name, args, reg.descriptor.Permission)
		if check.Decision == permissions.DecisionBlocked {
			kind = KindBlocked
		}
		record(opts.Trail, audit.EventToolDenied, map[string]any{
			"tool": name, "tool_call_id": call.ID, "reason": auth.Reason,
		})
		m.metrics.ToolExecutionCounter.WithLabelValues(name, "denied").Inc()
		return m.errorResult(opts, call, newError(kind, name, call.ID, auth.Reason, nil)), true
	}
	record(opts.Trail, audit.EventToolApproved, map[string]any{
		"tool": name, "tool_call_id": call.ID,
		"reason": auth.Reason, "approved_by": auth.ApprovedBy,
		"defaulted": auth.DefaultedApprove,
	})
	return models.ToolResult{}, false
}

func (m *Manager) cachedResult(fingerprint string, call models.ToolCall, opts ExecOptions) (models.ToolResult, bool) {
	cached, ok := m.cache.Get(fingerprint, time.Now())
	if !ok {
		return models.ToolResult{}, false
	}
	cached.ToolCallID = call.ID
	record(opts.Trail, audit.EventToolCached, map[string]any{
		"tool": SanitizeName(call.Name), "tool_call_id": call.ID,
	})
	m.metrics.ToolExecutionCounter.WithLabelValues(SanitizeName(call.Name), "cached").Inc()
	return cached, true
}

// executeWithRetries runs attempts per the tool's retry policy. The breaker
// observes only the final outcome, not individual attempts.
func (m *Manager) executeWithRetries(ctx context.Context, reg *registration, call models.ToolCall, args json.RawMessage) (*Output, *Error) {
	retry := reg.descriptor.Retry
	attempts := retry.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr *Error
	for attempt := 1; attempt <= attempts; attempt++ {
		output, err := m.executeOnce(ctx, reg, call, args)
		if err == nil {
			return output, nil
		}
		lastErr = err
		if attempt == attempts || !retry.shouldRetry(err.Kind) {
			break
		}
		if m.logger != nil {
			m.logger.Debug("retrying tool",
				"tool", reg.descriptor.Name,
				"attempt", attempt,
				"kind", string(err.Kind),
			)
		}
		if sleepErr := backoff.SleepAttempt(ctx, retry.Backoff, attempt); sleepErr != nil {
			return nil, newError(KindCancelled, reg.descriptor.Name, call.ID, "", sleepErr)
		}
	}
	return nil, lastErr
}

// executeOnce races one attempt against the tool's timeout. The execution
// goroutine keeps running after a timeout fires but its result is discarded;
// the child context is cancelled so well-behaved tools stop promptly.
func (m *Manager) executeOnce(ctx context.Context, reg *registration, call models.ToolCall, args json.RawMessage) (*Output, *Error) {
	timeout := reg.descriptor.Timeout
	if timeout <= 0 {
		timeout = m.config.DefaultTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type attempt struct {
		output *Output
		err    error
	}
	done := make(chan attempt, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				if m.logger != nil {
					m.logger.Error("tool panicked",
						"tool", reg.descriptor.Name,
						"panic", r,
						"stack", string(debug.Stack()),
					)
				}
				done <- attempt{err: &Error{
					Kind:     KindPanic,
					ToolName: reg.descriptor.Name,
					Message:  fmt.Sprintf("tool panicked: %v", r),
				}}
			}
		}()
		output, err := reg.tool.Execute(execCtx, args)
		done <- attempt{output: output, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			if toolErr, ok := AsError(res.err); ok {
				toolErr.ToolName = reg.descriptor.Name
				toolErr.ToolCallID = call.ID
				return nil, toolErr
			}
			return nil, newError(KindExecution, reg.descriptor.Name, call.ID, "", res.err)
		}
		if res.output == nil {
			res.output = &Output{}
		}
		return res.output, nil
	case <-execCtx.Done():
		if ctx.Err() != nil {
			return nil, newError(KindCancelled, reg.descriptor.Name, call.ID, "", ctx.Err())
		}
		return nil, newError(KindTimeout, reg.descriptor.Name, call.ID,
			fmt.Sprintf("tool %q exceeded its %s timeout", reg.descriptor.Name, timeout), nil)
	}
}

// fail records and converts a pipeline error into an error result.
func (m *Manager) fail(opts ExecOptions, call models.ToolCall, toolErr *Error) models.ToolResult {
	eventType := audit.EventToolError
	status := "error"
	if toolErr.Kind == KindTimeout {
		eventType = audit.EventToolTimeout
		status = "timeout"
	}
	record(opts.Trail, eventType, map[string]any{
		"tool":         toolErr.ToolName,
		"tool_call_id": call.ID,
		"kind":         string(toolErr.Kind),
		"error":        toolErr.Message,
	})
	m.metrics.ToolExecutionCounter.WithLabelValues(toolErr.ToolName, status).Inc()
	return m.errorResult(opts, call, toolErr)
}

func (m *Manager) errorResult(opts ExecOptions, call models.ToolCall, toolErr *Error) models.ToolResult {
	result := models.ToolResult{
		ToolCallID: call.ID,
		Content:    toolErr.Error(),
		IsError:    true,
		ErrorKind:  string(toolErr.Kind),
	}
	m.afterToolHook(context.Background(), opts, toolErr.ToolName, call, &result)
	return result
}

func (m *Manager) afterToolHook(ctx context.Context, opts ExecOptions, name string, call models.ToolCall, result *models.ToolResult) {
	if opts.Hooks == nil {
		return
	}
	// after:tool is observational; mutations are ignored here.
	_, _ = opts.Hooks.Run(ctx, &hooks.Event{
		Point:      hooks.AfterTool,
		Iteration:  opts.Iteration,
		ToolName:   name,
		ToolCallID: call.ID,
		ToolArgs:   call.Input,
		Result:     result,
	})
}

func record(trail *audit.Trail, eventType audit.EventType, payload map[string]any) {
	if trail == nil {
		return
	}
	trail.Record(eventType, payload)
}
