package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	agentctx "github.com/haasonsaas/strand/internal/agent/context"
	"github.com/haasonsaas/strand/internal/audit"
	"github.com/haasonsaas/strand/internal/hooks"
	"github.com/haasonsaas/strand/internal/observability"
	"github.com/haasonsaas/strand/internal/permissions"
	"github.com/haasonsaas/strand/internal/providers"
	"github.com/haasonsaas/strand/internal/sessions"
	"github.com/haasonsaas/strand/internal/tools"
	"github.com/haasonsaas/strand/pkg/models"
)

// Config wires a coordinator's collaborators. Provider is required;
// everything else gets a working default.
type Config struct {
	Provider    providers.Provider
	Tools       *tools.Manager
	Permissions *permissions.Manager
	Hooks       *hooks.Manager
	Sessions    sessions.Store

	Context agentctx.Config
	Loop    LoopConfig

	Metrics *observability.Metrics
	Logger  *slog.Logger
}

// RunOptions parameterizes one run.
type RunOptions struct {
	// SessionID enables persistence: state is restored before the run and
	// checkpointed at iteration boundaries. Empty disables persistence.
	SessionID string

	// RunID overrides the generated run id.
	RunID string

	// Input is appended as the user message starting this run.
	Input string

	// Items are appended after Input, for callers with richer content.
	Items []models.Item

	// Plugins join the context manager for this run. Their tools are
	// registered for the duration of the run.
	Plugins []agentctx.Plugin

	// Loop overrides the coordinator's loop config for this run.
	Loop *LoopConfig

	// EventBuffer sizes the stream event channel. Zero uses the default.
	EventBuffer int
}

// Coordinator creates and supervises runs against one provider and one tool
// registry. Safe for concurrent use; each run gets its own loop, context
// manager, and audit trail.
type Coordinator struct {
	provider    providers.Provider
	tools       *tools.Manager
	permissions *permissions.Manager
	hooks       *hooks.Manager
	sessions    sessions.Store

	contextCfg agentctx.Config
	loopCfg    LoopConfig

	metrics *observability.Metrics
	logger  *slog.Logger
}

// NewCoordinator validates the config and fills defaults.
func NewCoordinator(config Config) (*Coordinator, error) {
	if config.Provider == nil {
		return nil, errors.New("agent: provider is required")
	}
	if config.Metrics == nil {
		config.Metrics = observability.Nop()
	}
	if config.Permissions == nil {
		config.Permissions = permissions.NewManager(permissions.Config{})
	}
	if config.Tools == nil {
		config.Tools = tools.NewManager(tools.DefaultConfig(), config.Permissions, config.Metrics, config.Logger)
	}
	return &Coordinator{
		provider:    config.Provider,
		tools:       config.Tools,
		permissions: config.Permissions,
		hooks:       config.Hooks,
		sessions:    config.Sessions,
		contextCfg:  config.Context,
		loopCfg:     config.Loop.sanitize(),
		metrics:     config.Metrics,
		logger:      config.Logger,
	}, nil
}

// Tools exposes the registry for embedders that register tools after
// construction.
func (c *Coordinator) Tools() *tools.Manager { return c.tools }

// Permissions exposes the permission manager.
func (c *Coordinator) Permissions() *permissions.Manager { return c.permissions }

// Run executes a run to completion and blocks for the result.
func (c *Coordinator) Run(ctx context.Context, opts RunOptions) (*models.RunResult, error) {
	run, err := c.start(ctx, opts, false)
	if err != nil {
		return nil, err
	}
	return run.Wait(ctx)
}

// Stream starts a run and returns its control handle. Events flow on
// run.Events() until the run finishes.
func (c *Coordinator) Stream(ctx context.Context, opts RunOptions) (*Run, error) {
	return c.start(ctx, opts, true)
}

func (c *Coordinator) start(ctx context.Context, opts RunOptions, streaming bool) (*Run, error) {
	runID := opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	trail := audit.NewTrail(runID, c.logger)
	ec := NewExecutionContext(runID, opts.SessionID, trail)

	ctxMgr, err := agentctx.NewManager(c.contextCfg, c.metrics)
	if err != nil {
		return nil, newRunError(KindStateCorruption, 0, "", err)
	}
	ctxMgr.SetTrail(trail)
	ctxMgr.SetHooks(c.hooks)

	// Plugin tools live only as long as the run.
	var pluginTools []string
	releaseTools := func() {
		for _, name := range pluginTools {
			c.tools.Unregister(name)
		}
	}
	for _, p := range opts.Plugins {
		ctxMgr.AddPlugin(p)
		for _, reg := range p.Tools() {
			if err := c.tools.Register(reg.Descriptor, reg.Tool); err != nil {
				releaseTools()
				return nil, newRunError(KindStateCorruption, 0,
					fmt.Sprintf("plugin %s: %s", p.Name(), err), err)
			}
			pluginTools = append(pluginTools, tools.SanitizeName(reg.Descriptor.Name))
		}
	}

	if err := c.restoreSession(ctx, ec, ctxMgr); err != nil {
		releaseTools()
		return nil, err
	}

	if opts.Input != "" {
		ctxMgr.Append(models.NewTextItem(models.RoleUser, opts.Input))
	}
	if len(opts.Items) > 0 {
		ctxMgr.Append(opts.Items...)
	}

	loopCfg := c.loopCfg
	if opts.Loop != nil {
		loopCfg = opts.Loop.sanitize()
	}
	loop := NewLoop(c.provider, c.tools, c.hooks, ctxMgr, loopCfg, c.metrics, c.logger)
	if ec.SessionID != "" && c.sessions != nil {
		loop.SetCheckpoint(func(ctx context.Context) error {
			return c.saveSession(ctx, ec, ctxMgr)
		})
	}

	var emitter *Emitter
	if streaming {
		emitter = NewEmitter(runID, opts.EventBuffer)
		loop.SetEmitter(emitter)
	}

	run := &Run{
		ID:        runID,
		SessionID: opts.SessionID,
		ec:        ec,
		emitter:   emitter,
		done:      make(chan struct{}),
	}

	c.metrics.ActiveRuns.Inc()
	trail.Record(audit.EventRunStart, map[string]any{"session_id": opts.SessionID})

	go func() {
		defer close(run.done)
		defer emitter.Close()
		defer releaseTools()
		defer c.metrics.ActiveRuns.Dec()

		result, runErr := loop.Run(ctx, ec)

		if ec.SessionID != "" && c.sessions != nil {
			if err := c.saveSession(context.WithoutCancel(ctx), ec, ctxMgr); err != nil && c.logger != nil {
				c.logger.Warn("final session save failed", "run_id", runID, "error", err)
			}
		}

		payload := map[string]any{
			"state":     string(ec.State()),
			"llm_calls": ec.Metrics.LLMCalls,
			"duration":  time.Since(ec.StartedAt).String(),
		}
		if runErr != nil {
			payload["error"] = runErr.Error()
		}
		trail.Record(audit.EventRunEnd, payload)

		run.mu.Lock()
		run.result = result
		run.err = runErr
		run.mu.Unlock()
	}()

	return run, nil
}

func (c *Coordinator) restoreSession(ctx context.Context, ec *ExecutionContext, ctxMgr *agentctx.Manager) error {
	if ec.SessionID == "" || c.sessions == nil {
		return nil
	}
	doc, err := c.sessions.Load(ctx, ec.SessionID)
	if errors.Is(err, sessions.ErrNotFound) {
		return nil
	}
	if err != nil {
		return newRunError(KindStateCorruption, 0, "", err)
	}
	ctxMgr.SetItems(doc.Items)
	if doc.Approvals.Version != 0 {
		if err := c.permissions.RestoreState(doc.Approvals); err != nil {
			return newRunError(KindStateCorruption, 0, "", err)
		}
	}
	if err := ctxMgr.RestorePluginStates(doc.PluginStates); err != nil {
		return newRunError(KindStateCorruption, 0, "", err)
	}
	ec.Metrics = doc.Metrics
	return nil
}

func (c *Coordinator) saveSession(ctx context.Context, ec *ExecutionContext, ctxMgr *agentctx.Manager) error {
	states, err := ctxMgr.PluginStates()
	if err != nil {
		return err
	}
	ec.Metrics.Compactions = ec.Trail.CountByType(audit.EventCompactionComplete)
	doc := &sessions.Document{
		Version:        sessions.Version,
		SessionID:      ec.SessionID,
		Items:          ctxMgr.Items(),
		Approvals:      c.permissions.SaveState(),
		PluginStates:   states,
		Metrics:        ec.Metrics,
		LastCheckpoint: time.Now().UTC(),
	}
	return c.sessions.Save(ctx, ec.SessionID, doc)
}

// Run is the control handle for an in-flight run.
type Run struct {
	ID        string
	SessionID string

	ec      *ExecutionContext
	emitter *Emitter
	done    chan struct{}

	mu     sync.Mutex
	result *models.RunResult
	err    error
}

// Events returns the stream event channel, nil for non-streaming runs.
func (r *Run) Events() <-chan models.StreamEvent { return r.emitter.Events() }

// State returns the run's lifecycle state.
func (r *Run) State() RunState { return r.ec.State() }

// Trail returns the run's audit trail.
func (r *Run) Trail() *audit.Trail { return r.ec.Trail }

// Pause requests a pause at the next iteration boundary.
func (r *Run) Pause(reason string) error { return r.ec.Pause(reason) }

// Resume releases a paused run.
func (r *Run) Resume() error { return r.ec.Resume() }

// Cancel requests cooperative cancellation.
func (r *Run) Cancel(reason string) { r.ec.Cancel(reason) }

// Wait blocks until the run finishes or ctx expires. Waiting does not cancel
// the run; callers that give up may still Cancel explicitly.
func (r *Run) Wait(ctx context.Context) (*models.RunResult, error) {
	select {
	case <-r.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result, r.err
}
