// Package agent implements the agentic run loop: it drives the provider,
// detects and executes tool calls, keeps the conversation within the context
// budget, and exposes pause/resume/cancel control over a running agent.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	agentctx "github.com/haasonsaas/strand/internal/agent/context"
	"github.com/haasonsaas/strand/internal/audit"
	"github.com/haasonsaas/strand/internal/hooks"
	"github.com/haasonsaas/strand/internal/observability"
	"github.com/haasonsaas/strand/internal/providers"
	"github.com/haasonsaas/strand/internal/tools"
	"github.com/haasonsaas/strand/pkg/models"
)

// ToolFailureMode decides what a failed tool execution does to the run.
type ToolFailureMode string

const (
	// ToolFailureContinue feeds error results back to the model and keeps
	// iterating. Consecutive all-error iterations are still bounded.
	ToolFailureContinue ToolFailureMode = "continue"

	// ToolFailureFail aborts the run on the first error result.
	ToolFailureFail ToolFailureMode = "fail"
)

// LoopConfig tunes one run of the agentic loop.
type LoopConfig struct {
	// Model overrides the provider default when non-empty.
	Model string `yaml:"model"`

	// Instructions is the base system prompt. before:iteration hooks may
	// override it for a single iteration.
	Instructions string `yaml:"instructions"`

	// Temperature, when non-nil, is passed through to the provider.
	Temperature *float64 `yaml:"temperature"`

	// MaxOutputTokens bounds each response. Zero uses the adapter default.
	MaxOutputTokens int `yaml:"max_output_tokens"`

	// Thinking enables extended reasoning; ThinkingBudget sizes it.
	Thinking       bool `yaml:"thinking"`
	ThinkingBudget int  `yaml:"thinking_budget"`

	// VendorOptions carries provider-specific knobs.
	VendorOptions map[string]any `yaml:"vendor_options"`

	// MaxIterations bounds provider round-trips. Default: 10. Reaching the
	// limit with tool calls still pending fails the run without another
	// provider call.
	MaxIterations int `yaml:"max_iterations"`

	// MaxToolCalls bounds total tool executions across the run. Zero means
	// unlimited.
	MaxToolCalls int `yaml:"max_tool_calls"`

	// MaxExecution bounds run wall time. Zero means unlimited.
	MaxExecution time.Duration `yaml:"max_execution"`

	// MaxInputMessages trims the assembled conversation before each call.
	// Zero means untrimmed.
	MaxInputMessages int `yaml:"max_input_messages"`

	// HistoryMode selects how history is assembled. Default: full.
	HistoryMode agentctx.HistoryMode `yaml:"history_mode"`

	// ToolFailureMode decides whether tool errors abort the run.
	// Default: continue.
	ToolFailureMode ToolFailureMode `yaml:"tool_failure_mode"`

	// MaxConsecutiveErrors bounds back-to-back iterations where every tool
	// call failed, in continue mode. Default: 3.
	MaxConsecutiveErrors int `yaml:"max_consecutive_errors"`
}

// DefaultLoopConfig returns the default loop tuning.
func DefaultLoopConfig() LoopConfig {
	return LoopConfig{
		MaxIterations:        10,
		ToolFailureMode:      ToolFailureContinue,
		MaxConsecutiveErrors: 3,
	}
}

func (c LoopConfig) sanitize() LoopConfig {
	if c.MaxIterations <= 0 {
		c.MaxIterations = 10
	}
	if c.ToolFailureMode == "" {
		c.ToolFailureMode = ToolFailureContinue
	}
	if c.MaxConsecutiveErrors <= 0 {
		c.MaxConsecutiveErrors = 3
	}
	if c.HistoryMode == "" {
		c.HistoryMode = agentctx.HistoryFull
	}
	return c
}

// Loop drives one agent run to completion. Not safe for concurrent use; each
// run gets its own Loop.
type Loop struct {
	provider providers.Provider
	tools    *tools.Manager
	hooks    *hooks.Manager
	context  *agentctx.Manager
	config   LoopConfig

	metrics *observability.Metrics
	logger  *slog.Logger
	emitter *Emitter

	// checkpoint runs at iteration boundaries; failures are logged, not
	// fatal, since saves are at-least-once.
	checkpoint func(ctx context.Context) error
}

// NewLoop assembles a loop. provider, toolMgr, and ctxMgr are required;
// hookMgr, metrics, logger may be nil.
func NewLoop(provider providers.Provider, toolMgr *tools.Manager, hookMgr *hooks.Manager, ctxMgr *agentctx.Manager, config LoopConfig, metrics *observability.Metrics, logger *slog.Logger) *Loop {
	if metrics == nil {
		metrics = observability.Nop()
	}
	return &Loop{
		provider: provider,
		tools:    toolMgr,
		hooks:    hookMgr,
		context:  ctxMgr,
		config:   config.sanitize(),
		metrics:  metrics,
		logger:   logger,
	}
}

// SetEmitter attaches a stream event emitter. With an emitter the loop uses
// the provider's streaming path and forwards deltas.
func (l *Loop) SetEmitter(e *Emitter) { l.emitter = e }

// SetCheckpoint attaches the iteration-boundary persistence callback.
func (l *Loop) SetCheckpoint(fn func(ctx context.Context) error) { l.checkpoint = fn }

// Run executes the loop until the model completes, a limit trips, or the run
// is cancelled. The returned error, when non-nil, is always a *RunError.
func (l *Loop) Run(ctx context.Context, ec *ExecutionContext) (*models.RunResult, error) {
	if err := ec.start(); err != nil {
		return nil, newRunError(KindStateCorruption, 0, err.Error(), err)
	}
	start := time.Now()
	var partial strings.Builder
	consecutiveErrors := 0

	for iteration := 1; ; iteration++ {
		if ec.Cancelled() {
			return nil, l.fail(ec, newRunError(KindCancelled, iteration, cancelMessage(ec), nil), &partial)
		}
		if err := ec.awaitResume(ctx); err != nil {
			if ec.Cancelled() {
				return nil, l.fail(ec, newRunError(KindCancelled, iteration, cancelMessage(ec), nil), &partial)
			}
			return nil, l.fail(ec, newRunError(KindCancelled, iteration, "", err), &partial)
		}
		if iteration > l.config.MaxIterations {
			// No further provider call: the budget is spent.
			return nil, l.fail(ec, newRunError(KindIterationLimitExceeded, iteration-1,
				fmt.Sprintf("run did not complete within %d iterations", l.config.MaxIterations), nil), &partial)
		}
		if l.config.MaxExecution > 0 && time.Since(start) > l.config.MaxExecution {
			return nil, l.fail(ec, newRunError(KindExecutionTimeout, iteration,
				fmt.Sprintf("run exceeded its %s execution budget", l.config.MaxExecution), nil), &partial)
		}

		record(ec.Trail, audit.EventIterationStart, map[string]any{"iteration": iteration})

		// Working copy for this iteration; hook mutations do not persist.
		instructions := l.config.Instructions
		temperature := l.config.Temperature
		historyMode := l.config.HistoryMode
		if l.hooks != nil {
			mutation, err := l.hooks.Run(ctx, &hooks.Event{Point: hooks.BeforeIteration, Iteration: iteration})
			if err != nil {
				record(ec.Trail, audit.EventHookFailure, map[string]any{"point": string(hooks.BeforeIteration), "error": err.Error()})
				return nil, l.fail(ec, newRunError(KindHookFailure, iteration, "", err), &partial)
			}
			if mutation != nil {
				if mutation.Instructions != nil {
					instructions = *mutation.Instructions
				}
				if mutation.Temperature != nil {
					temperature = mutation.Temperature
				}
				if mutation.HistoryMode != nil {
					historyMode = agentctx.HistoryMode(*mutation.HistoryMode)
				}
			}
		}

		l.context.SetSystem(instructions)
		assembled, err := l.context.Assemble(historyMode)
		if err != nil {
			kind := KindStateCorruption
			if isContextOverflow(err) {
				kind = KindContextOverflow
			}
			return nil, l.fail(ec, newRunError(kind, iteration, "", err), &partial)
		}
		items := assembled.Items
		if l.config.MaxInputMessages > 0 {
			items = agentctx.TrimToMaxMessages(items, l.config.MaxInputMessages)
		}

		req := &providers.Request{
			Model:           l.config.Model,
			System:          assembled.System,
			Items:           items,
			Tools:           l.tools.Definitions(),
			Temperature:     temperature,
			MaxOutputTokens: l.config.MaxOutputTokens,
			Thinking:        l.config.Thinking,
			ThinkingBudget:  l.config.ThinkingBudget,
			VendorOptions:   l.config.VendorOptions,
		}

		record(ec.Trail, audit.EventProviderRequest, map[string]any{
			"iteration": iteration, "model": req.Model, "tokens": assembled.Tokens, "items": len(items),
		})

		runCtx, stop := ec.runContext(ctx)
		resp, err := l.callProvider(runCtx, req)
		stop()
		if err != nil {
			if ec.Cancelled() {
				return nil, l.fail(ec, newRunError(KindCancelled, iteration, cancelMessage(ec), err), &partial)
			}
			record(ec.Trail, audit.EventProviderError, map[string]any{"iteration": iteration, "error": err.Error()})
			kind := KindProviderServer
			if pe, ok := providers.AsProviderError(err); ok {
				kind = kindFromProvider(pe.Reason)
			}
			return nil, l.fail(ec, newRunError(kind, iteration, "", err), &partial)
		}

		ec.Metrics.LLMCalls++
		ec.Metrics.Usage.Add(resp.Usage)
		partial.WriteString(resp.Text())
		record(ec.Trail, audit.EventProviderResponse, map[string]any{
			"iteration": iteration, "response_id": resp.ID, "status": string(resp.Status),
			"input_tokens": resp.Usage.InputTokens, "output_tokens": resp.Usage.OutputTokens,
		})

		l.context.Append(resp.Item)

		uses := resp.ToolUses()
		if len(uses) == 0 {
			l.afterIteration(ctx, ec, iteration, resp.Usage)
			result := &models.RunResult{
				Text:       partial.String(),
				Iterations: iteration,
				Metrics:    ec.Metrics,
				Duration:   time.Since(start),
			}
			ec.finish(StateComplete)
			l.emitter.Emit(models.StreamEvent{
				Type:   models.EventResponseComplete,
				Status: models.StatusCompleted,
				Usage:  &ec.Metrics.Usage,
			})
			return result, nil
		}

		calls := make([]models.ToolCall, len(uses))
		for i, use := range uses {
			calls[i] = models.ToolCall{ID: use.ID, Name: use.Name, Input: use.Input}
			record(ec.Trail, audit.EventToolDetected, map[string]any{
				"iteration": iteration, "tool": use.Name, "tool_call_id": use.ID,
			})
		}

		// Tool budget: refusing the batch still appends paired error results
		// so the conversation stays well-formed.
		if l.config.MaxToolCalls > 0 && ec.Metrics.ToolCalls+len(calls) > l.config.MaxToolCalls {
			msg := fmt.Sprintf("tool call budget of %d exhausted", l.config.MaxToolCalls)
			l.appendRefusedResults(calls, msg)
			return nil, l.fail(ec, newRunError(KindRateLimitExceeded, iteration, msg, nil), &partial)
		}

		runCtx, stop = ec.runContext(ctx)
		results := l.tools.ExecuteBatch(runCtx, calls, tools.ExecOptions{
			Trail:     ec.Trail,
			Hooks:     l.hooks,
			Iteration: iteration,
			OnExecStart: func(call models.ToolCall) {
				l.emitter.Emit(models.StreamEvent{
					Type: models.EventToolExecStart, ToolCallID: call.ID, ToolName: call.Name,
				})
			},
			OnExecDone: func(call models.ToolCall, result models.ToolResult) {
				l.emitter.Emit(models.StreamEvent{
					Type: models.EventToolExecDone, ToolCallID: call.ID, ToolName: call.Name,
					Result: &result,
				})
			},
		})
		stop()

		ec.Metrics.ToolCalls += len(calls)
		errored := 0
		blocks := make([]models.ToolResultBlock, len(results))
		for i, result := range results {
			blocks[i] = result.Block()
			if result.IsError {
				errored++
			}
		}
		ec.Metrics.ToolErrors += errored
		// Results append in provider call order regardless of completion
		// order; every use gets its result even after cancellation.
		l.context.Append(models.NewToolResultItem(blocks))

		if ec.Cancelled() {
			return nil, l.fail(ec, newRunError(KindCancelled, iteration, cancelMessage(ec), nil), &partial)
		}

		if errored > 0 && l.config.ToolFailureMode == ToolFailureFail {
			first := firstError(results)
			kind := kindFromToolError(tools.ErrorKind(first.ErrorKind))
			return nil, l.fail(ec, newRunError(kind, iteration, first.Content, nil), &partial)
		}
		if errored == len(results) && len(results) > 0 {
			consecutiveErrors++
			if consecutiveErrors >= l.config.MaxConsecutiveErrors {
				return nil, l.fail(ec, newRunError(KindToolExecutionError, iteration,
					fmt.Sprintf("%d consecutive iterations failed every tool call", consecutiveErrors), nil), &partial)
			}
		} else {
			consecutiveErrors = 0
		}

		l.afterIteration(ctx, ec, iteration, resp.Usage)
	}
}

// afterIteration runs the post-iteration hook, context consolidation, the
// checkpoint, and emits iteration:complete.
func (l *Loop) afterIteration(ctx context.Context, ec *ExecutionContext, iteration int, usage models.Usage) {
	if l.hooks != nil {
		if _, err := l.hooks.Run(ctx, &hooks.Event{
			Point:     hooks.AfterIteration,
			Iteration: iteration,
			Payload:   map[string]any{"usage": usage},
		}); err != nil {
			record(ec.Trail, audit.EventHookFailure, map[string]any{"point": string(hooks.AfterIteration), "error": err.Error()})
		}
	}
	if err := l.context.AfterIteration(); err != nil {
		if l.logger != nil {
			l.logger.Warn("post-iteration compaction failed", "run_id", ec.RunID, "error", err)
		}
	}
	if l.checkpoint != nil {
		if err := l.checkpoint(ctx); err != nil {
			if l.logger != nil {
				l.logger.Warn("checkpoint failed", "run_id", ec.RunID, "error", err)
			}
		}
	}
	record(ec.Trail, audit.EventIterationEnd, map[string]any{"iteration": iteration})
	l.emitter.Emit(models.StreamEvent{
		Type:  models.EventIterationComplete,
		Usage: &usage,
	})
}

// fail finalizes a failed run: state, partial text, error event, and the
// terminal response:complete.
func (l *Loop) fail(ec *ExecutionContext, runErr *RunError, partial *strings.Builder) error {
	runErr.PartialText = partial.String()
	if runErr.Kind == KindCancelled {
		ec.finish(StateCancelled)
	} else {
		ec.finish(StateFailed)
	}
	l.emitter.Emit(models.StreamEvent{
		Type:      models.EventError,
		ErrorKind: string(runErr.Kind),
		Message:   runErr.Error(),
	})
	l.emitter.Emit(models.StreamEvent{
		Type:   models.EventResponseComplete,
		Status: models.StatusFailed,
		Usage:  &ec.Metrics.Usage,
	})
	return runErr
}

// appendRefusedResults pairs every call in a refused batch with an error
// result.
func (l *Loop) appendRefusedResults(calls []models.ToolCall, message string) {
	blocks := make([]models.ToolResultBlock, len(calls))
	for i, call := range calls {
		blocks[i] = models.ToolResultBlock{
			ToolUseID: call.ID,
			Content:   message,
			IsError:   true,
		}
	}
	l.context.Append(models.NewToolResultItem(blocks))
}

// callProvider runs one completion. With an emitter attached it streams and
// forwards deltas; otherwise it uses the blocking path.
func (l *Loop) callProvider(ctx context.Context, req *providers.Request) (*providers.Response, error) {
	if l.emitter == nil {
		return l.provider.Generate(ctx, req)
	}
	events, err := l.provider.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	var resp *providers.Response
	for ev := range events {
		switch ev.Type {
		case providers.EventResponseCreated:
			l.emitter.Emit(models.StreamEvent{Type: models.EventResponseCreated, ItemID: ev.ItemID})
		case providers.EventTextDelta:
			l.emitter.Emit(models.StreamEvent{Type: models.EventTextDelta, ItemID: ev.ItemID, Index: ev.Index, Delta: ev.Delta})
		case providers.EventTextDone:
			l.emitter.Emit(models.StreamEvent{Type: models.EventTextDone, ItemID: ev.ItemID, Index: ev.Index})
		case providers.EventReasoningDelta:
			l.emitter.Emit(models.StreamEvent{Type: models.EventReasoningDelta, ItemID: ev.ItemID, Index: ev.Index, Delta: ev.Delta})
		case providers.EventReasoningDone:
			l.emitter.Emit(models.StreamEvent{Type: models.EventReasoningDone, ItemID: ev.ItemID, Index: ev.Index})
		case providers.EventToolCallStart:
			l.emitter.Emit(models.StreamEvent{Type: models.EventToolCallStart, ToolCallID: ev.ToolCallID, ToolName: ev.ToolName})
		case providers.EventToolArgsDelta:
			l.emitter.Emit(models.StreamEvent{Type: models.EventToolArgsDelta, ToolCallID: ev.ToolCallID, Delta: ev.Delta})
		case providers.EventToolArgsDone:
			l.emitter.Emit(models.StreamEvent{Type: models.EventToolArgsDone, ToolCallID: ev.ToolCallID, ToolName: ev.ToolName, Args: ev.Args})
		case providers.EventResponseComplete:
			resp = ev.Response
		case providers.EventError:
			return nil, ev.Err
		}
	}
	if resp == nil {
		return nil, providers.NewProviderError(l.provider.Name(), req.Model,
			fmt.Errorf("stream ended without a terminal event"))
	}
	return resp, nil
}

func isContextOverflow(err error) bool {
	return errors.Is(err, agentctx.ErrContextOverflow)
}

func firstError(results []models.ToolResult) models.ToolResult {
	for _, r := range results {
		if r.IsError {
			return r
		}
	}
	return models.ToolResult{}
}

func cancelMessage(ec *ExecutionContext) string {
	if reason := ec.CancelReason(); reason != "" {
		return "run cancelled: " + reason
	}
	return "run cancelled"
}

func record(trail *audit.Trail, eventType audit.EventType, payload map[string]any) {
	if trail == nil {
		return
	}
	trail.Record(eventType, payload)
}
