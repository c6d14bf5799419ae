package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	agentctx "github.com/haasonsaas/strand/internal/agent/context"
	"github.com/haasonsaas/strand/internal/audit"
	"github.com/haasonsaas/strand/internal/hooks"
	"github.com/haasonsaas/strand/internal/permissions"
	"github.com/haasonsaas/strand/internal/providers"
	"github.com/haasonsaas/strand/internal/tools"
	"github.com/haasonsaas/strand/pkg/models"
)

// fakeTurn scripts one provider response.
type fakeTurn struct {
	text  string
	calls []models.ToolUseBlock
	err   error
}

// fakeProvider replays scripted turns in order and records every request.
type fakeProvider struct {
	mu       sync.Mutex
	turns    []fakeTurn
	requests []*providers.Request
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) next(req *providers.Request) (fakeTurn, int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	idx := len(p.requests) - 1
	if idx >= len(p.turns) {
		return fakeTurn{}, idx, providers.NewProviderError("fake", req.Model, errors.New("script exhausted"))
	}
	return p.turns[idx], idx, nil
}

func (p *fakeProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func (p *fakeProvider) request(i int) *providers.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[i]
}

func (p *fakeProvider) response(turn fakeTurn, id string) *providers.Response {
	var blocks []models.ContentBlock
	if turn.text != "" {
		blocks = append(blocks, models.ContentBlock{Type: models.BlockOutputText, Text: turn.text})
	}
	for i := range turn.calls {
		call := turn.calls[i]
		blocks = append(blocks, models.ContentBlock{Type: models.BlockToolUse, ToolUse: &call})
	}
	return &providers.Response{
		ID:     id,
		Model:  "fake-model",
		Status: providers.StatusCompleted,
		Item: models.Item{
			Kind:    models.ItemMessage,
			Message: &models.MessageItem{Role: models.RoleAssistant, Blocks: blocks},
		},
		Usage: models.Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
	}
}

func (p *fakeProvider) Generate(ctx context.Context, req *providers.Request) (*providers.Response, error) {
	turn, idx, err := p.next(req)
	if err != nil {
		return nil, err
	}
	if turn.err != nil {
		return nil, turn.err
	}
	return p.response(turn, fmt.Sprintf("resp_%d", idx)), nil
}

func (p *fakeProvider) Stream(ctx context.Context, req *providers.Request) (<-chan providers.Event, error) {
	turn, idx, err := p.next(req)
	if err != nil {
		return nil, err
	}
	ch := make(chan providers.Event, 16)
	go func() {
		defer close(ch)
		if turn.err != nil {
			ch <- providers.Event{Type: providers.EventError, Err: turn.err}
			return
		}
		id := fmt.Sprintf("resp_%d", idx)
		ch <- providers.Event{Type: providers.EventResponseCreated, ItemID: id}
		if turn.text != "" {
			ch <- providers.Event{Type: providers.EventTextDelta, ItemID: id, Delta: turn.text}
			ch <- providers.Event{Type: providers.EventTextDone, ItemID: id}
		}
		for _, call := range turn.calls {
			ch <- providers.Event{Type: providers.EventToolCallStart, ToolCallID: call.ID, ToolName: call.Name}
			ch <- providers.Event{Type: providers.EventToolArgsDone, ToolCallID: call.ID, ToolName: call.Name, Args: string(call.Input)}
		}
		ch <- providers.Event{Type: providers.EventResponseComplete, Response: p.response(turn, id)}
	}()
	return ch, nil
}

// harness bundles the pieces a loop test needs.
type harness struct {
	provider *fakeProvider
	tools    *tools.Manager
	perms    *permissions.Manager
	hooks    *hooks.Manager
	context  *agentctx.Manager
	trail    *audit.Trail
	ec       *ExecutionContext
}

func newHarness(t *testing.T, turns []fakeTurn, permCfg permissions.Config) *harness {
	t.Helper()
	ctxMgr, err := agentctx.NewManager(agentctx.Config{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	trail := audit.NewTrail("run-test", nil)
	ctxMgr.SetTrail(trail)
	perms := permissions.NewManager(permCfg)
	return &harness{
		provider: &fakeProvider{turns: turns},
		tools:    tools.NewManager(tools.DefaultConfig(), perms, nil, nil),
		perms:    perms,
		hooks:    hooks.NewManager(hooks.FailureFail, nil),
		context:  ctxMgr,
		trail:    trail,
		ec:       NewExecutionContext("run-test", "", trail),
	}
}

func (h *harness) loop(config LoopConfig) *Loop {
	return NewLoop(h.provider, h.tools, h.hooks, h.context, config, nil, nil)
}

func toolUse(id, name, input string) models.ToolUseBlock {
	return models.ToolUseBlock{ID: id, Name: name, Input: json.RawMessage(input)}
}

func registerAddTool(t *testing.T, h *harness) {
	t.Helper()
	err := h.tools.Register(tools.Descriptor{
		Name:        "add",
		Description: "adds two numbers",
		Schema:      json.RawMessage(`{"type":"object","properties":{"a":{"type":"number"},"b":{"type":"number"}},"required":["a","b"]}`),
		Permission:  permissions.ToolPolicy{Scope: permissions.ScopeAlways},
	}, tools.ToolFunc(func(ctx context.Context, args json.RawMessage) (*tools.Output, error) {
		var in struct{ A, B float64 }
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, err
		}
		return &tools.Output{Content: fmt.Sprintf("%g", in.A+in.B)}, nil
	}))
	if err != nil {
		t.Fatal(err)
	}
}

func TestRunSingleShotCompletes(t *testing.T) {
	h := newHarness(t, []fakeTurn{{text: "Hello there."}}, permissions.Config{})
	h.context.Append(models.NewTextItem(models.RoleUser, "Say hello"))

	result, err := h.loop(DefaultLoopConfig()).Run(context.Background(), h.ec)
	if err != nil {
		t.Fatal(err)
	}
	if result.Text != "Hello there." {
		t.Errorf("text = %q", result.Text)
	}
	if result.Iterations != 1 {
		t.Errorf("iterations = %d, want 1", result.Iterations)
	}
	if h.ec.State() != StateComplete {
		t.Errorf("state = %s, want complete", h.ec.State())
	}
	if result.Metrics.LLMCalls != 1 || result.Metrics.ToolCalls != 0 {
		t.Errorf("metrics = %+v", result.Metrics)
	}
	if got := h.trail.CountByType(audit.EventProviderResponse); got != 1 {
		t.Errorf("provider:response events = %d, want 1", got)
	}
}

func TestRunExecutesToolsAndContinues(t *testing.T) {
	h := newHarness(t, []fakeTurn{
		{calls: []models.ToolUseBlock{toolUse("call_1", "add", `{"a":2,"b":3}`)}},
		{text: "The sum is 5."},
	}, permissions.Config{})
	registerAddTool(t, h)
	h.context.Append(models.NewTextItem(models.RoleUser, "What is 2+3?"))

	result, err := h.loop(DefaultLoopConfig()).Run(context.Background(), h.ec)
	if err != nil {
		t.Fatal(err)
	}
	if result.Text != "The sum is 5." {
		t.Errorf("text = %q", result.Text)
	}
	if result.Iterations != 2 {
		t.Errorf("iterations = %d, want 2", result.Iterations)
	}
	if result.Metrics.ToolCalls != 1 || result.Metrics.ToolErrors != 0 {
		t.Errorf("metrics = %+v", result.Metrics)
	}

	// Conversation shape: user, assistant(tool_use), user(tool_result),
	// assistant(text).
	items := h.context.Items()
	if len(items) != 4 {
		t.Fatalf("items = %d, want 4", len(items))
	}
	results := items[2].ToolResults()
	if len(results) != 1 || results[0].ToolUseID != "call_1" || results[0].Content != "5" {
		t.Errorf("tool results = %+v", results)
	}
	if len(models.UnpairedToolUses(items)) != 0 {
		t.Error("conversation has unpaired tool uses")
	}

	// The second request must include the tool result.
	second := h.provider.request(1)
	if len(second.Items) < 3 {
		t.Errorf("second request items = %d, want >= 3", len(second.Items))
	}
}

func TestRunBatchResultsInCallOrder(t *testing.T) {
	h := newHarness(t, []fakeTurn{
		{calls: []models.ToolUseBlock{
			toolUse("call_a", "echo", `{"value":"a","delay_ms":80}`),
			toolUse("call_b", "echo", `{"value":"b","delay_ms":5}`),
			toolUse("call_c", "echo", `{"value":"c","delay_ms":40}`),
		}},
		{text: "done"},
	}, permissions.Config{Allowlist: []string{"echo"}})
	err := h.tools.Register(tools.Descriptor{Name: "echo"}, tools.ToolFunc(
		func(ctx context.Context, args json.RawMessage) (*tools.Output, error) {
			var in struct {
				Value   string `json:"value"`
				DelayMS int    `json:"delay_ms"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, err
			}
			time.Sleep(time.Duration(in.DelayMS) * time.Millisecond)
			return &tools.Output{Content: in.Value}, nil
		}))
	if err != nil {
		t.Fatal(err)
	}
	h.context.Append(models.NewTextItem(models.RoleUser, "echo three things"))

	if _, err := h.loop(DefaultLoopConfig()).Run(context.Background(), h.ec); err != nil {
		t.Fatal(err)
	}

	results := h.context.Items()[2].ToolResults()
	if len(results) != 3 {
		t.Fatalf("results = %d, want 3", len(results))
	}
	want := []string{"call_a", "call_b", "call_c"}
	for i, r := range results {
		if r.ToolUseID != want[i] {
			t.Errorf("result[%d] = %s, want %s (call order, not completion order)", i, r.ToolUseID, want[i])
		}
	}
}

func TestRunIterationLimitWithoutExtraProviderCall(t *testing.T) {
	// Every turn asks for another tool call; the budget is two iterations.
	turns := make([]fakeTurn, 5)
	for i := range turns {
		turns[i] = fakeTurn{calls: []models.ToolUseBlock{toolUse(fmt.Sprintf("call_%d", i), "add", `{"a":1,"b":1}`)}}
	}
	h := newHarness(t, turns, permissions.Config{})
	registerAddTool(t, h)
	h.context.Append(models.NewTextItem(models.RoleUser, "loop forever"))

	config := DefaultLoopConfig()
	config.MaxIterations = 2
	_, err := h.loop(config).Run(context.Background(), h.ec)

	re, ok := AsRunError(err)
	if !ok || re.Kind != KindIterationLimitExceeded {
		t.Fatalf("err = %v, want iteration_limit_exceeded", err)
	}
	if got := h.provider.calls(); got != 2 {
		t.Errorf("provider calls = %d, want 2 (no call after the limit)", got)
	}
	if h.ec.State() != StateFailed {
		t.Errorf("state = %s, want failed", h.ec.State())
	}
	if len(models.UnpairedToolUses(h.context.Items())) != 0 {
		t.Error("conversation has unpaired tool uses")
	}
}

func TestRunToolBudgetRefusesBatchWithPairedErrors(t *testing.T) {
	h := newHarness(t, []fakeTurn{
		{calls: []models.ToolUseBlock{
			toolUse("call_1", "add", `{"a":1,"b":1}`),
			toolUse("call_2", "add", `{"a":2,"b":2}`),
		}},
	}, permissions.Config{})
	registerAddTool(t, h)
	h.context.Append(models.NewTextItem(models.RoleUser, "add twice"))

	config := DefaultLoopConfig()
	config.MaxToolCalls = 1
	_, err := h.loop(config).Run(context.Background(), h.ec)

	re, ok := AsRunError(err)
	if !ok || re.Kind != KindRateLimitExceeded {
		t.Fatalf("err = %v, want rate_limit_exceeded", err)
	}
	items := h.context.Items()
	results := items[len(items)-1].ToolResults()
	if len(results) != 2 {
		t.Fatalf("refused batch results = %d, want 2", len(results))
	}
	for _, r := range results {
		if !r.IsError {
			t.Errorf("result %s should be an error", r.ToolUseID)
		}
	}
	if got := h.trail.CountByType(audit.EventToolStart); got != 0 {
		t.Errorf("tools executed = %d, want 0", got)
	}
}

func TestRunBlockedToolFeedsErrorBackAndCompletes(t *testing.T) {
	h := newHarness(t, []fakeTurn{
		{calls: []models.ToolUseBlock{toolUse("call_1", "danger", `{}`)}},
		{text: "I could not use that tool."},
	}, permissions.Config{Blocklist: []string{"danger"}})
	err := h.tools.Register(tools.Descriptor{Name: "danger"}, tools.ToolFunc(
		func(ctx context.Context, args json.RawMessage) (*tools.Output, error) {
			t.Error("blocked tool must not execute")
			return &tools.Output{}, nil
		}))
	if err != nil {
		t.Fatal(err)
	}
	h.context.Append(models.NewTextItem(models.RoleUser, "do something dangerous"))

	result, runErr := h.loop(DefaultLoopConfig()).Run(context.Background(), h.ec)
	if runErr != nil {
		t.Fatalf("a blocked tool should not fail the run: %v", runErr)
	}
	if result.Text != "I could not use that tool." {
		t.Errorf("text = %q", result.Text)
	}
	if got := h.trail.CountByType(audit.EventToolDenied); got != 1 {
		t.Errorf("tool:denied events = %d, want 1", got)
	}
	if result.Metrics.ToolErrors != 1 {
		t.Errorf("tool errors = %d, want 1", result.Metrics.ToolErrors)
	}
	results := h.context.Items()[2].ToolResults()
	if len(results) != 1 || !results[0].IsError {
		t.Errorf("blocked call result = %+v", results)
	}
}

func TestRunToolFailureFailModeAborts(t *testing.T) {
	h := newHarness(t, []fakeTurn{
		{calls: []models.ToolUseBlock{toolUse("call_1", "broken", `{}`)}},
		{text: "never reached"},
	}, permissions.Config{Allowlist: []string{"broken"}})
	err := h.tools.Register(tools.Descriptor{Name: "broken"}, tools.ToolFunc(
		func(ctx context.Context, args json.RawMessage) (*tools.Output, error) {
			return nil, errors.New("disk on fire")
		}))
	if err != nil {
		t.Fatal(err)
	}
	h.context.Append(models.NewTextItem(models.RoleUser, "break"))

	config := DefaultLoopConfig()
	config.ToolFailureMode = ToolFailureFail
	_, runErr := h.loop(config).Run(context.Background(), h.ec)

	re, ok := AsRunError(runErr)
	if !ok || re.Kind != KindToolExecutionError {
		t.Fatalf("err = %v, want tool_execution_error", runErr)
	}
	if !strings.Contains(re.Message, "disk on fire") {
		t.Errorf("message = %q, want the tool error", re.Message)
	}
	if got := h.provider.calls(); got != 1 {
		t.Errorf("provider calls = %d, want 1", got)
	}
}

func TestRunToolFailureFailModeCarriesKind(t *testing.T) {
	h := newHarness(t, []fakeTurn{
		{calls: []models.ToolUseBlock{toolUse("call_1", "glacial", `{}`)}},
	}, permissions.Config{Allowlist: []string{"glacial"}})
	err := h.tools.Register(tools.Descriptor{Name: "glacial", Timeout: 10 * time.Millisecond}, tools.ToolFunc(
		func(ctx context.Context, args json.RawMessage) (*tools.Output, error) {
			select {
			case <-time.After(time.Second):
				return &tools.Output{Content: "late"}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}))
	if err != nil {
		t.Fatal(err)
	}
	h.context.Append(models.NewTextItem(models.RoleUser, "go"))

	config := DefaultLoopConfig()
	config.ToolFailureMode = ToolFailureFail
	_, runErr := h.loop(config).Run(context.Background(), h.ec)

	re, ok := AsRunError(runErr)
	if !ok || re.Kind != KindToolTimeout {
		t.Fatalf("err = %v, want tool_timeout", runErr)
	}
}

func TestRunConsecutiveErrorIterationsBounded(t *testing.T) {
	turns := make([]fakeTurn, 6)
	for i := range turns {
		turns[i] = fakeTurn{calls: []models.ToolUseBlock{toolUse(fmt.Sprintf("call_%d", i), "broken", `{}`)}}
	}
	h := newHarness(t, turns, permissions.Config{Allowlist: []string{"broken"}})
	err := h.tools.Register(tools.Descriptor{Name: "broken"}, tools.ToolFunc(
		func(ctx context.Context, args json.RawMessage) (*tools.Output, error) {
			return nil, errors.New("still broken")
		}))
	if err != nil {
		t.Fatal(err)
	}
	h.context.Append(models.NewTextItem(models.RoleUser, "keep trying"))

	config := DefaultLoopConfig()
	config.MaxConsecutiveErrors = 2
	_, runErr := h.loop(config).Run(context.Background(), h.ec)

	re, ok := AsRunError(runErr)
	if !ok || re.Kind != KindToolExecutionError {
		t.Fatalf("err = %v, want tool_execution_error", runErr)
	}
	if got := h.provider.calls(); got != 2 {
		t.Errorf("provider calls = %d, want 2", got)
	}
}

func TestRunProviderAuthFailsImmediately(t *testing.T) {
	h := newHarness(t, []fakeTurn{
		{err: &providers.ProviderError{Reason: providers.ReasonAuth, Provider: "fake", Message: "invalid api key"}},
	}, permissions.Config{})
	h.context.Append(models.NewTextItem(models.RoleUser, "hello"))

	_, err := h.loop(DefaultLoopConfig()).Run(context.Background(), h.ec)
	re, ok := AsRunError(err)
	if !ok || re.Kind != KindProviderAuth {
		t.Fatalf("err = %v, want provider_auth", err)
	}
	if got := h.provider.calls(); got != 1 {
		t.Errorf("provider calls = %d, want 1", got)
	}
	if got := h.trail.CountByType(audit.EventProviderError); got != 1 {
		t.Errorf("provider:error events = %d, want 1", got)
	}
}

func TestRunPartialTextSurvivesFailure(t *testing.T) {
	h := newHarness(t, []fakeTurn{
		{text: "Working on it. ", calls: []models.ToolUseBlock{toolUse("call_1", "add", `{"a":1,"b":1}`)}},
		{err: &providers.ProviderError{Reason: providers.ReasonServer, Provider: "fake", Message: "overloaded"}},
	}, permissions.Config{})
	registerAddTool(t, h)
	h.context.Append(models.NewTextItem(models.RoleUser, "compute"))

	_, err := h.loop(DefaultLoopConfig()).Run(context.Background(), h.ec)
	re, ok := AsRunError(err)
	if !ok || re.Kind != KindProviderServer {
		t.Fatalf("err = %v, want provider_server", err)
	}
	if re.PartialText != "Working on it. " {
		t.Errorf("partial text = %q", re.PartialText)
	}
	if re.Iteration != 2 {
		t.Errorf("iteration = %d, want 2", re.Iteration)
	}
}

func TestBeforeIterationHookMutatesWorkingCopyOnly(t *testing.T) {
	h := newHarness(t, []fakeTurn{
		{calls: []models.ToolUseBlock{toolUse("call_1", "add", `{"a":1,"b":1}`)}},
		{text: "done"},
	}, permissions.Config{})
	registerAddTool(t, h)
	h.context.Append(models.NewTextItem(models.RoleUser, "compute"))

	brief := "Answer in one word."
	hot := 0.9
	h.hooks.Register(hooks.BeforeIteration, func(ctx context.Context, event *hooks.Event) (*hooks.Mutation, error) {
		if event.Iteration == 1 {
			return &hooks.Mutation{Instructions: &brief, Temperature: &hot}, nil
		}
		return nil, nil
	})

	config := DefaultLoopConfig()
	config.Instructions = "You are a calculator."
	if _, err := h.loop(config).Run(context.Background(), h.ec); err != nil {
		t.Fatal(err)
	}

	first := h.provider.request(0)
	if first.System != brief {
		t.Errorf("first system = %q, want the hook override", first.System)
	}
	if first.Temperature == nil || *first.Temperature != hot {
		t.Errorf("first temperature = %v, want 0.9", first.Temperature)
	}
	second := h.provider.request(1)
	if second.System != "You are a calculator." {
		t.Errorf("second system = %q, want the base instructions back", second.System)
	}
	if second.Temperature != nil {
		t.Errorf("second temperature = %v, want nil", second.Temperature)
	}
}

func TestBeforeIterationHookFailureFailsRun(t *testing.T) {
	h := newHarness(t, []fakeTurn{{text: "never"}}, permissions.Config{})
	h.context.Append(models.NewTextItem(models.RoleUser, "hello"))
	h.hooks.Register(hooks.BeforeIteration, func(ctx context.Context, event *hooks.Event) (*hooks.Mutation, error) {
		return nil, errors.New("policy veto")
	})

	_, err := h.loop(DefaultLoopConfig()).Run(context.Background(), h.ec)
	re, ok := AsRunError(err)
	if !ok || re.Kind != KindHookFailure {
		t.Fatalf("err = %v, want hook_failure", err)
	}
	if got := h.provider.calls(); got != 0 {
		t.Errorf("provider calls = %d, want 0", got)
	}
}

func TestRunMaxExecutionBudget(t *testing.T) {
	h := newHarness(t, []fakeTurn{
		{calls: []models.ToolUseBlock{toolUse("call_1", "slow", `{}`)}},
		{text: "never reached"},
	}, permissions.Config{Allowlist: []string{"slow"}})
	err := h.tools.Register(tools.Descriptor{Name: "slow"}, tools.ToolFunc(
		func(ctx context.Context, args json.RawMessage) (*tools.Output, error) {
			time.Sleep(60 * time.Millisecond)
			return &tools.Output{Content: "ok"}, nil
		}))
	if err != nil {
		t.Fatal(err)
	}
	h.context.Append(models.NewTextItem(models.RoleUser, "slow walk"))

	config := DefaultLoopConfig()
	config.MaxExecution = 30 * time.Millisecond
	_, runErr := h.loop(config).Run(context.Background(), h.ec)

	re, ok := AsRunError(runErr)
	if !ok || re.Kind != KindExecutionTimeout {
		t.Fatalf("err = %v, want execution_timeout", runErr)
	}
	if got := h.provider.calls(); got != 1 {
		t.Errorf("provider calls = %d, want 1", got)
	}
}

func TestRunDeterministicReplay(t *testing.T) {
	run := func() (*models.RunResult, []models.Item) {
		h := newHarness(t, []fakeTurn{
			{calls: []models.ToolUseBlock{toolUse("call_1", "add", `{"a":4,"b":4}`)}},
			{text: "8"},
		}, permissions.Config{})
		registerAddTool(t, h)
		h.context.Append(models.NewTextItem(models.RoleUser, "4+4"))
		result, err := h.loop(DefaultLoopConfig()).Run(context.Background(), h.ec)
		if err != nil {
			t.Fatal(err)
		}
		return result, h.context.Items()
	}

	r1, items1 := run()
	r2, items2 := run()
	if r1.Text != r2.Text || r1.Iterations != r2.Iterations {
		t.Errorf("replay diverged: %+v vs %+v", r1, r2)
	}
	if len(items1) != len(items2) {
		t.Fatalf("conversation lengths diverged: %d vs %d", len(items1), len(items2))
	}
	for i := range items1 {
		if items1[i].TextContent() != items2[i].TextContent() {
			t.Errorf("item %d diverged", i)
		}
	}
}
