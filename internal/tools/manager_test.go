package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haasonsaas/strand/internal/audit"
	"github.com/haasonsaas/strand/internal/hooks"
	"github.com/haasonsaas/strand/internal/permissions"
	"github.com/haasonsaas/strand/pkg/models"
)

func newTestManager(t *testing.T, config Config) *Manager {
	t.Helper()
	perms := permissions.NewManager(permissions.Config{DefaultScope: permissions.ScopeAlways})
	return NewManager(config, perms, nil, nil)
}

func echoTool() Tool {
	return ToolFunc(func(ctx context.Context, args json.RawMessage) (*Output, error) {
		return &Output{Content: string(args)}, nil
	})
}

func call(id, name, args string) models.ToolCall {
	return models.ToolCall{ID: id, Name: name, Input: json.RawMessage(args)}
}

func TestExecuteUnknownTool(t *testing.T) {
	m := newTestManager(t, DefaultConfig())
	res := m.Execute(context.Background(), call("c1", "missing", `{}`), ExecOptions{})
	if !res.IsError {
		t.Fatal("expected error result")
	}
	if !strings.Contains(res.Content, string(KindNotFound)) {
		t.Errorf("content = %q, want kind %s", res.Content, KindNotFound)
	}
	if res.ToolCallID != "c1" {
		t.Errorf("tool_call_id = %q", res.ToolCallID)
	}
}

func TestSchemaValidation(t *testing.T) {
	m := newTestManager(t, DefaultConfig())
	schema := json.RawMessage(`{
		"type": "object",
		"properties": {"url": {"type": "string"}},
		"required": ["url"]
	}`)
	if err := m.Register(Descriptor{Name: "fetch", Schema: schema}, echoTool()); err != nil {
		t.Fatal(err)
	}

	res := m.Execute(context.Background(), call("c1", "fetch", `{"count":2}`), ExecOptions{})
	if !res.IsError {
		t.Fatal("invalid arguments accepted")
	}
	if !strings.Contains(res.Content, string(KindInvalidArguments)) {
		t.Errorf("content = %q", res.Content)
	}

	res = m.Execute(context.Background(), call("c2", "fetch", `{"url":"https://example.com"}`), ExecOptions{})
	if res.IsError {
		t.Fatalf("valid arguments rejected: %s", res.Content)
	}
}

func TestRegisterRejectsBadSchema(t *testing.T) {
	m := newTestManager(t, DefaultConfig())
	err := m.Register(Descriptor{Name: "bad", Schema: json.RawMessage(`{"type": 42}`)}, echoTool())
	if err == nil {
		t.Fatal("malformed schema accepted at registration")
	}
}

func TestIdempotentToolExecutesOnce(t *testing.T) {
	m := newTestManager(t, DefaultConfig())
	var executions int32
	tool := ToolFunc(func(ctx context.Context, args json.RawMessage) (*Output, error) {
		atomic.AddInt32(&executions, 1)
		return &Output{Content: "ok"}, nil
	})
	if err := m.Register(Descriptor{
		Name:        "lookup",
		Idempotency: IdempotencySpec{Safe: true, TTL: time.Minute},
	}, tool); err != nil {
		t.Fatal(err)
	}

	trail := audit.NewTrail("run-1", nil)
	opts := ExecOptions{Trail: trail}

	// Same fingerprint despite different key order and whitespace.
	first := m.Execute(context.Background(), call("c1", "lookup", `{"a":1,"b":2}`), opts)
	second := m.Execute(context.Background(), call("c2", "lookup", `{ "b": 2, "a": 1 }`), opts)

	if first.IsError || second.IsError {
		t.Fatalf("results: %+v %+v", first, second)
	}
	if got := atomic.LoadInt32(&executions); got != 1 {
		t.Errorf("tool executed %d times, want 1", got)
	}
	if second.ToolCallID != "c2" {
		t.Errorf("cached result kept stale tool_call_id %q", second.ToolCallID)
	}
	if trail.CountByType(audit.EventToolCached) != 1 {
		t.Error("missing cache-hit audit event")
	}
}

func TestUnsafeToolNeverCached(t *testing.T) {
	m := newTestManager(t, DefaultConfig())
	var executions int32
	tool := ToolFunc(func(ctx context.Context, args json.RawMessage) (*Output, error) {
		atomic.AddInt32(&executions, 1)
		return &Output{Content: "done"}, nil
	})
	if err := m.Register(Descriptor{Name: "send"}, tool); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		m.Execute(context.Background(), call(fmt.Sprintf("c%d", i), "send", `{}`), ExecOptions{})
	}
	if got := atomic.LoadInt32(&executions); got != 3 {
		t.Errorf("tool executed %d times, want 3", got)
	}
}

func TestErrorResultsNotCached(t *testing.T) {
	m := newTestManager(t, DefaultConfig())
	var executions int32
	tool := ToolFunc(func(ctx context.Context, args json.RawMessage) (*Output, error) {
		n := atomic.AddInt32(&executions, 1)
		if n == 1 {
			return nil, errors.New("transient")
		}
		return &Output{Content: "recovered"}, nil
	})
	if err := m.Register(Descriptor{
		Name:        "flaky",
		Idempotency: IdempotencySpec{Safe: true},
	}, tool); err != nil {
		t.Fatal(err)
	}

	first := m.Execute(context.Background(), call("c1", "flaky", `{}`), ExecOptions{})
	if !first.IsError {
		t.Fatal("first call should fail")
	}
	second := m.Execute(context.Background(), call("c2", "flaky", `{}`), ExecOptions{})
	if second.IsError {
		t.Fatal("error result was cached")
	}
}

func TestTimeout(t *testing.T) {
	m := newTestManager(t, DefaultConfig())
	tool := ToolFunc(func(ctx context.Context, args json.RawMessage) (*Output, error) {
		select {
		case <-time.After(time.Second):
			return &Output{Content: "late"}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	if err := m.Register(Descriptor{Name: "slow", Timeout: 10 * time.Millisecond}, tool); err != nil {
		t.Fatal(err)
	}

	trail := audit.NewTrail("run-1", nil)
	res := m.Execute(context.Background(), call("c1", "slow", `{}`), ExecOptions{Trail: trail})
	if !res.IsError {
		t.Fatal("expected timeout error result")
	}
	if !strings.Contains(res.Content, string(KindTimeout)) {
		t.Errorf("content = %q", res.Content)
	}
	if trail.CountByType(audit.EventToolTimeout) != 1 {
		t.Error("missing tool:timeout audit event")
	}
}

func TestPanicRecovered(t *testing.T) {
	m := newTestManager(t, DefaultConfig())
	tool := ToolFunc(func(ctx context.Context, args json.RawMessage) (*Output, error) {
		panic("boom")
	})
	if err := m.Register(Descriptor{Name: "panics"}, tool); err != nil {
		t.Fatal(err)
	}
	res := m.Execute(context.Background(), call("c1", "panics", `{}`), ExecOptions{})
	if !res.IsError || !strings.Contains(res.Content, string(KindPanic)) {
		t.Errorf("result = %+v", res)
	}
}

func TestRetryPolicy(t *testing.T) {
	m := newTestManager(t, DefaultConfig())
	var attempts int32
	tool := ToolFunc(func(ctx context.Context, args json.RawMessage) (*Output, error) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			return nil, errors.New("transient")
		}
		return &Output{Content: "ok"}, nil
	})
	if err := m.Register(Descriptor{
		Name: "retryable",
		Retry: RetrySpec{
			MaxAttempts: 3,
			RetryOn:     []ErrorKind{KindExecution},
		},
	}, tool); err != nil {
		t.Fatal(err)
	}

	res := m.Execute(context.Background(), call("c1", "retryable", `{}`), ExecOptions{})
	if res.IsError {
		t.Fatalf("result = %+v", res)
	}
	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
}

func TestRetryNeverOnPermanentKinds(t *testing.T) {
	m := newTestManager(t, DefaultConfig())
	var attempts int32
	tool := ToolFunc(func(ctx context.Context, args json.RawMessage) (*Output, error) {
		atomic.AddInt32(&attempts, 1)
		return nil, &Error{Kind: KindInvalidArguments, Message: "bad input"}
	})
	if err := m.Register(Descriptor{
		Name: "strict",
		Retry: RetrySpec{
			MaxAttempts: 5,
			RetryOn:     []ErrorKind{KindInvalidArguments, KindExecution},
		},
	}, tool); err != nil {
		t.Fatal(err)
	}

	m.Execute(context.Background(), call("c1", "strict", `{}`), ExecOptions{})
	if got := atomic.LoadInt32(&attempts); got != 1 {
		t.Errorf("permanent error retried: attempts = %d", got)
	}
}

func TestBreakerFailsFastAfterRepeatedErrors(t *testing.T) {
	config := DefaultConfig()
	config.Breaker = BreakerConfig{FailureThreshold: 2, InitialCooldown: time.Hour}
	m := newTestManager(t, config)

	var executions int32
	tool := ToolFunc(func(ctx context.Context, args json.RawMessage) (*Output, error) {
		atomic.AddInt32(&executions, 1)
		return nil, errors.New("down")
	})
	if err := m.Register(Descriptor{Name: "broken"}, tool); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		m.Execute(context.Background(), call(fmt.Sprintf("c%d", i), "broken", `{}`), ExecOptions{})
	}
	res := m.Execute(context.Background(), call("c3", "broken", `{}`), ExecOptions{})
	if !strings.Contains(res.Content, string(KindCircuitOpen)) {
		t.Errorf("content = %q, want circuit open", res.Content)
	}
	if got := atomic.LoadInt32(&executions); got != 2 {
		t.Errorf("tool ran %d times after breaker opened, want 2", got)
	}
	if state, _ := m.BreakerState("broken"); state != BreakerOpen {
		t.Errorf("breaker state = %s", state)
	}
}

func TestRetriesExhaustBeforeBreakerCounts(t *testing.T) {
	config := DefaultConfig()
	config.Breaker = BreakerConfig{FailureThreshold: 2, InitialCooldown: time.Hour}
	m := newTestManager(t, config)

	tool := ToolFunc(func(ctx context.Context, args json.RawMessage) (*Output, error) {
		return nil, errors.New("down")
	})
	if err := m.Register(Descriptor{
		Name:  "retried",
		Retry: RetrySpec{MaxAttempts: 3, RetryOn: []ErrorKind{KindExecution}},
	}, tool); err != nil {
		t.Fatal(err)
	}

	// Three failed attempts inside one call are one breaker failure.
	m.Execute(context.Background(), call("c1", "retried", `{}`), ExecOptions{})
	if state, _ := m.BreakerState("retried"); state != BreakerClosed {
		t.Errorf("breaker state after one call = %s, want closed", state)
	}
	m.Execute(context.Background(), call("c2", "retried", `{}`), ExecOptions{})
	if state, _ := m.BreakerState("retried"); state != BreakerOpen {
		t.Errorf("breaker state after two calls = %s, want open", state)
	}
}

func TestExecuteBatchPreservesOrder(t *testing.T) {
	m := newTestManager(t, DefaultConfig())
	tool := ToolFunc(func(ctx context.Context, args json.RawMessage) (*Output, error) {
		var v struct {
			Delay int    `json:"delay_ms"`
			Tag   string `json:"tag"`
		}
		if err := json.Unmarshal(args, &v); err != nil {
			return nil, err
		}
		time.Sleep(time.Duration(v.Delay) * time.Millisecond)
		return &Output{Content: v.Tag}, nil
	})
	if err := m.Register(Descriptor{Name: "tagged"}, tool); err != nil {
		t.Fatal(err)
	}

	calls := []models.ToolCall{
		call("c1", "tagged", `{"delay_ms":30,"tag":"first"}`),
		call("c2", "tagged", `{"delay_ms":1,"tag":"second"}`),
		call("c3", "tagged", `{"delay_ms":10,"tag":"third"}`),
	}
	results := m.ExecuteBatch(context.Background(), calls, ExecOptions{})
	want := []string{"first", "second", "third"}
	for i, w := range want {
		if results[i].Content != w {
			t.Errorf("results[%d] = %q, want %q", i, results[i].Content, w)
		}
		if results[i].ToolCallID != calls[i].ID {
			t.Errorf("results[%d].ToolCallID = %q", i, results[i].ToolCallID)
		}
	}
}

func TestBlockedToolDenied(t *testing.T) {
	perms := permissions.NewManager(permissions.Config{
		DefaultScope: permissions.ScopeAlways,
		Blocklist:    []string{"rm_rf"},
	})
	m := NewManager(DefaultConfig(), perms, nil, nil)
	var executions int32
	tool := ToolFunc(func(ctx context.Context, args json.RawMessage) (*Output, error) {
		atomic.AddInt32(&executions, 1)
		return &Output{}, nil
	})
	if err := m.Register(Descriptor{Name: "rm_rf"}, tool); err != nil {
		t.Fatal(err)
	}

	trail := audit.NewTrail("run-1", nil)
	res := m.Execute(context.Background(), call("c1", "rm_rf", `{}`), ExecOptions{Trail: trail})
	if !res.IsError || !strings.Contains(res.Content, string(KindBlocked)) {
		t.Errorf("result = %+v", res)
	}
	if atomic.LoadInt32(&executions) != 0 {
		t.Error("blocked tool executed")
	}
	if trail.CountByType(audit.EventToolDenied) != 1 {
		t.Error("missing tool:denied audit event")
	}
}

func TestDisabledTool(t *testing.T) {
	m := newTestManager(t, DefaultConfig())
	if err := m.Register(Descriptor{Name: "maintenance"}, echoTool()); err != nil {
		t.Fatal(err)
	}
	m.SetDisabled("maintenance", true)

	res := m.Execute(context.Background(), call("c1", "maintenance", `{}`), ExecOptions{})
	if !res.IsError || !strings.Contains(res.Content, string(KindDisabled)) {
		t.Errorf("result = %+v", res)
	}
	for _, def := range m.Definitions() {
		if def.Name == "maintenance" {
			t.Error("disabled tool listed in definitions")
		}
	}
}

func TestDefinitionsSorted(t *testing.T) {
	m := newTestManager(t, DefaultConfig())
	for _, name := range []string{"zeta", "alpha", "mid"} {
		if err := m.Register(Descriptor{Name: name, Description: name}, echoTool()); err != nil {
			t.Fatal(err)
		}
	}
	defs := m.Definitions()
	want := []string{"alpha", "mid", "zeta"}
	for i, w := range want {
		if defs[i].Name != w {
			t.Errorf("defs[%d] = %q, want %q", i, defs[i].Name, w)
		}
	}
}

func TestFingerprintCanonicalization(t *testing.T) {
	a := Fingerprint("t", json.RawMessage(`{"x":1,"y":[1,2]}`))
	b := Fingerprint("t", json.RawMessage(`{ "y": [1, 2], "x": 1 }`))
	if a != b {
		t.Error("equivalent arguments produced different fingerprints")
	}
	c := Fingerprint("t", json.RawMessage(`{"x":2,"y":[1,2]}`))
	if a == c {
		t.Error("different arguments produced the same fingerprint")
	}
	d := Fingerprint("other", json.RawMessage(`{"x":1,"y":[1,2]}`))
	if a == d {
		t.Error("different tool names produced the same fingerprint")
	}
}

func TestTTLOnlyToolCached(t *testing.T) {
	m := newTestManager(t, DefaultConfig())
	var executions int32
	tool := ToolFunc(func(ctx context.Context, args json.RawMessage) (*Output, error) {
		atomic.AddInt32(&executions, 1)
		return &Output{Content: "cached"}, nil
	})
	// Not declared safe, but the explicit TTL opts into fingerprinting.
	if err := m.Register(Descriptor{
		Name:        "quote",
		Idempotency: IdempotencySpec{TTL: time.Minute},
	}, tool); err != nil {
		t.Fatal(err)
	}

	trail := audit.NewTrail("run-1", nil)
	opts := ExecOptions{Trail: trail}
	first := m.Execute(context.Background(), call("c1", "quote", `{"sym":"ACME"}`), opts)
	second := m.Execute(context.Background(), call("c2", "quote", `{"sym":"ACME"}`), opts)

	if first.IsError || second.IsError {
		t.Fatalf("results: %+v %+v", first, second)
	}
	if got := atomic.LoadInt32(&executions); got != 1 {
		t.Errorf("tool executed %d times, want 1", got)
	}
	if trail.CountByType(audit.EventToolCached) != 1 {
		t.Error("missing cache-hit audit event")
	}
}

func TestApproveToolHookFires(t *testing.T) {
	m := newTestManager(t, DefaultConfig())
	if err := m.Register(Descriptor{Name: "echo"}, echoTool()); err != nil {
		t.Fatal(err)
	}

	var fired int32
	hm := hooks.NewManager(hooks.FailureFail, nil)
	hm.Register(hooks.ApproveTool, func(ctx context.Context, ev *hooks.Event) (*hooks.Mutation, error) {
		atomic.AddInt32(&fired, 1)
		if ev.ToolName != "echo" || ev.ToolCallID != "c1" {
			t.Errorf("event = %+v", ev)
		}
		return nil, nil
	})

	res := m.Execute(context.Background(), call("c1", "echo", `{"x":1}`), ExecOptions{Hooks: hm})
	if res.IsError {
		t.Fatalf("result: %s", res.Content)
	}
	if atomic.LoadInt32(&fired) != 1 {
		t.Errorf("approval hook fired %d times, want 1", fired)
	}
}

func TestApproveToolHookVetoDeniesCall(t *testing.T) {
	m := newTestManager(t, DefaultConfig())
	var executions int32
	tool := ToolFunc(func(ctx context.Context, args json.RawMessage) (*Output, error) {
		atomic.AddInt32(&executions, 1)
		return &Output{Content: "ok"}, nil
	})
	if err := m.Register(Descriptor{Name: "send"}, tool); err != nil {
		t.Fatal(err)
	}

	hm := hooks.NewManager(hooks.FailureFail, nil)
	hm.Register(hooks.ApproveTool, func(ctx context.Context, ev *hooks.Event) (*hooks.Mutation, error) {
		return nil, errors.New("sends are frozen during the incident")
	})

	trail := audit.NewTrail("run-1", nil)
	res := m.Execute(context.Background(), call("c1", "send", `{}`), ExecOptions{Hooks: hm, Trail: trail})
	if !res.IsError {
		t.Fatal("vetoed call executed")
	}
	if !strings.Contains(res.Content, string(KindApprovalDenied)) {
		t.Errorf("content = %q", res.Content)
	}
	if atomic.LoadInt32(&executions) != 0 {
		t.Error("tool ran despite veto")
	}
	if trail.CountByType(audit.EventToolDenied) != 1 {
		t.Error("missing tool:denied audit event")
	}
}
