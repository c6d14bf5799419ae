package hooks

import (
	"context"
	"errors"
	"testing"
)

func strPtr(s string) *string { return &s }

func TestRunMergesInOrder(t *testing.T) {
	m := NewManager(FailureWarn, nil)
	m.Register(BeforeIteration, func(ctx context.Context, e *Event) (*Mutation, error) {
		return &Mutation{Instructions: strPtr("first")}, nil
	})
	m.Register(BeforeIteration, func(ctx context.Context, e *Event) (*Mutation, error) {
		return &Mutation{Instructions: strPtr("second")}, nil
	})

	mut, err := m.Run(context.Background(), &Event{Point: BeforeIteration})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if mut.Instructions == nil || *mut.Instructions != "second" {
		t.Errorf("later hook should win, got %v", mut.Instructions)
	}
}

func TestFailureModes(t *testing.T) {
	failing := func(ctx context.Context, e *Event) (*Mutation, error) {
		return &Mutation{Instructions: strPtr("bad")}, errors.New("boom")
	}

	t.Run("fail aborts", func(t *testing.T) {
		m := NewManager(FailureFail, nil)
		m.Register(BeforeTool, failing)
		if _, err := m.Run(context.Background(), &Event{Point: BeforeTool}); err == nil {
			t.Error("expected error in fail mode")
		}
	})

	t.Run("warn discards mutation and continues", func(t *testing.T) {
		m := NewManager(FailureWarn, nil)
		m.Register(BeforeTool, failing)
		m.Register(BeforeTool, func(ctx context.Context, e *Event) (*Mutation, error) {
			return &Mutation{Instructions: strPtr("good")}, nil
		})
		mut, err := m.Run(context.Background(), &Event{Point: BeforeTool})
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		if mut.Instructions == nil || *mut.Instructions != "good" {
			t.Errorf("mutation = %v, want good", mut.Instructions)
		}
	})

	t.Run("ignore continues", func(t *testing.T) {
		m := NewManager(FailureIgnore, nil)
		m.Register(BeforeTool, failing)
		if _, err := m.Run(context.Background(), &Event{Point: BeforeTool}); err != nil {
			t.Errorf("ignore mode returned %v", err)
		}
	})
}

func TestPanicRecovered(t *testing.T) {
	m := NewManager(FailureWarn, nil)
	m.Register(AfterIteration, func(ctx context.Context, e *Event) (*Mutation, error) {
		panic("hook bug")
	})
	if _, err := m.Run(context.Background(), &Event{Point: AfterIteration}); err != nil {
		t.Errorf("warn mode should swallow panics, got %v", err)
	}
}

func TestPointsIsolated(t *testing.T) {
	m := NewManager(FailureWarn, nil)
	called := false
	m.Register(BeforeCompact, func(ctx context.Context, e *Event) (*Mutation, error) {
		called = true
		return nil, nil
	})
	if _, err := m.Run(context.Background(), &Event{Point: AfterCompact}); err != nil {
		t.Fatal(err)
	}
	if called {
		t.Error("hook at before:compact ran for after:compact")
	}
}
