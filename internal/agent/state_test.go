package agent

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haasonsaas/strand/pkg/models"
)

func TestExecutionContextLifecycle(t *testing.T) {
	ec := NewExecutionContext("r1", "", nil)
	if ec.State() != StateIdle {
		t.Fatalf("state = %s, want idle", ec.State())
	}
	if err := ec.start(); err != nil {
		t.Fatal(err)
	}
	if err := ec.start(); err == nil {
		t.Error("second start should fail")
	}
	if err := ec.Pause("review"); err != nil {
		t.Fatal(err)
	}
	if err := ec.Pause("again"); err == nil {
		t.Error("pausing a paused run should fail")
	}
	if err := ec.Resume(); err != nil {
		t.Fatal(err)
	}
	if err := ec.Resume(); err == nil {
		t.Error("resuming a running run should fail")
	}
	ec.finish(StateComplete)
	if ec.State() != StateComplete {
		t.Errorf("state = %s, want complete", ec.State())
	}
	if err := ec.Pause("late"); err == nil {
		t.Error("pausing a terminal run should fail")
	}
}

func TestCancelIsAbsorbing(t *testing.T) {
	ec := NewExecutionContext("r1", "", nil)
	if err := ec.start(); err != nil {
		t.Fatal(err)
	}
	ec.Cancel("user request")
	if !ec.Cancelled() || ec.State() != StateCancelled {
		t.Fatalf("state = %s, want cancelled", ec.State())
	}
	// A later completion attempt must not overwrite cancellation.
	ec.finish(StateComplete)
	if ec.State() != StateCancelled {
		t.Errorf("state = %s, cancellation must be terminal", ec.State())
	}
	ec.Cancel("second cancel is a no-op")
	if ec.CancelReason() != "user request" {
		t.Errorf("reason = %q, want the first one", ec.CancelReason())
	}
}

func TestAwaitResumeBlocksUntilResumed(t *testing.T) {
	ec := NewExecutionContext("r1", "", nil)
	if err := ec.start(); err != nil {
		t.Fatal(err)
	}
	if err := ec.Pause("checkpoint"); err != nil {
		t.Fatal(err)
	}

	var released atomic.Bool
	done := make(chan error, 1)
	go func() {
		err := ec.awaitResume(context.Background())
		released.Store(true)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	if released.Load() {
		t.Fatal("awaitResume returned while paused")
	}
	if err := ec.Resume(); err != nil {
		t.Fatal(err)
	}
	if err := <-done; err != nil {
		t.Fatalf("awaitResume = %v", err)
	}
}

func TestAwaitResumeObservesCancellation(t *testing.T) {
	ec := NewExecutionContext("r1", "", nil)
	if err := ec.start(); err != nil {
		t.Fatal(err)
	}
	if err := ec.Pause("hold"); err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() { done <- ec.awaitResume(context.Background()) }()
	ec.Cancel("abort while paused")
	if err := <-done; err == nil {
		t.Fatal("awaitResume should return an error after cancel")
	}
	if !ec.Cancelled() {
		t.Error("cancellation lost")
	}
}

func TestEmitterSequencesAndDrops(t *testing.T) {
	e := NewEmitter("r1", 2)
	e.Emit(models.StreamEvent{Type: models.EventTextDelta, Delta: "a"})
	e.Emit(models.StreamEvent{Type: models.EventTextDelta, Delta: "b"})
	// Buffer full: this one is dropped, not blocked on.
	e.Emit(models.StreamEvent{Type: models.EventTextDelta, Delta: "c"})
	e.Close()

	var got []models.StreamEvent
	for ev := range e.Events() {
		got = append(got, ev)
	}
	if len(got) != 2 {
		t.Fatalf("events = %d, want 2", len(got))
	}
	if got[0].Sequence != 1 || got[1].Sequence != 2 {
		t.Errorf("sequences = %d, %d", got[0].Sequence, got[1].Sequence)
	}
	if got[0].RunID != "r1" || got[0].Time.IsZero() {
		t.Errorf("event not stamped: %+v", got[0])
	}
	if e.Dropped() != 1 {
		t.Errorf("dropped = %d, want 1", e.Dropped())
	}
}

func TestNilEmitterIsSafe(t *testing.T) {
	var e *Emitter
	e.Emit(models.StreamEvent{Type: models.EventTextDelta})
	e.Close()
	if e.Events() != nil {
		t.Error("nil emitter should expose a nil channel")
	}
	if e.Dropped() != 0 {
		t.Error("nil emitter dropped count")
	}
}

func TestEmitterCloseIsIdempotent(t *testing.T) {
	e := NewEmitter("r1", 0)
	e.Close()
	e.Close()
	e.Emit(models.StreamEvent{Type: models.EventTextDelta})
}
