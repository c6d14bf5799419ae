package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/haasonsaas/strand/internal/audit"
	"github.com/haasonsaas/strand/pkg/models"
)

// RunState is the lifecycle state of a run. Transitions are monotonic:
// terminal states (cancelled, complete, failed) are absorbing.
type RunState string

const (
	StateIdle      RunState = "idle"
	StateRunning   RunState = "running"
	StatePaused    RunState = "paused"
	StateCancelled RunState = "cancelled"
	StateComplete  RunState = "complete"
	StateFailed    RunState = "failed"
)

// Terminal reports whether the state admits no further transitions.
func (s RunState) Terminal() bool {
	switch s {
	case StateCancelled, StateComplete, StateFailed:
		return true
	}
	return false
}

// ExecutionContext is the mutable per-run state shared between the loop and
// the control surface: lifecycle state, pause/cancel signaling, metrics, and
// the audit trail. Metrics is owned by the loop goroutine; control methods
// touch only the guarded state.
type ExecutionContext struct {
	RunID     string
	SessionID string
	StartedAt time.Time
	Trail     *audit.Trail

	// Metrics accumulates across the run and is snapshotted into session
	// checkpoints. Only the loop goroutine writes it.
	Metrics models.RunMetrics

	mu          sync.Mutex
	state       RunState
	pauseReason string
	// resume is replaced on each pause; waiters block on the current one.
	resume chan struct{}
	// cancelled is closed exactly once on cancellation.
	cancelled    chan struct{}
	cancelReason string
}

// NewExecutionContext creates an idle execution context.
func NewExecutionContext(runID, sessionID string, trail *audit.Trail) *ExecutionContext {
	return &ExecutionContext{
		RunID:     runID,
		SessionID: sessionID,
		StartedAt: time.Now(),
		Trail:     trail,
		state:     StateIdle,
		cancelled: make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (ec *ExecutionContext) State() RunState {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return ec.state
}

// start moves idle to running. Called once by the loop.
func (ec *ExecutionContext) start() error {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	if ec.state != StateIdle {
		return fmt.Errorf("cannot start a %s run", ec.state)
	}
	ec.state = StateRunning
	return nil
}

// finish records the terminal state. Cancellation wins over any later
// completion attempt.
func (ec *ExecutionContext) finish(state RunState) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	if ec.state.Terminal() {
		return
	}
	ec.state = state
}

// Pause requests a pause at the next iteration boundary. Pausing a paused or
// terminal run is a no-op with an error so callers can report it.
func (ec *ExecutionContext) Pause(reason string) error {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	if ec.state.Terminal() {
		return fmt.Errorf("cannot pause a %s run", ec.state)
	}
	if ec.state == StatePaused {
		return fmt.Errorf("run already paused")
	}
	ec.state = StatePaused
	ec.pauseReason = reason
	ec.resume = make(chan struct{})
	return nil
}

// Resume releases a paused run.
func (ec *ExecutionContext) Resume() error {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	if ec.state != StatePaused {
		return fmt.Errorf("cannot resume a %s run", ec.state)
	}
	ec.state = StateRunning
	ec.pauseReason = ""
	close(ec.resume)
	ec.resume = nil
	return nil
}

// Cancel requests cooperative cancellation. The loop observes it at the next
// boundary; in-flight tools see their context cancelled.
func (ec *ExecutionContext) Cancel(reason string) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	if ec.state.Terminal() {
		return
	}
	select {
	case <-ec.cancelled:
	default:
		ec.cancelReason = reason
		close(ec.cancelled)
	}
	// A paused run cancels immediately: wake the waiter so it can observe
	// the cancellation.
	if ec.state == StatePaused && ec.resume != nil {
		close(ec.resume)
		ec.resume = nil
	}
	ec.state = StateCancelled
}

// Cancelled reports whether cancellation has been requested.
func (ec *ExecutionContext) Cancelled() bool {
	select {
	case <-ec.cancelled:
		return true
	default:
		return false
	}
}

// CancelReason returns the reason passed to Cancel.
func (ec *ExecutionContext) CancelReason() string {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return ec.cancelReason
}

// Done returns a channel closed when cancellation is requested. The loop
// derives the tool execution context from it.
func (ec *ExecutionContext) Done() <-chan struct{} { return ec.cancelled }

// awaitResume blocks while the run is paused. Returns nil when running,
// ctx.Err on caller cancellation, and a Cancelled run error when the run was
// cancelled while paused.
func (ec *ExecutionContext) awaitResume(ctx context.Context) error {
	for {
		ec.mu.Lock()
		if ec.state != StatePaused {
			ec.mu.Unlock()
			return nil
		}
		resume := ec.resume
		ec.mu.Unlock()

		select {
		case <-resume:
		case <-ec.cancelled:
			return context.Canceled
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// runContext derives a context cancelled when either the parent is done or
// the run is cancelled. The returned stop func releases the watcher.
func (ec *ExecutionContext) runContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	stop := make(chan struct{})
	go func() {
		select {
		case <-ec.cancelled:
			cancel()
		case <-ctx.Done():
		case <-stop:
		}
	}()
	return ctx, func() {
		close(stop)
		cancel()
	}
}
