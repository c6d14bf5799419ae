package agent

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/haasonsaas/strand/pkg/models"
)

// defaultEventBuffer is the emitter channel capacity. A slow consumer loses
// events past this point rather than stalling the loop.
const defaultEventBuffer = 256

// Emitter fans run events to a single consumer channel. Sequence numbers are
// monotonic per run and assigned at emit time, so the channel order is the
// sequence order. A nil Emitter discards everything, which lets the loop emit
// unconditionally.
type Emitter struct {
	runID   string
	seq     atomic.Uint64
	dropped atomic.Uint64

	mu     sync.Mutex
	ch     chan models.StreamEvent
	closed bool
}

// NewEmitter creates an emitter for one run. buffer <= 0 uses the default.
func NewEmitter(runID string, buffer int) *Emitter {
	if buffer <= 0 {
		buffer = defaultEventBuffer
	}
	return &Emitter{
		runID: runID,
		ch:    make(chan models.StreamEvent, buffer),
	}
}

// Events returns the consumer channel. It is closed when the run finishes.
func (e *Emitter) Events() <-chan models.StreamEvent {
	if e == nil {
		return nil
	}
	return e.ch
}

// Emit stamps the event with the run id, next sequence number, and time, then
// delivers it. Delivery never blocks: when the buffer is full the event is
// counted as dropped.
func (e *Emitter) Emit(event models.StreamEvent) {
	if e == nil {
		return
	}
	event.RunID = e.runID
	event.Sequence = e.seq.Add(1)
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	select {
	case e.ch <- event:
	default:
		e.dropped.Add(1)
	}
}

// Close closes the consumer channel. Safe to call more than once.
func (e *Emitter) Close() {
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.ch)
	}
}

// Dropped returns the number of events lost to a full buffer.
func (e *Emitter) Dropped() uint64 {
	if e == nil {
		return 0
	}
	return e.dropped.Load()
}
