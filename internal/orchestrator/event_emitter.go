package orchestrator

import (
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// emitTimeout is how long Emit waits on a full channel before dropping.
const emitTimeout = 100 * time.Millisecond

// EventEmitter fans orchestrator events out to a single subscriber over a
// buffered channel. Workers never block on a slow subscriber for longer
// than emitTimeout.
type EventEmitter struct {
	mu           sync.RWMutex
	closed       bool
	events       chan OrchestratorEvent
	droppedCount atomic.Uint64
}

// NewEventEmitter creates a new EventEmitter with the given buffer size.
func NewEventEmitter(bufferSize int) *EventEmitter {
	return &EventEmitter{
		events: make(chan OrchestratorEvent, bufferSize),
	}
}

// Emit sends an event, dropping it if the channel stays full for
// emitTimeout. Emitting after Close is a no-op.
func (e *EventEmitter) Emit(event OrchestratorEvent) {
	if e == nil {
		return
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return
	}

	select {
	case e.events <- event:
		return
	default:
	}

	select {
	case e.events <- event:
	case <-time.After(emitTimeout):
		count := e.droppedCount.Add(1)
		if count%10 == 1 {
			log.Printf("[orchestrator] WARNING: event channel full, dropped event (total dropped: %d): type=%s", count, event.Type)
		}
	}
}

// DroppedCount returns the total number of events that have been dropped.
func (e *EventEmitter) DroppedCount() uint64 {
	return e.droppedCount.Load()
}

// Events returns a read-only channel of events.
func (e *EventEmitter) Events() <-chan OrchestratorEvent {
	return e.events
}

// Close closes the events channel. It is safe to call more than once.
func (e *EventEmitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	close(e.events)
}
