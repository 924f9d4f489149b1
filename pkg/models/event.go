package models

import "time"

// EventKind is the canonical, tool-agnostic classification of an Event.
type EventKind string

const (
	EventSystemInit        EventKind = "system_init"
	EventUser              EventKind = "user"
	EventAssistant         EventKind = "assistant"
	EventToolCallStarted   EventKind = "tool_call_started"
	EventToolCallCompleted EventKind = "tool_call_completed"
	EventToolCallFailed    EventKind = "tool_call_failed"
	EventThinking          EventKind = "thinking"
	EventError             EventKind = "error"
	EventDone              EventKind = "done"
	EventUnknown           EventKind = "unknown"
	EventTruncated         EventKind = "truncated"
	EventWarning           EventKind = "warning"
)

// Terminal reports whether the kind ends a run.
func (k EventKind) Terminal() bool {
	return k == EventDone || k == EventError
}

// Valid returns true if the kind is part of the canonical enumeration.
func (k EventKind) Valid() bool {
	switch k {
	case EventSystemInit, EventUser, EventAssistant, EventToolCallStarted,
		EventToolCallCompleted, EventToolCallFailed, EventThinking, EventError,
		EventDone, EventUnknown, EventTruncated, EventWarning:
		return true
	default:
		return false
	}
}

// Event is one occurrence during a Run.
type Event struct {
	// Seq is the 0-based position of the event within its run.
	Seq int `json:"seq"`
	// Kind is the canonical event kind.
	Kind EventKind `json:"kind"`
	// Payload is the raw line or record that produced the event.
	Payload string `json:"payload"`
	// Text is the human-readable text extracted from the payload, if any.
	Text string `json:"text,omitempty"`
	// Timestamp is when the bridge observed the event.
	Timestamp time.Time `json:"timestamp"`
}
