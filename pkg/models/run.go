package models

import "time"

// Outcome is the terminal result of a Run.
type Outcome string

const (
	// OutcomeSuccess indicates the tool reported completion.
	OutcomeSuccess Outcome = "success"
	// OutcomeFailure indicates the tool failed.
	OutcomeFailure Outcome = "failure"
	// OutcomeTimeout indicates the tool was terminated after its deadline.
	OutcomeTimeout Outcome = "timeout"
	// OutcomeNeedsContinuation indicates the tool exited cleanly without
	// signalling completion and the trailing output looked unfinished.
	OutcomeNeedsContinuation Outcome = "needs-continuation"
)

// Transient reports whether the outcome is worth retrying.
func (o Outcome) Transient() bool {
	return o == OutcomeTimeout || o == OutcomeFailure
}

// Run is one invocation of an external tool against a task.
type Run struct {
	// ID is the unique identifier of this run.
	ID string `json:"id"`
	// TaskID is the task this run worked on.
	TaskID string `json:"task_id"`
	// Tool is the name of the tool that was invoked.
	Tool string `json:"tool"`
	// Attempt is the 1-based invocation number within the task's iteration.
	Attempt int `json:"attempt"`
	// Iteration is the orchestrator iteration that issued the run.
	Iteration int `json:"iteration"`
	// Continuation is true for the single smart-continue invocation.
	Continuation bool `json:"continuation,omitempty"`
	// StartedAt is when the subprocess was spawned.
	StartedAt time.Time `json:"started_at"`
	// EndedAt is when the subprocess was reaped.
	EndedAt time.Time `json:"ended_at"`
	// Outcome is the terminal result.
	Outcome Outcome `json:"outcome"`
	// EventCount is the number of events emitted during the run.
	EventCount int `json:"event_count"`
	// ExitCode is the subprocess exit code, -1 when killed.
	ExitCode int `json:"exit_code"`
	// Error contains the failure reason, if any.
	Error string `json:"error,omitempty"`
}

// Duration returns how long the run took.
func (r Run) Duration() time.Duration {
	if r.EndedAt.IsZero() {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}
