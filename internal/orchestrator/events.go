package orchestrator

import (
	"time"

	"github.com/ShayCichocki/taskpilot/pkg/models"
)

// EventType represents the type of orchestrator event.
type EventType string

const (
	// EventTaskStarted indicates a task moved to in-progress.
	EventTaskStarted EventType = "task_started"
	// EventTaskStatus indicates any other status change.
	EventTaskStatus EventType = "task_status"
	// EventRunStarted indicates a tool invocation was spawned.
	EventRunStarted EventType = "run_started"
	// EventRunCompleted indicates a tool invocation ended.
	EventRunCompleted EventType = "run_completed"
	// EventTaskCompleted indicates a task completed successfully.
	EventTaskCompleted EventType = "task_completed"
	// EventTaskFailed indicates a task failed.
	EventTaskFailed EventType = "task_failed"
	// EventTaskBlocked indicates a task is blocked and cannot proceed.
	EventTaskBlocked EventType = "task_blocked"
	// EventTaskSkipped indicates a pending task was not dispatched.
	EventTaskSkipped EventType = "task_skipped"
	// EventDryRun carries the would-be command line of a dry run.
	EventDryRun EventType = "dry_run"
	// EventSessionDone indicates the run is complete.
	EventSessionDone EventType = "session_done"
)

// OrchestratorEvent represents an event emitted by the orchestrator.
type OrchestratorEvent struct {
	// Type is the kind of event.
	Type EventType
	// TaskID is the ID of the related task, if applicable.
	TaskID string
	// TaskTitle is the title of the related task, if applicable.
	TaskTitle string
	// Status is the task status after the event, if applicable.
	Status models.TaskStatus
	// RunID is the related run, for run events.
	RunID string
	// Tool is the tool used for the run.
	Tool string
	// Iteration is the orchestrator iteration for run events.
	Iteration int
	// Outcome is the run outcome, for run_completed.
	Outcome models.Outcome
	// Message provides additional context about the event.
	Message string
	// Error contains error details for failure events.
	Error error
	// Timestamp is when the event occurred.
	Timestamp time.Time
	// Duration is the elapsed time, for completion events.
	Duration time.Duration
}
