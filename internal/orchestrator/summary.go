package orchestrator

import (
	"fmt"
	"sort"

	"github.com/ShayCichocki/taskpilot/internal/errs"
	"github.com/ShayCichocki/taskpilot/pkg/models"
)

// TaskError is an unresolved error attributed to one task.
type TaskError struct {
	TaskID string
	Err    error
}

func (e TaskError) Error() string {
	return fmt.Sprintf("%s: %v", e.TaskID, e.Err)
}

// Unwrap returns the underlying error.
func (e TaskError) Unwrap() error { return e.Err }

// Summarize renders the structured summary for the CLI.
func (e TaskError) Summarize() errs.Summary {
	return errs.Summarize(e.Err, e.TaskID)
}

// Summary is the result of one orchestrator run.
type Summary struct {
	Completed []string
	Failed    []string
	Blocked   []string
	// Skipped lists selected pending tasks that were not dispatched.
	Skipped []string
	// DryRun lists the tasks a dry run would dispatch, in order.
	DryRun []string
	Errors []TaskError
}

// OK reports whether the run left nothing failed, blocked or in error.
func (s *Summary) OK() bool {
	return len(s.Failed) == 0 && len(s.Blocked) == 0 && len(s.Errors) == 0
}

// record files a finished task result under its final status.
func (s *Summary) record(r taskResult) {
	switch r.status {
	case models.TaskStatusCompleted:
		s.Completed = append(s.Completed, r.taskID)
	case models.TaskStatusFailed:
		s.Failed = append(s.Failed, r.taskID)
	case models.TaskStatusBlocked:
		s.Blocked = append(s.Blocked, r.taskID)
	case models.TaskStatusPending:
		s.Skipped = append(s.Skipped, r.taskID)
	}
	if r.err != nil {
		s.Errors = append(s.Errors, TaskError{TaskID: r.taskID, Err: r.err})
	}
}

// sort orders every list by task id for stable output.
func (s *Summary) sort() {
	sort.Strings(s.Completed)
	sort.Strings(s.Failed)
	sort.Strings(s.Blocked)
	sort.Strings(s.Skipped)
	sort.SliceStable(s.Errors, func(i, j int) bool { return s.Errors[i].TaskID < s.Errors[j].TaskID })
}

// taskResult is what a worker reports back for one task.
type taskResult struct {
	taskID string
	status models.TaskStatus
	err    error
}
