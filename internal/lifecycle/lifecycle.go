// Package lifecycle implements the task state machine. It is the only place
// that decides whether a status change is legal.
package lifecycle

import (
	"fmt"
	"strings"
	"time"

	"github.com/ShayCichocki/taskpilot/internal/errs"
	"github.com/ShayCichocki/taskpilot/pkg/models"
)

// Guard carries the facts a transition guard inspects. Callers fill in the
// fields relevant to the transition they request.
type Guard struct {
	// UnmetDependencies lists dependency ids whose status is not completed.
	UnmetDependencies []string
	// Outcome is the outcome of the run that triggered the transition.
	Outcome models.Outcome
	// ValidationErrors is the number of validation errors reported for the task.
	ValidationErrors int
	// Signal is the explicit reason for moving to blocked.
	Signal string
	// BudgetExhausted is set when the retry or iteration budget is spent.
	BudgetExhausted bool
	// SkipValidation bypasses the archive validation guard.
	SkipValidation bool
}

type edge struct {
	from models.TaskStatus
	to   models.TaskStatus
}

type guardFunc func(g Guard) error

var table = map[edge]guardFunc{
	{models.TaskStatusPending, models.TaskStatusInProgress}: func(g Guard) error {
		if len(g.UnmetDependencies) > 0 {
			return fmt.Errorf("dependencies not completed: %s", strings.Join(g.UnmetDependencies, ", "))
		}
		return nil
	},
	{models.TaskStatusInProgress, models.TaskStatusCompleted}: func(g Guard) error {
		if g.Outcome != models.OutcomeSuccess {
			return fmt.Errorf("run outcome is %q, not success", g.Outcome)
		}
		if len(g.UnmetDependencies) > 0 {
			return fmt.Errorf("dependencies not completed: %s", strings.Join(g.UnmetDependencies, ", "))
		}
		if g.ValidationErrors > 0 {
			return fmt.Errorf("%d validation errors pending", g.ValidationErrors)
		}
		return nil
	},
	{models.TaskStatusInProgress, models.TaskStatusBlocked}: func(g Guard) error {
		if g.Signal == "" {
			return fmt.Errorf("blocking requires an explicit signal")
		}
		return nil
	},
	{models.TaskStatusInProgress, models.TaskStatusFailed}: func(g Guard) error {
		if !g.BudgetExhausted {
			return fmt.Errorf("retry budget not exhausted")
		}
		return nil
	},
	{models.TaskStatusCompleted, models.TaskStatusArchived}: func(g Guard) error {
		if g.SkipValidation || g.ValidationErrors == 0 {
			return nil
		}
		return fmt.Errorf("%d validation errors; run validate before archive", g.ValidationErrors)
	},
}

// Allowed reports whether from -> to appears in the transition table,
// ignoring guards.
func Allowed(from, to models.TaskStatus) bool {
	_, ok := table[edge{from, to}]
	return ok
}

// Check returns an InvalidTransitionError if task may not move to status to
// under guard g. It never mutates the task.
func Check(task *models.Task, to models.TaskStatus, g Guard) error {
	fn, ok := table[edge{task.Status, to}]
	if !ok {
		reason := "transition not permitted"
		if task.Status == models.TaskStatusArchived {
			reason = "archived tasks are immutable"
		}
		return &errs.InvalidTransitionError{TaskID: task.ID, From: task.Status, To: to, Reason: reason}
	}
	if err := fn(g); err != nil {
		return &errs.InvalidTransitionError{TaskID: task.ID, From: task.Status, To: to, Reason: err.Error()}
	}
	return nil
}

// Apply checks the transition and, when legal, updates the task in place.
func Apply(task *models.Task, to models.TaskStatus, g Guard, now time.Time) error {
	if err := Check(task, to, g); err != nil {
		return err
	}
	task.Status = to
	task.UpdatedAt = now
	if to == models.TaskStatusArchived {
		at := now
		task.ArchivedAt = &at
	}
	return nil
}

// IsTerminal reports whether the engine stops working on a task in this status.
func IsTerminal(s models.TaskStatus) bool {
	switch s {
	case models.TaskStatusCompleted, models.TaskStatusFailed,
		models.TaskStatusBlocked, models.TaskStatusArchived:
		return true
	default:
		return false
	}
}

// UnmetDependencies returns the ids in deps whose status in statuses is
// neither completed nor archived. Unknown ids count as unmet.
func UnmetDependencies(deps []string, statuses map[string]models.TaskStatus) []string {
	var unmet []string
	for _, id := range deps {
		if s := statuses[id]; s != models.TaskStatusCompleted && s != models.TaskStatusArchived {
			unmet = append(unmet, id)
		}
	}
	return unmet
}
