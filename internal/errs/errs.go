// Package errs defines the error taxonomy shared by the engine and the
// structured summary printed for unresolved errors.
package errs

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ShayCichocki/taskpilot/pkg/models"
)

// Kind names an error class in summaries.
type Kind string

const (
	KindValidation        Kind = "ValidationError"
	KindNotFound          Kind = "NotFoundError"
	KindAlreadyExists     Kind = "AlreadyExists"
	KindInvalidTransition Kind = "InvalidStateTransition"
	KindCycleDetected     Kind = "CycleDetectedError"
	KindToolNotAvailable  Kind = "ToolNotAvailableError"
	KindSubprocessTimeout Kind = "SubprocessTimeoutError"
	KindSubprocessFailure Kind = "SubprocessFailureError"
	KindInternal          Kind = "InternalError"
)

// Issue is a single validation finding.
type Issue struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (i Issue) String() string {
	if i.Field == "" {
		return i.Message
	}
	return i.Field + ": " + i.Message
}

// ValidationError reports malformed task content or arguments.
type ValidationError struct {
	TaskID string
	Issues []Issue
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Issues))
	for _, is := range e.Issues {
		parts = append(parts, is.String())
	}
	if e.TaskID == "" {
		return "validation failed: " + strings.Join(parts, "; ")
	}
	return fmt.Sprintf("task %s failed validation: %s", e.TaskID, strings.Join(parts, "; "))
}

// NotFoundError reports a missing task.
type NotFoundError struct {
	TaskID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("task %s not found", e.TaskID)
}

// AlreadyExistsError reports a create on an existing id.
type AlreadyExistsError struct {
	TaskID string
}

func (e *AlreadyExistsError) Error() string {
	return fmt.Sprintf("task %s already exists", e.TaskID)
}

// InvalidTransitionError reports a transition the lifecycle rejects.
type InvalidTransitionError struct {
	TaskID string
	From   models.TaskStatus
	To     models.TaskStatus
	Reason string
}

func (e *InvalidTransitionError) Error() string {
	msg := fmt.Sprintf("task %s: invalid transition %s -> %s", e.TaskID, e.From, e.To)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// CycleError reports a dependency cycle with its full path.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	if len(e.Path) == 0 {
		return "dependency cycle detected"
	}
	closed := append(append([]string(nil), e.Path...), e.Path[0])
	return "dependency cycle detected: " + strings.Join(closed, " -> ")
}

// Contains reports whether id lies on the cycle.
func (e *CycleError) Contains(id string) bool {
	for _, p := range e.Path {
		if p == id {
			return true
		}
	}
	return false
}

// ToolNotAvailableError reports that no configured tool passed detection.
type ToolNotAvailableError struct {
	Preferred string
	Tried     []string
}

func (e *ToolNotAvailableError) Error() string {
	if e.Preferred != "" {
		return fmt.Sprintf("no tool available (preferred %q, tried %s)", e.Preferred, strings.Join(e.Tried, ", "))
	}
	return fmt.Sprintf("no tool available (tried %s)", strings.Join(e.Tried, ", "))
}

// TimeoutError reports a subprocess terminated after its deadline.
type TimeoutError struct {
	Tool    string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Tool, e.Timeout)
}

// SubprocessError reports a tool invocation that failed.
type SubprocessError struct {
	Tool     string
	ExitCode int
	Message  string
	Stderr   string
}

func (e *SubprocessError) Error() string {
	msg := fmt.Sprintf("%s failed", e.Tool)
	if e.ExitCode != 0 {
		msg += fmt.Sprintf(" with exit code %d", e.ExitCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Stderr != "" {
		msg += "; stderr: " + e.Stderr
	}
	return msg
}

// Summary is the structured, user-visible description of an error.
type Summary struct {
	Kind    Kind   `json:"kind"`
	TaskID  string `json:"task_id,omitempty"`
	Message string `json:"message"`
	Hint    string `json:"hint,omitempty"`
}

func (s Summary) String() string {
	var b strings.Builder
	b.WriteString(string(s.Kind))
	if s.TaskID != "" {
		b.WriteString(" [" + s.TaskID + "]")
	}
	b.WriteString(": " + s.Message)
	if s.Hint != "" {
		b.WriteString("\n  hint: " + s.Hint)
	}
	return b.String()
}

// Summarize classifies err. taskID is used when the error does not carry one.
func Summarize(err error, taskID string) Summary {
	s := Summary{Kind: KindInternal, TaskID: taskID, Message: err.Error()}

	var (
		validation *ValidationError
		notFound   *NotFoundError
		exists     *AlreadyExistsError
		transition *InvalidTransitionError
		cycle      *CycleError
		noTool     *ToolNotAvailableError
		timeout    *TimeoutError
		failure    *SubprocessError
	)

	switch {
	case errors.As(err, &validation):
		s.Kind = KindValidation
		s.TaskID = firstNonEmpty(validation.TaskID, taskID)
		s.Hint = "fix the reported issues and run validate before archive"
	case errors.As(err, &notFound):
		s.Kind = KindNotFound
		s.TaskID = firstNonEmpty(notFound.TaskID, taskID)
		s.Hint = "run 'taskpilot task list' to see known task ids"
	case errors.As(err, &exists):
		s.Kind = KindAlreadyExists
		s.TaskID = firstNonEmpty(exists.TaskID, taskID)
		s.Hint = "choose a different id or update the existing task"
	case errors.As(err, &transition):
		s.Kind = KindInvalidTransition
		s.TaskID = firstNonEmpty(transition.TaskID, taskID)
		s.Hint = "check the task status; failed or blocked tasks need 'taskpilot task reset'"
	case errors.As(err, &cycle):
		s.Kind = KindCycleDetected
		s.Hint = "remove one dependency on the reported cycle"
	case errors.As(err, &noTool):
		s.Kind = KindToolNotAvailable
		s.Hint = "install a supported tool or adjust tools.enabled"
	case errors.As(err, &timeout):
		s.Kind = KindSubprocessTimeout
		s.Hint = "inspect the execution log, raise tools.timeouts, then reset and rerun the task"
	case errors.As(err, &failure):
		s.Kind = KindSubprocessFailure
		s.Hint = "inspect the execution log, then reset and rerun the task"
	}
	return s
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
