package models

import (
	"regexp"
	"time"
)

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	// TaskStatusPending indicates the task has not started.
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusInProgress indicates the task is being worked on.
	TaskStatusInProgress TaskStatus = "in-progress"
	// TaskStatusBlocked indicates the task cannot proceed.
	TaskStatusBlocked TaskStatus = "blocked"
	// TaskStatusCompleted indicates the task completed successfully.
	TaskStatusCompleted TaskStatus = "completed"
	// TaskStatusFailed indicates the task failed.
	TaskStatusFailed TaskStatus = "failed"
	// TaskStatusArchived indicates the task was moved to the archive.
	TaskStatusArchived TaskStatus = "archived"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []TaskStatus{
	TaskStatusPending,
	TaskStatusInProgress,
	TaskStatusBlocked,
	TaskStatusCompleted,
	TaskStatusFailed,
	TaskStatusArchived,
}

// Valid returns true if the status is a known value.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusInProgress, TaskStatusBlocked,
		TaskStatusCompleted, TaskStatusFailed, TaskStatusArchived:
		return true
	default:
		return false
	}
}

var taskIDPattern = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

// ValidTaskID reports whether id is a non-empty kebab-case identifier.
func ValidTaskID(id string) bool {
	return taskIDPattern.MatchString(id)
}

// Task represents a unit of work tracked through the status lifecycle.
type Task struct {
	// ID is the unique kebab-case identifier. It never changes.
	ID string `yaml:"id" json:"id"`
	// Title is the short description of the task.
	Title string `yaml:"title" json:"title"`
	// Status is the current state of the task.
	Status TaskStatus `yaml:"status" json:"status"`
	// Proposal is the proposal text (rationale and scope).
	Proposal string `yaml:"-" json:"proposal,omitempty"`
	// Checklist is the implementation checklist text.
	Checklist string `yaml:"-" json:"checklist,omitempty"`
	// SpecDeltas maps a capability name to its delta text.
	SpecDeltas map[string]string `yaml:"-" json:"spec_deltas,omitempty"`
	// DependsOn lists task IDs that must complete before this task.
	DependsOn []string `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	// CreatedAt is when the task was created.
	CreatedAt time.Time `yaml:"created_at" json:"created_at"`
	// UpdatedAt is when the task was last modified.
	UpdatedAt time.Time `yaml:"updated_at" json:"updated_at"`
	// ArchivedAt is when the task was archived, if applicable.
	ArchivedAt *time.Time `yaml:"archived_at,omitempty" json:"archived_at,omitempty"`
	// Attempts is the number of tool invocations started for this task.
	Attempts int `yaml:"attempts,omitempty" json:"attempts,omitempty"`
	// LastOutcome is the outcome of the most recent run.
	LastOutcome Outcome `yaml:"last_outcome,omitempty" json:"last_outcome,omitempty"`
	// LastError contains the error message of the most recent failure.
	LastError string `yaml:"last_error,omitempty" json:"last_error,omitempty"`
}

// DependsOnTask reports whether id appears in the dependency set.
func (t *Task) DependsOnTask(id string) bool {
	for _, dep := range t.DependsOn {
		if dep == id {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	if t.DependsOn != nil {
		c.DependsOn = append([]string(nil), t.DependsOn...)
	}
	if t.SpecDeltas != nil {
		c.SpecDeltas = make(map[string]string, len(t.SpecDeltas))
		for k, v := range t.SpecDeltas {
			c.SpecDeltas[k] = v
		}
	}
	if t.ArchivedAt != nil {
		at := *t.ArchivedAt
		c.ArchivedAt = &at
	}
	return &c
}
