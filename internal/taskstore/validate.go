package taskstore

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ShayCichocki/taskpilot/internal/errs"
	"github.com/ShayCichocki/taskpilot/pkg/models"
)

const (
	minRationaleChars = 50
	maxRationaleChars = 1000
	scenarioHeading   = "#### Scenario:"
)

// Report lists the findings of a validation pass. Errors block archiving,
// warnings never block anything.
type Report struct {
	TaskID   string       `json:"task_id"`
	Errors   []errs.Issue `json:"errors,omitempty"`
	Warnings []errs.Issue `json:"warnings,omitempty"`
}

// OK reports whether the task has no validation errors.
func (r Report) OK() bool { return len(r.Errors) == 0 }

// Err returns a *errs.ValidationError carrying the errors, or nil.
func (r Report) Err() error {
	if r.OK() {
		return nil
	}
	return &errs.ValidationError{TaskID: r.TaskID, Issues: r.Errors}
}

func (r *Report) errorf(field, format string, args ...interface{}) {
	r.Errors = append(r.Errors, errs.Issue{Field: field, Message: fmt.Sprintf(format, args...)})
}

func (r *Report) warnf(field, format string, args ...interface{}) {
	r.Warnings = append(r.Warnings, errs.Issue{Field: field, Message: fmt.Sprintf(format, args...)})
}

// ValidateTask checks task content. known reports whether a dependency id
// exists; it may be nil to skip the dependency check.
func ValidateTask(task *models.Task, known func(id string) bool) Report {
	r := Report{TaskID: task.ID}

	proposal := strings.TrimSpace(task.Proposal)
	if proposal == "" {
		r.errorf("proposal", "proposal is missing")
	} else {
		rationale := Rationale(proposal)
		switch n := len([]rune(rationale)); {
		case n < minRationaleChars:
			r.errorf("proposal", "rationale is %d characters, need at least %d", n, minRationaleChars)
		case n > maxRationaleChars:
			r.warnf("proposal", "rationale is %d characters, consider keeping it under %d", n, maxRationaleChars)
		}
	}

	if len(task.SpecDeltas) == 0 {
		r.errorf("specs", "at least one spec delta is required")
	}
	caps := make([]string, 0, len(task.SpecDeltas))
	for c := range task.SpecDeltas {
		caps = append(caps, c)
	}
	sort.Strings(caps)
	for _, c := range caps {
		delta := strings.TrimSpace(task.SpecDeltas[c])
		field := "specs/" + c
		if delta == "" {
			r.errorf(field, "spec delta is empty")
			continue
		}
		if !strings.Contains(delta, scenarioHeading) {
			r.warnf(field, "spec delta has no %q block", scenarioHeading)
		}
	}

	if !hasChecklistItem(task.Checklist) {
		r.warnf("tasks", "checklist has no '- [ ]' items")
	}

	if known != nil {
		for _, dep := range task.DependsOn {
			if !known(dep) {
				r.warnf("depends_on", "dependency %s does not exist", dep)
			}
		}
	}
	return r
}

// Rationale returns the body of the "## Why" section, or the whole proposal
// when it has no such section.
func Rationale(proposal string) string {
	lines := strings.Split(proposal, "\n")
	start := -1
	for i, line := range lines {
		if strings.EqualFold(strings.TrimSpace(line), "## why") {
			start = i + 1
			break
		}
	}
	if start < 0 {
		return strings.TrimSpace(proposal)
	}
	var body []string
	for _, line := range lines[start:] {
		if strings.HasPrefix(strings.TrimSpace(line), "## ") {
			break
		}
		body = append(body, line)
	}
	return strings.TrimSpace(strings.Join(body, "\n"))
}

func hasChecklistItem(checklist string) bool {
	for _, line := range strings.Split(checklist, "\n") {
		l := strings.TrimSpace(line)
		if strings.HasPrefix(l, "- [ ]") || strings.HasPrefix(l, "- [x]") || strings.HasPrefix(l, "- [X]") {
			return true
		}
	}
	return false
}
