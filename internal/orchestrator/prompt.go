package orchestrator

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ShayCichocki/taskpilot/internal/bridge"
	"github.com/ShayCichocki/taskpilot/pkg/models"
)

// summaryTailLines is how many trailing output lines a RunSummary keeps.
const summaryTailLines = 5

// RunSummary is what the next iteration's prompt is told about the previous
// one.
type RunSummary struct {
	Iteration int
	Outcome   models.Outcome
	Tail      []string
	Error     string
}

// summarize condenses a bridge result for the next prompt.
func summarize(iteration int, res bridge.Result) *RunSummary {
	s := &RunSummary{Iteration: iteration, Outcome: res.Outcome}
	if res.Err != nil {
		s.Error = res.Err.Error()
	}
	for _, ev := range res.Events() {
		if ev.Kind != models.EventAssistant || strings.TrimSpace(ev.Text) == "" {
			continue
		}
		s.Tail = append(s.Tail, strings.TrimSpace(ev.Text))
		if len(s.Tail) > summaryTailLines {
			s.Tail = s.Tail[1:]
		}
	}
	return s
}

// BuildPrompt renders the prompt for one iteration of task.
func BuildPrompt(task *models.Task, prev *RunSummary) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You are working on task %q: %s\n\n", task.ID, task.Title)

	if p := strings.TrimSpace(task.Proposal); p != "" {
		b.WriteString("## Proposal\n\n")
		b.WriteString(p)
		b.WriteString("\n\n")
	}

	if c := strings.TrimSpace(task.Checklist); c != "" {
		b.WriteString("## Checklist\n\n")
		b.WriteString(c)
		b.WriteString("\n\n")
	}

	if len(task.SpecDeltas) > 0 {
		caps := make([]string, 0, len(task.SpecDeltas))
		for c := range task.SpecDeltas {
			caps = append(caps, c)
		}
		sort.Strings(caps)
		b.WriteString("## Spec changes\n\n")
		for _, c := range caps {
			fmt.Fprintf(&b, "### %s\n\n%s\n\n", c, strings.TrimSpace(task.SpecDeltas[c]))
		}
	}

	if prev != nil {
		fmt.Fprintf(&b, "## Previous attempt (iteration %d)\n\n", prev.Iteration)
		fmt.Fprintf(&b, "Outcome: %s\n", prev.Outcome)
		if prev.Error != "" {
			fmt.Fprintf(&b, "Error: %s\n", prev.Error)
		}
		if len(prev.Tail) > 0 {
			b.WriteString("Last output:\n")
			for _, line := range prev.Tail {
				fmt.Fprintf(&b, "> %s\n", line)
			}
		}
		b.WriteString("\nPick up from where the previous attempt stopped.\n\n")
	}

	b.WriteString("## Instructions\n\n")
	b.WriteString("Work through every checklist item. ")
	b.WriteString("When all of them are done, print TASK_COMPLETE on its own line. ")
	fmt.Fprintf(&b, "If you cannot proceed, print %s followed by the reason.\n", bridge.BlockedMarker)

	return b.String()
}
