package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"

	"github.com/ShayCichocki/taskpilot/internal/errs"
	"github.com/ShayCichocki/taskpilot/internal/orchestrator"
	"github.com/ShayCichocki/taskpilot/pkg/models"
)

// errUnresolved is returned by commands that already printed their error
// summaries and only need a non-zero exit.
var errUnresolved = errors.New("unresolved errors")

// printStatus prints a status line with color
func printStatus(w io.Writer, symbol, message string, colorAttr color.Attribute) {
	c := color.New(colorAttr)
	fmt.Fprintf(w, "%s %s\n", c.Sprint(symbol), message)
}

// printError prints the structured summary of err to stderr.
func printError(err error) {
	if errors.Is(err, errUnresolved) || errors.Is(err, errInterrupted) {
		return
	}
	printSummary(os.Stderr, errs.Summarize(err, ""))
}

func printSummary(w io.Writer, s errs.Summary) {
	fmt.Fprintf(w, "%s %s\n", color.RedString("error:"), s.String())
}

// exitCode maps interruption to 130 and every other error to 1.
func exitCode(err error) int {
	if errors.Is(err, errInterrupted) {
		return 130
	}
	return 1
}

var errInterrupted = errors.New("interrupted")

// statusColor picks the color a task status is printed in.
func statusColor(s models.TaskStatus) color.Attribute {
	switch s {
	case models.TaskStatusCompleted:
		return color.FgGreen
	case models.TaskStatusFailed:
		return color.FgRed
	case models.TaskStatusBlocked:
		return color.FgYellow
	case models.TaskStatusInProgress:
		return color.FgCyan
	default:
		return color.FgWhite
	}
}

// formatEvent renders one orchestrator event as a progress line, or "" for
// events that are not shown.
func formatEvent(ev orchestrator.OrchestratorEvent) (symbol, line string, attr color.Attribute) {
	switch ev.Type {
	case orchestrator.EventTaskStarted:
		return "▶", fmt.Sprintf("%s: %s", ev.TaskID, ev.TaskTitle), color.FgCyan
	case orchestrator.EventRunStarted:
		return "·", fmt.Sprintf("%s: iteration %d, %s run on %s", ev.TaskID, ev.Iteration, ev.Message, ev.Tool), color.FgWhite
	case orchestrator.EventRunCompleted:
		line := fmt.Sprintf("%s: run %s in %s", ev.TaskID, ev.Outcome, formatDuration(ev.Duration))
		if ev.Error != nil {
			line += ": " + ev.Error.Error()
		}
		return "·", line, color.FgWhite
	case orchestrator.EventTaskCompleted:
		return "✓", fmt.Sprintf("%s completed in %s", ev.TaskID, formatDuration(ev.Duration)), color.FgGreen
	case orchestrator.EventTaskFailed:
		line := fmt.Sprintf("%s failed", ev.TaskID)
		if ev.Error != nil {
			line += ": " + ev.Error.Error()
		}
		return "✗", line, color.FgRed
	case orchestrator.EventTaskBlocked:
		return "⚠", fmt.Sprintf("%s blocked: %s", ev.TaskID, ev.Message), color.FgYellow
	case orchestrator.EventTaskSkipped:
		return "-", fmt.Sprintf("%s skipped: %s", ev.TaskID, ev.Message), color.FgYellow
	}
	return "", "", color.Reset
}

// printEvents prints progress events until the channel closes.
func printEvents(w io.Writer, events <-chan orchestrator.OrchestratorEvent) {
	for ev := range events {
		symbol, line, attr := formatEvent(ev)
		if line == "" {
			continue
		}
		printStatus(w, symbol, line, attr)
	}
}

// printRunSummary prints the totals and one structured summary per
// unresolved error.
func printRunSummary(w io.Writer, s *orchestrator.Summary) {
	fmt.Fprintln(w)
	fmt.Fprintf(w, "%s completed, %s failed, %s blocked, %s skipped\n",
		color.GreenString("%d", len(s.Completed)),
		color.RedString("%d", len(s.Failed)),
		color.YellowString("%d", len(s.Blocked)),
		color.YellowString("%d", len(s.Skipped)),
	)
	for _, te := range s.Errors {
		printSummary(w, te.Summarize())
	}
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	if d < 24*time.Hour {
		h := int(d.Hours())
		m := int(d.Minutes()) % 60
		if m > 0 {
			return fmt.Sprintf("%dh%dm", h, m)
		}
		return fmt.Sprintf("%dh", h)
	}
	days := int(d.Hours()) / 24
	return fmt.Sprintf("%dd", days)
}
