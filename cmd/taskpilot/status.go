package main

import (
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/taskpilot/internal/config"
	"github.com/ShayCichocki/taskpilot/internal/graph"
	"github.com/ShayCichocki/taskpilot/internal/runlog"
	"github.com/ShayCichocki/taskpilot/internal/state"
	"github.com/ShayCichocki/taskpilot/internal/taskstore"
	"github.com/ShayCichocki/taskpilot/pkg/models"
)

var (
	statusRunLimit int
	statusEvents   bool
)

var statusCmd = &cobra.Command{
	Use:   "status [task-id]",
	Short: "Show task and run state",
	Long: `Display the state of every task, or the run history of one task.

Shows:
  - Each task's status, attempts and latest run outcome
  - Which pending tasks are ready and which wait on dependencies
  - With a task id, the task's runs and, with --events, the events of its
    latest run

Status only reads the task directories, the run index and the execution
log; it never changes task state.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().IntVarP(&statusRunLimit, "limit", "n", 10, "Runs to show for a task")
	statusCmd.Flags().BoolVar(&statusEvents, "events", false, "Show the events of the latest run")
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12")).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))

	statusStyles = map[models.TaskStatus]lipgloss.Style{
		models.TaskStatusPending:    lipgloss.NewStyle().Foreground(lipgloss.Color("7")),
		models.TaskStatusInProgress: lipgloss.NewStyle().Foreground(lipgloss.Color("14")),
		models.TaskStatusCompleted:  lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
		models.TaskStatusFailed:     lipgloss.NewStyle().Foreground(lipgloss.Color("9")),
		models.TaskStatusBlocked:    lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
		models.TaskStatusArchived:   lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
	}
)

func styledStatus(s models.TaskStatus) string {
	if st, ok := statusStyles[s]; ok {
		return st.Render(string(s))
	}
	return string(s)
}

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(dimStyle).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := debugLogger(cfg)
	defer logger.Close()

	store, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	idx, err := openRunIndex(cfg)
	if err != nil {
		log.Printf("[status] WARNING: run index unavailable, reading the execution log: %v", err)
		idx = nil
	} else {
		defer idx.Close()
	}
	runs, err := runlog.Open(cfg.LogDir())
	if err != nil {
		return fmt.Errorf("open execution log: %w", err)
	}
	defer runs.Close()

	out := cmd.OutOrStdout()
	if len(args) == 1 {
		return showTaskRuns(out, store, idx, runs, args[0])
	}
	return showOverview(out, cfg, store, idx, runs)
}

func showOverview(out io.Writer, cfg config.Config, store *taskstore.Store, idx *state.DB, runs *runlog.Log) error {
	tasks, err := store.Snapshot()
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		fmt.Fprintf(out, "No tasks under %s. Create one with 'taskpilot task create'.\n", cfg.Root)
		return nil
	}

	latest := latestRuns(idx, runs, tasks)
	g := graph.Build(tasks)
	ready := make(map[string]bool)
	for _, id := range g.ComputeReady() {
		ready[id] = true
	}
	cycle := make(map[string]bool)
	if g.DetectCycles() != nil {
		for _, id := range g.CycleMembers() {
			cycle[id] = true
		}
	}

	counts := make(map[models.TaskStatus]int)
	t := newTable("TASK", "STATUS", "ATTEMPTS", "LAST RUN", "NOTE")
	for _, task := range tasks {
		counts[task.Status]++
		lastRun := dimStyle.Render("never")
		if r, ok := latest[task.ID]; ok {
			outcome := string(r.Outcome)
			if outcome == "" {
				outcome = "running"
			}
			lastRun = fmt.Sprintf("%s %s ago", outcome, formatDuration(time.Since(r.StartedAt)))
		}
		t.Row(task.ID, styledStatus(task.Status), fmt.Sprintf("%d", task.Attempts), lastRun, taskNote(task, ready, cycle))
	}
	fmt.Fprintln(out, t.Render())

	var parts []string
	for _, s := range []models.TaskStatus{
		models.TaskStatusPending, models.TaskStatusInProgress, models.TaskStatusCompleted,
		models.TaskStatusFailed, models.TaskStatusBlocked,
	} {
		if counts[s] > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", counts[s], styledStatus(s)))
		}
	}
	fmt.Fprintf(out, "%d tasks: %s\n", len(tasks), strings.Join(parts, ", "))
	return nil
}

func taskNote(task *models.Task, ready, cycle map[string]bool) string {
	switch {
	case cycle[task.ID]:
		return "dependency cycle"
	case task.Status == models.TaskStatusPending && ready[task.ID]:
		return "ready"
	case task.Status == models.TaskStatusPending:
		return "waiting on " + strings.Join(task.DependsOn, ", ")
	case task.LastError != "":
		return truncate(task.LastError, 60)
	}
	return ""
}

// latestRuns prefers the run index and falls back to scanning the log.
func latestRuns(idx *state.DB, runs *runlog.Log, tasks []*models.Task) map[string]models.Run {
	if idx != nil {
		latest, err := idx.LatestRuns()
		if err == nil {
			return latest
		}
		log.Printf("[status] WARNING: run index query failed: %v", err)
	}
	latest := make(map[string]models.Run)
	for _, t := range tasks {
		rs, err := runs.Runs(t.ID)
		if err != nil || len(rs) == 0 {
			continue
		}
		latest[t.ID] = rs[len(rs)-1]
	}
	return latest
}

func showTaskRuns(out io.Writer, store *taskstore.Store, idx *state.DB, runs *runlog.Log, id string) error {
	task, err := store.Read(id)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s: %s [%s]\n", task.ID, task.Title, styledStatus(task.Status))

	var history []models.Run
	if idx != nil {
		history, err = idx.ListRuns(id, statusRunLimit)
		if err != nil {
			log.Printf("[status] WARNING: run index query failed: %v", err)
			history = nil
		}
	}
	if history == nil {
		all, err := runs.Runs(id)
		if err != nil {
			return err
		}
		// Newest first, like the index.
		for i := len(all) - 1; i >= 0 && (statusRunLimit <= 0 || len(history) < statusRunLimit); i-- {
			history = append(history, all[i])
		}
	}
	if len(history) == 0 {
		fmt.Fprintln(out, "No runs recorded.")
		return nil
	}

	t := newTable("STARTED", "ITER", "ATTEMPT", "TOOL", "OUTCOME", "EVENTS", "DURATION", "ERROR")
	for _, r := range history {
		attempt := fmt.Sprintf("%d", r.Attempt)
		if r.Continuation {
			attempt += " (cont)"
		}
		t.Row(
			r.StartedAt.Local().Format("01-02 15:04:05"),
			fmt.Sprintf("%d", r.Iteration),
			attempt,
			r.Tool,
			string(r.Outcome),
			fmt.Sprintf("%d", r.EventCount),
			formatDuration(r.Duration()),
			truncate(r.Error, 50),
		)
	}
	fmt.Fprintln(out, t.Render())

	if statusEvents {
		events, err := runs.Events(history[0].ID)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Events of run %s:\n", history[0].ID)
		for _, ev := range events {
			fmt.Fprintf(out, "  %4d %-20s %s\n", ev.Seq, ev.Kind, truncate(ev.Text, 100))
		}
	}
	return nil
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(strings.TrimSpace(s), "\n", " ")
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-3]) + "..."
}
