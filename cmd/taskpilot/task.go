package main

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/taskpilot/internal/taskstore"
	"github.com/ShayCichocki/taskpilot/pkg/models"
)

var (
	taskTitle        string
	taskProposalFile string
	taskChecklist    string
	taskSpecs        []string
	taskDependsOn    []string
	taskListStatus   []string
	taskListArchived bool
	taskArchiveSkip  bool
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Create and manage tasks",
}

var taskCreateCmd = &cobra.Command{
	Use:   "create <id>",
	Short: "Create a pending task",
	Long: `Create a task under tasks/<id>/.

The id is lowercase kebab-case. Content is not validated on create; run
'taskpilot task validate <id>' to check it.

Examples:
  taskpilot task create add-user-auth --title "Add user auth" \
    --proposal proposal.md --checklist tasks.md --spec auth=auth-spec.md
  taskpilot task create add-payment --title "Add payment" --depends-on add-user-auth`,
	Args: cobra.ExactArgs(1),
	RunE: runTaskCreate,
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	RunE:  runTaskList,
}

var taskShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskShow,
}

var taskValidateCmd = &cobra.Command{
	Use:   "validate <id>",
	Short: "Check task content",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskValidate,
}

var taskArchiveCmd = &cobra.Command{
	Use:   "archive <id>",
	Short: "Archive a completed task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskArchive,
}

var taskResetCmd = &cobra.Command{
	Use:   "reset <id>",
	Short: "Return a failed or blocked task to pending",
	Long: `Return a failed or blocked task to pending so the next run picks it up.

A task left in progress by a run that crashed can also be reset, as long as
no running 'taskpilot run' is still working on it.`,
	Args: cobra.ExactArgs(1),
	RunE:  runTaskReset,
}

func init() {
	taskCreateCmd.Flags().StringVar(&taskTitle, "title", "", "Task title")
	taskCreateCmd.Flags().StringVar(&taskProposalFile, "proposal", "", "File holding the proposal markdown")
	taskCreateCmd.Flags().StringVar(&taskChecklist, "checklist", "", "File holding the checklist markdown")
	taskCreateCmd.Flags().StringArrayVar(&taskSpecs, "spec", nil, "Spec delta as capability=file (repeatable)")
	taskCreateCmd.Flags().StringSliceVar(&taskDependsOn, "depends-on", nil, "Ids of tasks this one depends on")

	taskListCmd.Flags().StringSliceVar(&taskListStatus, "status", nil, "Only list tasks in these statuses")
	taskListCmd.Flags().BoolVar(&taskListArchived, "archived", false, "Include archived tasks")

	taskArchiveCmd.Flags().BoolVar(&taskArchiveSkip, "skip-validation", false, "Archive even when validation reports errors")

	taskCmd.AddCommand(taskCreateCmd, taskListCmd, taskShowCmd, taskValidateCmd, taskArchiveCmd, taskResetCmd)
}

func storeFromConfig() (*taskstore.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return openStore(cfg, debugLogger(cfg))
}

func readOptionalFile(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return string(data), nil
}

// parseSpecs reads capability=file pairs into spec deltas.
func parseSpecs(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	deltas := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		capability, file, ok := strings.Cut(pair, "=")
		if !ok || capability == "" || file == "" {
			return nil, fmt.Errorf("invalid --spec %q: want capability=file", pair)
		}
		body, err := readOptionalFile(file)
		if err != nil {
			return nil, err
		}
		deltas[capability] = body
	}
	return deltas, nil
}

func runTaskCreate(cmd *cobra.Command, args []string) error {
	store, err := storeFromConfig()
	if err != nil {
		return err
	}
	proposal, err := readOptionalFile(taskProposalFile)
	if err != nil {
		return err
	}
	checklist, err := readOptionalFile(taskChecklist)
	if err != nil {
		return err
	}
	specs, err := parseSpecs(taskSpecs)
	if err != nil {
		return err
	}

	task, err := store.Create(args[0], taskstore.NewTask{
		Title:      taskTitle,
		Proposal:   proposal,
		Checklist:  checklist,
		SpecDeltas: specs,
		DependsOn:  taskDependsOn,
	})
	if err != nil {
		return err
	}
	printStatus(cmd.OutOrStdout(), "✓", fmt.Sprintf("Created %s (%s)", task.ID, task.Status), color.FgGreen)
	return nil
}

func runTaskList(cmd *cobra.Command, args []string) error {
	store, err := storeFromConfig()
	if err != nil {
		return err
	}
	filter := taskstore.Filter{IncludeArchived: taskListArchived}
	for _, s := range taskListStatus {
		filter.Statuses = append(filter.Statuses, models.TaskStatus(s))
	}
	tasks, err := store.List(filter)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(tasks) == 0 {
		fmt.Fprintln(out, "No tasks.")
		return nil
	}
	for _, t := range tasks {
		status := color.New(statusColor(t.Status)).Sprintf("%-11s", t.Status)
		fmt.Fprintf(out, "%s  %-30s %s\n", status, t.ID, t.Title)
	}
	return nil
}

func runTaskShow(cmd *cobra.Command, args []string) error {
	store, err := storeFromConfig()
	if err != nil {
		return err
	}
	t, err := store.Read(args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s: %s\n", t.ID, t.Title)
	fmt.Fprintf(out, "  Status:   %s\n", color.New(statusColor(t.Status)).Sprint(t.Status))
	if len(t.DependsOn) > 0 {
		fmt.Fprintf(out, "  Depends:  %s\n", strings.Join(t.DependsOn, ", "))
	}
	fmt.Fprintf(out, "  Created:  %s\n", t.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	fmt.Fprintf(out, "  Updated:  %s\n", t.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
	if t.Attempts > 0 {
		fmt.Fprintf(out, "  Attempts: %d (last outcome %s)\n", t.Attempts, t.LastOutcome)
	}
	if t.LastError != "" {
		fmt.Fprintf(out, "  Error:    %s\n", t.LastError)
	}
	if len(t.SpecDeltas) > 0 {
		caps := make([]string, 0, len(t.SpecDeltas))
		for c := range t.SpecDeltas {
			caps = append(caps, c)
		}
		sort.Strings(caps)
		fmt.Fprintf(out, "  Specs:    %s\n", strings.Join(caps, ", "))
	}
	if p := strings.TrimSpace(taskstore.Rationale(t.Proposal)); p != "" {
		fmt.Fprintf(out, "\n%s\n", p)
	}
	return nil
}

func runTaskValidate(cmd *cobra.Command, args []string) error {
	store, err := storeFromConfig()
	if err != nil {
		return err
	}
	report, err := store.Validate(args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, issue := range report.Errors {
		printStatus(out, "✗", issue.String(), color.FgRed)
	}
	for _, issue := range report.Warnings {
		printStatus(out, "⚠", issue.String(), color.FgYellow)
	}
	if !report.OK() {
		return report.Err()
	}
	printStatus(out, "✓", fmt.Sprintf("%s is valid", args[0]), color.FgGreen)
	return nil
}

func runTaskArchive(cmd *cobra.Command, args []string) error {
	store, err := storeFromConfig()
	if err != nil {
		return err
	}
	if _, err := store.Archive(args[0], taskArchiveSkip); err != nil {
		return err
	}
	printStatus(cmd.OutOrStdout(), "✓", fmt.Sprintf("Archived %s", args[0]), color.FgGreen)
	return nil
}

func runTaskReset(cmd *cobra.Command, args []string) error {
	store, err := storeFromConfig()
	if err != nil {
		return err
	}
	if _, err := store.Reset(args[0]); err != nil {
		return err
	}
	printStatus(cmd.OutOrStdout(), "✓", fmt.Sprintf("Reset %s to pending", args[0]), color.FgGreen)
	return nil
}
