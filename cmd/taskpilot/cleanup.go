package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/taskpilot/internal/runlog"
	"github.com/ShayCichocki/taskpilot/internal/signals"
)

var (
	cleanupDays   int
	cleanupDryRun bool
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove old execution logs and run history",
	Long: `Apply log retention now instead of waiting for the next run.

This command:
  - Deletes daily execution log files older than the retention period
  - Purges runs older than the retention period from the run index
  - Removes a stop signal left behind by a finished run

The retention period defaults to log.retention_days.

Examples:
  taskpilot cleanup              # Use the configured retention
  taskpilot cleanup --days 7     # Keep one week
  taskpilot cleanup --dry-run    # Show what would be removed`,
	RunE: runCleanup,
}

func init() {
	cleanupCmd.Flags().IntVar(&cleanupDays, "days", 0, "Retention in days (default from config)")
	cleanupCmd.Flags().BoolVar(&cleanupDryRun, "dry-run", false, "Show what would be removed without removing")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	days := cfg.Log.RetentionDays
	if cleanupDays > 0 {
		days = cleanupDays
	}
	if days <= 0 {
		return fmt.Errorf("retention is disabled (log.retention_days = %d); pass --days", days)
	}
	out := cmd.OutOrStdout()

	logger := debugLogger(cfg)
	defer logger.Close()
	runs, err := runlog.Open(cfg.LogDir(), runlog.WithDebugLog(logger.Func()))
	if err != nil {
		return fmt.Errorf("open execution log: %w", err)
	}
	defer runs.Close()

	if cleanupDryRun {
		logDays, err := runs.Days()
		if err != nil {
			return err
		}
		cutoff := time.Now().UTC().AddDate(0, 0, -days).Format("2006-01-02")
		for _, day := range logDays {
			if day < cutoff {
				fmt.Fprintf(out, "would remove %s.jsonl\n", day)
			}
		}
		return nil
	}

	removed, err := runs.Prune(days)
	if err != nil {
		return fmt.Errorf("prune execution log: %w", err)
	}
	printStatus(out, "✓", fmt.Sprintf("Removed %d log file(s) older than %d days", removed, days), color.FgGreen)

	idx, err := openRunIndex(cfg)
	if err != nil {
		printStatus(out, "⚠", fmt.Sprintf("Run index unavailable: %v", err), color.FgYellow)
	} else {
		defer idx.Close()
		purged, err := idx.PurgeOldRuns(time.Duration(days) * 24 * time.Hour)
		if err != nil {
			return fmt.Errorf("purge run index: %w", err)
		}
		printStatus(out, "✓", fmt.Sprintf("Purged %d run(s) from the index", purged), color.FgGreen)
	}

	if err := signals.Clear(cfg.StateDir()); err != nil {
		printStatus(out, "⚠", fmt.Sprintf("Could not clear stop signal: %v", err), color.FgYellow)
	}
	return nil
}
