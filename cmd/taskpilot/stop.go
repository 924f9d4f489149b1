package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/taskpilot/internal/signals"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Ask a running 'taskpilot run' to stop",
	Long: `Write the stop signal for this project.

A running 'taskpilot run' in the same project terminates its in-flight tool
invocations, marks the interrupted tasks failed and exits. Reset them with
'taskpilot task reset' before running again.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := signals.SendStop(cfg.StateDir()); err != nil {
			return fmt.Errorf("send stop signal: %w", err)
		}
		printStatus(cmd.OutOrStdout(), "✓", "Stop signal sent", color.FgGreen)
		return nil
	},
}
