package main

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "Detect the supported coding-agent CLIs",
	Long: `Probe every enabled tool and report whether it can be used.

Tools are listed in priority order. 'taskpilot run' uses the preferred tool
when it is available and otherwise the first available one.`,
	RunE: runTools,
}

func runTools(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := debugLogger(cfg)
	defer logger.Close()

	registry := newRegistry(cfg, logger)
	out := cmd.OutOrStdout()
	available := 0
	for _, det := range registry.Detect(cmd.Context()) {
		d, _ := registry.Describe(det.Name)
		label := fmt.Sprintf("%-14s %s", det.Name, d.Class)
		if !det.Available {
			printStatus(out, "✗", fmt.Sprintf("%s: %s", label, det.Error), color.FgRed)
			continue
		}
		available++
		line := fmt.Sprintf("%s: %s (%s)", label, det.Version, det.Path)
		if det.Name == cfg.Orchestrator.PreferredTool {
			line += " [preferred]"
		}
		printStatus(out, "✓", line, color.FgGreen)
		logger.Log("[tools] %s: %s", det.Name, strings.Join(d.Argv("{prompt}"), " "))
	}
	if available == 0 {
		fmt.Fprintln(out, "\nNo tool available. Install one of the tools above or adjust tools.enabled.")
	}
	return nil
}
