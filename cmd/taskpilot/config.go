package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/taskpilot/internal/config"
)

var configProject bool

var configCmd = &cobra.Command{
	Use:   "config [key] [value]",
	Short: "Manage configuration",
	Long: `View or modify taskpilot configuration.

Without arguments, displays every configuration key.
With one argument (key), displays the value for that key.
With two arguments (key value), sets the configuration value.

Configuration is stored at ~/.config/taskpilot/config.yaml
Project-specific overrides can be placed in .taskpilot.yaml (use --project
to write there). Lists are comma separated; durations use Go syntax (30s, 5m).`,
	Args: cobra.MaximumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		switch len(args) {
		case 0:
			return displayAllConfig(cmd, cfg)
		case 1:
			value, err := config.Get(cfg, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), value)
			return nil
		default:
			return setConfigKey(cmd, cfg, args[0], args[1])
		}
	},
}

func init() {
	configCmd.Flags().BoolVar(&configProject, "project", false, "Write to the project .taskpilot.yaml instead of the user config")
}

// displayAllConfig prints all configuration values.
func displayAllConfig(cmd *cobra.Command, cfg config.Config) error {
	out := cmd.OutOrStdout()
	for _, key := range config.Keys(cfg) {
		value, err := config.Get(cfg, key)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s: %s\n", key, value)
	}
	return nil
}

// setConfigKey sets a configuration value and saves the config.
func setConfigKey(cmd *cobra.Command, cfg config.Config, key, value string) error {
	updated, err := config.Set(cfg, key, value)
	if err != nil {
		return err
	}
	// Root was resolved to an absolute path on load; keep the file portable.
	if key != "root" {
		updated = updated.WithRoot(".")
	}

	if configProject {
		path := config.GetProjectConfigPath()
		if path == "" {
			path = config.ProjectConfigName
		}
		err = config.SaveTo(updated, path)
	} else {
		err = config.Save(updated)
	}
	if err != nil {
		return fmt.Errorf("saving config: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", key, value)
	return nil
}
