package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/taskpilot/internal/config"
	"github.com/ShayCichocki/taskpilot/internal/exec"
	"github.com/ShayCichocki/taskpilot/internal/orchestrator"
	"github.com/ShayCichocki/taskpilot/internal/runlog"
	"github.com/ShayCichocki/taskpilot/internal/state"
	"github.com/ShayCichocki/taskpilot/internal/taskstore"
	"github.com/ShayCichocki/taskpilot/internal/toolregistry"
)

var (
	rootConfigPath string
	rootDir        string
	rootDebug      bool
)

var rootCmd = &cobra.Command{
	Use:   "taskpilot",
	Short: "Autonomous task execution engine",
	Long: `Taskpilot drives change proposals on disk to completion by running
an external coding-agent CLI against each one.

Tasks live under tasks/<id>/ as a proposal, a checklist and spec deltas.
Taskpilot resolves their dependencies, invokes the best available tool for
every ready task, keeps an append-only execution log of each invocation and
moves tasks through pending, in-progress, completed, failed and blocked.

Configuration is read from ~/.config/taskpilot/config.yaml, then the nearest
.taskpilot.yaml, then TASKPILOT_* environment variables.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		printError(err)
		os.Exit(exitCode(err))
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rootConfigPath, "config", "", "Config file (default: user config merged with .taskpilot.yaml)")
	rootCmd.PersistentFlags().StringVar(&rootDir, "root", "", "Project root holding tasks/ and archive/")
	rootCmd.PersistentFlags().BoolVar(&rootDebug, "debug", false, "Write the orchestrator debug log")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(toolsCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig loads the configuration snapshot and applies global flags.
func loadConfig() (config.Config, error) {
	var (
		cfg config.Config
		err error
	)
	if rootConfigPath != "" {
		cfg, err = config.LoadFromPath(rootConfigPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return config.Config{}, err
	}
	if rootDir != "" {
		cfg = cfg.WithRoot(rootDir)
	}
	if rootDebug || os.Getenv("TASKPILOT_DEBUG") != "" {
		cfg = cfg.WithDebug(true)
	}
	abs, err := filepath.Abs(cfg.Root)
	if err != nil {
		return config.Config{}, fmt.Errorf("resolve root: %w", err)
	}
	cfg = cfg.WithRoot(abs)
	return cfg, cfg.Validate()
}

// debugLogger returns the file debug logger when debug logging is on.
func debugLogger(cfg config.Config) *orchestrator.DebugLogger {
	if !cfg.Log.Debug {
		return orchestrator.NopLogger()
	}
	return orchestrator.NewDebugLoggerInDir(cfg.LogDir())
}

func openStore(cfg config.Config, logger *orchestrator.DebugLogger) (*taskstore.Store, error) {
	return taskstore.New(cfg.Root, taskstore.WithDebugLog(logger.Func()))
}

// openRunIndex opens the SQLite run index. The index is optional: callers
// carry on without it when it cannot be opened.
func openRunIndex(cfg config.Config) (*state.DB, error) {
	return state.OpenProject(cfg.Root)
}

func openRunLog(cfg config.Config, idx *state.DB, logger *orchestrator.DebugLogger) (*runlog.Log, error) {
	opts := []runlog.Option{runlog.WithDebugLog(logger.Func())}
	if idx != nil {
		opts = append(opts, runlog.WithIndex(idx))
	}
	return runlog.Open(cfg.LogDir(), opts...)
}

// newRegistry builds the tool registry from the configured tool list.
func newRegistry(cfg config.Config, logger *orchestrator.DebugLogger) *toolregistry.Registry {
	descs := toolregistry.Filter(toolregistry.Builtin(), cfg.Tools.Enabled)
	descs = toolregistry.WithTimeouts(descs, cfg.Tools.Timeouts)
	descs = toolregistry.WithRetryBudget(descs, cfg.Retry.MaxRetries)
	return toolregistry.New(descs, exec.NewRunner(),
		toolregistry.WithProbeTimeout(cfg.Tools.ProbeTimeout),
		toolregistry.WithDebugLog(logger.Func()),
	)
}
