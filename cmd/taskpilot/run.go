package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/taskpilot/internal/bridge"
	"github.com/ShayCichocki/taskpilot/internal/orchestrator"
	"github.com/ShayCichocki/taskpilot/internal/signals"
)

var (
	runParallel      int
	runMaxIterations int
	runTool          string
	runDryRun        bool
	runMetricsAddr   string
)

var runCmd = &cobra.Command{
	Use:   "run [task-id...]",
	Short: "Run ready tasks to completion",
	Long: `Run pending tasks whose dependencies are completed.

With no arguments every schedulable task runs; tasks become ready as their
dependencies complete during the session. With task ids only those tasks
run, and their dependencies must already be completed.

Each task is iterated through the selected tool until it completes, fails,
blocks or exhausts its iteration budget. Every invocation is recorded in the
execution log.

Stop a run with Ctrl-C, or from another shell with 'taskpilot stop'.

Examples:
  taskpilot run                         # Run everything that is ready
  taskpilot run add-user-auth           # Run one task
  taskpilot run --parallel 3 --tool claude
  taskpilot run --dry-run               # Print the command for each ready task
  taskpilot run --metrics-addr :9090    # Serve Prometheus metrics during the run`,
	RunE: runTasks,
}

func init() {
	runCmd.Flags().IntVarP(&runParallel, "parallel", "p", 0, "Maximum tasks running at once (default from config)")
	runCmd.Flags().IntVar(&runMaxIterations, "max-iterations", 0, "Iteration budget per task (default from config)")
	runCmd.Flags().StringVar(&runTool, "tool", "", "Preferred tool (default from config)")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "Print the would-be command for each ready task and exit")
	runCmd.Flags().StringVar(&runMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while running")
}

func runTasks(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if runParallel > 0 {
		cfg = cfg.WithMaxParallel(runParallel)
	}
	if runMaxIterations > 0 {
		cfg = cfg.WithMaxIterations(runMaxIterations)
	}
	if runTool != "" {
		cfg = cfg.WithPreferredTool(runTool)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := debugLogger(cfg)
	defer logger.Close()
	logger.Log("[run] root=%s parallel=%d iterations=%d tool=%q", cfg.Root, cfg.Orchestrator.MaxParallel, cfg.Orchestrator.MaxIterations, cfg.Orchestrator.PreferredTool)

	store, err := openStore(cfg, logger)
	if err != nil {
		return err
	}

	// Interrupts and the stop file both cancel the run context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// A dry run reads tasks only: no index, no log, no signal files.
	var (
		runLog  orchestrator.RunLog
		watcher *signals.Watcher
	)
	if !runDryRun {
		idx, err := openRunIndex(cfg)
		if err != nil {
			log.Printf("[run] WARNING: run index unavailable: %v", err)
			idx = nil
		} else {
			defer idx.Close()
		}

		runs, err := openRunLog(cfg, idx, logger)
		if err != nil {
			return fmt.Errorf("open execution log: %w", err)
		}
		defer runs.Close()
		runLog = runs
		if n, err := runs.Prune(cfg.Log.RetentionDays); err != nil {
			log.Printf("[run] WARNING: log retention failed: %v", err)
		} else if n > 0 {
			logger.Log("[run] pruned %d old log files", n)
		}

		stateDir := cfg.StateDir()
		if err := signals.Clear(stateDir); err != nil {
			log.Printf("[run] WARNING: failed to clear stale stop signal: %v", err)
		}
		watcher, err = signals.New(stateDir, signals.WithDebugLog(logger.Func()))
		if err != nil {
			return fmt.Errorf("watch stop signal: %w", err)
		}
		defer watcher.Close()
		var cancel context.CancelFunc
		ctx, cancel = watcher.Context(ctx)
		defer cancel()
	}

	var metrics *orchestrator.Metrics
	if runMetricsAddr != "" && !runDryRun {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector())
		metrics = orchestrator.MustNewMetrics(reg)
		shutdown, err := serveMetrics(runMetricsAddr, reg)
		if err != nil {
			return fmt.Errorf("serve metrics: %w", err)
		}
		defer shutdown()
		logger.Log("[run] serving metrics on %s", runMetricsAddr)
	}

	out := cmd.OutOrStdout()
	emitter := orchestrator.NewEventEmitter(256)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		printEvents(out, emitter.Events())
	}()

	opts := []orchestrator.Option{
		orchestrator.WithMaxParallel(cfg.Orchestrator.MaxParallel),
		orchestrator.WithMaxIterations(cfg.Orchestrator.MaxIterations),
		orchestrator.WithPreferredTool(cfg.Orchestrator.PreferredTool),
		orchestrator.WithWorkDir(cfg.Root),
		orchestrator.WithToolTimeouts(cfg.Tools.Timeouts),
		orchestrator.WithBridgeLimits(cfg.Bridge.MaxBufferBytes, cfg.Bridge.GracePeriod),
		orchestrator.WithLogger(logger),
		orchestrator.WithEmitter(emitter),
		orchestrator.WithMetrics(metrics),
	}
	if runDryRun {
		opts = append(opts, orchestrator.WithDryRun(out))
	}

	orch := orchestrator.New(orchestrator.RequiredConfig{
		Store:    store,
		Registry: newRegistry(cfg, logger),
		Executor: bridge.New(
			bridge.WithBackoff(cfg.Retry.BaseDelay, cfg.Retry.MaxDelay),
			bridge.WithDebugLog(logger.Func()),
		),
		RunLog: runLog,
	}, opts...)

	var summary *orchestrator.Summary
	if len(args) > 0 {
		summary, err = orch.RunTasks(ctx, args)
	} else {
		summary, err = orch.RunAll(ctx)
	}
	emitter.Close()
	wg.Wait()

	if summary != nil && !runDryRun {
		printRunSummary(out, summary)
	} else if summary != nil {
		for _, te := range summary.Errors {
			printSummary(out, te.Summarize())
		}
	}

	if err != nil {
		if ctx.Err() != nil {
			if watcher != nil && watcher.ShouldStop() {
				fmt.Fprintln(os.Stderr, "Stopped by stop signal.")
			} else {
				fmt.Fprintln(os.Stderr, "Interrupted.")
			}
			return errInterrupted
		}
		return err
	}
	if summary != nil && !summary.OK() {
		return errUnresolved
	}
	return nil
}
