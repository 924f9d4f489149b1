// Package orchestrator drives tasks from pending to a terminal status.
//
// The orchestrator package provides:
//   - Scheduling: ready tasks are computed from the dependency graph and
//     dispatched up to a parallelism bound, recomputing after each completion
//   - Execution: each task is claimed, moved to in-progress and iterated
//     through the bridge until it completes, fails, blocks or runs out of
//     iterations
//   - Recording: every tool invocation is appended to the execution log as a
//     Run with its Events while it is in flight
//
// Example usage:
//
//	orch := orchestrator.New(orchestrator.RequiredConfig{
//		Store:    store,
//		Registry: registry,
//		Executor: bridge.New(),
//		RunLog:   runs,
//	}, orchestrator.WithMaxParallel(2))
//	summary, err := orch.RunAll(ctx)
package orchestrator
