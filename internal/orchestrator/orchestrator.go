package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"

	"github.com/ShayCichocki/taskpilot/internal/bridge"
	"github.com/ShayCichocki/taskpilot/internal/graph"
	"github.com/ShayCichocki/taskpilot/internal/lifecycle"
	"github.com/ShayCichocki/taskpilot/internal/taskstore"
	"github.com/ShayCichocki/taskpilot/pkg/models"
)

// Orchestrator drives ready tasks through the bridge until each reaches a
// terminal status or exhausts its iteration budget.
type Orchestrator struct {
	store    TaskStore
	registry ToolSelector
	executor Executor
	runLog   RunLog
	opts     orchestratorOptions
	logger   *DebugLogger
}

// New creates an Orchestrator.
func New(req RequiredConfig, opts ...Option) *Orchestrator {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Orchestrator{
		store:    req.Store,
		registry: req.Registry,
		executor: req.Executor,
		runLog:   req.RunLog,
		opts:     o,
		logger:   o.logger,
	}
}

// RunAll runs every schedulable task in the store.
func (o *Orchestrator) RunAll(ctx context.Context) (*Summary, error) {
	return o.run(ctx, nil)
}

// RunTasks runs only the named tasks. Their dependencies must already be
// satisfied; they are not pulled in.
func (o *Orchestrator) RunTasks(ctx context.Context, ids []string) (*Summary, error) {
	selected := make(map[string]bool, len(ids))
	for _, id := range ids {
		if _, err := o.store.Read(id); err != nil {
			return nil, err
		}
		selected[id] = true
	}
	return o.run(ctx, selected)
}

func (o *Orchestrator) run(ctx context.Context, selected map[string]bool) (*Summary, error) {
	snapshot, err := o.store.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("load tasks: %w", err)
	}
	g := graph.Build(snapshot)
	g.SetDebugLog(o.logger.Func())

	summary := &Summary{}
	inScope := func(id string) bool { return selected == nil || selected[id] }

	excluded := make(map[string]bool)
	if err := g.DetectCycles(); err != nil {
		log.Printf("[orchestrator] %v", err)
		for _, id := range g.CycleMembers() {
			excluded[id] = true
			if inScope(id) {
				summary.Errors = append(summary.Errors, TaskError{TaskID: id, Err: err})
			}
		}
	}

	if o.opts.dryRun != nil {
		err := o.dryRun(ctx, g, inScope, excluded, summary)
		summary.sort()
		return summary, err
	}

	tool, err := o.registry.Select(ctx, o.opts.preferredTool)
	if err != nil {
		return summary, err
	}
	timeout := o.opts.timeouts[tool.Name]
	if timeout <= 0 {
		timeout = tool.DefaultTimeout
	}
	scope := make([]string, 0, len(selected))
	for id := range selected {
		scope = append(scope, id)
	}
	o.logger.Session(SessionHeader{
		Root:          o.opts.workDir,
		Tool:          tool.Name,
		Command:       tool.Command,
		MaxParallel:   o.opts.maxParallel,
		MaxIterations: o.opts.maxIterations,
		Timeout:       timeout,
		Scope:         scope,
	})

	sched := &scheduler{
		o:        o,
		tool:     tool,
		inScope:  inScope,
		excluded: excluded,
		summary:  summary,
	}
	err = sched.loop(ctx)

	o.reportUndispatched(sched.dispatched, inScope, excluded, summary)
	summary.sort()
	o.emit(OrchestratorEvent{
		Type:    EventSessionDone,
		Message: fmt.Sprintf("%d completed, %d failed, %d blocked, %d skipped", len(summary.Completed), len(summary.Failed), len(summary.Blocked), len(summary.Skipped)),
	})
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	return summary, err
}

// reportUndispatched files pending in-scope tasks that never ran as
// skipped, with the reason when a dependency can no longer complete.
func (o *Orchestrator) reportUndispatched(dispatched map[string]bool, inScope func(string) bool, excluded map[string]bool, summary *Summary) {
	snapshot, err := o.store.Snapshot()
	if err != nil {
		log.Printf("[orchestrator] WARNING: failed to reload tasks for summary: %v", err)
		return
	}
	g := graph.Build(snapshot)
	unreachable := make(map[string]bool)
	for _, id := range g.Unreachable() {
		unreachable[id] = true
	}

	for _, id := range g.IDs() {
		t := g.Task(id)
		if t == nil || t.Status != models.TaskStatusPending || dispatched[id] || !inScope(id) {
			continue
		}
		summary.Skipped = append(summary.Skipped, id)
		msg := "dependencies not satisfied"
		switch {
		case excluded[id]:
			msg = "task is part of a dependency cycle"
		case unreachable[id]:
			unmet := lifecycle.UnmetDependencies(t.DependsOn, g.Statuses())
			msg = fmt.Sprintf("dependency cannot complete: %s", strings.Join(unmet, ", "))
		}
		o.emit(OrchestratorEvent{Type: EventTaskSkipped, TaskID: id, TaskTitle: t.Title, Status: t.Status, Message: msg})
	}
}

// dryRun prints the command line each ready task would run with, in
// topological order, without invoking or mutating anything.
func (o *Orchestrator) dryRun(ctx context.Context, g *graph.Graph, inScope func(string) bool, excluded map[string]bool, summary *Summary) error {
	tool, err := o.registry.Select(ctx, o.opts.preferredTool)
	if err != nil {
		descs := o.registry.Descriptors()
		if len(descs) == 0 {
			return err
		}
		tool = descs[0]
		fmt.Fprintf(o.opts.dryRun, "# no tool available; showing %s\n", tool.Name)
	}

	ready := make(map[string]bool)
	for _, id := range g.ComputeReady() {
		ready[id] = true
	}

	order, err := g.TopologicalOrder()
	if err != nil {
		// Cycle members are excluded; order the rest by id.
		order = g.IDs()
	}
	for _, id := range order {
		if !ready[id] || excluded[id] || !inScope(id) {
			continue
		}
		argv := tool.Argv(BuildPrompt(g.Task(id), nil))
		line := shellquote.Join(argv...)
		summary.DryRun = append(summary.DryRun, id)
		fmt.Fprintf(o.opts.dryRun, "%s: %s\n", id, line)
		o.emit(OrchestratorEvent{Type: EventDryRun, TaskID: id, TaskTitle: g.Task(id).Title, Tool: tool.Name, Message: line})
	}
	return nil
}

// runTask claims one task and iterates it to a terminal status.
func (o *Orchestrator) runTask(ctx context.Context, id string, tool models.ToolDescriptor) taskResult {
	lease, err := o.store.Claim(id)
	if err != nil {
		if errors.Is(err, taskstore.ErrClaimed) {
			o.logger.Log("[orchestrator] %s claimed elsewhere, skipping", id)
		}
		return taskResult{taskID: id, status: models.TaskStatusPending, err: err}
	}
	defer lease.Release()

	inProgress := models.TaskStatusInProgress
	task, err := o.store.Update(id, taskstore.Patch{
		ExpectStatus: models.TaskStatusPending,
		Status:       &inProgress,
	})
	if err != nil {
		return taskResult{taskID: id, status: models.TaskStatusPending, err: err}
	}
	started := o.opts.now()
	o.opts.metrics.TaskStarted()
	o.emit(OrchestratorEvent{Type: EventTaskStarted, TaskID: id, TaskTitle: task.Title, Status: task.Status})

	var prev *RunSummary
	for iteration := 1; iteration <= o.opts.maxIterations; iteration++ {
		if err := ctx.Err(); err != nil {
			return o.finish(task, models.TaskStatusFailed, lifecycle.Guard{BudgetExhausted: true},
				fmt.Errorf("interrupted: %w", err), "", started)
		}

		if unmet := o.unmetDependencies(task); len(unmet) > 0 {
			reason := fmt.Sprintf("dependency no longer satisfied: %s", strings.Join(unmet, ", "))
			return o.finish(task, models.TaskStatusBlocked, lifecycle.Guard{Signal: reason}, nil, reason, started)
		}

		prompt := BuildPrompt(task, prev)
		o.logger.Log("[orchestrator] %s iteration %d/%d", id, iteration, o.opts.maxIterations)
		res := o.executor.Execute(ctx, bridge.Request{
			Tool:      tool,
			Prompt:    prompt,
			WorkDir:   o.opts.workDir,
			Timeout:   o.opts.timeouts[tool.Name],
			MaxBuffer: o.opts.maxBuffer,
			Grace:     o.opts.grace,
			Sink:      newRunRecorder(o, task, iteration),
		})

		attempts := task.Attempts + len(res.Invocations)
		outcome := res.Outcome
		if updated, err := o.store.Update(id, taskstore.Patch{Attempts: &attempts, LastOutcome: &outcome}); err != nil {
			log.Printf("[orchestrator] WARNING: failed to record attempts for %s: %v", id, err)
		} else {
			task = updated
		}

		if res.Outcome == models.OutcomeSuccess {
			return o.complete(task, started)
		}
		if reason, ok := res.BlockedReason(); ok {
			if reason == "" {
				reason = "agent reported blocked"
			}
			return o.finish(task, models.TaskStatusBlocked, lifecycle.Guard{Signal: reason}, res.Err, reason, started)
		}
		if res.Outcome == models.OutcomeNeedsContinuation {
			prev = summarize(iteration, res)
			continue
		}
		return o.finish(task, models.TaskStatusFailed, lifecycle.Guard{BudgetExhausted: true}, res.Err, "", started)
	}

	return o.finish(task, models.TaskStatusFailed, lifecycle.Guard{BudgetExhausted: true},
		fmt.Errorf("iteration budget of %d exhausted without completion", o.opts.maxIterations), "", started)
}

// complete moves a task whose run succeeded to completed, or to blocked
// when its content fails validation.
func (o *Orchestrator) complete(task *models.Task, started time.Time) taskResult {
	report, err := o.store.Validate(task.ID)
	if err != nil {
		return o.finish(task, models.TaskStatusFailed, lifecycle.Guard{BudgetExhausted: true}, err, "", started)
	}
	if !report.OK() {
		reason := fmt.Sprintf("validation failed with %d error(s)", len(report.Errors))
		return o.finish(task, models.TaskStatusBlocked, lifecycle.Guard{Signal: reason, ValidationErrors: len(report.Errors)}, report.Err(), reason, started)
	}
	return o.finish(task, models.TaskStatusCompleted, lifecycle.Guard{Outcome: models.OutcomeSuccess}, nil, "", started)
}

// finish applies the terminal transition and reports it. cause is recorded
// as the task's last error; reason is a human-readable message.
func (o *Orchestrator) finish(task *models.Task, to models.TaskStatus, g lifecycle.Guard, cause error, reason string, started time.Time) taskResult {
	patch := taskstore.Patch{
		ExpectStatus: models.TaskStatusInProgress,
		Status:       &to,
		Guard:        g,
	}
	lastErr := reason
	if cause != nil {
		lastErr = cause.Error()
	}
	patch.LastError = &lastErr

	updated, err := o.store.Update(task.ID, patch)
	if err != nil {
		log.Printf("[orchestrator] ERROR: failed to move %s to %s: %v", task.ID, to, err)
		o.opts.metrics.TaskFinished(models.TaskStatusInProgress)
		return taskResult{taskID: task.ID, status: models.TaskStatusInProgress, err: err}
	}

	o.opts.metrics.TaskFinished(updated.Status)
	o.logger.TaskResult(task.ID, updated.Status, updated.Attempts, o.opts.now().Sub(started), lastErr)
	o.emit(OrchestratorEvent{Type: EventTaskStatus, TaskID: task.ID, TaskTitle: task.Title, Status: updated.Status})

	ev := OrchestratorEvent{
		TaskID:    task.ID,
		TaskTitle: task.Title,
		Status:    updated.Status,
		Message:   reason,
		Error:     cause,
		Duration:  o.opts.now().Sub(started),
	}
	res := taskResult{taskID: task.ID, status: updated.Status}
	switch to {
	case models.TaskStatusCompleted:
		ev.Type = EventTaskCompleted
	case models.TaskStatusBlocked:
		ev.Type = EventTaskBlocked
		res.err = blockedError(reason, cause)
	default:
		ev.Type = EventTaskFailed
		res.err = cause
		if res.err == nil {
			res.err = errors.New("task failed")
		}
	}
	o.emit(ev)
	return res
}

// blockedError keeps the agent's own error when there is one.
func blockedError(reason string, cause error) error {
	if cause != nil {
		return cause
	}
	return fmt.Errorf("blocked: %s", reason)
}

// unmetDependencies re-reads the task's dependencies from the store.
func (o *Orchestrator) unmetDependencies(task *models.Task) []string {
	statuses := make(map[string]models.TaskStatus, len(task.DependsOn))
	for _, dep := range task.DependsOn {
		t, err := o.store.Read(dep)
		if err != nil {
			continue
		}
		statuses[dep] = t.Status
	}
	return lifecycle.UnmetDependencies(task.DependsOn, statuses)
}

func (o *Orchestrator) emit(ev OrchestratorEvent) {
	if o.opts.emitter == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = o.opts.now()
	}
	o.opts.emitter.Emit(ev)
}
