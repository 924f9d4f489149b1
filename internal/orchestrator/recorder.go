package orchestrator

import (
	"log"

	"github.com/ShayCichocki/taskpilot/internal/bridge"
	"github.com/ShayCichocki/taskpilot/pkg/models"
)

// runRecorder is the bridge sink for one iteration of one task. Each bridge
// invocation becomes a Run in the execution log, written as it happens.
type runRecorder struct {
	o         *Orchestrator
	task      *models.Task
	iteration int
	runs      map[string]*models.Run
}

func newRunRecorder(o *Orchestrator, task *models.Task, iteration int) *runRecorder {
	return &runRecorder{o: o, task: task, iteration: iteration, runs: make(map[string]*models.Run)}
}

func (r *runRecorder) InvocationStarted(inv *bridge.Invocation) {
	run := &models.Run{
		ID:           inv.ID,
		TaskID:       r.task.ID,
		Tool:         inv.Tool,
		Attempt:      inv.Attempt,
		Iteration:    r.iteration,
		Continuation: inv.Continuation,
		StartedAt:    inv.StartedAt,
	}
	r.runs[inv.ID] = run
	if err := r.o.runLog.StartRun(*run); err != nil {
		log.Printf("[orchestrator] WARNING: failed to log run start for %s: %v", r.task.ID, err)
	}
	r.o.emit(OrchestratorEvent{
		Type:      EventRunStarted,
		TaskID:    r.task.ID,
		TaskTitle: r.task.Title,
		RunID:     inv.ID,
		Tool:      inv.Tool,
		Iteration: r.iteration,
		Message:   runLabel(inv),
	})
}

func (r *runRecorder) Event(inv *bridge.Invocation, ev models.Event) {
	if err := r.o.runLog.AppendEvent(inv.ID, r.task.ID, ev); err != nil {
		r.o.logger.Log("[orchestrator] failed to log event %d of run %s: %v", ev.Seq, inv.ID, err)
	}
}

func (r *runRecorder) InvocationEnded(inv *bridge.Invocation) {
	run, ok := r.runs[inv.ID]
	if !ok {
		return
	}
	run.EndedAt = inv.EndedAt
	run.Outcome = inv.Outcome
	run.EventCount = len(inv.Events)
	run.ExitCode = inv.ExitCode
	if inv.Err != nil {
		run.Error = inv.Err.Error()
	}
	if err := r.o.runLog.EndRun(*run); err != nil {
		log.Printf("[orchestrator] WARNING: failed to log run end for %s: %v", r.task.ID, err)
	}
	r.o.opts.metrics.ObserveRun(inv.Tool, inv.Outcome, run.Duration(), inv.Attempt > 1 && !inv.Continuation)
	r.o.emit(OrchestratorEvent{
		Type:      EventRunCompleted,
		TaskID:    r.task.ID,
		TaskTitle: r.task.Title,
		RunID:     inv.ID,
		Tool:      inv.Tool,
		Iteration: r.iteration,
		Outcome:   inv.Outcome,
		Error:     inv.Err,
		Duration:  run.Duration(),
	})
}

func runLabel(inv *bridge.Invocation) string {
	if inv.Continuation {
		return "continuation"
	}
	if inv.Attempt > 1 {
		return "retry"
	}
	return "initial"
}

var _ bridge.Sink = (*runRecorder)(nil)
