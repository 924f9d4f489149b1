package orchestrator

import (
	"context"
	"log"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/ShayCichocki/taskpilot/internal/graph"
	"github.com/ShayCichocki/taskpilot/pkg/models"
)

// scheduler dispatches ready tasks up to the parallelism limit. After every
// completion the ready set is recomputed from a fresh snapshot, so tasks
// whose dependencies just completed become eligible in the same session.
type scheduler struct {
	o        *Orchestrator
	tool     models.ToolDescriptor
	inScope  func(id string) bool
	excluded map[string]bool
	summary  *Summary

	// dispatched holds every task handed to a worker this session.
	dispatched map[string]bool
}

func (s *scheduler) loop(ctx context.Context) error {
	s.dispatched = make(map[string]bool)
	limit := int64(s.o.opts.maxParallel)
	sem := semaphore.NewWeighted(limit)
	eg, egCtx := errgroup.WithContext(ctx)
	results := make(chan taskResult, s.o.opts.maxParallel)

	inFlight := 0
	for {
		if ctx.Err() == nil {
			ready, err := s.ready()
			if err != nil {
				log.Printf("[orchestrator] ERROR: failed to compute ready set: %v", err)
				if inFlight == 0 {
					_ = eg.Wait()
					return err
				}
				ready = nil
			}
			for _, id := range ready {
				if !sem.TryAcquire(1) {
					break
				}
				s.dispatched[id] = true
				inFlight++
				id := id
				eg.Go(func() error {
					r := s.o.runTask(egCtx, id, s.tool)
					// Release before reporting so the loop can refill the slot.
					sem.Release(1)
					results <- r
					return nil
				})
			}
		}

		if inFlight == 0 {
			break
		}
		r := <-results
		inFlight--
		s.summary.record(r)
		s.o.logger.Log("[scheduler] %s finished as %s (%d in flight)", r.taskID, r.status, inFlight)
	}
	return eg.Wait()
}

// ready returns pending tasks whose dependencies are satisfied and that
// have not been dispatched yet.
func (s *scheduler) ready() ([]string, error) {
	snapshot, err := s.o.store.Snapshot()
	if err != nil {
		return nil, err
	}
	g := graph.Build(snapshot)
	g.SetDebugLog(s.o.logger.Func())

	var out []string
	for _, id := range g.ComputeReady() {
		if s.dispatched[id] || s.excluded[id] || !s.inScope(id) {
			continue
		}
		out = append(out, id)
	}
	return out, nil
}
