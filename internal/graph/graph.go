// Package graph provides a dependency graph for task scheduling.
//
// A Graph is built from a snapshot of the task store and is never kept across
// scheduling decisions; callers rebuild it whenever task state may have changed.
package graph

import (
	"container/heap"
	"sort"

	"github.com/ShayCichocki/taskpilot/internal/errs"
	"github.com/ShayCichocki/taskpilot/pkg/models"
)

// Graph is an immutable view of task dependencies. Tasks are nodes and edges
// point from a task to the tasks it depends on.
type Graph struct {
	// nodes maps task ID to the task itself.
	nodes map[string]*models.Task
	// edges maps task ID to the sorted IDs of tasks it depends on.
	edges map[string][]string
	// dependents maps task ID to the sorted IDs of tasks depending on it.
	dependents map[string][]string
	// ids holds every node ID in lexical order.
	ids []string
	// debugLog is an optional logging function.
	debugLog func(format string, args ...interface{})
}

// Build constructs the graph from a slice of tasks. Dependencies that name
// unknown tasks are kept as dangling edges; they are never satisfied.
func Build(tasks []*models.Task) *Graph {
	g := &Graph{
		nodes:      make(map[string]*models.Task, len(tasks)),
		edges:      make(map[string][]string, len(tasks)),
		dependents: make(map[string][]string),
		debugLog:   func(format string, args ...interface{}) {},
	}

	for _, task := range tasks {
		g.nodes[task.ID] = task
		g.ids = append(g.ids, task.ID)
	}
	sort.Strings(g.ids)

	for _, task := range tasks {
		seen := make(map[string]bool, len(task.DependsOn))
		deps := make([]string, 0, len(task.DependsOn))
		for _, dep := range task.DependsOn {
			if seen[dep] {
				continue
			}
			seen[dep] = true
			deps = append(deps, dep)
			g.dependents[dep] = append(g.dependents[dep], task.ID)
		}
		sort.Strings(deps)
		g.edges[task.ID] = deps
	}
	for id := range g.dependents {
		sort.Strings(g.dependents[id])
	}
	return g
}

// SetDebugLog sets the debug logging function.
func (g *Graph) SetDebugLog(fn func(format string, args ...interface{})) {
	if fn != nil {
		g.debugLog = fn
	}
}

// Satisfied reports whether a dependency in status s counts as done.
// Archived tasks were completed before they were archived.
func Satisfied(s models.TaskStatus) bool {
	return s == models.TaskStatusCompleted || s == models.TaskStatusArchived
}

const (
	white = iota
	gray
	black
)

// DetectCycles walks the graph depth-first in lexical order and returns a
// *errs.CycleError describing the first cycle found, or nil. The path lists
// each member once, starting at the node where the walk entered the cycle.
func (g *Graph) DetectCycles() error {
	color := make(map[string]int, len(g.nodes))
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		color[id] = gray
		stack = append(stack, id)
		for _, dep := range g.edges[id] {
			if _, ok := g.nodes[dep]; !ok {
				continue
			}
			switch color[dep] {
			case gray:
				// Back edge: the cycle is the stack suffix starting at dep.
				for i := len(stack) - 1; i >= 0; i-- {
					if stack[i] == dep {
						return append([]string(nil), stack[i:]...)
					}
				}
			case white:
				if path := visit(dep); path != nil {
					return path
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return nil
	}

	for _, id := range g.ids {
		if color[id] != white {
			continue
		}
		if path := visit(id); path != nil {
			g.debugLog("[graph.DetectCycles] cycle: %v", path)
			return &errs.CycleError{Path: path}
		}
	}
	return nil
}

// CycleMembers returns the sorted IDs of every task lying on any cycle.
func (g *Graph) CycleMembers() []string {
	// Tarjan's strongly connected components.
	index := 0
	indices := make(map[string]int, len(g.nodes))
	lowlink := make(map[string]int, len(g.nodes))
	onStack := make(map[string]bool, len(g.nodes))
	var stack []string
	var members []string

	var strongconnect func(id string)
	strongconnect = func(id string) {
		indices[id] = index
		lowlink[id] = index
		index++
		stack = append(stack, id)
		onStack[id] = true

		selfLoop := false
		for _, dep := range g.edges[id] {
			if _, ok := g.nodes[dep]; !ok {
				continue
			}
			if dep == id {
				selfLoop = true
			}
			if _, visited := indices[dep]; !visited {
				strongconnect(dep)
				lowlink[id] = min(lowlink[id], lowlink[dep])
			} else if onStack[dep] {
				lowlink[id] = min(lowlink[id], indices[dep])
			}
		}

		if lowlink[id] != indices[id] {
			return
		}
		var component []string
		for {
			top := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			onStack[top] = false
			component = append(component, top)
			if top == id {
				break
			}
		}
		if len(component) > 1 || selfLoop {
			members = append(members, component...)
		}
	}

	for _, id := range g.ids {
		if _, visited := indices[id]; !visited {
			strongconnect(id)
		}
	}
	sort.Strings(members)
	return members
}

// ComputeReady returns the sorted IDs of pending tasks whose every dependency
// is satisfied.
func (g *Graph) ComputeReady() []string {
	var ready []string
	for _, id := range g.ids {
		task := g.nodes[id]
		if task.Status != models.TaskStatusPending {
			continue
		}
		if g.depsSatisfied(id) {
			ready = append(ready, id)
		}
	}
	g.debugLog("[graph.ComputeReady] %d ready: %v", len(ready), ready)
	return ready
}

func (g *Graph) depsSatisfied(id string) bool {
	for _, dep := range g.edges[id] {
		depTask, ok := g.nodes[dep]
		if !ok || !Satisfied(depTask.Status) {
			return false
		}
	}
	return true
}

// Unreachable returns the sorted IDs of pending tasks that can never become
// ready: some transitive dependency is failed, blocked, unknown, or on a cycle.
func (g *Graph) Unreachable() []string {
	doomed := make(map[string]bool)
	for _, id := range g.CycleMembers() {
		doomed[id] = true
	}

	memo := make(map[string]bool)
	var dead func(id string, seen map[string]bool) bool
	dead = func(id string, seen map[string]bool) bool {
		if v, ok := memo[id]; ok {
			return v
		}
		if doomed[id] {
			return true
		}
		task, ok := g.nodes[id]
		if !ok {
			return true
		}
		switch task.Status {
		case models.TaskStatusFailed, models.TaskStatusBlocked:
			return true
		case models.TaskStatusCompleted, models.TaskStatusArchived:
			return false
		}
		if seen[id] {
			return true
		}
		seen[id] = true
		result := false
		for _, dep := range g.edges[id] {
			if dead(dep, seen) {
				result = true
				break
			}
		}
		memo[id] = result
		return result
	}

	var out []string
	for _, id := range g.ids {
		if g.nodes[id].Status != models.TaskStatusPending {
			continue
		}
		if doomed[id] {
			out = append(out, id)
			continue
		}
		for _, dep := range g.edges[id] {
			if dead(dep, map[string]bool{}) {
				out = append(out, id)
				break
			}
		}
	}
	return out
}

type stringMinHeap []string

func (h stringMinHeap) Len() int           { return len(h) }
func (h stringMinHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h stringMinHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *stringMinHeap) Push(x any)        { *h = append(*h, x.(string)) }
func (h *stringMinHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// TopologicalOrder returns task IDs with every dependency before its
// dependents. Ties are broken lexically, so the order is deterministic.
// Dangling dependencies are ignored. Returns a *errs.CycleError on cycles.
func (g *Graph) TopologicalOrder() ([]string, error) {
	indeg := make(map[string]int, len(g.nodes))
	for _, id := range g.ids {
		for _, dep := range g.edges[id] {
			if _, ok := g.nodes[dep]; ok {
				indeg[id]++
			}
		}
	}

	ready := &stringMinHeap{}
	heap.Init(ready)
	for _, id := range g.ids {
		if indeg[id] == 0 {
			heap.Push(ready, id)
		}
	}

	out := make([]string, 0, len(g.ids))
	for ready.Len() > 0 {
		id := heap.Pop(ready).(string)
		out = append(out, id)
		for _, dependent := range g.dependents[id] {
			if _, ok := g.nodes[dependent]; !ok {
				continue
			}
			indeg[dependent]--
			if indeg[dependent] == 0 {
				heap.Push(ready, dependent)
			}
		}
	}

	if len(out) != len(g.ids) {
		if err := g.DetectCycles(); err != nil {
			return nil, err
		}
		return nil, &errs.CycleError{}
	}
	return out, nil
}

// Task returns the task for a given ID, or nil if not found.
func (g *Graph) Task(id string) *models.Task {
	return g.nodes[id]
}

// Size returns the number of tasks in the graph.
func (g *Graph) Size() int {
	return len(g.nodes)
}

// IDs returns every task ID in lexical order.
func (g *Graph) IDs() []string {
	return append([]string(nil), g.ids...)
}

// Dependencies returns the IDs of tasks that the given task depends on.
func (g *Graph) Dependencies(id string) []string {
	return append([]string(nil), g.edges[id]...)
}

// Dependents returns the IDs of tasks that depend on the given task.
func (g *Graph) Dependents(id string) []string {
	return append([]string(nil), g.dependents[id]...)
}

// Statuses returns a map of task ID to status for lifecycle guards.
func (g *Graph) Statuses() map[string]models.TaskStatus {
	out := make(map[string]models.TaskStatus, len(g.nodes))
	for id, task := range g.nodes {
		out[id] = task.Status
	}
	return out
}
