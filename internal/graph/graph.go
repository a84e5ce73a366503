// Package graph provides the task dependency graph used for scheduling.
package graph

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/fentz26/relay/internal/models"
)

var (
	// ErrCycleDetected indicates a circular dependency was found in the task graph.
	ErrCycleDetected = errors.New("circular dependency detected")
	// ErrUnknownDependency indicates a task depends on an id outside the task set.
	ErrUnknownDependency = errors.New("unknown dependency")
)

// CycleError reports a dependency cycle along with the path that closes it.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("%s: %s", ErrCycleDetected, strings.Join(e.Path, " -> "))
}

func (e *CycleError) Unwrap() error { return ErrCycleDetected }

// UnknownDependencyError reports a dependency id that names no task.
type UnknownDependencyError struct {
	TaskID       string
	DependencyID string
}

func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("task %s depends on unknown task %s", e.TaskID, e.DependencyID)
}

func (e *UnknownDependencyError) Unwrap() error { return ErrUnknownDependency }

// DependencyGraph is a directed graph over tasks. Edges point from a task to
// the tasks it depends on; dependents holds the reverse edges.
type DependencyGraph struct {
	nodes      map[string]*models.Task
	edges      map[string][]string
	dependents map[string][]string
	// order preserves input position for deterministic output.
	order map[string]int
}

// Build constructs and validates the graph for a set of tasks.
// Returns an error if a dependency references an unknown task or a cycle exists.
func Build(tasks []*models.Task) (*DependencyGraph, error) {
	g := &DependencyGraph{
		nodes:      make(map[string]*models.Task, len(tasks)),
		edges:      make(map[string][]string, len(tasks)),
		dependents: make(map[string][]string, len(tasks)),
		order:      make(map[string]int, len(tasks)),
	}

	// First pass: register all tasks as nodes.
	for i, task := range tasks {
		g.nodes[task.ID] = task
		g.edges[task.ID] = nil
		g.order[task.ID] = i
	}

	// Second pass: resolve dependencies and record reverse edges.
	for _, task := range tasks {
		seen := make(map[string]bool, len(task.Dependencies))
		for _, depID := range task.Dependencies {
			if _, ok := g.nodes[depID]; !ok {
				return nil, &UnknownDependencyError{TaskID: task.ID, DependencyID: depID}
			}
			if seen[depID] {
				continue
			}
			seen[depID] = true
			g.edges[task.ID] = append(g.edges[task.ID], depID)
			g.dependents[depID] = append(g.dependents[depID], task.ID)
		}
	}

	if hasCycle, path := g.DetectCycle(); hasCycle {
		return nil, &CycleError{Path: path}
	}
	return g, nil
}

// DetectCycle runs a depth-first search with white/gray/black coloring.
// Revisiting a gray node closes a cycle; the returned path starts and ends
// on that node.
func (g *DependencyGraph) DetectCycle() (bool, []string) {
	const (
		white = iota
		gray
		black
	)
	colors := make(map[string]int, len(g.nodes))
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		colors[id] = gray
		stack = append(stack, id)

		for _, depID := range g.edges[id] {
			switch colors[depID] {
			case gray:
				start := 0
				for i, s := range stack {
					if s == depID {
						start = i
						break
					}
				}
				cycle = append(append([]string{}, stack[start:]...), depID)
				return true
			case white:
				if visit(depID) {
					return true
				}
			}
		}

		stack = stack[:len(stack)-1]
		colors[id] = black
		return false
	}

	for _, id := range g.sortedIDs() {
		if colors[id] == white && visit(id) {
			return true, cycle
		}
	}
	return false, nil
}

// ExecutionLayers groups tasks into batches using Kahn's algorithm. Every task
// in layer k depends only on tasks in layers 0..k-1.
func (g *DependencyGraph) ExecutionLayers() ([][]string, error) {
	inDegree := make(map[string]int, len(g.nodes))
	var frontier []string
	for id := range g.nodes {
		inDegree[id] = len(g.edges[id])
		if inDegree[id] == 0 {
			frontier = append(frontier, id)
		}
	}

	var layers [][]string
	emitted := 0
	for len(frontier) > 0 {
		g.sortLayer(frontier)
		layers = append(layers, frontier)
		emitted += len(frontier)

		var next []string
		for _, id := range frontier {
			for _, dependent := range g.dependents[id] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		frontier = next
	}

	if emitted != len(g.nodes) {
		return nil, ErrCycleDetected
	}
	return layers, nil
}

// ReadyTasks returns Pending tasks whose every dependency is in completed.
func (g *DependencyGraph) ReadyTasks(completed map[string]bool) []*models.Task {
	var ready []string
	for id, task := range g.nodes {
		if task.Status != models.TaskStatusPending {
			continue
		}
		satisfied := true
		for _, depID := range g.edges[id] {
			if !completed[depID] {
				satisfied = false
				break
			}
		}
		if satisfied {
			ready = append(ready, id)
		}
	}
	g.sortLayer(ready)

	tasks := make([]*models.Task, 0, len(ready))
	for _, id := range ready {
		tasks = append(tasks, g.nodes[id])
	}
	return tasks
}

// Task returns the task for a given ID, or nil if not found.
func (g *DependencyGraph) Task(id string) *models.Task {
	return g.nodes[id]
}

// Size returns the number of tasks in the graph.
func (g *DependencyGraph) Size() int {
	return len(g.nodes)
}

// Dependencies returns the IDs of tasks that the given task depends on.
func (g *DependencyGraph) Dependencies(id string) []string {
	return append([]string(nil), g.edges[id]...)
}

// Dependents returns the IDs of tasks that depend on the given task.
func (g *DependencyGraph) Dependents(id string) []string {
	return append([]string(nil), g.dependents[id]...)
}

// TransitiveDependencies returns every task reachable through dependency edges.
func (g *DependencyGraph) TransitiveDependencies(id string) map[string]bool {
	reached := make(map[string]bool)
	var walk func(string)
	walk = func(cur string) {
		for _, dep := range g.edges[cur] {
			if !reached[dep] {
				reached[dep] = true
				walk(dep)
			}
		}
	}
	walk(id)
	return reached
}

func (g *DependencyGraph) sortedIDs() []string {
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// sortLayer orders ids by task priority, then input position.
func (g *DependencyGraph) sortLayer(ids []string) {
	sort.SliceStable(ids, func(i, j int) bool {
		a, b := g.nodes[ids[i]], g.nodes[ids[j]]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return g.order[ids[i]] < g.order[ids[j]]
	})
}
