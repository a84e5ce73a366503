package graph

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/fentz26/relay/internal/models"
)

func task(id string, deps ...string) *models.Task {
	return &models.Task{ID: id, Status: models.TaskStatusPending, Dependencies: deps}
}

func TestBuildUnknownDependency(t *testing.T) {
	_, err := Build([]*models.Task{task("a", "ghost")})
	if !errors.Is(err, ErrUnknownDependency) {
		t.Fatalf("Expected ErrUnknownDependency, got %v", err)
	}
	var depErr *UnknownDependencyError
	if !errors.As(err, &depErr) || depErr.DependencyID != "ghost" || depErr.TaskID != "a" {
		t.Errorf("Unexpected error detail: %#v", err)
	}
}

func TestCycleDetection(t *testing.T) {
	tests := []struct {
		name  string
		tasks []*models.Task
		ids   []string
	}{
		{"self loop", []*models.Task{task("a", "a")}, []string{"a"}},
		{"two cycle", []*models.Task{task("a", "b"), task("b", "a")}, []string{"a", "b"}},
		{"three cycle with tail", []*models.Task{task("root"), task("x", "z", "root"), task("y", "x"), task("z", "y")}, []string{"x", "y", "z"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Build(tt.tasks)
			if !errors.Is(err, ErrCycleDetected) {
				t.Fatalf("Expected ErrCycleDetected, got %v", err)
			}
			var cycleErr *CycleError
			if !errors.As(err, &cycleErr) {
				t.Fatalf("Expected *CycleError, got %T", err)
			}
			onPath := make(map[string]bool)
			for _, id := range cycleErr.Path {
				onPath[id] = true
			}
			for _, id := range tt.ids {
				if !onPath[id] {
					t.Errorf("Cycle path %v missing %s", cycleErr.Path, id)
				}
			}
			if first, last := cycleErr.Path[0], cycleErr.Path[len(cycleErr.Path)-1]; first != last {
				t.Errorf("Cycle path should close on itself, got %v", cycleErr.Path)
			}
		})
	}
}

func TestCycleErrorMessage(t *testing.T) {
	_, err := Build([]*models.Task{task("a", "b"), task("b", "a")})
	if err == nil || err.Error() != "circular dependency detected: a -> b -> a" {
		t.Errorf("Unexpected message: %v", err)
	}
}

func TestExecutionLayers(t *testing.T) {
	g, err := Build([]*models.Task{
		task("pm"),
		task("fe", "pm"),
		task("be", "pm"),
		task("qa", "fe", "be"),
	})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	layers, err := g.ExecutionLayers()
	if err != nil {
		t.Fatalf("ExecutionLayers failed: %v", err)
	}
	want := [][]string{{"pm"}, {"fe", "be"}, {"qa"}}
	if fmt.Sprint(layers) != fmt.Sprint(want) {
		t.Errorf("Expected %v, got %v", want, layers)
	}
}

func TestExecutionLayersRespectPriority(t *testing.T) {
	low := task("low")
	low.Priority = 5
	high := task("high")
	high.Priority = 1
	g, err := Build([]*models.Task{low, high})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	layers, _ := g.ExecutionLayers()
	if len(layers) != 1 || layers[0][0] != "high" {
		t.Errorf("Expected high priority first, got %v", layers)
	}
}

// Property: union of layers equals the input and every task sits strictly
// after all of its dependencies.
func TestExecutionLayersCompleteness(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for iter := 0; iter < 50; iter++ {
		n := 1 + rng.Intn(20)
		tasks := make([]*models.Task, n)
		for i := 0; i < n; i++ {
			var deps []string
			for j := 0; j < i; j++ {
				if rng.Intn(4) == 0 {
					deps = append(deps, fmt.Sprintf("t%d", j))
				}
			}
			tasks[i] = task(fmt.Sprintf("t%d", i), deps...)
		}
		// Shuffle input order; acyclicity does not depend on it.
		rng.Shuffle(n, func(i, j int) { tasks[i], tasks[j] = tasks[j], tasks[i] })

		g, err := Build(tasks)
		if err != nil {
			t.Fatalf("Build failed: %v", err)
		}
		layers, err := g.ExecutionLayers()
		if err != nil {
			t.Fatalf("ExecutionLayers failed: %v", err)
		}

		layerOf := make(map[string]int)
		for i, layer := range layers {
			for _, id := range layer {
				if _, dup := layerOf[id]; dup {
					t.Fatalf("Task %s emitted twice", id)
				}
				layerOf[id] = i
			}
		}
		if len(layerOf) != n {
			t.Fatalf("Expected %d tasks across layers, got %d", n, len(layerOf))
		}
		for _, tk := range tasks {
			for _, dep := range tk.Dependencies {
				if layerOf[tk.ID] <= layerOf[dep] {
					t.Errorf("Task %s (layer %d) not after dependency %s (layer %d)", tk.ID, layerOf[tk.ID], dep, layerOf[dep])
				}
			}
		}
	}
}

func TestReadyTasks(t *testing.T) {
	tasks := []*models.Task{
		task("pm"),
		task("fe", "pm"),
		task("be", "pm"),
		task("qa", "fe", "be"),
	}
	g, err := Build(tasks)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	ready := g.ReadyTasks(map[string]bool{})
	if len(ready) != 1 || ready[0].ID != "pm" {
		t.Fatalf("Expected only pm ready, got %v", ids(ready))
	}

	tasks[0].Status = models.TaskStatusCompleted
	ready = g.ReadyTasks(map[string]bool{"pm": true})
	if fmt.Sprint(ids(ready)) != "[fe be]" {
		t.Errorf("Expected [fe be], got %v", ids(ready))
	}

	tasks[1].Status = models.TaskStatusActive
	ready = g.ReadyTasks(map[string]bool{"pm": true})
	if fmt.Sprint(ids(ready)) != "[be]" {
		t.Errorf("Active tasks must not be ready, got %v", ids(ready))
	}
}

func TestDependentsAndTransitive(t *testing.T) {
	g, err := Build([]*models.Task{task("a"), task("b", "a"), task("c", "b"), task("d", "a")})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if fmt.Sprint(g.Dependents("a")) != "[b d]" {
		t.Errorf("Unexpected dependents: %v", g.Dependents("a"))
	}
	if fmt.Sprint(g.Dependencies("c")) != "[b]" {
		t.Errorf("Unexpected dependencies: %v", g.Dependencies("c"))
	}
	trans := g.TransitiveDependencies("c")
	if !trans["a"] || !trans["b"] || len(trans) != 2 {
		t.Errorf("Unexpected transitive deps: %v", trans)
	}
	if g.Size() != 4 || g.Task("d") == nil || g.Task("zz") != nil {
		t.Error("Unexpected lookup results")
	}
}

func ids(tasks []*models.Task) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.ID
	}
	return out
}
