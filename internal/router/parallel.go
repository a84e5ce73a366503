package router

import (
	"fmt"

	"github.com/fentz26/relay/internal/graph"
	"github.com/fentz26/relay/internal/models"
)

// Weights for blending overlapped execution with worst-case sequential cost.
const (
	maxWeight = 0.7
	sumWeight = 0.3
)

// ScheduledTask is one routed task inside a batch.
type ScheduledTask struct {
	TaskID    string           `json:"task_id"`
	Agent     models.AgentType `json:"agent"`
	TimeoutMs int64            `json:"timeout_ms"`
}

// ScheduledBatch is one topological layer with its duration estimate.
type ScheduledBatch struct {
	Index               int             `json:"index"`
	Tasks               []ScheduledTask `json:"tasks"`
	EstimatedDurationMs float64         `json:"estimated_duration_ms"`
}

// ExecutionPlan summarizes a batch schedule for a task set.
type ExecutionPlan struct {
	Batches              []ScheduledBatch `json:"batches"`
	TotalEstimatedMs     float64          `json:"total_estimated_ms"`
	SequentialMs         int64            `json:"sequential_ms"`
	MaxParallelism       int              `json:"max_parallelism"`
	ParallelizationRatio float64          `json:"parallelization_ratio"`
}

// ParallelResult is the outcome reported for one concurrently executed task.
type ParallelResult struct {
	TaskID          string         `json:"task_id"`
	Success         bool           `json:"success"`
	Result          map[string]any `json:"result,omitempty"`
	Error           string         `json:"error,omitempty"`
	ExecutionTimeMs int64          `json:"execution_time_ms"`
}

// MergedResults partitions parallel results.
type MergedResults struct {
	Successful           []ParallelResult `json:"successful"`
	Failed               []ParallelResult `json:"failed"`
	TotalExecutionTimeMs int64            `json:"total_execution_time_ms"`
	SuccessRate          float64          `json:"success_rate"`
}

// EstimateBatchDuration blends the longest budget with the summed budgets:
// 0.7 x max + 0.3 x sum.
func EstimateBatchDuration(timeouts []int64) float64 {
	var maxMs, sumMs int64
	for _, t := range timeouts {
		if t > maxMs {
			maxMs = t
		}
		sumMs += t
	}
	return maxWeight*float64(maxMs) + sumWeight*float64(sumMs)
}

// GetConcurrentTaskGroups returns the topological layers of a task set.
func (r *TaskRouter) GetConcurrentTaskGroups(tasks []*models.Task) ([][]*models.Task, error) {
	g, layers, err := layersFor(tasks)
	if err != nil {
		return nil, err
	}

	groups := make([][]*models.Task, len(layers))
	for i, layer := range layers {
		groups[i] = make([]*models.Task, len(layer))
		for j, id := range layer {
			groups[i][j] = g.Task(id)
		}
	}
	return groups, nil
}

// ScheduleParallelTasks routes every task and groups them into batches that
// can run concurrently, each with a duration estimate.
func (r *TaskRouter) ScheduleParallelTasks(tasks []*models.Task) ([]ScheduledBatch, error) {
	groups, err := r.GetConcurrentTaskGroups(tasks)
	if err != nil {
		return nil, err
	}

	batches := make([]ScheduledBatch, len(groups))
	for i, group := range groups {
		batch := ScheduledBatch{Index: i, Tasks: make([]ScheduledTask, len(group))}
		timeouts := make([]int64, len(group))
		for j, t := range group {
			batch.Tasks[j] = ScheduledTask{
				TaskID:    t.ID,
				Agent:     r.DetermineAgent(t),
				TimeoutMs: t.TimeoutMs,
			}
			timeouts[j] = t.TimeoutMs
		}
		batch.EstimatedDurationMs = EstimateBatchDuration(timeouts)
		batches[i] = batch
	}
	return batches, nil
}

// GetBatchExecutionPlan builds the batch schedule plus workflow-level
// estimates. ParallelizationRatio is the summed batch estimates over the
// summed task budgets; lower means more benefit from parallelism. A task set
// without budgets reports a ratio of 1.
func (r *TaskRouter) GetBatchExecutionPlan(tasks []*models.Task) (*ExecutionPlan, error) {
	batches, err := r.ScheduleParallelTasks(tasks)
	if err != nil {
		return nil, err
	}

	plan := &ExecutionPlan{Batches: batches}
	for _, b := range batches {
		plan.TotalEstimatedMs += b.EstimatedDurationMs
		if len(b.Tasks) > plan.MaxParallelism {
			plan.MaxParallelism = len(b.Tasks)
		}
		for _, t := range b.Tasks {
			plan.SequentialMs += t.TimeoutMs
		}
	}

	plan.ParallelizationRatio = 1
	if plan.SequentialMs > 0 {
		plan.ParallelizationRatio = plan.TotalEstimatedMs / float64(plan.SequentialMs)
	}
	return plan, nil
}

// CanExecuteConcurrently reports whether the given tasks have no dependency,
// direct or transitive, among each other. An empty id list reports false.
func (r *TaskRouter) CanExecuteConcurrently(tasks []*models.Task, ids []string) (bool, error) {
	full, err := graph.Build(tasks)
	if err != nil {
		return false, err
	}

	members := make(map[string]bool, len(ids))
	var order []string
	for _, id := range ids {
		if full.Task(id) == nil {
			return false, fmt.Errorf("unknown task %s", id)
		}
		if !members[id] {
			members[id] = true
			order = append(order, id)
		}
	}
	if len(order) == 0 {
		return false, nil
	}

	subset := make([]*models.Task, 0, len(order))
	for _, id := range order {
		var deps []string
		for dep := range full.TransitiveDependencies(id) {
			if members[dep] {
				deps = append(deps, dep)
			}
		}
		subset = append(subset, &models.Task{ID: id, Status: models.TaskStatusPending, Dependencies: deps})
	}

	_, layers, err := layersFor(subset)
	if err != nil {
		return false, err
	}
	return len(layers) == 1 && len(layers[0]) == len(order), nil
}

// MergeParallelResults partitions results into successes and failures, sums
// execution time and computes the success rate (0 for no results).
func MergeParallelResults(results []ParallelResult) MergedResults {
	merged := MergedResults{
		Successful: []ParallelResult{},
		Failed:     []ParallelResult{},
	}
	for _, res := range results {
		if res.Success {
			merged.Successful = append(merged.Successful, res)
		} else {
			merged.Failed = append(merged.Failed, res)
		}
		merged.TotalExecutionTimeMs += res.ExecutionTimeMs
	}
	if len(results) > 0 {
		merged.SuccessRate = float64(len(merged.Successful)) / float64(len(results))
	}
	return merged
}

func layersFor(tasks []*models.Task) (*graph.DependencyGraph, [][]string, error) {
	g, err := graph.Build(tasks)
	if err != nil {
		return nil, nil, err
	}
	layers, err := g.ExecutionLayers()
	if err != nil {
		return nil, nil, err
	}
	return g, layers, nil
}
