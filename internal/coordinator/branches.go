package coordinator

import (
	"context"
	"time"

	"github.com/fentz26/relay/internal/events"
	"github.com/fentz26/relay/internal/models"
)

// bottleneckFactor is how far past the mean completion time an active
// branch may run before it is reported as a bottleneck.
const bottleneckFactor = 1.5

// BranchReport describes the branches of the outstanding parallel batch.
type BranchReport struct {
	WorkflowID  string                  `json:"workflow_id"`
	BatchID     string                  `json:"batch_id,omitempty"`
	StartedAt   *time.Time              `json:"started_at,omitempty"`
	Branches    []models.ParallelBranch `json:"branches"`
	Total       int                     `json:"total"`
	Completed   int                     `json:"completed"`
	Failed      int                     `json:"failed"`
	Active      int                     `json:"active"`
	Percent     float64                 `json:"percent"`
	Bottlenecks []models.ParallelBranch `json:"bottlenecks"`
}

// Settled reports whether every branch has reached a terminal state.
func (r *BranchReport) Settled() bool {
	return r.Total > 0 && r.Active == 0
}

func branchID(batchID, taskID string) string {
	return batchID + ":" + taskID
}

// buildReport derives branch views from batch membership and task state.
func buildReport(w *models.Workflow, batch *models.ParallelBatch, now time.Time) *BranchReport {
	report := &BranchReport{
		WorkflowID:  w.ID,
		Branches:    []models.ParallelBranch{},
		Bottlenecks: []models.ParallelBranch{},
	}
	if batch == nil {
		return report
	}
	started := batch.StartedAt
	report.BatchID = batch.ID
	report.StartedAt = &started

	var finished time.Duration
	for _, id := range batch.TaskIDs {
		t := w.FindTask(id)
		if t == nil {
			continue
		}
		b := models.ParallelBranch{
			ID:        branchID(batch.ID, t.ID),
			BatchID:   batch.ID,
			TaskID:    t.ID,
			Agent:     t.AssignedAgent,
			Status:    models.BranchActive,
			StartedAt: batch.StartedAt,
		}
		if t.StartedAt != nil {
			b.StartedAt = *t.StartedAt
		}
		switch t.Status {
		case models.TaskStatusCompleted:
			b.Status = models.BranchCompleted
			b.StoppedAt = t.CompletedAt
			report.Completed++
			if t.CompletedAt != nil {
				finished += t.CompletedAt.Sub(b.StartedAt)
			}
		case models.TaskStatusFailed:
			b.Status = models.BranchFailed
			b.StoppedAt = t.FailedAt
			b.Error = t.Error
			report.Failed++
		default:
			report.Active++
		}
		report.Branches = append(report.Branches, b)
	}

	report.Total = len(report.Branches)
	if report.Total > 0 {
		report.Percent = float64(report.Completed) / float64(report.Total) * 100
	}
	if report.Completed == 0 {
		return report
	}

	limit := time.Duration(float64(finished) / float64(report.Completed) * bottleneckFactor)
	for _, b := range report.Branches {
		if b.Status == models.BranchActive && now.Sub(b.StartedAt) > limit {
			report.Bottlenecks = append(report.Bottlenecks, b)
		}
	}
	return report
}

// BranchProgress reports progress and bottlenecks of the workflow's
// outstanding parallel batch. A workflow without a batch reports no
// branches.
func (c *Coordinator) BranchProgress(ctx context.Context, id string) (*BranchReport, error) {
	w, err := c.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return buildReport(w, w.ParallelBatch, c.now()), nil
}

func (c *Coordinator) emitBatchUpdate(w *models.Workflow, batch *models.ParallelBatch, now time.Time, converged bool) {
	c.emitReport(w.ID, buildReport(w, batch, now), now, converged)
}

func (c *Coordinator) emitReport(workflowID string, r *BranchReport, now time.Time, converged bool) {
	taskIDs := make([]string, 0, len(r.Branches))
	for _, b := range r.Branches {
		taskIDs = append(taskIDs, b.TaskID)
	}
	c.bus.Emit(events.Event{
		Type:       events.ParallelExecutionUpdate,
		WorkflowID: workflowID,
		Timestamp:  now,
		Data: map[string]any{
			"batch_id":    r.BatchID,
			"task_ids":    taskIDs,
			"total":       r.Total,
			"completed":   r.Completed,
			"failed":      r.Failed,
			"active":      r.Active,
			"progress":    r.Percent,
			"converged":   converged,
			"bottlenecks": len(r.Bottlenecks),
		},
	})
}
