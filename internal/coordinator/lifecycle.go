package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fentz26/relay/internal/events"
	"github.com/fentz26/relay/internal/models"
)

// activeTask resolves taskID to a dispatched task still in the queue.
func activeTask(w *models.Workflow, taskID string) (*models.Task, error) {
	if w.Status.Terminal() {
		return nil, fmt.Errorf("%w: workflow %s is %s", ErrWorkflowTerminal, w.ID, w.Status)
	}
	t := w.QueuedTask(taskID)
	if t == nil {
		if w.FindTask(taskID) != nil {
			return nil, fmt.Errorf("%w: %s", ErrTaskNotQueued, taskID)
		}
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if t.Status != models.TaskStatusActive {
		return nil, fmt.Errorf("%w: task %s is %s", ErrTaskNotActive, taskID, t.Status)
	}
	return t, nil
}

func removeQueued(w *models.Workflow, taskID string) {
	kept := w.TaskQueue[:0]
	for _, t := range w.TaskQueue {
		if t.ID != taskID {
			kept = append(kept, t)
		}
	}
	w.TaskQueue = kept
}

// CompleteTask records a successful report for an active task. When the task
// belongs to a parallel batch the workflow only advances once every branch of
// the batch is terminal.
func (c *Coordinator) CompleteTask(ctx context.Context, workflowID, taskID string, result map[string]any) (*models.Workflow, error) {
	unlock := c.locks.Lock(workflowID)
	defer unlock()

	w, err := c.load(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	t, err := activeTask(w, taskID)
	if err != nil {
		return nil, err
	}
	g, err := buildGraph(w)
	if err != nil {
		return nil, err
	}

	now := c.now()
	completedAt := now
	t.Status = models.TaskStatusCompleted
	t.Result = result
	t.CompletedAt = &completedAt
	added := w.AddArtifacts(models.ExtractArtifacts(result))
	removeQueued(w, t.ID)
	w.CompletedTasks = append(w.CompletedTasks, t)
	w.CurrentAgent = nil

	done := w.CompletedIDs()
	for _, depID := range g.Dependents(t.ID) {
		next := g.Task(depID)
		if next == nil || next.Status != models.TaskStatusPending || !dependenciesMet(next, done) {
			continue
		}
		w.History = append(w.History, models.HandoffRecord{
			ID:         uuid.New().String(),
			WorkflowID: w.ID,
			TaskID:     next.ID,
			FromAgent:  t.AssignedAgent,
			ToAgent:    next.AssignedAgent,
			Context:    fmt.Sprintf("%s finished %q; %s can start %q", t.AssignedAgent, t.Description, next.AssignedAgent, next.Description),
			Artifacts:  w.ArtifactSnapshot(),
			Timestamp:  now,
			Success:    true,
		})
	}

	batch := w.ParallelBatch
	member := batch.Contains(t.ID)
	var report *BranchReport
	converged := false
	if member {
		report = buildReport(w, batch, now)
		if report.Settled() {
			w.ParallelBatch = nil
			converged = true
		}
	}
	w.UpdatedAt = now

	if err := c.store.SaveWorkflow(ctx, w); err != nil {
		return nil, err
	}
	c.metrics.taskFinished(t, "completed", now)
	c.logger.Printf("Task %s completed by %s in workflow %s (%d new artifacts)", t.ID, t.AssignedAgent, w.ID, added)

	c.bus.Emit(events.Event{
		Type:       events.TaskCompleted,
		WorkflowID: w.ID,
		TaskID:     t.ID,
		Agent:      t.AssignedAgent,
		Timestamp:  now,
		Data: map[string]any{
			"artifacts_added": added,
			"artifacts":       w.ArtifactSnapshot(),
		},
	})

	if member {
		c.emitBranchProgress(w.ID, batch, t, models.BranchCompleted, report.Percent, now)
		c.emitReport(w.ID, report, now, converged)
		if !converged {
			return w, nil
		}
		c.logger.Printf("Parallel batch %s converged in workflow %s", batch.ID, w.ID)
	}

	if err := c.process(ctx, w); err != nil {
		return nil, err
	}
	return w, nil
}

func dependenciesMet(t *models.Task, done map[string]bool) bool {
	for _, dep := range t.Dependencies {
		if !done[dep] {
			return false
		}
	}
	return true
}

// FailTask records a failed report for an active task and pauses the
// workflow. Sibling branches keep running.
func (c *Coordinator) FailTask(ctx context.Context, workflowID, taskID, errMsg string) (*models.Workflow, error) {
	unlock := c.locks.Lock(workflowID)
	defer unlock()

	w, err := c.load(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	t, err := activeTask(w, taskID)
	if err != nil {
		return nil, err
	}

	now := c.now()
	failedAt := now
	t.Status = models.TaskStatusFailed
	t.Error = errMsg
	t.FailedAt = &failedAt

	paused := w.Status == models.WorkflowStatusInProgress
	w.Status = models.WorkflowStatusPaused

	w.History = append(w.History, models.HandoffRecord{
		ID:         uuid.New().String(),
		WorkflowID: w.ID,
		TaskID:     t.ID,
		FromAgent:  t.AssignedAgent,
		ToAgent:    models.AgentProjectManager,
		Context:    fmt.Sprintf("%s failed %q: %s", t.AssignedAgent, t.Description, errMsg),
		Artifacts:  w.ArtifactSnapshot(),
		Timestamp:  now,
		Success:    false,
	})

	batch := w.ParallelBatch
	member := batch.Contains(t.ID)
	var report *BranchReport
	if member {
		report = buildReport(w, batch, now)
		if report.Settled() {
			w.ParallelBatch = nil
		}
	}
	syncCurrentAgent(w)
	w.UpdatedAt = now

	if err := c.store.SaveWorkflow(ctx, w); err != nil {
		return nil, err
	}
	c.metrics.taskFinished(t, "failed", now)
	c.logger.Printf("Task %s failed in workflow %s: %s", t.ID, w.ID, errMsg)

	c.bus.Emit(events.Event{
		Type:       events.TaskFailed,
		WorkflowID: w.ID,
		TaskID:     t.ID,
		Agent:      t.AssignedAgent,
		Timestamp:  now,
		Data:       map[string]any{"error": errMsg},
	})
	if member {
		c.emitBranchProgress(w.ID, batch, t, models.BranchFailed, report.Percent, now)
	}
	if paused {
		c.bus.Emit(events.Event{
			Type:       events.Paused,
			WorkflowID: w.ID,
			TaskID:     t.ID,
			Timestamp:  now,
			Data:       map[string]any{"reason": "task_failed"},
		})
	}
	return w, nil
}

// PauseWorkflow stops an in-progress workflow from dispatching further work.
func (c *Coordinator) PauseWorkflow(ctx context.Context, id string) (*models.Workflow, error) {
	unlock := c.locks.Lock(id)
	defer unlock()

	w, err := c.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if w.Status != models.WorkflowStatusInProgress {
		return nil, fmt.Errorf("%w: cannot pause workflow in status %s", ErrInvalidTransition, w.Status)
	}

	now := c.now()
	w.Status = models.WorkflowStatusPaused
	w.UpdatedAt = now
	if err := c.store.SaveWorkflow(ctx, w); err != nil {
		return nil, err
	}
	c.logger.Printf("Paused workflow %s", w.ID)
	c.bus.Emit(events.Event{
		Type:       events.Paused,
		WorkflowID: w.ID,
		Timestamp:  now,
		Data:       map[string]any{"reason": "operator"},
	})
	return w, nil
}

// ResumeWorkflow requeues every failed task and continues a paused workflow.
func (c *Coordinator) ResumeWorkflow(ctx context.Context, id string) (*models.Workflow, error) {
	unlock := c.locks.Lock(id)
	defer unlock()

	w, err := c.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if w.Status != models.WorkflowStatusPaused {
		return nil, fmt.Errorf("%w: cannot resume workflow in status %s", ErrInvalidTransition, w.Status)
	}

	now := c.now()
	requeued := []string{}
	for _, t := range w.TaskQueue {
		if t.Status != models.TaskStatusFailed {
			continue
		}
		t.Status = models.TaskStatusPending
		t.Error = ""
		t.StartedAt = nil
		t.FailedAt = nil
		requeued = append(requeued, t.ID)
	}
	if w.ParallelBatch != nil {
		w.ParallelBatch.TaskIDs = withoutIDs(w.ParallelBatch.TaskIDs, requeued)
		if len(w.ParallelBatch.TaskIDs) == 0 || buildReport(w, w.ParallelBatch, now).Settled() {
			w.ParallelBatch = nil
		}
	}

	w.Status = models.WorkflowStatusInProgress
	syncCurrentAgent(w)
	w.UpdatedAt = now
	if err := c.store.SaveWorkflow(ctx, w); err != nil {
		return nil, err
	}
	c.logger.Printf("Resumed workflow %s, requeued %d tasks", w.ID, len(requeued))
	c.bus.Emit(events.Event{
		Type:       events.Resumed,
		WorkflowID: w.ID,
		Timestamp:  now,
		Data:       map[string]any{"requeued": requeued},
	})

	if err := c.process(ctx, w); err != nil {
		return nil, err
	}
	return w, nil
}

func withoutIDs(ids, drop []string) []string {
	skip := make(map[string]bool, len(drop))
	for _, id := range drop {
		skip[id] = true
	}
	kept := make([]string, 0, len(ids))
	for _, id := range ids {
		if !skip[id] {
			kept = append(kept, id)
		}
	}
	return kept
}

// CancelWorkflow moves a non-terminal workflow to Failed and drops all queued
// work. External agents still working on dispatched tasks are not notified.
func (c *Coordinator) CancelWorkflow(ctx context.Context, id string) (*models.Workflow, error) {
	unlock := c.locks.Lock(id)
	defer unlock()

	w, err := c.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if w.Status.Terminal() {
		return nil, fmt.Errorf("%w: cannot cancel workflow in status %s", ErrInvalidTransition, w.Status)
	}

	now := c.now()
	dropped := len(w.TaskQueue)
	inFlight := len(w.ActiveTasks())
	w.Status = models.WorkflowStatusFailed
	w.TaskQueue = []*models.Task{}
	w.ParallelBatch = nil
	w.CurrentAgent = nil
	w.UpdatedAt = now
	if err := c.store.SaveWorkflow(ctx, w); err != nil {
		return nil, err
	}
	c.metrics.tasksDropped(inFlight)
	c.metrics.workflowFinished(w.Status)
	c.logger.Printf("Cancelled workflow %s, dropped %d queued tasks", w.ID, dropped)
	c.bus.Emit(events.Event{
		Type:       events.Failed,
		WorkflowID: w.ID,
		Timestamp:  now,
		Data: map[string]any{
			"reason":  "cancelled",
			"dropped": dropped,
		},
	})
	return w, nil
}

func (c *Coordinator) emitBranchProgress(workflowID string, batch *models.ParallelBatch, t *models.Task, status models.BranchStatus, percent float64, now time.Time) {
	c.bus.Emit(events.Event{
		Type:       events.BranchProgress,
		WorkflowID: workflowID,
		TaskID:     t.ID,
		Agent:      t.AssignedAgent,
		Timestamp:  now,
		Data: map[string]any{
			"branch_id": branchID(batch.ID, t.ID),
			"batch_id":  batch.ID,
			"status":    string(status),
			"progress":  percent,
		},
	})
}
