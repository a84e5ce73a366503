// Package coordinator drives workflows through the multi-agent pipeline.
//
// Every mutation is a load, modify, persist, emit sequence serialized per
// workflow id. The coordinator executes no agent work itself: external
// executors report back through CompleteTask and FailTask.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fentz26/relay/internal/events"
	"github.com/fentz26/relay/internal/graph"
	"github.com/fentz26/relay/internal/models"
	"github.com/fentz26/relay/internal/queue"
	"github.com/fentz26/relay/internal/router"
)

// Persistence stores workflow snapshots. LoadWorkflow returns nil, nil for
// an unknown id and DeleteWorkflow ignores unknown ids.
type Persistence interface {
	SaveWorkflow(ctx context.Context, w *models.Workflow) error
	LoadWorkflow(ctx context.Context, id string) (*models.Workflow, error)
	ListWorkflows(ctx context.Context, status models.WorkflowStatus) ([]*models.Workflow, error)
	DeleteWorkflow(ctx context.Context, id string) error
}

// Logger is the subset of *log.Logger the coordinator needs.
type Logger interface {
	Printf(format string, v ...any)
}

// Timeouts maps each agent to its default task budget in milliseconds.
type Timeouts map[models.AgentType]int64

// DefaultTimeouts returns the built-in per-agent budgets.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		models.AgentProjectManager: 300_000,
		models.AgentDesigner:       600_000,
		models.AgentFrontend:       1_800_000,
		models.AgentBackend:        1_800_000,
		models.AgentTester:         900_000,
	}
}

// Deps are the collaborators of a Coordinator. Only Store is required.
type Deps struct {
	Store    Persistence
	Bus      *events.Bus
	Router   *router.TaskRouter
	Metrics  *Metrics
	Logger   Logger
	Clock    func() time.Time
	Timeouts Timeouts
}

// Coordinator owns workflow state transitions.
//
// Event handlers run while the workflow's lock is held and must not call
// back into the coordinator for the same workflow.
type Coordinator struct {
	store    Persistence
	bus      *events.Bus
	router   *router.TaskRouter
	metrics  *Metrics
	logger   Logger
	now      func() time.Time
	timeouts Timeouts
	locks    *keyedMutex
}

// New creates a Coordinator, filling unset dependencies with defaults.
func New(d Deps) (*Coordinator, error) {
	if d.Store == nil {
		return nil, errors.New("coordinator: store is required")
	}
	if d.Logger == nil {
		d.Logger = log.Default()
	}
	if d.Bus == nil {
		d.Bus = events.NewBus(d.Logger)
	}
	if d.Router == nil {
		d.Router = router.NewRouter(nil)
	}
	if d.Clock == nil {
		d.Clock = func() time.Time { return time.Now().UTC() }
	}
	timeouts := DefaultTimeouts()
	for agent, ms := range d.Timeouts {
		if ms > 0 {
			timeouts[agent] = ms
		}
	}

	return &Coordinator{
		store:    d.Store,
		bus:      d.Bus,
		router:   d.Router,
		metrics:  d.Metrics,
		logger:   d.Logger,
		now:      d.Clock,
		timeouts: timeouts,
		locks:    newKeyedMutex(),
	}, nil
}

// Bus returns the event bus the coordinator publishes on.
func (c *Coordinator) Bus() *events.Bus { return c.bus }

// CreateParams describes a new workflow.
type CreateParams struct {
	Description  string   `json:"description"`
	Requirements []string `json:"requirements,omitempty"`
	// TimeoutMs overrides every task's budget when positive.
	TimeoutMs int64 `json:"timeout_ms,omitempty"`
}

// CreateWorkflow synthesizes the task chain for a goal, persists the workflow
// and dispatches its first task.
func (c *Coordinator) CreateWorkflow(ctx context.Context, p CreateParams) (*models.Workflow, error) {
	desc := strings.TrimSpace(p.Description)
	if desc == "" {
		return nil, fmt.Errorf("%w: description is required", ErrInvalidInput)
	}
	var reqs []string
	for _, r := range p.Requirements {
		if r = strings.TrimSpace(r); r != "" {
			reqs = append(reqs, r)
		}
	}

	now := c.now()
	w := &models.Workflow{
		ID:             uuid.New().String(),
		Description:    desc,
		Requirements:   reqs,
		Status:         models.WorkflowStatusIdle,
		TaskQueue:      c.buildTasks(desc, reqs, p.TimeoutMs, now),
		CompletedTasks: []*models.Task{},
		Artifacts:      []string{},
		History:        []models.HandoffRecord{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if _, err := buildGraph(w); err != nil {
		return nil, err
	}

	unlock := c.locks.Lock(w.ID)
	defer unlock()

	w.Status = models.WorkflowStatusInProgress
	if err := c.store.SaveWorkflow(ctx, w); err != nil {
		return nil, err
	}
	c.metrics.workflowCreated()
	c.logger.Printf("Created workflow %s with %d tasks", w.ID, len(w.TaskQueue))
	c.bus.Emit(events.Event{
		Type:       events.Created,
		WorkflowID: w.ID,
		Timestamp:  now,
		Data: map[string]any{
			"description": w.Description,
			"task_count":  len(w.TaskQueue),
		},
	})

	if err := c.process(ctx, w); err != nil {
		return nil, err
	}
	return w, nil
}

// buildTasks lays out PM -> [Designer] -> {Frontend, Backend} -> Tester.
func (c *Coordinator) buildTasks(desc string, reqs []string, timeoutMs int64, now time.Time) []*models.Task {
	agents := c.router.InferRequiredAgents(desc, reqs)
	required := make(map[models.AgentType]bool, len(agents))
	for _, a := range agents {
		required[a] = true
	}

	newTask := func(agent models.AgentType, description string, priority int, deps ...string) *models.Task {
		budget := c.timeouts[agent]
		if timeoutMs > 0 {
			budget = timeoutMs
		}
		return &models.Task{
			ID:            uuid.New().String(),
			Description:   description,
			AssignedAgent: agent,
			Status:        models.TaskStatusPending,
			Dependencies:  append([]string{}, deps...),
			Priority:      priority,
			TimeoutMs:     budget,
			CreatedAt:     now,
		}
	}

	pm := newTask(models.AgentProjectManager, "Plan project: "+desc, 0)
	tasks := []*models.Task{pm}

	stage := pm.ID
	if required[models.AgentDesigner] {
		design := newTask(models.AgentDesigner, "Design the experience for: "+desc, 1, pm.ID)
		tasks = append(tasks, design)
		stage = design.ID
	}

	var impl []string
	if required[models.AgentFrontend] {
		fe := newTask(models.AgentFrontend, "Implement the frontend for: "+desc, 2, stage)
		tasks = append(tasks, fe)
		impl = append(impl, fe.ID)
	}
	if required[models.AgentBackend] {
		be := newTask(models.AgentBackend, "Implement the backend for: "+desc, 2, stage)
		tasks = append(tasks, be)
		impl = append(impl, be.ID)
	}
	if len(impl) == 0 {
		impl = []string{stage}
	}

	tasks = append(tasks, newTask(models.AgentTester, "Test and verify: "+desc, 3, impl...))
	return tasks
}

func buildGraph(w *models.Workflow) (*graph.DependencyGraph, error) {
	return graph.Build(w.AllTasks())
}

// ProcessWorkflow advances an in-progress workflow by dispatching whatever
// is ready.
func (c *Coordinator) ProcessWorkflow(ctx context.Context, id string) (*models.Workflow, error) {
	unlock := c.locks.Lock(id)
	defer unlock()

	w, err := c.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := c.process(ctx, w); err != nil {
		return nil, err
	}
	return w, nil
}

// process must be called with the workflow's lock held.
func (c *Coordinator) process(ctx context.Context, w *models.Workflow) error {
	if w.Status != models.WorkflowStatusInProgress {
		return nil
	}
	if _, err := buildGraph(w); err != nil {
		return err
	}

	ready := queue.FromWorkflow(w).DequeueReadyTasks(0)
	now := c.now()

	if len(ready) == 0 {
		if len(w.TaskQueue) > 0 {
			return nil
		}
		w.Status = models.WorkflowStatusCompleted
		w.CurrentAgent = nil
		w.ParallelBatch = nil
		w.UpdatedAt = now
		if err := c.store.SaveWorkflow(ctx, w); err != nil {
			return err
		}
		c.metrics.workflowFinished(w.Status)
		c.logger.Printf("Workflow %s completed with %d artifacts", w.ID, len(w.Artifacts))
		c.bus.Emit(events.Event{
			Type:       events.Completed,
			WorkflowID: w.ID,
			Timestamp:  now,
			Data: map[string]any{
				"completed_tasks": len(w.CompletedTasks),
				"artifacts":       w.ArtifactSnapshot(),
			},
		})
		return nil
	}

	for _, t := range ready {
		t.AssignedAgent = c.router.DetermineAgent(t)
		t.Status = models.TaskStatusActive
		started := now
		t.StartedAt = &started
		t.FailedAt = nil
		t.Error = ""
	}

	parallel := len(ready) > 1 || w.ParallelBatch != nil
	opened := false
	if parallel {
		if w.ParallelBatch == nil {
			w.ParallelBatch = &models.ParallelBatch{ID: uuid.New().String(), StartedAt: now}
			opened = true
		}
		for _, t := range ready {
			if !w.ParallelBatch.Contains(t.ID) {
				w.ParallelBatch.TaskIDs = append(w.ParallelBatch.TaskIDs, t.ID)
			}
		}
	}
	syncCurrentAgent(w)
	w.UpdatedAt = now

	if err := c.store.SaveWorkflow(ctx, w); err != nil {
		return err
	}

	mode := "sequential"
	if parallel {
		mode = "parallel"
	}
	if opened {
		c.metrics.batchOpened()
	}
	for _, t := range ready {
		c.metrics.taskDispatched(t.AssignedAgent, mode)
		c.logger.Printf("Dispatched task %s to %s (%s) in workflow %s", t.ID, t.AssignedAgent, mode, w.ID)
	}

	if !parallel {
		t := ready[0]
		c.bus.Emit(events.Event{
			Type:       events.AgentChanged,
			WorkflowID: w.ID,
			TaskID:     t.ID,
			Agent:      t.AssignedAgent,
			Timestamp:  now,
			Data:       map[string]any{"mode": mode},
		})
		return nil
	}

	batch := w.ParallelBatch
	for _, t := range ready {
		c.bus.Emit(events.Event{
			Type:       events.BranchProgress,
			WorkflowID: w.ID,
			TaskID:     t.ID,
			Agent:      t.AssignedAgent,
			Timestamp:  now,
			Data: map[string]any{
				"branch_id": branchID(batch.ID, t.ID),
				"batch_id":  batch.ID,
				"status":    string(models.BranchActive),
				"progress":  0.0,
			},
		})
		c.bus.Emit(events.Event{
			Type:       events.AgentChanged,
			WorkflowID: w.ID,
			TaskID:     t.ID,
			Agent:      t.AssignedAgent,
			Timestamp:  now,
			Data:       map[string]any{"mode": mode, "batch_id": batch.ID},
		})
	}
	c.emitBatchUpdate(w, batch, now, false)
	return nil
}

// syncCurrentAgent points currentAgent at the only active task of a
// sequential step and clears it otherwise.
func syncCurrentAgent(w *models.Workflow) {
	active := w.ActiveTasks()
	if w.ParallelBatch == nil && len(active) == 1 {
		agent := active[0].AssignedAgent
		w.CurrentAgent = &agent
		return
	}
	w.CurrentAgent = nil
}

func (c *Coordinator) load(ctx context.Context, id string) (*models.Workflow, error) {
	w, err := c.store.LoadWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	if w == nil {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, id)
	}
	return w, nil
}

// GetWorkflow returns the stored workflow.
func (c *Coordinator) GetWorkflow(ctx context.Context, id string) (*models.Workflow, error) {
	return c.load(ctx, id)
}

// ListWorkflows returns stored workflows, filtered by status when non-empty.
func (c *Coordinator) ListWorkflows(ctx context.Context, status models.WorkflowStatus) ([]*models.Workflow, error) {
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, status)
	}
	return c.store.ListWorkflows(ctx, status)
}

// DeleteWorkflow removes a workflow and its subscribers. Unknown ids are
// ignored.
func (c *Coordinator) DeleteWorkflow(ctx context.Context, id string) error {
	unlock := c.locks.Lock(id)
	defer unlock()

	if err := c.store.DeleteWorkflow(ctx, id); err != nil {
		return err
	}
	c.bus.Cleanup(id)
	return nil
}

// ExecutionPlan returns the batch plan over every task of the workflow.
func (c *Coordinator) ExecutionPlan(ctx context.Context, id string) (*router.ExecutionPlan, error) {
	w, err := c.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return c.router.GetBatchExecutionPlan(w.AllTasks())
}

// QueueView groups the queued tasks of a workflow by readiness.
type QueueView struct {
	WorkflowID string         `json:"workflow_id"`
	Ready      []*models.Task `json:"ready"`
	Waiting    []*models.Task `json:"waiting"`
	Active     []*models.Task `json:"active"`
	Failed     []*models.Task `json:"failed"`
}

// Queue returns the current task queue of a workflow.
func (c *Coordinator) Queue(ctx context.Context, id string) (*QueueView, error) {
	w, err := c.load(ctx, id)
	if err != nil {
		return nil, err
	}

	view := &QueueView{
		WorkflowID: w.ID,
		Ready:      []*models.Task{},
		Waiting:    []*models.Task{},
		Active:     []*models.Task{},
		Failed:     []*models.Task{},
	}
	q := queue.FromWorkflow(w)
	ready := make(map[string]bool)
	for _, t := range q.PeekReady() {
		ready[t.ID] = true
		view.Ready = append(view.Ready, t)
	}
	for _, t := range w.TaskQueue {
		switch {
		case t.Status == models.TaskStatusActive:
			view.Active = append(view.Active, t)
		case t.Status == models.TaskStatusFailed:
			view.Failed = append(view.Failed, t)
		case !ready[t.ID]:
			view.Waiting = append(view.Waiting, t)
		}
	}
	return view, nil
}
