// Package models defines the core domain types for Relay.
package models

import "time"

// AgentType identifies the role an external executor fulfills.
type AgentType string

const (
	AgentProjectManager AgentType = "project_manager"
	AgentDesigner       AgentType = "designer"
	AgentFrontend       AgentType = "frontend"
	AgentBackend        AgentType = "backend"
	AgentTester         AgentType = "tester"
)

// AllAgents lists every agent type in pipeline order.
var AllAgents = []AgentType{
	AgentProjectManager,
	AgentDesigner,
	AgentFrontend,
	AgentBackend,
	AgentTester,
}

// Valid reports whether a is a known agent type.
func (a AgentType) Valid() bool {
	for _, known := range AllAgents {
		if a == known {
			return true
		}
	}
	return false
}

// WorkflowStatus represents the lifecycle state of a workflow.
type WorkflowStatus string

const (
	WorkflowStatusIdle       WorkflowStatus = "idle"
	WorkflowStatusInProgress WorkflowStatus = "in_progress"
	WorkflowStatusPaused     WorkflowStatus = "paused"
	WorkflowStatusCompleted  WorkflowStatus = "completed"
	WorkflowStatusFailed     WorkflowStatus = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s WorkflowStatus) Terminal() bool {
	return s == WorkflowStatusCompleted || s == WorkflowStatusFailed
}

// Valid reports whether s is a known workflow status.
func (s WorkflowStatus) Valid() bool {
	switch s {
	case WorkflowStatusIdle, WorkflowStatusInProgress, WorkflowStatusPaused,
		WorkflowStatusCompleted, WorkflowStatusFailed:
		return true
	}
	return false
}

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusActive    TaskStatus = "active"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// Valid reports whether s is a known task status.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusActive, TaskStatusCompleted, TaskStatusFailed:
		return true
	}
	return false
}

// Task represents one unit of work assigned to a single agent type.
type Task struct {
	ID            string         `json:"id"`
	Description   string         `json:"description"`
	AssignedAgent AgentType      `json:"assigned_agent"`
	Status        TaskStatus     `json:"status"`
	Dependencies  []string       `json:"dependencies"`
	Priority      int            `json:"priority"`
	Result        map[string]any `json:"result,omitempty"`
	Error         string         `json:"error,omitempty"`
	TimeoutMs     int64          `json:"timeout_ms"`
	CreatedAt     time.Time      `json:"created_at"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
	FailedAt      *time.Time     `json:"failed_at,omitempty"`
}

// HandoffRecord is an audit entry capturing context passed between two agents.
type HandoffRecord struct {
	ID         string    `json:"id"`
	WorkflowID string    `json:"workflow_id"`
	TaskID     string    `json:"task_id"`
	FromAgent  AgentType `json:"from_agent"`
	ToAgent    AgentType `json:"to_agent"`
	Context    string    `json:"context"`
	Artifacts  []string  `json:"artifacts"`
	Timestamp  time.Time `json:"timestamp"`
	Success    bool      `json:"success"`
}

// ParallelBatch records which tasks were dispatched together. It is part of
// the workflow snapshot so the convergence barrier survives a restart.
type ParallelBatch struct {
	ID        string    `json:"id"`
	TaskIDs   []string  `json:"task_ids"`
	StartedAt time.Time `json:"started_at"`
}

// Contains reports whether taskID is a member of the batch.
func (b *ParallelBatch) Contains(taskID string) bool {
	if b == nil {
		return false
	}
	for _, id := range b.TaskIDs {
		if id == taskID {
			return true
		}
	}
	return false
}

// BranchStatus is the state of one tracked branch in a parallel batch.
type BranchStatus string

const (
	BranchActive    BranchStatus = "active"
	BranchCompleted BranchStatus = "completed"
	BranchFailed    BranchStatus = "failed"
)

// ParallelBranch is the runtime view of one task inside a parallel batch.
type ParallelBranch struct {
	ID        string       `json:"id"`
	BatchID   string       `json:"batch_id"`
	TaskID    string       `json:"task_id"`
	Agent     AgentType    `json:"agent"`
	Status    BranchStatus `json:"status"`
	StartedAt time.Time    `json:"started_at"`
	StoppedAt *time.Time   `json:"stopped_at,omitempty"`
	Error     string       `json:"error,omitempty"`
}

// Terminal reports whether the branch has reached completed or failed.
func (b ParallelBranch) Terminal() bool {
	return b.Status == BranchCompleted || b.Status == BranchFailed
}

// Workflow is one end-to-end run of the multi-agent pipeline for a goal.
type Workflow struct {
	ID             string          `json:"id"`
	Description    string          `json:"description"`
	Requirements   []string        `json:"requirements,omitempty"`
	Status         WorkflowStatus  `json:"status"`
	CurrentAgent   *AgentType      `json:"current_agent"`
	TaskQueue      []*Task         `json:"task_queue"`
	CompletedTasks []*Task         `json:"completed_tasks"`
	Artifacts      []string        `json:"artifacts"`
	History        []HandoffRecord `json:"history"`
	ParallelBatch  *ParallelBatch  `json:"parallel_batch,omitempty"`
	Version        int64           `json:"version"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// AllTasks returns queued tasks followed by completed ones.
func (w *Workflow) AllTasks() []*Task {
	all := make([]*Task, 0, len(w.TaskQueue)+len(w.CompletedTasks))
	all = append(all, w.TaskQueue...)
	all = append(all, w.CompletedTasks...)
	return all
}

// FindTask looks a task up in the queue and the completed list.
func (w *Workflow) FindTask(id string) *Task {
	for _, t := range w.AllTasks() {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// QueuedTask returns the task with the given id if it is still queued.
func (w *Workflow) QueuedTask(id string) *Task {
	for _, t := range w.TaskQueue {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// CompletedIDs returns the set of completed task ids.
func (w *Workflow) CompletedIDs() map[string]bool {
	ids := make(map[string]bool, len(w.CompletedTasks))
	for _, t := range w.CompletedTasks {
		ids[t.ID] = true
	}
	return ids
}

// ActiveTasks returns the queued tasks currently being worked on.
func (w *Workflow) ActiveTasks() []*Task {
	var active []*Task
	for _, t := range w.TaskQueue {
		if t.Status == TaskStatusActive {
			active = append(active, t)
		}
	}
	return active
}

// AddArtifacts appends ids that are not already recorded and returns the
// number added.
func (w *Workflow) AddArtifacts(ids []string) int {
	seen := make(map[string]bool, len(w.Artifacts))
	for _, a := range w.Artifacts {
		seen[a] = true
	}
	added := 0
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		w.Artifacts = append(w.Artifacts, id)
		added++
	}
	return added
}

// ArtifactSnapshot returns a copy of the current artifact list.
func (w *Workflow) ArtifactSnapshot() []string {
	return append([]string{}, w.Artifacts...)
}

// PDREntry represents a Process Decision Record for audit.
type PDREntry struct {
	ID         string    `json:"id"`
	Action     string    `json:"action"`
	InputsHash string    `json:"inputs_hash"`
	Outcome    string    `json:"outcome"`
	WorkflowID string    `json:"workflow_id,omitempty"`
	TaskID     string    `json:"task_id,omitempty"`
	Details    string    `json:"details,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}
