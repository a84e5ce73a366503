package events

import (
	"sort"
	"time"

	"github.com/fentz26/relay/internal/models"
)

// WorkflowMetrics is a snapshot of the event stream seen for one workflow.
type WorkflowMetrics struct {
	WorkflowID   string       `json:"workflow_id"`
	TotalEvents  int          `json:"total_events"`
	Counts       map[Type]int `json:"counts"`
	LastEvent    Type         `json:"last_event"`
	FirstEventAt time.Time    `json:"first_event_at"`
	LastEventAt  time.Time    `json:"last_event_at"`
}

// BranchMetrics is the latest reported state of one parallel branch.
type BranchMetrics struct {
	BranchID  string           `json:"branch_id"`
	TaskID    string           `json:"task_id"`
	Agent     models.AgentType `json:"agent"`
	Status    string           `json:"status"`
	Progress  float64          `json:"progress"`
	UpdatedAt time.Time        `json:"updated_at"`
}

func (b *Bus) recordLocked(e Event) {
	m, ok := b.metrics[e.WorkflowID]
	if !ok {
		m = &WorkflowMetrics{
			WorkflowID:   e.WorkflowID,
			Counts:       make(map[Type]int),
			FirstEventAt: e.Timestamp,
		}
		b.metrics[e.WorkflowID] = m
	}
	m.TotalEvents++
	m.Counts[e.Type]++
	m.LastEvent = e.Type
	m.LastEventAt = e.Timestamp

	if e.Type != BranchProgress {
		return
	}
	branchID, _ := e.Data["branch_id"].(string)
	if branchID == "" {
		return
	}
	if b.branches[e.WorkflowID] == nil {
		b.branches[e.WorkflowID] = make(map[string]BranchMetrics)
	}
	status, _ := e.Data["status"].(string)
	progress, _ := e.Data["progress"].(float64)
	b.branches[e.WorkflowID][branchID] = BranchMetrics{
		BranchID:  branchID,
		TaskID:    e.TaskID,
		Agent:     e.Agent,
		Status:    status,
		Progress:  progress,
		UpdatedAt: e.Timestamp,
	}
}

// WorkflowMetrics returns a copy of the metrics for a workflow, or nil when
// no event has been seen for it.
func (b *Bus) WorkflowMetrics(workflowID string) *WorkflowMetrics {
	b.mu.RLock()
	defer b.mu.RUnlock()

	m, ok := b.metrics[workflowID]
	if !ok {
		return nil
	}
	cp := *m
	cp.Counts = make(map[Type]int, len(m.Counts))
	for k, v := range m.Counts {
		cp.Counts[k] = v
	}
	return &cp
}

// BranchMetrics returns the latest branch snapshots for a workflow ordered by
// branch id.
func (b *Bus) BranchMetrics(workflowID string) []BranchMetrics {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]BranchMetrics, 0, len(b.branches[workflowID]))
	for _, m := range b.branches[workflowID] {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BranchID < out[j].BranchID })
	return out
}
