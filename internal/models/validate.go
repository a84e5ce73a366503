package models

import (
	"errors"
	"fmt"
)

// ErrInvalidWorkflow is wrapped by every schema violation reported by
// ValidateWorkflow.
var ErrInvalidWorkflow = errors.New("invalid workflow")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidWorkflow, fmt.Sprintf(format, args...))
}

// ValidateWorkflow checks the structural invariants a snapshot must hold
// before it is written.
func ValidateWorkflow(w *Workflow) error {
	if w == nil {
		return invalid("workflow is nil")
	}
	if w.ID == "" {
		return invalid("id is required")
	}
	if !w.Status.Valid() {
		return invalid("unknown status %q", w.Status)
	}
	if w.CurrentAgent != nil && !w.CurrentAgent.Valid() {
		return invalid("unknown current agent %q", *w.CurrentAgent)
	}

	ids := make(map[string]bool)
	for _, t := range w.AllTasks() {
		if t == nil {
			return invalid("nil task")
		}
		if t.ID == "" {
			return invalid("task id is required")
		}
		if ids[t.ID] {
			return invalid("task %s appears more than once", t.ID)
		}
		ids[t.ID] = true
		if !t.Status.Valid() {
			return invalid("task %s has unknown status %q", t.ID, t.Status)
		}
		if !t.AssignedAgent.Valid() {
			return invalid("task %s has unknown agent %q", t.ID, t.AssignedAgent)
		}
	}

	for _, t := range w.TaskQueue {
		if t.Status == TaskStatusCompleted {
			return invalid("completed task %s is still queued", t.ID)
		}
		if w.Status.Terminal() && t.Status == TaskStatusActive {
			return invalid("terminal workflow holds active task %s", t.ID)
		}
	}
	for _, t := range w.CompletedTasks {
		if t.Status != TaskStatusCompleted {
			return invalid("task %s in completed list has status %q", t.ID, t.Status)
		}
	}

	for _, t := range w.AllTasks() {
		for _, dep := range t.Dependencies {
			if !ids[dep] {
				return invalid("task %s depends on unknown task %s", t.ID, dep)
			}
		}
	}

	seen := make(map[string]bool, len(w.Artifacts))
	for _, a := range w.Artifacts {
		if !ValidArtifactID(a) {
			return invalid("malformed artifact id %q", a)
		}
		if seen[a] {
			return invalid("duplicate artifact id %q", a)
		}
		seen[a] = true
	}

	for _, h := range w.History {
		if h.WorkflowID != w.ID {
			return invalid("handoff %s belongs to workflow %s", h.ID, h.WorkflowID)
		}
	}

	if w.ParallelBatch != nil {
		if w.ParallelBatch.ID == "" {
			return invalid("parallel batch id is required")
		}
		for _, id := range w.ParallelBatch.TaskIDs {
			if !ids[id] {
				return invalid("parallel batch references unknown task %s", id)
			}
		}
	}
	return nil
}
