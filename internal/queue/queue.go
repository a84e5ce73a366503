// Package queue provides the priority-aware holding area for tasks that have
// not been dispatched yet.
package queue

import (
	"sort"
	"sync"

	"github.com/fentz26/relay/internal/models"
)

type entry struct {
	task *models.Task
	seq  uint64
}

// TaskQueue orders tasks by priority (lower first) and then insertion order.
// Dequeue only hands out tasks whose dependencies are in the local completed
// set, which the owner keeps in sync with the workflow.
type TaskQueue struct {
	mu        sync.RWMutex
	entries   []entry
	completed map[string]bool
	nextSeq   uint64
}

// New creates an empty task queue.
func New() *TaskQueue {
	return &TaskQueue{completed: make(map[string]bool)}
}

// Enqueue adds a task. A task already present is left in place.
func (q *TaskQueue) Enqueue(task *models.Task) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, e := range q.entries {
		if e.task.ID == task.ID {
			return
		}
	}
	q.entries = append(q.entries, entry{task: task, seq: q.nextSeq})
	q.nextSeq++
	sort.SliceStable(q.entries, func(i, j int) bool {
		a, b := q.entries[i], q.entries[j]
		if a.task.Priority != b.task.Priority {
			return a.task.Priority < b.task.Priority
		}
		return a.seq < b.seq
	})
}

// Dequeue removes and returns the highest-priority ready task, skipping
// blocked ones. Returns nil when nothing is ready.
func (q *TaskQueue) Dequeue() *models.Task {
	tasks := q.DequeueReadyTasks(1)
	if len(tasks) == 0 {
		return nil
	}
	return tasks[0]
}

// DequeueReadyTasks removes and returns every ready task in queue order, up
// to limit. A limit of zero or less drains all ready tasks.
func (q *TaskQueue) DequeueReadyTasks(limit int) []*models.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	var ready []*models.Task
	kept := q.entries[:0]
	for _, e := range q.entries {
		if (limit <= 0 || len(ready) < limit) && q.readyLocked(e.task) {
			ready = append(ready, e.task)
			continue
		}
		kept = append(kept, e)
	}
	q.entries = kept
	return ready
}

// PeekReady returns ready tasks without removing them.
func (q *TaskQueue) PeekReady() []*models.Task {
	q.mu.RLock()
	defer q.mu.RUnlock()

	var ready []*models.Task
	for _, e := range q.entries {
		if q.readyLocked(e.task) {
			ready = append(ready, e.task)
		}
	}
	return ready
}

func (q *TaskQueue) readyLocked(task *models.Task) bool {
	if task.Status != models.TaskStatusPending {
		return false
	}
	for _, dep := range task.Dependencies {
		if !q.completed[dep] {
			return false
		}
	}
	return true
}

// MarkCompleted records a task id as completed for dependency checks.
func (q *TaskQueue) MarkCompleted(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.completed[id] = true
}

// SetCompleted replaces the completed set.
func (q *TaskQueue) SetCompleted(ids map[string]bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.completed = make(map[string]bool, len(ids))
	for id, done := range ids {
		if done {
			q.completed[id] = true
		}
	}
}

// Remove drops a task from the queue. Reports whether it was present.
func (q *TaskQueue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, e := range q.entries {
		if e.task.ID == id {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Contains reports whether a task is queued.
func (q *TaskQueue) Contains(id string) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()

	for _, e := range q.entries {
		if e.task.ID == id {
			return true
		}
	}
	return false
}

// Len returns the number of queued tasks.
func (q *TaskQueue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.entries)
}

// Pending returns queued tasks in dispatch order.
func (q *TaskQueue) Pending() []*models.Task {
	q.mu.RLock()
	defer q.mu.RUnlock()

	tasks := make([]*models.Task, len(q.entries))
	for i, e := range q.entries {
		tasks[i] = e.task
	}
	return tasks
}

// FromWorkflow builds a queue view holding the workflow's pending tasks, with
// the completed set synced from its completed list.
func FromWorkflow(w *models.Workflow) *TaskQueue {
	q := New()
	for _, t := range w.TaskQueue {
		if t.Status == models.TaskStatusPending {
			q.Enqueue(t)
		}
	}
	q.SetCompleted(w.CompletedIDs())
	return q
}
