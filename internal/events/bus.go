// Package events provides the synchronous in-process workflow event bus.
package events

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fentz26/relay/internal/models"
)

// Type identifies a workflow event.
type Type string

const (
	Created                 Type = "created"
	AgentChanged            Type = "agent_changed"
	TaskCompleted           Type = "task_completed"
	TaskFailed              Type = "task_failed"
	Paused                  Type = "paused"
	Resumed                 Type = "resumed"
	Completed               Type = "completed"
	Failed                  Type = "failed"
	ParallelExecutionUpdate Type = "parallel_execution_update"
	BranchProgress          Type = "branch_progress"
)

// Event is one notification delivered to subscribers.
type Event struct {
	ID         string           `json:"id"`
	Type       Type             `json:"type"`
	WorkflowID string           `json:"workflow_id"`
	TaskID     string           `json:"task_id,omitempty"`
	Agent      models.AgentType `json:"agent,omitempty"`
	Timestamp  time.Time        `json:"timestamp"`
	Data       map[string]any   `json:"data,omitempty"`
}

// Logger is the subset of *log.Logger the bus needs.
type Logger interface {
	Printf(format string, v ...any)
}

// Handler receives events. A returned error is logged and otherwise ignored.
type Handler func(Event) error

type subscription struct {
	id      uint64
	handler Handler
}

// Bus delivers events synchronously to per-workflow subscribers and then to
// global subscribers. A failing subscriber never affects the publisher or
// other subscribers.
type Bus struct {
	mu       sync.RWMutex
	byID     map[string][]subscription
	global   []subscription
	nextID   uint64
	metrics  map[string]*WorkflowMetrics
	branches map[string]map[string]BranchMetrics

	logger Logger
	now    func() time.Time
}

// NewBus creates an event bus. A nil logger selects the standard logger.
func NewBus(logger Logger) *Bus {
	if logger == nil {
		logger = log.Default()
	}
	return &Bus{
		byID:     make(map[string][]subscription),
		metrics:  make(map[string]*WorkflowMetrics),
		branches: make(map[string]map[string]BranchMetrics),
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Subscribe registers a handler for one workflow. The returned function
// removes it and is safe to call more than once.
func (b *Bus) Subscribe(workflowID string, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.byID[workflowID] = append(b.byID[workflowID], subscription{id: id, handler: h})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.byID[workflowID] = without(b.byID[workflowID], id)
		if len(b.byID[workflowID]) == 0 {
			delete(b.byID, workflowID)
		}
	}
}

// SubscribeAll registers a handler for events of every workflow.
func (b *Bus) SubscribeAll(h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.global = append(b.global, subscription{id: id, handler: h})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.global = without(b.global, id)
	}
}

// Emit records metrics for the event and delivers it to subscribers.
func (b *Bus) Emit(e Event) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = b.now()
	}

	b.mu.Lock()
	b.recordLocked(e)
	targets := make([]subscription, 0, len(b.byID[e.WorkflowID])+len(b.global))
	targets = append(targets, b.byID[e.WorkflowID]...)
	targets = append(targets, b.global...)
	b.mu.Unlock()

	for _, sub := range targets {
		b.deliver(sub, e)
	}
}

func (b *Bus) deliver(sub subscription, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Printf("event subscriber %d panicked on %s for workflow %s: %v", sub.id, e.Type, e.WorkflowID, r)
		}
	}()
	if err := sub.handler(e); err != nil {
		b.logger.Printf("event subscriber %d failed on %s for workflow %s: %v", sub.id, e.Type, e.WorkflowID, err)
	}
}

// SubscriberCount returns the number of handlers registered for a workflow.
func (b *Bus) SubscriberCount(workflowID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.byID[workflowID])
}

// Cleanup drops subscribers and metric snapshots for a workflow.
func (b *Bus) Cleanup(workflowID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.byID, workflowID)
	delete(b.metrics, workflowID)
	delete(b.branches, workflowID)
}

func without(subs []subscription, id uint64) []subscription {
	kept := subs[:0]
	for _, s := range subs {
		if s.id != id {
			kept = append(kept, s)
		}
	}
	return kept
}

// String renders the event for logs.
func (e Event) String() string {
	if e.TaskID != "" {
		return fmt.Sprintf("%s workflow=%s task=%s", e.Type, e.WorkflowID, e.TaskID)
	}
	return fmt.Sprintf("%s workflow=%s", e.Type, e.WorkflowID)
}
