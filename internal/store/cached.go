package store

import (
	"context"
	"encoding/json"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/fentz26/relay/internal/models"
)

// DefaultCacheSize is the number of workflow snapshots kept in memory.
const DefaultCacheSize = 256

// Backend is the workflow persistence surface a Cached store wraps.
type Backend interface {
	SaveWorkflow(ctx context.Context, w *models.Workflow) error
	LoadWorkflow(ctx context.Context, id string) (*models.Workflow, error)
	ListWorkflows(ctx context.Context, status models.WorkflowStatus) ([]*models.Workflow, error)
	DeleteWorkflow(ctx context.Context, id string) error
	Ping(ctx context.Context) error
}

// Cached serves LoadWorkflow from an LRU of encoded snapshots and writes
// through to the wrapped backend. Entries are stored encoded so callers never
// share pointers with the cache.
//
// The cache assumes it is the only writer to the backend.
type Cached struct {
	backend Backend
	cache   *lru.Cache[string, []byte]
}

// NewCached wraps backend with an LRU cache of size entries. A non-positive
// size falls back to DefaultCacheSize.
func NewCached(backend Backend, size int) (*Cached, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New[string, []byte](size)
	if err != nil {
		return nil, fmt.Errorf("create cache: %w", err)
	}
	return &Cached{backend: backend, cache: cache}, nil
}

// Len returns the number of cached snapshots.
func (c *Cached) Len() int { return c.cache.Len() }

func (c *Cached) Ping(ctx context.Context) error { return c.backend.Ping(ctx) }

// SaveWorkflow writes through and caches the new version on success. Any
// failure evicts the entry so the next load goes to the backend.
func (c *Cached) SaveWorkflow(ctx context.Context, w *models.Workflow) error {
	if err := c.backend.SaveWorkflow(ctx, w); err != nil {
		c.cache.Remove(w.ID)
		return err
	}
	data, err := json.Marshal(w)
	if err != nil {
		c.cache.Remove(w.ID)
		return nil
	}
	c.cache.Add(w.ID, data)
	return nil
}

// LoadWorkflow returns a fresh copy of the snapshot, or nil if missing.
func (c *Cached) LoadWorkflow(ctx context.Context, id string) (*models.Workflow, error) {
	if data, ok := c.cache.Get(id); ok {
		return decodeWorkflow(data)
	}

	w, err := c.backend.LoadWorkflow(ctx, id)
	if err != nil || w == nil {
		return w, err
	}
	if data, err := json.Marshal(w); err == nil {
		c.cache.Add(id, data)
	}
	return w, nil
}

// ListWorkflows always reads the backend.
func (c *Cached) ListWorkflows(ctx context.Context, status models.WorkflowStatus) ([]*models.Workflow, error) {
	return c.backend.ListWorkflows(ctx, status)
}

func (c *Cached) DeleteWorkflow(ctx context.Context, id string) error {
	c.cache.Remove(id)
	return c.backend.DeleteWorkflow(ctx, id)
}
