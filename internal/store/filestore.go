package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fentz26/relay/internal/models"
)

// FileStore keeps one JSON snapshot per workflow in a directory. Writes go
// to a temp file in the same directory which is synced and then renamed
// over the target, so readers never observe a partial snapshot.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates the directory if needed and returns a store on it.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the directory holding the snapshots.
func (s *FileStore) Dir() string { return s.dir }

// Ping checks the directory is still reachable.
func (s *FileStore) Ping(ctx context.Context) error {
	_, err := os.Stat(s.dir)
	return err
}

func (s *FileStore) path(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return "", fmt.Errorf("%w: unusable workflow id %q", models.ErrInvalidWorkflow, id)
	}
	return filepath.Join(s.dir, id+".json"), nil
}

// SaveWorkflow validates w and writes it atomically. The write succeeds only
// when the stored version equals w.Version; on success w.Version is
// incremented.
func (s *FileStore) SaveWorkflow(ctx context.Context, w *models.Workflow) error {
	if err := models.ValidateWorkflow(w); err != nil {
		return err
	}
	target, err := s.path(w.ID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.read(target)
	if err != nil {
		return err
	}
	switch {
	case current == nil && w.Version != 0:
		return fmt.Errorf("%w: workflow %s no longer exists", ErrVersionConflict, w.ID)
	case current != nil && current.Version != w.Version:
		return fmt.Errorf("%w: workflow %s has version %d, write is based on %d", ErrVersionConflict, w.ID, current.Version, w.Version)
	}

	next := *w
	next.Version = w.Version + 1
	data, err := json.MarshalIndent(&next, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal workflow: %w", err)
	}
	if err := writeFileAtomic(s.dir, target, data); err != nil {
		return err
	}
	w.Version = next.Version
	return nil
}

func writeFileAtomic(dir, target string, data []byte) error {
	tmp, err := os.CreateTemp(dir, ".tmp-*.json")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename snapshot: %w", err)
	}
	return nil
}

func (s *FileStore) read(path string) (*models.Workflow, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	return decodeWorkflow(data)
}

// LoadWorkflow returns the workflow snapshot, or nil if it does not exist.
func (s *FileStore) LoadWorkflow(ctx context.Context, id string) (*models.Workflow, error) {
	path, err := s.path(id)
	if err != nil {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(path)
}

// ListWorkflows returns workflows ordered by creation time, optionally
// filtered by status.
func (s *FileStore) ListWorkflows(ctx context.Context, status models.WorkflowStatus) ([]*models.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read store directory: %w", err)
	}

	var workflows []*models.Workflow
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || filepath.Ext(name) != ".json" {
			continue
		}
		w, err := s.read(filepath.Join(s.dir, name))
		if err != nil {
			return nil, err
		}
		if w == nil || (status != "" && w.Status != status) {
			continue
		}
		workflows = append(workflows, w)
	}

	sort.SliceStable(workflows, func(i, j int) bool {
		if !workflows[i].CreatedAt.Equal(workflows[j].CreatedAt) {
			return workflows[i].CreatedAt.Before(workflows[j].CreatedAt)
		}
		return workflows[i].ID < workflows[j].ID
	})
	return workflows, nil
}

// DeleteWorkflow removes a snapshot. Deleting a missing workflow is not an
// error.
func (s *FileStore) DeleteWorkflow(ctx context.Context, id string) error {
	path, err := s.path(id)
	if err != nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	return nil
}
