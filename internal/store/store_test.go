package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fentz26/relay/internal/models"
)

// persistence is the surface both stores share.
type persistence interface {
	SaveWorkflow(ctx context.Context, w *models.Workflow) error
	LoadWorkflow(ctx context.Context, id string) (*models.Workflow, error)
	ListWorkflows(ctx context.Context, status models.WorkflowStatus) ([]*models.Workflow, error)
	DeleteWorkflow(ctx context.Context, id string) error
	Ping(ctx context.Context) error
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestFileStore(t *testing.T) *FileStore {
	t.Helper()
	s, err := NewFileStore(filepath.Join(t.TempDir(), "workflows"))
	if err != nil {
		t.Fatalf("Failed to create file store: %v", err)
	}
	return s
}

func eachStore(t *testing.T, fn func(t *testing.T, s persistence)) {
	t.Run("sqlite", func(t *testing.T) { fn(t, newTestStore(t)) })
	t.Run("file", func(t *testing.T) { fn(t, newTestFileStore(t)) })
}

func testWorkflow(id string, created time.Time) *models.Workflow {
	pm := models.AgentProjectManager
	return &models.Workflow{
		ID:           id,
		Description:  "Build a todo app",
		Status:       models.WorkflowStatusInProgress,
		CurrentAgent: &pm,
		TaskQueue: []*models.Task{
			{ID: id + "-pm", Description: "Plan", AssignedAgent: models.AgentProjectManager, Status: models.TaskStatusActive, CreatedAt: created},
			{ID: id + "-qa", Description: "Test", AssignedAgent: models.AgentTester, Status: models.TaskStatusPending, Dependencies: []string{id + "-pm"}, CreatedAt: created},
		},
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func TestNew(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "test.db")

	s, err := New(dbPath)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("Database file was not created")
	}
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestWorkflowRoundTrip(t *testing.T) {
	eachStore(t, func(t *testing.T, s persistence) {
		ctx := context.Background()
		now := time.Now().UTC().Truncate(time.Millisecond)
		w := testWorkflow("wf-1", now)
		w.ParallelBatch = &models.ParallelBatch{ID: "batch-1", TaskIDs: []string{"wf-1-pm"}, StartedAt: now}

		if err := s.SaveWorkflow(ctx, w); err != nil {
			t.Fatalf("SaveWorkflow failed: %v", err)
		}
		if w.Version != 1 {
			t.Errorf("Expected version 1 after first save, got %d", w.Version)
		}

		got, err := s.LoadWorkflow(ctx, "wf-1")
		if err != nil {
			t.Fatalf("LoadWorkflow failed: %v", err)
		}
		if got == nil {
			t.Fatal("Expected workflow, got nil")
		}
		if got.Version != 1 {
			t.Errorf("Expected stored version 1, got %d", got.Version)
		}
		if got.CurrentAgent == nil || *got.CurrentAgent != models.AgentProjectManager {
			t.Errorf("Expected current agent project_manager, got %v", got.CurrentAgent)
		}
		if len(got.TaskQueue) != 2 || got.TaskQueue[1].Dependencies[0] != "wf-1-pm" {
			t.Errorf("Task queue not preserved: %+v", got.TaskQueue)
		}
		if got.ParallelBatch == nil || got.ParallelBatch.ID != "batch-1" {
			t.Errorf("Parallel batch not preserved: %+v", got.ParallelBatch)
		}
		if !got.CreatedAt.Equal(now) {
			t.Errorf("Expected created_at %v, got %v", now, got.CreatedAt)
		}
	})
}

func TestLoadMissingWorkflow(t *testing.T) {
	eachStore(t, func(t *testing.T, s persistence) {
		got, err := s.LoadWorkflow(context.Background(), "nope")
		if err != nil {
			t.Fatalf("LoadWorkflow failed: %v", err)
		}
		if got != nil {
			t.Errorf("Expected nil for missing workflow, got %+v", got)
		}
	})
}

func TestVersionConflict(t *testing.T) {
	eachStore(t, func(t *testing.T, s persistence) {
		ctx := context.Background()
		w := testWorkflow("wf-1", time.Now().UTC())
		if err := s.SaveWorkflow(ctx, w); err != nil {
			t.Fatalf("SaveWorkflow failed: %v", err)
		}

		stale, _ := s.LoadWorkflow(ctx, "wf-1")
		fresh, _ := s.LoadWorkflow(ctx, "wf-1")

		fresh.Status = models.WorkflowStatusPaused
		if err := s.SaveWorkflow(ctx, fresh); err != nil {
			t.Fatalf("SaveWorkflow failed: %v", err)
		}

		stale.Description = "lost update"
		err := s.SaveWorkflow(ctx, stale)
		if !errors.Is(err, ErrVersionConflict) {
			t.Fatalf("Expected ErrVersionConflict, got %v", err)
		}

		got, _ := s.LoadWorkflow(ctx, "wf-1")
		if got.Status != models.WorkflowStatusPaused || got.Version != 2 {
			t.Errorf("Stale write leaked: status=%s version=%d", got.Status, got.Version)
		}

		dup := testWorkflow("wf-1", time.Now().UTC())
		if err := s.SaveWorkflow(ctx, dup); !errors.Is(err, ErrVersionConflict) {
			t.Errorf("Expected conflict when re-creating an existing id, got %v", err)
		}
	})
}

func TestSaveRejectsInvalidSnapshot(t *testing.T) {
	eachStore(t, func(t *testing.T, s persistence) {
		ctx := context.Background()
		w := testWorkflow("wf-1", time.Now().UTC())
		w.TaskQueue[1].Dependencies = []string{"ghost"}

		if err := s.SaveWorkflow(ctx, w); !errors.Is(err, models.ErrInvalidWorkflow) {
			t.Fatalf("Expected ErrInvalidWorkflow, got %v", err)
		}
		if got, _ := s.LoadWorkflow(ctx, "wf-1"); got != nil {
			t.Error("Invalid snapshot must not be written")
		}
	})
}

func TestListWorkflows(t *testing.T) {
	eachStore(t, func(t *testing.T, s persistence) {
		ctx := context.Background()
		base := time.Now().UTC()
		for i := 0; i < 3; i++ {
			w := testWorkflow(fmt.Sprintf("wf-%d", i), base.Add(time.Duration(i)*time.Second))
			if i == 1 {
				w.Status = models.WorkflowStatusPaused
			}
			if err := s.SaveWorkflow(ctx, w); err != nil {
				t.Fatalf("SaveWorkflow failed: %v", err)
			}
		}

		all, err := s.ListWorkflows(ctx, "")
		if err != nil {
			t.Fatalf("ListWorkflows failed: %v", err)
		}
		if len(all) != 3 {
			t.Fatalf("Expected 3 workflows, got %d", len(all))
		}
		for i, w := range all {
			if w.ID != fmt.Sprintf("wf-%d", i) {
				t.Errorf("Expected wf-%d at position %d, got %s", i, i, w.ID)
			}
		}

		paused, err := s.ListWorkflows(ctx, models.WorkflowStatusPaused)
		if err != nil {
			t.Fatalf("ListWorkflows with filter failed: %v", err)
		}
		if len(paused) != 1 || paused[0].ID != "wf-1" {
			t.Errorf("Expected only wf-1 paused, got %v", paused)
		}
	})
}

func TestDeleteWorkflowIsIdempotent(t *testing.T) {
	eachStore(t, func(t *testing.T, s persistence) {
		ctx := context.Background()
		if err := s.SaveWorkflow(ctx, testWorkflow("wf-1", time.Now().UTC())); err != nil {
			t.Fatalf("SaveWorkflow failed: %v", err)
		}
		if err := s.DeleteWorkflow(ctx, "wf-1"); err != nil {
			t.Fatalf("DeleteWorkflow failed: %v", err)
		}
		if err := s.DeleteWorkflow(ctx, "wf-1"); err != nil {
			t.Errorf("Second delete should succeed, got %v", err)
		}
		if got, _ := s.LoadWorkflow(ctx, "wf-1"); got != nil {
			t.Error("Workflow still present after delete")
		}
	})
}

func TestConcurrentWritersSerialize(t *testing.T) {
	eachStore(t, func(t *testing.T, s persistence) {
		ctx := context.Background()
		if err := s.SaveWorkflow(ctx, testWorkflow("wf-1", time.Now().UTC())); err != nil {
			t.Fatalf("SaveWorkflow failed: %v", err)
		}

		var wg sync.WaitGroup
		var mu sync.Mutex
		wins, conflicts := 0, 0
		for i := 0; i < 5; i++ {
			w, err := s.LoadWorkflow(ctx, "wf-1")
			if err != nil {
				t.Fatalf("LoadWorkflow failed: %v", err)
			}
			wg.Add(1)
			go func(w *models.Workflow) {
				defer wg.Done()
				err := s.SaveWorkflow(ctx, w)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					wins++
				case errors.Is(err, ErrVersionConflict):
					conflicts++
				default:
					t.Errorf("Unexpected error: %v", err)
				}
			}(w)
		}
		wg.Wait()

		if wins != 1 || conflicts != 4 {
			t.Errorf("Expected 1 win and 4 conflicts, got %d and %d", wins, conflicts)
		}
	})
}

func TestFileStoreLeavesNoTempFiles(t *testing.T) {
	s := newTestFileStore(t)
	ctx := context.Background()
	w := testWorkflow("wf-1", time.Now().UTC())
	for i := 0; i < 3; i++ {
		if err := s.SaveWorkflow(ctx, w); err != nil {
			t.Fatalf("SaveWorkflow failed: %v", err)
		}
	}

	entries, err := os.ReadDir(s.Dir())
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "wf-1.json" {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("Expected only wf-1.json, got %v", names)
	}
}

func TestFileStoreRejectsPathLikeIDs(t *testing.T) {
	s := newTestFileStore(t)
	w := testWorkflow("wf-1", time.Now().UTC())
	w.ID = "../escape"
	for _, task := range w.TaskQueue {
		task.Dependencies = nil
	}
	if err := s.SaveWorkflow(context.Background(), w); !errors.Is(err, models.ErrInvalidWorkflow) {
		t.Errorf("Expected ErrInvalidWorkflow, got %v", err)
	}
}

func TestPDR(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.WritePDR(ctx, "created", "abc", "ok", "wf-1", "", "{}"); err != nil {
		t.Fatalf("WritePDR failed: %v", err)
	}
	if _, err := s.WritePDR(ctx, "task_completed", "def", "ok", "wf-1", "t1", ""); err != nil {
		t.Fatalf("WritePDR failed: %v", err)
	}
	if _, err := s.WritePDR(ctx, "created", "ghi", "ok", "wf-2", "", ""); err != nil {
		t.Fatalf("WritePDR failed: %v", err)
	}

	entries, err := s.ListPDR(ctx, "wf-1", 0)
	if err != nil {
		t.Fatalf("ListPDR failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("Expected 2 entries for wf-1, got %d", len(entries))
	}
	if entries[0].Action != "task_completed" || entries[0].TaskID != "t1" {
		t.Errorf("Expected newest entry first, got %+v", entries[0])
	}

	all, _ := s.ListPDR(ctx, "", 10)
	if len(all) != 3 {
		t.Errorf("Expected 3 entries overall, got %d", len(all))
	}
}
