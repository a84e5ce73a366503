package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fentz26/relay/internal/audit"
	"github.com/fentz26/relay/internal/coordinator"
	"github.com/fentz26/relay/internal/events"
	"github.com/fentz26/relay/internal/graph"
	"github.com/fentz26/relay/internal/models"
	"github.com/fentz26/relay/internal/store"
)

func newTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	logger := log.New(io.Discard, "", 0)
	bus := events.NewBus(logger)
	audit.NewPDRWriter(st).Attach(bus)
	reg := prometheus.NewRegistry()

	coord, err := coordinator.New(coordinator.Deps{
		Store:   st,
		Bus:     bus,
		Metrics: coordinator.MustNewMetrics(reg),
		Logger:  logger,
	})
	require.NoError(t, err)

	return NewServer(NewService(coord, st, st), reg, "127.0.0.1:0"), st
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		r = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeWorkflow(t *testing.T, rec *httptest.ResponseRecorder) *models.Workflow {
	t.Helper()
	var wf models.Workflow
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&wf))
	return &wf
}

func taskID(t *testing.T, wf *models.Workflow, agent models.AgentType) string {
	t.Helper()
	for _, task := range wf.AllTasks() {
		if task.AssignedAgent == agent {
			return task.ID
		}
	}
	t.Fatalf("no %s task", agent)
	return ""
}

func createFullStack(t *testing.T, h http.Handler) *models.Workflow {
	t.Helper()
	rec := do(t, h, http.MethodPost, "/workflows", map[string]any{
		"description":  "Build a full-stack todo application with API and interface",
		"requirements": []string{"Create backend API for todos", "Implement frontend interface for todos"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeWorkflow(t, rec)
}

func TestHealthEndpoint_OK(t *testing.T) {
	s, _ := newTestServer(t)

	rec := do(t, s.Handler(), http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var health HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&health))
	assert.True(t, health.OK)
	assert.Equal(t, "ok", health.DB)
	assert.NotEmpty(t, health.Version)
	assert.NotEmpty(t, health.Time)
}

func TestHealthEndpoint_MethodNotAllowed(t *testing.T) {
	s, _ := newTestServer(t)

	rec := do(t, s.Handler(), http.MethodPost, "/health", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHealthEndpoint_DBError(t *testing.T) {
	s, st := newTestServer(t)
	st.Close()

	rec := do(t, s.Handler(), http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var health HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&health))
	assert.False(t, health.OK)
	assert.NotEqual(t, "ok", health.DB)
}

func TestWorkflowLifecycleOverHTTP(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	wf := createFullStack(t, h)
	pm := taskID(t, wf, models.AgentProjectManager)
	fe := taskID(t, wf, models.AgentFrontend)
	be := taskID(t, wf, models.AgentBackend)
	qa := taskID(t, wf, models.AgentTester)

	rec := do(t, h, http.MethodPost, "/workflows/"+wf.ID+"/tasks/"+pm+"/complete", map[string]any{
		"result": map[string]any{"artifacts": []string{"plan.md"}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decodeWorkflow(t, rec)
	assert.Nil(t, got.CurrentAgent)
	assert.Len(t, got.ActiveTasks(), 2)

	rec = do(t, h, http.MethodGet, "/workflows/"+wf.ID+"/progress", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var report coordinator.BranchReport
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&report))
	assert.Equal(t, 2, report.Total)

	rec = do(t, h, http.MethodPost, "/workflows/"+wf.ID+"/tasks/"+be+"/fail", map[string]any{"error": "boom"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.WorkflowStatusPaused, decodeWorkflow(t, rec).Status)

	rec = do(t, h, http.MethodPost, "/workflows/"+wf.ID+"/resume", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	for _, id := range []string{fe, be, qa} {
		rec = do(t, h, http.MethodPost, "/workflows/"+wf.ID+"/tasks/"+id+"/complete", nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}

	rec = do(t, h, http.MethodGet, "/workflows/"+wf.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.WorkflowStatusCompleted, decodeWorkflow(t, rec).Status)

	rec = do(t, h, http.MethodGet, "/workflows?status=completed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []*models.Workflow
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&list))
	assert.Len(t, list, 1)

	rec = do(t, h, http.MethodGet, "/workflows/"+wf.ID+"/events", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var evs EventsResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&evs))
	require.NotNil(t, evs.Workflow)
	assert.Equal(t, 1, evs.Workflow.Counts[events.Completed])

	rec = do(t, h, http.MethodGet, "/workflows/"+wf.ID+"/audit?limit=500", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var entries []models.PDREntry
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&entries))
	assert.Equal(t, evs.Workflow.TotalEvents, len(entries))
	assert.Equal(t, string(events.Completed), entries[0].Action)
}

func TestErrorStatusMapping(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()
	wf := createFullStack(t, h)
	qa := taskID(t, wf, models.AgentTester)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"unknown workflow", http.MethodGet, "/workflows/nope", nil, http.StatusNotFound},
		{"unknown task", http.MethodPost, "/workflows/" + wf.ID + "/tasks/ghost/complete", nil, http.StatusNotFound},
		{"task not active", http.MethodPost, "/workflows/" + wf.ID + "/tasks/" + qa + "/complete", nil, http.StatusConflict},
		{"invalid transition", http.MethodPost, "/workflows/" + wf.ID + "/resume", nil, http.StatusConflict},
		{"bad json", http.MethodPost, "/workflows", "{not json", http.StatusBadRequest},
		{"missing description", http.MethodPost, "/workflows", map[string]any{}, http.StatusBadRequest},
		{"fail without message", http.MethodPost, "/workflows/" + wf.ID + "/tasks/" + qa + "/fail", map[string]any{}, http.StatusBadRequest},
		{"bad status filter", http.MethodGet, "/workflows?status=bogus", nil, http.StatusBadRequest},
		{"bad audit limit", http.MethodGet, "/workflows/" + wf.ID + "/audit?limit=x", nil, http.StatusBadRequest},
		{"wrong method", http.MethodPut, "/workflows/" + wf.ID, nil, http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestStatusForGraphAndConflictErrors(t *testing.T) {
	assert.Equal(t, http.StatusUnprocessableEntity, statusFor(&graph.CycleError{Path: []string{"a", "a"}}))
	assert.Equal(t, http.StatusUnprocessableEntity, statusFor(invalidSnapshot{}))
	assert.Equal(t, http.StatusConflict, statusFor(store.ErrVersionConflict))
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("disk full")))
}

type invalidSnapshot struct{}

func (invalidSnapshot) Error() string { return "bad snapshot" }

func (invalidSnapshot) Unwrap() error { return models.ErrInvalidWorkflow }

func TestPlanQueueAndDelete(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()
	wf := createFullStack(t, h)

	rec := do(t, h, http.MethodGet, "/workflows/"+wf.ID+"/plan", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var plan struct {
		Batches        []json.RawMessage `json:"batches"`
		MaxParallelism int               `json:"max_parallelism"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&plan))
	assert.Len(t, plan.Batches, 3)

	rec = do(t, h, http.MethodGet, "/workflows/"+wf.ID+"/queue", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var view coordinator.QueueView
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&view))
	assert.Len(t, view.Active, 1)

	rec = do(t, h, http.MethodDelete, "/workflows/"+wf.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = do(t, h, http.MethodDelete, "/workflows/"+wf.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = do(t, h, http.MethodGet, "/workflows/"+wf.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()
	createFullStack(t, h)

	rec := do(t, h, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "relay_coordinator_workflows_created_total 1")
}

func TestAuditUnavailableWithoutLog(t *testing.T) {
	fs, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)
	coord, err := coordinator.New(coordinator.Deps{Store: fs, Logger: log.New(io.Discard, "", 0)})
	require.NoError(t, err)
	s := NewServer(NewService(coord, fs, nil), prometheus.NewRegistry(), "")

	wf, err := coord.CreateWorkflow(context.Background(), coordinator.CreateParams{Description: "Draft the roadmap"})
	require.NoError(t, err)

	rec := do(t, s.Handler(), http.MethodGet, "/workflows/"+wf.ID+"/audit", nil)
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}
