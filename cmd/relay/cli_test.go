package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fentz26/relay/internal/coordinator"
	"github.com/fentz26/relay/internal/models"
)

func withAPI(t *testing.T, h http.HandlerFunc) {
	t.Helper()
	srv := httptest.NewServer(h)
	prev := apiAddr
	apiAddr = srv.URL
	t.Cleanup(func() {
		apiAddr = prev
		srv.Close()
	})
}

func TestAPIPostSendsJSON(t *testing.T) {
	withAPI(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/workflows", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req coordinator.CreateParams
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "Build a todo app", req.Description)

		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(models.Workflow{ID: "wf-1", Status: models.WorkflowStatusInProgress})
	})

	var wf models.Workflow
	err := apiPost("/workflows", coordinator.CreateParams{Description: "Build a todo app"}, &wf)
	require.NoError(t, err)
	assert.Equal(t, "wf-1", wf.ID)
}

func TestAPIErrorDecodesMessage(t *testing.T) {
	withAPI(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":"task is not active"}`))
	})

	err := apiPost("/workflows/x/tasks/y/complete", map[string]any{}, nil)
	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.Status)
	assert.Equal(t, "task is not active", apiErr.Message)
}

func TestAPIErrorPlainBody(t *testing.T) {
	withAPI(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	err := apiDelete("/workflows/x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestParseResult(t *testing.T) {
	result, err := parseResult("")
	require.NoError(t, err)
	assert.Nil(t, result)

	result, err = parseResult(`{"artifacts":["plan.md"]}`)
	require.NoError(t, err)
	assert.Equal(t, []any{"plan.md"}, result["artifacts"])

	_, err = parseResult(`["not","an","object"]`)
	assert.Error(t, err)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
	assert.Equal(t, "12345678", truncateID("123456789abc"))
	assert.Equal(t, "abc", truncateID("abc"))
}

func TestWorkflowPathEscapes(t *testing.T) {
	assert.Equal(t, "/workflows/a%2Fb/tasks/t1/complete", workflowPath("a/b", "tasks", "t1", "complete"))
}

func TestRenderWorkflowList(t *testing.T) {
	var buf bytes.Buffer
	renderWorkflowList(&buf, nil)
	assert.Contains(t, buf.String(), "No workflows found")

	agent := models.AgentFrontend
	buf.Reset()
	renderWorkflowList(&buf, []*models.Workflow{{
		ID:             "0123456789abcdef",
		Description:    "Build a todo app",
		Status:         models.WorkflowStatusInProgress,
		CurrentAgent:   &agent,
		TaskQueue:      []*models.Task{{ID: "t3"}},
		CompletedTasks: []*models.Task{{ID: "t1"}, {ID: "t2"}},
		CreatedAt:      time.Now(),
	}})
	out := buf.String()
	assert.Contains(t, out, "01234567")
	assert.Contains(t, out, "2/3")
	assert.Contains(t, out, "frontend")
}

func TestRenderProgressMarksBottlenecks(t *testing.T) {
	slow := models.ParallelBranch{ID: "b1:t2", TaskID: "t2", Agent: models.AgentBackend, Status: models.BranchActive}
	report := &coordinator.BranchReport{
		BatchID: "b1",
		Branches: []models.ParallelBranch{
			{ID: "b1:t1", TaskID: "t1", Agent: models.AgentFrontend, Status: models.BranchCompleted},
			slow,
		},
		Total:       2,
		Completed:   1,
		Active:      1,
		Percent:     50,
		Bottlenecks: []models.ParallelBranch{slow},
	}

	var buf bytes.Buffer
	renderProgress(&buf, report)
	out := buf.String()
	assert.Contains(t, out, "50%")
	assert.Contains(t, out, "bottleneck")

	buf.Reset()
	renderProgress(&buf, &coordinator.BranchReport{})
	assert.Contains(t, buf.String(), "No parallel batch")
}
