// Package controlplane exposes the coordinator over HTTP.
package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fentz26/relay/internal/coordinator"
	"github.com/fentz26/relay/internal/models"
)

const maxBodyBytes = 1 << 20

// Server provides the HTTP API for Relay.
type Server struct {
	service  *Service
	gatherer prometheus.Gatherer
	addr     string
	server   *http.Server
}

// NewServer creates a new HTTP server. A nil gatherer serves the default
// Prometheus registry.
func NewServer(service *Service, gatherer prometheus.Gatherer, addr string) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		service:  service,
		gatherer: gatherer,
		addr:     addr,
	}
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	mux.HandleFunc("POST /workflows", s.createWorkflow)
	mux.HandleFunc("GET /workflows", s.listWorkflows)
	mux.HandleFunc("GET /workflows/{id}", s.getWorkflow)
	mux.HandleFunc("DELETE /workflows/{id}", s.deleteWorkflow)
	mux.HandleFunc("POST /workflows/{id}/pause", s.lifecycle(s.service.PauseWorkflow))
	mux.HandleFunc("POST /workflows/{id}/resume", s.lifecycle(s.service.ResumeWorkflow))
	mux.HandleFunc("POST /workflows/{id}/cancel", s.lifecycle(s.service.CancelWorkflow))
	mux.HandleFunc("POST /workflows/{id}/process", s.lifecycle(s.service.ProcessWorkflow))
	mux.HandleFunc("POST /workflows/{id}/tasks/{task}/complete", s.completeTask)
	mux.HandleFunc("POST /workflows/{id}/tasks/{task}/fail", s.failTask)
	mux.HandleFunc("GET /workflows/{id}/plan", s.getPlan)
	mux.HandleFunc("GET /workflows/{id}/progress", s.getProgress)
	mux.HandleFunc("GET /workflows/{id}/queue", s.getQueue)
	mux.HandleFunc("GET /workflows/{id}/events", s.getEvents)
	mux.HandleFunc("GET /workflows/{id}/audit", s.getAudit)

	return mux
}

// Start starts the HTTP server and blocks until it stops. A server shut down
// before Start returns immediately.
func (s *Server) Start() error {
	log.Printf("Starting Relay daemon on %s", s.addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	health := s.service.Health(r.Context())
	status := http.StatusOK
	if !health.OK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

// decode reads an optional JSON body into v. An empty body leaves v untouched.
func decode(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// --- Workflow Handlers ---

func (s *Server) createWorkflow(w http.ResponseWriter, r *http.Request) {
	var req coordinator.CreateParams
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	wf, err := s.service.CreateWorkflow(r.Context(), req)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, wf)
}

func (s *Server) listWorkflows(w http.ResponseWriter, r *http.Request) {
	status := models.WorkflowStatus(r.URL.Query().Get("status"))
	workflows, err := s.service.ListWorkflows(r.Context(), status)
	if err != nil {
		writeErr(w, err)
		return
	}
	if workflows == nil {
		workflows = []*models.Workflow{}
	}
	writeJSON(w, http.StatusOK, workflows)
}

func (s *Server) getWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.service.GetWorkflow(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (s *Server) deleteWorkflow(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteWorkflow(r.Context(), r.PathValue("id")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type transition func(ctx context.Context, id string) (*models.Workflow, error)

func (s *Server) lifecycle(fn transition) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		wf, err := fn(r.Context(), r.PathValue("id"))
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, wf)
	}
}

type completeRequest struct {
	Result map[string]any `json:"result"`
}

func (s *Server) completeTask(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	wf, err := s.service.CompleteTask(r.Context(), r.PathValue("id"), r.PathValue("task"), req.Result)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

type failRequest struct {
	Error string `json:"error"`
}

func (s *Server) failTask(w http.ResponseWriter, r *http.Request) {
	var req failRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Error == "" {
		writeError(w, http.StatusBadRequest, "error message required")
		return
	}

	wf, err := s.service.FailTask(r.Context(), r.PathValue("id"), r.PathValue("task"), req.Error)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

// --- Read Handlers ---

func (s *Server) getPlan(w http.ResponseWriter, r *http.Request) {
	plan, err := s.service.ExecutionPlan(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

func (s *Server) getProgress(w http.ResponseWriter, r *http.Request) {
	report, err := s.service.BranchProgress(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) getQueue(w http.ResponseWriter, r *http.Request) {
	view, err := s.service.Queue(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) getEvents(w http.ResponseWriter, r *http.Request) {
	resp, err := s.service.Events(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) getAudit(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	entries, err := s.service.Audit(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}
