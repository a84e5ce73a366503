package controlplane

import (
	"context"
	"time"

	"github.com/fentz26/relay/internal/coordinator"
	"github.com/fentz26/relay/internal/events"
	"github.com/fentz26/relay/internal/models"
)

// Version is reported by the health endpoint.
var Version = "dev"

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// AuditLog lists Process Decision Records. *store.Store implements it.
type AuditLog interface {
	ListPDR(ctx context.Context, workflowID string, limit int) ([]models.PDREntry, error)
}

// Service is the control plane's view of the coordinator plus the
// read-only facilities around it.
type Service struct {
	*coordinator.Coordinator
	health Pinger
	audit  AuditLog
}

// NewService creates a service. audit may be nil when no audit log is kept.
func NewService(coord *coordinator.Coordinator, health Pinger, audit AuditLog) *Service {
	return &Service{Coordinator: coord, health: health, audit: audit}
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	OK      bool   `json:"ok"`
	DB      string `json:"db"`
	Version string `json:"version"`
	Time    string `json:"time"`
}

// Health pings the store.
func (s *Service) Health(ctx context.Context) HealthResponse {
	resp := HealthResponse{
		OK:      true,
		DB:      "ok",
		Version: Version,
		Time:    time.Now().UTC().Format(time.RFC3339),
	}
	if s.health == nil {
		return resp
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.health.Ping(ctx); err != nil {
		resp.OK = false
		resp.DB = err.Error()
	}
	return resp
}

// EventsResponse is the body of GET /workflows/{id}/events.
type EventsResponse struct {
	Workflow *events.WorkflowMetrics `json:"workflow"`
	Branches []events.BranchMetrics  `json:"branches"`
}

// Events returns the event bus snapshot for a stored workflow.
func (s *Service) Events(ctx context.Context, id string) (*EventsResponse, error) {
	if _, err := s.GetWorkflow(ctx, id); err != nil {
		return nil, err
	}
	bus := s.Bus()
	return &EventsResponse{
		Workflow: bus.WorkflowMetrics(id),
		Branches: bus.BranchMetrics(id),
	}, nil
}

// Audit returns the newest audit records of a stored workflow.
func (s *Service) Audit(ctx context.Context, id string, limit int) ([]models.PDREntry, error) {
	if s.audit == nil {
		return nil, ErrAuditUnavailable
	}
	if _, err := s.GetWorkflow(ctx, id); err != nil {
		return nil, err
	}
	entries, err := s.audit.ListPDR(ctx, id, limit)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []models.PDREntry{}
	}
	return entries, nil
}
