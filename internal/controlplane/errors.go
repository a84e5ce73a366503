package controlplane

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/fentz26/relay/internal/coordinator"
	"github.com/fentz26/relay/internal/graph"
	"github.com/fentz26/relay/internal/models"
	"github.com/fentz26/relay/internal/store"
)

// ErrAuditUnavailable is returned when the daemon runs without an audit log.
var ErrAuditUnavailable = errors.New("audit log not available with this store")

// errorResponse is the body of every non-2xx response.
type errorResponse struct {
	Error string `json:"error"`
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, coordinator.ErrWorkflowNotFound),
		errors.Is(err, coordinator.ErrTaskNotFound):
		return http.StatusNotFound
	case errors.Is(err, coordinator.ErrInvalidTransition),
		errors.Is(err, coordinator.ErrTaskNotActive),
		errors.Is(err, coordinator.ErrTaskNotQueued),
		errors.Is(err, coordinator.ErrWorkflowTerminal),
		errors.Is(err, store.ErrVersionConflict):
		return http.StatusConflict
	case errors.Is(err, graph.ErrCycleDetected),
		errors.Is(err, graph.ErrUnknownDependency),
		errors.Is(err, models.ErrInvalidWorkflow):
		return http.StatusUnprocessableEntity
	case errors.Is(err, coordinator.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrAuditUnavailable):
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeErr(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err.Error())
}
