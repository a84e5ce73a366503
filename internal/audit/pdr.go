// Package audit writes Process Decision Records for workflow events.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/fentz26/relay/internal/events"
	"github.com/fentz26/relay/internal/models"
)

// Sink persists PDR rows. *store.Store implements it.
type Sink interface {
	WritePDR(ctx context.Context, action, inputsHash, outcome, workflowID, taskID, details string) (*models.PDREntry, error)
}

// PDRWriter writes Process Decision Records for audit trails.
type PDRWriter struct {
	sink    Sink
	timeout time.Duration
}

// NewPDRWriter creates a new PDR writer.
func NewPDRWriter(s Sink) *PDRWriter {
	return &PDRWriter{sink: s, timeout: 5 * time.Second}
}

// Record writes a PDR entry for a state-mutating action.
func (w *PDRWriter) Record(ctx context.Context, action string, inputs any, outcome, workflowID, taskID, details string) (*models.PDREntry, error) {
	return w.sink.WritePDR(ctx, action, hashInputs(inputs), outcome, workflowID, taskID, details)
}

// Attach records every event published on bus until the returned function
// is called.
func (w *PDRWriter) Attach(bus *events.Bus) func() {
	return bus.SubscribeAll(w.handle)
}

func (w *PDRWriter) handle(e events.Event) error {
	details := ""
	if len(e.Data) > 0 {
		if data, err := json.Marshal(e.Data); err == nil {
			details = string(data)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()
	_, err := w.Record(ctx, string(e.Type), e, outcomeOf(e.Type), e.WorkflowID, e.TaskID, details)
	return err
}

func outcomeOf(t events.Type) string {
	switch t {
	case events.TaskFailed, events.Failed:
		return "failure"
	case events.Paused:
		return "halted"
	default:
		return "success"
	}
}

// hashInputs creates a SHA256 hash of the inputs for reproducibility.
func hashInputs(inputs any) string {
	data, err := json.Marshal(inputs)
	if err != nil {
		return "hash_error"
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}
