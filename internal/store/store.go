// Package store provides persistence for Relay workflows.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/fentz26/relay/internal/models"
)

// ErrVersionConflict is returned when a snapshot is written over a newer one.
var ErrVersionConflict = errors.New("workflow version conflict")

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store keeps workflow snapshots and audit records in SQLite.
type Store struct {
	db *sql.DB
}

// New creates a new Store and runs migrations.
func New(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS workflows (
		id TEXT PRIMARY KEY,
		description TEXT NOT NULL,
		status TEXT NOT NULL,
		current_agent TEXT,
		version INTEGER NOT NULL,
		snapshot TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS pdr (
		id TEXT PRIMARY KEY,
		action TEXT NOT NULL,
		inputs_hash TEXT NOT NULL,
		outcome TEXT NOT NULL,
		workflow_id TEXT,
		task_id TEXT,
		details TEXT,
		timestamp TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_workflows_status ON workflows(status);
	CREATE INDEX IF NOT EXISTS idx_pdr_workflow_id ON pdr(workflow_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// --- Workflow Operations ---

// SaveWorkflow validates and writes a snapshot. The write succeeds only when
// the stored version equals w.Version; on success w.Version is incremented.
func (s *Store) SaveWorkflow(ctx context.Context, w *models.Workflow) error {
	if err := models.ValidateWorkflow(w); err != nil {
		return err
	}

	next := *w
	next.Version = w.Version + 1
	data, err := json.Marshal(&next)
	if err != nil {
		return fmt.Errorf("marshal workflow: %w", err)
	}

	var agent sql.NullString
	if w.CurrentAgent != nil {
		agent = sql.NullString{String: string(*w.CurrentAgent), Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var stored int64
	err = tx.QueryRowContext(ctx, `SELECT version FROM workflows WHERE id = ?`, w.ID).Scan(&stored)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if w.Version != 0 {
			return fmt.Errorf("%w: workflow %s no longer exists", ErrVersionConflict, w.ID)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO workflows (id, description, status, current_agent, version, snapshot, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			w.ID, w.Description, string(w.Status), agent, next.Version, string(data),
			w.CreatedAt.UTC().Format(timeLayout), w.UpdatedAt.UTC().Format(timeLayout),
		)
		if err != nil {
			return fmt.Errorf("insert workflow: %w", err)
		}
	case err != nil:
		return fmt.Errorf("query workflow version: %w", err)
	default:
		if stored != w.Version {
			return fmt.Errorf("%w: workflow %s has version %d, write is based on %d", ErrVersionConflict, w.ID, stored, w.Version)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE workflows SET description = ?, status = ?, current_agent = ?, version = ?, snapshot = ?, updated_at = ?
			 WHERE id = ?`,
			w.Description, string(w.Status), agent, next.Version, string(data),
			w.UpdatedAt.UTC().Format(timeLayout), w.ID,
		)
		if err != nil {
			return fmt.Errorf("update workflow: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit workflow: %w", err)
	}
	w.Version = next.Version
	return nil
}

// LoadWorkflow returns the workflow snapshot, or nil if it does not exist.
func (s *Store) LoadWorkflow(ctx context.Context, id string) (*models.Workflow, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT snapshot FROM workflows WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query workflow: %w", err)
	}
	return decodeWorkflow([]byte(data))
}

// ListWorkflows returns workflows ordered by creation time, optionally
// filtered by status.
func (s *Store) ListWorkflows(ctx context.Context, status models.WorkflowStatus) ([]*models.Workflow, error) {
	query := `SELECT snapshot FROM workflows`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query workflows: %w", err)
	}
	defer rows.Close()

	var workflows []*models.Workflow
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan workflow: %w", err)
		}
		w, err := decodeWorkflow([]byte(data))
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, w)
	}
	return workflows, rows.Err()
}

// DeleteWorkflow removes a workflow. Deleting a missing workflow is not an
// error.
func (s *Store) DeleteWorkflow(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete workflow: %w", err)
	}
	return nil
}

func decodeWorkflow(data []byte) (*models.Workflow, error) {
	var w models.Workflow
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode workflow: %w", err)
	}
	return &w, nil
}

// --- PDR Operations ---

// WritePDR writes a Process Decision Record.
func (s *Store) WritePDR(ctx context.Context, action, inputsHash, outcome, workflowID, taskID, details string) (*models.PDREntry, error) {
	pdr := &models.PDREntry{
		ID:         uuid.New().String(),
		Action:     action,
		InputsHash: inputsHash,
		Outcome:    outcome,
		WorkflowID: workflowID,
		TaskID:     taskID,
		Details:    details,
		Timestamp:  time.Now().UTC(),
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pdr (id, action, inputs_hash, outcome, workflow_id, task_id, details, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		pdr.ID, pdr.Action, pdr.InputsHash, pdr.Outcome, pdr.WorkflowID, pdr.TaskID, pdr.Details, pdr.Timestamp.Format(timeLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("insert pdr: %w", err)
	}
	return pdr, nil
}

// ListPDR returns the newest audit records for a workflow, or for every
// workflow when workflowID is empty.
func (s *Store) ListPDR(ctx context.Context, workflowID string, limit int) ([]models.PDREntry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, action, inputs_hash, outcome, workflow_id, task_id, details, timestamp FROM pdr`
	var args []any
	if workflowID != "" {
		query += ` WHERE workflow_id = ?`
		args = append(args, workflowID)
	}
	query += ` ORDER BY timestamp DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query pdr: %w", err)
	}
	defer rows.Close()

	var entries []models.PDREntry
	for rows.Next() {
		var e models.PDREntry
		var wfID, taskID, details sql.NullString
		var ts string
		if err := rows.Scan(&e.ID, &e.Action, &e.InputsHash, &e.Outcome, &wfID, &taskID, &details, &ts); err != nil {
			return nil, fmt.Errorf("scan pdr: %w", err)
		}
		e.WorkflowID = wfID.String
		e.TaskID = taskID.String
		e.Details = details.String
		if parsed, err := time.Parse(timeLayout, ts); err == nil {
			e.Timestamp = parsed
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
