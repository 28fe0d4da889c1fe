package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite implementation of CheckpointStore and TraceSink.
//
// It keeps runs, step records, and checkpoints in a single-file database.
// Designed for:
//   - Development and testing with zero setup
//   - Single-process deployments
//   - Local runs requiring durable traces
//
// Uses WAL mode for concurrent reads and transactional writes. The
// (run_id, step_index) uniqueness that backs ErrDuplicateStep is a real
// UNIQUE constraint, so two executors racing on the same run cannot both
// commit a step.
//
// Schema:
//   - workflow_runs: one row per trace with status and heartbeat
//   - workflow_steps: append-only step records, UNIQUE(run_id, step_index)
//   - workflow_checkpoints: one resume snapshot per run, upserted
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	path   string
}

// NewSQLiteStore opens (or creates) the database at path and migrates the
// schema. Use ":memory:" for an in-memory database in tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) createTables(ctx context.Context) error {
	runsTable := `
		CREATE TABLE IF NOT EXISTS workflow_runs (
			run_id TEXT NOT NULL PRIMARY KEY,
			trace_id TEXT NOT NULL,
			parent_run_id TEXT NOT NULL DEFAULT '',
			plan_hash TEXT NOT NULL,
			root_hash TEXT NOT NULL DEFAULT '',
			schema_version TEXT NOT NULL,
			seed INTEGER NOT NULL,
			frozen_timestamp TEXT NOT NULL,
			status TEXT NOT NULL,
			heartbeat_at TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`
	if _, err := s.db.ExecContext(ctx, runsTable); err != nil {
		return fmt.Errorf("failed to create workflow_runs table: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "CREATE INDEX IF NOT EXISTS idx_runs_status ON workflow_runs(status)"); err != nil {
		return fmt.Errorf("failed to create idx_runs_status: %w", err)
	}

	stepsTable := `
		CREATE TABLE IF NOT EXISTS workflow_steps (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			step_index INTEGER NOT NULL,
			step_id TEXT NOT NULL,
			input_hash TEXT NOT NULL,
			output_hash TEXT NOT NULL,
			idempotency_key TEXT NOT NULL,
			record TEXT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(run_id, step_index)
		)
	`
	if _, err := s.db.ExecContext(ctx, stepsTable); err != nil {
		return fmt.Errorf("failed to create workflow_steps table: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "CREATE INDEX IF NOT EXISTS idx_steps_run_id ON workflow_steps(run_id)"); err != nil {
		return fmt.Errorf("failed to create idx_steps_run_id: %w", err)
	}

	checkpointsTable := `
		CREATE TABLE IF NOT EXISTS workflow_checkpoints (
			run_id TEXT NOT NULL PRIMARY KEY,
			last_step_index INTEGER NOT NULL,
			context TEXT NOT NULL,
			steps TEXT NOT NULL,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`
	if _, err := s.db.ExecContext(ctx, checkpointsTable); err != nil {
		return fmt.Errorf("failed to create workflow_checkpoints table: %w", err)
	}

	return nil
}

// SaveCheckpoint upserts the resume snapshot for the checkpoint's run ID.
func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, cp Checkpoint) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}

	stepsJSON, err := json.Marshal(cp.Steps)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint steps: %w", err)
	}
	contextJSON := cp.Context
	if contextJSON == nil {
		contextJSON = json.RawMessage("{}")
	}

	query := `
		INSERT INTO workflow_checkpoints (run_id, last_step_index, context, steps, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(run_id) DO UPDATE SET
			last_step_index = excluded.last_step_index,
			context = excluded.context,
			steps = excluded.steps,
			updated_at = CURRENT_TIMESTAMP
	`
	if _, err := s.db.ExecContext(ctx, query, cp.RunID, cp.LastStepIndex, string(contextJSON), string(stepsJSON)); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint retrieves the resume snapshot for runID.
func (s *SQLiteStore) LoadCheckpoint(ctx context.Context, runID string) (Checkpoint, error) {
	if err := s.ensureOpen(); err != nil {
		return Checkpoint{}, err
	}

	query := `SELECT last_step_index, context, steps FROM workflow_checkpoints WHERE run_id = ?`
	var (
		cp          = Checkpoint{RunID: runID}
		contextJSON string
		stepsJSON   string
	)
	err := s.db.QueryRowContext(ctx, query, runID).Scan(&cp.LastStepIndex, &contextJSON, &stepsJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return Checkpoint{}, ErrNotFound
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	cp.Context = json.RawMessage(contextJSON)
	if err := json.Unmarshal([]byte(stepsJSON), &cp.Steps); err != nil {
		return Checkpoint{}, fmt.Errorf("failed to unmarshal checkpoint steps: %w", err)
	}
	return cp, nil
}

// DeleteCheckpoint removes the snapshot for runID; missing rows are fine.
func (s *SQLiteStore) DeleteCheckpoint(ctx context.Context, runID string) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM workflow_checkpoints WHERE run_id = ?", runID); err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return nil
}

// BeginTrace creates the run row in running status, re-enters an
// existing running run on resume, or reopens a cancelled one.
func (s *SQLiteStore) BeginTrace(ctx context.Context, tr Trace) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}

	query := `
		INSERT INTO workflow_runs
		(run_id, trace_id, parent_run_id, plan_hash, root_hash, schema_version, seed, frozen_timestamp, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO NOTHING
	`
	_, err := s.db.ExecContext(ctx, query,
		tr.RunID,
		tr.TraceID,
		tr.ParentRunID,
		tr.PlanHash,
		tr.RootHash,
		tr.SchemaVersion,
		tr.Seed,
		tr.FrozenTimestamp.Format(time.RFC3339Nano),
		string(StatusRunning),
	)
	if err != nil {
		return fmt.Errorf("failed to begin trace: %w", err)
	}

	// The insert is a no-op when the run already exists; enforce
	// terminal immutability on that path. Cancelled is the one status
	// that reopens.
	var status string
	if err := s.db.QueryRowContext(ctx, "SELECT status FROM workflow_runs WHERE run_id = ?", tr.RunID).Scan(&status); err != nil {
		return fmt.Errorf("failed to read run status: %w", err)
	}
	switch {
	case RunStatus(status) == StatusCancelled:
		reopen := `
			UPDATE workflow_runs
			SET status = ?, root_hash = '', updated_at = CURRENT_TIMESTAMP
			WHERE run_id = ? AND status = ?
		`
		if _, err := s.db.ExecContext(ctx, reopen, string(StatusRunning), tr.RunID, string(StatusCancelled)); err != nil {
			return fmt.Errorf("failed to reopen trace: %w", err)
		}
		return nil
	case RunStatus(status).Terminal():
		return ErrTraceFinalized
	}
	return nil
}

// AppendStep inserts one step record, relying on the UNIQUE(run_id,
// step_index) constraint for duplicate detection.
func (s *SQLiteStore) AppendStep(ctx context.Context, runID string, stepIndex int, step StepResult) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}

	status, err := s.runStatus(ctx, runID)
	if err != nil {
		return err
	}
	if status.Terminal() {
		return ErrTraceFinalized
	}

	record, err := json.Marshal(step)
	if err != nil {
		return fmt.Errorf("failed to marshal step record: %w", err)
	}

	query := `
		INSERT INTO workflow_steps
		(run_id, step_index, step_id, input_hash, output_hash, idempotency_key, record)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		runID, stepIndex, step.StepID, step.InputHash, step.OutputHash, step.IdempotencyKey, string(record))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateStep
		}
		return fmt.Errorf("failed to append step: %w", err)
	}
	return nil
}

// FinalizeTrace seals the run with a terminal status and root hash. The
// guarded UPDATE makes finalize-once atomic: zero affected rows means the
// run is either missing or already terminal.
func (s *SQLiteStore) FinalizeTrace(ctx context.Context, runID string, status RunStatus, rootHash string) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	if !status.Terminal() {
		return fmt.Errorf("finalize requires a terminal status, got %q", status)
	}

	query := `
		UPDATE workflow_runs
		SET status = ?, root_hash = ?, updated_at = CURRENT_TIMESTAMP
		WHERE run_id = ? AND status = ?
	`
	res, err := s.db.ExecContext(ctx, query, string(status), rootHash, runID, string(StatusRunning))
	if err != nil {
		return fmt.Errorf("failed to finalize trace: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		if _, err := s.runStatus(ctx, runID); err != nil {
			return err
		}
		return ErrTraceFinalized
	}
	return nil
}

// Heartbeat refreshes the liveness timestamp of a running run.
func (s *SQLiteStore) Heartbeat(ctx context.Context, runID string, at time.Time) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}

	query := `
		UPDATE workflow_runs
		SET heartbeat_at = ?, updated_at = CURRENT_TIMESTAMP
		WHERE run_id = ? AND status = ?
	`
	res, err := s.db.ExecContext(ctx, query, at.Format(time.RFC3339Nano), runID, string(StatusRunning))
	if err != nil {
		return fmt.Errorf("failed to write heartbeat: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		if _, err := s.runStatus(ctx, runID); err != nil {
			return err
		}
		return ErrTraceFinalized
	}
	return nil
}

// LoadTrace retrieves the run and its step records ordered by step index.
func (s *SQLiteStore) LoadTrace(ctx context.Context, runID string) (Trace, error) {
	if err := s.ensureOpen(); err != nil {
		return Trace{}, err
	}

	query := `
		SELECT trace_id, parent_run_id, plan_hash, root_hash, schema_version, seed, frozen_timestamp, status, heartbeat_at
		FROM workflow_runs WHERE run_id = ?
	`
	var (
		tr        = Trace{RunID: runID}
		frozen    string
		status    string
		heartbeat string
	)
	err := s.db.QueryRowContext(ctx, query, runID).Scan(
		&tr.TraceID, &tr.ParentRunID, &tr.PlanHash, &tr.RootHash, &tr.SchemaVersion,
		&tr.Seed, &frozen, &status, &heartbeat)
	if errors.Is(err, sql.ErrNoRows) {
		return Trace{}, ErrNotFound
	}
	if err != nil {
		return Trace{}, fmt.Errorf("failed to load trace: %w", err)
	}

	tr.Status = RunStatus(status)
	if tr.FrozenTimestamp, err = time.Parse(time.RFC3339Nano, frozen); err != nil {
		return Trace{}, fmt.Errorf("failed to parse frozen_timestamp: %w", err)
	}
	if heartbeat != "" {
		if tr.HeartbeatAt, err = time.Parse(time.RFC3339Nano, heartbeat); err != nil {
			return Trace{}, fmt.Errorf("failed to parse heartbeat_at: %w", err)
		}
	}

	tr.Steps, err = s.loadSteps(ctx, runID)
	if err != nil {
		return Trace{}, err
	}
	return tr, nil
}

func (s *SQLiteStore) loadSteps(ctx context.Context, runID string) ([]StepResult, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT record FROM workflow_steps WHERE run_id = ? ORDER BY step_index", runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query steps: %w", err)
	}
	defer rows.Close()

	var steps []StepResult
	for rows.Next() {
		var record string
		if err := rows.Scan(&record); err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		var step StepResult
		if err := json.Unmarshal([]byte(record), &step); err != nil {
			return nil, fmt.Errorf("failed to unmarshal step record: %w", err)
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

// ListRunning returns all runs still in running status.
func (s *SQLiteStore) ListRunning(ctx context.Context) ([]Trace, error) {
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT run_id FROM workflow_runs WHERE status = ? ORDER BY run_id", string(StatusRunning))
	if err != nil {
		return nil, fmt.Errorf("failed to query running traces: %w", err)
	}
	defer rows.Close()

	var runIDs []string
	for rows.Next() {
		var runID string
		if err := rows.Scan(&runID); err != nil {
			return nil, fmt.Errorf("failed to scan run_id: %w", err)
		}
		runIDs = append(runIDs, runID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var out []Trace
	for _, runID := range runIDs {
		tr, err := s.LoadTrace(ctx, runID)
		if err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	return out, nil
}

// Close releases the database connection. Further calls fail.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Ping verifies the database connection is alive.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

func (s *SQLiteStore) ensureOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}
	return nil
}

func (s *SQLiteStore) runStatus(ctx context.Context, runID string) (RunStatus, error) {
	var status string
	err := s.db.QueryRowContext(ctx, "SELECT status FROM workflow_runs WHERE run_id = ?", runID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read run status: %w", err)
	}
	return RunStatus(status), nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
