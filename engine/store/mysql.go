package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
)

// mysqlTimeFormat is the DATETIME(6) literal format.
const mysqlTimeFormat = "2006-01-02 15:04:05.000000"

// MySQLStore is a MySQL implementation of CheckpointStore and TraceSink.
//
// Designed for production deployments where multiple processes share one
// database. The UNIQUE KEY on (run_id, step_index) arbitrates run
// ownership: when two executors race on the same run, exactly one insert
// wins and the loser observes ErrDuplicateStep.
type MySQLStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewMySQLStore connects to MySQL with the given DSN and migrates the
// schema.
//
// Example DSN: "user:pass@tcp(localhost:3306)/stepwise?parseTime=true"
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	s := &MySQLStore{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (m *MySQLStore) createTables(ctx context.Context) error {
	runsTable := `
		CREATE TABLE IF NOT EXISTS workflow_runs (
			run_id VARCHAR(255) NOT NULL PRIMARY KEY,
			trace_id VARCHAR(255) NOT NULL,
			parent_run_id VARCHAR(255) NOT NULL DEFAULT '',
			plan_hash VARCHAR(64) NOT NULL,
			root_hash VARCHAR(64) NOT NULL DEFAULT '',
			schema_version VARCHAR(16) NOT NULL,
			seed BIGINT NOT NULL,
			frozen_timestamp DATETIME(6) NOT NULL,
			status VARCHAR(16) NOT NULL,
			heartbeat_at DATETIME(6) NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
			INDEX idx_runs_status (status)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
	`
	if _, err := m.db.ExecContext(ctx, runsTable); err != nil {
		return fmt.Errorf("failed to create workflow_runs table: %w", err)
	}

	stepsTable := `
		CREATE TABLE IF NOT EXISTS workflow_steps (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			run_id VARCHAR(255) NOT NULL,
			step_index INT NOT NULL,
			step_id VARCHAR(255) NOT NULL,
			input_hash VARCHAR(64) NOT NULL,
			output_hash VARCHAR(64) NOT NULL,
			idempotency_key VARCHAR(255) NOT NULL,
			record JSON NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			INDEX idx_steps_run_id (run_id),
			UNIQUE KEY unique_run_step (run_id, step_index)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
	`
	if _, err := m.db.ExecContext(ctx, stepsTable); err != nil {
		return fmt.Errorf("failed to create workflow_steps table: %w", err)
	}

	checkpointsTable := `
		CREATE TABLE IF NOT EXISTS workflow_checkpoints (
			run_id VARCHAR(255) NOT NULL PRIMARY KEY,
			last_step_index INT NOT NULL,
			context JSON NOT NULL,
			steps JSON NOT NULL,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
	`
	if _, err := m.db.ExecContext(ctx, checkpointsTable); err != nil {
		return fmt.Errorf("failed to create workflow_checkpoints table: %w", err)
	}

	return nil
}

// SaveCheckpoint upserts the resume snapshot for the checkpoint's run ID.
func (m *MySQLStore) SaveCheckpoint(ctx context.Context, cp Checkpoint) error {
	if err := m.ensureOpen(); err != nil {
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
		INSERT INTO workflow_checkpoints (run_id, last_step_index, context, steps)
		VALUES (?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			last_step_index = VALUES(last_step_index),
			context = VALUES(context),
			steps = VALUES(steps)
	`
	if _, err := m.db.ExecContext(ctx, query, cp.RunID, cp.LastStepIndex, string(contextJSON), string(stepsJSON)); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint retrieves the resume snapshot for runID.
func (m *MySQLStore) LoadCheckpoint(ctx context.Context, runID string) (Checkpoint, error) {
	if err := m.ensureOpen(); err != nil {
		return Checkpoint{}, err
	}

	query := `SELECT last_step_index, context, steps FROM workflow_checkpoints WHERE run_id = ?`
	var (
		cp          = Checkpoint{RunID: runID}
		contextJSON string
		stepsJSON   string
	)
	err := m.db.QueryRowContext(ctx, query, runID).Scan(&cp.LastStepIndex, &contextJSON, &stepsJSON)
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
func (m *MySQLStore) DeleteCheckpoint(ctx context.Context, runID string) error {
	if err := m.ensureOpen(); err != nil {
		return err
	}
	if _, err := m.db.ExecContext(ctx, "DELETE FROM workflow_checkpoints WHERE run_id = ?", runID); err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return nil
}

// BeginTrace creates the run row in running status, re-enters an
// existing running run on resume, or reopens a cancelled one.
func (m *MySQLStore) BeginTrace(ctx context.Context, tr Trace) error {
	if err := m.ensureOpen(); err != nil {
		return err
	}

	query := `
		INSERT IGNORE INTO workflow_runs
		(run_id, trace_id, parent_run_id, plan_hash, root_hash, schema_version, seed, frozen_timestamp, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := m.db.ExecContext(ctx, query,
		tr.RunID,
		tr.TraceID,
		tr.ParentRunID,
		tr.PlanHash,
		tr.RootHash,
		tr.SchemaVersion,
		tr.Seed,
		tr.FrozenTimestamp.UTC().Format(mysqlTimeFormat),
		string(StatusRunning),
	)
	if err != nil {
		return fmt.Errorf("failed to begin trace: %w", err)
	}

	var status string
	if err := m.db.QueryRowContext(ctx, "SELECT status FROM workflow_runs WHERE run_id = ?", tr.RunID).Scan(&status); err != nil {
		return fmt.Errorf("failed to read run status: %w", err)
	}
	switch {
	case RunStatus(status) == StatusCancelled:
		reopen := `UPDATE workflow_runs SET status = ?, root_hash = '' WHERE run_id = ? AND status = ?`
		if _, err := m.db.ExecContext(ctx, reopen, string(StatusRunning), tr.RunID, string(StatusCancelled)); err != nil {
			return fmt.Errorf("failed to reopen trace: %w", err)
		}
		return nil
	case RunStatus(status).Terminal():
		return ErrTraceFinalized
	}
	return nil
}

// AppendStep inserts one step record, relying on unique_run_step for
// duplicate detection.
func (m *MySQLStore) AppendStep(ctx context.Context, runID string, stepIndex int, step StepResult) error {
	if err := m.ensureOpen(); err != nil {
		return err
	}

	status, err := m.runStatus(ctx, runID)
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
	_, err = m.db.ExecContext(ctx, query,
		runID, stepIndex, step.StepID, step.InputHash, step.OutputHash, step.IdempotencyKey, string(record))
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrDuplicateStep
		}
		return fmt.Errorf("failed to append step: %w", err)
	}
	return nil
}

// FinalizeTrace seals the run with a terminal status and root hash.
func (m *MySQLStore) FinalizeTrace(ctx context.Context, runID string, status RunStatus, rootHash string) error {
	if err := m.ensureOpen(); err != nil {
		return err
	}
	if !status.Terminal() {
		return fmt.Errorf("finalize requires a terminal status, got %q", status)
	}

	query := `UPDATE workflow_runs SET status = ?, root_hash = ? WHERE run_id = ? AND status = ?`
	res, err := m.db.ExecContext(ctx, query, string(status), rootHash, runID, string(StatusRunning))
	if err != nil {
		return fmt.Errorf("failed to finalize trace: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		if _, err := m.runStatus(ctx, runID); err != nil {
			return err
		}
		return ErrTraceFinalized
	}
	return nil
}

// Heartbeat refreshes the liveness timestamp of a running run.
func (m *MySQLStore) Heartbeat(ctx context.Context, runID string, at time.Time) error {
	if err := m.ensureOpen(); err != nil {
		return err
	}

	query := `UPDATE workflow_runs SET heartbeat_at = ? WHERE run_id = ? AND status = ?`
	res, err := m.db.ExecContext(ctx, query, at.UTC().Format(mysqlTimeFormat), runID, string(StatusRunning))
	if err != nil {
		return fmt.Errorf("failed to write heartbeat: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		if _, err := m.runStatus(ctx, runID); err != nil {
			return err
		}
		return ErrTraceFinalized
	}
	return nil
}

// LoadTrace retrieves the run and its step records ordered by step index.
func (m *MySQLStore) LoadTrace(ctx context.Context, runID string) (Trace, error) {
	if err := m.ensureOpen(); err != nil {
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
		heartbeat sql.NullString
	)
	err := m.db.QueryRowContext(ctx, query, runID).Scan(
		&tr.TraceID, &tr.ParentRunID, &tr.PlanHash, &tr.RootHash, &tr.SchemaVersion,
		&tr.Seed, &frozen, &status, &heartbeat)
	if errors.Is(err, sql.ErrNoRows) {
		return Trace{}, ErrNotFound
	}
	if err != nil {
		return Trace{}, fmt.Errorf("failed to load trace: %w", err)
	}

	tr.Status = RunStatus(status)
	if tr.FrozenTimestamp, err = time.Parse(mysqlTimeFormat, frozen); err != nil {
		return Trace{}, fmt.Errorf("failed to parse frozen_timestamp: %w", err)
	}
	if heartbeat.Valid && heartbeat.String != "" {
		if tr.HeartbeatAt, err = time.Parse(mysqlTimeFormat, heartbeat.String); err != nil {
			return Trace{}, fmt.Errorf("failed to parse heartbeat_at: %w", err)
		}
	}

	rows, err := m.db.QueryContext(ctx,
		"SELECT record FROM workflow_steps WHERE run_id = ? ORDER BY step_index", runID)
	if err != nil {
		return Trace{}, fmt.Errorf("failed to query steps: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var record string
		if err := rows.Scan(&record); err != nil {
			return Trace{}, fmt.Errorf("failed to scan step: %w", err)
		}
		var step StepResult
		if err := json.Unmarshal([]byte(record), &step); err != nil {
			return Trace{}, fmt.Errorf("failed to unmarshal step record: %w", err)
		}
		tr.Steps = append(tr.Steps, step)
	}
	return tr, rows.Err()
}

// ListRunning returns all runs still in running status.
func (m *MySQLStore) ListRunning(ctx context.Context) ([]Trace, error) {
	if err := m.ensureOpen(); err != nil {
		return nil, err
	}

	rows, err := m.db.QueryContext(ctx,
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
		tr, err := m.LoadTrace(ctx, runID)
		if err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	return out, nil
}

// Close releases the database connection pool.
func (m *MySQLStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	return m.db.Close()
}

// Ping verifies the database connection is alive.
func (m *MySQLStore) Ping(ctx context.Context) error {
	if err := m.ensureOpen(); err != nil {
		return err
	}
	return m.db.PingContext(ctx)
}

func (m *MySQLStore) ensureOpen() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return fmt.Errorf("store is closed")
	}
	return nil
}

func (m *MySQLStore) runStatus(ctx context.Context, runID string) (RunStatus, error) {
	var status string
	err := m.db.QueryRowContext(ctx, "SELECT status FROM workflow_runs WHERE run_id = ?", runID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read run status: %w", err)
	}
	return RunStatus(status), nil
}
