// Package store provides persistence for workflow traces and checkpoints.
//
// Two narrow interfaces split the concerns: CheckpointStore holds the
// mutable resume state for in-flight runs, TraceSink holds the append-only
// execution record. Implementations are provided for memory (testing),
// SQLite (modernc.org/sqlite, single-process), and MySQL
// (go-sql-driver/mysql, production).
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested run ID or checkpoint does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicateStep is returned when a step record already exists for a
// (run_id, step_index) pair. The engine surfaces this as an ownership
// conflict: two executors tried to drive the same run.
var ErrDuplicateStep = errors.New("duplicate step record")

// ErrTraceFinalized is returned on any write to a trace whose status is
// terminal. Terminal traces are immutable; this is never a silent no-op.
var ErrTraceFinalized = errors.New("trace is finalized")

// RunStatus is the lifecycle status of a trace.
type RunStatus string

const (
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
	StatusCrashed   RunStatus = "crashed"
	StatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status permits no further writes.
func (s RunStatus) Terminal() bool {
	return s != StatusRunning && s != ""
}

// StepStatus is the terminal status of a single step.
type StepStatus string

const (
	StepSuccess StepStatus = "success"
	StepFailure StepStatus = "failure"
	StepRetried StepStatus = "retried"
	StepSkipped StepStatus = "skipped"
)

// ReplayBehavior records how a step result was obtained.
type ReplayBehavior string

const (
	BehaviorExecute ReplayBehavior = "execute"
	BehaviorSkip    ReplayBehavior = "skip"
	BehaviorReplay  ReplayBehavior = "replay"
)

// StepResult is the persisted record of one step's terminal outcome.
// Retries within a step collapse into this single record with RetryCount
// reflecting the attempts. Field names are part of the stored format and
// must not change.
type StepResult struct {
	StepID          string         `json:"step_id"`
	Status          StepStatus     `json:"status"`
	OutcomeCategory string         `json:"outcome_category,omitempty"`
	OutcomeData     map[string]any `json:"outcome_data,omitempty"`
	CostCents       int64          `json:"cost_cents"`
	DurationMS      int64          `json:"duration_ms"`
	RetryCount      int            `json:"retry_count"`
	InputHash       string         `json:"input_hash"`
	OutputHash      string         `json:"output_hash"`
	IdempotencyKey  string         `json:"idempotency_key"`
	ReplayBehavior  ReplayBehavior `json:"replay_behavior"`
}

// Trace is the complete execution record of a run.
type Trace struct {
	TraceID         string       `json:"trace_id"`
	RunID           string       `json:"run_id"`
	ParentRunID     string       `json:"parent_run_id,omitempty"`
	PlanHash        string       `json:"plan_hash"`
	RootHash        string       `json:"root_hash"`
	SchemaVersion   string       `json:"schema_version"`
	Seed            int64        `json:"seed"`
	FrozenTimestamp time.Time    `json:"frozen_timestamp"`
	Status          RunStatus    `json:"status"`
	Steps           []StepResult `json:"steps"`
	HeartbeatAt     time.Time    `json:"heartbeat_at,omitempty"`
}

// Checkpoint is the resume state for a run: the last completed step index,
// a serialized run-context snapshot (seed, frozen timestamp, step outputs),
// and the step results recorded so far. Written synchronously after every
// completed step, read once at run start, deleted when the run finalizes
// completed, failed, or crashed. A cancelled run keeps its checkpoint so
// a resume can pick up from the last completed step.
type Checkpoint struct {
	RunID         string          `json:"run_id"`
	LastStepIndex int             `json:"last_step_index"`
	Context       json.RawMessage `json:"context"`
	Steps         []StepResult    `json:"steps"`
}

// StepByID returns the recorded result for a step ID, if present.
func (c *Checkpoint) StepByID(stepID string) (StepResult, bool) {
	for _, s := range c.Steps {
		if s.StepID == stepID {
			return s, true
		}
	}
	return StepResult{}, false
}

// StepByKey returns the recorded result carrying an idempotency key.
func (c *Checkpoint) StepByKey(key string) (StepResult, bool) {
	if key == "" {
		return StepResult{}, false
	}
	for _, s := range c.Steps {
		if s.IdempotencyKey == key {
			return s, true
		}
	}
	return StepResult{}, false
}

// CheckpointStore persists resume state for in-flight runs.
//
// SaveCheckpoint is an upsert keyed by run ID: the engine overwrites the
// previous checkpoint after every completed step. LoadCheckpoint returns
// ErrNotFound when no checkpoint exists (fresh run). DeleteCheckpoint is
// called once the trace finalizes completed, failed, or crashed (never on
// cancellation) and is idempotent.
type CheckpointStore interface {
	SaveCheckpoint(ctx context.Context, cp Checkpoint) error
	LoadCheckpoint(ctx context.Context, runID string) (Checkpoint, error)
	DeleteCheckpoint(ctx context.Context, runID string) error
}

// TraceSink persists the append-only execution record.
//
// BeginTrace creates the trace row in running status; calling it again for
// an existing run ID is allowed while the trace is running (crash-safe
// resume re-enters the run). A cancelled trace reopens: its status flips
// back to running and its partial root hash is cleared, so a resume can
// continue from the retained checkpoint. Completed, failed, and crashed
// traces return ErrTraceFinalized.
//
// AppendStep inserts one step record at a 1-based index. A second insert at
// the same (run_id, step_index) returns ErrDuplicateStep; implementations
// must enforce this with a uniqueness constraint, not a read-then-write.
//
// FinalizeTrace seals the trace with a terminal status and the computed
// root hash. Finalizing an already-terminal trace returns ErrTraceFinalized.
//
// Heartbeat refreshes the liveness timestamp of a running trace so startup
// reconciliation can distinguish in-flight runs from abandoned ones.
type TraceSink interface {
	BeginTrace(ctx context.Context, tr Trace) error
	AppendStep(ctx context.Context, runID string, stepIndex int, step StepResult) error
	FinalizeTrace(ctx context.Context, runID string, status RunStatus, rootHash string) error
	Heartbeat(ctx context.Context, runID string, at time.Time) error
	LoadTrace(ctx context.Context, runID string) (Trace, error)
	ListRunning(ctx context.Context) ([]Trace, error)
}
