package store

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteCheckpointLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	if _, err := s.LoadCheckpoint(ctx, "run-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for fresh run, got %v", err)
	}

	cp := Checkpoint{
		RunID:         "run-1",
		LastStepIndex: 1,
		Context:       json.RawMessage(`{"seed":42,"frozen_timestamp":"2025-06-01T12:00:00Z"}`),
		Steps:         []StepResult{testStep("a")},
	}
	if err := s.SaveCheckpoint(ctx, cp); err != nil {
		t.Fatalf("SaveCheckpoint failed: %v", err)
	}

	cp.LastStepIndex = 2
	cp.Steps = append(cp.Steps, testStep("b"))
	if err := s.SaveCheckpoint(ctx, cp); err != nil {
		t.Fatalf("SaveCheckpoint upsert failed: %v", err)
	}

	loaded, err := s.LoadCheckpoint(ctx, "run-1")
	if err != nil {
		t.Fatalf("LoadCheckpoint failed: %v", err)
	}
	if loaded.LastStepIndex != 2 {
		t.Errorf("expected last_step_index 2, got %d", loaded.LastStepIndex)
	}
	if len(loaded.Steps) != 2 {
		t.Errorf("expected 2 steps, got %d", len(loaded.Steps))
	}

	var snapshot map[string]any
	if err := json.Unmarshal(loaded.Context, &snapshot); err != nil {
		t.Fatalf("context snapshot not valid JSON: %v", err)
	}
	if snapshot["seed"] != float64(42) {
		t.Errorf("context snapshot lost seed: %v", snapshot)
	}

	if err := s.DeleteCheckpoint(ctx, "run-1"); err != nil {
		t.Fatalf("DeleteCheckpoint failed: %v", err)
	}
	if _, err := s.LoadCheckpoint(ctx, "run-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestSQLiteTraceLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	if err := s.BeginTrace(ctx, testTrace("run-1")); err != nil {
		t.Fatalf("BeginTrace failed: %v", err)
	}
	if err := s.BeginTrace(ctx, testTrace("run-1")); err != nil {
		t.Fatalf("BeginTrace re-entry failed: %v", err)
	}

	step := testStep("a")
	step.OutcomeData = map[string]any{"result": 3.0}
	if err := s.AppendStep(ctx, "run-1", 1, step); err != nil {
		t.Fatalf("AppendStep failed: %v", err)
	}

	t.Run("duplicate step index", func(t *testing.T) {
		err := s.AppendStep(ctx, "run-1", 1, testStep("a"))
		if !errors.Is(err, ErrDuplicateStep) {
			t.Fatalf("expected ErrDuplicateStep from UNIQUE constraint, got %v", err)
		}
		t.Log("✓ UNIQUE(run_id, step_index) enforced")
	})

	beat := time.Date(2025, 6, 1, 12, 0, 5, 0, time.UTC)
	if err := s.Heartbeat(ctx, "run-1", beat); err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}

	if err := s.FinalizeTrace(ctx, "run-1", StatusCompleted, "cafe0123"); err != nil {
		t.Fatalf("FinalizeTrace failed: %v", err)
	}

	t.Run("terminal trace is immutable", func(t *testing.T) {
		if err := s.AppendStep(ctx, "run-1", 2, testStep("b")); !errors.Is(err, ErrTraceFinalized) {
			t.Errorf("AppendStep after finalize: expected ErrTraceFinalized, got %v", err)
		}
		if err := s.FinalizeTrace(ctx, "run-1", StatusFailed, "other"); !errors.Is(err, ErrTraceFinalized) {
			t.Errorf("double finalize: expected ErrTraceFinalized, got %v", err)
		}
		if err := s.Heartbeat(ctx, "run-1", time.Now()); !errors.Is(err, ErrTraceFinalized) {
			t.Errorf("heartbeat after finalize: expected ErrTraceFinalized, got %v", err)
		}
	})

	tr, err := s.LoadTrace(ctx, "run-1")
	if err != nil {
		t.Fatalf("LoadTrace failed: %v", err)
	}
	if tr.Status != StatusCompleted || tr.RootHash != "cafe0123" {
		t.Errorf("unexpected trace: status=%s root=%s", tr.Status, tr.RootHash)
	}
	if !tr.HeartbeatAt.Equal(beat) {
		t.Errorf("expected heartbeat %v, got %v", beat, tr.HeartbeatAt)
	}
	if len(tr.Steps) != 1 {
		t.Fatalf("expected 1 step, got %d", len(tr.Steps))
	}
	got := tr.Steps[0]
	if got.StepID != "a" || got.InputHash != "aa11" || got.IdempotencyKey != "key-a" {
		t.Errorf("step record round trip lost fields: %+v", got)
	}
	if got.OutcomeData["result"] != 3.0 {
		t.Errorf("outcome_data round trip lost fields: %+v", got.OutcomeData)
	}

	if _, err := s.LoadTrace(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing run, got %v", err)
	}
}

func TestSQLiteReopenCancelledTrace(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	if err := s.BeginTrace(ctx, testTrace("run-1")); err != nil {
		t.Fatalf("BeginTrace failed: %v", err)
	}
	if err := s.AppendStep(ctx, "run-1", 1, testStep("a")); err != nil {
		t.Fatalf("AppendStep failed: %v", err)
	}
	if err := s.FinalizeTrace(ctx, "run-1", StatusCancelled, "partial123"); err != nil {
		t.Fatalf("FinalizeTrace failed: %v", err)
	}

	if err := s.BeginTrace(ctx, testTrace("run-1")); err != nil {
		t.Fatalf("reopen of a cancelled trace failed: %v", err)
	}
	tr, err := s.LoadTrace(ctx, "run-1")
	if err != nil {
		t.Fatalf("LoadTrace failed: %v", err)
	}
	if tr.Status != StatusRunning || tr.RootHash != "" {
		t.Errorf("expected running with cleared root hash, got status=%s root=%q", tr.Status, tr.RootHash)
	}

	if err := s.AppendStep(ctx, "run-1", 2, testStep("b")); err != nil {
		t.Fatalf("AppendStep after reopen failed: %v", err)
	}
	if err := s.FinalizeTrace(ctx, "run-1", StatusCompleted, "deadbeef"); err != nil {
		t.Fatalf("FinalizeTrace after reopen failed: %v", err)
	}
	if err := s.BeginTrace(ctx, testTrace("run-1")); !errors.Is(err, ErrTraceFinalized) {
		t.Fatalf("completed trace reopened: %v", err)
	}
	t.Log("✓ cancelled reopens to running; completed stays sealed")
}

func TestSQLiteListRunning(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	for _, runID := range []string{"run-a", "run-b"} {
		if err := s.BeginTrace(ctx, testTrace(runID)); err != nil {
			t.Fatalf("BeginTrace(%s) failed: %v", runID, err)
		}
	}
	if err := s.FinalizeTrace(ctx, "run-a", StatusCrashed, ""); err != nil {
		t.Fatalf("FinalizeTrace failed: %v", err)
	}

	running, err := s.ListRunning(ctx)
	if err != nil {
		t.Fatalf("ListRunning failed: %v", err)
	}
	if len(running) != 1 || running[0].RunID != "run-b" {
		t.Errorf("unexpected running set: %+v", running)
	}
}

func TestSQLitePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "traces.db")

	s, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	if err := s.BeginTrace(ctx, testTrace("run-1")); err != nil {
		t.Fatalf("BeginTrace failed: %v", err)
	}
	if err := s.AppendStep(ctx, "run-1", 1, testStep("a")); err != nil {
		t.Fatalf("AppendStep failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	tr, err := reopened.LoadTrace(ctx, "run-1")
	if err != nil {
		t.Fatalf("LoadTrace after reopen failed: %v", err)
	}
	if tr.Status != StatusRunning || len(tr.Steps) != 1 {
		t.Errorf("trace did not survive reopen: %+v", tr)
	}
	t.Log("✓ trace state survives process restart")
}

func TestSQLiteClosedStore(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := s.SaveCheckpoint(ctx, Checkpoint{RunID: "run-1"}); err == nil {
		t.Error("expected error on closed store")
	}
	if err := s.Ping(ctx); err == nil {
		t.Error("expected ping to fail on closed store")
	}
}
