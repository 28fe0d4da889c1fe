package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stepwise-ai/stepwise/engine/emit"
	"github.com/stepwise-ai/stepwise/engine/store"
)

func TestReconcilerMarksExpiredRunsCrashed(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	begin := func(runID string, heartbeat time.Time) {
		t.Helper()
		if err := st.BeginTrace(ctx, store.Trace{
			TraceID:         "tr-" + runID,
			RunID:           runID,
			PlanHash:        "plan",
			SchemaVersion:   SchemaVersion,
			Seed:            DefaultSeed,
			FrozenTimestamp: now.Add(-time.Hour),
			Status:          store.StatusRunning,
		}); err != nil {
			t.Fatal(err)
		}
		if !heartbeat.IsZero() {
			if err := st.Heartbeat(ctx, runID, heartbeat); err != nil {
				t.Fatal(err)
			}
		}
	}

	begin("run-dead", now.Add(-10*time.Minute))
	begin("run-alive", now.Add(-10*time.Second))
	begin("run-never-beat", time.Time{})
	if err := st.AppendStep(ctx, "run-dead", 1, store.StepResult{
		StepID: "a", Status: store.StepSuccess, InputHash: "in", OutputHash: "out",
	}); err != nil {
		t.Fatal(err)
	}
	if err := st.SaveCheckpoint(ctx, store.Checkpoint{RunID: "run-dead", LastStepIndex: 1}); err != nil {
		t.Fatal(err)
	}

	buf := emit.NewBufferedEmitter()
	rec := NewReconciler(st, st, time.Minute).
		WithClock(func() time.Time { return now }).
		WithEmitter(buf)

	crashed, err := rec.Reconcile(ctx)
	if err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
	if len(crashed) != 2 {
		t.Fatalf("crashed = %v, want run-dead and run-never-beat", crashed)
	}

	t.Run("expired run sealed crashed", func(t *testing.T) {
		tr, err := st.LoadTrace(ctx, "run-dead")
		if err != nil {
			t.Fatal(err)
		}
		if tr.Status != store.StatusCrashed {
			t.Fatalf("status = %s, want crashed", tr.Status)
		}
		if tr.RootHash == "" {
			t.Error("crashed trace has no root hash over its partial steps")
		}
		if _, err := st.LoadCheckpoint(ctx, "run-dead"); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("checkpoint survived crash finalize: %v", err)
		}
		if len(buf.HistoryWithFilter("run-dead", emit.HistoryFilter{Msg: emit.RunCrashed})) != 1 {
			t.Error("no run_crashed event emitted")
		}
		t.Log("✓ Dead executor's run became a recorded, tamper-evident crash")
	})

	t.Run("run without a heartbeat expires via frozen timestamp", func(t *testing.T) {
		tr, err := st.LoadTrace(ctx, "run-never-beat")
		if err != nil {
			t.Fatal(err)
		}
		if tr.Status != store.StatusCrashed {
			t.Fatalf("status = %s, want crashed", tr.Status)
		}
	})

	t.Run("live run untouched", func(t *testing.T) {
		tr, err := st.LoadTrace(ctx, "run-alive")
		if err != nil {
			t.Fatal(err)
		}
		if tr.Status != store.StatusRunning {
			t.Fatalf("status = %s, want running", tr.Status)
		}
		t.Log("✓ Fresh heartbeats protect in-flight runs")
	})

	t.Run("second sweep is idempotent", func(t *testing.T) {
		again, err := rec.Reconcile(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(again) != 0 {
			t.Fatalf("second sweep crashed %v", again)
		}
	})
}
