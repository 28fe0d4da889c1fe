package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/stepwise-ai/stepwise/engine/emit"
	"github.com/stepwise-ai/stepwise/engine/store"
)

// Reconciler sweeps traces left in running status by a dead executor.
//
// A live run heartbeats continuously; a running trace whose heartbeat is
// older than the expiry is an executor that stopped without finalizing.
// Reconcile marks those traces crashed, which is terminal and immutable:
// the crash becomes a recorded fact, and any further observation of that
// workflow happens in a new run linked via parent_run_id.
type Reconciler struct {
	sink        store.TraceSink
	checkpoints store.CheckpointStore
	expiry      time.Duration
	clock       func() time.Time
	emitter     emit.Emitter
}

// NewReconciler creates a reconciler. Heartbeats older than expiry mark
// the run crashed; checkpoints of crashed runs are deleted since the run
// ID can never execute again.
func NewReconciler(sink store.TraceSink, checkpoints store.CheckpointStore, expiry time.Duration) *Reconciler {
	return &Reconciler{
		sink:        sink,
		checkpoints: checkpoints,
		expiry:      expiry,
		clock:       time.Now,
		emitter:     emit.NewNullEmitter(),
	}
}

// WithClock overrides the wall clock, for tests.
func (r *Reconciler) WithClock(clock func() time.Time) *Reconciler {
	r.clock = clock
	return r
}

// WithEmitter sets the observability sink.
func (r *Reconciler) WithEmitter(emitter emit.Emitter) *Reconciler {
	r.emitter = emitter
	return r
}

// Reconcile scans running traces and finalizes the expired ones as
// crashed. Returns the run IDs it marked. Run this at process startup
// before accepting new work, and periodically if executors come and go.
func (r *Reconciler) Reconcile(ctx context.Context) ([]string, error) {
	running, err := r.sink.ListRunning(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list running traces: %w", err)
	}

	now := r.clock()
	var crashed []string
	for _, tr := range running {
		if !r.expired(tr, now) {
			continue
		}

		// Root hash over whatever steps were committed before the
		// executor died; a partial trace is still tamper-evident.
		rootHash, err := computeRootHash(tr.Steps)
		if err != nil {
			return crashed, fmt.Errorf("run %s: %w", tr.RunID, err)
		}
		if err := r.sink.FinalizeTrace(ctx, tr.RunID, store.StatusCrashed, rootHash); err != nil {
			// Lost the race with a resumed executor or another
			// reconciler; either way the trace is settled.
			continue
		}
		if err := r.checkpoints.DeleteCheckpoint(ctx, tr.RunID); err != nil {
			return crashed, fmt.Errorf("run %s: failed to delete checkpoint: %w", tr.RunID, err)
		}

		crashed = append(crashed, tr.RunID)
		r.emitter.Emit(emit.Event{
			RunID: tr.RunID,
			Msg:   emit.RunCrashed,
			Meta: map[string]any{
				"heartbeat_at": tr.HeartbeatAt,
				"steps":        len(tr.Steps),
			},
		})
	}
	return crashed, nil
}

// expired reports whether the trace's liveness signal is stale. A trace
// that never heartbeat falls back to its frozen timestamp, so runs that
// died before the first beat still expire.
func (r *Reconciler) expired(tr store.Trace, now time.Time) bool {
	last := tr.HeartbeatAt
	if last.IsZero() {
		last = tr.FrozenTimestamp
	}
	return now.Sub(last) > r.expiry
}
