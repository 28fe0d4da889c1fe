package engine

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"
)

// RunContext is the engine-private execution state of one run: the seed,
// the frozen timestamp captured once at run start, and the accumulated
// step outputs. It is serialized into the checkpoint after every step so
// a resumed run continues with byte-identical state.
type RunContext struct {
	runID   string
	seed    int64
	frozen  time.Time
	outputs map[string]map[string]any
}

func newRunContext(runID string, seed int64, frozen time.Time) *RunContext {
	return &RunContext{
		runID:   runID,
		seed:    seed,
		frozen:  frozen,
		outputs: make(map[string]map[string]any),
	}
}

// Seed returns the run seed.
func (rc *RunContext) Seed() int64 { return rc.seed }

// Now returns the frozen timestamp. Every "current time" read during the
// run resolves to this one instant.
func (rc *RunContext) Now() time.Time { return rc.frozen }

// Output returns the recorded output of a completed step.
func (rc *RunContext) Output(stepID string) (map[string]any, bool) {
	out, ok := rc.outputs[stepID]
	return out, ok
}

// setOutput records a step's output. Outputs are immutable once written;
// a second write for the same step is a bug in the step loop.
func (rc *RunContext) setOutput(stepID string, output map[string]any) error {
	if _, exists := rc.outputs[stepID]; exists {
		return fmt.Errorf("output for step %s already recorded", stepID)
	}
	if output == nil {
		output = map[string]any{}
	}
	rc.outputs[stepID] = output
	return nil
}

// stepSeed derives the per-step RNG seed: the first eight bytes of
// sha256(seed, stepID), masked non-negative. Every step gets an
// independent, reproducible randomness stream regardless of execution
// history.
func stepSeed(seed int64, stepID string) int64 {
	h := sha256.New()
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(seed))
	h.Write(buf[:])
	h.Write([]byte(stepID))
	sum := h.Sum(nil)
	return int64(binary.BigEndian.Uint64(sum[:8]) &^ (1 << 63))
}

// rngFor returns a PRNG seeded for the given step. Used for backoff
// jitter so even retry timing replays identically.
func (rc *RunContext) rngFor(stepID string) *rand.Rand {
	return rand.New(rand.NewSource(stepSeed(rc.seed, stepID))) // #nosec G404 -- reproducible jitter, not security-sensitive
}

// contextSnapshot is the serialized form stored in the checkpoint.
type contextSnapshot struct {
	RunID           string                    `json:"run_id"`
	Seed            int64                     `json:"seed"`
	FrozenTimestamp time.Time                 `json:"frozen_timestamp"`
	Outputs         map[string]map[string]any `json:"outputs"`
}

// snapshot serializes the context for checkpointing.
func (rc *RunContext) snapshot() (json.RawMessage, error) {
	data, err := json.Marshal(contextSnapshot{
		RunID:           rc.runID,
		Seed:            rc.seed,
		FrozenTimestamp: rc.frozen,
		Outputs:         rc.outputs,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot run context: %w", err)
	}
	return data, nil
}

// restoreRunContext rebuilds a context from a checkpoint snapshot.
func restoreRunContext(data json.RawMessage) (*RunContext, error) {
	var snap contextSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to restore run context: %w", err)
	}
	rc := newRunContext(snap.RunID, snap.Seed, snap.FrozenTimestamp)
	if snap.Outputs != nil {
		rc.outputs = snap.Outputs
	}
	return rc, nil
}
