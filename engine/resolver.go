package engine

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/stepwise-ai/stepwise/engine/store"
)

// Decision is the resolver's verdict for one step.
type Decision int

const (
	// DecisionExecute runs the skill.
	DecisionExecute Decision = iota

	// DecisionSkip reuses the recorded result without invoking the
	// skill: the step already ran to a terminal result with the same
	// idempotency key and the same inputs.
	DecisionSkip

	// DecisionReplay reuses a recorded output from a parent trace while
	// still appending a fresh record to the new run's trace.
	DecisionReplay
)

func (d Decision) String() string {
	switch d {
	case DecisionSkip:
		return "skip"
	case DecisionReplay:
		return "replay"
	default:
		return "execute"
	}
}

// deriveIdempotencyKey produces the fallback key for steps that do not
// declare one: sha256(run_id, step_id). Every persisted step record
// carries a key, caller-supplied or derived.
func deriveIdempotencyKey(runID, stepID string) string {
	h := sha256.New()
	h.Write([]byte(runID))
	h.Write([]byte{0})
	h.Write([]byte(stepID))
	return hex.EncodeToString(h.Sum(nil))
}

// Resolver decides whether a step executes, skips, or replays. The
// decision is O(1) against the checkpoint's recorded results; resuming a
// mostly-complete run costs a sequence of constant-time skips.
type Resolver struct {
	// ReplayMode marks a replay run: steps without a result in the run's
	// own checkpoint resolve against the Parent trace's recorded outputs
	// instead of executing.
	ReplayMode bool

	// Parent holds the parent run's recorded steps. Consulted only in
	// replay mode.
	Parent *store.Checkpoint
}

// Resolve inspects the run's own checkpoint, then (in replay mode) the
// parent trace, for a previous terminal result of this step.
//
//   - same key, same input hash, terminal result in the own checkpoint:
//     SKIP, reusing the recorded result
//   - same key, different input hash: IdempotencyConflictError; the
//     recorded effect happened with other inputs and re-running could
//     duplicate it
//   - replay mode and the parent recorded a terminal output for this
//     step ID: REPLAY, reusing the parent's result. The input hash plays
//     no part here; input drift during replay surfaces in the drift
//     report, not as a conflict
//   - otherwise: EXECUTE (REPLAY never invents outputs; a replay run
//     with no parent record for the step falls through to EXECUTE and
//     the caller decides whether that is allowed)
func (r *Resolver) Resolve(stepID, key, inputHash string, cp *store.Checkpoint) (Decision, *store.StepResult, error) {
	if cp != nil {
		if recorded, ok := cp.StepByKey(key); ok {
			if recorded.InputHash != inputHash {
				return DecisionExecute, nil, &IdempotencyConflictError{
					StepID:            stepID,
					IdempotencyKey:    key,
					RecordedInputHash: recorded.InputHash,
					CurrentInputHash:  inputHash,
				}
			}
			if terminalStepStatus(recorded.Status) {
				return DecisionSkip, &recorded, nil
			}
		}
	}

	if r.ReplayMode && r.Parent != nil {
		if recorded, ok := r.Parent.StepByID(stepID); ok && terminalStepStatus(recorded.Status) && recorded.OutcomeData != nil {
			return DecisionReplay, &recorded, nil
		}
	}

	return DecisionExecute, nil, nil
}

// terminalStepStatus reports whether a recorded step result is final.
// Success after retries (status retried) counts; a recorded failure does
// not short-circuit re-execution on resume.
func terminalStepStatus(s store.StepStatus) bool {
	switch s {
	case store.StepSuccess, store.StepRetried, store.StepSkipped:
		return true
	default:
		return false
	}
}
