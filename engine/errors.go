// Package engine executes fixed workflow plans deterministically and
// records tamper-evident traces of everything it does.
package engine

import (
	"errors"
	"fmt"
)

// ErrRunCancelled indicates the run was cancelled before completing. The
// trace is finalized with status cancelled.
var ErrRunCancelled = errors.New("run cancelled")

// ErrReplayMissingOutput indicates strict replay reached a step whose
// output was never recorded in the parent trace.
var ErrReplayMissingOutput = errors.New("replay requires a recorded output")

// ErrPlanMismatch indicates a replay was requested against a plan whose
// hash differs from the one the parent trace executed.
var ErrPlanMismatch = errors.New("plan hash does not match parent trace")

// IdempotencyConflictError reports a step that reused an idempotency key
// with different inputs. The original effect may or may not have happened;
// the engine refuses to guess and stops the run.
type IdempotencyConflictError struct {
	StepID            string
	IdempotencyKey    string
	RecordedInputHash string
	CurrentInputHash  string
}

func (e *IdempotencyConflictError) Error() string {
	return fmt.Sprintf("idempotency conflict on step %s: key %s was recorded with input hash %s, now %s",
		e.StepID, e.IdempotencyKey, e.RecordedInputHash, e.CurrentInputHash)
}

// OwnershipConflictError reports that another executor already committed a
// step record for this run at the same index. Exactly one writer wins the
// insert; the loser gets this.
type OwnershipConflictError struct {
	RunID     string
	StepIndex int
}

func (e *OwnershipConflictError) Error() string {
	return fmt.Sprintf("run %s is owned by another executor (step %d already committed)", e.RunID, e.StepIndex)
}

// ValidationError reports a structurally invalid workflow plan. Plans are
// validated before the first step executes; a run never starts on a bad
// plan.
type ValidationError struct {
	StepID  string
	Message string
}

func (e *ValidationError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("invalid plan: step %s: %s", e.StepID, e.Message)
	}
	return fmt.Sprintf("invalid plan: %s", e.Message)
}

// InfraError wraps a persistence failure that survived the engine's retry
// budget. The run is left in running status: the trace never lies about
// what the workflow did just because the database was down.
type InfraError struct {
	Op  string
	Err error
}

func (e *InfraError) Error() string {
	return fmt.Sprintf("infrastructure failure during %s: %v", e.Op, e.Err)
}

func (e *InfraError) Unwrap() error { return e.Err }
