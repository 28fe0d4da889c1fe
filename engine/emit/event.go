// Package emit provides pluggable observability for workflow runs.
//
// The engine reports everything it does as Events: run lifecycle, step
// execution, replay decisions, retries, guard violations, checkpoint
// writes. An Emitter decides where those events go; the engine never logs
// directly.
package emit

// Standard event messages emitted by the engine.
const (
	RunStart         = "run_start"
	RunComplete      = "run_complete"
	RunFailed        = "run_failed"
	RunCancelled     = "run_cancelled"
	RunCrashed       = "run_crashed"
	StepStart        = "step_start"
	StepComplete     = "step_complete"
	StepSkipped      = "step_skipped"
	StepReplayed     = "step_replayed"
	StepRetry        = "step_retry"
	StepFailed       = "step_failed"
	GuardViolation   = "guard_violation"
	CheckpointSaved  = "checkpoint_saved"
	CheckpointFailed = "checkpoint_failed"
)

// Event is one observability record from workflow execution.
type Event struct {
	// RunID identifies the run that emitted this event.
	RunID string

	// Step is the 1-based step index. Zero for run-level events.
	Step int

	// StepID identifies the step within the workflow plan.
	// Empty for run-level events.
	StepID string

	// Msg names the event; see the constants above.
	Msg string

	// Meta carries additional structured data. Common keys:
	//   - "duration_ms": step duration in milliseconds
	//   - "cost_cents": attributed cost in cents
	//   - "retry_count": attempts consumed by the step
	//   - "replay_behavior": execute, skip, or replay
	//   - "error": error details
	Meta map[string]any
}
