package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/stepwise-ai/stepwise/engine/canonical"
	"github.com/stepwise-ai/stepwise/engine/emit"
	"github.com/stepwise-ai/stepwise/engine/guard"
	"github.com/stepwise-ai/stepwise/engine/skill"
	"github.com/stepwise-ai/stepwise/engine/store"
)

// Engine executes workflow plans deterministically: fixed step order,
// derived per-step seeds, one frozen timestamp per run, synchronous
// checkpoints, and an append-only trace sealed with a root hash.
//
// An Engine is safe for concurrent use; each Run drives one run ID and
// two executors racing on the same run ID resolve through the store's
// uniqueness constraint, not through in-process locking.
type Engine struct {
	registry    *skill.Registry
	checkpoints store.CheckpointStore
	sink        store.TraceSink

	emitter emit.Emitter
	metrics *PrometheusMetrics
	costs   *CostTracker
	golden  *GoldenRecorder

	clock             func() time.Time
	heartbeatInterval time.Duration
	defaultRetry      *RetryPolicy
	infraRetry        RetryPolicy
	strictReplay      bool
	resumeCancelled   bool
	guardEnabled      bool
	guardAllowHosts   []string
	pool              *runPool

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New creates an engine. Registry, checkpoint store, and trace sink are
// required; everything else is configured through options.
func New(registry *skill.Registry, checkpoints store.CheckpointStore, sink store.TraceSink, opts ...Option) (*Engine, error) {
	if registry == nil {
		return nil, errors.New("skill registry must not be nil")
	}
	if checkpoints == nil {
		return nil, errors.New("checkpoint store must not be nil")
	}
	if sink == nil {
		return nil, errors.New("trace sink must not be nil")
	}

	e := &Engine{
		registry:          registry,
		checkpoints:       checkpoints,
		sink:              sink,
		emitter:           emit.NewNullEmitter(),
		clock:             time.Now,
		heartbeatInterval: 5 * time.Second,
		defaultRetry:      DefaultRetryPolicy(),
		infraRetry:        RetryPolicy{MaxAttempts: 3, BaseDelay: 50 * time.Millisecond, MaxDelay: time.Second},
		strictReplay:      true,
		guardEnabled:      true,
		cancels:           make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Run executes the plan under the given run ID and returns the finalized
// trace.
//
// Seed zero selects DefaultSeed. If a checkpoint exists for the run ID,
// execution resumes: completed steps resolve as skips in O(1) each and
// the restored seed and frozen timestamp override the arguments, so a
// resumed run is indistinguishable from an uninterrupted one.
func (e *Engine) Run(ctx context.Context, spec *WorkflowSpec, runID string, seed int64) (*store.Trace, error) {
	return e.execute(ctx, spec, runID, seed, nil)
}

// ReplayRun re-executes a completed parent run under a new run ID,
// reusing the parent's seed, frozen timestamp, and recorded step outputs.
// Skills are not invoked for steps the parent recorded; input hashes are
// recomputed fresh, so the returned DriftReport pinpoints the first step
// where behavior diverged from the parent. The replay trace links back
// through parent_run_id.
func (e *Engine) ReplayRun(ctx context.Context, spec *WorkflowSpec, parentRunID, runID string) (*store.Trace, *DriftReport, error) {
	parent, err := e.sink.LoadTrace(ctx, parentRunID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load parent trace %s: %w", parentRunID, err)
	}
	if parent.Status != store.StatusCompleted {
		return nil, nil, fmt.Errorf("parent run %s is %s, only completed runs can be replayed", parentRunID, parent.Status)
	}

	planHash, err := spec.PlanHash()
	if err != nil {
		return nil, nil, err
	}
	if planHash != parent.PlanHash {
		return nil, nil, fmt.Errorf("run %s: %w", parentRunID, ErrPlanMismatch)
	}

	tr, err := e.execute(ctx, spec, runID, parent.Seed, &parent)
	if err != nil {
		return tr, nil, err
	}
	report := CompareTraces(&parent, tr)
	return tr, &report, nil
}

// Cancel requests cancellation of an in-flight run. Returns false when
// no run with that ID is executing in this engine.
func (e *Engine) Cancel(runID string) bool {
	e.mu.Lock()
	cancel, ok := e.cancels[runID]
	e.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// execute is the shared step loop behind Run and ReplayRun. A non-nil
// parent marks a replay: recorded parent outputs substitute for skill
// invocations.
func (e *Engine) execute(ctx context.Context, spec *WorkflowSpec, runID string, seed int64, parent *store.Trace) (*store.Trace, error) {
	if runID == "" {
		return nil, errors.New("run ID must not be empty")
	}
	if err := spec.Validate(e.registry); err != nil {
		return nil, err
	}
	planHash, err := spec.PlanHash()
	if err != nil {
		return nil, err
	}

	if err := e.pool.acquire(ctx); err != nil {
		return nil, err
	}
	defer e.pool.release()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.mu.Lock()
	if _, busy := e.cancels[runID]; busy {
		e.mu.Unlock()
		return nil, fmt.Errorf("run %s is already executing", runID)
	}
	e.cancels[runID] = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.cancels, runID)
		e.mu.Unlock()
	}()

	e.metrics.RunStarted()
	defer e.metrics.RunFinished()

	// Persistence must complete even when the run context is cancelled
	// mid-step; a half-written finalize would corrupt the record.
	persistCtx := context.WithoutCancel(ctx)

	cp, resumed, err := e.loadCheckpoint(persistCtx, runID)
	if err != nil {
		return nil, err
	}

	rc, traceID, err := e.prepareRunContext(persistCtx, runID, seed, parent, cp, resumed, planHash)
	if err != nil {
		return nil, err
	}

	tr := store.Trace{
		TraceID:         traceID,
		RunID:           runID,
		PlanHash:        planHash,
		SchemaVersion:   SchemaVersion,
		Seed:            rc.seed,
		FrozenTimestamp: rc.frozen,
		Status:          store.StatusRunning,
		HeartbeatAt:     e.clock().UTC(),
	}
	if parent != nil {
		tr.ParentRunID = parent.RunID
	}
	if err := e.withInfraRetry(persistCtx, "begin trace", func() error {
		return e.sink.BeginTrace(persistCtx, tr)
	}); err != nil {
		return nil, err
	}

	if e.golden != nil && !resumed {
		e.golden.Begin(runID, traceID, planHash, rc.seed, rc.frozen)
	}

	stopHeartbeat := e.startHeartbeat(persistCtx, runID)
	defer stopHeartbeat()

	var g *guard.Guard
	if e.guardEnabled {
		g = guard.New(rc.frozen)
		for _, host := range e.guardAllowHosts {
			g.AllowHost(host)
		}
		ctx = guard.With(ctx, g)
	}

	e.emitter.Emit(emit.Event{RunID: runID, Msg: emit.RunStart, Meta: map[string]any{
		"plan_hash": planHash,
		"seed":      rc.seed,
		"resumed":   resumed,
	}})

	var records []store.StepResult
	if resumed {
		records = append(records, cp.Steps...)
	}
	var replaySource *store.Checkpoint
	if parent != nil {
		replaySource = &store.Checkpoint{RunID: parent.RunID, Steps: parent.Steps}
	}

	resolver := &Resolver{ReplayMode: parent != nil, Parent: replaySource}
	violationsSeen := 0

	for _, step := range spec.Steps {
		if ctx.Err() != nil {
			return e.finishCancelled(persistCtx, runID, records)
		}

		inputs, err := resolveInputs(step, rc.outputs)
		if err != nil {
			return e.finishFailed(persistCtx, runID, records, step.ID, err)
		}
		inputHash, err := canonical.Hash(inputs)
		if err != nil {
			return e.finishFailed(persistCtx, runID, records, step.ID, err)
		}
		key := step.IdempotencyKey
		if key == "" {
			key = deriveIdempotencyKey(runID, step.ID)
		}

		decision, recorded, err := resolver.Resolve(step.ID, key, inputHash, checkpointOf(records, runID))
		if err != nil {
			return e.finishFailed(persistCtx, runID, records, step.ID, err)
		}

		if decision == DecisionSkip {
			if done, err := e.applySkip(persistCtx, runID, rc, &records, step, *recorded, inputHash, key); err != nil {
				return nil, err
			} else if done {
				continue
			}
		}

		if decision == DecisionReplay {
			if err := e.applyReplay(persistCtx, runID, rc, &records, step, *recorded, inputHash, key); err != nil {
				if isPersistenceError(err) {
					return nil, err
				}
				return e.finishFailed(persistCtx, runID, records, step.ID, err)
			}
			continue
		}

		if parent != nil && e.strictReplay {
			missing := fmt.Errorf("step %s: %w", step.ID, ErrReplayMissingOutput)
			return e.finishFailed(persistCtx, runID, records, step.ID, missing)
		}

		sr, runErr := e.executeStep(ctx, rc, runID, step, inputs, inputHash, key, g, &violationsSeen)
		if runErr != nil && ctx.Err() != nil {
			return e.finishCancelled(persistCtx, runID, records)
		}
		if runErr != nil {
			// The failure itself is part of the record.
			if err := e.commitStep(persistCtx, runID, rc, &records, sr, nil); err != nil {
				return nil, err
			}
			return e.finishFailed(persistCtx, runID, records, step.ID, runErr)
		}

		if err := e.commitStep(persistCtx, runID, rc, &records, sr, sr.OutcomeData); err != nil {
			return nil, err
		}
		e.costs.Add(runID, step.SkillID, sr.CostCents)
		e.emitter.Emit(emit.Event{RunID: runID, Step: len(records), StepID: step.ID, Msg: emit.StepComplete, Meta: map[string]any{
			"duration_ms":     sr.DurationMS,
			"cost_cents":      sr.CostCents,
			"retry_count":     sr.RetryCount,
			"replay_behavior": string(sr.ReplayBehavior),
		}})
	}

	return e.finishCompleted(persistCtx, runID, records)
}

// loadCheckpoint fetches resume state; a missing checkpoint means a fresh
// run.
func (e *Engine) loadCheckpoint(ctx context.Context, runID string) (store.Checkpoint, bool, error) {
	var cp store.Checkpoint
	var found bool
	err := e.withInfraRetry(ctx, "load checkpoint", func() error {
		loaded, err := e.checkpoints.LoadCheckpoint(ctx, runID)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		cp, found = loaded, true
		return nil
	})
	return cp, found, err
}

// prepareRunContext builds the run's determinism envelope. Resume
// restores the checkpointed seed and frozen timestamp; a replay inherits
// the parent's; a fresh run captures the clock once, here and never
// again.
func (e *Engine) prepareRunContext(ctx context.Context, runID string, seed int64, parent *store.Trace, cp store.Checkpoint, resumed bool, planHash string) (*RunContext, string, error) {
	existing, err := e.sink.LoadTrace(ctx, runID)
	switch {
	case err == nil:
		if existing.Status.Terminal() {
			resumable := existing.Status == store.StatusCancelled && e.resumeCancelled
			if !resumable {
				return nil, "", fmt.Errorf("run %s: %w", runID, store.ErrTraceFinalized)
			}
		}
		if existing.PlanHash != planHash {
			return nil, "", fmt.Errorf("run %s: %w", runID, ErrPlanMismatch)
		}
	case errors.Is(err, store.ErrNotFound):
		existing = store.Trace{TraceID: deriveTraceID(runID)}
	default:
		return nil, "", &InfraError{Op: "load trace", Err: err}
	}

	if resumed {
		rc, err := restoreRunContext(cp.Context)
		if err != nil {
			return nil, "", err
		}
		return rc, existing.TraceID, nil
	}

	if parent != nil {
		return newRunContext(runID, parent.Seed, parent.FrozenTimestamp), existing.TraceID, nil
	}

	// A run that crashed before its first checkpoint still has a trace
	// row; re-enter its envelope instead of capturing a new one. Same
	// for a run cancelled before its first checkpoint.
	if existing.Status == store.StatusRunning || existing.Status == store.StatusCancelled {
		return newRunContext(runID, existing.Seed, existing.FrozenTimestamp), existing.TraceID, nil
	}
	if seed == 0 {
		seed = DefaultSeed
	}
	return newRunContext(runID, seed, e.clock().UTC()), existing.TraceID, nil
}

// applySkip handles a DecisionSkip. A record for this exact step means a
// resume walking past already-committed work: nothing to append. A record
// under the same idempotency key but a different step means the effect
// already happened elsewhere in the run; a skipped marker is appended so
// the trace stays aligned with what executed.
func (e *Engine) applySkip(ctx context.Context, runID string, rc *RunContext, records *[]store.StepResult, step StepDescriptor, recorded store.StepResult, inputHash, key string) (bool, error) {
	if _, ok := rc.Output(step.ID); !ok {
		if err := rc.setOutput(step.ID, recorded.OutcomeData); err != nil {
			return false, err
		}
	}
	e.metrics.IncReplayHit(string(store.BehaviorSkip))

	if recorded.StepID == step.ID {
		e.emitter.Emit(emit.Event{RunID: runID, StepID: step.ID, Msg: emit.StepSkipped, Meta: map[string]any{
			"replay_behavior": string(store.BehaviorSkip),
		}})
		return true, nil
	}

	sr := store.StepResult{
		StepID:          step.ID,
		Status:          store.StepSkipped,
		OutcomeCategory: recorded.OutcomeCategory,
		OutcomeData:     recorded.OutcomeData,
		InputHash:       inputHash,
		OutputHash:      recorded.OutputHash,
		IdempotencyKey:  key,
		ReplayBehavior:  store.BehaviorSkip,
	}
	if err := e.commitStep(ctx, runID, rc, records, sr, nil); err != nil {
		return false, err
	}
	e.emitter.Emit(emit.Event{RunID: runID, Step: len(*records), StepID: step.ID, Msg: emit.StepSkipped, Meta: map[string]any{
		"replay_behavior": string(store.BehaviorSkip),
		"source_step":     recorded.StepID,
	}})
	return true, nil
}

// applyReplay records the parent's recorded output as this run's result
// for the step. The input hash is computed fresh from this run's resolved
// inputs, so upstream drift shows up in the trace comparison instead of
// being papered over.
func (e *Engine) applyReplay(ctx context.Context, runID string, rc *RunContext, records *[]store.StepResult, step StepDescriptor, recorded store.StepResult, inputHash, key string) error {
	sr := store.StepResult{
		StepID:          step.ID,
		Status:          recorded.Status,
		OutcomeCategory: recorded.OutcomeCategory,
		OutcomeData:     recorded.OutcomeData,
		InputHash:       inputHash,
		OutputHash:      recorded.OutputHash,
		IdempotencyKey:  key,
		ReplayBehavior:  store.BehaviorReplay,
	}
	if err := e.commitStep(ctx, runID, rc, records, sr, recorded.OutcomeData); err != nil {
		return err
	}
	e.metrics.IncReplayHit(string(store.BehaviorReplay))
	e.emitter.Emit(emit.Event{RunID: runID, Step: len(*records), StepID: step.ID, Msg: emit.StepReplayed, Meta: map[string]any{
		"replay_behavior": string(store.BehaviorReplay),
	}})
	return nil
}

// executeStep invokes the skill with retries and returns the terminal
// step record. On failure the returned record describes the failure and
// the error is non-nil.
func (e *Engine) executeStep(ctx context.Context, rc *RunContext, runID string, step StepDescriptor, inputs map[string]any, inputHash, key string, g *guard.Guard, violationsSeen *int) (store.StepResult, error) {
	policy := step.Retry
	if policy == nil {
		policy = e.defaultRetry
	}

	sk, err := e.registry.Get(step.SkillID)
	if err != nil {
		return failureRecord(step.ID, inputHash, key, 0, 0, err), err
	}

	if g != nil {
		g.SetStep(step.ID)
	}
	e.emitter.Emit(emit.Event{RunID: runID, StepID: step.ID, Msg: emit.StepStart})

	inv := skill.Invocation{
		RunID:  runID,
		StepID: step.ID,
		Seed:   stepSeed(rc.seed, step.ID),
		Now:    rc.frozen,
		Inputs: inputs,
	}
	rng := rc.rngFor(step.ID)

	start := e.clock()
	var result skill.Result
	var invokeErr error
	retries := 0
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		result, invokeErr = sk.Invoke(ctx, inv)
		e.recordViolations(runID, g, violationsSeen)
		if invokeErr == nil {
			break
		}
		if !retryableSkillError(invokeErr) || attempt == policy.MaxAttempts-1 {
			break
		}

		retries++
		e.metrics.IncRetry(step.ID)
		delay := computeBackoff(attempt, policy.BaseDelay, policy.MaxDelay, rng)
		e.emitter.Emit(emit.Event{RunID: runID, StepID: step.ID, Msg: emit.StepRetry, Meta: map[string]any{
			"attempt":  attempt + 1,
			"delay_ms": delay.Milliseconds(),
			"error":    invokeErr.Error(),
		}})
		if err := sleepCtx(ctx, delay); err != nil {
			invokeErr = err
			break
		}
	}
	durationMS := e.clock().Sub(start).Milliseconds()

	if invokeErr != nil {
		sr := failureRecord(step.ID, inputHash, key, retries, durationMS, invokeErr)
		e.metrics.ObserveStep(step.ID, string(sr.Status), float64(durationMS))
		e.emitter.Emit(emit.Event{RunID: runID, StepID: step.ID, Msg: emit.StepFailed, Meta: map[string]any{
			"error":       invokeErr.Error(),
			"retry_count": retries,
		}})
		return sr, fmt.Errorf("step %s: %w", step.ID, invokeErr)
	}

	output := result.Output
	if output == nil {
		output = map[string]any{}
	}
	outputHash, err := canonical.Hash(output)
	if err != nil {
		wrapped := fmt.Errorf("step %s produced a non-canonical output: %w", step.ID, err)
		return failureRecord(step.ID, inputHash, key, retries, durationMS, wrapped), wrapped
	}

	status := store.StepSuccess
	if retries > 0 {
		status = store.StepRetried
	}
	e.metrics.ObserveStep(step.ID, string(status), float64(durationMS))
	return store.StepResult{
		StepID:          step.ID,
		Status:          status,
		OutcomeCategory: "ok",
		OutcomeData:     output,
		CostCents:       result.CostCents,
		DurationMS:      durationMS,
		RetryCount:      retries,
		InputHash:       inputHash,
		OutputHash:      outputHash,
		IdempotencyKey:  key,
		ReplayBehavior:  store.BehaviorExecute,
	}, nil
}

// commitStep appends the record to the trace and synchronously writes the
// checkpoint. Only after both land does the output become visible to
// downstream steps; a crash between the two replays the append on resume
// and hits the duplicate guard, never losing or doubling a step.
func (e *Engine) commitStep(ctx context.Context, runID string, rc *RunContext, records *[]store.StepResult, sr store.StepResult, output map[string]any) error {
	index := len(*records) + 1
	err := e.withInfraRetry(ctx, "append step", func() error {
		return e.sink.AppendStep(ctx, runID, index, sr)
	})
	if errors.Is(err, store.ErrDuplicateStep) {
		return &OwnershipConflictError{RunID: runID, StepIndex: index}
	}
	if err != nil {
		return err
	}
	*records = append(*records, sr)

	if output != nil {
		if _, ok := rc.Output(sr.StepID); !ok {
			if err := rc.setOutput(sr.StepID, output); err != nil {
				return err
			}
		}
	}

	snapshot, err := rc.snapshot()
	if err != nil {
		return err
	}
	cp := store.Checkpoint{
		RunID:         runID,
		LastStepIndex: index,
		Context:       snapshot,
		Steps:         *records,
	}
	if err := e.withInfraRetry(ctx, "save checkpoint", func() error {
		return e.checkpoints.SaveCheckpoint(ctx, cp)
	}); err != nil {
		e.metrics.IncCheckpointFailure()
		e.emitter.Emit(emit.Event{RunID: runID, Step: index, StepID: sr.StepID, Msg: emit.CheckpointFailed, Meta: map[string]any{
			"error": err.Error(),
		}})
		return err
	}

	if e.golden != nil {
		e.golden.Record(runID, sr)
	}
	e.emitter.Emit(emit.Event{RunID: runID, Step: index, StepID: sr.StepID, Msg: emit.CheckpointSaved})
	return nil
}

// finishCompleted seals a successful run.
func (e *Engine) finishCompleted(ctx context.Context, runID string, records []store.StepResult) (*store.Trace, error) {
	if err := e.finalize(ctx, runID, store.StatusCompleted, records); err != nil {
		return nil, err
	}
	if e.golden != nil {
		if _, err := e.golden.Finalize(runID); err != nil {
			return nil, err
		}
	}

	tr, err := e.sink.LoadTrace(ctx, runID)
	if err != nil {
		return nil, &InfraError{Op: "load trace", Err: err}
	}
	e.emitter.Emit(emit.Event{RunID: runID, Msg: emit.RunComplete, Meta: map[string]any{
		"root_hash": tr.RootHash,
		"steps":     len(tr.Steps),
	}})
	return &tr, nil
}

// finishFailed seals a failed run. The trace keeps everything that
// committed before the failure.
func (e *Engine) finishFailed(ctx context.Context, runID string, records []store.StepResult, stepID string, cause error) (*store.Trace, error) {
	if err := e.finalize(ctx, runID, store.StatusFailed, records); err != nil {
		return nil, errors.Join(cause, err)
	}
	tr, loadErr := e.sink.LoadTrace(ctx, runID)
	if loadErr != nil {
		return nil, errors.Join(cause, &InfraError{Op: "load trace", Err: loadErr})
	}
	e.emitter.Emit(emit.Event{RunID: runID, StepID: stepID, Msg: emit.RunFailed, Meta: map[string]any{
		"error": cause.Error(),
	}})
	return &tr, cause
}

// finishCancelled seals a cancelled run.
func (e *Engine) finishCancelled(ctx context.Context, runID string, records []store.StepResult) (*store.Trace, error) {
	if err := e.finalize(ctx, runID, store.StatusCancelled, records); err != nil {
		return nil, errors.Join(ErrRunCancelled, err)
	}
	tr, loadErr := e.sink.LoadTrace(ctx, runID)
	if loadErr != nil {
		return nil, errors.Join(ErrRunCancelled, &InfraError{Op: "load trace", Err: loadErr})
	}
	e.emitter.Emit(emit.Event{RunID: runID, Msg: emit.RunCancelled, Meta: map[string]any{
		"steps": len(records),
	}})
	return &tr, ErrRunCancelled
}

// finalize computes the root hash over the committed steps, seals the
// trace, and removes the checkpoint. Cancellation is the exception: the
// checkpoint stays as-is so a later resume starts from the last
// completed step.
func (e *Engine) finalize(ctx context.Context, runID string, status store.RunStatus, records []store.StepResult) error {
	rootHash, err := computeRootHash(records)
	if err != nil {
		return err
	}
	if err := e.withInfraRetry(ctx, "finalize trace", func() error {
		return e.sink.FinalizeTrace(ctx, runID, status, rootHash)
	}); err != nil {
		return err
	}
	if status == store.StatusCancelled {
		return nil
	}
	return e.withInfraRetry(ctx, "delete checkpoint", func() error {
		return e.checkpoints.DeleteCheckpoint(ctx, runID)
	})
}

// recordViolations drains new guard ledger entries into events and
// metrics.
func (e *Engine) recordViolations(runID string, g *guard.Guard, seen *int) {
	if g == nil {
		return
	}
	violations := g.Violations()
	for _, v := range violations[*seen:] {
		e.metrics.IncGuardViolation(string(v.CallType))
		e.emitter.Emit(emit.Event{RunID: runID, StepID: v.StepID, Msg: emit.GuardViolation, Meta: map[string]any{
			"call_type": string(v.CallType),
			"target":    v.Target,
		}})
	}
	*seen = len(violations)
}

// startHeartbeat refreshes the trace's liveness timestamp until the
// returned stop function is called. Disabled when the interval is zero.
func (e *Engine) startHeartbeat(ctx context.Context, runID string) func() {
	if e.heartbeatInterval <= 0 {
		return func() {}
	}

	done := make(chan struct{})
	var once sync.Once
	go func() {
		ticker := time.NewTicker(e.heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				// Best effort; a missed beat only matters if every
				// subsequent one is missed too.
				_ = e.sink.Heartbeat(ctx, runID, e.clock().UTC())
			}
		}
	}()
	return func() { once.Do(func() { close(done) }) }
}

// withInfraRetry retries transient persistence failures with backoff.
// Semantic store errors pass through untouched; they are answers, not
// outages. Exhaustion returns *InfraError and leaves the trace in
// running status for reconciliation.
func (e *Engine) withInfraRetry(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < e.infraRetry.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if isSemanticStoreError(err) {
			return err
		}
		lastErr = err
		if attempt < e.infraRetry.MaxAttempts-1 {
			if err := sleepCtx(ctx, computeBackoff(attempt, e.infraRetry.BaseDelay, e.infraRetry.MaxDelay, nil)); err != nil {
				return &InfraError{Op: op, Err: lastErr}
			}
		}
	}
	return &InfraError{Op: op, Err: lastErr}
}

func isSemanticStoreError(err error) bool {
	return errors.Is(err, store.ErrNotFound) ||
		errors.Is(err, store.ErrDuplicateStep) ||
		errors.Is(err, store.ErrTraceFinalized)
}

func isPersistenceError(err error) bool {
	var infraErr *InfraError
	var ownershipErr *OwnershipConflictError
	return errors.As(err, &infraErr) || errors.As(err, &ownershipErr)
}

func retryableSkillError(err error) bool {
	var serr *skill.Error
	return errors.As(err, &serr) && serr.Retryable
}

// failureRecord builds the persisted record of a failed step. The error
// payload is hashed like any output so tampering with recorded failures
// is as detectable as tampering with successes.
func failureRecord(stepID, inputHash, key string, retries int, durationMS int64, cause error) store.StepResult {
	category := "error"
	var serr *skill.Error
	var blocked *guard.BlockedError
	switch {
	case errors.As(cause, &serr):
		category = serr.Code
	case errors.As(cause, &blocked):
		category = "guard_violation"
	}

	outcome := map[string]any{"error": cause.Error()}
	outputHash, err := canonical.Hash(outcome)
	if err != nil {
		outputHash = ""
	}
	return store.StepResult{
		StepID:          stepID,
		Status:          store.StepFailure,
		OutcomeCategory: category,
		OutcomeData:     outcome,
		DurationMS:      durationMS,
		RetryCount:      retries,
		InputHash:       inputHash,
		OutputHash:      outputHash,
		IdempotencyKey:  key,
		ReplayBehavior:  store.BehaviorExecute,
	}
}

// checkpointOf wraps the in-memory step records for the resolver.
func checkpointOf(records []store.StepResult, runID string) *store.Checkpoint {
	if len(records) == 0 {
		return nil
	}
	return &store.Checkpoint{RunID: runID, LastStepIndex: len(records), Steps: records}
}

// deriveTraceID derives a stable trace ID from the run ID so crash-safe
// resume re-enters the same trace row.
func deriveTraceID(runID string) string {
	sum := sha256.Sum256([]byte(runID))
	return "tr-" + hex.EncodeToString(sum[:8])
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
