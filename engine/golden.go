package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/stepwise-ai/stepwise/engine/store"
)

// DriftReport is the result of comparing two traces step by step. The
// first hash mismatch wins; later differences are not enumerated because
// divergence cascades through downstream inputs anyway.
type DriftReport struct {
	Matches            bool
	FirstDivergentStep int // 1-based; 0 when Matches
	StepID             string
	ExpectedHash       string
	ActualHash         string
}

func (r DriftReport) String() string {
	if r.Matches {
		return "traces match"
	}
	return fmt.Sprintf("drift at step %d (%s): expected %s, got %s",
		r.FirstDivergentStep, r.StepID, r.ExpectedHash, r.ActualHash)
}

// GoldenRecorder accumulates step results into reference traces and
// compares executions against them. Record a known-good run once, then
// Compare every subsequent run to catch behavioral drift before it ships.
type GoldenRecorder struct {
	mu    sync.Mutex
	runs  map[string]*store.Trace
	steps map[string][]store.StepResult
}

// NewGoldenRecorder creates an empty recorder.
func NewGoldenRecorder() *GoldenRecorder {
	return &GoldenRecorder{
		runs:  make(map[string]*store.Trace),
		steps: make(map[string][]store.StepResult),
	}
}

// Begin registers the run's trace header before steps arrive.
func (g *GoldenRecorder) Begin(runID, traceID, planHash string, seed int64, frozen time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.runs[runID] = &store.Trace{
		TraceID:         traceID,
		RunID:           runID,
		PlanHash:        planHash,
		SchemaVersion:   SchemaVersion,
		Seed:            seed,
		FrozenTimestamp: frozen,
		Status:          store.StatusRunning,
	}
}

// Record appends one step result to the run's pending trace.
func (g *GoldenRecorder) Record(runID string, sr store.StepResult) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.steps[runID] = append(g.steps[runID], sr)
}

// Finalize seals the recorded trace, computing its root hash, and
// returns it. The recorder keeps the trace for later comparisons.
func (g *GoldenRecorder) Finalize(runID string) (*store.Trace, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	tr, ok := g.runs[runID]
	if !ok {
		return nil, fmt.Errorf("no recorded trace for run %s", runID)
	}
	tr.Steps = g.steps[runID]
	rootHash, err := computeRootHash(tr.Steps)
	if err != nil {
		return nil, err
	}
	tr.RootHash = rootHash
	tr.Status = store.StatusCompleted
	return tr, nil
}

// Trace returns a finalized or in-progress recorded trace.
func (g *GoldenRecorder) Trace(runID string) (*store.Trace, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	tr, ok := g.runs[runID]
	return tr, ok
}

// CompareTraces walks two traces in step order and reports the first
// divergence. Output hashes are compared first, then input hashes; a
// missing step on either side diverges at that index with an empty hash
// on the shorter side.
func CompareTraces(expected, actual *store.Trace) DriftReport {
	n := len(expected.Steps)
	if len(actual.Steps) > n {
		n = len(actual.Steps)
	}

	for i := 0; i < n; i++ {
		var exp, act store.StepResult
		if i < len(expected.Steps) {
			exp = expected.Steps[i]
		}
		if i < len(actual.Steps) {
			act = actual.Steps[i]
		}

		stepID := exp.StepID
		if stepID == "" {
			stepID = act.StepID
		}

		if exp.OutputHash != act.OutputHash {
			return DriftReport{
				FirstDivergentStep: i + 1,
				StepID:             stepID,
				ExpectedHash:       exp.OutputHash,
				ActualHash:         act.OutputHash,
			}
		}
		if exp.InputHash != act.InputHash {
			return DriftReport{
				FirstDivergentStep: i + 1,
				StepID:             stepID,
				ExpectedHash:       exp.InputHash,
				ActualHash:         act.InputHash,
			}
		}
	}

	return DriftReport{Matches: true}
}
