package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory implementation of both CheckpointStore and
// TraceSink. Designed for tests and single-process experiments; everything
// is lost when the process exits.
//
// Values are deep-copied through JSON on the way in and out so callers
// cannot mutate stored records through shared maps.
type MemoryStore struct {
	mu          sync.RWMutex
	checkpoints map[string]Checkpoint
	traces      map[string]*Trace
	steps       map[string]map[int]StepResult
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		checkpoints: make(map[string]Checkpoint),
		traces:      make(map[string]*Trace),
		steps:       make(map[string]map[int]StepResult),
	}
}

// SaveCheckpoint upserts the checkpoint for its run ID.
func (m *MemoryStore) SaveCheckpoint(ctx context.Context, cp Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	copied, err := deepCopy(cp)
	if err != nil {
		return fmt.Errorf("copy checkpoint: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoints[cp.RunID] = copied
	return nil
}

// LoadCheckpoint returns the checkpoint for runID, or ErrNotFound.
func (m *MemoryStore) LoadCheckpoint(ctx context.Context, runID string) (Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return Checkpoint{}, err
	}

	m.mu.RLock()
	cp, ok := m.checkpoints[runID]
	m.mu.RUnlock()
	if !ok {
		return Checkpoint{}, ErrNotFound
	}
	return deepCopy(cp)
}

// DeleteCheckpoint removes the checkpoint for runID. Deleting a missing
// checkpoint is not an error.
func (m *MemoryStore) DeleteCheckpoint(ctx context.Context, runID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.checkpoints, runID)
	return nil
}

// BeginTrace creates the trace row in running status, re-enters an
// existing running trace on resume, or reopens a cancelled one.
func (m *MemoryStore) BeginTrace(ctx context.Context, tr Trace) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.traces[tr.RunID]; ok {
		switch {
		case existing.Status == StatusCancelled:
			existing.Status = StatusRunning
			existing.RootHash = ""
			return nil
		case existing.Status.Terminal():
			return ErrTraceFinalized
		default:
			return nil
		}
	}

	copied, err := deepCopy(tr)
	if err != nil {
		return fmt.Errorf("copy trace: %w", err)
	}
	copied.Status = StatusRunning
	m.traces[tr.RunID] = &copied
	m.steps[tr.RunID] = make(map[int]StepResult)
	return nil
}

// AppendStep inserts the step record at stepIndex, enforcing uniqueness.
func (m *MemoryStore) AppendStep(ctx context.Context, runID string, stepIndex int, step StepResult) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	tr, ok := m.traces[runID]
	if !ok {
		return ErrNotFound
	}
	if tr.Status.Terminal() {
		return ErrTraceFinalized
	}
	if _, exists := m.steps[runID][stepIndex]; exists {
		return ErrDuplicateStep
	}

	copied, err := deepCopy(step)
	if err != nil {
		return fmt.Errorf("copy step: %w", err)
	}
	m.steps[runID][stepIndex] = copied
	return nil
}

// FinalizeTrace seals the trace with a terminal status and root hash.
func (m *MemoryStore) FinalizeTrace(ctx context.Context, runID string, status RunStatus, rootHash string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !status.Terminal() {
		return fmt.Errorf("finalize requires a terminal status, got %q", status)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	tr, ok := m.traces[runID]
	if !ok {
		return ErrNotFound
	}
	if tr.Status.Terminal() {
		return ErrTraceFinalized
	}
	tr.Status = status
	tr.RootHash = rootHash
	return nil
}

// Heartbeat refreshes the liveness timestamp of a running trace.
func (m *MemoryStore) Heartbeat(ctx context.Context, runID string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	tr, ok := m.traces[runID]
	if !ok {
		return ErrNotFound
	}
	if tr.Status.Terminal() {
		return ErrTraceFinalized
	}
	tr.HeartbeatAt = at
	return nil
}

// LoadTrace returns the trace with its steps ordered by step index.
func (m *MemoryStore) LoadTrace(ctx context.Context, runID string) (Trace, error) {
	if err := ctx.Err(); err != nil {
		return Trace{}, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	tr, ok := m.traces[runID]
	if !ok {
		return Trace{}, ErrNotFound
	}
	out, err := deepCopy(*tr)
	if err != nil {
		return Trace{}, err
	}
	out.Steps = m.orderedSteps(runID)
	return out, nil
}

// ListRunning returns all traces still in running status.
func (m *MemoryStore) ListRunning(ctx context.Context) ([]Trace, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Trace
	for runID, tr := range m.traces {
		if tr.Status != StatusRunning {
			continue
		}
		copied, err := deepCopy(*tr)
		if err != nil {
			return nil, err
		}
		copied.Steps = m.orderedSteps(runID)
		out = append(out, copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RunID < out[j].RunID })
	return out, nil
}

// orderedSteps must be called with the lock held.
func (m *MemoryStore) orderedSteps(runID string) []StepResult {
	byIndex := m.steps[runID]
	indices := make([]int, 0, len(byIndex))
	for i := range byIndex {
		indices = append(indices, i)
	}
	sort.Ints(indices)
	out := make([]StepResult, 0, len(indices))
	for _, i := range indices {
		out = append(out, byIndex[i])
	}
	return out
}

func deepCopy[T any](v T) (T, error) {
	var out T
	data, err := json.Marshal(v)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, err
	}
	return out, nil
}
