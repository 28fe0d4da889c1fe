package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stepwise-ai/stepwise/engine/skill"
	"github.com/stepwise-ai/stepwise/engine/store"
)

func TestPoolBoundsConcurrency(t *testing.T) {
	var inflight, peak atomic.Int64
	gauge := skill.NewMockSkill("gauge")
	gauge.Fn = func(ctx context.Context, inv skill.Invocation) (skill.Result, error) {
		n := inflight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		defer inflight.Add(-1)
		return skill.Result{Output: map[string]any{"ok": true}}, nil
	}

	spec := &WorkflowSpec{
		ID:    "wf-pool",
		Steps: []StepDescriptor{{ID: "s", SkillID: "gauge", Inputs: map[string]any{}}},
	}

	st := store.NewMemoryStore()
	eng := newTestEngine(t, newRegistry(t, gauge), st)
	pool := NewPool(eng, 2)

	results := make([]<-chan RunResult, 0, 8)
	for i := 0; i < 8; i++ {
		results = append(results, pool.Submit(context.Background(), spec, fmt.Sprintf("run-pool-%d", i), 0))
	}
	pool.Wait()

	for i, ch := range results {
		res := <-ch
		if res.Err != nil {
			t.Fatalf("run %d failed: %v", i, res.Err)
		}
		if res.Trace.Status != store.StatusCompleted {
			t.Fatalf("run %d status = %s", i, res.Trace.Status)
		}
	}
	if peak.Load() > 2 {
		t.Fatalf("peak concurrency = %d, want <= 2", peak.Load())
	}
	t.Log("✓ Eight runs completed through two slots")
}

func TestPoolSubmitCancelledContext(t *testing.T) {
	st := store.NewMemoryStore()
	eng := newTestEngine(t, newRegistry(t, skill.NewAddSkill()), st)
	pool := NewPool(eng, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := <-pool.Submit(ctx, addSpec(), "run-cancelled-submit", 0)
	if res.Err == nil {
		t.Fatal("expected error from cancelled submission")
	}
	pool.Wait()
}
