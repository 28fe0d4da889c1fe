package engine

import (
	"context"
	"sync"

	"github.com/stepwise-ai/stepwise/engine/store"
)

// runPool bounds the number of runs executing concurrently inside one
// engine. A nil pool means unbounded; callers block in acquire until a
// slot frees or their context is cancelled.
type runPool struct {
	sem chan struct{}
}

func newRunPool(n int) *runPool {
	if n <= 0 {
		return nil
	}
	return &runPool{sem: make(chan struct{}, n)}
}

func (p *runPool) acquire(ctx context.Context) error {
	if p == nil {
		return nil
	}
	select {
	case p.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *runPool) release() {
	if p == nil {
		return
	}
	<-p.sem
}

// inflight returns the number of held slots.
func (p *runPool) inflight() int {
	if p == nil {
		return 0
	}
	return len(p.sem)
}

// RunResult is the outcome of a pooled run.
type RunResult struct {
	Trace *store.Trace
	Err   error
}

// Pool drives whole runs through an engine with bounded concurrency.
// Submit never blocks; each run waits for a slot inside its goroutine,
// so submission order decides nothing beyond queueing.
type Pool struct {
	engine *Engine
	sem    chan struct{}
	wg     sync.WaitGroup
}

// NewPool creates a pool executing at most size runs at once.
func NewPool(engine *Engine, size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{
		engine: engine,
		sem:    make(chan struct{}, size),
	}
}

// Submit schedules a run and returns a single-result channel. The
// channel is buffered; abandoning it does not leak the goroutine.
func (p *Pool) Submit(ctx context.Context, spec *WorkflowSpec, runID string, seed int64) <-chan RunResult {
	out := make(chan RunResult, 1)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		select {
		case p.sem <- struct{}{}:
			defer func() { <-p.sem }()
		case <-ctx.Done():
			out <- RunResult{Err: ctx.Err()}
			return
		}
		tr, err := p.engine.Run(ctx, spec, runID, seed)
		out <- RunResult{Trace: tr, Err: err}
	}()
	return out
}

// Wait blocks until every submitted run has finished.
func (p *Pool) Wait() {
	p.wg.Wait()
}
