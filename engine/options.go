package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/stepwise-ai/stepwise/engine/emit"
)

// Option is a functional option for configuring an Engine.
//
// Options are chainable and self-documenting:
//
//	eng, err := engine.New(
//	    registry, checkpoints, sink,
//	    engine.WithEmitter(emit.NewLogEmitter(os.Stderr, true)),
//	    engine.WithMetrics(metrics),
//	    engine.WithMaxConcurrentRuns(8),
//	)
type Option func(*Engine) error

// WithEmitter sets the observability sink for run and step events.
//
// Default: NullEmitter (events are dropped).
func WithEmitter(emitter emit.Emitter) Option {
	return func(e *Engine) error {
		if emitter == nil {
			return errors.New("emitter must not be nil")
		}
		e.emitter = emitter
		return nil
	}
}

// WithMetrics enables Prometheus metrics collection.
//
// Example:
//
//	registry := prometheus.NewRegistry()
//	metrics := engine.NewPrometheusMetrics(registry)
//	eng, err := engine.New(skills, checkpoints, sink, engine.WithMetrics(metrics))
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
func WithMetrics(metrics *PrometheusMetrics) Option {
	return func(e *Engine) error {
		e.metrics = metrics
		return nil
	}
}

// WithCostTracker enables per-run and per-skill cost aggregation. Skills
// report attributable cost in cents with every result; the tracker sums
// them.
func WithCostTracker(tracker *CostTracker) Option {
	return func(e *Engine) error {
		e.costs = tracker
		return nil
	}
}

// WithGoldenRecorder mirrors every completed run into the recorder so it
// can serve as the reference side of later drift comparisons.
func WithGoldenRecorder(recorder *GoldenRecorder) Option {
	return func(e *Engine) error {
		e.golden = recorder
		return nil
	}
}

// WithClock overrides the wall clock used to capture frozen timestamps
// and heartbeats. Tests inject a fixed clock here; the clock is read once
// per run for the frozen timestamp, never per step.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) error {
		if clock == nil {
			return errors.New("clock must not be nil")
		}
		e.clock = clock
		return nil
	}
}

// WithHeartbeatInterval sets how often a running trace refreshes its
// liveness timestamp. Zero disables heartbeating (tests).
//
// Default: 5s. Reconciler expiry should be several multiples of this.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(e *Engine) error {
		if d < 0 {
			return errors.New("heartbeat interval must not be negative")
		}
		e.heartbeatInterval = d
		return nil
	}
}

// WithStrictReplay controls what happens when a replay reaches a step
// whose output was never recorded in the parent trace.
//
// Default: true (fail with ErrReplayMissingOutput). When false, the step
// falls through to live execution; the drift report will show where the
// replay left the recorded path.
func WithStrictReplay(enabled bool) Option {
	return func(e *Engine) error {
		e.strictReplay = enabled
		return nil
	}
}

// WithResumeCancelled allows Run to resume a cancelled run under its
// original run ID. The trace reopens in running status and execution
// continues from the retained checkpoint; completed, failed, and crashed
// runs stay immutable regardless.
//
// Default: false (a cancelled run ID fails with ErrTraceFinalized).
func WithResumeCancelled(enabled bool) Option {
	return func(e *Engine) error {
		e.resumeCancelled = enabled
		return nil
	}
}

// WithGuard enables or disables the determinism guard for run execution.
//
// Default: true. With the guard active, every step executes inside a
// guarded scope: cooperative skills check network targets against the
// allow-list and read time only through the frozen timestamp. Disable
// only in environments where skills are trusted to be deterministic.
func WithGuard(enabled bool) Option {
	return func(e *Engine) error {
		e.guardEnabled = enabled
		return nil
	}
}

// WithGuardAllowHosts permits network calls to the given hosts during
// guarded execution. Loopback is always allowed.
func WithGuardAllowHosts(hosts ...string) Option {
	return func(e *Engine) error {
		e.guardAllowHosts = append(e.guardAllowHosts, hosts...)
		return nil
	}
}

// WithDefaultRetryPolicy sets the retry policy applied to steps that do
// not declare their own.
//
// Default: 3 attempts, 100ms base backoff, 5s cap.
func WithDefaultRetryPolicy(policy *RetryPolicy) Option {
	return func(e *Engine) error {
		if policy == nil {
			return errors.New("retry policy must not be nil")
		}
		if err := policy.Validate(); err != nil {
			return err
		}
		e.defaultRetry = policy
		return nil
	}
}

// WithMaxConcurrentRuns bounds how many runs execute at once. Additional
// Run calls block until a slot frees or their context is cancelled.
//
// Default: 0 (unbounded).
func WithMaxConcurrentRuns(n int) Option {
	return func(e *Engine) error {
		if n < 0 {
			return fmt.Errorf("max concurrent runs must not be negative, got %d", n)
		}
		e.pool = newRunPool(n)
		return nil
	}
}

// WithInfraRetry configures the retry budget for transient persistence
// failures (checkpoint saves, trace appends). When the budget is
// exhausted the run stops with *InfraError and the trace stays in
// running status for reconciliation.
//
// Default: 3 attempts, 50ms base backoff, 1s cap.
func WithInfraRetry(attempts int, base, maxDelay time.Duration) Option {
	return func(e *Engine) error {
		if attempts < 1 {
			return fmt.Errorf("infra retry attempts must be >= 1, got %d", attempts)
		}
		if base <= 0 || maxDelay < base {
			return errors.New("infra retry delays must satisfy 0 < base <= max")
		}
		e.infraRetry = RetryPolicy{MaxAttempts: attempts, BaseDelay: base, MaxDelay: maxDelay}
		return nil
	}
}
