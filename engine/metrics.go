package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics exposes engine execution metrics, all namespaced
// "stepwise_":
//
//   - inflight_runs (gauge): runs currently executing
//   - step_latency_ms (histogram): step execution duration, labeled by
//     step_id and status
//   - retries_total (counter): retry attempts, labeled by step_id
//   - replay_hits_total (counter): steps resolved without invoking the
//     skill, labeled by behavior (skip/replay)
//   - guard_violations_total (counter): blocked external calls, labeled
//     by call_type
//   - checkpoint_failures_total (counter): checkpoint writes that
//     exhausted the infra retry budget
//
// Wire into an engine with WithMetrics and expose the registry with
// promhttp.
type PrometheusMetrics struct {
	inflightRuns       prometheus.Gauge
	stepLatency        *prometheus.HistogramVec
	retries            *prometheus.CounterVec
	replayHits         *prometheus.CounterVec
	guardViolations    *prometheus.CounterVec
	checkpointFailures prometheus.Counter
}

// NewPrometheusMetrics registers the engine metrics with the given
// registry (prometheus.DefaultRegisterer when nil).
func NewPrometheusMetrics(registry prometheus.Registerer) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &PrometheusMetrics{
		inflightRuns: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "stepwise",
			Name:      "inflight_runs",
			Help:      "Number of workflow runs currently executing.",
		}),
		stepLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "stepwise",
			Name:      "step_latency_ms",
			Help:      "Step execution duration in milliseconds.",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000},
		}, []string{"step_id", "status"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stepwise",
			Name:      "retries_total",
			Help:      "Total step retry attempts.",
		}, []string{"step_id"}),
		replayHits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stepwise",
			Name:      "replay_hits_total",
			Help:      "Steps resolved from recorded results without invoking the skill.",
		}, []string{"behavior"}),
		guardViolations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stepwise",
			Name:      "guard_violations_total",
			Help:      "External calls blocked by the determinism guard.",
		}, []string{"call_type"}),
		checkpointFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "stepwise",
			Name:      "checkpoint_failures_total",
			Help:      "Checkpoint writes that exhausted the retry budget.",
		}),
	}
}

// RunStarted increments the in-flight gauge.
func (m *PrometheusMetrics) RunStarted() {
	if m == nil {
		return
	}
	m.inflightRuns.Inc()
}

// RunFinished decrements the in-flight gauge.
func (m *PrometheusMetrics) RunFinished() {
	if m == nil {
		return
	}
	m.inflightRuns.Dec()
}

// ObserveStep records a step's execution latency.
func (m *PrometheusMetrics) ObserveStep(stepID, status string, durationMS float64) {
	if m == nil {
		return
	}
	m.stepLatency.WithLabelValues(stepID, status).Observe(durationMS)
}

// IncRetry counts one retry attempt for a step.
func (m *PrometheusMetrics) IncRetry(stepID string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(stepID).Inc()
}

// IncReplayHit counts a step resolved without skill invocation.
func (m *PrometheusMetrics) IncReplayHit(behavior string) {
	if m == nil {
		return
	}
	m.replayHits.WithLabelValues(behavior).Inc()
}

// IncGuardViolation counts one blocked external call.
func (m *PrometheusMetrics) IncGuardViolation(callType string) {
	if m == nil {
		return
	}
	m.guardViolations.WithLabelValues(callType).Inc()
}

// IncCheckpointFailure counts a checkpoint write that gave up.
func (m *PrometheusMetrics) IncCheckpointFailure() {
	if m == nil {
		return
	}
	m.checkpointFailures.Inc()
}
