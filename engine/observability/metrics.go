// Package observability provides Prometheus metrics instrumentation for the engine.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// PIPELINE METRICS
// =============================================================================

var (
	pipelineRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contentflow_pipeline_runs_total",
			Help: "Total number of pipeline runs",
		},
		[]string{"status"}, // status: completed, rejected_at_gate{n}, max_iterations_gate{n}, error
	)

	pipelineDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "contentflow_pipeline_duration_seconds",
			Help:    "Pipeline run duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"status"},
	)
)

// =============================================================================
// STAGE METRICS
// =============================================================================

var (
	stageExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contentflow_stage_executions_total",
			Help: "Total number of stage executions, reruns included",
		},
		[]string{"stage", "status"}, // status: success, error
	)

	stageDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "contentflow_stage_duration_seconds",
			Help:    "Stage execution duration in seconds",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300},
		},
		[]string{"stage"},
	)
)

// =============================================================================
// GATE METRICS
// =============================================================================

var gateDecisionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "contentflow_gate_decisions_total",
		Help: "Total number of approval gate decisions",
	},
	[]string{"gate", "decision"}, // decision: approve, reject, feedback
)

// =============================================================================
// RATE LIMIT METRICS
// =============================================================================

var (
	rateLimitWaitSeconds = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "contentflow_rate_limit_wait_seconds_total",
			Help: "Cumulative seconds spent waiting for rate limit slots",
		},
	)

	rateLimitedCallsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "contentflow_rate_limited_calls_total",
			Help: "Total number of calls that hit a throttle response",
		},
	)
)

// =============================================================================
// PUBLIC API
// =============================================================================

// RecordPipelineRun records pipeline outcome metrics.
// This should be called once per run, after the run reaches a terminal state.
func RecordPipelineRun(status string, durationMS int) {
	pipelineRunsTotal.WithLabelValues(status).Inc()
	pipelineDurationSeconds.WithLabelValues(status).Observe(float64(durationMS) / 1000.0)
}

// RecordStageExecution records stage execution metrics.
// This should be called after each stage attempt completes, reruns included.
func RecordStageExecution(stage string, status string, durationMS int) {
	stageExecutionsTotal.WithLabelValues(stage, status).Inc()
	stageDurationSeconds.WithLabelValues(stage).Observe(float64(durationMS) / 1000.0)
}

// RecordGateDecision records an approval gate decision.
func RecordGateDecision(gate string, decision string) {
	gateDecisionsTotal.WithLabelValues(gate, decision).Inc()
}

// RecordRateLimitWait records time spent blocked on pacing or backoff.
func RecordRateLimitWait(durationMS int) {
	rateLimitWaitSeconds.Add(float64(durationMS) / 1000.0)
}

// RecordRateLimitedCall records one throttled API call.
func RecordRateLimitedCall() {
	rateLimitedCallsTotal.Inc()
}
