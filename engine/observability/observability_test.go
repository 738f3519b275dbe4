package observability

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// METRICS TESTS
// =============================================================================

func TestRecordPipelineRun(t *testing.T) {
	tests := []struct {
		name       string
		status     string
		durationMS int
	}{
		{"completed run", "completed", 120000},
		{"rejected run", "rejected_at_gate2", 45000},
		{"iteration cap run", "max_iterations_gate4", 300000},
		{"error run", "error", 500},
		{"zero duration", "completed", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Should not panic
			RecordPipelineRun(tt.status, tt.durationMS)

			count := testutil.ToFloat64(pipelineRunsTotal.WithLabelValues(tt.status))
			assert.Greater(t, count, 0.0)
		})
	}
}

func TestRecordStageExecution(t *testing.T) {
	tests := []struct {
		name       string
		stage      string
		status     string
		durationMS int
	}{
		{"successful research", "research", "success", 30000},
		{"failed generation", "generation", "error", 2000},
		{"slow refinement", "refinement", "success", 90000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			RecordStageExecution(tt.stage, tt.status, tt.durationMS)

			count := testutil.ToFloat64(stageExecutionsTotal.WithLabelValues(tt.stage, tt.status))
			assert.Greater(t, count, 0.0)
		})
	}
}

func TestRecordGateDecision(t *testing.T) {
	RecordGateDecision("gate1", "approve")
	RecordGateDecision("gate1", "feedback")
	RecordGateDecision("gate5", "reject")

	assert.Greater(t, testutil.ToFloat64(gateDecisionsTotal.WithLabelValues("gate1", "approve")), 0.0)
	assert.Greater(t, testutil.ToFloat64(gateDecisionsTotal.WithLabelValues("gate1", "feedback")), 0.0)
	assert.Greater(t, testutil.ToFloat64(gateDecisionsTotal.WithLabelValues("gate5", "reject")), 0.0)
}

func TestRecordRateLimitWait(t *testing.T) {
	before := testutil.ToFloat64(rateLimitWaitSeconds)
	RecordRateLimitWait(2500)
	after := testutil.ToFloat64(rateLimitWaitSeconds)

	assert.InDelta(t, 2.5, after-before, 0.0001)
}

func TestRecordRateLimitedCall(t *testing.T) {
	before := testutil.ToFloat64(rateLimitedCallsTotal)
	RecordRateLimitedCall()
	RecordRateLimitedCall()
	after := testutil.ToFloat64(rateLimitedCallsTotal)

	assert.Equal(t, 2.0, after-before)
}

func TestMetrics_Concurrent(t *testing.T) {
	// Test that metrics recording is thread-safe
	const goroutines = 10
	const iterations = 100

	done := make(chan bool, goroutines)

	for i := 0; i < goroutines; i++ {
		go func() {
			for j := 0; j < iterations; j++ {
				RecordStageExecution("concurrent-stage", "success", 100)
				RecordGateDecision("concurrent-gate", "approve")
			}
			done <- true
		}()
	}

	for i := 0; i < goroutines; i++ {
		<-done
	}

	count := testutil.ToFloat64(stageExecutionsTotal.WithLabelValues("concurrent-stage", "success"))
	assert.Equal(t, float64(goroutines*iterations), count)
}

func TestMetrics_DifferentLabels(t *testing.T) {
	// Test that metrics with different labels are tracked separately
	RecordStageExecution("stage-a", "success", 100)
	RecordStageExecution("stage-a", "error", 200)
	RecordStageExecution("stage-b", "success", 300)

	assert.Greater(t, testutil.ToFloat64(stageExecutionsTotal.WithLabelValues("stage-a", "success")), 0.0)
	assert.Greater(t, testutil.ToFloat64(stageExecutionsTotal.WithLabelValues("stage-a", "error")), 0.0)
	assert.Greater(t, testutil.ToFloat64(stageExecutionsTotal.WithLabelValues("stage-b", "success")), 0.0)
}

// =============================================================================
// TRACING TESTS
// =============================================================================

func TestInitTracer_InvalidEndpoint(t *testing.T) {
	shutdown, err := InitTracer("test-service", "")

	// Empty endpoint should fail
	require.Error(t, err)
	assert.Nil(t, shutdown)
	assert.Contains(t, err.Error(), "failed to create trace exporter")
}

func TestInitTracer_ValidParameters(t *testing.T) {
	// Integration test that requires a real OTLP collector
	t.Skip("Skipping integration test - requires OTLP collector")

	shutdown, err := InitTracer("test-service", "localhost:4317")
	if err != nil {
		assert.Contains(t, err.Error(), "failed to create trace exporter")
		return
	}

	require.NotNil(t, shutdown)
	defer shutdown(context.Background())
}
