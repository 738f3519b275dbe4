package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/contentflow/contentflow/engine/observability"
	"github.com/contentflow/contentflow/engine/ratelimit"
	"github.com/contentflow/contentflow/engine/recovery"
	"github.com/contentflow/contentflow/engine/session"
)

// Input truncation limits. Oversized upstream artifacts are clipped
// before being handed to the next stage so a single huge document
// cannot blow the executor's context budget.
const (
	maxAnalysisChars = 30000
	maxArtifactChars = 50000
)

// Request is the structured input handed to a stage executor.
type Request struct {
	Stage     string            `json:"stage"`
	Inputs    map[string]string `json:"inputs"`
	Iteration int               `json:"iteration"`
}

// FeedbackKey is the input key carrying reviewer feedback on reruns.
const FeedbackKey = "additional_guidance"

// Executor performs one stage of work. It must be safe to invoke more
// than once for the same logical attempt: a failed attempt's side
// effects must not corrupt a later successful attempt's output.
type Executor interface {
	Execute(ctx context.Context, req Request) (map[string]string, error)
}

// Executors binds one Executor to each pipeline stage.
type Executors struct {
	Research   Executor
	Generation Executor
	Refinement Executor
}

// =============================================================================
// STAGE TABLE
// =============================================================================

// StageSpec describes one fixed pipeline stage: its position, name, and
// how its outputs map onto session artifact fields.
type StageSpec struct {
	Index   int
	Name    string
	Outputs []string

	inputs func(*session.Session) map[string]string
	apply  func(*session.Session, map[string]string) error
}

var stageResearch = StageSpec{
	Index:   1,
	Name:    "research",
	Outputs: []string{"product_analysis", "persona_library", "content_strategy"},
	inputs: func(s *session.Session) map[string]string {
		return map[string]string{"input_sources": s.InputSources}
	},
	apply: func(s *session.Session, out map[string]string) error {
		analysis, err := requireOutput("research", out, "product_analysis")
		if err != nil {
			return err
		}
		personas, err := requireOutput("research", out, "persona_library")
		if err != nil {
			return err
		}
		strategy, err := requireOutput("research", out, "content_strategy")
		if err != nil {
			return err
		}
		// All three are mutually dependent, so a re-run overwrites the
		// full set even when only one gate asked for changes.
		s.ProductAnalysis = &analysis
		s.PersonaLibrary = &personas
		s.ContentStrategy = &strategy
		return nil
	},
}

var stageGeneration = StageSpec{
	Index:   2,
	Name:    "generation",
	Outputs: []string{"generated_content"},
	inputs: func(s *session.Session) map[string]string {
		return map[string]string{
			"product_analysis": truncateLargeInput(deref(s.ProductAnalysis), maxAnalysisChars),
			"persona_library":  truncateLargeInput(deref(s.PersonaLibrary), maxArtifactChars),
			"content_strategy": truncateLargeInput(deref(s.ContentStrategy), maxArtifactChars),
		}
	},
	apply: func(s *session.Session, out map[string]string) error {
		content, err := requireOutput("generation", out, "generated_content")
		if err != nil {
			return err
		}
		s.GeneratedContent = &content
		return nil
	},
}

var stageRefinement = StageSpec{
	Index:   3,
	Name:    "refinement",
	Outputs: []string{"final_content"},
	inputs: func(s *session.Session) map[string]string {
		return map[string]string{
			"generated_content": truncateLargeInput(deref(s.GeneratedContent), maxArtifactChars),
		}
	},
	apply: func(s *session.Session, out map[string]string) error {
		content, err := requireOutput("refinement", out, "final_content")
		if err != nil {
			return err
		}
		s.FinalContent = &content
		return nil
	},
}

func requireOutput(stage string, out map[string]string, key string) (string, error) {
	v, ok := out[key]
	if !ok || v == "" {
		return "", fmt.Errorf("%s output %q missing or empty", stage, key)
	}
	return v, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// truncateLargeInput clips content to max characters, appending a note
// so the downstream executor knows it saw a partial document.
func truncateLargeInput(content string, max int) string {
	if len(content) <= max {
		return content
	}
	return content[:max] + fmt.Sprintf(
		"\n\n[... Content truncated. Original size: %d chars. Showing first %d chars ...]",
		len(content), max,
	)
}

// =============================================================================
// STAGE RUNNER
// =============================================================================

// Runner executes one stage call through both protection layers: the
// recovery manager's coarse retry loop on the outside, the rate
// limiter's pacing and throttle backoff on each attempt inside.
type Runner struct {
	limiter  *ratelimit.Limiter
	recovery *recovery.Manager
	tracer   trace.Tracer
	logger   Logger
}

// NewRunner creates a stage runner sharing the given limiter across
// all stage calls. A nil logger disables logging.
func NewRunner(limiter *ratelimit.Limiter, mgr *recovery.Manager, tracer trace.Tracer, logger Logger) *Runner {
	return &Runner{limiter: limiter, recovery: mgr, tracer: tracer, logger: logger}
}

// Run invokes the executor for req, returning its output map or the
// typed failure that escaped the retry layers.
func (r *Runner) Run(ctx context.Context, exec Executor, req Request) (map[string]string, error) {
	ctx, span := r.tracer.Start(ctx, "stage."+req.Stage,
		trace.WithAttributes(attribute.Int("iteration", req.Iteration)),
	)
	defer span.End()

	if r.logger != nil {
		r.logger.Info("stage_starting", "stage", req.Stage, "iteration", req.Iteration)
	}

	start := time.Now()
	before := r.limiter.GetStats()
	out, err := recovery.RunWithRetry(ctx, r.recovery, req.Stage, func(ctx context.Context) (map[string]string, error) {
		return ratelimit.ExecuteWithRetry(ctx, r.limiter, req.Stage, func(ctx context.Context) (map[string]string, error) {
			return exec.Execute(ctx, req)
		})
	})
	elapsedMS := int(time.Since(start).Milliseconds())
	r.recordLimiterDelta(before)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		observability.RecordStageExecution(req.Stage, "error", elapsedMS)
		return nil, err
	}

	observability.RecordStageExecution(req.Stage, "success", elapsedMS)
	if r.logger != nil {
		r.logger.Info("stage_completed", "stage", req.Stage, "elapsed_ms", elapsedMS)
	}
	return out, nil
}

// recordLimiterDelta attributes the limiter time and throttle hits that
// accumulated during one stage call to the shared metrics.
func (r *Runner) recordLimiterDelta(before ratelimit.Stats) {
	after := r.limiter.GetStats()
	if waited := (after.TotalWaitTime + after.TotalRetryTime) - (before.TotalWaitTime + before.TotalRetryTime); waited > 0 {
		observability.RecordRateLimitWait(int(waited.Milliseconds()))
	}
	for i := before.RateLimitedRequests; i < after.RateLimitedRequests; i++ {
		observability.RecordRateLimitedCall()
	}
}
