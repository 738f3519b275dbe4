// Package pipeline drives a unit of work through three fixed stages
// with human-reviewed approval gates between them.
//
// Flow: Stage1 -> Gate1 -> Gate2 -> Gate3 -> Stage2 -> Gate4 ->
// Stage3 -> Gate5 -> Complete. The session record is persisted after
// every gate approval, at every terminal outcome, and before any error
// propagates, so an interrupted run can always resume.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/contentflow/contentflow/engine/approval"
	"github.com/contentflow/contentflow/engine/config"
	"github.com/contentflow/contentflow/engine/observability"
	"github.com/contentflow/contentflow/engine/ratelimit"
	"github.com/contentflow/contentflow/engine/recovery"
	"github.com/contentflow/contentflow/engine/session"
)

// Logger interface for the orchestrator.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Options configures an Orchestrator. Store, Limiter, Approver, and
// all three Executors are required; Config defaults when nil.
type Options struct {
	Config    *config.RunConfig
	Store     session.Store
	Limiter   *ratelimit.Limiter
	Approver  approval.Approver
	Executors Executors
	Logger    Logger
}

// block pairs one stage with the gates reviewing its outputs. The last
// gate in the slice is the block's terminal gate: once it is approved
// the whole block is skipped on resume.
type block struct {
	stage StageSpec
	gates []GateSpec
}

// Orchestrator sequences stage execution and gate evaluation for one
// session at a time. It is single-threaded by design: stage N+1's
// input is stage N's approved output.
type Orchestrator struct {
	cfg     *config.RunConfig
	store   session.Store
	limiter *ratelimit.Limiter
	runner  *Runner
	gates   *GateController
	execs   Executors
	logger  Logger

	blocks []block
}

// New creates an Orchestrator. The rate limiter is injected, never
// constructed here, so tests and multi-run processes control sharing
// explicitly.
func New(opts Options) (*Orchestrator, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultRunConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if opts.Limiter == nil {
		return nil, fmt.Errorf("rate limiter is required")
	}
	if opts.Approver == nil {
		return nil, fmt.Errorf("approver is required")
	}
	if opts.Executors.Research == nil || opts.Executors.Generation == nil || opts.Executors.Refinement == nil {
		return nil, fmt.Errorf("all three stage executors are required")
	}

	mgr := recovery.NewManager(cfg.OutputDir, recovery.Options{
		MaxRetries:    cfg.StageRetries,
		InitialDelay:  cfg.StageRetryDelayDuration(),
		BackoffFactor: cfg.StageRetryFactor,
		// Quota exhaustion is terminal for the provider; the stage
		// retry loop must not burn attempts on it.
		Permanent: ratelimit.IsQuotaExhausted,
	}, opts.Logger)

	tracer := otel.Tracer("github.com/contentflow/contentflow/engine/pipeline")

	return &Orchestrator{
		cfg:     cfg,
		store:   opts.Store,
		limiter: opts.Limiter,
		runner:  NewRunner(opts.Limiter, mgr, tracer, opts.Logger),
		gates:   NewGateController(opts.Approver, cfg.AutoApprove, opts.Logger),
		execs:   opts.Executors,
		logger:  opts.Logger,
		blocks: []block{
			{stage: stageResearch, gates: []GateSpec{gate1, gate2, gate3}},
			{stage: stageGeneration, gates: []GateSpec{gate4}},
			{stage: stageRefinement, gates: []GateSpec{gate5}},
		},
	}, nil
}

// Run starts a fresh session for the given input and drives it to a
// terminal status.
func (o *Orchestrator) Run(ctx context.Context, inputSources string) (*Result, error) {
	if strings.TrimSpace(inputSources) == "" {
		return nil, fmt.Errorf("input sources must not be empty")
	}
	if o.cfg.MaxIterations > 10 && o.logger != nil {
		o.logger.Warn("max_iterations_very_high", "max_iterations", o.cfg.MaxIterations)
	}
	sess := session.New(inputSources, o.cfg.AutoApprove)
	return o.run(ctx, sess)
}

// Resume rehydrates a persisted session and continues from the first
// unapproved gate. Stage blocks whose terminal gate is already
// approved are skipped entirely.
func (o *Orchestrator) Resume(ctx context.Context, sessionID string) (*Result, error) {
	sess, err := o.store.Load(sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to resume session %s: %w", sessionID, err)
	}
	if o.logger != nil {
		o.logger.Info("session_resumed",
			"session_id", sess.SessionID,
			"gate1", sess.Gate1Approved,
			"gate2", sess.Gate2Approved,
			"gate3", sess.Gate3Approved,
			"gate4", sess.Gate4Approved,
			"gate5", sess.Gate5Approved,
		)
	}
	return o.run(ctx, sess)
}

func (o *Orchestrator) run(ctx context.Context, sess *session.Session) (*Result, error) {
	start := time.Now()
	if o.logger != nil {
		o.logger.Info("pipeline_starting",
			"session_id", sess.SessionID,
			"auto_approve", o.cfg.AutoApprove,
			"max_iterations", o.cfg.MaxIterations,
		)
	}

	result, err := o.runBlocks(ctx, sess)
	elapsedMS := int(time.Since(start).Milliseconds())

	if err != nil {
		// Persist before propagating so every failure mode leaves a
		// resumable record. The original error wins over a save error.
		if saveErr := o.store.Save(sess); saveErr != nil && o.logger != nil {
			o.logger.Error("session_save_failed", "session_id", sess.SessionID, "error", saveErr.Error())
		}
		if o.logger != nil {
			o.logger.Error("pipeline_failed",
				"session_id", sess.SessionID,
				"error", err.Error(),
				"resume_hint", sess.SessionID,
			)
		}
		observability.RecordPipelineRun("error", elapsedMS)
		return nil, err
	}

	observability.RecordPipelineRun(string(result.Status), elapsedMS)
	if o.logger != nil {
		o.logger.Info("pipeline_finished",
			"session_id", sess.SessionID,
			"status", string(result.Status),
			"elapsed_ms", elapsedMS,
		)
	}
	return result, nil
}

func (o *Orchestrator) runBlocks(ctx context.Context, sess *session.Session) (*Result, error) {
	for _, b := range o.blocks {
		res, err := o.runBlock(ctx, sess, b)
		if err != nil {
			return nil, err
		}
		if res != nil {
			return res, nil
		}
	}

	sess.MarkCompleted()
	if err := o.store.Save(sess); err != nil {
		return nil, err
	}
	o.limiter.LogSummary()

	return &Result{Status: StatusCompleted, SessionID: sess.SessionID, Session: sess}, nil
}

// runBlock executes one stage and walks its gates in order. A nil
// result means the block finished with all gates approved; a non-nil
// result is a terminal outcome that has already been persisted.
func (o *Orchestrator) runBlock(ctx context.Context, sess *session.Session, b block) (*Result, error) {
	terminalGate := b.gates[len(b.gates)-1]
	if sess.GateApproved(terminalGate.Number) {
		if o.logger != nil {
			o.logger.Info("stage_block_skipped",
				"stage", b.stage.Name,
				"terminal_gate", terminalGate.Label(),
			)
		}
		return nil, nil
	}

	// The initial run consumes an iteration like any feedback re-run.
	// A resumed session whose budget is already spent stops at the
	// block's first gate without executing.
	if sess.Iterations(b.stage.Index) >= o.cfg.MaxIterations {
		return o.terminal(sess, StatusMaxIterations(b.gates[0].Number), "")
	}
	if err := o.runStage(ctx, sess, b.stage, ""); err != nil {
		return nil, err
	}

	for _, gate := range b.gates {
		verdict, err := o.gates.Evaluate(ctx, gate, sess, o.cfg.MaxIterations, func(ctx context.Context, feedback string) error {
			return o.runStage(ctx, sess, b.stage, feedback)
		})
		if err != nil {
			return nil, err
		}

		switch verdict.Outcome {
		case OutcomeApproved:
			sess.ApproveGate(gate.Number)
			if err := o.store.Save(sess); err != nil {
				return nil, err
			}
		case OutcomeRejected:
			return o.terminal(sess, StatusRejectedAt(gate.Number), verdict.Feedback)
		case OutcomeMaxIterations:
			return o.terminal(sess, StatusMaxIterations(gate.Number), "")
		}
	}
	return nil, nil
}

// runStage consumes one iteration and executes the stage, writing its
// outputs into the session on success.
func (o *Orchestrator) runStage(ctx context.Context, sess *session.Session, stg StageSpec, feedback string) error {
	sess.IncrementIterations(stg.Index)

	inputs := stg.inputs(sess)
	if feedback != "" {
		inputs[FeedbackKey] = feedback
	}
	req := Request{
		Stage:     stg.Name,
		Inputs:    inputs,
		Iteration: sess.Iterations(stg.Index),
	}

	out, err := o.runner.Run(ctx, o.executorFor(stg), req)
	if err != nil {
		return err
	}
	return stg.apply(sess, out)
}

func (o *Orchestrator) executorFor(stg StageSpec) Executor {
	switch stg.Index {
	case 1:
		return o.execs.Research
	case 2:
		return o.execs.Generation
	default:
		return o.execs.Refinement
	}
}

// CleanupSnapshots removes recovery snapshots older than maxAge from
// the output directory. Returns the number of files removed.
func (o *Orchestrator) CleanupSnapshots(maxAge time.Duration) int {
	return o.runner.recovery.CleanupSnapshots(maxAge)
}

// NewLimiter builds a shared rate limiter from run configuration.
func NewLimiter(cfg *config.RunConfig, logger ratelimit.Logger) *ratelimit.Limiter {
	return ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerMinute: cfg.RequestsPerMinute,
		MinRequestGap:     cfg.MinRequestGapDuration(),
		MaxRetries:        cfg.MaxRetries,
		InitialBackoff:    cfg.InitialBackoffDuration(),
		BackoffMultiplier: cfg.BackoffMultiplier,
		MaxBackoff:        cfg.MaxBackoffDuration(),
		MaxAPICalls:       cfg.MaxAPICalls,
		WarnThreshold:     cfg.WarnThreshold,
	}, logger)
}

// terminal persists the session and reports an expected stopping point.
func (o *Orchestrator) terminal(sess *session.Session, status Status, feedback string) (*Result, error) {
	if err := o.store.Save(sess); err != nil {
		return nil, err
	}
	if o.logger != nil {
		o.logger.Info("pipeline_stopped",
			"session_id", sess.SessionID,
			"status", string(status),
		)
	}
	return &Result{Status: status, SessionID: sess.SessionID, Feedback: feedback, Session: sess}, nil
}
