package pipeline

import (
	"context"
	"fmt"

	"github.com/contentflow/contentflow/engine/approval"
	"github.com/contentflow/contentflow/engine/observability"
	"github.com/contentflow/contentflow/engine/session"
)

// =============================================================================
// GATE TABLE
// =============================================================================

// GateSpec describes one approval gate: its number, the artifact it
// reviews, and the stage whose re-run its feedback triggers.
type GateSpec struct {
	Number int
	Name   string
	Stage  int

	artifact func(*session.Session) string
}

// Label is the metrics/log identifier for the gate.
func (g GateSpec) Label() string {
	return fmt.Sprintf("gate%d", g.Number)
}

// Artifact returns the artifact currently under review at this gate.
func (g GateSpec) Artifact(s *session.Session) string {
	return g.artifact(s)
}

// Gates 1-3 all review outputs of stage 1; feedback at any of them
// re-runs that whole stage and overwrites all three artifacts.
var (
	gate1 = GateSpec{Number: 1, Name: "product_analysis", Stage: 1,
		artifact: func(s *session.Session) string { return deref(s.ProductAnalysis) }}
	gate2 = GateSpec{Number: 2, Name: "persona_library", Stage: 1,
		artifact: func(s *session.Session) string { return deref(s.PersonaLibrary) }}
	gate3 = GateSpec{Number: 3, Name: "content_strategy", Stage: 1,
		artifact: func(s *session.Session) string { return deref(s.ContentStrategy) }}
	gate4 = GateSpec{Number: 4, Name: "generated_content", Stage: 2,
		artifact: func(s *session.Session) string { return deref(s.GeneratedContent) }}
	gate5 = GateSpec{Number: 5, Name: "final_review", Stage: 3,
		artifact: func(s *session.Session) string { return deref(s.FinalContent) }}
)

// =============================================================================
// GATE CONTROLLER
// =============================================================================

// Outcome is the terminal result of one gate evaluation.
type Outcome string

const (
	OutcomeApproved      Outcome = "approved"
	OutcomeRejected      Outcome = "rejected"
	OutcomeMaxIterations Outcome = "max_iterations"
)

// Verdict is the resolved state of a gate after its decision loop.
type Verdict struct {
	Outcome  Outcome
	Feedback string
}

// RerunFunc re-executes a gate's owning stage with reviewer feedback
// merged into the stage input.
type RerunFunc func(ctx context.Context, feedback string) error

// GateController runs the approval state machine for one gate:
// present the artifact, collect a decision, and on feedback trigger a
// bounded stage re-run before returning to the decision point.
type GateController struct {
	approver    approval.Approver
	autoApprove bool
	logger      Logger
}

// NewGateController creates a controller. With autoApprove set, every
// gate short-circuits to approved without a decision round-trip.
func NewGateController(approver approval.Approver, autoApprove bool, logger Logger) *GateController {
	return &GateController{approver: approver, autoApprove: autoApprove, logger: logger}
}

// Evaluate runs the decision loop for gate against the artifact its
// owning stage wrote into sess. Reviewer feedback re-runs the stage via
// rerun, guarded by the stage's session iteration counter: once the
// counter reaches maxIterations the gate resolves to OutcomeMaxIterations
// instead of looping again.
func (c *GateController) Evaluate(ctx context.Context, gate GateSpec, sess *session.Session, maxIterations int, rerun RerunFunc) (Verdict, error) {
	if c.autoApprove {
		if c.logger != nil {
			c.logger.Info("gate_auto_approved", "gate", gate.Label(), "name", gate.Name)
		}
		observability.RecordGateDecision(gate.Label(), string(approval.DecisionApprove))
		return Verdict{Outcome: OutcomeApproved}, nil
	}

	for {
		req := approval.NewRequest(gate.Number, gate.Name, gate.Artifact(sess), sess.Iterations(gate.Stage))
		resp, err := c.approver.Review(ctx, req)
		if err != nil {
			return Verdict{}, fmt.Errorf("gate %d review failed: %w", gate.Number, err)
		}
		observability.RecordGateDecision(gate.Label(), string(resp.Decision))

		switch resp.Decision {
		case approval.DecisionApprove:
			if c.logger != nil {
				c.logger.Info("gate_approved", "gate", gate.Label(), "name", gate.Name)
			}
			return Verdict{Outcome: OutcomeApproved}, nil

		case approval.DecisionReject:
			if c.logger != nil {
				c.logger.Warn("gate_rejected", "gate", gate.Label(), "reason", resp.Note)
			}
			return Verdict{Outcome: OutcomeRejected, Feedback: resp.Note}, nil

		case approval.DecisionFeedback:
			if sess.Iterations(gate.Stage) >= maxIterations {
				if c.logger != nil {
					c.logger.Warn("gate_iteration_budget_spent",
						"gate", gate.Label(),
						"stage", gate.Stage,
						"max_iterations", maxIterations,
					)
				}
				return Verdict{Outcome: OutcomeMaxIterations}, nil
			}
			if c.logger != nil {
				c.logger.Info("gate_feedback_rerun", "gate", gate.Label(), "feedback", resp.Note)
			}
			if err := rerun(ctx, resp.Note); err != nil {
				return Verdict{}, err
			}

		default:
			return Verdict{}, fmt.Errorf("gate %d: unknown decision %q", gate.Number, resp.Decision)
		}
	}
}
