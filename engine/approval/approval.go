// Package approval defines the reviewer capability for approval gates.
//
// The gate state machine talks to an Approver interface, never to a
// terminal directly, so the decision surface can be an interactive
// prompt, a scripted policy, or a remote endpoint without touching the
// orchestration core.
package approval

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Decision is a reviewer's verdict on a gate artifact.
type Decision string

const (
	// DecisionApprove passes the gate and continues the pipeline.
	DecisionApprove Decision = "approve"
	// DecisionReject stops the pipeline at this gate.
	DecisionReject Decision = "reject"
	// DecisionFeedback requests changes: the owning stage re-runs with
	// the feedback text merged into its input.
	DecisionFeedback Decision = "feedback"
)

// Request describes one artifact awaiting review.
type Request struct {
	// ReviewID identifies this review round in logs.
	ReviewID string `json:"review_id"`
	// Gate is the 1-based gate number.
	Gate int `json:"gate"`
	// GateName is the human label, e.g. "Product Analysis".
	GateName string `json:"gate_name"`
	// Artifact is the text under review.
	Artifact string `json:"artifact"`
	// Iteration is how many times the owning stage has run so far.
	Iteration int `json:"iteration"`
}

// NewRequest builds a review request with a fresh review id.
func NewRequest(gate int, gateName, artifact string, iteration int) Request {
	return Request{
		ReviewID:  "rev_" + uuid.New().String()[:16],
		Gate:      gate,
		GateName:  gateName,
		Artifact:  artifact,
		Iteration: iteration,
	}
}

// Response is the reviewer's decision. Note carries the rejection
// reason or the feedback text.
type Response struct {
	Decision Decision `json:"decision"`
	Note     string   `json:"note,omitempty"`
}

// Approver collects a decision for a gate artifact. Review blocks until
// the external actor decides; implementations must honor context
// cancellation since this is the pipeline's only unbounded wait.
type Approver interface {
	Review(ctx context.Context, req Request) (Response, error)
}

// =============================================================================
// Policy Approvers
// =============================================================================

// AutoApprover approves every gate without a decision round-trip.
type AutoApprover struct{}

func (AutoApprover) Review(ctx context.Context, req Request) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	return Response{Decision: DecisionApprove}, nil
}

// ScriptedApprover replays a fixed sequence of responses, one per
// review. Used by tests and automated policies.
type ScriptedApprover struct {
	Responses []Response
	next      int
}

func (a *ScriptedApprover) Review(ctx context.Context, req Request) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	if a.next >= len(a.Responses) {
		return Response{}, fmt.Errorf("scripted approver exhausted after %d responses (gate %d)", a.next, req.Gate)
	}
	resp := a.Responses[a.next]
	a.next++
	return resp, nil
}
