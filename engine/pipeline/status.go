package pipeline

import (
	"fmt"

	"github.com/contentflow/contentflow/engine/session"
)

// Status is a terminal pipeline outcome. Expected stopping points are
// reported as statuses; errors are reserved for truly exceptional
// conditions (corrupted state, exhausted retries, quota exhaustion).
type Status string

// StatusCompleted means every gate approved and all stages ran.
const StatusCompleted Status = "completed"

// StatusRejectedAt reports a reviewer rejection at the given gate.
func StatusRejectedAt(gate int) Status {
	return Status(fmt.Sprintf("rejected_at_gate%d", gate))
}

// StatusMaxIterations reports that a stage's iteration budget ran out
// at the given gate without approval.
func StatusMaxIterations(gate int) Status {
	return Status(fmt.Sprintf("max_iterations_gate%d", gate))
}

// Result is the outcome of one pipeline run.
type Result struct {
	Status    Status `json:"status"`
	SessionID string `json:"session_id"`
	// Feedback carries the reviewer's reason when the run was rejected.
	Feedback string `json:"feedback,omitempty"`

	Session *session.Session `json:"-"`
}
