// Package session provides the durable record of one pipeline run.
//
// A Session carries the run input, per-stage outputs, gate approvals,
// and iteration counters. It is persisted after every gate approval and
// at every terminal outcome so an interrupted run can resume exactly
// where it left off.
package session

import (
	"fmt"
	"strings"
	"time"
)

// GateCount is the number of approval gates in a run.
const GateCount = 5

// StageCount is the number of processing stages in a run.
const StageCount = 3

// Session is the persisted state of one pipeline run.
type Session struct {
	SessionID   string    `json:"session_id"`
	StartedAt   time.Time `json:"started_at"`
	InputSources string   `json:"input_sources"`
	AutoApprove bool      `json:"auto_approve"`

	// Stage 1 outputs (reviewed by gates 1-3; mutually dependent, always
	// overwritten together on a re-run).
	ProductAnalysis *string `json:"product_analysis"`
	PersonaLibrary  *string `json:"persona_library"`
	ContentStrategy *string `json:"content_strategy"`

	// Stage 2 output (gate 4).
	GeneratedContent *string `json:"generated_content"`

	// Stage 3 output (gate 5).
	FinalContent *string `json:"final_content"`

	Gate1Approved bool `json:"gate1_approved"`
	Gate2Approved bool `json:"gate2_approved"`
	Gate3Approved bool `json:"gate3_approved"`
	Gate4Approved bool `json:"gate4_approved"`
	Gate5Approved bool `json:"gate5_approved"`

	Stage1Iterations int `json:"stage1_iterations"`
	Stage2Iterations int `json:"stage2_iterations"`
	Stage3Iterations int `json:"stage3_iterations"`

	CompletedAt *time.Time `json:"completed_at"`
}

// New creates a fresh session for the given input. The session id is a
// UTC timestamp token, matching the persisted file name.
func New(inputSources string, autoApprove bool) *Session {
	now := time.Now().UTC()
	return &Session{
		SessionID:    now.Format("20060102_150405"),
		StartedAt:    now,
		InputSources: inputSources,
		AutoApprove:  autoApprove,
	}
}

// ValidationError reports a session record that fails schema validation,
// naming the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid session: %s: %s", e.Field, e.Reason)
}

// Validate checks schema completeness. Used on load so that a corrupted
// or hand-edited record fails fast with a descriptive error instead of
// surfacing mid-pipeline.
func (s *Session) Validate() error {
	if strings.TrimSpace(s.SessionID) == "" {
		return &ValidationError{Field: "session_id", Reason: "must not be empty"}
	}
	if s.StartedAt.IsZero() {
		return &ValidationError{Field: "started_at", Reason: "must be set"}
	}
	if strings.TrimSpace(s.InputSources) == "" {
		return &ValidationError{Field: "input_sources", Reason: "must not be empty"}
	}
	counters := []struct {
		name  string
		value int
	}{
		{"stage1_iterations", s.Stage1Iterations},
		{"stage2_iterations", s.Stage2Iterations},
		{"stage3_iterations", s.Stage3Iterations},
	}
	for _, c := range counters {
		if c.value < 0 {
			return &ValidationError{Field: c.name, Reason: "must not be negative"}
		}
	}
	return nil
}

// GateApproved returns the approval flag for gate (1-based).
func (s *Session) GateApproved(gate int) bool {
	switch gate {
	case 1:
		return s.Gate1Approved
	case 2:
		return s.Gate2Approved
	case 3:
		return s.Gate3Approved
	case 4:
		return s.Gate4Approved
	case 5:
		return s.Gate5Approved
	default:
		return false
	}
}

// ApproveGate sets the approval flag for gate (1-based). Flags are
// monotonic: once approved, a gate stays approved for the lifetime of
// the session object.
func (s *Session) ApproveGate(gate int) {
	switch gate {
	case 1:
		s.Gate1Approved = true
	case 2:
		s.Gate2Approved = true
	case 3:
		s.Gate3Approved = true
	case 4:
		s.Gate4Approved = true
	case 5:
		s.Gate5Approved = true
	}
}

// Iterations returns the iteration counter for stage (1-based).
func (s *Session) Iterations(stage int) int {
	switch stage {
	case 1:
		return s.Stage1Iterations
	case 2:
		return s.Stage2Iterations
	case 3:
		return s.Stage3Iterations
	default:
		return 0
	}
}

// IncrementIterations bumps the iteration counter for stage (1-based).
func (s *Session) IncrementIterations(stage int) {
	switch stage {
	case 1:
		s.Stage1Iterations++
	case 2:
		s.Stage2Iterations++
	case 3:
		s.Stage3Iterations++
	}
}

// MarkCompleted stamps the completion time.
func (s *Session) MarkCompleted() {
	now := time.Now().UTC()
	s.CompletedAt = &now
}
