// Package backoff provides the shared exponential backoff policy.
//
// Both retry layers (the rate limiter's throttle handling and the
// recovery manager's stage-level retry loop) delay with the same
// formula: min(initial * multiplier^attempt, max).
package backoff

import (
	"math"
	"time"
)

// Policy defines exponential backoff parameters.
type Policy struct {
	Initial     time.Duration `json:"initial"`
	Multiplier  float64       `json:"multiplier"`
	Max         time.Duration `json:"max"`
	MaxAttempts int           `json:"max_attempts"`
}

// DefaultPolicy returns the defaults used for throttled API calls.
func DefaultPolicy() Policy {
	return Policy{
		Initial:     3 * time.Second,
		Multiplier:  2.0,
		Max:         5 * time.Minute,
		MaxAttempts: 5,
	}
}

// DelayFor returns the delay before retrying the given 0-indexed attempt.
// The delay grows multiplicatively per attempt and never exceeds Max.
func (p Policy) DelayFor(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := time.Duration(float64(p.Initial) * math.Pow(p.Multiplier, float64(attempt)))
	if d > p.Max || d < 0 {
		// Negative means float64 overflow past the duration range.
		return p.Max
	}
	return d
}

// Exhausted returns true once the attempt counter has consumed the
// retry budget. Attempt numbers are 0-indexed.
func (p Policy) Exhausted(attempt int) bool {
	return attempt >= p.MaxAttempts
}
