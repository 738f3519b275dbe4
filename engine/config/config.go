// Package config provides run configuration for the pipeline core.
//
// Knobs only: rate limiting, retry budgets, iteration bounds, and
// directories. Provider credentials and stage-executor settings belong
// to the callers wiring the executors, not here.
package config

import (
	"fmt"
	"time"
)

// RunConfig holds the knobs consumed by one pipeline run.
// Durations are plain scalar seconds so the record stays trivially
// serializable and environment-overridable.
type RunConfig struct {
	// Rate limiting
	RequestsPerMinute int     `json:"requests_per_minute" koanf:"requests_per_minute"`
	MinRequestGap     float64 `json:"min_request_gap" koanf:"min_request_gap"` // seconds

	// Throttle retry
	MaxRetries        int     `json:"max_retries" koanf:"max_retries"`
	InitialBackoff    float64 `json:"initial_backoff" koanf:"initial_backoff"` // seconds
	BackoffMultiplier float64 `json:"backoff_multiplier" koanf:"backoff_multiplier"`
	MaxBackoff        float64 `json:"max_backoff" koanf:"max_backoff"` // seconds

	// Budget controls (0 = unlimited / off)
	MaxAPICalls   int `json:"max_api_calls" koanf:"max_api_calls"`
	WarnThreshold int `json:"warn_threshold" koanf:"warn_threshold"`

	// Stage-level recovery
	StageRetries      int     `json:"stage_retries" koanf:"stage_retries"`
	StageRetryDelay   float64 `json:"stage_retry_delay" koanf:"stage_retry_delay"` // seconds
	StageRetryFactor  float64 `json:"stage_retry_factor" koanf:"stage_retry_factor"`

	// Gate behavior
	MaxIterations int  `json:"max_iterations" koanf:"max_iterations"`
	AutoApprove   bool `json:"auto_approve" koanf:"auto_approve"`

	// Directories
	OutputDir  string `json:"output_dir" koanf:"output_dir"`
	SessionDir string `json:"session_dir" koanf:"session_dir"`

	// Logging
	LogLevel string `json:"log_level" koanf:"log_level"`
}

// DefaultRunConfig returns conservative free-tier defaults.
func DefaultRunConfig() *RunConfig {
	return &RunConfig{
		RequestsPerMinute: 50,
		MinRequestGap:     1.2,

		MaxRetries:        5,
		InitialBackoff:    3.0,
		BackoffMultiplier: 2.0,
		MaxBackoff:        300.0,

		MaxAPICalls:   0,
		WarnThreshold: 0,

		StageRetries:     3,
		StageRetryDelay:  5.0,
		StageRetryFactor: 2.0,

		MaxIterations: 3,
		AutoApprove:   false,

		OutputDir:  "output",
		SessionDir: "output/sessions",

		LogLevel: "INFO",
	}
}

// Validate checks knob sanity before a run starts.
func (c *RunConfig) Validate() error {
	if c.RequestsPerMinute <= 0 {
		return fmt.Errorf("requests_per_minute must be positive, got %d", c.RequestsPerMinute)
	}
	if c.MinRequestGap < 0 {
		return fmt.Errorf("min_request_gap must not be negative, got %v", c.MinRequestGap)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative, got %d", c.MaxRetries)
	}
	if c.InitialBackoff <= 0 {
		return fmt.Errorf("initial_backoff must be positive, got %v", c.InitialBackoff)
	}
	if c.BackoffMultiplier < 1 {
		return fmt.Errorf("backoff_multiplier must be >= 1, got %v", c.BackoffMultiplier)
	}
	if c.MaxBackoff < c.InitialBackoff {
		return fmt.Errorf("max_backoff (%v) must be >= initial_backoff (%v)", c.MaxBackoff, c.InitialBackoff)
	}
	if c.MaxAPICalls < 0 {
		return fmt.Errorf("max_api_calls must not be negative, got %d", c.MaxAPICalls)
	}
	if c.StageRetries < 1 {
		return fmt.Errorf("stage_retries must be >= 1, got %d", c.StageRetries)
	}
	if c.MaxIterations < 1 {
		return fmt.Errorf("max_iterations must be >= 1, got %d", c.MaxIterations)
	}
	if c.OutputDir == "" {
		return fmt.Errorf("output_dir must not be empty")
	}
	if c.SessionDir == "" {
		return fmt.Errorf("session_dir must not be empty")
	}
	return nil
}

// Seconds helpers for the duration-valued knobs.

func (c *RunConfig) MinRequestGapDuration() time.Duration {
	return time.Duration(c.MinRequestGap * float64(time.Second))
}

func (c *RunConfig) InitialBackoffDuration() time.Duration {
	return time.Duration(c.InitialBackoff * float64(time.Second))
}

func (c *RunConfig) MaxBackoffDuration() time.Duration {
	return time.Duration(c.MaxBackoff * float64(time.Second))
}

func (c *RunConfig) StageRetryDelayDuration() time.Duration {
	return time.Duration(c.StageRetryDelay * float64(time.Second))
}
