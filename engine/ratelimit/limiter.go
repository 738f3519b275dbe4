// Package ratelimit paces calls to the external stage executor.
//
// Features:
//   - Minimum spacing between successive requests
//   - Sliding-window requests-per-minute cap
//   - Optional lifetime call budget
//   - Exponential backoff on transient throttling
//   - Failure classification: transient vs. quota exhaustion vs. unrelated
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/contentflow/contentflow/engine/backoff"
)

// requestHistorySize bounds the timestamp ring used for the
// requests-per-minute window.
const requestHistorySize = 100

// slidingWindow is the trailing span over which RequestsPerMinute applies.
const slidingWindow = time.Minute

// Logger interface for the rate limiter.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// =============================================================================
// Config & Stats
// =============================================================================

// Config defines rate limiting and retry thresholds.
type Config struct {
	RequestsPerMinute int           `json:"requests_per_minute"`
	MinRequestGap     time.Duration `json:"min_request_gap"`

	MaxRetries        int           `json:"max_retries"`
	InitialBackoff    time.Duration `json:"initial_backoff"`
	BackoffMultiplier float64       `json:"backoff_multiplier"`
	MaxBackoff        time.Duration `json:"max_backoff"`

	// MaxAPICalls stops the limiter after N total requests. Zero means
	// unlimited. The counter lives for the lifetime of the Limiter
	// instance; construct a fresh Limiter for a per-run budget.
	MaxAPICalls   int `json:"max_api_calls"`
	WarnThreshold int `json:"warn_threshold"`
}

// DefaultConfig returns conservative free-tier defaults.
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 50,
		MinRequestGap:     1200 * time.Millisecond,
		MaxRetries:        5,
		InitialBackoff:    3 * time.Second,
		BackoffMultiplier: 2.0,
		MaxBackoff:        5 * time.Minute,
		MaxAPICalls:       0,
		WarnThreshold:     0,
	}
}

// policy builds the shared backoff policy from the retry knobs.
func (c Config) policy() backoff.Policy {
	return backoff.Policy{
		Initial:     c.InitialBackoff,
		Multiplier:  c.BackoffMultiplier,
		Max:         c.MaxBackoff,
		MaxAttempts: c.MaxRetries,
	}
}

// Stats is a point-in-time snapshot of limiter counters.
type Stats struct {
	TotalRequests       int           `json:"total_requests"`
	SuccessfulRequests  int           `json:"successful_requests"`
	FailedRequests      int           `json:"failed_requests"`
	RateLimitedRequests int           `json:"rate_limited_requests"`
	TotalWaitTime       time.Duration `json:"total_wait_time"`
	TotalRetryTime      time.Duration `json:"total_retry_time"`
	RecentRequestCount  int           `json:"recent_request_count"`
}

// =============================================================================
// Limiter
// =============================================================================

// Limiter enforces request spacing, a sliding-window rate cap, and an
// optional lifetime call budget.
//
// One Limiter instance is shared by all stage calls in a process. The
// counters are guarded by a mutex, but the pacing guarantees assume a
// single logical owner: concurrent pipeline runs sharing one Limiter
// need their own serialization around ExecuteWithRetry.
type Limiter struct {
	config Config
	policy backoff.Policy
	logger Logger

	mu           sync.Mutex
	lastRequest  time.Time
	requestTimes []time.Time // ring of the most recent request timestamps

	totalRequests       int
	successfulRequests  int
	failedRequests      int
	rateLimitedRequests int
	totalWaitTime       time.Duration
	totalRetryTime      time.Duration

	// Injectable for deterministic tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewLimiter creates a Limiter. A nil logger disables logging.
func NewLimiter(config Config, logger Logger) *Limiter {
	l := &Limiter{
		config: config,
		policy: config.policy(),
		logger: logger,
		now:    time.Now,
		sleep:  sleepContext,
	}
	if logger != nil {
		logger.Info("rate_limiter_initialized",
			"requests_per_minute", config.RequestsPerMinute,
			"min_request_gap", config.MinRequestGap.String(),
		)
		if config.MaxAPICalls > 0 {
			logger.Info("rate_limiter_budget", "max_api_calls", config.MaxAPICalls)
		}
	}
	return l
}

// sleepContext blocks for d or until ctx is cancelled.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// WaitIfNeeded blocks until both pacing constraints hold: the minimum
// gap since the last request, and fewer than RequestsPerMinute requests
// in the trailing window. It has no effect on the first call. Returns
// the wall-clock time actually waited.
func (l *Limiter) WaitIfNeeded(ctx context.Context) (time.Duration, error) {
	l.mu.Lock()
	wait := l.pendingWaitLocked()
	l.mu.Unlock()

	if wait <= 0 {
		return 0, ctx.Err()
	}

	if l.logger != nil {
		l.logger.Debug("rate_limit_wait", "wait", wait.String())
	}
	if err := l.sleep(ctx, wait); err != nil {
		return 0, err
	}

	l.mu.Lock()
	l.totalWaitTime += wait
	l.mu.Unlock()
	return wait, nil
}

// pendingWaitLocked computes the wait needed before the next request.
func (l *Limiter) pendingWaitLocked() time.Duration {
	if l.lastRequest.IsZero() {
		return 0
	}
	now := l.now()

	var wait time.Duration
	if gap := now.Sub(l.lastRequest); gap < l.config.MinRequestGap {
		wait = l.config.MinRequestGap - gap
	}

	if l.config.RequestsPerMinute > 0 {
		cutoff := now.Add(-slidingWindow)
		inWindow := 0
		var oldest time.Time
		for _, ts := range l.requestTimes {
			if ts.After(cutoff) {
				if inWindow == 0 {
					oldest = ts
				}
				inWindow++
			}
		}
		if inWindow >= l.config.RequestsPerMinute {
			windowWait := slidingWindow - now.Sub(oldest)
			if windowWait > wait {
				if l.logger != nil {
					l.logger.Warn("rate_limit_window_full",
						"requests_in_window", inWindow,
						"wait", windowWait.String(),
					)
				}
				wait = windowWait
			}
		}
	}

	return wait
}

// CheckBudget returns false once the lifetime call count has reached
// MaxAPICalls. Pure read apart from an optional warning when the
// configured threshold is crossed.
func (l *Limiter) CheckBudget() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.config.MaxAPICalls <= 0 {
		return true
	}
	if l.totalRequests >= l.config.MaxAPICalls {
		if l.logger != nil {
			l.logger.Error("api_budget_exhausted",
				"used", l.totalRequests,
				"limit", l.config.MaxAPICalls,
			)
		}
		return false
	}
	if l.config.WarnThreshold > 0 && l.totalRequests >= l.config.WarnThreshold {
		if l.logger != nil {
			l.logger.Warn("api_budget_approaching",
				"used", l.totalRequests,
				"limit", l.config.MaxAPICalls,
				"remaining", l.config.MaxAPICalls-l.totalRequests,
			)
		}
	}
	return true
}

// LogRequest records a request timestamp and outcome. Must be called
// exactly once per attempted call, success or failure.
func (l *Limiter) LogRequest(success bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.lastRequest = now
	l.requestTimes = append(l.requestTimes, now)
	if len(l.requestTimes) > requestHistorySize {
		l.requestTimes = l.requestTimes[len(l.requestTimes)-requestHistorySize:]
	}

	l.totalRequests++
	if success {
		l.successfulRequests++
	} else {
		l.failedRequests++
	}
}

// throttleBackoff handles a transient throttle for the given 0-indexed
// attempt: it either sleeps the computed delay and reports retry=true,
// or reports retry=false once the retry budget is spent. The delay is
// the larger of the exponential backoff and any provider-suggested
// delay embedded in the error text.
func (l *Limiter) throttleBackoff(ctx context.Context, cause error, attempt int, op string) (bool, error) {
	l.mu.Lock()
	l.rateLimitedRequests++
	l.mu.Unlock()

	if l.policy.Exhausted(attempt) {
		if l.logger != nil {
			l.logger.Error("rate_limit_retries_exhausted",
				"operation", op,
				"max_retries", l.config.MaxRetries,
			)
		}
		return false, nil
	}

	wait := l.policy.DelayFor(attempt)
	if suggested := suggestedDelay(cause); suggested > wait {
		wait = suggested
	}

	if l.logger != nil {
		l.logger.Warn("rate_limit_hit",
			"operation", op,
			"attempt", attempt+1,
			"max_retries", l.config.MaxRetries,
			"retry_in", wait.String(),
		)
	}

	if err := l.sleep(ctx, wait); err != nil {
		return false, err
	}

	l.mu.Lock()
	l.totalRetryTime += wait
	l.mu.Unlock()
	return true, nil
}

// GetStats returns a snapshot of limiter counters.
func (l *Limiter) GetStats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{
		TotalRequests:       l.totalRequests,
		SuccessfulRequests:  l.successfulRequests,
		FailedRequests:      l.failedRequests,
		RateLimitedRequests: l.rateLimitedRequests,
		TotalWaitTime:       l.totalWaitTime,
		TotalRetryTime:      l.totalRetryTime,
		RecentRequestCount:  len(l.requestTimes),
	}
}

// LogSummary logs cumulative limiter statistics.
func (l *Limiter) LogSummary() {
	if l.logger == nil {
		return
	}
	l.mu.Lock()
	stats := Stats{
		TotalRequests:       l.totalRequests,
		SuccessfulRequests:  l.successfulRequests,
		FailedRequests:      l.failedRequests,
		RateLimitedRequests: l.rateLimitedRequests,
		TotalWaitTime:       l.totalWaitTime,
		TotalRetryTime:      l.totalRetryTime,
	}
	var perMinute float64
	if n := len(l.requestTimes); n > 1 {
		span := l.requestTimes[n-1].Sub(l.requestTimes[0])
		if span > 0 {
			perMinute = float64(n) / span.Minutes()
		}
	}
	l.mu.Unlock()

	l.logger.Info("rate_limiter_summary",
		"total_requests", stats.TotalRequests,
		"successful", stats.SuccessfulRequests,
		"failed", stats.FailedRequests,
		"rate_limited", stats.RateLimitedRequests,
		"total_wait_time", stats.TotalWaitTime.String(),
		"total_retry_time", stats.TotalRetryTime.String(),
		"recent_requests_per_minute", perMinute,
	)
}

// ResetStats clears all counters and pacing history. Test-only.
func (l *Limiter) ResetStats() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastRequest = time.Time{}
	l.requestTimes = nil
	l.totalRequests = 0
	l.successfulRequests = 0
	l.failedRequests = 0
	l.rateLimitedRequests = 0
	l.totalWaitTime = 0
	l.totalRetryTime = 0
}

// =============================================================================
// Composed Entry Point
// =============================================================================

// ExecuteWithRetry runs call through the limiter: it fails fast on an
// exhausted budget, paces the request, then retries transient throttles
// with exponential backoff. Quota exhaustion and unrelated errors
// propagate immediately without consuming retries.
func ExecuteWithRetry[T any](ctx context.Context, l *Limiter, op string, call func(context.Context) (T, error)) (T, error) {
	var zero T

	if !l.CheckBudget() {
		l.mu.Lock()
		used, limit := l.totalRequests, l.config.MaxAPICalls
		l.mu.Unlock()
		return zero, &BudgetExhaustedError{Used: used, Limit: limit}
	}

	if _, err := l.WaitIfNeeded(ctx); err != nil {
		return zero, err
	}

	var lastErr error
	for attempt := 0; attempt <= l.config.MaxRetries; attempt++ {
		result, err := call(ctx)
		if err == nil {
			l.LogRequest(true)
			return result, nil
		}
		lastErr = err
		l.LogRequest(false)

		switch classify(err) {
		case kindQuotaExhausted:
			if l.logger != nil {
				l.logger.Error("quota_exhausted", "operation", op, "error", err.Error())
			}
			return zero, &QuotaExhaustedError{Op: op, Err: err}

		case kindThrottled:
			retry, werr := l.throttleBackoff(ctx, err, attempt, op)
			if werr != nil {
				return zero, werr
			}
			if !retry {
				return zero, &ThrottledError{Op: op, Attempts: attempt + 1, Err: err}
			}

		default:
			return zero, err
		}
	}

	return zero, &ThrottledError{Op: op, Attempts: l.config.MaxRetries + 1, Err: lastErr}
}
