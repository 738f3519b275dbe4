package ratelimit

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// =============================================================================
// Error Types
// =============================================================================

// BudgetExhaustedError indicates the lifetime API call budget is spent.
// No call was attempted; the caller must raise the budget or start a
// fresh limiter.
type BudgetExhaustedError struct {
	Used  int
	Limit int
}

func (e *BudgetExhaustedError) Error() string {
	return fmt.Sprintf("api call budget exhausted: %d/%d", e.Used, e.Limit)
}

// QuotaExhaustedError indicates the provider's quota is fully consumed.
// Retrying cannot help; the caller needs a different provider or a
// quota reset before resuming.
type QuotaExhaustedError struct {
	Op  string
	Err error
}

func (e *QuotaExhaustedError) Error() string {
	return fmt.Sprintf("provider quota exhausted during %s (switch providers or wait for quota reset): %v", e.Op, e.Err)
}

func (e *QuotaExhaustedError) Unwrap() error { return e.Err }

// ThrottledError indicates transient throttling that survived the full
// retry budget.
type ThrottledError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("rate limited after %d attempts during %s: %v", e.Attempts, e.Op, e.Err)
}

func (e *ThrottledError) Unwrap() error { return e.Err }

// IsQuotaExhausted reports whether err is (or wraps) a QuotaExhaustedError.
func IsQuotaExhausted(err error) bool {
	var qe *QuotaExhaustedError
	return errors.As(err, &qe)
}

// IsBudgetExhausted reports whether err is (or wraps) a BudgetExhaustedError.
func IsBudgetExhausted(err error) bool {
	var be *BudgetExhaustedError
	return errors.As(err, &be)
}

// =============================================================================
// Failure Classification
// =============================================================================

// errorKind classifies a stage executor failure.
type errorKind int

const (
	// kindOther is any failure unrelated to rate limiting. Propagated untouched.
	kindOther errorKind = iota
	// kindThrottled is transient throttling. Resolved by backoff and retry.
	kindThrottled
	// kindQuotaExhausted is terminal capacity exhaustion. Never retried.
	kindQuotaExhausted
)

// classify inspects the error text for provider throttling signatures.
// Quota exhaustion takes precedence over transient throttling: a
// RESOURCE_EXHAUSTED that mentions quota means the provider is out of
// capacity, not momentarily busy.
func classify(err error) errorKind {
	if err == nil {
		return kindOther
	}
	msg := err.Error()
	lower := strings.ToLower(msg)

	quotaExhausted := strings.Contains(lower, "quota exceeded") ||
		strings.Contains(lower, "current quota") ||
		(strings.Contains(msg, "RESOURCE_EXHAUSTED") && strings.Contains(lower, "quota"))
	if quotaExhausted {
		return kindQuotaExhausted
	}

	throttled := strings.Contains(msg, "429") ||
		strings.Contains(msg, "RESOURCE_EXHAUSTED") ||
		strings.Contains(lower, "quota") ||
		strings.Contains(lower, "rate limit")
	if throttled {
		return kindThrottled
	}

	return kindOther
}

// retryInPattern matches provider-suggested delays such as
// "Please retry in 6.208361554s."
var retryInPattern = regexp.MustCompile(`(?i)retry in\s*([0-9]*\.?[0-9]+)\s*s`)

// suggestedDelay extracts a provider-suggested retry delay from the
// error text. Returns zero when no suggestion is present.
func suggestedDelay(err error) time.Duration {
	if err == nil {
		return 0
	}
	m := retryInPattern.FindStringSubmatch(err.Error())
	if m == nil {
		return 0
	}
	seconds, perr := strconv.ParseFloat(m[1], 64)
	if perr != nil || seconds <= 0 {
		return 0
	}
	return time.Duration(seconds * float64(time.Second))
}
