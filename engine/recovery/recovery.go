// Package recovery provides bounded retry around whole stage invocations.
//
// This layer is independent of the rate limiter's backoff: it operates
// at the granularity of a full stage run, with its own retry budget. On
// final failure it snapshots whatever partial artifacts exist before
// surfacing a terminal RecoveryError.
package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/contentflow/contentflow/engine/backoff"
)

// snapshotDirName is the subdirectory holding partial-result snapshots.
const snapshotDirName = ".recovery"

// Logger interface for the recovery manager.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// RecoveryError is the terminal failure after all stage attempts are
// exhausted. It wraps the last underlying error.
type RecoveryError struct {
	Name     string
	Attempts int
	Err      error
}

func (e *RecoveryError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Name, e.Attempts, e.Err)
}

func (e *RecoveryError) Unwrap() error { return e.Err }

// Options configures the stage-level retry loop.
type Options struct {
	MaxRetries    int
	InitialDelay  time.Duration
	BackoffFactor float64

	// Permanent marks errors that must not be retried (for example
	// provider quota exhaustion, where waiting cannot help).
	Permanent func(error) bool
}

// DefaultOptions returns the stage retry defaults.
func DefaultOptions() Options {
	return Options{
		MaxRetries:    3,
		InitialDelay:  5 * time.Second,
		BackoffFactor: 2.0,
	}
}

func (o Options) policy() backoff.Policy {
	return backoff.Policy{
		Initial:     o.InitialDelay,
		Multiplier:  o.BackoffFactor,
		Max:         10 * time.Minute,
		MaxAttempts: o.MaxRetries,
	}
}

// Manager runs stage invocations with retry and snapshots partial
// artifacts on terminal failure.
type Manager struct {
	outputDir string
	opts      Options
	policy    backoff.Policy
	logger    Logger

	// Injectable for deterministic tests.
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// NewManager creates a Manager. outputDir is where stage artifacts land
// and where snapshots are written; a nil logger disables logging.
func NewManager(outputDir string, opts Options, logger Logger) *Manager {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultOptions().MaxRetries
	}
	if opts.InitialDelay <= 0 {
		opts.InitialDelay = DefaultOptions().InitialDelay
	}
	if opts.BackoffFactor <= 0 {
		opts.BackoffFactor = DefaultOptions().BackoffFactor
	}
	return &Manager{
		outputDir: outputDir,
		opts:      opts,
		policy:    opts.policy(),
		logger:    logger,
		sleep:     sleepContext,
		now:       time.Now,
	}
}

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

// RunWithRetry executes call up to the configured number of attempts
// with multiplicative backoff between them. Context cancellation aborts
// immediately without retrying. After the final failure it snapshots
// partial artifacts and returns a RecoveryError wrapping the last
// underlying error.
func RunWithRetry[T any](ctx context.Context, m *Manager, name string, call func(context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt < m.opts.MaxRetries; attempt++ {
		if m.logger != nil {
			m.logger.Info("stage_attempt_starting",
				"name", name,
				"attempt", attempt+1,
				"max_retries", m.opts.MaxRetries,
			)
		}

		result, err := safeCall(ctx, name, call)
		if err == nil {
			if attempt > 0 && m.logger != nil {
				m.logger.Info("stage_recovered", "name", name, "attempts", attempt+1)
			}
			return result, nil
		}
		lastErr = err

		// A cancelled context means the user interrupted the run;
		// abort without retrying so the caller can persist and exit.
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return zero, err
		}

		if m.opts.Permanent != nil && m.opts.Permanent(err) {
			if m.logger != nil {
				m.logger.Error("stage_failed_permanently", "name", name, "error", err.Error())
			}
			return zero, err
		}

		if m.logger != nil {
			m.logger.Error("stage_attempt_failed",
				"name", name,
				"attempt", attempt+1,
				"max_retries", m.opts.MaxRetries,
				"error", err.Error(),
			)
		}

		if attempt < m.opts.MaxRetries-1 {
			delay := m.policy.DelayFor(attempt)
			if m.logger != nil {
				m.logger.Info("stage_retry_waiting", "name", name, "delay", delay.String())
			}
			if serr := m.sleep(ctx, delay); serr != nil {
				return zero, serr
			}
		}
	}

	m.saveSnapshot(name, lastErr)
	return zero, &RecoveryError{Name: name, Attempts: m.opts.MaxRetries, Err: lastErr}
}

// safeCall invokes call with panic recovery so a panicking stage
// executor surfaces as an error instead of tearing down the run.
func safeCall[T any](ctx context.Context, name string, call func(context.Context) (T, error)) (result T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s: %v\n%s", name, r, debug.Stack())
		}
	}()
	return call(ctx)
}

// snapshot is the persisted partial-result record.
type snapshot struct {
	SnapshotID   string   `json:"snapshot_id"`
	Name         string   `json:"name"`
	Timestamp    string   `json:"timestamp"`
	Error        string   `json:"error"`
	Attempts     int      `json:"attempts"`
	PartialFiles []string `json:"partial_files,omitempty"`
}

// saveSnapshot persists whatever partial artifacts exist, tagged with
// the run name and a timestamp. Snapshot failures are logged, never
// propagated: the terminal error matters more.
func (m *Manager) saveSnapshot(name string, cause error) {
	if m.outputDir == "" {
		return
	}

	dir := filepath.Join(m.outputDir, snapshotDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		if m.logger != nil {
			m.logger.Error("snapshot_dir_failed", "dir", dir, "error", err.Error())
		}
		return
	}

	snap := snapshot{
		SnapshotID: "snap_" + uuid.New().String()[:16],
		Name:       name,
		Timestamp:  m.now().UTC().Format(time.RFC3339),
		Attempts:   m.opts.MaxRetries,
	}
	if cause != nil {
		snap.Error = cause.Error()
	}
	if files, err := filepath.Glob(filepath.Join(m.outputDir, "*.md")); err == nil {
		snap.PartialFiles = files
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		if m.logger != nil {
			m.logger.Error("snapshot_marshal_failed", "name", name, "error", err.Error())
		}
		return
	}

	path := filepath.Join(dir, fmt.Sprintf("%s_partial_%s.json", name, m.now().UTC().Format("20060102_150405")))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		if m.logger != nil {
			m.logger.Error("snapshot_write_failed", "path", path, "error", err.Error())
		}
		return
	}

	if m.logger != nil {
		m.logger.Info("partial_results_saved", "path", path, "files", len(snap.PartialFiles))
	}
}

// CleanupSnapshots removes snapshot files older than maxAge. Returns
// the number of files removed.
func (m *Manager) CleanupSnapshots(maxAge time.Duration) int {
	dir := filepath.Join(m.outputDir, snapshotDirName)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}

	cutoff := m.now().Add(-maxAge)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(dir, entry.Name())); err == nil {
				removed++
			}
		}
	}

	if removed > 0 && m.logger != nil {
		m.logger.Debug("snapshots_cleaned", "removed", removed)
	}
	return removed
}
