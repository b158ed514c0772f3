package discovery

import "time"

// RetryConfig controls how soon a failed connect is retried.
type RetryConfig struct {
	RetryDelay    time.Duration // Delay after the first failure (default: 500ms)
	MaxRetryDelay time.Duration // Cap (default: 10s)
}

// DefaultRetryConfig returns the default retry schedule.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		RetryDelay:    500 * time.Millisecond,
		MaxRetryDelay: 10 * time.Second,
	}
}

// retryState tracks consecutive failures. Only the worker goroutine touches it.
type retryState struct {
	failures int
	next     time.Time // zero means "attempt now"
}

// fail records a failure and schedules the next attempt.
func (r *retryState) fail(now time.Time, cfg RetryConfig) time.Duration {
	r.failures++
	delay := calculateBackoff(r.failures, cfg)
	r.next = now.Add(delay)
	return delay
}

// wait schedules the next attempt after d without counting a failure.
func (r *retryState) wait(now time.Time, d time.Duration) {
	r.next = now.Add(d)
}

func (r *retryState) reset() {
	r.failures = 0
	r.next = time.Time{}
}

func (r *retryState) due(now time.Time) bool {
	return !now.Before(r.next)
}

// calculateBackoff returns the delay before retry number attempt.
//
// Formula: delay = retryDelay * 2^(attempt-1), capped at maxRetryDelay.
//
// With the defaults (500ms, 10s):
//   - Attempt 1: 500ms
//   - Attempt 2: 1s
//   - Attempt 3: 2s
//   - Attempt 5: 8s
//   - Attempt 6+: 10s
func calculateBackoff(attempt int, cfg RetryConfig) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	// guard the shift; anything past 2^30 is capped anyway
	if attempt > 31 {
		return cfg.MaxRetryDelay
	}
	delay := cfg.RetryDelay * time.Duration(1<<uint(attempt-1))
	if delay > cfg.MaxRetryDelay || delay <= 0 {
		delay = cfg.MaxRetryDelay
	}
	return delay
}
