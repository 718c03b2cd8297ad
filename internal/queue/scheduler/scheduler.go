// Package scheduler computes retry backoff delays for failed job attempts.
package scheduler

import "time"

// Config holds the backoff tunables; zero values are invalid and callers
// should use DefaultConfig or validate before use.
type Config struct {
	MaxRetries       int
	InitialBackoffMS int
	MaxBackoffMS     int
}

// DefaultConfig matches the defaults described by the job orchestrator's
// retry policy: three retries, starting at one second, capped at five
// minutes.
func DefaultConfig() Config {
	return Config{
		MaxRetries:       3,
		InitialBackoffMS: 1000,
		MaxBackoffMS:     300000,
	}
}

// BackoffMS computes the exponential backoff delay, in milliseconds, for
// the given attempt number (1-indexed). The result is clamped to
// [InitialBackoffMS, MaxBackoffMS].
func (c Config) BackoffMS(attempt int) int {
	if attempt < 1 {
		attempt = 1
	}
	backoff := c.InitialBackoffMS << uint(attempt-1)
	if backoff < c.InitialBackoffMS || attempt > 30 {
		// guard against overflow from a large attempt count
		backoff = c.MaxBackoffMS
	}
	if backoff < c.InitialBackoffMS {
		backoff = c.InitialBackoffMS
	}
	if backoff > c.MaxBackoffMS {
		backoff = c.MaxBackoffMS
	}
	return backoff
}

// NextAttemptAt computes the timestamp of the next retry attempt.
func (c Config) NextAttemptAt(now time.Time, attempt int) time.Time {
	return now.Add(time.Duration(c.BackoffMS(attempt)) * time.Millisecond)
}
