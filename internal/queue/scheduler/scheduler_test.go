package scheduler

import (
	"testing"
	"time"
)

func TestBackoffMSClampsToInitial(t *testing.T) {
	c := DefaultConfig()
	if got := c.BackoffMS(0); got != c.InitialBackoffMS {
		t.Errorf("attempt 0: got %d want %d", got, c.InitialBackoffMS)
	}
	if got := c.BackoffMS(1); got != c.InitialBackoffMS {
		t.Errorf("attempt 1: got %d want %d", got, c.InitialBackoffMS)
	}
}

func TestBackoffMSDoublesPerAttempt(t *testing.T) {
	c := DefaultConfig()
	if got := c.BackoffMS(2); got != 2000 {
		t.Errorf("attempt 2: got %d want 2000", got)
	}
	if got := c.BackoffMS(3); got != 4000 {
		t.Errorf("attempt 3: got %d want 4000", got)
	}
}

func TestBackoffMSClampsToMax(t *testing.T) {
	c := DefaultConfig()
	if got := c.BackoffMS(20); got != c.MaxBackoffMS {
		t.Errorf("attempt 20: got %d want %d", got, c.MaxBackoffMS)
	}
	if got := c.BackoffMS(1000); got != c.MaxBackoffMS {
		t.Errorf("attempt 1000: got %d want %d", got, c.MaxBackoffMS)
	}
}

func TestNextAttemptAtAddsBackoff(t *testing.T) {
	c := DefaultConfig()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	next := c.NextAttemptAt(now, 1)
	if !next.After(now) {
		t.Errorf("expected next attempt to be after now")
	}
}
