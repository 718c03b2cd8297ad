package transitions

import (
	"errors"
	"testing"

	"dtq/pkg/queue"
)

func TestCanTransitionAllowed(t *testing.T) {
	cases := []struct {
		from, to queue.JobStatus
	}{
		{queue.JobStatusPending, queue.JobStatusRunning},
		{queue.JobStatusRunning, queue.JobStatusSucceeded},
		{queue.JobStatusRunning, queue.JobStatusFailed},
		{queue.JobStatusFailed, queue.JobStatusPending},
		{queue.JobStatusFailed, queue.JobStatusDeadLettered},
	}
	for _, c := range cases {
		if !CanTransition(c.from, c.to) {
			t.Errorf("expected %s -> %s to be allowed", c.from, c.to)
		}
	}
}

func TestCanTransitionDisallowed(t *testing.T) {
	cases := []struct {
		from, to queue.JobStatus
	}{
		{queue.JobStatusPending, queue.JobStatusSucceeded},
		{queue.JobStatusPending, queue.JobStatusFailed},
		{queue.JobStatusSucceeded, queue.JobStatusPending},
		{queue.JobStatusDeadLettered, queue.JobStatusPending},
		{queue.JobStatusPending, queue.JobStatusCancelled},
		{queue.JobStatusRunning, queue.JobStatusCancelled},
	}
	for _, c := range cases {
		if CanTransition(c.from, c.to) {
			t.Errorf("expected %s -> %s to be disallowed", c.from, c.to)
		}
	}
}

func TestValidateReturnsTypedError(t *testing.T) {
	err := Validate(queue.JobStatusSucceeded, queue.JobStatusPending)
	if err == nil {
		t.Fatal("expected error")
	}
	var ite *InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("expected *InvalidTransitionError, got %T", err)
	}
	if ite.From != queue.JobStatusSucceeded || ite.To != queue.JobStatusPending {
		t.Errorf("unexpected fields: %+v", ite)
	}
}

func TestValidateAllowedReturnsNil(t *testing.T) {
	if err := Validate(queue.JobStatusPending, queue.JobStatusRunning); err != nil {
		t.Errorf("expected nil, got %v", err)
	}
}
