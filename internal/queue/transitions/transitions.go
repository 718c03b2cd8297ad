// Package transitions implements the job status transition table: which
// status changes are allowed, and the error raised when one is not.
package transitions

import (
	"fmt"

	"dtq/pkg/queue"
)

// allowed maps a status to the set of statuses it may transition to.
// CANCELLED is intentionally absent from both sides of the table: it is
// reached only through the explicit cancel operation, and requeued only
// through the explicit requeue-from-CANCELLED operation, neither of
// which goes through CanTransition.
var allowed = map[queue.JobStatus]map[queue.JobStatus]bool{
	queue.JobStatusPending: {
		queue.JobStatusRunning: true,
	},
	queue.JobStatusRunning: {
		queue.JobStatusSucceeded: true,
		queue.JobStatusFailed:    true,
	},
	queue.JobStatusFailed: {
		queue.JobStatusPending:      true,
		queue.JobStatusDeadLettered: true,
	},
	queue.JobStatusSucceeded:    {},
	queue.JobStatusDeadLettered: {},
}

// CanTransition reports whether moving a job from one status to another
// is allowed by the canonical transition table.
func CanTransition(from, to queue.JobStatus) bool {
	return allowed[from][to]
}

// InvalidTransitionError is returned when a caller requests a status
// change the table does not permit.
type InvalidTransitionError struct {
	From queue.JobStatus
	To   queue.JobStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition from %s to %s", e.From, e.To)
}

// Validate returns an *InvalidTransitionError if the transition is not
// allowed, nil otherwise.
func Validate(from, to queue.JobStatus) error {
	if !CanTransition(from, to) {
		return &InvalidTransitionError{From: from, To: to}
	}
	return nil
}
