package export

import (
	"errors"
	"fmt"
)

// ErrTransition is wrapped by every rejected status transition.
var ErrTransition = errors.New("invalid status transition")

var validTransitions = map[JobStatus][]JobStatus{
	JobStatusPending: {
		JobStatusAuthenticating, // slot available
		JobStatusFailed,         // watchdog or shutdown
	},
	JobStatusAuthenticating: {
		JobStatusAwaitingVerification, // second factor required
		JobStatusCrawling,             // access granted
		JobStatusFailed,
	},
	JobStatusAwaitingVerification: {
		JobStatusCrawling, // code accepted
		JobStatusFailed,
	},
	JobStatusCrawling: {
		JobStatusCompleted,
		JobStatusFailed,
	},
	JobStatusCompleted: {},
	JobStatusFailed:    {},
}

// ValidateTransition checks if a status transition is valid.
func ValidateTransition(from, to JobStatus) error {
	allowed, ok := validTransitions[from]
	if !ok {
		return fmt.Errorf("%w: unknown source status %s", ErrTransition, from)
	}
	for _, s := range allowed {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrTransition, from, to)
}

// IsTerminal reports whether no further transitions are possible.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// IsActive reports whether the job is doing remote work right now.
func (s JobStatus) IsActive() bool {
	return s == JobStatusAuthenticating || s == JobStatusCrawling
}

// HoldsSlot reports whether the job occupies a scheduler slot. A paused job
// keeps its slot so resuming it never pushes the active count over the cap.
func (s JobStatus) HoldsSlot() bool {
	return s.IsActive() || s == JobStatusAwaitingVerification
}
