package export

import (
	"errors"
	"fmt"
)

// ErrItemNotFound is returned by Session.FetchItem when the remote item is gone.
var ErrItemNotFound = errors.New("item not found")

// AuthError reports a failed login, session exchange, access check or
// verification.
type AuthError struct {
	Stage  string
	Reason string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s failed: %s", e.Stage, e.Reason)
}

// StateError reports an operation against a job in the wrong status.
type StateError struct {
	JobID string
	Have  JobStatus
	Want  JobStatus
}

func (e *StateError) Error() string {
	if e.Want == "" {
		return fmt.Sprintf("job %s is %s", e.JobID, e.Have)
	}
	return fmt.Sprintf("job %s is %s, not %s", e.JobID, e.Have, e.Want)
}

// NotFoundError reports an unknown job or a missing artifact.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// ItemFetchError wraps a failure retrieving one item. It never fails a job.
type ItemFetchError struct {
	ItemID int64
	Err    error
}

func (e *ItemFetchError) Error() string {
	return fmt.Sprintf("fetch item %d: %v", e.ItemID, e.Err)
}

func (e *ItemFetchError) Unwrap() error {
	return e.Err
}

// AssemblyError reports a failure producing a job's archive.
type AssemblyError struct {
	Step string
	Err  error
}

func (e *AssemblyError) Error() string {
	return fmt.Sprintf("assemble %s: %v", e.Step, e.Err)
}

func (e *AssemblyError) Unwrap() error {
	return e.Err
}

// ValidationError reports malformed caller input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}
