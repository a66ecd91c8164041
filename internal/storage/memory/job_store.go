package memory

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/starred-export/internal/export"
)

// JobStore is the in-process job registry. It is the single source of truth
// for job status and rejects any transition the status table does not allow.
type JobStore struct {
	mu    sync.RWMutex
	jobs  map[string]export.Job
	clock export.Clock
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now().UTC() }

// NewJobStore constructs a JobStore. A nil clock uses the wall clock.
func NewJobStore(clock export.Clock) *JobStore {
	if clock == nil {
		clock = wallClock{}
	}
	return &JobStore{
		jobs:  make(map[string]export.Job),
		clock: clock,
	}
}

// CreateJob stores a new job. The id must be unused.
func (s *JobStore) CreateJob(_ context.Context, job export.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = s.clock.Now()
	}
	s.jobs[job.ID] = job
	return nil
}

// GetJob fetches a copy of a job by ID.
func (s *JobStore) GetJob(_ context.Context, jobID string) (export.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return export.Job{}, &export.NotFoundError{Kind: "job", ID: jobID}
	}
	return job, nil
}

// ListJobs returns copies of every job ordered by creation time.
func (s *JobStore) ListJobs(_ context.Context) []export.Job {
	s.mu.RLock()
	out := make([]export.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job)
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b export.Job) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// Transition moves a job to status `to` and sets its message. Entering
// authenticating stamps StartedAt; entering a terminal status stamps
// CompletedAt, and failed also records message as the job error. Optional
// mutators run under the same lock after validation.
func (s *JobStore) Transition(
	_ context.Context,
	jobID string,
	to export.JobStatus,
	message string,
	mutate ...func(*export.Job),
) (export.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return export.Job{}, &export.NotFoundError{Kind: "job", ID: jobID}
	}
	if err := export.ValidateTransition(job.Status, to); err != nil {
		return job, fmt.Errorf("job %s: %w", jobID, err)
	}

	now := s.clock.Now()
	job.Status = to
	job.Message = message
	if to == export.JobStatusAuthenticating && job.StartedAt == nil {
		job.StartedAt = pointerTime(now)
	}
	if to == export.JobStatusAwaitingVerification {
		job.PausedAt = pointerTime(now)
	} else {
		job.PausedAt = nil
	}
	if to.IsTerminal() {
		job.CompletedAt = pointerTime(now)
	}
	if to == export.JobStatusFailed {
		job.Error = message
	}
	for _, fn := range mutate {
		fn(&job)
	}
	s.jobs[jobID] = job
	return job, nil
}

// UpdateJob applies fn to a non-terminal job. Identity, status and timestamps
// are restored after fn so only progress, message and artifact fields change.
func (s *JobStore) UpdateJob(_ context.Context, jobID string, fn func(*export.Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return &export.NotFoundError{Kind: "job", ID: jobID}
	}
	if job.Status.IsTerminal() {
		return &export.StateError{JobID: jobID, Have: job.Status}
	}
	updated := job
	fn(&updated)
	updated.ID = job.ID
	updated.Status = job.Status
	updated.CreatedAt = job.CreatedAt
	updated.StartedAt = job.StartedAt
	updated.CompletedAt = job.CompletedAt
	updated.Error = job.Error
	s.jobs[jobID] = updated
	return nil
}

// CountActive counts jobs authenticating or crawling.
func (s *JobStore) CountActive() int {
	return s.count(export.JobStatus.IsActive)
}

// CountSlots counts jobs holding a scheduler slot, including paused ones.
func (s *JobStore) CountSlots() int {
	return s.count(export.JobStatus.HoldsSlot)
}

// Overdue returns the ids of slot-holding jobs started before cutoff.
func (s *JobStore) Overdue(cutoff time.Time) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for id, job := range s.jobs {
		if job.Status.HoldsSlot() && job.StartedAt != nil && job.StartedAt.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// StalledVerifications returns the ids of jobs paused for a verification
// code since before cutoff.
func (s *JobStore) StalledVerifications(cutoff time.Time) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for id, job := range s.jobs {
		if job.Status == export.JobStatusAwaitingVerification && job.PausedAt != nil && job.PausedAt.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

func (s *JobStore) count(pred func(export.JobStatus) bool) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, job := range s.jobs {
		if pred(job.Status) {
			n++
		}
	}
	return n
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}
