package scheduler

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/starred-export/internal/auth"
	"github.com/JakeFAU/starred-export/internal/export"
	"github.com/JakeFAU/starred-export/internal/progress"
)

// Resume submits a verification code for a paused job. An accepted code
// moves the job to crawling and launches the crawl in the background; a
// rejected one fails the job and returns the *export.AuthError. Concurrent
// calls for one job are serialized and only the first can succeed.
func (s *Scheduler) Resume(ctx context.Context, jobID, code string) error {
	job, err := s.deps.Registry.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != export.JobStatusAwaitingVerification {
		return &export.StateError{JobID: jobID, Have: job.Status, Want: export.JobStatusAwaitingVerification}
	}

	s.mu.Lock()
	r := s.runs[jobID]
	s.mu.Unlock()
	if r != nil {
		r.verifyMu.Lock()
		defer r.verifyMu.Unlock()
		// Another Resume may have finished while this one waited.
		if job, err = s.deps.Registry.GetJob(ctx, jobID); err != nil {
			return err
		}
		if job.Status != export.JobStatusAwaitingVerification {
			return &export.StateError{JobID: jobID, Have: job.Status, Want: export.JobStatusAwaitingVerification}
		}
	}

	var session *auth.Session
	if r != nil {
		s.mu.Lock()
		session = r.auth
		s.mu.Unlock()
	}
	if session == nil {
		s.fail(ctx, jobID, "verification failed: session missing")
		return &export.StateError{JobID: jobID, Have: export.JobStatusFailed, Want: export.JobStatusAwaitingVerification}
	}
	if code == "" {
		return &export.ValidationError{Field: "code", Reason: "is required"}
	}

	if err := session.Verify(ctx, code); err != nil {
		reason := err.Error()
		var authErr *export.AuthError
		if errors.As(err, &authErr) {
			reason = authErr.Reason
		}
		s.fail(ctx, jobID, "verification failed: "+reason)
		return err
	}

	if s.root.Err() != nil {
		s.fail(ctx, jobID, "shutdown")
		return ErrShuttingDown
	}
	if _, err := s.deps.Registry.Transition(ctx, jobID, export.JobStatusCrawling, "verification accepted"); err != nil {
		return fmt.Errorf("resume job: %w", err)
	}
	runCtx, cancel := context.WithCancel(s.root)
	if !s.adopt(jobID, r, cancel) {
		// The watchdog or shutdown ended the job after the transition.
		current, err := s.deps.Registry.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		return &export.StateError{JobID: jobID, Have: current.Status}
	}

	s.emit(jobID, progress.Event{Stage: progress.StageJobResumed})
	s.logger.Info("job resumed", zap.String("job_id", jobID))

	remote := session.Remote()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.crawl(runCtx, jobID, remote)
	}()
	return nil
}

// adopt attaches the crawl's cancel func to r while r is still the job's live
// run. When the job already finished it cancels at once and reports false.
func (s *Scheduler) adopt(jobID string, r *run, cancel context.CancelFunc) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runs[jobID] != r {
		cancel()
		return false
	}
	r.auth = nil
	r.cancel = cancel
	return true
}
