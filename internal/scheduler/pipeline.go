package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/starred-export/internal/auth"
	"github.com/JakeFAU/starred-export/internal/export"
	"github.com/JakeFAU/starred-export/internal/fetch"
	"github.com/JakeFAU/starred-export/internal/metrics"
	"github.com/JakeFAU/starred-export/internal/progress"
)

const notifyTimeout = 10 * time.Second

// authenticate runs the login protocol. On success the same goroutine
// continues into the crawl; when a code is required the job is parked and
// the goroutine exits.
func (s *Scheduler) authenticate(ctx context.Context, jobID string, r *run, creds export.Credentials) {
	logger := s.logger.With(zap.String("job_id", jobID))
	session := auth.New(jobID, s.deps.Sessions.NewSession(), s.logger)

	res, err := session.Begin(ctx, creds)
	s.mu.Lock()
	r.creds = export.Credentials{}
	s.mu.Unlock()
	if err != nil {
		s.fail(ctx, jobID, fmt.Sprintf("authentication failed: %v", err))
		return
	}

	switch res.Outcome {
	case export.AccessOK:
		if _, err := s.deps.Registry.Transition(ctx, jobID, export.JobStatusCrawling, "access granted"); err != nil {
			logger.Warn("enter crawling", zap.Error(err))
			return
		}
		s.crawl(ctx, jobID, session.Remote())
	case export.AccessVerificationRequired:
		s.mu.Lock()
		r.auth = session
		if r.cancel != nil {
			r.cancel()
			r.cancel = nil
		}
		s.mu.Unlock()
		msg := fmt.Sprintf("waiting for %s verification code", res.Kind)
		if _, err := s.deps.Registry.Transition(
			ctx, jobID, export.JobStatusAwaitingVerification, msg,
		); err != nil {
			logger.Warn("enter awaiting_verification", zap.Error(err))
			return
		}
		s.emit(jobID, progress.Event{Stage: progress.StageJobPaused, Note: string(res.Kind)})
		logger.Info("job paused for verification", zap.String("kind", string(res.Kind)))
	default:
		s.fail(ctx, jobID, "authentication failed: "+res.Reason)
	}
}

// crawl enumerates the starred list, fetches every item and assembles the
// archive. Any stage error fails the job.
func (s *Scheduler) crawl(ctx context.Context, jobID string, remote export.Session) {
	logger := s.logger.With(zap.String("job_id", jobID))
	s.setProgress(ctx, jobID, 5, "collecting starred list")

	ids, err := fetch.Enumerate(ctx, s.deps.Limiter, remote, logger)
	if err != nil {
		s.fail(ctx, jobID, fmt.Sprintf("enumerate failed: %v", err))
		return
	}
	total := len(ids)
	_ = s.deps.Registry.UpdateJob(ctx, jobID, func(j *export.Job) {
		j.TotalItems = total
		j.Progress = 10
		j.Message = fmt.Sprintf("starred list collected, %d items", total)
	})
	s.emit(jobID, progress.Event{Stage: progress.StageJobEnumerated, Items: total})
	logger.Info("starred list collected", zap.Int("items", total))

	results := s.deps.Fetcher.Run(ctx, jobID, remote, ids, func(_, _ int, percent float64, msg string) {
		s.setProgress(ctx, jobID, percent, msg)
	})
	if total == 0 {
		s.setProgress(ctx, jobID, 100, "no starred items")
	}
	if err := ctx.Err(); err != nil {
		s.fail(ctx, jobID, fmt.Sprintf("fetch failed: %v", err))
		return
	}

	job, err := s.deps.Registry.GetJob(ctx, jobID)
	if err != nil {
		logger.Error("load job for assembly", zap.Error(err))
		return
	}
	art, err := s.deps.Assembler.Assemble(ctx, job, results)
	if err != nil {
		s.fail(ctx, jobID, err.Error())
		return
	}

	done, err := s.deps.Registry.Transition(ctx, jobID, export.JobStatusCompleted, "export completed",
		func(j *export.Job) {
			j.Progress = 100
			j.ArtifactPath = art.Path
			j.ArtifactURI = art.URI
			j.ArtifactSHA256 = art.SHA256
		})
	if err != nil {
		logger.Warn("complete job", zap.Error(err))
		s.finish(jobID)
		return
	}
	metrics.ObserveJob(string(export.JobStatusCompleted))
	s.emit(jobID, progress.Event{Stage: progress.StageJobDone, Dur: elapsed(done), Note: art.SHA256})
	logger.Info("job completed", zap.String("artifact", art.Path), zap.String("sha256", art.SHA256))
	s.notify(ctx, done)
	s.finish(jobID)
}

func (s *Scheduler) setProgress(ctx context.Context, jobID string, percent float64, msg string) {
	_ = s.deps.Registry.UpdateJob(ctx, jobID, func(j *export.Job) {
		j.Progress = percent
		j.Message = msg
	})
}

// fail marks the job failed with msg unless it already reached a terminal
// state. Once the scheduler is stopping every failure reads "shutdown".
func (s *Scheduler) fail(ctx context.Context, jobID, msg string) {
	if s.root.Err() != nil {
		msg = "shutdown"
	}
	job, err := s.deps.Registry.Transition(ctx, jobID, export.JobStatusFailed, msg)
	if err != nil {
		if errors.Is(err, export.ErrTransition) {
			s.logger.Debug("job already terminal", zap.String("job_id", jobID), zap.String("message", msg))
		} else {
			s.logger.Warn("fail job", zap.String("job_id", jobID), zap.Error(err))
		}
		s.finish(jobID)
		return
	}
	metrics.ObserveJob(string(export.JobStatusFailed))
	s.emit(jobID, progress.Event{Stage: progress.StageJobError, Dur: elapsed(job), Note: msg})
	s.logger.Warn("job failed", zap.String("job_id", jobID), zap.String("message", msg))
	s.notify(ctx, job)
	s.finish(jobID)
}

// finish drops the job's private state, cancelling its pipeline, and runs a
// promotion pass for the freed slot.
func (s *Scheduler) finish(jobID string) {
	s.mu.Lock()
	if r, ok := s.runs[jobID]; ok {
		if r.cancel != nil {
			r.cancel()
		}
		r.creds = export.Credentials{}
		r.auth = nil
		delete(s.runs, jobID)
	}
	s.mu.Unlock()
	s.promote()
}

// notice is the payload published for a terminal job.
type notice struct {
	JobID          string           `json:"job_id"`
	Owner          string           `json:"owner"`
	Status         export.JobStatus `json:"status"`
	TotalItems     int              `json:"total_items"`
	Message        string           `json:"message"`
	ArtifactURI    string           `json:"artifact_uri,omitempty"`
	ArtifactSHA256 string           `json:"artifact_sha256,omitempty"`
	CompletedAt    *time.Time       `json:"completed_at,omitempty"`
}

func (s *Scheduler) notify(ctx context.Context, job export.Job) {
	if s.deps.Publisher == nil || s.cfg.NotifyTopic == "" {
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()
	id, err := s.deps.Publisher.Publish(pubCtx, s.cfg.NotifyTopic, notice{
		JobID:          job.ID,
		Owner:          job.Owner,
		Status:         job.Status,
		TotalItems:     job.TotalItems,
		Message:        job.Message,
		ArtifactURI:    job.ArtifactURI,
		ArtifactSHA256: job.ArtifactSHA256,
		CompletedAt:    job.CompletedAt,
	})
	if err != nil {
		s.logger.Warn("publish completion notice", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	s.logger.Debug("completion notice published", zap.String("job_id", job.ID), zap.String("message_id", id))
}

func elapsed(job export.Job) time.Duration {
	if job.StartedAt == nil || job.CompletedAt == nil {
		return 0
	}
	return job.CompletedAt.Sub(*job.StartedAt)
}
