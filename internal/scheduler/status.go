package scheduler

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"time"

	"github.com/JakeFAU/starred-export/internal/export"
)

// StatusView is the externally visible state of a job. ETA and queue
// position are computed at read time.
type StatusView struct {
	JobID          string           `json:"job_id"`
	Status         export.JobStatus `json:"status"`
	Progress       float64          `json:"progress"`
	ETASeconds     *float64         `json:"eta_seconds"`
	QueuePosition  *int             `json:"queue_position"`
	Message        string           `json:"message"`
	DownloadURL    *string          `json:"download_url"`
	TotalItems     int              `json:"total_items"`
	CreatedAt      time.Time        `json:"created_at"`
	StartedAt      *time.Time       `json:"started_at"`
	CompletedAt    *time.Time       `json:"completed_at"`
	Error          *string          `json:"error"`
	ArtifactURI    string           `json:"artifact_uri,omitempty"`
	ArtifactSHA256 string           `json:"artifact_sha256,omitempty"`
}

// QueueSummary reports scheduler load.
type QueueSummary struct {
	Active        int `json:"active"`
	Queued        int `json:"queued"`
	MaxConcurrent int `json:"max_concurrent"`
}

// Status returns the view of one job.
func (s *Scheduler) Status(ctx context.Context, jobID string) (StatusView, error) {
	job, err := s.deps.Registry.GetJob(ctx, jobID)
	if err != nil {
		return StatusView{}, err
	}
	return s.view(job, s.deps.Clock.Now()), nil
}

// List returns views of every job ordered by creation time.
func (s *Scheduler) List(ctx context.Context) []StatusView {
	now := s.deps.Clock.Now()
	jobs := s.deps.Registry.ListJobs(ctx)
	out := make([]StatusView, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, s.view(job, now))
	}
	return out
}

// QueueSummary reports the active count, the queue length and the cap.
func (s *Scheduler) QueueSummary() QueueSummary {
	return QueueSummary{
		Active:        s.deps.Registry.CountActive(),
		Queued:        s.deps.Queue.Len(),
		MaxConcurrent: s.cfg.MaxConcurrentJobs,
	}
}

// Artifact returns the local archive path of a completed job.
func (s *Scheduler) Artifact(ctx context.Context, jobID string) (string, error) {
	job, err := s.deps.Registry.GetJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	if job.Status != export.JobStatusCompleted {
		return "", &export.StateError{JobID: jobID, Have: job.Status, Want: export.JobStatusCompleted}
	}
	if job.ArtifactPath == "" {
		return "", &export.NotFoundError{Kind: "artifact", ID: jobID}
	}
	if _, err := os.Stat(job.ArtifactPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", &export.NotFoundError{Kind: "artifact", ID: jobID}
		}
		return "", err
	}
	return job.ArtifactPath, nil
}

func (s *Scheduler) view(job export.Job, now time.Time) StatusView {
	v := StatusView{
		JobID:          job.ID,
		Status:         job.Status,
		Progress:       job.Progress,
		Message:        job.Message,
		TotalItems:     job.TotalItems,
		CreatedAt:      job.CreatedAt,
		StartedAt:      job.StartedAt,
		CompletedAt:    job.CompletedAt,
		ArtifactURI:    job.ArtifactURI,
		ArtifactSHA256: job.ArtifactSHA256,
	}
	if job.Error != "" {
		errText := job.Error
		v.Error = &errText
	}
	if job.Status == export.JobStatusCompleted {
		url := "/v1/jobs/" + job.ID + "/download"
		v.DownloadURL = &url
	}
	if job.Status == export.JobStatusPending {
		if pos := s.deps.Queue.Position(job.ID); pos > 0 {
			v.QueuePosition = &pos
		}
	}
	v.ETASeconds = s.eta(job, v.QueuePosition, now)
	return v
}

// eta estimates the seconds remaining. Queued jobs use the average job
// duration per position ahead; crawling jobs extrapolate from progress.
func (s *Scheduler) eta(job export.Job, position *int, now time.Time) *float64 {
	switch {
	case job.Status == export.JobStatusPending && position != nil:
		secs := float64(*position) * s.cfg.AverageJobDuration.Seconds()
		return &secs
	case job.Status == export.JobStatusCrawling && job.Progress > 0 && job.StartedAt != nil:
		elapsed := now.Sub(*job.StartedAt).Seconds()
		secs := max(elapsed/(job.Progress/100)-elapsed, 0)
		return &secs
	default:
		return nil
	}
}
