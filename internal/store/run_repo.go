package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("run record not found")

// RunStatus mirrors the export_runs status column.
type RunStatus string

// Run statuses persisted in export_runs.status.
const (
	RunRunning RunStatus = "running"
	RunPaused  RunStatus = "paused"
	RunSuccess RunStatus = "success"
	RunError   RunStatus = "error"
)

// Valid reports whether s is a known status.
func (s RunStatus) Valid() bool {
	switch s {
	case RunRunning, RunPaused, RunSuccess, RunError:
		return true
	default:
		return false
	}
}

// JobRun models one export_runs row.
type JobRun struct {
	JobID      uuid.UUID  `json:"job_id"`
	Owner      string     `json:"owner"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Status     RunStatus  `json:"status"`
	// TotalItems is the starred list size once enumeration finished.
	TotalItems int `json:"total_items"`
	// Item counters accumulate as the fetch engine settles items.
	ItemsOK       int64 `json:"items_ok"`
	ItemsNotFound int64 `json:"items_not_found"`
	ItemsFailed   int64 `json:"items_failed"`
	// BytesDownloaded counts attachment bytes fetched from the remote.
	BytesDownloaded int64      `json:"bytes_downloaded"`
	ArchiveSHA256   *string    `json:"archive_sha256,omitempty"`
	ErrorMessage    *string    `json:"error_message,omitempty"`
	UpdatedAt       *time.Time `json:"updated_at,omitempty"`
}

// ItemDelta is a batch of item counter increments.
type ItemDelta struct {
	OK       int64
	NotFound int64
	Failed   int64
	Bytes    int64
}

// Empty reports whether applying d would change nothing.
func (d ItemDelta) Empty() bool {
	return d == ItemDelta{}
}

// RunRepository persists the history of export runs.
type RunRepository interface {
	// UpsertRunStart inserts the run or marks an existing one running again.
	UpsertRunStart(ctx context.Context, jobID uuid.UUID, owner string, startedAt time.Time) error
	// SetRunStatus records a non-terminal status change such as a pause.
	SetRunStatus(ctx context.Context, jobID uuid.UUID, status RunStatus, at time.Time) error
	// SetRunTotal records the enumerated item count.
	SetRunTotal(ctx context.Context, jobID uuid.UUID, total int, at time.Time) error
	// AddItemStats applies counter deltas.
	AddItemStats(ctx context.Context, jobID uuid.UUID, delta ItemDelta, at time.Time) error
	// CompleteRun marks the run finished.
	CompleteRun(
		ctx context.Context,
		jobID uuid.UUID,
		finishedAt time.Time,
		status RunStatus,
		errMsg *string,
		archiveSHA256 *string,
	) error

	// GetRun loads a single run or returns ErrNotFound.
	GetRun(ctx context.Context, jobID uuid.UUID) (JobRun, error)
	// ListRuns returns runs filtered by optional status plus limit/offset,
	// newest first.
	ListRuns(ctx context.Context, status *RunStatus, limit, offset int) ([]JobRun, error)
}
