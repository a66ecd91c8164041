// Package postgres provides the Postgres-backed run history.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/starred-export/internal/store"
)

//go:embed schema.sql
var schemaSQL string

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// pool is the subset of pgxpool.Pool the store needs; pgxmock satisfies it.
type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// RunStore implements store.RunRepository using Postgres.
type RunStore struct {
	pool pool
}

// NewRunStore connects to Postgres using cfg.
func NewRunStore(ctx context.Context, cfg Config) (*RunStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &RunStore{pool: p}, nil
}

// NewRunStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewRunStoreWithPool(p pool) (*RunStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &RunStore{pool: p}, nil
}

// Close closes the underlying connection pool.
func (s *RunStore) Close() {
	s.pool.Close()
}

// Ping checks connectivity for readiness probes.
func (s *RunStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// EnsureSchema creates the export_runs table if it is missing.
func (s *RunStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// UpsertRunStart inserts a run row or marks an existing one running.
func (s *RunStore) UpsertRunStart(ctx context.Context, jobID uuid.UUID, owner string, startedAt time.Time) error {
	query := `
		INSERT INTO export_runs (job_id, owner, started_at, status, updated_at)
		VALUES ($1, $2, $3, $4, $3)
		ON CONFLICT (job_id) DO UPDATE
		SET status = EXCLUDED.status, updated_at = EXCLUDED.updated_at
		WHERE export_runs.finished_at IS NULL;
	`
	if _, err := s.pool.Exec(ctx, query, jobID, owner, startedAt, store.RunRunning); err != nil {
		return fmt.Errorf("failed to upsert run start: %w", err)
	}
	return nil
}

// SetRunStatus updates the status of an unfinished run.
func (s *RunStore) SetRunStatus(ctx context.Context, jobID uuid.UUID, status store.RunStatus, at time.Time) error {
	query := `
		UPDATE export_runs
		SET status = $1, updated_at = $2
		WHERE job_id = $3 AND finished_at IS NULL;
	`
	if _, err := s.pool.Exec(ctx, query, status, at, jobID); err != nil {
		return fmt.Errorf("failed to set run status: %w", err)
	}
	return nil
}

// SetRunTotal records the enumerated item count.
func (s *RunStore) SetRunTotal(ctx context.Context, jobID uuid.UUID, total int, at time.Time) error {
	query := `
		UPDATE export_runs
		SET total_items = $1, updated_at = $2
		WHERE job_id = $3;
	`
	if _, err := s.pool.Exec(ctx, query, total, at, jobID); err != nil {
		return fmt.Errorf("failed to set run total: %w", err)
	}
	return nil
}

// AddItemStats increments the item counters.
func (s *RunStore) AddItemStats(ctx context.Context, jobID uuid.UUID, delta store.ItemDelta, at time.Time) error {
	if delta.Empty() {
		return nil
	}
	query := `
		UPDATE export_runs
		SET items_ok = items_ok + $1,
			items_not_found = items_not_found + $2,
			items_failed = items_failed + $3,
			bytes_downloaded = bytes_downloaded + $4,
			updated_at = $5
		WHERE job_id = $6;
	`
	res, err := s.pool.Exec(ctx, query, delta.OK, delta.NotFound, delta.Failed, delta.Bytes, at, jobID)
	if err != nil {
		return fmt.Errorf("failed to add item stats: %w", err)
	}
	if res.RowsAffected() == 0 {
		return fmt.Errorf("add item stats for %s: %w", jobID, store.ErrNotFound)
	}
	return nil
}

// CompleteRun marks a run finished with a status, optional error and checksum.
func (s *RunStore) CompleteRun(
	ctx context.Context,
	jobID uuid.UUID,
	finishedAt time.Time,
	status store.RunStatus,
	errMsg *string,
	archiveSHA256 *string,
) error {
	query := `
		UPDATE export_runs
		SET finished_at = $1, status = $2, error_message = $3, archive_sha256 = $4, updated_at = $1
		WHERE job_id = $5;
	`
	if _, err := s.pool.Exec(ctx, query, finishedAt, status, errMsg, archiveSHA256, jobID); err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}
	return nil
}

const runColumns = `job_id, owner, started_at, finished_at, status, total_items,
	items_ok, items_not_found, items_failed, bytes_downloaded,
	archive_sha256, error_message, updated_at`

func scanRun(row pgx.Row) (store.JobRun, error) {
	var run store.JobRun
	err := row.Scan(
		&run.JobID,
		&run.Owner,
		&run.StartedAt,
		&run.FinishedAt,
		&run.Status,
		&run.TotalItems,
		&run.ItemsOK,
		&run.ItemsNotFound,
		&run.ItemsFailed,
		&run.BytesDownloaded,
		&run.ArchiveSHA256,
		&run.ErrorMessage,
		&run.UpdatedAt,
	)
	return run, err
}

// GetRun retrieves a single run by job id.
func (s *RunStore) GetRun(ctx context.Context, jobID uuid.UUID) (store.JobRun, error) {
	query := `SELECT ` + runColumns + ` FROM export_runs WHERE job_id = $1;`
	run, err := scanRun(s.pool.QueryRow(ctx, query, jobID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.JobRun{}, store.ErrNotFound
		}
		return store.JobRun{}, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns retrieves runs, newest first, with optional status filtering.
func (s *RunStore) ListRuns(
	ctx context.Context,
	status *store.RunStatus,
	limit,
	offset int,
) ([]store.JobRun, error) {
	query := `SELECT ` + runColumns + `
		FROM export_runs
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3;`
	var statusArg *string
	if status != nil {
		s := string(*status)
		statusArg = &s
	}
	rows, err := s.pool.Query(ctx, query, statusArg, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []store.JobRun{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}
