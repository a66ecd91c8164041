package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/starred-export/internal/store"
)

var runCols = []string{
	"job_id", "owner", "started_at", "finished_at", "status", "total_items",
	"items_ok", "items_not_found", "items_failed", "bytes_downloaded",
	"archive_sha256", "error_message", "updated_at",
}

func newMockStore(t *testing.T) (*RunStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	s, err := NewRunStoreWithPool(mock)
	require.NoError(t, err)
	return s, mock
}

func TestNewRunStoreRequiresDSN(t *testing.T) {
	t.Parallel()

	_, err := NewRunStore(context.Background(), Config{})
	require.Error(t, err)
	_, err = NewRunStoreWithPool(nil)
	require.Error(t, err)
}

func TestEnsureSchema(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS export_runs").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunLifecycleWrites(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	ctx := context.Background()
	jobID := uuid.New()
	start := time.Unix(1700000000, 0).UTC()
	end := start.Add(time.Minute)
	sum := "abc123"

	mock.ExpectExec("INSERT INTO export_runs").
		WithArgs(jobID, "alice", start, store.RunRunning).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`UPDATE export_runs\s+SET status`).
		WithArgs(store.RunPaused, start, jobID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE export_runs\s+SET total_items`).
		WithArgs(3, start, jobID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE export_runs\s+SET items_ok`).
		WithArgs(int64(2), int64(1), int64(0), int64(512), end, jobID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE export_runs\s+SET finished_at`).
		WithArgs(end, store.RunSuccess, (*string)(nil), &sum, jobID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, s.UpsertRunStart(ctx, jobID, "alice", start))
	require.NoError(t, s.SetRunStatus(ctx, jobID, store.RunPaused, start))
	require.NoError(t, s.SetRunTotal(ctx, jobID, 3, start))
	require.NoError(t, s.AddItemStats(ctx, jobID, store.ItemDelta{OK: 2, NotFound: 1, Bytes: 512}, end))
	require.NoError(t, s.AddItemStats(ctx, jobID, store.ItemDelta{}, end), "empty delta is a no-op")
	require.NoError(t, s.CompleteRun(ctx, jobID, end, store.RunSuccess, nil, &sum))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAddItemStatsUnknownRun(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	jobID := uuid.New()
	at := time.Unix(1700000000, 0).UTC()
	mock.ExpectExec(`UPDATE export_runs\s+SET items_ok`).
		WithArgs(int64(0), int64(0), int64(1), int64(0), at, jobID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.AddItemStats(context.Background(), jobID, store.ItemDelta{Failed: 1}, at)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestGetRun(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	jobID := uuid.New()
	start := time.Unix(1700000000, 0).UTC()
	finished := start.Add(time.Minute)
	msg := "fetch failed: boom"

	mock.ExpectQuery("SELECT .* FROM export_runs WHERE job_id").
		WithArgs(jobID).
		WillReturnRows(pgxmock.NewRows(runCols).AddRow(
			jobID, "alice", start, &finished, store.RunError, 4,
			int64(3), int64(0), int64(1), int64(100),
			nil, &msg, &finished,
		))

	run, err := s.GetRun(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, jobID, run.JobID)
	assert.Equal(t, store.RunError, run.Status)
	assert.Equal(t, 4, run.TotalItems)
	assert.Equal(t, int64(1), run.ItemsFailed)
	require.NotNil(t, run.ErrorMessage)
	assert.Equal(t, msg, *run.ErrorMessage)
	assert.Nil(t, run.ArchiveSHA256)
}

func TestGetRunNotFound(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	jobID := uuid.New()
	mock.ExpectQuery("SELECT .* FROM export_runs WHERE job_id").
		WithArgs(jobID).
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetRun(context.Background(), jobID)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestListRuns(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	start := time.Unix(1700000000, 0).UTC()
	status := store.RunSuccess
	statusText := "success"

	mock.ExpectQuery("SELECT .* FROM export_runs").
		WithArgs(&statusText, 10, 5).
		WillReturnRows(pgxmock.NewRows(runCols).
			AddRow(uuid.New(), "alice", start, nil, store.RunSuccess, 1, int64(1), int64(0), int64(0), int64(0), nil, nil, nil).
			AddRow(uuid.New(), "bob", start, nil, store.RunSuccess, 2, int64(2), int64(0), int64(0), int64(0), nil, nil, nil))

	runs, err := s.ListRuns(context.Background(), &status, 10, 5)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "bob", runs[1].Owner)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListRunsQueryError(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	mock.ExpectQuery("SELECT .* FROM export_runs").
		WithArgs((*string)(nil), 20, 0).
		WillReturnError(errors.New("connection reset"))

	_, err := s.ListRuns(context.Background(), nil, 20, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to list runs")
}
