package sinks

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/starred-export/internal/progress"
	"github.com/JakeFAU/starred-export/internal/store"
)

func TestStoreSinkPersistsRun(t *testing.T) {
	t.Parallel()

	repo := &fakeRunRepo{}
	sink := NewStoreSink(repo, nil)
	jobUUID := uuid.New()
	jobID := progress.UUIDToBytes(jobUUID)
	now := time.Now().UTC()

	batch := []progress.Event{
		{JobID: jobID, Stage: progress.StageJobStart, TS: now, Owner: "alice"},
		{JobID: jobID, Stage: progress.StageJobPaused, TS: now},
		{JobID: jobID, Stage: progress.StageJobResumed, TS: now},
		{JobID: jobID, Stage: progress.StageJobEnumerated, TS: now, Items: 3},
		{JobID: jobID, Stage: progress.StageItemDone, TS: now.Add(time.Second), ItemID: 1, Result: progress.ItemOK, Bytes: 100},
		{JobID: jobID, Stage: progress.StageItemDone, TS: now.Add(2 * time.Second), ItemID: 2, Result: progress.ItemOK, Bytes: 50},
		{JobID: jobID, Stage: progress.StageItemDone, TS: now.Add(time.Second), ItemID: 3, Result: progress.ItemFailed},
		{JobID: jobID, Stage: progress.StageJobDone, TS: now.Add(3 * time.Second), Note: "deadbeef"},
	}

	require.NoError(t, sink.Consume(context.Background(), batch))

	assert.Equal(t, []string{
		"start", "status:paused", "status:running", "total:3", "items", "complete:success",
	}, repo.calls)
	require.Len(t, repo.deltas, 1)
	assert.Equal(t, store.ItemDelta{OK: 2, Failed: 1, Bytes: 150}, repo.deltas[0])
	assert.Equal(t, now.Add(2*time.Second), repo.deltaAt[0])
	assert.Equal(t, "alice", repo.owner)
	require.NotNil(t, repo.sha)
	assert.Equal(t, "deadbeef", *repo.sha)
	assert.Nil(t, repo.errMsg)
}

func TestStoreSinkFlushesTrailingItems(t *testing.T) {
	t.Parallel()

	repo := &fakeRunRepo{}
	sink := NewStoreSink(repo, nil)
	a := progress.UUIDToBytes(uuid.New())
	b := progress.UUIDToBytes(uuid.New())
	now := time.Now()

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{JobID: a, Stage: progress.StageItemDone, TS: now, ItemID: 1, Result: progress.ItemNotFound},
		{JobID: b, Stage: progress.StageItemDone, TS: now, ItemID: 2, Result: progress.ItemOK},
		{JobID: b, Stage: progress.StageJobError, TS: now, Note: "assemble zip: disk full"},
	}))

	assert.Equal(t, []string{"items", "complete:error", "items"}, repo.calls)
	assert.Equal(t, store.ItemDelta{OK: 1}, repo.deltas[0])
	assert.Equal(t, store.ItemDelta{NotFound: 1}, repo.deltas[1])
	require.NotNil(t, repo.errMsg)
	assert.Equal(t, "assemble zip: disk full", *repo.errMsg)
}

func TestStoreSinkHandlesErrors(t *testing.T) {
	t.Parallel()

	repo := &fakeRunRepo{fail: true}
	sink := NewStoreSink(repo, nil)
	jobID := progress.UUIDToBytes(uuid.New())
	err := sink.Consume(context.Background(), []progress.Event{
		{JobID: jobID, Stage: progress.StageJobStart, TS: time.Now()},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upsert run start")
}

func TestStoreSinkNilRepo(t *testing.T) {
	t.Parallel()

	sink := NewStoreSink(nil, nil)
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{JobID: progress.UUIDToBytes(uuid.New()), Stage: progress.StageJobStart, TS: time.Now()},
	}))
}

type fakeRunRepo struct {
	fail    bool
	calls   []string
	owner   string
	deltas  []store.ItemDelta
	deltaAt []time.Time
	errMsg  *string
	sha     *string
}

var errRepo = errors.New("repo down")

func (f *fakeRunRepo) record(call string) error {
	if f.fail {
		return errRepo
	}
	f.calls = append(f.calls, call)
	return nil
}

func (f *fakeRunRepo) UpsertRunStart(_ context.Context, _ uuid.UUID, owner string, _ time.Time) error {
	f.owner = owner
	return f.record("start")
}

func (f *fakeRunRepo) SetRunStatus(_ context.Context, _ uuid.UUID, status store.RunStatus, _ time.Time) error {
	return f.record("status:" + string(status))
}

func (f *fakeRunRepo) SetRunTotal(_ context.Context, _ uuid.UUID, total int, _ time.Time) error {
	return f.record("total:" + strconv.Itoa(total))
}

func (f *fakeRunRepo) AddItemStats(_ context.Context, _ uuid.UUID, delta store.ItemDelta, at time.Time) error {
	f.deltas = append(f.deltas, delta)
	f.deltaAt = append(f.deltaAt, at)
	return f.record("items")
}

func (f *fakeRunRepo) CompleteRun(
	_ context.Context,
	_ uuid.UUID,
	_ time.Time,
	status store.RunStatus,
	errMsg *string,
	archiveSHA256 *string,
) error {
	f.errMsg = errMsg
	f.sha = archiveSHA256
	return f.record("complete:" + string(status))
}

func (f *fakeRunRepo) GetRun(context.Context, uuid.UUID) (store.JobRun, error) {
	return store.JobRun{}, store.ErrNotFound
}

func (f *fakeRunRepo) ListRuns(context.Context, *store.RunStatus, int, int) ([]store.JobRun, error) {
	return nil, nil
}
