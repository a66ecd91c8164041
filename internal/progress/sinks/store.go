package sinks

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/starred-export/internal/progress"
	"github.com/JakeFAU/starred-export/internal/store"
)

// StoreSink persists run history via a store.RunRepository. Item events are
// collapsed per job so one batch issues at most one counter update per run.
type StoreSink struct {
	repo   store.RunRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.RunRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

type pendingDelta struct {
	delta store.ItemDelta
	at    time.Time
}

// Consume applies the batch in order. Pending item counters for a job are
// flushed before that job's terminal event so the final row is complete.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	pending := make(map[uuid.UUID]*pendingDelta)
	var order []uuid.UUID

	for _, evt := range batch {
		jobID := evt.JobUUID()
		switch evt.Stage {
		case progress.StageJobStart:
			if err := s.repo.UpsertRunStart(ctx, jobID, evt.Owner, evt.TS); err != nil {
				return fmt.Errorf("upsert run start: %w", err)
			}
		case progress.StageJobPaused:
			if err := s.repo.SetRunStatus(ctx, jobID, store.RunPaused, evt.TS); err != nil {
				return fmt.Errorf("set run paused: %w", err)
			}
		case progress.StageJobResumed:
			if err := s.repo.SetRunStatus(ctx, jobID, store.RunRunning, evt.TS); err != nil {
				return fmt.Errorf("set run running: %w", err)
			}
		case progress.StageJobEnumerated:
			if err := s.repo.SetRunTotal(ctx, jobID, evt.Items, evt.TS); err != nil {
				return fmt.Errorf("set run total: %w", err)
			}
		case progress.StageItemDone:
			p := pending[jobID]
			if p == nil {
				p = &pendingDelta{}
				pending[jobID] = p
				order = append(order, jobID)
			}
			accumulate(p, evt)
		case progress.StageJobDone, progress.StageJobError:
			if err := s.flush(ctx, jobID, pending); err != nil {
				return err
			}
			if err := s.complete(ctx, jobID, evt); err != nil {
				return err
			}
		}
	}

	for _, jobID := range order {
		if err := s.flush(ctx, jobID, pending); err != nil {
			return err
		}
	}
	return nil
}

func accumulate(p *pendingDelta, evt progress.Event) {
	switch evt.Result {
	case progress.ItemOK:
		p.delta.OK++
	case progress.ItemNotFound:
		p.delta.NotFound++
	case progress.ItemFailed:
		p.delta.Failed++
	}
	p.delta.Bytes += evt.Bytes
	if evt.TS.After(p.at) {
		p.at = evt.TS
	}
}

func (s *StoreSink) flush(ctx context.Context, jobID uuid.UUID, pending map[uuid.UUID]*pendingDelta) error {
	p, ok := pending[jobID]
	if !ok || p.delta.Empty() {
		return nil
	}
	if err := s.repo.AddItemStats(ctx, jobID, p.delta, p.at); err != nil {
		return fmt.Errorf("add item stats: %w", err)
	}
	p.delta = store.ItemDelta{}
	return nil
}

func (s *StoreSink) complete(ctx context.Context, jobID uuid.UUID, evt progress.Event) error {
	var note *string
	if evt.Note != "" {
		note = &evt.Note
	}
	var err error
	if evt.Stage == progress.StageJobDone {
		err = s.repo.CompleteRun(ctx, jobID, evt.TS, store.RunSuccess, nil, note)
	} else {
		err = s.repo.CompleteRun(ctx, jobID, evt.TS, store.RunError, note, nil)
	}
	if err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
