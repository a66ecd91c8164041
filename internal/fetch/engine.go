package fetch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/JakeFAU/starred-export/internal/dedup"
	"github.com/JakeFAU/starred-export/internal/export"
	"github.com/JakeFAU/starred-export/internal/metrics"
	"github.com/JakeFAU/starred-export/internal/progress"
)

// DefaultWorkers bounds the per-job worker pool when Config.Workers is unset.
const DefaultWorkers = 10

// Config controls Engine behavior.
type Config struct {
	Workers int
}

// ProgressFunc receives the running completion count after each item settles.
// Calls are serialized and done is strictly increasing.
type ProgressFunc func(done, total int, percent float64, message string)

// Engine fetches items, their comments and attachments for one job at a time.
// A single Engine is shared by all jobs so attachment downloads collapse
// across them.
type Engine struct {
	limiter   export.Limiter
	cache     export.AttachmentCache
	emitter   progress.Emitter
	clock     export.Clock
	cfg       Config
	logger    *zap.Logger
	downloads singleflight.Group
}

// New constructs an Engine.
func New(
	limiter export.Limiter,
	cache export.AttachmentCache,
	emitter progress.Emitter,
	clock export.Clock,
	cfg Config,
	logger *zap.Logger,
) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if emitter == nil {
		emitter = progress.NopEmitter{}
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	return &Engine{
		limiter: limiter,
		cache:   cache,
		emitter: emitter,
		clock:   clock,
		cfg:     cfg,
		logger:  logger,
	}
}

// itemOutcome is what one worker reports back for an item.
type itemOutcome struct {
	result export.ItemResult
	status progress.ItemResult
	bytes  int64
}

// Run fetches every distinct id and returns one result per id in first-seen
// order. It never fails: items that cannot be fetched come back as
// placeholders. Cancelling ctx makes the remaining items fail fast.
func (e *Engine) Run(
	ctx context.Context,
	jobID string,
	session export.Session,
	ids []int64,
	onProgress ProgressFunc,
) []export.ItemResult {
	ids = Dedupe(ids)
	total := len(ids)
	results := make([]export.ItemResult, total)
	if total == 0 {
		return results
	}
	logger := e.logger.With(zap.String("job_id", jobID))
	jobBytes, hasJobID := progress.JobIDBytes(jobID)

	var g errgroup.Group
	g.SetLimit(min(e.cfg.Workers, total))

	var (
		mu   sync.Mutex
		done int
	)
	for i, id := range ids {
		g.Go(func() error {
			start := e.now()
			out := e.fetchItem(ctx, logger, session, id)
			results[i] = out.result

			metrics.ObserveItem(string(out.status))
			if hasJobID {
				e.emitter.Emit(progress.Event{
					JobID:  jobBytes,
					TS:     e.now(),
					Stage:  progress.StageItemDone,
					ItemID: id,
					Result: out.status,
					Bytes:  out.bytes,
					Dur:    e.now().Sub(start),
				})
			}

			mu.Lock()
			defer mu.Unlock()
			done++
			if onProgress != nil {
				percent := float64(done) / float64(total) * 100
				onProgress(done, total, percent, fmt.Sprintf("%d/%d completed", done, total))
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// fetchItem never returns an error; failures are folded into placeholders.
func (e *Engine) fetchItem(
	ctx context.Context,
	logger *zap.Logger,
	session export.Session,
	id int64,
) (out itemOutcome) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("item fetch panicked", zap.Int64("item_id", id), zap.Any("panic", r))
			out = itemOutcome{result: export.FailedPlaceholder(id), status: progress.ItemFailed}
		}
	}()

	res, n, err := e.fetch(ctx, logger, session, id)
	switch {
	case err == nil:
		return itemOutcome{result: res, status: progress.ItemOK, bytes: n}
	case errors.Is(err, export.ErrItemNotFound):
		logger.Debug("item not found", zap.Int64("item_id", id))
		return itemOutcome{result: export.NotFoundPlaceholder(id), status: progress.ItemNotFound}
	default:
		logger.Warn("item fetch failed", zap.Int64("item_id", id), zap.Error(err))
		return itemOutcome{result: export.FailedPlaceholder(id), status: progress.ItemFailed, bytes: n}
	}
}

func (e *Engine) fetch(
	ctx context.Context,
	logger *zap.Logger,
	session export.Session,
	id int64,
) (export.ItemResult, int64, error) {
	if err := e.limiter.Acquire(ctx); err != nil {
		return export.ItemResult{}, 0, &export.ItemFetchError{ItemID: id, Err: err}
	}
	item, err := session.FetchItem(ctx, id)
	if err != nil {
		if errors.Is(err, export.ErrItemNotFound) {
			return export.ItemResult{}, 0, err
		}
		return export.ItemResult{}, 0, &export.ItemFetchError{ItemID: id, Err: err}
	}
	if item.PID == 0 {
		item.PID = id
	}

	var downloaded int64
	if item.Type == export.ItemTypeImage {
		key := dedup.Key(id, item.URL)
		n, err := e.ensureAttachment(ctx, session, id, key)
		if err != nil {
			if ctx.Err() != nil {
				return export.ItemResult{}, 0, &export.ItemFetchError{ItemID: id, Err: err}
			}
			logger.Warn("attachment download failed", zap.Int64("item_id", id), zap.String("key", key), zap.Error(err))
		}
		downloaded = n
		if e.cache.Has(key) {
			item.ImageFilename = key
		}
	}

	comments, err := e.fetchComments(ctx, session, id)
	if err != nil {
		return export.ItemResult{}, downloaded, &export.ItemFetchError{ItemID: id, Err: err}
	}
	return export.ItemResult{Item: item, Comments: comments}, downloaded, nil
}

// ensureAttachment downloads the attachment unless the cache already holds
// key. Concurrent callers for the same key share one download; only the
// caller that performed it sees a non-zero byte count. A caller whose shared
// download was canceled by another job retries under its own ctx.
func (e *Engine) ensureAttachment(ctx context.Context, session export.Session, id int64, key string) (int64, error) {
	if e.cache.Has(key) {
		metrics.ObserveAttachment("cache")
		return 0, nil
	}
	for {
		ran := false
		ch := e.downloads.DoChan(key, func() (any, error) {
			ran = true
			if e.cache.Has(key) {
				return int64(0), nil
			}
			if err := e.limiter.Acquire(ctx); err != nil {
				return int64(0), err
			}
			data, err := session.FetchAttachment(ctx, id)
			if err != nil {
				return int64(0), fmt.Errorf("download attachment: %w", err)
			}
			if err := e.cache.Put(key, data); err != nil {
				return int64(0), fmt.Errorf("cache attachment: %w", err)
			}
			return int64(len(data)), nil
		})
		var res singleflight.Result
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case res = <-ch:
		}
		if res.Err != nil {
			if !ran && ctx.Err() == nil && isCanceled(res.Err) {
				continue
			}
			return 0, res.Err
		}
		n, _ := res.Val.(int64)
		if !ran || n == 0 {
			metrics.ObserveAttachment("cache")
			return 0, nil
		}
		metrics.ObserveAttachment("download")
		return n, nil
	}
}

func isCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// fetchComments walks pages 1..lastPage in order.
func (e *Engine) fetchComments(ctx context.Context, session export.Session, id int64) ([]export.Comment, error) {
	comments := []export.Comment{}
	lastPage := 1
	for page := 1; page <= lastPage; page++ {
		if err := e.limiter.Acquire(ctx); err != nil {
			return nil, err
		}
		cp, err := session.FetchComments(ctx, id, page)
		if err != nil {
			return nil, fmt.Errorf("comments page %d: %w", page, err)
		}
		comments = append(comments, cp.Comments...)
		if page == 1 {
			lastPage = cp.LastPage
		}
	}
	return comments, nil
}

func (e *Engine) now() time.Time {
	if e.clock == nil {
		return time.Now().UTC()
	}
	return e.clock.Now()
}

// Dedupe drops repeated ids, keeping the first occurrence of each.
func Dedupe(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
