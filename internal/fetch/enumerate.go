package fetch

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/starred-export/internal/export"
)

// Enumerate collects the owner's starred item ids, page 1 first and then
// 2..lastPage. A failure on page 1 is returned; failures on later pages are
// logged and the page is skipped.
func Enumerate(
	ctx context.Context,
	limiter export.Limiter,
	session export.Session,
	logger *zap.Logger,
) ([]int64, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := limiter.Acquire(ctx); err != nil {
		return nil, fmt.Errorf("starred page 1: %w", err)
	}
	first, err := session.ListStarred(ctx, 1)
	if err != nil {
		return nil, fmt.Errorf("starred page 1: %w", err)
	}
	ids := append([]int64(nil), first.IDs...)
	for page := 2; page <= first.LastPage; page++ {
		if err := limiter.Acquire(ctx); err != nil {
			return nil, fmt.Errorf("starred page %d: %w", page, err)
		}
		sp, err := session.ListStarred(ctx, page)
		if err != nil {
			logger.Warn("starred page skipped", zap.Int("page", page), zap.Error(err))
			continue
		}
		ids = append(ids, sp.IDs...)
	}
	return Dedupe(ids), nil
}
