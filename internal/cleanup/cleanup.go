package cleanup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/italolelis/multi_downloader/internal/logctx"
	"github.com/italolelis/multi_downloader/internal/storage"
)

// ErrorRecorder receives failures that should show up on dashboards.
type ErrorRecorder interface {
	RecordSystemError(component, errorType string)
}

// Cleaner deletes completed files once they have been kept long enough and
// prunes their history records.
type Cleaner struct {
	repo     storage.HistoryRepository
	keep     time.Duration
	interval time.Duration
	errs     ErrorRecorder
	now      func() time.Time
}

func New(repo storage.HistoryRepository, keep, interval time.Duration, errs ErrorRecorder) *Cleaner {
	return &Cleaner{
		repo:     repo,
		keep:     keep,
		interval: interval,
		errs:     errs,
		now:      time.Now,
	}
}

// Run sweeps once immediately and then every interval until ctx is done.
func (c *Cleaner) Run(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx).With("component", "cleanup")

	if c.interval <= 0 {
		logger.InfoContext(ctx, "cleanup disabled")

		return nil
	}

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		if n, err := c.Sweep(ctx); err != nil {
			logger.ErrorContext(ctx, "cleanup sweep failed", "removed", n, "err", err)
		} else if n > 0 {
			logger.InfoContext(ctx, "cleanup sweep finished", "removed", n)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep removes every expired file and its record. A file that is already gone
// only has its record pruned. Failures on one file don't stop the rest.
func (c *Cleaner) Sweep(ctx context.Context) (int, error) {
	logger := logctx.LoggerFromContext(ctx)

	expired, err := c.repo.ExpiredCompletions(ctx, c.now().Add(-c.keep))
	if err != nil {
		c.recordError("query")

		return 0, fmt.Errorf("failed to list expired downloads: %w", err)
	}

	var (
		removed int
		errs    []error
	)

	for _, rec := range expired {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())

			break
		}

		filePath := filepath.Join(rec.DirectoryName, rec.FileName)

		if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
			logger.ErrorContext(ctx, "failed to delete expired file", "file", filePath, "err", err)
			c.recordError("remove")
			errs = append(errs, err)

			continue
		}

		if err := c.repo.DeleteRecord(ctx, rec.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			c.recordError("prune")
			errs = append(errs, err)

			continue
		}

		logger.InfoContext(ctx, "deleted expired file", "file", filePath, "download_id", rec.DownloadID)

		removed++
	}

	return removed, errors.Join(errs...)
}

func (c *Cleaner) recordError(kind string) {
	if c.errs != nil {
		c.errs.RecordSystemError("cleanup", kind)
	}
}
