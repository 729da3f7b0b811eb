package storage

import (
	"context"
	"time"

	"github.com/italolelis/multi_downloader/internal/download"
	"github.com/italolelis/multi_downloader/internal/logctx"
)

// HistoryObserver returns an observer that writes one record per outcome:
// completion, cancellation or failure. Other updates are ignored.
func HistoryObserver(ctx context.Context, repo HistoryWriteRepository, instance string) download.UpdateFunc {
	logger := logctx.LoggerFromContext(ctx).With("component", "history")

	return func(u download.Update) {
		if u.Kind != download.EventStateChanged {
			return
		}

		switch u.State {
		case download.StateCompleted, download.StateCancelled, download.StateFailed:
		default:
			return
		}

		rec := RecordFromSnapshot(u.Snapshot, instance, time.Now())
		if _, err := repo.RecordOutcome(ctx, rec); err != nil {
			logger.ErrorContext(ctx, "failed to record download outcome", "download_id", u.ID, "err", err)
		}
	}
}

func RecordFromSnapshot(s download.Snapshot, instance string, finished time.Time) HistoryRecord {
	rec := HistoryRecord{
		DownloadID:    s.ID,
		Manager:       s.Manager,
		SourceURL:     s.SourceURL,
		DirectoryName: s.DirectoryName,
		FileName:      s.FileName,
		State:         s.State.String(),
		BytesReceived: s.TotalBytesReceived,
		Instance:      instance,
		StartedAt:     s.StartDate,
		FinishedAt:    finished,
	}

	if s.Err != nil {
		rec.Error = s.Err.Error()
	}

	return rec
}
