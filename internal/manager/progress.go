package manager

import (
	"context"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/multi_downloader/internal/download"
	"github.com/italolelis/multi_downloader/internal/logctx"
)

// ProgressLogger logs state changes as they happen and progress at most once per
// interval for each download. A zero interval disables progress lines.
func ProgressLogger(ctx context.Context, interval time.Duration) download.UpdateFunc {
	return progressLogger(ctx, interval, time.Now)
}

func progressLogger(ctx context.Context, interval time.Duration, now func() time.Time) download.UpdateFunc {
	logger := logctx.LoggerFromContext(ctx)

	var (
		mu   sync.Mutex
		last = make(map[string]time.Time)
	)

	return func(u download.Update) {
		log := logger.With("manager", u.Manager, "download_id", u.ID)

		switch u.Kind {
		case download.EventProgress:
			if interval <= 0 {
				return
			}

			mu.Lock()
			t := now()
			due := t.Sub(last[u.ID]) >= interval
			if due {
				last[u.ID] = t
			}
			mu.Unlock()

			if !due {
				return
			}

			attrs := []any{"received", humanize.Bytes(uint64(max(u.TotalBytesReceived, 0)))}
			if p := u.Progress(); p >= 0 {
				attrs = append(attrs, "percent", int(p*100))
			}

			log.InfoContext(ctx, "download progress", attrs...)
		case download.EventStarted:
			log.InfoContext(ctx, "download started", "url", u.SourceURL)
		case download.EventStateChanged:
			if u.State.Terminal() || u.State == download.StateFailed {
				mu.Lock()
				delete(last, u.ID)
				mu.Unlock()
			}

			if u.Err != nil {
				log.WarnContext(ctx, "download state changed", "state", u.State, "err", u.Err)

				return
			}

			log.InfoContext(ctx, "download state changed", "state", u.State, "file", u.FileName)
		}
	}
}
