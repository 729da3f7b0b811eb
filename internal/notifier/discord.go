package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/multi_downloader/internal/download"
	"github.com/italolelis/multi_downloader/internal/logctx"
)

var ErrNoWebhook = errors.New("webhook URL is not set")

type Notifier interface {
	Notify(ctx context.Context, content string) error
}

type DiscordNotifier struct {
	WebhookURL string
	Client     *http.Client
}

func (d *DiscordNotifier) Notify(ctx context.Context, content string) error {
	if d.WebhookURL == "" {
		return ErrNoWebhook
	}

	body, err := json.Marshal(map[string]string{"content": content})
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook failed with status %d", resp.StatusCode)
	}

	return nil
}

// Observer announces completed and failed downloads through n. Delivery
// failures are logged and otherwise ignored.
func Observer(ctx context.Context, n Notifier, timeout time.Duration) download.UpdateFunc {
	logger := logctx.LoggerFromContext(ctx).With("component", "notifier")

	return func(u download.Update) {
		if u.Kind != download.EventStateChanged {
			return
		}

		msg, ok := Message(u.Snapshot)
		if !ok {
			return
		}

		nctx := ctx
		if timeout > 0 {
			var cancel context.CancelFunc
			nctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		if err := n.Notify(nctx, msg); err != nil {
			logger.WarnContext(ctx, "failed to send notification", "download_id", u.ID, "err", err)
		}
	}
}

// Message renders the notification text for s, if its state warrants one.
func Message(s download.Snapshot) (string, bool) {
	switch s.State {
	case download.StateCompleted:
		name := s.FileName
		if name == "" {
			name = s.SourceURL
		}

		return fmt.Sprintf("✅ Download finished: %s (%s, %s manager)",
			name, humanize.Bytes(uint64(max(s.TotalBytesReceived, 0))), s.Manager), true
	case download.StateFailed:
		reason := "unknown error"
		if s.Err != nil {
			reason = s.Err.Error()
		}

		return fmt.Sprintf("❌ Download failed: %s (%s manager): %s", s.SourceURL, s.Manager, reason), true
	default:
		return "", false
	}
}
