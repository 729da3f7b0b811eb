package storage

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("storage: record not found")

// HistoryRecord is the audit entry written when a download reaches an outcome.
type HistoryRecord struct {
	ID            int64     `json:"id"`
	DownloadID    string    `json:"download_id"`
	Manager       string    `json:"manager"`
	SourceURL     string    `json:"source_url"`
	DirectoryName string    `json:"directory_name,omitempty"`
	FileName      string    `json:"file_name,omitempty"`
	State         string    `json:"state"`
	BytesReceived int64     `json:"bytes_received"`
	Error         string    `json:"error,omitempty"`
	Instance      string    `json:"instance"`
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at"`
}

type HistoryReadRepository interface {
	// ListHistory returns the most recent records first.
	ListHistory(ctx context.Context, limit int) ([]HistoryRecord, error)
	// ExpiredCompletions returns completed records that finished before the cutoff.
	ExpiredCompletions(ctx context.Context, before time.Time) ([]HistoryRecord, error)
}

type HistoryWriteRepository interface {
	RecordOutcome(ctx context.Context, rec HistoryRecord) (int64, error)
	DeleteRecord(ctx context.Context, id int64) error
}

type HistoryRepository interface {
	HistoryReadRepository
	HistoryWriteRepository
}
