package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/italolelis/multi_downloader/internal/storage"
)

const historyColumns = `id, download_id, manager, source_url, directory_name, file_name, state,
	bytes_received, error, instance, started_at, finished_at`

// HistoryRepository stores download outcomes in SQLite.
type HistoryRepository struct {
	db *sql.DB
}

func NewHistoryRepository(db *sql.DB) *HistoryRepository {
	return &HistoryRepository{db: db}
}

// RecordOutcome inserts rec and returns its row id.
func (r *HistoryRepository) RecordOutcome(ctx context.Context, rec storage.HistoryRecord) (int64, error) {
	if rec.FinishedAt.IsZero() {
		rec.FinishedAt = time.Now()
	}

	var started sql.NullTime
	if !rec.StartedAt.IsZero() {
		started = sql.NullTime{Time: rec.StartedAt.UTC(), Valid: true}
	}

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO download_history (download_id, manager, source_url, directory_name, file_name, state,
			bytes_received, error, instance, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.DownloadID, rec.Manager, rec.SourceURL, rec.DirectoryName, rec.FileName, rec.State,
		rec.BytesReceived, rec.Error, rec.Instance, started, rec.FinishedAt.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert history record: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read history record id: %w", err)
	}

	return id, nil
}

// ListHistory returns up to limit records, newest first. A non-positive limit
// returns everything.
func (r *HistoryRepository) ListHistory(ctx context.Context, limit int) ([]storage.HistoryRecord, error) {
	if limit <= 0 {
		limit = -1
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+historyColumns+` FROM download_history ORDER BY finished_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	return scanHistory(rows)
}

// ExpiredCompletions returns completed records with a file on disk that
// finished before the cutoff, oldest first.
func (r *HistoryRepository) ExpiredCompletions(ctx context.Context, before time.Time) ([]storage.HistoryRecord, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+historyColumns+` FROM download_history
		WHERE state = 'completed' AND file_name != '' AND finished_at < ?
		ORDER BY finished_at ASC, id ASC`, before.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query expired history: %w", err)
	}
	defer rows.Close()

	return scanHistory(rows)
}

func (r *HistoryRepository) DeleteRecord(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM download_history WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete history record: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete history record: %w", err)
	}

	if n == 0 {
		return storage.ErrNotFound
	}

	return nil
}

func scanHistory(rows *sql.Rows) ([]storage.HistoryRecord, error) {
	var records []storage.HistoryRecord

	for rows.Next() {
		var (
			rec     storage.HistoryRecord
			started sql.NullTime
		)

		if err := rows.Scan(&rec.ID, &rec.DownloadID, &rec.Manager, &rec.SourceURL, &rec.DirectoryName,
			&rec.FileName, &rec.State, &rec.BytesReceived, &rec.Error, &rec.Instance, &started, &rec.FinishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan history record: %w", err)
		}

		if started.Valid {
			rec.StartedAt = started.Time
		}

		records = append(records, rec)
	}

	if err := rows.Err(); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to iterate history: %w", err)
	}

	return records, nil
}
