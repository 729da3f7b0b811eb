package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/italolelis/multi_downloader/internal/storage"
	"github.com/italolelis/multi_downloader/internal/telemetry"
)

var _ storage.HistoryRepository = (*InstrumentedHistoryRepository)(nil)

// InstrumentedHistoryRepository wraps HistoryRepository with telemetry.
type InstrumentedHistoryRepository struct {
	repo      *HistoryRepository
	telemetry *telemetry.Telemetry
}

func NewInstrumentedHistoryRepository(db *sql.DB, tel *telemetry.Telemetry) *InstrumentedHistoryRepository {
	return &InstrumentedHistoryRepository{
		repo:      NewHistoryRepository(db),
		telemetry: tel,
	}
}

func (r *InstrumentedHistoryRepository) RecordOutcome(ctx context.Context, rec storage.HistoryRecord) (int64, error) {
	var id int64

	err := r.telemetry.InstrumentDBOperation(ctx, "record_outcome", func(ctx context.Context) error {
		var err error
		id, err = r.repo.RecordOutcome(ctx, rec)

		return err
	})

	return id, err
}

func (r *InstrumentedHistoryRepository) ListHistory(ctx context.Context, limit int) ([]storage.HistoryRecord, error) {
	var result []storage.HistoryRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "list_history", func(ctx context.Context) error {
		var err error
		result, err = r.repo.ListHistory(ctx, limit)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

func (r *InstrumentedHistoryRepository) ExpiredCompletions(ctx context.Context, before time.Time) ([]storage.HistoryRecord, error) {
	var result []storage.HistoryRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "expired_completions", func(ctx context.Context) error {
		var err error
		result, err = r.repo.ExpiredCompletions(ctx, before)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

func (r *InstrumentedHistoryRepository) DeleteRecord(ctx context.Context, id int64) error {
	return r.telemetry.InstrumentDBOperation(ctx, "delete_record", func(ctx context.Context) error {
		return r.repo.DeleteRecord(ctx, id)
	})
}
