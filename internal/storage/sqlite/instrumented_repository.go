package sqlite

import (
	"context"
	"database/sql"

	"github.com/italolelis/sftp_sync/internal/storage"
	"github.com/italolelis/sftp_sync/internal/telemetry"
)

// InstrumentedProgressRepository wraps ProgressRepository with telemetry.
type InstrumentedProgressRepository struct {
	repo      *ProgressRepository
	telemetry *telemetry.Telemetry
}

// NewInstrumentedProgressRepository creates a new instrumented progress repository.
func NewInstrumentedProgressRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedProgressRepository {
	return &InstrumentedProgressRepository{
		repo:      NewProgressRepository(dbConn),
		telemetry: tel,
	}
}

// Load retrieves every record of a direction with telemetry.
func (r *InstrumentedProgressRepository) Load(ctx context.Context, direction storage.Direction) (map[string][]string, error) {
	var result map[string][]string

	err := r.telemetry.InstrumentStoreOperation(ctx, "load", func(ctx context.Context) error {
		var err error
		result, err = r.repo.Load(ctx, direction)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// Completed retrieves a single record with telemetry.
func (r *InstrumentedProgressRepository) Completed(ctx context.Context, key storage.Key) ([]string, error) {
	var result []string

	err := r.telemetry.InstrumentStoreOperation(ctx, "completed", func(ctx context.Context) error {
		var err error
		result, err = r.repo.Completed(ctx, key)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// Save replaces a record with telemetry.
func (r *InstrumentedProgressRepository) Save(ctx context.Context, key storage.Key, completed []string) error {
	return r.telemetry.InstrumentStoreOperation(ctx, "save", func(ctx context.Context) error {
		return r.repo.Save(ctx, key, completed)
	})
}

// Clear removes a record with telemetry.
func (r *InstrumentedProgressRepository) Clear(ctx context.Context, key storage.Key) error {
	return r.telemetry.InstrumentStoreOperation(ctx, "clear", func(ctx context.Context) error {
		return r.repo.Clear(ctx, key)
	})
}
