package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/italolelis/sftp_sync/internal/storage"
)

// ProgressRepository implements storage.ProgressStore with one row per completed item.
type ProgressRepository struct {
	db *sql.DB
}

func NewProgressRepository(dbConn *sql.DB) *ProgressRepository {
	return &ProgressRepository{db: dbConn}
}

func (r *ProgressRepository) Load(ctx context.Context, direction storage.Direction) (map[string][]string, error) {
	if err := direction.Validate(); err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT root, item FROM progress WHERE direction = ? ORDER BY root, item`, string(direction))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make(map[string][]string)

	for rows.Next() {
		var root, item string
		if err := rows.Scan(&root, &item); err != nil {
			return nil, err
		}

		records[root] = append(records[root], item)
	}

	return records, rows.Err()
}

func (r *ProgressRepository) Completed(ctx context.Context, key storage.Key) ([]string, error) {
	if err := key.Direction.Validate(); err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT item FROM progress WHERE direction = ? AND root = ? ORDER BY item`,
		string(key.Direction), key.Root)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []string{}

	for rows.Next() {
		var item string
		if err := rows.Scan(&item); err != nil {
			return nil, err
		}

		items = append(items, item)
	}

	return items, rows.Err()
}

// Save replaces the key's rows inside a single transaction.
func (r *ProgressRepository) Save(ctx context.Context, key storage.Key, completed []string) error {
	if err := key.Direction.Validate(); err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM progress WHERE direction = ? AND root = ?`, string(key.Direction), key.Root); err != nil {
		return fmt.Errorf("failed to reset progress: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO progress (direction, root, item, completed_at) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(time.RFC3339)

	for _, item := range storage.Normalize(completed) {
		if _, err := stmt.ExecContext(ctx, string(key.Direction), key.Root, item, now); err != nil {
			return fmt.Errorf("failed to insert progress item: %w", err)
		}
	}

	return tx.Commit()
}

func (r *ProgressRepository) Clear(ctx context.Context, key storage.Key) error {
	if err := key.Direction.Validate(); err != nil {
		return err
	}

	_, err := r.db.ExecContext(ctx,
		`DELETE FROM progress WHERE direction = ? AND root = ?`, string(key.Direction), key.Root)

	return err
}
