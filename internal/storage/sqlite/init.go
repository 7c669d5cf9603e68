package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

const dirPerm = 0o755

// InitDB opens (creating if needed) the SQLite database at path and ensures the progress schema.
// The database file outlives the process; nothing here removes it.
func InitDB(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, dirPerm); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	// A single connection keeps every write of a session on the same transaction log.
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS progress (
		direction TEXT NOT NULL,
		root TEXT NOT NULL,
		item TEXT NOT NULL,
		completed_at DATETIME NOT NULL,
		PRIMARY KEY (direction, root, item)
	)`)
	if err != nil {
		db.Close()

		return nil, err
	}

	return db, nil
}
