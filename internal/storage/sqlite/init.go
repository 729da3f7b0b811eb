package sqlite

import (
	"database/sql"
	"fmt"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS download_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	download_id TEXT NOT NULL,
	manager TEXT NOT NULL,
	source_url TEXT NOT NULL,
	directory_name TEXT NOT NULL DEFAULT '',
	file_name TEXT NOT NULL DEFAULT '',
	state TEXT NOT NULL,
	bytes_received INTEGER NOT NULL DEFAULT 0,
	error TEXT NOT NULL DEFAULT '',
	instance TEXT NOT NULL DEFAULT '',
	started_at DATETIME,
	finished_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_download_history_finished ON download_history (state, finished_at);
`

// InitDB opens the SQLite database at path and creates the history table if it
// doesn't exist.
func InitDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writers; one connection also keeps :memory: databases shared.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()

		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return db, nil
}
