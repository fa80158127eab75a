// Package database opens the SQLite file shared by the record store, the
// audit log and the sqlite stats backend.
package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Open opens a SQLite database at the provided path, creating the parent
// directory if needed. The journal runs in WAL mode and writers wait on a
// locked database instead of failing right away.
func Open(path string) (*sql.DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("database: failed to create directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("database: failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database: failed to open %s: %w", path, err)
	}
	return db, nil
}

// Migrate runs each DDL statement of a repository.
func Migrate(db *sql.DB, name, ddl string) error {
	if _, err := db.Exec(ddl); err != nil {
		return fmt.Errorf("%s: migration failed: %w", name, err)
	}
	return nil
}
