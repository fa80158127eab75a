package stats

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/yuriy-kovalchuk/yk-ddns-manager/internal/database"
	"github.com/yuriy-kovalchuk/yk-ddns-manager/internal/reconcile"
)

// SQLite keeps counters in the record_stats table.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite migrates the record_stats table and returns a store on db.
func NewSQLite(db *sql.DB) (*SQLite, error) {
	const ddl = `
		CREATE TABLE IF NOT EXISTS record_stats (
			hostname     TEXT    PRIMARY KEY,
			checks       INTEGER NOT NULL DEFAULT 0,
			updates      INTEGER NOT NULL DEFAULT 0,
			failures     INTEGER NOT NULL DEFAULT 0,
			last_checked TEXT    NOT NULL DEFAULT '',
			last_updated TEXT    NOT NULL DEFAULT ''
		);
	`
	if err := database.Migrate(db, "stats", ddl); err != nil {
		return nil, err
	}
	return &SQLite{db: db, now: time.Now}, nil
}

// Increment applies events in one transaction.
func (s *SQLite) Increment(ctx context.Context, events []reconcile.StatEvent) error {
	deltas := aggregate(events)
	if len(deltas) == 0 {
		return nil
	}
	now := formatTime(s.now())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("stats: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO record_stats (hostname, checks, updates, failures, last_checked, last_updated)
		VALUES (?1, ?2, ?3, ?4, CASE WHEN ?2 > 0 THEN ?5 ELSE '' END, CASE WHEN ?3 > 0 THEN ?5 ELSE '' END)
		ON CONFLICT(hostname) DO UPDATE SET
			checks   = checks + excluded.checks,
			updates  = updates + excluded.updates,
			failures = failures + excluded.failures,
			last_checked = CASE WHEN excluded.checks > 0 THEN excluded.last_checked ELSE last_checked END,
			last_updated = CASE WHEN excluded.updates > 0 THEN excluded.last_updated ELSE last_updated END`)
	if err != nil {
		return fmt.Errorf("stats: prepare: %w", err)
	}
	defer stmt.Close()

	for host, d := range deltas {
		if _, err := stmt.ExecContext(ctx, host, d.checks, d.updates, d.failures, now); err != nil {
			return fmt.Errorf("stats: increment %s: %w", host, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("stats: commit: %w", err)
	}
	return nil
}

const selectColumns = `SELECT hostname, checks, updates, failures, last_checked, last_updated FROM record_stats`

type scanner interface {
	Scan(dest ...any) error
}

func scanStat(row scanner) (Stat, error) {
	var (
		st               Stat
		checked, updated string
	)
	if err := row.Scan(&st.Hostname, &st.Checks, &st.Updates, &st.Failures, &checked, &updated); err != nil {
		return Stat{}, err
	}
	st.LastChecked = parseTime(checked)
	st.LastUpdated = parseTime(updated)
	return st, nil
}

// Get returns the counters of hostname.
func (s *SQLite) Get(ctx context.Context, hostname string) (Stat, error) {
	st, err := scanStat(s.db.QueryRowContext(ctx, selectColumns+` WHERE hostname = ?`, hostname))
	if errors.Is(err, sql.ErrNoRows) {
		return Stat{}, fmt.Errorf("stats: %s: %w", hostname, ErrNotFound)
	}
	if err != nil {
		return Stat{}, fmt.Errorf("stats: get %s: %w", hostname, err)
	}
	return st, nil
}

// List returns the counters of every hostname ordered by name.
func (s *SQLite) List(ctx context.Context) ([]Stat, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+` ORDER BY hostname`)
	if err != nil {
		return nil, fmt.Errorf("stats: list: %w", err)
	}
	defer rows.Close()

	var out []Stat
	for rows.Next() {
		st, err := scanStat(rows)
		if err != nil {
			return nil, fmt.Errorf("stats: scan: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// Reset drops the counters of hostname.
func (s *SQLite) Reset(ctx context.Context, hostname string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM record_stats WHERE hostname = ?`, hostname); err != nil {
		return fmt.Errorf("stats: reset %s: %w", hostname, err)
	}
	return nil
}
