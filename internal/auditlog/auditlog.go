// Package auditlog stores the audit stream of reconciliation cycles in SQLite.
package auditlog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/yuriy-kovalchuk/yk-ddns-manager/internal/database"
	"github.com/yuriy-kovalchuk/yk-ddns-manager/internal/reconcile"
)

// DefaultLimit bounds List when no limit is given.
const DefaultLimit = 100

// Entry is a stored audit line.
type Entry struct {
	ID int64
	reconcile.AuditEntry
}

// Log implements reconcile.AuditSink.
type Log struct {
	db *sql.DB
}

// New migrates the audit table and returns a log on db.
func New(db *sql.DB) (*Log, error) {
	const ddl = `
		CREATE TABLE IF NOT EXISTS audit (
			id        INTEGER PRIMARY KEY AUTOINCREMENT,
			ts        TEXT    NOT NULL,
			cycle_id  TEXT    NOT NULL,
			hostname  TEXT    NOT NULL DEFAULT '',
			provider  TEXT    NOT NULL DEFAULT '',
			pass      TEXT    NOT NULL,
			action    TEXT    NOT NULL,
			success   INTEGER NOT NULL,
			kind      TEXT    NOT NULL DEFAULT '',
			detail    TEXT    NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit(ts);
		CREATE INDEX IF NOT EXISTS idx_audit_hostname ON audit(hostname);
	`
	if err := database.Migrate(db, "auditlog", ddl); err != nil {
		return nil, err
	}
	return &Log{db: db}, nil
}

// Append writes entries in one transaction, preserving their order.
func (l *Log) Append(ctx context.Context, entries []reconcile.AuditEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("auditlog: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO audit (ts, cycle_id, hostname, provider, pass, action, success, kind, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("auditlog: prepare: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		_, err := stmt.ExecContext(ctx, e.Timestamp.UTC().Format(time.RFC3339Nano), e.CycleID, e.Hostname,
			e.Provider, string(e.Pass), e.Action, e.Success, string(e.Kind), e.Detail)
		if err != nil {
			return fmt.Errorf("auditlog: insert: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("auditlog: commit: %w", err)
	}
	return nil
}

const selectColumns = `SELECT id, ts, cycle_id, hostname, provider, pass, action, success, kind, detail FROM audit`

// List returns the newest entries first.
func (l *Log) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return l.query(ctx, selectColumns+` ORDER BY id DESC LIMIT ?`, limit)
}

// ListByHostname returns the newest entries of one hostname first.
func (l *Log) ListByHostname(ctx context.Context, hostname string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return l.query(ctx, selectColumns+` WHERE hostname = ? ORDER BY id DESC LIMIT ?`, hostname, limit)
}

func (l *Log) query(ctx context.Context, query string, args ...any) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("auditlog: query: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e          Entry
			ts         string
			pass, kind string
		)
		if err := rows.Scan(&e.ID, &ts, &e.CycleID, &e.Hostname, &e.Provider, &pass, &e.Action,
			&e.Success, &kind, &e.Detail); err != nil {
			return nil, fmt.Errorf("auditlog: scan: %w", err)
		}
		e.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		e.Pass = reconcile.Pass(pass)
		e.Kind = reconcile.ErrorKind(kind)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Prune removes entries older than cutoff and returns how many were removed.
func (l *Log) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	// RFC3339Nano drops trailing zeros, so compare as julian days instead of text.
	res, err := l.db.ExecContext(ctx, `DELETE FROM audit WHERE julianday(ts) < julianday(?)`,
		cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("auditlog: prune: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
