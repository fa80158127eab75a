// Package records persists the desired state of every managed FQDN.
//
// Removing a record is a two step affair: Retire marks the row, the next
// cycles see it with every toggle switched off and delete what the providers
// still hold, and the row is purged once that cycle settled.
package records

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/yuriy-kovalchuk/yk-ddns-manager/internal/database"
	"github.com/yuriy-kovalchuk/yk-ddns-manager/internal/dns"
	"github.com/yuriy-kovalchuk/yk-ddns-manager/internal/reconcile"
)

var (
	// ErrNotFound is returned when no row exists for an FQDN.
	ErrNotFound = errors.New("record not found")
	// ErrInvalid is returned for a record that cannot be stored.
	ErrInvalid = errors.New("invalid record")
)

// Record is a stored RecordConfig.
type Record struct {
	reconcile.RecordConfig
	Retiring  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store is the SQLite backed record repository.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// New migrates the records table and returns a store on db.
func New(db *sql.DB) (*Store, error) {
	const ddl = `
		CREATE TABLE IF NOT EXISTS records (
			fqdn              TEXT    PRIMARY KEY,
			primary_enabled   INTEGER NOT NULL DEFAULT 1,
			ip_mode           TEXT    NOT NULL DEFAULT 'dynamic',
			static_ip         TEXT    NOT NULL DEFAULT '',
			secondary_enabled INTEGER NOT NULL DEFAULT 0,
			secondary_ip      TEXT    NOT NULL DEFAULT '',
			companion_enabled INTEGER NOT NULL DEFAULT 0,
			companion_ip      TEXT    NOT NULL DEFAULT '',
			retiring          INTEGER NOT NULL DEFAULT 0,
			created_at        TEXT    NOT NULL,
			updated_at        TEXT    NOT NULL
		);
	`
	if err := database.Migrate(db, "records", ddl); err != nil {
		return nil, err
	}
	return &Store{db: db, now: time.Now}, nil
}

// Normalize returns rc with a canonical FQDN and ip mode, or an error
// wrapping ErrInvalid.
func Normalize(rc reconcile.RecordConfig) (reconcile.RecordConfig, error) {
	name, err := dns.NormalizeHostname(rc.FQDN)
	if err != nil {
		return rc, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	rc.FQDN = name
	if rc.IPMode == "" {
		rc.IPMode = reconcile.IPModeDynamic
	}
	snap := reconcile.Snapshot{Records: []reconcile.RecordConfig{rc}}
	if err := snap.Validate(); err != nil {
		return rc, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return rc, nil
}

// Upsert inserts or replaces the row for rc.FQDN. Storing a retiring record
// again brings it back into service.
func (s *Store) Upsert(ctx context.Context, rc reconcile.RecordConfig) (reconcile.RecordConfig, error) {
	rc, err := Normalize(rc)
	if err != nil {
		return rc, err
	}
	now := s.now().UTC().Format(time.RFC3339Nano)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO records (fqdn, primary_enabled, ip_mode, static_ip, secondary_enabled, secondary_ip,
		                     companion_enabled, companion_ip, retiring, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT(fqdn) DO UPDATE SET
			primary_enabled=excluded.primary_enabled, ip_mode=excluded.ip_mode, static_ip=excluded.static_ip,
			secondary_enabled=excluded.secondary_enabled, secondary_ip=excluded.secondary_ip,
			companion_enabled=excluded.companion_enabled, companion_ip=excluded.companion_ip,
			retiring=0, updated_at=excluded.updated_at`,
		rc.FQDN, rc.PrimaryEnabled, string(rc.IPMode), rc.StaticIP, rc.SecondaryEnabled, rc.SecondaryIP,
		rc.CompanionEnabled, rc.CompanionIP, now, now,
	)
	if err != nil {
		return rc, fmt.Errorf("records: upsert %s: %w", rc.FQDN, err)
	}
	return rc, nil
}

const selectColumns = `
	SELECT fqdn, primary_enabled, ip_mode, static_ip, secondary_enabled, secondary_ip,
	       companion_enabled, companion_ip, retiring, created_at, updated_at
	FROM records`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (Record, error) {
	var (
		r                Record
		mode             string
		created, updated string
	)
	err := row.Scan(&r.FQDN, &r.PrimaryEnabled, &mode, &r.StaticIP, &r.SecondaryEnabled, &r.SecondaryIP,
		&r.CompanionEnabled, &r.CompanionIP, &r.Retiring, &created, &updated)
	if err != nil {
		return Record{}, err
	}
	r.IPMode = reconcile.IPMode(mode)
	r.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	r.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return r, nil
}

// Get returns the row for fqdn.
func (s *Store) Get(ctx context.Context, fqdn string) (Record, error) {
	name, err := dns.NormalizeHostname(fqdn)
	if err != nil {
		return Record{}, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	r, err := scanRecord(s.db.QueryRowContext(ctx, selectColumns+` WHERE fqdn = ?`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("records: %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return Record{}, fmt.Errorf("records: get %s: %w", name, err)
	}
	return r, nil
}

// List returns every row ordered by FQDN.
func (s *Store) List(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+` ORDER BY fqdn`)
	if err != nil {
		return nil, fmt.Errorf("records: list: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("records: scan: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) exec(ctx context.Context, op, fqdn, query string, args ...any) error {
	name, err := dns.NormalizeHostname(fqdn)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	res, err := s.db.ExecContext(ctx, query, append(args, name)...)
	if err != nil {
		return fmt.Errorf("records: %s %s: %w", op, name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("records: %s: %w", name, ErrNotFound)
	}
	return nil
}

// Retire marks fqdn for decommissioning.
func (s *Store) Retire(ctx context.Context, fqdn string) error {
	now := s.now().UTC().Format(time.RFC3339Nano)
	return s.exec(ctx, "retire", fqdn, `UPDATE records SET retiring=1, updated_at=? WHERE fqdn=?`, now)
}

// Delete removes the row for fqdn. Provider records are left alone; use Retire
// to have them cleaned up first.
func (s *Store) Delete(ctx context.Context, fqdn string) error {
	return s.exec(ctx, "delete", fqdn, `DELETE FROM records WHERE fqdn=?`)
}

// Snapshot returns the input of the next cycle together with the FQDNs of the
// retiring rows. Retiring rows are included with every toggle off.
func (s *Store) Snapshot(ctx context.Context, defaults reconcile.GlobalDefaults) (reconcile.Snapshot, []string, error) {
	all, err := s.List(ctx)
	if err != nil {
		return reconcile.Snapshot{}, nil, err
	}
	snap := reconcile.Snapshot{Defaults: defaults, Records: make([]reconcile.RecordConfig, 0, len(all))}
	var retiring []string
	for _, r := range all {
		rc := r.RecordConfig
		if r.Retiring {
			rc = rc.Retired()
			retiring = append(retiring, rc.FQDN)
		}
		snap.Records = append(snap.Records, rc)
	}
	return snap, retiring, nil
}
