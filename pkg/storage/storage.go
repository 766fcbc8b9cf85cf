package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/leasesync/leasesync/pkg/listing"
)

var (
	// ErrReconciliationConflict is returned when a deal was written by someone
	// else between read and write.
	ErrReconciliationConflict = errors.New("reconciliation conflict: deal was modified concurrently")
	ErrDealNotFound           = errors.New("deal not found")
)

type DB struct {
	sql *sql.DB
}

func Open(path string) (*DB, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	// Ensure schema exists for convenience.
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS deals (
  identity_key         TEXT PRIMARY KEY,
  brand                TEXT NOT NULL,
  model                TEXT NOT NULL,
  trim                 TEXT NOT NULL DEFAULT '',
  url                  TEXT NOT NULL,
  source               TEXT NOT NULL,
  terms                TEXT NOT NULL DEFAULT '{}',
  tracked_at           TEXT NOT NULL,
  last_fetched_at      TEXT,
  last_success_at      TEXT,
  last_checked_at      TEXT,
  consecutive_failures INTEGER NOT NULL DEFAULT 0,
  next_eligible_at     TEXT,
  missing_fields       TEXT,
  version              INTEGER NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_deals_source ON deals(source);
CREATE INDEX IF NOT EXISTS idx_deals_eligible ON deals(next_eligible_at);
CREATE TABLE IF NOT EXISTS sync_runs (
  id                  INTEGER PRIMARY KEY,
  run_id              TEXT NOT NULL UNIQUE,
  started_at          TEXT NOT NULL,
  finished_at         TEXT NOT NULL,
  scope_kind          TEXT NOT NULL CHECK (scope_kind IN ('full','recheck','targeted')),
  scope_identities    TEXT,
  trigger_kind        TEXT NOT NULL CHECK (trigger_kind IN ('daily','hourly','manual')),
  status              TEXT NOT NULL,
  mf_change_count     INTEGER NOT NULL DEFAULT 0,
  rv_change_count     INTEGER NOT NULL DEFAULT 0,
  deals_updated_count INTEGER NOT NULL DEFAULT 0,
  deals_scanned_count INTEGER NOT NULL DEFAULT 0,
  fetch_failure_count INTEGER NOT NULL DEFAULT 0,
  missing_field_count INTEGER NOT NULL DEFAULT 0,
  updated_identities  TEXT,
  failed_identities   TEXT
);
CREATE INDEX IF NOT EXISTS idx_runs_started ON sync_runs(started_at);
CREATE TRIGGER IF NOT EXISTS sync_runs_no_update BEFORE UPDATE ON sync_runs
BEGIN SELECT RAISE(ABORT, 'sync_runs is append-only'); END;
CREATE TRIGGER IF NOT EXISTS sync_runs_no_delete BEFORE DELETE ON sync_runs
BEGIN SELECT RAISE(ABORT, 'sync_runs is append-only'); END;
    `); err != nil {
		return nil, err
	}
	return &DB{sql: db}, nil
}

func (d *DB) Close() error {
	if d == nil || d.sql == nil {
		return nil
	}
	return d.sql.Close()
}

// Track enrolls an identity. It reports false when the identity was already
// tracked, in which case nothing is written.
func (d *DB) Track(ctx context.Context, id listing.Identity, now time.Time) (bool, error) {
	res, err := d.sql.ExecContext(ctx, `INSERT INTO deals(identity_key, brand, model, trim, url, source, tracked_at) VALUES(?,?,?,?,?,?,?) ON CONFLICT(identity_key) DO NOTHING`,
		id.Key(), id.Brand, id.Model, id.Trim, id.URL, id.Source, formatTime(now))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ListIdentities returns every tracked identity ordered by key.
func (d *DB) ListIdentities(ctx context.Context) ([]listing.Identity, error) {
	rows, err := d.sql.QueryContext(ctx, "SELECT brand, model, trim, url, source FROM deals ORDER BY identity_key")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []listing.Identity
	for rows.Next() {
		var id listing.Identity
		if err := rows.Scan(&id.Brand, &id.Model, &id.Trim, &id.URL, &id.Source); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

const dealColumns = "brand, model, trim, url, source, terms, tracked_at, last_fetched_at, last_success_at, last_checked_at, consecutive_failures, next_eligible_at, missing_fields, version"

// GetDeal loads one deal by identity key.
func (d *DB) GetDeal(ctx context.Context, key string) (listing.DealState, error) {
	row := d.sql.QueryRowContext(ctx, "SELECT "+dealColumns+" FROM deals WHERE identity_key = ?", key)
	s, err := scanDeal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return listing.DealState{}, fmt.Errorf("%w: %s", ErrDealNotFound, key)
	}
	return s, err
}

// UpsertDeal writes s if the stored version still equals s.Version and
// returns the state with its new version. A deal that does not exist yet is
// inserted.
func (d *DB) UpsertDeal(ctx context.Context, s listing.DealState) (listing.DealState, error) {
	terms, err := json.Marshal(s.Terms)
	if err != nil {
		return s, err
	}
	missing, err := marshalList(s.MissingFields)
	if err != nil {
		return s, err
	}

	tx, err := d.sql.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return s, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	key := s.Identity.Key()
	res, err := tx.ExecContext(ctx, `UPDATE deals SET terms = ?, last_fetched_at = ?, last_success_at = ?, last_checked_at = ?, consecutive_failures = ?, next_eligible_at = ?, missing_fields = ?, version = version + 1 WHERE identity_key = ? AND version = ?`,
		string(terms), nullTime(s.LastFetchedAt), nullTimePtr(s.LastSuccessAt), nullTimePtr(s.LastCheckedAt), s.ConsecutiveFailures, nullTime(s.NextEligibleAt), missing, key, s.Version)
	if err != nil {
		return s, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return s, err
	}

	next := s.Clone()
	if n == 1 {
		next.Version = s.Version + 1
	} else {
		var exists int
		err = tx.QueryRowContext(ctx, "SELECT COUNT(1) FROM deals WHERE identity_key = ?", key).Scan(&exists)
		if err != nil {
			return s, err
		}
		if exists > 0 {
			err = fmt.Errorf("%w: %s", ErrReconciliationConflict, key)
			return s, err
		}
		tracked := s.TrackedAt
		if tracked.IsZero() {
			tracked = time.Now()
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO deals(identity_key, brand, model, trim, url, source, terms, tracked_at, last_fetched_at, last_success_at, last_checked_at, consecutive_failures, next_eligible_at, missing_fields, version) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,1)`,
			key, s.Identity.Brand, s.Identity.Model, s.Identity.Trim, s.Identity.URL, s.Identity.Source, string(terms), formatTime(tracked),
			nullTime(s.LastFetchedAt), nullTimePtr(s.LastSuccessAt), nullTimePtr(s.LastCheckedAt), s.ConsecutiveFailures, nullTime(s.NextEligibleAt), missing)
		if err != nil {
			return s, err
		}
		next.TrackedAt = tracked
		next.Version = 1
	}

	if err = tx.Commit(); err != nil {
		return s, err
	}
	return next, nil
}

// ListOptions controls selection when listing deals.
type ListOptions struct {
	Source string
	// CoolingAt, when set, restricts the listing to deals whose cooldown is
	// still running at that time.
	CoolingAt time.Time
}

// ListDeals returns deals matching opts ordered by identity key.
func (d *DB) ListDeals(ctx context.Context, opts ListOptions) ([]listing.DealState, error) {
	where := "WHERE 1=1"
	args := []interface{}{}
	if opts.Source != "" {
		where += " AND source = ?"
		args = append(args, opts.Source)
	}
	if !opts.CoolingAt.IsZero() {
		where += " AND next_eligible_at IS NOT NULL AND next_eligible_at > ?"
		args = append(args, formatTime(opts.CoolingAt))
	}

	rows, err := d.sql.QueryContext(ctx, "SELECT "+dealColumns+" FROM deals "+where+" ORDER BY identity_key", args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []listing.DealState
	for rows.Next() {
		s, err := scanDeal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ListCooling returns the deals that are in a post-failure cooldown at now.
func (d *DB) ListCooling(ctx context.Context, now time.Time) ([]listing.DealState, error) {
	return d.ListDeals(ctx, ListOptions{CoolingAt: now})
}

// AppendRun adds a finished run to the sync log and returns its entry id.
func (d *DB) AppendRun(ctx context.Context, run listing.SyncRun) (int64, error) {
	scopeIDs, err := marshalList(run.Scope.Identities)
	if err != nil {
		return 0, err
	}
	updated, err := marshalList(run.UpdatedIdentities)
	if err != nil {
		return 0, err
	}
	failed, err := marshalList(run.FailedIdentities)
	if err != nil {
		return 0, err
	}
	res, err := d.sql.ExecContext(ctx, `INSERT INTO sync_runs(run_id, started_at, finished_at, scope_kind, scope_identities, trigger_kind, status, mf_change_count, rv_change_count, deals_updated_count, deals_scanned_count, fetch_failure_count, missing_field_count, updated_identities, failed_identities) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		run.ID, formatTime(run.StartedAt), formatTime(run.FinishedAt), string(run.Scope.Kind), scopeIDs, string(run.Trigger), string(run.Status),
		run.Counts.MFChangeCount, run.Counts.RVChangeCount, run.Counts.DealsUpdatedCount, run.Counts.DealsScannedCount, run.Counts.FetchFailureCount,
		run.MissingFieldCount, updated, failed)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListRuns returns the most recent runs, newest first.
func (d *DB) ListRuns(ctx context.Context, limit int) ([]listing.SyncRun, error) {
	if limit <= 0 {
		limit = 50
	}
	q := "SELECT id, run_id, started_at, finished_at, scope_kind, scope_identities, trigger_kind, status, mf_change_count, rv_change_count, deals_updated_count, deals_scanned_count, fetch_failure_count, missing_field_count, updated_identities, failed_identities FROM sync_runs ORDER BY id DESC LIMIT ?"
	rows, err := d.sql.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := []listing.SyncRun{}
	for rows.Next() {
		var (
			r                         listing.SyncRun
			started, finished         string
			scopeKind, trigger, stat  string
			scopeIDs, updated, failed sql.NullString
		)
		if err := rows.Scan(&r.EntryID, &r.ID, &started, &finished, &scopeKind, &scopeIDs, &trigger, &stat,
			&r.Counts.MFChangeCount, &r.Counts.RVChangeCount, &r.Counts.DealsUpdatedCount, &r.Counts.DealsScannedCount, &r.Counts.FetchFailureCount,
			&r.MissingFieldCount, &updated, &failed); err != nil {
			return nil, err
		}
		r.StartedAt = parseTime(started)
		r.FinishedAt = parseTime(finished)
		r.Scope.Kind = listing.ScopeKind(scopeKind)
		r.Trigger = listing.TriggerKind(trigger)
		r.Status = listing.RunStatus(stat)
		if r.Scope.Identities, err = unmarshalList(scopeIDs); err != nil {
			return nil, err
		}
		if r.UpdatedIdentities, err = unmarshalList(updated); err != nil {
			return nil, err
		}
		if r.FailedIdentities, err = unmarshalList(failed); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return runs, nil
}

type Stats struct {
	Source  string `json:"source"`
	Deals   int    `json:"deals"`
	Failing int    `json:"failing"`
}

// GetStats returns per-source deal counts.
func (d *DB) GetStats(ctx context.Context) ([]Stats, error) {
	query := `
		SELECT
			source,
			COUNT(identity_key),
			SUM(CASE WHEN consecutive_failures > 0 THEN 1 ELSE 0 END)
		FROM
			deals
		GROUP BY
			source
		ORDER BY
			source;
	`
	rows, err := d.sql.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []Stats
	for rows.Next() {
		var s Stats
		if err := rows.Scan(&s.Source, &s.Deals, &s.Failing); err != nil {
			return nil, err
		}
		stats = append(stats, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return stats, nil
}
