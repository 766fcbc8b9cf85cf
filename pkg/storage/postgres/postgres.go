// Package postgres implements the deal store and sync log on PostgreSQL for
// deployments where several schedulers share one database.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/leasesync/leasesync/pkg/listing"
	"github.com/leasesync/leasesync/pkg/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS deals (
  identity_key         TEXT PRIMARY KEY,
  brand                TEXT NOT NULL,
  model                TEXT NOT NULL,
  trim                 TEXT NOT NULL DEFAULT '',
  url                  TEXT NOT NULL,
  source               TEXT NOT NULL,
  terms                JSONB NOT NULL DEFAULT '{}'::jsonb,
  tracked_at           TIMESTAMPTZ NOT NULL,
  last_fetched_at      TIMESTAMPTZ,
  last_success_at      TIMESTAMPTZ,
  last_checked_at      TIMESTAMPTZ,
  consecutive_failures INTEGER NOT NULL DEFAULT 0,
  next_eligible_at     TIMESTAMPTZ,
  missing_fields       JSONB,
  version              BIGINT NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_deals_source ON deals(source);
CREATE INDEX IF NOT EXISTS idx_deals_eligible ON deals(next_eligible_at);
CREATE TABLE IF NOT EXISTS sync_runs (
  id                  BIGSERIAL PRIMARY KEY,
  run_id              TEXT NOT NULL UNIQUE,
  started_at          TIMESTAMPTZ NOT NULL,
  finished_at         TIMESTAMPTZ NOT NULL,
  scope_kind          TEXT NOT NULL,
  scope_identities    JSONB,
  trigger_kind        TEXT NOT NULL,
  status              TEXT NOT NULL,
  mf_change_count     INTEGER NOT NULL DEFAULT 0,
  rv_change_count     INTEGER NOT NULL DEFAULT 0,
  deals_updated_count INTEGER NOT NULL DEFAULT 0,
  deals_scanned_count INTEGER NOT NULL DEFAULT 0,
  fetch_failure_count INTEGER NOT NULL DEFAULT 0,
  missing_field_count INTEGER NOT NULL DEFAULT 0,
  updated_identities  JSONB,
  failed_identities   JSONB
);
CREATE INDEX IF NOT EXISTS idx_runs_started ON sync_runs(started_at);
`

// Store is a pgxpool-backed deal store and sync log.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Store = (*Store)(nil)

// New connects to dsn and makes sure the schema exists.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Track enrolls an identity and reports whether it was newly created.
func (s *Store) Track(ctx context.Context, id listing.Identity, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `INSERT INTO deals(identity_key, brand, model, trim, url, source, tracked_at) VALUES($1,$2,$3,$4,$5,$6,$7) ON CONFLICT (identity_key) DO NOTHING`,
		id.Key(), id.Brand, id.Model, id.Trim, id.URL, id.Source, now.UTC())
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) ListIdentities(ctx context.Context) ([]listing.Identity, error) {
	rows, err := s.pool.Query(ctx, "SELECT brand, model, trim, url, source FROM deals ORDER BY identity_key")
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

func (s *Store) GetDeal(ctx context.Context, key string) (listing.DealState, error) {
	d, err := scanDeal(s.pool.QueryRow(ctx, "SELECT "+dealColumns+" FROM deals WHERE identity_key = $1", key))
	if errors.Is(err, pgx.ErrNoRows) {
		return listing.DealState{}, fmt.Errorf("%w: %s", storage.ErrDealNotFound, key)
	}
	return d, err
}

// UpsertDeal has the same optimistic versioning semantics as the sqlite
// store: a stale version yields storage.ErrReconciliationConflict.
func (s *Store) UpsertDeal(ctx context.Context, d listing.DealState) (listing.DealState, error) {
	terms, err := json.Marshal(d.Terms)
	if err != nil {
		return d, err
	}
	missing, err := jsonList(d.MissingFields)
	if err != nil {
		return d, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return d, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	key := d.Identity.Key()
	tag, err := tx.Exec(ctx, `UPDATE deals SET terms = $1, last_fetched_at = $2, last_success_at = $3, last_checked_at = $4, consecutive_failures = $5, next_eligible_at = $6, missing_fields = $7, version = version + 1 WHERE identity_key = $8 AND version = $9`,
		terms, nullTime(d.LastFetchedAt), d.LastSuccessAt, d.LastCheckedAt, d.ConsecutiveFailures, nullTime(d.NextEligibleAt), missing, key, d.Version)
	if err != nil {
		return d, err
	}

	next := d.Clone()
	if tag.RowsAffected() == 1 {
		next.Version = d.Version + 1
	} else {
		var exists bool
		if err := tx.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM deals WHERE identity_key = $1)", key).Scan(&exists); err != nil {
			return d, err
		}
		if exists {
			return d, fmt.Errorf("%w: %s", storage.ErrReconciliationConflict, key)
		}
		tracked := d.TrackedAt
		if tracked.IsZero() {
			tracked = time.Now()
		}
		if _, err := tx.Exec(ctx, `INSERT INTO deals(identity_key, brand, model, trim, url, source, terms, tracked_at, last_fetched_at, last_success_at, last_checked_at, consecutive_failures, next_eligible_at, missing_fields, version) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,1)`,
			key, d.Identity.Brand, d.Identity.Model, d.Identity.Trim, d.Identity.URL, d.Identity.Source, terms, tracked.UTC(),
			nullTime(d.LastFetchedAt), d.LastSuccessAt, d.LastCheckedAt, d.ConsecutiveFailures, nullTime(d.NextEligibleAt), missing); err != nil {
			return d, err
		}
		next.TrackedAt = tracked
		next.Version = 1
	}

	if err := tx.Commit(ctx); err != nil {
		return d, err
	}
	return next, nil
}

// ListDeals returns deals matching opts ordered by identity key.
func (s *Store) ListDeals(ctx context.Context, opts storage.ListOptions) ([]listing.DealState, error) {
	q := "SELECT " + dealColumns + " FROM deals WHERE TRUE"
	var args []interface{}
	if opts.Source != "" {
		args = append(args, opts.Source)
		q += fmt.Sprintf(" AND source = $%d", len(args))
	}
	if !opts.CoolingAt.IsZero() {
		args = append(args, opts.CoolingAt.UTC())
		q += fmt.Sprintf(" AND next_eligible_at > $%d", len(args))
	}
	rows, err := s.pool.Query(ctx, q+" ORDER BY identity_key", args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []listing.DealState
	for rows.Next() {
		d, err := scanDeal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) ListCooling(ctx context.Context, now time.Time) ([]listing.DealState, error) {
	return s.ListDeals(ctx, storage.ListOptions{CoolingAt: now})
}

func (s *Store) AppendRun(ctx context.Context, run listing.SyncRun) (int64, error) {
	scopeIDs, err := jsonList(run.Scope.Identities)
	if err != nil {
		return 0, err
	}
	updated, err := jsonList(run.UpdatedIdentities)
	if err != nil {
		return 0, err
	}
	failed, err := jsonList(run.FailedIdentities)
	if err != nil {
		return 0, err
	}
	var id int64
	err = s.pool.QueryRow(ctx, `INSERT INTO sync_runs(run_id, started_at, finished_at, scope_kind, scope_identities, trigger_kind, status, mf_change_count, rv_change_count, deals_updated_count, deals_scanned_count, fetch_failure_count, missing_field_count, updated_identities, failed_identities) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15) RETURNING id`,
		run.ID, run.StartedAt.UTC(), run.FinishedAt.UTC(), string(run.Scope.Kind), scopeIDs, string(run.Trigger), string(run.Status),
		run.Counts.MFChangeCount, run.Counts.RVChangeCount, run.Counts.DealsUpdatedCount, run.Counts.DealsScannedCount, run.Counts.FetchFailureCount,
		run.MissingFieldCount, updated, failed).Scan(&id)
	return id, err
}

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]listing.SyncRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `SELECT id, run_id, started_at, finished_at, scope_kind, scope_identities, trigger_kind, status, mf_change_count, rv_change_count, deals_updated_count, deals_scanned_count, fetch_failure_count, missing_field_count, updated_identities, failed_identities FROM sync_runs ORDER BY id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := []listing.SyncRun{}
	for rows.Next() {
		var (
			r                         listing.SyncRun
			scopeKind, trigger, stat  string
			scopeIDs, updated, failed []byte
		)
		if err := rows.Scan(&r.EntryID, &r.ID, &r.StartedAt, &r.FinishedAt, &scopeKind, &scopeIDs, &trigger, &stat,
			&r.Counts.MFChangeCount, &r.Counts.RVChangeCount, &r.Counts.DealsUpdatedCount, &r.Counts.DealsScannedCount, &r.Counts.FetchFailureCount,
			&r.MissingFieldCount, &updated, &failed); err != nil {
			return nil, err
		}
		r.Scope.Kind = listing.ScopeKind(scopeKind)
		r.Trigger = listing.TriggerKind(trigger)
		r.Status = listing.RunStatus(stat)
		if r.Scope.Identities, err = parseList(scopeIDs); err != nil {
			return nil, err
		}
		if r.UpdatedIdentities, err = parseList(updated); err != nil {
			return nil, err
		}
		if r.FailedIdentities, err = parseList(failed); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func scanDeal(row pgx.Row) (listing.DealState, error) {
	var (
		d                 listing.DealState
		terms, missing    []byte
		fetched, eligible *time.Time
	)
	if err := row.Scan(&d.Identity.Brand, &d.Identity.Model, &d.Identity.Trim, &d.Identity.URL, &d.Identity.Source,
		&terms, &d.TrackedAt, &fetched, &d.LastSuccessAt, &d.LastCheckedAt, &d.ConsecutiveFailures, &eligible, &missing, &d.Version); err != nil {
		return listing.DealState{}, err
	}
	if len(terms) > 0 {
		if err := json.Unmarshal(terms, &d.Terms); err != nil {
			return listing.DealState{}, err
		}
	}
	if fetched != nil {
		d.LastFetchedAt = *fetched
	}
	if eligible != nil {
		d.NextEligibleAt = *eligible
	}
	var err error
	if d.MissingFields, err = parseList(missing); err != nil {
		return listing.DealState{}, err
	}
	return d, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

func jsonList(items []string) ([]byte, error) {
	if len(items) == 0 {
		return nil, nil
	}
	return json.Marshal(items)
}

func parseList(b []byte) ([]string, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetStats returns per-source deal counts.
func (s *Store) GetStats(ctx context.Context) ([]storage.Stats, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT source, COUNT(*), COUNT(*) FILTER (WHERE consecutive_failures > 0)
		FROM deals
		GROUP BY source
		ORDER BY source`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []storage.Stats
	for rows.Next() {
		var st storage.Stats
		if err := rows.Scan(&st.Source, &st.Deals, &st.Failing); err != nil {
			return nil, err
		}
		stats = append(stats, st)
	}
	return stats, rows.Err()
}
