package storage

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/leasesync/leasesync/pkg/listing"
)

var now = time.Date(2026, 3, 10, 3, 0, 0, 0, time.UTC)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "leasesync.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func mustIdentity(t *testing.T, trim, url string) listing.Identity {
	t.Helper()
	id, err := listing.NewIdentity("Toyota", "RAV4", trim, url)
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func TestTrackIsIdempotent(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	id := mustIdentity(t, "XLE", "https://www.example.com/toyota/rav4-xle")

	created, err := db.Track(ctx, id, now)
	if err != nil || !created {
		t.Fatalf("expected first track to create, got %v %v", created, err)
	}
	created, err = db.Track(ctx, id, now.Add(time.Hour))
	if err != nil || created {
		t.Fatalf("expected second track to be a no-op, got %v %v", created, err)
	}

	ids, err := db.ListIdentities(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(ids, []listing.Identity{id}) {
		t.Fatalf("unexpected identities: %#v", ids)
	}

	s, err := db.GetDeal(ctx, id.Key())
	if err != nil {
		t.Fatal(err)
	}
	if !s.TrackedAt.Equal(now) || s.LastSuccessAt != nil || s.Version != 1 {
		t.Fatalf("unexpected fresh deal: %+v", s)
	}
}

func TestGetDealNotFound(t *testing.T) {
	db := openTestDB(t)
	if _, err := db.GetDeal(context.Background(), "nope"); !errors.Is(err, ErrDealNotFound) {
		t.Fatalf("expected ErrDealNotFound, got %v", err)
	}
}

func TestUpsertDealRoundTrip(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	id := mustIdentity(t, "XLE", "https://www.example.com/toyota/rav4-xle")
	if _, err := db.Track(ctx, id, now); err != nil {
		t.Fatal(err)
	}
	s, err := db.GetDeal(ctx, id.Key())
	if err != nil {
		t.Fatal(err)
	}

	success := now.Add(time.Minute)
	s.Terms = listing.Terms{
		Price:           decimal.NewNullDecimal(decimal.RequireFromString("329.99")),
		TermMonths:      36,
		MoneyFactors:    map[string]decimal.Decimal{"740+": decimal.RequireFromString("0.00175")},
		ResidualPercent: decimal.NewNullDecimal(decimal.RequireFromString("61")),
		Fees:            map[string]decimal.Decimal{"acquisition": decimal.RequireFromString("650")},
		Images:          []string{"https://cdn.example.com/rav4.jpg"},
	}
	s.LastFetchedAt = success
	s.LastSuccessAt = &success
	s.MissingFields = []string{"residualPercent"}

	written, err := db.UpsertDeal(ctx, s)
	if err != nil {
		t.Fatal(err)
	}
	if written.Version != 2 {
		t.Fatalf("expected version 2, got %d", written.Version)
	}

	got, err := db.GetDeal(ctx, id.Key())
	if err != nil {
		t.Fatal(err)
	}
	if got.Version != 2 || !got.LastSuccessAt.Equal(success) || !got.LastFetchedAt.Equal(success) {
		t.Fatalf("bookkeeping not persisted: %+v", got)
	}
	if !got.Terms.MoneyFactors["740+"].Equal(decimal.RequireFromString("0.00175")) {
		t.Fatalf("money factor not persisted exactly: %s", got.Terms.MoneyFactors["740+"])
	}
	if !got.Terms.Price.Decimal.Equal(decimal.RequireFromString("329.99")) || got.Terms.TermMonths != 36 {
		t.Fatalf("terms not persisted: %+v", got.Terms)
	}
	if !reflect.DeepEqual(got.MissingFields, []string{"residualPercent"}) || !reflect.DeepEqual(got.Terms.Images, s.Terms.Images) {
		t.Fatalf("lists not persisted: %+v", got)
	}
	if got.LastCheckedAt != nil || !got.NextEligibleAt.IsZero() {
		t.Fatalf("unset timestamps should stay unset: %+v", got)
	}
}

func TestUpsertDealDetectsConflict(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	id := mustIdentity(t, "LE", "https://www.example.com/toyota/rav4-le")
	if _, err := db.Track(ctx, id, now); err != nil {
		t.Fatal(err)
	}
	stale, err := db.GetDeal(ctx, id.Key())
	if err != nil {
		t.Fatal(err)
	}

	first := stale.Clone()
	first.ConsecutiveFailures = 1
	if _, err := db.UpsertDeal(ctx, first); err != nil {
		t.Fatal(err)
	}

	second := stale.Clone()
	second.ConsecutiveFailures = 5
	if _, err := db.UpsertDeal(ctx, second); !errors.Is(err, ErrReconciliationConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	got, _ := db.GetDeal(ctx, id.Key())
	if got.ConsecutiveFailures != 1 {
		t.Fatalf("stale write must not be applied, got %d failures", got.ConsecutiveFailures)
	}
}

func TestUpsertDealInsertsUntracked(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	id := mustIdentity(t, "Limited", "https://www.example.com/toyota/rav4-limited")

	s, err := db.UpsertDeal(ctx, listing.DealState{Identity: id, TrackedAt: now})
	if err != nil {
		t.Fatal(err)
	}
	if s.Version != 1 {
		t.Fatalf("expected version 1, got %d", s.Version)
	}
	if _, err := db.GetDeal(ctx, id.Key()); err != nil {
		t.Fatalf("expected inserted deal, got %v", err)
	}
}

func TestListCooling(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	cooling := mustIdentity(t, "XLE", "https://www.example.com/toyota/rav4-xle")
	healthy := mustIdentity(t, "LE", "https://www.example.com/toyota/rav4-le")
	for _, id := range []listing.Identity{cooling, healthy} {
		if _, err := db.Track(ctx, id, now); err != nil {
			t.Fatal(err)
		}
	}
	s, _ := db.GetDeal(ctx, cooling.Key())
	s.ConsecutiveFailures = 3
	s.NextEligibleAt = now.Add(12 * time.Hour)
	if _, err := db.UpsertDeal(ctx, s); err != nil {
		t.Fatal(err)
	}

	got, err := db.ListCooling(ctx, now)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Identity.Key() != cooling.Key() {
		t.Fatalf("expected only the cooling deal, got %+v", got)
	}
	if got, _ := db.ListCooling(ctx, now.Add(13*time.Hour)); len(got) != 0 {
		t.Fatalf("cooldown should be over, got %+v", got)
	}

	stats, err := db.GetStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := []Stats{{Source: "example.com", Deals: 2, Failing: 1}}
	if !reflect.DeepEqual(stats, want) {
		t.Fatalf("unexpected stats.\nwant: %#v\ngot:  %#v", want, stats)
	}
}

func TestSyncLogNewestFirst(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	runs := []listing.SyncRun{
		{
			ID: "run-1", StartedAt: now, FinishedAt: now.Add(time.Minute),
			Scope: listing.Scope{Kind: listing.ScopeFull}, Trigger: listing.TriggerDaily, Status: listing.RunCompleted,
			Counts:            listing.RunCounts{MFChangeCount: 1, DealsUpdatedCount: 1, DealsScannedCount: 3},
			UpdatedIdentities: []string{"toyota|rav4|xle|https://www.example.com/toyota/rav4-xle"},
		},
		{
			ID: "run-2", StartedAt: now.Add(time.Hour), FinishedAt: now.Add(time.Hour),
			Scope: listing.Scope{Kind: listing.ScopeTargeted, Identities: []string{"a"}}, Trigger: listing.TriggerManual, Status: listing.RunCompleted,
		},
	}
	var ids []int64
	for _, r := range runs {
		id, err := db.AppendRun(ctx, r)
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
	}
	if ids[1] <= ids[0] {
		t.Fatalf("entry ids must increase, got %v", ids)
	}

	got, err := db.ListRuns(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != "run-2" || got[1].ID != "run-1" {
		t.Fatalf("expected newest first, got %+v", got)
	}
	if got[1].Counts != runs[0].Counts || !reflect.DeepEqual(got[1].UpdatedIdentities, runs[0].UpdatedIdentities) {
		t.Fatalf("run not persisted faithfully: %+v", got[1])
	}
	if !got[1].StartedAt.Equal(now) || got[0].Scope.Kind != listing.ScopeTargeted || !reflect.DeepEqual(got[0].Scope.Identities, []string{"a"}) {
		t.Fatalf("run metadata not persisted: %+v", got[0])
	}

	if limited, _ := db.ListRuns(ctx, 1); len(limited) != 1 || limited[0].ID != "run-2" {
		t.Fatalf("limit not honored: %+v", limited)
	}
}

func TestSyncLogIsAppendOnly(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	run := listing.SyncRun{ID: "run-1", StartedAt: now, FinishedAt: now, Scope: listing.Scope{Kind: listing.ScopeRecheck}, Trigger: listing.TriggerHourly, Status: listing.RunCompleted}
	if _, err := db.AppendRun(ctx, run); err != nil {
		t.Fatal(err)
	}
	if _, err := db.sql.ExecContext(ctx, "UPDATE sync_runs SET status = 'failed'"); err == nil {
		t.Fatalf("expected update to be rejected")
	}
	if _, err := db.sql.ExecContext(ctx, "DELETE FROM sync_runs"); err == nil {
		t.Fatalf("expected delete to be rejected")
	}
	if _, err := db.AppendRun(ctx, run); err == nil {
		t.Fatalf("expected duplicate run id to be rejected")
	}
}
