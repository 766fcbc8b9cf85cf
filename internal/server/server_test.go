package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/leasesync/leasesync/pkg/listing"
	"github.com/leasesync/leasesync/pkg/scheduler"
	"github.com/leasesync/leasesync/pkg/storage"
)

type fakeStore struct {
	runs      []listing.SyncRun
	deals     []listing.DealState
	lastLimit int
	coolingAt time.Time
}

func (f *fakeStore) ListRuns(_ context.Context, limit int) ([]listing.SyncRun, error) {
	f.lastLimit = limit
	return f.runs, nil
}

func (f *fakeStore) ListDeals(_ context.Context, opts storage.ListOptions) ([]listing.DealState, error) {
	var out []listing.DealState
	for _, d := range f.deals {
		if opts.Source == "" || d.Identity.Source == opts.Source {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *fakeStore) ListCooling(_ context.Context, now time.Time) ([]listing.DealState, error) {
	f.coolingAt = now
	var out []listing.DealState
	for _, d := range f.deals {
		if d.CoolingDown(now) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *fakeStore) GetStats(context.Context) ([]storage.Stats, error) {
	return []storage.Stats{{Source: "example.com", Deals: len(f.deals)}}, nil
}

type fakeSyncer struct {
	mu   sync.Mutex
	reqs []scheduler.Request
	busy bool
}

func (f *fakeSyncer) Submit(_ context.Context, req scheduler.Request, done func(listing.SyncRun, error)) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.busy {
		return "", fmt.Errorf("%w: full run r-1 is dispatching", scheduler.ErrRunInProgress)
	}
	f.reqs = append(f.reqs, req)
	return fmt.Sprintf("run-%d", len(f.reqs)), nil
}

func (f *fakeSyncer) State() *scheduler.RunState { return scheduler.NewRunState() }

var now = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func newTestServer(store *fakeStore, syncer Syncer, user, pass string) http.Handler {
	s := New(store, syncer, user, pass)
	s.Now = func() time.Time { return now }
	return s.Handler()
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func deal(source string, eligible time.Time) listing.DealState {
	return listing.DealState{
		Identity:       listing.Identity{Brand: "Kia", Model: "EV6", URL: "https://www." + source + "/ev6", Source: source},
		NextEligibleAt: eligible,
	}
}

func TestHealth(t *testing.T) {
	h := newTestServer(&fakeStore{}, nil, "admin", "secret")
	rec := do(t, h, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK || rec.Body.String() != "OK" {
		t.Fatalf("health: %d %q", rec.Code, rec.Body.String())
	}
}

func TestBasicAuth(t *testing.T) {
	h := newTestServer(&fakeStore{}, nil, "admin", "secret")
	if rec := do(t, h, http.MethodGet, "/api/runs", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	req := httptest.NewRequest(http.MethodGet, "/api/runs", nil)
	req.SetBasicAuth("admin", "secret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with credentials, got %d", rec.Code)
	}
}

func TestRuns(t *testing.T) {
	store := &fakeStore{runs: []listing.SyncRun{
		{ID: "b", Trigger: listing.TriggerHourly, Status: listing.RunCompleted},
		{ID: "a", Trigger: listing.TriggerDaily, Status: listing.RunCompleted},
	}}
	h := newTestServer(store, nil, "", "")

	rec := do(t, h, http.MethodGet, "/api/runs?limit=5", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("runs: %d %s", rec.Code, rec.Body.String())
	}
	var got []listing.SyncRun
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != "b" || store.lastLimit != 5 {
		t.Fatalf("unexpected runs %+v (limit %d)", got, store.lastLimit)
	}

	if rec := do(t, h, http.MethodGet, "/api/runs?limit=abc", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", rec.Code)
	}
}

func TestEmptyListsAreArrays(t *testing.T) {
	h := newTestServer(&fakeStore{}, nil, "", "")
	for _, path := range []string{"/api/runs", "/api/deals", "/api/cooling", "/api/runs/active"} {
		rec := do(t, h, http.MethodGet, path, "")
		if got := strings.TrimSpace(rec.Body.String()); got != "[]" {
			t.Fatalf("%s: expected [], got %q", path, got)
		}
	}
}

func TestDealsAndCooling(t *testing.T) {
	store := &fakeStore{deals: []listing.DealState{
		deal("example.com", time.Time{}),
		deal("leases.test", now.Add(2*time.Hour)),
	}}
	h := newTestServer(store, nil, "", "")

	var deals []listing.DealState
	rec := do(t, h, http.MethodGet, "/api/deals?source=leases.test", "")
	if err := json.Unmarshal(rec.Body.Bytes(), &deals); err != nil {
		t.Fatal(err)
	}
	if len(deals) != 1 || deals[0].Identity.Source != "leases.test" {
		t.Fatalf("source filter: %+v", deals)
	}

	rec = do(t, h, http.MethodGet, "/api/cooling", "")
	if err := json.Unmarshal(rec.Body.Bytes(), &deals); err != nil {
		t.Fatal(err)
	}
	if len(deals) != 1 || !store.coolingAt.Equal(now) {
		t.Fatalf("cooling: %+v at %v", deals, store.coolingAt)
	}
}

func TestSync(t *testing.T) {
	syncer := &fakeSyncer{}
	h := newTestServer(&fakeStore{}, syncer, "", "")

	rec := do(t, h, http.MethodPost, "/api/sync", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("full sync: %d %s", rec.Code, rec.Body.String())
	}
	rec = do(t, h, http.MethodPost, "/api/sync", `{"identities":["kia|ev6|wind|https://example.com/ev6"],"force":true}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("targeted sync: %d %s", rec.Code, rec.Body.String())
	}
	var resp syncResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.RunID != "run-2" {
		t.Fatalf("run id = %q", resp.RunID)
	}

	want := []scheduler.Request{
		{Scope: listing.Scope{Kind: listing.ScopeFull}, Trigger: listing.TriggerManual},
		{
			Scope:   listing.Scope{Kind: listing.ScopeTargeted, Identities: []string{"kia|ev6|wind|https://example.com/ev6"}},
			Trigger: listing.TriggerManual,
			Force:   true,
		},
	}
	if !reflect.DeepEqual(syncer.reqs, want) {
		t.Fatalf("requests = %+v", syncer.reqs)
	}

	syncer.busy = true
	if rec := do(t, h, http.MethodPost, "/api/sync", ""); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 while busy, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/api/sync", "{not json"); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad body, got %d", rec.Code)
	}
}

func TestSyncWithoutScheduler(t *testing.T) {
	h := newTestServer(&fakeStore{}, nil, "", "")
	if rec := do(t, h, http.MethodPost, "/api/sync", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}
