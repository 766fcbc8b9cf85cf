package fetch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/leasesync/leasesync/pkg/clock"
	"github.com/leasesync/leasesync/pkg/listing"
)

var t0 = time.Date(2026, 3, 10, 3, 0, 0, 0, time.UTC)

func jobs(n int, kind listing.FetchKind) []Job {
	out := make([]Job, 0, n)
	for i := 0; i < n; i++ {
		id, err := listing.NewIdentity("BMW", "330i", fmt.Sprintf("trim-%d", i), fmt.Sprintf("https://www.example.com/deals/%d", i))
		if err != nil {
			panic(err)
		}
		out = append(out, Job{Identity: id, Kind: kind})
	}
	return out
}

func okRecord() listing.Record {
	return listing.Record{
		Price:        decimal.NewNullDecimal(decimal.RequireFromString("459")),
		TermMonths:   36,
		MoneyFactors: map[string]decimal.Decimal{"740+": decimal.RequireFromString("0.001754")},
	}
}

func collect(ch <-chan Result) []Result {
	var out []Result
	for r := range ch {
		out = append(out, r)
	}
	return out
}

func TestFetchAllRespectsConcurrency(t *testing.T) {
	var inflight, peak int32
	f := FetcherFunc(func(ctx context.Context, url string, kind listing.FetchKind) (listing.Record, error) {
		n := atomic.AddInt32(&inflight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(15 * time.Millisecond)
		atomic.AddInt32(&inflight, -1)
		return okRecord(), nil
	})

	pool := NewPool(f, PoolConfig{Concurrency: 3, DelayBetweenPages: -1})
	results := collect(pool.FetchAll(context.Background(), jobs(12, listing.KindFull)))

	if len(results) != 12 {
		t.Fatalf("expected 12 results, got %d", len(results))
	}
	if peak > 3 {
		t.Fatalf("observed %d fetches in flight, limit is 3", peak)
	}
	for _, r := range results {
		if r.Outcome != OutcomeFetched {
			t.Fatalf("unexpected failure for %s: %v", r.Job.Identity.Key(), r.Err)
		}
	}
}

func TestFetchAllSpacesDispatches(t *testing.T) {
	clk := clock.NewMock(t0)
	f := FetcherFunc(func(ctx context.Context, url string, kind listing.FetchKind) (listing.Record, error) {
		return okRecord(), nil
	})
	pool := NewPool(f, PoolConfig{Concurrency: 3, DelayBetweenPages: 2 * time.Second, Clock: clk})

	results := collect(pool.FetchAll(context.Background(), jobs(5, listing.KindFull)))
	if len(results) != 5 {
		t.Fatalf("expected 5 results, got %d", len(results))
	}

	spaced := 0
	for _, d := range clk.Slept() {
		if d == 2*time.Second {
			spaced++
		}
	}
	if spaced != 4 {
		t.Fatalf("expected 4 spacing waits of 2s, got %d (%v)", spaced, clk.Slept())
	}
	if got := clk.Now().Sub(t0); got != 8*time.Second {
		t.Fatalf("expected 8s of spacing in total, got %s", got)
	}
}

func TestFetchAllExhaustsRetries(t *testing.T) {
	clk := clock.NewMock(t0)
	var calls int32
	f := FetcherFunc(func(ctx context.Context, url string, kind listing.FetchKind) (listing.Record, error) {
		atomic.AddInt32(&calls, 1)
		return listing.Record{}, errors.New("connection reset by peer")
	})
	pool := NewPool(f, PoolConfig{MaxRetries: 3, DelayBetweenPages: -1, Clock: clk, BackoffMin: time.Second, BackoffMax: 10 * time.Second})

	results := collect(pool.FetchAll(context.Background(), jobs(1, listing.KindFull)))
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	r := results[0]
	if r.Outcome != OutcomeFailed || !r.Exhausted {
		t.Fatalf("expected exhausted failure, got %+v", r)
	}
	if r.Attempts != 3 || calls != 3 {
		t.Fatalf("expected 3 attempts, got attempts=%d calls=%d", r.Attempts, calls)
	}
	if !errors.Is(r.Err, ErrRetriesExhausted) || !errors.Is(r.Err, ErrFetchTransport) {
		t.Fatalf("unexpected error chain: %v", r.Err)
	}
	want := []time.Duration{time.Second, 2 * time.Second}
	got := clk.Slept()
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("expected backoff %v, got %v", want, got)
	}
}

func TestFetchAllRecoversAfterFailures(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	f := FetcherFunc(func(ctx context.Context, url string, kind listing.FetchKind) (listing.Record, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls < 3 {
			return listing.Record{}, fmt.Errorf("%w: 503", ErrFetchTransport)
		}
		return okRecord(), nil
	})
	pool := NewPool(f, PoolConfig{MaxRetries: 3, DelayBetweenPages: -1, Clock: clock.NewMock(t0)})

	r := collect(pool.FetchAll(context.Background(), jobs(1, listing.KindFull)))[0]
	if r.Outcome != OutcomeFetched || r.Attempts != 3 {
		t.Fatalf("expected success on attempt 3, got %+v", r)
	}
	if !r.Record.MoneyFactors["740+"].Equal(decimal.RequireFromString("0.00175")) {
		t.Fatalf("expected money factor normalized to 5 places, got %s", r.Record.MoneyFactors["740+"])
	}
	if r.Record.Kind != listing.KindFull || r.Record.Identity.Trim != "trim-0" {
		t.Fatalf("record not stamped with job identity: %+v", r.Record)
	}
}

func TestFetchAllTimesOut(t *testing.T) {
	f := FetcherFunc(func(ctx context.Context, url string, kind listing.FetchKind) (listing.Record, error) {
		<-ctx.Done()
		return listing.Record{}, ctx.Err()
	})
	pool := NewPool(f, PoolConfig{MaxRetries: 1, DelayBetweenPages: -1, FetchTimeout: 20 * time.Millisecond})

	r := collect(pool.FetchAll(context.Background(), jobs(1, listing.KindLightweight)))[0]
	if r.Outcome != OutcomeFailed || !errors.Is(r.Err, ErrFetchTimeout) {
		t.Fatalf("expected timeout failure, got %+v", r)
	}
}

func TestFetchAllTimesOutIgnoringFetcher(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	f := FetcherFunc(func(ctx context.Context, url string, kind listing.FetchKind) (listing.Record, error) {
		<-release
		return okRecord(), nil
	})
	pool := NewPool(f, PoolConfig{MaxRetries: 1, DelayBetweenPages: -1, FetchTimeout: 20 * time.Millisecond})

	r := collect(pool.FetchAll(context.Background(), jobs(1, listing.KindFull)))[0]
	if !errors.Is(r.Err, ErrFetchTimeout) {
		t.Fatalf("expected timeout, got %v", r.Err)
	}
}

func TestFetchAllTimedOutCallsKeepTheirSlot(t *testing.T) {
	var mu sync.Mutex
	var inflight, peak int
	f := FetcherFunc(func(ctx context.Context, url string, kind listing.FetchKind) (listing.Record, error) {
		mu.Lock()
		inflight++
		if inflight > peak {
			peak = inflight
		}
		mu.Unlock()
		time.Sleep(200 * time.Millisecond)
		mu.Lock()
		inflight--
		mu.Unlock()
		return okRecord(), nil
	})
	pool := NewPool(f, PoolConfig{Concurrency: 1, MaxRetries: 1, DelayBetweenPages: -1, FetchTimeout: 20 * time.Millisecond})

	results := collect(pool.FetchAll(context.Background(), jobs(4, listing.KindFull)))
	if len(results) != 4 {
		t.Fatalf("expected 4 results, got %d", len(results))
	}
	for _, r := range results {
		if !errors.Is(r.Err, ErrFetchTimeout) {
			t.Fatalf("expected timeout, got %v", r.Err)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if peak != 1 {
		t.Fatalf("expected at most 1 fetch in flight, saw %d", peak)
	}
}

func TestFetchAllRetryWaitsForAbandonedCall(t *testing.T) {
	var calls, inflight, peak int32
	f := FetcherFunc(func(ctx context.Context, url string, kind listing.FetchKind) (listing.Record, error) {
		n := atomic.AddInt32(&inflight, 1)
		defer atomic.AddInt32(&inflight, -1)
		if n > atomic.LoadInt32(&peak) {
			atomic.StoreInt32(&peak, n)
		}
		if atomic.AddInt32(&calls, 1) == 1 {
			time.Sleep(100 * time.Millisecond)
		}
		return okRecord(), nil
	})
	pool := NewPool(f, PoolConfig{
		Concurrency:       1,
		MaxRetries:        2,
		DelayBetweenPages: -1,
		FetchTimeout:      20 * time.Millisecond,
		Clock:             clock.NewMock(t0),
	})

	r := collect(pool.FetchAll(context.Background(), jobs(1, listing.KindFull)))[0]
	if r.Outcome != OutcomeFetched || r.Attempts != 2 {
		t.Fatalf("expected success on the retry, got %+v", r)
	}
	if got := atomic.LoadInt32(&peak); got != 1 {
		t.Fatalf("retry overlapped the abandoned call: %d in flight", got)
	}
}

func TestFetchAllRejectsUnusableRecords(t *testing.T) {
	f := FetcherFunc(func(ctx context.Context, url string, kind listing.FetchKind) (listing.Record, error) {
		return listing.Record{TermMonths: 36}, nil
	})
	pool := NewPool(f, PoolConfig{MaxRetries: 2, DelayBetweenPages: -1, Clock: clock.NewMock(t0)})

	r := collect(pool.FetchAll(context.Background(), jobs(1, listing.KindFull)))[0]
	if !errors.Is(r.Err, ErrExtraction) || !r.Exhausted || r.Attempts != 2 {
		t.Fatalf("expected exhausted extraction failure, got %+v", r)
	}
}

func TestFetchAllCancelledBeforeDispatch(t *testing.T) {
	var calls int32
	f := FetcherFunc(func(ctx context.Context, url string, kind listing.FetchKind) (listing.Record, error) {
		atomic.AddInt32(&calls, 1)
		return okRecord(), nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	pool := NewPool(f, PoolConfig{DelayBetweenPages: -1})
	if results := collect(pool.FetchAll(ctx, jobs(4, listing.KindFull))); len(results) != 0 {
		t.Fatalf("expected no results after cancellation, got %d", len(results))
	}
	if calls != 0 {
		t.Fatalf("expected no fetches, got %d", calls)
	}
}

func TestDecideRetry(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		attempt, max int
		err          error
		want         RetryDecision
	}{
		{1, 3, boom, RetryDecision{Retry: true, Wait: time.Second}},
		{2, 3, boom, RetryDecision{Retry: true, Wait: 2 * time.Second}},
		{3, 3, boom, RetryDecision{}},
		{1, 1, boom, RetryDecision{}},
		{1, 3, nil, RetryDecision{}},
		{5, 8, boom, RetryDecision{Retry: true, Wait: 10 * time.Second}},
	}
	for _, tt := range tests {
		got := DecideRetry(tt.attempt, tt.max, tt.err, time.Second, 10*time.Second)
		if got != tt.want {
			t.Fatalf("DecideRetry(%d, %d, %v) = %+v, want %+v", tt.attempt, tt.max, tt.err, got, tt.want)
		}
	}
}
