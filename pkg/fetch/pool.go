package fetch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/leasesync/leasesync/pkg/clock"
	"github.com/leasesync/leasesync/pkg/listing"
)

const (
	DefaultConcurrency       = 3
	DefaultDelayBetweenPages = 2 * time.Second
	DefaultMaxRetries        = 3
	DefaultFetchTimeout      = 45 * time.Second
	DefaultBackoffMin        = 2 * time.Second
	DefaultBackoffMax        = 30 * time.Second
)

// PoolConfig controls a Pool. Zero values fall back to the defaults, except
// DelayBetweenPages where a negative value disables spacing.
type PoolConfig struct {
	Concurrency       int
	DelayBetweenPages time.Duration
	MaxRetries        int
	FetchTimeout      time.Duration
	BackoffMin        time.Duration
	BackoffMax        time.Duration

	Clock    clock.Clock // optional; defaults to the real clock
	Log      Logger      // optional; nil = no logging
	Observer Observer    // optional
}

// Pool executes Fetcher calls for a batch of jobs.
type Pool struct {
	fetcher Fetcher
	cfg     PoolConfig
	clock   clock.Clock
	log     Logger
	obs     Observer

	// sem bounds the Fetcher calls in flight, including calls abandoned
	// after their timeout that have not returned yet.
	sem *semaphore.Weighted

	paceMu  sync.Mutex
	limiter *rate.Limiter
}

// NewPool builds a Pool around f.
func NewPool(f Fetcher, cfg PoolConfig) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.DelayBetweenPages == 0 {
		cfg.DelayBetweenPages = DefaultDelayBetweenPages
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	if cfg.BackoffMin <= 0 {
		cfg.BackoffMin = DefaultBackoffMin
	}
	if cfg.BackoffMax < cfg.BackoffMin {
		cfg.BackoffMax = max(DefaultBackoffMax, cfg.BackoffMin)
	}
	p := &Pool{
		fetcher: f,
		cfg:     cfg,
		clock:   cfg.Clock,
		log:     cfg.Log,
		obs:     cfg.Observer,
		sem:     semaphore.NewWeighted(int64(cfg.Concurrency)),
	}
	if p.clock == nil {
		p.clock = clock.Real{}
	}
	if p.log == nil {
		p.log = nopLogger{}
	}
	if p.obs == nil {
		p.obs = nopObserver{}
	}
	if cfg.DelayBetweenPages > 0 {
		p.limiter = rate.NewLimiter(rate.Every(cfg.DelayBetweenPages), 1)
	}
	return p
}

// Config returns the effective configuration.
func (p *Pool) Config() PoolConfig { return p.cfg }

// FetchAll dispatches every job and streams one Result per dispatched job.
// The channel is closed once every dispatched job has resolved. When ctx is
// cancelled no further jobs or retries are dispatched; attempts already in
// flight run to completion and still report a Result.
//
// At most Concurrency Fetcher calls run at once across all FetchAll calls on
// the pool. A call that outlives its timeout keeps its slot until it returns.
func (p *Pool) FetchAll(ctx context.Context, jobs []Job) <-chan Result {
	out := make(chan Result, len(jobs))

	go func() {
		defer close(out)
		var wg sync.WaitGroup
		for _, job := range jobs {
			if err := p.sem.Acquire(ctx, 1); err != nil {
				break
			}
			if err := p.pace(ctx); err != nil {
				p.sem.Release(1)
				break
			}
			wg.Add(1)
			go func(job Job) {
				defer wg.Done()
				out <- p.fetchWithRetry(ctx, job)
			}(job)
		}
		wg.Wait()
	}()
	return out
}

// fetchWithRetry runs up to MaxRetries attempts for one job. It is called
// holding a pool slot and gives it back before returning, unless an
// abandoned attempt has taken it over.
func (p *Pool) fetchWithRetry(ctx context.Context, job Job) Result {
	res := Result{Job: job}
	held := true
	defer func() {
		if held {
			p.sem.Release(1)
		}
	}()
	for attempt := 1; ; attempt++ {
		if !held {
			if err := p.sem.Acquire(ctx, 1); err != nil {
				res.Outcome = OutcomeFailed
				res.Err = err
				res.Finished = p.clock.Now()
				return res
			}
			held = true
		}
		res.Attempts = attempt
		rec, abandoned, err := p.attempt(ctx, job)
		if abandoned {
			held = false
		}
		if err == nil {
			res.Outcome = OutcomeFetched
			res.Record = rec
			res.Finished = p.clock.Now()
			if attempt > 1 {
				p.log.Infof("Fetched %s after %d attempts", job.Identity.Key(), attempt)
			}
			return res
		}

		d := DecideRetry(attempt, p.cfg.MaxRetries, err, p.cfg.BackoffMin, p.cfg.BackoffMax)
		if !d.Retry {
			res.Outcome = OutcomeFailed
			res.Exhausted = true
			res.Err = fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempt, err)
			res.Finished = p.clock.Now()
			p.log.Warnf("Giving up on %s: %v", job.Identity.Key(), res.Err)
			return res
		}
		p.log.Debugf("Attempt %d for %s failed, retrying in %s: %v", attempt, job.Identity.Key(), d.Wait, err)

		if werr := p.clock.Sleep(ctx, d.Wait); werr == nil {
			werr = p.pace(ctx)
			if werr == nil {
				continue
			}
			err = werr
		} else {
			err = werr
		}
		res.Outcome = OutcomeFailed
		res.Err = err
		res.Finished = p.clock.Now()
		return res
	}
}

// attempt runs a single Fetcher call under the per-fetch timeout. The call
// is detached from ctx cancellation so an in-flight fetch is never aborted
// by run cancellation, only by its own deadline.
//
// When the deadline passes before the Fetcher returns, attempt reports the
// timeout and abandoned is true: the caller's slot now belongs to the
// running call and is released when it returns.
func (p *Pool) attempt(ctx context.Context, job Job) (_ listing.Record, abandoned bool, _ error) {
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.FetchTimeout)
	defer cancel()

	type reply struct {
		rec listing.Record
		err error
	}
	done := make(chan reply, 1)
	start := time.Now()
	p.obs.FetchStarted()
	go func() {
		rec, err := p.fetcher.Fetch(actx, job.Identity.URL, job.Kind)
		done <- reply{rec, err}
	}()

	var r reply
	select {
	case r = <-done:
	case <-actx.Done():
		r.err = actx.Err()
		abandoned = true
		go func() {
			<-done
			p.sem.Release(1)
		}()
	}
	err := classifyError(r.err)
	if err == nil {
		if verr := r.rec.Validate(); verr != nil {
			err = fmt.Errorf("%w: %v", ErrExtraction, verr)
		}
	}
	p.obs.FetchFinished(job.Kind, err, time.Since(start))
	if err != nil {
		return listing.Record{}, abandoned, err
	}

	rec := r.rec.Normalized()
	rec.Identity = job.Identity
	rec.Kind = job.Kind
	if rec.FetchedAt.IsZero() {
		rec.FetchedAt = p.clock.Now()
	}
	return rec, false, nil
}

// pace enforces the minimum spacing between successive dispatches.
func (p *Pool) pace(ctx context.Context) error {
	if p.limiter == nil {
		return ctx.Err()
	}
	p.paceMu.Lock()
	now := p.clock.Now()
	wait := p.limiter.ReserveN(now, 1).DelayFrom(now)
	p.paceMu.Unlock()
	return p.clock.Sleep(ctx, wait)
}

func classifyError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrFetchTimeout), errors.Is(err, ErrFetchTransport), errors.Is(err, ErrExtraction):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrFetchTimeout, err)
	default:
		return fmt.Errorf("%w: %v", ErrFetchTransport, err)
	}
}

// RetryDecision is the result of DecideRetry.
type RetryDecision struct {
	Retry bool
	Wait  time.Duration
}

// DecideRetry decides, after attempt number attempt (1-based) failed with
// err, whether another attempt is allowed and how long to back off first.
// maxRetries is the total attempt budget per identity.
func DecideRetry(attempt, maxRetries int, err error, backoffMin, backoffMax time.Duration) RetryDecision {
	if err == nil || attempt >= maxRetries {
		return RetryDecision{}
	}
	return RetryDecision{
		Retry: true,
		Wait:  retryablehttp.DefaultBackoff(backoffMin, backoffMax, attempt-1, nil),
	}
}
