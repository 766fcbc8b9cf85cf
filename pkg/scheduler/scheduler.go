// Package scheduler drives sync runs: it enumerates tracked deals, decides
// which ones are due, fetches them through the worker pool, reconciles the
// results and appends one SyncRun to the sync log per run.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/leasesync/leasesync/pkg/clock"
	"github.com/leasesync/leasesync/pkg/fetch"
	"github.com/leasesync/leasesync/pkg/listing"
	"github.com/leasesync/leasesync/pkg/reconcile"
	"github.com/leasesync/leasesync/pkg/runlock"
	"github.com/leasesync/leasesync/pkg/staleness"
	"github.com/leasesync/leasesync/pkg/storage"
)

var (
	ErrRunInProgress = errors.New("a conflicting sync run is in progress")
	ErrRunCancelled  = errors.New("sync run cancelled before reconciliation")
)

// DealStore holds one DealState per tracked identity.
type DealStore interface {
	ListIdentities(ctx context.Context) ([]listing.Identity, error)
	GetDeal(ctx context.Context, key string) (listing.DealState, error)
	UpsertDeal(ctx context.Context, s listing.DealState) (listing.DealState, error)
}

// SyncLog is the append-only record of finished runs.
type SyncLog interface {
	AppendRun(ctx context.Context, run listing.SyncRun) (int64, error)
	ListRuns(ctx context.Context, limit int) ([]listing.SyncRun, error)
}

// Observer is notified of finished runs.
type Observer interface {
	RunFinished(run listing.SyncRun)
	SetCooling(n int)
}

type nopObserver struct{}

func (nopObserver) RunFinished(listing.SyncRun) {}

func (nopObserver) SetCooling(int) {}

// Config wires a Scheduler.
type Config struct {
	Policy           staleness.Policy
	CooldownInterval time.Duration

	State    *RunState      // optional; a fresh RunState when nil
	Clock    clock.Clock    // optional; defaults to the real clock
	Locker   runlock.Locker // optional cross-process lock
	LockName string
	Log      logrus.FieldLogger // optional
	Observer Observer           // optional
}

// Request describes one run.
type Request struct {
	Scope   listing.Scope
	Trigger listing.TriggerKind
	// Force fetches targeted identities in full whatever their class.
	Force bool
}

type Scheduler struct {
	store    DealStore
	synclog  SyncLog
	pool     *fetch.Pool
	policy   staleness.Policy
	cooldown time.Duration
	state    *RunState
	clock    clock.Clock
	locker   runlock.Locker
	lockName string
	log      logrus.FieldLogger
	obs      Observer
}

const DefaultCooldownInterval = 12 * time.Hour

func New(store DealStore, synclog SyncLog, pool *fetch.Pool, cfg Config) *Scheduler {
	s := &Scheduler{
		store:    store,
		synclog:  synclog,
		pool:     pool,
		policy:   cfg.Policy,
		cooldown: cfg.CooldownInterval,
		state:    cfg.State,
		clock:    cfg.Clock,
		locker:   cfg.Locker,
		lockName: cfg.LockName,
		log:      cfg.Log,
		obs:      cfg.Observer,
	}
	if s.policy == (staleness.Policy{}) {
		s.policy = staleness.DefaultPolicy()
	}
	if s.policy.MaxRetries <= 0 {
		s.policy.MaxRetries = pool.Config().MaxRetries
	}
	if s.cooldown <= 0 {
		s.cooldown = DefaultCooldownInterval
	}
	if s.state == nil {
		s.state = NewRunState()
	}
	if s.clock == nil {
		s.clock = clock.Real{}
	}
	if s.lockName == "" {
		s.lockName = "sync"
	}
	if s.log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		s.log = l
	}
	if s.obs == nil {
		s.obs = nopObserver{}
	}
	return s
}

// State exposes the run state shared with other components.
func (s *Scheduler) State() *RunState { return s.state }

// run is a run that holds its locks and is ready to execute.
type run struct {
	req     Request
	rec     listing.SyncRun
	log     logrus.FieldLogger
	release func()
}

// Run executes one run synchronously and returns the persisted SyncRun.
func (s *Scheduler) Run(ctx context.Context, req Request) (listing.SyncRun, error) {
	r, err := s.begin(ctx, req)
	if err != nil {
		return listing.SyncRun{}, err
	}
	return s.execute(ctx, r)
}

// Submit acquires the run's locks and then executes it in the background.
// Lock conflicts are reported immediately; done, if non-nil, receives the
// outcome.
func (s *Scheduler) Submit(ctx context.Context, req Request, done func(listing.SyncRun, error)) (string, error) {
	r, err := s.begin(ctx, req)
	if err != nil {
		return "", err
	}
	go func() {
		out, err := s.execute(ctx, r)
		if done != nil {
			done(out, err)
		}
	}()
	return r.rec.ID, nil
}

func (s *Scheduler) begin(ctx context.Context, req Request) (*run, error) {
	if req.Trigger == "" {
		req.Trigger = listing.TriggerManual
	}
	if req.Scope.Kind == "" {
		req.Scope.Kind = listing.ScopeFull
	}
	if req.Scope.Kind == listing.ScopeTargeted {
		req.Scope.Identities = dedupe(req.Scope.Identities)
		if len(req.Scope.Identities) == 0 {
			return nil, errors.New("targeted run without identities")
		}
	} else {
		req.Scope.Identities = nil
	}

	rec := listing.SyncRun{
		ID:        uuid.NewString(),
		StartedAt: s.clock.Now(),
		Scope:     req.Scope,
		Trigger:   req.Trigger,
	}
	log := s.log.WithFields(logrus.Fields{
		"run_id":  rec.ID,
		"scope":   string(req.Scope.Kind),
		"trigger": string(req.Trigger),
	})

	if err := s.state.acquire(rec.ID, req.Scope, req.Trigger, rec.StartedAt); err != nil {
		log.Warnf("Not starting run: %v", err)
		return nil, err
	}
	var unlock runlock.Release
	if s.locker != nil {
		var err error
		unlock, err = s.locker.Acquire(ctx, s.lockName)
		if err != nil {
			s.state.release(rec.ID, time.Time{})
			log.Warnf("Not starting run: %v", err)
			if errors.Is(err, runlock.ErrLocked) {
				return nil, fmt.Errorf("%w: %v", ErrRunInProgress, err)
			}
			return nil, fmt.Errorf("could not acquire run lock: %w", err)
		}
	}

	r := &run{req: req, rec: rec, log: log}
	r.release = func() {
		if unlock != nil {
			if err := unlock(context.Background()); err != nil {
				log.Warnf("Could not release run lock: %v", err)
			}
		}
	}
	return r, nil
}

// execute walks the run through its phases. Cancellation is honoured until
// dispatch completes; after that the run always finishes.
func (s *Scheduler) execute(ctx context.Context, r *run) (listing.SyncRun, error) {
	var finished time.Time
	defer func() {
		r.release()
		s.state.release(r.rec.ID, finished)
	}()
	log := r.log
	log.Infof("Starting %s run", r.req.Scope.Kind)

	s.state.setPhase(r.rec.ID, PhaseEnumerating)
	p, err := s.plan(ctx, r.req, log)
	enumErr := err
	if err != nil {
		if ctx.Err() != nil {
			return listing.SyncRun{}, fmt.Errorf("%w: %v", ErrRunCancelled, err)
		}
		log.Errorf("Could not enumerate deals: %v", err)
	}

	s.state.setPhase(r.rec.ID, PhaseDispatching)
	results := s.dispatch(ctx, p)
	if ctx.Err() != nil {
		log.Warnf("Run cancelled during dispatch, discarding %d results", len(results))
		return listing.SyncRun{}, ErrRunCancelled
	}

	// From here on the run completes even if ctx is cancelled.
	wctx := context.WithoutCancel(ctx)
	s.state.setPhase(r.rec.ID, PhaseReconciling)
	outcome := s.reconcileAll(wctx, p, results, r.rec.StartedAt, log)

	s.state.setPhase(r.rec.ID, PhaseFinalizing)
	rec := r.rec
	rec.FinishedAt = s.clock.Now()
	rec.Counts = Aggregate(outcome.changes, len(p.jobs), len(outcome.failed))
	rec.UpdatedIdentities = outcome.updated
	rec.FailedIdentities = outcome.failed
	rec.MissingFieldCount = outcome.missing
	rec.Status = listing.RunCompleted
	if enumErr != nil {
		rec.Status = listing.RunFailed
	}

	id, err := s.synclog.AppendRun(wctx, rec)
	if err != nil {
		log.Errorf("Could not persist sync run: %v", err)
		rec.Status = listing.RunFailed
		return rec, fmt.Errorf("append sync run: %w", err)
	}
	rec.EntryID = id
	finished = rec.FinishedAt

	s.obs.RunFinished(rec)
	if rec.Scope.Kind != listing.ScopeTargeted && enumErr == nil {
		s.obs.SetCooling(p.cooling + outcome.cooling)
	}
	log.WithFields(logrus.Fields{
		"scanned":  rec.Counts.DealsScannedCount,
		"updated":  rec.Counts.DealsUpdatedCount,
		"mf":       rec.Counts.MFChangeCount,
		"rv":       rec.Counts.RVChangeCount,
		"failures": rec.Counts.FetchFailureCount,
	}).Infof("Run finished in %s", rec.FinishedAt.Sub(rec.StartedAt))
	return rec, nil
}

type plan struct {
	deals   map[string]listing.DealState
	jobs    []fetch.Job
	cooling int // skipped deals still in cooldown
}

// plan enumerates the run's identities and keeps the ones that are due.
func (s *Scheduler) plan(ctx context.Context, req Request, log logrus.FieldLogger) (plan, error) {
	p := plan{deals: make(map[string]listing.DealState)}
	ids, err := s.store.ListIdentities(ctx)
	if err != nil {
		return p, err
	}

	var wanted map[string]struct{}
	if req.Scope.Kind == listing.ScopeTargeted {
		wanted = make(map[string]struct{}, len(req.Scope.Identities))
		for _, k := range req.Scope.Identities {
			wanted[k] = struct{}{}
		}
	}

	now := s.clock.Now()
	for _, id := range ids {
		key := id.Key()
		if wanted != nil {
			if _, ok := wanted[key]; !ok {
				continue
			}
			delete(wanted, key)
		}
		deal, err := s.store.GetDeal(ctx, key)
		if err != nil {
			if ctx.Err() != nil {
				return p, ctx.Err()
			}
			log.Warnf("Skipping %s: %v", key, err)
			continue
		}
		kind, ok := s.Partition(req, deal, now)
		if !ok {
			if deal.CoolingDown(now) {
				p.cooling++
			}
			continue
		}
		p.deals[key] = deal
		p.jobs = append(p.jobs, fetch.Job{Identity: deal.Identity, Kind: kind})
	}
	for k := range wanted {
		log.Warnf("Requested identity %s is not tracked", k)
	}
	return p, nil
}

// Partition decides whether deal is fetched in a run for req, and how.
func (s *Scheduler) Partition(req Request, deal listing.DealState, now time.Time) (listing.FetchKind, bool) {
	if req.Force && req.Scope.Kind == listing.ScopeTargeted {
		return listing.KindFull, true
	}
	class := s.policy.Classify(deal, now)
	switch req.Scope.Kind {
	case listing.ScopeRecheck:
		if s.policy.CooldownExpired(deal, now) && class != staleness.LightweightDue {
			return listing.KindFull, true
		}
		switch class {
		case staleness.FullRefetchDue:
			return listing.KindFull, true
		case staleness.LightweightDue:
			return listing.KindLightweight, true
		}
		return "", false
	default:
		switch class {
		case staleness.FullRefetchDue:
			return listing.KindFull, true
		case staleness.LightweightDue:
			return listing.KindLightweight, true
		}
		return "", false
	}
}

func (s *Scheduler) dispatch(ctx context.Context, p plan) []fetch.Result {
	if len(p.jobs) == 0 {
		return nil
	}
	results := make([]fetch.Result, 0, len(p.jobs))
	for res := range s.pool.FetchAll(ctx, p.jobs) {
		results = append(results, res)
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].Job.Identity.Key() < results[j].Job.Identity.Key()
	})
	return results
}

type outcome struct {
	changes []reconcile.ChangeRecord
	updated []string
	failed  []string
	missing int
	cooling int
}

// reconcileAll stamps successful fetches with the run's start time, so a
// deal refreshed by one daily scan has aged a full threshold by the next.
// Failures start their cooldown from the time they are recorded.
func (s *Scheduler) reconcileAll(ctx context.Context, p plan, results []fetch.Result, startedAt time.Time, log logrus.FieldLogger) outcome {
	var out outcome
	now := s.clock.Now()
	for _, res := range results {
		key := res.Job.Identity.Key()
		deal := p.deals[key]

		var (
			next listing.DealState
			cr   reconcile.ChangeRecord
			ok   bool
		)
		switch res.Outcome {
		case fetch.OutcomeFetched:
			cr, next = reconcile.Reconcile(deal, res.Record, startedAt)
			ok = true
		default:
			next = reconcile.ApplyFailure(deal, res.Attempts, now, s.policy.MaxRetries, s.cooldown)
			if res.Exhausted {
				out.failed = append(out.failed, key)
			}
			log.WithField("identity", key).Warnf("Fetch failed after %d attempts: %v", res.Attempts, res.Err)
		}

		if _, err := s.store.UpsertDeal(ctx, next); err != nil {
			if errors.Is(err, storage.ErrReconciliationConflict) {
				log.WithField("identity", key).Warnf("Deal changed underneath the run, not updated: %v", err)
			} else {
				log.WithField("identity", key).Errorf("Could not store deal: %v", err)
			}
			continue
		}
		if next.CoolingDown(now) {
			out.cooling++
		}
		if !ok {
			continue
		}
		out.changes = append(out.changes, cr)
		if cr.Updated {
			out.updated = append(out.updated, key)
			log.WithField("identity", key).Infof("Updated %d field(s)", len(cr.Deltas))
		}
		if len(cr.Missing) > 0 {
			out.missing++
			log.WithField("identity", key).Debugf("Missing fields: %v", cr.Missing)
		}
	}
	return out
}

// Aggregate folds the change records of one run into its counters.
// Initial population of a deal counts as an update but not as drift.
func Aggregate(changes []reconcile.ChangeRecord, scanned, failures int) listing.RunCounts {
	c := listing.RunCounts{DealsScannedCount: scanned, FetchFailureCount: failures}
	for _, cr := range changes {
		if !cr.Updated {
			continue
		}
		c.DealsUpdatedCount++
		if cr.Initial {
			continue
		}
		if cr.MoneyFactorChanged() {
			c.MFChangeCount++
		}
		if cr.ResidualChanged() {
			c.RVChangeCount++
		}
	}
	return c
}

func dedupe(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}
