package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/leasesync/leasesync/pkg/clock"
	"github.com/leasesync/leasesync/pkg/listing"
)

// Tick asks the scheduler to start a run.
type Tick struct {
	At   time.Time
	Kind listing.TriggerKind
}

// Trigger is a source of ticks. The channel is closed when ctx is done.
type Trigger interface {
	Ticks(ctx context.Context) <-chan Tick
}

// Cadence fires a daily tick at a fixed local time of day and, if Hourly is
// set, an hourly tick at the top of every hour.
type Cadence struct {
	Clock  clock.Clock
	Hour   int
	Minute int
	Hourly bool
}

func (c Cadence) clock() clock.Clock {
	if c.Clock == nil {
		return clock.Real{}
	}
	return c.Clock
}

// Next returns the first tick strictly after now. When the daily scan and an
// hourly recheck coincide only the daily tick is produced.
func (c Cadence) Next(now time.Time) Tick {
	daily := time.Date(now.Year(), now.Month(), now.Day(), c.Hour, c.Minute, 0, 0, now.Location())
	if !daily.After(now) {
		daily = daily.AddDate(0, 0, 1)
	}
	if !c.Hourly {
		return Tick{At: daily, Kind: listing.TriggerDaily}
	}
	hourly := now.Truncate(time.Hour).Add(time.Hour)
	if !hourly.Before(daily) {
		return Tick{At: daily, Kind: listing.TriggerDaily}
	}
	return Tick{At: hourly, Kind: listing.TriggerHourly}
}

func (c Cadence) Ticks(ctx context.Context) <-chan Tick {
	ch := make(chan Tick)
	clk := c.clock()
	go func() {
		defer close(ch)
		for {
			now := clk.Now()
			next := c.Next(now)
			if err := clk.Sleep(ctx, next.At.Sub(now)); err != nil {
				return
			}
			select {
			case ch <- next:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

// Manual is a Trigger fed by Fire.
type Manual struct {
	ch chan Tick
}

func NewManual() *Manual {
	return &Manual{ch: make(chan Tick)}
}

// Fire delivers a tick, blocking until the scheduler takes it.
func (m *Manual) Fire(ctx context.Context, t Tick) error {
	select {
	case m.ch <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manual) Ticks(ctx context.Context) <-chan Tick {
	out := make(chan Tick)
	go func() {
		defer close(out)
		for {
			select {
			case t := <-m.ch:
				select {
				case out <- t:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// RequestFor maps a tick to the run it starts: daily ticks scan everything,
// hourly ticks only recheck.
func RequestFor(t Tick) Request {
	switch t.Kind {
	case listing.TriggerHourly:
		return Request{Scope: listing.Scope{Kind: listing.ScopeRecheck}, Trigger: listing.TriggerHourly}
	case listing.TriggerDaily:
		return Request{Scope: listing.Scope{Kind: listing.ScopeFull}, Trigger: listing.TriggerDaily}
	}
	return Request{Scope: listing.Scope{Kind: listing.ScopeFull}, Trigger: listing.TriggerManual}
}

// Start runs the scheduler off trigger until ctx is done. Runs are executed
// one after the other. A daily tick that arrives while a conflicting run
// (for example a manual one) is active is deferred: it runs as soon as that
// run is released, or at the next tick at the latest. Hourly ticks that
// conflict are skipped.
func (s *Scheduler) Start(ctx context.Context, trigger Trigger) error {
	ticks := trigger.Ticks(ctx)
	var (
		deferred *Tick
		released <-chan struct{}
	)
	fire := func(t Tick) error {
		if t.Kind == listing.TriggerDaily {
			deferred, released = nil, nil
		}
		rel := s.state.Released()
		_, err := s.Run(ctx, RequestFor(t))
		switch {
		case err == nil:
		case errors.Is(err, ErrRunInProgress):
			if t.Kind == listing.TriggerDaily {
				s.log.Infof("Deferring daily scan due at %s: %v", t.At.Format(time.RFC3339), err)
				deferred, released = &t, rel
				return nil
			}
			s.log.Infof("Skipping %s tick: %v", t.Kind, err)
		case errors.Is(err, ErrRunCancelled):
			return err
		default:
			s.log.Errorf("%s run failed: %v", t.Kind, err)
		}
		return nil
	}

	for {
		select {
		case t, ok := <-ticks:
			if !ok {
				return ctx.Err()
			}
			if deferred != nil && t.Kind != listing.TriggerDaily {
				if err := fire(*deferred); err != nil {
					return ctx.Err()
				}
				if deferred != nil {
					s.log.Infof("Skipping %s tick, daily scan still deferred", t.Kind)
					continue
				}
			}
			if err := fire(t); err != nil {
				return ctx.Err()
			}
		case <-released:
			if err := fire(*deferred); err != nil {
				return ctx.Err()
			}
		}
	}
}
