// Package fetch runs listing fetches against an external source with bounded
// concurrency, dispatch spacing, per-attempt timeouts and retry with backoff.
package fetch

import (
	"context"
	"errors"
	"time"

	"github.com/leasesync/leasesync/pkg/listing"
)

var (
	ErrFetchTimeout     = errors.New("fetch timed out")
	ErrFetchTransport   = errors.New("fetch transport error")
	ErrExtraction       = errors.New("listing extraction failed")
	ErrRetriesExhausted = errors.New("retries exhausted")
)

// Fetcher retrieves one listing page. Implementations must not retry;
// retries belong to the Pool.
type Fetcher interface {
	Fetch(ctx context.Context, url string, kind listing.FetchKind) (listing.Record, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, url string, kind listing.FetchKind) (listing.Record, error)

func (f FetcherFunc) Fetch(ctx context.Context, url string, kind listing.FetchKind) (listing.Record, error) {
	return f(ctx, url, kind)
}

// Job is one identity to fetch.
type Job struct {
	Identity listing.Identity
	Kind     listing.FetchKind
}

// Outcome tags a Result.
type Outcome int

const (
	OutcomeFetched Outcome = iota
	OutcomeFailed
)

func (o Outcome) String() string {
	if o == OutcomeFetched {
		return "fetched"
	}
	return "failed"
}

// Result is the tagged outcome of fetching one Job. Record is set only for
// OutcomeFetched; Err only for OutcomeFailed.
type Result struct {
	Job       Job
	Outcome   Outcome
	Record    listing.Record
	Err       error
	Attempts  int
	Exhausted bool // failed on every one of the allowed attempts
	Finished  time.Time
}

// Logger is satisfied by logrus and most leveled loggers.
type Logger interface {
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
}

type nopLogger struct{}

func (nopLogger) Infof(string, ...interface{})  {}
func (nopLogger) Warnf(string, ...interface{})  {}
func (nopLogger) Errorf(string, ...interface{}) {}
func (nopLogger) Debugf(string, ...interface{}) {}

// Observer receives per-attempt telemetry.
type Observer interface {
	FetchStarted()
	FetchFinished(kind listing.FetchKind, err error, took time.Duration)
}

type nopObserver struct{}

func (nopObserver) FetchStarted() {}

func (nopObserver) FetchFinished(listing.FetchKind, error, time.Duration) {}
