// Package staleness decides whether a tracked deal needs to be fetched again.
package staleness

import (
	"time"

	"github.com/leasesync/leasesync/pkg/listing"
)

// Class is derived from a DealState and the current time; it is never stored.
type Class int

const (
	Fresh Class = iota
	LightweightDue
	FullRefetchDue
	Failing
)

func (c Class) String() string {
	switch c {
	case Fresh:
		return "fresh"
	case LightweightDue:
		return "lightweight_due"
	case FullRefetchDue:
		return "full_refetch_due"
	case Failing:
		return "failing"
	}
	return "unknown"
}

const (
	DefaultStalenessThreshold  = 24 * time.Hour
	DefaultLightweightInterval = 6 * time.Hour
	DefaultMaxRetries          = 3
)

// Policy holds the thresholds used by Classify.
type Policy struct {
	// StalenessThreshold is the age after which terms need a full re-fetch.
	StalenessThreshold time.Duration
	// LightweightInterval is the age after which a price/existence check is due.
	LightweightInterval time.Duration
	MaxRetries          int
}

// DefaultPolicy returns the policy with default thresholds.
func DefaultPolicy() Policy {
	return Policy{
		StalenessThreshold:  DefaultStalenessThreshold,
		LightweightInterval: DefaultLightweightInterval,
		MaxRetries:          DefaultMaxRetries,
	}
}

// Classify evaluates the rules top to bottom and returns the first match.
func (p Policy) Classify(s listing.DealState, now time.Time) Class {
	maxRetries := p.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	if s.ConsecutiveFailures >= maxRetries && now.Before(s.NextEligibleAt) {
		return Failing
	}
	if s.LastSuccessAt == nil {
		return FullRefetchDue
	}
	age := now.Sub(*s.LastSuccessAt)
	if age >= p.StalenessThreshold {
		return FullRefetchDue
	}
	if age >= p.LightweightInterval {
		// A recent lightweight check defers the next one.
		if s.LastCheckedAt != nil && now.Sub(*s.LastCheckedAt) < p.LightweightInterval {
			return Fresh
		}
		return LightweightDue
	}
	return Fresh
}

// CooldownExpired reports whether s exhausted its retries earlier and its
// cooldown is now over.
func (p Policy) CooldownExpired(s listing.DealState, now time.Time) bool {
	maxRetries := p.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return s.ConsecutiveFailures >= maxRetries && !s.NextEligibleAt.IsZero() && !now.Before(s.NextEligibleAt)
}
