package listing

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Decimal places applied before financial terms are compared.
const (
	MoneyFactorPlaces = 5
	ResidualPlaces    = 2
	PricePlaces       = 2
)

// FetchKind selects how much of a listing a fetch retrieves.
type FetchKind string

const (
	KindFull        FetchKind = "full"
	KindLightweight FetchKind = "lightweight"
)

// Record is the immutable snapshot produced by one successful fetch.
// Zero or invalid fields mean the source did not expose them.
type Record struct {
	Identity        Identity
	Kind            FetchKind
	Price           decimal.NullDecimal
	TermMonths      int
	MoneyFactors    map[string]decimal.Decimal // credit tier -> money factor
	ResidualPercent decimal.NullDecimal
	Fees            map[string]decimal.Decimal
	Images          []string
	FetchedAt       time.Time
}

// Validate reports whether the record is usable for reconciliation.
func (r Record) Validate() error {
	if !r.Price.Valid {
		return errors.New("price missing")
	}
	if r.Price.Decimal.IsNegative() {
		return fmt.Errorf("negative price %s", r.Price.Decimal)
	}
	if r.TermMonths < 0 {
		return fmt.Errorf("negative term %d", r.TermMonths)
	}
	for tier, mf := range r.MoneyFactors {
		if strings.TrimSpace(tier) == "" {
			return errors.New("money factor with empty credit tier")
		}
		if mf.IsNegative() {
			return fmt.Errorf("negative money factor for tier %s", tier)
		}
	}
	if r.ResidualPercent.Valid && (r.ResidualPercent.Decimal.IsNegative() || r.ResidualPercent.Decimal.GreaterThan(decimal.NewFromInt(100))) {
		return fmt.Errorf("residual percent out of range: %s", r.ResidualPercent.Decimal)
	}
	return nil
}

// Normalized returns a copy with every financial value rounded to its
// comparison precision and credit tiers trimmed.
func (r Record) Normalized() Record {
	out := r
	if r.Price.Valid {
		out.Price = decimal.NewNullDecimal(NormalizePrice(r.Price.Decimal))
	}
	if r.ResidualPercent.Valid {
		out.ResidualPercent = decimal.NewNullDecimal(NormalizeResidual(r.ResidualPercent.Decimal))
	}
	if r.MoneyFactors != nil {
		out.MoneyFactors = make(map[string]decimal.Decimal, len(r.MoneyFactors))
		for tier, mf := range r.MoneyFactors {
			out.MoneyFactors[strings.TrimSpace(tier)] = NormalizeMoneyFactor(mf)
		}
	}
	if r.Fees != nil {
		out.Fees = make(map[string]decimal.Decimal, len(r.Fees))
		for name, fee := range r.Fees {
			out.Fees[strings.TrimSpace(name)] = NormalizePrice(fee)
		}
	}
	out.Images = append([]string(nil), r.Images...)
	return out
}

func NormalizeMoneyFactor(d decimal.Decimal) decimal.Decimal { return d.Round(MoneyFactorPlaces) }
func NormalizeResidual(d decimal.Decimal) decimal.Decimal    { return d.Round(ResidualPlaces) }
func NormalizePrice(d decimal.Decimal) decimal.Decimal       { return d.Round(PricePlaces) }

// Terms are the financial terms currently held for a deal.
type Terms struct {
	Price           decimal.NullDecimal        `json:"price"`
	TermMonths      int                        `json:"term_months,omitempty"`
	MoneyFactors    map[string]decimal.Decimal `json:"money_factors,omitempty"`
	ResidualPercent decimal.NullDecimal        `json:"residual_percent"`
	Fees            map[string]decimal.Decimal `json:"fees,omitempty"`
	Images          []string                   `json:"images,omitempty"`
}

// Clone returns a deep copy of t.
func (t Terms) Clone() Terms {
	out := t
	if t.MoneyFactors != nil {
		out.MoneyFactors = make(map[string]decimal.Decimal, len(t.MoneyFactors))
		for k, v := range t.MoneyFactors {
			out.MoneyFactors[k] = v
		}
	}
	if t.Fees != nil {
		out.Fees = make(map[string]decimal.Decimal, len(t.Fees))
		for k, v := range t.Fees {
			out.Fees[k] = v
		}
	}
	out.Images = append([]string(nil), t.Images...)
	return out
}

// Tiers returns the credit tiers of the money factor table, sorted.
func (t Terms) Tiers() []string {
	tiers := make([]string, 0, len(t.MoneyFactors))
	for tier := range t.MoneyFactors {
		tiers = append(tiers, tier)
	}
	sort.Strings(tiers)
	return tiers
}

// DealState is the durable, mutable record held per tracked identity.
type DealState struct {
	Identity            Identity   `json:"identity"`
	Terms               Terms      `json:"terms"`
	TrackedAt           time.Time  `json:"tracked_at"`
	LastFetchedAt       time.Time  `json:"last_fetched_at"`
	LastSuccessAt       *time.Time `json:"last_success_at,omitempty"`
	LastCheckedAt       *time.Time `json:"last_checked_at,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	NextEligibleAt      time.Time  `json:"next_eligible_at"`
	MissingFields       []string   `json:"missing_fields,omitempty"`
	Version             int64      `json:"version"`
}

// Clone returns a deep copy of s.
func (s DealState) Clone() DealState {
	out := s
	out.Terms = s.Terms.Clone()
	out.LastSuccessAt = copyTime(s.LastSuccessAt)
	out.LastCheckedAt = copyTime(s.LastCheckedAt)
	out.MissingFields = append([]string(nil), s.MissingFields...)
	return out
}

// CoolingDown reports whether the deal is inside a post-failure cooldown.
func (s DealState) CoolingDown(now time.Time) bool {
	return !s.NextEligibleAt.IsZero() && now.Before(s.NextEligibleAt)
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
