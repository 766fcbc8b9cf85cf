// Package reconcile compares freshly fetched listings with stored deals and
// produces the next deal state together with a field-level change record.
package reconcile

import (
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/leasesync/leasesync/pkg/listing"
)

// Compared field names.
const (
	FieldPrice       = "price"
	FieldTermMonths  = "termMonths"
	FieldResidual    = "residualPercent"
	moneyFactorField = "moneyFactor"
)

// MoneyFactorField names the money factor of one credit tier.
func MoneyFactorField(tier string) string {
	return moneyFactorField + "[" + tier + "]"
}

// Delta is one changed financial field. Old is empty when the field had no
// prior value.
type Delta struct {
	Field string `json:"field"`
	Old   string `json:"old"`
	New   string `json:"new"`
}

// ChangeRecord is the outcome of comparing one fetched record with its deal.
type ChangeRecord struct {
	Identity listing.Identity
	Kind     listing.FetchKind
	Deltas   []Delta
	// Missing lists fields the stored deal has but the fetch did not return.
	// Their prior values are retained.
	Missing []string
	Updated bool
	// Initial is set when the deal had never been populated before.
	Initial bool
}

// MoneyFactorChanged reports whether any credit tier changed.
func (c ChangeRecord) MoneyFactorChanged() bool {
	for _, d := range c.Deltas {
		if strings.HasPrefix(d.Field, moneyFactorField+"[") {
			return true
		}
	}
	return false
}

// ResidualChanged reports whether the residual percent changed.
func (c ChangeRecord) ResidualChanged() bool {
	for _, d := range c.Deltas {
		if d.Field == FieldResidual {
			return true
		}
	}
	return false
}

type comparison struct {
	deltas  []Delta
	missing []string
}

func (c *comparison) decimal(field string, old, cur decimal.NullDecimal, norm func(decimal.Decimal) decimal.Decimal) decimal.NullDecimal {
	if !cur.Valid {
		if old.Valid {
			c.missing = append(c.missing, field)
		}
		return old
	}
	n := norm(cur.Decimal)
	if old.Valid && norm(old.Decimal).Equal(n) {
		return old
	}
	prev := ""
	if old.Valid {
		prev = old.Decimal.String()
	}
	c.deltas = append(c.deltas, Delta{Field: field, Old: prev, New: n.String()})
	return decimal.NewNullDecimal(n)
}

func (c *comparison) months(old, cur int) int {
	if cur <= 0 {
		if old > 0 {
			c.missing = append(c.missing, FieldTermMonths)
		}
		return old
	}
	if cur == old {
		return old
	}
	prev := ""
	if old > 0 {
		prev = decimal.NewFromInt(int64(old)).String()
	}
	c.deltas = append(c.deltas, Delta{Field: FieldTermMonths, Old: prev, New: decimal.NewFromInt(int64(cur)).String()})
	return cur
}

func (c *comparison) moneyFactors(old, cur map[string]decimal.Decimal) map[string]decimal.Decimal {
	tiers := make(map[string]struct{}, len(old)+len(cur))
	for t := range old {
		tiers[t] = struct{}{}
	}
	for t := range cur {
		tiers[t] = struct{}{}
	}
	sorted := make([]string, 0, len(tiers))
	for t := range tiers {
		sorted = append(sorted, t)
	}
	sort.Strings(sorted)

	out := make(map[string]decimal.Decimal, len(sorted))
	for _, tier := range sorted {
		prev, hadPrev := old[tier]
		next, hasNext := cur[tier]
		var o, n decimal.NullDecimal
		if hadPrev {
			o = decimal.NewNullDecimal(prev)
		}
		if hasNext {
			n = decimal.NewNullDecimal(next)
		}
		if v := c.decimal(MoneyFactorField(tier), o, n, listing.NormalizeMoneyFactor); v.Valid {
			out[tier] = v.Decimal
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Reconcile compares rec with the stored deal old and returns the change
// record and the next deal state. Only financially material fields are
// compared; a lightweight record is compared on price alone and never
// confirms the money factor table.
func Reconcile(old listing.DealState, rec listing.Record, now time.Time) (ChangeRecord, listing.DealState) {
	next := old.Clone()
	if next.Identity.Key() != rec.Identity.Key() && rec.Identity.URL != "" {
		next.Identity = rec.Identity
	}
	cr := ChangeRecord{
		Identity: next.Identity,
		Kind:     rec.Kind,
		Initial:  old.LastSuccessAt == nil,
	}

	var cmp comparison
	terms := old.Terms.Clone()
	terms.Price = cmp.decimal(FieldPrice, old.Terms.Price, rec.Price, listing.NormalizePrice)
	if rec.Kind != listing.KindLightweight {
		terms.TermMonths = cmp.months(old.Terms.TermMonths, rec.TermMonths)
		terms.MoneyFactors = cmp.moneyFactors(old.Terms.MoneyFactors, rec.MoneyFactors)
		terms.ResidualPercent = cmp.decimal(FieldResidual, old.Terms.ResidualPercent, rec.ResidualPercent, listing.NormalizeResidual)
	}
	cr.Deltas = cmp.deltas
	cr.Missing = cmp.missing
	cr.Updated = len(cmp.deltas) > 0

	if cr.Updated {
		if rec.Kind != listing.KindLightweight {
			if len(rec.Fees) > 0 {
				terms.Fees = rec.Fees
			}
			if len(rec.Images) > 0 {
				terms.Images = append([]string(nil), rec.Images...)
			}
		}
		next.Terms = terms
	}

	at := now
	next.LastFetchedAt = at
	if rec.Kind == listing.KindLightweight {
		next.LastCheckedAt = &at
	} else {
		next.LastSuccessAt = &at
	}
	next.ConsecutiveFailures = 0
	next.NextEligibleAt = time.Time{}
	next.MissingFields = append([]string(nil), cmp.missing...)
	return cr, next
}

// ApplyFailure records attempts failed fetches for old. Once the failure
// count reaches maxRetries the deal enters a cooldown of cooldown length.
func ApplyFailure(old listing.DealState, attempts int, now time.Time, maxRetries int, cooldown time.Duration) listing.DealState {
	next := old.Clone()
	next.LastFetchedAt = now
	next.ConsecutiveFailures += attempts
	if next.ConsecutiveFailures >= maxRetries {
		next.NextEligibleAt = now.Add(cooldown)
	}
	return next
}
