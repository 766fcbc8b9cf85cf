package storage

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/leasesync/leasesync/pkg/listing"
)

// Timestamps are stored as fixed-width UTC text so that they sort and
// compare lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if t, err := time.Parse(timeLayout, s); err == nil {
		return t
	}
	// Rows written by hand through `db shell` may use SQLite's own format.
	if t, err := time.Parse("2006-01-02 15:04:05", s); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	return time.Time{}
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return formatTime(t)
}

func nullTimePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return nullTime(*t)
}

func marshalList(items []string) (interface{}, error) {
	if len(items) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(items)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func unmarshalList(ns sql.NullString) ([]string, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(ns.String), &out); err != nil {
		return nil, err
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDeal(row rowScanner) (listing.DealState, error) {
	var (
		s                 listing.DealState
		terms, tracked    string
		fetched, success  sql.NullString
		checked, eligible sql.NullString
		missing           sql.NullString
	)
	if err := row.Scan(&s.Identity.Brand, &s.Identity.Model, &s.Identity.Trim, &s.Identity.URL, &s.Identity.Source,
		&terms, &tracked, &fetched, &success, &checked, &s.ConsecutiveFailures, &eligible, &missing, &s.Version); err != nil {
		return listing.DealState{}, err
	}
	if terms != "" {
		if err := json.Unmarshal([]byte(terms), &s.Terms); err != nil {
			return listing.DealState{}, err
		}
	}
	s.TrackedAt = parseTime(tracked)
	if fetched.Valid {
		s.LastFetchedAt = parseTime(fetched.String)
	}
	if success.Valid {
		t := parseTime(success.String)
		s.LastSuccessAt = &t
	}
	if checked.Valid {
		t := parseTime(checked.String)
		s.LastCheckedAt = &t
	}
	if eligible.Valid {
		s.NextEligibleAt = parseTime(eligible.String)
	}
	var err error
	if s.MissingFields, err = unmarshalList(missing); err != nil {
		return listing.DealState{}, err
	}
	return s, nil
}
