package listing

import "time"

// ScopeKind distinguishes full scans from narrower runs.
type ScopeKind string

const (
	// ScopeFull enumerates every tracked identity.
	ScopeFull ScopeKind = "full"
	// ScopeRecheck enumerates every tracked identity but only dispatches
	// lightweight checks and identities whose cooldown expired.
	ScopeRecheck ScopeKind = "recheck"
	// ScopeTargeted is restricted to an explicit identity set.
	ScopeTargeted ScopeKind = "targeted"
)

// Scope describes which identities a run considers.
type Scope struct {
	Kind       ScopeKind `json:"kind"`
	Identities []string  `json:"identities,omitempty"` // identity keys, targeted only
}

// TriggerKind records what started a run.
type TriggerKind string

const (
	TriggerDaily  TriggerKind = "daily"
	TriggerHourly TriggerKind = "hourly"
	TriggerManual TriggerKind = "manual"
)

// RunStatus is the terminal state of a persisted run.
type RunStatus string

const (
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// RunCounts are the aggregated per-run counters shown to reviewers.
type RunCounts struct {
	MFChangeCount     int `json:"mf_change_count"`
	RVChangeCount     int `json:"rv_change_count"`
	DealsUpdatedCount int `json:"deals_updated_count"`
	DealsScannedCount int `json:"deals_scanned_count"`
	FetchFailureCount int `json:"fetch_failure_count"`
}

// SyncRun is one scheduler invocation as recorded in the sync log.
type SyncRun struct {
	EntryID           int64       `json:"entry_id,omitempty"`
	ID                string      `json:"id"`
	StartedAt         time.Time   `json:"started_at"`
	FinishedAt        time.Time   `json:"finished_at"`
	Scope             Scope       `json:"scope"`
	Trigger           TriggerKind `json:"trigger"`
	Status            RunStatus   `json:"status"`
	Counts            RunCounts   `json:"counts"`
	UpdatedIdentities []string    `json:"updated_identities"`
	FailedIdentities  []string    `json:"failed_identities"`
	MissingFieldCount int         `json:"missing_field_count"`
}
