package storage

import (
	"context"
	"time"

	"github.com/leasesync/leasesync/pkg/listing"
)

// Store is the deal store and sync log as the commands and the admin API see
// it. DB implements it on sqlite, postgres.Store on PostgreSQL.
type Store interface {
	Close() error

	Track(ctx context.Context, id listing.Identity, now time.Time) (bool, error)
	ListIdentities(ctx context.Context) ([]listing.Identity, error)
	GetDeal(ctx context.Context, key string) (listing.DealState, error)
	UpsertDeal(ctx context.Context, s listing.DealState) (listing.DealState, error)
	ListDeals(ctx context.Context, opts ListOptions) ([]listing.DealState, error)
	ListCooling(ctx context.Context, now time.Time) ([]listing.DealState, error)
	GetStats(ctx context.Context) ([]Stats, error)

	AppendRun(ctx context.Context, run listing.SyncRun) (int64, error)
	ListRuns(ctx context.Context, limit int) ([]listing.SyncRun, error)
}

var _ Store = (*DB)(nil)
