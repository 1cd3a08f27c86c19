// Package store is the relational persistence layer, a pgx/v5-backed
// reimagining of the teacher's pkg/storage.Store interface: one
// interface defining every CRUD operation, backed by a single
// concrete implementation, with a Close() for symmetry. Unlike the
// teacher's BoltDB store, every mutating operation here runs inside a
// transaction (spec.md §5: "every mutating operation runs in a
// transaction; uniqueness constraints, not application locks, are the
// primary concurrency control").
package store

import (
	"context"
	"errors"
	"time"

	"github.com/cuemby/chainindexer/internal/types"
)

// ErrNotFound is returned when a lookup finds no matching row.
var ErrNotFound = errors.New("store: not found")

// Store is the full persistence contract used by the producer,
// consumer, rollback handler and reconciler.
type Store interface {
	// Cursor (owned exclusively by the producer)
	GetCursor(ctx context.Context, chainID int64) (types.SyncCursor, error)
	CommitCursor(ctx context.Context, chainID int64, height uint64, hash [32]byte) error

	// Campaigns
	GetCampaign(ctx context.Context, address string) (*types.Campaign, error)
	ListCampaignAddresses(ctx context.Context, chainID int64) ([]string, error)
	ListActiveCampaignsPastDeadline(ctx context.Context, chainID int64, now time.Time) ([]*types.Campaign, error)

	// Event sink + state algebra, run inside WithTx by internal/stateupdater
	// and internal/rollback, which need several statements in one
	// transaction.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// Reconciler summary, read-only, no transaction required.
	CampaignCount(ctx context.Context, chainID int64) (int, error)

	Close()
}

// Tx is the subset of Store operations valid only inside a transaction,
// passed to the callback given to WithTx.
type Tx interface {
	// InsertEvent inserts a BlockchainEvent, returning (false, nil) if
	// the (chain_id, tx_hash, log_index) key already exists — the
	// pipeline's idempotency boundary.
	InsertEvent(ctx context.Context, ev types.BlockchainEvent) (inserted bool, err error)

	UpsertCampaignCreated(ctx context.Context, chainID int64, c types.Campaign) error
	GetCampaignForUpdate(ctx context.Context, address string) (*types.Campaign, error)
	UpdateCampaign(ctx context.Context, c types.Campaign) error

	GetContributionForUpdate(ctx context.Context, campaign, donor string) (*types.Contribution, error)
	UpsertContribution(ctx context.Context, c types.Contribution) error

	// Rollback support
	MarkEventsRemoved(ctx context.Context, chainID int64, fromBlock, toBlock uint64) ([]string, error)
	SumDonationsNonRemoved(ctx context.Context, campaign string) (types.Wei, error)
	ContributionsNonRemoved(ctx context.Context, campaign string) ([]types.Contribution, error)
	HasNonRemovedWithdrawn(ctx context.Context, campaign string) (bool, error)
	// DonorsInRemovedRange returns the distinct donor addresses of events
	// orphaned by the rollback covering (fromBlock, toBlock] for campaign,
	// including donors with no surviving event left — callers must
	// collapse these to a zero contribution rather than skip them.
	DonorsInRemovedRange(ctx context.Context, chainID int64, campaign string, fromBlock, toBlock uint64) ([]string, error)
}
