// Package reorg implements the producer's reorg probe (spec.md §4.4): on
// each poll iteration, before fetching new logs, compare the chain's
// current hash at the cursor height against the hash recorded at the
// cursor. Grounded on the ChainIndexor reorg detector's hash-comparison
// shape and the Smart-Contract-Event-Indexer reorg handler's
// fork-point/rollback-window vocabulary, adapted from their
// direct-DB-mutation style to a pure decision function: this package
// never writes the cursor itself (spec.md §3: "only the producer writes
// SyncCursor"), it returns a Rollback for the producer to act on.
package reorg

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	"github.com/cuemby/chainindexer/internal/types"
)

// HashReader is the subset of the chain client the detector needs.
type HashReader interface {
	BlockHashAt(ctx context.Context, height uint64) (common.Hash, error)
}

// Rollback describes the control-plane action the producer must take
// before resuming normal publishing: publish a RollbackMessage(from, to,
// reason) and, once acknowledged, rewind the cursor to (To, NewHash).
type Rollback struct {
	ChainID   int64
	From      uint64 // cursor height before the reorg (inclusive upper bound of removed events)
	To        uint64 // new cursor height
	NewHash   common.Hash
	Reason    string
}

// Detector compares the chain's live state against the stored cursor.
type Detector struct {
	chain         HashReader
	rollbackDepth uint64
}

// New constructs a Detector. rollbackDepth must exceed the expected
// reorg depth on the target network (spec.md default 50).
func New(chain HashReader, rollbackDepth uint64) *Detector {
	return &Detector{chain: chain, rollbackDepth: rollbackDepth}
}

// Detect runs the probe against the given cursor, returning nil if no
// reorg is in progress.
func (d *Detector) Detect(ctx context.Context, cursor types.SyncCursor) (*Rollback, error) {
	if cursor.LastBlock == 0 {
		return nil, nil // nothing committed yet, nothing to compare against
	}

	hash, err := d.chain.BlockHashAt(ctx, cursor.LastBlock)
	switch {
	case err == nil:
		if hash == common.Hash(cursor.LastBlockHash) {
			return nil, nil
		}
		// Chain still has height h, but under a different hash: rewind
		// straight to the floor of the rollback window.
		return d.rewindTo(ctx, cursor, floor(cursor.LastBlock, d.rollbackDepth), "hash mismatch at cursor height")
	case errors.Is(err, ethereum.NotFound):
		// Deep reorg: h itself no longer exists. Probe backward, bounded
		// by the rollback window, for the shallowest height the chain
		// still recognizes.
		return d.probeDeepReorg(ctx, cursor)
	default:
		return nil, err
	}
}

func floor(height, depth uint64) uint64 {
	if height > depth {
		return height - depth
	}
	return 0
}

func (d *Detector) rewindTo(ctx context.Context, cursor types.SyncCursor, to uint64, reason string) (*Rollback, error) {
	hash, err := d.chain.BlockHashAt(ctx, to)
	if err != nil {
		return nil, err
	}
	return &Rollback{ChainID: cursor.ChainID, From: cursor.LastBlock, To: to, NewHash: hash, Reason: reason}, nil
}

func (d *Detector) probeDeepReorg(ctx context.Context, cursor types.SyncCursor) (*Rollback, error) {
	bottom := floor(cursor.LastBlock, d.rollbackDepth)
	for height := cursor.LastBlock; height > bottom; height-- {
		hash, err := d.chain.BlockHashAt(ctx, height-1)
		if errors.Is(err, ethereum.NotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return &Rollback{ChainID: cursor.ChainID, From: cursor.LastBlock, To: height - 1, NewHash: hash, Reason: "deep reorg: probed backward to shallowest recognized height"}, nil
	}
	// Nothing in the window is recognized either; rewind all the way to
	// the floor and accept whatever hash the chain currently reports
	// there (it may itself still be unstable, but the window bound is
	// the configured maximum we will ever rewind in one step).
	return d.rewindTo(ctx, cursor, bottom, "deep reorg: rollback window exhausted")
}
