package reorg

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	"github.com/cuemby/chainindexer/internal/types"
)

type fakeChain struct {
	hashes map[uint64]common.Hash
}

func (f *fakeChain) BlockHashAt(ctx context.Context, height uint64) (common.Hash, error) {
	h, ok := f.hashes[height]
	if !ok {
		return common.Hash{}, ethereum.NotFound
	}
	return h, nil
}

func hashFor(n byte) common.Hash {
	var h common.Hash
	h[31] = n
	return h
}

func TestDetectNoReorgAtBootstrap(t *testing.T) {
	d := New(&fakeChain{}, 50)
	got, err := d.Detect(context.Background(), types.SyncCursor{ChainID: 1, LastBlock: 0})
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if got != nil {
		t.Fatalf("Detect() = %+v, want nil at bootstrap", got)
	}
}

func TestDetectNoReorgWhenHashMatches(t *testing.T) {
	chain := &fakeChain{hashes: map[uint64]common.Hash{100: hashFor(1)}}
	d := New(chain, 50)
	cursor := types.SyncCursor{ChainID: 1, LastBlock: 100, LastBlockHash: hashFor(1)}

	got, err := d.Detect(context.Background(), cursor)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if got != nil {
		t.Fatalf("Detect() = %+v, want nil when hash matches", got)
	}
}

func TestDetectShallowReorgRewindsToFloor(t *testing.T) {
	chain := &fakeChain{hashes: map[uint64]common.Hash{
		100: hashFor(2), // different from stored hash
		50:  hashFor(9),
	}}
	d := New(chain, 50)
	cursor := types.SyncCursor{ChainID: 1, LastBlock: 100, LastBlockHash: hashFor(1)}

	got, err := d.Detect(context.Background(), cursor)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if got == nil {
		t.Fatal("Detect() = nil, want a Rollback")
	}
	if got.To != 50 {
		t.Errorf("Rollback.To = %d, want 50", got.To)
	}
	if got.NewHash != hashFor(9) {
		t.Errorf("Rollback.NewHash = %x, want %x", got.NewHash, hashFor(9))
	}
}

func TestDetectDeepReorgProbesBackward(t *testing.T) {
	chain := &fakeChain{hashes: map[uint64]common.Hash{
		97: hashFor(7),
	}}
	d := New(chain, 50)
	cursor := types.SyncCursor{ChainID: 1, LastBlock: 100, LastBlockHash: hashFor(1)}

	got, err := d.Detect(context.Background(), cursor)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if got == nil {
		t.Fatal("Detect() = nil, want a Rollback")
	}
	if got.To != 97 {
		t.Errorf("Rollback.To = %d, want 97", got.To)
	}
}
