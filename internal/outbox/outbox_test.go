package outbox

import (
	"testing"

	"github.com/cuemby/chainindexer/internal/types"
)

func TestPendingRoundTrip(t *testing.T) {
	ob, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ob.Close()

	m := PendingMessage{
		ChainID:    1,
		TxHash:     "0xabc",
		LogIndex:   2,
		RoutingKey: "event.donation_received",
		Event:      types.BlockchainEvent{ChainID: 1, TxHash: "0xabc", LogIndex: 2},
	}

	if err := ob.PutPending(m); err != nil {
		t.Fatalf("PutPending: %v", err)
	}

	pending, err := ob.ListPending()
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("ListPending() len = %d, want 1", len(pending))
	}
	if pending[0].TxHash != "0xabc" {
		t.Errorf("TxHash = %q, want 0xabc", pending[0].TxHash)
	}

	if err := ob.ClearPending(m); err != nil {
		t.Fatalf("ClearPending: %v", err)
	}
	pending, err = ob.ListPending()
	if err != nil {
		t.Fatalf("ListPending after clear: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("ListPending() after clear len = %d, want 0", len(pending))
	}
}

func TestBackfillCheckpointRoundTrip(t *testing.T) {
	ob, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ob.Close()

	cp, err := ob.GetBackfillCheckpoint("2024-audit")
	if err != nil {
		t.Fatalf("GetBackfillCheckpoint: %v", err)
	}
	if cp.LastBlock != 0 {
		t.Errorf("fresh checkpoint LastBlock = %d, want 0", cp.LastBlock)
	}

	cp.ChainID = 1
	cp.LastBlock = 12345
	if err := ob.PutBackfillCheckpoint(cp); err != nil {
		t.Fatalf("PutBackfillCheckpoint: %v", err)
	}

	got, err := ob.GetBackfillCheckpoint("2024-audit")
	if err != nil {
		t.Fatalf("GetBackfillCheckpoint: %v", err)
	}
	if got.LastBlock != 12345 {
		t.Errorf("LastBlock = %d, want 12345", got.LastBlock)
	}
}
