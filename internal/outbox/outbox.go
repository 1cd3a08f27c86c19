// Package outbox is the producer's local, crash-safe ledger of messages
// it has built but not yet had the broker confirm, plus the backfill
// run's own checkpoint — kept separate from the live sync cursor so a
// bounded historical replay never perturbs it. A direct adaptation of
// the teacher's pkg/storage.BoltStore bucket-per-entity shape, trading
// cluster-state buckets (nodes, services, ...) for the two the producer
// actually needs.
package outbox

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/chainindexer/internal/types"
)

var (
	bucketPending  = []byte("pending_publishes")
	bucketBackfill = []byte("backfill_checkpoints")
)

// PendingMessage is one event built for publish but not yet
// broker-confirmed. Recorded before the publish call, removed once the
// publisher's confirm future resolves positively.
type PendingMessage struct {
	ChainID     int64              `json:"chain_id"`
	TxHash      string             `json:"tx_hash"`
	LogIndex    uint32             `json:"log_index"`
	RoutingKey  string             `json:"routing_key"`
	Event       types.BlockchainEvent `json:"event"`
}

func (m PendingMessage) key() []byte {
	return []byte(fmt.Sprintf("%d:%s:%d", m.ChainID, m.TxHash, m.LogIndex))
}

// Outbox is the producer's local write-ahead store.
type Outbox struct {
	db *bolt.DB
}

// Open creates or opens the outbox database file under dataDir.
func Open(dataDir string) (*Outbox, error) {
	dbPath := filepath.Join(dataDir, "producer-outbox.db")
	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open outbox: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketPending, bucketBackfill} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Outbox{db: db}, nil
}

// Close closes the underlying database file.
func (o *Outbox) Close() error {
	return o.db.Close()
}

// PutPending records a message as built-but-unconfirmed.
func (o *Outbox) PutPending(m PendingMessage) error {
	return o.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(m)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketPending).Put(m.key(), data)
	})
}

// ClearPending removes a message once the broker has confirmed it.
func (o *Outbox) ClearPending(m PendingMessage) error {
	return o.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPending).Delete(m.key())
	})
}

// ListPending returns every message still awaiting broker confirmation,
// consulted on restart so the producer can republish without an extra
// RPC round trip.
func (o *Outbox) ListPending() ([]PendingMessage, error) {
	var out []PendingMessage
	err := o.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPending).ForEach(func(_, v []byte) error {
			var m PendingMessage
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			out = append(out, m)
			return nil
		})
	})
	return out, err
}

// BackfillCheckpoint is the progress marker for one `producer backfill`
// run, named so multiple bounded replays can run without colliding.
type BackfillCheckpoint struct {
	Name      string `json:"name"`
	ChainID   int64  `json:"chain_id"`
	LastBlock uint64 `json:"last_block"`
}

// GetBackfillCheckpoint returns the checkpoint for name, or the zero
// value if the run has not started yet.
func (o *Outbox) GetBackfillCheckpoint(name string) (BackfillCheckpoint, error) {
	var cp BackfillCheckpoint
	err := o.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketBackfill).Get([]byte(name))
		if data == nil {
			cp = BackfillCheckpoint{Name: name}
			return nil
		}
		return json.Unmarshal(data, &cp)
	})
	return cp, err
}

// PutBackfillCheckpoint persists progress for a named backfill run.
func (o *Outbox) PutBackfillCheckpoint(cp BackfillCheckpoint) error {
	return o.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(cp)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketBackfill).Put([]byte(cp.Name), data)
	})
}
