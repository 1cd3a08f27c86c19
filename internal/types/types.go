package types

import (
	"time"
)

// Chain identifies a blockchain instance the indexer reads from.
type Chain struct {
	ChainID int64
	Name    string
	RPCHint string
}

// SyncCursor is the producer's durable checkpoint, one row per chain. Only
// the producer writes it, and only after the broker has confirmed every
// message published for the batch that advanced it.
type SyncCursor struct {
	ChainID       int64
	LastBlock     uint64
	LastBlockHash [32]byte
	UpdatedAt     time.Time
}

// CampaignStatus is a materialized view of (total_raised, goal, deadline,
// withdrawn); see internal/stateupdater for the transition rules that keep
// it consistent with those fields.
type CampaignStatus string

const (
	CampaignActive     CampaignStatus = "ACTIVE"
	CampaignSuccess    CampaignStatus = "SUCCESS"
	CampaignFailed     CampaignStatus = "FAILED"
	CampaignWithdrawn  CampaignStatus = "WITHDRAWN"
)

// Campaign is one row per deployed Campaign contract.
type Campaign struct {
	Address          string // 20-byte hex, lower-cased
	FactoryAddress   string
	CreatorAddress   string
	Goal             Wei
	Deadline         time.Time
	ContentID        string
	Status           CampaignStatus
	TotalRaised      Wei
	Withdrawn        bool
	WithdrawnAmount  *Wei
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// DeadlinePassed reports whether the campaign's deadline is in the past
// relative to now.
func (c *Campaign) DeadlinePassed(now time.Time) bool {
	return now.After(c.Deadline)
}

// Contribution is one row per (campaign, donor) pair. Contributed is a
// lifetime gross sum that event application never decrements (a rollback
// recomputes it from the surviving events); refunds only ever grow
// Refunded, which must stay <= Contributed.
type Contribution struct {
	CampaignAddress string
	DonorAddress    string
	Contributed     Wei
	Refunded        Wei
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// NetSupport returns Contributed - Refunded.
func (c *Contribution) NetSupport() Wei {
	return c.Contributed.Sub(c.Refunded)
}

// EventName tags the decoded payload carried by a BlockchainEvent or an
// EventMessage on the wire.
type EventName string

const (
	EventCampaignCreated  EventName = "CampaignCreated"
	EventDonationReceived EventName = "DonationReceived"
	EventWithdrawn        EventName = "Withdrawn"
	EventRefunded         EventName = "Refunded"
)

// BlockchainEvent is the canonical, append-only event log. Uniqueness on
// (ChainID, TxHash, LogIndex) is the idempotency key for the whole
// pipeline; Removed flips to true when a later reorg orphans the event.
type BlockchainEvent struct {
	ChainID     int64
	TxHash      string
	LogIndex    uint32
	BlockNumber uint64
	BlockHash   string
	Address     string
	EventName   EventName
	Payload     EventPayload
	Removed     bool
	IngestedAt  time.Time
}

// EventPayload is the decoded, name-keyed field set for one of the four
// event types. Only the fields relevant to EventName are populated.
type EventPayload struct {
	// CampaignCreated
	Factory  string `json:"factory,omitempty"`
	Campaign string `json:"campaign,omitempty"`
	Creator  string `json:"creator,omitempty"`
	Goal     *Wei   `json:"goal,omitempty"`
	Deadline int64  `json:"deadline,omitempty"`
	CID      string `json:"cid,omitempty"`

	// DonationReceived / Withdrawn / Refunded
	Donor          string `json:"donor,omitempty"`
	Amount         *Wei   `json:"amount,omitempty"`
	NewTotalRaised *Wei   `json:"new_total_raised,omitempty"`
	Timestamp      int64  `json:"timestamp,omitempty"`
}
