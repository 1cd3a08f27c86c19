// Package codec decodes raw chain logs into typed events. It precomputes
// the keccak-256 topic hash of each event signature once at init and
// exposes a total decode function per spec event, grounded on the
// AgentMesh indexer-go watcher's inline-ABI-JSON + abi.JSON pattern,
// generalized from a single contract's event set to the factory's
// CampaignCreated plus a campaign's three lifecycle events.
package codec

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"

	"github.com/cuemby/chainindexer/internal/errs"
	"github.com/cuemby/chainindexer/internal/types"
)

// eventsABIJSON declares the full signatures of the four events the
// indexer cares about (indexed fields included, so the topic0 hashes
// match); only the non-indexed fields are unpacked from the data blob,
// and indexed fields are read directly off the topic list instead.
const eventsABIJSON = `[
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true,  "name": "factory",  "type": "address"},
      {"indexed": true,  "name": "campaign", "type": "address"},
      {"indexed": true,  "name": "creator",  "type": "address"},
      {"indexed": false, "name": "goal",      "type": "uint256"},
      {"indexed": false, "name": "deadline",  "type": "uint64"},
      {"indexed": false, "name": "cid",       "type": "string"}
    ],
    "name": "CampaignCreated",
    "type": "event"
  },
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true,  "name": "campaign",        "type": "address"},
      {"indexed": true,  "name": "donor",           "type": "address"},
      {"indexed": false, "name": "amount",           "type": "uint256"},
      {"indexed": false, "name": "newTotalRaised",   "type": "uint256"},
      {"indexed": false, "name": "timestamp",        "type": "uint64"}
    ],
    "name": "DonationReceived",
    "type": "event"
  },
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true,  "name": "campaign",  "type": "address"},
      {"indexed": true,  "name": "creator",   "type": "address"},
      {"indexed": false, "name": "amount",    "type": "uint256"},
      {"indexed": false, "name": "timestamp", "type": "uint64"}
    ],
    "name": "Withdrawn",
    "type": "event"
  },
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true,  "name": "campaign",  "type": "address"},
      {"indexed": true,  "name": "donor",     "type": "address"},
      {"indexed": false, "name": "amount",    "type": "uint256"},
      {"indexed": false, "name": "timestamp", "type": "uint64"}
    ],
    "name": "Refunded",
    "type": "event"
  }
]`

var parsedABI abi.ABI

// Topic0 hashes, computed once at init from the parsed ABI rather than
// hand-encoded, so a signature typo here fails loudly instead of
// silently never matching.
var (
	topic0CampaignCreated  common.Hash
	topic0DonationReceived common.Hash
	topic0Withdrawn        common.Hash
	topic0Refunded         common.Hash
)

func init() {
	var err error
	parsedABI, err = abi.JSON(strings.NewReader(eventsABIJSON))
	if err != nil {
		panic(fmt.Sprintf("codec: invalid embedded ABI: %v", err))
	}
	topic0CampaignCreated = parsedABI.Events["CampaignCreated"].ID
	topic0DonationReceived = parsedABI.Events["DonationReceived"].ID
	topic0Withdrawn = parsedABI.Events["Withdrawn"].ID
	topic0Refunded = parsedABI.Events["Refunded"].ID
}

// FactoryTopic0 returns the single topic the factory scan step filters
// on (spec.md §4.5 step 3).
func FactoryTopic0() common.Hash {
	return topic0CampaignCreated
}

// CampaignTopic0Set returns the topics the campaign scan step filters on
// (spec.md §4.5 step 4).
func CampaignTopic0Set() []common.Hash {
	return []common.Hash{topic0DonationReceived, topic0Withdrawn, topic0Refunded}
}

// Decode is a total function from a raw log plus the chain it came from
// to a typed BlockchainEvent. A malformed log returns a *errs.Decode
// error; the caller logs and skips it without aborting the batch.
func Decode(chainID int64, l ethtypes.Log) (types.BlockchainEvent, error) {
	if len(l.Topics) == 0 {
		return types.BlockchainEvent{}, errs.NewDecode("codec.Decode", fmt.Errorf("log has no topics"))
	}

	base := types.BlockchainEvent{
		ChainID:     chainID,
		TxHash:      l.TxHash.Hex(),
		LogIndex:    uint32(l.Index),
		BlockNumber: l.BlockNumber,
		BlockHash:   l.BlockHash.Hex(),
		Address:     strings.ToLower(l.Address.Hex()),
		Removed:     l.Removed,
	}

	switch l.Topics[0] {
	case topic0CampaignCreated:
		return decodeCampaignCreated(base, l)
	case topic0DonationReceived:
		return decodeDonationReceived(base, l)
	case topic0Withdrawn:
		return decodeWithdrawn(base, l)
	case topic0Refunded:
		return decodeRefunded(base, l)
	default:
		return types.BlockchainEvent{}, errs.NewDecode("codec.Decode", fmt.Errorf("unrecognized topic0 %s", l.Topics[0].Hex()))
	}
}

func decodeCampaignCreated(base types.BlockchainEvent, l ethtypes.Log) (types.BlockchainEvent, error) {
	if len(l.Topics) < 4 {
		return types.BlockchainEvent{}, errs.NewDecode("codec.decodeCampaignCreated", fmt.Errorf("want 4 topics, got %d", len(l.Topics)))
	}
	vals, err := parsedABI.Events["CampaignCreated"].Inputs.NonIndexed().Unpack(l.Data)
	if err != nil {
		return types.BlockchainEvent{}, errs.NewDecode("codec.decodeCampaignCreated", err)
	}
	if len(vals) != 3 {
		return types.BlockchainEvent{}, errs.NewDecode("codec.decodeCampaignCreated", fmt.Errorf("want 3 data fields, got %d", len(vals)))
	}
	goalBig, ok := vals[0].(*big.Int)
	if !ok {
		return types.BlockchainEvent{}, errs.NewDecode("codec.decodeCampaignCreated", fmt.Errorf("goal field has unexpected type %T", vals[0]))
	}
	deadline, ok := vals[1].(uint64)
	if !ok {
		return types.BlockchainEvent{}, errs.NewDecode("codec.decodeCampaignCreated", fmt.Errorf("deadline field has unexpected type %T", vals[1]))
	}
	cid, ok := vals[2].(string)
	if !ok {
		return types.BlockchainEvent{}, errs.NewDecode("codec.decodeCampaignCreated", fmt.Errorf("cid field has unexpected type %T", vals[2]))
	}

	goal, overflow := uint256.FromBig(goalBig)
	if overflow {
		return types.BlockchainEvent{}, errs.NewDecode("codec.decodeCampaignCreated", fmt.Errorf("goal overflows uint256"))
	}
	goalWei := types.NewWeiFromUint256(goal)

	base.EventName = types.EventCampaignCreated
	base.Payload = types.EventPayload{
		Factory:  strings.ToLower(common.BytesToAddress(l.Topics[1].Bytes()).Hex()),
		Campaign: strings.ToLower(common.BytesToAddress(l.Topics[2].Bytes()).Hex()),
		Creator:  strings.ToLower(common.BytesToAddress(l.Topics[3].Bytes()).Hex()),
		Goal:     &goalWei,
		Deadline: int64(deadline),
		CID:      cid,
	}
	return base, nil
}

func decodeDonationReceived(base types.BlockchainEvent, l ethtypes.Log) (types.BlockchainEvent, error) {
	if len(l.Topics) < 3 {
		return types.BlockchainEvent{}, errs.NewDecode("codec.decodeDonationReceived", fmt.Errorf("want 3 topics, got %d", len(l.Topics)))
	}
	vals, err := parsedABI.Events["DonationReceived"].Inputs.NonIndexed().Unpack(l.Data)
	if err != nil {
		return types.BlockchainEvent{}, errs.NewDecode("codec.decodeDonationReceived", err)
	}
	if len(vals) != 3 {
		return types.BlockchainEvent{}, errs.NewDecode("codec.decodeDonationReceived", fmt.Errorf("want 3 data fields, got %d", len(vals)))
	}
	amountBig, ok := vals[0].(*big.Int)
	if !ok {
		return types.BlockchainEvent{}, errs.NewDecode("codec.decodeDonationReceived", fmt.Errorf("amount field has unexpected type %T", vals[0]))
	}
	totalBig, ok := vals[1].(*big.Int)
	if !ok {
		return types.BlockchainEvent{}, errs.NewDecode("codec.decodeDonationReceived", fmt.Errorf("newTotalRaised field has unexpected type %T", vals[1]))
	}
	timestamp, ok := vals[2].(uint64)
	if !ok {
		return types.BlockchainEvent{}, errs.NewDecode("codec.decodeDonationReceived", fmt.Errorf("timestamp field has unexpected type %T", vals[2]))
	}

	amount, overflow := uint256.FromBig(amountBig)
	if overflow {
		return types.BlockchainEvent{}, errs.NewDecode("codec.decodeDonationReceived", fmt.Errorf("amount overflows uint256"))
	}
	total, overflow := uint256.FromBig(totalBig)
	if overflow {
		return types.BlockchainEvent{}, errs.NewDecode("codec.decodeDonationReceived", fmt.Errorf("newTotalRaised overflows uint256"))
	}
	amountWei := types.NewWeiFromUint256(amount)
	totalWei := types.NewWeiFromUint256(total)

	base.EventName = types.EventDonationReceived
	base.Payload = types.EventPayload{
		Campaign:       strings.ToLower(common.BytesToAddress(l.Topics[1].Bytes()).Hex()),
		Donor:          strings.ToLower(common.BytesToAddress(l.Topics[2].Bytes()).Hex()),
		Amount:         &amountWei,
		NewTotalRaised: &totalWei,
		Timestamp:      int64(timestamp),
	}
	return base, nil
}

func decodeWithdrawn(base types.BlockchainEvent, l ethtypes.Log) (types.BlockchainEvent, error) {
	if len(l.Topics) < 3 {
		return types.BlockchainEvent{}, errs.NewDecode("codec.decodeWithdrawn", fmt.Errorf("want 3 topics, got %d", len(l.Topics)))
	}
	vals, err := parsedABI.Events["Withdrawn"].Inputs.NonIndexed().Unpack(l.Data)
	if err != nil {
		return types.BlockchainEvent{}, errs.NewDecode("codec.decodeWithdrawn", err)
	}
	if len(vals) != 2 {
		return types.BlockchainEvent{}, errs.NewDecode("codec.decodeWithdrawn", fmt.Errorf("want 2 data fields, got %d", len(vals)))
	}
	amountBig, ok := vals[0].(*big.Int)
	if !ok {
		return types.BlockchainEvent{}, errs.NewDecode("codec.decodeWithdrawn", fmt.Errorf("amount field has unexpected type %T", vals[0]))
	}
	timestamp, ok := vals[1].(uint64)
	if !ok {
		return types.BlockchainEvent{}, errs.NewDecode("codec.decodeWithdrawn", fmt.Errorf("timestamp field has unexpected type %T", vals[1]))
	}
	amount, overflow := uint256.FromBig(amountBig)
	if overflow {
		return types.BlockchainEvent{}, errs.NewDecode("codec.decodeWithdrawn", fmt.Errorf("amount overflows uint256"))
	}
	amountWei := types.NewWeiFromUint256(amount)

	base.EventName = types.EventWithdrawn
	base.Payload = types.EventPayload{
		Campaign:  strings.ToLower(common.BytesToAddress(l.Topics[1].Bytes()).Hex()),
		Creator:   strings.ToLower(common.BytesToAddress(l.Topics[2].Bytes()).Hex()),
		Amount:    &amountWei,
		Timestamp: int64(timestamp),
	}
	return base, nil
}

func decodeRefunded(base types.BlockchainEvent, l ethtypes.Log) (types.BlockchainEvent, error) {
	if len(l.Topics) < 3 {
		return types.BlockchainEvent{}, errs.NewDecode("codec.decodeRefunded", fmt.Errorf("want 3 topics, got %d", len(l.Topics)))
	}
	vals, err := parsedABI.Events["Refunded"].Inputs.NonIndexed().Unpack(l.Data)
	if err != nil {
		return types.BlockchainEvent{}, errs.NewDecode("codec.decodeRefunded", err)
	}
	if len(vals) != 2 {
		return types.BlockchainEvent{}, errs.NewDecode("codec.decodeRefunded", fmt.Errorf("want 2 data fields, got %d", len(vals)))
	}
	amountBig, ok := vals[0].(*big.Int)
	if !ok {
		return types.BlockchainEvent{}, errs.NewDecode("codec.decodeRefunded", fmt.Errorf("amount field has unexpected type %T", vals[0]))
	}
	timestamp, ok := vals[1].(uint64)
	if !ok {
		return types.BlockchainEvent{}, errs.NewDecode("codec.decodeRefunded", fmt.Errorf("timestamp field has unexpected type %T", vals[1]))
	}
	amount, overflow := uint256.FromBig(amountBig)
	if overflow {
		return types.BlockchainEvent{}, errs.NewDecode("codec.decodeRefunded", fmt.Errorf("amount overflows uint256"))
	}
	amountWei := types.NewWeiFromUint256(amount)

	base.EventName = types.EventRefunded
	base.Payload = types.EventPayload{
		Campaign:  strings.ToLower(common.BytesToAddress(l.Topics[1].Bytes()).Hex()),
		Donor:     strings.ToLower(common.BytesToAddress(l.Topics[2].Bytes()).Hex()),
		Amount:    &amountWei,
		Timestamp: int64(timestamp),
	}
	return base, nil
}
