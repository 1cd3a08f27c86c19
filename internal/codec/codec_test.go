package codec

import (
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/cuemby/chainindexer/internal/types"
)

func packNonIndexed(t *testing.T, eventName string, args ...interface{}) []byte {
	t.Helper()
	data, err := parsedABI.Events[eventName].Inputs.NonIndexed().Pack(args...)
	if err != nil {
		t.Fatalf("pack %s: %v", eventName, err)
	}
	return data
}

func addrTopic(a common.Address) common.Hash {
	return common.BytesToHash(a.Bytes())
}

func TestDecodeCampaignCreated(t *testing.T) {
	factory := common.HexToAddress("0x1111111111111111111111111111111111111111")
	campaign := common.HexToAddress("0x2222222222222222222222222222222222222222")
	creator := common.HexToAddress("0x3333333333333333333333333333333333333333")

	data := packNonIndexed(t, "CampaignCreated", big.NewInt(1000), uint64(9999999), "ipfs://abc")

	l := ethtypes.Log{
		Address:     campaign,
		Topics:      []common.Hash{topic0CampaignCreated, addrTopic(factory), addrTopic(campaign), addrTopic(creator)},
		Data:        data,
		BlockNumber: 42,
		TxHash:      common.HexToHash("0xaa"),
		Index:       3,
	}

	ev, err := Decode(1, l)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if ev.EventName != types.EventCampaignCreated {
		t.Errorf("EventName = %v, want CampaignCreated", ev.EventName)
	}
	if !strings.EqualFold(ev.Payload.Factory, factory.Hex()) {
		t.Errorf("Factory = %s, want %s", ev.Payload.Factory, factory.Hex())
	}
	if ev.Payload.Goal == nil || ev.Payload.Goal.String() != "1000" {
		t.Errorf("Goal = %v, want 1000", ev.Payload.Goal)
	}
	if ev.Payload.CID != "ipfs://abc" {
		t.Errorf("CID = %q, want ipfs://abc", ev.Payload.CID)
	}
	if ev.LogIndex != 3 {
		t.Errorf("LogIndex = %d, want 3", ev.LogIndex)
	}
}

func TestDecodeDonationReceived(t *testing.T) {
	campaign := common.HexToAddress("0x2222222222222222222222222222222222222222")
	donor := common.HexToAddress("0x4444444444444444444444444444444444444444")

	data := packNonIndexed(t, "DonationReceived", big.NewInt(500), big.NewInt(1500), uint64(123))

	l := ethtypes.Log{
		Address: campaign,
		Topics:  []common.Hash{topic0DonationReceived, addrTopic(campaign), addrTopic(donor)},
		Data:    data,
	}

	ev, err := Decode(1, l)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if ev.Payload.Amount.String() != "500" {
		t.Errorf("Amount = %v, want 500", ev.Payload.Amount)
	}
	if ev.Payload.NewTotalRaised.String() != "1500" {
		t.Errorf("NewTotalRaised = %v, want 1500", ev.Payload.NewTotalRaised)
	}
}

func TestDecodeUnrecognizedTopic(t *testing.T) {
	l := ethtypes.Log{
		Topics: []common.Hash{common.HexToHash("0xdeadbeef")},
	}
	if _, err := Decode(1, l); err == nil {
		t.Fatal("expected decode error for unrecognized topic0")
	}
}

func TestDecodeNoTopics(t *testing.T) {
	if _, err := Decode(1, ethtypes.Log{}); err == nil {
		t.Fatal("expected decode error for log with no topics")
	}
}

func TestTopic0FiltersMatchEmbeddedABI(t *testing.T) {
	want := map[string]common.Hash{
		"CampaignCreated":  parsedABI.Events["CampaignCreated"].ID,
		"DonationReceived": parsedABI.Events["DonationReceived"].ID,
		"Withdrawn":        parsedABI.Events["Withdrawn"].ID,
		"Refunded":         parsedABI.Events["Refunded"].ID,
	}

	if got := FactoryTopic0(); got != want["CampaignCreated"] {
		t.Errorf("FactoryTopic0() = %s, want %s", got, want["CampaignCreated"])
	}

	got := CampaignTopic0Set()
	campaignWant := map[string]common.Hash{
		"DonationReceived": want["DonationReceived"],
		"Withdrawn":        want["Withdrawn"],
		"Refunded":         want["Refunded"],
	}
	if len(got) != len(campaignWant) {
		t.Fatalf("CampaignTopic0Set() has %d entries, want %d", len(got), len(campaignWant))
	}
	for name, hash := range campaignWant {
		found := false
		for _, g := range got {
			if g == hash {
				found = true
			}
		}
		if !found {
			t.Errorf("CampaignTopic0Set() missing hash for %s", name)
		}
	}
}
