// Package stateupdater applies the event-to-state algebra of spec.md
// §4.9 inside the transaction the consumer dispatcher already opened.
// Grounded on the teacher's pkg/manager state-transition style (small,
// pure decision functions called from inside a lock/transaction), here
// generalized from cluster-membership transitions to the campaign status
// lattice.
package stateupdater

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/chainindexer/internal/errs"
	"github.com/cuemby/chainindexer/internal/store"
	"github.com/cuemby/chainindexer/internal/types"
)

// Apply dispatches ev to the handler for its EventName, assuming the
// caller has already confirmed via Tx.InsertEvent that this is the first
// time (chain, tx-hash, log-index) has been seen.
func Apply(ctx context.Context, tx store.Tx, chainID int64, ev types.BlockchainEvent) error {
	switch ev.EventName {
	case types.EventCampaignCreated:
		return applyCampaignCreated(ctx, tx, chainID, ev)
	case types.EventDonationReceived:
		return applyDonationReceived(ctx, tx, ev)
	case types.EventWithdrawn:
		return applyWithdrawn(ctx, tx, ev)
	case types.EventRefunded:
		return applyRefunded(ctx, tx, ev)
	default:
		return errs.NewInvariant("stateupdater.Apply", fmt.Errorf("unrecognized event name %q", ev.EventName))
	}
}

func applyCampaignCreated(ctx context.Context, tx store.Tx, chainID int64, ev types.BlockchainEvent) error {
	p := ev.Payload
	if p.Goal == nil {
		return errs.NewInvariant("stateupdater.applyCampaignCreated", fmt.Errorf("missing goal"))
	}
	c := types.Campaign{
		Address:        p.Campaign,
		FactoryAddress: p.Factory,
		CreatorAddress: p.Creator,
		Goal:           *p.Goal,
		Deadline:       time.Unix(p.Deadline, 0).UTC(),
		ContentID:      p.CID,
	}
	// The producer stamps Payload.Timestamp from the block header (chain.BlockTimestamp)
	// since CampaignCreated itself carries none; falls back to insert-time
	// for older messages decoded before that field existed.
	if p.Timestamp > 0 {
		c.CreatedAt = time.Unix(p.Timestamp, 0).UTC()
	}
	// UpsertCampaignCreated is insert-only-on-conflict: a duplicate
	// CampaignCreated (republished after a confirm timeout) is a no-op,
	// per spec.md §4.9.
	return tx.UpsertCampaignCreated(ctx, chainID, c)
}

func applyDonationReceived(ctx context.Context, tx store.Tx, ev types.BlockchainEvent) error {
	p := ev.Payload
	if p.Amount == nil || p.NewTotalRaised == nil {
		return errs.NewInvariant("stateupdater.applyDonationReceived", fmt.Errorf("missing amount/new_total_raised"))
	}

	contrib, err := tx.GetContributionForUpdate(ctx, ev.Address, p.Donor)
	if err != nil && err != store.ErrNotFound {
		return err
	}
	if err == store.ErrNotFound {
		contrib = &types.Contribution{CampaignAddress: ev.Address, DonorAddress: p.Donor}
	}
	contrib.Contributed = contrib.Contributed.Add(*p.Amount)
	if err := tx.UpsertContribution(ctx, *contrib); err != nil {
		return err
	}

	campaign, err := tx.GetCampaignForUpdate(ctx, ev.Address)
	if err != nil {
		if err == store.ErrNotFound {
			// CampaignCreated and DonationReceived are published on separate
			// queues; a worker can reach this one first. Retryable, not
			// poison: the campaign row typically appears within a retry or
			// two once the other queue catches up (spec.md §4.9 scenario 6).
			return errs.NewTransient("stateupdater.applyDonationReceived", err)
		}
		return err
	}
	// The event carries the chain-observed post-donation total; taking
	// the max makes this monotonic under out-of-order or duplicate
	// delivery (spec.md §4.9).
	if p.NewTotalRaised.Cmp(campaign.TotalRaised) > 0 {
		campaign.TotalRaised = *p.NewTotalRaised
	}
	if campaign.Status == types.CampaignActive && campaign.TotalRaised.Cmp(campaign.Goal) >= 0 {
		campaign.Status = types.CampaignSuccess
	}
	return tx.UpdateCampaign(ctx, *campaign)
}

func applyWithdrawn(ctx context.Context, tx store.Tx, ev types.BlockchainEvent) error {
	p := ev.Payload
	if p.Amount == nil {
		return errs.NewInvariant("stateupdater.applyWithdrawn", fmt.Errorf("missing amount"))
	}
	campaign, err := tx.GetCampaignForUpdate(ctx, ev.Address)
	if err != nil {
		if err == store.ErrNotFound {
			return errs.NewTransient("stateupdater.applyWithdrawn", err)
		}
		return err
	}
	if campaign.Status == types.CampaignWithdrawn {
		return nil // already terminal; a republished duplicate is a no-op
	}
	campaign.Withdrawn = true
	campaign.WithdrawnAmount = p.Amount
	campaign.Status = types.CampaignWithdrawn
	return tx.UpdateCampaign(ctx, *campaign)
}

func applyRefunded(ctx context.Context, tx store.Tx, ev types.BlockchainEvent) error {
	p := ev.Payload
	if p.Amount == nil {
		return errs.NewInvariant("stateupdater.applyRefunded", fmt.Errorf("missing amount"))
	}
	contrib, err := tx.GetContributionForUpdate(ctx, ev.Address, p.Donor)
	if err != nil {
		// A Refunded event can only follow a prior DonationReceived from
		// the same donor; a missing row means the log stream is
		// inconsistent with the on-chain invariant this relies on.
		if err == store.ErrNotFound {
			return errs.NewInvariant("stateupdater.applyRefunded", fmt.Errorf("refund with no prior contribution for %s/%s", ev.Address, p.Donor))
		}
		return err
	}
	contrib.Refunded = contrib.Refunded.Add(*p.Amount)
	// total_raised and status are untouched here: the FAILED transition
	// is owned by the reconciler (and re-derived by internal/rollback
	// after a reorg), never by a refund.
	return tx.UpsertContribution(ctx, *contrib)
}
