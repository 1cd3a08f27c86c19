// Package rollback handles control-plane RollbackMessages: it flips
// affected events to removed and rebuilds every touched campaign's
// derived state from the surviving event log (spec.md §4.10). Grounded
// on the ChainIndexor reorg handler's "mark orphaned, replay survivors"
// shape, adapted to this repo's event-sourced recomputation instead of
// its direct row-patch approach.
package rollback

import (
	"context"
	"time"

	"github.com/cuemby/chainindexer/internal/log"
	"github.com/cuemby/chainindexer/internal/store"
	"github.com/cuemby/chainindexer/internal/types"
)

// Message mirrors broker.RollbackPayload; duplicated here (rather than
// imported) to keep this package's dependency surface limited to
// internal/store — it has no need to know about the broker.
type Message struct {
	ChainID int64
	From    uint64
	To      uint64
	Reason  string
}

// Handle performs the whole rollback as one transaction: mark events
// removed, then recompute every touched campaign's state from what
// remains. Must run on the single-consumer control queue so no concurrent
// rollback or state update interleaves with it.
func Handle(ctx context.Context, st store.Store, msg Message) error {
	return st.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		touched, err := tx.MarkEventsRemoved(ctx, msg.ChainID, msg.To, msg.From)
		if err != nil {
			return err
		}
		for _, addr := range touched {
			if err := recompute(ctx, tx, msg.ChainID, addr, msg.To, msg.From); err != nil {
				return err
			}
		}
		return nil
	})
}

func recompute(ctx context.Context, tx store.Tx, chainID int64, address string, fromBlock, toBlock uint64) error {
	campaign, err := tx.GetCampaignForUpdate(ctx, address)
	if err != nil {
		return err
	}

	totalRaised, err := tx.SumDonationsNonRemoved(ctx, address)
	if err != nil {
		return err
	}
	campaign.TotalRaised = totalRaised

	contributions, err := tx.ContributionsNonRemoved(ctx, address)
	if err != nil {
		return err
	}
	survivors := make(map[string]struct{}, len(contributions))
	for _, c := range contributions {
		survivors[c.DonorAddress] = struct{}{}
	}

	// Donors whose only donations fell inside the orphaned range have no
	// surviving event and so are absent from ContributionsNonRemoved;
	// without this they'd keep their stale pre-reorg contributed amount.
	orphanedDonors, err := tx.DonorsInRemovedRange(ctx, chainID, address, fromBlock, toBlock)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, donor := range orphanedDonors {
		if _, ok := survivors[donor]; ok {
			continue
		}
		contributions = append(contributions, types.Contribution{
			CampaignAddress: address,
			DonorAddress:    donor,
			Contributed:     types.Wei{},
			Refunded:        types.Wei{},
			UpdatedAt:       now,
		})
	}

	for _, c := range contributions {
		if err := tx.UpsertContribution(ctx, c); err != nil {
			return err
		}
	}

	withdrawn, err := tx.HasNonRemovedWithdrawn(ctx, address)
	if err != nil {
		return err
	}
	campaign.Withdrawn = withdrawn
	if !withdrawn {
		campaign.WithdrawnAmount = nil
	}

	campaign.Status = deriveStatus(*campaign, time.Now())
	log.WithCampaign(address).Info().
		Str("total_raised", totalRaised.String()).Str("status", string(campaign.Status)).
		Msg("campaign state reverted to surviving event log")
	return tx.UpdateCampaign(ctx, *campaign)
}

// deriveStatus recomputes the status lattice from scratch, per spec.md
// §4.10's explicit derivation rule (withdrawn > success > failed > active).
func deriveStatus(c types.Campaign, now time.Time) types.CampaignStatus {
	switch {
	case c.Withdrawn:
		return types.CampaignWithdrawn
	case c.TotalRaised.Cmp(c.Goal) >= 0 && now.Before(c.Deadline):
		return types.CampaignSuccess
	case now.After(c.Deadline) && c.TotalRaised.Cmp(c.Goal) < 0:
		return types.CampaignFailed
	default:
		return types.CampaignActive
	}
}
