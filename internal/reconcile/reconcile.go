// Package reconcile implements the reconciliation cycle triggered by a
// control-plane ReconciliationMessage (spec.md §4.11): transition
// past-deadline, under-goal ACTIVE campaigns to FAILED. Grounded on the
// teacher's pkg/reconciler cycle shape (timer + counters around a single
// reconcile pass), narrowed from its two-entity node/container sweep to
// this repo's one FAILED-only transition.
package reconcile

import (
	"context"
	"time"

	"github.com/cuemby/chainindexer/internal/log"
	"github.com/cuemby/chainindexer/internal/metrics"
	"github.com/cuemby/chainindexer/internal/store"
	"github.com/cuemby/chainindexer/internal/types"
)

// Reconciler drives reconciliation cycles against the store.
type Reconciler struct {
	st      store.Store
	chainID int64
}

// New constructs a Reconciler for one chain.
func New(st store.Store, chainID int64) *Reconciler {
	return &Reconciler{st: st, chainID: chainID}
}

// Run performs one reconciliation cycle: every ACTIVE campaign past its
// deadline with total_raised < goal transitions to FAILED. Apart from
// internal/rollback re-deriving status after a reorg, this is the only
// path by which a campaign becomes FAILED.
func (r *Reconciler) Run(ctx context.Context) error {
	logger := log.WithComponent("reconciler")
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReconciliationDuration)

	campaigns, err := r.st.ListActiveCampaignsPastDeadline(ctx, r.chainID, time.Now())
	if err != nil {
		return err
	}

	var transitioned int
	for _, c := range campaigns {
		if c.Withdrawn || c.TotalRaised.Cmp(c.Goal) >= 0 {
			continue // met goal or already withdrawn; not a FAILED candidate
		}
		if err := r.st.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
			fresh, err := tx.GetCampaignForUpdate(ctx, c.Address)
			if err != nil {
				return err
			}
			if fresh.Status != types.CampaignActive {
				return nil // raced with a consumer update; re-check under lock
			}
			fresh.Status = types.CampaignFailed
			return tx.UpdateCampaign(ctx, *fresh)
		}); err != nil {
			logger.Error().Err(err).Str("campaign", c.Address).Msg("failed to transition campaign to FAILED")
			continue
		}
		transitioned++
	}

	metrics.ReconcileCyclesTotal.Inc()
	if transitioned > 0 {
		metrics.ReconcileDriftTotal.WithLabelValues("campaign").Add(float64(transitioned))
		logger.Info().Int("transitioned", transitioned).Dur("took", timer.Duration()).
			Msg("reconciliation cycle transitioned campaigns to FAILED")
	}
	return nil
}
