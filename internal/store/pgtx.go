package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/cuemby/chainindexer/internal/errs"
	"github.com/cuemby/chainindexer/internal/types"
)

// pgTx implements Tx over a live pgx.Tx.
type pgTx struct {
	tx pgx.Tx
}

// rowScanner is satisfied by both pgx.Row and pgx.Rows, letting
// scanCampaign/scanContribution serve both single-row and multi-row
// callers.
type rowScanner interface {
	Scan(dest ...any) error
}

func queryCampaign(ctx context.Context, q interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}, address string) (*types.Campaign, error) {
	const sel = `
		SELECT address, factory_address, creator_address, goal, deadline, content_id,
		       status, total_raised, withdrawn, withdrawn_amount, created_at, updated_at
		FROM campaigns WHERE address = $1`
	row := q.QueryRow(ctx, sel, address)
	c, err := scanCampaign(row)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errs.NewTransient("store.queryCampaign", err)
	}
	return c, nil
}

func scanCampaign(row rowScanner) (*types.Campaign, error) {
	var c types.Campaign
	var withdrawnAmount *types.Wei
	if err := row.Scan(
		&c.Address, &c.FactoryAddress, &c.CreatorAddress, &c.Goal, &c.Deadline, &c.ContentID,
		&c.Status, &c.TotalRaised, &c.Withdrawn, &withdrawnAmount, &c.CreatedAt, &c.UpdatedAt,
	); err != nil {
		return nil, err
	}
	c.WithdrawnAmount = withdrawnAmount
	return &c, nil
}

func (t *pgTx) InsertEvent(ctx context.Context, ev types.BlockchainEvent) (bool, error) {
	const q = `
		INSERT INTO blockchain_events
			(chain_id, tx_hash, log_index, block_number, block_hash, address, event_name, payload, removed, ingested_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
		ON CONFLICT (chain_id, tx_hash, log_index) DO NOTHING`
	tag, err := t.tx.Exec(ctx, q,
		ev.ChainID, ev.TxHash, ev.LogIndex, ev.BlockNumber, ev.BlockHash, ev.Address,
		string(ev.EventName), ev.Payload, ev.Removed,
	)
	if err != nil {
		return false, errs.NewTransient("store.InsertEvent", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) UpsertCampaignCreated(ctx context.Context, chainID int64, c types.Campaign) error {
	const q = `
		INSERT INTO campaigns
			(address, chain_id, factory_address, creator_address, goal, deadline, content_id,
			 status, total_raised, withdrawn, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'ACTIVE', 0, false, $8, now())
		ON CONFLICT (address) DO NOTHING`
	// c.CreatedAt carries the block's own timestamp when the producer could
	// resolve one; a zero value (older messages, or a BlockTimestamp RPC
	// failure) falls back to insert time, which for a backfilled row is
	// later than its own block.
	createdAt := c.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := t.tx.Exec(ctx, q,
		c.Address, chainID, c.FactoryAddress, c.CreatorAddress, c.Goal, c.Deadline, c.ContentID, createdAt,
	)
	if err != nil {
		return errs.NewTransient("store.UpsertCampaignCreated", err)
	}
	return nil
}

func (t *pgTx) GetCampaignForUpdate(ctx context.Context, address string) (*types.Campaign, error) {
	const sel = `
		SELECT address, factory_address, creator_address, goal, deadline, content_id,
		       status, total_raised, withdrawn, withdrawn_amount, created_at, updated_at
		FROM campaigns WHERE address = $1 FOR UPDATE`
	row := t.tx.QueryRow(ctx, sel, address)
	c, err := scanCampaign(row)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errs.NewTransient("store.GetCampaignForUpdate", err)
	}
	return c, nil
}

func (t *pgTx) UpdateCampaign(ctx context.Context, c types.Campaign) error {
	const q = `
		UPDATE campaigns SET
			status = $2, total_raised = $3, withdrawn = $4, withdrawn_amount = $5, updated_at = now()
		WHERE address = $1`
	_, err := t.tx.Exec(ctx, q, c.Address, string(c.Status), c.TotalRaised, c.Withdrawn, c.WithdrawnAmount)
	if err != nil {
		return errs.NewTransient("store.UpdateCampaign", err)
	}
	return nil
}

func (t *pgTx) GetContributionForUpdate(ctx context.Context, campaign, donor string) (*types.Contribution, error) {
	const q = `
		SELECT campaign_address, donor_address, contributed, refunded, created_at, updated_at
		FROM contributions WHERE campaign_address = $1 AND donor_address = $2 FOR UPDATE`
	var c types.Contribution
	err := t.tx.QueryRow(ctx, q, campaign, donor).Scan(
		&c.CampaignAddress, &c.DonorAddress, &c.Contributed, &c.Refunded, &c.CreatedAt, &c.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errs.NewTransient("store.GetContributionForUpdate", err)
	}
	return &c, nil
}

func (t *pgTx) UpsertContribution(ctx context.Context, c types.Contribution) error {
	const q = `
		INSERT INTO contributions (campaign_address, donor_address, contributed, refunded, created_at, updated_at)
		VALUES ($1, $2, $3, $4, now(), now())
		ON CONFLICT (campaign_address, donor_address) DO UPDATE
		SET contributed = EXCLUDED.contributed, refunded = EXCLUDED.refunded, updated_at = now()`
	_, err := t.tx.Exec(ctx, q, c.CampaignAddress, c.DonorAddress, c.Contributed, c.Refunded)
	if err != nil {
		return errs.NewTransient("store.UpsertContribution", err)
	}
	return nil
}

// MarkEventsRemoved flips removed=true on events in (fromBlock, toBlock]
// for chainID, returning the distinct set of campaign addresses touched
// so the caller knows which campaigns need state recomputed.
func (t *pgTx) MarkEventsRemoved(ctx context.Context, chainID int64, fromBlock, toBlock uint64) ([]string, error) {
	const q = `
		UPDATE blockchain_events
		SET removed = true
		WHERE chain_id = $1 AND block_number > $2 AND block_number <= $3 AND removed = false
		RETURNING CASE WHEN event_name = 'CampaignCreated' THEN payload->>'campaign' ELSE address END`
	rows, err := t.tx.Query(ctx, q, chainID, int64(fromBlock), int64(toBlock))
	if err != nil {
		return nil, errs.NewTransient("store.MarkEventsRemoved", err)
	}
	defer rows.Close()

	seen := make(map[string]struct{})
	var addrs []string
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, errs.NewTransient("store.MarkEventsRemoved", err)
		}
		if _, ok := seen[addr]; !ok {
			seen[addr] = struct{}{}
			addrs = append(addrs, addr)
		}
	}
	return addrs, rows.Err()
}

// SumDonationsNonRemoved recomputes total_raised from the event log, the
// source of truth the rollback handler restores campaigns to (spec.md
// §4.10).
func (t *pgTx) SumDonationsNonRemoved(ctx context.Context, campaign string) (types.Wei, error) {
	const q = `
		SELECT coalesce(sum((payload->>'amount')::numeric), 0)
		FROM blockchain_events
		WHERE address = $1 AND event_name = 'DonationReceived' AND removed = false`
	var sum string
	if err := t.tx.QueryRow(ctx, q, campaign).Scan(&sum); err != nil {
		return types.Wei{}, errs.NewTransient("store.SumDonationsNonRemoved", err)
	}
	w, err := types.ParseWei(sum)
	if err != nil {
		return types.Wei{}, errs.NewInvariant("store.SumDonationsNonRemoved", err)
	}
	return w, nil
}

// ContributionsNonRemoved recomputes per-donor contributed/refunded
// totals from the non-removed event log.
func (t *pgTx) ContributionsNonRemoved(ctx context.Context, campaign string) ([]types.Contribution, error) {
	const q = `
		SELECT
			payload->>'donor' AS donor,
			coalesce(sum((payload->>'amount')::numeric) FILTER (WHERE event_name = 'DonationReceived'), 0) AS contributed,
			coalesce(sum((payload->>'amount')::numeric) FILTER (WHERE event_name = 'Refunded'), 0) AS refunded
		FROM blockchain_events
		WHERE address = $1 AND event_name IN ('DonationReceived', 'Refunded') AND removed = false
		GROUP BY donor`
	rows, err := t.tx.Query(ctx, q, campaign)
	if err != nil {
		return nil, errs.NewTransient("store.ContributionsNonRemoved", err)
	}
	defer rows.Close()

	var out []types.Contribution
	now := time.Now()
	for rows.Next() {
		var donor, contributed, refunded string
		if err := rows.Scan(&donor, &contributed, &refunded); err != nil {
			return nil, errs.NewTransient("store.ContributionsNonRemoved", err)
		}
		c, err := types.ParseWei(contributed)
		if err != nil {
			return nil, errs.NewInvariant("store.ContributionsNonRemoved", err)
		}
		r, err := types.ParseWei(refunded)
		if err != nil {
			return nil, errs.NewInvariant("store.ContributionsNonRemoved", err)
		}
		out = append(out, types.Contribution{
			CampaignAddress: campaign,
			DonorAddress:    donor,
			Contributed:     c,
			Refunded:        r,
			UpdatedAt:       now,
		})
	}
	return out, rows.Err()
}

// DonorsInRemovedRange returns the distinct donors touched by the events
// a rollback just orphaned in (fromBlock, toBlock] for campaign. Used
// alongside ContributionsNonRemoved: a donor whose only donations fall
// entirely inside the orphaned range has no surviving event and so never
// appears in ContributionsNonRemoved's GROUP BY — without this query
// their contributions row would keep its stale pre-reorg value instead
// of collapsing to zero.
func (t *pgTx) DonorsInRemovedRange(ctx context.Context, chainID int64, campaign string, fromBlock, toBlock uint64) ([]string, error) {
	const q = `
		SELECT DISTINCT payload->>'donor'
		FROM blockchain_events
		WHERE chain_id = $1 AND address = $2
		  AND block_number > $3 AND block_number <= $4
		  AND event_name IN ('DonationReceived', 'Refunded')
		  AND removed = true`
	rows, err := t.tx.Query(ctx, q, chainID, campaign, int64(fromBlock), int64(toBlock))
	if err != nil {
		return nil, errs.NewTransient("store.DonorsInRemovedRange", err)
	}
	defer rows.Close()

	var donors []string
	for rows.Next() {
		var donor string
		if err := rows.Scan(&donor); err != nil {
			return nil, errs.NewTransient("store.DonorsInRemovedRange", err)
		}
		donors = append(donors, donor)
	}
	return donors, rows.Err()
}

func (t *pgTx) HasNonRemovedWithdrawn(ctx context.Context, campaign string) (bool, error) {
	const q = `
		SELECT exists(
			SELECT 1 FROM blockchain_events
			WHERE address = $1 AND event_name = 'Withdrawn' AND removed = false
		)`
	var exists bool
	if err := t.tx.QueryRow(ctx, q, campaign).Scan(&exists); err != nil {
		return false, errs.NewTransient("store.HasNonRemovedWithdrawn", err)
	}
	return exists, nil
}
