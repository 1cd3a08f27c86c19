package rollback

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/chainindexer/internal/store"
	"github.com/cuemby/chainindexer/internal/types"
)

// fakeStore runs WithTx against a single shared fakeTx, enough to
// exercise the rollback handler without a database.
type fakeStore struct {
	tx *fakeTx
}

func (f *fakeStore) GetCursor(ctx context.Context, chainID int64) (types.SyncCursor, error) {
	return types.SyncCursor{}, nil
}
func (f *fakeStore) CommitCursor(ctx context.Context, chainID int64, height uint64, hash [32]byte) error {
	return nil
}
func (f *fakeStore) GetCampaign(ctx context.Context, address string) (*types.Campaign, error) {
	return f.tx.GetCampaignForUpdate(ctx, address)
}
func (f *fakeStore) ListCampaignAddresses(ctx context.Context, chainID int64) ([]string, error) {
	return nil, nil
}
func (f *fakeStore) ListActiveCampaignsPastDeadline(ctx context.Context, chainID int64, now time.Time) ([]*types.Campaign, error) {
	return nil, nil
}
func (f *fakeStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	return fn(ctx, f.tx)
}
func (f *fakeStore) CampaignCount(ctx context.Context, chainID int64) (int, error) { return 0, nil }
func (f *fakeStore) Close()                                                       {}

var _ store.Store = (*fakeStore)(nil)

type fakeTx struct {
	campaigns     map[string]*types.Campaign
	contributions map[string][]types.Contribution
	removed       []string
	totalRaised   types.Wei
	hasWithdrawn  bool

	// survivingContributions seeds ContributionsNonRemoved's return
	// value; defaults to a single "0xd1" donor if left nil, matching the
	// existing tests' fixture.
	survivingContributions []types.Contribution
	// orphanedDonors seeds DonorsInRemovedRange's return value.
	orphanedDonors []string
}

func (f *fakeTx) InsertEvent(ctx context.Context, ev types.BlockchainEvent) (bool, error) {
	return true, nil
}
func (f *fakeTx) UpsertCampaignCreated(ctx context.Context, chainID int64, c types.Campaign) error {
	return nil
}
func (f *fakeTx) GetCampaignForUpdate(ctx context.Context, address string) (*types.Campaign, error) {
	c := *f.campaigns[address]
	return &c, nil
}
func (f *fakeTx) UpdateCampaign(ctx context.Context, c types.Campaign) error {
	cp := c
	f.campaigns[c.Address] = &cp
	return nil
}
func (f *fakeTx) GetContributionForUpdate(ctx context.Context, campaign, donor string) (*types.Contribution, error) {
	return nil, store.ErrNotFound
}
func (f *fakeTx) UpsertContribution(ctx context.Context, c types.Contribution) error {
	f.contributions[c.CampaignAddress] = append(f.contributions[c.CampaignAddress], c)
	return nil
}
func (f *fakeTx) MarkEventsRemoved(ctx context.Context, chainID int64, fromBlock, toBlock uint64) ([]string, error) {
	return f.removed, nil
}
func (f *fakeTx) SumDonationsNonRemoved(ctx context.Context, campaign string) (types.Wei, error) {
	return f.totalRaised, nil
}
func (f *fakeTx) ContributionsNonRemoved(ctx context.Context, campaign string) ([]types.Contribution, error) {
	if f.survivingContributions != nil {
		return f.survivingContributions, nil
	}
	return []types.Contribution{{CampaignAddress: campaign, DonorAddress: "0xd1", Contributed: f.totalRaised}}, nil
}
func (f *fakeTx) HasNonRemovedWithdrawn(ctx context.Context, campaign string) (bool, error) {
	return f.hasWithdrawn, nil
}
func (f *fakeTx) DonorsInRemovedRange(ctx context.Context, chainID int64, campaign string, fromBlock, toBlock uint64) ([]string, error) {
	return f.orphanedDonors, nil
}

var _ store.Tx = (*fakeTx)(nil)

func TestHandleRecomputesTotalRaisedAndRevertsSuccess(t *testing.T) {
	tx := &fakeTx{
		campaigns: map[string]*types.Campaign{
			"0xc": {
				Address:     "0xc",
				Goal:        types.NewWei(100),
				Deadline:    time.Now().Add(24 * time.Hour),
				Status:      types.CampaignSuccess,
				TotalRaised: types.NewWei(120),
			},
		},
		contributions: map[string][]types.Contribution{},
		removed:       []string{"0xc"},
		totalRaised:   types.NewWei(40), // orphaned donation dropped total below goal
	}
	st := &fakeStore{tx: tx}

	err := Handle(context.Background(), st, Message{ChainID: 1, From: 100, To: 90, Reason: "reorg"})
	require.NoError(t, err)

	c := tx.campaigns["0xc"]
	assert.Equal(t, types.NewWei(40).String(), c.TotalRaised.String())
	assert.Equal(t, types.CampaignActive, c.Status) // no longer meets goal, deadline still future
}

func TestHandleRevertsWithdrawnWhenItsEventIsOrphaned(t *testing.T) {
	tx := &fakeTx{
		campaigns: map[string]*types.Campaign{
			"0xc": {
				Address:         "0xc",
				Goal:            types.NewWei(100),
				Deadline:        time.Now().Add(24 * time.Hour),
				Status:          types.CampaignWithdrawn,
				TotalRaised:     types.NewWei(150),
				Withdrawn:       true,
				WithdrawnAmount: func() *types.Wei { w := types.NewWei(150); return &w }(),
			},
		},
		contributions: map[string][]types.Contribution{},
		removed:       []string{"0xc"},
		totalRaised:   types.NewWei(150),
		hasWithdrawn:  false, // the Withdrawn event itself was orphaned
	}
	st := &fakeStore{tx: tx}

	require.NoError(t, Handle(context.Background(), st, Message{ChainID: 1, From: 100, To: 90, Reason: "reorg"}))

	c := tx.campaigns["0xc"]
	assert.False(t, c.Withdrawn)
	assert.Nil(t, c.WithdrawnAmount)
	assert.Equal(t, types.CampaignSuccess, c.Status) // still meets goal, deadline future
}

// A donor whose only donation(s) fall entirely inside the orphaned range
// has no surviving event, so ContributionsNonRemoved's GROUP BY never
// returns them. Their contributions row must still collapse to zero
// rather than keep its stale pre-reorg value.
func TestHandleZeroesContributionsForFullyOrphanedDonor(t *testing.T) {
	tx := &fakeTx{
		campaigns: map[string]*types.Campaign{
			"0xc": {
				Address:     "0xc",
				Goal:        types.NewWei(100),
				Deadline:    time.Now().Add(24 * time.Hour),
				Status:      types.CampaignSuccess,
				TotalRaised: types.NewWei(120),
			},
		},
		contributions: map[string][]types.Contribution{},
		removed:       []string{"0xc"},
		totalRaised:   types.NewWei(80),
		// "0xd1" survives with its own event outside the orphaned range;
		// "0xd2"'s only donation was orphaned, so it has no surviving row.
		survivingContributions: []types.Contribution{
			{CampaignAddress: "0xc", DonorAddress: "0xd1", Contributed: types.NewWei(80)},
		},
		orphanedDonors: []string{"0xd1", "0xd2"},
	}
	st := &fakeStore{tx: tx}

	require.NoError(t, Handle(context.Background(), st, Message{ChainID: 1, From: 100, To: 90, Reason: "reorg"}))

	upserted := tx.contributions["0xc"]
	byDonor := make(map[string]types.Contribution, len(upserted))
	for _, c := range upserted {
		byDonor[c.DonorAddress] = c
	}

	require.Contains(t, byDonor, "0xd1")
	assert.Equal(t, types.NewWei(80).String(), byDonor["0xd1"].Contributed.String())

	require.Contains(t, byDonor, "0xd2")
	assert.Equal(t, types.NewWei(0).String(), byDonor["0xd2"].Contributed.String())
	assert.Equal(t, types.NewWei(0).String(), byDonor["0xd2"].Refunded.String())
}
