package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/chainindexer/internal/store"
	"github.com/cuemby/chainindexer/internal/types"
)

type fakeStore struct {
	campaigns []*types.Campaign
}

func (f *fakeStore) GetCursor(ctx context.Context, chainID int64) (types.SyncCursor, error) {
	return types.SyncCursor{}, nil
}
func (f *fakeStore) CommitCursor(ctx context.Context, chainID int64, height uint64, hash [32]byte) error {
	return nil
}
func (f *fakeStore) GetCampaign(ctx context.Context, address string) (*types.Campaign, error) {
	for _, c := range f.campaigns {
		if c.Address == address {
			return c, nil
		}
	}
	return nil, store.ErrNotFound
}
func (f *fakeStore) ListCampaignAddresses(ctx context.Context, chainID int64) ([]string, error) {
	return nil, nil
}
func (f *fakeStore) ListActiveCampaignsPastDeadline(ctx context.Context, chainID int64, now time.Time) ([]*types.Campaign, error) {
	var out []*types.Campaign
	for _, c := range f.campaigns {
		if c.Status == types.CampaignActive && now.After(c.Deadline) {
			out = append(out, c)
		}
	}
	return out, nil
}
func (f *fakeStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	return fn(ctx, &fakeTx{f})
}
func (f *fakeStore) CampaignCount(ctx context.Context, chainID int64) (int, error) {
	return len(f.campaigns), nil
}
func (f *fakeStore) Close() {}

var _ store.Store = (*fakeStore)(nil)

type fakeTx struct{ s *fakeStore }

func (t *fakeTx) InsertEvent(ctx context.Context, ev types.BlockchainEvent) (bool, error) {
	return true, nil
}
func (t *fakeTx) UpsertCampaignCreated(ctx context.Context, chainID int64, c types.Campaign) error {
	return nil
}
func (t *fakeTx) GetCampaignForUpdate(ctx context.Context, address string) (*types.Campaign, error) {
	return t.s.GetCampaign(ctx, address)
}
func (t *fakeTx) UpdateCampaign(ctx context.Context, c types.Campaign) error {
	for _, existing := range t.s.campaigns {
		if existing.Address == c.Address {
			*existing = c
			return nil
		}
	}
	return store.ErrNotFound
}
func (t *fakeTx) GetContributionForUpdate(ctx context.Context, campaign, donor string) (*types.Contribution, error) {
	return nil, store.ErrNotFound
}
func (t *fakeTx) UpsertContribution(ctx context.Context, c types.Contribution) error { return nil }
func (t *fakeTx) MarkEventsRemoved(ctx context.Context, chainID int64, fromBlock, toBlock uint64) ([]string, error) {
	return nil, nil
}
func (t *fakeTx) SumDonationsNonRemoved(ctx context.Context, campaign string) (types.Wei, error) {
	return types.Wei{}, nil
}
func (t *fakeTx) ContributionsNonRemoved(ctx context.Context, campaign string) ([]types.Contribution, error) {
	return nil, nil
}
func (t *fakeTx) HasNonRemovedWithdrawn(ctx context.Context, campaign string) (bool, error) {
	return false, nil
}
func (t *fakeTx) DonorsInRemovedRange(ctx context.Context, chainID int64, campaign string, fromBlock, toBlock uint64) ([]string, error) {
	return nil, nil
}

var _ store.Tx = (*fakeTx)(nil)

func TestRunTransitionsUnderfundedPastDeadlineCampaignsToFailed(t *testing.T) {
	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)
	st := &fakeStore{campaigns: []*types.Campaign{
		{Address: "0xunderfunded", Status: types.CampaignActive, Goal: types.NewWei(100), TotalRaised: types.NewWei(40), Deadline: past},
		{Address: "0xmet-goal", Status: types.CampaignActive, Goal: types.NewWei(100), TotalRaised: types.NewWei(150), Deadline: past},
		{Address: "0xnot-due", Status: types.CampaignActive, Goal: types.NewWei(100), TotalRaised: types.NewWei(40), Deadline: future},
	}}

	r := New(st, 1)
	require.NoError(t, r.Run(context.Background()))

	got, err := st.GetCampaign(context.Background(), "0xunderfunded")
	require.NoError(t, err)
	assert.Equal(t, types.CampaignFailed, got.Status)

	stillActiveButFunded, err := st.GetCampaign(context.Background(), "0xmet-goal")
	require.NoError(t, err)
	assert.Equal(t, types.CampaignActive, stillActiveButFunded.Status) // reconciler never owns SUCCESS

	notYetDue, err := st.GetCampaign(context.Background(), "0xnot-due")
	require.NoError(t, err)
	assert.Equal(t, types.CampaignActive, notYetDue.Status)
}
