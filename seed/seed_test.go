package seed_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/redemption-engine/ledger"
	"github.com/warp/redemption-engine/ledger/store"
	"github.com/warp/redemption-engine/seed"
	"github.com/warp/redemption-engine/store/sqlite"
)

func TestDefault_Catalog(t *testing.T) {
	f, err := seed.Default()
	require.NoError(t, err)

	assert.Len(t, f.Users, 3)
	assert.Len(t, f.Rewards, 8)
	assert.Len(t, f.History, 4)
	assert.Equal(t, "alice@example.com", f.Users[0].Email)
	assert.Equal(t, 14*24*time.Hour, f.History[0].Ago)

	var limited int
	for _, r := range f.Rewards {
		if r.StockQuantity != nil {
			limited++
		}
	}
	assert.Equal(t, 2, limited)
}

func TestLoad_DefaultCatalog(t *testing.T) {
	// GIVEN: an empty sqlite store
	// WHEN: the embedded catalog is loaded
	// THEN: users, active rewards and newest-first history are in place
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()

	f, err := seed.Default()
	require.NoError(t, err)
	res, err := seed.Load(ctx, s, f, nil)
	require.NoError(t, err)
	assert.Equal(t, seed.Result{Users: 3, Rewards: 8, Redemptions: 4}, res)

	users, err := s.ListUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users, 3)
	alice := users[0]
	assert.Equal(t, "Alice Johnson", alice.Name)
	assert.Equal(t, int64(2500), alice.PointsBalance, "history does not debit")

	rewards, err := s.ListRewards(ctx, true)
	require.NoError(t, err)
	require.Len(t, rewards, 8)
	assert.Equal(t, "Free Coffee for a Week", rewards[0].Name, "ordered by cost")

	history, err := s.ListRedemptions(ctx, alice.ID, ledger.Page{})
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "Free Coffee for a Week", history[0].RewardName)
	assert.Equal(t, "$5 Starbucks Gift Card", history[1].RewardName)
	assert.True(t, history[1].CreatedAt.Before(history[0].CreatedAt))
}

func TestLoadIfEmpty(t *testing.T) {
	s := store.NewMemory()
	ctx := context.Background()
	f, err := seed.Default()
	require.NoError(t, err)

	_, loaded, err := seed.LoadIfEmpty(ctx, s, f, nil)
	require.NoError(t, err)
	assert.True(t, loaded)

	_, loaded, err = seed.LoadIfEmpty(ctx, s, f, nil)
	require.NoError(t, err)
	assert.False(t, loaded)

	users, err := s.ListUsers(ctx)
	require.NoError(t, err)
	assert.Len(t, users, 3)
}

func TestParse_Errors(t *testing.T) {
	_, err := seed.Parse([]byte("users:\n  - name: x\n    nickname: y\n"))
	assert.Error(t, err, "unknown fields are rejected")

	f, err := seed.Parse([]byte(`
users:
  - {name: A, email: a@example.com, points_balance: 10}
rewards:
  - {name: R, cost: 5, active: false}
history:
  - {user: nobody@example.com, reward: R, ago: 1h}
`))
	require.NoError(t, err)
	_, err = seed.Load(context.Background(), store.NewMemory(), f, nil)
	assert.ErrorIs(t, err, ledger.ErrInvalidInput)
}

func TestLoad_InactiveReward(t *testing.T) {
	f, err := seed.Parse([]byte(`
rewards:
  - {name: Retired, cost: 5, active: false}
`))
	require.NoError(t, err)
	s := store.NewMemory()
	_, err = seed.Load(context.Background(), s, f, nil)
	require.NoError(t, err)

	active, err := s.ListRewards(context.Background(), true)
	require.NoError(t, err)
	assert.Empty(t, active)
}
