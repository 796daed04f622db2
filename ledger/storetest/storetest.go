/*
Package storetest is the behavioural contract every ledger.Store must meet.

USAGE:

	func TestContract(t *testing.T) {
	    storetest.Run(t, func(t *testing.T) ledger.Store {
	        s, err := sqlite.New(":memory:")
	        require.NoError(t, err)
	        t.Cleanup(func() { s.Close() })
	        return s
	    })
	}

Each subtest gets a fresh store from the factory.
*/
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/warp/redemption-engine/ledger"
)

// Factory returns an empty store. It registers its own cleanup.
type Factory func(t *testing.T) ledger.Store

func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s ledger.Store)
	}{
		{"Provisioning", testProvisioning},
		{"DuplicateEmail", testDuplicateEmail},
		{"ListRewardsOrderedByCost", testListRewards},
		{"LockMissingRow", testLockMissing},
		{"CommitAppliesAllWrites", testCommit},
		{"RollbackRestoresState", testRollback},
		{"LockOrderGuard", testLockOrder},
		{"SameUserSerializes", testSameUserSerializes},
		{"CancelledLockWait", testCancelledLockWait},
		{"CascadeDelete", testCascadeDelete},
		{"RedemptionHistory", testHistory},
		{"RedemptionHistoryBackfill", testHistoryBackfill},
		{"AuditSnapshot", testAudit},
		{"Reset", testReset},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

// =============================================================================
// FIXTURES
// =============================================================================

var emailSeq atomic.Int64

// User creates a user with a unique email.
func User(t *testing.T, s ledger.Store, balance int64) *ledger.User {
	t.Helper()
	n := emailSeq.Add(1)
	u := &ledger.User{
		Name:          fmt.Sprintf("user-%d", n),
		Email:         fmt.Sprintf("user-%d@example.com", n),
		PointsBalance: balance,
	}
	require.NoError(t, s.CreateUser(context.Background(), u))
	require.NotZero(t, u.ID)
	return u
}

// Reward creates an active reward. stock nil means unlimited.
func Reward(t *testing.T, s ledger.Store, cost int64, stock *int64) *ledger.Reward {
	t.Helper()
	r := &ledger.Reward{
		Name:          fmt.Sprintf("reward-%d", cost),
		Description:   "test reward",
		ImageURL:      "https://example.com/r.png",
		Category:      "test",
		Cost:          cost,
		StockQuantity: stock,
		Active:        true,
	}
	require.NoError(t, s.CreateReward(context.Background(), r))
	require.NotZero(t, r.ID)
	return r
}

// debit performs the redemption writes without any business checks.
func debit(ctx context.Context, tx ledger.Tx, userID ledger.UserID, rewardID ledger.RewardID) error {
	u, err := tx.LockUser(ctx, userID)
	if err != nil {
		return err
	}
	r, err := tx.LockReward(ctx, rewardID)
	if err != nil {
		return err
	}
	if err := tx.SetUserBalance(ctx, u.ID, u.PointsBalance-r.Cost); err != nil {
		return err
	}
	if r.StockQuantity != nil {
		if err := tx.SetRewardStock(ctx, r.ID, *r.StockQuantity-1); err != nil {
			return err
		}
	}
	return tx.InsertRedemption(ctx, &ledger.Redemption{
		UserID:      u.ID,
		RewardID:    r.ID,
		PointsSpent: r.Cost,
		Status:      ledger.StatusCompleted,
	})
}

func stockOf(t *testing.T, s ledger.Store, id ledger.RewardID) int64 {
	t.Helper()
	r, err := s.GetReward(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, r.StockQuantity)
	return *r.StockQuantity
}

func balanceOf(t *testing.T, s ledger.Store, id ledger.UserID) int64 {
	t.Helper()
	u, err := s.GetUser(context.Background(), id)
	require.NoError(t, err)
	return u.PointsBalance
}

// =============================================================================
// CONTRACT
// =============================================================================

func testProvisioning(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	u := User(t, s, 2500)
	r := Reward(t, s, 500, ledger.Stock(3))
	free := Reward(t, s, 100, nil)

	got, err := s.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, u.Email, got.Email)
	assert.Equal(t, int64(2500), got.PointsBalance)
	assert.False(t, got.CreatedAt.IsZero())

	gr, err := s.GetReward(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(500), gr.Cost)
	assert.Equal(t, int64(3), *gr.StockQuantity)
	assert.True(t, gr.Active)

	gf, err := s.GetReward(ctx, free.ID)
	require.NoError(t, err)
	assert.True(t, gf.Unlimited())

	_, err = s.GetUser(ctx, 999999)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	_, err = s.GetReward(ctx, 999999)
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	err = s.CreateUser(ctx, &ledger.User{Name: "x", Email: "no-at-sign"})
	assert.ErrorIs(t, err, ledger.ErrInvalidInput)
	err = s.CreateReward(ctx, &ledger.Reward{Name: "free", Cost: 0})
	assert.ErrorIs(t, err, ledger.ErrInvalidInput)

	users, err := s.ListUsers(ctx)
	require.NoError(t, err)
	assert.Len(t, users, 1)
}

func testDuplicateEmail(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateUser(ctx, &ledger.User{Name: "Alice", Email: "alice@example.com", PointsBalance: 1}))
	err := s.CreateUser(ctx, &ledger.User{Name: "Alice 2", Email: "alice@example.com", PointsBalance: 1})
	assert.ErrorIs(t, err, ledger.ErrConflict)
}

func testListRewards(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	Reward(t, s, 900, nil)
	Reward(t, s, 100, nil)
	inactive := &ledger.Reward{Name: "retired", Cost: 50, Active: false}
	require.NoError(t, s.CreateReward(ctx, inactive))

	active, err := s.ListRewards(ctx, true)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, int64(100), active[0].Cost)
	assert.Equal(t, int64(900), active[1].Cost)

	all, err := s.ListRewards(ctx, false)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, inactive.ID, all[0].ID)
}

func testLockMissing(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	u := User(t, s, 10)

	err := s.WithTx(ctx, func(tx ledger.Tx) error {
		_, err := tx.LockUser(ctx, 424242)
		return err
	})
	var nf *ledger.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "user", nf.Entity)

	err = s.WithTx(ctx, func(tx ledger.Tx) error {
		if _, err := tx.LockUser(ctx, u.ID); err != nil {
			return err
		}
		_, err := tx.LockReward(ctx, 424242)
		return err
	})
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "reward", nf.Entity)
}

func testCommit(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	u := User(t, s, 1000)
	r := Reward(t, s, 300, ledger.Stock(2))

	err := s.WithTx(ctx, func(tx ledger.Tx) error {
		if err := debit(ctx, tx, u.ID, r.ID); err != nil {
			return err
		}
		// The tx sees its own writes.
		again, err := tx.LockUser(ctx, u.ID)
		if err != nil {
			return err
		}
		if again.PointsBalance != 700 {
			return fmt.Errorf("read-your-writes: balance %d", again.PointsBalance)
		}
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, int64(700), balanceOf(t, s, u.ID))
	assert.Equal(t, int64(1), stockOf(t, s, r.ID))
	n, err := s.CountRedemptions(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func testRollback(t *testing.T, s ledger.Store) {
	// GIVEN: a user with 1000 points and a reward with stock 2
	// WHEN: a unit of work performs every write then fails
	// THEN: the caller gets fn's error and nothing changed
	ctx := context.Background()
	u := User(t, s, 1000)
	r := Reward(t, s, 300, ledger.Stock(2))

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(tx ledger.Tx) error {
		if err := debit(ctx, tx, u.ID, r.ID); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	assert.Equal(t, int64(1000), balanceOf(t, s, u.ID))
	assert.Equal(t, int64(2), stockOf(t, s, r.ID))
	n, err := s.CountRedemptions(ctx, u.ID)
	require.NoError(t, err)
	assert.Zero(t, n)

	// Locks were released: the next unit of work proceeds.
	require.NoError(t, s.WithTx(ctx, func(tx ledger.Tx) error {
		return debit(ctx, tx, u.ID, r.ID)
	}))
	assert.Equal(t, int64(700), balanceOf(t, s, u.ID))
}

func testLockOrder(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	u := User(t, s, 1000)
	r := Reward(t, s, 300, nil)

	err := s.WithTx(ctx, func(tx ledger.Tx) error {
		if _, err := tx.LockReward(ctx, r.ID); err != nil {
			return err
		}
		_, err := tx.LockUser(ctx, u.ID)
		return err
	})
	assert.ErrorIs(t, err, ledger.ErrLockOrder)
}

func testSameUserSerializes(t *testing.T, s ledger.Store) {
	// GIVEN: 20 concurrent read-modify-write units of work on one user
	// THEN: no increment is lost
	ctx := context.Background()
	u := User(t, s, 0)

	const workers = 20
	start := make(chan struct{})
	var g errgroup.Group
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			<-start
			return s.WithTx(ctx, func(tx ledger.Tx) error {
				cur, err := tx.LockUser(ctx, u.ID)
				if err != nil {
					return err
				}
				return tx.SetUserBalance(ctx, u.ID, cur.PointsBalance+1)
			})
		})
	}
	close(start)
	require.NoError(t, g.Wait())
	assert.Equal(t, int64(workers), balanceOf(t, s, u.ID))
}

func testCancelledLockWait(t *testing.T, s ledger.Store) {
	// GIVEN: a unit of work holding the user row
	// WHEN: a second one waits with a short deadline
	// THEN: the waiter fails and leaves no trace
	ctx := context.Background()
	u := User(t, s, 1000)
	r := Reward(t, s, 100, ledger.Stock(5))

	locked := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- s.WithTx(ctx, func(tx ledger.Tx) error {
			if _, err := tx.LockUser(ctx, u.ID); err != nil {
				close(locked)
				return err
			}
			close(locked)
			<-release
			return nil
		})
	}()
	<-locked

	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err := s.WithTx(waitCtx, func(tx ledger.Tx) error {
		return debit(waitCtx, tx, u.ID, r.ID)
	})
	require.Error(t, err)

	close(release)
	require.NoError(t, <-done)

	assert.Equal(t, int64(1000), balanceOf(t, s, u.ID))
	assert.Equal(t, int64(5), stockOf(t, s, r.ID))
	n, err := s.CountRedemptions(ctx, u.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func testCascadeDelete(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	alice := User(t, s, 1000)
	bob := User(t, s, 1000)
	mug := Reward(t, s, 100, nil)
	hat := Reward(t, s, 200, nil)

	for _, pair := range []struct {
		u ledger.UserID
		r ledger.RewardID
	}{{alice.ID, mug.ID}, {alice.ID, hat.ID}, {bob.ID, mug.ID}, {bob.ID, hat.ID}} {
		require.NoError(t, s.WithTx(ctx, func(tx ledger.Tx) error {
			return debit(ctx, tx, pair.u, pair.r)
		}))
	}

	require.NoError(t, s.DeleteUser(ctx, alice.ID))
	_, err := s.GetUser(ctx, alice.ID)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	n, err := s.CountRedemptions(ctx, alice.ID)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, s.DeleteReward(ctx, mug.ID))
	n, err = s.CountRedemptions(ctx, bob.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	assert.ErrorIs(t, s.DeleteUser(ctx, alice.ID), ledger.ErrNotFound)
	assert.ErrorIs(t, s.DeleteReward(ctx, mug.ID), ledger.ErrNotFound)
}

func testHistory(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	u := User(t, s, 10000)
	other := User(t, s, 10000)
	cheap := Reward(t, s, 100, nil)
	pricey := Reward(t, s, 700, nil)

	for _, rid := range []ledger.RewardID{cheap.ID, cheap.ID, pricey.ID} {
		require.NoError(t, s.WithTx(ctx, func(tx ledger.Tx) error {
			return debit(ctx, tx, u.ID, rid)
		}))
	}
	require.NoError(t, s.WithTx(ctx, func(tx ledger.Tx) error {
		return debit(ctx, tx, other.ID, pricey.ID)
	}))

	views, err := s.ListRedemptions(ctx, u.ID, ledger.Page{})
	require.NoError(t, err)
	require.Len(t, views, 3)
	assert.Equal(t, pricey.ID, views[0].RewardID, "newest first")
	assert.Equal(t, pricey.Name, views[0].RewardName)
	assert.Equal(t, int64(700), views[0].PointsSpent)
	assert.Equal(t, ledger.StatusCompleted, views[0].Status)
	assert.Equal(t, "test", views[0].RewardCategory)
	assert.Greater(t, views[0].ID, views[1].ID)

	page, err := s.ListRedemptions(ctx, u.ID, ledger.Page{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, views[1].ID, page[0].ID)

	st, err := s.RedemptionStats(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.RedemptionStats{Count: 3, TotalSpent: 900}, st)

	none, err := s.RedemptionStats(ctx, 999999)
	require.NoError(t, err)
	assert.Zero(t, none.Count)
}

// A row inserted later with an older created_at (seed history, backfill)
// must still sort by created_at, not by insertion order.
func testHistoryBackfill(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	u := User(t, s, 0)
	r := Reward(t, s, 100, nil)
	now := time.Now().UTC().Truncate(time.Second)

	insert := func(at time.Time) ledger.RedemptionID {
		red := &ledger.Redemption{UserID: u.ID, RewardID: r.ID, PointsSpent: r.Cost, Status: ledger.StatusCompleted, CreatedAt: at}
		require.NoError(t, s.WithTx(ctx, func(tx ledger.Tx) error {
			if _, err := tx.LockUser(ctx, u.ID); err != nil {
				return err
			}
			if _, err := tx.LockReward(ctx, r.ID); err != nil {
				return err
			}
			return tx.InsertRedemption(ctx, red)
		}))
		return red.ID
	}
	recent := insert(now.Add(-time.Hour))
	old := insert(now.Add(-48 * time.Hour))
	newest := insert(now)

	views, err := s.ListRedemptions(ctx, u.ID, ledger.Page{})
	require.NoError(t, err)
	require.Len(t, views, 3)
	assert.Equal(t, []ledger.RedemptionID{newest, recent, old},
		[]ledger.RedemptionID{views[0].ID, views[1].ID, views[2].ID})
	assert.True(t, views[0].CreatedAt.After(views[1].CreatedAt))
	assert.True(t, views[1].CreatedAt.After(views[2].CreatedAt))

	page, err := s.ListRedemptions(ctx, u.ID, ledger.Page{Limit: 1, Offset: 2})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, old, page[0].ID)
}

func testAudit(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	u := User(t, s, 1000)
	r := Reward(t, s, 400, ledger.Stock(1))
	Reward(t, s, 50, nil)

	require.NoError(t, s.WithTx(ctx, func(tx ledger.Tx) error {
		return debit(ctx, tx, u.ID, r.ID)
	}))

	a, err := s.AuditSnapshot(ctx)
	require.NoError(t, err)
	assert.True(t, a.Healthy(), "%+v", a)
	assert.Equal(t, int64(1), a.Users)
	assert.Equal(t, int64(2), a.Rewards)
	assert.Equal(t, int64(1), a.Redemptions)
	assert.Equal(t, int64(600), a.PointsOutstanding)
	assert.Equal(t, int64(400), a.PointsRedeemed)
	assert.Equal(t, int64(1), a.OutOfStock)
}

func testReset(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	u := User(t, s, 100)
	r := Reward(t, s, 100, nil)
	require.NoError(t, s.WithTx(ctx, func(tx ledger.Tx) error {
		return debit(ctx, tx, u.ID, r.ID)
	}))

	require.NoError(t, s.Reset(ctx))
	users, err := s.ListUsers(ctx)
	require.NoError(t, err)
	assert.Empty(t, users)
	rewards, err := s.ListRewards(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, rewards)
	require.NoError(t, s.Ping(ctx))
}
