// Package store provides the in-memory ledger.Store.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/redemption-engine/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps committed rows in maps guarded by mu. Row-level exclusion for
// units of work comes from locks; mu is only held for short map accesses,
// never across a lock wait.
type Memory struct {
	mu          sync.RWMutex
	users       map[ledger.UserID]ledger.User
	rewards     map[ledger.RewardID]ledger.Reward
	redemptions []ledger.Redemption // append-only, id order
	emails      map[string]ledger.UserID

	nextUser       ledger.UserID
	nextReward     ledger.RewardID
	nextRedemption ledger.RedemptionID

	locks *ledger.RowLocks
	now   func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		users:   make(map[ledger.UserID]ledger.User),
		rewards: make(map[ledger.RewardID]ledger.Reward),
		emails:  make(map[string]ledger.UserID),
		locks:   ledger.NewRowLocks(),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// =============================================================================
// UNIT OF WORK
// =============================================================================

// WithTx runs fn with a buffered view. Writes are applied to the maps in one
// critical section on commit and simply dropped on rollback.
func (m *Memory) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	held := m.locks.Begin()
	defer held.ReleaseAll()

	tx := &memoryTx{
		m:        m,
		held:     held,
		balances: make(map[ledger.UserID]int64),
		stocks:   make(map[ledger.RewardID]int64),
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return ledger.Internal("memory.commit", err)
	}
	return m.commit(tx)
}

func (m *Memory) commit(tx *memoryTx) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Rows are locked, so only a delete racing before the lock could have
	// removed them; re-check so a commit never resurrects a row.
	for id := range tx.balances {
		if _, ok := m.users[id]; !ok {
			return ledger.Internal("memory.commit", ledger.UserNotFound(id))
		}
	}
	for id := range tx.stocks {
		if _, ok := m.rewards[id]; !ok {
			return ledger.Internal("memory.commit", ledger.RewardNotFound(id))
		}
	}
	for _, r := range tx.inserts {
		if _, ok := m.users[r.UserID]; !ok {
			return ledger.Internal("memory.commit", ledger.UserNotFound(r.UserID))
		}
		if _, ok := m.rewards[r.RewardID]; !ok {
			return ledger.Internal("memory.commit", ledger.RewardNotFound(r.RewardID))
		}
	}

	now := m.now()
	for id, bal := range tx.balances {
		u := m.users[id]
		u.PointsBalance = bal
		u.UpdatedAt = now
		m.users[id] = u
	}
	for id, stock := range tx.stocks {
		r := m.rewards[id]
		r.StockQuantity = ledger.Stock(stock)
		r.UpdatedAt = now
		m.rewards[id] = r
	}
	m.redemptions = append(m.redemptions, tx.inserts...)
	return nil
}

type memoryTx struct {
	m        *Memory
	held     *ledger.HeldLocks
	balances map[ledger.UserID]int64
	stocks   map[ledger.RewardID]int64
	inserts  []ledger.Redemption
}

func (tx *memoryTx) LockUser(ctx context.Context, id ledger.UserID) (*ledger.User, error) {
	if err := tx.held.Acquire(ctx, ledger.UserLock(id)); err != nil {
		return nil, err
	}
	u, err := tx.m.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	if bal, ok := tx.balances[id]; ok {
		u.PointsBalance = bal
	}
	return u, nil
}

func (tx *memoryTx) LockReward(ctx context.Context, id ledger.RewardID) (*ledger.Reward, error) {
	if err := tx.held.Acquire(ctx, ledger.RewardLock(id)); err != nil {
		return nil, err
	}
	r, err := tx.m.GetReward(ctx, id)
	if err != nil {
		return nil, err
	}
	if stock, ok := tx.stocks[id]; ok {
		r.StockQuantity = ledger.Stock(stock)
	}
	return r, nil
}

func (tx *memoryTx) SetUserBalance(_ context.Context, id ledger.UserID, balance int64) error {
	if !tx.held.Holds(ledger.UserLock(id)) {
		return ledger.Internal("memory.SetUserBalance", ledger.ErrLockOrder)
	}
	if balance < 0 {
		return ledger.Internal("memory.SetUserBalance", ledger.Invalid("points_balance must be >= 0"))
	}
	tx.balances[id] = balance
	return nil
}

func (tx *memoryTx) SetRewardStock(_ context.Context, id ledger.RewardID, stock int64) error {
	if !tx.held.Holds(ledger.RewardLock(id)) {
		return ledger.Internal("memory.SetRewardStock", ledger.ErrLockOrder)
	}
	if stock < 0 {
		return ledger.Internal("memory.SetRewardStock", ledger.Invalid("stock_quantity must be >= 0"))
	}
	tx.stocks[id] = stock
	return nil
}

func (tx *memoryTx) InsertRedemption(_ context.Context, r *ledger.Redemption) error {
	if err := r.Validate(); err != nil {
		return ledger.Internal("memory.InsertRedemption", err)
	}
	tx.m.mu.Lock()
	tx.m.nextRedemption++
	r.ID = tx.m.nextRedemption
	tx.m.mu.Unlock()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = tx.m.now()
	}
	tx.inserts = append(tx.inserts, *r)
	return nil
}

// =============================================================================
// PROVISIONING
// =============================================================================

func (m *Memory) CreateUser(_ context.Context, u *ledger.User) error {
	if err := u.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, taken := m.emails[u.Email]; taken {
		return ledger.Conflict("email %q has already been taken", u.Email)
	}
	m.nextUser++
	u.ID = m.nextUser
	u.CreatedAt = m.now()
	u.UpdatedAt = u.CreatedAt
	m.users[u.ID] = *u
	m.emails[u.Email] = u.ID
	return nil
}

func (m *Memory) CreateReward(_ context.Context, r *ledger.Reward) error {
	if err := r.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextReward++
	r.ID = m.nextReward
	r.CreatedAt = m.now()
	r.UpdatedAt = r.CreatedAt
	cp := *r
	if r.StockQuantity != nil {
		cp.StockQuantity = ledger.Stock(*r.StockQuantity)
	}
	m.rewards[r.ID] = cp
	return nil
}

// DeleteUser takes the user row lock so it cannot interleave with a
// redemption in flight for the same user.
func (m *Memory) DeleteUser(ctx context.Context, id ledger.UserID) error {
	held := m.locks.Begin()
	defer held.ReleaseAll()
	if err := held.Acquire(ctx, ledger.UserLock(id)); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return ledger.UserNotFound(id)
	}
	delete(m.users, id)
	delete(m.emails, u.Email)
	m.redemptions = filterRedemptions(m.redemptions, func(r ledger.Redemption) bool {
		return r.UserID != id
	})
	return nil
}

func (m *Memory) DeleteReward(ctx context.Context, id ledger.RewardID) error {
	held := m.locks.Begin()
	defer held.ReleaseAll()
	if err := held.Acquire(ctx, ledger.RewardLock(id)); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rewards[id]; !ok {
		return ledger.RewardNotFound(id)
	}
	delete(m.rewards, id)
	m.redemptions = filterRedemptions(m.redemptions, func(r ledger.Redemption) bool {
		return r.RewardID != id
	})
	return nil
}

func filterRedemptions(in []ledger.Redemption, keep func(ledger.Redemption) bool) []ledger.Redemption {
	out := in[:0]
	for _, r := range in {
		if keep(r) {
			out = append(out, r)
		}
	}
	return out
}

func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users = make(map[ledger.UserID]ledger.User)
	m.rewards = make(map[ledger.RewardID]ledger.Reward)
	m.emails = make(map[string]ledger.UserID)
	m.redemptions = nil
	return nil
}

// =============================================================================
// READS
// =============================================================================

func (m *Memory) GetUser(_ context.Context, id ledger.UserID) (*ledger.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ledger.UserNotFound(id)
	}
	return &u, nil
}

func (m *Memory) ListUsers(_ context.Context) ([]ledger.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ledger.User, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) GetReward(_ context.Context, id ledger.RewardID) (*ledger.Reward, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rewards[id]
	if !ok {
		return nil, ledger.RewardNotFound(id)
	}
	if r.StockQuantity != nil {
		r.StockQuantity = ledger.Stock(*r.StockQuantity)
	}
	return &r, nil
}

func (m *Memory) ListRewards(_ context.Context, activeOnly bool) ([]ledger.Reward, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ledger.Reward, 0, len(m.rewards))
	for _, r := range m.rewards {
		if activeOnly && !r.Active {
			continue
		}
		if r.StockQuantity != nil {
			r.StockQuantity = ledger.Stock(*r.StockQuantity)
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Cost != out[j].Cost {
			return out[i].Cost < out[j].Cost
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// ListRedemptions returns newest first.
func (m *Memory) ListRedemptions(_ context.Context, userID ledger.UserID, page ledger.Page) ([]ledger.RedemptionView, error) {
	page = page.Normalize()
	m.mu.RLock()
	defer m.mu.RUnlock()

	var mine []ledger.Redemption
	for _, r := range m.redemptions {
		if r.UserID == userID {
			mine = append(mine, r)
		}
	}
	sort.Slice(mine, func(i, j int) bool {
		if !mine[i].CreatedAt.Equal(mine[j].CreatedAt) {
			return mine[i].CreatedAt.After(mine[j].CreatedAt)
		}
		return mine[i].ID > mine[j].ID
	})
	if page.Offset >= len(mine) {
		return nil, nil
	}
	mine = mine[page.Offset:]
	if len(mine) > page.Limit {
		mine = mine[:page.Limit]
	}

	out := make([]ledger.RedemptionView, len(mine))
	for i, r := range mine {
		rw := m.rewards[r.RewardID]
		out[i] = ledger.RedemptionView{
			Redemption:     r,
			RewardName:     rw.Name,
			RewardCost:     rw.Cost,
			RewardImageURL: rw.ImageURL,
			RewardCategory: rw.Category,
		}
	}
	return out, nil
}

func (m *Memory) CountRedemptions(ctx context.Context, userID ledger.UserID) (int64, error) {
	st, err := m.RedemptionStats(ctx, userID)
	return st.Count, err
}

func (m *Memory) RedemptionStats(_ context.Context, userID ledger.UserID) (ledger.RedemptionStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var st ledger.RedemptionStats
	for _, r := range m.redemptions {
		if r.UserID == userID {
			st.Count++
			st.TotalSpent += r.PointsSpent
		}
	}
	return st, nil
}

func (m *Memory) AuditSnapshot(_ context.Context) (ledger.AuditSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var a ledger.AuditSnapshot
	a.Users = int64(len(m.users))
	a.Rewards = int64(len(m.rewards))
	a.Redemptions = int64(len(m.redemptions))
	for _, u := range m.users {
		a.PointsOutstanding += u.PointsBalance
		if u.PointsBalance < 0 {
			a.NegativeBalances++
		}
	}
	for _, r := range m.rewards {
		if r.Cost <= 0 {
			a.NonPositiveCost++
		}
		if r.StockQuantity == nil {
			continue
		}
		switch {
		case *r.StockQuantity < 0:
			a.NegativeStock++
		case *r.StockQuantity == 0:
			a.OutOfStock++
		}
	}
	for _, r := range m.redemptions {
		a.PointsRedeemed += r.PointsSpent
		if r.Validate() != nil {
			a.InvalidRedemptions++
		}
	}
	return a, nil
}

func (m *Memory) Ping(_ context.Context) error { return nil }
func (m *Memory) Close() error                 { return nil }
