/*
store.go - Persistence contract for users, rewards and redemptions

PURPOSE:
  Defines the interface between the redemption service and the database.
  The service never sees SQL; it only asks for a unit of work, locks the
  rows it needs, validates, and writes.

KEY INTERFACES:
  Store: provisioning, reads, and WithTx (the unit-of-work boundary)
  Tx:    the view handed to a WithTx callback; lock-and-read plus the three
         writes the redemption transaction performs

UNIT OF WORK:
  WithTx(ctx, fn) commits iff fn returns nil. Any error from fn, or from the
  commit itself, leaves the store exactly as it was before WithTx started.
  Row locks taken through Tx are held until commit or rollback.

LOCKING DISCIPLINE:
  LockUser / LockReward block while another unit of work holds the same
  row. Callers lock the user row before the reward row; every store
  rejects the reverse order with ErrLockOrder (see CheckOrder).

IMPLEMENTATIONS:
  - ledger/store/memory.go:   in-memory, keyed row locks + buffered writes
  - store/sqlite/sqlite.go:   database/sql + mattn/go-sqlite3 (default);
                              BEGIN IMMEDIATE takes the database write lock,
                              which subsumes row locks
  - store/gormstore/gorm.go:  gorm; SELECT ... FOR UPDATE on postgres

SEE ALSO:
  - locks.go: RowLocks and the lock-order check
  - storetest/: contract suite every implementation runs
*/
package ledger

import "context"

// =============================================================================
// TX - The unit-of-work view
// =============================================================================

// Tx is only valid inside the WithTx callback that received it.
type Tx interface {
	// LockUser acquires the exclusive row lock for the user and reads it.
	// Returns a *NotFoundError when the user does not exist.
	LockUser(ctx context.Context, id UserID) (*User, error)

	// LockReward acquires the exclusive row lock for the reward and reads it.
	LockReward(ctx context.Context, id RewardID) (*Reward, error)

	SetUserBalance(ctx context.Context, id UserID, balance int64) error
	SetRewardStock(ctx context.Context, id RewardID, stock int64) error

	// InsertRedemption stores r and assigns r.ID.
	InsertRedemption(ctx context.Context, r *Redemption) error
}

// =============================================================================
// STORE
// =============================================================================

type Store interface {
	// WithTx runs fn as one all-or-nothing unit of work.
	WithTx(ctx context.Context, fn func(Tx) error) error

	// Provisioning. These are catalog/account management paths, not part
	// of the redemption transaction.
	CreateUser(ctx context.Context, u *User) error
	CreateReward(ctx context.Context, r *Reward) error
	DeleteUser(ctx context.Context, id UserID) error     // cascades to redemptions
	DeleteReward(ctx context.Context, id RewardID) error // cascades to redemptions

	// Reads. GetUser / GetReward return *NotFoundError when missing.
	GetUser(ctx context.Context, id UserID) (*User, error)
	ListUsers(ctx context.Context) ([]User, error)
	GetReward(ctx context.Context, id RewardID) (*Reward, error)
	ListRewards(ctx context.Context, activeOnly bool) ([]Reward, error)
	ListRedemptions(ctx context.Context, userID UserID, page Page) ([]RedemptionView, error)
	CountRedemptions(ctx context.Context, userID UserID) (int64, error)
	RedemptionStats(ctx context.Context, userID UserID) (RedemptionStats, error)
	AuditSnapshot(ctx context.Context) (AuditSnapshot, error)

	// Reset removes every record. Development and tests only.
	Reset(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// =============================================================================
// PAGINATION
// =============================================================================

const (
	DefaultPageLimit = 50
	MaxPageLimit     = 100
)

type Page struct {
	Limit  int
	Offset int
}

// Normalize applies the default and maximum limit and clamps the offset.
func (p Page) Normalize() Page {
	if p.Limit <= 0 {
		p.Limit = DefaultPageLimit
	}
	if p.Limit > MaxPageLimit {
		p.Limit = MaxPageLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}
