/*
Package ledger provides the core records of the points redemption system.

PURPOSE:
  Users hold a point balance, Rewards are catalog items with a point cost
  and an optional finite stock, and Redemptions are the append-only record
  of one exchange of points for a reward. This package defines those
  records, the error taxonomy, and the storage contract that the
  redemption service runs against.

KEY CONCEPTS IN THIS FILE (types.go):
  - User:       identity with a non-negative point balance
  - Reward:     catalog item; nil StockQuantity means unlimited
  - Redemption: immutable fact row linking a user to a reward
  - Status:     pending | completed | cancelled

INVARIANTS:
  1. User.PointsBalance >= 0 in every committed state
  2. Reward.Cost > 0
  3. Reward.StockQuantity is nil (unlimited) or >= 0
  4. Redemption.PointsSpent > 0 and the row is never mutated

SEE ALSO:
  - store.go: Store / Tx interfaces (unit of work, row locks)
  - errors.go: Error taxonomy
  - locks.go: Keyed row locks with a fixed acquisition order
*/
package ledger

import (
	"strings"
	"time"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID int64
type RewardID int64
type RedemptionID int64

// =============================================================================
// USER
// =============================================================================

// User is an account that earns and spends points.
type User struct {
	ID            UserID
	Name          string
	Email         string
	PointsBalance int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Validate checks the fields required at provisioning time.
func (u User) Validate() error {
	if strings.TrimSpace(u.Name) == "" {
		return invalid("name is required")
	}
	if !strings.Contains(u.Email, "@") {
		return invalid("email must be a valid email address")
	}
	if u.PointsBalance < 0 {
		return invalid("points_balance must be >= 0")
	}
	return nil
}

// =============================================================================
// REWARD
// =============================================================================

// Reward is a catalog item that can be redeemed for points.
type Reward struct {
	ID          RewardID
	Name        string
	Description string
	ImageURL    string
	Category    string
	Cost        int64

	// StockQuantity is nil for unlimited rewards.
	StockQuantity *int64
	Active        bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Unlimited reports whether the reward has no stock tracking.
func (r Reward) Unlimited() bool { return r.StockQuantity == nil }

// InStock reports whether one more unit can be redeemed.
func (r Reward) InStock() bool { return r.StockQuantity == nil || *r.StockQuantity > 0 }

// Validate checks the catalog invariants.
func (r Reward) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return invalid("name is required")
	}
	if r.Cost <= 0 {
		return invalid("cost must be > 0")
	}
	if r.StockQuantity != nil && *r.StockQuantity < 0 {
		return invalid("stock_quantity must be >= 0")
	}
	return nil
}

// Stock returns a pointer to n, for building limited-stock rewards.
func Stock(n int64) *int64 { return &n }

// =============================================================================
// REDEMPTION
// =============================================================================

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// Redemption is an append-only record of a points-for-reward exchange.
// PointsSpent is a snapshot of the reward cost at redemption time.
type Redemption struct {
	ID          RedemptionID
	UserID      UserID
	RewardID    RewardID
	PointsSpent int64
	Status      Status
	CreatedAt   time.Time
}

// Validate checks the fact-row invariants before insert.
func (r Redemption) Validate() error {
	if r.PointsSpent <= 0 {
		return invalid("points_spent must be > 0")
	}
	if !r.Status.Valid() {
		return invalid("status must be one of pending, completed, cancelled")
	}
	return nil
}

// RedemptionView is a redemption joined with the reward fields shown in history.
type RedemptionView struct {
	Redemption
	RewardName     string
	RewardCost     int64
	RewardImageURL string
	RewardCategory string
}
