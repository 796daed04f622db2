package gormstore

import (
	"time"

	"github.com/warp/redemption-engine/ledger"
)

// Table names and index names follow the Rails schema the catalog came from.

type userModel struct {
	ID            int64     `gorm:"primaryKey;autoIncrement"`
	Email         string    `gorm:"not null;uniqueIndex:index_users_on_email"`
	Name          string    `gorm:"not null"`
	PointsBalance int64     `gorm:"not null;check:chk_users_points_balance,points_balance >= 0"`
	CreatedAt     time.Time `gorm:"not null"`
	UpdatedAt     time.Time `gorm:"not null"`
}

func (userModel) TableName() string { return "users" }

type rewardModel struct {
	ID            int64  `gorm:"primaryKey;autoIncrement"`
	Name          string `gorm:"not null"`
	Description   string
	Cost          int64 `gorm:"not null;check:chk_rewards_cost,cost > 0"`
	ImageURL      string
	Category      string
	StockQuantity *int64    `gorm:"check:chk_rewards_stock,stock_quantity IS NULL OR stock_quantity >= 0"`
	Active        bool      `gorm:"not null;index:index_rewards_on_active"`
	CreatedAt     time.Time `gorm:"not null"`
	UpdatedAt     time.Time `gorm:"not null"`
}

func (rewardModel) TableName() string { return "rewards" }

type redemptionModel struct {
	ID          int64     `gorm:"primaryKey;autoIncrement"`
	UserID      int64     `gorm:"not null;index:index_redemptions_on_user_and_date,priority:1"`
	RewardID    int64     `gorm:"not null;index:index_redemptions_on_reward_id"`
	PointsSpent int64     `gorm:"not null;check:chk_redemptions_points_spent,points_spent > 0"`
	Status      string    `gorm:"not null;check:chk_redemptions_status,status IN ('pending', 'completed', 'cancelled')"`
	CreatedAt   time.Time `gorm:"not null;index:index_redemptions_on_user_and_date,priority:2;index:index_redemptions_on_created_at"`

	User   *userModel   `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE"`
	Reward *rewardModel `gorm:"foreignKey:RewardID;constraint:OnDelete:CASCADE"`
}

func (redemptionModel) TableName() string { return "redemptions" }

// redemptionRow is the history join.
type redemptionRow struct {
	ID             int64
	UserID         int64
	RewardID       int64
	PointsSpent    int64
	Status         string
	CreatedAt      time.Time
	RewardName     string
	RewardCost     int64
	RewardImageURL string
	RewardCategory string
}

// =============================================================================
// MAPPING
// =============================================================================

func (m userModel) toDomain() *ledger.User {
	return &ledger.User{
		ID:            ledger.UserID(m.ID),
		Name:          m.Name,
		Email:         m.Email,
		PointsBalance: m.PointsBalance,
		CreatedAt:     m.CreatedAt.UTC(),
		UpdatedAt:     m.UpdatedAt.UTC(),
	}
}

func (m rewardModel) toDomain() *ledger.Reward {
	r := &ledger.Reward{
		ID:          ledger.RewardID(m.ID),
		Name:        m.Name,
		Description: m.Description,
		ImageURL:    m.ImageURL,
		Category:    m.Category,
		Cost:        m.Cost,
		Active:      m.Active,
		CreatedAt:   m.CreatedAt.UTC(),
		UpdatedAt:   m.UpdatedAt.UTC(),
	}
	if m.StockQuantity != nil {
		r.StockQuantity = ledger.Stock(*m.StockQuantity)
	}
	return r
}

func (row redemptionRow) toDomain() ledger.RedemptionView {
	return ledger.RedemptionView{
		Redemption: ledger.Redemption{
			ID:          ledger.RedemptionID(row.ID),
			UserID:      ledger.UserID(row.UserID),
			RewardID:    ledger.RewardID(row.RewardID),
			PointsSpent: row.PointsSpent,
			Status:      ledger.Status(row.Status),
			CreatedAt:   row.CreatedAt.UTC(),
		},
		RewardName:     row.RewardName,
		RewardCost:     row.RewardCost,
		RewardImageURL: row.RewardImageURL,
		RewardCategory: row.RewardCategory,
	}
}
