/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Response wrappers

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/redemption-engine/ledger"
	"github.com/warp/redemption-engine/redemption"
)

// =============================================================================
// USERS
// =============================================================================

type UserDTO struct {
	ID            ledger.UserID `json:"id"`
	Name          string        `json:"name"`
	Email         string        `json:"email"`
	PointsBalance int64         `json:"points_balance"`
}

type UsersResponse struct {
	Users []UserDTO `json:"users"`
}

type BalanceDTO struct {
	UserID        ledger.UserID `json:"user_id"`
	Name          string        `json:"name"`
	Email         string        `json:"email"`
	PointsBalance int64         `json:"points_balance"`
}

type SummaryDTO struct {
	UserID          ledger.UserID   `json:"user_id"`
	Name            string          `json:"name"`
	PointsBalance   int64           `json:"points_balance"`
	RedemptionCount int64           `json:"redemption_count"`
	TotalSpent      int64           `json:"total_spent"`
	AverageSpent    decimal.Decimal `json:"average_spent"`
}

func toUserDTO(u ledger.User) UserDTO {
	return UserDTO{ID: u.ID, Name: u.Name, Email: u.Email, PointsBalance: u.PointsBalance}
}

func toSummaryDTO(s ledger.Summary) SummaryDTO {
	return SummaryDTO{
		UserID:          s.UserID,
		Name:            s.Name,
		PointsBalance:   s.PointsBalance,
		RedemptionCount: s.RedemptionCount,
		TotalSpent:      s.TotalSpent,
		AverageSpent:    s.AverageSpent,
	}
}

// =============================================================================
// REWARDS
// =============================================================================

type RewardDTO struct {
	ID            ledger.RewardID `json:"id"`
	Name          string          `json:"name"`
	Description   string          `json:"description"`
	Cost          int64           `json:"cost"`
	ImageURL      string          `json:"image_url"`
	Category      string          `json:"category"`
	StockQuantity *int64          `json:"stock_quantity"` // null = unlimited
	Active        bool            `json:"active"`
}

type RewardsResponse struct {
	Rewards []RewardDTO `json:"rewards"`
}

func toRewardDTO(r ledger.Reward) RewardDTO {
	return RewardDTO{
		ID:            r.ID,
		Name:          r.Name,
		Description:   r.Description,
		Cost:          r.Cost,
		ImageURL:      r.ImageURL,
		Category:      r.Category,
		StockQuantity: r.StockQuantity,
		Active:        r.Active,
	}
}

// =============================================================================
// REDEMPTIONS
// =============================================================================

// CreateRedemptionRequest accepts ids as JSON numbers or numeric strings.
type CreateRedemptionRequest struct {
	RewardID json.RawMessage `json:"reward_id"`
	UserID   json.RawMessage `json:"user_id,omitempty"`
}

type RedemptionRewardDTO struct {
	Name string `json:"name"`
	Cost int64  `json:"cost"`
}

type RedemptionDTO struct {
	ID          ledger.RedemptionID `json:"id"`
	UserID      ledger.UserID       `json:"user_id"`
	RewardID    ledger.RewardID     `json:"reward_id"`
	PointsSpent int64               `json:"points_spent"`
	Status      ledger.Status       `json:"status"`
	CreatedAt   time.Time           `json:"created_at"`
	Reward      RedemptionRewardDTO `json:"reward"`
}

type CreateRedemptionResponse struct {
	Redemption RedemptionDTO `json:"redemption"`
	NewBalance int64         `json:"new_balance"`
}

func toCreateRedemptionResponse(r *redemption.Receipt) CreateRedemptionResponse {
	return CreateRedemptionResponse{
		Redemption: RedemptionDTO{
			ID:          r.Redemption.ID,
			UserID:      r.Redemption.UserID,
			RewardID:    r.Redemption.RewardID,
			PointsSpent: r.Redemption.PointsSpent,
			Status:      r.Redemption.Status,
			CreatedAt:   r.Redemption.CreatedAt,
			Reward:      RedemptionRewardDTO{Name: r.RewardName, Cost: r.RewardCost},
		},
		NewBalance: r.NewBalance,
	}
}

type HistoryRewardDTO struct {
	ID       ledger.RewardID `json:"id"`
	Name     string          `json:"name"`
	ImageURL string          `json:"image_url"`
	Category string          `json:"category"`
}

type HistoryItemDTO struct {
	ID          ledger.RedemptionID `json:"id"`
	PointsSpent int64               `json:"points_spent"`
	Status      ledger.Status       `json:"status"`
	CreatedAt   time.Time           `json:"created_at"`
	Reward      HistoryRewardDTO    `json:"reward"`
}

type HistoryResponse struct {
	Redemptions    []HistoryItemDTO `json:"redemptions"`
	TotalCount     int64            `json:"total_count"`
	CurrentBalance int64            `json:"current_balance"`
}

func toHistoryItemDTO(v ledger.RedemptionView) HistoryItemDTO {
	return HistoryItemDTO{
		ID:          v.ID,
		PointsSpent: v.PointsSpent,
		Status:      v.Status,
		CreatedAt:   v.CreatedAt,
		Reward: HistoryRewardDTO{
			ID:       v.RewardID,
			Name:     v.RewardName,
			ImageURL: v.RewardImageURL,
			Category: v.RewardCategory,
		},
	}
}

// =============================================================================
// ADMIN
// =============================================================================

type AdjustmentRequest struct {
	Delta  int64  `json:"delta"`
	Reason string `json:"reason"`
}

type AdjustmentResponse struct {
	UserID        ledger.UserID `json:"user_id"`
	PointsBalance int64         `json:"points_balance"`
}

type AuditDTO struct {
	Healthy           bool             `json:"healthy"`
	Violations        map[string]int64 `json:"violations"`
	Users             int64            `json:"users"`
	Rewards           int64            `json:"rewards"`
	Redemptions       int64            `json:"redemptions"`
	OutOfStock        int64            `json:"out_of_stock"`
	PointsOutstanding int64            `json:"points_outstanding"`
	PointsRedeemed    int64            `json:"points_redeemed"`
	RedeemedSharePct  decimal.Decimal  `json:"redeemed_share_pct"`
}

func toAuditDTO(a ledger.AuditSnapshot) AuditDTO {
	return AuditDTO{
		Healthy:           a.Healthy(),
		Violations:        a.Violations(),
		Users:             a.Users,
		Rewards:           a.Rewards,
		Redemptions:       a.Redemptions,
		OutOfStock:        a.OutOfStock,
		PointsOutstanding: a.PointsOutstanding,
		PointsRedeemed:    a.PointsRedeemed,
		RedeemedSharePct:  a.RedeemedShare(),
	}
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Details   string `json:"details,omitempty"`
	Required  *int64 `json:"required,omitempty"`
	Available *int64 `json:"available,omitempty"`
}
