package ledger

import "github.com/shopspring/decimal"

// =============================================================================
// SUMMARY - Per-user redemption statistics
// =============================================================================

// RedemptionStats is what a store aggregates for one user.
type RedemptionStats struct {
	Count      int64
	TotalSpent int64
}

// Summary is the read model behind GET /users/{id}/summary.
type Summary struct {
	UserID          UserID
	Name            string
	PointsBalance   int64
	RedemptionCount int64
	TotalSpent      int64
	AverageSpent    decimal.Decimal // rounded to 2 places, zero when no redemptions
}

func NewSummary(u User, st RedemptionStats) Summary {
	avg := decimal.Zero
	if st.Count > 0 {
		avg = decimal.NewFromInt(st.TotalSpent).
			DivRound(decimal.NewFromInt(st.Count), 2)
	}
	return Summary{
		UserID:          u.ID,
		Name:            u.Name,
		PointsBalance:   u.PointsBalance,
		RedemptionCount: st.Count,
		TotalSpent:      st.TotalSpent,
		AverageSpent:    avg,
	}
}

// =============================================================================
// AUDIT - Whole-ledger invariant counters
// =============================================================================

// AuditSnapshot counts rows that break a data-model invariant, plus a few
// totals for the log line. Every violation counter is zero in a healthy ledger.
type AuditSnapshot struct {
	Users       int64
	Rewards     int64
	Redemptions int64

	PointsOutstanding int64 // sum of balances
	PointsRedeemed    int64 // sum of points_spent

	NegativeBalances   int64
	NegativeStock      int64
	NonPositiveCost    int64
	InvalidRedemptions int64 // points_spent <= 0 or unknown status

	// OutOfStock is informational: rewards with tracked stock at zero.
	OutOfStock int64
}

// Violations returns the invariant counters keyed by check name.
func (a AuditSnapshot) Violations() map[string]int64 {
	return map[string]int64{
		"negative_balance":   a.NegativeBalances,
		"negative_stock":     a.NegativeStock,
		"non_positive_cost":  a.NonPositiveCost,
		"invalid_redemption": a.InvalidRedemptions,
	}
}

// Healthy reports whether no invariant is violated.
func (a AuditSnapshot) Healthy() bool {
	for _, n := range a.Violations() {
		if n != 0 {
			return false
		}
	}
	return true
}

// RedeemedShare is PointsRedeemed / (PointsRedeemed + PointsOutstanding),
// as a percentage with 2 decimal places.
func (a AuditSnapshot) RedeemedShare() decimal.Decimal {
	total := a.PointsRedeemed + a.PointsOutstanding
	if total == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(a.PointsRedeemed).
		Mul(decimal.NewFromInt(100)).
		DivRound(decimal.NewFromInt(total), 2)
}
