/*
Package redemption implements the points-for-reward exchange.

PURPOSE:
  Redeem is the only write path that moves points out of a balance. It runs
  as one unit of work against a ledger.Store:

    1. lock user row
    2. lock reward row           (always after the user: global lock order)
    3. validate on locked state  (exists, active, in stock, affordable)
    4. write                     (balance -= cost, stock -= 1, insert redemption)
    5. commit

  Any error before commit rolls back every write. Two requests for the same
  user (or the same limited reward) never interleave: the second blocks on
  the row lock and then validates against what the first committed.

OUTCOMES:
  Success returns a Receipt. Rejections (not_found, reward_unavailable,
  out_of_stock, insufficient_points) and failures (internal) come back as
  ledger errors; see ledger.KindOf.

ALSO HERE:
  AdjustBalance: admin credit / debit under the same user row lock
  Summary:       balance plus redemption statistics
  Auditor:       background invariant check (auditor.go)

SEE ALSO:
  - ledger/store.go: Store / Tx contract
  - api/handlers.go: HTTP mapping of outcomes
*/
package redemption

import (
	"context"
	"math"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/warp/redemption-engine/ledger"
)

const tracerName = "github.com/warp/redemption-engine/redemption"

// Receipt is the result of a successful redemption.
type Receipt struct {
	Redemption ledger.Redemption
	RewardName string
	RewardCost int64
	NewBalance int64
}

// Service runs redemptions and balance adjustments against a Store.
type Service struct {
	store   ledger.Store
	log     *zap.Logger
	metrics *Metrics
	tracer  trace.Tracer
	now     func() time.Time
}

type Option func(*Service)

func WithLogger(l *zap.Logger) Option { return func(s *Service) { s.log = l } }

func WithMetrics(m *Metrics) Option { return func(s *Service) { s.metrics = m } }

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Service) { s.tracer = tp.Tracer(tracerName) }
}

// WithClock overrides the timestamp source for created_at.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func NewService(store ledger.Store, opts ...Option) *Service {
	s := &Service{
		store:  store,
		log:    zap.NewNop(),
		tracer: otel.Tracer(tracerName),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.Named("redemption")
	return s
}

// =============================================================================
// REDEEM
// =============================================================================

// Redeem exchanges the reward's cost in points for one unit of the reward.
func (s *Service) Redeem(ctx context.Context, userID ledger.UserID, rewardID ledger.RewardID) (*Receipt, error) {
	ctx, span := s.tracer.Start(ctx, "redemption.Redeem", trace.WithAttributes(
		attribute.Int64("user.id", int64(userID)),
		attribute.Int64("reward.id", int64(rewardID)),
	))
	defer span.End()

	start := time.Now()
	var (
		receipt  *Receipt
		lockWait time.Duration
	)

	err := validateIDs(userID, rewardID)
	if err == nil {
		// Measured from before WithTx: the sqlite store waits for its write
		// lock in BEGIN, other stores in LockUser / LockReward.
		lockStart := time.Now()
		err = s.store.WithTx(ctx, func(tx ledger.Tx) error {
			user, err := tx.LockUser(ctx, userID)
			if err != nil {
				return err
			}
			reward, err := tx.LockReward(ctx, rewardID)
			if err != nil {
				return err
			}
			lockWait = time.Since(lockStart)

			if err := checkRedeemable(user, reward); err != nil {
				return err
			}

			newBalance := user.PointsBalance - reward.Cost
			if err := tx.SetUserBalance(ctx, user.ID, newBalance); err != nil {
				return err
			}
			if !reward.Unlimited() {
				if err := tx.SetRewardStock(ctx, reward.ID, *reward.StockQuantity-1); err != nil {
					return err
				}
			}

			red := ledger.Redemption{
				UserID:      user.ID,
				RewardID:    reward.ID,
				PointsSpent: reward.Cost,
				Status:      ledger.StatusCompleted,
				CreatedAt:   s.now(),
			}
			if err := tx.InsertRedemption(ctx, &red); err != nil {
				return err
			}

			receipt = &Receipt{
				Redemption: red,
				RewardName: reward.Name,
				RewardCost: reward.Cost,
				NewBalance: newBalance,
			}
			return nil
		})
		err = normalize("redeem", err)
	}

	s.metrics.observeRedeem(err, lockWait, time.Since(start))
	s.record(span, "redeem", err,
		zap.Int64("user_id", int64(userID)),
		zap.Int64("reward_id", int64(rewardID)),
		zap.Duration("lock_wait", lockWait),
	)
	if err != nil {
		return nil, err
	}

	span.SetAttributes(
		attribute.Int64("redemption.id", int64(receipt.Redemption.ID)),
		attribute.Int64("points.spent", receipt.RewardCost),
	)
	return receipt, nil
}

// checkRedeemable applies the business rules in their fixed order. It only
// ever sees rows read under lock.
func checkRedeemable(user *ledger.User, reward *ledger.Reward) error {
	if !reward.Active {
		return ledger.ErrRewardUnavailable
	}
	if !reward.InStock() {
		return ledger.ErrOutOfStock
	}
	if user.PointsBalance < reward.Cost {
		return &ledger.InsufficientPointsError{
			Required:  reward.Cost,
			Available: user.PointsBalance,
		}
	}
	return nil
}

func validateIDs(userID ledger.UserID, rewardID ledger.RewardID) error {
	if userID <= 0 {
		return ledger.Invalid("user_id must be a positive integer")
	}
	if rewardID <= 0 {
		return ledger.Invalid("reward_id must be a positive integer")
	}
	return nil
}

// =============================================================================
// ADJUST BALANCE
// =============================================================================

// AdjustBalance credits (delta > 0) or debits (delta < 0) a user's points.
// A debit that would take the balance below zero is rejected with
// InsufficientPointsError.
func (s *Service) AdjustBalance(ctx context.Context, userID ledger.UserID, delta int64, reason string) (*ledger.User, error) {
	ctx, span := s.tracer.Start(ctx, "redemption.AdjustBalance", trace.WithAttributes(
		attribute.Int64("user.id", int64(userID)),
		attribute.Int64("points.delta", delta),
	))
	defer span.End()

	var updated *ledger.User
	var err error
	switch {
	case userID <= 0:
		err = ledger.Invalid("user_id must be a positive integer")
	case delta == 0:
		err = ledger.Invalid("delta must not be zero")
	default:
		err = s.store.WithTx(ctx, func(tx ledger.Tx) error {
			user, err := tx.LockUser(ctx, userID)
			if err != nil {
				return err
			}
			if delta > 0 && user.PointsBalance > math.MaxInt64-delta {
				return ledger.Invalid("delta overflows points_balance")
			}
			next := user.PointsBalance + delta
			if next < 0 {
				return &ledger.InsufficientPointsError{Required: -delta, Available: user.PointsBalance}
			}
			if err := tx.SetUserBalance(ctx, user.ID, next); err != nil {
				return err
			}
			user.PointsBalance = next
			updated = user
			return nil
		})
		err = normalize("adjust_balance", err)
	}

	s.metrics.observeAdjustment(err)
	s.record(span, "adjust_balance", err,
		zap.Int64("user_id", int64(userID)),
		zap.Int64("delta", delta),
		zap.String("reason", reason),
	)
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// =============================================================================
// SUMMARY
// =============================================================================

func (s *Service) Summary(ctx context.Context, userID ledger.UserID) (*ledger.Summary, error) {
	ctx, span := s.tracer.Start(ctx, "redemption.Summary",
		trace.WithAttributes(attribute.Int64("user.id", int64(userID))))
	defer span.End()

	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		err = normalize("summary", err)
		s.record(span, "summary", err, zap.Int64("user_id", int64(userID)))
		return nil, err
	}
	stats, err := s.store.RedemptionStats(ctx, userID)
	if err != nil {
		err = normalize("summary", err)
		s.record(span, "summary", err, zap.Int64("user_id", int64(userID)))
		return nil, err
	}
	sum := ledger.NewSummary(*user, stats)
	return &sum, nil
}

// =============================================================================
// OUTCOME HANDLING
// =============================================================================

// normalize passes domain errors through. Everything else becomes Internal,
// including context cancellation during a lock wait.
func normalize(op string, err error) error {
	switch ledger.KindOf(err) {
	case ledger.KindNone:
		return nil
	case ledger.KindInternal:
		return ledger.Internal(op, err)
	}
	return err
}

// record logs the outcome at a level matching its kind and marks the span.
func (s *Service) record(span trace.Span, op string, err error, fields ...zap.Field) {
	kind := ledger.KindOf(err)
	switch {
	case err == nil:
		s.log.Debug(op+" succeeded", fields...)
		return
	case kind == ledger.KindInternal:
		s.log.Error(op+" failed", append(fields, zap.Error(err))...)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	default:
		s.log.Info(op+" rejected", append(fields, zap.String("kind", string(kind)), zap.Error(err))...)
	}
	span.SetAttributes(attribute.String("error.kind", string(kind)))
}
