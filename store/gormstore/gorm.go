/*
Package gormstore is the gorm-backed ledger.Store used with PostgreSQL.

LOCKING:
  LockUser / LockReward issue SELECT ... FOR UPDATE, so the database holds
  the row lock until the surrounding transaction ends. On sqlite (tests)
  the dialect drops the FOR clause; the pool is pinned to one connection
  instead, which serializes units of work outright.

SCHEMA:
  AutoMigrate creates the same tables, CHECK constraints and indexes as
  store/sqlite, including ON DELETE CASCADE from redemptions.

USAGE:
  db, err := gormstore.Open(gormstore.Config{Driver: "postgres", DSN: dsn}, zap.L())
  store, err := gormstore.New(db)
*/
package gormstore

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
	gormprom "gorm.io/plugin/prometheus"

	"github.com/warp/redemption-engine/ledger"
)

type Config struct {
	Driver       string // "postgres" or "sqlite"
	DSN          string
	MaxOpenConns int
	Production   bool

	// Metrics registers connection pool gauges with the default prometheus
	// registry. Postgres only.
	Metrics bool
}

// Open connects with retries, the way a service waits for its database
// container to come up.
func Open(cfg Config, log *zap.Logger) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, errors.Errorf("gormstore: unsupported driver %q", cfg.Driver)
	}

	logLevel, showSQL := logger.Info, true
	if cfg.Production {
		logLevel, showSQL = logger.Warn, false
	}

	var (
		db  *gorm.DB
		err error
	)
	for i := 0; i < 5; i++ {
		db, err = gorm.Open(dialector, &gorm.Config{
			Logger:         NewZapGormLogger(log, logLevel, showSQL),
			TranslateError: true,
		})
		if err == nil {
			break
		}
		log.Warn("database not ready, retrying", zap.Int("retry", i+1), zap.Error(err))
		time.Sleep(time.Duration(i+1) * time.Second)
	}
	if err != nil {
		return nil, errors.Wrap(err, "gormstore: connect")
	}

	if err := db.Use(otelgorm.NewPlugin()); err != nil {
		return nil, errors.Wrap(err, "gormstore: tracing plugin")
	}
	if cfg.Metrics && cfg.Driver == "postgres" {
		if err := db.Use(gormprom.New(gormprom.Config{
			DBName:          "ledger",
			RefreshInterval: 15,
		})); err != nil {
			return nil, errors.Wrap(err, "gormstore: metrics plugin")
		}
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "gormstore: sql.DB")
	}
	switch {
	case cfg.Driver == "sqlite":
		sqlDB.SetMaxOpenConns(1)
	case cfg.MaxOpenConns > 0:
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	return db, nil
}

// Store implements ledger.Store on gorm.
type Store struct {
	db *gorm.DB
}

var _ ledger.Store = (*Store)(nil)

// New migrates the schema and returns the store.
func New(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&userModel{}, &rewardModel{}, &redemptionModel{}); err != nil {
		return nil, errors.Wrap(err, "gormstore: migrate")
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return errors.Wrap(sqlDB.PingContext(ctx), "gormstore ping")
}

// =============================================================================
// UNIT OF WORK
// =============================================================================

func (s *Store) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	var fnErr error
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		fnErr = fn(&gormTx{db: tx})
		return fnErr
	})
	switch {
	case err == nil:
		return nil
	case fnErr != nil:
		return fnErr
	default:
		return ledger.Internal("gormstore.tx", errors.Wrap(err, "transaction failed"))
	}
}

type gormTx struct {
	db   *gorm.DB
	held []ledger.LockKey
}

func (t *gormTx) lock(key ledger.LockKey) error {
	already, err := ledger.CheckOrder(t.held, key)
	if err != nil || already {
		return err
	}
	t.held = append(t.held, key)
	return nil
}

func (t *gormTx) forUpdate(ctx context.Context) *gorm.DB {
	return t.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"})
}

func (t *gormTx) LockUser(ctx context.Context, id ledger.UserID) (*ledger.User, error) {
	if err := t.lock(ledger.UserLock(id)); err != nil {
		return nil, err
	}
	var m userModel
	if err := t.forUpdate(ctx).First(&m, int64(id)).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ledger.UserNotFound(id)
		}
		return nil, ledger.Internal("gormstore.LockUser", err)
	}
	return m.toDomain(), nil
}

func (t *gormTx) LockReward(ctx context.Context, id ledger.RewardID) (*ledger.Reward, error) {
	if err := t.lock(ledger.RewardLock(id)); err != nil {
		return nil, err
	}
	var m rewardModel
	if err := t.forUpdate(ctx).First(&m, int64(id)).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ledger.RewardNotFound(id)
		}
		return nil, ledger.Internal("gormstore.LockReward", err)
	}
	return m.toDomain(), nil
}

func (t *gormTx) SetUserBalance(ctx context.Context, id ledger.UserID, balance int64) error {
	if !t.holds(ledger.UserLock(id)) {
		return ledger.Internal("gormstore.SetUserBalance", errors.Wrapf(ledger.ErrLockOrder, "user %d not locked", id))
	}
	res := t.db.WithContext(ctx).Model(&userModel{}).Where("id = ?", int64(id)).
		Updates(map[string]any{"points_balance": balance, "updated_at": time.Now().UTC()})
	return updatedOne("gormstore.SetUserBalance", res)
}

func (t *gormTx) SetRewardStock(ctx context.Context, id ledger.RewardID, stock int64) error {
	if !t.holds(ledger.RewardLock(id)) {
		return ledger.Internal("gormstore.SetRewardStock", errors.Wrapf(ledger.ErrLockOrder, "reward %d not locked", id))
	}
	res := t.db.WithContext(ctx).Model(&rewardModel{}).Where("id = ?", int64(id)).
		Updates(map[string]any{"stock_quantity": stock, "updated_at": time.Now().UTC()})
	return updatedOne("gormstore.SetRewardStock", res)
}

func (t *gormTx) InsertRedemption(ctx context.Context, r *ledger.Redemption) error {
	if err := r.Validate(); err != nil {
		return ledger.Internal("gormstore.InsertRedemption", err)
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	m := redemptionModel{
		UserID:      int64(r.UserID),
		RewardID:    int64(r.RewardID),
		PointsSpent: r.PointsSpent,
		Status:      string(r.Status),
		CreatedAt:   r.CreatedAt,
	}
	if err := t.db.WithContext(ctx).Create(&m).Error; err != nil {
		return ledger.Internal("gormstore.InsertRedemption", err)
	}
	r.ID = ledger.RedemptionID(m.ID)
	return nil
}

func (t *gormTx) holds(key ledger.LockKey) bool {
	for _, k := range t.held {
		if k == key {
			return true
		}
	}
	return false
}

func updatedOne(op string, res *gorm.DB) error {
	if res.Error != nil {
		return ledger.Internal(op, res.Error)
	}
	if res.RowsAffected != 1 {
		return ledger.Internal(op, errors.Errorf("expected 1 row, updated %d", res.RowsAffected))
	}
	return nil
}

// =============================================================================
// PROVISIONING
// =============================================================================

func (s *Store) CreateUser(ctx context.Context, u *ledger.User) error {
	if err := u.Validate(); err != nil {
		return err
	}
	m := userModel{Email: u.Email, Name: u.Name, PointsBalance: u.PointsBalance}
	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ledger.Conflict("email %q has already been taken", u.Email)
		}
		return errors.Wrap(err, "failed to create user")
	}
	*u = *m.toDomain()
	return nil
}

func (s *Store) CreateReward(ctx context.Context, r *ledger.Reward) error {
	if err := r.Validate(); err != nil {
		return err
	}
	m := rewardModel{
		Name:        r.Name,
		Description: r.Description,
		Cost:        r.Cost,
		ImageURL:    r.ImageURL,
		Category:    r.Category,
		Active:      r.Active,
	}
	if r.StockQuantity != nil {
		m.StockQuantity = ledger.Stock(*r.StockQuantity)
	}
	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
		return errors.Wrap(err, "failed to create reward")
	}
	*r = *m.toDomain()
	return nil
}

func (s *Store) DeleteUser(ctx context.Context, id ledger.UserID) error {
	res := s.db.WithContext(ctx).Delete(&userModel{}, int64(id))
	if res.Error != nil {
		return errors.Wrap(res.Error, "failed to delete user")
	}
	if res.RowsAffected == 0 {
		return ledger.UserNotFound(id)
	}
	return nil
}

func (s *Store) DeleteReward(ctx context.Context, id ledger.RewardID) error {
	res := s.db.WithContext(ctx).Delete(&rewardModel{}, int64(id))
	if res.Error != nil {
		return errors.Wrap(res.Error, "failed to delete reward")
	}
	if res.RowsAffected == 0 {
		return ledger.RewardNotFound(id)
	}
	return nil
}

func (s *Store) Reset(ctx context.Context) error {
	db := s.db.WithContext(ctx)
	for _, table := range []string{"redemptions", "rewards", "users"} {
		if err := db.Exec("DELETE FROM " + table).Error; err != nil {
			return errors.Wrapf(err, "failed to clear %s", table)
		}
	}
	return nil
}

// =============================================================================
// READS
// =============================================================================

func (s *Store) GetUser(ctx context.Context, id ledger.UserID) (*ledger.User, error) {
	var m userModel
	if err := s.db.WithContext(ctx).First(&m, int64(id)).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ledger.UserNotFound(id)
		}
		return nil, errors.Wrap(err, "failed to get user")
	}
	return m.toDomain(), nil
}

func (s *Store) ListUsers(ctx context.Context) ([]ledger.User, error) {
	var ms []userModel
	if err := s.db.WithContext(ctx).Order("id").Find(&ms).Error; err != nil {
		return nil, errors.Wrap(err, "failed to list users")
	}
	users := make([]ledger.User, 0, len(ms))
	for _, m := range ms {
		users = append(users, *m.toDomain())
	}
	return users, nil
}

func (s *Store) GetReward(ctx context.Context, id ledger.RewardID) (*ledger.Reward, error) {
	var m rewardModel
	if err := s.db.WithContext(ctx).First(&m, int64(id)).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ledger.RewardNotFound(id)
		}
		return nil, errors.Wrap(err, "failed to get reward")
	}
	return m.toDomain(), nil
}

func (s *Store) ListRewards(ctx context.Context, activeOnly bool) ([]ledger.Reward, error) {
	q := s.db.WithContext(ctx).Order("cost ASC, id ASC")
	if activeOnly {
		q = q.Where("active = ?", true)
	}
	var ms []rewardModel
	if err := q.Find(&ms).Error; err != nil {
		return nil, errors.Wrap(err, "failed to list rewards")
	}
	rewards := make([]ledger.Reward, 0, len(ms))
	for _, m := range ms {
		rewards = append(rewards, *m.toDomain())
	}
	return rewards, nil
}

// ListRedemptions returns newest first by created_at. Backfilled rows can
// carry an older created_at than their id suggests; id only breaks ties.
func (s *Store) ListRedemptions(ctx context.Context, userID ledger.UserID, page ledger.Page) ([]ledger.RedemptionView, error) {
	page = page.Normalize()
	var rows []redemptionRow
	err := s.db.WithContext(ctx).
		Table("redemptions AS r").
		Select(`r.id, r.user_id, r.reward_id, r.points_spent, r.status, r.created_at,
			w.name AS reward_name, w.cost AS reward_cost,
			w.image_url AS reward_image_url, w.category AS reward_category`).
		Joins("JOIN rewards w ON w.id = r.reward_id").
		Where("r.user_id = ?", int64(userID)).
		Order("r.created_at DESC, r.id DESC").
		Limit(page.Limit).
		Offset(page.Offset).
		Scan(&rows).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list redemptions")
	}
	views := make([]ledger.RedemptionView, 0, len(rows))
	for _, row := range rows {
		views = append(views, row.toDomain())
	}
	return views, nil
}

func (s *Store) CountRedemptions(ctx context.Context, userID ledger.UserID) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&redemptionModel{}).Where("user_id = ?", int64(userID)).Count(&n).Error
	return n, errors.Wrap(err, "failed to count redemptions")
}

func (s *Store) RedemptionStats(ctx context.Context, userID ledger.UserID) (ledger.RedemptionStats, error) {
	var st ledger.RedemptionStats
	err := s.db.WithContext(ctx).Model(&redemptionModel{}).
		Select("COUNT(*), COALESCE(SUM(points_spent), 0)").
		Where("user_id = ?", int64(userID)).
		Row().Scan(&st.Count, &st.TotalSpent)
	return st, errors.Wrap(err, "failed to aggregate redemptions")
}

func (s *Store) AuditSnapshot(ctx context.Context) (ledger.AuditSnapshot, error) {
	var a ledger.AuditSnapshot
	err := s.db.WithContext(ctx).Raw(`
		SELECT
			(SELECT COUNT(*) FROM users),
			(SELECT COUNT(*) FROM rewards),
			(SELECT COUNT(*) FROM redemptions),
			(SELECT COALESCE(SUM(points_balance), 0) FROM users),
			(SELECT COALESCE(SUM(points_spent), 0) FROM redemptions),
			(SELECT COUNT(*) FROM users WHERE points_balance < 0),
			(SELECT COUNT(*) FROM rewards WHERE stock_quantity < 0),
			(SELECT COUNT(*) FROM rewards WHERE cost <= 0),
			(SELECT COUNT(*) FROM redemptions
			   WHERE points_spent <= 0 OR status NOT IN ('pending', 'completed', 'cancelled')),
			(SELECT COUNT(*) FROM rewards WHERE stock_quantity = 0)
	`).Row().Scan(&a.Users, &a.Rewards, &a.Redemptions, &a.PointsOutstanding, &a.PointsRedeemed,
		&a.NegativeBalances, &a.NegativeStock, &a.NonPositiveCost, &a.InvalidRedemptions, &a.OutOfStock)
	return a, errors.Wrap(err, "failed to read audit snapshot")
}
