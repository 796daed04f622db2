// Package seed loads demo users, rewards and redemption history from YAML.
package seed

import (
	"bytes"
	"context"
	_ "embed"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/warp/redemption-engine/ledger"
)

//go:embed catalog.yaml
var catalog []byte

// Fixture is the YAML document.
type Fixture struct {
	Users   []UserSpec    `yaml:"users"`
	Rewards []RewardSpec  `yaml:"rewards"`
	History []HistorySpec `yaml:"history"`
}

type UserSpec struct {
	Name          string `yaml:"name"`
	Email         string `yaml:"email"`
	PointsBalance int64  `yaml:"points_balance"`
}

type RewardSpec struct {
	Name          string `yaml:"name"`
	Description   string `yaml:"description"`
	Cost          int64  `yaml:"cost"`
	Category      string `yaml:"category"`
	ImageURL      string `yaml:"image_url"`
	StockQuantity *int64 `yaml:"stock_quantity"`
	Active        *bool  `yaml:"active"` // defaults to true
}

// HistorySpec is a past redemption. User is an email, Reward a reward name.
type HistorySpec struct {
	User   string        `yaml:"user"`
	Reward string        `yaml:"reward"`
	Ago    time.Duration `yaml:"ago"`
}

// Result counts what Load created.
type Result struct {
	Users       int
	Rewards     int
	Redemptions int
}

// Default returns the embedded demo catalog.
func Default() (*Fixture, error) {
	return Parse(catalog)
}

// Parse decodes a fixture. Unknown fields are an error.
func Parse(data []byte) (*Fixture, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var f Fixture
	if err := dec.Decode(&f); err != nil {
		return nil, errors.Wrap(err, "parse seed fixture")
	}
	return &f, nil
}

// Load creates the fixture's rows. History entries are inserted as
// completed redemptions at now - ago without touching balances or stock.
func Load(ctx context.Context, store ledger.Store, f *Fixture, log *zap.Logger) (Result, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("seed")
	var res Result

	users := make(map[string]*ledger.User, len(f.Users))
	for _, spec := range f.Users {
		u := &ledger.User{Name: spec.Name, Email: spec.Email, PointsBalance: spec.PointsBalance}
		if err := store.CreateUser(ctx, u); err != nil {
			return res, errors.Wrapf(err, "seed user %q", spec.Email)
		}
		users[u.Email] = u
		res.Users++
	}

	rewards := make(map[string]*ledger.Reward, len(f.Rewards))
	for _, spec := range f.Rewards {
		active := true
		if spec.Active != nil {
			active = *spec.Active
		}
		r := &ledger.Reward{
			Name:          spec.Name,
			Description:   spec.Description,
			ImageURL:      spec.ImageURL,
			Category:      spec.Category,
			Cost:          spec.Cost,
			StockQuantity: spec.StockQuantity,
			Active:        active,
		}
		if err := store.CreateReward(ctx, r); err != nil {
			return res, errors.Wrapf(err, "seed reward %q", spec.Name)
		}
		rewards[r.Name] = r
		res.Rewards++
	}

	now := time.Now().UTC()
	for i, h := range f.History {
		u, ok := users[h.User]
		if !ok {
			return res, ledger.Invalid("history[%d]: unknown user %q", i, h.User)
		}
		r, ok := rewards[h.Reward]
		if !ok {
			return res, ledger.Invalid("history[%d]: unknown reward %q", i, h.Reward)
		}
		err := store.WithTx(ctx, func(tx ledger.Tx) error {
			if _, err := tx.LockUser(ctx, u.ID); err != nil {
				return err
			}
			if _, err := tx.LockReward(ctx, r.ID); err != nil {
				return err
			}
			return tx.InsertRedemption(ctx, &ledger.Redemption{
				UserID:      u.ID,
				RewardID:    r.ID,
				PointsSpent: r.Cost,
				Status:      ledger.StatusCompleted,
				CreatedAt:   now.Add(-h.Ago),
			})
		})
		if err != nil {
			return res, errors.Wrapf(err, "seed history[%d]", i)
		}
		res.Redemptions++
	}

	log.Info("loaded",
		zap.Int("users", res.Users),
		zap.Int("rewards", res.Rewards),
		zap.Int("redemptions", res.Redemptions),
	)
	return res, nil
}

// LoadIfEmpty loads f only when the store has no users yet.
func LoadIfEmpty(ctx context.Context, store ledger.Store, f *Fixture, log *zap.Logger) (Result, bool, error) {
	existing, err := store.ListUsers(ctx)
	if err != nil {
		return Result{}, false, err
	}
	if len(existing) > 0 {
		return Result{}, false, nil
	}
	res, err := Load(ctx, store, f, log)
	return res, err == nil, err
}
