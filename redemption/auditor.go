/*
auditor.go - Periodic ledger invariant check

PURPOSE:
  The store enforces the data-model invariants on every write. The auditor
  re-reads them from the outside on a timer, so a manual SQL fix that
  breaks one shows up in logs and metrics.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Reads one AuditSnapshot per pass; never writes
  - Logs a warning per violated check, sets ledger_audit_violations{check}

USAGE:
  auditor := redemption.NewAuditor(store, logger, metrics)
  auditor.Start()
  // ... later
  auditor.Stop()
*/
package redemption

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/redemption-engine/ledger"
)

// Auditor periodically checks ledger invariants.
type Auditor struct {
	Store         ledger.Store
	CheckInterval time.Duration
	Enabled       bool

	log     *zap.Logger
	metrics *Metrics

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex

	lastMu sync.Mutex
	last   *ledger.AuditSnapshot
}

func NewAuditor(store ledger.Store, log *zap.Logger, metrics *Metrics) *Auditor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Auditor{
		Store:         store,
		CheckInterval: 5 * time.Minute,
		Enabled:       true,
		log:           log.Named("auditor"),
		metrics:       metrics,
	}
}

// Start begins the periodic check. It runs one pass immediately.
func (a *Auditor) Start() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.Enabled {
		a.log.Info("disabled, not starting")
		return
	}
	if a.ticker != nil {
		return
	}

	a.ticker = time.NewTicker(a.CheckInterval)
	a.stop = make(chan struct{})
	a.wg.Add(1)
	go a.run()

	a.log.Info("started", zap.Duration("interval", a.CheckInterval))
}

// Stop halts the check and waits for an in-flight pass to finish.
func (a *Auditor) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.ticker == nil {
		return
	}
	a.ticker.Stop()
	close(a.stop)
	a.wg.Wait()
	a.ticker = nil
	a.log.Info("stopped")
}

func (a *Auditor) run() {
	defer a.wg.Done()

	a.check()
	for {
		select {
		case <-a.ticker.C:
			a.check()
		case <-a.stop:
			return
		}
	}
}

func (a *Auditor) check() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := a.RunNow(ctx); err != nil {
		a.log.Error("audit failed", zap.Error(err))
	}
}

// RunNow performs one audit pass (for testing/admin).
func (a *Auditor) RunNow(ctx context.Context) (ledger.AuditSnapshot, error) {
	snap, err := a.Store.AuditSnapshot(ctx)
	if err != nil {
		return snap, ledger.Internal("audit", err)
	}
	a.metrics.observeAudit(snap)

	for check, n := range snap.Violations() {
		if n > 0 {
			a.log.Warn("ledger invariant violated", zap.String("check", check), zap.Int64("rows", n))
		}
	}
	a.log.Debug("audit completed",
		zap.Bool("healthy", snap.Healthy()),
		zap.Int64("users", snap.Users),
		zap.Int64("rewards", snap.Rewards),
		zap.Int64("redemptions", snap.Redemptions),
		zap.Int64("out_of_stock", snap.OutOfStock),
		zap.String("redeemed_share_pct", snap.RedeemedShare().StringFixed(2)),
	)

	a.lastMu.Lock()
	a.last = &snap
	a.lastMu.Unlock()
	return snap, nil
}

// Last returns the most recent snapshot, or nil before the first pass.
func (a *Auditor) Last() *ledger.AuditSnapshot {
	a.lastMu.Lock()
	defer a.lastMu.Unlock()
	if a.last == nil {
		return nil
	}
	cp := *a.last
	return &cp
}
