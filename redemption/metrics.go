package redemption

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/warp/redemption-engine/ledger"
)

// Metrics are the service's prometheus collectors.
type Metrics struct {
	attempts        *prometheus.CounterVec
	lockWait        prometheus.Histogram
	duration        prometheus.Histogram
	adjustments     *prometheus.CounterVec
	auditViolations *prometheus.GaugeVec
	auditRuns       prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered, which is what most tests want.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "redemption_attempts_total",
			Help: "Redeem calls by outcome (success or error kind).",
		}, []string{"outcome"}),
		lockWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "redemption_lock_wait_seconds",
			Help:    "Time from starting the unit of work until the user and reward rows are locked.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "redemption_duration_seconds",
			Help:    "End-to-end Redeem latency including commit.",
			Buckets: prometheus.DefBuckets,
		}),
		adjustments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "balance_adjustments_total",
			Help: "AdjustBalance calls by outcome.",
		}, []string{"outcome"}),
		auditViolations: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ledger_audit_violations",
			Help: "Rows violating a ledger invariant at the last audit, by check.",
		}, []string{"check"}),
		auditRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledger_audit_runs_total",
			Help: "Completed audit passes.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.attempts, m.lockWait, m.duration, m.adjustments, m.auditViolations, m.auditRuns)
	}
	return m
}

func outcome(err error) string {
	if err == nil {
		return "success"
	}
	return string(ledger.KindOf(err))
}

func (m *Metrics) observeRedeem(err error, lockWait, total time.Duration) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(outcome(err)).Inc()
	if lockWait > 0 {
		m.lockWait.Observe(lockWait.Seconds())
	}
	m.duration.Observe(total.Seconds())
}

func (m *Metrics) observeAdjustment(err error) {
	if m == nil {
		return
	}
	m.adjustments.WithLabelValues(outcome(err)).Inc()
}

func (m *Metrics) observeAudit(a ledger.AuditSnapshot) {
	if m == nil {
		return
	}
	for check, n := range a.Violations() {
		m.auditViolations.WithLabelValues(check).Set(float64(n))
	}
	m.auditRuns.Inc()
}
