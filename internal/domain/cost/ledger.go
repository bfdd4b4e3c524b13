// Package cost tracks sandbox spend against billing windows.
//
// Every active lease accrues cost as wallclock runtime times its
// image's hourly rate. Accrual deltas feed a rolling window ledger;
// crossing the warning threshold raises an alert, crossing the hard
// ceiling terminates active leases and suspends provisioning until the
// window resets.
package cost

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jgtolentino/pulser-sandboxd/internal/infrastructure/alerting"
	"github.com/jgtolentino/pulser-sandboxd/internal/infrastructure/config"
	"github.com/jgtolentino/pulser-sandboxd/internal/infrastructure/logging"
	"github.com/jgtolentino/pulser-sandboxd/internal/infrastructure/monitoring"
)

// Accrued returns the cost of running at rate USD per hour for d.
func Accrued(rate float64, d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return rate * d.Hours()
}

// Ledger accumulates accrual deltas inside the current billing window.
type Ledger struct {
	ceiling float64
	window  time.Duration
	tuner   *alerting.RateTuner
	logger  *logging.Logger
	metrics *monitoring.Metrics
	alerts  *alerting.Dispatcher

	mu          sync.Mutex
	windowStart time.Time
	total       float64
	breached    bool
	warned      bool
}

// NewLedger creates a ledger over the configured billing window. The
// tuner supplies the effective warning threshold, floored at the
// configured value.
func NewLedger(cfg config.CostConfig, tuner *alerting.RateTuner, logger *logging.Logger, metrics *monitoring.Metrics, alerts *alerting.Dispatcher) *Ledger {
	return &Ledger{
		ceiling:     cfg.HardCeilingUSD,
		window:      cfg.BillingWindow,
		tuner:       tuner,
		logger:      logger.Named("cost"),
		metrics:     metrics,
		alerts:      alerts,
		windowStart: time.Now(),
	}
}

// Add records an accrual delta against the current window and
// evaluates the warning and ceiling thresholds.
func (l *Ledger) Add(delta float64) {
	if delta <= 0 {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.roll(time.Now())

	l.total += delta
	l.metrics.SetLedgerWindow(l.total)

	switch {
	case l.total >= l.ceiling && !l.breached:
		l.breached = true
		l.logger.Error("cost ceiling breached, provisioning suspended",
			zap.Float64("window_total_usd", l.total),
			zap.Float64("ceiling_usd", l.ceiling),
		)
		l.alerts.Dispatch(alerting.Alert{
			Severity:  alerting.SeverityCritical,
			Condition: alerting.ConditionCostCeiling,
			Message:   "billing window spend crossed the hard ceiling",
			Value:     l.total,
			Threshold: l.ceiling,
		})
	case !l.breached && !l.warned && l.total >= l.tuner.WarningThreshold():
		l.warned = true
		l.alerts.Dispatch(alerting.Alert{
			Severity:  alerting.SeverityWarning,
			Condition: alerting.ConditionCostRate,
			Message:   "billing window spend crossed the warning threshold",
			Value:     l.total,
			Threshold: l.tuner.WarningThreshold(),
		})
	}
}

// WindowTotal returns the spend accumulated in the current window.
func (l *Ledger) WindowTotal() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.roll(time.Now())
	return l.total
}

// CeilingBreached reports whether the current window crossed the hard
// ceiling. While true, new spawns are refused and the sweeper
// terminates active leases.
func (l *Ledger) CeilingBreached() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.roll(time.Now())
	return l.breached
}

// WindowResetAt returns when the current billing window ends.
func (l *Ledger) WindowResetAt() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.roll(time.Now())
	return l.windowStart.Add(l.window)
}

// roll closes the window once its duration has elapsed. The closing
// total becomes a tuning sample. Callers hold l.mu.
func (l *Ledger) roll(now time.Time) {
	if now.Sub(l.windowStart) < l.window {
		return
	}

	l.tuner.Observe(l.total)
	l.logger.Info("billing window reset",
		zap.Float64("closed_total_usd", l.total),
		zap.Bool("ceiling_breached", l.breached),
	)

	l.windowStart = now
	l.total = 0
	l.breached = false
	l.warned = false
	l.metrics.SetLedgerWindow(0)
}
