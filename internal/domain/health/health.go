package health

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jgtolentino/pulser-sandboxd/internal/backend"
	"github.com/jgtolentino/pulser-sandboxd/internal/infrastructure/alerting"
	"github.com/jgtolentino/pulser-sandboxd/internal/infrastructure/logging"
	"github.com/jgtolentino/pulser-sandboxd/internal/infrastructure/monitoring"
	"github.com/jgtolentino/pulser-sandboxd/internal/shared/errs"
	"github.com/jgtolentino/pulser-sandboxd/internal/shared/types"
)

// State represents a backend's health state
type State int

const (
	StateHealthy State = iota
	StateDegraded
	StateFailed
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Backend roles within the tracker.
const (
	RolePrimary  = "primary"
	RoleFallback = "fallback"
)

// Settings configures the tracker behavior
type Settings struct {
	// FailoverThreshold is the consecutive failure count that marks a
	// backend Failed
	FailoverThreshold int
	// ProbeInterval is the cadence of synthetic health probes
	ProbeInterval time.Duration
}

// Counts holds per-backend operation statistics
type Counts struct {
	TotalSuccesses      uint64
	TotalFailures       uint64
	ConsecutiveFailures int
}

type entry struct {
	adapter       backend.Adapter
	role          string
	state         State
	counts        Counts
	lastSuccessAt time.Time
	lastFailureAt time.Time
}

// Tracker maintains the health state machine for the primary and
// fallback backends. A backend moves Healthy to Degraded on its first
// failure and Degraded to Failed once consecutive failures reach the
// threshold. Any operation success while not Failed returns it to
// Healthy. A Failed backend recovers only through a successful
// synthetic probe or a manual reset.
type Tracker struct {
	threshold int
	interval  time.Duration
	logger    *logging.Logger
	metrics   *monitoring.Metrics
	alerts    *alerting.Dispatcher

	mu      sync.Mutex
	entries map[string]*entry
	order   []string
}

// NewTracker creates a health tracker over the primary and fallback
// backends. Zero settings fall back to a threshold of 3 failures and a
// 30 second probe interval.
func NewTracker(primary, fallback backend.Adapter, settings Settings, logger *logging.Logger, metrics *monitoring.Metrics, alerts *alerting.Dispatcher) *Tracker {
	if settings.FailoverThreshold <= 0 {
		settings.FailoverThreshold = 3
	}
	if settings.ProbeInterval <= 0 {
		settings.ProbeInterval = 30 * time.Second
	}

	t := &Tracker{
		threshold: settings.FailoverThreshold,
		interval:  settings.ProbeInterval,
		logger:    logger.Named("health"),
		metrics:   metrics,
		alerts:    alerts,
		entries:   make(map[string]*entry, 2),
	}
	t.add(primary, RolePrimary)
	t.add(fallback, RoleFallback)
	return t
}

func (t *Tracker) add(adapter backend.Adapter, role string) {
	name := adapter.Name()
	t.entries[name] = &entry{adapter: adapter, role: role, state: StateHealthy}
	t.order = append(t.order, name)
	t.metrics.SetBackendState(name, float64(StateHealthy))
	t.metrics.SetConsecutiveFailures(name, 0)
}

// Select returns the backend that should serve a new spawn. The
// primary is preferred; a Failed primary routes to the fallback. With
// both Failed there is nothing to provision on.
func (t *Tracker) Select() (backend.Adapter, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, name := range t.order {
		if e := t.entries[name]; e.state != StateFailed {
			return e.adapter, nil
		}
	}
	return nil, errs.New(errs.KindBackendUnavailable, "no healthy backend available")
}

// Adapter returns the named backend for operations on existing leases.
// Leases stay bound to their backend regardless of its health state.
func (t *Tracker) Adapter(name string) (backend.Adapter, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[name]
	if !ok {
		return nil, errs.New(errs.KindInternal, "unknown backend %q", name)
	}
	return e.adapter, nil
}

// Primary returns the primary backend adapter.
func (t *Tracker) Primary() backend.Adapter {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entries[t.order[0]].adapter
}

// Fallback returns the fallback backend adapter.
func (t *Tracker) Fallback() backend.Adapter {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entries[t.order[1]].adapter
}

// StateOf returns the current state of the named backend.
func (t *Tracker) StateOf(name string) State {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[name]
	if !ok {
		return StateFailed
	}
	return e.state
}

// RecordSuccess notes a successful backend operation. It clears the
// failure streak and returns a Degraded backend to Healthy. A Failed
// backend stays Failed: regular traffic cannot recover it.
func (t *Tracker) RecordSuccess(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[name]
	if !ok {
		return
	}
	e.counts.TotalSuccesses++
	e.lastSuccessAt = time.Now()
	if e.state == StateFailed {
		return
	}
	e.counts.ConsecutiveFailures = 0
	t.metrics.SetConsecutiveFailures(name, 0)
	t.setState(name, e, StateHealthy)
}

// RecordFailure notes a failed backend operation. The first failure
// degrades a Healthy backend; reaching the threshold marks it Failed.
func (t *Tracker) RecordFailure(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[name]
	if !ok {
		return
	}
	e.counts.TotalFailures++
	e.counts.ConsecutiveFailures++
	e.lastFailureAt = time.Now()
	t.metrics.RecordBackendFailure(name)
	t.metrics.SetConsecutiveFailures(name, e.counts.ConsecutiveFailures)

	switch {
	case e.counts.ConsecutiveFailures >= t.threshold:
		t.setState(name, e, StateFailed)
	case e.state == StateHealthy:
		t.setState(name, e, StateDegraded)
	}
}

// Reset is the operator override: it returns the named backend to
// Healthy and clears its failure streak.
func (t *Tracker) Reset(name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[name]
	if !ok {
		return errs.New(errs.KindInvalidArgument, "unknown backend %q", name)
	}

	t.logger.Info("backend manually reset", zap.String("backend", name))
	e.counts.ConsecutiveFailures = 0
	t.metrics.SetConsecutiveFailures(name, 0)
	t.setState(name, e, StateHealthy)
	return nil
}

// recordProbeSuccess applies a successful synthetic probe. Unlike
// regular traffic it recovers a Failed backend.
func (t *Tracker) recordProbeSuccess(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[name]
	if !ok {
		return
	}
	e.counts.TotalSuccesses++
	e.lastSuccessAt = time.Now()
	e.counts.ConsecutiveFailures = 0
	t.metrics.SetConsecutiveFailures(name, 0)
	t.setState(name, e, StateHealthy)
}

// setState transitions an entry, emitting logs, metrics, and alerts.
// Callers hold t.mu.
func (t *Tracker) setState(name string, e *entry, to State) {
	if e.state == to {
		return
	}
	from := e.state
	e.state = to
	t.metrics.SetBackendState(name, float64(to))

	switch {
	case to == StateFailed:
		t.logger.Error("backend failed, spawn traffic rerouted",
			zap.String("backend", name),
			zap.String("from", from.String()),
			zap.Int("consecutive_failures", e.counts.ConsecutiveFailures),
		)
		t.alerts.Dispatch(alerting.Alert{
			Severity:  alerting.SeverityCritical,
			Condition: alerting.ConditionBackendFailover,
			Message:   fmt.Sprintf("backend %s marked failed after %d consecutive failures", name, e.counts.ConsecutiveFailures),
			Value:     float64(e.counts.ConsecutiveFailures),
			Threshold: float64(t.threshold),
			Service:   name,
		})
	case from == StateFailed && to == StateHealthy:
		t.logger.Info("backend recovered",
			zap.String("backend", name),
		)
		t.alerts.Dispatch(alerting.Alert{
			Severity:  alerting.SeverityInfo,
			Condition: alerting.ConditionBackendRecovered,
			Message:   fmt.Sprintf("backend %s recovered", name),
			Service:   name,
		})
	case to == StateDegraded:
		t.logger.Warn("backend degraded",
			zap.String("backend", name),
			zap.Int("consecutive_failures", e.counts.ConsecutiveFailures),
		)
	default:
		t.logger.Info("backend state changed",
			zap.String("backend", name),
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
	}
}

// Status reports every backend for the operator surface.
func (t *Tracker) Status() []types.BackendStatus {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]types.BackendStatus, 0, len(t.order))
	for _, name := range t.order {
		e := t.entries[name]
		status := types.BackendStatus{
			Name:                name,
			Role:                e.role,
			State:               e.state.String(),
			ConsecutiveFailures: e.counts.ConsecutiveFailures,
			TotalFailures:       e.counts.TotalFailures,
			TotalSuccesses:      e.counts.TotalSuccesses,
		}
		if !e.lastFailureAt.IsZero() {
			at := e.lastFailureAt
			status.LastFailureAt = &at
		}
		if !e.lastSuccessAt.IsZero() {
			at := e.lastSuccessAt
			status.LastSuccessAt = &at
		}
		out = append(out, status)
	}
	return out
}
