// Package lease tracks every sandbox VM lease the daemon has issued.
//
// The pool is the single source of truth for lease state. Every transition
// flows through it and follows the forward-only machine
// provisioning -> running -> terminating -> terminated | failed.
// Callers always receive copies; pool-owned records never escape the lock.
package lease

import (
	"sort"
	"sync"
	"time"

	"github.com/jgtolentino/pulser-sandboxd/internal/infrastructure/config"
	"github.com/jgtolentino/pulser-sandboxd/internal/infrastructure/logging"
	"github.com/jgtolentino/pulser-sandboxd/internal/infrastructure/monitoring"
	"github.com/jgtolentino/pulser-sandboxd/internal/shared/errs"
	"github.com/jgtolentino/pulser-sandboxd/internal/shared/types"
	"go.uber.org/zap"
)

// Event type tags broadcast on the lifecycle stream.
const (
	EventCreated     = "lease_created"
	EventRunning     = "lease_running"
	EventTerminating = "lease_terminating"
	EventTerminated  = "lease_terminated"
	EventFailed      = "lease_failed"
)

// Pool manages the lease registry
type Pool struct {
	mu     sync.RWMutex
	leases map[string]*types.VMLease // Protected by mu
	ops    map[string]*sync.Mutex    // Protected by mu; per-lease backend call serialization

	maxActive int
	retention time.Duration

	logger  *logging.Logger
	metrics *monitoring.Metrics

	sink func(types.LeaseEvent) // Set once during wiring, before first use
}

// NewPool creates a lease pool
func NewPool(cfg config.LeaseConfig, logger *logging.Logger, metrics *monitoring.Metrics) *Pool {
	return &Pool{
		leases:    make(map[string]*types.VMLease),
		ops:       make(map[string]*sync.Mutex),
		maxActive: cfg.MaxActive,
		retention: cfg.Retention,
		logger:    logger.Named("pool"),
		metrics:   metrics,
	}
}

// OnEvent registers the lifecycle event sink. Must be called before the
// pool starts taking traffic; events are emitted outside the registry lock.
func (p *Pool) OnEvent(fn func(types.LeaseEvent)) {
	p.sink = fn
}

// Reserve inserts a new lease in the provisioning state. Fails with
// quota_exceeded when the active lease cap is reached.
func (p *Pool) Reserve(l *types.VMLease) error {
	p.mu.Lock()
	if p.maxActive > 0 && p.activeLocked() >= p.maxActive {
		p.mu.Unlock()
		return errs.New(errs.KindQuotaExceeded, "active lease limit %d reached", p.maxActive)
	}
	if _, exists := p.leases[l.ID]; exists {
		p.mu.Unlock()
		return errs.New(errs.KindInternal, "lease %s already registered", l.ID)
	}
	l.State = types.StateProvisioning
	p.leases[l.ID] = l.Clone()
	active := p.activeLocked()
	p.mu.Unlock()

	p.metrics.IncLeasesTotal()
	p.metrics.SetLeasesActive(active)
	p.logger.Info("lease reserved",
		zap.String("lease_id", l.ID),
		zap.String("image", l.Image),
		zap.String("requester", l.Requester))
	p.emit(l, EventCreated)
	return nil
}

// Bind transitions a provisioning lease to running and records the backend
// placement. The idle clock starts here.
func (p *Pool) Bind(id, backendName, handle string) (*types.VMLease, error) {
	now := time.Now()

	p.mu.Lock()
	l, ok := p.leases[id]
	if !ok {
		p.mu.Unlock()
		return nil, errs.New(errs.KindLeaseNotFound, "lease %s not found", id)
	}
	if l.State != types.StateProvisioning {
		state := l.State
		p.mu.Unlock()
		return nil, errs.New(errs.KindLeaseNotRunning, "lease %s is %s, cannot bind", id, state)
	}
	l.State = types.StateRunning
	l.Backend = backendName
	l.Handle = handle
	started := now
	l.StartedAt = &started
	l.LastActivityAt = now
	out := l.Clone()
	p.mu.Unlock()

	p.logger.Info("lease running",
		zap.String("lease_id", id),
		zap.String("backend", backendName),
		zap.String("handle", handle))
	p.emit(out, EventRunning)
	return out, nil
}

// Get retrieves a lease by ID
func (p *Pool) Get(id string) (*types.VMLease, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	l, ok := p.leases[id]
	if !ok {
		return nil, errs.New(errs.KindLeaseNotFound, "lease %s not found", id)
	}
	return l.Clone(), nil
}

// List returns copies of all leases, oldest first.
func (p *Pool) List() []*types.VMLease {
	p.mu.RLock()
	out := make([]*types.VMLease, 0, len(p.leases))
	for _, l := range p.leases {
		out = append(out, l.Clone())
	}
	p.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// MarkActive resets the idle clock. Only successful workload operations
// call this; status reads never touch the clock.
func (p *Pool) MarkActive(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	l, ok := p.leases[id]
	if !ok {
		return errs.New(errs.KindLeaseNotFound, "lease %s not found", id)
	}
	if l.State != types.StateRunning {
		return errs.New(errs.KindLeaseNotRunning, "lease %s is %s", id, l.State)
	}
	l.LastActivityAt = time.Now()
	return nil
}

// SetAccrued raises a lease's accrued cost to total and returns the delta
// actually applied. Accrued cost is monotonic: a total below the recorded
// value applies nothing.
func (p *Pool) SetAccrued(id string, total float64) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	l, ok := p.leases[id]
	if !ok {
		return 0, errs.New(errs.KindLeaseNotFound, "lease %s not found", id)
	}
	if total <= l.AccruedCost {
		return 0, nil
	}
	delta := total - l.AccruedCost
	l.AccruedCost = total
	return delta, nil
}

// RequestTerminate is the single-writer gate into teardown. Exactly one
// caller wins the provisioning/running -> terminating transition and owns
// the backend destroy; concurrent callers get already_terminating. A lease
// that is already terminal returns its copy with won=false so deletes stay
// idempotent.
func (p *Pool) RequestTerminate(id string, reason types.TerminateReason) (l *types.VMLease, won bool, err error) {
	p.mu.Lock()
	cur, ok := p.leases[id]
	if !ok {
		p.mu.Unlock()
		return nil, false, errs.New(errs.KindLeaseNotFound, "lease %s not found", id)
	}
	switch cur.State {
	case types.StateTerminated, types.StateFailed:
		out := cur.Clone()
		p.mu.Unlock()
		return out, false, nil
	case types.StateTerminating:
		p.mu.Unlock()
		return nil, false, errs.New(errs.KindAlreadyTerminating, "lease %s teardown already in progress", id)
	}
	cur.State = types.StateTerminating
	r := reason
	cur.Reason = &r
	out := cur.Clone()
	p.mu.Unlock()

	p.logger.Info("lease terminating",
		zap.String("lease_id", id),
		zap.String("reason", string(reason)))
	p.emit(out, EventTerminating)
	return out, true, nil
}

// Complete finishes teardown after the backend destroy succeeded. Only the
// RequestTerminate winner may call it.
func (p *Pool) Complete(id string) (*types.VMLease, error) {
	return p.finish(id, types.StateTerminated, nil)
}

// Fail marks a lease failed. Used when provisioning never produced a VM or
// when teardown could not destroy the backend VM. The reason is kept if one
// was already set by the terminate gate.
func (p *Pool) Fail(id string, reason types.TerminateReason) (*types.VMLease, error) {
	return p.finish(id, types.StateFailed, &reason)
}

func (p *Pool) finish(id string, terminal types.LeaseState, reason *types.TerminateReason) (*types.VMLease, error) {
	now := time.Now()

	p.mu.Lock()
	l, ok := p.leases[id]
	if !ok {
		p.mu.Unlock()
		return nil, errs.New(errs.KindLeaseNotFound, "lease %s not found", id)
	}
	if l.State.Terminal() {
		out := l.Clone()
		p.mu.Unlock()
		return out, nil
	}
	if terminal == types.StateTerminated && l.State != types.StateTerminating {
		state := l.State
		p.mu.Unlock()
		return nil, errs.New(errs.KindInternal, "lease %s is %s, cannot complete teardown", id, state)
	}
	l.State = terminal
	l.TerminatedAt = &now
	if l.Reason == nil && reason != nil {
		r := *reason
		l.Reason = &r
	}
	out := l.Clone()
	active := p.activeLocked()
	p.mu.Unlock()

	p.metrics.SetLeasesActive(active)
	reasonLabel := "unknown"
	if out.Reason != nil {
		reasonLabel = string(*out.Reason)
	}
	p.metrics.RecordTermination(reasonLabel, out.Runtime(now), out.AccruedCost)

	event := EventTerminated
	level := p.logger.Info
	if terminal == types.StateFailed {
		event = EventFailed
		level = p.logger.Warn
	}
	level("lease finished",
		zap.String("lease_id", id),
		zap.String("state", string(terminal)),
		zap.String("reason", reasonLabel),
		zap.Float64("accrued_usd", out.AccruedCost))
	p.emit(out, event)
	return out, nil
}

// Op returns the per-lease operation mutex. Exec, transfer and destroy
// calls for one lease hold it for the duration of the backend call so a
// single lease never has concurrent backend operations. Other leases are
// unaffected.
func (p *Pool) Op(id string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()

	op, ok := p.ops[id]
	if !ok {
		op = &sync.Mutex{}
		p.ops[id] = op
	}
	return op
}

// Prune removes terminal leases past the retention window and returns how
// many were dropped.
func (p *Pool) Prune(now time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	removed := 0
	for id, l := range p.leases {
		if !l.State.Terminal() || l.TerminatedAt == nil {
			continue
		}
		if now.Sub(*l.TerminatedAt) >= p.retention {
			delete(p.leases, id)
			delete(p.ops, id)
			removed++
		}
	}
	if removed > 0 {
		p.logger.Debug("pruned terminal leases", zap.Int("count", removed))
	}
	return removed
}

// Stats returns pool statistics
func (p *Pool) Stats() types.PoolStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stats := types.PoolStats{
		TotalLeases: len(p.leases),
		ByState:     make(map[types.LeaseState]int),
	}
	for _, l := range p.leases {
		stats.ByState[l.State]++
		if !l.State.Terminal() {
			stats.ActiveLeases++
			stats.AccruedCost += l.AccruedCost
		}
	}
	return stats
}

// Export returns copies of every lease for snapshot serialization.
func (p *Pool) Export() []*types.VMLease {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]*types.VMLease, 0, len(p.leases))
	for _, l := range p.leases {
		out = append(out, l.Clone())
	}
	return out
}

// Adopt inserts a lease restored from a snapshot. A lease caught
// mid-provisioning by the restart lost its in-flight backend call, so it
// is adopted as failed; everything else keeps its recorded state. The
// active cap does not apply to adopted leases.
func (p *Pool) Adopt(l *types.VMLease) {
	c := l.Clone()
	if c.State == types.StateProvisioning {
		now := time.Now()
		c.State = types.StateFailed
		c.TerminatedAt = &now
		if c.Reason == nil {
			r := types.ReasonBackendLost
			c.Reason = &r
		}
	}

	p.mu.Lock()
	p.leases[c.ID] = c
	active := p.activeLocked()
	p.mu.Unlock()

	p.metrics.SetLeasesActive(active)
}

// activeLocked counts non-terminal leases. Caller must hold mu.
func (p *Pool) activeLocked() int {
	n := 0
	for _, l := range p.leases {
		if !l.State.Terminal() {
			n++
		}
	}
	return n
}

func (p *Pool) emit(l *types.VMLease, eventType string) {
	if p.sink == nil {
		return
	}
	p.sink(types.LeaseEvent{
		Type:      eventType,
		LeaseID:   l.ID,
		State:     l.State,
		Backend:   l.Backend,
		Reason:    l.Reason,
		Timestamp: time.Now(),
	})
}
