// Package orchestrator composes the domain components into the operations
// the gateway exposes: spawn, exec, transfer, terminate, status, and the
// egress verdict. It owns the provision latency budget, the one silent
// failover retry, and the per-lease serialization of backend calls.
package orchestrator

import (
	"context"
	"time"

	"github.com/jgtolentino/pulser-sandboxd/internal/backend"
	"github.com/jgtolentino/pulser-sandboxd/internal/catalog"
	"github.com/jgtolentino/pulser-sandboxd/internal/domain/cost"
	"github.com/jgtolentino/pulser-sandboxd/internal/domain/health"
	"github.com/jgtolentino/pulser-sandboxd/internal/domain/lease"
	"github.com/jgtolentino/pulser-sandboxd/internal/domain/policy"
	"github.com/jgtolentino/pulser-sandboxd/internal/infrastructure/config"
	"github.com/jgtolentino/pulser-sandboxd/internal/infrastructure/logging"
	"github.com/jgtolentino/pulser-sandboxd/internal/infrastructure/monitoring"
	"github.com/jgtolentino/pulser-sandboxd/internal/shared/errs"
	"github.com/jgtolentino/pulser-sandboxd/internal/shared/id"
	"github.com/jgtolentino/pulser-sandboxd/internal/shared/types"
	"go.uber.org/zap"
)

// Orchestrator routes gateway operations through policy, health, the
// lease pool, and the backend adapters.
type Orchestrator struct {
	pool    *lease.Pool
	tracker *health.Tracker
	policy  *policy.Enforcer
	ledger  *cost.Ledger

	leaseCfg       config.LeaseConfig
	budget         time.Duration
	requestTimeout time.Duration

	logger  *logging.Logger
	metrics *monitoring.Metrics
}

// New creates an orchestrator.
func New(
	pool *lease.Pool,
	tracker *health.Tracker,
	enforcer *policy.Enforcer,
	ledger *cost.Ledger,
	backends config.BackendsConfig,
	leaseCfg config.LeaseConfig,
	logger *logging.Logger,
	metrics *monitoring.Metrics,
) *Orchestrator {
	return &Orchestrator{
		pool:           pool,
		tracker:        tracker,
		policy:         enforcer,
		ledger:         ledger,
		leaseCfg:       leaseCfg,
		budget:         backends.ProvisionBudget,
		requestTimeout: backends.RequestTimeout,
		logger:         logger.Named("orchestrator"),
		metrics:        metrics,
	}
}

// Spawn provisions a new sandbox lease. Validation order is fixed: cost
// suspension gate, catalog and policy checks, backend selection, GPU
// capacity, then the pool quota. The provision call runs against a
// latency budget; a prompt retryable failure on the primary earns one
// silent retry on the fallback.
func (o *Orchestrator) Spawn(ctx context.Context, req *types.SpawnRequest) (*types.VMLease, error) {
	if o.ledger.CeilingBreached() {
		return nil, errs.New(errs.KindQuotaExceeded,
			"cost ceiling reached, provisioning suspended until %s",
			o.ledger.WindowResetAt().UTC().Format(time.RFC3339))
	}

	if req.Image == "" {
		req.Image = o.leaseCfg.DefaultImage
	}

	img, err := o.policy.ValidateSpawn(req)
	if err != nil {
		return nil, err
	}

	adapter, err := o.tracker.Select()
	if err != nil {
		return nil, err
	}
	if req.GPU && !adapter.Capabilities().GPU {
		return nil, errs.New(errs.KindQuotaExceeded,
			"backend %s has no GPU capacity", adapter.Name())
	}

	l := o.buildLease(req, img)
	if err := o.pool.Reserve(l); err != nil {
		return nil, err
	}

	bound, owned, err := o.provision(ctx, adapter, l)
	if err == nil {
		return bound, nil
	}

	if !owned && o.canFailover(adapter, req, err) {
		fb := o.tracker.Fallback()
		o.metrics.IncFailovers()
		o.logger.Warn("spawn failover",
			zap.String("lease_id", l.ID),
			zap.String("from", adapter.Name()),
			zap.String("to", fb.Name()),
			zap.Error(err))

		bound, owned, err = o.provision(ctx, fb, l)
		if err == nil {
			return bound, nil
		}
	}

	// A budget-breached attempt still owns the lease: its background
	// goroutine will bind a late success or fail the lease itself.
	if !owned {
		if _, ferr := o.pool.Fail(l.ID, types.ReasonBackendLost); ferr != nil {
			o.logger.Error("failed to mark lease failed",
				zap.String("lease_id", l.ID), zap.Error(ferr))
		}
	}
	return nil, err
}

func (o *Orchestrator) buildLease(req *types.SpawnRequest, img *catalog.Image) *types.VMLease {
	res := img.Resources
	if req.VCPU > 0 {
		res.VCPU = req.VCPU
	}
	if req.MemoryMB > 0 {
		res.MemoryMB = req.MemoryMB
	}
	if req.DiskMB > 0 {
		res.DiskMB = req.DiskMB
	}
	res.GPU = req.GPU

	ttl := o.leaseCfg.DefaultTTL
	if req.TTLHours > 0 {
		ttl = time.Duration(req.TTLHours * float64(time.Hour))
	}
	idle := o.leaseCfg.IdleTimeout
	if req.IdleMinutes > 0 {
		idle = time.Duration(req.IdleMinutes * float64(time.Minute))
	}

	requester := req.Requester
	if requester == "" {
		requester = "anonymous"
	}

	now := time.Now()
	return &types.VMLease{
		ID:             id.NewLeaseID().String(),
		Image:          img.Name,
		State:          types.StateProvisioning,
		Requester:      requester,
		Resources:      res,
		HourlyRate:     img.HourlyRate,
		TTL:            ttl,
		IdleTimeout:    idle,
		CreatedAt:      now,
		LastActivityAt: now,
		Labels:         req.Labels,
	}
}

type provisionOutcome struct {
	handle backend.Handle
	err    error
}

// provision boots the VM with the latency budget racing the backend call.
// Returns owned=true when the budget fired first: the spawned goroutine
// then owns the lease outcome, binding a late success or failing it, and
// the caller must neither retry nor fail the lease.
func (o *Orchestrator) provision(ctx context.Context, a backend.Adapter, l *types.VMLease) (*types.VMLease, bool, error) {
	ch := make(chan provisionOutcome, 1)
	start := time.Now()

	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.requestTimeout)
	go func() {
		handle, err := a.Provision(callCtx, l.Image, l.Resources)
		cancel()
		ch <- provisionOutcome{handle: handle, err: err}
	}()

	select {
	case out := <-ch:
		if out.err != nil {
			o.metrics.RecordSpawn(a.Name(), "error", time.Since(start))
			if errs.Retryable(out.err) {
				o.tracker.RecordFailure(a.Name())
			}
			return nil, false, out.err
		}
		o.metrics.RecordSpawn(a.Name(), "ok", time.Since(start))
		o.tracker.RecordSuccess(a.Name())

		bound, err := o.pool.Bind(l.ID, a.Name(), string(out.handle))
		if err != nil {
			// The terminate gate won while we were provisioning
			go o.destroyOrphan(a, out.handle)
			return nil, false, err
		}
		return bound, false, nil

	case <-time.After(o.budget):
		o.metrics.RecordSpawn(a.Name(), "budget_exceeded", time.Since(start))
		o.tracker.RecordFailure(a.Name())
		go o.adoptLateProvision(a, l.ID, ch)
		return nil, true, errs.New(errs.KindBackendUnavailable,
			"backend %s exceeded provision budget %s", a.Name(), o.budget)
	}
}

// adoptLateProvision resolves a lease whose provision call outlived the
// budget. A late success still registers the VM; the lease then runs
// under normal TTL, idle, and cost governance.
func (o *Orchestrator) adoptLateProvision(a backend.Adapter, leaseID string, ch <-chan provisionOutcome) {
	out := <-ch
	if out.err != nil {
		if _, err := o.pool.Fail(leaseID, types.ReasonBackendLost); err != nil {
			o.logger.Error("failed to mark lease failed",
				zap.String("lease_id", leaseID), zap.Error(err))
		}
		return
	}

	o.tracker.RecordSuccess(a.Name())
	if _, err := o.pool.Bind(leaseID, a.Name(), string(out.handle)); err != nil {
		o.destroyOrphan(a, out.handle)
		return
	}
	o.logger.Info("provision finished past budget, lease registered",
		zap.String("lease_id", leaseID),
		zap.String("backend", a.Name()))
}

// destroyOrphan reaps a VM that was provisioned but could not be bound.
func (o *Orchestrator) destroyOrphan(a backend.Adapter, handle backend.Handle) {
	ctx, cancel := context.WithTimeout(context.Background(), o.requestTimeout)
	defer cancel()
	if err := a.Destroy(ctx, handle); err != nil {
		o.logger.Error("orphan VM destroy failed",
			zap.String("backend", a.Name()),
			zap.String("handle", string(handle)),
			zap.Error(err))
	}
}

// canFailover gates the single silent spawn retry: only from the primary,
// only for retryable faults, and only when the fallback can actually take
// the lease.
func (o *Orchestrator) canFailover(attempted backend.Adapter, req *types.SpawnRequest, err error) bool {
	if !errs.Retryable(err) {
		return false
	}
	primary := o.tracker.Primary()
	fb := o.tracker.Fallback()
	if fb == nil || attempted.Name() != primary.Name() {
		return false
	}
	if o.tracker.StateOf(fb.Name()) == health.StateFailed {
		return false
	}
	if req.GPU && !fb.Capabilities().GPU {
		return false
	}
	return true
}

// recordBackendOutcome feeds the health tracker from a workload call.
// Only transport-level faults count against a backend; request-shaped
// errors say nothing about its health.
func (o *Orchestrator) recordBackendOutcome(name string, err error) {
	if err == nil {
		o.tracker.RecordSuccess(name)
		return
	}
	if errs.Retryable(err) {
		o.tracker.RecordFailure(name)
	}
}
