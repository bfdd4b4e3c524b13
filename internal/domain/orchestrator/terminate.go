package orchestrator

import (
	"context"
	"time"

	"github.com/jgtolentino/pulser-sandboxd/internal/backend"
	"github.com/jgtolentino/pulser-sandboxd/internal/domain/cost"
	"github.com/jgtolentino/pulser-sandboxd/internal/shared/types"
	"go.uber.org/zap"
)

// Terminate tears a lease down. The pool gate guarantees exactly one
// caller reaches the backend destroy; concurrent callers observe
// already_terminating and callers on a terminal lease get an idempotent
// ack. A failed destroy marks the lease failed but still acks: the lease
// is dead from the caller's view and the leak is logged for operators.
func (o *Orchestrator) Terminate(ctx context.Context, leaseID string, reason types.TerminateReason) error {
	l, won, err := o.pool.RequestTerminate(leaseID, reason)
	if err != nil {
		return err
	}
	if !won {
		return nil
	}
	return o.teardown(ctx, l)
}

// teardown drives the terminating half of the state machine: final cost
// reconcile, backend destroy under the per-lease lock, then the terminal
// transition.
func (o *Orchestrator) teardown(ctx context.Context, l *types.VMLease) error {
	op := o.pool.Op(l.ID)
	op.Lock()
	defer op.Unlock()

	o.reconcile(l)

	if l.Handle != "" {
		adapter, err := o.tracker.Adapter(l.Backend)
		if err == nil {
			callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.requestTimeout)
			err = adapter.Destroy(callCtx, backend.Handle(l.Handle))
			cancel()
		}
		if err != nil {
			o.recordBackendOutcome(l.Backend, err)
			o.metrics.RecordBackendFailure(l.Backend)
			o.logger.Error("backend destroy failed, VM may leak",
				zap.String("lease_id", l.ID),
				zap.String("backend", l.Backend),
				zap.String("handle", l.Handle),
				zap.Error(err))
			if _, ferr := o.pool.Fail(l.ID, types.ReasonBackendLost); ferr != nil {
				o.logger.Error("failed to mark lease failed",
					zap.String("lease_id", l.ID), zap.Error(ferr))
			}
			return nil
		}
		o.recordBackendOutcome(l.Backend, nil)
	}

	_, err := o.pool.Complete(l.ID)
	return err
}

// reconcile settles the lease's final accrual into the ledger before the
// terminal transition records it.
func (o *Orchestrator) reconcile(l *types.VMLease) {
	total := cost.Accrued(l.HourlyRate, l.Runtime(time.Now()))
	delta, err := o.pool.SetAccrued(l.ID, total)
	if err != nil {
		return
	}
	if delta > 0 {
		o.ledger.Add(delta)
	}
}

// ResumeTerminations finishes teardowns interrupted by a restart. Leases
// restored in the terminating state already won the gate in the previous
// process, so they re-enter teardown directly. Returns how many were
// resumed.
func (o *Orchestrator) ResumeTerminations(ctx context.Context) int {
	resumed := 0
	for _, l := range o.pool.List() {
		if l.State != types.StateTerminating {
			continue
		}
		resumed++
		o.logger.Info("resuming interrupted teardown",
			zap.String("lease_id", l.ID),
			zap.String("backend", l.Backend))
		go func(l *types.VMLease) {
			if err := o.teardown(ctx, l); err != nil {
				o.logger.Error("resumed teardown failed",
					zap.String("lease_id", l.ID), zap.Error(err))
			}
		}(l)
	}
	return resumed
}
