// Package scheduler enforces lease lifetimes.
//
// A single sweep loop walks the registry on a fixed tick, advances cost
// accrual, and reaps leases in strict precedence: TTL expiry, then idle
// timeout, then the cost ceiling. Teardowns are fired asynchronously; the
// pool's terminate gate makes duplicate picks across ticks harmless.
package scheduler

import (
	"context"
	"time"

	"github.com/jgtolentino/pulser-sandboxd/internal/domain/cost"
	"github.com/jgtolentino/pulser-sandboxd/internal/domain/lease"
	"github.com/jgtolentino/pulser-sandboxd/internal/infrastructure/logging"
	"github.com/jgtolentino/pulser-sandboxd/internal/shared/errs"
	"github.com/jgtolentino/pulser-sandboxd/internal/shared/types"
	"go.uber.org/zap"
)

// Terminator drives full lease teardown including the backend destroy.
type Terminator interface {
	Terminate(ctx context.Context, id string, reason types.TerminateReason) error
}

// Sweeper is the lifecycle enforcement loop
type Sweeper struct {
	pool     *lease.Pool
	ledger   *cost.Ledger
	term     Terminator
	interval time.Duration
	logger   *logging.Logger
}

// NewSweeper creates a sweeper. The interval should come from
// Config.EffectiveSweepInterval so TTL and idle enforcement keep
// bounded slack.
func NewSweeper(pool *lease.Pool, ledger *cost.Ledger, term Terminator, interval time.Duration, logger *logging.Logger) *Sweeper {
	return &Sweeper{
		pool:     pool,
		ledger:   ledger,
		term:     term,
		interval: interval,
		logger:   logger.Named("sweeper"),
	}
}

// Run sweeps immediately, then on every tick until the context ends. The
// immediate pass re-evaluates leases restored from a snapshot so expired
// ones die at boot rather than a tick later.
func (s *Sweeper) Run(ctx context.Context) {
	s.logger.Info("sweep loop started", zap.Duration("interval", s.interval))

	s.Sweep(ctx, time.Now())

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweep loop stopped")
			return
		case now := <-ticker.C:
			s.Sweep(ctx, now)
		}
	}
}

// Sweep runs one enforcement pass: accrue cost for every live lease,
// reconcile the ledger, pick reap candidates, fire teardowns, and prune
// terminal leases past retention.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) {
	leases := s.pool.List()

	for _, l := range leases {
		if l.State.Terminal() {
			continue
		}
		total := cost.Accrued(l.HourlyRate, l.Runtime(now))
		delta, err := s.pool.SetAccrued(l.ID, total)
		if err != nil {
			continue
		}
		if delta > 0 {
			s.ledger.Add(delta)
		}
	}

	ceilingBreached := s.ledger.CeilingBreached()

	for _, l := range leases {
		reason, ok := s.pick(l, now, ceilingBreached)
		if !ok {
			continue
		}
		go s.reap(ctx, l.ID, reason)
	}

	s.pool.Prune(now)
}

// pick applies the reap policy to one lease. Precedence is fixed: TTL,
// then idle, then cost.
func (s *Sweeper) pick(l *types.VMLease, now time.Time, ceilingBreached bool) (types.TerminateReason, bool) {
	switch l.State {
	case types.StateProvisioning:
		// A lease never outlives its TTL, even stuck in provisioning
		if now.After(l.TTLDeadline()) {
			return types.ReasonTTLExpired, true
		}
	case types.StateRunning:
		if now.After(l.TTLDeadline()) {
			return types.ReasonTTLExpired, true
		}
		if now.After(l.IdleDeadline()) {
			return types.ReasonIdleTimeout, true
		}
		if ceilingBreached {
			return types.ReasonCostCap, true
		}
	}
	return "", false
}

func (s *Sweeper) reap(ctx context.Context, id string, reason types.TerminateReason) {
	err := s.term.Terminate(ctx, id, reason)
	if err == nil {
		return
	}
	switch errs.KindOf(err) {
	case errs.KindAlreadyTerminating, errs.KindLeaseNotFound:
		// Picked again before the first teardown finished, or pruned
		s.logger.Debug("reap skipped",
			zap.String("lease_id", id),
			zap.String("reason", string(reason)),
			zap.Error(err))
	default:
		s.logger.Warn("reap failed",
			zap.String("lease_id", id),
			zap.String("reason", string(reason)),
			zap.Error(err))
	}
}
