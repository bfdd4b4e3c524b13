package health

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/jgtolentino/pulser-sandboxd/internal/backend"
)

const probeTimeout = 5 * time.Second

// RunProbes pings every backend on the configured interval until ctx
// is canceled. Probe results feed the same state machine as regular
// traffic, with one distinction: a probe success recovers a Failed
// backend, while regular traffic cannot.
func (t *Tracker) RunProbes(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	t.logger.Info("health probes started",
		zap.Duration("interval", t.interval),
		zap.Int("failover_threshold", t.threshold),
	)

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("health probes stopped")
			return
		case <-ticker.C:
			t.probeAll(ctx)
		}
	}
}

func (t *Tracker) probeAll(ctx context.Context) {
	t.mu.Lock()
	adapters := make([]backend.Adapter, 0, len(t.order))
	for _, name := range t.order {
		adapters = append(adapters, t.entries[name].adapter)
	}
	t.mu.Unlock()

	for _, a := range adapters {
		t.probe(ctx, a)
	}
}

func (t *Tracker) probe(ctx context.Context, a backend.Adapter) {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	if err := a.Ping(probeCtx); err != nil {
		t.logger.Debug("health probe failed",
			zap.String("backend", a.Name()),
			zap.Error(err),
		)
		t.RecordFailure(a.Name())
		return
	}
	t.recordProbeSuccess(a.Name())
}
