package orchestrator

import (
	"context"
	"encoding/base64"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/jgtolentino/pulser-sandboxd/internal/backend"
	"github.com/jgtolentino/pulser-sandboxd/internal/shared/errs"
	"github.com/jgtolentino/pulser-sandboxd/internal/shared/id"
	"github.com/jgtolentino/pulser-sandboxd/internal/shared/types"
	"go.uber.org/zap"
)

// Exec runs one command inside a lease's VM. The caller is released when
// the timeout elapses; the backend call keeps the per-lease operation lock
// until it returns and its late result is discarded. Only a successful
// exec bumps the idle clock.
func (o *Orchestrator) Exec(ctx context.Context, leaseID string, req *types.ExecRequest) (*types.ExecResponse, error) {
	if len(req.Command) == 0 {
		return nil, errs.New(errs.KindInvalidArgument, "command must not be empty")
	}
	if req.TimeoutMS < 0 {
		return nil, errs.New(errs.KindInvalidArgument, "timeout_ms must not be negative")
	}

	l, err := o.runningLease(leaseID)
	if err != nil {
		return nil, err
	}
	adapter, err := o.tracker.Adapter(l.Backend)
	if err != nil {
		return nil, err
	}

	timeout := o.leaseCfg.DefaultExecTimeout
	if req.TimeoutMS > 0 {
		timeout = time.Duration(req.TimeoutMS) * time.Millisecond
	}
	if timeout > o.requestTimeout {
		timeout = o.requestTimeout
	}

	op := o.pool.Op(leaseID)
	op.Lock()
	cur, err := o.runningLease(leaseID)
	if err != nil {
		op.Unlock()
		return nil, err
	}

	spec := backend.ExecSpec{
		Command:    req.Command,
		TimeoutMS:  timeout.Milliseconds(),
		WorkingDir: req.WorkingDir,
		Env:        req.Env,
		Stdin:      req.Stdin,
	}

	type execOutcome struct {
		res *backend.ExecResult
		err error
	}
	ch := make(chan execOutcome, 1)
	start := time.Now()
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.requestTimeout)
	go func() {
		defer op.Unlock()
		res, err := adapter.Exec(callCtx, backend.Handle(cur.Handle), spec)
		cancel()
		ch <- execOutcome{res: res, err: err}
	}()

	select {
	case out := <-ch:
		if out.err != nil {
			o.recordBackendOutcome(adapter.Name(), out.err)
			o.metrics.RecordExec(adapter.Name(), "error")
			return nil, out.err
		}
		o.recordBackendOutcome(adapter.Name(), nil)
		o.metrics.RecordExec(adapter.Name(), "ok")
		if err := o.pool.MarkActive(leaseID); err != nil {
			o.logger.Debug("activity bump skipped",
				zap.String("lease_id", leaseID), zap.Error(err))
		}

		resp := &types.ExecResponse{
			ExitCode:   out.res.ExitCode,
			DurationMS: time.Since(start).Milliseconds(),
		}
		resp.Stdout, resp.Truncated = truncate(out.res.Stdout, o.leaseCfg.ExecOutputCap)
		var clipped bool
		resp.Stderr, clipped = truncate(out.res.Stderr, o.leaseCfg.ExecOutputCap)
		resp.Truncated = resp.Truncated || clipped
		return resp, nil

	case <-time.After(timeout):
		o.metrics.RecordExec(adapter.Name(), "timeout")
		o.logger.Warn("exec timed out, caller released",
			zap.String("lease_id", leaseID),
			zap.String("backend", adapter.Name()),
			zap.Duration("timeout", timeout))
		return nil, errs.New(errs.KindTimeout, "exec exceeded %s", timeout)
	}
}

// Transfer moves one file across the VM boundary. Uploads pass the size
// cap, the path policy, and the scanner before any backend call; rejected
// payloads never reach the sandbox. Downloads are size-capped but not
// scanned. A successful transfer bumps the idle clock.
func (o *Orchestrator) Transfer(ctx context.Context, leaseID string, req *types.TransferRequest) (*types.TransferResponse, error) {
	if req.Direction != types.TransferUpload && req.Direction != types.TransferDownload {
		return nil, errs.New(errs.KindInvalidArgument, "direction must be upload or download")
	}
	if req.Path == "" {
		return nil, errs.New(errs.KindInvalidArgument, "path must not be empty")
	}

	l, err := o.runningLease(leaseID)
	if err != nil {
		return nil, err
	}
	adapter, err := o.tracker.Adapter(l.Backend)
	if err != nil {
		return nil, err
	}

	var payload []byte
	if req.Direction == types.TransferUpload {
		if req.Content == "" {
			return nil, errs.New(errs.KindInvalidArgument, "upload requires content")
		}
		payload, err = base64.StdEncoding.DecodeString(req.Content)
		if err != nil {
			return nil, errs.New(errs.KindInvalidArgument, "content is not valid base64")
		}
		if int64(len(payload)) > o.policy.MaxTransferBytes() {
			return nil, errs.New(errs.KindTooLarge,
				"payload %d bytes exceeds limit %d", len(payload), o.policy.MaxTransferBytes())
		}
	}

	if err := o.policy.CheckPath(req.Path); err != nil {
		o.metrics.RecordPolicyViolation()
		return nil, err
	}
	if req.Direction == types.TransferUpload {
		if err := o.policy.ScanUpload(req.Path, payload); err != nil {
			if errs.KindOf(err) == errs.KindScanRejected {
				o.metrics.RecordScanRejection()
			}
			return nil, err
		}
	}

	op := o.pool.Op(leaseID)
	op.Lock()
	defer op.Unlock()
	cur, err := o.runningLease(leaseID)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.requestTimeout)
	defer cancel()
	res, err := adapter.Transfer(callCtx, backend.Handle(cur.Handle), backend.TransferSpec{
		Direction: req.Direction,
		Path:      req.Path,
		Payload:   payload,
	})
	if err != nil {
		o.recordBackendOutcome(adapter.Name(), err)
		return nil, err
	}
	o.recordBackendOutcome(adapter.Name(), nil)

	resp := &types.TransferResponse{
		TransferID: id.NewTransferID().String(),
		Direction:  req.Direction,
		Path:       req.Path,
		Bytes:      int64(len(payload)),
	}
	if req.Direction == types.TransferDownload {
		if int64(len(res.Payload)) > o.policy.MaxTransferBytes() {
			return nil, errs.New(errs.KindTooLarge,
				"file %d bytes exceeds limit %d", len(res.Payload), o.policy.MaxTransferBytes())
		}
		resp.Bytes = int64(len(res.Payload))
		resp.MediaType = mimetype.Detect(res.Payload).String()
		resp.Content = base64.StdEncoding.EncodeToString(res.Payload)
	}

	if err := o.pool.MarkActive(leaseID); err != nil {
		o.logger.Debug("activity bump skipped",
			zap.String("lease_id", leaseID), zap.Error(err))
	}
	o.metrics.RecordTransfer(string(req.Direction), resp.Bytes)
	return resp, nil
}

// Status returns the external view of one lease. Reads never bump the
// idle clock.
func (o *Orchestrator) Status(leaseID string) (types.LeaseStatus, error) {
	l, err := o.pool.Get(leaseID)
	if err != nil {
		return types.LeaseStatus{}, err
	}
	return types.StatusOf(l), nil
}

// List returns the external view of every tracked lease, oldest first.
func (o *Orchestrator) List() []types.LeaseStatus {
	leases := o.pool.List()
	out := make([]types.LeaseStatus, 0, len(leases))
	for _, l := range leases {
		out = append(out, types.StatusOf(l))
	}
	return out
}

// Backends returns health and counters for every backend.
func (o *Orchestrator) Backends() []types.BackendStatus {
	return o.tracker.Status()
}

// ResetBackend manually returns a failed backend to healthy.
func (o *Orchestrator) ResetBackend(name string) error {
	return o.tracker.Reset(name)
}

// Stats returns pool statistics.
func (o *Orchestrator) Stats() types.PoolStats {
	return o.pool.Stats()
}

// ReportEgress delivers the allow/deny verdict for one outbound
// connection attempt from a lease's sandbox. A denial terminates the
// lease immediately with reason policy_violation, bypassing TTL and
// idle; the teardown runs in the background so the dataplane gets its
// verdict without waiting on the destroy.
func (o *Orchestrator) ReportEgress(ctx context.Context, leaseID, target string) error {
	l, err := o.pool.Get(leaseID)
	if err != nil {
		return err
	}
	if l.State != types.StateRunning {
		return errs.New(errs.KindLeaseNotRunning, "lease %s is %s", leaseID, l.State)
	}

	err = o.policy.CheckEgress(target)
	if err == nil {
		return nil
	}
	if errs.KindOf(err) != errs.KindPolicyViolation {
		return err
	}

	o.metrics.RecordPolicyViolation()
	o.logger.Warn("egress violation, terminating lease",
		zap.String("lease_id", leaseID),
		zap.String("target", target))
	go func() {
		tctx, cancel := context.WithTimeout(context.Background(), o.requestTimeout)
		defer cancel()
		terr := o.Terminate(tctx, leaseID, types.ReasonPolicyViolation)
		if terr != nil && errs.KindOf(terr) != errs.KindAlreadyTerminating {
			o.logger.Error("policy termination failed",
				zap.String("lease_id", leaseID), zap.Error(terr))
		}
	}()
	return err
}

// runningLease fetches a lease and requires it to be running.
func (o *Orchestrator) runningLease(leaseID string) (*types.VMLease, error) {
	l, err := o.pool.Get(leaseID)
	if err != nil {
		return nil, err
	}
	if l.State != types.StateRunning {
		return nil, errs.New(errs.KindLeaseNotRunning, "lease %s is %s", leaseID, l.State)
	}
	return l, nil
}

// truncate clips s to cap bytes. Zero or negative caps disable clipping.
func truncate(s string, byteCap int) (string, bool) {
	if byteCap <= 0 || len(s) <= byteCap {
		return s, false
	}
	return s[:byteCap], true
}
