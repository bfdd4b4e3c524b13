package microvm

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jgtolentino/pulser-sandboxd/internal/backend"
	"github.com/jgtolentino/pulser-sandboxd/internal/infrastructure/logging"
	"github.com/jgtolentino/pulser-sandboxd/internal/shared/errs"
	"github.com/jgtolentino/pulser-sandboxd/internal/shared/types"
)

// Adapter drives the microVM control plane. It is the primary fast
// path: boot times are expected inside the provision latency budget.
type Adapter struct {
	name   string
	cfg    Config
	idem   *resty.Client
	once   *resty.Client
	logger *logging.Logger
}

// New creates a microvm adapter.
func New(name string, cfg Config, logger *logging.Logger) *Adapter {
	return &Adapter{
		name:   name,
		cfg:    cfg,
		idem:   newIdempotentClient(cfg),
		once:   newExecClient(cfg),
		logger: logger.Named("microvm"),
	}
}

// Name identifies this backend.
func (a *Adapter) Name() string { return a.name }

// Capabilities reports provisioning capabilities.
func (a *Adapter) Capabilities() backend.Capabilities {
	return backend.Capabilities{GPU: a.cfg.GPU}
}

type provisionRequest struct {
	Image    string `json:"image"`
	VCPU     int    `json:"vcpu"`
	MemoryMB int    `json:"memory_mb"`
	DiskMB   int    `json:"disk_mb"`
	GPU      bool   `json:"gpu"`
}

type provisionResponse struct {
	MachineID string `json:"machine_id"`
}

// Provision boots a machine. The request carries an idempotency key so
// transport retries cannot double-provision.
func (a *Adapter) Provision(ctx context.Context, image string, spec types.ResourceSpec) (backend.Handle, error) {
	var out provisionResponse

	resp, err := a.idem.R().
		SetContext(ctx).
		SetHeader("Idempotency-Key", uuid.NewString()).
		SetBody(provisionRequest{
			Image:    image,
			VCPU:     spec.VCPU,
			MemoryMB: spec.MemoryMB,
			DiskMB:   spec.DiskMB,
			GPU:      spec.GPU,
		}).
		SetResult(&out).
		Post("/v1/machines")
	if err != nil {
		return "", backend.NormalizeTransport(a.name, backend.OpProvision, err)
	}
	if resp.IsError() {
		return "", backend.NormalizeStatus(a.name, backend.OpProvision, resp.StatusCode(), resp.String())
	}
	if out.MachineID == "" {
		return "", errs.New(errs.KindBackendUnavailable, "%s returned an empty machine id", a.name)
	}

	a.logger.Debug("machine provisioned",
		zap.String("machine_id", out.MachineID),
		zap.String("image", image),
	)
	return backend.Handle(out.MachineID), nil
}

type execRequest struct {
	Command    []string          `json:"command"`
	TimeoutMS  int64             `json:"timeout_ms,omitempty"`
	WorkingDir string            `json:"working_dir,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	Stdin      string            `json:"stdin,omitempty"`
}

type execResponse struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// Exec runs one command inside the machine. Never retried: a lost
// response must not re-run the command.
func (a *Adapter) Exec(ctx context.Context, handle backend.Handle, spec backend.ExecSpec) (*backend.ExecResult, error) {
	var out execResponse

	resp, err := a.once.R().
		SetContext(ctx).
		SetBody(execRequest{
			Command:    spec.Command,
			TimeoutMS:  spec.TimeoutMS,
			WorkingDir: spec.WorkingDir,
			Env:        spec.Env,
			Stdin:      spec.Stdin,
		}).
		SetResult(&out).
		Post(fmt.Sprintf("/v1/machines/%s/exec", handle))
	if err != nil {
		return nil, backend.NormalizeTransport(a.name, backend.OpExec, err)
	}
	if resp.IsError() {
		return nil, backend.NormalizeStatus(a.name, backend.OpExec, resp.StatusCode(), resp.String())
	}

	return &backend.ExecResult{
		ExitCode: out.ExitCode,
		Stdout:   out.Stdout,
		Stderr:   out.Stderr,
	}, nil
}

type uploadRequest struct {
	Path    string `json:"path"`
	Content string `json:"content_b64"`
}

type downloadResponse struct {
	Content string `json:"content_b64"`
}

// Transfer moves one file across the machine boundary.
func (a *Adapter) Transfer(ctx context.Context, handle backend.Handle, spec backend.TransferSpec) (*backend.TransferResult, error) {
	switch spec.Direction {
	case types.TransferUpload:
		resp, err := a.idem.R().
			SetContext(ctx).
			SetBody(uploadRequest{
				Path:    spec.Path,
				Content: base64.StdEncoding.EncodeToString(spec.Payload),
			}).
			Put(fmt.Sprintf("/v1/machines/%s/files", handle))
		if err != nil {
			return nil, backend.NormalizeTransport(a.name, backend.OpTransfer, err)
		}
		if resp.IsError() {
			return nil, backend.NormalizeStatus(a.name, backend.OpTransfer, resp.StatusCode(), resp.String())
		}
		return &backend.TransferResult{Bytes: int64(len(spec.Payload))}, nil

	case types.TransferDownload:
		var out downloadResponse
		resp, err := a.idem.R().
			SetContext(ctx).
			SetQueryParam("path", spec.Path).
			SetResult(&out).
			Get(fmt.Sprintf("/v1/machines/%s/files", handle))
		if err != nil {
			return nil, backend.NormalizeTransport(a.name, backend.OpTransfer, err)
		}
		if resp.IsError() {
			return nil, backend.NormalizeStatus(a.name, backend.OpTransfer, resp.StatusCode(), resp.String())
		}
		payload, err := base64.StdEncoding.DecodeString(out.Content)
		if err != nil {
			return nil, errs.Wrap(err, errs.KindBackendUnavailable, "%s returned undecodable file content", a.name)
		}
		return &backend.TransferResult{Bytes: int64(len(payload)), Payload: payload}, nil

	default:
		return nil, errs.New(errs.KindInvalidArgument, "unknown transfer direction %q", spec.Direction)
	}
}

// Destroy tears the machine down. A machine the control plane has
// already forgotten counts as success.
func (a *Adapter) Destroy(ctx context.Context, handle backend.Handle) error {
	resp, err := a.idem.R().
		SetContext(ctx).
		Delete(fmt.Sprintf("/v1/machines/%s", handle))
	if err != nil {
		return backend.NormalizeTransport(a.name, backend.OpDestroy, err)
	}
	if resp.StatusCode() == 404 || resp.StatusCode() == 410 {
		a.logger.Debug("destroy of unknown machine treated as success",
			zap.String("machine_id", string(handle)),
		)
		return nil
	}
	if resp.IsError() {
		return backend.NormalizeStatus(a.name, backend.OpDestroy, resp.StatusCode(), resp.String())
	}
	return nil
}

// Ping is the synthetic health probe.
func (a *Adapter) Ping(ctx context.Context) error {
	resp, err := a.idem.R().
		SetContext(ctx).
		Get("/v1/health")
	if err != nil {
		return backend.NormalizeTransport(a.name, backend.OpPing, err)
	}
	if resp.IsError() {
		return backend.NormalizeStatus(a.name, backend.OpPing, resp.StatusCode(), resp.String())
	}
	return nil
}
