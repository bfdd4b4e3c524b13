package container

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/jgtolentino/pulser-sandboxd/internal/backend"
	"github.com/jgtolentino/pulser-sandboxd/internal/infrastructure/logging"
	"github.com/jgtolentino/pulser-sandboxd/internal/shared/errs"
	"github.com/jgtolentino/pulser-sandboxd/internal/shared/types"
)

// Config holds container-engine control-plane settings.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// Adapter drives a container-engine control plane. It is the fallback
// path: slower to boot than the primary, no GPU, but takes over spawn
// traffic when the primary is Failed.
type Adapter struct {
	name   string
	cfg    Config
	client *resty.Client
	exec   *resty.Client
	logger *logging.Logger
}

// New creates a container adapter.
func New(name string, cfg Config, logger *logging.Logger) *Adapter {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 2
	retryClient.RetryWaitMin = 200 * time.Millisecond
	retryClient.RetryWaitMax = 3 * time.Second
	retryClient.Logger = nil // Disable logging

	client := resty.New()
	client.
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(2).
		SetRetryWaitTime(200*time.Millisecond).
		SetRetryMaxWaitTime(3*time.Second).
		SetHeader("User-Agent", "sandboxd/1.0")
	client.SetTransport(retryClient.HTTPClient.Transport)
	client.AddRetryCondition(func(r *resty.Response, err error) bool {
		return err != nil || r.StatusCode() >= 500
	})

	// Exec runs at-most-once, so it bypasses the retrying transport.
	execClient := resty.New()
	execClient.
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("User-Agent", "sandboxd/1.0")

	return &Adapter{
		name:   name,
		cfg:    cfg,
		client: client,
		exec:   execClient,
		logger: logger.Named("container"),
	}
}

// Name identifies this backend.
func (a *Adapter) Name() string { return a.name }

// Capabilities reports provisioning capabilities. Container hosts in
// this deployment carry no GPUs.
func (a *Adapter) Capabilities() backend.Capabilities {
	return backend.Capabilities{GPU: false}
}

type createRequest struct {
	Image       string `json:"image"`
	NanoCPUs    int64  `json:"nano_cpus"`
	MemoryMB    int    `json:"memory_mb"`
	DiskMB      int    `json:"disk_mb"`
	ClientToken string `json:"client_token"`
}

type createResponse struct {
	ContainerID string `json:"container_id"`
}

// Provision creates and starts a container.
func (a *Adapter) Provision(ctx context.Context, image string, spec types.ResourceSpec) (backend.Handle, error) {
	if spec.GPU {
		return "", errs.New(errs.KindQuotaExceeded, "%s cannot provision GPU workloads", a.name)
	}

	var out createResponse
	resp, err := a.client.R().
		SetContext(ctx).
		SetBody(createRequest{
			Image:       image,
			NanoCPUs:    int64(spec.VCPU) * 1_000_000_000,
			MemoryMB:    spec.MemoryMB,
			DiskMB:      spec.DiskMB,
			ClientToken: uuid.NewString(),
		}).
		SetResult(&out).
		Post("/v1/containers")
	if err != nil {
		return "", backend.NormalizeTransport(a.name, backend.OpProvision, err)
	}
	if resp.IsError() {
		return "", backend.NormalizeStatus(a.name, backend.OpProvision, resp.StatusCode(), resp.String())
	}
	if out.ContainerID == "" {
		return "", errs.New(errs.KindBackendUnavailable, "%s returned an empty container id", a.name)
	}

	startResp, err := a.client.R().
		SetContext(ctx).
		Post(fmt.Sprintf("/v1/containers/%s/start", out.ContainerID))
	if err != nil {
		return "", backend.NormalizeTransport(a.name, backend.OpProvision, err)
	}
	if startResp.IsError() {
		return "", backend.NormalizeStatus(a.name, backend.OpProvision, startResp.StatusCode(), startResp.String())
	}

	a.logger.Debug("container started",
		zap.String("container_id", out.ContainerID),
		zap.String("image", image),
	)
	return backend.Handle(out.ContainerID), nil
}

type execRequest struct {
	Cmd        []string          `json:"cmd"`
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

// Exec runs one command inside the container.
func (a *Adapter) Exec(ctx context.Context, handle backend.Handle, spec backend.ExecSpec) (*backend.ExecResult, error) {
	var out execResponse

	resp, err := a.exec.R().
		SetContext(ctx).
		SetBody(execRequest{
			Cmd:        spec.Command,
			TimeoutMS:  spec.TimeoutMS,
			WorkingDir: spec.WorkingDir,
			Env:        spec.Env,
			Stdin:      spec.Stdin,
		}).
		SetResult(&out).
		Post(fmt.Sprintf("/v1/containers/%s/exec", handle))
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

// Transfer moves one file across the container boundary. The engine
// speaks raw bytes on its archive endpoint rather than JSON envelopes.
func (a *Adapter) Transfer(ctx context.Context, handle backend.Handle, spec backend.TransferSpec) (*backend.TransferResult, error) {
	switch spec.Direction {
	case types.TransferUpload:
		resp, err := a.client.R().
			SetContext(ctx).
			SetQueryParam("path", spec.Path).
			SetHeader("Content-Type", "application/octet-stream").
			SetBody(spec.Payload).
			Put(fmt.Sprintf("/v1/containers/%s/archive", handle))
		if err != nil {
			return nil, backend.NormalizeTransport(a.name, backend.OpTransfer, err)
		}
		if resp.IsError() {
			return nil, backend.NormalizeStatus(a.name, backend.OpTransfer, resp.StatusCode(), resp.String())
		}
		return &backend.TransferResult{Bytes: int64(len(spec.Payload))}, nil

	case types.TransferDownload:
		resp, err := a.client.R().
			SetContext(ctx).
			SetQueryParam("path", spec.Path).
			Get(fmt.Sprintf("/v1/containers/%s/archive", handle))
		if err != nil {
			return nil, backend.NormalizeTransport(a.name, backend.OpTransfer, err)
		}
		if resp.IsError() {
			return nil, backend.NormalizeStatus(a.name, backend.OpTransfer, resp.StatusCode(), resp.String())
		}
		payload := resp.Body()
		return &backend.TransferResult{Bytes: int64(len(payload)), Payload: payload}, nil

	default:
		return nil, errs.New(errs.KindInvalidArgument, "unknown transfer direction %q", spec.Direction)
	}
}

// Destroy force-removes the container. Already-gone containers count
// as success.
func (a *Adapter) Destroy(ctx context.Context, handle backend.Handle) error {
	resp, err := a.client.R().
		SetContext(ctx).
		SetQueryParam("force", "true").
		Delete(fmt.Sprintf("/v1/containers/%s", handle))
	if err != nil {
		return backend.NormalizeTransport(a.name, backend.OpDestroy, err)
	}
	if resp.StatusCode() == 404 || resp.StatusCode() == 410 {
		a.logger.Debug("destroy of unknown container treated as success",
			zap.String("container_id", string(handle)),
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
	resp, err := a.client.R().
		SetContext(ctx).
		Get("/_ping")
	if err != nil {
		return backend.NormalizeTransport(a.name, backend.OpPing, err)
	}
	if resp.IsError() {
		return backend.NormalizeStatus(a.name, backend.OpPing, resp.StatusCode(), resp.String())
	}
	return nil
}
