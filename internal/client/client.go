package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"

	"github.com/jgtolentino/pulser-sandboxd/internal/shared/types"
)

// DefaultAddr targets a daemon on the local host.
const DefaultAddr = "http://127.0.0.1:8080"

// Client talks to a sandboxd gateway.
type Client struct {
	http *resty.Client
	addr string
}

// New builds a client for the gateway at addr. An empty addr targets
// the local daemon. token is sent as a bearer credential when set.
func New(addr, token string) *Client {
	addr = strings.TrimRight(strings.TrimSpace(addr), "/")
	if addr == "" {
		addr = DefaultAddr
	}

	httpc := resty.New().
		SetBaseURL(addr).
		SetTimeout(60 * time.Second).
		SetHeader("User-Agent", "sboxctl/1.0")
	if token != "" {
		httpc.SetAuthToken(token)
	}

	return &Client{http: httpc, addr: addr}
}

// Error is a failure reported by the gateway.
type Error struct {
	Kind    string `json:"kind"`
	Message string `json:"error"`
	Status  int    `json:"-"`
}

func (e *Error) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return e.Message
}

// do issues one request and decodes either the result or the gateway's
// error envelope.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	apiErr := &Error{}
	req := c.http.R().
		SetContext(ctx).
		SetError(apiErr)
	if body != nil {
		req.SetBody(body)
	}
	if out != nil {
		req.SetResult(out)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("gateway request: %w", err)
	}
	if resp.IsError() {
		apiErr.Status = resp.StatusCode()
		if apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(resp.String())
		}
		if apiErr.Message == "" {
			apiErr.Message = resp.Status()
		}
		return apiErr
	}
	return nil
}

// Spawn creates a lease.
func (c *Client) Spawn(ctx context.Context, req types.SpawnRequest) (*types.SpawnResponse, error) {
	var out types.SpawnResponse
	if err := c.do(ctx, resty.MethodPost, "/v1/leases", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Lease fetches one lease's status.
func (c *Client) Lease(ctx context.Context, id string) (*types.LeaseStatus, error) {
	var out types.LeaseStatus
	if err := c.do(ctx, resty.MethodGet, "/v1/leases/"+id, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// List returns every tracked lease alongside pool counters.
func (c *Client) List(ctx context.Context) ([]types.LeaseStatus, *types.PoolStats, error) {
	var out struct {
		Leases []types.LeaseStatus `json:"leases"`
		Stats  types.PoolStats     `json:"stats"`
	}
	if err := c.do(ctx, resty.MethodGet, "/v1/leases", nil, &out); err != nil {
		return nil, nil, err
	}
	return out.Leases, &out.Stats, nil
}

// Exec runs one command inside the lease's VM.
func (c *Client) Exec(ctx context.Context, id string, req types.ExecRequest) (*types.ExecResponse, error) {
	var out types.ExecResponse
	if err := c.do(ctx, resty.MethodPost, "/v1/leases/"+id+"/exec", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Transfer moves one file across the VM boundary. Content is base64 in
// both directions.
func (c *Client) Transfer(ctx context.Context, id string, req types.TransferRequest) (*types.TransferResponse, error) {
	var out types.TransferResponse
	if err := c.do(ctx, resty.MethodPost, "/v1/leases/"+id+"/transfer", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Terminate tears a lease down. Safe to repeat.
func (c *Client) Terminate(ctx context.Context, id string) (*types.LeaseStatus, error) {
	var out types.LeaseStatus
	if err := c.do(ctx, resty.MethodDelete, "/v1/leases/"+id, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ReportEgress requests an egress verdict on behalf of a lease. A
// denied verdict is a result, not an error; the gateway terminates the
// lease asynchronously on deny.
func (c *Client) ReportEgress(ctx context.Context, id, target string) (bool, error) {
	err := c.do(ctx, resty.MethodPost, "/v1/leases/"+id+"/egress", map[string]string{"target": target}, nil)
	if err == nil {
		return true, nil
	}
	var apiErr *Error
	if errors.As(err, &apiErr) && apiErr.Kind == "policy_violation" {
		return false, nil
	}
	return false, err
}

// Backends lists both backends' health.
func (c *Client) Backends(ctx context.Context) ([]types.BackendStatus, error) {
	var out struct {
		Backends []types.BackendStatus `json:"backends"`
	}
	if err := c.do(ctx, resty.MethodGet, "/v1/backends", nil, &out); err != nil {
		return nil, err
	}
	return out.Backends, nil
}

// ResetBackend readmits a failed backend to selection.
func (c *Client) ResetBackend(ctx context.Context, name string) error {
	return c.do(ctx, resty.MethodPost, "/v1/backends/"+name+"/reset", nil, nil)
}

// Health fetches the daemon health document.
func (c *Client) Health(ctx context.Context) (map[string]interface{}, error) {
	var out map[string]interface{}
	if err := c.do(ctx, resty.MethodGet, "/health", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Watch subscribes to the lifecycle stream and invokes fn for each
// lease event until ctx ends or the stream closes. System frames
// (welcome, pong) are filtered out.
func (c *Client) Watch(ctx context.Context, fn func(types.LeaseEvent)) error {
	streamURL := strings.Replace(c.addr, "http", "ws", 1) + "/stream"

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, streamURL, nil)
	if err != nil {
		return fmt.Errorf("dial stream: %w", err)
	}
	defer conn.Close()

	// Unblock ReadMessage when the caller gives up.
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read stream: %w", err)
		}

		var ev types.LeaseEvent
		if err := sonic.Unmarshal(data, &ev); err != nil || ev.LeaseID == "" {
			continue
		}
		fn(ev)
	}
}
