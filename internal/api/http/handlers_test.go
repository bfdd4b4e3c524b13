package http

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jgtolentino/pulser-sandboxd/internal/backend/backendtest"
	"github.com/jgtolentino/pulser-sandboxd/internal/catalog"
	"github.com/jgtolentino/pulser-sandboxd/internal/domain/cost"
	"github.com/jgtolentino/pulser-sandboxd/internal/domain/health"
	"github.com/jgtolentino/pulser-sandboxd/internal/domain/lease"
	"github.com/jgtolentino/pulser-sandboxd/internal/domain/orchestrator"
	"github.com/jgtolentino/pulser-sandboxd/internal/domain/policy"
	"github.com/jgtolentino/pulser-sandboxd/internal/infrastructure/alerting"
	"github.com/jgtolentino/pulser-sandboxd/internal/infrastructure/config"
	"github.com/jgtolentino/pulser-sandboxd/internal/infrastructure/logging"
	"github.com/jgtolentino/pulser-sandboxd/internal/infrastructure/monitoring"
	"github.com/jgtolentino/pulser-sandboxd/internal/shared/types"
)

var testMetrics = monitoring.NewMetrics()

const eicar = `X5O!P%@AP[4\PZX54(P^)7CC)7}$EICAR-STANDARD-ANTIVIRUS-TEST-FILE!$H+H*`

type gatewayFixture struct {
	router   *gin.Engine
	primary  *backendtest.Fake
	fallback *backendtest.Fake
}

func newGateway(t *testing.T) *gatewayFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := logging.NewNop()

	cat, err := catalog.New(catalog.Image{
		Name:       "general-purpose",
		HourlyRate: 0.12,
		Resources:  types.ResourceSpec{VCPU: 2, MemoryMB: 2048, DiskMB: 10240},
	})
	require.NoError(t, err)

	scanner := policy.NewScanner(policy.DefaultScanPolicy(), logger)
	enforcer, err := policy.New(
		config.PolicyConfig{
			NetworkIsolation: true,
			BlockMetadata:    true,
			UploadScan:       true,
			EgressAllow:      []string{"api.github.com"},
		},
		config.TransferConfig{
			MaxBytes:   1 << 20,
			AllowGlobs: []string{"/workspace/**", "/tmp/**"},
			DenyGlobs:  []string{"/etc/**", "/proc/**", "/sys/**"},
		},
		policy.Limits{MaxTTL: 24 * time.Hour},
		cat, scanner, logger)
	require.NoError(t, err)

	primary := backendtest.New("microvm")
	fallback := backendtest.New("container")

	alerts := alerting.NewDispatcher(config.AlertConfig{Timeout: time.Second}, logger, testMetrics)
	tracker := health.NewTracker(primary, fallback, health.Settings{FailoverThreshold: 3}, logger, testMetrics, alerts)

	tuner := alerting.NewRateTuner(5, 2.0, 12)
	ledger := cost.NewLedger(config.CostConfig{
		WarnThresholdUSD: 5,
		HardCeilingUSD:   10,
		BillingWindow:    time.Hour,
	}, tuner, logger, testMetrics, alerts)

	leaseCfg := config.LeaseConfig{
		DefaultImage:       "general-purpose",
		DefaultTTL:         4 * time.Hour,
		MaxTTL:             24 * time.Hour,
		IdleTimeout:        30 * time.Minute,
		MaxActive:          8,
		Retention:          time.Hour,
		DefaultExecTimeout: 2 * time.Second,
		ExecOutputCap:      1 << 20,
	}
	pool := lease.NewPool(leaseCfg, logger, testMetrics)

	orch := orchestrator.New(pool, tracker, enforcer, ledger, config.BackendsConfig{
		PrimaryName:       "microvm",
		FallbackName:      "container",
		FailoverThreshold: 3,
		ProvisionBudget:   time.Second,
		RequestTimeout:    5 * time.Second,
	}, leaseCfg, logger, testMetrics)

	handlers := NewHandlers(orch, ledger, testMetrics, logger)
	router := gin.New()
	router.GET("/", handlers.Root)
	router.GET("/health", handlers.Health)
	handlers.Register(router.Group("/v1"))

	return &gatewayFixture{router: router, primary: primary, fallback: fallback}
}

func (f *gatewayFixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v))
}

type errorEnvelope struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func (f *gatewayFixture) spawn(t *testing.T) types.SpawnResponse {
	t.Helper()
	w := f.do(t, "POST", "/v1/leases", types.SpawnRequest{Image: "general-purpose", Requester: "ci"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var resp types.SpawnResponse
	decodeBody(t, w, &resp)
	return resp
}

func TestSpawnEndpoint(t *testing.T) {
	t.Run("created", func(t *testing.T) {
		f := newGateway(t)
		resp := f.spawn(t)
		assert.Contains(t, resp.LeaseID, "lease_")
		assert.Equal(t, "microvm", resp.Backend)
		assert.Equal(t, types.StateRunning, resp.State)
		assert.Equal(t, 4*time.Hour, resp.TTLDeadline.Sub(resp.CreatedAt))
	})

	t.Run("empty body uses default image", func(t *testing.T) {
		f := newGateway(t)
		w := f.do(t, "POST", "/v1/leases", map[string]interface{}{})
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
		var resp types.SpawnResponse
		decodeBody(t, w, &resp)
		assert.Equal(t, "general-purpose", resp.Image)
	})

	t.Run("unknown image", func(t *testing.T) {
		f := newGateway(t)
		w := f.do(t, "POST", "/v1/leases", types.SpawnRequest{Image: "windows-xp"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
		var env errorEnvelope
		decodeBody(t, w, &env)
		assert.Equal(t, "invalid_image", env.Kind)
		assert.Zero(t, f.primary.Provisions())
	})

	t.Run("malformed body", func(t *testing.T) {
		f := newGateway(t)
		w := f.do(t, "POST", "/v1/leases", "{not json")
		assert.Equal(t, http.StatusBadRequest, w.Code)
		var env errorEnvelope
		decodeBody(t, w, &env)
		assert.Equal(t, "invalid_argument", env.Kind)
	})
}

func TestLeaseEndpoints(t *testing.T) {
	t.Run("get and list", func(t *testing.T) {
		f := newGateway(t)
		spawned := f.spawn(t)

		w := f.do(t, "GET", "/v1/leases/"+spawned.LeaseID, nil)
		require.Equal(t, http.StatusOK, w.Code)
		var status types.LeaseStatus
		decodeBody(t, w, &status)
		assert.Equal(t, spawned.LeaseID, status.LeaseID)
		assert.Equal(t, types.StateRunning, status.State)

		w = f.do(t, "GET", "/v1/leases", nil)
		require.Equal(t, http.StatusOK, w.Code)
		var listing struct {
			Leases []types.LeaseStatus `json:"leases"`
		}
		decodeBody(t, w, &listing)
		assert.Len(t, listing.Leases, 1)
	})

	t.Run("unknown lease", func(t *testing.T) {
		f := newGateway(t)
		w := f.do(t, "GET", "/v1/leases/lease_missing", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
		var env errorEnvelope
		decodeBody(t, w, &env)
		assert.Equal(t, "lease_not_found", env.Kind)
		assert.NotEmpty(t, env.Error)
	})

	t.Run("terminate is idempotent", func(t *testing.T) {
		f := newGateway(t)
		spawned := f.spawn(t)

		w := f.do(t, "DELETE", "/v1/leases/"+spawned.LeaseID, nil)
		require.Equal(t, http.StatusOK, w.Code)
		var status types.LeaseStatus
		decodeBody(t, w, &status)
		assert.Equal(t, types.StateTerminated, status.State)
		require.NotNil(t, status.Reason)
		assert.Equal(t, types.ReasonExplicit, *status.Reason)

		w = f.do(t, "DELETE", "/v1/leases/"+spawned.LeaseID, nil)
		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestExecEndpoint(t *testing.T) {
	t.Run("runs a command", func(t *testing.T) {
		f := newGateway(t)
		spawned := f.spawn(t)

		w := f.do(t, "POST", "/v1/leases/"+spawned.LeaseID+"/exec",
			types.ExecRequest{Command: []string{"echo", "hi"}})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		var resp types.ExecResponse
		decodeBody(t, w, &resp)
		assert.Zero(t, resp.ExitCode)
		assert.Equal(t, "ok\n", resp.Stdout)
	})

	t.Run("missing command", func(t *testing.T) {
		f := newGateway(t)
		spawned := f.spawn(t)

		w := f.do(t, "POST", "/v1/leases/"+spawned.LeaseID+"/exec", map[string]interface{}{})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("unknown lease", func(t *testing.T) {
		f := newGateway(t)
		w := f.do(t, "POST", "/v1/leases/lease_missing/exec",
			types.ExecRequest{Command: []string{"true"}})
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestTransferEndpoint(t *testing.T) {
	t.Run("upload", func(t *testing.T) {
		f := newGateway(t)
		spawned := f.spawn(t)

		w := f.do(t, "POST", "/v1/leases/"+spawned.LeaseID+"/transfer", types.TransferRequest{
			Direction: types.TransferUpload,
			Path:      "/workspace/main.py",
			Content:   base64.StdEncoding.EncodeToString([]byte("print('hi')\n")),
		})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		var resp types.TransferResponse
		decodeBody(t, w, &resp)
		assert.Equal(t, int64(12), resp.Bytes)
		assert.Contains(t, resp.TransferID, "xfer_")
	})

	t.Run("download", func(t *testing.T) {
		f := newGateway(t)
		spawned := f.spawn(t)

		w := f.do(t, "POST", "/v1/leases/"+spawned.LeaseID+"/transfer", types.TransferRequest{
			Direction: types.TransferDownload,
			Path:      "/workspace/out.txt",
		})
		require.Equal(t, http.StatusOK, w.Code)
		var resp types.TransferResponse
		decodeBody(t, w, &resp)
		decoded, err := base64.StdEncoding.DecodeString(resp.Content)
		require.NoError(t, err)
		assert.Equal(t, "fake file content\n", string(decoded))
	})

	t.Run("scan rejection", func(t *testing.T) {
		f := newGateway(t)
		spawned := f.spawn(t)

		w := f.do(t, "POST", "/v1/leases/"+spawned.LeaseID+"/transfer", types.TransferRequest{
			Direction: types.TransferUpload,
			Path:      "/workspace/sample.txt",
			Content:   base64.StdEncoding.EncodeToString([]byte(eicar)),
		})
		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
		var env errorEnvelope
		decodeBody(t, w, &env)
		assert.Equal(t, "scan_rejected", env.Kind)
		assert.Zero(t, f.primary.Transfers())
	})

	t.Run("denied path", func(t *testing.T) {
		f := newGateway(t)
		spawned := f.spawn(t)

		w := f.do(t, "POST", "/v1/leases/"+spawned.LeaseID+"/transfer", types.TransferRequest{
			Direction: types.TransferUpload,
			Path:      "/etc/shadow",
			Content:   base64.StdEncoding.EncodeToString([]byte("data")),
		})
		assert.Equal(t, http.StatusForbidden, w.Code)
		var env errorEnvelope
		decodeBody(t, w, &env)
		assert.Equal(t, "policy_violation", env.Kind)
	})
}

func TestEgressEndpoint(t *testing.T) {
	t.Run("allowed", func(t *testing.T) {
		f := newGateway(t)
		spawned := f.spawn(t)

		w := f.do(t, "POST", "/v1/leases/"+spawned.LeaseID+"/egress",
			map[string]string{"target": "api.github.com"})
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"allowed":true`)
	})

	t.Run("denied target terminates the lease", func(t *testing.T) {
		f := newGateway(t)
		spawned := f.spawn(t)

		w := f.do(t, "POST", "/v1/leases/"+spawned.LeaseID+"/egress",
			map[string]string{"target": "exfil.example.com"})
		assert.Equal(t, http.StatusForbidden, w.Code)
		var env errorEnvelope
		decodeBody(t, w, &env)
		assert.Equal(t, "policy_violation", env.Kind)

		assert.Eventually(t, func() bool {
			w := f.do(t, "GET", "/v1/leases/"+spawned.LeaseID, nil)
			if w.Code != http.StatusOK {
				return false
			}
			var status types.LeaseStatus
			if err := json.Unmarshal(w.Body.Bytes(), &status); err != nil {
				return false
			}
			return status.State == types.StateTerminated &&
				status.Reason != nil && *status.Reason == types.ReasonPolicyViolation
		}, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("missing target", func(t *testing.T) {
		f := newGateway(t)
		spawned := f.spawn(t)

		w := f.do(t, "POST", "/v1/leases/"+spawned.LeaseID+"/egress", map[string]string{})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestBackendEndpoints(t *testing.T) {
	f := newGateway(t)

	w := f.do(t, "GET", "/v1/backends", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var listing struct {
		Backends []types.BackendStatus `json:"backends"`
	}
	decodeBody(t, w, &listing)
	require.Len(t, listing.Backends, 2)
	names := []string{listing.Backends[0].Name, listing.Backends[1].Name}
	assert.Contains(t, names, "microvm")
	assert.Contains(t, names, "container")

	w = f.do(t, "POST", "/v1/backends/microvm/reset", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, "POST", "/v1/backends/mainframe/reset", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHealthEndpoints(t *testing.T) {
	f := newGateway(t)

	w := f.do(t, "GET", "/", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "sandboxd")

	w = f.do(t, "GET", "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")
	assert.Contains(t, w.Body.String(), "spend_usd")
	assert.Contains(t, w.Body.String(), "avg_latency_seconds")
}
