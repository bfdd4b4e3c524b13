package container

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jgtolentino/pulser-sandboxd/internal/backend"
	"github.com/jgtolentino/pulser-sandboxd/internal/infrastructure/logging"
	"github.com/jgtolentino/pulser-sandboxd/internal/shared/errs"
	"github.com/jgtolentino/pulser-sandboxd/internal/shared/types"
)

func newTestAdapter(t *testing.T, handler http.Handler) *Adapter {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return New("container", Config{
		BaseURL: server.URL,
		Timeout: 5 * time.Second,
	}, logging.NewNop())
}

func TestProvision(t *testing.T) {
	ctx := context.Background()

	t.Run("create then start", func(t *testing.T) {
		var started atomic.Bool
		adapter := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			case "/v1/containers":
				assert.Equal(t, "POST", r.Method)

				var req map[string]interface{}
				require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
				assert.Equal(t, "general-purpose", req["image"])
				assert.Equal(t, 2_000_000_000.0, req["nano_cpus"])
				assert.NotEmpty(t, req["client_token"], "create must carry a client token")

				w.WriteHeader(http.StatusCreated)
				json.NewEncoder(w).Encode(map[string]string{"container_id": "ctr-xyz789"})

			case "/v1/containers/ctr-xyz789/start":
				assert.Equal(t, "POST", r.Method)
				started.Store(true)
				w.WriteHeader(http.StatusNoContent)

			default:
				w.WriteHeader(http.StatusNotFound)
			}
		}))

		handle, err := adapter.Provision(ctx, "general-purpose", types.ResourceSpec{
			VCPU:     2,
			MemoryMB: 2048,
		})

		require.NoError(t, err)
		assert.Equal(t, backend.Handle("ctr-xyz789"), handle)
		assert.True(t, started.Load(), "container must be started after create")
	})

	t.Run("rejects GPU without calling the engine", func(t *testing.T) {
		adapter := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Error("GPU requests must fail before reaching the engine")
		}))

		_, err := adapter.Provision(ctx, "gpu-ml", types.ResourceSpec{GPU: true})
		require.Error(t, err)
		assert.Equal(t, errs.KindQuotaExceeded, errs.KindOf(err))
	})

	t.Run("start failure", func(t *testing.T) {
		adapter := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/v1/containers" {
				json.NewEncoder(w).Encode(map[string]string{"container_id": "ctr-xyz789"})
				return
			}
			http.Error(w, "image pull failed", http.StatusInternalServerError)
		}))

		_, err := adapter.Provision(ctx, "general-purpose", types.ResourceSpec{})
		require.Error(t, err)
		assert.Equal(t, errs.KindBackendUnavailable, errs.KindOf(err))
	})

	t.Run("empty container id", func(t *testing.T) {
		adapter := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]string{})
		}))

		_, err := adapter.Provision(ctx, "general-purpose", types.ResourceSpec{})
		require.Error(t, err)
		assert.Equal(t, errs.KindBackendUnavailable, errs.KindOf(err))
	})

	t.Run("disk quota", func(t *testing.T) {
		adapter := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "no space left", http.StatusInsufficientStorage)
		}))

		_, err := adapter.Provision(ctx, "general-purpose", types.ResourceSpec{})
		require.Error(t, err)
		assert.Equal(t, errs.KindQuotaExceeded, errs.KindOf(err))
	})
}

func TestExec(t *testing.T) {
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		adapter := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/v1/containers/ctr-xyz789/exec", r.URL.Path)

			var req map[string]interface{}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, []interface{}{"ls", "-la"}, req["cmd"])

			json.NewEncoder(w).Encode(map[string]interface{}{
				"exit_code": 0,
				"stdout":    "total 0\n",
			})
		}))

		result, err := adapter.Exec(ctx, "ctr-xyz789", backend.ExecSpec{
			Command: []string{"ls", "-la"},
		})

		require.NoError(t, err)
		assert.Equal(t, 0, result.ExitCode)
		assert.Equal(t, "total 0\n", result.Stdout)
	})

	t.Run("container gone", func(t *testing.T) {
		adapter := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "no such container", http.StatusNotFound)
		}))

		_, err := adapter.Exec(ctx, "ctr-dead", backend.ExecSpec{
			Command: []string{"true"},
		})
		require.Error(t, err)
		assert.Equal(t, errs.KindLeaseNotRunning, errs.KindOf(err))
	})

	t.Run("engine timeout", func(t *testing.T) {
		adapter := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "deadline exceeded", http.StatusGatewayTimeout)
		}))

		_, err := adapter.Exec(ctx, "ctr-xyz789", backend.ExecSpec{
			Command: []string{"sleep", "600"},
		})
		require.Error(t, err)
		assert.Equal(t, errs.KindTimeout, errs.KindOf(err))
	})
}

func TestTransfer(t *testing.T) {
	ctx := context.Background()

	t.Run("upload raw bytes", func(t *testing.T) {
		payload := []byte{0x1f, 0x8b, 0x08, 0x00}
		adapter := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "PUT", r.Method)
			assert.Equal(t, "/v1/containers/ctr-xyz789/archive", r.URL.Path)
			assert.Equal(t, "/workspace/data.gz", r.URL.Query().Get("path"))

			body, err := io.ReadAll(r.Body)
			require.NoError(t, err)
			assert.Equal(t, payload, body)

			w.WriteHeader(http.StatusOK)
		}))

		result, err := adapter.Transfer(ctx, "ctr-xyz789", backend.TransferSpec{
			Direction: types.TransferUpload,
			Path:      "/workspace/data.gz",
			Payload:   payload,
		})

		require.NoError(t, err)
		assert.Equal(t, int64(len(payload)), result.Bytes)
	})

	t.Run("download raw bytes", func(t *testing.T) {
		content := []byte("log line one\nlog line two\n")
		adapter := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "GET", r.Method)
			assert.Equal(t, "/tmp/run.log", r.URL.Query().Get("path"))
			w.Write(content)
		}))

		result, err := adapter.Transfer(ctx, "ctr-xyz789", backend.TransferSpec{
			Direction: types.TransferDownload,
			Path:      "/tmp/run.log",
		})

		require.NoError(t, err)
		assert.Equal(t, content, result.Payload)
	})

	t.Run("path outside container", func(t *testing.T) {
		adapter := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "no such path", http.StatusNotFound)
		}))

		_, err := adapter.Transfer(ctx, "ctr-xyz789", backend.TransferSpec{
			Direction: types.TransferDownload,
			Path:      "/nonexistent",
		})
		require.Error(t, err)
		assert.Equal(t, errs.KindLeaseNotRunning, errs.KindOf(err))
	})
}

func TestDestroy(t *testing.T) {
	ctx := context.Background()

	t.Run("force removes", func(t *testing.T) {
		adapter := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "DELETE", r.Method)
			assert.Equal(t, "/v1/containers/ctr-xyz789", r.URL.Path)
			assert.Equal(t, "true", r.URL.Query().Get("force"))
			w.WriteHeader(http.StatusNoContent)
		}))

		require.NoError(t, adapter.Destroy(ctx, "ctr-xyz789"))
	})

	t.Run("already gone", func(t *testing.T) {
		adapter := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "no such container", http.StatusNotFound)
		}))

		assert.NoError(t, adapter.Destroy(ctx, "ctr-forgotten"))
	})
}

func TestPing(t *testing.T) {
	ctx := context.Background()

	adapter := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/_ping", r.URL.Path)
		w.Write([]byte("OK"))
	}))

	assert.NoError(t, adapter.Ping(ctx))
}

func TestCapabilities(t *testing.T) {
	adapter := New("container", Config{BaseURL: "http://localhost:7072"}, logging.NewNop())
	assert.False(t, adapter.Capabilities().GPU, "container backend never reports GPU")
}
