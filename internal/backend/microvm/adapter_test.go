package microvm

import (
	"context"
	"encoding/base64"
	"encoding/json"
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

func newTestAdapter(t *testing.T, handler http.Handler) (*Adapter, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	adapter := New("microvm", Config{
		BaseURL: server.URL,
		Timeout: 5 * time.Second,
		GPU:     true,
	}, logging.NewNop())
	return adapter, server
}

func TestProvision(t *testing.T) {
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		var gotKey atomic.Value
		adapter, _ := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "POST", r.Method)
			assert.Equal(t, "/v1/machines", r.URL.Path)
			gotKey.Store(r.Header.Get("Idempotency-Key"))

			var req map[string]interface{}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "general-purpose", req["image"])
			assert.Equal(t, 2.0, req["vcpu"])
			assert.Equal(t, 2048.0, req["memory_mb"])

			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(map[string]string{"machine_id": "fc-abc123"})
		}))

		handle, err := adapter.Provision(ctx, "general-purpose", types.ResourceSpec{
			VCPU:     2,
			MemoryMB: 2048,
			DiskMB:   4096,
		})

		require.NoError(t, err)
		assert.Equal(t, backend.Handle("fc-abc123"), handle)
		assert.NotEmpty(t, gotKey.Load(), "provision must carry an idempotency key")
	})

	t.Run("empty machine id", func(t *testing.T) {
		adapter, _ := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]string{"machine_id": ""})
		}))

		_, err := adapter.Provision(ctx, "general-purpose", types.ResourceSpec{})
		require.Error(t, err)
		assert.Equal(t, errs.KindBackendUnavailable, errs.KindOf(err))
	})

	t.Run("unknown image", func(t *testing.T) {
		adapter, _ := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "no such image", http.StatusNotFound)
		}))

		_, err := adapter.Provision(ctx, "windows-xp", types.ResourceSpec{})
		require.Error(t, err)
		assert.Equal(t, errs.KindInvalidImage, errs.KindOf(err))
	})

	t.Run("capacity exhausted", func(t *testing.T) {
		adapter, _ := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "host pool full", http.StatusTooManyRequests)
		}))

		_, err := adapter.Provision(ctx, "general-purpose", types.ResourceSpec{})
		require.Error(t, err)
		assert.Equal(t, errs.KindQuotaExceeded, errs.KindOf(err))
	})

	t.Run("server error", func(t *testing.T) {
		adapter, _ := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "hypervisor panic", http.StatusInternalServerError)
		}))

		_, err := adapter.Provision(ctx, "general-purpose", types.ResourceSpec{})
		require.Error(t, err)
		assert.Equal(t, errs.KindBackendUnavailable, errs.KindOf(err))
		assert.True(t, errs.Retryable(err))
	})

	t.Run("unreachable control plane", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		server.Close()

		adapter := New("microvm", Config{
			BaseURL: server.URL,
			Timeout: time.Second,
		}, logging.NewNop())

		_, err := adapter.Provision(ctx, "general-purpose", types.ResourceSpec{})
		require.Error(t, err)
		assert.Equal(t, errs.KindBackendUnavailable, errs.KindOf(err))
	})
}

func TestExec(t *testing.T) {
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		adapter, _ := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "POST", r.Method)
			assert.Equal(t, "/v1/machines/fc-abc123/exec", r.URL.Path)

			var req map[string]interface{}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, []interface{}{"echo", "hello"}, req["command"])

			json.NewEncoder(w).Encode(map[string]interface{}{
				"exit_code": 0,
				"stdout":    "hello\n",
				"stderr":    "",
			})
		}))

		result, err := adapter.Exec(ctx, "fc-abc123", backend.ExecSpec{
			Command:   []string{"echo", "hello"},
			TimeoutMS: 5000,
		})

		require.NoError(t, err)
		assert.Equal(t, 0, result.ExitCode)
		assert.Equal(t, "hello\n", result.Stdout)
	})

	t.Run("nonzero exit is not an error", func(t *testing.T) {
		adapter, _ := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]interface{}{
				"exit_code": 127,
				"stderr":    "sh: nope: not found\n",
			})
		}))

		result, err := adapter.Exec(ctx, "fc-abc123", backend.ExecSpec{
			Command: []string{"nope"},
		})

		require.NoError(t, err)
		assert.Equal(t, 127, result.ExitCode)
		assert.Contains(t, result.Stderr, "not found")
	})

	t.Run("machine gone", func(t *testing.T) {
		adapter, _ := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "machine not found", http.StatusGone)
		}))

		_, err := adapter.Exec(ctx, "fc-dead", backend.ExecSpec{
			Command: []string{"true"},
		})
		require.Error(t, err)
		assert.Equal(t, errs.KindLeaseNotRunning, errs.KindOf(err))
	})

	t.Run("never retried", func(t *testing.T) {
		var calls atomic.Int32
		adapter, _ := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			http.Error(w, "transient", http.StatusServiceUnavailable)
		}))

		_, err := adapter.Exec(ctx, "fc-abc123", backend.ExecSpec{
			Command: []string{"true"},
		})
		require.Error(t, err)
		assert.Equal(t, int32(1), calls.Load(), "exec must hit the backend exactly once")
	})
}

func TestTransfer(t *testing.T) {
	ctx := context.Background()

	t.Run("upload", func(t *testing.T) {
		payload := []byte("print('hi')\n")
		adapter, _ := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "PUT", r.Method)
			assert.Equal(t, "/v1/machines/fc-abc123/files", r.URL.Path)

			var req map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "/workspace/hi.py", req["path"])

			decoded, err := base64.StdEncoding.DecodeString(req["content_b64"])
			require.NoError(t, err)
			assert.Equal(t, payload, decoded)

			w.WriteHeader(http.StatusNoContent)
		}))

		result, err := adapter.Transfer(ctx, "fc-abc123", backend.TransferSpec{
			Direction: types.TransferUpload,
			Path:      "/workspace/hi.py",
			Payload:   payload,
		})

		require.NoError(t, err)
		assert.Equal(t, int64(len(payload)), result.Bytes)
	})

	t.Run("download", func(t *testing.T) {
		content := []byte("result data")
		adapter, _ := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "GET", r.Method)
			assert.Equal(t, "/workspace/out.txt", r.URL.Query().Get("path"))

			json.NewEncoder(w).Encode(map[string]string{
				"content_b64": base64.StdEncoding.EncodeToString(content),
			})
		}))

		result, err := adapter.Transfer(ctx, "fc-abc123", backend.TransferSpec{
			Direction: types.TransferDownload,
			Path:      "/workspace/out.txt",
		})

		require.NoError(t, err)
		assert.Equal(t, content, result.Payload)
		assert.Equal(t, int64(len(content)), result.Bytes)
	})

	t.Run("download undecodable content", func(t *testing.T) {
		adapter, _ := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]string{"content_b64": "!!not-base64!!"})
		}))

		_, err := adapter.Transfer(ctx, "fc-abc123", backend.TransferSpec{
			Direction: types.TransferDownload,
			Path:      "/workspace/out.txt",
		})
		require.Error(t, err)
		assert.Equal(t, errs.KindBackendUnavailable, errs.KindOf(err))
	})

	t.Run("payload too large", func(t *testing.T) {
		adapter, _ := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "too big", http.StatusRequestEntityTooLarge)
		}))

		_, err := adapter.Transfer(ctx, "fc-abc123", backend.TransferSpec{
			Direction: types.TransferUpload,
			Path:      "/workspace/big.bin",
			Payload:   []byte("x"),
		})
		require.Error(t, err)
		assert.Equal(t, errs.KindTooLarge, errs.KindOf(err))
	})

	t.Run("unknown direction", func(t *testing.T) {
		adapter, _ := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Error("must not reach the backend")
		}))

		_, err := adapter.Transfer(ctx, "fc-abc123", backend.TransferSpec{
			Direction: "sideways",
		})
		require.Error(t, err)
		assert.Equal(t, errs.KindInvalidArgument, errs.KindOf(err))
	})
}

func TestDestroy(t *testing.T) {
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		adapter, _ := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "DELETE", r.Method)
			assert.Equal(t, "/v1/machines/fc-abc123", r.URL.Path)
			w.WriteHeader(http.StatusNoContent)
		}))

		err := adapter.Destroy(ctx, "fc-abc123")
		require.NoError(t, err)
	})

	t.Run("already gone", func(t *testing.T) {
		for _, status := range []int{http.StatusNotFound, http.StatusGone} {
			adapter, _ := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(status)
			}))

			err := adapter.Destroy(ctx, "fc-forgotten")
			assert.NoError(t, err, "status %d must count as success", status)
		}
	})

	t.Run("server error", func(t *testing.T) {
		adapter, _ := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "stuck", http.StatusInternalServerError)
		}))

		err := adapter.Destroy(ctx, "fc-abc123")
		require.Error(t, err)
		assert.Equal(t, errs.KindBackendUnavailable, errs.KindOf(err))
	})
}

func TestPing(t *testing.T) {
	ctx := context.Background()

	t.Run("healthy", func(t *testing.T) {
		adapter, _ := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/v1/health", r.URL.Path)
			json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
		}))

		assert.NoError(t, adapter.Ping(ctx))
	})

	t.Run("unhealthy", func(t *testing.T) {
		adapter, _ := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "draining", http.StatusServiceUnavailable)
		}))

		assert.Error(t, adapter.Ping(ctx))
	})
}

func TestCapabilities(t *testing.T) {
	withGPU := New("microvm", Config{BaseURL: "http://localhost:7071", GPU: true}, logging.NewNop())
	assert.True(t, withGPU.Capabilities().GPU)

	withoutGPU := New("microvm", Config{BaseURL: "http://localhost:7071"}, logging.NewNop())
	assert.False(t, withoutGPU.Capabilities().GPU)
}
