// Package http exposes the lease gateway REST surface.
package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jgtolentino/pulser-sandboxd/internal/domain/cost"
	"github.com/jgtolentino/pulser-sandboxd/internal/domain/orchestrator"
	"github.com/jgtolentino/pulser-sandboxd/internal/infrastructure/logging"
	"github.com/jgtolentino/pulser-sandboxd/internal/infrastructure/monitoring"
	"github.com/jgtolentino/pulser-sandboxd/internal/shared/types"
)

// Version is reported on the root and health endpoints.
const Version = "0.1.0"

// Handlers contains all gateway HTTP handlers.
type Handlers struct {
	orch    *orchestrator.Orchestrator
	ledger  *cost.Ledger
	metrics *monitoring.Metrics
	logger  *logging.Logger
	started time.Time
}

// NewHandlers creates the gateway handler set.
func NewHandlers(orch *orchestrator.Orchestrator, ledger *cost.Ledger, metrics *monitoring.Metrics, logger *logging.Logger) *Handlers {
	return &Handlers{
		orch:    orch,
		ledger:  ledger,
		metrics: metrics,
		logger:  logger.Named("gateway"),
		started: time.Now(),
	}
}

// Register mounts the lease API onto the given router group.
func (h *Handlers) Register(r gin.IRouter) {
	r.POST("/leases", h.Spawn)
	r.GET("/leases", h.ListLeases)
	r.GET("/leases/:id", h.GetLease)
	r.DELETE("/leases/:id", h.Terminate)
	r.POST("/leases/:id/exec", h.Exec)
	r.POST("/leases/:id/transfer", h.Transfer)
	r.POST("/leases/:id/egress", h.Egress)
	r.GET("/backends", h.ListBackends)
	r.POST("/backends/:name/reset", h.ResetBackend)
}

// Root handles the service banner.
func (h *Handlers) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "sandboxd",
		"status":  "online",
		"version": Version,
	})
}

// Health reports pool, backend, spend, and gateway traffic health in
// one view.
func (h *Handlers) Health(c *gin.Context) {
	snap := h.metrics.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"status":          "healthy",
		"version":         Version,
		"uptime_seconds":  int64(time.Since(h.started).Seconds()),
		"leases":          h.orch.Stats(),
		"backends":        h.orch.Backends(),
		"spend_usd":       h.ledger.WindowTotal(),
		"window_reset_at": h.ledger.WindowResetAt().UTC(),
		"gateway": gin.H{
			"requests":            snap.TotalRequests,
			"errors":              snap.TotalErrors,
			"avg_latency_seconds": h.metrics.AverageLatencySeconds(),
		},
	})
}

// Spawn provisions a new sandbox lease.
func (h *Handlers) Spawn(c *gin.Context) {
	var req types.SpawnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBindError(c, err)
		return
	}

	l, err := h.orch.Spawn(c.Request.Context(), &req)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, types.SpawnResponse{
		LeaseID:     l.ID,
		Image:       l.Image,
		Backend:     l.Backend,
		State:       l.State,
		CreatedAt:   l.CreatedAt,
		TTLDeadline: l.TTLDeadline(),
	})
}

// ListLeases lists every lease in the registry, live and retained.
func (h *Handlers) ListLeases(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"leases": h.orch.List(),
		"stats":  h.orch.Stats(),
	})
}

// GetLease reports one lease's status.
func (h *Handlers) GetLease(c *gin.Context) {
	status, err := h.orch.Status(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// Terminate tears a lease down. Repeat deletes ack idempotently.
func (h *Handlers) Terminate(c *gin.Context) {
	leaseID := c.Param("id")

	if err := h.orch.Terminate(c.Request.Context(), leaseID, types.ReasonExplicit); err != nil {
		writeError(c, err)
		return
	}

	status, err := h.orch.Status(leaseID)
	if err != nil {
		// Pruned between the ack and this read
		c.JSON(http.StatusOK, gin.H{
			"lease_id": leaseID,
			"state":    types.StateTerminated,
		})
		return
	}
	c.JSON(http.StatusOK, status)
}

// Exec runs a command inside the lease's VM.
func (h *Handlers) Exec(c *gin.Context) {
	var req types.ExecRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBindError(c, err)
		return
	}

	resp, err := h.orch.Exec(c.Request.Context(), c.Param("id"), &req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Transfer moves a file in or out of the lease's VM.
func (h *Handlers) Transfer(c *gin.Context) {
	var req types.TransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBindError(c, err)
		return
	}

	resp, err := h.orch.Transfer(c.Request.Context(), c.Param("id"), &req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

type egressRequest struct {
	Target string `json:"target" binding:"required"`
}

// Egress answers a backend network hook's verdict request for one
// connection attempt. A denial both blocks the connection and
// terminates the offending lease.
func (h *Handlers) Egress(c *gin.Context) {
	var req egressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBindError(c, err)
		return
	}

	leaseID := c.Param("id")
	if err := h.orch.ReportEgress(c.Request.Context(), leaseID, req.Target); err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"allowed":  true,
		"lease_id": leaseID,
		"target":   req.Target,
	})
}

// ListBackends reports health state for both backends.
func (h *Handlers) ListBackends(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"backends": h.orch.Backends(),
	})
}

// ResetBackend clears a backend's failure count and returns it to
// Healthy, readmitting it to selection.
func (h *Handlers) ResetBackend(c *gin.Context) {
	name := c.Param("name")
	if err := h.orch.ResetBackend(name); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"backend": name,
		"state":   "healthy",
	})
}
