package monitoring

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Lease metrics
	LeasesActive      prometheus.Gauge
	LeasesTotal       prometheus.Counter
	SpawnLatency      *prometheus.HistogramVec
	LeaseRuntime      prometheus.Histogram
	TerminationsTotal *prometheus.CounterVec

	// Backend operation metrics
	BackendOps        *prometheus.CounterVec
	BackendOpDuration *prometheus.HistogramVec
	CommandsExecuted  *prometheus.CounterVec
	FilesTransferred  *prometheus.CounterVec
	TransferBytes     *prometheus.CounterVec

	// Cost metrics
	AccruedCost  prometheus.Counter
	LedgerWindow prometheus.Gauge

	// Alert metrics
	AlertsTotal *prometheus.CounterVec

	// Policy metrics
	ScanRejections   prometheus.Counter
	PolicyViolations prometheus.Counter

	// Backend health metrics
	BackendFailures     *prometheus.CounterVec
	ConsecutiveFailures *prometheus.GaugeVec
	BackendState        *prometheus.GaugeVec
	FailoversTotal      prometheus.Counter

	// WebSocket metrics
	WSConnections prometheus.Gauge

	// System metrics
	Uptime    prometheus.Gauge
	startTime time.Time

	// Snapshot for JSON API - track current values
	snapshot MetricsSnapshot

	mu sync.RWMutex
}

// MetricsSnapshot holds current metric values for JSON API
type MetricsSnapshot struct {
	TotalRequests int64
	TotalErrors   int64
	ActiveLeases  int64
	WindowCostUSD float64
	TotalDuration float64 // sum of all request durations
	RequestCount  int64   // count for averaging
}

// NewMetrics creates a new metrics collector
func NewMetrics() *Metrics {
	m := &Metrics{
		startTime: time.Now(),

		// HTTP metrics
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sandboxd_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sandboxd_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),

		// Lease metrics
		LeasesActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "sandboxd_leases_active",
				Help: "Number of non-terminal leases",
			},
		),
		LeasesTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "sandboxd_leases_total",
				Help: "Total number of leases created",
			},
		),
		SpawnLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sandboxd_spawn_latency_seconds",
				Help:    "VM provision latency in seconds",
				Buckets: []float64{.01, .025, .05, .1, .15, .2, .3, .5, 1, 2.5, 5},
			},
			[]string{"backend", "outcome"},
		),
		LeaseRuntime: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "sandboxd_lease_runtime_minutes",
				Help:    "Lease lifetime from creation to termination in minutes",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 240, 480, 1440},
			},
		),
		TerminationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sandboxd_terminations_total",
				Help: "Total number of lease terminations",
			},
			[]string{"reason"},
		),

		// Backend operation metrics
		BackendOps: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sandboxd_backend_ops_total",
				Help: "Total number of backend operations",
			},
			[]string{"backend", "op", "status"},
		),
		BackendOpDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sandboxd_backend_op_duration_seconds",
				Help:    "Backend operation duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"backend", "op"},
		),
		CommandsExecuted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sandboxd_commands_executed_total",
				Help: "Total number of commands executed in sandboxes",
			},
			[]string{"backend", "status"},
		),
		FilesTransferred: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sandboxd_files_transferred_total",
				Help: "Total number of files transferred",
			},
			[]string{"direction"},
		),
		TransferBytes: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sandboxd_transfer_bytes_total",
				Help: "Total bytes transferred",
			},
			[]string{"direction"},
		),

		// Cost metrics
		AccruedCost: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "sandboxd_accrued_cost_usd_total",
				Help: "Total accrued cost across all leases in USD",
			},
		),
		LedgerWindow: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "sandboxd_ledger_window_usd",
				Help: "Accrued cost in the current billing window in USD",
			},
		),
		AlertsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sandboxd_alerts_total",
				Help: "Total number of alerts emitted",
			},
			[]string{"severity", "condition"},
		),

		// Policy metrics
		ScanRejections: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "sandboxd_scan_rejections_total",
				Help: "Total number of uploads rejected by the scanner",
			},
		),
		PolicyViolations: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "sandboxd_policy_violations_total",
				Help: "Total number of network policy violations observed",
			},
		),

		// Backend health metrics
		BackendFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sandboxd_backend_failures_total",
				Help: "Total number of backend failures",
			},
			[]string{"backend"},
		),
		ConsecutiveFailures: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sandboxd_backend_consecutive_failures",
				Help: "Current consecutive failure count per backend",
			},
			[]string{"backend"},
		),
		BackendState: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sandboxd_backend_state",
				Help: "Backend health state (0 healthy, 1 degraded, 2 failed)",
			},
			[]string{"backend"},
		),
		FailoversTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "sandboxd_failovers_total",
				Help: "Total number of spawns routed to the fallback backend",
			},
		),

		// WebSocket metrics
		WSConnections: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "sandboxd_ws_connections",
				Help: "Number of active WebSocket connections",
			},
		),

		// System metrics
		Uptime: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "sandboxd_uptime_seconds",
				Help: "Orchestrator uptime in seconds",
			},
		),
	}

	// Start uptime updater
	go m.updateUptime()

	return m
}

// updateUptime continuously updates the uptime metric
func (m *Metrics) updateUptime() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for range ticker.C {
		m.Uptime.Set(time.Since(m.startTime).Seconds())
	}
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())

	// Update snapshot
	m.mu.Lock()
	m.snapshot.TotalRequests++
	m.snapshot.TotalDuration += duration.Seconds()
	m.snapshot.RequestCount++
	if len(status) > 0 && (status[0] == '4' || status[0] == '5') {
		m.snapshot.TotalErrors++
	}
	m.mu.Unlock()
}

// RecordSpawn records a provision attempt and its latency
func (m *Metrics) RecordSpawn(backend, outcome string, duration time.Duration) {
	m.SpawnLatency.WithLabelValues(backend, outcome).Observe(duration.Seconds())
}

// RecordBackendOp records a backend adapter operation
func (m *Metrics) RecordBackendOp(backend, op, status string, duration time.Duration) {
	m.BackendOps.WithLabelValues(backend, op, status).Inc()
	m.BackendOpDuration.WithLabelValues(backend, op).Observe(duration.Seconds())
}

// RecordExec records a command execution
func (m *Metrics) RecordExec(backend, status string) {
	m.CommandsExecuted.WithLabelValues(backend, status).Inc()
}

// RecordTransfer records a completed file transfer
func (m *Metrics) RecordTransfer(direction string, bytes int64) {
	m.FilesTransferred.WithLabelValues(direction).Inc()
	m.TransferBytes.WithLabelValues(direction).Add(float64(bytes))
}

// RecordTermination records a lease ending and its lifetime cost
func (m *Metrics) RecordTermination(reason string, runtime time.Duration, costUSD float64) {
	m.TerminationsTotal.WithLabelValues(reason).Inc()
	m.LeaseRuntime.Observe(runtime.Minutes())
	if costUSD > 0 {
		m.AccruedCost.Add(costUSD)
	}
}

// RecordAlert records an emitted alert
func (m *Metrics) RecordAlert(severity, condition string) {
	m.AlertsTotal.WithLabelValues(severity, condition).Inc()
}

// RecordScanRejection records an upload rejected by the scanner
func (m *Metrics) RecordScanRejection() {
	m.ScanRejections.Inc()
}

// RecordPolicyViolation records an observed network policy violation
func (m *Metrics) RecordPolicyViolation() {
	m.PolicyViolations.Inc()
}

// RecordBackendFailure records a backend failure
func (m *Metrics) RecordBackendFailure(backend string) {
	m.BackendFailures.WithLabelValues(backend).Inc()
}

// SetConsecutiveFailures sets the consecutive failure gauge for a backend
func (m *Metrics) SetConsecutiveFailures(backend string, count int) {
	m.ConsecutiveFailures.WithLabelValues(backend).Set(float64(count))
}

// SetBackendState sets the health state gauge for a backend
func (m *Metrics) SetBackendState(backend string, state float64) {
	m.BackendState.WithLabelValues(backend).Set(state)
}

// IncFailovers increments the failover counter
func (m *Metrics) IncFailovers() {
	m.FailoversTotal.Inc()
}

// SetLeasesActive sets the number of non-terminal leases
func (m *Metrics) SetLeasesActive(count int) {
	m.LeasesActive.Set(float64(count))
	m.mu.Lock()
	m.snapshot.ActiveLeases = int64(count)
	m.mu.Unlock()
}

// IncLeasesTotal increments the total leases counter
func (m *Metrics) IncLeasesTotal() {
	m.LeasesTotal.Inc()
}

// SetLedgerWindow sets the current billing window total
func (m *Metrics) SetLedgerWindow(usd float64) {
	m.LedgerWindow.Set(usd)
	m.mu.Lock()
	m.snapshot.WindowCostUSD = usd
	m.mu.Unlock()
}

// IncWSConnections increments WebSocket connections
func (m *Metrics) IncWSConnections() {
	m.WSConnections.Inc()
}

// DecWSConnections decrements WebSocket connections
func (m *Metrics) DecWSConnections() {
	m.WSConnections.Dec()
}
