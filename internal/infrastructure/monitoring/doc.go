/*
Package monitoring provides performance monitoring and metrics collection.

# Overview

This package implements Prometheus-based metrics collection for the
orchestrator, tracking HTTP requests, lease lifecycles, backend
operations, spend, and policy enforcement.

# Features

- HTTP request metrics (latency, throughput)
- Spawn latency per backend and outcome
- Lease runtime and terminations by reason
- Cost accrual and billing window gauges
- Per-backend failure counters and health state
- Scan rejection and policy violation counters
- WebSocket connection metrics

# Usage

	// Create metrics collector
	metrics := monitoring.NewMetrics()

	// Add middleware to Gin router
	router.Use(monitoring.Middleware(metrics))

	// Record domain events
	metrics.RecordSpawn("microvm", "ok", 120*time.Millisecond)
	metrics.RecordTermination("idle_timeout", 42*time.Minute, 0.06)

	// Time backend operations
	timer := monitoring.NewTimer(metrics, "microvm", "exec")
	// ... perform operation ...
	timer.Stop("success")

# Metrics Endpoint

Expose metrics via the standard Prometheus endpoint:

	import "github.com/prometheus/client_golang/prometheus/promhttp"
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
*/
package monitoring
