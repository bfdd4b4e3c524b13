// Package main is the entry point for the sandboxd daemon.
//
// sandboxd manages short-lived microVM leases for untrusted command
// execution, fronting two execution backends:
//
//	Client (REST/WS) → sandboxd → microVM control plane (primary)
//	                            → container engine (fallback)
//
// The daemon provides:
//   - REST API for lease management (spawn, exec, transfer, terminate)
//   - WebSocket streaming of lease lifecycle events
//   - TTL, idle, and spend-ceiling enforcement
//   - Upload scanning and egress policy verdicts
//   - Health-tracked failover between backends
//
// Configuration:
//   - Environment variables (12-factor)
//   - CLI flags (override env vars)
//   - Defaults for development
//
// Usage:
//
//	# Production mode
//	./sandboxd -port 8080 -primary http://127.0.0.1:7071
//
//	# Development mode (colored logs, debug level)
//	./sandboxd -dev
//
// Signals:
//   - SIGINT, SIGTERM: Graceful shutdown (drains requests, snapshots leases)
package main
