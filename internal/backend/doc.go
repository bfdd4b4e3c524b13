/*
Package backend defines the virtualization backend contract.

# Overview

The orchestrator drives VMs through the Adapter interface: provision,
exec, transfer, destroy, ping. Two implementations exist: microvm (the
primary fast path) and container (the fallback). Both talk REST to
their control planes; neither leaks backend-specific error codes past
this package.

# Error Normalization

NormalizeTransport and NormalizeStatus translate transport failures and
control-plane status codes into the stable error taxonomy. Provision
rejections become InvalidImage or QuotaExceeded, capacity and server
faults become BackendUnavailable, a VM the backend no longer holds
becomes LeaseNotRunning.

# Idempotent Destroy

Destroying a handle the backend has already forgotten returns success.
Concurrent cleanup paths can both attempt teardown without either one
observing a spurious failure.
*/
package backend
