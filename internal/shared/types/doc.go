// Package types provides shared data structures for the orchestrator.
//
// This package defines core types used across all components, ensuring
// type safety and consistent wire shapes.
//
// Core Types:
//   - VMLease: Tracked sandbox VM lease
//   - ResourceSpec: Compute shape of a lease
//   - LeaseState: Lifecycle state enum (forward-only)
//   - TerminateReason: Why a lease left the running state
//   - PoolStats: Pool manager statistics
//
// Request Types:
//   - SpawnRequest, ExecRequest, TransferRequest: Gateway operations
//   - LeaseStatus, BackendStatus: External views
//   - LeaseEvent: Lifecycle stream payload
//
// Lifecycle:
//
//	provisioning -> running -> terminating -> terminated
//	                                       \> failed
//
// Example Usage:
//
//	lease := &types.VMLease{
//	    ID:    string(id.NewLeaseID()),
//	    Image: "python-3.12",
//	    State: types.StateProvisioning,
//	}
package types
