// Package errs defines the error taxonomy shared by the orchestrator and the
// gateway.
//
// Every error that crosses a component boundary is classified into a stable
// Kind: validation, resource, lease lookup, policy, timeout, or internal.
// Backend adapters normalize provider-specific failures into this taxonomy so
// backend error codes never leak to callers. Retryable kinds
// (backend_unavailable, timeout) are safe for callers to retry; all other
// kinds are not.
package errs
