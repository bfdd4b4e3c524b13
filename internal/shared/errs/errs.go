package errs

import (
	"errors"
	"fmt"
)

// Kind is the stable, machine-readable error class surfaced to callers.
// Backend-specific error codes are normalized to one of these before they
// reach the gateway; new kinds are additive.
type Kind string

const (
	// Validation errors. Rejected synchronously, never reach a backend.
	KindInvalidImage    Kind = "invalid_image"
	KindInvalidArgument Kind = "invalid_argument"

	// Capacity and availability errors.
	KindQuotaExceeded      Kind = "quota_exceeded"
	KindBackendUnavailable Kind = "backend_unavailable"

	// Lease lookup and lifecycle errors.
	KindLeaseNotFound      Kind = "lease_not_found"
	KindLeaseNotRunning    Kind = "lease_not_running"
	KindAlreadyTerminating Kind = "already_terminating"

	// Policy errors. Always fatal to the operation; for running-VM network
	// violations, fatal to the lease as well.
	KindScanRejected    Kind = "scan_rejected"
	KindPolicyViolation Kind = "policy_violation"
	KindTooLarge        Kind = "too_large"

	// Timeout is local to the failing call and never terminates the lease.
	KindTimeout Kind = "timeout"

	// Internal errors must never leak registry details to callers.
	KindInternal Kind = "internal"
)

// Retryable reports whether a caller may safely retry an operation that
// failed with this kind.
func (k Kind) Retryable() bool {
	return k == KindBackendUnavailable || k == KindTimeout
}

// Error carries a stable kind plus a human-readable reason. It wraps an
// optional cause so errors.Is/As keep working across layers.
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an error with a kind and a formatted reason.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and reason to an underlying cause.
func Wrap(err error, kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the kind from an error chain. Unclassified errors are
// internal: the caller-facing surface treats them as opaque failures.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Retryable reports whether the error's kind permits a safe retry.
func Retryable(err error) bool {
	return KindOf(err).Retryable()
}

// ReasonOf extracts the human-readable reason, falling back to the raw
// error string for unclassified errors.
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	if err != nil {
		return err.Error()
	}
	return ""
}

// IsKind reports whether any error in the chain carries the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
