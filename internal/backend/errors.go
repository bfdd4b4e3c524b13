package backend

import (
	"context"
	"errors"
	"net/http"

	"github.com/jgtolentino/pulser-sandboxd/internal/shared/errs"
)

// Op identifies the adapter operation being normalized.
type Op string

const (
	OpProvision Op = "provision"
	OpExec      Op = "exec"
	OpTransfer  Op = "transfer"
	OpDestroy   Op = "destroy"
	OpPing      Op = "ping"
)

// NormalizeTransport maps transport-level failures (connection refused,
// deadline, DNS) to the orchestrator taxonomy.
func NormalizeTransport(name string, op Op, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return errs.Wrap(err, errs.KindTimeout, "%s %s timed out", name, op)
	}
	return errs.Wrap(err, errs.KindBackendUnavailable, "%s %s transport failure", name, op)
}

// NormalizeStatus maps a control-plane HTTP status to the orchestrator
// taxonomy. Callers handle the success range and destroy's gone-handle
// case before reaching here.
func NormalizeStatus(name string, op Op, status int, body string) error {
	reason := snippet(body)

	switch op {
	case OpProvision:
		switch status {
		case http.StatusBadRequest, http.StatusNotFound:
			return errs.New(errs.KindInvalidImage, "%s rejected image: %s", name, reason)
		case http.StatusTooManyRequests, http.StatusInsufficientStorage:
			return errs.New(errs.KindQuotaExceeded, "%s out of capacity: %s", name, reason)
		}
	case OpExec:
		switch status {
		case http.StatusNotFound, http.StatusGone:
			return errs.New(errs.KindLeaseNotRunning, "%s no longer holds the VM", name)
		case http.StatusBadRequest:
			return errs.New(errs.KindInvalidArgument, "%s rejected command: %s", name, reason)
		case http.StatusRequestTimeout, http.StatusGatewayTimeout:
			return errs.New(errs.KindTimeout, "%s exec timed out: %s", name, reason)
		}
	case OpTransfer:
		switch status {
		case http.StatusNotFound, http.StatusGone:
			return errs.New(errs.KindLeaseNotRunning, "%s no longer holds the VM", name)
		case http.StatusRequestEntityTooLarge:
			return errs.New(errs.KindTooLarge, "%s rejected payload size: %s", name, reason)
		}
	}

	return errs.New(errs.KindBackendUnavailable, "%s %s returned status %d: %s", name, op, status, reason)
}

// snippet bounds a response body for error reasons.
func snippet(body string) string {
	const max = 200
	if len(body) > max {
		return body[:max]
	}
	return body
}
