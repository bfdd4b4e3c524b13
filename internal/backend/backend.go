package backend

import (
	"context"

	"github.com/jgtolentino/pulser-sandboxd/internal/shared/types"
)

// Handle is a backend-side VM identifier, opaque to the orchestrator.
type Handle string

// Capabilities describes what a backend can provision.
type Capabilities struct {
	GPU bool
}

// ExecSpec describes one command to run inside a VM.
type ExecSpec struct {
	Command    []string
	TimeoutMS  int64
	WorkingDir string
	Env        map[string]string
	Stdin      string
}

// ExecResult is the outcome of a completed command.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// TransferSpec describes one file movement across the VM boundary.
// Payload is set for uploads only.
type TransferSpec struct {
	Direction types.TransferDirection
	Path      string
	Payload   []byte
}

// TransferResult acknowledges a transfer. Payload is set for downloads.
type TransferResult struct {
	Bytes   int64
	Payload []byte
}

// Adapter is the contract every virtualization backend implements.
// Errors returned by an adapter are already normalized to the
// orchestrator taxonomy; backend-specific codes never escape this
// package. Destroy of an unknown handle is a no-op success so cleanup
// races stay simple.
type Adapter interface {
	// Name identifies the backend in logs, metrics, and routing.
	Name() string

	// Capabilities reports what this backend can provision.
	Capabilities() Capabilities

	// Provision boots a VM from a catalog image and returns its handle.
	Provision(ctx context.Context, image string, spec types.ResourceSpec) (Handle, error)

	// Exec runs one command inside the VM.
	Exec(ctx context.Context, handle Handle, spec ExecSpec) (*ExecResult, error)

	// Transfer moves one file across the VM boundary.
	Transfer(ctx context.Context, handle Handle, spec TransferSpec) (*TransferResult, error)

	// Destroy tears the VM down.
	Destroy(ctx context.Context, handle Handle) error

	// Ping is the synthetic health probe.
	Ping(ctx context.Context) error
}
