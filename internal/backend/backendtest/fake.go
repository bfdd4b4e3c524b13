// Package backendtest provides a scriptable Adapter for tests.
package backendtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/jgtolentino/pulser-sandboxd/internal/backend"
	"github.com/jgtolentino/pulser-sandboxd/internal/shared/types"
)

// Fake implements backend.Adapter in memory. The zero value is usable:
// every operation succeeds and Provision hands out sequential handles.
// Tests override individual operations through the function fields and
// inspect call counts afterwards.
type Fake struct {
	BackendName string
	GPU         bool

	ProvisionFunc func(ctx context.Context, image string, spec types.ResourceSpec) (backend.Handle, error)
	ExecFunc      func(ctx context.Context, handle backend.Handle, spec backend.ExecSpec) (*backend.ExecResult, error)
	TransferFunc  func(ctx context.Context, handle backend.Handle, spec backend.TransferSpec) (*backend.TransferResult, error)
	DestroyFunc   func(ctx context.Context, handle backend.Handle) error
	PingFunc      func(ctx context.Context) error

	mu         sync.Mutex
	seq        int
	provisions int
	execs      int
	transfers  int
	pings      int
	destroys   []backend.Handle
}

// New creates a fake backend with the given name.
func New(name string) *Fake {
	return &Fake{BackendName: name}
}

func (f *Fake) Name() string {
	if f.BackendName == "" {
		return "fake"
	}
	return f.BackendName
}

func (f *Fake) Capabilities() backend.Capabilities {
	return backend.Capabilities{GPU: f.GPU}
}

func (f *Fake) Provision(ctx context.Context, image string, spec types.ResourceSpec) (backend.Handle, error) {
	f.mu.Lock()
	f.provisions++
	f.seq++
	seq := f.seq
	f.mu.Unlock()

	if f.ProvisionFunc != nil {
		return f.ProvisionFunc(ctx, image, spec)
	}
	return backend.Handle(fmt.Sprintf("%s-vm-%d", f.Name(), seq)), nil
}

func (f *Fake) Exec(ctx context.Context, handle backend.Handle, spec backend.ExecSpec) (*backend.ExecResult, error) {
	f.mu.Lock()
	f.execs++
	f.mu.Unlock()

	if f.ExecFunc != nil {
		return f.ExecFunc(ctx, handle, spec)
	}
	return &backend.ExecResult{ExitCode: 0, Stdout: "ok\n"}, nil
}

func (f *Fake) Transfer(ctx context.Context, handle backend.Handle, spec backend.TransferSpec) (*backend.TransferResult, error) {
	f.mu.Lock()
	f.transfers++
	f.mu.Unlock()

	if f.TransferFunc != nil {
		return f.TransferFunc(ctx, handle, spec)
	}
	if spec.Direction == types.TransferDownload {
		payload := []byte("fake file content\n")
		return &backend.TransferResult{Bytes: int64(len(payload)), Payload: payload}, nil
	}
	return &backend.TransferResult{Bytes: int64(len(spec.Payload))}, nil
}

func (f *Fake) Destroy(ctx context.Context, handle backend.Handle) error {
	f.mu.Lock()
	f.destroys = append(f.destroys, handle)
	f.mu.Unlock()

	if f.DestroyFunc != nil {
		return f.DestroyFunc(ctx, handle)
	}
	return nil
}

func (f *Fake) Ping(ctx context.Context) error {
	f.mu.Lock()
	f.pings++
	f.mu.Unlock()

	if f.PingFunc != nil {
		return f.PingFunc(ctx)
	}
	return nil
}

// Provisions reports how many times Provision was called.
func (f *Fake) Provisions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.provisions
}

// Execs reports how many times Exec was called.
func (f *Fake) Execs() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.execs
}

// Transfers reports how many times Transfer was called.
func (f *Fake) Transfers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.transfers
}

// Pings reports how many times Ping was called.
func (f *Fake) Pings() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pings
}

// Destroys returns every handle Destroy was called with, in order.
func (f *Fake) Destroys() []backend.Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]backend.Handle, len(f.destroys))
	copy(out, f.destroys)
	return out
}

// DestroyCount reports how many times Destroy was called for handle.
func (f *Fake) DestroyCount(handle backend.Handle) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, h := range f.destroys {
		if h == handle {
			n++
		}
	}
	return n
}

// FailProvisions scripts the next n Provision calls to fail with err,
// after which provisioning succeeds again with sequential handles.
func (f *Fake) FailProvisions(n int, err error) {
	var remaining sync.Mutex
	left := n
	f.ProvisionFunc = func(ctx context.Context, image string, spec types.ResourceSpec) (backend.Handle, error) {
		remaining.Lock()
		defer remaining.Unlock()
		if left > 0 {
			left--
			return "", err
		}
		f.mu.Lock()
		seq := f.seq
		f.mu.Unlock()
		return backend.Handle(fmt.Sprintf("%s-vm-%d", f.Name(), seq)), nil
	}
}
