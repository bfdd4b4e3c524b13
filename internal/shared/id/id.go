// Package id provides centralized ID generation for the orchestrator.
//
// All orchestrator-side identities are prefixed ULIDs: lexicographically
// sortable by creation time, unique across the process, and readable in
// logs (lease_*, req_*, xfer_*). Backend-side handles are opaque strings
// owned by the adapters and never generated here.
package id

import (
	"crypto/rand"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// LeaseID identifies a provisioned sandbox lease.
type LeaseID string

// RequestID identifies a gateway request for tracing.
type RequestID string

// TransferID identifies a single file transfer.
type TransferID string

const (
	LeasePrefix    = "lease"
	RequestPrefix  = "req"
	TransferPrefix = "xfer"
)

// Generator generates ULIDs with optional prefixes.
type Generator struct {
	entropy   io.Reader
	entropyMu sync.Mutex // guards entropy reader
}

var (
	defaultGenerator *Generator
	once             sync.Once
)

// Default returns the singleton generator backed by crypto/rand.
func Default() *Generator {
	once.Do(func() {
		defaultGenerator = NewGenerator(rand.Reader)
	})
	return defaultGenerator
}

// NewGenerator creates a generator with the given entropy source.
// Tests may pass a deterministic reader.
func NewGenerator(entropy io.Reader) *Generator {
	return &Generator{entropy: entropy}
}

// Generate creates a new ULID.
func (g *Generator) Generate() ulid.ULID {
	g.entropyMu.Lock()
	defer g.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
}

// GenerateWithPrefix creates a prefixed ULID string.
func (g *Generator) GenerateWithPrefix(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, g.Generate().String())
}

// NewLeaseID generates a new lease identifier.
func NewLeaseID() LeaseID {
	return LeaseID(Default().GenerateWithPrefix(LeasePrefix))
}

// NewRequestID generates a new request identifier.
func NewRequestID() RequestID {
	return RequestID(Default().GenerateWithPrefix(RequestPrefix))
}

// NewTransferID generates a new transfer identifier.
func NewTransferID() TransferID {
	return TransferID(Default().GenerateWithPrefix(TransferPrefix))
}

func (id LeaseID) String() string    { return string(id) }
func (id RequestID) String() string  { return string(id) }
func (id TransferID) String() string { return string(id) }

// IsValid checks whether s is a prefixed ULID with the given prefix.
func IsValid(s, prefix string) bool {
	raw, ok := strings.CutPrefix(s, prefix+"_")
	if !ok {
		return false
	}
	_, err := ulid.Parse(raw)
	return err == nil
}

// Timestamp extracts the embedded creation time from a prefixed ID.
func Timestamp(s string) (time.Time, error) {
	raw := s
	if i := strings.LastIndexByte(s, '_'); i >= 0 {
		raw = s[i+1:]
	}
	parsed, err := ulid.Parse(raw)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(parsed.Time()), nil
}
