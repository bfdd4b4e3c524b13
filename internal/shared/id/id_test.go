package id

import (
	"crypto/rand"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestGenerate(t *testing.T) {
	gen := NewGenerator(rand.Reader)

	id1 := gen.Generate()
	id2 := gen.Generate()

	if id1.String() == id2.String() {
		t.Error("generated IDs should be unique")
	}
}

func TestGenerateWithPrefix(t *testing.T) {
	gen := NewGenerator(rand.Reader)

	for _, prefix := range []string{LeasePrefix, RequestPrefix, TransferPrefix} {
		id := gen.GenerateWithPrefix(prefix)

		if !strings.HasPrefix(id, prefix+"_") {
			t.Errorf("ID should start with %q, got %s", prefix+"_", id)
		}
		if !IsValid(id, prefix) {
			t.Errorf("generated ID should validate: %s", id)
		}
	}
}

func TestTypedIDGeneration(t *testing.T) {
	leaseID := NewLeaseID()
	reqID := NewRequestID()
	xferID := NewTransferID()

	if !strings.HasPrefix(leaseID.String(), "lease_") {
		t.Errorf("LeaseID should start with lease_, got %s", leaseID)
	}
	if !strings.HasPrefix(reqID.String(), "req_") {
		t.Errorf("RequestID should start with req_, got %s", reqID)
	}
	if !strings.HasPrefix(xferID.String(), "xfer_") {
		t.Errorf("TransferID should start with xfer_, got %s", xferID)
	}
}

func TestIsValid(t *testing.T) {
	valid := NewLeaseID().String()
	if !IsValid(valid, LeasePrefix) {
		t.Errorf("generated lease ID should be valid: %s", valid)
	}

	invalid := []string{
		"",
		"lease_",
		"lease_notaulid",
		"req_01J0000000000000000000000A", // wrong prefix for lease
		strings.TrimPrefix(valid, "lease_"),
	}
	for _, s := range invalid {
		if IsValid(s, LeasePrefix) {
			t.Errorf("should be invalid as a lease ID: %s", s)
		}
	}
}

func TestTimestamp(t *testing.T) {
	before := time.Now()
	id := NewLeaseID()
	after := time.Now()

	ts, err := Timestamp(id.String())
	if err != nil {
		t.Fatalf("failed to extract timestamp: %v", err)
	}

	// ULID timestamps have millisecond precision, so compare in ms.
	if ts.UnixMilli() < before.UnixMilli() || ts.UnixMilli() > after.UnixMilli() {
		t.Errorf("timestamp %d outside [%d, %d]", ts.UnixMilli(), before.UnixMilli(), after.UnixMilli())
	}
}

func TestConcurrentGeneration(t *testing.T) {
	gen := NewGenerator(rand.Reader)

	const goroutines = 50
	const perGoroutine = 100

	var wg sync.WaitGroup
	ids := make(chan string, goroutines*perGoroutine)

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				ids <- gen.GenerateWithPrefix(LeasePrefix)
			}
		}()
	}

	wg.Wait()
	close(ids)

	seen := make(map[string]bool)
	for id := range ids {
		if seen[id] {
			t.Errorf("duplicate ID under concurrency: %s", id)
		}
		seen[id] = true
	}
	if len(seen) != goroutines*perGoroutine {
		t.Errorf("expected %d unique IDs, got %d", goroutines*perGoroutine, len(seen))
	}
}

func TestLexicographicSorting(t *testing.T) {
	gen := NewGenerator(rand.Reader)

	ids := make([]string, 5)
	for i := range ids {
		ids[i] = gen.Generate().String()
		time.Sleep(2 * time.Millisecond)
	}

	for i := 1; i < len(ids); i++ {
		if ids[i] <= ids[i-1] {
			t.Errorf("IDs should be k-sortable: %s should be > %s", ids[i], ids[i-1])
		}
	}
}

func TestDefaultGenerator(t *testing.T) {
	if Default() != Default() {
		t.Error("Default() should return the same instance")
	}
}

func BenchmarkGenerateWithPrefix(b *testing.B) {
	gen := NewGenerator(rand.Reader)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = gen.GenerateWithPrefix(LeasePrefix)
	}
}
