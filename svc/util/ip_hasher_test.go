package util

import (
	"strings"
	"sync"
	"testing"
	"time"
)

func newTestIPHasher(interval time.Duration) *IPHasher {
	h := &IPHasher{
		interval: interval,
		pepper:   []byte("test-pepper-must-be-at-least-32bytes-long"),
		quit:     make(chan struct{}),
	}
	h.epoch = h.epochAt(time.Now())
	h.rederiveRing()
	return h
}

func TestIPHasherDeterministic(t *testing.T) {
	h := newTestIPHasher(time.Hour)
	defer h.Stop()

	hash1, err := h.HashIP("192.168.1.100")
	if err != nil {
		t.Fatalf("HashIP failed: %v", err)
	}
	hash2, err := h.HashIP("192.168.1.100")
	if err != nil {
		t.Fatalf("HashIP failed: %v", err)
	}
	if hash1 != hash2 {
		t.Errorf("HashIP not deterministic: %s != %s", hash1, hash2)
	}
	if !strings.HasPrefix(hash1, "ip1:") {
		t.Errorf("hash has wrong prefix: %s", hash1)
	}
	if parts := strings.Split(hash1, ":"); len(parts) != 3 {
		t.Errorf("hash has wrong shape: %s", hash1)
	}
}

func TestIPHasherDifferentIPs(t *testing.T) {
	h := newTestIPHasher(time.Hour)
	defer h.Stop()

	hash1, _ := h.HashIP("192.168.1.100")
	hash2, _ := h.HashIP("10.0.0.50")
	if hash1 == hash2 {
		t.Errorf("different IPs produced same hash: %s", hash1)
	}
}

func TestIPHasherSurvivesRotation(t *testing.T) {
	h := newTestIPHasher(time.Hour)
	defer h.Stop()

	hash, err := h.HashIP("192.168.1.100")
	if err != nil {
		t.Fatal(err)
	}

	// Simulate the next epoch arriving; the old hash must still verify
	// through the previous-epoch key.
	h.mu.Lock()
	h.epoch++
	h.mu.Unlock()
	h.rederiveRing()

	fresh, _ := h.HashIP("192.168.1.100")
	if fresh == hash {
		t.Error("hash unchanged after rotation")
	}
	ok, err := h.VerifyIPHash("192.168.1.100", hash)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("pre-rotation hash no longer verifies")
	}
	ok, _ = h.VerifyIPHash("192.168.1.100", fresh)
	if !ok {
		t.Error("current-epoch hash does not verify")
	}
	if ok, _ := h.VerifyIPHash("10.0.0.1", hash); ok {
		t.Error("hash verified against the wrong IP")
	}
}

func TestIPHasherConcurrency(t *testing.T) {
	h := newTestIPHasher(time.Hour)
	defer h.Stop()

	var wg sync.WaitGroup
	results := make(chan string, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			hash, err := h.HashIP("192.168.1.100")
			if err != nil {
				t.Errorf("HashIP failed: %v", err)
				return
			}
			results <- hash
		}()
	}
	wg.Wait()
	close(results)

	var first string
	count := 0
	for hash := range results {
		if first == "" {
			first = hash
		}
		if hash != first {
			t.Error("concurrent hashing produced different results")
		}
		count++
	}
	if count != 100 {
		t.Errorf("got %d results, want 100", count)
	}
}

func TestIPHasherStop(t *testing.T) {
	h := newTestIPHasher(time.Hour)
	h.Stop()

	if _, err := h.HashIP("192.168.1.100"); err != ErrHasherStopped {
		t.Errorf("got %v, want ErrHasherStopped", err)
	}
	for i, key := range h.ring {
		if key != nil {
			t.Errorf("ring key %d not wiped after stop", i)
		}
	}
	if h.pepper != nil {
		t.Error("pepper not wiped after stop")
	}
	// Second stop is a no-op.
	h.Stop()
}

func TestGlobalIPHasherInit(t *testing.T) {
	globalIPHasher = nil
	ipHasherOnce = sync.Once{}
	defer func() {
		globalIPHasher = nil
		ipHasherOnce = sync.Once{}
	}()

	pepper := []byte("test-pepper-must-be-at-least-32bytes-long")
	if err := InitIPHasher(pepper, time.Hour); err != nil {
		t.Fatalf("InitIPHasher failed: %v", err)
	}
	defer StopIPHasher()

	h, err := GetIPHasher()
	if err != nil {
		t.Fatalf("GetIPHasher failed: %v", err)
	}
	hash, err := h.HashIP("192.168.1.100")
	if err != nil {
		t.Fatalf("HashIP failed: %v", err)
	}
	if !strings.HasPrefix(hash, "ip1:") {
		t.Errorf("hash has wrong format: %s", hash)
	}
}

func TestIPHasherInvalidConfig(t *testing.T) {
	globalIPHasher = nil
	ipHasherOnce = sync.Once{}
	defer func() {
		globalIPHasher = nil
		ipHasherOnce = sync.Once{}
	}()

	if err := InitIPHasher([]byte("short"), time.Hour); err == nil {
		t.Error("short pepper accepted")
	}

	globalIPHasher = nil
	ipHasherOnce = sync.Once{}
	pepper := []byte("test-pepper-must-be-at-least-32bytes-long")
	if err := InitIPHasher(pepper, 5*time.Minute); err != ErrInvalidInterval {
		t.Errorf("got %v, want ErrInvalidInterval", err)
	}
}

func TestGlobalIPHasherStopDuringReads(t *testing.T) {
	globalIPHasher = nil
	ipHasherOnce = sync.Once{}
	defer func() {
		globalIPHasher = nil
		ipHasherOnce = sync.Once{}
	}()

	pepper := []byte("test-pepper-must-be-at-least-32bytes-long")
	if err := InitIPHasher(pepper, time.Hour); err != nil {
		t.Fatalf("InitIPHasher failed: %v", err)
	}
	h := globalIPHasher
	defer h.Stop()

	// Readers race Stop; GetIPHasher must observe the stopped flag
	// under the lock, not through a bare field read.
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if hasher, err := GetIPHasher(); err == nil {
				hasher.HashIP("192.168.1.100")
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.Stop()
	}()
	wg.Wait()

	if _, err := GetIPHasher(); err != ErrHasherStopped {
		t.Errorf("GetIPHasher after stop: %v, want ErrHasherStopped", err)
	}
}
