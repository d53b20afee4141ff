package util

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// IPHasher produces keyed digests of client addresses so abuse state can
// be tracked without storing raw IPs. Keys are derived per epoch from
// the pepper and rotate on an interval; verification accepts the
// adjacent epochs so a rotation mid-request does not orphan a hash.
type IPHasher struct {
	interval time.Duration
	pepper   []byte

	mu      sync.RWMutex
	epoch   int64
	ring    [3][]byte // previous, current, next
	quit    chan struct{}
	stopped bool
}

const (
	ringPrev = 0
	ringCur  = 1
	ringNext = 2
)

var (
	globalIPHasher *IPHasher
	ipHasherOnce   sync.Once
	ipHasherErr    error

	ErrHasherNotInit   = errors.New("IP hasher not initialized")
	ErrHasherStopped   = errors.New("IP hasher stopped")
	ErrInvalidInterval = errors.New("rotation interval must be >= 15 minutes")
)

func InitIPHasher(pepper []byte, rotationInterval time.Duration) error {
	if rotationInterval < 15*time.Minute {
		return ErrInvalidInterval
	}
	if len(pepper) < 32 {
		return errors.New("pepper must be at least 32 bytes")
	}
	ipHasherOnce.Do(func() {
		h := &IPHasher{
			interval: rotationInterval,
			pepper:   append([]byte(nil), pepper...),
			quit:     make(chan struct{}),
		}
		h.epoch = h.epochAt(time.Now())
		h.rederiveRing()
		go h.rotationLoop()
		globalIPHasher = h
	})
	return ipHasherErr
}

func GetIPHasher() (*IPHasher, error) {
	h := globalIPHasher
	if h == nil {
		return nil, ErrHasherNotInit
	}
	h.mu.RLock()
	stopped := h.stopped
	h.mu.RUnlock()
	if stopped {
		return nil, ErrHasherStopped
	}
	return h, nil
}

func StopIPHasher() {
	if globalIPHasher != nil {
		globalIPHasher.Stop()
		globalIPHasher = nil
		ipHasherOnce = sync.Once{}
		ipHasherErr = nil
	}
}

// HashIP returns "ip1:<epoch>:<hex>" under the current epoch key.
func (h *IPHasher) HashIP(ip string) (string, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.stopped {
		return "", ErrHasherStopped
	}
	return encodeIPHash(h.ring[ringCur], h.epoch, ip), nil
}

// VerifyIPHash checks a stored hash against the current epoch and its
// neighbors, so values written just before a rotation still match.
func (h *IPHasher) VerifyIPHash(ip, hashStr string) (bool, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.stopped {
		return false, ErrHasherStopped
	}
	for i, offset := range []int64{-1, 0, 1} {
		key := h.ring[i]
		if key == nil {
			continue
		}
		candidate := encodeIPHash(key, h.epoch+offset, ip)
		if hmac.Equal([]byte(candidate), []byte(hashStr)) {
			return true, nil
		}
	}
	return false, nil
}

func encodeIPHash(key []byte, epoch int64, ip string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(ip))
	return fmt.Sprintf("ip1:%d:%s", epoch, hex.EncodeToString(mac.Sum(nil)))
}

func (h *IPHasher) epochAt(t time.Time) int64 {
	return t.Unix() / int64(h.interval.Seconds())
}

func (h *IPHasher) deriveKey(epoch int64) []byte {
	mac := hmac.New(sha256.New, h.pepper)
	fmt.Fprintf(mac, "remarq-ip-key:%d", epoch)
	return mac.Sum(nil)
}

// rederiveRing replaces all three epoch keys. Caller holds no locks;
// the swap itself is done under the write lock and old keys are wiped.
func (h *IPHasher) rederiveRing() {
	fresh := [3][]byte{
		h.deriveKey(h.epoch - 1),
		h.deriveKey(h.epoch),
		h.deriveKey(h.epoch + 1),
	}
	h.mu.Lock()
	for i, old := range h.ring {
		if old != nil {
			Wipe(old)
		}
		h.ring[i] = fresh[i]
	}
	h.mu.Unlock()
}

func (h *IPHasher) rotationLoop() {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-h.quit:
			return
		case <-ticker.C:
			next := h.epochAt(time.Now())
			h.mu.Lock()
			changed := next != h.epoch
			if changed {
				h.epoch = next
			}
			h.mu.Unlock()
			if changed {
				h.rederiveRing()
				Debug().Int64("epoch", next).Msg("rotated IP hash keys")
			}
		}
	}
}

func (h *IPHasher) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return
	}
	h.stopped = true
	close(h.quit)
	for i, key := range h.ring {
		if key != nil {
			Wipe(key)
			h.ring[i] = nil
		}
	}
	Wipe(h.pepper)
	h.pepper = nil
}
