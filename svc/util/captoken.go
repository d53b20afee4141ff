package util

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrCapabilityExpired = errors.New("capability token expired")
	ErrCapabilityFuture  = errors.New("capability token issued in the future")
	ErrCapabilityForged  = errors.New("capability token signature invalid")
	capabilityKey        []byte
	capabilityMu         sync.RWMutex
	capabilityNow        = time.Now
)

// InitCapabilityKey installs the HMAC secret for capability tokens.
// Called once at startup before any issue/verify.
func InitCapabilityKey(secret []byte) error {
	if err := validateKeyEntropy(secret); err != nil {
		return err
	}
	keyCopy := make([]byte, len(secret))
	copy(keyCopy, secret)
	capabilityMu.Lock()
	capabilityKey = keyCopy
	capabilityMu.Unlock()
	return nil
}

// SetCapabilityClock overrides the time source. Test hook only.
func SetCapabilityClock(now func() time.Time) {
	capabilityMu.Lock()
	capabilityNow = now
	capabilityMu.Unlock()
}

func validateKeyEntropy(secret []byte) error {
	if len(secret) < 32 {
		return errors.New("capability key must be at least 32 bytes")
	}
	unique := make(map[byte]struct{})
	for _, b := range secret {
		unique[b] = struct{}{}
	}
	if len(unique) < 16 {
		return errors.New("capability key has insufficient entropy (too many repeating bytes)")
	}
	return nil
}

// IssueCapability derives the token that grants edit/delete rights over
// one comment: base64url(HMAC-SHA256(key, "<commentID>-<issuedAtMs>")).
// Never stored server-side; it is re-derivable from its inputs.
func IssueCapability(commentID string, issuedAtMs int64) (string, error) {
	capabilityMu.RLock()
	key := capabilityKey
	capabilityMu.RUnlock()
	if key == nil {
		return "", errors.New("capability key not initialized")
	}
	return base64.RawURLEncoding.EncodeToString(capabilitySign(key, commentID, issuedAtMs)), nil
}

// VerifyCapability authorizes exactly one mutation of the named comment.
// Rejects tokens outside [issuedAt, issuedAt+window] and recomputes the
// HMAC with a constant-time compare. Response timing is normalized so
// the failure branch taken is not observable.
func VerifyCapability(commentID string, issuedAtMs int64, token string, window time.Duration) error {
	start := time.Now()
	defer normalizeTokenTiming(start)
	capabilityMu.RLock()
	key := capabilityKey
	now := capabilityNow()
	capabilityMu.RUnlock()
	if key == nil {
		performDummyCrypto()
		return errors.New("capability key not initialized")
	}
	nowMs := now.UnixMilli()
	provided, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		provided = make([]byte, 32)
		rand.Read(provided)
	}
	expected := capabilitySign(key, commentID, issuedAtMs)
	match := subtle.ConstantTimeCompare(provided, expected) == 1
	if err != nil || !match {
		return ErrCapabilityForged
	}
	if issuedAtMs > nowMs {
		return ErrCapabilityFuture
	}
	if nowMs-issuedAtMs > window.Milliseconds() {
		return ErrCapabilityExpired
	}
	return nil
}

func capabilitySign(key []byte, commentID string, issuedAtMs int64) []byte {
	mac := hmac.New(sha256.New, key)
	fmt.Fprintf(mac, "%s-%d", commentID, issuedAtMs)
	return mac.Sum(nil)
}

func normalizeTokenTiming(start time.Time) {
	elapsed := time.Since(start)
	target := time.Duration(5+randomInt(10)) * time.Millisecond
	if elapsed < target {
		time.Sleep(target - elapsed)
	}
}

func performDummyCrypto() {
	dummy := make([]byte, 32)
	rand.Read(dummy)
	mac := hmac.New(sha256.New, dummy)
	mac.Write(dummy)
	_ = mac.Sum(nil)
}

func randomInt(max int) int {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max)))
	if err != nil {
		return 0
	}
	return int(n.Int64())
}
