package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/crypto/pbkdf2"
)

const (
	minIterations     = 100_000
	maxPasswordLength = 1024
)

// PasswordVerifier checks admin credentials against a configured
// PBKDF2-HMAC-SHA256 hash. Hash and salt arrive hex-encoded from the
// secret store; the plaintext password is never persisted anywhere.
type PasswordVerifier struct {
	username   []byte
	hash       []byte
	salt       []byte
	iterations int
}

func NewPasswordVerifier(username, hashHex, saltHex string, iterations int) (*PasswordVerifier, error) {
	if username == "" {
		return nil, errors.New("auth: username must not be empty")
	}
	if iterations < minIterations {
		return nil, errors.Errorf("auth: iterations must be >= %d", minIterations)
	}
	hash, err := hex.DecodeString(hashHex)
	if err != nil {
		return nil, errors.Wrap(err, "auth: invalid password hash encoding")
	}
	if len(hash) != 32 {
		return nil, errors.New("auth: password hash must be 32 bytes")
	}
	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return nil, errors.Wrap(err, "auth: invalid salt encoding")
	}
	if len(salt) < 16 {
		return nil, errors.New("auth: salt must be at least 16 bytes")
	}
	return &PasswordVerifier{
		username:   []byte(username),
		hash:       hash,
		salt:       salt,
		iterations: iterations,
	}, nil
}

// Verify runs the full key derivation regardless of whether the username
// matched, and folds both comparisons into one result. A username miss
// and a password miss are indistinguishable to the caller, by timing and
// by value.
func (v *PasswordVerifier) Verify(username, password string) bool {
	start := time.Now()
	defer func() {
		minDuration := 350 * time.Millisecond
		if elapsed := time.Since(start); elapsed < minDuration {
			time.Sleep(minDuration - elapsed)
		}
	}()
	if len(password) > maxPasswordLength {
		password = password[:maxPasswordLength]
	}
	userMatch := subtle.ConstantTimeCompare([]byte(username), v.username)
	derived := pbkdf2.Key([]byte(password), v.salt, v.iterations, len(v.hash), sha256.New)
	passMatch := subtle.ConstantTimeCompare(derived, v.hash)
	return userMatch&passMatch == 1
}

// HashPassword derives the stored form for a new password. Used by
// provisioning tooling and tests, never by the login path.
func HashPassword(password string, salt []byte, iterations int) string {
	return hex.EncodeToString(pbkdf2.Key([]byte(password), salt, iterations, 32, sha256.New))
}
