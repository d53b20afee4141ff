package pow

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"remarq/svc/util"
)

var (
	ErrInvalidDifficulty = errors.New("challenge: difficulty must be positive")
	ErrMalformed         = errors.New("challenge: malformed")
	ErrBadSignature      = errors.New("challenge: signature mismatch")
	ErrExpired           = errors.New("challenge: expired")
	ErrWorkInvalid       = errors.New("challenge: proof of work invalid")
	ErrReplayed          = errors.New("challenge: already consumed")
)

// ConsumedTracker records challenge/nonce pairs that have already been
// accepted. Backed by Redis when available; a nil tracker means bounded
// replay within the challenge lifetime is accepted.
type ConsumedTracker interface {
	MarkUsed(ctx context.Context, key string, ttl time.Duration) error
	IsUsed(ctx context.Context, key string) (bool, error)
}

// Challenger issues and verifies signed, expiring, target-bound
// challenges. Stateless: any holder of the secret can re-derive the
// signature, so no issuance record is kept.
type Challenger struct {
	secret  []byte
	tracker ConsumedTracker
	now     func() time.Time
}

func NewChallenger(secret []byte, tracker ConsumedTracker) (*Challenger, error) {
	if len(secret) < 32 {
		return nil, errors.New("challenge: secret must be at least 32 bytes")
	}
	sc := make([]byte, len(secret))
	copy(sc, secret)
	return &Challenger{secret: sc, tracker: tracker, now: time.Now}, nil
}

// SetClock overrides the time source. Test hook only.
func (c *Challenger) SetClock(now func() time.Time) { c.now = now }

// Issue returns "<random>:<expiresAtSec>:<difficulty>:<signature>" where
// random concatenates two crypto-random 32-bit values in decimal and
// signature = hex(sha256(payload + ":" + secret)).
func (c *Challenger) Issue(difficulty int, expiry time.Duration) (string, error) {
	if difficulty <= 0 {
		return "", ErrInvalidDifficulty
	}
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", errors.Wrap(err, "challenge: rand")
	}
	random := fmt.Sprintf("%d%d",
		binary.BigEndian.Uint32(buf[0:4]),
		binary.BigEndian.Uint32(buf[4:8]))
	expiresAt := c.now().Add(expiry).Unix()
	payload := fmt.Sprintf("%s:%d:%d", random, expiresAt, difficulty)
	return payload + ":" + c.sign(payload), nil
}

// Verify checks signature, expiry and difficulty of the challenge string,
// then the proof of work over "<challenge>:<boundTarget>". Binding the
// target into the hashed input stops a solved challenge from being
// replayed against a different target.
func (c *Challenger) Verify(ctx context.Context, challenge, boundTarget string, nonce int64) error {
	parts := strings.Split(challenge, ":")
	if len(parts) != 4 {
		return ErrMalformed
	}
	payload := strings.Join(parts[:3], ":")
	expected := c.sign(payload)
	if subtle.ConstantTimeCompare([]byte(parts[3]), []byte(expected)) != 1 {
		return ErrBadSignature
	}
	expiresAt, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return ErrMalformed
	}
	if c.now().Unix() > expiresAt {
		return ErrExpired
	}
	difficulty, err := strconv.Atoi(parts[2])
	if err != nil {
		return ErrMalformed
	}
	if !Verify(difficulty, challenge+":"+boundTarget, nonce) {
		return ErrWorkInvalid
	}
	if c.tracker != nil {
		key := consumedKey(challenge, nonce)
		used, err := c.tracker.IsUsed(ctx, key)
		if err != nil {
			util.Error().Err(err).Msg("challenge replay check failed")
			return errors.Wrap(err, "challenge: replay check")
		}
		if used {
			return ErrReplayed
		}
		ttl := time.Until(time.Unix(expiresAt, 0))
		if ttl < time.Minute {
			ttl = time.Minute
		}
		if err := c.tracker.MarkUsed(ctx, key, ttl); err != nil {
			util.Error().Err(err).Msg("failed to mark challenge consumed")
			return errors.Wrap(err, "challenge: mark consumed")
		}
	}
	return nil
}

func (c *Challenger) sign(payload string) string {
	sum := sha256.Sum256([]byte(payload + ":" + string(c.secret)))
	return hex.EncodeToString(sum[:])
}

func consumedKey(challenge string, nonce int64) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", challenge, nonce)))
	return hex.EncodeToString(sum[:])
}
