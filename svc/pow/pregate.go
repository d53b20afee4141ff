package pow

import (
	"crypto/subtle"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"remarq/svc/util"
)

// Pre-gate failures are distinguishable internally (log only); callers
// must collapse them to one generic rejection.
var (
	ErrPreMalformed = errors.New("pre-pow: malformed challenge")
	ErrPreExpired   = errors.New("pre-pow: challenge expired")
	ErrPreFuture    = errors.New("pre-pow: challenge timestamp in the future")
	ErrPreMagic     = errors.New("pre-pow: magic word mismatch")
	ErrPreWork      = errors.New("pre-pow: proof of work invalid")
)

// IssuePreChallenge builds "<issuedAtSec>:<magicWord>". Normally the
// client constructs this itself with no server round-trip; the helper
// exists for tests and tooling.
func IssuePreChallenge(now time.Time, magicWord string) string {
	return strconv.FormatInt(now.Unix(), 10) + ":" + magicWord
}

// VerifyPre checks a pre-gate challenge: shape, time window, magic word,
// then the proof of work itself. The challenge is unsigned; its only
// guard is the server-known magic word plus the bounded window.
func VerifyPre(now time.Time, challenge string, nonce int64, difficulty int, magicWord string, window time.Duration) error {
	parts := strings.SplitN(challenge, ":", 3)
	if len(parts) != 2 {
		return ErrPreMalformed
	}
	issuedAt, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return ErrPreMalformed
	}
	age := now.Unix() - issuedAt
	if age > int64(window.Seconds()) {
		return ErrPreExpired
	}
	if age < 0 {
		return ErrPreFuture
	}
	if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(magicWord)) != 1 {
		return ErrPreMagic
	}
	if !Verify(difficulty, challenge, nonce) {
		return ErrPreWork
	}
	return nil
}

// LogPreFailure records the precise rejection cause without echoing it
// to the caller.
func LogPreFailure(err error, requestID string) {
	util.Warn().
		Err(err).
		Str("request_id", requestID).
		Msg("pre-pow challenge rejected")
}
