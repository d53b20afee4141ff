package pow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

const (
	// MaxSolveAttempts bounds the brute-force search. Difficulty 4 needs
	// about 65k hashes on average, so 10M leaves wide headroom through
	// difficulty 5 while still failing closed.
	MaxSolveAttempts = 10_000_000

	// NoSolution is the sentinel nonce returned when no solution was found.
	NoSolution = int64(-1)
)

var ErrExhausted = errors.New("pow: attempt budget exhausted")

// Verify recomputes sha256("<challenge>:<nonce>") and checks that the hex
// digest carries difficulty leading '0' characters. Pure and O(1).
func Verify(difficulty int, challenge string, nonce int64) bool {
	if difficulty <= 0 || nonce < 0 {
		return false
	}
	if difficulty > 64 {
		return false
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", challenge, nonce)))
	digest := hex.EncodeToString(sum[:])
	return strings.HasPrefix(digest, strings.Repeat("0", difficulty))
}

// Solve searches nonce = 0, 1, 2, ... until Verify passes or the attempt
// budget runs out. Callers that must not block run it on their own
// goroutine; the context makes an in-flight search abandonable, and no
// partial state survives an abandoned attempt.
func Solve(ctx context.Context, difficulty int, challenge string) (int64, error) {
	if difficulty <= 0 {
		return NoSolution, errors.New("pow: difficulty must be positive")
	}
	prefix := strings.Repeat("0", difficulty)
	for nonce := int64(0); nonce < MaxSolveAttempts; nonce++ {
		if nonce%4096 == 0 {
			select {
			case <-ctx.Done():
				return NoSolution, ctx.Err()
			default:
			}
		}
		sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", challenge, nonce)))
		if strings.HasPrefix(hex.EncodeToString(sum[:]), prefix) {
			return nonce, nil
		}
	}
	return NoSolution, ErrExhausted
}
