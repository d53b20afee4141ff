package auth

import (
	"context"
	"time"
)

// GuardStore persists login-failure counts and IP blocks, keyed by the
// HMAC of the caller's IP, never the raw address. IncrFailure must be
// atomic per key (upsert-with-increment or equivalent) so concurrent
// failed attempts from a flooding attacker are not undercounted. A count
// whose window has lapsed is treated as zero and restarted.
type GuardStore interface {
	IncrFailure(ctx context.Context, ipHash string, window time.Duration) (int, error)
	ClearFailures(ctx context.Context, ipHash string) error
	Block(ctx context.Context, ipHash string, until time.Time) error
	BlockedUntil(ctx context.Context, ipHash string) (time.Time, bool, error)
}

// Denylist revokes session token IDs before their natural expiry.
// Entries are keyed by a digest of the jti and live exactly as long as
// the token would have.
type Denylist interface {
	Revoke(ctx context.Context, jtiHash string, ttl time.Duration) error
	IsRevoked(ctx context.Context, jtiHash string) (bool, error)
}
