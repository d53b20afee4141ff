package auth

import (
	"context"
	"crypto/rand"
	"math/big"
	"time"

	"github.com/pkg/errors"

	"remarq/metrics"
	"remarq/pkg/domain"
	"remarq/svc/util"
)

// Authenticator gates elevated operations. Login attempts walk a fixed
// state machine: active-block check, credential check, then either a
// sliding-window failure increment (possibly escalating to an IP block)
// or a clean session mint.
type Authenticator struct {
	pw          *PasswordVerifier
	sessions    *SessionManager
	guard       GuardStore
	denylist    Denylist
	maxAttempts int
	window      time.Duration
	blockTTL    time.Duration
	now         func() time.Time
	sleep       func(time.Duration)
}

func NewAuthenticator(pw *PasswordVerifier, sessions *SessionManager, guard GuardStore, denylist Denylist, maxAttempts int, window, blockTTL time.Duration) (*Authenticator, error) {
	if pw == nil || sessions == nil || guard == nil || denylist == nil {
		return nil, errors.New("auth: nil dependency")
	}
	if maxAttempts < 1 {
		return nil, errors.New("auth: maxAttempts must be at least 1")
	}
	if window < time.Minute || blockTTL < time.Minute {
		return nil, errors.New("auth: failure window and block TTL must be at least 1 minute")
	}
	return &Authenticator{
		pw:          pw,
		sessions:    sessions,
		guard:       guard,
		denylist:    denylist,
		maxAttempts: maxAttempts,
		window:      window,
		blockTTL:    blockTTL,
		now:         time.Now,
		sleep:       time.Sleep,
	}, nil
}

// SetClock and SetSleep override time sources. Test hooks only.
func (a *Authenticator) SetClock(now func() time.Time)      { a.now = now }
func (a *Authenticator) SetSleep(sleep func(time.Duration)) { a.sleep = sleep }

// Login returns the signed session token and its lifetime on success.
// Failures surface as domain.ErrBlocked or domain.ErrUnauthorized only;
// a bad username and a bad password are not distinguishable.
func (a *Authenticator) Login(ctx context.Context, ipHash, username, password string) (string, time.Duration, error) {
	until, blocked, err := a.guard.BlockedUntil(ctx, ipHash)
	if err != nil {
		return "", 0, errors.Wrap(domain.ErrStorageUnavailable, err.Error())
	}
	if blocked && a.now().Before(until) {
		metrics.AdminLogins.WithLabelValues("blocked").Inc()
		util.Warn().
			Str("ip_hash", util.RedactSensitive("ip_hash", ipHash)).
			Time("blocked_until", until).
			Msg("login attempt from blocked address")
		return "", 0, domain.ErrBlocked
	}

	if !a.pw.Verify(username, password) {
		// A failure that cannot be counted must not pass as an ordinary
		// rejection, or an attacker riding a storage outage gets
		// unlimited attempts.
		count, err := a.guard.IncrFailure(ctx, ipHash, a.window)
		if err != nil {
			util.Error().Err(err).Msg("failed to record login failure")
			return "", 0, errors.Wrap(domain.ErrStorageUnavailable, err.Error())
		}
		if count >= a.maxAttempts {
			if err := a.guard.Block(ctx, ipHash, a.now().Add(a.blockTTL)); err != nil {
				util.Error().Err(err).Msg("failed to write IP block")
				return "", 0, errors.Wrap(domain.ErrStorageUnavailable, err.Error())
			}
			util.Warn().
				Int("failures", count).
				Dur("block_ttl", a.blockTTL).
				Msg("failure threshold reached, address blocked")
		} else {
			util.Warn().
				Int("failures", count).
				Int("max_attempts", a.maxAttempts).
				Msg("failed admin login")
		}
		metrics.AdminLogins.WithLabelValues("failure").Inc()
		// Randomized delay blunts timing probes against the failure path.
		a.sleep(time.Duration(500+randomInt(1000)) * time.Millisecond)
		return "", 0, domain.ErrUnauthorized
	}

	if err := a.guard.ClearFailures(ctx, ipHash); err != nil {
		util.Error().Err(err).Msg("failed to clear login failures")
	}
	token, claims, err := a.sessions.Mint(username)
	if err != nil {
		return "", 0, errors.Wrap(err, "mint session")
	}
	metrics.AdminLogins.WithLabelValues("success").Inc()
	util.Info().Str("jti", claims.ID).Msg("admin session issued")
	return token, a.sessions.Duration(), nil
}

// Logout revokes the session's jti for exactly its remaining lifetime.
// Malformed or absent tokens are ignored, not errors.
func (a *Authenticator) Logout(ctx context.Context, tokenStr string) {
	if tokenStr == "" {
		return
	}
	claims, err := a.sessions.Parse(tokenStr)
	if err != nil {
		util.Debug().Err(err).Msg("logout with unparseable session token")
		return
	}
	ttl := claims.ExpiresAt.Time.Sub(a.now())
	if ttl <= 0 {
		return
	}
	if err := a.denylist.Revoke(ctx, jtiDigest(claims.ID), ttl); err != nil {
		util.Error().Err(err).Msg("failed to revoke session jti")
		return
	}
	util.Info().Str("jti", claims.ID).Dur("ttl", ttl).Msg("admin session revoked")
}

// CheckAuth reports whether the token names a live, unrevoked admin
// session. Never returns an error: every failure maps to false.
func (a *Authenticator) CheckAuth(ctx context.Context, tokenStr string) bool {
	if tokenStr == "" {
		return false
	}
	claims, err := a.sessions.Parse(tokenStr)
	if err != nil {
		return false
	}
	revoked, err := a.denylist.IsRevoked(ctx, jtiDigest(claims.ID))
	if err != nil {
		util.Error().Err(err).Msg("denylist lookup failed, treating session as unauthenticated")
		return false
	}
	return !revoked
}

func jtiDigest(jti string) string {
	return util.SHA256Hex([]byte(jti))
}

func randomInt(max int) int {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max)))
	if err != nil {
		return max / 2
	}
	return int(n.Int64())
}
