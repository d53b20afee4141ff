package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
)

// Login-failure counting, IP blocks and the session-jti denylist.
// SQLite is the fallback when Redis is absent; the failure increment
// uses a single upsert so concurrent failed attempts cannot undercount.

func (s *SQLite) IncrFailure(ctx context.Context, ipHash string, window time.Duration) (int, error) {
	if err := s.checkCircuit(); err != nil {
		return 0, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	now := time.Now()
	q := `
	INSERT INTO login_failures (ip_hash, fail_count, created_at, expires_at)
	VALUES (?, 1, ?, ?)
	ON CONFLICT(ip_hash) DO UPDATE SET
		fail_count = CASE WHEN login_failures.expires_at < ? THEN 1 ELSE login_failures.fail_count + 1 END,
		created_at = CASE WHEN login_failures.expires_at < ? THEN ? ELSE login_failures.created_at END,
		expires_at = ?
	RETURNING fail_count
	`
	expiresAt := now.Add(window)
	var count int
	err := s.db.QueryRowContext(queryCtx, q, ipHash, now, expiresAt, now, now, now, expiresAt).Scan(&count)
	s.recordError(err)
	if err != nil {
		return 0, errors.Wrap(err, "db incr login failure")
	}
	return count, nil
}

func (s *SQLite) ClearFailures(ctx context.Context, ipHash string) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	_, err := s.db.ExecContext(queryCtx, `DELETE FROM login_failures WHERE ip_hash = ?`, ipHash)
	s.recordError(err)
	return errors.Wrap(err, "db clear login failures")
}

func (s *SQLite) Block(ctx context.Context, ipHash string, until time.Time) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `
	INSERT INTO ip_blocks (ip_hash, blocked_until) VALUES (?, ?)
	ON CONFLICT(ip_hash) DO UPDATE SET blocked_until = excluded.blocked_until
	`
	_, err := s.db.ExecContext(queryCtx, q, ipHash, until)
	s.recordError(err)
	return errors.Wrap(err, "db write ip block")
}

func (s *SQLite) BlockedUntil(ctx context.Context, ipHash string) (time.Time, bool, error) {
	if err := s.checkCircuit(); err != nil {
		return time.Time{}, false, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	var until time.Time
	err := s.db.QueryRowContext(queryCtx, `SELECT blocked_until FROM ip_blocks WHERE ip_hash = ?`, ipHash).Scan(&until)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	s.recordError(err)
	if err != nil {
		return time.Time{}, false, errors.Wrap(err, "db read ip block")
	}
	if time.Now().After(until) {
		return time.Time{}, false, nil
	}
	return until, true, nil
}

func (s *SQLite) Revoke(ctx context.Context, jtiHash string, ttl time.Duration) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `
	INSERT INTO revoked_jti (jti_hash, expires_at) VALUES (?, ?)
	ON CONFLICT(jti_hash) DO UPDATE SET expires_at = excluded.expires_at
	`
	_, err := s.db.ExecContext(queryCtx, q, jtiHash, time.Now().Add(ttl))
	s.recordError(err)
	return errors.Wrap(err, "db revoke jti")
}

func (s *SQLite) IsRevoked(ctx context.Context, jtiHash string) (bool, error) {
	if err := s.checkCircuit(); err != nil {
		return false, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	var exists int
	q := `SELECT 1 FROM revoked_jti WHERE jti_hash = ? AND expires_at > ? LIMIT 1`
	err := s.db.QueryRowContext(queryCtx, q, jtiHash, time.Now()).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	s.recordError(err)
	if err != nil {
		return false, errors.Wrap(err, "db denylist lookup")
	}
	return exists == 1, nil
}

// CleanupExpired prunes lapsed failure windows, blocks and denylist
// rows. Run periodically by the cleaner worker.
func (s *SQLite) CleanupExpired(ctx context.Context) (int, error) {
	if err := s.checkCircuit(); err != nil {
		return 0, err
	}
	total := 0
	now := time.Now()
	for _, q := range []string{
		`DELETE FROM login_failures WHERE expires_at < ?`,
		`DELETE FROM ip_blocks WHERE blocked_until < ?`,
		`DELETE FROM revoked_jti WHERE expires_at < ?`,
	} {
		queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
		res, err := s.db.ExecContext(queryCtx, q, now)
		cancel()
		s.recordError(err)
		if err != nil {
			return total, errors.Wrap(err, "cleanup batch failed")
		}
		n, _ := res.RowsAffected()
		total += int(n)
	}
	return total, nil
}
