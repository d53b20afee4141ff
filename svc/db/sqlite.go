package db

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/binary"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"remarq/pkg/domain"
)

var ErrCircuitOpen = errors.New("database circuit breaker open")

const (
	circuitClosed      = 0
	circuitOpen        = 1
	circuitHalfOpen    = 2
	maxFailures        = 5
	cooldownSeconds    = 30
	minResponseTime    = 50 * time.Millisecond
	responseTimeJitter = 20 * time.Millisecond
)

const (
	defaultMaxOpenConns = 100
	defaultMaxIdleConns = 10
	defaultQueryTimeout = 5 * time.Second
)

type SQLite struct {
	db            *sql.DB
	failures      int32
	circuitState  int32
	circuitOpened int64
	queryTimeout  time.Duration
}

func (s *SQLite) DB() *sql.DB {
	return s.db
}
func NewSQLite(path string) (*SQLite, error) {
	return NewSQLiteWithConfig(path, defaultMaxOpenConns, defaultMaxIdleConns, defaultQueryTimeout)
}

func NewSQLiteWithConfig(path string, maxOpenConns, maxIdleConns int, queryTimeout time.Duration) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open db")
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(1 * time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)
	if err := db.Ping(); err != nil {
		return nil, errors.Wrap(err, "failed to ping db")
	}
	s := &SQLite{
		db:           db,
		queryTimeout: queryTimeout,
	}
	if err := s.migrate(); err != nil {
		return nil, errors.Wrap(err, "migration failed")
	}
	return s, nil
}
func (s *SQLite) checkCircuit() error {
	state := atomic.LoadInt32(&s.circuitState)
	switch state {
	case circuitClosed:
		return nil
	case circuitOpen:
		opened := atomic.LoadInt64(&s.circuitOpened)
		if time.Now().Unix()-opened >= cooldownSeconds {
			if atomic.CompareAndSwapInt32(&s.circuitState, circuitOpen, circuitHalfOpen) {
				return nil
			}
		}
		return ErrCircuitOpen
	case circuitHalfOpen:
		return nil
	default:
		return nil
	}
}
func (s *SQLite) recordError(err error) {
	if err == nil {
		atomic.StoreInt32(&s.failures, 0)
		atomic.StoreInt32(&s.circuitState, circuitClosed)
		return
	}
	if errors.Is(err, sql.ErrNoRows) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return
	}
	failures := atomic.AddInt32(&s.failures, 1)
	if atomic.LoadInt32(&s.circuitState) == circuitHalfOpen {
		atomic.StoreInt32(&s.circuitState, circuitOpen)
		atomic.StoreInt64(&s.circuitOpened, time.Now().Unix())
		atomic.StoreInt32(&s.failures, 0)
		return
	}
	if failures >= maxFailures && atomic.LoadInt32(&s.circuitState) == circuitClosed {
		atomic.StoreInt32(&s.circuitState, circuitOpen)
		atomic.StoreInt64(&s.circuitOpened, time.Now().Unix())
	}
}
func (s *SQLite) migrate() error {
	_, err := s.db.Exec("PRAGMA journal_mode=WAL")
	if err != nil {
		return errors.Wrap(err, "enable WAL mode")
	}
	_, err = s.db.Exec("PRAGMA busy_timeout = 5000")
	if err != nil {
		return errors.Wrap(err, "set busy timeout")
	}
	_, err = s.db.Exec("PRAGMA synchronous=FULL")
	if err != nil {
		return errors.Wrap(err, "set synchronous mode")
	}
	query := `
	CREATE TABLE IF NOT EXISTS comments (
		id TEXT PRIMARY KEY,
		target TEXT NOT NULL,
		pseudonym TEXT NOT NULL DEFAULT '',
		author_hash TEXT NOT NULL DEFAULT '',
		message TEXT NOT NULL,
		is_admin INTEGER NOT NULL DEFAULT 0,
		deleted INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		edited_at DATETIME,
		client_ip_hash TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_comments_target ON comments(target, created_at);
	CREATE TABLE IF NOT EXISTS login_failures (
		ip_hash TEXT PRIMARY KEY,
		fail_count INTEGER NOT NULL,
		created_at DATETIME NOT NULL,
		expires_at DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS ip_blocks (
		ip_hash TEXT PRIMARY KEY,
		blocked_until DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS revoked_jti (
		jti_hash TEXT PRIMARY KEY,
		expires_at DATETIME NOT NULL
	);
	`
	_, err = s.db.Exec(query)
	return err
}
func normalizeResponseTime(start time.Time) {
	elapsed := time.Since(start)
	var jitterNanos int64
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		jitterNanos = int64(responseTimeJitter)
	} else {
		jitterNanos = int64(binary.BigEndian.Uint64(b[:]) % uint64(responseTimeJitter))
	}
	target := minResponseTime + time.Duration(jitterNanos)
	if elapsed < target {
		time.Sleep(target - elapsed)
	}
}

// Append inserts one comment as its own row. Concurrent appends for the
// same target land as independent inserts, so neither can overwrite the
// other.
func (s *SQLite) Append(ctx context.Context, c *domain.Comment, clientIPHash string) error {
	start := time.Now()
	defer normalizeResponseTime(start)
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `
	INSERT INTO comments (id, target, pseudonym, author_hash, message, is_admin, deleted, created_at, client_ip_hash)
	VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)
	`
	_, err := s.db.ExecContext(queryCtx, q,
		c.ID, c.Target, c.Author.Pseudonym, c.Author.Hash, c.Message, c.IsAdmin, c.CreatedAt, clientIPHash,
	)
	s.recordError(err)
	return errors.Wrap(err, "db append comment")
}
func (s *SQLite) Get(ctx context.Context, id string) (*domain.Comment, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `
	SELECT id, target, pseudonym, author_hash, message, is_admin, deleted, created_at, edited_at
	FROM comments WHERE id = ?
	`
	var c domain.Comment
	var editedAt sql.NullTime
	err := s.db.QueryRowContext(queryCtx, q, id).Scan(
		&c.ID, &c.Target, &c.Author.Pseudonym, &c.Author.Hash, &c.Message, &c.IsAdmin, &c.Deleted, &c.CreatedAt, &editedAt,
	)
	if err == sql.ErrNoRows {
		return nil, domain.ErrCommentNotFound
	}
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "db get comment")
	}
	if editedAt.Valid {
		c.EditedAt = editedAt.Time
	}
	return &c, nil
}
func (s *SQLite) UpdateMessage(ctx context.Context, id, message string, editedAt time.Time) error {
	start := time.Now()
	defer normalizeResponseTime(start)
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `UPDATE comments SET message = ?, edited_at = ? WHERE id = ? AND deleted = 0`
	res, err := s.db.ExecContext(queryCtx, q, message, editedAt, id)
	s.recordError(err)
	if err != nil {
		return errors.Wrap(err, "db update comment")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrCommentNotFound
	}
	return nil
}

// MarkDeleted tombstones the row: content is replaced, the row survives
// so the thread keeps its shape.
func (s *SQLite) MarkDeleted(ctx context.Context, id string, deletedAt time.Time) error {
	start := time.Now()
	defer normalizeResponseTime(start)
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `
	UPDATE comments SET message = ?, pseudonym = '', author_hash = '', deleted = 1, edited_at = ?
	WHERE id = ? AND deleted = 0
	`
	res, err := s.db.ExecContext(queryCtx, q, domain.DeletedMarker, deletedAt, id)
	s.recordError(err)
	if err != nil {
		return errors.Wrap(err, "db mark comment deleted")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrCommentNotFound
	}
	return nil
}
func (s *SQLite) ListByTarget(ctx context.Context, target string) ([]*domain.Comment, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `
	SELECT id, target, pseudonym, author_hash, message, is_admin, deleted, created_at, edited_at
	FROM comments WHERE target = ? ORDER BY created_at ASC
	`
	rows, err := s.db.QueryContext(queryCtx, q, target)
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "db list comments")
	}
	defer rows.Close()
	comments := make([]*domain.Comment, 0, 16)
	for rows.Next() {
		var c domain.Comment
		var editedAt sql.NullTime
		if err := rows.Scan(&c.ID, &c.Target, &c.Author.Pseudonym, &c.Author.Hash, &c.Message, &c.IsAdmin, &c.Deleted, &c.CreatedAt, &editedAt); err != nil {
			return nil, errors.Wrap(err, "db scan comment")
		}
		if editedAt.Valid {
			c.EditedAt = editedAt.Time
		}
		comments = append(comments, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "db iterate comments")
	}
	return comments, nil
}
func (s *SQLite) Exists(ctx context.Context, id string) (bool, error) {
	if err := s.checkCircuit(); err != nil {
		return false, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	var exists int
	q := `SELECT 1 FROM comments WHERE id = ? LIMIT 1`
	err := s.db.QueryRowContext(queryCtx, q, id).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	s.recordError(err)
	if err != nil {
		return false, errors.Wrap(err, "exists check failed")
	}
	return exists == 1, nil
}
func (s *SQLite) Close() error {
	return s.db.Close()
}
