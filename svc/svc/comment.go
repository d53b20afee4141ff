package svc

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
	"golang.org/x/text/unicode/norm"

	"remarq/cfg"
	"remarq/metrics"
	"remarq/pkg/domain"
	"remarq/svc/cache"
	"remarq/svc/db"
	"remarq/svc/pow"
	"remarq/svc/util"
)

// Comment ties the anti-abuse gates to the comment store: a formal
// challenge must be verified before a row is appended, and every
// mutation after that requires the capability token minted at create
// time.
type Comment struct {
	db              *db.SQLite
	lru             *cache.LRU
	rdb             *db.Redis
	challenger      *pow.Challenger
	cfg             *cfg.Cfg
	group           singleflight.Group
	activeCreateOps int32
	maxCreateOps    int32
	now             func() time.Time
	shutdown        atomic.Bool
	opWg            sync.WaitGroup
}

func NewComment(sqlDB *db.SQLite, lru *cache.LRU, rdb *db.Redis, challenger *pow.Challenger, c *cfg.Cfg) *Comment {
	if sqlDB == nil || lru == nil || challenger == nil || c == nil {
		panic("comment service: nil dependency (sqlDB, lru, challenger, or cfg)")
	}
	return &Comment{
		db:           sqlDB,
		lru:          lru,
		rdb:          rdb,
		challenger:   challenger,
		cfg:          c,
		maxCreateOps: 100,
		now:          time.Now,
	}
}

// SetClock overrides the time source, for tests.
func (s *Comment) SetClock(now func() time.Time) { s.now = now }

func (s *Comment) Shutdown() {
	s.shutdown.Store(true)
	s.opWg.Wait()
	util.Debug().Msg("comment service shutdown complete")
}

// RequestChallenge gates formal challenge issuance behind the cheap
// pre-stage proof of work.
func (s *Comment) RequestChallenge(ctx context.Context, preChallenge string, preNonce int64) (string, error) {
	if err := pow.VerifyPre(s.now(), preChallenge, preNonce, s.cfg.PreDifficulty, s.cfg.MagicWord.Value(), s.cfg.PreChallengeWindow); err != nil {
		metrics.PowVerifications.WithLabelValues("pre", "rejected").Inc()
		pow.LogPreFailure(err, util.GetRequestID(ctx))
		return "", domain.ErrChallengeRejected
	}
	metrics.PowVerifications.WithLabelValues("pre", "accepted").Inc()
	challenge, err := s.challenger.Issue(s.cfg.FormalDifficulty, s.cfg.ChallengeExpiry)
	if err != nil {
		return "", errors.Wrap(err, "issue challenge")
	}
	metrics.ChallengesIssued.Inc()
	return challenge, nil
}

// CreateResult is what a successful create hands back to the author:
// the stored comment plus the capability needed to edit or delete it.
type CreateResult struct {
	Comment         *domain.Comment
	IssuedAtMs      int64
	CapabilityToken string
}

func (s *Comment) Create(ctx context.Context, params domain.CreateParams, challenge string, nonce int64) (*CreateResult, error) {
	if s.shutdown.Load() {
		return nil, errors.New("service shutting down")
	}
	s.opWg.Add(1)
	defer s.opWg.Done()
	currentLoad := atomic.AddInt32(&s.activeCreateOps, 1)
	defer atomic.AddInt32(&s.activeCreateOps, -1)
	if currentLoad > s.maxCreateOps {
		return nil, errors.New("create path overloaded")
	}

	// Trim before verification so the PoW binding and the stored target
	// are always the same string.
	params.Target = strings.TrimSpace(params.Target)
	if params.Target == "" {
		return nil, domain.ErrTargetRequired
	}

	if err := s.challenger.Verify(ctx, challenge, params.Target, nonce); err != nil {
		metrics.PowVerifications.WithLabelValues("formal", "rejected").Inc()
		util.Warn().
			Err(err).
			Str("request_id", util.GetRequestID(ctx)).
			Msg("formal challenge rejected")
		return nil, domain.ErrChallengeRejected
	}
	metrics.PowVerifications.WithLabelValues("formal", "accepted").Inc()

	params.Message = norm.NFC.String(strings.TrimSpace(params.Message))
	params.Author.Pseudonym = norm.NFC.String(strings.TrimSpace(params.Author.Pseudonym))
	if params.Message == "" {
		return nil, domain.ErrMessageRequired
	}
	if int64(len(params.Message)) > s.cfg.MaxMessageSize {
		return nil, domain.ErrMessageTooLarge
	}
	if err := params.Author.Validate(); err != nil {
		return nil, err
	}

	id, err := util.GenID(func(id string) (bool, error) {
		return s.db.Exists(ctx, id)
	})
	if err != nil {
		return nil, errors.Wrap(err, "gen id")
	}

	now := s.now()
	comment := &domain.Comment{
		ID:        id,
		Target:    params.Target,
		Author:    params.Author,
		Message:   params.Message,
		IsAdmin:   params.IsAdmin,
		CreatedAt: now,
	}
	if err := s.db.Append(ctx, comment, params.ClientIPHash); err != nil {
		return nil, errors.Wrap(err, "append comment")
	}
	s.invalidateThread(ctx, params.Target)

	issuedAtMs := now.UnixMilli()
	token, err := util.IssueCapability(id, issuedAtMs)
	if err != nil {
		return nil, errors.Wrap(err, "issue capability")
	}
	metrics.CommentCreated.Inc()
	return &CreateResult{
		Comment:         comment,
		IssuedAtMs:      issuedAtMs,
		CapabilityToken: token,
	}, nil
}

// Decoy fabricates a success-shaped create result without touching the
// store. The capability token is real but names a comment that does not
// exist, so any attempt to use it fails the same way a deleted comment
// would.
func (s *Comment) Decoy(ctx context.Context) (*CreateResult, error) {
	metrics.HoneypotHits.Inc()
	id, err := util.GenID(func(string) (bool, error) { return false, nil })
	if err != nil {
		return nil, errors.Wrap(err, "gen decoy id")
	}
	issuedAtMs := s.now().UnixMilli()
	token, err := util.IssueCapability(id, issuedAtMs)
	if err != nil {
		return nil, errors.Wrap(err, "issue decoy capability")
	}
	return &CreateResult{
		Comment:         &domain.Comment{ID: id},
		IssuedAtMs:      issuedAtMs,
		CapabilityToken: token,
	}, nil
}

func (s *Comment) Update(ctx context.Context, id string, issuedAtMs int64, token, message string) error {
	if err := util.VerifyCapability(id, issuedAtMs, token, s.cfg.EditWindow); err != nil {
		metrics.CapabilityChecks.WithLabelValues("rejected").Inc()
		util.Warn().
			Err(err).
			Str("request_id", util.GetRequestID(ctx)).
			Msg("capability rejected")
		return domain.ErrCapabilityRejected
	}
	metrics.CapabilityChecks.WithLabelValues("accepted").Inc()

	message = norm.NFC.String(strings.TrimSpace(message))
	if message == "" {
		return domain.ErrMessageRequired
	}
	if int64(len(message)) > s.cfg.MaxMessageSize {
		return domain.ErrMessageTooLarge
	}

	comment, err := s.db.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.db.UpdateMessage(ctx, id, message, s.now()); err != nil {
		return err
	}
	s.invalidateThread(ctx, comment.Target)
	return nil
}

func (s *Comment) Delete(ctx context.Context, id string, issuedAtMs int64, token string) error {
	if err := util.VerifyCapability(id, issuedAtMs, token, s.cfg.EditWindow); err != nil {
		metrics.CapabilityChecks.WithLabelValues("rejected").Inc()
		util.Warn().
			Err(err).
			Str("request_id", util.GetRequestID(ctx)).
			Msg("capability rejected")
		return domain.ErrCapabilityRejected
	}
	metrics.CapabilityChecks.WithLabelValues("accepted").Inc()

	comment, err := s.db.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.db.MarkDeleted(ctx, id, s.now()); err != nil {
		return err
	}
	s.invalidateThread(ctx, comment.Target)
	util.Info().Str("id", id).Msg("comment tombstoned via capability")
	return nil
}

// AdminDelete tombstones without a capability token; callers must have
// already checked the admin session.
func (s *Comment) AdminDelete(ctx context.Context, id string) error {
	comment, err := s.db.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.db.MarkDeleted(ctx, id, s.now()); err != nil {
		return err
	}
	s.invalidateThread(ctx, comment.Target)
	util.Info().Str("id", id).Msg("comment tombstoned by admin")
	return nil
}

func (s *Comment) ListByTarget(ctx context.Context, target string) ([]*domain.Comment, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return nil, domain.ErrTargetRequired
	}
	if thread, ok := s.lru.GetThread(ctx, target); ok {
		metrics.CacheHits.Inc()
		metrics.CommentRetrieved.Inc()
		return thread, nil
	}
	metrics.CacheMisses.Inc()

	v, err, _ := s.group.Do(target, func() (interface{}, error) {
		if s.rdb != nil {
			if thread, err := s.rdb.GetThread(ctx, target); err == nil && thread != nil {
				s.lru.SetThread(ctx, target, thread, s.cfg.ThreadCacheTTL)
				return thread, nil
			}
		}
		thread, err := s.db.ListByTarget(ctx, target)
		if err != nil {
			return nil, errors.Wrap(err, "list comments")
		}
		s.lru.SetThread(ctx, target, thread, s.cfg.ThreadCacheTTL)
		if s.rdb != nil {
			if err := s.rdb.CacheThread(ctx, target, thread, s.cfg.ThreadCacheTTL); err != nil {
				util.Warn().Err(err).Str("target", target).Msg("failed to cache thread in redis")
			}
		}
		return thread, nil
	})
	if err != nil {
		return nil, err
	}
	metrics.CommentRetrieved.Inc()
	return v.([]*domain.Comment), nil
}

func (s *Comment) invalidateThread(ctx context.Context, target string) {
	s.lru.Delete(target)
	if s.rdb != nil {
		if err := s.rdb.InvalidateThread(ctx, target); err != nil {
			util.Warn().Err(err).Str("target", target).Msg("failed to invalidate redis thread cache")
		}
	}
}

var (
	cleanerOnce    sync.Once
	cleanerRunning atomic.Bool
)

// StartCleaner prunes lapsed login failures, IP blocks, and revoked
// session ids on an interval.
func StartCleaner(ctx context.Context, db *db.SQLite, interval time.Duration) error {
	if cleanerRunning.Load() {
		return errors.New("cleaner already running")
	}
	cleanerOnce.Do(func() {
		cleanerRunning.Store(true)
		go runCleaner(ctx, db, interval)
	})
	return nil
}
func runCleaner(ctx context.Context, db *db.SQLite, interval time.Duration) {
	defer cleanerRunning.Store(false)
	cleanupRequestID := util.NewRequestID()
	ctx = util.SetRequestID(ctx, cleanupRequestID)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	util.Info().
		Str("request_id", cleanupRequestID).
		Dur("interval", interval).
		Msg("cleanup worker started")
	for {
		select {
		case <-ctx.Done():
			util.Info().
				Str("request_id", cleanupRequestID).
				Msg("cleanup worker shutting down")
			return
		case <-ticker.C:
			pruned, err := db.CleanupExpired(ctx)
			metrics.PruneCycles.Inc()
			if err != nil {
				util.Error().
					Err(err).
					Str("request_id", util.GetRequestID(ctx)).
					Msg("cleanup failed")
			} else if pruned > 0 {
				util.Info().
					Int("pruned", pruned).
					Str("request_id", util.GetRequestID(ctx)).
					Msg("cleanup completed")
			}
		}
	}
}
