package main

import (
	"context"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"remarq/cfg"
	"remarq/metrics"
	"remarq/pkg/secrets"
	"remarq/svc/api"
	"remarq/svc/auth"
	"remarq/svc/cache"
	"remarq/svc/db"
	"remarq/svc/lim"
	"remarq/svc/pow"
	"remarq/svc/svc"
	"remarq/svc/util"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "-health" {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		dbPath := os.Getenv("DATABASE_PATH")
		if dbPath == "" {
			dbPath = "remarq.db"
		}

		sqlDB, err := db.NewSQLite(dbPath)
		if err != nil {
			os.Exit(1)
		}
		defer sqlDB.Close()

		pingCtx, pingCancel := context.WithTimeout(ctx, 1*time.Second)
		defer pingCancel()
		if err := sqlDB.DB().PingContext(pingCtx); err != nil {
			os.Exit(1)
		}
		os.Exit(0)
	}

	c, err := cfg.Load()
	if err != nil {
		util.Fatal().Err(err).Msg("failed to load configuration")
		os.Exit(1)
	}
	defer c.Wipe()
	util.InitLog(c.LogLevel, c.Environment == "development")
	util.Info().Msg("starting remarq API")
	metrics.Init()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	provider, err := secrets.New(ctx, c.SecretSource)
	if err != nil {
		util.Fatal().Err(err).Str("source", c.SecretSource).Msg("failed to initialize secrets provider")
		os.Exit(1)
	}
	if c.SecretSource != "env" {
		for key, dst := range map[string]*cfg.Secret{
			"POW_MAGIC_WORD":    &c.MagicWord,
			"CHALLENGE_SECRET":  &c.ChallengeSecret,
			"CAPABILITY_SECRET": &c.CapabilitySecret,
			"SESSION_SECRET":    &c.SessionSecret,
			"PEPPER":            &c.Pepper,
		} {
			val, err := provider.GetSecret(ctx, key)
			if err != nil {
				util.Fatal().Err(err).Str("key", key).Msg("failed to load secret")
				os.Exit(1)
			}
			*dst = cfg.NewSecret(val)
		}
	}
	if err := cfg.Validate(c); err != nil {
		util.Fatal().Err(err).Msg("invalid configuration")
		os.Exit(1)
	}

	if err := util.InitCapabilityKey([]byte(c.CapabilitySecret.Value())); err != nil {
		util.Fatal().Err(err).Msg("failed to init capability key")
		os.Exit(1)
	}
	if err := util.InitIPHasher([]byte(c.Pepper.Value()), c.IPHashRotationInterval); err != nil {
		util.Fatal().Err(err).Msg("failed to initialize IP hasher")
		os.Exit(1)
	}
	defer util.StopIPHasher()
	util.Info().Dur("rotation_interval", c.IPHashRotationInterval).Msg("IP hasher initialized")

	sqlDB, err := db.NewSQLiteWithConfig(c.DatabasePath, c.DBMaxOpenConns, c.DBMaxIdleConns, c.DBQueryTimeout)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to initialize database")
		os.Exit(1)
	}
	defer sqlDB.Close()
	util.Info().Str("path", c.DatabasePath).Msg("database initialized")

	var rdb *db.Redis
	if c.RedisURL != "" {
		rdb, err = db.NewRedis(c.RedisURL, c)
		if err != nil {
			if c.Environment == "production" {
				util.Fatal().Err(err).Msg("CRITICAL: Redis required in production")
				os.Exit(1)
			}
			util.Warn().Err(err).Msg("redis unavailable (dev mode)")
		} else {
			util.Info().Msg("redis connected")
		}
	}
	if rdb != nil {
		defer rdb.Close()
	}

	lruCache, err := cache.NewLRU(c.LRUCacheSize)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to create LRU cache")
		os.Exit(1)
	}
	util.Info().Int("size", c.LRUCacheSize).Msg("LRU cache initialized")

	// With Redis attached, issued challenges become single-use; without
	// it a valid pair can be replayed against the same target until
	// expiry.
	var tracker pow.ConsumedTracker
	if rdb != nil {
		tracker = rdb
		util.Info().Msg("challenge single-use tracker enabled")
	}
	challenger, err := pow.NewChallenger([]byte(c.ChallengeSecret.Value()), tracker)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to initialize challenger")
		os.Exit(1)
	}

	pw, err := auth.NewPasswordVerifier(c.AdminUsername, c.AdminPasswordHash, c.AdminPasswordSalt, c.AdminPBKDF2Iterations)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to initialize password verifier")
		os.Exit(1)
	}
	sessions, err := auth.NewSessionManager([]byte(c.SessionSecret.Value()), c.SessionDuration)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to initialize session manager")
		os.Exit(1)
	}
	var guard auth.GuardStore = sqlDB
	var denylist auth.Denylist = sqlDB
	if rdb != nil {
		guard = rdb
		denylist = rdb
	}
	authenticator, err := auth.NewAuthenticator(pw, sessions, guard, denylist, c.MaxLoginAttempts, c.LoginFailureWindow, c.LoginBlockTTL)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to initialize authenticator")
		os.Exit(1)
	}
	util.Info().
		Int("max_attempts", c.MaxLoginAttempts).
		Dur("failure_window", c.LoginFailureWindow).
		Dur("block_ttl", c.LoginBlockTTL).
		Msg("admin authenticator initialized")

	commentSvc := svc.NewComment(sqlDB, lruCache, rdb, challenger, c)
	util.Info().Msg("comment service initialized")

	limiter := lim.New(c.RateLimit.RPM, c.RateLimit.Burst, c.RateLimit.ConservativeLimit, rdb, c.TrustedProxies)
	defer limiter.Stop()
	util.Info().
		Int("rpm", c.RateLimit.RPM).
		Int("burst", c.RateLimit.Burst).
		Strs("trusted_proxies", c.TrustedProxies).
		Msg("rate limiter initialized")

	server := api.NewServer(c, commentSvc, authenticator, limiter, sqlDB, rdb)

	quitWAL := make(chan struct{})
	go db.StartWALMaintenance(sqlDB.DB(), quitWAL)
	util.Info().Msg("WAL maintenance worker started")

	if err := svc.StartCleaner(ctx, sqlDB, c.CleanupInterval); err != nil {
		util.Error().Err(err).Msg("failed to start cleaner")
	} else {
		util.Info().Msg("auth bookkeeping cleanup worker started")
	}

	go func() {
		util.Info().Msg("starting pprof server on :6060")
		if err := http.ListenAndServe(":6060", nil); err != nil {
			util.Warn().Err(err).Msg("pprof server failed")
		}
	}()

	util.Info().Str("port", c.Port).Str("environment", c.Environment).Msg("server starting")
	go func() {
		if err := server.Start(); err != nil {
			util.Fatal().Err(err).Msg("server failed")
			os.Exit(1)
		}
	}()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	util.Info().Msg("shutting down gracefully...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		util.Error().Err(err).Msg("server shutdown error")
	}
	close(quitWAL)
	cancel()
	commentSvc.Shutdown()
	util.Info().Msg("shutdown complete")
}
