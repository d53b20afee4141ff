package cfg

import (
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

type Secret struct {
	value []byte
}

func NewSecret(s string) Secret {
	return Secret{value: []byte(s)}
}
func (s Secret) Value() string {
	return string(s.value)
}
func (s Secret) Wipe() {
	for i := range s.value {
		s.value[i] = 0
	}
}
func (s Secret) String() string {
	return "***REDACTED***"
}

type Cfg struct {
	Port                   string
	Environment            string
	LogLevel               string
	DatabasePath           string
	RedisURL               string
	RedisTLS               bool
	RedisUsername          string
	RedisPassword          Secret
	RedisTimeout           time.Duration
	LRUCacheSize           int
	ThreadCacheTTL         time.Duration
	RateLimit              RateLimitCfg
	MaxMessageSize         int64
	PreDifficulty          int
	FormalDifficulty       int
	MagicWord              Secret
	PreChallengeWindow     time.Duration
	ChallengeExpiry        time.Duration
	ChallengeSecret        Secret
	CapabilitySecret       Secret
	EditWindow             time.Duration
	AdminUsername          string
	AdminPasswordHash      string
	AdminPasswordSalt      string
	AdminPBKDF2Iterations  int
	SessionSecret          Secret
	SessionDuration        time.Duration
	MaxLoginAttempts       int
	LoginFailureWindow     time.Duration
	LoginBlockTTL          time.Duration
	SecretSource           string
	TrustedProxies         []string
	MetricsUser            string
	MetricsPass            Secret
	MetricsRequireMTLS     bool
	ContextTimeout         time.Duration
	AllowedOrigins         []string
	DBMaxOpenConns         int
	DBMaxIdleConns         int
	DBQueryTimeout         time.Duration
	CleanupInterval        time.Duration
	Pepper                 Secret
	IPHashRotationInterval time.Duration
}

type RateLimitCfg struct {
	RPM               int
	Burst             int
	ConservativeLimit int
}

func Load() (*Cfg, error) {
	c := &Cfg{}
	c.Port = getEnv("PORT", "8080")
	c.Environment = getEnv("ENVIRONMENT", "development")
	c.LogLevel = getEnv("LOG_LEVEL", "info")
	c.DatabasePath = getEnv("DATABASE_PATH", "remarq.db")
	c.RedisURL = getEnv("REDIS_URL", "")
	c.RedisTLS = getEnv("REDIS_TLS", "false") == "true"
	c.RedisUsername = getEnv("REDIS_USERNAME", "")
	c.RedisPassword = NewSecret(getEnv("REDIS_PASSWORD", ""))
	var err error
	c.RedisTimeout, err = getDuration("REDIS_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, err
	}
	c.LRUCacheSize, err = getInt("LRU_CACHE_SIZE", 1000)
	if err != nil {
		return nil, err
	}
	c.ThreadCacheTTL, err = getDuration("THREAD_CACHE_TTL", 30*time.Second)
	if err != nil {
		return nil, err
	}
	c.RateLimit.RPM, err = getInt("RATE_LIMIT_RPM", 60)
	if err != nil {
		return nil, err
	}
	c.RateLimit.Burst, err = getInt("RATE_LIMIT_BURST", 10)
	if err != nil {
		return nil, err
	}
	c.RateLimit.ConservativeLimit, err = getInt("RATE_LIMIT_CONSERVATIVE", 5)
	if err != nil {
		return nil, err
	}
	c.MaxMessageSize, err = getInt64("MAX_MESSAGE_SIZE", 16*1024)
	if err != nil {
		return nil, err
	}
	c.PreDifficulty, err = getInt("POW_PRE_DIFFICULTY", 2)
	if err != nil {
		return nil, err
	}
	c.FormalDifficulty, err = getInt("POW_FORMAL_DIFFICULTY", 4)
	if err != nil {
		return nil, err
	}
	c.MagicWord = NewSecret(getEnv("POW_MAGIC_WORD", ""))
	c.PreChallengeWindow, err = getDuration("POW_PRE_WINDOW", 30*time.Second)
	if err != nil {
		return nil, err
	}
	c.ChallengeExpiry, err = getDuration("CHALLENGE_EXPIRY", 5*time.Minute)
	if err != nil {
		return nil, err
	}
	c.ChallengeSecret = NewSecret(getEnv("CHALLENGE_SECRET", ""))
	c.CapabilitySecret = NewSecret(getEnv("CAPABILITY_SECRET", ""))
	c.EditWindow, err = getDuration("EDIT_WINDOW", 24*time.Hour)
	if err != nil {
		return nil, err
	}
	c.AdminUsername = getEnv("ADMIN_USERNAME", "")
	c.AdminPasswordHash = getEnv("ADMIN_PASSWORD_HASH", "")
	c.AdminPasswordSalt = getEnv("ADMIN_PASSWORD_SALT", "")
	c.AdminPBKDF2Iterations, err = getInt("ADMIN_PBKDF2_ITERATIONS", 210000)
	if err != nil {
		return nil, err
	}
	c.SessionSecret = NewSecret(getEnv("SESSION_SECRET", ""))
	c.SessionDuration, err = getDuration("SESSION_DURATION", 12*time.Hour)
	if err != nil {
		return nil, err
	}
	c.MaxLoginAttempts, err = getInt("MAX_LOGIN_ATTEMPTS", 5)
	if err != nil {
		return nil, err
	}
	c.LoginFailureWindow, err = getDuration("LOGIN_FAILURE_WINDOW", 15*time.Minute)
	if err != nil {
		return nil, err
	}
	c.LoginBlockTTL, err = getDuration("LOGIN_BLOCK_TTL", 1*time.Hour)
	if err != nil {
		return nil, err
	}
	c.SecretSource = getEnv("SECRET_SOURCE", "env")
	c.TrustedProxies = getSlice("TRUSTED_PROXIES", []string{})
	c.MetricsUser = getEnv("METRICS_USER", "")
	c.MetricsPass = NewSecret(getEnv("METRICS_PASS", ""))
	c.MetricsRequireMTLS = getEnv("METRICS_REQUIRE_MTLS", "false") == "true"
	c.ContextTimeout, err = getDuration("CONTEXT_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, err
	}
	c.AllowedOrigins = getSlice("ALLOWED_ORIGINS", []string{})

	c.DBMaxOpenConns, err = getInt("DB_MAX_OPEN_CONNS", 100)
	if err != nil {
		return nil, err
	}
	c.DBMaxIdleConns, err = getInt("DB_MAX_IDLE_CONNS", 10)
	if err != nil {
		return nil, err
	}
	c.DBQueryTimeout, err = getDuration("DB_QUERY_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, err
	}
	c.CleanupInterval, err = getDuration("CLEANUP_INTERVAL", 10*time.Minute)
	if err != nil {
		return nil, err
	}
	c.Pepper = NewSecret(getEnv("PEPPER", ""))
	c.IPHashRotationInterval, err = getDuration("IP_HASH_ROTATION_INTERVAL", 1*time.Hour)
	if err != nil {
		return nil, err
	}
	return c, nil
}
func Validate(c *Cfg) error {
	if c.Port == "" {
		return errors.New("PORT is required")
	}
	if _, err := strconv.Atoi(c.Port); err != nil {
		return errors.New("PORT must be a number")
	}

	if c.DatabasePath == "" {
		return errors.New("DATABASE_PATH is required")
	}
	workDir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get working directory: %w", err)
	}
	absWorkDir, err := filepath.Abs(workDir)
	if err != nil {
		return fmt.Errorf("failed to resolve working directory: %w", err)
	}
	absDBPath, err := filepath.Abs(c.DatabasePath)
	if err != nil {
		return fmt.Errorf("invalid DATABASE_PATH: %w", err)
	}
	if !strings.HasPrefix(absDBPath, absWorkDir+string(filepath.Separator)) && absDBPath != absWorkDir {
		return fmt.Errorf("DATABASE_PATH must be within working directory %s", absWorkDir)
	}
	if c.RedisURL != "" {
		if !strings.HasPrefix(c.RedisURL, "redis://") && !strings.HasPrefix(c.RedisURL, "rediss://") {
			return errors.New("REDIS_URL must start with redis:// or rediss://")
		}
		if strings.HasPrefix(c.RedisURL, "rediss://") && !c.RedisTLS {
			return errors.New("REDIS_URL uses rediss:// but REDIS_TLS=false")
		}
	}

	if c.LRUCacheSize <= 0 {
		return errors.New("LRU_CACHE_SIZE must be positive")
	}
	if c.RateLimit.RPM <= 0 {
		return errors.New("RATE_LIMIT_RPM must be positive")
	}

	if c.MaxMessageSize <= 0 {
		return errors.New("MAX_MESSAGE_SIZE must be positive")
	}
	if c.MaxMessageSize > 1024*1024 {
		return errors.New("MAX_MESSAGE_SIZE cannot exceed 1MB")
	}

	if c.PreDifficulty < 1 || c.PreDifficulty > 8 {
		return errors.New("POW_PRE_DIFFICULTY must be between 1 and 8")
	}
	if c.FormalDifficulty < 1 || c.FormalDifficulty > 8 {
		return errors.New("POW_FORMAL_DIFFICULTY must be between 1 and 8")
	}
	if c.FormalDifficulty < c.PreDifficulty {
		return errors.New("POW_FORMAL_DIFFICULTY must be >= POW_PRE_DIFFICULTY")
	}
	if c.MagicWord.Value() == "" {
		return errors.New("POW_MAGIC_WORD is required")
	}
	if c.PreChallengeWindow < 5*time.Second || c.PreChallengeWindow > 5*time.Minute {
		return errors.New("POW_PRE_WINDOW must be between 5s and 5m")
	}
	if c.ChallengeExpiry < 1*time.Minute || c.ChallengeExpiry > 1*time.Hour {
		return errors.New("CHALLENGE_EXPIRY must be between 1m and 1h")
	}

	if c.EditWindow < 1*time.Minute {
		return errors.New("EDIT_WINDOW must be at least 1 minute")
	}
	if c.EditWindow > 30*24*time.Hour {
		return errors.New("EDIT_WINDOW cannot exceed 30 days")
	}

	if c.AdminUsername == "" {
		return errors.New("ADMIN_USERNAME is required")
	}
	if _, err := hex.DecodeString(c.AdminPasswordHash); err != nil || c.AdminPasswordHash == "" {
		return errors.New("ADMIN_PASSWORD_HASH must be a hex string")
	}
	if _, err := hex.DecodeString(c.AdminPasswordSalt); err != nil || c.AdminPasswordSalt == "" {
		return errors.New("ADMIN_PASSWORD_SALT must be a hex string")
	}
	if c.AdminPBKDF2Iterations < 100000 {
		return errors.New("ADMIN_PBKDF2_ITERATIONS must be >= 100000")
	}
	if c.SessionDuration < 5*time.Minute || c.SessionDuration > 7*24*time.Hour {
		return errors.New("SESSION_DURATION must be between 5m and 7 days")
	}
	if c.MaxLoginAttempts < 3 {
		return errors.New("MAX_LOGIN_ATTEMPTS must be at least 3")
	}
	if c.LoginFailureWindow < 1*time.Minute {
		return errors.New("LOGIN_FAILURE_WINDOW must be at least 1 minute")
	}
	if c.LoginBlockTTL < c.LoginFailureWindow {
		return errors.New("LOGIN_BLOCK_TTL must be >= LOGIN_FAILURE_WINDOW")
	}

	switch c.SecretSource {
	case "env", "vault", "awssm":
	default:
		return fmt.Errorf("SECRET_SOURCE must be env, vault, or awssm, got %q", c.SecretSource)
	}
	if c.SecretSource == "env" {
		for name, v := range map[string]string{
			"CHALLENGE_SECRET":  c.ChallengeSecret.Value(),
			"CAPABILITY_SECRET": c.CapabilitySecret.Value(),
			"SESSION_SECRET":    c.SessionSecret.Value(),
			"PEPPER":            c.Pepper.Value(),
		} {
			if len(v) < 32 {
				return fmt.Errorf("%s must be at least 32 bytes", name)
			}
		}
	}

	for _, proxy := range c.TrustedProxies {
		if strings.Contains(proxy, "/") {
			if _, _, err := net.ParseCIDR(proxy); err != nil {
				return fmt.Errorf("invalid CIDR in TRUSTED_PROXIES: %s", proxy)
			}
		} else {
			if net.ParseIP(proxy) == nil {
				return fmt.Errorf("invalid IP in TRUSTED_PROXIES: %s", proxy)
			}
		}
	}

	if c.Environment == "production" {
		if c.MetricsUser == "" || c.MetricsPass.Value() == "" {
			return errors.New("METRICS_USER and METRICS_PASS are required in production")
		}
	}

	if c.IPHashRotationInterval < 15*time.Minute {
		return errors.New("IP_HASH_ROTATION_INTERVAL must be at least 15 minutes")
	}
	if c.IPHashRotationInterval > 24*time.Hour {
		return errors.New("IP_HASH_ROTATION_INTERVAL should not exceed 24 hours")
	}
	if c.CleanupInterval < 1*time.Minute {
		return errors.New("CLEANUP_INTERVAL must be at least 1 minute")
	}

	return nil
}
func (c *Cfg) Wipe() {
	c.RedisPassword.Wipe()
	c.MetricsPass.Wipe()
	c.MagicWord.Wipe()
	c.ChallengeSecret.Wipe()
	c.CapabilitySecret.Wipe()
	c.SessionSecret.Wipe()
	c.Pepper.Wipe()
}
func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}
func getInt(key string, fallback int) (int, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return v, nil
}
func getInt64(key string, fallback int64) (int64, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return v, nil
}
func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration for %s: %w", key, err)
	}
	return v, nil
}
func getSlice(key string, fallback []string) []string {
	s := getEnv(key, "")
	if s == "" {
		return fallback
	}
	parts := strings.Split(s, ",")
	var result []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
