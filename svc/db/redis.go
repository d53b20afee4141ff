package db

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"remarq/cfg"
	"remarq/pkg/domain"
)

type Redis struct {
	client  *redis.Client
	timeout time.Duration
}

func NewRedis(url string, cfg *cfg.Cfg) (*Redis, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	opt.PoolSize = 50
	opt.MinIdleConns = 10
	opt.PoolTimeout = 4 * time.Second
	opt.ConnMaxIdleTime = 5 * time.Minute
	opt.MaxRetries = 3
	opt.MinRetryBackoff = 8 * time.Millisecond
	opt.MaxRetryBackoff = 512 * time.Millisecond
	if cfg.RedisTLS {
		tlsConfig, err := buildRedisTLSConfig()
		if err != nil {
			return nil, errors.Wrap(err, "failed to build Redis TLS config")
		}
		opt.TLSConfig = tlsConfig
	}
	if cfg.RedisUsername != "" {
		opt.Username = cfg.RedisUsername
	}
	if cfg.RedisPassword.Value() != "" {
		opt.Password = cfg.RedisPassword.Value()
	}
	client := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, errors.Wrap(err, "ping redis")
	}
	return &Redis{
		client:  client,
		timeout: cfg.RedisTimeout,
	}, nil
}
func buildRedisTLSConfig() (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS13,
		MaxVersion: tls.VersionTLS13,
	}
	redisHostname := os.Getenv("REDIS_HOSTNAME")
	if redisHostname == "" {
		return nil, fmt.Errorf("REDIS_HOSTNAME must be set when REDIS_TLS=true")
	}
	tlsConfig.ServerName = redisHostname
	certPath := os.Getenv("REDIS_TLS_CA_CERT")
	if certPath != "" {
		caCert, err := os.ReadFile(certPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read Redis CA cert: %w", err)
		}
		certPool := x509.NewCertPool()
		if !certPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to append Redis CA cert to pool")
		}
		tlsConfig.RootCAs = certPool
	} else {
		systemPool, err := x509.SystemCertPool()
		if err != nil {
			return nil, fmt.Errorf("failed to load system cert pool: %w", err)
		}
		tlsConfig.RootCAs = systemPool
	}
	env := os.Getenv("ENVIRONMENT")
	if env != "production" {
		devCertPath := os.Getenv("REDIS_TLS_DEV_CA")
		if devCertPath != "" {
			devCert, err := os.ReadFile(devCertPath)
			if err != nil {
				return nil, fmt.Errorf("failed to read dev CA cert: %w", err)
			}
			if tlsConfig.RootCAs == nil {
				tlsConfig.RootCAs = x509.NewCertPool()
			}
			if !tlsConfig.RootCAs.AppendCertsFromPEM(devCert) {
				return nil, fmt.Errorf("failed to append dev CA cert")
			}
		}
	}
	return tlsConfig, nil
}
func (r *Redis) CacheThread(ctx context.Context, target string, comments []*domain.Comment, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	data, err := json.Marshal(comments)
	if err != nil {
		return errors.Wrap(err, "marshal thread")
	}
	return errors.Wrap(r.client.Set(ctx, "thread:"+target, data, ttl).Err(), "set thread")
}
func (r *Redis) GetThread(ctx context.Context, target string) ([]*domain.Comment, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	data, err := r.client.Get(ctx, "thread:"+target).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "get thread")
	}
	var comments []*domain.Comment
	if err := json.Unmarshal(data, &comments); err != nil {
		return nil, errors.Wrap(err, "unmarshal thread")
	}
	return comments, nil
}
func (r *Redis) InvalidateThread(ctx context.Context, target string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.client.Del(ctx, "thread:"+target).Err(); err != nil {
		return errors.Wrap(err, "invalidate thread")
	}
	return nil
}
func (r *Redis) RateLimit(ctx context.Context, key string, limit int, window time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	script := redis.NewScript(`
		local current = redis.call("GET", KEYS[1])
		if current == false then
			current = 0
		else
			current = tonumber(current)
		end
		if current >= tonumber(ARGV[2]) then
			return current
		end
		local new_val = redis.call("INCR", KEYS[1])
		if new_val == 1 then
			redis.call("PEXPIRE", KEYS[1], ARGV[1])
		end
		return new_val
	`)
	usage, err := script.Run(ctx, r.client, []string{key}, int(window.Milliseconds()), limit).Int()
	if err != nil {
		return 0, errors.Wrap(err, "rate limit lua")
	}
	return usage, nil
}

// MarkUsed / IsUsed implement single-use tracking for consumed formal
// challenges.
func (r *Redis) MarkUsed(ctx context.Context, key string, ttl time.Duration) error {
	if key == "" {
		return errors.New("consumed key cannot be empty")
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.client.Set(ctx, "consumed:"+key, "1", ttl).Err()
}
func (r *Redis) IsUsed(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, errors.New("consumed key cannot be empty")
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	result, err := r.client.Exists(ctx, "consumed:"+key).Result()
	if err != nil {
		return false, err
	}
	return result > 0, nil
}

// Revoke / IsRevoked back the session-jti denylist.
func (r *Redis) Revoke(ctx context.Context, jtiHash string, ttl time.Duration) error {
	if jtiHash == "" {
		return errors.New("jti hash cannot be empty")
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.client.Set(ctx, "revoked_jti:"+jtiHash, "1", ttl).Err()
}
func (r *Redis) IsRevoked(ctx context.Context, jtiHash string) (bool, error) {
	if jtiHash == "" {
		return false, errors.New("jti hash cannot be empty")
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	result, err := r.client.Exists(ctx, "revoked_jti:"+jtiHash).Result()
	if err != nil {
		return false, err
	}
	return result > 0, nil
}

// IncrFailure counts login failures in a sliding window. The INCR and
// expiry refresh run in one transaction per key, so a flood of
// concurrent failures cannot undercount.
func (r *Redis) IncrFailure(ctx context.Context, ipHash string, window time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	key := "login_fail:" + ipHash
	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.PExpire(ctx, key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, errors.Wrap(err, "incr login failure")
	}
	return int(incr.Val()), nil
}
func (r *Redis) ClearFailures(ctx context.Context, ipHash string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return errors.Wrap(r.client.Del(ctx, "login_fail:"+ipHash).Err(), "clear login failures")
}
func (r *Redis) Block(ctx context.Context, ipHash string, until time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	ttl := time.Until(until)
	if ttl <= 0 {
		return nil
	}
	return errors.Wrap(r.client.Set(ctx, "ip_block:"+ipHash, until.Unix(), ttl).Err(), "write ip block")
}
func (r *Redis) BlockedUntil(ctx context.Context, ipHash string) (time.Time, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	unix, err := r.client.Get(ctx, "ip_block:"+ipHash).Int64()
	if err == redis.Nil {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, errors.Wrap(err, "read ip block")
	}
	until := time.Unix(unix, 0)
	if time.Now().After(until) {
		return time.Time{}, false, nil
	}
	return until, true, nil
}
func (r *Redis) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}
