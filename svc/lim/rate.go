package lim

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"remarq/svc/db"
	"remarq/svc/util"
)

const (
	maxLimiters     = 10000
	cleanupInterval = 5 * time.Minute
	limiterTTL      = 30 * time.Minute
	adaptiveWindow  = 60 * time.Second
	redisBudget     = 100 * time.Millisecond
)

// Limiter enforces per-endpoint request budgets. With Redis attached,
// counting is shared across instances; without it, each instance falls
// back to conservative local token buckets keyed by hashed caller
// identity. Limiter keys never contain a raw address.
type Limiter struct {
	rdb            *db.Redis
	trustedProxies []string
	detector       *AnomalyDetector

	adaptiveUntil int64

	mu                sync.Mutex
	local             map[string]*limiterEntry
	conservativeLimit int
	burstLimit        int
	globalRPM         int
	quit              chan struct{}
	evictionSem       chan struct{}
}

type limiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

type RateLimitResult struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Time
}

func New(globalRPM, perIPBurst, conservativeLimit int, rdb *db.Redis, trustedProxies []string) *Limiter {
	for _, proxy := range trustedProxies {
		if strings.Contains(proxy, "/") {
			if _, _, err := net.ParseCIDR(proxy); err != nil {
				panic(fmt.Sprintf("invalid CIDR in trustedProxies: %s: %v", proxy, err))
			}
		} else if net.ParseIP(proxy) == nil {
			panic(fmt.Sprintf("invalid IP in trustedProxies: %s", proxy))
		}
	}
	l := &Limiter{
		rdb:               rdb,
		trustedProxies:    trustedProxies,
		local:             make(map[string]*limiterEntry),
		conservativeLimit: conservativeLimit,
		burstLimit:        perIPBurst,
		globalRPM:         globalRPM,
		quit:              make(chan struct{}),
		evictionSem:       make(chan struct{}, 1),
	}
	l.detector = NewAnomalyDetector(l.TriggerAdaptiveMode)
	l.detector.Start()
	go l.cleanupLoop()
	return l
}

func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.evictStale()
		case <-l.quit:
			return
		}
	}
}

func (l *Limiter) evictStale() {
	now := time.Now()
	l.mu.Lock()
	evicted := 0
	for key, entry := range l.local {
		if now.Sub(entry.lastAccess) > limiterTTL {
			delete(l.local, key)
			evicted++
		}
	}
	remaining := len(l.local)
	l.mu.Unlock()
	if evicted > 0 {
		util.Debug().Int("evicted", evicted).Int("remaining", remaining).Msg("rate limiter cleanup")
	}
}

func (l *Limiter) Stop() {
	close(l.quit)
	l.detector.Stop()
}

// TriggerAdaptiveMode halves limits for the next minute. Wired to the
// anomaly detector.
func (l *Limiter) TriggerAdaptiveMode() {
	atomic.StoreInt64(&l.adaptiveUntil, time.Now().Add(adaptiveWindow).Unix())
}

func (l *Limiter) isAdaptiveMode() bool {
	return time.Now().Unix() < atomic.LoadInt64(&l.adaptiveUntil)
}

func (l *Limiter) RecordRequest() { l.detector.RecordRequest() }
func (l *Limiter) RecordError()   { l.detector.RecordError() }

func deny(limit int) *RateLimitResult {
	return &RateLimitResult{Allowed: false, Limit: limit, Reset: time.Now().Add(time.Minute)}
}

// CheckLimit resolves the caller to its hashed identity, applies the
// shared global budget when Redis is attached, and delegates the
// per-caller decision to Allow.
func (l *Limiter) CheckLimit(w http.ResponseWriter, r *http.Request, endpoint string) *RateLimitResult {
	callerID := HashCaller(GetRealIP(r, l.trustedProxies))

	globalLimit := l.globalRPM
	if l.rdb == nil {
		globalLimit = l.conservativeLimit
	}
	if l.isAdaptiveMode() {
		globalLimit = max(1, globalLimit/2)
	}

	usage := 0
	if l.rdb != nil {
		ctx, cancel := context.WithTimeout(r.Context(), redisBudget)
		n, err := l.rdb.RateLimit(ctx, "global:"+endpoint, globalLimit, time.Minute)
		cancel()
		switch {
		case err != nil:
			util.Warn().Err(err).Msg("redis rate limit unavailable, using local fallback")
		case n > globalLimit:
			return deny(globalLimit)
		default:
			usage = n
		}
	}

	if !l.Allow(r.Context(), callerID, endpoint) {
		return deny(globalLimit)
	}
	return &RateLimitResult{
		Allowed:   true,
		Limit:     globalLimit,
		Remaining: max(0, globalLimit-usage),
		Reset:     time.Now().Add(time.Minute),
	}
}

// Allow is the minimal accept/reject contract: the caller is known only
// by its hashed identity, never a raw address.
func (l *Limiter) Allow(ctx context.Context, hashedCallerID, endpoint string) bool {
	if l.rdb != nil {
		ctx, cancel := context.WithTimeout(ctx, redisBudget)
		defer cancel()
		usage, err := l.rdb.RateLimit(ctx, "caller:"+endpoint+":"+hashedCallerID, l.burstLimit, time.Minute)
		if err == nil {
			return usage <= l.burstLimit
		}
		util.Warn().Err(err).Msg("redis per-caller limit unavailable, using local fallback")
	}
	return l.failClosedLocal(hashedCallerID, endpoint).Allowed
}

// HashCaller reduces a caller address to its keyed hash. Uses the
// rotating IP hasher when initialized; otherwise a plain digest so the
// raw address still never becomes a limiter key.
func HashCaller(ip string) string {
	if hasher, err := util.GetIPHasher(); err == nil {
		if h, err := hasher.HashIP(ip); err == nil {
			return h
		}
	}
	return util.SHA256Hex([]byte(ip))
}

func (l *Limiter) failClosedLocal(callerID, endpoint string) *RateLimitResult {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.local) >= (maxLimiters*9)/10 {
		if toEvict := len(l.local) / 10; toEvict > 0 {
			select {
			case l.evictionSem <- struct{}{}:
				go func() {
					defer func() { <-l.evictionSem }()
					l.evictOldest(toEvict)
				}()
			default:
			}
		}
	}
	if len(l.local) >= maxLimiters {
		util.Warn().
			Int("limiters", len(l.local)).
			Str("caller", util.RedactSensitive("caller_hash", callerID)).
			Msg("rate limiter at capacity, rejecting request")
		return deny(l.conservativeLimit)
	}

	limit := l.conservativeLimit
	if l.isAdaptiveMode() {
		limit = max(1, limit/2)
	}
	key := callerID + ":" + endpoint
	entry, ok := l.local[key]
	if !ok {
		entry = &limiterEntry{
			limiter: rate.NewLimiter(rate.Limit(limit)/60.0, limit),
		}
		l.local[key] = entry
	}
	entry.lastAccess = time.Now()
	if !entry.limiter.Allow() {
		return deny(limit)
	}
	return &RateLimitResult{
		Allowed:   true,
		Limit:     limit,
		Remaining: l.conservativeLimit - 1,
		Reset:     time.Now().Add(time.Minute),
	}
}

// evictOldest drops the least recently used entries once the map nears
// capacity. Runs off the request path.
func (l *Limiter) evictOldest(count int) {
	l.mu.Lock()
	if len(l.local) < (maxLimiters*8)/10 {
		l.mu.Unlock()
		return
	}
	type kv struct {
		key        string
		lastAccess time.Time
	}
	entries := make([]kv, 0, len(l.local))
	for k, v := range l.local {
		entries = append(entries, kv{k, v.lastAccess})
	}
	l.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].lastAccess.Before(entries[j].lastAccess)
	})

	l.mu.Lock()
	defer l.mu.Unlock()
	evicted := 0
	for i := 0; i < count && i < len(entries); i++ {
		if _, ok := l.local[entries[i].key]; ok {
			delete(l.local, entries[i].key)
			evicted++
		}
	}
	if evicted > 0 {
		util.Debug().Int("evicted", evicted).Msg("limiter eviction completed")
	}
}

// GetRealIP resolves the client address, honoring X-Forwarded-For only
// when the direct peer is a trusted proxy. The header is walked right
// to left so an attacker-prepended entry cannot spoof identity.
func GetRealIP(r *http.Request, trustedProxies []string) string {
	remoteIP := stripPort(r.RemoteAddr)
	if len(trustedProxies) == 0 || !isTrustedProxy(remoteIP, trustedProxies) {
		return remoteIP
	}
	xff := r.Header.Get("X-Forwarded-For")
	if xff == "" {
		return remoteIP
	}

	const maxHops = 100
	parsed := 0
	remaining := xff
	for len(remaining) > 0 && parsed < maxHops {
		var hop string
		if i := strings.LastIndexByte(remaining, ','); i == -1 {
			hop = strings.TrimSpace(remaining)
			remaining = ""
		} else {
			hop = strings.TrimSpace(remaining[i+1:])
			remaining = remaining[:i]
		}
		if hop == "" {
			continue
		}
		parsed++
		if net.ParseIP(hop) == nil {
			util.Warn().Str("ip", util.RedactIP(hop)).Msg("invalid IP in X-Forwarded-For, skipping")
			continue
		}
		if !isTrustedProxy(hop, trustedProxies) {
			return hop
		}
	}
	if parsed >= maxHops {
		util.Warn().Int("parsed", parsed).Msg("X-Forwarded-For excessive, truncated parsing")
	}
	return remoteIP
}

func isTrustedProxy(ip string, trustedProxies []string) bool {
	for _, proxy := range trustedProxies {
		if ip == proxy {
			return true
		}
		if strings.Contains(proxy, "/") {
			if _, subnet, err := net.ParseCIDR(proxy); err == nil {
				if parsed := net.ParseIP(ip); parsed != nil && subnet.Contains(parsed) {
					return true
				}
			}
		}
	}
	return false
}

func stripPort(ip string) string {
	if host, _, err := net.SplitHostPort(ip); err == nil {
		return host
	}
	return ip
}
