package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CommentCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "remarq_comment_created_total",
		Help: "no. of comments created",
	})
	CommentRetrieved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "remarq_comment_retrieved_total",
		Help: "no. of comment thread reads",
	})
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "remarq_cache_hits_total",
		Help: "no. of cache hits",
	})
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "remarq_cache_misses_total",
		Help: "no. of cache misses",
	})
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "remarq_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "status"},
	)
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remarq_rate_limit_hits_total",
			Help: "no. of rate limit violations",
		},
		[]string{"endpoint"},
	)
	PruneCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "remarq_prune_cycles_total",
		Help: "no. of cleanup worker cycles",
	})
	PowVerifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remarq_pow_verifications_total",
			Help: "no. of proof-of-work verifications",
		},
		[]string{"stage", "result"},
	)
	ChallengesIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "remarq_challenges_issued_total",
		Help: "no. of formal challenges issued",
	})
	CapabilityChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remarq_capability_checks_total",
			Help: "no. of capability token verifications",
		},
		[]string{"result"},
	)
	AdminLogins = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remarq_admin_logins_total",
			Help: "no. of admin login attempts",
		},
		[]string{"result"},
	)
	HoneypotHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "remarq_honeypot_hits_total",
		Help: "no. of submissions caught by the honeypot field",
	})
	RecentErrorRatePercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "remarq_recent_error_rate_percent",
		Help: "5min rolling avg error rate percentage",
	})
)

func Init() {
}
