package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// LockAcquireCounter counts lock acquisitions by outcome
	// (acquired, unavailable, error).
	LockAcquireCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_lock_acquire_total",
		Help: "Total number of lock acquisition attempts",
	}, []string{"outcome"})
	// LockReleaseCounter counts lock releases by outcome
	// (released, not_held, error).
	LockReleaseCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_lock_release_total",
		Help: "Total number of lock release attempts",
	}, []string{"outcome"})
	// LocksHeldGauge reports the leases this process believes it holds.
	LocksHeldGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "warden_locks_held",
		Help: "Current number of locks held by this instance",
	})
	// CacheRequestCounter counts cache lookups per family and result
	// (hit, miss, near_hit).
	CacheRequestCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_cache_requests_total",
		Help: "Total number of cache lookups",
	}, []string{"family", "result"})
	// InvalidateCounter counts invalidations per family and scope
	// (entry, family).
	InvalidateCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_cache_invalidate_total",
		Help: "Total number of cache invalidations",
	}, []string{"family", "scope"})
	// StaleFillCounter counts cache fills discarded because the family
	// was invalidated while the value was loading.
	StaleFillCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_cache_stale_fill_total",
		Help: "Total number of cache fills rejected by the epoch guard",
	}, []string{"family"})
	// RateLimitCounter counts rate limit decisions (allowed, rejected).
	RateLimitCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_ratelimit_decisions_total",
		Help: "Total number of rate limit decisions",
	}, []string{"decision"})
	// UpdateCounter counts coordinated updates by release policy and final state.
	UpdateCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_update_total",
		Help: "Total number of coordinated updates",
	}, []string{"policy", "result"})
	// UpdateDuration observes the wall time of coordinated updates.
	UpdateDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "warden_update_duration_seconds",
		Help:    "Duration of coordinated updates",
		Buckets: prometheus.DefBuckets,
	})
	// NotificationCounter counts notifications by direction (published, received).
	NotificationCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_notifications_total",
		Help: "Total number of notifications",
	}, []string{"direction"})
	// MismatchCounter counts cached entries found to differ from the
	// source of truth, per family.
	MismatchCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_cache_mismatch_total",
		Help: "Total number of cached entries that differed from the source",
	}, []string{"family"})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// Register registers warden metrics on the provided registry.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		LockAcquireCounter,
		LockReleaseCounter,
		LocksHeldGauge,
		CacheRequestCounter,
		InvalidateCounter,
		StaleFillCounter,
		RateLimitCounter,
		UpdateCounter,
		UpdateDuration,
		NotificationCounter,
		MismatchCounter,
	)
}
