package observe

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	phlowAuthAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "phlow_auth_attempts_total",
		Help: "Authentication attempts by outcome (success or failure kind).",
	}, []string{"outcome"})

	phlowAuthDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "phlow_auth_duration_seconds",
		Help:    "End-to-end authentication pipeline duration in seconds.",
		Buckets: prometheus.DefBuckets,
	})

	phlowRateLimitChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "phlow_rate_limit_checks_total",
		Help: "Rate limiter admission checks by outcome.",
	}, []string{"limiter", "outcome"})

	phlowBreakerTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "phlow_breaker_transitions_total",
		Help: "Circuit breaker state transitions by breaker name and new state.",
	}, []string{"name", "to"})

	phlowDIDResolutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "phlow_did_resolutions_total",
		Help: "DID resolutions by cache result (hit, store, live, error).",
	}, []string{"result"})

	phlowPeerCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "phlow_peer_calls_total",
		Help: "Peer messaging calls by status.",
	}, []string{"status"})

	eventEmitFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "phlow_event_emit_failures_total",
		Help: "Observability events dropped due to emission failures.",
	})
)

// RecordAuthAttempt records a completed pipeline run. outcome is
// "success" or the failure kind string.
func RecordAuthAttempt(outcome string, d time.Duration) {
	phlowAuthAttemptsTotal.WithLabelValues(outcome).Inc()
	phlowAuthDuration.Observe(d.Seconds())
}

// RecordRateLimitCheck records an admission check for a named limiter.
// outcome is one of "allowed", "denied", "degraded", "error".
func RecordRateLimitCheck(limiter, outcome string) {
	phlowRateLimitChecksTotal.WithLabelValues(limiter, outcome).Inc()
}

// RecordBreakerTransition records a breaker state change.
func RecordBreakerTransition(name, to string) {
	phlowBreakerTransitionsTotal.WithLabelValues(name, to).Inc()
}

// RecordDIDResolution records a DID resolution by source.
// result is one of "hit", "store", "live", "error".
func RecordDIDResolution(result string) {
	phlowDIDResolutionsTotal.WithLabelValues(result).Inc()
}

// RecordPeerCall records a peer messaging round trip by status
// ("ok", "error", "timeout", "refused").
func RecordPeerCall(status string) {
	phlowPeerCallsTotal.WithLabelValues(status).Inc()
}
