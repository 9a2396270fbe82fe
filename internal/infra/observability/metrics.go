package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

// Metrics holds all Prometheus metrics for the crowd-density service.
type Metrics struct {
	// Registry is the Prometheus registry that owns these metrics.
	// Exposed so the /metrics endpoint can use it.
	Registry *prometheus.Registry

	resolveDuration     *prometheus.HistogramVec
	resolvesTotal       *prometheus.CounterVec
	cacheHits           *prometheus.CounterVec
	cacheMisses         prometheus.Counter
	upstreamErrors      *prometheus.CounterVec
	rateLimitHits       *prometheus.CounterVec
	breakerTransitions  *prometheus.CounterVec
	keyBlacklists       *prometheus.CounterVec
	batchFlushes        prometheus.Counter
	batchSize           prometheus.Histogram
	batchCallsSaved     prometheus.Counter
	emergencyActivation prometheus.Counter
}

// NewMetrics creates a dedicated Prometheus registry and registers all
// application metrics in it. Using a private registry avoids "duplicate
// collector" panics when NewMetrics is called more than once (e.g. in tests).
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		resolveDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crowdsense_resolve_duration_seconds",
				Help:    "Duration of resolve requests by result source.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"source"},
		),
		resolvesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crowdsense_resolves_total",
				Help: "Total resolve requests by result source.",
			},
			[]string{"source"},
		),
		cacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crowdsense_cache_hits_total",
				Help: "Total cache hits by tier.",
			},
			[]string{"tier"},
		),
		cacheMisses: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "crowdsense_cache_misses_total",
				Help: "Total full cache misses across all tiers.",
			},
		),
		upstreamErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crowdsense_upstream_errors_total",
				Help: "Total errors from upstream services.",
			},
			[]string{"service"},
		),
		rateLimitHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crowdsense_rate_limit_hits_total",
				Help: "Total explicit rate-limit signals by service.",
			},
			[]string{"service"},
		),
		breakerTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crowdsense_breaker_transitions_total",
				Help: "Circuit breaker state transitions.",
			},
			[]string{"service", "to"},
		),
		keyBlacklists: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crowdsense_key_blacklists_total",
				Help: "API keys temporarily blacklisted after rate limiting.",
			},
			[]string{"service"},
		),
		batchFlushes: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "crowdsense_batch_flushes_total",
				Help: "Batch windows flushed.",
			},
		),
		batchSize: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "crowdsense_batch_size",
				Help:    "Entries per flushed batch window.",
				Buckets: []float64{1, 2, 3, 4, 5, 8, 10},
			},
		),
		batchCallsSaved: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "crowdsense_batch_calls_saved_total",
				Help: "Upstream calls avoided through batching.",
			},
		),
		emergencyActivation: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "crowdsense_emergency_mode_activations_total",
				Help: "Times the orchestrator entered emergency mode.",
			},
		),
	}
}

// RecordResolve records one resolve with its source and duration.
func (m *Metrics) RecordResolve(source string, d time.Duration) {
	m.resolvesTotal.WithLabelValues(source).Inc()
	m.resolveDuration.WithLabelValues(source).Observe(d.Seconds())
}

// IncrCacheHit increments the cache hit counter for a tier.
func (m *Metrics) IncrCacheHit(tier string) {
	m.cacheHits.WithLabelValues(tier).Inc()
}

// IncrCacheMiss increments the full-miss counter.
func (m *Metrics) IncrCacheMiss() {
	m.cacheMisses.Inc()
}

// IncrUpstreamError increments the upstream error counter.
func (m *Metrics) IncrUpstreamError(service string) {
	m.upstreamErrors.WithLabelValues(service).Inc()
}

// IncrRateLimited increments the rate-limit signal counter.
func (m *Metrics) IncrRateLimited(service string) {
	m.rateLimitHits.WithLabelValues(service).Inc()
}

// IncrBreakerTransition counts a breaker state change.
func (m *Metrics) IncrBreakerTransition(service, to string) {
	m.breakerTransitions.WithLabelValues(service, to).Inc()
}

// IncrKeyBlacklisted counts a key sidelined for a service.
func (m *Metrics) IncrKeyBlacklisted(service string) {
	m.keyBlacklists.WithLabelValues(service).Inc()
}

// RecordBatchFlush records a flushed window of the given size.
func (m *Metrics) RecordBatchFlush(size int) {
	m.batchFlushes.Inc()
	m.batchSize.Observe(float64(size))
	if size > 1 {
		m.batchCallsSaved.Add(float64(size - 1))
	}
}

// IncrEmergencyActivation counts an emergency-mode entry.
func (m *Metrics) IncrEmergencyActivation() {
	m.emergencyActivation.Inc()
}

// MitigationSnapshot is a point-in-time summary of the mitigation layer,
// served on the status endpoint for operators without a Prometheus setup.
type MitigationSnapshot struct {
	TotalResolves   float64 `json:"total_resolves"`
	APIShare        float64 `json:"api_share"`
	FallbackShare   float64 `json:"fallback_share"`
	CacheHitRate    float64 `json:"cache_hit_rate"`
	BatchCallsSaved float64 `json:"batch_calls_saved"`
}

// GetMitigationSnapshot gathers current counter values into a summary.
// Prometheus counters expose cumulative values since process start.
func (m *Metrics) GetMitigationSnapshot() *MitigationSnapshot {
	api := getCounterValue(m.resolvesTotal, "api")
	cacheSrc := getCounterValue(m.resolvesTotal, "cache")
	cv := getCounterValue(m.resolvesTotal, "cv")
	estimate := getCounterValue(m.resolvesTotal, "estimate")
	total := api + cacheSrc + cv + estimate

	hits := getCounterValue(m.cacheHits, "fresh") +
		getCounterValue(m.cacheHits, "medium") +
		getCounterValue(m.cacheHits, "long")
	misses := counterValue(m.cacheMisses)

	snap := &MitigationSnapshot{
		TotalResolves:   total,
		BatchCallsSaved: counterValue(m.batchCallsSaved),
	}
	if total > 0 {
		snap.APIShare = api / total
		snap.FallbackShare = (cv + estimate) / total
	}
	if hits+misses > 0 {
		snap.CacheHitRate = hits / (hits + misses)
	}
	return snap
}

// getCounterValue extracts the current float64 value from a CounterVec for a given label.
func getCounterValue(cv *prometheus.CounterVec, label string) float64 {
	return counterValue(cv.WithLabelValues(label))
}

func counterValue(c prometheus.Counter) float64 {
	m := &dto.Metric{}
	if err := c.(prometheus.Metric).Write(m); err != nil {
		return 0
	}
	if m.Counter != nil && m.Counter.Value != nil {
		return *m.Counter.Value
	}
	return 0
}
