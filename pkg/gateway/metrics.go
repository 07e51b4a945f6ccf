package gateway

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// API call status labels.
const (
	CallStatusSuccess     = "success"
	CallStatusError       = "error"
	CallStatusRateLimited = "rate_limited"
)

// Metrics exposes the gateway's operational counters and gauges.
type Metrics struct {
	cacheHits          *prometheus.CounterVec
	cacheMisses        *prometheus.CounterVec
	apiCalls           *prometheus.CounterVec
	coalescedRequests  *prometheus.CounterVec
	breakerState       prometheus.Gauge
	rateLimitUsed      prometheus.Gauge
	rateLimitRemaining prometheus.Gauge
	flightsStored      prometheus.Counter
	httpDuration       *prometheus.HistogramVec
	httpInFlight       prometheus.Gauge
}

// NewMetrics registers the gateway metrics with reg under the "gateway"
// namespace.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		cacheHits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits.",
		}, []string{"endpoint"}),

		cacheMisses: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses.",
		}, []string{"endpoint"}),

		apiCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "api_calls_total",
			Help:      "Total number of calls issued to the upstream provider.",
		}, []string{"endpoint", "status"}),

		coalescedRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "coalesced_requests_total",
			Help:      "Total number of requests merged into an in-flight upstream call.",
		}, []string{"endpoint"}),

		breakerState: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "gateway",
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=half_open, 2=open).",
		}),

		rateLimitUsed: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "gateway",
			Name:      "rate_limit_used",
			Help:      "Upstream API calls used this month.",
		}),

		rateLimitRemaining: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "gateway",
			Name:      "rate_limit_remaining",
			Help:      "Upstream API calls remaining this month.",
		}),

		flightsStored: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "flights_stored_total",
			Help:      "Total number of flight documents written to the history collection.",
		}),

		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "gateway",
			Name:      "http_request_duration_seconds",
			Help:      "Latency of inbound HTTP requests.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"handler", "code", "method"}),

		httpInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "gateway",
			Name:      "http_requests_in_flight",
			Help:      "Number of inbound HTTP requests currently being served.",
		}),
	}
}

// CacheHit records a cache hit for the endpoint label.
func (m *Metrics) CacheHit(endpoint string) {
	m.cacheHits.WithLabelValues(endpoint).Inc()
}

// CacheMiss records a cache miss for the endpoint label.
func (m *Metrics) CacheMiss(endpoint string) {
	m.cacheMisses.WithLabelValues(endpoint).Inc()
}

// APICall records an upstream call outcome.
func (m *Metrics) APICall(endpoint, status string) {
	m.apiCalls.WithLabelValues(endpoint, status).Inc()
}

// CoalescedRequest records a request that joined an in-flight upstream call.
func (m *Metrics) CoalescedRequest(endpoint string) {
	m.coalescedRequests.WithLabelValues(endpoint).Inc()
}

// SetBreakerState publishes the breaker state gauge.
func (m *Metrics) SetBreakerState(state BreakerState) {
	m.breakerState.Set(float64(state))
}

// SetRateLimit publishes the quota gauges.
func (m *Metrics) SetRateLimit(used, remaining int) {
	m.rateLimitUsed.Set(float64(used))
	m.rateLimitRemaining.Set(float64(remaining))
}

// FlightsStored records n documents written to the history collection.
func (m *Metrics) FlightsStored(n int) {
	m.flightsStored.Add(float64(n))
}

// InstrumentHandler wraps h with the per-handler duration histogram and the
// shared in-flight gauge.
func (m *Metrics) InstrumentHandler(name string, h http.Handler) http.Handler {
	duration := m.httpDuration.MustCurryWith(prometheus.Labels{"handler": name})
	return promhttp.InstrumentHandlerInFlight(m.httpInFlight,
		promhttp.InstrumentHandlerDuration(duration, h))
}
