package reqpipe

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsCollector provides Prometheus metrics for the request pipeline. All
// methods are no-ops on a nil collector. It is safe for concurrent use.
type MetricsCollector struct {
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	requestsInFlight *prometheus.GaugeVec

	retriesTotal *prometheus.CounterVec

	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec
	cacheSize   prometheus.Gauge

	supersededTotal *prometheus.CounterVec

	errorsTotal *prometheus.CounterVec

	reauthTotal prometheus.Counter

	circuitBreakerState *prometheus.GaugeVec
}

// NewMetricsCollector registers the pipeline metrics on registry. Use
// prometheus.DefaultRegisterer to expose them on the default handler.
func NewMetricsCollector(registry prometheus.Registerer) *MetricsCollector {
	factory := promauto.With(registry)

	return &MetricsCollector{
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reqpipe_requests_total",
				Help: "Total number of settled logical requests",
			},
			[]string{"method", "status_code", "endpoint"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "reqpipe_request_duration_seconds",
				Help:    "Duration of logical requests in seconds, retries included",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "status_code", "endpoint"},
		),
		requestsInFlight: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "reqpipe_requests_in_flight",
				Help: "Number of requests currently in flight",
			},
			[]string{"method", "endpoint"},
		),
		retriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reqpipe_retries_total",
				Help: "Total number of retry attempts",
			},
			[]string{"method", "endpoint", "attempt"},
		),
		cacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reqpipe_cache_hits_total",
				Help: "Total number of cache hits",
			},
			[]string{"method", "endpoint"},
		),
		cacheMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reqpipe_cache_misses_total",
				Help: "Total number of cache misses",
			},
			[]string{"method", "endpoint"},
		),
		cacheSize: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "reqpipe_cache_size",
				Help: "Current number of entries in cache",
			},
		),
		supersededTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reqpipe_superseded_total",
				Help: "Total number of in-flight requests cancelled by an identical newer request",
			},
			[]string{"method", "endpoint"},
		),
		errorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reqpipe_errors_total",
				Help: "Total number of failed requests by kind",
			},
			[]string{"kind", "method", "endpoint"},
		),
		reauthTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "reqpipe_reauth_total",
				Help: "Total number of re-login flows started",
			},
		),
		circuitBreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "reqpipe_circuit_breaker_state",
				Help: "Current state of circuit breaker (0=closed, 1=open, 2=half-open)",
			},
			[]string{"name"},
		),
	}
}

// RecordRequest records request count and duration.
func (mc *MetricsCollector) RecordRequest(method, endpoint string, statusCode int, duration time.Duration) {
	if mc == nil {
		return
	}

	statusCodeStr := strconv.Itoa(statusCode)
	mc.requestsTotal.WithLabelValues(method, statusCodeStr, endpoint).Inc()
	mc.requestDuration.WithLabelValues(method, statusCodeStr, endpoint).Observe(duration.Seconds())
}

// RecordRequestStart increments in-flight gauge.
func (mc *MetricsCollector) RecordRequestStart(method, endpoint string) {
	if mc == nil {
		return
	}
	mc.requestsInFlight.WithLabelValues(method, endpoint).Inc()
}

// RecordRequestEnd decrements in-flight gauge.
func (mc *MetricsCollector) RecordRequestEnd(method, endpoint string) {
	if mc == nil {
		return
	}
	mc.requestsInFlight.WithLabelValues(method, endpoint).Dec()
}

// RecordRetry increments retry counter for an attempt.
func (mc *MetricsCollector) RecordRetry(method, endpoint string, attempt int) {
	if mc == nil {
		return
	}
	mc.retriesTotal.WithLabelValues(method, endpoint, strconv.Itoa(attempt)).Inc()
}

// RecordCacheHit increments cache hit counter.
func (mc *MetricsCollector) RecordCacheHit(method, endpoint string) {
	if mc == nil {
		return
	}
	mc.cacheHits.WithLabelValues(method, endpoint).Inc()
}

// RecordCacheMiss increments cache miss counter.
func (mc *MetricsCollector) RecordCacheMiss(method, endpoint string) {
	if mc == nil {
		return
	}
	mc.cacheMisses.WithLabelValues(method, endpoint).Inc()
}

// RecordCacheSize sets cache size gauge.
func (mc *MetricsCollector) RecordCacheSize(size int) {
	if mc == nil {
		return
	}
	mc.cacheSize.Set(float64(size))
}

// RecordSuperseded increments the superseded request counter.
func (mc *MetricsCollector) RecordSuperseded(method, endpoint string) {
	if mc == nil {
		return
	}
	mc.supersededTotal.WithLabelValues(method, endpoint).Inc()
}

// RecordError increments the error counter for kind.
func (mc *MetricsCollector) RecordError(kind Kind, method, endpoint string) {
	if mc == nil {
		return
	}
	mc.errorsTotal.WithLabelValues(string(kind), method, endpoint).Inc()
}

// RecordReauth increments the re-login counter.
func (mc *MetricsCollector) RecordReauth() {
	if mc == nil {
		return
	}
	mc.reauthTotal.Inc()
}

// RecordCircuitBreakerState sets gauge to breaker state.
func (mc *MetricsCollector) RecordCircuitBreakerState(name string, state CircuitBreakerState) {
	if mc == nil {
		return
	}

	var stateValue float64
	switch state {
	case StateClosed:
		stateValue = 0
	case StateOpen:
		stateValue = 1
	case StateHalfOpen:
		stateValue = 2
	}
	mc.circuitBreakerState.WithLabelValues(name).Set(stateValue)
}
