// Package metrics publishes Prometheus histograms/counters plus a /metrics
// HTTP endpoint for this repo's own concerns: upstream call latency and
// status, callout coordination outcomes, flush batch sizes, rate-limit
// decisions, and CAS retry counts.
package metrics

import (
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/3scale/cache-filter/internal/log"
)

// Endpoint names a call site of CallOutcome / CallLatency.
type Endpoint string

// Known endpoints.
const (
	Authorize Endpoint = "authorize"
	Report    Endpoint = "report"
)

// defaultMetricsPort is the port used when none is configured.
const defaultMetricsPort = 8080

var (
	backendLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cache_filter_backend_latency_seconds",
			Help:    "Request latency for calls to the upstream 3scale backend.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"serviceID", "endpoint"},
	)

	backendStatusCodes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_filter_backend_http_status_total",
			Help: "HTTP status codes returned by the upstream 3scale backend.",
		},
		[]string{"serviceID", "endpoint", "code"},
	)

	cacheOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_filter_cache_outcomes_total",
			Help: "Request Filter outcomes: hit, miss, rate_limited, denied.",
		},
		[]string{"outcome"},
	)

	calloutOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_filter_callout_outcomes_total",
			Help: "Callout Coordinator outcomes: lock_acquired, waitlisted, enqueue_failed.",
		},
		[]string{"outcome"},
	)

	casRetries = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cache_filter_cas_retries",
			Help:    "Number of CAS retries consumed before a write succeeded or max_tries was hit.",
			Buckets: []float64{0, 1, 2, 3, 4, 5},
		},
	)

	flushBatchSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cache_filter_flush_batch_apps",
			Help:    "Number of distinct applications included in a singleton flush Report batch.",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250},
		},
		[]string{"serviceID"},
	)

	deltaStoreMemory = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cache_filter_delta_store_memory_bytes",
			Help: "Best-effort memory_allocated approximation of the singleton's DeltaStore.",
		},
	)
)

// Reporter holds configuration for the Prometheus metrics implementation.
type Reporter struct {
	shouldReport bool
	serveOnPort  int
}

// NewReporter creates a new Reporter. reportMetrics false makes every
// method a no-op, so metrics collection stays fully optional.
func NewReporter(reportMetrics bool, serveOnPort int) *Reporter {
	return &Reporter{shouldReport: reportMetrics, serveOnPort: serveOnPort}
}

// ObserveBackendLatency records the time taken by one upstream call.
func (r *Reporter) ObserveBackendLatency(serviceID string, endpoint Endpoint, d time.Duration) {
	if r == nil || !r.shouldReport {
		return
	}
	backendLatency.WithLabelValues(serviceID, string(endpoint)).Observe(d.Seconds())
}

// ReportBackendStatus records an upstream HTTP status code.
func (r *Reporter) ReportBackendStatus(serviceID string, endpoint Endpoint, code int) {
	if r == nil || !r.shouldReport {
		return
	}
	backendStatusCodes.WithLabelValues(serviceID, string(endpoint), fmt.Sprintf("%d", code)).Inc()
}

// Cache-layer outcome labels used with IncrementCacheOutcome.
const (
	OutcomeHit         = "hit"
	OutcomeMiss        = "miss"
	OutcomeRateLimited = "rate_limited"
	OutcomeDenied      = "denied"
)

// IncrementCacheOutcome records one Request Filter decision.
func (r *Reporter) IncrementCacheOutcome(outcome string) {
	if r == nil || !r.shouldReport {
		return
	}
	cacheOutcomes.WithLabelValues(outcome).Inc()
}

// Callout Coordinator outcome labels used with IncrementCalloutOutcome.
const (
	OutcomeLockAcquired  = "lock_acquired"
	OutcomeWaitlisted    = "waitlisted"
	OutcomeEnqueueFailed = "enqueue_failed"
)

// IncrementCalloutOutcome records one Callout Coordinator decision.
func (r *Reporter) IncrementCalloutOutcome(outcome string) {
	if r == nil || !r.shouldReport {
		return
	}
	calloutOutcomes.WithLabelValues(outcome).Inc()
}

// ObserveCasRetries records how many CAS retries a single write consumed.
func (r *Reporter) ObserveCasRetries(retries int) {
	if r == nil || !r.shouldReport {
		return
	}
	casRetries.Observe(float64(retries))
}

// ObserveFlushBatchSize records how many applications a flush's Report
// batch covered for one service.
func (r *Reporter) ObserveFlushBatchSize(serviceID string, apps int) {
	if r == nil || !r.shouldReport {
		return
	}
	flushBatchSize.WithLabelValues(serviceID).Observe(float64(apps))
}

// SetDeltaStoreMemory publishes the DeltaStore's current memory_allocated
// approximation.
func (r *Reporter) SetDeltaStoreMemory(bytes uint64) {
	if r == nil || !r.shouldReport {
		return
	}
	deltaStoreMemory.Set(float64(bytes))
}

// Serve starts an HTTP server and publishes metrics for scraping at /metrics.
func (r *Reporter) Serve() {
	if r.serveOnPort == 0 {
		r.serveOnPort = defaultMetricsPort
	}
	prometheus.MustRegister(backendLatency, backendStatusCodes, cacheOutcomes, calloutOutcomes, casRetries, flushBatchSize, deltaStoreMemory)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", r.serveOnPort))
	if err != nil {
		log.Errorf("metrics: failed to listen on port %d: %s", r.serveOnPort, err.Error())
		return
	}
	go func() {
		if err := http.Serve(listener, mux); err != nil {
			log.Errorf("metrics: server stopped: %s", err.Error())
		}
	}()
	log.Infof("metrics: serving on port %d", r.serveOnPort)
}
