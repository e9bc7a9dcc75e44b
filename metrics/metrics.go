package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ProxyRequests counts proxy requests by resource kind and outcome
	ProxyRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hlsrelay_proxy_requests_total",
		Help: "Total number of proxy requests",
	}, []string{"kind", "outcome"})

	// UpstreamErrors tracks upstream failures by error type
	UpstreamErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hlsrelay_upstream_errors_total",
		Help: "Total number of upstream errors",
	}, []string{"error_type"})

	// ManifestCacheLookups tracks manifest cache hits and misses
	ManifestCacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hlsrelay_manifest_cache_lookups_total",
		Help: "Total number of manifest cache lookups",
	}, []string{"result"})

	// SegmentsRealigned counts transport stream segments that had leading junk stripped
	SegmentsRealigned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hlsrelay_segments_realigned_total",
		Help: "Total number of segments realigned on a sync byte",
	})

	// DownloadsActive tracks the number of tasks in downloading state
	DownloadsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hlsrelay_downloads_active",
		Help: "Number of downloads in progress",
	})

	// DownloadsQueued tracks the number of tasks waiting in the queue
	DownloadsQueued = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hlsrelay_downloads_queued",
		Help: "Number of downloads waiting in the queue",
	})

	// DownloadTransitions counts task status transitions by target status
	DownloadTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hlsrelay_download_transitions_total",
		Help: "Total number of download task status transitions",
	}, []string{"status"})

	// DownloadRetries counts retry attempts after a failed download
	DownloadRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hlsrelay_download_retries_total",
		Help: "Total number of download retries",
	})

	// CircuitBreakerState tracks the current state of circuit breakers
	// 0=closed, 1=open, 2=half-open
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hlsrelay_circuit_breaker_state",
		Help: "Current state of circuit breaker (0=closed, 1=open, 2=half-open)",
	}, []string{"host"})

	// CircuitBreakerTrips tracks how many times a circuit breaker transitioned to OPEN
	CircuitBreakerTrips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hlsrelay_circuit_breaker_trips_total",
		Help: "Total number of times circuit breaker transitioned to OPEN state",
	}, []string{"host"})
)

// SetCircuitBreakerState updates the circuit breaker state metric
// state should be one of: "CLOSED" (0), "OPEN" (1), "HALF-OPEN" (2)
func SetCircuitBreakerState(host, state string) {
	var value float64
	switch state {
	case "CLOSED":
		value = 0
	case "OPEN":
		value = 1
	case "HALF-OPEN":
		value = 2
	}
	CircuitBreakerState.WithLabelValues(host).Set(value)
	if state == "OPEN" {
		CircuitBreakerTrips.WithLabelValues(host).Inc()
	}
}

// RecordProxyRequest increments the proxy request counter
func RecordProxyRequest(kind, outcome string) {
	ProxyRequests.WithLabelValues(kind, outcome).Inc()
}

// RecordUpstreamError increments the upstream error counter for an error type
func RecordUpstreamError(errorType string) {
	UpstreamErrors.WithLabelValues(errorType).Inc()
}

// RecordManifestCacheLookup records a manifest cache hit or miss
func RecordManifestCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	ManifestCacheLookups.WithLabelValues(result).Inc()
}

// RecordSegmentRealigned increments the realigned segment counter
func RecordSegmentRealigned() {
	SegmentsRealigned.Inc()
}

// RecordDownloadTransition increments the transition counter for a status
func RecordDownloadTransition(status string) {
	DownloadTransitions.WithLabelValues(status).Inc()
}

// RecordDownloadRetry increments the retry counter
func RecordDownloadRetry() {
	DownloadRetries.Inc()
}

// SetDownloadQueue sets the active and queued download gauges
func SetDownloadQueue(active, queued int) {
	DownloadsActive.Set(float64(active))
	DownloadsQueued.Set(float64(queued))
}
