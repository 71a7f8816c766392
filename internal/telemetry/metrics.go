package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// NewMetricsRegistry creates a Prometheus registry with Go/process collectors
// and every gateway metric registered.
func NewMetricsRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	for _, c := range All() {
		reg.MustRegister(c)
	}
	return reg
}

// HTTPRequestDuration tracks HTTP request latency for every mounted router.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "gateway",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

var ProxyRequestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "gateway",
		Subsystem: "proxy",
		Name:      "requests_total",
		Help:      "Total number of proxied requests by outcome status.",
	},
	[]string{"status"},
)

var ProxyUpstreamDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "gateway",
		Subsystem: "proxy",
		Name:      "upstream_duration_seconds",
		Help:      "Upstream dispatch latency in seconds.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	},
	[]string{"service_id"},
)

var RateLimitDeniedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "gateway",
		Subsystem: "limiter",
		Name:      "denied_total",
		Help:      "Total number of requests denied by the token bucket limiter.",
	},
	[]string{"service_id"},
)

var BotClassificationsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "gateway",
		Subsystem: "bot",
		Name:      "classifications_total",
		Help:      "Total number of bot classifications by verdict and action taken.",
	},
	[]string{"classification", "action"},
)

var MerkleBatchesClosedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "gateway",
		Subsystem: "transparency",
		Name:      "merkle_batches_closed_total",
		Help:      "Total number of Merkle batches closed.",
	},
)

var CommitmentWriteFailuresTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "gateway",
		Subsystem: "transparency",
		Name:      "commitment_write_failures_total",
		Help:      "Total number of request-hash commitments that failed to persist.",
	},
)

var AnchorsSubmittedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "gateway",
		Subsystem: "anchor",
		Name:      "submitted_total",
		Help:      "Total number of blockchain anchor submissions by outcome.",
	},
	[]string{"outcome"},
)

var WatermarkInjectionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "gateway",
		Subsystem: "watermark",
		Name:      "injections_total",
		Help:      "Total number of watermark injections by content kind.",
	},
	[]string{"kind"},
)

// All returns all gateway-specific metrics for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		HTTPRequestDuration,
		ProxyRequestsTotal,
		ProxyUpstreamDuration,
		RateLimitDeniedTotal,
		BotClassificationsTotal,
		MerkleBatchesClosedTotal,
		CommitmentWriteFailuresTotal,
		AnchorsSubmittedTotal,
		WatermarkInjectionsTotal,
	}
}
