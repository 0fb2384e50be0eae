// Package metrics holds the Prometheus instrumentation for BleepStore.
//
// All collectors live in a dedicated registry so tests can scrape and reset
// them without touching the global default registry.
package metrics

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry collects every BleepStore metric plus the standard Go runtime
// and process collectors.
var Registry = newRegistry()

var factory = promauto.With(Registry)

func newRegistry() *prometheus.Registry {
	r := prometheus.NewRegistry()
	r.MustRegister(collectors.NewGoCollector())
	r.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return r
}

// byteBuckets spans typical S3 payloads, 256 B up to 64 MiB.
var byteBuckets = prometheus.ExponentialBuckets(256, 4, 10)

var (
	RequestsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "bleepstore_http_requests_total",
		Help: "HTTP requests by method, path template, and status code.",
	}, []string{"method", "path", "status"})

	RequestDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bleepstore_http_request_duration_seconds",
		Help:    "HTTP request latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	RequestSize = factory.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bleepstore_http_request_size_bytes",
		Help:    "Request body sizes.",
		Buckets: byteBuckets,
	}, []string{"method", "path"})

	ResponseSize = factory.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bleepstore_http_response_size_bytes",
		Help:    "Response body sizes.",
		Buckets: byteBuckets,
	}, []string{"method", "path"})

	OperationsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "bleepstore_s3_operations_total",
		Help: "S3 operations by name and outcome.",
	}, []string{"operation", "status"})

	BucketsTotal = factory.NewGauge(prometheus.GaugeOpts{
		Name: "bleepstore_buckets_total",
		Help: "Buckets currently present.",
	})

	ObjectsTotal = factory.NewGauge(prometheus.GaugeOpts{
		Name: "bleepstore_objects_total",
		Help: "Objects currently present across all buckets.",
	})

	BytesReceivedTotal = factory.NewCounter(prometheus.CounterOpts{
		Name: "bleepstore_bytes_received_total",
		Help: "Request body bytes received.",
	})

	BytesSentTotal = factory.NewCounter(prometheus.CounterOpts{
		Name: "bleepstore_bytes_sent_total",
		Help: "Response body bytes sent.",
	})
)

// Handler serves the registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// ObserveOperation records one S3 operation. Statuses under 400 count as
// success, everything else as error.
func ObserveOperation(operation string, status int) {
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	OperationsTotal.WithLabelValues(operation, outcome).Inc()
}

// NormalizePath collapses bucket and key names into templates so metric
// label cardinality stays bounded.
func NormalizePath(path string) string {
	switch {
	case path == "/" || path == "":
		return "/"
	case path == "/health" || path == "/metrics" || path == "/openapi.json":
		return path
	case strings.HasPrefix(path, "/docs"):
		return "/docs"
	}
	rest := strings.TrimPrefix(path, "/")
	if _, key, found := strings.Cut(rest, "/"); found && key != "" {
		return "/{bucket}/{key}"
	}
	return "/{bucket}"
}

// StatusLabel formats an HTTP status for use as a metric label.
func StatusLabel(status int) string {
	return strconv.Itoa(status)
}
