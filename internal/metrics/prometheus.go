package metrics

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once     sync.Once
	registry *Registry
)

// Registry holds all serve-this metrics.
type Registry struct {
	gatherer prometheus.Gatherer

	// HTTP metrics
	Requests       *prometheus.CounterVec
	RequestLatency *prometheus.HistogramVec
	BytesServed    prometheus.Counter
	Listings       *prometheus.CounterVec

	// Connection metrics
	ConnectionsAccepted prometheus.Counter
	ConnectionsOpen     prometheus.Gauge
	IdleTimeouts        prometheus.Counter

	// mDNS metrics
	MDNSQueries       prometheus.Counter
	MDNSResponses     prometheus.Counter
	MDNSAnnouncements *prometheus.CounterVec
}

// Get returns the process-wide registry backed by the default Prometheus registerer.
func Get() *Registry {
	once.Do(func() {
		registry = NewRegistry(prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
	})
	return registry
}

// NewRegistry creates metrics registered against reg. Tests pass a fresh
// prometheus.NewRegistry() to avoid duplicate registration panics.
func NewRegistry(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Registry {
	f := promauto.With(reg)
	r := &Registry{gatherer: gatherer}

	r.Requests = f.NewCounterVec(prometheus.CounterOpts{
		Name: "servethis_http_requests_total",
		Help: "HTTP requests by handler kind and status code",
	}, []string{"kind", "method", "status"})

	r.RequestLatency = f.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "servethis_http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	r.BytesServed = f.NewCounter(prometheus.CounterOpts{
		Name: "servethis_http_response_bytes_total",
		Help: "Bytes written in HTTP response bodies",
	})

	r.Listings = f.NewCounterVec(prometheus.CounterOpts{
		Name: "servethis_directory_listings_total",
		Help: "Generated directory listings by format",
	}, []string{"format"})

	r.ConnectionsAccepted = f.NewCounter(prometheus.CounterOpts{
		Name: "servethis_connections_accepted_total",
		Help: "TCP connections accepted by the HTTP listener",
	})

	r.ConnectionsOpen = f.NewGauge(prometheus.GaugeOpts{
		Name: "servethis_connections_open",
		Help: "Currently open TCP connections",
	})

	r.IdleTimeouts = f.NewCounter(prometheus.CounterOpts{
		Name: "servethis_connection_idle_timeouts_total",
		Help: "Connections closed after exceeding the idle timeout",
	})

	r.MDNSQueries = f.NewCounter(prometheus.CounterOpts{
		Name: "servethis_mdns_queries_total",
		Help: "mDNS queries received that matched the advertised service",
	})

	r.MDNSResponses = f.NewCounter(prometheus.CounterOpts{
		Name: "servethis_mdns_responses_total",
		Help: "mDNS responses sent",
	})

	r.MDNSAnnouncements = f.NewCounterVec(prometheus.CounterOpts{
		Name: "servethis_mdns_announcements_total",
		Help: "Unsolicited mDNS announcements by kind (announce, goodbye)",
	}, []string{"kind"})

	return r
}

// RecordRequest records one served HTTP request.
func (r *Registry) RecordRequest(kind, method string, status int, bytes int64, seconds float64) {
	r.Requests.WithLabelValues(kind, method, statusString(status)).Inc()
	r.RequestLatency.WithLabelValues(kind).Observe(seconds)
	if bytes > 0 {
		r.BytesServed.Add(float64(bytes))
	}
}

// Handler exposes the registry in the Prometheus text format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})
}

// statusString converts an HTTP status code to string.
func statusString(status int) string {
	return fmt.Sprintf("%d", status)
}

// NewIsolated returns a Registry backed by its own Prometheus registry, for
// components that run without the process-wide metrics endpoint.
func NewIsolated() *Registry {
	reg := prometheus.NewRegistry()
	return NewRegistry(reg, reg)
}
