package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Shared HTTP metrics.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets, // [0.005..10]
		},
		[]string{"method", "path", "status"},
	)
)

// Payment-domain metrics.
var (
	NodeConnectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lightning_node_connects_total",
			Help: "Node connection attempts by outcome.",
		},
		[]string{"outcome"},
	)

	InvoicesIssuedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "invoices_issued_total",
		Help: "Invoices created against author nodes.",
	})

	InvoicesSettledTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "invoices_settled_total",
		Help: "Settlement events observed on node subscriptions.",
	})

	EventSubscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "event_stream_subscribers",
		Help: "Active settlement event stream subscribers.",
	})
)

// Init registers all metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		NodeConnectsTotal, InvoicesIssuedTotal, InvoicesSettledTotal,
		EventSubscribers,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// CanonicalPath collapses resource identifiers to keep label cardinality low.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	parts := strings.Split(path, "/")
	// /v1/<collection>/<id>[/<leaf>]
	if len(parts) >= 4 && parts[1] == "v1" {
		switch parts[2] {
		case "posts", "users", "nodes", "subscriptions":
			if len(parts) == 4 {
				parts[3] = ":id"
			} else if len(parts) == 5 {
				switch parts[4] {
				case "invoice", "payments", "status", "posts":
					parts[3] = ":id"
				}
			}
		}
	}
	return strings.Join(parts, "/")
}

// Instrument wraps a handler with RPS/latency/in-flight measurement.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// statusWriter captures the response code for labelling.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
