package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Console HTTP metrics. Routes are labelled with the huma operation path
// template (for example /api/console/testimonials/{id}) so item IDs never
// become label values.
var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agency_console_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agency_console_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	clientEvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agency_console_client_evictions_total",
			Help: "Console clients dropped from the registry to make room for new ones. Each eviction signs that browser out.",
		},
	)
	csrfRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agency_console_csrf_rejections_total",
			Help: "Console form posts refused for a missing, spent or foreign form token.",
		},
		[]string{"form"},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal, httpRequestDuration, clientEvictionsTotal, csrfRejectionsTotal)
}

// RegisterClientsGauge registers a gauge reporting how many console clients
// are held in the registry, signed in or not. Call it once per process.
func RegisterClientsGauge(countFn func() float64) {
	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "agency_console_active_clients",
			Help: "Number of console clients with a live session manager.",
		},
		countFn,
	))
}

// MetricsHandler serves the console's metrics together with the session,
// guard and role lookup metrics registered by those packages.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
