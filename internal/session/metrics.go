package session

import "github.com/prometheus/client_golang/prometheus"

var (
	sessionTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agency_console_session_transitions_total",
			Help: "Session state transitions by resulting state.",
		},
		[]string{"state"},
	)
	roleLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agency_console_role_lookups_total",
			Help: "Role lookups during session establishment by outcome (found, not_found, error, stale).",
		},
		[]string{"outcome"},
	)
	roleLookupDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agency_console_role_lookup_duration_seconds",
			Help:    "Role lookup latency during session establishment.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(sessionTransitionsTotal, roleLookupsTotal, roleLookupDuration)
}
