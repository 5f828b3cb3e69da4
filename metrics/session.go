package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Counters are fire-and-forget, callers never wait on or check them.

var (
	metricSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "smtpfront_sessions",
			Help: "Active SMTP sessions, network and local.",
		},
	)
	metricSessionsFamily = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "smtpfront_sessions_family",
			Help: "Active SMTP sessions by address family of the listener: local, inet4, inet6.",
		},
		[]string{
			"family",
		},
	)
	metricSessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smtpfront_sessions_total",
			Help: "SMTP sessions handed to the session layer, by address family.",
		},
		[]string{
			"family",
		},
	)
	metricAcceptErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smtpfront_accept_errors_total",
			Help: "Connections not turned into a session. Known classes: transient, exhausted, proxy, rejected.",
		},
		[]string{
			"class",
		},
	)
	metricPause = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smtpfront_pause_total",
			Help: "Times accepting connections was paused, by reason: admin, exhaustion.",
		},
		[]string{
			"reason",
		},
	)
)

// SessionStart records a new session for the address family.
func SessionStart(family string) {
	metricSessions.Inc()
	metricSessionsFamily.WithLabelValues(family).Inc()
	metricSessionsTotal.WithLabelValues(family).Inc()
}

// SessionEnd records the end of a session for the address family.
func SessionEnd(family string) {
	metricSessions.Dec()
	metricSessionsFamily.WithLabelValues(family).Dec()
}

func AcceptError(class string) {
	metricAcceptErrors.WithLabelValues(class).Inc()
}

func Pause(reason string) {
	metricPause.WithLabelValues(reason).Inc()
}
