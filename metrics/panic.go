package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricPanic = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "smtpfront_panic_total",
		Help: "Number of unhandled panics, by package.",
	},
	[]string{
		"pkg",
	},
)

type Panic string

const (
	Ctl       Panic = "ctl"
	Session   Panic = "session"
	Keyproxy  Panic = "keyproxy"
	Smtpfront Panic = "smtpfront"
)

func PanicInc(name Panic) {
	metricPanic.WithLabelValues(string(name)).Inc()
}
