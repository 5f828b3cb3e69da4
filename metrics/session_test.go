package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSessionCounters(t *testing.T) {
	before := testutil.ToFloat64(metricSessions)
	SessionStart("inet4")
	SessionStart("local")
	if v := testutil.ToFloat64(metricSessions); v != before+2 {
		t.Fatalf("sessions gauge %v, expected %v", v, before+2)
	}
	SessionEnd("inet4")
	if v := testutil.ToFloat64(metricSessionsFamily.WithLabelValues("inet4")); v != 0 {
		t.Fatalf("inet4 gauge %v, expected 0", v)
	}
	if v := testutil.ToFloat64(metricSessionsTotal.WithLabelValues("inet4")); v != 1 {
		t.Fatalf("inet4 total %v, expected 1", v)
	}
	SessionEnd("local")
	if v := testutil.ToFloat64(metricSessions); v != before {
		t.Fatalf("sessions gauge %v, expected %v", v, before)
	}
}
