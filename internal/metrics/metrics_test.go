package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"taskgate/internal/checks"
)

func TestObservations(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.ObserveCheck("tests", checks.StatusFail, true, 2*time.Second)
	m.ObserveCheck("tests", checks.StatusPass, false, time.Second)
	m.ObserveCheck("lint", checks.StatusPass, false, time.Second)
	m.ObserveReport(checks.ModeFull, false)
	m.ObserveTransition("ready", "in_progress")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ChecksTotal.WithLabelValues("tests", "fail")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CheckTimeouts.WithLabelValues("tests")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.CheckTimeouts.WithLabelValues("lint")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ReportsTotal.WithLabelValues("full", "false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Transitions.WithLabelValues("ready", "in_progress")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.CheckDuration))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ObserveCheck("tests", checks.StatusPass, false, time.Second)
	m.ObserveReport(checks.ModeQuick, true)
	m.ObserveTransition("pending", "ready")
}

func TestDefaultRegistersOnce(t *testing.T) {
	assert.Same(t, Default(), Default())
}
