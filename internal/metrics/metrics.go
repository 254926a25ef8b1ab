// Package metrics exposes Prometheus counters for check runs and task
// transitions. A nil *Metrics records nothing.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"taskgate/internal/checks"
)

var (
	defaultMetrics *Metrics
	defaultOnce    sync.Once
)

// Metrics:
//   - taskgate_checks_total{check,status}
//   - taskgate_check_timeouts_total{check}
//   - taskgate_check_duration_seconds{check}
//   - taskgate_reports_total{mode,ok}
//   - taskgate_transitions_total{from,to}
type Metrics struct {
	ChecksTotal   *prometheus.CounterVec
	CheckTimeouts *prometheus.CounterVec
	CheckDuration *prometheus.HistogramVec
	ReportsTotal  *prometheus.CounterVec
	Transitions   *prometheus.CounterVec
}

var _ checks.Recorder = (*Metrics)(nil)

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ChecksTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "taskgate_checks_total",
			Help: "Finished check executions by outcome",
		}, []string{"check", "status"}),
		CheckTimeouts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "taskgate_check_timeouts_total",
			Help: "Check executions stopped at their deadline",
		}, []string{"check"}),
		CheckDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "taskgate_check_duration_seconds",
			Help:    "Check execution time",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"check"}),
		ReportsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "taskgate_reports_total",
			Help: "Check battery runs by mode and verdict",
		}, []string{"mode", "ok"}),
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "taskgate_transitions_total",
			Help: "Task status transitions",
		}, []string{"from", "to"}),
	}
}

// Default returns the process-wide instance registered with the default
// registerer. Registration happens once.
func Default() *Metrics {
	defaultOnce.Do(func() {
		defaultMetrics = New(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

func (m *Metrics) ObserveCheck(id string, status checks.Status, timedOut bool, d time.Duration) {
	if m == nil {
		return
	}
	m.ChecksTotal.WithLabelValues(id, string(status)).Inc()
	if timedOut {
		m.CheckTimeouts.WithLabelValues(id).Inc()
	}
	m.CheckDuration.WithLabelValues(id).Observe(d.Seconds())
}

func (m *Metrics) ObserveReport(mode checks.Mode, ok bool) {
	if m == nil {
		return
	}
	m.ReportsTotal.WithLabelValues(string(mode), strconv.FormatBool(ok)).Inc()
}

func (m *Metrics) ObserveTransition(from, to string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(from, to).Inc()
}
