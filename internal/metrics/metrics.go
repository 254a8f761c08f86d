// Package metrics exposes sweep and lifecycle counters to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Dispatch outcomes.
const (
	OutcomeCreated   = "created"
	OutcomeDuplicate = "duplicate"
	OutcomeFailed    = "failed"
	OutcomeAbandoned = "abandoned"
)

// Metrics holds every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	reg *prometheus.Registry

	ScanTicks        *prometheus.CounterVec
	ScanDuration     prometheus.Histogram
	ScanDue          prometheus.Gauge
	Dispatches       *prometheus.CounterVec
	Completions      *prometheus.CounterVec
	NotificationsGC  prometheus.Counter
	LastScanUnixTime prometheus.Gauge
}

// New registers all collectors on a fresh registry. namespace defaults to
// "maint".
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "maint"
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		ScanTicks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scan",
			Name:      "ticks_total",
			Help:      "Sweep ticks by result (ok, configuration, transient, budget).",
		}, []string{"result"}),
		ScanDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scan",
			Name:      "duration_seconds",
			Help:      "Wall time of a sweep tick.",
			Buckets:   []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		ScanDue: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scan",
			Name:      "due_schedules",
			Help:      "Due schedules found by the last successful tick.",
		}),
		Dispatches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "total",
			Help:      "Notification dispatch attempts by outcome.",
		}, []string{"outcome"}),
		Completions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "completions_total",
			Help:      "Schedule completions by task type.",
		}, []string{"task_type"}),
		NotificationsGC: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "purged_total",
			Help:      "Expired notifications deleted by the purge job.",
		}),
		LastScanUnixTime: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scan",
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last tick that finished without a query error.",
		}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) ObserveTick(result string, took time.Duration, due int, at time.Time) {
	if m == nil {
		return
	}
	m.ScanTicks.WithLabelValues(result).Inc()
	m.ScanDuration.Observe(took.Seconds())
	if result == "ok" || result == "budget" {
		m.ScanDue.Set(float64(due))
		m.LastScanUnixTime.Set(float64(at.Unix()))
	}
}

func (m *Metrics) Dispatch(outcome string) {
	if m == nil {
		return
	}
	m.Dispatches.WithLabelValues(outcome).Inc()
}

func (m *Metrics) DispatchN(outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.Dispatches.WithLabelValues(outcome).Add(float64(n))
}

func (m *Metrics) Completed(taskType string) {
	if m == nil {
		return
	}
	m.Completions.WithLabelValues(taskType).Inc()
}

func (m *Metrics) Purged(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.NotificationsGC.Add(float64(n))
}
