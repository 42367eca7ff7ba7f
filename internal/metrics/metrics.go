// Package metrics exposes Prometheus instrumentation for the resource
// registry and the execution queue.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hochfrequenz/testbed-orchestrator/internal/domain"
)

const namespace = "testbed"

// Metrics holds every collector on its own registry. It implements
// facility.Observer and queue.Observer.
type Metrics struct {
	registry *prometheus.Registry

	admissions      *prometheus.CounterVec
	denials         *prometheus.CounterVec
	busyResources   prometheus.Gauge
	liveExecutions  prometheus.Gauge
	endedExecutions *prometheus.CounterVec
	updateDuration  prometheus.Histogram
	events          *prometheus.CounterVec
}

// New creates the collectors and registers them together with the Go and
// process collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		admissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "admissions_total", Help: "Resource requests granted, by exclusivity."},
			[]string{"exclusive"},
		),
		denials: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "admission_denials_total", Help: "Resource requests denied, by reason."},
			[]string{"reason"},
		),
		busyResources: prometheus.NewGauge(
			prometheus.GaugeOpts{Namespace: namespace, Name: "busy_resources", Help: "Resources currently locked by an execution."},
		),
		liveExecutions: prometheus.NewGauge(
			prometheus.GaugeOpts{Namespace: namespace, Name: "live_executions", Help: "Executions held in the live queue."},
		),
		endedExecutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "executions_ended_total", Help: "Executions that left the queue, by final status and verdict."},
			[]string{"status", "verdict"},
		),
		updateDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "queue_update_duration_seconds",
				Help:      "Time spent advancing every live execution once.",
				Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
			},
		),
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "execution_events_total", Help: "Execution events published to subscribers, by kind."},
			[]string{"kind"},
		),
	}
	m.registry.MustRegister(
		m.admissions,
		m.denials,
		m.busyResources,
		m.liveExecutions,
		m.endedExecutions,
		m.updateDuration,
		m.events,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry the collectors are registered on
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the metrics in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// AdmissionGranted counts a successful resource lock
func (m *Metrics) AdmissionGranted(exclusive bool) {
	label := "false"
	if exclusive {
		label = "true"
	}
	m.admissions.WithLabelValues(label).Inc()
}

// AdmissionDenied counts a refused resource lock
func (m *Metrics) AdmissionDenied(reason string) {
	m.denials.WithLabelValues(reason).Inc()
}

// BusyResources sets the number of locked resources
func (m *Metrics) BusyResources(n int) {
	m.busyResources.Set(float64(n))
}

// QueueSize sets the number of live executions
func (m *Metrics) QueueSize(live int) {
	m.liveExecutions.Set(float64(live))
}

// ExecutionEnded counts an execution leaving the queue
func (m *Metrics) ExecutionEnded(status domain.CoarseStatus, verdict domain.Verdict) {
	m.endedExecutions.WithLabelValues(status.String(), verdict.String()).Inc()
}

// UpdateDuration observes one pass over the queue
func (m *Metrics) UpdateDuration(d time.Duration) {
	m.updateDuration.Observe(d.Seconds())
}

// EventPublished counts an execution event sent to subscribers
func (m *Metrics) EventPublished(kind string) {
	m.events.WithLabelValues(kind).Inc()
}
