// Package metrics exposes Prometheus instrumentation for sheet checks,
// incidents, the baseline queue and document fetches.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nattyright/grail-kun/internal/gdocs"
)

const namespace = "sheetwatch"

// Check outcomes.
const (
	OutcomeUnchanged = "unchanged"
	OutcomeChanged   = "changed"
	OutcomeReverted  = "reverted"
	OutcomeRepeat    = "repeat"
	OutcomeError     = "error"
)

type Metrics struct {
	registry *prometheus.Registry

	Checks             *prometheus.CounterVec
	IncidentsOpened    prometheus.Counter
	IncidentsResolved  *prometheus.CounterVec
	BaselinesCreated   prometheus.Counter
	BaselineQueueDepth prometheus.Gauge
	FetchFailures      *prometheus.CounterVec
	FetchDuration      *prometheus.HistogramVec
}

// New registers every collector on a private registry, so tests can build
// as many instances as they like.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Checks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checks_total",
			Help:      "Sheet checks by outcome.",
		}, []string{"outcome"}),
		IncidentsOpened: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "incidents_opened_total",
			Help:      "Incidents opened after drift was detected.",
		}),
		IncidentsResolved: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "incidents_resolved_total",
			Help:      "Incident resolutions by resulting status.",
		}, []string{"status"}),
		BaselinesCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "baselines_created_total",
			Help:      "Baselines stored by the baseline worker.",
		}),
		BaselineQueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "baseline_queue_depth",
			Help:      "Sheets waiting for a first baseline.",
		}),
		FetchFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_failures_total",
			Help:      "Document export failures by kind.",
		}, []string{"kind"}),
		FetchDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_duration_seconds",
			Help:      "Document export latency by format.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20},
		}, []string{"format"}),
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) CheckOutcome(outcome string) {
	m.Checks.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncidentOpened() {
	m.IncidentsOpened.Inc()
}

func (m *Metrics) IncidentResolved(status string) {
	m.IncidentsResolved.WithLabelValues(status).Inc()
}

func (m *Metrics) BaselineCreated() {
	m.BaselinesCreated.Inc()
}

func (m *Metrics) QueueDepth(n int) {
	m.BaselineQueueDepth.Set(float64(n))
}

// ObserveFetch implements gdocs.Observer.
func (m *Metrics) ObserveFetch(format string, elapsed time.Duration, err error) {
	m.FetchDuration.WithLabelValues(format).Observe(elapsed.Seconds())
	switch {
	case err == nil:
	case errors.Is(err, gdocs.ErrAccessDenied):
		m.FetchFailures.WithLabelValues("access_denied").Inc()
	default:
		m.FetchFailures.WithLabelValues("transient").Inc()
	}
}
