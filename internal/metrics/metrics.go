// Package metrics exposes scheduler counters on a private prometheus registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "herald"

type Metrics struct {
	registry *prometheus.Registry

	Sweeps              prometheus.Counter
	Claims              *prometheus.CounterVec
	Dispatches          *prometheus.CounterVec
	DestinationPublish  *prometheus.CounterVec
	Expirations         prometheus.Counter
	InvariantViolations prometheus.Counter
	JobsPending         prometheus.Gauge
	PostsByStatus       *prometheus.GaugeVec
	DispatchDuration    prometheus.Histogram
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Sweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweeps_total",
			Help:      "Number of due-job sweeps run.",
		}),
		Claims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claims_total",
			Help:      "Job claim attempts by result.",
		}, []string{"result"}),
		Dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatches_total",
			Help:      "Executed dispatches by outcome.",
		}, []string{"outcome"}),
		DestinationPublish: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "destination_publish_total",
			Help:      "Per-destination publish attempts by kind and result.",
		}, []string{"kind", "result"}),
		Expirations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "expirations_total",
			Help:      "Posts moved to expired.",
		}),
		InvariantViolations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invariant_violations_total",
			Help:      "Jobs found referencing missing posts and similar inconsistencies.",
		}),
		JobsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_pending",
			Help:      "Jobs currently held in the job store.",
		}),
		PostsByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "posts",
			Help:      "Posts currently in each lifecycle status.",
		}, []string{"status"}),
		DispatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Wall time of one post dispatch across all destinations.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Sweeps,
		m.Claims,
		m.Dispatches,
		m.DestinationPublish,
		m.Expirations,
		m.InvariantViolations,
		m.JobsPending,
		m.PostsByStatus,
		m.DispatchDuration,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveDispatch(outcome string, started time.Time) {
	m.Dispatches.WithLabelValues(outcome).Inc()
	m.DispatchDuration.Observe(time.Since(started).Seconds())
}
