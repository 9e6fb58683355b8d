// Package metrics exports billing engine observations to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/warp/estate-billing/billing"
)

const namespace = "billing"

// Collector implements billing.Metrics on its own registry, so tests can
// create as many as they like without duplicate-registration panics.
type Collector struct {
	registry *prometheus.Registry

	generationCharges  *prometheus.CounterVec
	generationDuration prometheus.Histogram
	generationRuns     prometheus.Counter

	settlements        *prometheus.CounterVec
	settlementDuration *prometheus.HistogramVec

	recharges *prometheus.CounterVec

	overdueMarked prometheus.Counter
	sweeps        prometheus.Counter
}

// New registers every billing metric plus the Go and process collectors.
func New() *Collector {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Collector{
		registry: registry,
		generationCharges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generation_charges_total",
			Help:      "Charges considered by generation runs, by outcome",
		}, []string{"outcome"}),
		generationDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generation_duration_seconds",
			Help:      "Wall time of one generation run",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		generationRuns: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generation_runs_total",
			Help:      "Completed generation runs",
		}),
		settlements: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlements_total",
			Help:      "Payment attempts by outcome",
		}, []string{"outcome"}),
		settlementDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "settlement_duration_seconds",
			Help:      "Payment latency including credential check and lock wait",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		recharges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recharges_total",
			Help:      "Recharge attempts by outcome",
		}, []string{"outcome"}),
		overdueMarked: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "overdue_marked_total",
			Help:      "Charges moved to overdue by sweeps",
		}),
		sweeps: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "overdue_sweeps_total",
			Help:      "Completed overdue sweeps",
		}),
	}
}

func (c *Collector) ObserveGeneration(r billing.GenerationReport, took time.Duration) {
	c.generationRuns.Inc()
	c.generationDuration.Observe(took.Seconds())
	c.generationCharges.WithLabelValues("created").Add(float64(r.Created))
	c.generationCharges.WithLabelValues("skipped").Add(float64(r.Skipped))
	c.generationCharges.WithLabelValues("ineligible").Add(float64(r.Ineligible))
	c.generationCharges.WithLabelValues("failed").Add(float64(r.Failed))
}

func (c *Collector) ObserveSettlement(outcome string, took time.Duration) {
	c.settlements.WithLabelValues(outcome).Inc()
	c.settlementDuration.WithLabelValues(outcome).Observe(took.Seconds())
}

func (c *Collector) ObserveRecharge(outcome string) {
	c.recharges.WithLabelValues(outcome).Inc()
}

func (c *Collector) ObserveSweep(overdue int) {
	c.sweeps.Inc()
	c.overdueMarked.Add(float64(overdue))
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

var _ billing.Metrics = (*Collector)(nil)
