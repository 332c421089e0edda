// Package metrics exposes scheduler counters on an explicit Prometheus registry.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	upstreamCalls    *prometheus.CounterVec
	itemTransitions  *prometheus.CounterVec
	cacheLookups     *prometheus.CounterVec
	reservationWait  prometheus.Histogram
	callDuration     *prometheus.HistogramVec
	cooldowns        prometheus.Counter
	pendingItems     prometheus.Gauge
	submittedBatches prometheus.Counter
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		upstreamCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vatcheck_upstream_calls_total",
			Help: "Registry calls by lane and outcome class",
		}, []string{"lane", "outcome"}),
		itemTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vatcheck_item_transitions_total",
			Help: "Slow lane item transitions by target state",
		}, []string{"state"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vatcheck_cache_lookups_total",
			Help: "Result cache lookups by result",
		}, []string{"result"}),
		reservationWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "vatcheck_fastlane_reservation_wait_seconds",
			Help:    "Time fast lane workers wait for their reserved start",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		callDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vatcheck_upstream_call_duration_seconds",
			Help:    "Registry call latency by lane",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"lane"}),
		cooldowns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vatcheck_slowlane_cooldowns_total",
			Help: "Lane-wide cool-downs raised by congestion errors",
		}),
		pendingItems: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vatcheck_slowlane_pending_items",
			Help: "Non-terminal items in the durable store at the last drain pass",
		}),
		submittedBatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vatcheck_batches_submitted_total",
			Help: "Batches submitted through the API",
		}),
	}
	reg.MustRegister(
		m.upstreamCalls,
		m.itemTransitions,
		m.cacheLookups,
		m.reservationWait,
		m.callDuration,
		m.cooldowns,
		m.pendingItems,
		m.submittedBatches,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) UpstreamCall(lane, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.upstreamCalls.WithLabelValues(lane, outcome).Inc()
	m.callDuration.WithLabelValues(lane).Observe(elapsed.Seconds())
}

func (m *Metrics) ItemTransition(state string) {
	if m == nil {
		return
	}
	m.itemTransitions.WithLabelValues(state).Inc()
}

func (m *Metrics) CacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) ReservationWait(d time.Duration) {
	if m == nil {
		return
	}
	m.reservationWait.Observe(d.Seconds())
}

func (m *Metrics) Cooldown() {
	if m == nil {
		return
	}
	m.cooldowns.Inc()
}

func (m *Metrics) Pending(n int) {
	if m == nil {
		return
	}
	m.pendingItems.Set(float64(n))
}

func (m *Metrics) BatchSubmitted() {
	if m == nil {
		return
	}
	m.submittedBatches.Inc()
}
