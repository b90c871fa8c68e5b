// Package metrics exports Prometheus counters for the reconciler, the
// refetch worker and the cancel flow.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "perpsync"

// Metrics owns a private registry so tests and multiple instances do not
// collide on the global one.
type Metrics struct {
	registry *prometheus.Registry

	messages  *prometheus.CounterVec
	refetches *prometheus.CounterVec
	cancels   *prometheus.CounterVec
	connected prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		messages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ws_messages_total",
				Help:      "Feed messages handled, by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		refetches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "open_order_refetches_total",
				Help:      "Open order refetches, by outcome",
			},
			[]string{"outcome"},
		),
		cancels: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cancel_attempts_total",
				Help:      "Cancel flow runs, by outcome",
			},
			[]string{"outcome"},
		),
		connected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "ws_connected",
				Help:      "1 while the feed connection is open",
			},
		),
	}
	m.registry.MustRegister(
		m.messages,
		m.refetches,
		m.cancels,
		m.connected,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) ObserveMessage(kind, outcome string) {
	m.messages.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) ObserveRefetch(outcome string) {
	m.refetches.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveCancel(outcome string) {
	m.cancels.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SetConnected(connected bool) {
	if connected {
		m.connected.Set(1)
		return
	}
	m.connected.Set(0)
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
