package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service counters. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	purchases   *prometheus.CounterVec
	callbacks   *prometheus.CounterVec
	activations prometheus.Counter
	notifyFails *prometheus.CounterVec
}

// New registers the service metrics on a fresh registry together with the
// Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		purchases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vip_purchases_total",
			Help: "Purchase initiations by outcome.",
		}, []string{"outcome"}),
		callbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vip_gateway_callbacks_total",
			Help: "Gateway callbacks by outcome.",
		}, []string{"outcome"}),
		activations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vip_memberships_activated_total",
			Help: "Memberships activated after a confirmed payment.",
		}),
		notifyFails: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vip_notification_failures_total",
			Help: "Outbound notifications that could not be delivered.",
		}, []string{"recipient"}),
	}
	reg.MustRegister(m.purchases, m.callbacks, m.activations, m.notifyFails)

	return m
}

func (m *Metrics) Purchase(outcome string) {
	if m == nil {
		return
	}
	m.purchases.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Callback(outcome string) {
	if m == nil {
		return
	}
	m.callbacks.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Activation() {
	if m == nil {
		return
	}
	m.activations.Inc()
}

func (m *Metrics) NotificationFailed(recipient string) {
	if m == nil {
		return
	}
	m.notifyFails.WithLabelValues(recipient).Inc()
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
