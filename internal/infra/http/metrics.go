package http

import (
	"net/http"

	"hxat/internal/usecase"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the Prometheus implementation of usecase.Metrics. Each
// instance owns its registry so servers in tests do not collide.
type Metrics struct {
	registry      *prometheus.Registry
	launches      *prometheus.CounterVec
	storeRequests *prometheus.CounterVec
	sideEffects   *prometheus.CounterVec
	notifications prometheus.Counter
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		launches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hxat_launch_total",
			Help: "LTI launches by outcome.",
		}, []string{"outcome"}),
		storeRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hxat_store_requests_total",
			Help: "Annotation store requests by operation and status.",
		}, []string{"op", "status"}),
		sideEffects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hxat_side_effect_failures_total",
			Help: "Failed or dropped best-effort side effects.",
		}, []string{"kind"}),
		notifications: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hxat_notifications_published_total",
			Help: "Notification messages published to the broker.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.launches,
		m.storeRequests,
		m.sideEffects,
		m.notifications,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Launch(outcome string) {
	m.launches.WithLabelValues(outcome).Inc()
}

func (m *Metrics) StoreRequest(op, status string) {
	m.storeRequests.WithLabelValues(op, status).Inc()
}

func (m *Metrics) SideEffectFailed(kind string) {
	m.sideEffects.WithLabelValues(kind).Inc()
}

func (m *Metrics) NotificationPublished() {
	m.notifications.Inc()
}

var _ usecase.Metrics = (*Metrics)(nil)
