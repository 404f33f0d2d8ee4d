// Package metrics registers the adapter's Prometheus gauges/counters and
// serves them over a small net/http endpoint — the adapter's only HTTP
// surface; it never touches the CIP wire path.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every registered collector.
type Metrics struct {
	RequestsTotal         *prometheus.CounterVec
	ActiveClass1Conns     prometheus.Gauge
	ActiveClass3Conns     prometheus.Gauge
	ForwardOpenTotal      *prometheus.CounterVec
	ForwardCloseTotal     *prometheus.CounterVec
	CyclicProducedTotal   prometheus.Counter
	CyclicConsumedTotal   prometheus.Counter
	TCPSessionsTotal      prometheus.Counter
	ActiveTCPSessions     prometheus.Gauge

	registry *prometheus.Registry
}

// New registers all collectors against a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "enip_requests_total",
			Help: "Explicit messaging requests handled, by service id and general status.",
		}, []string{"service", "status"}),
		ActiveClass1Conns: factory.NewGauge(prometheus.GaugeOpts{
			Name: "enip_class1_connections_active",
			Help: "Currently established Class 1 (cyclic I/O) connections.",
		}),
		ActiveClass3Conns: factory.NewGauge(prometheus.GaugeOpts{
			Name: "enip_class3_connections_active",
			Help: "Currently established Class 3 (explicit) connections.",
		}),
		ForwardOpenTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "enip_forward_open_total",
			Help: "Forward-Open requests, by extended status.",
		}, []string{"extended_status"}),
		ForwardCloseTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "enip_forward_close_total",
			Help: "Forward-Close requests, by extended status.",
		}, []string{"extended_status"}),
		CyclicProducedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "enip_cyclic_datagrams_produced_total",
			Help: "Class 1 cyclic datagrams produced.",
		}),
		CyclicConsumedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "enip_cyclic_datagrams_consumed_total",
			Help: "Class 1 cyclic datagrams consumed.",
		}),
		TCPSessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "enip_tcp_sessions_total",
			Help: "Encapsulation sessions registered (first RegisterSession per TCP connection).",
		}),
		ActiveTCPSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "enip_tcp_sessions_active",
			Help: "Currently registered encapsulation sessions.",
		}),
	}
}

// Handler returns the /metrics http.Handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
