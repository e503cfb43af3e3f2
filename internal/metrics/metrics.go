// Package metrics exposes server counters in Prometheus format. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "p2pchat"

type Metrics struct {
	registry *prometheus.Registry

	connections   *prometheus.CounterVec
	online        prometheus.Gauge
	packets       *prometheus.CounterVec
	protocolErrs  *prometheus.CounterVec
	relayed       *prometheus.CounterVec
	authResults   *prometheus.CounterVec
	authDuration  prometheus.Histogram
	authQueueSize prometheus.Gauge
}

// New registers a fresh set of collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		connections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "connections_total",
			Help:      "Connections by event (opened, closed).",
		}, []string{"event"}),
		online: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "online_users",
			Help:      "Users currently signed in.",
		}),
		packets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "protocol",
			Name:      "packets_total",
			Help:      "Packets handled by direction and state.",
		}, []string{"direction", "state"}),
		protocolErrs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "protocol",
			Name:      "errors_total",
			Help:      "Refused packets by kind (unknown, malformed, buffer_full).",
		}, []string{"kind"}),
		relayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "packets_total",
			Help:      "Media packets routed between peers.",
		}, []string{"kind", "outcome"}),
		authResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "results_total",
			Help:      "Authentication outcomes.",
		}, []string{"result"}),
		authDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "duration_seconds",
			Help:      "Time from enqueue to verdict.",
			Buckets:   prometheus.DefBuckets,
		}),
		authQueueSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "queue_length",
			Help:      "Requests waiting for the auth worker.",
		}),
	}
	m.registry.MustRegister(
		m.connections, m.online, m.packets, m.protocolErrs,
		m.relayed, m.authResults, m.authDuration, m.authQueueSize,
		collectors.NewGoCollector(),
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry is exposed for tests and custom exporters.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ConnOpened() {
	if m != nil {
		m.connections.WithLabelValues("opened").Inc()
	}
}

func (m *Metrics) ConnClosed() {
	if m != nil {
		m.connections.WithLabelValues("closed").Inc()
	}
}

func (m *Metrics) SetOnline(n int) {
	if m != nil {
		m.online.Set(float64(n))
	}
}

func (m *Metrics) PacketIn(state string) {
	if m != nil {
		m.packets.WithLabelValues("in", state).Inc()
	}
}

func (m *Metrics) PacketOut(state string) {
	if m != nil {
		m.packets.WithLabelValues("out", state).Inc()
	}
}

func (m *Metrics) ProtocolError(kind string) {
	if m != nil {
		m.protocolErrs.WithLabelValues(kind).Inc()
	}
}

// Relayed counts one media packet; outcome is "forwarded" or "dropped".
func (m *Metrics) Relayed(kind, outcome string) {
	if m != nil {
		m.relayed.WithLabelValues(kind, outcome).Inc()
	}
}

func (m *Metrics) AuthResult(result string, took time.Duration) {
	if m != nil {
		m.authResults.WithLabelValues(result).Inc()
		m.authDuration.Observe(took.Seconds())
	}
}

func (m *Metrics) AuthQueue(n int) {
	if m != nil {
		m.authQueueSize.Set(float64(n))
	}
}
