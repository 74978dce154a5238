package xmpp

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the prometheus instrumentation for the presence server.
// Each server owns its own registry so tests can run servers side by side.
type Metrics struct {
	registry *prometheus.Registry

	stanzasReceived *prometheus.CounterVec
	stanzasSent     *prometheus.CounterVec
	stanzasDropped  *prometheus.CounterVec
	activeSessions  prometheus.Gauge
	activeRooms     prometheus.Gauge
	sessionsTotal   prometheus.Counter
	authFailures    prometheus.Counter
}

// NewMetrics creates and registers all metrics.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		stanzasReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "xmpp_stanzas_received_total",
			Help: "Stanzas received from clients, by kind",
		}, []string{"kind"}),
		stanzasSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "xmpp_stanzas_sent_total",
			Help: "Stanzas sent to clients, by kind",
		}, []string{"kind"}),
		stanzasDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "xmpp_stanzas_dropped_total",
			Help: "Stanzas silently dropped by policy, by reason",
		}, []string{"reason"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "xmpp_active_sessions",
			Help: "Currently registered sessions",
		}),
		activeRooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "xmpp_active_rooms",
			Help: "Rooms created since startup (rooms are never reclaimed)",
		}),
		sessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "xmpp_sessions_total",
			Help: "Total sessions that completed the handshake",
		}),
		authFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "xmpp_auth_failures_total",
			Help: "Failed authentication attempts",
		}),
	}

	registry.MustRegister(
		m.stanzasReceived,
		m.stanzasSent,
		m.stanzasDropped,
		m.activeSessions,
		m.activeRooms,
		m.sessionsTotal,
		m.authFailures,
	)

	return m
}

// Handler returns the /metrics handler for this server's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordStanzaReceived(kind string) {
	m.stanzasReceived.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordStanzaSent(kind string) {
	m.stanzasSent.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordStanzaDropped(reason string) {
	m.stanzasDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordActiveSessions(count int) {
	m.activeSessions.Set(float64(count))
}

func (m *Metrics) RecordActiveRooms(count int) {
	m.activeRooms.Set(float64(count))
}

func (m *Metrics) RecordSessionEstablished() {
	m.sessionsTotal.Inc()
}

func (m *Metrics) RecordAuthFailure() {
	m.authFailures.Inc()
}
