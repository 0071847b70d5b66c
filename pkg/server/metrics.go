package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks server activity for the internal /metrics endpoint.
// Each server instance owns its registry so tests can run several
// servers in one process.
type Metrics struct {
	Registry *prometheus.Registry

	ActiveConnections prometheus.Gauge
	EnvelopesReceived *prometheus.CounterVec
	EnvelopesSent     *prometheus.CounterVec
	AuthFailures      prometheus.Counter
	MessagesPersisted prometheus.Counter
}

// NewMetrics creates a registry and registers all server metrics on it.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "studylink_active_connections",
			Help: "Number of authenticated WebSocket connections",
		}),
		EnvelopesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "studylink_envelopes_received_total",
			Help: "Envelopes received from clients, by type",
		}, []string{"type"}),
		EnvelopesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "studylink_envelopes_sent_total",
			Help: "Envelopes pushed to clients, by type",
		}, []string{"type"}),
		AuthFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "studylink_auth_failures_total",
			Help: "WebSocket handshakes closed with the auth failure code",
		}),
		MessagesPersisted: factory.NewCounter(prometheus.CounterOpts{
			Name: "studylink_messages_persisted_total",
			Help: "Chat messages written to the database",
		}),
	}
}

// RecordReceived counts an inbound envelope.
func (m *Metrics) RecordReceived(envelopeType string) {
	if m != nil {
		m.EnvelopesReceived.WithLabelValues(envelopeType).Inc()
	}
}

// RecordSent counts an outbound envelope.
func (m *Metrics) RecordSent(envelopeType string) {
	if m != nil {
		m.EnvelopesSent.WithLabelValues(envelopeType).Inc()
	}
}
