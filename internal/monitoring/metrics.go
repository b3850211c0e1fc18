// Package monitoring exposes the broker's Prometheus metrics.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the broker.
type Metrics struct {
	// Connection lifecycle
	ConnectionsActive *prometheus.GaugeVec
	ConnectionsTotal  *prometheus.CounterVec
	TakeoversTotal    *prometheus.CounterVec

	// Pairing
	RegistrationsTotal *prometheus.CounterVec
	PairAttemptsTotal  *prometheus.CounterVec
	PairDuration       prometheus.Histogram
	BansTotal          prometheus.Counter
	HeartbeatsTotal    prometheus.Counter
	FanoutEventsTotal  *prometheus.CounterVec

	// Terminal bridge
	BridgeSessionsActive prometheus.Gauge
	BridgeMessagesTotal  *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics in the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers against a specific registerer. Tests pass a
// fresh registry so parallel instances don't collide.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ConnectionsActive: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "broker_connections_active",
				Help: "Currently attached websocket connections",
			},
			[]string{"role"}, // role: runner, app
		),

		ConnectionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broker_connections_total",
				Help: "Total websocket connections accepted",
			},
			[]string{"role"},
		),

		TakeoversTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broker_takeovers_total",
				Help: "Connections displaced by a newer connection with the same identity",
			},
			[]string{"role"},
		),

		RegistrationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broker_registrations_total",
				Help: "Runner registration outcomes",
			},
			[]string{"result"}, // result: success, duplicate_code, invalid_secret, exhausted, error
		),

		PairAttemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broker_pair_attempts_total",
				Help: "App pair attempt outcomes",
			},
			[]string{"result"}, // result: success or the error code, lowercased
		),

		PairDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "broker_pair_duration_seconds",
				Help:    "Duration of the pair flow from receipt to reply",
				Buckets: prometheus.DefBuckets,
			},
		),

		BansTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "broker_bans_total",
				Help: "Apps banned for exceeding the pair failure limit",
			},
		),

		HeartbeatsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "broker_heartbeats_total",
				Help: "Runner heartbeats processed",
			},
		),

		FanoutEventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broker_fanout_events_total",
				Help: "Runner state changes fanned out to paired Apps",
			},
			[]string{"event"}, // event: runner_online, runner_offline
		),

		BridgeSessionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "broker_bridge_sessions_active",
				Help: "Open terminal bridge sessions on this instance",
			},
		),

		BridgeMessagesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broker_bridge_messages_total",
				Help: "Terminal messages forwarded across the bridge",
			},
			[]string{"direction"}, // direction: to_runner, to_app
		),
	}
}

// ConnectionOpened counts a new authenticated connection.
func (m *Metrics) ConnectionOpened(role string) {
	m.ConnectionsTotal.WithLabelValues(role).Inc()
	m.ConnectionsActive.WithLabelValues(role).Inc()
}

// ConnectionClosed counts a connection teardown.
func (m *Metrics) ConnectionClosed(role string) {
	m.ConnectionsActive.WithLabelValues(role).Dec()
}

// RecordTakeover counts a displaced connection.
func (m *Metrics) RecordTakeover(role string) {
	m.TakeoversTotal.WithLabelValues(role).Inc()
}

// RecordRegistration counts a Runner registration outcome.
func (m *Metrics) RecordRegistration(result string) {
	m.RegistrationsTotal.WithLabelValues(result).Inc()
}

// RecordPairAttempt counts a pair outcome and its duration.
func (m *Metrics) RecordPairAttempt(result string, seconds float64) {
	m.PairAttemptsTotal.WithLabelValues(result).Inc()
	m.PairDuration.Observe(seconds)
}

// RecordBan counts a rate-limit ban being imposed.
func (m *Metrics) RecordBan() {
	m.BansTotal.Inc()
}

// RecordHeartbeat counts a processed Runner heartbeat.
func (m *Metrics) RecordHeartbeat() {
	m.HeartbeatsTotal.Inc()
}

// RecordFanout counts one Runner state change fanned out on this instance.
func (m *Metrics) RecordFanout(event string) {
	m.FanoutEventsTotal.WithLabelValues(event).Inc()
}

// BridgeOpened and BridgeClosed track open bridge sessions.
func (m *Metrics) BridgeOpened() { m.BridgeSessionsActive.Inc() }
func (m *Metrics) BridgeClosed() { m.BridgeSessionsActive.Dec() }

// RecordBridgeMessage counts a forwarded terminal message.
func (m *Metrics) RecordBridgeMessage(direction string) {
	m.BridgeMessagesTotal.WithLabelValues(direction).Inc()
}
