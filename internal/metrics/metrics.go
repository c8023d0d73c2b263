// Package metrics provides Prometheus metrics for the gateway bridge.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the bridge.
type Metrics struct {
	ConnectsTotal     *prometheus.CounterVec
	ReconnectsTotal   prometheus.Counter
	FramesTotal       *prometheus.CounterVec
	ChatRunsTotal     *prometheus.CounterVec
	PushMessagesTotal prometheus.Counter
	RequestDuration   *prometheus.HistogramVec
	HandshakeDuration prometheus.Histogram
	Connected         *prometheus.GaugeVec
	PendingRequests   prometheus.Gauge

	registry *prometheus.Registry
}

// New creates and registers all metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		ConnectsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_connects_total",
				Help: "Total gateway connection attempts by result.",
			},
			[]string{"result"},
		),
		ReconnectsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "bridge_reconnects_total",
				Help: "Total reconnect attempts scheduled after connection loss.",
			},
		),
		FramesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_frames_total",
				Help: "Total protocol frames by direction and type.",
			},
			[]string{"direction", "type"},
		),
		ChatRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_chat_runs_total",
				Help: "Total chat runs by terminal outcome.",
			},
			[]string{"outcome"},
		),
		PushMessagesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "bridge_push_messages_total",
				Help: "Total push messages emitted from background sessions.",
			},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bridge_request_duration_seconds",
				Help:    "Gateway request round-trip duration by method.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		HandshakeDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "bridge_handshake_duration_seconds",
				Help:    "Connect handshake duration.",
				Buckets: prometheus.DefBuckets,
			},
		),
		Connected: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "bridge_connected",
				Help: "Connectivity per peer (1 connected, 0 not).",
			},
			[]string{"peer"},
		),
		PendingRequests: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "bridge_pending_requests",
				Help: "In-flight correlated requests awaiting a response.",
			},
		),
		registry: reg,
	}

	reg.MustRegister(m.ConnectsTotal)
	reg.MustRegister(m.ReconnectsTotal)
	reg.MustRegister(m.FramesTotal)
	reg.MustRegister(m.ChatRunsTotal)
	reg.MustRegister(m.PushMessagesTotal)
	reg.MustRegister(m.RequestDuration)
	reg.MustRegister(m.HandshakeDuration)
	reg.MustRegister(m.Connected)
	reg.MustRegister(m.PendingRequests)

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordConnect increments the connect counter.
func (m *Metrics) RecordConnect(result string) {
	m.ConnectsTotal.WithLabelValues(result).Inc()
}

// RecordReconnect increments the reconnect counter.
func (m *Metrics) RecordReconnect() {
	m.ReconnectsTotal.Inc()
}

// RecordFrame increments the frame counter.
func (m *Metrics) RecordFrame(direction, frameType string) {
	m.FramesTotal.WithLabelValues(direction, frameType).Inc()
}

// RecordChatRun increments the chat run counter.
func (m *Metrics) RecordChatRun(outcome string) {
	m.ChatRunsTotal.WithLabelValues(outcome).Inc()
}

// RecordPushMessage increments the push message counter.
func (m *Metrics) RecordPushMessage() {
	m.PushMessagesTotal.Inc()
}

// ObserveRequest records a request round-trip duration.
func (m *Metrics) ObserveRequest(method string, seconds float64) {
	m.RequestDuration.WithLabelValues(method).Observe(seconds)
}

// ObserveHandshake records a handshake duration.
func (m *Metrics) ObserveHandshake(seconds float64) {
	m.HandshakeDuration.Observe(seconds)
}

// SetConnected sets the connectivity gauge for a peer.
func (m *Metrics) SetConnected(peer string, v float64) {
	m.Connected.WithLabelValues(peer).Set(v)
}

// SetPendingRequests sets the in-flight request count.
func (m *Metrics) SetPendingRequests(count float64) {
	m.PendingRequests.Set(count)
}
