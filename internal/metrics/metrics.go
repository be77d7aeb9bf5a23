// Package metrics provides Prometheus instrumentation for the relay.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Relay scopes for MessagesRelayed.
const (
	ScopeLocal  = "local"
	ScopeBridge = "bridge"
)

// Metrics holds all Prometheus metrics for the relay.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Connection metrics
	ActiveConnections *prometheus.GaugeVec
	TotalConnections  *prometheus.CounterVec

	// Message metrics
	MessagesReceived *prometheus.CounterVec
	MessagesRelayed  *prometheus.CounterVec
	DecodeErrors     *prometheus.CounterVec
	DroppedWrites    *prometheus.CounterVec

	// History metrics
	HistoryPushes *prometheus.CounterVec
}

// New creates a Metrics instance backed by its own registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "relay"
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		ActiveConnections: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_connections",
				Help:      "Number of currently active connections",
			},
			[]string{"protocol"},
		),
		TotalConnections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connections_total",
				Help:      "Total number of accepted connections",
			},
			[]string{"protocol"},
		),
		MessagesReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_received_total",
				Help:      "Total number of frames decoded from clients",
			},
			[]string{"protocol"},
		),
		MessagesRelayed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_relayed_total",
				Help:      "Total number of message deliveries queued for clients",
			},
			[]string{"protocol", "scope"},
		),
		DecodeErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "decode_errors_total",
				Help:      "Total number of frames that failed to decode",
			},
			[]string{"protocol", "reason"},
		),
		DroppedWrites: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dropped_writes_total",
				Help:      "Total number of messages dropped because a client queue was full",
			},
			[]string{"protocol"},
		),
		HistoryPushes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "history_pushes_total",
				Help:      "Total number of deferred history pushes",
			},
			[]string{"protocol", "status"},
		),
	}
}

// Handler returns the HTTP handler exposing the metrics.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ConnectionOpened records an accepted connection.
func (m *Metrics) ConnectionOpened(protocol string) {
	if m == nil {
		return
	}
	m.ActiveConnections.WithLabelValues(protocol).Inc()
	m.TotalConnections.WithLabelValues(protocol).Inc()
}

// ConnectionClosed records a closed connection.
func (m *Metrics) ConnectionClosed(protocol string) {
	if m == nil {
		return
	}
	m.ActiveConnections.WithLabelValues(protocol).Dec()
}

// MessageReceived records a decoded client frame.
func (m *Metrics) MessageReceived(protocol string) {
	if m == nil {
		return
	}
	m.MessagesReceived.WithLabelValues(protocol).Inc()
}

// MessageRelayed records n deliveries in the given scope.
func (m *Metrics) MessageRelayed(protocol, scope string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.MessagesRelayed.WithLabelValues(protocol, scope).Add(float64(n))
}

// DecodeError records a frame that could not be decoded.
func (m *Metrics) DecodeError(protocol, reason string) {
	if m == nil {
		return
	}
	m.DecodeErrors.WithLabelValues(protocol, reason).Inc()
}

// WriteDropped records a message dropped for a slow client.
func (m *Metrics) WriteDropped(protocol string) {
	if m == nil {
		return
	}
	m.DroppedWrites.WithLabelValues(protocol).Inc()
}

// HistoryPushed records the outcome of a deferred history push.
func (m *Metrics) HistoryPushed(protocol, status string) {
	if m == nil {
		return
	}
	m.HistoryPushes.WithLabelValues(protocol, status).Inc()
}
