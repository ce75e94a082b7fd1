// Package metrics provides Prometheus metrics for rconbridge.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/rconbridge/rconbridge/internal/rcon"
)

const namespace = "rconbridge"

// Upstream connect failure reasons.
const (
	ReasonTimeout      = "timeout"
	ReasonAuthRejected = "auth_rejected"
	ReasonTransport    = "transport"
)

// Metrics holds all Prometheus metrics for rconbridge. All methods are safe
// to call on a nil receiver, so instrumentation stays optional everywhere.
type Metrics struct {
	Registry *prometheus.Registry

	sessionsActive   *prometheus.GaugeVec
	sessionsTotal    *prometheus.CounterVec
	commandsTotal    *prometheus.CounterVec
	commandDuration  *prometheus.HistogramVec
	serverMessages   *prometheus.CounterVec
	upstreamConnects *prometheus.CounterVec
	connectErrors    *prometheus.CounterVec
	sseStreamsActive prometheus.Gauge
}

// New creates a new Metrics instance with a custom Prometheus registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		sessionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of currently active browser sessions.",
		}, []string{"protocol"}),

		sessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total browser sessions accepted, by auth mode.",
		}, []string{"protocol", "auth_mode"}),

		commandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Total commands executed against upstream servers.",
		}, []string{"protocol", "status"}),

		commandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Duration of command round-trips in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"protocol"}),

		serverMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "server_messages_total",
			Help:      "Total unsolicited server messages forwarded to browsers.",
		}, []string{"severity"}),

		upstreamConnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_connects_total",
			Help:      "Total upstream connection attempts.",
		}, []string{"protocol", "status"}),

		connectErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_connect_errors_total",
			Help:      "Total upstream connection failures, by reason.",
		}, []string{"protocol", "reason"}),

		sseStreamsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sse_streams_active",
			Help:      "Number of currently open SSE console streams.",
		}),
	}

	reg.MustRegister(
		m.sessionsActive,
		m.sessionsTotal,
		m.commandsTotal,
		m.commandDuration,
		m.serverMessages,
		m.upstreamConnects,
		m.connectErrors,
		m.sseStreamsActive,
	)

	return m
}

// SessionOpened increments the active session gauge and returns a tracker
// that records the session's end.
func (m *Metrics) SessionOpened(protocol, authMode string) *SessionTracker {
	if m == nil {
		return nil
	}
	m.sessionsActive.WithLabelValues(protocol).Inc()
	m.sessionsTotal.WithLabelValues(protocol, authMode).Inc()
	return &SessionTracker{m: m, protocol: protocol}
}

// SessionTracker records the end of a single browser session.
type SessionTracker struct {
	m        *Metrics
	protocol string
}

// Done decrements the active session gauge.
func (t *SessionTracker) Done() {
	if t == nil {
		return
	}
	t.m.sessionsActive.WithLabelValues(t.protocol).Dec()
}

// ObserveCommand records one command round-trip.
func (m *Metrics) ObserveCommand(protocol string, d time.Duration, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.commandsTotal.WithLabelValues(protocol, status).Inc()
	m.commandDuration.WithLabelValues(protocol).Observe(d.Seconds())
}

// ServerMessage records one forwarded server push.
func (m *Metrics) ServerMessage(severity string) {
	if m == nil {
		return
	}
	m.serverMessages.WithLabelValues(severity).Inc()
}

// UpstreamConnect records an upstream connection attempt. On failure the
// error is classified into a bounded reason label.
func (m *Metrics) UpstreamConnect(protocol string, err error) {
	if m == nil {
		return
	}
	if err == nil {
		m.upstreamConnects.WithLabelValues(protocol, "success").Inc()
		return
	}
	m.upstreamConnects.WithLabelValues(protocol, "error").Inc()
	m.connectErrors.WithLabelValues(protocol, ConnectReason(err)).Inc()
}

// ConnectReason maps a connect error onto a bounded reason label.
func ConnectReason(err error) string {
	switch {
	case errors.Is(err, rcon.ErrTimeout):
		return ReasonTimeout
	case errors.Is(err, rcon.ErrAuthRejected):
		return ReasonAuthRejected
	default:
		return ReasonTransport
	}
}

// SSEStreamOpened increments the SSE stream gauge; the returned func
// decrements it and must be called on every exit path.
func (m *Metrics) SSEStreamOpened() func() {
	if m == nil {
		return func() {}
	}
	m.sseStreamsActive.Inc()
	return func() { m.sseStreamsActive.Dec() }
}
