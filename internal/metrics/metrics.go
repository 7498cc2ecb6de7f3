// Package metrics holds the Prometheus collectors of a server or client.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "arena"

// Dispatch outcomes used as the "result" label.
const (
	ResultOK          = "ok"
	ResultUnknown     = "unknown"
	ResultDecodeError = "decode_error"
	ResultError       = "handler_error"
	ResultPanic       = "panic"
)

// Metrics groups the engine's collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	activeSessions   prometheus.Gauge
	waitingPeers     prometheus.Gauge
	handshakes       *prometheus.CounterVec
	reconnects       *prometheus.CounterVec
	closes           *prometheus.CounterVec
	framesIn         *prometheus.CounterVec
	framesOut        *prometheus.CounterVec
	resends          prometheus.Counter
	deliveryFailures prometheus.Counter
	dispatch         *prometheus.CounterVec
	rtt              prometheus.Histogram
}

// New registers the collectors on reg. A nil reg gets a private registry so
// several instances can coexist, for example in tests.
func New(reg prometheus.Registerer, namespace string) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	if namespace == "" {
		namespace = DefaultNamespace
	}
	factory := promauto.With(reg)

	return &Metrics{
		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of live sessions",
		}),
		waitingPeers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "waiting_peers",
			Help:      "Number of peers waiting for a reconnection",
		}),
		handshakes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_total",
			Help:      "Handshakes answered, by result code",
		}, []string{"code"}),
		reconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Successful reconnections, by kind",
		}, []string{"kind"}),
		closes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_closes_total",
			Help:      "Sessions torn down, by close reason",
		}, []string{"reason"}),
		framesIn: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Frames received, by kind",
		}, []string{"kind"}),
		framesOut: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Frames sent, by kind",
		}, []string{"kind"}),
		resends: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resends_total",
			Help:      "Application frames retransmitted after the send timeout",
		}),
		deliveryFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_failures_total",
			Help:      "Sessions aborted because the resend limit was exhausted",
		}),
		dispatch: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_total",
			Help:      "Inbound application frames dispatched, by protocol and result",
		}, []string{"protocol", "result"}),
		rtt: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rtt_seconds",
			Help:      "Round-trip time measured by ping/pong",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
	}
}

// SessionOpened increments the live session gauge.
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.activeSessions.Inc()
}

// SessionClosed decrements the live session gauge and counts the reason.
func (m *Metrics) SessionClosed(reason string) {
	if m == nil {
		return
	}
	m.activeSessions.Dec()
	m.closes.WithLabelValues(reason).Inc()
}

// SetWaitingPeers sets the waiting peer gauge.
func (m *Metrics) SetWaitingPeers(n int) {
	if m == nil {
		return
	}
	m.waitingPeers.Set(float64(n))
}

// Handshake counts an answered handshake.
func (m *Metrics) Handshake(code string) {
	if m == nil {
		return
	}
	m.handshakes.WithLabelValues(code).Inc()
}

// Reconnect counts a reconnection; kind is "takeover" or "reclaim".
func (m *Metrics) Reconnect(kind string) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(kind).Inc()
}

// FrameIn counts a received frame.
func (m *Metrics) FrameIn(kind string) {
	if m == nil {
		return
	}
	m.framesIn.WithLabelValues(kind).Inc()
}

// FrameOut counts a sent frame.
func (m *Metrics) FrameOut(kind string) {
	if m == nil {
		return
	}
	m.framesOut.WithLabelValues(kind).Inc()
}

// Resent counts n retransmitted frames.
func (m *Metrics) Resent(n int) {
	if m == nil || n == 0 {
		return
	}
	m.resends.Add(float64(n))
}

// DeliveryFailed counts a session aborted by the resend limit.
func (m *Metrics) DeliveryFailed() {
	if m == nil {
		return
	}
	m.deliveryFailures.Inc()
}

// Dispatched counts a dispatch outcome for the named protocol.
func (m *Metrics) Dispatched(protocol, result string) {
	if m == nil {
		return
	}
	m.dispatch.WithLabelValues(protocol, result).Inc()
}

// ObserveRTT records a round-trip sample.
func (m *Metrics) ObserveRTT(d time.Duration) {
	if m == nil {
		return
	}
	m.rtt.Observe(d.Seconds())
}
