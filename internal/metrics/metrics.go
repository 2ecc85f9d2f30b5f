// Package metrics defines the Prometheus collectors exported by the server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pulse"

// Metrics groups every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	ConnectionsActive    prometheus.Gauge
	ConnectionAttempts   *prometheus.CounterVec
	SessionCloses        *prometheus.CounterVec
	EventsPublished      *prometheus.CounterVec
	FramesDelivered      prometheus.Counter
	SlowConsumers        prometheus.Counter
	ReplayEvents         prometheus.Counter
	BacklogErrors        *prometheus.CounterVec
	OfflineNotifications *prometheus.CounterVec
	SessionDuration      prometheus.Histogram

	gatherer prometheus.Gatherer
}

// New registers all collectors on reg.
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ConnectionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "connections_active",
			Help:      "Number of open streaming connections",
		}),
		ConnectionAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "connection_attempts_total",
			Help:      "Streaming connection attempts by outcome",
		}, []string{"result"}),
		SessionCloses: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "session_closes_total",
			Help:      "Closed streaming sessions by reason",
		}, []string{"reason"}),
		EventsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "events_published_total",
			Help:      "Events published by type",
		}, []string{"type"}),
		FramesDelivered: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "frames_delivered_total",
			Help:      "Frames enqueued to live connections",
		}),
		SlowConsumers: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "slow_consumer_disconnects_total",
			Help:      "Connections closed because their queue was full",
		}),
		ReplayEvents: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backlog",
			Name:      "replay_events_total",
			Help:      "Events replayed to reconnecting clients",
		}),
		BacklogErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backlog",
			Name:      "errors_total",
			Help:      "Backlog store failures by operation",
		}, []string{"op"}),
		OfflineNotifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "offline_total",
			Help:      "Offline push notifications by result",
		}, []string{"result"}),
		SessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "session_duration_seconds",
			Help:      "Lifetime of streaming sessions",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10), // 1s to ~8.5m
		}),
		gatherer: reg,
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Attempt counts a connection attempt outcome.
func (m *Metrics) Attempt(result string) {
	if m != nil {
		m.ConnectionAttempts.WithLabelValues(result).Inc()
	}
}

// SessionOpened records a newly opened session.
func (m *Metrics) SessionOpened() {
	if m != nil {
		m.ConnectionsActive.Inc()
	}
}

// SessionClosed records a session end and how long it lasted.
func (m *Metrics) SessionClosed(reason string, seconds float64) {
	if m != nil {
		m.ConnectionsActive.Dec()
		m.SessionCloses.WithLabelValues(reason).Inc()
		m.SessionDuration.Observe(seconds)
	}
}

// Published counts one published event.
func (m *Metrics) Published(eventType string) {
	if m != nil {
		m.EventsPublished.WithLabelValues(eventType).Inc()
	}
}

// Delivered counts frames handed to connection queues.
func (m *Metrics) Delivered(n int) {
	if m != nil && n > 0 {
		m.FramesDelivered.Add(float64(n))
	}
}

// SlowConsumer counts a disconnect caused by a full queue.
func (m *Metrics) SlowConsumer() {
	if m != nil {
		m.SlowConsumers.Inc()
	}
}

// Replayed counts replayed events.
func (m *Metrics) Replayed(n int) {
	if m != nil && n > 0 {
		m.ReplayEvents.Add(float64(n))
	}
}

// BacklogError counts a failed backlog operation.
func (m *Metrics) BacklogError(op string) {
	if m != nil {
		m.BacklogErrors.WithLabelValues(op).Inc()
	}
}

// Offline counts an offline notification outcome.
func (m *Metrics) Offline(result string) {
	if m != nil {
		m.OfflineNotifications.WithLabelValues(result).Inc()
	}
}
