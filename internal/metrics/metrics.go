package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the server counters. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	messagesPersisted prometheus.Counter
	idempotentReplays prometheus.Counter
	receiptsInserted  prometheus.Counter
	eventsPublished   *prometheus.CounterVec
	publishFailures   *prometheus.CounterVec
	outboxRetries     *prometheus.CounterVec
	outboxBacklog     prometheus.Gauge
	websocketClients  prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		messagesPersisted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "messages_persisted_total",
			Help:      "Messages written to the store.",
		}),
		idempotentReplays: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "idempotent_replays_total",
			Help:      "Sends answered with an already persisted message.",
		}),
		receiptsInserted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "read_receipts_inserted_total",
			Help:      "New read receipt rows.",
		}),
		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "events_published_total",
			Help:      "Realtime events handed to the publisher, by event type.",
		}, []string{"event_type"}),
		publishFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "event_publish_failures_total",
			Help:      "Realtime publishes that failed and were moved to the outbox.",
		}, []string{"event_type"}),
		outboxRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "outbox_attempts_total",
			Help:      "Outbox publish attempts by result.",
		}, []string{"result"}),
		outboxBacklog: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatsync",
			Name:      "outbox_backlog",
			Help:      "Outbox events still waiting for delivery.",
		}),
		websocketClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatsync",
			Name:      "websocket_clients",
			Help:      "Connected websocket clients on this instance.",
		}),
	}
	reg.MustRegister(
		prometheus.NewGoCollector(),
		m.messagesPersisted,
		m.idempotentReplays,
		m.receiptsInserted,
		m.eventsPublished,
		m.publishFailures,
		m.outboxRetries,
		m.outboxBacklog,
		m.websocketClients,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) MessagePersisted() {
	if m != nil {
		m.messagesPersisted.Inc()
	}
}

func (m *Metrics) IdempotentReplay() {
	if m != nil {
		m.idempotentReplays.Inc()
	}
}

func (m *Metrics) ReceiptsInserted(n int) {
	if m != nil && n > 0 {
		m.receiptsInserted.Add(float64(n))
	}
}

func (m *Metrics) EventPublished(eventType string) {
	if m != nil {
		m.eventsPublished.WithLabelValues(eventType).Inc()
	}
}

func (m *Metrics) PublishFailed(eventType string) {
	if m != nil {
		m.publishFailures.WithLabelValues(eventType).Inc()
	}
}

func (m *Metrics) OutboxAttempt(result string) {
	if m != nil {
		m.outboxRetries.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) OutboxBacklog(n int) {
	if m != nil {
		m.outboxBacklog.Set(float64(n))
	}
}

func (m *Metrics) ClientConnected() {
	if m != nil {
		m.websocketClients.Inc()
	}
}

func (m *Metrics) ClientDisconnected() {
	if m != nil {
		m.websocketClients.Dec()
	}
}
