// Package metrics wraps the Prometheus collectors for the broker and
// its sidecar workers. Init must be called once before any Record*
// helper; the helpers are no-ops when metrics are disabled.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// BrokerMetrics wraps the prometheus collectors for quasar.
type BrokerMetrics struct {
	registry *prometheus.Registry

	requestsTotal       *prometheus.CounterVec
	connectionsAccepted prometheus.Counter
	connectionsRejected prometheus.Counter
	connectionsActive   prometheus.Gauge
	journalEventsTotal  *prometheus.CounterVec
	redeliveredTotal    prometheus.Counter
	queueDepth          *prometheus.GaugeVec
	inflight            *prometheus.GaugeVec
}

var brokerMetrics *BrokerMetrics

// Init initializes the metrics subsystem under the given namespace.
func Init(namespace string) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &BrokerMetrics{
		registry: registry,

		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total requests dispatched, by type and status",
			},
			[]string{"type", "status"},
		),
		connectionsAccepted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connections_accepted_total",
				Help:      "Total client connections accepted",
			},
		),
		connectionsRejected: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connections_rejected_total",
				Help:      "Connections closed immediately because MAX_CONN was reached",
			},
		),
		connectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "connections_active",
				Help:      "Currently open client connections",
			},
		),
		journalEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "journal_events_total",
				Help:      "Events consumed by the journal workers, by journal and op",
			},
			[]string{"journal", "op"},
		),
		redeliveredTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "redelivered_total",
				Help:      "Aged in-flight messages re-injected by the redelivery worker",
			},
		),
		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Pending messages per queue",
			},
			[]string{"queue"},
		),
		inflight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "inflight",
				Help:      "Unacknowledged deliveries per queue",
			},
			[]string{"queue"},
		),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.connectionsAccepted,
		m.connectionsRejected,
		m.connectionsActive,
		m.journalEventsTotal,
		m.redeliveredTotal,
		m.queueDepth,
		m.inflight,
	)

	brokerMetrics = m
}

// Handler returns the /metrics HTTP handler for the admin listener.
func Handler() http.Handler {
	if brokerMetrics == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(brokerMetrics.registry, promhttp.HandlerOpts{})
}

// RecordRequest counts one dispatched request.
func RecordRequest(typeName, status string) {
	if brokerMetrics == nil {
		return
	}
	brokerMetrics.requestsTotal.WithLabelValues(typeName, status).Inc()
}

// ConnOpened records an accepted connection.
func ConnOpened() {
	if brokerMetrics == nil {
		return
	}
	brokerMetrics.connectionsAccepted.Inc()
	brokerMetrics.connectionsActive.Inc()
}

// ConnClosed records a closed connection.
func ConnClosed() {
	if brokerMetrics == nil {
		return
	}
	brokerMetrics.connectionsActive.Dec()
}

// ConnRejected records a connection refused by the MAX_CONN bound.
func ConnRejected() {
	if brokerMetrics == nil {
		return
	}
	brokerMetrics.connectionsRejected.Inc()
}

// RecordJournalEvent counts one event consumed by a journal worker.
func RecordJournalEvent(journal, op string) {
	if brokerMetrics == nil {
		return
	}
	brokerMetrics.journalEventsTotal.WithLabelValues(journal, op).Inc()
}

// RecordRedelivered counts one re-injected message.
func RecordRedelivered() {
	if brokerMetrics == nil {
		return
	}
	brokerMetrics.redeliveredTotal.Inc()
}

// SetQueueDepth updates the pending-message gauge for a queue.
func SetQueueDepth(queue string, depth float64) {
	if brokerMetrics == nil {
		return
	}
	brokerMetrics.queueDepth.WithLabelValues(queue).Set(depth)
}

// SetInflight updates the unacknowledged gauge for a queue.
func SetInflight(queue string, n float64) {
	if brokerMetrics == nil {
		return
	}
	brokerMetrics.inflight.WithLabelValues(queue).Set(n)
}

// DeleteQueueGauges drops the per-queue gauges when a queue is deleted.
func DeleteQueueGauges(queue string) {
	if brokerMetrics == nil {
		return
	}
	brokerMetrics.queueDepth.DeleteLabelValues(queue)
	brokerMetrics.inflight.DeleteLabelValues(queue)
}
