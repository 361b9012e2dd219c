// Package metrics holds the relay's Prometheus collectors.
//
// Every method is safe on a nil *Metrics so components can run without
// instrumentation in tests.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "warprelay"

// Transfer outcomes.
const (
	OutcomeCompleted = "completed"
	OutcomeAborted   = "aborted"
	OutcomeCancelled = "cancelled"
	OutcomeExpired   = "expired"
)

type Metrics struct {
	registry *prometheus.Registry

	peers     prometheus.Gauge
	rooms     prometheus.Gauge
	transfers prometheus.Gauge

	messages         *prometheus.CounterVec
	protocolErrors   *prometheus.CounterVec
	deliveryFailures prometheus.Counter
	chunks           *prometheus.CounterVec
	chunkBytes       prometheus.Counter
	transferOutcomes *prometheus.CounterVec
	evictions        prometheus.Counter
}

// New creates the collectors on a fresh registry, along with the Go runtime
// and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peers",
			Help:      "Registered peers.",
		}),
		rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rooms",
			Help:      "Live rooms.",
		}),
		transfers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "transfers_in_flight",
			Help:      "Transfers with at least one chunk received and not yet finished.",
		}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Inbound messages by type.",
		}, []string{"type"}),
		protocolErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_errors_total",
			Help:      "Rejected inbound messages by reason.",
		}, []string{"reason"}),
		deliveryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_failures_total",
			Help:      "Outbound messages that could not be queued to a peer.",
		}),
		chunks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_total",
			Help:      "File chunks accepted, by delivery mode.",
		}, []string{"mode"}),
		chunkBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunk_bytes_total",
			Help:      "Payload bytes of accepted file chunks.",
		}),
		transferOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfers_total",
			Help:      "Finished transfers by outcome.",
		}, []string{"outcome"}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evictions_total",
			Help:      "Peers torn down by the liveness sweeper.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.peers, m.rooms, m.transfers,
		m.messages, m.protocolErrors, m.deliveryFailures,
		m.chunks, m.chunkBytes, m.transferOutcomes, m.evictions,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "metrics not configured", http.StatusInternalServerError)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) SetPeers(n int) {
	if m != nil {
		m.peers.Set(float64(n))
	}
}

func (m *Metrics) SetRooms(n int) {
	if m != nil {
		m.rooms.Set(float64(n))
	}
}

func (m *Metrics) SetTransfers(n int) {
	if m != nil {
		m.transfers.Set(float64(n))
	}
}

func (m *Metrics) Message(msgType string) {
	if m != nil {
		m.messages.WithLabelValues(msgType).Inc()
	}
}

func (m *Metrics) ProtocolError(reason string) {
	if m != nil {
		m.protocolErrors.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) DeliveryFailure() {
	if m != nil {
		m.deliveryFailures.Inc()
	}
}

func (m *Metrics) Chunk(mode string, size int) {
	if m != nil {
		m.chunks.WithLabelValues(mode).Inc()
		m.chunkBytes.Add(float64(size))
	}
}

func (m *Metrics) TransferFinished(outcome string) {
	if m != nil {
		m.transferOutcomes.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) Eviction() {
	if m != nil {
		m.evictions.Inc()
	}
}
