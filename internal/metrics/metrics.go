package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus collectors, labelled by chain where it matters.
type Metrics struct {
	eventsReceived  *prometheus.CounterVec
	decodeErrors    *prometheus.CounterVec
	transitions     *prometheus.CounterVec
	anomalies       *prometheus.CounterVec
	writeConflicts  *prometheus.CounterVec
	writeErrors     *prometheus.CounterVec
	reconnects      *prometheus.CounterVec
	lastBlock       *prometheus.GaugeVec
	connectedChains prometheus.Gauge
}

var (
	once    sync.Once
	metrics *Metrics
)

// Init initializes global metrics (idempotent).
func Init() *Metrics {
	once.Do(func() {
		metrics = &Metrics{
			eventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "intent_indexer_events_received_total",
				Help: "Decoded contract events received per chain and event",
			}, []string{"chain", "event"}),
			decodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "intent_indexer_decode_errors_total",
				Help: "Logs dropped because they could not be decoded",
			}, []string{"chain"}),
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "intent_indexer_transitions_total",
				Help: "Normalizer decisions by outcome",
			}, []string{"chain", "kind"}),
			anomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "intent_indexer_anomalies_total",
				Help: "Rejected illegal status transitions",
			}, []string{"chain"}),
			writeConflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "intent_indexer_write_conflicts_total",
				Help: "Optimistic concurrency conflicts retried by the writer",
			}, []string{"chain"}),
			writeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "intent_indexer_write_errors_total",
				Help: "Writes that failed after retries or on storage errors",
			}, []string{"chain"}),
			reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "intent_indexer_reconnects_total",
				Help: "Transport reconnect attempts",
			}, []string{"chain"}),
			lastBlock: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "intent_indexer_last_block",
				Help: "Highest block whose logs were delivered",
			}, []string{"chain"}),
			connectedChains: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "intent_indexer_connected_chains",
				Help: "Chains with an established connection",
			}),
		}
		prometheus.MustRegister(
			metrics.eventsReceived,
			metrics.decodeErrors,
			metrics.transitions,
			metrics.anomalies,
			metrics.writeConflicts,
			metrics.writeErrors,
			metrics.reconnects,
			metrics.lastBlock,
			metrics.connectedChains,
		)
	})
	return metrics
}

// EventReceived counts one decoded event.
func (m *Metrics) EventReceived(chain, event string) {
	if m != nil {
		m.eventsReceived.WithLabelValues(chain, event).Inc()
	}
}

// DecodeError counts one dropped log.
func (m *Metrics) DecodeError(chain string) {
	if m != nil {
		m.decodeErrors.WithLabelValues(chain).Inc()
	}
}

// Transition counts one normalizer decision.
func (m *Metrics) Transition(chain, kind string) {
	if m != nil {
		m.transitions.WithLabelValues(chain, kind).Inc()
	}
}

// Anomaly counts one rejected transition.
func (m *Metrics) Anomaly(chain string) {
	if m != nil {
		m.anomalies.WithLabelValues(chain).Inc()
	}
}

// WriteConflict counts one optimistic retry.
func (m *Metrics) WriteConflict(chain string) {
	if m != nil {
		m.writeConflicts.WithLabelValues(chain).Inc()
	}
}

// WriteError counts one failed write.
func (m *Metrics) WriteError(chain string) {
	if m != nil {
		m.writeErrors.WithLabelValues(chain).Inc()
	}
}

// Reconnect counts one reconnect attempt.
func (m *Metrics) Reconnect(chain string) {
	if m != nil {
		m.reconnects.WithLabelValues(chain).Inc()
	}
}

// LastBlock records the latest delivered block for chain.
func (m *Metrics) LastBlock(chain string, height uint64) {
	if m != nil {
		m.lastBlock.WithLabelValues(chain).Set(float64(height))
	}
}

// ConnectedChains sets the number of live chain connections.
func (m *Metrics) ConnectedChains(n int) {
	if m != nil {
		m.connectedChains.Set(float64(n))
	}
}

// Handler returns an HTTP handler for /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
