package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveConnections      prometheus.Gauge
	ConnectionEvents       *prometheus.CounterVec
	WSMessages             *prometheus.CounterVec
	ProviderErrors         *prometheus.CounterVec
	ActiveDialogueSessions prometheus.Gauge
	OperationLatency       *prometheus.HistogramVec
	CompressionRuns        *prometheus.CounterVec
	FactsSaved             prometheus.Counter
	StoreWriteFailures     *prometheus.CounterVec

	window *operationWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Number of registered realtime device connections.",
		}),
		ConnectionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_events_total",
			Help:      "Connection lifecycle events by type.",
		}, []string{"event"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		ProviderErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Provider errors by provider and code.",
		}, []string{"provider", "code"}),
		ActiveDialogueSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_dialogue_sessions",
			Help:      "Number of live (user, conversation) dialogue sessions.",
		}),
		OperationLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_latency_ms",
			Help:      "Latency of upstream and storage operations in milliseconds, by outcome.",
			Buckets:   []float64{25, 50, 100, 250, 500, 1000, 2000, 5000, 10000},
		}, []string{"operation", "outcome"}),
		CompressionRuns: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compression_runs_total",
			Help:      "Memory compression runs by result.",
		}, []string{"result"}),
		FactsSaved: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "facts_saved_total",
			Help:      "Long-term memory records written by compression.",
		}),
		StoreWriteFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_write_failures_total",
			Help:      "Best-effort store writes that failed, by kind.",
		}, []string{"kind"}),
		window: newOperationWindow(256),
	}
}

// ObserveOperation records one call of the named operation in both the
// histogram and the rolling window. A non-nil err counts as a failure.
func (m *Metrics) ObserveOperation(operation string, d time.Duration, err error) {
	if m == nil {
		return
	}
	ms := float64(d.Microseconds()) / 1000
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.OperationLatency.WithLabelValues(operation, outcome).Observe(ms)
	m.window.Observe(operation, ms, err != nil)
}

// OperationSnapshot returns rolling latency percentiles and error counts per
// operation.
func (m *Metrics) OperationSnapshot() OperationSnapshot {
	if m == nil {
		return OperationSnapshot{GeneratedAt: time.Now().UTC()}
	}
	return m.window.Snapshot()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
