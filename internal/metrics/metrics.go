// Package metrics provides Prometheus metrics for flowgate.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "flowgate"

// Metrics contains the relay engine's Prometheus instruments.
type Metrics struct {
	// Flow lifecycle
	FlowsActive prometheus.Gauge
	FlowsTotal  *prometheus.CounterVec // labels: proto, decision
	FlowsDup    prometheus.Counter

	// Handshake
	HandshakeFailures *prometheus.CounterVec // label: reason
	HandshakeLatency  prometheus.Histogram

	// Data path
	BytesRelayed     *prometheus.CounterVec // labels: proto, direction
	DatagramsDropped prometheus.Counter
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the process-wide metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewWithRegistry(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// NewWithRegistry creates a Metrics instance registered on reg. Tests use a
// private registry to avoid duplicate-registration panics.
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		FlowsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "flows_active",
			Help:      "Number of flows currently being relayed",
		}),
		FlowsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flows_total",
			Help:      "Total flows seen, by protocol and policy decision",
		}, []string{"proto", "decision"}),
		FlowsDup: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flows_duplicate_total",
			Help:      "Flows rejected because an identical flow was already live",
		}),
		HandshakeFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_failures_total",
			Help:      "SOCKS5 handshakes that failed, by reason",
		}, []string{"reason"}),
		HandshakeLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handshake_duration_seconds",
			Help:      "Time to establish a SOCKS5 session",
			Buckets:   prometheus.DefBuckets,
		}),
		BytesRelayed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_relayed_total",
			Help:      "Payload bytes relayed, by protocol and direction",
		}, []string{"proto", "direction"}),
		DatagramsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_dropped_total",
			Help:      "Inbound UDP envelopes dropped as malformed",
		}),
	}
}
