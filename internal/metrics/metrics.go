// Package metrics registers the gateway's Prometheus instruments and
// exposes the handler a server wires under /metrics, following the
// promauto/promhttp pattern the exporter daemons in this fleet use.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups every instrument the gateway publishes. Construct
// with New, which registers each instrument with the given registerer
// (pass nil for the default global registry).
type Metrics struct {
	MuxState        *prometheus.GaugeVec
	CommandsTotal   *prometheus.CounterVec
	CommandDuration prometheus.Histogram
	URCQueueDepth   prometheus.Gauge
	URCDroppedTotal prometheus.Counter
	BroadcastDrops  prometheus.Counter
	DialConnected   prometheus.Gauge
	ReconnectsTotal prometheus.Counter
}

// New registers and returns the gateway's metric instruments against
// reg. Passing nil registers against the default global registry, as
// promhttp.Handler() expects.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		MuxState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mux_state",
			Help:      "Current multiplexer state, one gauge per state name set to 1 for the active state and 0 otherwise.",
		}, []string{"state"}),
		CommandsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "AT commands submitted, labeled by outcome.",
		}, []string{"outcome"}),
		CommandDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Time from Submit to a command's final response.",
			Buckets:   prometheus.DefBuckets,
		}),
		URCQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "urc_queue_depth",
			Help:      "Number of unsolicited result code lines currently queued for dispatch.",
		}),
		URCDroppedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "urc_dropped_total",
			Help:      "Unsolicited result code lines dropped because the dispatch queue was full.",
		}),
		BroadcastDrops: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_drops_total",
			Help:      "Broadcast events dropped because a subscriber's buffer was full.",
		}),
		DialConnected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dial_connected",
			Help:      "1 if the data session is currently connected, 0 otherwise.",
		}),
		ReconnectsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Transport reconnect attempts made by the multiplexer.",
		}),
	}
}

// ObserveCommand records the outcome and latency of one Submit call.
func (m *Metrics) ObserveCommand(outcome string, started time.Time) {
	m.CommandsTotal.WithLabelValues(outcome).Inc()
	m.CommandDuration.Observe(time.Since(started).Seconds())
}

// SetMuxState sets the named state's gauge to 1 and zeroes every
// other known state, so a Grafana panel can graph "mux_state{state=X}"
// directly without needing max_over_time gymnastics.
func (m *Metrics) SetMuxState(active string, all []string) {
	for _, s := range all {
		if s == active {
			m.MuxState.WithLabelValues(s).Set(1)
		} else {
			m.MuxState.WithLabelValues(s).Set(0)
		}
	}
}

// Handler returns the HTTP handler to mount at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
