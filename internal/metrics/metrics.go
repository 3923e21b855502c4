// Package metrics holds the Prometheus metrics for the Semaphore service.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"agentworks/internal/channel"
	"agentworks/pkg/monitoring"
)

// Metrics groups the service's Prometheus collectors. Channel labels use the
// scope:type prefix, never the full channel string, to bound cardinality.
type Metrics struct {
	HubConnections     prometheus.Gauge
	HubMessages        *prometheus.CounterVec
	EventsPublished    *prometheus.CounterVec
	ReplaysServed      *prometheus.CounterVec
	ReplaysThrottled   prometheus.Counter
	BatcherDropped     prometheus.Counter
	MessageDeliveryLag *prometheus.HistogramVec

	KafkaMessages *prometheus.CounterVec
	KafkaDuration *prometheus.HistogramVec
	KafkaLag      *prometheus.GaugeVec
}

// New registers the service collectors on mc.
func New(mc *monitoring.MetricsCollector) *Metrics {
	m := &Metrics{
		HubConnections:     mc.NewGauge("websocket_hub_connections_active", "Active WebSocket hub connections", nil).WithLabelValues(),
		HubMessages:        mc.NewCounter("websocket_hub_messages_total", "WebSocket hub messages", []string{"direction"}),
		EventsPublished:    mc.NewCounter("realtime_events_published_total", "Real-time events published", []string{"channel_kind"}),
		ReplaysServed:      mc.NewCounter("cursor_replays_total", "Cursor replays served", []string{"tier"}),
		ReplaysThrottled:   mc.NewCounter("cursor_replays_throttled_total", "Replays rejected at the per-connection cap", nil).WithLabelValues(),
		BatcherDropped:     mc.NewCounter("batcher_events_dropped_total", "Events dropped by the ingest batcher at capacity", nil).WithLabelValues(),
		MessageDeliveryLag: mc.NewHistogram("message_delivery_lag_seconds", "Message delivery latency", []string{"channel_kind"}, nil),
	}
	m.KafkaMessages, m.KafkaDuration, m.KafkaLag = mc.CreateKafkaMetrics()
	return m
}

func channelKind(channelStr string) string {
	ch, err := channel.Parse(channelStr)
	if err != nil {
		return "invalid"
	}
	return string(ch.Scope) + ":" + ch.Type
}

// The methods below satisfy the hub's Recorder interface.

func (m *Metrics) ConnectionOpened() { m.HubConnections.Inc() }

func (m *Metrics) ConnectionClosed() { m.HubConnections.Dec() }

func (m *Metrics) MessagePublished(channelStr string) {
	m.HubMessages.WithLabelValues("in").Inc()
	m.EventsPublished.WithLabelValues(channelKind(channelStr)).Inc()
}

func (m *Metrics) MessageDelivered(channelStr string, lag time.Duration) {
	m.HubMessages.WithLabelValues("out").Inc()
	m.MessageDeliveryLag.WithLabelValues(channelKind(channelStr)).Observe(lag.Seconds())
}

func (m *Metrics) ReplayServed(tier string) {
	m.ReplaysServed.WithLabelValues(tier).Inc()
}

func (m *Metrics) ReplayThrottled() {
	m.ReplaysThrottled.Inc()
}
