package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for bridges and the relay.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// BridgesActive is the number of live platform sessions.
	BridgesActive prometheus.Gauge

	// BridgeOperations counts lifecycle operations.
	// Labels: operation (connect|start|disconnect|delete|restore|lazy_open), result (ok|error code)
	BridgeOperations *prometheus.CounterVec

	// Messages counts relayed messages.
	// Labels: direction (inbound|outbound), result (ok|store_error|platform_error)
	Messages *prometheus.CounterVec

	// ClientSessions is the number of authenticated real-time sessions.
	ClientSessions prometheus.Gauge

	// DroppedFrames counts frames discarded because a client's buffer was full.
	DroppedFrames prometheus.Counter

	// PlatformSendDuration measures outbound sends to the platform in seconds.
	PlatformSendDuration prometheus.Histogram

	// StoreDuration measures message store calls in seconds.
	// Labels: operation (append|unread|mark_read|history)
	StoreDuration *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them on reg. A nil reg
// uses the default Prometheus registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		BridgesActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "funnelsync_bridges_active",
			Help: "Number of live bot sessions",
		}),
		BridgeOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "funnelsync_bridge_operations_total",
				Help: "Bridge lifecycle operations by result",
			},
			[]string{"operation", "result"},
		),
		Messages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "funnelsync_messages_total",
				Help: "Messages relayed by direction and result",
			},
			[]string{"direction", "result"},
		),
		ClientSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "funnelsync_client_sessions",
			Help: "Number of authenticated real-time client sessions",
		}),
		DroppedFrames: factory.NewCounter(prometheus.CounterOpts{
			Name: "funnelsync_dropped_frames_total",
			Help: "Frames dropped because a client send buffer was full",
		}),
		PlatformSendDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "funnelsync_platform_send_duration_seconds",
			Help:    "Duration of outbound sends to the messaging platform",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}),
		StoreDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "funnelsync_store_duration_seconds",
				Help:    "Duration of message store operations",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"operation"},
		),
	}
}

// BridgeOperation records the outcome of a lifecycle operation.
func (m *Metrics) BridgeOperation(operation, result string) {
	if m == nil {
		return
	}
	m.BridgeOperations.WithLabelValues(operation, result).Inc()
}

// SetBridgesActive records the number of live bridges.
func (m *Metrics) SetBridgesActive(n int) {
	if m == nil {
		return
	}
	m.BridgesActive.Set(float64(n))
}

// Message records a relayed message.
func (m *Metrics) Message(direction, result string) {
	if m == nil {
		return
	}
	m.Messages.WithLabelValues(direction, result).Inc()
}

// ClientConnected adjusts the session gauge by delta.
func (m *Metrics) ClientConnected(delta int) {
	if m == nil {
		return
	}
	m.ClientSessions.Add(float64(delta))
}

// FrameDropped counts one dropped frame.
func (m *Metrics) FrameDropped() {
	if m == nil {
		return
	}
	m.DroppedFrames.Inc()
}

// ObservePlatformSend records the latency of one outbound send.
func (m *Metrics) ObservePlatformSend(d time.Duration) {
	if m == nil {
		return
	}
	m.PlatformSendDuration.Observe(d.Seconds())
}

// ObserveStore records the latency of one store call.
func (m *Metrics) ObserveStore(operation string, d time.Duration) {
	if m == nil {
		return
	}
	m.StoreDuration.WithLabelValues(operation).Observe(d.Seconds())
}
