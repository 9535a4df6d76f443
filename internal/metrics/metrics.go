// Package metrics provides the relay's Prometheus metrics: connected-device
// gauges, frame forward/drop counters, and rate-limit rejection counts,
// exposed on the relay's /metrics endpoint.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "cliprelay"

// Metrics holds every Prometheus collector the relay registers.
type Metrics struct {
	RoomsActive        prometheus.Gauge
	DevicesConnected   prometheus.Gauge
	FramesForwarded    *prometheus.CounterVec
	FramesDropped      *prometheus.CounterVec
	RateLimitRejects   prometheus.Counter
	JoinsTotal         prometheus.Counter
	LeavesTotal        prometheus.Counter
	RoomFullRejections prometheus.Counter
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns a process-wide Metrics instance registered against the
// default Prometheus registry, created once on first use.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics registers a fresh set of collectors against the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry registers a fresh set of collectors against reg,
// letting tests use an isolated registry instead of the global default.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RoomsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rooms_active",
			Help:      "Number of rooms with at least one connected device.",
		}),
		DevicesConnected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "devices_connected",
			Help:      "Number of devices currently connected across all rooms.",
		}),
		FramesForwarded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_forwarded_total",
			Help:      "Total encrypted frames forwarded, by message type.",
		}, []string{"message_type"}),
		FramesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Total frames dropped, by reason.",
		}, []string{"reason"}),
		RateLimitRejects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_rejects_total",
			Help:      "Total frames dropped because the sender's token bucket was empty.",
		}),
		JoinsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "joins_total",
			Help:      "Total successful room joins.",
		}),
		LeavesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "leaves_total",
			Help:      "Total room departures (disconnect or eviction).",
		}),
		RoomFullRejections: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "room_full_rejections_total",
			Help:      "Total join attempts rejected because the room was at capacity.",
		}),
	}
}

// RecordJoin records a device joining a room, updating both the gauge and
// the cumulative counter.
func (m *Metrics) RecordJoin() {
	m.DevicesConnected.Inc()
	m.JoinsTotal.Inc()
}

// RecordLeave records a device leaving a room.
func (m *Metrics) RecordLeave() {
	m.DevicesConnected.Dec()
	m.LeavesTotal.Inc()
}

// RecordForward records one frame successfully forwarded to a room's members.
func (m *Metrics) RecordForward(messageType string) {
	m.FramesForwarded.WithLabelValues(messageType).Inc()
}

// RecordDrop records one frame dropped for reason (e.g. "oversized",
// "decode_error", "rate_limited", "sender_mismatch", "control_after_hello").
func (m *Metrics) RecordDrop(reason string) {
	m.FramesDropped.WithLabelValues(reason).Inc()
}

// RecordRateLimitReject records a frame dropped specifically by the
// per-connection token bucket.
func (m *Metrics) RecordRateLimitReject() {
	m.RateLimitRejects.Inc()
	m.FramesDropped.WithLabelValues("rate_limited").Inc()
}

// RecordRoomFull records a join attempt rejected because the room already
// holds MaxDevicesPerRoom members.
func (m *Metrics) RecordRoomFull() {
	m.RoomFullRejections.Inc()
}

// SetRoomsActive sets the current count of non-empty rooms.
func (m *Metrics) SetRoomsActive(count int) {
	m.RoomsActive.Set(float64(count))
}
