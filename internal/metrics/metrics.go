package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all kiosk counters and gauges.
type Metrics struct {
	// Frame flow
	FramesPushed  atomic.Uint64
	FramesDropped atomic.Uint64
	CameraErrors  atomic.Uint64

	// Detection
	Detections       atomic.Uint64
	InferenceErrors  atomic.Uint64
	ShapeErrors      atomic.Uint64
	DetectionLatency prometheus.Histogram

	// Sessions
	SessionsStarted  atomic.Uint64
	SessionsPassed   atomic.Uint64
	SessionsTimedOut atomic.Uint64
	SessionsAborted  atomic.Uint64

	// Safety
	InterlockActive  atomic.Uint64 // 0 = clear, 1 = active
	EmergencyEvents  atomic.Uint64
	DoorOpens        atomic.Uint64
	DoorSuppressions atomic.Uint64

	// Devices
	deviceConnected *prometheus.GaugeVec
	deviceRetries   *prometheus.CounterVec

	// Cards
	CardsScanned atomic.Uint64
	AccessDenied atomic.Uint64

	registry *prometheus.Registry
}

// New creates a Metrics instance with its own Prometheus registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		DetectionLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "kiosk_detection_latency_seconds",
			Help:    "End-to-end latency of one detection pass",
			Buckets: []float64{0.025, 0.05, 0.1, 0.2, 0.4, 0.8, 1.6},
		}),
		deviceConnected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "kiosk_device_connected",
			Help: "Device connectivity (0=lost, 1=connected)",
		}, []string{"device"}),
		deviceRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kiosk_device_retries_total",
			Help: "Failed connection attempts per device",
		}, []string{"device"}),
	}

	m.registerPrometheusMetrics()
	return m
}

func (m *Metrics) registerPrometheusMetrics() {
	m.registry.MustRegister(m.DetectionLatency, m.deviceConnected, m.deviceRetries)

	counters := []struct {
		name, help string
		v          *atomic.Uint64
	}{
		{"kiosk_frames_pushed_total", "Frames offered to the frame queue", &m.FramesPushed},
		{"kiosk_frames_dropped_total", "Frames dropped because the queue was full", &m.FramesDropped},
		{"kiosk_camera_errors_total", "Failed camera reads", &m.CameraErrors},
		{"kiosk_detections_total", "Completed detection passes", &m.Detections},
		{"kiosk_inference_errors_total", "Detection passes that failed", &m.InferenceErrors},
		{"kiosk_shape_errors_total", "Model outputs with an unexpected shape", &m.ShapeErrors},
		{"kiosk_sessions_started_total", "Validation sessions started", &m.SessionsStarted},
		{"kiosk_sessions_passed_total", "Validation sessions that passed", &m.SessionsPassed},
		{"kiosk_sessions_timeout_total", "Validation sessions that timed out", &m.SessionsTimedOut},
		{"kiosk_sessions_aborted_total", "Validation sessions that were aborted", &m.SessionsAborted},
		{"kiosk_emergency_events_total", "Interlock activations", &m.EmergencyEvents},
		{"kiosk_door_opens_total", "Door open commands issued", &m.DoorOpens},
		{"kiosk_door_suppressed_total", "Door open commands rejected by the interlock", &m.DoorSuppressions},
		{"kiosk_cards_scanned_total", "RFID cards read", &m.CardsScanned},
		{"kiosk_access_denied_total", "Cards rejected by the operator directory", &m.AccessDenied},
	}
	for _, c := range counters {
		v := c.v
		m.registry.MustRegister(prometheus.NewCounterFunc(
			prometheus.CounterOpts{Name: c.name, Help: c.help},
			func() float64 { return float64(v.Load()) },
		))
	}

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "kiosk_interlock_active",
			Help: "Safety interlock state (0=clear, 1=active)",
		},
		func() float64 { return float64(m.InterlockActive.Load()) },
	))
}

// ObserveDetection records one detection pass.
func (m *Metrics) ObserveDetection(d time.Duration) {
	m.Detections.Add(1)
	m.DetectionLatency.Observe(d.Seconds())
}

// SetDeviceConnected updates the connectivity gauge of a device.
func (m *Metrics) SetDeviceConnected(device string, connected bool) {
	v := 0.0
	if connected {
		v = 1
	}
	m.deviceConnected.WithLabelValues(device).Set(v)
}

// DeviceRetry counts a failed connection attempt.
func (m *Metrics) DeviceRetry(device string) {
	m.deviceRetries.WithLabelValues(device).Inc()
}

// SetInterlock mirrors the interlock state.
func (m *Metrics) SetInterlock(active bool) {
	if active {
		m.InterlockActive.Store(1)
		return
	}
	m.InterlockActive.Store(0)
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
