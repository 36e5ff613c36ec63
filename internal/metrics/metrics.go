// Package metrics provides Prometheus metrics for the occupancy pipelines.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector. All recording methods are safe on a nil
// receiver so components can run without metrics in tests.
type Metrics struct {
	FramesProcessed   *prometheus.CounterVec
	FramesSkipped     *prometheus.CounterVec
	StepDuration      *prometheus.HistogramVec
	ActiveTracks      *prometheus.GaugeVec
	CacheEntries      *prometheus.GaugeVec
	ResolverCalls     *prometheus.CounterVec
	TracksResolved    *prometheus.CounterVec
	CameraReconnects  *prometheus.CounterVec
	DetectionsFlushed prometheus.Counter
	FlushFailures     prometheus.Counter
	PendingDetections prometheus.Gauge
	Transitions       *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates the collectors and registers them on registry.
func New(registry *prometheus.Registry) (*Metrics, error) {
	m := &Metrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register occupancy metrics: %w", err)
	}
	return m, nil
}

func (m *Metrics) initMetrics() {
	m.FramesProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "occupancy_frames_processed_total",
			Help: "Frames run through detection and tracking.",
		},
		[]string{"camera"},
	)
	m.FramesSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "occupancy_frames_skipped_total",
			Help: "Ticks that did not process a frame, by reason.",
		},
		[]string{"camera", "reason"},
	)
	m.StepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "occupancy_step_duration_seconds",
			Help:    "Time spent processing one frame.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~2.5s
		},
		[]string{"camera"},
	)
	m.ActiveTracks = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "occupancy_active_tracks",
			Help: "Tracks reported by the tracker on the last processed frame.",
		},
		[]string{"camera"},
	)
	m.CacheEntries = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "occupancy_track_cache_entries",
			Help: "Tracks with identity bookkeeping.",
		},
		[]string{"camera"},
	)
	m.ResolverCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "occupancy_identity_lookups_total",
			Help: "Track identity lookups by outcome.",
		},
		[]string{"camera", "outcome"},
	)
	m.TracksResolved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "occupancy_tracks_resolved_total",
			Help: "Tracks attached to a user.",
		},
		[]string{"camera"},
	)
	m.CameraReconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "occupancy_camera_reconnects_total",
			Help: "Camera stream reconnect attempts.",
		},
		[]string{"camera"},
	)
	m.DetectionsFlushed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "occupancy_detections_flushed_total",
			Help: "Detection records written to storage.",
		},
	)
	m.FlushFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "occupancy_detection_flush_failures_total",
			Help: "Detection batches that could not be written.",
		},
	)
	m.PendingDetections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "occupancy_detections_pending",
			Help: "Detection records waiting for the next flush.",
		},
	)
	m.Transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "occupancy_transitions_total",
			Help: "Entry and exit requests by outcome.",
		},
		[]string{"kind", "outcome"},
	)
}

// Describe implements the prometheus.Collector interface.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.FramesProcessed.Describe(ch)
	m.FramesSkipped.Describe(ch)
	m.StepDuration.Describe(ch)
	m.ActiveTracks.Describe(ch)
	m.CacheEntries.Describe(ch)
	m.ResolverCalls.Describe(ch)
	m.TracksResolved.Describe(ch)
	m.CameraReconnects.Describe(ch)
	ch <- m.DetectionsFlushed.Desc()
	ch <- m.FlushFailures.Desc()
	ch <- m.PendingDetections.Desc()
	m.Transitions.Describe(ch)
}

// Collect implements the prometheus.Collector interface.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.FramesProcessed.Collect(ch)
	m.FramesSkipped.Collect(ch)
	m.StepDuration.Collect(ch)
	m.ActiveTracks.Collect(ch)
	m.CacheEntries.Collect(ch)
	m.ResolverCalls.Collect(ch)
	m.TracksResolved.Collect(ch)
	m.CameraReconnects.Collect(ch)
	ch <- m.DetectionsFlushed
	ch <- m.FlushFailures
	ch <- m.PendingDetections
	m.Transitions.Collect(ch)
}

// Registry returns the registry the metrics were registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// FrameProcessed records one processed frame.
func (m *Metrics) FrameProcessed(camera string, took time.Duration, activeTracks, cacheEntries int) {
	if m == nil {
		return
	}
	m.FramesProcessed.WithLabelValues(camera).Inc()
	m.StepDuration.WithLabelValues(camera).Observe(took.Seconds())
	m.ActiveTracks.WithLabelValues(camera).Set(float64(activeTracks))
	m.CacheEntries.WithLabelValues(camera).Set(float64(cacheEntries))
}

// FrameSkipped records a tick without work.
func (m *Metrics) FrameSkipped(camera, reason string) {
	if m == nil {
		return
	}
	m.FramesSkipped.WithLabelValues(camera, reason).Inc()
}

// Lookup records an identity lookup outcome.
func (m *Metrics) Lookup(camera, outcome string) {
	if m == nil {
		return
	}
	m.ResolverCalls.WithLabelValues(camera, outcome).Inc()
}

// TrackResolved records a track attached to a user.
func (m *Metrics) TrackResolved(camera string) {
	if m == nil {
		return
	}
	m.TracksResolved.WithLabelValues(camera).Inc()
}

// Reconnect records a camera reconnect attempt.
func (m *Metrics) Reconnect(camera string) {
	if m == nil {
		return
	}
	m.CameraReconnects.WithLabelValues(camera).Inc()
}

// Flushed records a successful detection flush.
func (m *Metrics) Flushed(n int) {
	if m == nil {
		return
	}
	m.DetectionsFlushed.Add(float64(n))
}

// FlushFailed records a failed flush attempt.
func (m *Metrics) FlushFailed() {
	if m == nil {
		return
	}
	m.FlushFailures.Inc()
}

// Pending sets the number of buffered detections.
func (m *Metrics) Pending(n int) {
	if m == nil {
		return
	}
	m.PendingDetections.Set(float64(n))
}

// Transition records an entry or exit request outcome.
func (m *Metrics) Transition(kind, outcome string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(kind, outcome).Inc()
}

// WatchFrameDrops exports the frames a camera slot overwrote before the
// pipeline read them. drops is called on every scrape.
func (m *Metrics) WatchFrameDrops(camera string, drops func() uint64) error {
	if m == nil {
		return nil
	}
	c := prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name:        "occupancy_frames_dropped_total",
		Help:        "Frames replaced in the camera slot before the pipeline read them.",
		ConstLabels: prometheus.Labels{"camera": camera},
	}, func() float64 { return float64(drops()) })
	if err := m.registry.Register(c); err != nil {
		return fmt.Errorf("failed to register frame drops of camera %s: %w", camera, err)
	}
	return nil
}

// WatchDetectionDrops exports the detection records discarded because the
// buffer was full. dropped is called on every scrape.
func (m *Metrics) WatchDetectionDrops(dropped func() uint64) error {
	if m == nil {
		return nil
	}
	c := prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "occupancy_detections_dropped_total",
		Help: "Detection records dropped before they could be written.",
	}, func() float64 { return float64(dropped()) })
	if err := m.registry.Register(c); err != nil {
		return fmt.Errorf("failed to register detection drops: %w", err)
	}
	return nil
}
