// Package telemetry exposes Prometheus metrics for the monitoring pipeline.
package telemetry

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the Prometheus collectors of the monitor.
type Metrics struct {
	CyclesTotal        prometheus.Counter
	CycleDuration      prometheus.Histogram
	CapturesTotal      *prometheus.CounterVec // partitioned by termination reason
	CaptureDuration    prometheus.Histogram
	DetectionsTotal    *prometheus.CounterVec // partitioned by detection method
	RecognizerRequests *prometheus.CounterVec // partitioned by source and outcome
	PipelineDuration   *prometheus.HistogramVec
	StationFailures    prometheus.Counter
	ActiveSessions     prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates the metric collectors on a private registry.
func NewMetrics() (*Metrics, error) {
	m := &Metrics{registry: prometheus.NewRegistry()}
	m.initMetrics()
	if err := m.registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register monitor metrics: %w", err)
	}
	return m, nil
}

func (m *Metrics) initMetrics() {
	m.CyclesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sodav_cycles_total",
		Help: "Total number of completed monitoring cycles.",
	})
	m.CycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "sodav_cycle_duration_seconds",
		Help:    "Wall time of one monitoring cycle.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	})
	m.CapturesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sodav_captures_total",
		Help: "Stream captures partitioned by termination reason.",
	}, []string{"reason"})
	m.CaptureDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "sodav_capture_duration_seconds",
		Help:    "Audio seconds captured per stream capture.",
		Buckets: prometheus.LinearBuckets(0, 20, 10),
	})
	m.DetectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sodav_detections_total",
		Help: "Persisted detections partitioned by detection method.",
	}, []string{"method"})
	m.RecognizerRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sodav_recognizer_requests_total",
		Help: "External recognizer calls partitioned by source and outcome.",
	}, []string{"source", "outcome"})
	m.PipelineDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sodav_station_pipeline_duration_seconds",
		Help:    "Time to run one station through the full pipeline.",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
	}, []string{"outcome"})
	m.StationFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sodav_station_failures_total",
		Help: "Station checks that ended in a capture or stream error.",
	})
	m.ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sodav_active_sessions",
		Help: "Play sessions currently tracked as active.",
	})
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.CyclesTotal.Describe(ch)
	m.CycleDuration.Describe(ch)
	m.CapturesTotal.Describe(ch)
	m.CaptureDuration.Describe(ch)
	m.DetectionsTotal.Describe(ch)
	m.RecognizerRequests.Describe(ch)
	m.PipelineDuration.Describe(ch)
	m.StationFailures.Describe(ch)
	m.ActiveSessions.Describe(ch)
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.CyclesTotal.Collect(ch)
	m.CycleDuration.Collect(ch)
	m.CapturesTotal.Collect(ch)
	m.CaptureDuration.Collect(ch)
	m.DetectionsTotal.Collect(ch)
	m.RecognizerRequests.Collect(ch)
	m.PipelineDuration.Collect(ch)
	m.StationFailures.Collect(ch)
	m.ActiveSessions.Collect(ch)
}

// Registry exposes the private registry for the metrics endpoint.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
