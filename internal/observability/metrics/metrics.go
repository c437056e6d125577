// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "voice_transcribe"

// Window outcome labels.
const (
	WindowRecognized = "recognized"
	WindowSilent     = "silent"
	WindowFailed     = "failed"
)

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	// Run metrics
	RunsTotal    prometheus.Counter
	RunsActive   prometheus.Gauge
	RunOutcomes  *prometheus.CounterVec
	RunDuration  prometheus.Histogram
	SourceBytes  prometheus.Histogram
	RepliesSent  prometheus.Counter
	LaughterHits prometheus.Counter

	// Transcoder metrics
	TranscodeDuration prometheus.Histogram
	TranscodeErrors   *prometheus.CounterVec

	// STT metrics
	STTWindows *prometheus.CounterVec
	STTLatency *prometheus.HistogramVec

	// Cleanup metrics
	CleanupErrors *prometheus.CounterVec

	// gRPC metrics
	GRPCRequests *prometheus.CounterVec

	// Kafka publish metrics
	KafkaPublishTotal   *prometheus.CounterVec
	KafkaPublishErrors  *prometheus.CounterVec
	KafkaPublishLatency *prometheus.HistogramVec
}

// DefaultMetrics is the global metrics instance.
var DefaultMetrics = NewMetrics(prometheus.DefaultRegisterer)

// NewMetrics creates all Prometheus metrics and registers them with reg.
// A nil reg creates unregistered metrics, which tests use to avoid
// duplicate registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RunsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Total number of pipeline runs started",
		}),
		RunsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "runs_active",
			Help:      "Number of pipeline runs in progress",
		}),
		RunOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "run_outcomes_total",
			Help:      "Pipeline runs by outcome",
		}, []string{"outcome"}),
		RunDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Duration of pipeline runs in seconds",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		}),
		SourceBytes: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "source_bytes",
			Help:      "Size of downloaded source media in bytes",
			Buckets:   prometheus.ExponentialBuckets(1024, 4, 8),
		}),
		RepliesSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replies_sent_total",
			Help:      "Total number of transcript replies sent",
		}),
		LaughterHits: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "laughter_detected_total",
			Help:      "Total number of transcripts with laughter detected",
		}),

		TranscodeDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transcode_duration_seconds",
			Help:      "Duration of transcoder invocations in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}),
		TranscodeErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcode_errors_total",
			Help:      "Total number of transcoder failures",
		}, []string{"reason"}),

		STTWindows: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stt_windows_total",
			Help:      "Recognition windows by outcome",
		}, []string{"provider", "outcome"}),
		STTLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stt_latency_seconds",
			Help:      "Speech-to-text request latency in seconds",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"provider"}),

		CleanupErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cleanup_errors_total",
			Help:      "Total number of failed cleanup operations",
		}, []string{"target"}),

		GRPCRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grpc_requests_total",
			Help:      "Total number of gRPC calls handled",
		}, []string{"method", "code"}),

		KafkaPublishTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_total",
			Help:      "Total number of Kafka messages published",
		}, []string{"topic", "event_type"}),
		KafkaPublishErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_errors_total",
			Help:      "Total number of Kafka publish errors",
		}, []string{"topic", "event_type"}),
		KafkaPublishLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "kafka_publish_latency_seconds",
			Help:      "Kafka publish latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"topic"}),
	}
}

// RecordRunStart records a new pipeline run starting.
func (m *Metrics) RecordRunStart() {
	m.RunsTotal.Inc()
	m.RunsActive.Inc()
}

// RecordRunEnd records a pipeline run ending with the given outcome.
func (m *Metrics) RecordRunEnd(outcome string, durationSeconds float64) {
	m.RunsActive.Dec()
	m.RunDuration.Observe(durationSeconds)
	m.RunOutcomes.WithLabelValues(outcome).Inc()
}

// RecordSourceBytes records the size of a downloaded attachment.
func (m *Metrics) RecordSourceBytes(n int64) {
	m.SourceBytes.Observe(float64(n))
}

// RecordReplySent records one outbound transcript reply.
func (m *Metrics) RecordReplySent() {
	m.RepliesSent.Inc()
}

// RecordLaughter records a transcript with laughter detected.
func (m *Metrics) RecordLaughter() {
	m.LaughterHits.Inc()
}

// RecordTranscode records a transcoder invocation.
func (m *Metrics) RecordTranscode(reason string, durationSeconds float64) {
	m.TranscodeDuration.Observe(durationSeconds)
	if reason != "" {
		m.TranscodeErrors.WithLabelValues(reason).Inc()
	}
}

// RecordWindow records the outcome and latency of one recognition window.
func (m *Metrics) RecordWindow(provider, outcome string, latencySeconds float64) {
	m.STTWindows.WithLabelValues(provider, outcome).Inc()
	m.STTLatency.WithLabelValues(provider).Observe(latencySeconds)
}

// RecordCleanupError records a failed cleanup operation.
func (m *Metrics) RecordCleanupError(target string) {
	m.CleanupErrors.WithLabelValues(target).Inc()
}

// RecordGRPCCall records a handled gRPC call.
func (m *Metrics) RecordGRPCCall(method, code string) {
	m.GRPCRequests.WithLabelValues(method, code).Inc()
}

// RecordKafkaPublish records a Kafka publish attempt.
func (m *Metrics) RecordKafkaPublish(topic, eventType string, err error, latencySeconds float64) {
	m.KafkaPublishTotal.WithLabelValues(topic, eventType).Inc()
	m.KafkaPublishLatency.WithLabelValues(topic).Observe(latencySeconds)
	if err != nil {
		m.KafkaPublishErrors.WithLabelValues(topic, eventType).Inc()
	}
}
