// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "duplex_transcription"

// Metrics holds all Prometheus metrics for the service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Session metrics
	SessionsTotal       prometheus.Counter
	SessionsActive      prometheus.Gauge
	SessionDuration     prometheus.Histogram
	SessionInitFailures *prometheus.CounterVec

	// Transcript metrics
	TranscriptsPartial *prometheus.CounterVec
	TranscriptsFinal   *prometheus.CounterVec

	// Audio metrics
	AudioBytesReceived  *prometheus.CounterVec
	AudioFramesReceived *prometheus.CounterVec

	// Provider metrics
	ProviderErrors  *prometheus.CounterVec
	StaleMessages   *prometheus.CounterVec
	BatchSubmitted  *prometheus.CounterVec
	BatchLatency    *prometheus.HistogramVec
	PendingDiscards *prometheus.CounterVec

	// Capture metrics
	CaptureChunks prometheus.Counter
	CaptureState  prometheus.Gauge
	CaptureExits  *prometheus.CounterVec

	// Kafka publish metrics
	KafkaPublishTotal   *prometheus.CounterVec
	KafkaPublishErrors  *prometheus.CounterVec
	KafkaPublishLatency *prometheus.HistogramVec

	// gRPC metrics
	GRPCCalls *prometheus.CounterVec
}

// DefaultMetrics is the global metrics instance.
var DefaultMetrics = NewMetrics()

// NewMetrics creates and registers all metrics on the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith creates and registers all metrics on reg.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		// Session metrics
		SessionsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of transcription sessions initialized",
		}),
		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of currently active transcription sessions",
		}),
		SessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Duration of transcription sessions in seconds",
			Buckets:   []float64{1, 10, 30, 60, 300, 900, 1800, 3600},
		}),
		SessionInitFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_init_failures_total",
			Help:      "Total number of failed session initializations",
		}, []string{"reason"}),

		// Transcript metrics
		TranscriptsPartial: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcripts_partial_total",
			Help:      "Total number of partial transcript events emitted",
		}, []string{"channel"}),
		TranscriptsFinal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcripts_final_total",
			Help:      "Total number of final transcript events emitted",
		}, []string{"channel"}),

		// Audio metrics
		AudioBytesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_received_total",
			Help:      "Total audio bytes received",
		}, []string{"channel"}),
		AudioFramesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_received_total",
			Help:      "Total audio frames received",
		}, []string{"channel"}),

		// Provider metrics
		ProviderErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Total number of errors reported by STT providers",
		}, []string{"provider", "channel"}),
		StaleMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_messages_total",
			Help:      "Provider messages dropped because the channel handle was released",
		}, []string{"channel"}),
		BatchSubmitted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_submissions_total",
			Help:      "Total number of batch transcription requests",
		}, []string{"channel", "result"}),
		BatchLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_latency_seconds",
			Help:      "Batch transcription request latency in seconds",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"provider"}),
		PendingDiscards: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pending_discards_total",
			Help:      "Pending turns or batch windows discarded on close",
		}, []string{"channel"}),

		// Capture metrics
		CaptureChunks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_chunks_total",
			Help:      "Total number of system-audio chunks forwarded",
		}),
		CaptureState: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "capture_state",
			Help:      "Capture supervisor state (0 idle, 1 starting, 2 running)",
		}),
		CaptureExits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_exits_total",
			Help:      "Total number of capture process exits",
		}, []string{"reason"}),

		// Kafka publish metrics
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

		// gRPC metrics
		GRPCCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grpc_calls_total",
			Help:      "Total number of gRPC calls served",
		}, []string{"method", "code"}),
	}
}

// RecordSessionStart records a session becoming active.
func (m *Metrics) RecordSessionStart() {
	if m == nil {
		return
	}
	m.SessionsTotal.Inc()
	m.SessionsActive.Inc()
}

// RecordSessionEnd records a session closing.
func (m *Metrics) RecordSessionEnd(durationSeconds float64) {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
	m.SessionDuration.Observe(durationSeconds)
}

// RecordSessionInitFailure records a failed Initialize.
func (m *Metrics) RecordSessionInitFailure(reason string) {
	if m == nil {
		return
	}
	m.SessionInitFailures.WithLabelValues(reason).Inc()
}

// RecordTranscript records an emitted transcript event.
func (m *Metrics) RecordTranscript(channel string, partial bool) {
	if m == nil {
		return
	}
	if partial {
		m.TranscriptsPartial.WithLabelValues(channel).Inc()
		return
	}
	m.TranscriptsFinal.WithLabelValues(channel).Inc()
}

// RecordAudioReceived records audio bytes and frames received on a channel.
func (m *Metrics) RecordAudioReceived(channel string, bytes int) {
	if m == nil {
		return
	}
	m.AudioBytesReceived.WithLabelValues(channel).Add(float64(bytes))
	m.AudioFramesReceived.WithLabelValues(channel).Inc()
}

// RecordProviderError records a provider-reported error.
func (m *Metrics) RecordProviderError(provider, channel string) {
	if m == nil {
		return
	}
	m.ProviderErrors.WithLabelValues(provider, channel).Inc()
}

// RecordStaleMessage records a message dropped after handle release.
func (m *Metrics) RecordStaleMessage(channel string) {
	if m == nil {
		return
	}
	m.StaleMessages.WithLabelValues(channel).Inc()
}

// RecordBatchSubmit records one batch transcription request.
func (m *Metrics) RecordBatchSubmit(provider, channel string, err error, latencySeconds float64) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.BatchSubmitted.WithLabelValues(channel, result).Inc()
	m.BatchLatency.WithLabelValues(provider).Observe(latencySeconds)
}

// RecordPendingDiscard records pending work dropped on close.
func (m *Metrics) RecordPendingDiscard(channel string) {
	if m == nil {
		return
	}
	m.PendingDiscards.WithLabelValues(channel).Inc()
}

// RecordCaptureChunk records one forwarded capture chunk.
func (m *Metrics) RecordCaptureChunk() {
	if m == nil {
		return
	}
	m.CaptureChunks.Inc()
}

// SetCaptureState records the supervisor state.
func (m *Metrics) SetCaptureState(state int) {
	if m == nil {
		return
	}
	m.CaptureState.Set(float64(state))
}

// RecordCaptureExit records the capture process ending.
func (m *Metrics) RecordCaptureExit(reason string) {
	if m == nil {
		return
	}
	m.CaptureExits.WithLabelValues(reason).Inc()
}

// RecordKafkaPublish records a Kafka publish attempt.
func (m *Metrics) RecordKafkaPublish(topic, eventType string, err error, latencySeconds float64) {
	if m == nil {
		return
	}
	m.KafkaPublishTotal.WithLabelValues(topic, eventType).Inc()
	m.KafkaPublishLatency.WithLabelValues(topic).Observe(latencySeconds)
	if err != nil {
		m.KafkaPublishErrors.WithLabelValues(topic, eventType).Inc()
	}
}

// RecordGRPCCall records a served gRPC call.
func (m *Metrics) RecordGRPCCall(method, code string) {
	if m == nil {
		return
	}
	m.GRPCCalls.WithLabelValues(method, code).Inc()
}
