package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the bridge. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Call metrics
	CallsActive  prometheus.Gauge
	CallsTotal   *prometheus.CounterVec
	CallDuration *prometheus.HistogramVec

	// Audio metrics
	FramesDropped *prometheus.CounterVec
	CodecErrors   *prometheus.CounterVec
	AudioBytes    *prometheus.CounterVec

	// Engine protocol metrics
	ResponsesRequested   prometheus.Counter
	ResponsesSuppressed  prometheus.Counter
	ResponsesInterrupted prometheus.Counter
	ProtocolErrors       *prometheus.CounterVec
	HandshakeUnconfirmed prometheus.Counter

	// Degraded paths
	FallbackNarrations *prometheus.CounterVec
	FinalizeFailures   prometheus.Counter
}

// NewMetrics creates a new Metrics instance with all metrics registered
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "callbridge"
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		CallsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "calls_active",
			Help:      "Number of calls currently bridged",
		}),
		CallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_total",
			Help:      "Calls by outcome (setup failure kind or end reason)",
		}, []string{"outcome"}),
		CallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_duration_seconds",
			Help:      "Bridged call duration in seconds",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"reason"}),
		FramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Audio frames dropped under backpressure",
		}, []string{"direction"}),
		CodecErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "codec_errors_total",
			Help:      "Audio frames dropped because they could not be decoded",
		}, []string{"direction"}),
		AudioBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_total",
			Help:      "Telephony audio bytes relayed",
		}, []string{"direction"}),
		ResponsesRequested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "responses_requested_total",
			Help:      "response.create messages sent to the engine",
		}),
		ResponsesSuppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "responses_suppressed_total",
			Help:      "Response requests held back because one was already in flight",
		}),
		ResponsesInterrupted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "responses_interrupted_total",
			Help:      "Responses cancelled by caller barge-in",
		}),
		ProtocolErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_errors_total",
			Help:      "Error events received from the engine",
		}, []string{"code"}),
		HandshakeUnconfirmed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_unconfirmed_total",
			Help:      "Sessions that proceeded without a configuration acknowledgment",
		}),
		FallbackNarrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallback_narrations_total",
			Help:      "Turns spoken through carrier text-to-speech instead of engine audio",
		}, []string{"status"}),
		FinalizeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "finalize_failures_total",
			Help:      "Call records that could not be persisted after retry",
		}),
	}

	registry.MustRegister(
		m.CallsActive,
		m.CallsTotal,
		m.CallDuration,
		m.FramesDropped,
		m.CodecErrors,
		m.AudioBytes,
		m.ResponsesRequested,
		m.ResponsesSuppressed,
		m.ResponsesInterrupted,
		m.ProtocolErrors,
		m.HandshakeUnconfirmed,
		m.FallbackNarrations,
		m.FinalizeFailures,
	)

	return m
}

// Registry exposes the underlying registry, mainly for tests
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordCallStart records a call that passed setup
func (m *Metrics) RecordCallStart() {
	if m == nil {
		return
	}
	m.CallsActive.Inc()
}

// RecordCallEnd records a finished call
func (m *Metrics) RecordCallEnd(reason string, duration time.Duration) {
	if m == nil {
		return
	}
	m.CallsActive.Dec()
	m.CallsTotal.WithLabelValues(reason).Inc()
	m.CallDuration.WithLabelValues(reason).Observe(duration.Seconds())
}

// RecordSetupFailure records a call refused or aborted before bridging
func (m *Metrics) RecordSetupFailure(kind string) {
	if m == nil {
		return
	}
	m.CallsTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordFrameDropped(direction string) {
	if m == nil {
		return
	}
	m.FramesDropped.WithLabelValues(direction).Inc()
}

func (m *Metrics) RecordCodecError(direction string) {
	if m == nil {
		return
	}
	m.CodecErrors.WithLabelValues(direction).Inc()
}

func (m *Metrics) RecordAudioBytes(direction string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.AudioBytes.WithLabelValues(direction).Add(float64(n))
}

func (m *Metrics) RecordResponseRequested() {
	if m == nil {
		return
	}
	m.ResponsesRequested.Inc()
}

func (m *Metrics) RecordResponseSuppressed() {
	if m == nil {
		return
	}
	m.ResponsesSuppressed.Inc()
}

func (m *Metrics) RecordResponseInterrupted() {
	if m == nil {
		return
	}
	m.ResponsesInterrupted.Inc()
}

func (m *Metrics) RecordProtocolError(code string) {
	if m == nil {
		return
	}
	if code == "" {
		code = "unknown"
	}
	m.ProtocolErrors.WithLabelValues(code).Inc()
}

func (m *Metrics) RecordHandshakeUnconfirmed() {
	if m == nil {
		return
	}
	m.HandshakeUnconfirmed.Inc()
}

func (m *Metrics) RecordFallback(err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.FallbackNarrations.WithLabelValues(status).Inc()
}

func (m *Metrics) RecordFinalizeFailure() {
	if m == nil {
		return
	}
	m.FinalizeFailures.Inc()
}
