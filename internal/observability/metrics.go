package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Stream metrics
	activeStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "converse_gateway_active_streams",
		Help: "Number of open answer streams",
	})

	totalStreams = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "converse_gateway_streams_total",
		Help: "Total number of answer streams by outcome",
	}, []string{"outcome"}) // outcome: completed, cancelled, failed

	streamDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "converse_gateway_stream_duration_seconds",
		Help:    "Wall time from request to stream close",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
	})

	sentencesEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "converse_gateway_sentences_total",
		Help: "Sentences emitted by synthesis status",
	}, []string{"status"}) // status: ok, failed

	// Completion metrics
	completionRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "converse_gateway_completion_requests_total",
		Help: "Total number of completion backend requests",
	}, []string{"status"})

	completionLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "converse_gateway_completion_latency_seconds",
		Help:    "Completion backend latency in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0},
	})

	// Synthesis metrics
	synthesisRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "converse_gateway_synthesis_requests_total",
		Help: "Total number of per-sentence synthesis calls",
	}, []string{"status"})

	synthesisLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "converse_gateway_synthesis_latency_seconds",
		Help:    "Per-sentence synthesis latency in seconds",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
	})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "converse_gateway_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "converse_gateway_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "converse_gateway_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})

	// Audio and session metrics
	audioBytesOut = promauto.NewCounter(prometheus.CounterOpts{
		Name: "converse_gateway_audio_bytes_total",
		Help: "Total encoded audio payload bytes pushed to clients",
	})

	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "converse_gateway_sessions",
		Help: "Number of conversation sessions held in memory",
	})
)

// StreamMetrics tracks metrics for a single answer stream.
// A stream runs on one request goroutine, with synthesis workers
// reporting through the package-level helpers, so no locking is needed here.
type StreamMetrics struct {
	startTime time.Time
}

// NewStreamMetrics creates a tracker and records the stream start
func NewStreamMetrics() *StreamMetrics {
	activeStreams.Inc()
	return &StreamMetrics{startTime: time.Now()}
}

// RecordStreamEnd records the end of a stream with its outcome
func (m *StreamMetrics) RecordStreamEnd(outcome string) {
	activeStreams.Dec()
	totalStreams.WithLabelValues(outcome).Inc()
	streamDuration.Observe(time.Since(m.startTime).Seconds())
}

// RecordSentence records one emitted sentence
func (m *StreamMetrics) RecordSentence(ok bool, audioBytes int) {
	status := "ok"
	if !ok {
		status = "failed"
	}
	sentencesEmitted.WithLabelValues(status).Inc()
	audioBytesOut.Add(float64(audioBytes))
}

// ObserveCompletion records one completion backend call
func ObserveCompletion(started time.Time, success bool) {
	completionLatency.Observe(time.Since(started).Seconds())
	completionRequests.WithLabelValues(statusLabel(success)).Inc()
}

// ObserveSynthesis records one synthesis call
func ObserveSynthesis(started time.Time, success bool) {
	synthesisLatency.Observe(time.Since(started).Seconds())
	synthesisRequests.WithLabelValues(statusLabel(success)).Inc()
}

// RecordError records an error
func RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}

// SetSessions updates the in-memory session gauge
func SetSessions(n int) {
	activeSessions.Set(float64(n))
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
