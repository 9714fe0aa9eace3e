package observability

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
)

var (
	// Turn metrics
	activeTurns = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "companion_gateway_active_turns",
		Help: "Number of conversation turns currently streaming audio",
	})

	turnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "companion_gateway_turns_total",
		Help: "Total number of turns by outcome",
	}, []string{"outcome"}) // outcome: completed, cancelled, failed

	turnDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "companion_gateway_turn_duration_seconds",
		Help:    "Duration of turns from request to last audio byte",
		Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
	})

	firstAudioLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "companion_gateway_first_audio_latency_seconds",
		Help:    "Time from turn start to the first audio chunk",
		Buckets: []float64{0.25, 0.5, 1.0, 2.0, 3.0, 5.0, 10.0},
	})

	phrasesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "companion_gateway_phrases_total",
		Help: "Total number of phrases sent to speech synthesis",
	})

	// Provider stream metrics
	streamOpens = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "companion_gateway_stream_opens_total",
		Help: "Total number of provider stream opens by result",
	}, []string{"provider", "result"}) // result: success, error, cancelled

	streamOpenLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "companion_gateway_stream_open_latency_seconds",
		Help:    "Provider stream open latency including retries",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0},
	}, []string{"provider"})

	streamRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "companion_gateway_stream_retries_total",
		Help: "Total number of provider stream open retries",
	}, []string{"provider"})

	// STT metrics
	sttTranscripts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "companion_gateway_stt_transcripts_total",
		Help: "Total number of final transcripts",
	}, []string{"status"})

	// Feature metrics
	featureSamples = promauto.NewCounter(prometheus.CounterOpts{
		Name: "companion_gateway_feature_samples_total",
		Help: "Total number of biometric feature samples ingested",
	})

	featureConfidence = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "companion_gateway_feature_confidence",
		Help:    "Confidence of interpreted physiological states",
		Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
	})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "companion_gateway_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "companion_gateway_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "companion_gateway_circuit_breaker_failures_total",
		Help: "Total stream opens that failed after retries",
	}, []string{"service"})

	// Audio metrics
	audioBytesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "companion_gateway_audio_bytes_total",
		Help: "Total audio bytes processed",
	}, []string{"direction"}) // direction: "in" or "out"
)

// Turn outcomes
const (
	OutcomeCompleted = "completed"
	OutcomeCancelled = "cancelled"
	OutcomeFailed    = "failed"
)

// Outcome classifies how a turn ended.
func Outcome(err error) string {
	switch {
	case err == nil:
		return OutcomeCompleted
	case IsCancellation(err):
		return OutcomeCancelled
	default:
		return OutcomeFailed
	}
}

// IsCancellation reports whether err means the client went away.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// TurnMetrics tracks metrics for a single turn
type TurnMetrics struct {
	turnID     string
	startTime  time.Time
	firstAudio bool
	ended      bool
	mu         sync.Mutex
}

// NewTurnMetrics creates a new metrics tracker for a turn
func NewTurnMetrics(turnID string) *TurnMetrics {
	return &TurnMetrics{
		turnID:    turnID,
		startTime: time.Now(),
	}
}

// RecordTurnStart records the start of a turn
func (m *TurnMetrics) RecordTurnStart() {
	activeTurns.Inc()
}

// RecordTurnEnd records the end of a turn. Only the first call counts.
func (m *TurnMetrics) RecordTurnEnd(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ended {
		return
	}
	m.ended = true

	activeTurns.Dec()
	turnsTotal.WithLabelValues(outcome).Inc()
	turnDuration.Observe(time.Since(m.startTime).Seconds())
}

// RecordPhrase records a phrase handed to synthesis
func (m *TurnMetrics) RecordPhrase() {
	phrasesTotal.Inc()
}

// RecordAudioOut records audio bytes delivered to the client
func (m *TurnMetrics) RecordAudioOut(n int) {
	m.mu.Lock()
	if !m.firstAudio {
		m.firstAudio = true
		firstAudioLatency.Observe(time.Since(m.startTime).Seconds())
	}
	m.mu.Unlock()

	audioBytesProcessed.WithLabelValues("out").Add(float64(n))
}

// RecordError records an error
func (m *TurnMetrics) RecordError(errorType, component string) {
	RecordError(errorType, component)
}

// RecordError records an error outside a turn
func RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordAudioIn records microphone audio bytes received
func RecordAudioIn(n int) {
	audioBytesProcessed.WithLabelValues("in").Add(float64(n))
}

// RecordTranscript records a final transcript from speech-to-text
func RecordTranscript(success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	sttTranscripts.WithLabelValues(status).Inc()
}

// RecordFeatureSample records an ingested sample and its confidence
func RecordFeatureSample(confidence float64) {
	featureSamples.Inc()
	featureConfidence.Observe(confidence)
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}

// StreamObserver records provider stream opens and retries.
type StreamObserver struct{}

// ObserveOpen records the outcome of a stream open
func (StreamObserver) ObserveOpen(provider string, attempts int, duration time.Duration, err error) {
	streamOpenLatency.WithLabelValues(provider).Observe(duration.Seconds())

	switch {
	case err == nil:
		streamOpens.WithLabelValues(provider, "success").Inc()
	case IsCancellation(err):
		streamOpens.WithLabelValues(provider, "cancelled").Inc()
	default:
		streamOpens.WithLabelValues(provider, "error").Inc()
		IncrementCircuitBreakerFailures(provider)
		log.Warn().
			Err(err).
			Str("provider", provider).
			Int("attempts", attempts).
			Msg("Provider stream could not be opened")
	}
}

// ObserveRetry records a retry before its backoff wait
func (StreamObserver) ObserveRetry(provider string, attempt int, err error, wait time.Duration) {
	streamRetries.WithLabelValues(provider).Inc()
	log.Debug().
		Err(err).
		Str("provider", provider).
		Int("attempt", attempt).
		Dur("backoff", wait).
		Msg("Retrying provider stream open")
}
