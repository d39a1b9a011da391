package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Recording metrics
	activeRecordings = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "clinic_scribe_active_recordings",
		Help: "Number of consultations currently being recorded",
	})

	totalRecordings = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clinic_scribe_recordings_total",
		Help: "Total number of recordings that reached the active state",
	})

	recordingDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "clinic_scribe_recording_duration_seconds",
		Help:    "Duration of consultation recordings in seconds",
		Buckets: []float64{10, 30, 60, 120, 300, 600, 1200, 2400},
	})

	// Session request metrics
	sessionRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clinic_scribe_session_requests_total",
		Help: "Total number of transcription session requests",
	}, []string{"status"})

	sessionLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "clinic_scribe_session_setup_seconds",
		Help:    "Time from start request to active recording in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0},
	})

	// Transcript metrics
	transcriptEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clinic_scribe_transcript_events_total",
		Help: "Transcript events received from the transcription service",
	}, []string{"kind"}) // kind: "final", "partial", "ignored"

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clinic_scribe_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "clinic_scribe_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clinic_scribe_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})

	// Audio metrics
	audioBytesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clinic_scribe_audio_bytes_total",
		Help: "Total PCM audio bytes processed",
	}, []string{"direction"}) // direction: "stream" or "sink"
)

// Metrics tracks metrics for a single patient's recordings
type Metrics struct {
	patientID  string
	mu         sync.Mutex
	setupStart time.Time
	activeAt   time.Time
}

// NewRecordingMetrics creates a new metrics tracker for a patient
func NewRecordingMetrics(patientID string) *Metrics {
	return &Metrics{patientID: patientID}
}

// RecordSetupStart marks the beginning of a start attempt
func (m *Metrics) RecordSetupStart() {
	m.mu.Lock()
	m.setupStart = time.Now()
	m.mu.Unlock()
}

// RecordSetupEnd records the outcome of a start attempt
func (m *Metrics) RecordSetupEnd(success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	status := "success"
	if !success {
		status = "error"
	}
	sessionRequests.WithLabelValues(status).Inc()

	if !m.setupStart.IsZero() {
		sessionLatency.Observe(time.Since(m.setupStart).Seconds())
	}

	if success {
		m.activeAt = time.Now()
		activeRecordings.Inc()
		totalRecordings.Inc()
	}
}

// RecordRecordingEnd records the end of an active recording
func (m *Metrics) RecordRecordingEnd() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.activeAt.IsZero() {
		return
	}
	activeRecordings.Dec()
	recordingDuration.Observe(time.Since(m.activeAt).Seconds())
	m.activeAt = time.Time{}
}

// RecordTranscriptEvent counts an inbound transcript event by kind
func (m *Metrics) RecordTranscriptEvent(kind string) {
	transcriptEvents.WithLabelValues(kind).Inc()
}

// RecordError records an error
func (m *Metrics) RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordAudioBytes records audio bytes processed
func (m *Metrics) RecordAudioBytes(direction string, bytes int64) {
	audioBytesProcessed.WithLabelValues(direction).Add(float64(bytes))
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}
