package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	activeSessions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "voice_stream_active_sessions",
		Help: "Number of active playback or call sessions",
	}, []string{"kind"}) // kind: "tts" or "call"

	totalSessions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_stream_sessions_total",
		Help: "Total number of sessions started",
	}, []string{"kind"})

	sessionOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_stream_session_outcomes_total",
		Help: "Sessions ended, by how they ended",
	}, []string{"kind", "outcome"}) // outcome: completed, stopped, error

	sessionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "voice_stream_session_duration_seconds",
		Help:    "Duration of sessions in seconds",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
	}, []string{"kind"})

	timeToFirstAudio = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "voice_stream_time_to_first_audio_seconds",
		Help:    "Time from session start to the first scheduled audio buffer",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
	}, []string{"kind"})

	// Wire metrics
	framesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_stream_frames_total",
		Help: "Frames received from the voice backend",
	}, []string{"kind"}) // kind: control, audio, unknown

	audioBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_stream_audio_bytes_total",
		Help: "Total audio bytes processed",
	}, []string{"direction"}) // direction: "in" or "out"

	reconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_stream_reconnects_total",
		Help: "Reconnect outcomes after an abnormal socket close",
	}, []string{"status"})

	// Decode and playback metrics
	decodeLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_stream_decode_latency_seconds",
		Help:    "Time spent decoding one accumulated batch",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
	})

	decodeErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_stream_decode_errors_total",
		Help: "Batches that failed to decode",
	})

	scheduledBuffers = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_stream_scheduled_buffers_total",
		Help: "Decoded buffers scheduled on the output",
	})

	scheduledSeconds = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_stream_scheduled_audio_seconds_total",
		Help: "Seconds of audio scheduled on the output",
	})

	playbackUnderruns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_stream_playback_underruns_total",
		Help: "Buffers that arrived after the output had drained",
	})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_stream_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "voice_stream_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_stream_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})
)

// SessionMetrics tracks metrics for a single TTS or call session. It also
// serves as the scheduler's observer.
type SessionMetrics struct {
	kind      string
	sessionID string
	startTime time.Time

	mu         sync.Mutex
	firstAudio bool
	ended      bool
}

// NewSessionMetrics creates a new metrics tracker for a session
func NewSessionMetrics(kind, sessionID string) *SessionMetrics {
	return &SessionMetrics{
		kind:      kind,
		sessionID: sessionID,
		startTime: time.Now(),
	}
}

// SessionID returns the tracked session id
func (m *SessionMetrics) SessionID() string {
	return m.sessionID
}

// RecordSessionStart records the start of a session
func (m *SessionMetrics) RecordSessionStart() {
	activeSessions.WithLabelValues(m.kind).Inc()
	totalSessions.WithLabelValues(m.kind).Inc()
}

// RecordSessionEnd records the end of a session. Only the first call counts.
func (m *SessionMetrics) RecordSessionEnd(outcome string) {
	m.mu.Lock()
	if m.ended {
		m.mu.Unlock()
		return
	}
	m.ended = true
	m.mu.Unlock()

	activeSessions.WithLabelValues(m.kind).Dec()
	sessionOutcomes.WithLabelValues(m.kind, outcome).Inc()
	sessionDuration.WithLabelValues(m.kind).Observe(time.Since(m.startTime).Seconds())
}

// RecordFrame counts a received frame by kind
func (m *SessionMetrics) RecordFrame(kind string) {
	framesReceived.WithLabelValues(kind).Inc()
}

// RecordAudioBytes records audio bytes processed
func (m *SessionMetrics) RecordAudioBytes(direction string, bytes int) {
	audioBytes.WithLabelValues(direction).Add(float64(bytes))
}

// RecordDecode records the latency of one decode call
func (m *SessionMetrics) RecordDecode(d time.Duration, err error) {
	decodeLatency.Observe(d.Seconds())
	if err != nil {
		decodeErrors.Inc()
	}
}

// RecordReconnect records a reconnect outcome
func (m *SessionMetrics) RecordReconnect(success bool) {
	status := "success"
	if !success {
		status = "exhausted"
	}
	reconnects.WithLabelValues(status).Inc()
}

// RecordError records an error
func (m *SessionMetrics) RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// BufferScheduled implements playback.Observer
func (m *SessionMetrics) BufferScheduled(seconds float64) {
	scheduledBuffers.Inc()
	scheduledSeconds.Add(seconds)

	m.mu.Lock()
	first := !m.firstAudio
	m.firstAudio = true
	m.mu.Unlock()
	if first {
		timeToFirstAudio.WithLabelValues(m.kind).Observe(time.Since(m.startTime).Seconds())
	}
}

// Underrun implements playback.Observer
func (m *SessionMetrics) Underrun() {
	playbackUnderruns.Inc()
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}
