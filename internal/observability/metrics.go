package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pipeline stages timed per call
const (
	StageSTT   = "stt"
	StageReply = "reply"
	StageTTS   = "tts"
)

// Reasons a completed caller turn is not answered
const (
	DropAgentSpeaking = "agent_speaking"
	DropEmptyReply    = "empty_reply"
	DropReplyError    = "reply_error"
	DropSynthesis     = "synthesis_error"
)

var (
	// Call metrics
	activeCalls = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voice_agent_active_calls",
		Help: "Number of active media sessions",
	})

	totalCalls = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_agent_calls_total",
		Help: "Total number of media sessions handled",
	})

	callDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_agent_call_duration_seconds",
		Help:    "Duration of media sessions in seconds",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
	})

	// Stage metrics
	stageRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_agent_stage_requests_total",
		Help: "Total number of collaborator requests by stage",
	}, []string{"stage", "status"})

	stageLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "voice_agent_stage_latency_seconds",
		Help:    "Collaborator latency by stage in seconds",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0},
	}, []string{"stage"})

	// Turn-taking metrics
	turnsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_agent_turns_total",
		Help: "Total number of completed caller turns",
	})

	turnsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_agent_turns_dropped_total",
		Help: "Caller turns that produced no agent reply",
	}, []string{"reason"})

	bargeIns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_agent_barge_ins_total",
		Help: "Total number of caller interruptions of agent playback",
	})

	bargeInLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_agent_barge_in_after_seconds",
		Help:    "Time from agent speech start to caller interruption",
		Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30},
	})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_agent_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "voice_agent_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_agent_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})

	// Audio metrics
	audioBytesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_agent_audio_bytes_total",
		Help: "Total audio bytes processed",
	}, []string{"direction"}) // direction: "in" or "out"
)

// Metrics tracks metrics for a single call
type Metrics struct {
	callID    string
	startTime time.Time

	mu     sync.Mutex
	stages map[string]time.Time
	ended  bool
}

// NewCallMetrics creates a new metrics tracker for a call
func NewCallMetrics(callID string) *Metrics {
	return &Metrics{
		callID:    callID,
		startTime: time.Now(),
		stages:    make(map[string]time.Time),
	}
}

// RecordCallStart records the start of a call
func (m *Metrics) RecordCallStart() {
	activeCalls.Inc()
	totalCalls.Inc()
}

// RecordCallEnd records the end of a call. Only the first call counts.
func (m *Metrics) RecordCallEnd() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ended {
		return
	}
	m.ended = true
	activeCalls.Dec()
	callDuration.Observe(time.Since(m.startTime).Seconds())
}

// RecordStageStart marks the start of a pipeline stage
func (m *Metrics) RecordStageStart(stage string) {
	m.mu.Lock()
	m.stages[stage] = time.Now()
	m.mu.Unlock()
}

// RecordStageEnd records latency and outcome for a pipeline stage
func (m *Metrics) RecordStageEnd(stage string, success bool) {
	m.mu.Lock()
	start, ok := m.stages[stage]
	delete(m.stages, stage)
	m.mu.Unlock()

	if ok {
		stageLatency.WithLabelValues(stage).Observe(time.Since(start).Seconds())
	}

	status := "success"
	if !success {
		status = "error"
	}
	stageRequests.WithLabelValues(stage, status).Inc()
}

// RecordTurn counts a completed caller turn
func (m *Metrics) RecordTurn() {
	turnsTotal.Inc()
}

// RecordTurnDropped counts a caller turn that got no reply
func (m *Metrics) RecordTurnDropped(reason string) {
	turnsDropped.WithLabelValues(reason).Inc()
}

// RecordBargeIn records a caller interruption after elapsed agent speech
func (m *Metrics) RecordBargeIn(elapsed time.Duration) {
	bargeIns.Inc()
	bargeInLatency.Observe(elapsed.Seconds())
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
