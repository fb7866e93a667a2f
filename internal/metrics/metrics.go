// Package metrics exposes prometheus instrumentation for the analysis
// engine: gateway attempt outcomes, fallback usage, stage timings, and
// session lifecycle counters.
package metrics

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	completionAttemptDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "proplens_completion_attempt_duration_seconds",
			Help:    "Completion attempt duration by stage and outcome",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 0.1s to ~100s
		},
		[]string{"stage", "outcome"}, // outcome: success|timeout|error
	)

	completionFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proplens_completion_fallback_total",
			Help: "Completions resolved by the heuristic fallback",
		},
		[]string{"stage"},
	)

	stageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "proplens_stage_duration_seconds",
			Help:    "Pipeline stage duration",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		},
		[]string{"stage"},
	)

	activeSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "proplens_active_sessions",
			Help: "Analysis sessions currently running",
		},
	)

	sessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proplens_sessions_total",
			Help: "Finished analysis sessions by terminal status",
		},
		[]string{"status"},
	)

	droppedEvents = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "proplens_stream_dropped_events_total",
			Help: "Broadcast events dropped because an observer was too slow",
		},
	)
)

// Collector provides convenience methods for recording metrics.
type Collector struct {
	logger *slog.Logger
}

// NewCollector creates a metrics collector.
func NewCollector(logger *slog.Logger) *Collector {
	return &Collector{logger: logger}
}

// RecordCompletionAttempt records one gateway attempt.
func (c *Collector) RecordCompletionAttempt(stage, outcome string, duration time.Duration) {
	completionAttemptDuration.WithLabelValues(stage, outcome).Observe(duration.Seconds())
}

// RecordFallback counts a completion resolved heuristically.
func (c *Collector) RecordFallback(stage string) {
	completionFallbacks.WithLabelValues(stage).Inc()
}

// RecordStage records how long a pipeline stage took end to end.
func (c *Collector) RecordStage(stage string, duration time.Duration) {
	stageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// SessionStarted marks one more running session.
func (c *Collector) SessionStarted() {
	activeSessions.Inc()
}

// SessionFinished marks a session terminal with the given status.
func (c *Collector) SessionFinished(status string) {
	activeSessions.Dec()
	sessionsTotal.WithLabelValues(status).Inc()
}

// EventDropped counts a broadcast event dropped for a slow observer.
func (c *Collector) EventDropped() {
	droppedEvents.Inc()
}
