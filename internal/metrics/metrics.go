// Package metrics manages Prometheus instrumentation for the audit pipeline.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// AuditMetrics holds the pipeline instrumentation.
type AuditMetrics struct {
	sessionsTotal       *prometheus.CounterVec
	sessionDuration     prometheus.Histogram
	findingsTotal       *prometheus.CounterVec
	verificationOutcome *prometheus.CounterVec
	completionCalls     *prometheus.CounterVec
	retrievalEmpty      prometheus.Counter
	eventsPublished     *prometheus.CounterVec
	streamSubscribers   prometheus.Gauge
}

var (
	instance *AuditMetrics
	once     sync.Once
)

// Get returns the singleton audit metrics instance.
func Get() *AuditMetrics {
	once.Do(func() {
		instance = newAuditMetrics()
	})
	return instance
}

func newAuditMetrics() *AuditMetrics {
	m := &AuditMetrics{
		sessionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "auditcore",
				Subsystem: "session",
				Name:      "total",
				Help:      "Total audit sessions by mode and terminal status",
			},
			[]string{"mode", "status"},
		),
		sessionDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "auditcore",
				Subsystem: "session",
				Name:      "duration_seconds",
				Help:      "Wall-clock duration of finished audit sessions",
				Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1800},
			},
		),
		findingsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "auditcore",
				Subsystem: "findings",
				Name:      "total",
				Help:      "Total findings emitted by severity",
			},
			[]string{"severity"},
		),
		verificationOutcome: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "auditcore",
				Subsystem: "verification",
				Name:      "outcome_total",
				Help:      "Total verification outcomes by result",
			},
			[]string{"result"},
		),
		completionCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "auditcore",
				Subsystem: "completion",
				Name:      "calls_total",
				Help:      "Total completion calls by provider and outcome",
			},
			[]string{"provider", "outcome"},
		),
		retrievalEmpty: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "auditcore",
				Subsystem: "retrieval",
				Name:      "empty_total",
				Help:      "Total retrieval queries that degraded to an empty result",
			},
		),
		eventsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "auditcore",
				Subsystem: "events",
				Name:      "published_total",
				Help:      "Total audit events published by type",
			},
			[]string{"type"},
		),
		streamSubscribers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "auditcore",
				Subsystem: "events",
				Name:      "stream_subscribers",
				Help:      "Currently attached event stream subscribers",
			},
		),
	}

	prometheus.MustRegister(
		m.sessionsTotal,
		m.sessionDuration,
		m.findingsTotal,
		m.verificationOutcome,
		m.completionCalls,
		m.retrievalEmpty,
		m.eventsPublished,
		m.streamSubscribers,
	)

	return m
}

// RecordSession records a finished session with its duration.
func (m *AuditMetrics) RecordSession(mode, status string, duration time.Duration) {
	m.sessionsTotal.WithLabelValues(mode, status).Inc()
	if duration > 0 {
		m.sessionDuration.Observe(duration.Seconds())
	}
}

// RecordFinding records one emitted finding.
func (m *AuditMetrics) RecordFinding(severity string) {
	m.findingsTotal.WithLabelValues(severity).Inc()
}

// RecordVerification records a verification outcome.
func (m *AuditMetrics) RecordVerification(result string) {
	m.verificationOutcome.WithLabelValues(result).Inc()
}

// RecordCompletion records a completion call outcome.
func (m *AuditMetrics) RecordCompletion(provider, outcome string) {
	m.completionCalls.WithLabelValues(provider, outcome).Inc()
}

// RecordRetrievalEmpty records a retrieval query degraded to empty.
func (m *AuditMetrics) RecordRetrievalEmpty() {
	m.retrievalEmpty.Inc()
}

// RecordEvent records a published audit event.
func (m *AuditMetrics) RecordEvent(eventType string) {
	m.eventsPublished.WithLabelValues(eventType).Inc()
}

// SetStreamSubscribers sets the current subscriber count.
func (m *AuditMetrics) SetStreamSubscribers(n int) {
	m.streamSubscribers.Set(float64(n))
}
