package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Ingest outcomes.
const (
	IngestCreated   = "created"
	IngestDuplicate = "duplicate"
	IngestBusy      = "busy"
	IngestFailed    = "failed"
)

// Delete outcomes.
const (
	DeleteSucceeded = "succeeded"
	DeletePartial   = "partial"
	DeleteFailed    = "failed"
)

// MediaMetrics records ingestion, derivative generation and deletion.
type MediaMetrics struct {
	ingest        *prometheus.CounterVec
	generation    *prometheus.HistogramVec
	derivatives   prometheus.Counter
	queueRejected prometheus.Counter
	deletes       *prometheus.CounterVec
	lockRetries   prometheus.Counter
}

// NewMediaMetrics registers media metrics on reg. A nil registerer yields a
// no-op recorder.
func NewMediaMetrics(reg prometheus.Registerer) *MediaMetrics {
	if reg == nil {
		return &MediaMetrics{}
	}
	m := &MediaMetrics{
		ingest: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "media",
			Name:      "ingest_total",
			Help:      "Ingested uploads by outcome.",
		}, []string{"outcome"}),
		generation: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "media",
			Name:      "derivative_generation_seconds",
			Help:      "Time spent producing the derivative ladder of one asset.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"outcome"}),
		derivatives: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "media",
			Name:      "derivatives_written_total",
			Help:      "Derivative files written to storage.",
		}),
		queueRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "media",
			Name:      "derivative_queue_rejected_total",
			Help:      "Generation jobs dropped because the queue was full.",
		}),
		deletes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "media",
			Name:      "delete_total",
			Help:      "Asset deletions by outcome.",
		}, []string{"outcome"}),
		lockRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "media",
			Name:      "path_lock_retries_total",
			Help:      "Retries caused by a contended path lock.",
		}),
	}
	reg.MustRegister(m.ingest, m.generation, m.derivatives, m.queueRejected, m.deletes, m.lockRetries)
	return m
}

func (m *MediaMetrics) IncIngest(outcome string) {
	if m == nil || m.ingest == nil {
		return
	}
	m.ingest.WithLabelValues(normalizeLabel(outcome)).Inc()
}

func (m *MediaMetrics) ObserveGeneration(success bool, d time.Duration) {
	if m == nil || m.generation == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.generation.WithLabelValues(outcome).Observe(d.Seconds())
}

func (m *MediaMetrics) AddDerivatives(n int) {
	if m == nil || m.derivatives == nil || n <= 0 {
		return
	}
	m.derivatives.Add(float64(n))
}

func (m *MediaMetrics) IncQueueRejected() {
	if m == nil || m.queueRejected == nil {
		return
	}
	m.queueRejected.Inc()
}

func (m *MediaMetrics) IncDelete(outcome string) {
	if m == nil || m.deletes == nil {
		return
	}
	m.deletes.WithLabelValues(normalizeLabel(outcome)).Inc()
}

func (m *MediaMetrics) IncLockRetry() {
	if m == nil || m.lockRetries == nil {
		return
	}
	m.lockRetries.Inc()
}
