package observability

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetrics implements MetricsRecorder with Prometheus collectors.
type PrometheusMetrics struct {
	chunks         *prometheus.CounterVec
	chunkDuration  *prometheus.HistogramVec
	jobRuns        *prometheus.CounterVec
	jobDuration    prometheus.Histogram
	leaseEvents    *prometheus.CounterVec
	mirrorOps      *prometheus.CounterVec
	mirrorBytes    *prometheus.CounterVec
	mirrorDuration *prometheus.HistogramVec
	reconciliation *prometheus.CounterVec
	drains         *prometheus.CounterVec
	drainDuration  prometheus.Histogram
}

var _ MetricsRecorder = (*PrometheusMetrics)(nil)

// NewPrometheusMetrics creates the collectors and registers them on reg.
func NewPrometheusMetrics(reg prometheus.Registerer) (*PrometheusMetrics, error) {
	m := &PrometheusMetrics{
		chunks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chunkpoint_chunk_attempts_total",
			Help: "Finished chunk attempts by resulting status.",
		}, []string{"status"}),
		chunkDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chunkpoint_chunk_duration_seconds",
			Help:    "Chunk attempt duration in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"status"}),
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chunkpoint_job_runs_total",
			Help: "Job runs by result.",
		}, []string{"result"}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chunkpoint_job_duration_seconds",
			Help:    "Job run duration in seconds.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		}),
		leaseEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chunkpoint_lease_events_total",
			Help: "Lease lifecycle events.",
		}, []string{"event"}),
		mirrorOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chunkpoint_mirror_operations_total",
			Help: "Object mirror operations by result.",
		}, []string{"op", "result"}),
		mirrorBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chunkpoint_mirror_bytes_total",
			Help: "Bytes moved by successful mirror operations.",
		}, []string{"op"}),
		mirrorDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chunkpoint_mirror_duration_seconds",
			Help:    "Object mirror operation duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		reconciliation: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chunkpoint_reconcile_decisions_total",
			Help: "Reconciliation decisions by outcome.",
		}, []string{"outcome"}),
		drains: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chunkpoint_drains_total",
			Help: "Drains by trigger and result.",
		}, []string{"reason", "result"}),
		drainDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chunkpoint_drain_duration_seconds",
			Help:    "Drain duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	for _, c := range []prometheus.Collector{
		m.chunks, m.chunkDuration, m.jobRuns, m.jobDuration, m.leaseEvents,
		m.mirrorOps, m.mirrorBytes, m.mirrorDuration, m.reconciliation,
		m.drains, m.drainDuration,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// RecordChunk implements MetricsRecorder.
func (m *PrometheusMetrics) RecordChunk(_ context.Context, status string, duration time.Duration) {
	m.chunks.WithLabelValues(status).Inc()
	m.chunkDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordJobRun implements MetricsRecorder.
func (m *PrometheusMetrics) RecordJobRun(_ context.Context, success bool, duration time.Duration) {
	res := "ok"
	if !success {
		res = "error"
	}
	m.jobRuns.WithLabelValues(res).Inc()
	m.jobDuration.Observe(duration.Seconds())
}

// RecordLease implements MetricsRecorder.
func (m *PrometheusMetrics) RecordLease(_ context.Context, event string) {
	m.leaseEvents.WithLabelValues(event).Inc()
}

// RecordMirror implements MetricsRecorder.
func (m *PrometheusMetrics) RecordMirror(_ context.Context, op string, sizeBytes int64, duration time.Duration, err error) {
	m.mirrorOps.WithLabelValues(op, result(err)).Inc()
	m.mirrorDuration.WithLabelValues(op).Observe(duration.Seconds())
	if err == nil {
		m.mirrorBytes.WithLabelValues(op).Add(float64(sizeBytes))
	}
}

// RecordReconcile implements MetricsRecorder.
func (m *PrometheusMetrics) RecordReconcile(_ context.Context, outcome string) {
	m.reconciliation.WithLabelValues(outcome).Inc()
}

// RecordDrain implements MetricsRecorder.
func (m *PrometheusMetrics) RecordDrain(_ context.Context, reason string, duration time.Duration, err error) {
	m.drains.WithLabelValues(reason, result(err)).Inc()
	m.drainDuration.Observe(duration.Seconds())
}
