package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder records chunkpoint metrics.
// Use NewMetricsRecorder() for OTel metrics, NewPrometheusMetrics for a
// Prometheus registry, or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordChunk records a finished chunk attempt with the status it ended in.
	RecordChunk(ctx context.Context, status string, duration time.Duration)

	// RecordJobRun records a job run completion.
	RecordJobRun(ctx context.Context, success bool, duration time.Duration)

	// RecordLease records a lease event: acquired, stolen, renewed, lost, released.
	RecordLease(ctx context.Context, event string)

	// RecordMirror records an object mirror operation.
	RecordMirror(ctx context.Context, op string, sizeBytes int64, duration time.Duration, err error)

	// RecordReconcile records one reconciliation decision.
	RecordReconcile(ctx context.Context, outcome string)

	// RecordDrain records a drain with its trigger and whether every step succeeded.
	RecordDrain(ctx context.Context, reason string, duration time.Duration, err error)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	chunks         metric.Int64Counter
	chunkLatency   metric.Float64Histogram
	jobRuns        metric.Int64Counter
	jobLatency     metric.Float64Histogram
	leaseEvents    metric.Int64Counter
	mirrorOps      metric.Int64Counter
	mirrorErrors   metric.Int64Counter
	mirrorSize     metric.Int64Histogram
	reconciliation metric.Int64Counter
	drains         metric.Int64Counter
	drainLatency   metric.Float64Histogram
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

// getDefaultMetrics returns the default OTel metrics instance.
// Lazily initializes the metrics on first call.
func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics(otel.Meter("chunkpoint"))
	})
	return defaultMetrics, defaultMetricsErr
}

// newOtelMetrics creates the instruments on meter.
func newOtelMetrics(meter metric.Meter) (*otelMetrics, error) {
	m := &otelMetrics{}
	var err error

	if m.chunks, err = meter.Int64Counter("chunkpoint.chunk.attempts",
		metric.WithDescription("Number of finished chunk attempts"),
	); err != nil {
		return nil, err
	}
	if m.chunkLatency, err = meter.Float64Histogram("chunkpoint.chunk.latency_ms",
		metric.WithDescription("Chunk attempt latency in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.jobRuns, err = meter.Int64Counter("chunkpoint.job.runs",
		metric.WithDescription("Number of job runs"),
	); err != nil {
		return nil, err
	}
	if m.jobLatency, err = meter.Float64Histogram("chunkpoint.job.latency_ms",
		metric.WithDescription("Job run latency in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.leaseEvents, err = meter.Int64Counter("chunkpoint.lease.events",
		metric.WithDescription("Lease lifecycle events"),
	); err != nil {
		return nil, err
	}
	if m.mirrorOps, err = meter.Int64Counter("chunkpoint.mirror.operations",
		metric.WithDescription("Object mirror operations"),
	); err != nil {
		return nil, err
	}
	if m.mirrorErrors, err = meter.Int64Counter("chunkpoint.mirror.errors",
		metric.WithDescription("Failed object mirror operations"),
	); err != nil {
		return nil, err
	}
	if m.mirrorSize, err = meter.Int64Histogram("chunkpoint.mirror.size_bytes",
		metric.WithDescription("Bytes moved per mirror operation"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if m.reconciliation, err = meter.Int64Counter("chunkpoint.reconcile.decisions",
		metric.WithDescription("Reconciliation decisions by outcome"),
	); err != nil {
		return nil, err
	}
	if m.drains, err = meter.Int64Counter("chunkpoint.drain.count",
		metric.WithDescription("Number of drains"),
	); err != nil {
		return nil, err
	}
	if m.drainLatency, err = meter.Float64Histogram("chunkpoint.drain.latency_ms",
		metric.WithDescription("Drain duration in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses OpenTelemetry.
// If metrics initialization fails, returns a no-op recorder.
//
// The recorder uses the global OTel meter provider. Configure the provider
// before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

// NewMeterMetrics returns a MetricsRecorder on a specific meter.
func NewMeterMetrics(meter metric.Meter) (MetricsRecorder, error) {
	return newOtelMetrics(meter)
}

// RecordChunk records a finished chunk attempt.
func (m *otelMetrics) RecordChunk(ctx context.Context, status string, duration time.Duration) {
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.chunks.Add(ctx, 1, attrs)
	m.chunkLatency.Record(ctx, float64(duration.Milliseconds()), attrs)
}

// RecordJobRun records a job run.
func (m *otelMetrics) RecordJobRun(ctx context.Context, success bool, duration time.Duration) {
	attrs := metric.WithAttributes(attribute.Bool("success", success))
	m.jobRuns.Add(ctx, 1, attrs)
	m.jobLatency.Record(ctx, float64(duration.Milliseconds()), attrs)
}

// RecordLease records a lease event.
func (m *otelMetrics) RecordLease(ctx context.Context, event string) {
	m.leaseEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("event", event)))
}

// RecordMirror records an object mirror operation.
func (m *otelMetrics) RecordMirror(ctx context.Context, op string, sizeBytes int64, _ time.Duration, err error) {
	attrs := metric.WithAttributes(attribute.String("op", op))
	m.mirrorOps.Add(ctx, 1, attrs)
	if err != nil {
		m.mirrorErrors.Add(ctx, 1, attrs)
		return
	}
	m.mirrorSize.Record(ctx, sizeBytes, attrs)
}

// RecordReconcile records a reconciliation decision.
func (m *otelMetrics) RecordReconcile(ctx context.Context, outcome string) {
	m.reconciliation.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordDrain records a drain.
func (m *otelMetrics) RecordDrain(ctx context.Context, reason string, duration time.Duration, err error) {
	attrs := metric.WithAttributes(
		attribute.String("reason", reason),
		attribute.Bool("success", err == nil),
	)
	m.drains.Add(ctx, 1, attrs)
	m.drainLatency.Record(ctx, float64(duration.Milliseconds()), attrs)
}
