package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// NoopMetrics is a MetricsRecorder that does nothing.
// Use when metrics are disabled to avoid overhead.
type NoopMetrics struct{}

// Compile-time interface check.
var _ MetricsRecorder = NoopMetrics{}

// RecordChunk does nothing.
func (NoopMetrics) RecordChunk(_ context.Context, _ string, _ time.Duration) {}

// RecordJobRun does nothing.
func (NoopMetrics) RecordJobRun(_ context.Context, _ bool, _ time.Duration) {}

// RecordLease does nothing.
func (NoopMetrics) RecordLease(_ context.Context, _ string) {}

// RecordMirror does nothing.
func (NoopMetrics) RecordMirror(_ context.Context, _ string, _ int64, _ time.Duration, _ error) {}

// RecordReconcile does nothing.
func (NoopMetrics) RecordReconcile(_ context.Context, _ string) {}

// RecordDrain does nothing.
func (NoopMetrics) RecordDrain(_ context.Context, _ string, _ time.Duration, _ error) {}

// NoopSpanManager is a SpanManager that does nothing.
// Use when tracing is disabled to avoid overhead.
type NoopSpanManager struct{}

// Compile-time interface check.
var _ SpanManager = NoopSpanManager{}

var noopSpan = noop.Span{}

// StartRunSpan returns the context unchanged and a no-op span.
func (NoopSpanManager) StartRunSpan(ctx context.Context, _, _ string) (context.Context, trace.Span) {
	return ctx, noopSpan
}

// StartChunkSpan returns the context unchanged and a no-op span.
func (NoopSpanManager) StartChunkSpan(ctx context.Context, _ int64, _ int) (context.Context, trace.Span) {
	return ctx, noopSpan
}

// StartMirrorSpan returns the context unchanged and a no-op span.
func (NoopSpanManager) StartMirrorSpan(ctx context.Context, _, _ string) (context.Context, trace.Span) {
	return ctx, noopSpan
}

// EndSpanWithError does nothing.
func (NoopSpanManager) EndSpanWithError(_ trace.Span, _ error) {}

// AddSpanEvent does nothing.
func (NoopSpanManager) AddSpanEvent(_ context.Context, _ string, _ ...attribute.KeyValue) {}
