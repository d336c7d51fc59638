package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// SpanManager handles trace span lifecycle.
// Use NewSpanManager() for OTel tracing or NoopSpanManager{} when disabled.
type SpanManager interface {
	// StartRunSpan starts a span for a whole job run.
	StartRunSpan(ctx context.Context, jobID, sourceURI string) (context.Context, trace.Span)

	// StartChunkSpan starts a span for one chunk attempt, a child of the run span.
	StartChunkSpan(ctx context.Context, chunkID int64, index int) (context.Context, trace.Span)

	// StartMirrorSpan starts a span for an object mirror operation.
	StartMirrorSpan(ctx context.Context, op, key string) (context.Context, trace.Span)

	// EndSpanWithError completes a span, optionally recording an error.
	EndSpanWithError(span trace.Span, err error)

	// AddSpanEvent adds an event to the current span in context.
	AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue)
}

// otelSpanManager implements SpanManager using OpenTelemetry.
type otelSpanManager struct {
	tracer trace.Tracer
}

// NewSpanManager returns a SpanManager that uses OpenTelemetry.
//
// The span manager uses the global OTel tracer provider at the time of
// the call. Configure the provider first:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetTracerProvider(yourProvider)
func NewSpanManager() SpanManager {
	return &otelSpanManager{tracer: otel.Tracer("chunkpoint")}
}

// StartRunSpan starts a span for a job run.
func (m *otelSpanManager) StartRunSpan(ctx context.Context, jobID, sourceURI string) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, "chunkpoint.run",
		trace.WithAttributes(
			attribute.String("job.id", jobID),
			attribute.String("source.uri", sourceURI),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartChunkSpan starts a span for a chunk attempt.
func (m *otelSpanManager) StartChunkSpan(ctx context.Context, chunkID int64, index int) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, "chunkpoint.chunk",
		trace.WithAttributes(
			attribute.Int64("chunk.id", chunkID),
			attribute.Int("chunk.index", index),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartMirrorSpan starts a span for an object store round trip.
func (m *otelSpanManager) StartMirrorSpan(ctx context.Context, op, key string) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, "chunkpoint.mirror."+op,
		trace.WithAttributes(
			attribute.String("mirror.key", key),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// EndSpanWithError completes a span, optionally recording an error.
func (m *otelSpanManager) EndSpanWithError(span trace.Span, err error) {
	EndSpanWithError(span, err)
}

// AddSpanEvent adds an event to the current span.
func (m *otelSpanManager) AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	AddSpanEvent(ctx, name, attrs...)
}

// EndSpanWithError completes a span, optionally recording an error.
func EndSpanWithError(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// AddSpanEvent adds an event to the current span in context.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span == nil || !span.IsRecording() {
		return
	}
	span.AddEvent(name, trace.WithAttributes(attrs...))
}
