// Package observability provides logging helpers, metrics, and tracing
// for chunkpoint.
//
// Features:
//   - Structured logging via slog (Go stdlib)
//   - Metrics via OpenTelemetry or Prometheus
//   - Tracing via OpenTelemetry
//
// All features are opt-in and have no-op implementations when disabled.
package observability

import (
	"log/slog"
	"time"
)

// EnrichLogger adds job context to a logger.
// Returns a new logger with job_id, actor, and token fields.
//
// Example:
//
//	enriched := EnrichLogger(logger, "job-123", "host-a1b2", 4)
//	enriched.Info("doing work") // includes job_id, actor, token
func EnrichLogger(logger *slog.Logger, jobID, actor string, token int64) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("job_id", jobID),
		slog.String("actor", actor),
		slog.Int64("token", token),
	)
}

// ChunkLogger adds chunk context to a logger.
func ChunkLogger(logger *slog.Logger, chunkID int64, index int, attempt int) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.Int64("chunk_id", chunkID),
		slog.Int("chunk_index", index),
		slog.Int("attempt", attempt),
	)
}

// LogRunStart logs the start of a job run.
func LogRunStart(logger *slog.Logger, jobID, sourceURI string) {
	if logger == nil {
		return
	}
	logger.Info("job run starting",
		slog.String("job_id", jobID),
		slog.String("source", sourceURI),
	)
}

// LogRunComplete logs successful job completion.
func LogRunComplete(logger *slog.Logger, jobID string, durationMs float64, chunksProcessed int) {
	if logger == nil {
		return
	}
	logger.Info("job run completed",
		slog.String("job_id", jobID),
		slog.Float64("duration_ms", durationMs),
		slog.Int("chunks_processed", chunksProcessed),
	)
}

// LogRunError logs job run failure.
func LogRunError(logger *slog.Logger, jobID string, err error, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Error("job run failed",
		slog.String("job_id", jobID),
		slog.String("error", err.Error()),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogChunkStart logs chunk work start.
func LogChunkStart(logger *slog.Logger, start, end float64) {
	if logger == nil {
		return
	}
	logger.Debug("chunk starting",
		slog.Float64("start_seconds", start),
		slog.Float64("end_seconds", end),
	)
}

// LogChunkComplete logs a chunk committed as done.
func LogChunkComplete(logger *slog.Logger, artifactURI string, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Info("chunk done",
		slog.String("artifact", artifactURI),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogChunkError logs a failed chunk attempt and the status it moved to.
func LogChunkError(logger *slog.Logger, status string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("chunk failed",
		slog.String("status", status),
		slog.String("error", err.Error()),
	)
}

// LogSnapshot logs a snapshot upload.
func LogSnapshot(logger *slog.Logger, key string, sizeBytes int64) {
	if logger == nil {
		return
	}
	logger.Debug("snapshot mirrored",
		slog.String("key", key),
		slog.Int64("size_bytes", sizeBytes),
	)
}

// LogSnapshotError logs snapshot failure. Mid-run failures are non-fatal.
func LogSnapshotError(logger *slog.Logger, key string, op string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("snapshot failed",
		slog.String("key", key),
		slog.String("operation", op),
		slog.String("error", err.Error()),
	)
}

// TimedOperation measures the duration of an operation.
// Returns a function that, when called, returns the elapsed time in milliseconds.
//
// Example:
//
//	done := TimedOperation()
//	// ... do work ...
//	durationMs := done()
func TimedOperation() func() float64 {
	start := time.Now()
	return func() float64 {
		return float64(time.Since(start).Milliseconds())
	}
}
