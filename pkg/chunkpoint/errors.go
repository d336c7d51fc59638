package chunkpoint

import (
	"errors"
)

// Sentinel errors for job runs.
var (
	// ErrNilWork indicates NewRunner was called without a work function.
	ErrNilWork = errors.New("work function is required")

	// ErrNilSource indicates Run was called without a source.
	ErrNilSource = errors.New("source is required")

	// ErrObjectStoreRequired indicates a remote source without WithObjectStore.
	ErrObjectStoreRequired = errors.New("object store required for remote sources")

	// ErrDrained indicates the run stopped on an interruption notice
	// before the file was complete. Its state is checkpointed and mirrored.
	ErrDrained = errors.New("job drained before completion")

	// ErrChunksFailed indicates at least one chunk failed permanently.
	ErrChunksFailed = errors.New("chunks failed permanently")

	// ErrUnstableArtifacts indicates committed artifacts kept disappearing
	// while the final artifact was assembled.
	ErrUnstableArtifacts = errors.New("chunk artifacts changed during assembly")
)
