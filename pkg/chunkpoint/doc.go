/*
Package chunkpoint runs long chunk-oriented jobs so that they survive
abrupt termination without losing committed work or running a chunk twice
to completion.

# Overview

A job processes one Source. The source is split into chunks by a plan
(see package plan); each chunk is handed to a WorkFunc whose output is
published as an artifact in an object store. Progress lives in an
embedded SQLite store (package store) that is checkpointed and mirrored
to the object store, and one actor at a time owns the job through a
lease with a fencing token (package lease).

# Basic Usage

	cfg := config.Default()
	cfg.Input = "talk.wav"
	cfg.ChunkSeconds = 600

	work := func(ctx context.Context, chunk plan.Spec, src chunkpoint.Source) ([]byte, error) {
	    return transcribe(ctx, src.URI(), chunk.Start, chunk.End)
	}

	runner, err := chunkpoint.NewRunner(cfg, work, chunkpoint.WithLogger(logger))
	if err != nil {
	    return err
	}
	src, err := chunkpoint.NewFileSource(cfg.Input, probeDuration)
	if err != nil {
	    return err
	}
	result, err := runner.Run(ctx, src)

# Control Flow

Run executes these steps in order:

 1. acquire the job lease (a flock for local sources, a record object for remote ones)
 2. hydrate the local store from the mirrored snapshot, or start fresh on reset
 3. record the job, the lease token and the current plan's chunk rows
 4. move chunks left leased or running by a dead actor to abandoned
 5. reconcile chunk rows against the artifacts actually present
 6. claim, run, publish and commit chunks until none is eligible
 7. assemble the final artifact from the chunk artifacts in index order
 8. commit, checkpoint, mirror and release, strictly in that order

Every commit is fenced by the lease: once the lease is known lost, the
store refuses to commit and the run ends with a lease_lost error.

# Draining

A drain.Coordinator stops claiming new chunks once an interruption notice
arrives (a signal or the EC2 spot instance-action document). The chunk
in flight is cancelled if it can't finish before the notice deadline
minus the shutdown reserve; it is then recorded as abandoned and shows up
as such in the mirrored snapshot. Run returns ErrDrained.

# Crash Recovery

Publishing an artifact and committing the chunk as done happen on
different substrates. The artifact location and hash are recorded before
publication, so after a crash between the two the next run adopts the
published artifact instead of running the chunk again. Artifacts that
disappear or change out of band send their chunks back to pending.
*/
package chunkpoint
