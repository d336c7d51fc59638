package chunkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/randalmurphal/chunkpoint/pkg/chunkpoint/drain"
	ckerrors "github.com/randalmurphal/chunkpoint/pkg/chunkpoint/errors"
	"github.com/randalmurphal/chunkpoint/pkg/chunkpoint/mirror"
	"github.com/randalmurphal/chunkpoint/pkg/chunkpoint/observability"
	"github.com/randalmurphal/chunkpoint/pkg/chunkpoint/plan"
	"github.com/randalmurphal/chunkpoint/pkg/chunkpoint/store"
)

// runWorkers runs cfg.Parallelism workers until no chunk is eligible,
// the drain starts, or one of them hits a fatal error.
func (r *Runner) runWorkers(ctx context.Context, job *Job, coord *drain.Coordinator, stats *runStats) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Parallelism)

	for i := 0; i < r.cfg.Parallelism; i++ {
		g.Go(func() error {
			return r.worker(gctx, job, coord, stats)
		})
	}
	return g.Wait()
}

// worker claims and runs chunks one at a time. It returns nil when there
// is nothing left to claim and an error only when the run must stop.
func (r *Runner) worker(ctx context.Context, job *Job, coord *drain.Coordinator, stats *runStats) error {
	for {
		if coord.Draining() {
			return nil
		}
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}

		var claim store.Claim
		err := job.Store.Update(ctx, func(tx *store.Tx) error {
			var err error
			claim, err = tx.ClaimChunk(ctx, job.File.ID, job.Plan.Hash, job.Lease.Owner(), r.cfg.LeaseTTL)
			return err
		})
		if errors.Is(err, store.ErrNoEligibleChunk) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("claim chunk: %w", err)
		}

		if err := r.runChunk(ctx, job, coord, stats, claim.Chunk); err != nil {
			return err
		}
	}
}

// runChunk runs the work for one running chunk, publishes the artifact
// and commits the chunk as done. Work and publication failures are
// recorded on the chunk; only store and lease failures are returned.
func (r *Runner) runChunk(ctx context.Context, job *Job, coord *drain.Coordinator, stats *runStats, c store.Chunk) (err error) {
	start := r.rc.now()
	logger := observability.ChunkLogger(job.Logger, c.ID, c.Index, c.Attempts)
	observability.LogChunkStart(logger, c.Start, c.End)

	chunkCtx, cancel := coord.ChunkContext(ctx, stats.expected())
	defer cancel()

	if r.rc.tracingEnabled {
		var span trace.Span
		chunkCtx, span = r.rc.spans.StartChunkSpan(chunkCtx, c.ID, c.Index)
		defer func() {
			r.rc.spans.EndSpanWithError(span, err)
		}()
	}

	data, workErr := r.work(chunkCtx, c.Spec(), job.Source)
	if workErr == nil && chunkCtx.Err() != nil {
		// Output produced after the cutoff is dropped with the attempt.
		workErr = context.Cause(chunkCtx)
	}
	if workErr != nil {
		return r.failChunk(ctx, chunkCtx, job, coord, stats, c, logger, workErr, start)
	}

	key := job.Layout.Chunk(c.PlanHash, c.Index)
	sha := mirror.Checksum(data)

	// The hash goes on record before the artifact exists, so a crash
	// between publication and commit can be adopted on restart.
	if err := job.Store.Update(ctx, func(tx *store.Tx) error {
		return tx.RecordPendingArtifact(ctx, c.ID, key, sha)
	}); err != nil {
		return fmt.Errorf("record artifact of chunk %d: %w", c.Index, err)
	}

	if err := r.publish(chunkCtx, job, key, data); err != nil {
		return r.failChunk(ctx, chunkCtx, job, coord, stats, c, logger, err, start)
	}

	if err := job.Store.Update(ctx, func(tx *store.Tx) error {
		_, err := tx.CompleteChunk(ctx, c.ID, key, sha)
		return err
	}); err != nil {
		return fmt.Errorf("commit chunk %d: %w", c.Index, err)
	}

	duration := r.rc.now().Sub(start)
	stats.done(duration)
	r.rc.metrics.RecordChunk(ctx, string(plan.StatusDone), duration)
	observability.LogChunkComplete(logger, key, float64(duration.Milliseconds()))
	return nil
}

// failChunk records a failed attempt. The status follows the cause:
//
//   - drain cutoff or run cancellation: abandoned
//   - permanent error, or attempt budget spent: permanent_failed
//   - anything else: retryable_failed
//
// It returns an error only when the run itself must stop.
func (r *Runner) failChunk(ctx, chunkCtx context.Context, job *Job, coord *drain.Coordinator, stats *runStats, c store.Chunk,
	logger *slog.Logger, cause error, start time.Time,
) error {
	to := plan.StatusRetryableFailed
	msg := cause.Error()
	var fatal error

	switch {
	case ctx.Err() != nil:
		to = plan.StatusAbandoned
		fatal = context.Cause(ctx)
	case ckerrors.IsLeaseLost(cause):
		to = plan.StatusAbandoned
		fatal = cause
	case drain.Aborted(chunkCtx):
		to = plan.StatusAbandoned
		if n, ok := coord.Notice(); ok {
			msg = "aborted by drain: " + n.Reason
		}
	case ckerrors.IsPermanent(cause), c.Attempts >= r.cfg.MaxAttempts:
		to = plan.StatusPermanentFailed
	}

	commitCtx := context.WithoutCancel(ctx)
	err := job.Store.Update(commitCtx, func(tx *store.Tx) error {
		_, err := tx.FailChunk(commitCtx, c.ID, to, msg)
		return err
	})

	duration := r.rc.now().Sub(start)
	stats.record(to)
	r.rc.metrics.RecordChunk(ctx, string(to), duration)
	observability.LogChunkError(logger, string(to), cause)

	if fatal != nil {
		return fatal
	}
	if err != nil {
		return fmt.Errorf("record failure of chunk %d: %w", c.Index, err)
	}
	return nil
}

// publish writes an artifact through the mirror's publish protocol once
// the lease record confirms this actor still holds the job.
func (r *Runner) publish(ctx context.Context, job *Job, key string, data []byte) (err error) {
	if r.rc.tracingEnabled {
		var span trace.Span
		ctx, span = r.rc.spans.StartMirrorSpan(ctx, "publish", key)
		defer func() {
			r.rc.spans.EndSpanWithError(span, err)
		}()
	}
	if err := job.Lease.Verify(ctx); err != nil {
		return err
	}

	start := r.rc.now()
	_, err = mirror.Publish(ctx, job.Objects, key, data)
	r.rc.metrics.RecordMirror(ctx, "publish", int64(len(data)), r.rc.now().Sub(start), err)
	return err
}
