package chunkpoint

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel/trace"

	"github.com/randalmurphal/chunkpoint/pkg/chunkpoint/drain"
	ckerrors "github.com/randalmurphal/chunkpoint/pkg/chunkpoint/errors"
	"github.com/randalmurphal/chunkpoint/pkg/chunkpoint/lease"
	"github.com/randalmurphal/chunkpoint/pkg/chunkpoint/mirror"
	"github.com/randalmurphal/chunkpoint/pkg/chunkpoint/observability"
	"github.com/randalmurphal/chunkpoint/pkg/chunkpoint/plan"
	"github.com/randalmurphal/chunkpoint/pkg/chunkpoint/reconcile"
	"github.com/randalmurphal/chunkpoint/pkg/chunkpoint/store"
)

// finalize checks the chunk rows after the workers stopped. It reports
// complete once the final artifact is published and the file is done,
// or returns why the run can't finish. It returns false with no error
// when a committed artifact turned out missing or changed, so the caller
// reconciles and works again.
func (r *Runner) finalize(ctx context.Context, job *Job, coord *drain.Coordinator, result *Result) (bool, error) {
	var chunks []store.Chunk
	if err := job.Store.View(ctx, func(tx *store.Tx) error {
		var err error
		chunks, err = tx.Chunks(ctx, job.File.ID, job.Plan.Hash)
		return err
	}); err != nil {
		return false, fmt.Errorf("list chunks: %w", err)
	}

	var failed []int
	pending := 0
	for _, c := range chunks {
		switch c.Status {
		case plan.StatusDone:
		case plan.StatusPermanentFailed:
			failed = append(failed, c.Index)
		default:
			pending++
		}
	}

	switch {
	case pending > 0 && coord.Draining():
		return true, fmt.Errorf("%w: %d of %d chunks left", ErrDrained, pending+len(failed), len(chunks))
	case pending > 0:
		// Workers only stop early on errors, which are returned before this.
		return false, nil
	case len(failed) > 0:
		result.Failed = len(failed)
		return true, r.failFile(ctx, job, failed)
	}

	combined, ok, err := r.assemble(ctx, job, chunks)
	if err != nil || !ok {
		return false, err
	}

	key := job.Layout.Final()
	if err := r.publish(ctx, job, key, combined); err != nil {
		return false, fmt.Errorf("publish final artifact: %w", err)
	}
	sha := mirror.Checksum(combined)
	if err := job.Store.Update(ctx, func(tx *store.Tx) error {
		if err := tx.CompleteFile(ctx, job.File.ID, key, sha); err != nil {
			return err
		}
		return tx.SetJobStatus(ctx, job.ID, store.JobDone)
	}); err != nil {
		return false, fmt.Errorf("complete file: %w", err)
	}

	job.finalKey, job.finalSHA256 = key, sha
	result.FinalKey = key
	result.FinalSHA256 = sha
	job.Logger.Info("final artifact published",
		slog.String("key", key),
		slog.Int("chunks", len(chunks)),
		slog.Int("bytes", len(combined)),
	)
	return true, nil
}

// Joiner builds the final artifact from the chunk artifacts, given in
// index order.
type Joiner func(parts [][]byte) []byte

// Concat joins artifacts byte for byte. It is the default Joiner.
func Concat(parts [][]byte) []byte {
	return bytes.Join(parts, nil)
}

// JoinLines trims each artifact, drops the empty ones and joins the rest
// with newlines. It suits text artifacts such as transcript segments.
func JoinLines(parts [][]byte) []byte {
	kept := make([][]byte, 0, len(parts))
	for _, p := range parts {
		if p = bytes.TrimSpace(p); len(p) > 0 {
			kept = append(kept, p)
		}
	}
	return bytes.Join(kept, []byte("\n"))
}

// assemble reads the chunk artifacts in index order and joins them.
// Each artifact is verified against its recorded hash; ok is false when
// one is missing or changed.
func (r *Runner) assemble(ctx context.Context, job *Job, chunks []store.Chunk) (combined []byte, ok bool, err error) {
	parts := make([][]byte, 0, len(chunks))
	for _, c := range chunks {
		obj, err := mirror.Verify(ctx, job.Objects, c.ArtifactURI, c.ArtifactSHA256)
		var mismatch *ckerrors.HashMismatchError
		switch {
		case errors.Is(err, mirror.ErrNotFound), errors.As(err, &mismatch):
			job.Logger.Warn("committed artifact broken, reconciling",
				slog.Int("chunk_index", c.Index),
				slog.String("key", c.ArtifactURI),
				slog.String("error", err.Error()),
			)
			return nil, false, nil
		case err != nil:
			return nil, false, fmt.Errorf("read artifact of chunk %d: %w", c.Index, err)
		}
		parts = append(parts, obj.Data)
	}
	return r.rc.joiner(parts), true, nil
}

func (r *Runner) failFile(ctx context.Context, job *Job, failed []int) error {
	reason := fmt.Sprintf("%d chunks failed permanently: %v", len(failed), failed)
	if err := job.Store.Update(ctx, func(tx *store.Tx) error {
		if err := tx.FailFile(ctx, job.File.ID, reason); err != nil {
			return err
		}
		return tx.SetJobStatus(ctx, job.ID, store.JobFailed)
	}); err != nil {
		return fmt.Errorf("fail file: %w", err)
	}
	return fmt.Errorf("%w: chunks %v", ErrChunksFailed, failed)
}

// mirrorSnapshot uploads a consistent copy of the open store.
func (r *Runner) mirrorSnapshot(ctx context.Context, job *Job) (err error) {
	key := job.Snapshots.Key()
	if r.rc.tracingEnabled {
		var span trace.Span
		ctx, span = r.rc.spans.StartMirrorSpan(ctx, "snapshot", key)
		defer func() {
			r.rc.spans.EndSpanWithError(span, err)
		}()
	}
	if err := job.Lease.Verify(ctx); err != nil {
		return err
	}

	tmp := job.StorePath + ".snapshot"
	defer os.Remove(tmp)
	if err := job.Store.SnapshotTo(ctx, tmp); err != nil {
		observability.LogSnapshotError(job.Logger, key, "copy", err)
		return err
	}
	return r.upload(ctx, job, tmp)
}

// upload mirrors a checkpointed store file to the snapshot key.
func (r *Runner) upload(ctx context.Context, job *Job, path string) error {
	key := job.Snapshots.Key()
	var size int64
	if info, err := os.Stat(path); err == nil {
		size = info.Size()
	}

	start := r.rc.now()
	_, err := job.Snapshots.Upload(ctx, path)
	r.rc.metrics.RecordMirror(ctx, "snapshot", size, r.rc.now().Sub(start), err)
	if err != nil {
		observability.LogSnapshotError(job.Logger, key, "upload", err)
		return err
	}
	observability.LogSnapshot(job.Logger, key, size)
	return nil
}

// shutdown runs commit, checkpoint, mirror and release through the drain
// coordinator. The store is closed whatever happens.
func (r *Runner) shutdown(ctx context.Context, job *Job, coord *drain.Coordinator, runErr error) error {
	ctx = context.WithoutCancel(ctx)
	if reserve := coord.Reserve(); reserve > 0 && coord.Draining() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, reserve)
		defer cancel()
	}
	// resync may swap the store.
	defer func() { _ = job.Store.Close() }()

	steps := drain.Steps{
		Commit: func(ctx context.Context) error {
			return r.commitOutcome(ctx, job, coord, runErr)
		},
		Checkpoint: job.Store.CheckpointAndClose,
	}
	if lostErr := leaseLost(ctx, job, runErr); lostErr != nil {
		// Another actor owns the job: nothing of ours may be committed,
		// mirrored or released.
		steps.Commit = nil
		err := coord.Shutdown(ctx, steps)
		if !ckerrors.IsLeaseLost(runErr) {
			err = errors.Join(lostErr, err)
		}
		return err
	}

	if job.Remote() {
		steps.Mirror = func(ctx context.Context) error {
			return r.mirrorStore(ctx, job, coord, runErr)
		}
	}
	steps.Release = func(ctx context.Context) error {
		if err := job.Lease.Release(ctx); err != nil {
			return err
		}
		r.rc.metrics.RecordLease(ctx, "released")
		return nil
	}
	return coord.Shutdown(ctx, steps)
}

// leaseLost returns why the job lease no longer belongs to this run, or
// nil. The record is read as well as the local expiry: an actor with a
// clock running ahead can take over while our expiry still looks valid.
func leaseLost(ctx context.Context, job *Job, runErr error) error {
	if ckerrors.IsLeaseLost(runErr) {
		return runErr
	}
	if err := job.Lease.Check(); err != nil {
		return err
	}
	if err := job.Lease.Verify(ctx); errors.Is(err, lease.ErrLeaseLost) {
		return err
	}
	return nil
}

// mirrorStore uploads the checkpointed store file. When another writer
// replaced the snapshot since this run last saw it, the run resyncs onto
// that snapshot and uploads once more.
func (r *Runner) mirrorStore(ctx context.Context, job *Job, coord *drain.Coordinator, runErr error) error {
	if err := job.Lease.Verify(ctx); err != nil {
		return err
	}
	err := r.upload(ctx, job, job.StorePath)
	if !errors.Is(err, mirror.ErrVersionConflict) {
		return err
	}
	if err := r.resync(ctx, job, coord, runErr); err != nil {
		return fmt.Errorf("resync snapshot: %w", err)
	}
	if err := job.Lease.Verify(ctx); err != nil {
		return err
	}
	return r.upload(ctx, job, job.StorePath)
}

// resync replaces the closed local store with the mirrored snapshot and
// carries this run's progress into it: job and plan rows are ensured,
// reconciliation adopts the artifacts this run published, and the final
// artifact and the run outcome are committed again. The store is left
// checkpointed and closed.
func (r *Runner) resync(ctx context.Context, job *Job, coord *drain.Coordinator, runErr error) error {
	if err := job.Lease.Verify(ctx); err != nil {
		return err
	}
	job.Logger.Warn("snapshot replaced by another writer, resyncing",
		slog.String("key", job.Snapshots.Key()),
		slog.String("seen", string(job.Snapshots.Seen())),
	)

	if _, err := job.Snapshots.Download(ctx, job.StorePath); err != nil {
		return err
	}
	st, err := store.Open(ctx, job.StorePath, r.storeOptions(job))
	if err != nil {
		return fmt.Errorf("reopen checkpoint store: %w", err)
	}
	job.Store = st

	if err := r.startJob(ctx, job); err != nil {
		return err
	}
	if err := r.ensurePlan(ctx, job); err != nil {
		return err
	}
	res, err := r.reconciler(job).Run(ctx, job.File.ID, job.Plan.Hash)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}

	if err := job.Store.Update(ctx, func(tx *store.Tx) error {
		if job.finalKey != "" {
			if err := tx.CompleteFile(ctx, job.File.ID, job.finalKey, job.finalSHA256); err != nil {
				return err
			}
			if err := tx.SetJobStatus(ctx, job.ID, store.JobDone); err != nil {
				return err
			}
		}
		return tx.AppendEvent(ctx, "job", job.ID, "snapshot_resynced", map[string]any{
			"adopted": res.Count(reconcile.OutcomeAdopted),
		})
	}); err != nil {
		return fmt.Errorf("restore progress: %w", err)
	}
	if err := r.commitOutcome(ctx, job, coord, runErr); err != nil {
		return err
	}
	return job.Store.CheckpointAndClose(ctx)
}

// commitOutcome records how the run ended on the job row and closes the
// job attempt.
func (r *Runner) commitOutcome(ctx context.Context, job *Job, coord *drain.Coordinator, runErr error) error {
	outcome, errMsg := store.OutcomeSucceeded, ""
	if runErr != nil {
		errMsg = runErr.Error()
		outcome = store.OutcomeFailed
	}
	n, noticed := coord.Notice()
	drained := errors.Is(runErr, ErrDrained)
	if drained {
		outcome = store.OutcomeAbandoned
	}

	return job.Store.Update(ctx, func(tx *store.Tx) error {
		switch {
		case drained && noticed:
			if err := tx.MarkDraining(ctx, job.ID, n.Reason, n.At); err != nil {
				return err
			}
		case runErr != nil && !errors.Is(runErr, ErrChunksFailed):
			if err := tx.SetJobStatus(ctx, job.ID, store.JobFailed); err != nil {
				return err
			}
		}
		return tx.EndOpenAttempts(ctx, store.ScopeJob, job.ID, outcome, errMsg)
	})
}
