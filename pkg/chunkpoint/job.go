package chunkpoint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/randalmurphal/chunkpoint/pkg/chunkpoint/config"
	ckerrors "github.com/randalmurphal/chunkpoint/pkg/chunkpoint/errors"
	"github.com/randalmurphal/chunkpoint/pkg/chunkpoint/lease"
	"github.com/randalmurphal/chunkpoint/pkg/chunkpoint/mirror"
	"github.com/randalmurphal/chunkpoint/pkg/chunkpoint/observability"
	"github.com/randalmurphal/chunkpoint/pkg/chunkpoint/plan"
	"github.com/randalmurphal/chunkpoint/pkg/chunkpoint/store"
)

// storeFile is the name of the local store file.
const storeFile = "state.sqlite"

// Job is the state of one run, passed explicitly through every step.
type Job struct {
	ID     string
	Config config.Config
	Source Source
	Layout mirror.Layout

	// StorePath is the local store file.
	StorePath string

	Store   *store.Store
	Objects mirror.ObjectStore

	// Snapshots mirrors the store file. Nil for local sources, whose
	// store already lives on durable local disk.
	Snapshots *mirror.Snapshots

	Lease lease.Lease
	Plan  plan.Plan
	File  store.File

	Logger *slog.Logger

	// finalKey and finalSHA256 are set once the final artifact is
	// published.
	finalKey    string
	finalSHA256 string
}

// Remote reports whether the job's state is mirrored to an object store.
func (j *Job) Remote() bool {
	return j.Snapshots != nil
}

// open acquires the lease and brings the local store up to date for src.
// On error everything acquired so far is released.
func (r *Runner) open(ctx context.Context, src Source) (*Job, error) {
	namespace := src.Namespace()
	job := &Job{
		ID:     JobID(namespace),
		Config: r.cfg,
		Source: src,
		Layout: mirror.NewLayout(namespace, r.cfg.ArtifactExt),
		Logger: r.rc.logger,
	}

	objects, err := r.objectStore(src)
	if err != nil {
		return nil, err
	}
	job.Objects = mirror.WithRetry(objects, r.cfg.RetryConfig(), r.rc.logger)
	job.StorePath = StorePath(r.cfg, src)
	if src.Kind() == config.SourceS3 {
		job.Snapshots = mirror.NewSnapshots(job.Objects, job.Layout.Snapshot())
	}

	owner := r.rc.owner
	if owner == "" {
		owner = lease.NewOwner()
	}
	l, err := r.leaseManager(job).Acquire(ctx, owner)
	if err != nil {
		r.rc.metrics.RecordLease(ctx, "held")
		return nil, fmt.Errorf("acquire job lease: %w", err)
	}
	job.Lease = l
	if l.Stolen() {
		r.rc.metrics.RecordLease(ctx, "stolen")
	} else {
		r.rc.metrics.RecordLease(ctx, "acquired")
	}
	job.Logger = observability.EnrichLogger(r.rc.logger, job.ID, owner, l.Token())

	if err := r.prepare(ctx, job); err != nil {
		if job.Store != nil {
			_ = job.Store.Close()
		}
		if !ckerrors.IsLeaseLost(err) {
			_ = l.Release(context.WithoutCancel(ctx))
		}
		return nil, err
	}
	return job, nil
}

// prepare runs every startup step after the lease is held.
func (r *Runner) prepare(ctx context.Context, job *Job) error {
	if err := r.hydrate(ctx, job); err != nil {
		return err
	}

	st, err := store.Open(ctx, job.StorePath, r.storeOptions(job))
	if errors.Is(err, store.ErrCorrupt) {
		return fmt.Errorf("%w: %s (rerun with reset to start over)", err, job.StorePath)
	}
	if err != nil {
		return fmt.Errorf("open checkpoint store: %w", err)
	}
	job.Store = st

	if err := r.startJob(ctx, job); err != nil {
		return err
	}
	return r.ensurePlan(ctx, job)
}

// storeOptions fences every commit on the job lease.
func (r *Runner) storeOptions(job *Job) store.Options {
	return store.Options{
		Fence:  job.Lease.Check,
		Logger: job.Logger,
		Now:    r.rc.now,
	}
}

// hydrate makes the local store file match the durable state. For remote
// jobs the mirrored snapshot is authoritative and replaces the local
// cache. Reset, or Resume turned off, discards the state instead.
func (r *Runner) hydrate(ctx context.Context, job *Job) error {
	fresh := r.cfg.Reset || !r.cfg.Resume

	if !job.Remote() {
		if fresh {
			job.Logger.Info("discarding checkpoint state", slog.String("path", job.StorePath))
			return store.Reset(job.StorePath)
		}
		return nil
	}

	// Download even when starting fresh: the next upload must replace
	// the version seen here.
	found, err := job.Snapshots.Download(ctx, job.StorePath)
	if err != nil {
		return err
	}
	switch {
	case fresh:
		job.Logger.Info("discarding checkpoint state", slog.String("path", job.StorePath))
		return store.Reset(job.StorePath)
	case found:
		job.Logger.Info("checkpoint hydrated from snapshot", slog.String("key", job.Snapshots.Key()))
	case job.Lease.Stolen():
		// Nothing durable was mirrored; a local cache predates the steal.
		return store.Reset(job.StorePath)
	}
	return nil
}

// startJob records the job, the lease token and a job attempt.
func (r *Runner) startJob(ctx context.Context, job *Job) error {
	cfgHash, cfgJSON := r.cfg.Hash(), r.cfg.JSON()
	l := job.Lease

	err := job.Store.Update(ctx, func(tx *store.Tx) error {
		if _, err := tx.EnsureJob(ctx, store.Job{
			ID:         job.ID,
			SourceKind: job.Source.Kind(),
			ConfigHash: cfgHash,
			ConfigJSON: cfgJSON,
			Actor:      l.Owner(),
		}); err != nil {
			return err
		}
		if err := tx.StartJob(ctx, job.ID, l.Owner(), cfgHash, cfgJSON); err != nil {
			return err
		}
		if err := tx.RecordLease(ctx, store.Lease{
			Scope:     store.ScopeJob,
			EntityID:  job.ID,
			Owner:     l.Owner(),
			Token:     l.Token(),
			ExpiresAt: l.ExpiresAt(),
		}); err != nil {
			if errors.Is(err, store.ErrStaleToken) {
				return ckerrors.LeaseLost(err, "record job lease")
			}
			return err
		}
		if prev := l.Previous(); l.Stolen() && prev != nil {
			if err := tx.AppendEvent(ctx, "job", job.ID, "lease_stolen", map[string]any{
				"previous_owner": prev.Owner,
				"previous_token": prev.Token,
				"token":          l.Token(),
			}); err != nil {
				return err
			}
		}
		return tx.StartAttempt(ctx, store.Attempt{
			ID:        uuid.NewString(),
			Scope:     store.ScopeJob,
			EntityID:  job.ID,
			Actor:     l.Owner(),
			StartedAt: r.rc.now(),
		})
	})
	if err != nil {
		return fmt.Errorf("start job: %w", err)
	}
	return nil
}

// ensurePlan plans the source, makes sure every chunk row of the plan
// exists, and abandons chunks a dead actor left leased or running.
func (r *Runner) ensurePlan(ctx context.Context, job *Job) error {
	fingerprint, err := job.Source.Fingerprint(ctx)
	if err != nil {
		return err
	}
	duration, err := job.Source.Duration(ctx)
	if err != nil {
		return fmt.Errorf("probe duration of %s: %w", job.Source.URI(), err)
	}
	p, err := plan.New(r.cfg.PlanParams(), duration)
	if err != nil {
		return fmt.Errorf("plan %s: %w", job.Source.URI(), err)
	}
	job.Plan = p

	var recovered []store.Chunk
	err = job.Store.Update(ctx, func(tx *store.Tx) error {
		f, err := tx.EnsureFile(ctx, job.ID, job.Source.URI(), fingerprint)
		if err != nil {
			return err
		}
		if _, err := tx.EnsureChunks(ctx, f.ID, p.Chunks); err != nil {
			return err
		}
		if err := tx.SetFilePlan(ctx, f.ID, p.Hash, len(p.Chunks)); err != nil {
			return err
		}
		if recovered, err = tx.RecoverInterrupted(ctx, f.ID, "interrupted"); err != nil {
			return err
		}
		job.File, err = tx.File(ctx, f.ID)
		return err
	})
	if err != nil {
		return fmt.Errorf("ensure plan: %w", err)
	}

	job.Logger.Info("plan ready",
		slog.String("plan_hash", plan.ShortHash(p.Hash)),
		slog.Int("chunks", len(p.Chunks)),
		slog.Int("done", job.File.DoneChunks),
		slog.Int("recovered", len(recovered)),
	)
	return nil
}

// objectStore returns the configured object store, or a directory store
// next to a local input.
func (r *Runner) objectStore(src Source) (mirror.ObjectStore, error) {
	if r.rc.objects != nil {
		return r.rc.objects, nil
	}
	fs, ok := src.(*FileSource)
	if !ok {
		return nil, ErrObjectStoreRequired
	}
	dir, err := mirror.NewDirStore(fs.StateDir())
	if err != nil {
		return nil, fmt.Errorf("open artifact directory: %w", err)
	}
	return dir, nil
}

// StorePath is where a run keeps the local store of src:
// <input dir>/.chunkpoint/<stem>/state.sqlite for local inputs and
// <state dir>/<namespace hash>/state.sqlite otherwise.
func StorePath(cfg config.Config, src Source) string {
	if fs, ok := src.(*FileSource); ok {
		return filepath.Join(fs.StateDir(), fs.Namespace(), storeFile)
	}
	dir := cfg.StateDir
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "chunkpoint")
	}
	sum := sha256.Sum256([]byte(src.Namespace()))
	return filepath.Join(dir, hex.EncodeToString(sum[:8]), storeFile)
}

func (r *Runner) leaseManager(job *Job) lease.Manager {
	if !job.Remote() {
		return lease.NewLocalManager(job.StorePath+".lock", store.ScopeJob, r.rc.logger)
	}
	return lease.NewRemoteManager(job.Objects, job.Layout.Lease(), lease.RemoteOptions{
		Scope:  store.ScopeJob,
		TTL:    r.cfg.LeaseTTL,
		Now:    r.rc.now,
		Logger: r.rc.logger,
	})
}
