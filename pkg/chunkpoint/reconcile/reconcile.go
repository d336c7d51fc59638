// Package reconcile resolves disagreements between recorded chunk status
// and the artifacts actually present in the object store.
//
// The artifact write and the status commit live on different substrates,
// so either can be lost independently. One Run over a file restores
// done ⇒ artifact present with the recorded hash:
//
//	artifact   status     hash      action
//	present    done       match     keep
//	present    done       mismatch  quarantine, corrupt → pending
//	absent     done       -         corrupt → pending
//	present    not done   match     adopt as done, no work re-run
//	present    not done   mismatch  quarantine, clear recorded artifact
//	absent     not done   -         clear recorded artifact
//
// "match" for a chunk that isn't done compares against the hash recorded
// before publication; with no recorded hash the published object is
// trusted because publication only ever exposes complete payloads.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	ckerrors "github.com/randalmurphal/chunkpoint/pkg/chunkpoint/errors"
	"github.com/randalmurphal/chunkpoint/pkg/chunkpoint/mirror"
	"github.com/randalmurphal/chunkpoint/pkg/chunkpoint/observability"
	"github.com/randalmurphal/chunkpoint/pkg/chunkpoint/plan"
	"github.com/randalmurphal/chunkpoint/pkg/chunkpoint/store"
)

// Outcome is the action taken for one chunk.
type Outcome string

// Outcomes.
const (
	OutcomeKept            Outcome = "kept"
	OutcomeAdopted         Outcome = "adopted"
	OutcomeCorruptMissing  Outcome = "corrupt_missing"
	OutcomeCorruptMismatch Outcome = "corrupt_mismatch"
	OutcomeQuarantined     Outcome = "quarantined"
	OutcomeCleared         Outcome = "cleared"
	OutcomeUntouched       Outcome = "untouched"
)

// Decision records what happened to one chunk.
type Decision struct {
	ChunkID       int64
	Index         int
	From          plan.Status
	To            plan.Status
	Outcome       Outcome
	Key           string
	QuarantineKey string
}

// Result summarizes a Run.
type Result struct {
	Decisions []Decision
}

// Count returns the number of decisions with outcome o.
func (r Result) Count(o Outcome) int {
	n := 0
	for _, d := range r.Decisions {
		if d.Outcome == o {
			n++
		}
	}
	return n
}

// Changed reports whether any chunk changed status.
func (r Result) Changed() bool {
	for _, d := range r.Decisions {
		if d.From != d.To {
			return true
		}
	}
	return false
}

// Options configures a Reconciler.
type Options struct {
	Metrics observability.MetricsRecorder
	Logger  *slog.Logger
	Now     func() time.Time
}

// Reconciler checks chunks of one source against its artifact layout.
type Reconciler struct {
	store   *store.Store
	objects mirror.ObjectStore
	layout  mirror.Layout
	metrics observability.MetricsRecorder
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a Reconciler.
func New(st *store.Store, objects mirror.ObjectStore, layout mirror.Layout, opts Options) *Reconciler {
	r := &Reconciler{
		store:   st,
		objects: objects,
		layout:  layout,
		metrics: opts.Metrics,
		logger:  opts.Logger,
		now:     opts.Now,
	}
	if r.metrics == nil {
		r.metrics = observability.NoopMetrics{}
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	r.logger = r.logger.With(slog.String("component", "reconcile"))
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// Run reconciles every chunk of fileID under planHash. Store
// transactions are short and never span an object store call.
func (r *Reconciler) Run(ctx context.Context, fileID int64, planHash string) (Result, error) {
	var chunks []store.Chunk
	err := r.store.View(ctx, func(tx *store.Tx) error {
		var err error
		chunks, err = tx.Chunks(ctx, fileID, planHash)
		return err
	})
	if err != nil {
		return Result{}, fmt.Errorf("list chunks: %w", err)
	}

	var res Result
	for _, c := range chunks {
		d, err := r.reconcile(ctx, c)
		if err != nil {
			return res, err
		}
		res.Decisions = append(res.Decisions, d)
		r.metrics.RecordReconcile(ctx, string(d.Outcome))
	}

	if res.Changed() {
		r.logger.Info("reconciliation changed chunk state",
			slog.Int64("file_id", fileID),
			slog.Int("adopted", res.Count(OutcomeAdopted)),
			slog.Int("missing", res.Count(OutcomeCorruptMissing)),
			slog.Int("mismatched", res.Count(OutcomeCorruptMismatch)),
		)
	}
	return res, nil
}

// Chunk reconciles a single chunk, e.g. after a status commit whose
// outcome is unknown.
func (r *Reconciler) Chunk(ctx context.Context, chunkID int64) (Decision, error) {
	var c store.Chunk
	err := r.store.View(ctx, func(tx *store.Tx) error {
		var err error
		c, err = tx.Chunk(ctx, chunkID)
		return err
	})
	if err != nil {
		return Decision{}, err
	}
	d, err := r.reconcile(ctx, c)
	if err == nil {
		r.metrics.RecordReconcile(ctx, string(d.Outcome))
	}
	return d, err
}

func (r *Reconciler) artifactKey(c store.Chunk) string {
	if c.ArtifactURI != "" {
		return c.ArtifactURI
	}
	return r.layout.Chunk(c.PlanHash, c.Index)
}

// observe fetches the artifact. present is false for a missing object.
func (r *Reconciler) observe(ctx context.Context, key string) (data []byte, present bool, err error) {
	obj, err := r.objects.Get(ctx, key)
	if errors.Is(err, mirror.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("fetch artifact %s: %w", key, err)
	}
	return obj.Data, true, nil
}

func (r *Reconciler) reconcile(ctx context.Context, c store.Chunk) (Decision, error) {
	key := r.artifactKey(c)
	d := Decision{ChunkID: c.ID, Index: c.Index, From: c.Status, To: c.Status, Key: key}

	switch c.Status {
	case plan.StatusLeased, plan.StatusRunning, plan.StatusPermanentFailed:
		// In-flight chunks belong to the running actor; failed ones are terminal.
		d.Outcome = OutcomeUntouched
		return d, nil
	}

	data, present, err := r.observe(ctx, key)
	if err != nil {
		return d, err
	}

	if c.Status == plan.StatusDone {
		return r.reconcileDone(ctx, c, d, data, present)
	}
	return r.reconcilePending(ctx, c, d, data, present)
}

func (r *Reconciler) reconcileDone(ctx context.Context, c store.Chunk, d Decision, data []byte, present bool) (Decision, error) {
	if !present {
		reason := fmt.Sprintf("artifact %s missing", d.Key)
		if err := r.reset(ctx, c.ID, reason); err != nil {
			return d, err
		}
		r.logger.Warn("done chunk lost its artifact", slog.Int("chunk_index", c.Index), slog.String("key", d.Key))
		d.Outcome, d.To = OutcomeCorruptMissing, plan.StatusPending
		return d, nil
	}

	actual := mirror.Checksum(data)
	if actual == c.ArtifactSHA256 {
		d.Outcome = OutcomeKept
		return d, nil
	}

	mismatch := &ckerrors.HashMismatchError{URI: d.Key, Expected: c.ArtifactSHA256, Actual: actual}
	qkey, err := mirror.Quarantine(ctx, r.objects, r.layout, d.Key, r.now())
	if err != nil {
		return d, err
	}
	if err := r.store.Update(ctx, func(tx *store.Tx) error {
		if err := tx.AppendEvent(ctx, "chunk", store.ChunkEntity(c.ID), "artifact_quarantined", map[string]any{
			"key": d.Key, "quarantine_key": qkey, "expected": mismatch.Expected, "actual": mismatch.Actual,
		}); err != nil {
			return err
		}
		_, err := tx.ResetChunk(ctx, c.ID, mismatch.Error())
		return err
	}); err != nil {
		return d, fmt.Errorf("reset chunk %d: %w", c.ID, err)
	}
	r.logger.Warn("done chunk artifact corrupt",
		slog.Int("chunk_index", c.Index),
		slog.String("key", d.Key),
		slog.String("quarantine_key", qkey),
	)
	d.Outcome, d.To, d.QuarantineKey = OutcomeCorruptMismatch, plan.StatusPending, qkey
	return d, nil
}

func (r *Reconciler) reconcilePending(ctx context.Context, c store.Chunk, d Decision, data []byte, present bool) (Decision, error) {
	if !present {
		if c.ArtifactURI == "" && c.ArtifactSHA256 == "" && c.Status != plan.StatusCorrupt {
			d.Outcome = OutcomeUntouched
			return d, nil
		}
		if err := r.store.Update(ctx, func(tx *store.Tx) error {
			_, err := tx.ResetChunk(ctx, c.ID, "recorded artifact absent")
			return err
		}); err != nil {
			return d, fmt.Errorf("clear chunk %d: %w", c.ID, err)
		}
		d.Outcome, d.To = OutcomeCleared, plan.StatusPending
		return d, nil
	}

	actual := mirror.Checksum(data)
	if c.Status != plan.StatusCorrupt && (c.ArtifactSHA256 == "" || c.ArtifactSHA256 == actual) {
		if err := r.store.Update(ctx, func(tx *store.Tx) error {
			_, err := tx.AdoptChunk(ctx, c.ID, d.Key, actual)
			return err
		}); err != nil {
			return d, fmt.Errorf("adopt chunk %d: %w", c.ID, err)
		}
		r.logger.Info("adopted published artifact", slog.Int("chunk_index", c.Index), slog.String("key", d.Key))
		d.Outcome, d.To = OutcomeAdopted, plan.StatusDone
		return d, nil
	}

	qkey, err := mirror.Quarantine(ctx, r.objects, r.layout, d.Key, r.now())
	if err != nil {
		return d, err
	}
	if err := r.store.Update(ctx, func(tx *store.Tx) error {
		if err := tx.AppendEvent(ctx, "chunk", store.ChunkEntity(c.ID), "artifact_quarantined", map[string]any{
			"key": d.Key, "quarantine_key": qkey, "expected": c.ArtifactSHA256, "actual": actual,
		}); err != nil {
			return err
		}
		_, err := tx.ResetChunk(ctx, c.ID, "unverified artifact quarantined")
		return err
	}); err != nil {
		return d, fmt.Errorf("clear chunk %d: %w", c.ID, err)
	}
	d.Outcome, d.To, d.QuarantineKey = OutcomeQuarantined, plan.StatusPending, qkey
	return d, nil
}

func (r *Reconciler) reset(ctx context.Context, id int64, reason string) error {
	if err := r.store.Update(ctx, func(tx *store.Tx) error {
		_, err := tx.ResetChunk(ctx, id, reason)
		return err
	}); err != nil {
		return fmt.Errorf("reset chunk %d: %w", id, err)
	}
	return nil
}
