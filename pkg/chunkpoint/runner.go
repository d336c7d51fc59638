package chunkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/randalmurphal/chunkpoint/pkg/chunkpoint/config"
	"github.com/randalmurphal/chunkpoint/pkg/chunkpoint/drain"
	ckerrors "github.com/randalmurphal/chunkpoint/pkg/chunkpoint/errors"
	"github.com/randalmurphal/chunkpoint/pkg/chunkpoint/lease"
	"github.com/randalmurphal/chunkpoint/pkg/chunkpoint/mirror"
	"github.com/randalmurphal/chunkpoint/pkg/chunkpoint/observability"
	"github.com/randalmurphal/chunkpoint/pkg/chunkpoint/plan"
	"github.com/randalmurphal/chunkpoint/pkg/chunkpoint/reconcile"
)

// maxPasses bounds how often a run goes back to work after assembly found
// a committed artifact missing or changed.
const maxPasses = 3

// Runner runs jobs with one configuration and one work function.
type Runner struct {
	cfg  config.Config
	work WorkFunc
	rc   runConfig
}

// NewRunner validates cfg and returns a Runner.
func NewRunner(cfg config.Config, work WorkFunc, opts ...RunOption) (*Runner, error) {
	if work == nil {
		return nil, ErrNilWork
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	rc := defaultRunConfig()
	for _, opt := range opts {
		opt(&rc)
	}
	return &Runner{cfg: cfg, work: work, rc: rc}, nil
}

// Config returns the runner's configuration.
func (r *Runner) Config() config.Config {
	return r.cfg
}

// Result summarizes one run.
type Result struct {
	JobID    string
	FileID   int64
	PlanHash string

	// Token is the fencing token of the job lease held by this run.
	Token int64

	// Stolen reports that this run took over an expired, unreleased lease.
	Stolen bool

	// Processed counts chunks committed done by this run's work.
	Processed int

	// Adopted counts chunks committed done from artifacts found in place.
	Adopted int

	Failed    int
	Abandoned int

	FinalKey    string
	FinalSHA256 string

	Drained     bool
	DrainReason string
}

// Run processes src to completion, or until a drain or a fatal error.
//
// Whatever the outcome after the lease is acquired, the shutdown sequence
// runs: commit, checkpoint, mirror, release. A run that lost its lease
// skips the mirror and the release, since another actor owns the job.
func (r *Runner) Run(ctx context.Context, src Source) (result Result, runErr error) {
	if src == nil {
		return Result{}, ErrNilSource
	}
	start := r.rc.now()
	coord := r.coordinator()

	job, err := r.open(ctx, src)
	if err != nil {
		r.rc.metrics.RecordJobRun(ctx, false, r.rc.now().Sub(start))
		return Result{}, err
	}
	result = Result{
		JobID:    job.ID,
		FileID:   job.File.ID,
		PlanHash: job.Plan.Hash,
		Token:    job.Lease.Token(),
		Stolen:   job.Lease.Stolen(),
	}
	observability.LogRunStart(job.Logger, job.ID, src.URI())

	runCtx := ctx
	if r.rc.tracingEnabled {
		var span trace.Span
		runCtx, span = r.rc.spans.StartRunSpan(ctx, job.ID, src.URI())
		defer func() {
			r.rc.spans.EndSpanWithError(span, runErr)
		}()
	}

	workCtx, cancelWork := context.WithCancelCause(runCtx)
	stopBackground := r.startBackground(workCtx, cancelWork, job, coord)

	stats := &runStats{}
	runErr = r.process(workCtx, job, coord, stats, &result)
	stopBackground()
	cancelWork(nil)

	stats.fill(&result)
	if n, ok := coord.Notice(); ok && errors.Is(runErr, ErrDrained) {
		result.Drained = true
		result.DrainReason = n.Reason
	}

	if err := r.shutdown(runCtx, job, coord, runErr); err != nil {
		runErr = errors.Join(runErr, err)
	}

	duration := r.rc.now().Sub(start)
	r.rc.metrics.RecordJobRun(ctx, runErr == nil, duration)
	durationMs := float64(duration.Milliseconds())
	if runErr != nil {
		observability.LogRunError(job.Logger, job.ID, runErr, durationMs)
	} else {
		observability.LogRunComplete(job.Logger, job.ID, durationMs, result.Processed)
	}
	return result, runErr
}

func (r *Runner) coordinator() *drain.Coordinator {
	if r.rc.coordinator != nil {
		return r.rc.coordinator
	}
	return drain.New(drain.Options{
		Reserve: r.cfg.DrainReserve,
		Grace:   r.cfg.DrainGrace,
		Logger:  r.rc.logger,
		Metrics: r.rc.metrics,
		Now:     r.rc.now,
	})
}

// process reconciles, works through every eligible chunk and assembles
// the final artifact. A committed artifact found broken during assembly
// sends the run back through reconciliation.
func (r *Runner) process(ctx context.Context, job *Job, coord *drain.Coordinator, stats *runStats, result *Result) error {
	rec := r.reconciler(job)

	for pass := 0; pass < maxPasses; pass++ {
		res, err := rec.Run(ctx, job.File.ID, job.Plan.Hash)
		if err != nil {
			return fmt.Errorf("reconcile: %w", err)
		}
		stats.adopt(res.Count(reconcile.OutcomeAdopted))

		if err := r.runWorkers(ctx, job, coord, stats); err != nil {
			return err
		}

		complete, err := r.finalize(ctx, job, coord, result)
		if err != nil || complete {
			return err
		}
	}
	return fmt.Errorf("%w: gave up after %d passes", ErrUnstableArtifacts, maxPasses)
}

func (r *Runner) reconciler(job *Job) *reconcile.Reconciler {
	return reconcile.New(job.Store, job.Objects, job.Layout, reconcile.Options{
		Metrics: r.rc.metrics,
		Logger:  job.Logger,
		Now:     r.rc.now,
	})
}

// startBackground starts lease renewal, periodic snapshot mirroring and
// notice watching. The returned func stops them and waits.
func (r *Runner) startBackground(ctx context.Context, cancelWork context.CancelCauseFunc, job *Job, coord *drain.Coordinator) func() {
	bgCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := lease.KeepAlive(bgCtx, job.Lease, r.cfg.RenewInterval, job.Logger); err != nil {
			r.rc.metrics.RecordLease(ctx, "lost")
			cancelWork(err)
		}
	}()

	if job.Remote() && r.cfg.SnapshotInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.snapshotLoop(bgCtx, cancelWork, job)
		}()
	}

	if r.rc.notices != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			coord.Watch(bgCtx, r.rc.notices, r.cfg.IMDSPollInterval)
		}()
	}

	stopSignals := func() {}
	if r.rc.signals {
		stopSignals = coord.WatchSignals(bgCtx)
	}

	return func() {
		stopSignals()
		cancel()
		wg.Wait()
	}
}

// snapshotLoop mirrors the store every SnapshotInterval. A lost lease
// stops the work. A snapshot replaced by another writer stops the loop:
// the store can't be swapped under running workers, so the shutdown
// mirror step resyncs and uploads.
func (r *Runner) snapshotLoop(ctx context.Context, cancelWork context.CancelCauseFunc, job *Job) {
	ticker := time.NewTicker(r.cfg.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		err := r.mirrorSnapshot(ctx, job)
		switch {
		case ckerrors.IsLeaseLost(err):
			cancelWork(err)
			return
		case errors.Is(err, mirror.ErrVersionConflict):
			job.Logger.Warn("snapshot replaced by another writer, deferring upload to shutdown",
				slog.String("key", job.Snapshots.Key()))
			return
		}
		// Other failures are logged by mirrorSnapshot; the next tick retries.
	}
}

// runStats collects per-run counters from concurrent workers.
type runStats struct {
	mu        sync.Mutex
	processed int
	adopted   int
	failed    int
	abandoned int
	busy      time.Duration
}

func (s *runStats) done(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processed++
	s.busy += d
}

func (s *runStats) adopt(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.adopted += n
}

// record counts a chunk that ended in a failure status.
func (s *runStats) record(status plan.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch status {
	case plan.StatusAbandoned:
		s.abandoned++
	case plan.StatusPermanentFailed:
		s.failed++
	}
}

// expected is the mean duration of chunks finished in this run, zero
// before the first one.
func (s *runStats) expected() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.processed == 0 {
		return 0
	}
	return s.busy / time.Duration(s.processed)
}

func (s *runStats) fill(r *Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r.Processed = s.processed
	r.Adopted = s.adopted
	r.Abandoned = s.abandoned
	if s.failed > r.Failed {
		r.Failed = s.failed
	}
}
