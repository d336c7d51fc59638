// Package drain coordinates the bounded shutdown that runs when the
// worker is about to be terminated.
//
// A Coordinator is triggered once, by a termination signal, an eviction
// notice from a NoticeSource, or directly through Trigger. After the
// trigger the runner stops claiming chunks, lets the in-flight chunk
// finish only if it fits inside the deadline (see ChunkContext), and then
// calls Shutdown, which runs commit → checkpoint → mirror → release
// strictly in that order.
package drain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/randalmurphal/chunkpoint/pkg/chunkpoint/observability"
)

// ErrDrainAbort is the cancellation cause of a chunk stopped by a drain.
var ErrDrainAbort = errors.New("chunk aborted by drain")

// Defaults.
const (
	// DefaultReserve is the time kept back for commit, checkpoint, mirror and release.
	DefaultReserve = 30 * time.Second

	// DefaultGrace is the deadline given to a notice that advertises none.
	DefaultGrace = 30 * time.Second
)

// Notice is an interruption notice.
type Notice struct {
	// Reason names the trigger, e.g. "signal_15" or "spot_terminate".
	Reason string

	// At is when the notice was observed.
	At time.Time

	// Deadline is when the process will be killed.
	Deadline time.Time
}

// NoticeSource is polled for interruption notices.
type NoticeSource interface {
	// Poll reports a pending notice. ok is false when there is none.
	Poll(ctx context.Context) (n Notice, ok bool, err error)
}

// Options configures a Coordinator.
type Options struct {
	Reserve time.Duration
	Grace   time.Duration
	Logger  *slog.Logger
	Metrics observability.MetricsRecorder
	Now     func() time.Time
}

// Coordinator tracks the drain state of one actor.
type Coordinator struct {
	reserve time.Duration
	grace   time.Duration
	logger  *slog.Logger
	metrics observability.MetricsRecorder
	now     func() time.Time

	done chan struct{}
	once sync.Once

	mu     sync.Mutex
	notice Notice
}

// New creates a Coordinator.
func New(opts Options) *Coordinator {
	c := &Coordinator{
		reserve: opts.Reserve,
		grace:   opts.Grace,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		now:     opts.Now,
		done:    make(chan struct{}),
	}
	if c.reserve <= 0 {
		c.reserve = DefaultReserve
	}
	if c.grace <= 0 {
		c.grace = DefaultGrace
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With(slog.String("component", "drain"))
	if c.metrics == nil {
		c.metrics = observability.NoopMetrics{}
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// Trigger starts the drain. Only the first notice counts; it returns
// false for later ones.
func (c *Coordinator) Trigger(n Notice) bool {
	if n.At.IsZero() {
		n.At = c.now()
	}
	if n.Deadline.IsZero() {
		n.Deadline = n.At.Add(c.grace)
	}
	triggered := false
	c.once.Do(func() {
		c.mu.Lock()
		c.notice = n
		c.mu.Unlock()
		close(c.done)
		triggered = true
	})
	if triggered {
		c.logger.Warn("drain triggered",
			slog.String("reason", n.Reason),
			slog.Time("deadline", n.Deadline),
		)
	}
	return triggered
}

// Draining reports whether the drain has started.
func (c *Coordinator) Draining() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Done is closed when the drain starts.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Notice returns the triggering notice.
func (c *Coordinator) Notice() (Notice, bool) {
	if !c.Draining() {
		return Notice{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.notice, true
}

// Reserve returns the time kept back for the shutdown sequence.
func (c *Coordinator) Reserve() time.Duration {
	return c.reserve
}

// WatchSignals triggers the drain on the first of sigs (SIGTERM and
// SIGINT when none are given). The returned func stops watching.
func (c *Coordinator) WatchSignals(ctx context.Context, sigs ...os.Signal) (stop func()) {
	if len(sigs) == 0 {
		sigs = []os.Signal{syscall.SIGTERM, syscall.SIGINT}
	}
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sigs...)

	ctx, cancel := context.WithCancel(ctx)
	go func() {
		defer signal.Stop(ch)
		select {
		case sig := <-ch:
			c.Trigger(Notice{Reason: signalReason(sig)})
		case <-ctx.Done():
		case <-c.done:
		}
	}()
	return cancel
}

func signalReason(sig os.Signal) string {
	if s, ok := sig.(syscall.Signal); ok {
		return fmt.Sprintf("signal_%d", int(s))
	}
	return "signal_" + sig.String()
}

// Watch polls src every interval until a notice arrives, the drain is
// triggered elsewhere, or ctx is done. Poll errors are logged and the
// next poll goes ahead.
func (c *Coordinator) Watch(ctx context.Context, src NoticeSource, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		n, ok, err := src.Poll(ctx)
		switch {
		case err != nil:
			c.logger.Debug("notice poll failed", slog.Any("error", err))
		case ok:
			c.Trigger(n)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
		}
	}
}

// ChunkContext derives the context for one chunk attempt whose work is
// expected to take about expected (zero when unknown).
//
// Once the drain starts the context is cancelled with ErrDrainAbort as
// its cause: immediately when the remaining expected work does not fit
// before deadline minus reserve, otherwise at that cutoff. Call the
// returned func when the attempt ends.
func (c *Coordinator) ChunkContext(parent context.Context, expected time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(parent)
	started := c.now()
	finished := make(chan struct{})

	go func() {
		select {
		case <-finished:
			return
		case <-ctx.Done():
			return
		case <-c.done:
		}

		n, _ := c.Notice()
		now := c.now()
		cutoff := n.Deadline.Add(-c.reserve)
		remaining := expected - now.Sub(started)
		if expected > 0 && remaining < 0 {
			remaining = 0
		}
		if !now.Before(cutoff) || (expected > 0 && now.Add(remaining).After(cutoff)) {
			c.logger.Info("aborting in-flight chunk",
				slog.Duration("remaining", remaining),
				slog.Time("cutoff", cutoff),
			)
			cancel(ErrDrainAbort)
			return
		}

		timer := time.NewTimer(cutoff.Sub(now))
		defer timer.Stop()
		select {
		case <-timer.C:
			cancel(ErrDrainAbort)
		case <-finished:
		case <-ctx.Done():
		}
	}()

	var once sync.Once
	return ctx, func() {
		once.Do(func() {
			close(finished)
			cancel(context.Canceled)
		})
	}
}

// Aborted reports whether ctx was cancelled by a drain.
func Aborted(ctx context.Context) bool {
	return errors.Is(context.Cause(ctx), ErrDrainAbort)
}

// Steps are the shutdown actions, run in field order. A nil step is skipped.
type Steps struct {
	Commit     func(ctx context.Context) error
	Checkpoint func(ctx context.Context) error
	Mirror     func(ctx context.Context) error
	Release    func(ctx context.Context) error
}

// StepError reports the shutdown step that failed. Later steps did not run.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("drain %s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// Shutdown runs the steps strictly in order and stops at the first
// failure, so the lease is never released unless the mirror succeeded.
// It is used for both drains and normal completion; the drain notice,
// if any, names the reason in metrics.
func (c *Coordinator) Shutdown(ctx context.Context, steps Steps) error {
	reason := "complete"
	if n, ok := c.Notice(); ok {
		reason = n.Reason
	}
	start := c.now()

	err := c.runSteps(ctx, steps)
	c.metrics.RecordDrain(ctx, reason, c.now().Sub(start), err)
	if err != nil {
		c.logger.Error("shutdown sequence failed", slog.String("reason", reason), slog.Any("error", err))
		return err
	}
	c.logger.Info("shutdown sequence complete",
		slog.String("reason", reason),
		slog.Duration("duration", c.now().Sub(start)),
	)
	return nil
}

func (c *Coordinator) runSteps(ctx context.Context, steps Steps) error {
	ordered := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"commit", steps.Commit},
		{"checkpoint", steps.Checkpoint},
		{"mirror", steps.Mirror},
		{"release", steps.Release},
	}
	for _, s := range ordered {
		if s.fn == nil {
			continue
		}
		if err := s.fn(ctx); err != nil {
			return &StepError{Step: s.name, Err: err}
		}
		c.logger.Debug("shutdown step done", slog.String("step", s.name))
	}
	return nil
}
