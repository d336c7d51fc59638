package chunkpoint

import (
	"log/slog"
	"time"

	"github.com/randalmurphal/chunkpoint/pkg/chunkpoint/drain"
	"github.com/randalmurphal/chunkpoint/pkg/chunkpoint/mirror"
	"github.com/randalmurphal/chunkpoint/pkg/chunkpoint/observability"
)

// runConfig holds the collaborators of a Runner.
type runConfig struct {
	logger         *slog.Logger
	metrics        observability.MetricsRecorder
	spans          observability.SpanManager
	tracingEnabled bool
	objects        mirror.ObjectStore
	coordinator    *drain.Coordinator
	notices        drain.NoticeSource
	signals        bool
	owner          string
	joiner         Joiner
	now            func() time.Time
}

// defaultRunConfig returns the default collaborators.
func defaultRunConfig() runConfig {
	return runConfig{
		logger:  slog.Default(),
		metrics: observability.NoopMetrics{},
		spans:   observability.NoopSpanManager{},
		now:     time.Now,
		joiner:  Concat,
	}
}

// RunOption configures a Runner.
type RunOption func(*runConfig)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) RunOption {
	return func(c *runConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder. Default: no metrics.
//
// Example:
//
//	metrics, _ := observability.NewPrometheusMetrics(prometheus.DefaultRegisterer)
//	runner, err := chunkpoint.NewRunner(cfg, work, chunkpoint.WithMetrics(metrics))
func WithMetrics(m observability.MetricsRecorder) RunOption {
	return func(c *runConfig) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithTracing enables spans for the job run, each chunk and each mirror
// write. A nil manager uses the global OpenTelemetry tracer provider.
func WithTracing(spans observability.SpanManager) RunOption {
	return func(c *runConfig) {
		if spans == nil {
			spans = observability.NewSpanManager()
		}
		c.spans = spans
		c.tracingEnabled = true
	}
}

// WithObjectStore sets the object store holding artifacts, the lease
// record and the store snapshot. Required for remote sources; local
// sources default to a directory store next to the input.
func WithObjectStore(store mirror.ObjectStore) RunOption {
	return func(c *runConfig) {
		c.objects = store
	}
}

// WithCoordinator supplies the drain coordinator instead of creating one
// per run, so the caller can trigger a drain.
func WithCoordinator(coord *drain.Coordinator) RunOption {
	return func(c *runConfig) {
		c.coordinator = coord
	}
}

// WithNoticeSource polls src for interruption notices during the run,
// every config.IMDSPollInterval.
func WithNoticeSource(src drain.NoticeSource) RunOption {
	return func(c *runConfig) {
		c.notices = src
	}
}

// WithSignals drains on SIGTERM or SIGINT during the run.
func WithSignals() RunOption {
	return func(c *runConfig) {
		c.signals = true
	}
}

// WithOwner sets the actor id. Default: lease.NewOwner().
func WithOwner(owner string) RunOption {
	return func(c *runConfig) {
		c.owner = owner
	}
}

// WithClock overrides the clock used for leases and store timestamps.
func WithClock(now func() time.Time) RunOption {
	return func(c *runConfig) {
		if now != nil {
			c.now = now
		}
	}
}

// WithJoiner sets how chunk artifacts become the final artifact.
// Default: Concat.
func WithJoiner(j Joiner) RunOption {
	return func(c *runConfig) {
		if j != nil {
			c.joiner = j
		}
	}
}
