package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/randalmurphal/chunkpoint/pkg/chunkpoint"
	"github.com/randalmurphal/chunkpoint/pkg/chunkpoint/config"
	"github.com/randalmurphal/chunkpoint/pkg/chunkpoint/drain"
	"github.com/randalmurphal/chunkpoint/pkg/chunkpoint/observability"
)

// defaultProbe prints the input duration in seconds.
const defaultProbe = `ffprobe -v error -show_entries format=duration -of default=noprint_wrappers=1:nokey=1 "$CHUNK_INPUT"`

func (a *app) newRunCmd(defaults config.Config) *cobra.Command {
	var execLine, probeLine, joinMode string

	cmd := &cobra.Command{
		Use:   "run [input]",
		Short: "Process an input chunk by chunk, resuming from its checkpoint",
		Long: `Run executes --exec once per chunk through sh -c. The chunk is described by
the environment:

  CHUNK_INPUT      input path (local) or s3:// URI
  CHUNK_INDEX      chunk index, from 0
  CHUNK_START      chunk start in seconds
  CHUNK_END        chunk end in seconds
  CHUNK_PLAN_HASH  hash of the chunk plan

The command's stdout is the chunk artifact. Exit status 3 marks the chunk
permanently failed; any other failure is retried up to --max-attempts.

When every chunk is done the artifacts are joined in order into the final
artifact: byte for byte with --join concat, or trimmed and one per line
with --join lines. Rerunning a finished or interrupted job only does missing work.`,
		Example: `  chunkpoint run talk.wav --chunk-seconds 600 \
    --exec 'ffmpeg -v error -ss "$CHUNK_START" -to "$CHUNK_END" -i "$CHUNK_INPUT" -f wav - | whisper-cli -f -'`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			joiner, err := joinerFor(joinMode)
			if err != nil {
				return err
			}
			return a.run(cmd.Context(), cmd.OutOrStdout(), execLine, probeLine, joiner)
		},
	}

	f := cmd.Flags()
	f.StringVar(&execLine, "exec", "", "shell command run for each chunk (required)")
	f.StringVar(&probeLine, "probe", defaultProbe, "shell command printing the input duration in seconds")
	f.StringVar(&joinMode, "join", "concat", "how artifacts form the final artifact: concat or lines")
	a.floatFlag(f, "chunk-seconds", defaults.ChunkSeconds, "chunk length in seconds; 0 processes the input in one chunk")
	a.stringFlag(f, "work-version", defaults.WorkVersion, "version of the chunk command; changing it replans the job")
	a.intFlag(f, "parallelism", defaults.Parallelism, "chunks processed at once")
	a.intFlag(f, "max-attempts", defaults.MaxAttempts, "attempts per chunk before it fails permanently")
	a.durationFlag(f, "lease-ttl", defaults.LeaseTTL, "lifetime of the job lease")
	a.durationFlag(f, "renew-interval", defaults.RenewInterval, "lease renewal interval; 0 renews at a third of the TTL")
	a.durationFlag(f, "snapshot-interval", defaults.SnapshotInterval, "state mirroring interval for s3 inputs; 0 mirrors only at shutdown")
	a.boolFlag(f, "resume", defaults.Resume, "resume from the existing checkpoint")
	a.boolFlag(f, "reset", false, "discard the checkpoint and start over")
	a.boolFlag(f, "drain-enabled", false, "poll EC2 instance metadata for spot interruption notices")
	a.durationFlag(f, "imds-poll-interval", defaults.IMDSPollInterval, "spot notice poll interval; 0 polls every 5s")
	a.durationFlag(f, "drain-reserve", defaults.DrainReserve, "time kept back before the deadline for commit, mirror and release")
	a.durationFlag(f, "drain-grace", defaults.DrainGrace, "deadline given to a signal or a notice without one")
	a.intFlag(f, "max-retries", defaults.MaxRetries, "object store retries per call")
	a.durationFlag(f, "retry-backoff", defaults.RetryBackoff, "initial object store retry backoff")
	a.stringFlag(f, "metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9090")
	a.boolFlag(f, "tracing", false, "emit OpenTelemetry spans")

	return cmd
}

func (a *app) intFlag(fs *pflag.FlagSet, name string, value int, usage string) {
	fs.Int(name, value, usage)
	a.configFlags[name] = true
}

func (a *app) floatFlag(fs *pflag.FlagSet, name string, value float64, usage string) {
	fs.Float64(name, value, usage)
	a.configFlags[name] = true
}

func (a *app) durationFlag(fs *pflag.FlagSet, name string, value time.Duration, usage string) {
	fs.Duration(name, value, usage)
	a.configFlags[name] = true
}

func joinerFor(mode string) (chunkpoint.Joiner, error) {
	switch mode {
	case "concat":
		return chunkpoint.Concat, nil
	case "lines":
		return chunkpoint.JoinLines, nil
	default:
		return nil, fmt.Errorf("unknown --join %q: want concat or lines", mode)
	}
}

func (a *app) run(ctx context.Context, out io.Writer, execLine, probeLine string, joiner chunkpoint.Joiner) error {
	if execLine == "" {
		return errors.New("--exec is required")
	}
	var probe chunkpoint.DurationFunc
	if a.cfg.ChunkSeconds > 0 && probeLine != "" {
		probe = commandProbe(probeLine)
	}

	src, objects, err := a.openSource(ctx, probe)
	if err != nil {
		return err
	}

	opts := []chunkpoint.RunOption{
		chunkpoint.WithLogger(a.logger),
		chunkpoint.WithSignals(),
		chunkpoint.WithJoiner(joiner),
	}
	if objects != nil {
		opts = append(opts, chunkpoint.WithObjectStore(objects))
	}
	if a.cfg.Tracing {
		opts = append(opts, chunkpoint.WithTracing(nil))
	}
	if a.cfg.DrainEnabled {
		opts = append(opts, chunkpoint.WithNoticeSource(drain.NewIMDSNotice(nil)))
	}
	if a.cfg.MetricsAddr != "" {
		metrics, stop, err := a.serveMetrics(a.cfg.MetricsAddr)
		if err != nil {
			return err
		}
		defer stop()
		opts = append(opts, chunkpoint.WithMetrics(metrics))
	}

	runner, err := chunkpoint.NewRunner(a.cfg, execWork(execLine), opts...)
	if err != nil {
		return err
	}
	result, err := runner.Run(ctx, src)
	if result.JobID != "" {
		writeResult(out, result)
	}
	return err
}

// serveMetrics registers the Prometheus recorder and serves /metrics
// until the returned func is called.
func (a *app) serveMetrics(addr string) (observability.MetricsRecorder, func(), error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := observability.NewPrometheusMetrics(reg)
	if err != nil {
		return nil, nil, fmt.Errorf("register metrics: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		a.logger.Info("serving metrics", slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server failed", slog.String("error", err.Error()))
		}
	}()

	return metrics, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}

func writeResult(w io.Writer, r chunkpoint.Result) {
	fmt.Fprintf(w, "job %s token=%d processed=%d adopted=%d failed=%d abandoned=%d\n",
		r.JobID, r.Token, r.Processed, r.Adopted, r.Failed, r.Abandoned)
	if r.Drained {
		fmt.Fprintf(w, "drained: %s\n", r.DrainReason)
	}
	if r.FinalKey != "" {
		fmt.Fprintf(w, "final %s sha256=%s\n", r.FinalKey, r.FinalSHA256)
	}
}
