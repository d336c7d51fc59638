// Package cli provides the command-line interface for chunkpoint.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/randalmurphal/chunkpoint/pkg/chunkpoint"
	"github.com/randalmurphal/chunkpoint/pkg/chunkpoint/config"
	"github.com/randalmurphal/chunkpoint/pkg/chunkpoint/mirror"
)

// Version is set at build time.
var Version = "0.1.0"

// app is the state shared by the subcommands of one invocation.
type app struct {
	configFile string
	cfg        config.Config
	logger     *slog.Logger
	closeLog   func() error

	// configFlags names the flags that overlay config keys.
	configFlags map[string]bool
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	return newRootCmd(&app{configFlags: make(map[string]bool)})
}

func newRootCmd(a *app) *cobra.Command {
	defaults := config.Default()

	rootCmd := &cobra.Command{
		Use:   "chunkpoint",
		Short: "Crash-safe chunked processing with durable checkpoints",
		Long: `Chunkpoint splits a long input into chunks, runs a command on each chunk
and checkpoints every result, so a worker killed at any moment loses at most
the chunk in flight.

Local inputs keep their state next to the input file. S3 inputs mirror the
state and the artifacts to the bucket and take a lease on the job, so another
machine can resume after a spot interruption.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" || cmd.Name() == "help" {
				return nil
			}
			return a.load(cmd, args)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.closeLog != nil {
				_ = a.closeLog()
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&a.configFile, "config", "c", "", "config file path (.yaml, .yml or .json)")

	pf := rootCmd.PersistentFlags()
	a.stringFlag(pf, "source", defaults.Source, "input kind: local or s3")
	a.stringFlag(pf, "bucket", "", "bucket holding the input and the mirrored state (s3)")
	a.stringFlag(pf, "region", defaults.Region, "AWS region (s3)")
	a.stringFlag(pf, "endpoint", "", "S3 endpoint override, e.g. a MinIO URL")
	a.boolFlag(pf, "path-style", false, "use path-style S3 addressing")
	a.stringFlag(pf, "prefix", "", "key prefix of the job namespace (s3)")
	a.stringFlag(pf, "state-dir", "", "local cache directory for remote jobs")
	a.stringFlag(pf, "artifact-ext", defaults.ArtifactExt, "extension of artifact keys")
	a.stringFlag(pf, "log-level", defaults.LogLevel, "log level: debug, info, warn or error")
	a.stringFlag(pf, "log-file", "", "also write JSON logs to this file")

	rootCmd.AddCommand(a.newRunCmd(defaults))
	rootCmd.AddCommand(a.newReportCmd())
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().ExecuteContext(context.Background())
}

func configKey(flag string) string {
	return strings.ReplaceAll(flag, "-", "_")
}

func (a *app) stringFlag(fs *pflag.FlagSet, name, value, usage string) {
	fs.String(name, value, usage)
	a.configFlags[name] = true
}

func (a *app) boolFlag(fs *pflag.FlagSet, name string, value bool, usage string) {
	fs.Bool(name, value, usage)
	a.configFlags[name] = true
}

// load builds the configuration (defaults, file, environment, flags)
// and the process logger. It does not validate: run validates through
// the runner, report needs less than a full configuration.
func (a *app) load(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(a.configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	overrides := make(map[string]any)
	cmd.Flags().Visit(func(f *pflag.Flag) {
		if a.configFlags[f.Name] {
			overrides[configKey(f.Name)] = f.Value.String()
		}
	})
	cfg.Apply(config.NewValues(overrides))
	if len(args) > 0 {
		cfg.Input = args[0]
	}

	level, err := config.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	a.logger, a.closeLog = config.SetupLogger(cfg.LogFile, level)
	slog.SetDefault(a.logger)
	a.cfg = cfg
	return nil
}

// openSource resolves the configured input. Remote inputs also return
// the S3 store that holds their artifacts and state.
func (a *app) openSource(ctx context.Context, probe chunkpoint.DurationFunc) (chunkpoint.Source, mirror.ObjectStore, error) {
	if a.cfg.Source != config.SourceS3 {
		src, err := chunkpoint.NewFileSource(a.cfg.Input, probe)
		return src, nil, err
	}

	client, err := mirror.NewS3Client(ctx, mirror.S3ClientOptions{
		Region:    a.cfg.Region,
		Endpoint:  a.cfg.Endpoint,
		PathStyle: a.cfg.PathStyle,
	})
	if err != nil {
		return nil, nil, err
	}
	objects := mirror.NewS3Store(client, a.cfg.Bucket)
	src, err := chunkpoint.NewObjectSource(objects, a.cfg.Bucket, a.cfg.Input, a.cfg.Prefix, probe)
	if err != nil {
		return nil, nil, err
	}
	return src, objects, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "chunkpoint", Version)
		},
	}
}
