package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	ckerrors "github.com/randalmurphal/chunkpoint/pkg/chunkpoint/errors"
	"github.com/randalmurphal/chunkpoint/pkg/chunkpoint/plan"
)

// Source kinds.
const (
	SourceLocal = "local"
	SourceS3    = "s3"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "CHUNKPOINT_"

// Config is the validated configuration of one job run.
type Config struct {
	// Source is "local" (a file on disk) or "s3" (an object in Bucket).
	Source string `json:"source"`

	// Input is the local path or object key of the source.
	Input string `json:"input"`

	Bucket    string `json:"bucket,omitempty"`
	Region    string `json:"region,omitempty"`
	Endpoint  string `json:"endpoint,omitempty"`
	PathStyle bool   `json:"path_style,omitempty"`

	// Prefix is prepended to every remote key this job writes.
	Prefix string `json:"prefix,omitempty"`

	// StateDir caches the local store of remote jobs.
	StateDir string `json:"state_dir,omitempty"`

	// ArtifactExt is the extension of chunk and final artifacts.
	ArtifactExt string `json:"artifact_ext"`

	// ChunkSeconds is the chunk length. Zero processes the source in one chunk.
	ChunkSeconds float64 `json:"chunk_seconds"`

	// WorkVersion identifies the work function's behavior.
	WorkVersion string `json:"work_version"`

	// PlanExtra holds further settings that change chunk output.
	PlanExtra map[string]string `json:"plan_extra,omitempty"`

	Parallelism int `json:"parallelism"`

	// MaxAttempts is the attempt budget per chunk before permanent_failed.
	MaxAttempts int `json:"max_attempts"`

	LeaseTTL         time.Duration `json:"lease_ttl"`
	RenewInterval    time.Duration `json:"renew_interval"`
	SnapshotInterval time.Duration `json:"snapshot_interval"`

	// Resume reuses existing checkpoint state. Reset discards it first.
	Resume bool `json:"resume"`
	Reset  bool `json:"reset"`

	DrainEnabled     bool          `json:"drain_enabled"`
	IMDSPollInterval time.Duration `json:"imds_poll_interval"`
	DrainReserve     time.Duration `json:"drain_reserve"`
	DrainGrace       time.Duration `json:"drain_grace"`

	MaxRetries   int           `json:"max_retries"`
	RetryBackoff time.Duration `json:"retry_backoff"`

	LogLevel    string `json:"log_level"`
	LogFile     string `json:"log_file,omitempty"`
	MetricsAddr string `json:"metrics_addr,omitempty"`
	Tracing     bool   `json:"tracing"`
}

// Default returns the configuration before any file, environment or flag.
func Default() Config {
	return Config{
		Source:           SourceLocal,
		Region:           "us-east-1",
		ArtifactExt:      ".txt",
		WorkVersion:      "v1",
		Parallelism:      1,
		MaxAttempts:      3,
		LeaseTTL:         60 * time.Second,
		SnapshotInterval: 30 * time.Second,
		Resume:           true,
		DrainReserve:     30 * time.Second,
		DrainGrace:       30 * time.Second,
		MaxRetries:       3,
		RetryBackoff:     200 * time.Millisecond,
		LogLevel:         "info",
	}
}

// Apply overlays the keys set in v onto c.
func (c *Config) Apply(v Values) {
	c.Source = v.String("source", c.Source)
	c.Input = v.String("input", c.Input)
	c.Bucket = v.String("bucket", c.Bucket)
	c.Region = v.String("region", c.Region)
	c.Endpoint = v.String("endpoint", c.Endpoint)
	c.PathStyle = v.Bool("path_style", c.PathStyle)
	c.Prefix = v.String("prefix", c.Prefix)
	c.StateDir = v.String("state_dir", c.StateDir)
	c.ArtifactExt = v.String("artifact_ext", c.ArtifactExt)
	c.ChunkSeconds = v.Float("chunk_seconds", c.ChunkSeconds)
	c.WorkVersion = v.String("work_version", c.WorkVersion)
	c.PlanExtra = v.StringMap("plan_extra", c.PlanExtra)
	c.Parallelism = v.Int("parallelism", c.Parallelism)
	c.MaxAttempts = v.Int("max_attempts", c.MaxAttempts)
	c.LeaseTTL = v.Duration("lease_ttl", c.LeaseTTL)
	c.RenewInterval = v.Duration("renew_interval", c.RenewInterval)
	c.SnapshotInterval = v.Duration("snapshot_interval", c.SnapshotInterval)
	c.Resume = v.Bool("resume", c.Resume)
	c.Reset = v.Bool("reset", c.Reset)
	c.DrainEnabled = v.Bool("drain_enabled", c.DrainEnabled)
	c.IMDSPollInterval = v.Duration("imds_poll_interval", c.IMDSPollInterval)
	c.DrainReserve = v.Duration("drain_reserve", c.DrainReserve)
	c.DrainGrace = v.Duration("drain_grace", c.DrainGrace)
	c.MaxRetries = v.Int("max_retries", c.MaxRetries)
	c.RetryBackoff = v.Duration("retry_backoff", c.RetryBackoff)
	c.LogLevel = v.String("log_level", c.LogLevel)
	c.LogFile = v.String("log_file", c.LogFile)
	c.MetricsAddr = v.String("metrics_addr", c.MetricsAddr)
	c.Tracing = v.Bool("tracing", c.Tracing)
}

// Validate checks the configuration for coherence.
func (c Config) Validate() error {
	var errs []error
	switch c.Source {
	case SourceLocal:
	case SourceS3:
		if c.Bucket == "" {
			errs = append(errs, errors.New("bucket is required when source is s3"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid source %q: must be %q or %q", c.Source, SourceLocal, SourceS3))
	}
	if c.Input == "" {
		errs = append(errs, errors.New("input is required"))
	}
	if c.ChunkSeconds < 0 {
		errs = append(errs, errors.New("chunk_seconds must be >= 0"))
	}
	if c.WorkVersion == "" {
		errs = append(errs, errors.New("work_version is required"))
	}
	if c.Parallelism < 1 {
		errs = append(errs, errors.New("parallelism must be >= 1"))
	}
	if c.MaxAttempts < 1 {
		errs = append(errs, errors.New("max_attempts must be >= 1"))
	}
	if c.LeaseTTL <= 0 {
		errs = append(errs, errors.New("lease_ttl must be > 0"))
	}
	if c.RenewInterval < 0 || (c.RenewInterval > 0 && c.RenewInterval >= c.LeaseTTL) {
		errs = append(errs, errors.New("renew_interval must be >= 0 and shorter than lease_ttl"))
	}
	if c.SnapshotInterval < 0 {
		errs = append(errs, errors.New("snapshot_interval must be >= 0"))
	}
	if c.IMDSPollInterval < 0 {
		errs = append(errs, errors.New("imds_poll_interval must be >= 0"))
	}
	if c.DrainReserve < 0 || c.DrainGrace < 0 {
		errs = append(errs, errors.New("drain_reserve and drain_grace must be >= 0"))
	}
	if c.MaxRetries < 0 {
		errs = append(errs, errors.New("max_retries must be >= 0"))
	}
	if c.RetryBackoff < 0 {
		errs = append(errs, errors.New("retry_backoff must be >= 0"))
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// PlanParams returns exactly the settings that feed the plan hash.
func (c Config) PlanParams() plan.Params {
	return plan.Params{ChunkSeconds: c.ChunkSeconds, WorkVersion: c.WorkVersion, Extra: c.PlanExtra}
}

// RetryConfig returns the object store retry policy.
func (c Config) RetryConfig() ckerrors.RetryConfig {
	return ckerrors.NewRetryConfig(
		ckerrors.WithMaxAttempts(c.MaxRetries+1),
		ckerrors.WithInitialBackoff(c.RetryBackoff),
	)
}

// JSON returns the canonical JSON snapshot stored on the job row.
func (c Config) JSON() string {
	data, err := json.Marshal(c)
	if err != nil {
		// Config holds only strings, numbers, bools and a string map.
		panic(fmt.Sprintf("config: marshal: %v", err))
	}
	return string(data)
}

// Hash returns the sha256 of JSON.
func (c Config) Hash() string {
	sum := sha256.Sum256([]byte(c.JSON()))
	return hex.EncodeToString(sum[:])
}

// ParseLevel parses a log level name.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "", "INFO":
		return slog.LevelInfo, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log_level %q", s)
	}
}
