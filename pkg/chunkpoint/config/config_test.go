package config_test

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/chunkpoint/pkg/chunkpoint/config"
	"github.com/randalmurphal/chunkpoint/pkg/chunkpoint/plan"
)

func TestValues_Duration(t *testing.T) {
	tests := []struct {
		name string
		data map[string]any
		want time.Duration
	}{
		{"duration string", map[string]any{"d": "90s"}, 90 * time.Second},
		{"numeric string is seconds", map[string]any{"d": "2.5"}, 2500 * time.Millisecond},
		{"int seconds", map[string]any{"d": 10}, 10 * time.Second},
		{"float seconds", map[string]any{"d": 0.5}, 500 * time.Millisecond},
		{"duration", map[string]any{"d": time.Minute}, time.Minute},
		{"invalid string", map[string]any{"d": "soon"}, time.Hour},
		{"missing", nil, time.Hour},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, config.NewValues(tt.data).Duration("d", time.Hour))
		})
	}
}

func TestValues_Scalars(t *testing.T) {
	v := config.NewValues(map[string]any{
		"yes":      "yes",
		"zero":     "0",
		"bogus":    "maybe",
		"int":      "42",
		"whole":    float64(3),
		"fraction": 3.5,
		"float":    "1.25",
		"name":     123,
	})

	assert.True(t, v.Bool("yes", false))
	assert.False(t, v.Bool("zero", true))
	assert.True(t, v.Bool("bogus", true))
	assert.Equal(t, 42, v.Int("int", 0))
	assert.Equal(t, 3, v.Int("whole", 0))
	assert.Equal(t, 7, v.Int("fraction", 7))
	assert.Equal(t, 1.25, v.Float("float", 0))
	assert.Equal(t, "default", v.String("name", "default"))
	assert.True(t, v.Has("name"))
	assert.False(t, v.Has("missing"))
}

func TestValues_StringMap(t *testing.T) {
	fromYAML := config.NewValues(map[string]any{"m": map[string]any{"language": "en"}})
	assert.Equal(t, map[string]string{"language": "en"}, fromYAML.StringMap("m", nil))

	fromEnv := config.NewValues(map[string]any{"m": "language=en, model=small"})
	assert.Equal(t, map[string]string{"language": "en", "model": "small"}, fromEnv.StringMap("m", nil))

	bad := config.NewValues(map[string]any{"m": map[string]any{"n": 1}})
	assert.Nil(t, bad.StringMap("m", nil))
}

func TestFromFile(t *testing.T) {
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "job.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(`
source: s3
bucket: media
input: videos/talk.mp4
chunk_seconds: 600
lease_ttl: 2m
plan_extra:
  model: small
`), 0o644))

	jsonPath := filepath.Join(dir, "job.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"parallelism": 4, "drain_enabled": true}`), 0o644))

	v, err := config.FromFile(yamlPath)
	require.NoError(t, err)
	cfg := config.Default()
	cfg.Apply(v)
	assert.Equal(t, config.SourceS3, cfg.Source)
	assert.Equal(t, "media", cfg.Bucket)
	assert.Equal(t, 600.0, cfg.ChunkSeconds)
	assert.Equal(t, 2*time.Minute, cfg.LeaseTTL)
	assert.Equal(t, map[string]string{"model": "small"}, cfg.PlanExtra)
	assert.Equal(t, 3, cfg.MaxAttempts, "unset keys keep defaults")

	v, err = config.FromFile(jsonPath)
	require.NoError(t, err)
	cfg.Apply(v)
	assert.Equal(t, 4, cfg.Parallelism)
	assert.True(t, cfg.DrainEnabled)
	assert.Equal(t, "media", cfg.Bucket)

	_, err = config.FromFile(filepath.Join(dir, "job.toml"))
	assert.Error(t, err)
	_, err = config.FromFile(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestFromFile_Keys(t *testing.T) {
	dir := t.TempDir()

	dashed := filepath.Join(dir, "dashed.yaml")
	require.NoError(t, os.WriteFile(dashed, []byte("chunk-seconds: 30\nMax_Attempts: 2\n"), 0o644))
	v, err := config.FromFile(dashed)
	require.NoError(t, err)
	cfg := config.Default()
	cfg.Apply(v)
	assert.Equal(t, 30.0, cfg.ChunkSeconds)
	assert.Equal(t, 2, cfg.MaxAttempts)

	typo := filepath.Join(dir, "typo.json")
	require.NoError(t, os.WriteFile(typo, []byte(`{"chunk_second": 30, "bucket": "media", "paralelism": 2}`), 0o644))
	_, err = config.FromFile(typo)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown keys chunk_second, paralelism")
}

func TestEnvValues(t *testing.T) {
	v := config.EnvValues([]string{
		"CHUNKPOINT_CHUNK_SECONDS=30",
		"CHUNKPOINT_RESUME=false",
		"CHUNKPOINT_IMDS_POLL_INTERVAL=5",
		"CHUNKPOINT_EMPTY=",
		"AWS_REGION=eu-west-1",
		"HOME=/root",
	})
	cfg := config.Default()
	cfg.Apply(v)

	assert.Equal(t, 30.0, cfg.ChunkSeconds)
	assert.False(t, cfg.Resume)
	assert.Equal(t, 5*time.Second, cfg.IMDSPollInterval)
	assert.Equal(t, "eu-west-1", cfg.Region)
	assert.False(t, v.Has("empty"))
	assert.False(t, v.Has("home"))

	unknown := config.EnvValues([]string{"CHUNKPOINT_NOT_A_SETTING=1"})
	assert.False(t, unknown.Has("not_a_setting"))

	explicit := config.EnvValues([]string{"AWS_REGION=eu-west-1", "CHUNKPOINT_REGION=ap-south-1"})
	assert.Equal(t, "ap-south-1", explicit.String("region", ""))
}

func TestLoad_Precedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "job.yaml")
	require.NoError(t, os.WriteFile(path, []byte("input: from-file.wav\nmax_attempts: 5\n"), 0o644))
	t.Setenv("CHUNKPOINT_MAX_ATTEMPTS", "7")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-file.wav", cfg.Input)
	assert.Equal(t, 7, cfg.MaxAttempts)
	require.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	valid := func() config.Config {
		cfg := config.Default()
		cfg.Input = "in.wav"
		return cfg
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"unknown source", func(c *config.Config) { c.Source = "ftp" }, "invalid source"},
		{"s3 without bucket", func(c *config.Config) { c.Source = config.SourceS3 }, "bucket is required"},
		{"missing input", func(c *config.Config) { c.Input = "" }, "input is required"},
		{"negative chunk", func(c *config.Config) { c.ChunkSeconds = -1 }, "chunk_seconds"},
		{"no attempts", func(c *config.Config) { c.MaxAttempts = 0 }, "max_attempts"},
		{"no parallelism", func(c *config.Config) { c.Parallelism = 0 }, "parallelism"},
		{"renew after expiry", func(c *config.Config) { c.RenewInterval = c.LeaseTTL }, "renew_interval"},
		{"negative poll", func(c *config.Config) { c.IMDSPollInterval = -time.Second }, "imds_poll_interval"},
		{"negative retries", func(c *config.Config) { c.MaxRetries = -1 }, "max_retries"},
		{"bad level", func(c *config.Config) { c.LogLevel = "loud" }, "log_level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestPlanParams_IgnoresOperationalSettings(t *testing.T) {
	a := config.Default()
	a.ChunkSeconds = 60
	b := a
	b.Parallelism = 8
	b.LeaseTTL = time.Hour
	b.LogLevel = "debug"

	assert.Equal(t, plan.Hash(a.PlanParams(), 120), plan.Hash(b.PlanParams(), 120))
	assert.NotEqual(t, a.Hash(), b.Hash())

	b.WorkVersion = "v2"
	assert.NotEqual(t, plan.Hash(a.PlanParams(), 120), plan.Hash(b.PlanParams(), 120))
}

func TestRetryConfig(t *testing.T) {
	cfg := config.Default()
	cfg.MaxRetries = 2
	cfg.RetryBackoff = time.Second
	rc := cfg.RetryConfig()
	assert.Equal(t, 3, rc.MaxAttempts)
	assert.Equal(t, time.Second, rc.InitialBackoff)
}

func TestSetupLoggerWithWriters(t *testing.T) {
	var stderr, file bytes.Buffer
	logger := config.SetupLoggerWithWriters(&stderr, &file, mustLevel(t, "warn"))

	logger.Info("hidden")
	logger.Warn("lease stolen", "token", 2)

	assert.NotContains(t, stderr.String(), "hidden")
	assert.Contains(t, stderr.String(), "lease stolen")
	assert.Contains(t, file.String(), `"msg":"lease stolen"`)
	assert.Contains(t, file.String(), `"token":2`)
}

func TestSetupLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chunkpoint.log")
	logger, cleanup := config.SetupLogger(path, mustLevel(t, "info"))
	logger.Info("started")
	require.NoError(t, cleanup())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"started"`)

	stderrOnly, cleanup := config.SetupLogger("", mustLevel(t, "info"))
	assert.NotNil(t, stderrOnly)
	assert.NoError(t, cleanup())
}

func mustLevel(t *testing.T, s string) slog.Level {
	t.Helper()
	l, err := config.ParseLevel(s)
	require.NoError(t, err)
	return l
}
