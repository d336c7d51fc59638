package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/chunkpoint/pkg/chunkpoint"
	ckerrors "github.com/randalmurphal/chunkpoint/pkg/chunkpoint/errors"
	"github.com/randalmurphal/chunkpoint/pkg/chunkpoint/plan"
	"github.com/randalmurphal/chunkpoint/pkg/chunkpoint/query"
)

func writeInput(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "talk.wav")
	require.NoError(t, os.WriteFile(path, []byte("audio"), 0o644))
	return path
}

func TestExecWork(t *testing.T) {
	input := writeInput(t)
	src, err := chunkpoint.NewFileSource(input, nil)
	require.NoError(t, err)

	work := execWork(`printf 'chunk %s %s-%s %s' "$CHUNK_INDEX" "$CHUNK_START" "$CHUNK_END" "$CHUNK_INPUT"`)
	out, err := work(context.Background(), plan.Spec{Index: 2, Start: 20, End: 25.5, PlanHash: "abc"}, src)
	require.NoError(t, err)
	assert.Equal(t, "chunk 2 20-25.5 "+input, string(out))
}

func TestExecWork_Failures(t *testing.T) {
	src, err := chunkpoint.NewFileSource(writeInput(t), nil)
	require.NoError(t, err)
	spec := plan.Spec{Index: 0, End: 10}

	_, err = execWork(`echo boom >&2; exit 1`)(context.Background(), spec, src)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.False(t, ckerrors.IsPermanent(err))

	_, err = execWork(`exit 3`)(context.Background(), spec, src)
	require.Error(t, err)
	assert.True(t, ckerrors.IsPermanent(err))
}

func TestExecWork_Cancelled(t *testing.T) {
	src, err := chunkpoint.NewFileSource(writeInput(t), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = execWork(`sleep 5`)(ctx, plan.Spec{}, src)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCommandProbe(t *testing.T) {
	d, err := commandProbe(`echo 12.5`)(context.Background(), "in.wav")
	require.NoError(t, err)
	assert.Equal(t, 12.5, d)

	d, err = commandProbe(`test "$CHUNK_INPUT" = in.wav && echo 3`)(context.Background(), "in.wav")
	require.NoError(t, err)
	assert.Equal(t, 3.0, d)

	_, err = commandProbe(`echo N/A`)(context.Background(), "in.wav")
	assert.Error(t, err)
}

func TestFlagsOverrideConfigFile(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "chunkpoint.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("prefix: from-file\nregion: eu-west-1\nlog_level: error\n"), 0o644))

	a := &app{configFlags: make(map[string]bool)}
	root := newRootCmd(a)
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"report", "in.wav", "-c", cfgPath, "--prefix", "from-flag",
		"--store", filepath.Join(t.TempDir(), "missing.sqlite")})

	err := root.ExecuteContext(context.Background())
	require.Error(t, err, "the store does not exist")

	assert.Equal(t, "in.wav", a.cfg.Input)
	assert.Equal(t, "from-flag", a.cfg.Prefix)
	assert.Equal(t, "eu-west-1", a.cfg.Region)
}

func TestRunThenReport(t *testing.T) {
	input := writeInput(t)

	var out bytes.Buffer
	root := NewRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"run", input,
		"--chunk-seconds", "10",
		"--probe", "echo 25",
		"--exec", `printf 'text %s' "$CHUNK_INDEX"`,
		"--join", "lines",
		"--log-level", "error",
	})
	require.NoError(t, root.ExecuteContext(context.Background()))
	assert.Contains(t, out.String(), "processed=3")

	final, err := os.ReadFile(filepath.Join(filepath.Dir(input), ".chunkpoint", "talk", "final.txt"))
	require.NoError(t, err)
	assert.Equal(t, "text 0\ntext 1\ntext 2", string(final))

	out.Reset()
	root = NewRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"report", input, "--json", "--log-level", "error"})
	require.NoError(t, root.ExecuteContext(context.Background()))

	var report query.Report
	require.NoError(t, json.Unmarshal(out.Bytes(), &report))
	require.Len(t, report.Jobs, 1)
	assert.Equal(t, chunkpoint.JobID("talk"), report.Jobs[0].ID)
	require.Len(t, report.Jobs[0].Files, 1)
	assert.Equal(t, "done", report.Jobs[0].Files[0].Status)
	assert.Equal(t, 3, report.Jobs[0].Files[0].DoneChunks)
}

func TestRun_RequiresExec(t *testing.T) {
	root := NewRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"run", writeInput(t), "--log-level", "error"})
	assert.ErrorContains(t, root.ExecuteContext(context.Background()), "--exec is required")
}

func TestRun_JoinModes(t *testing.T) {
	input := writeInput(t)

	root := NewRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"run", input,
		"--chunk-seconds", "10",
		"--probe", "echo 25",
		"--exec", `printf 'text %s ' "$CHUNK_INDEX"`,
		"--log-level", "error",
	})
	require.NoError(t, root.ExecuteContext(context.Background()))

	final, err := os.ReadFile(filepath.Join(filepath.Dir(input), ".chunkpoint", "talk", "final.txt"))
	require.NoError(t, err)
	assert.Equal(t, "text 0 text 1 text 2 ", string(final), "concat keeps every byte")

	root = NewRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"run", input, "--exec", "true", "--join", "csv", "--log-level", "error"})
	assert.ErrorContains(t, root.ExecuteContext(context.Background()), `unknown --join "csv"`)
}
