package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/randalmurphal/chunkpoint/pkg/chunkpoint"
	ckerrors "github.com/randalmurphal/chunkpoint/pkg/chunkpoint/errors"
	"github.com/randalmurphal/chunkpoint/pkg/chunkpoint/plan"
)

// exitPermanent is the exit status a chunk command uses to report that
// retrying can't help.
const exitPermanent = 3

// stderrLimit caps how much of a failed command's stderr goes into the
// chunk error.
const stderrLimit = 2048

// inputOf is what a command is told to read: the path of a local input,
// the URI of anything else.
func inputOf(src chunkpoint.Source) string {
	if fs, ok := src.(*chunkpoint.FileSource); ok {
		return fs.Path()
	}
	return src.URI()
}

// shell runs line through sh -c with extra environment and returns its
// stdout.
func shell(ctx context.Context, line string, env []string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", line)
	cmd.Env = append(os.Environ(), env...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() != nil {
		return nil, context.Cause(ctx)
	}
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > stderrLimit {
			msg = msg[len(msg)-stderrLimit:]
		}
		if msg != "" {
			err = fmt.Errorf("%w: %s", err, msg)
		}
		return nil, err
	}
	return stdout.Bytes(), nil
}

// execWork runs line once per chunk. Exit status 3 is a permanent
// failure.
func execWork(line string) chunkpoint.WorkFunc {
	return func(ctx context.Context, chunk plan.Spec, src chunkpoint.Source) ([]byte, error) {
		out, err := shell(ctx, line, []string{
			"CHUNK_INPUT=" + inputOf(src),
			"CHUNK_INDEX=" + strconv.Itoa(chunk.Index),
			"CHUNK_START=" + strconv.FormatFloat(chunk.Start, 'f', -1, 64),
			"CHUNK_END=" + strconv.FormatFloat(chunk.End, 'f', -1, 64),
			"CHUNK_PLAN_HASH=" + chunk.PlanHash,
		})
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == exitPermanent {
			return nil, ckerrors.Permanent(err, fmt.Sprintf("chunk %d", chunk.Index))
		}
		return out, err
	}
}

// commandProbe runs line with CHUNK_INPUT set and parses its output as
// seconds.
func commandProbe(line string) chunkpoint.DurationFunc {
	return func(ctx context.Context, input string) (float64, error) {
		out, err := shell(ctx, line, []string{"CHUNK_INPUT=" + input})
		if err != nil {
			return 0, fmt.Errorf("probe: %w", err)
		}
		d, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
		if err != nil {
			return 0, fmt.Errorf("probe output %q: %w", strings.TrimSpace(string(out)), err)
		}
		return d, nil
	}
}
