package drain_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/chunkpoint/pkg/chunkpoint/drain"
)

func TestTrigger_FirstNoticeWins(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := drain.New(drain.Options{Grace: time.Minute, Now: func() time.Time { return now }})

	assert.False(t, c.Draining())
	_, ok := c.Notice()
	assert.False(t, ok)

	assert.True(t, c.Trigger(drain.Notice{Reason: "signal_terminated"}))
	assert.False(t, c.Trigger(drain.Notice{Reason: "spot_terminate"}))

	assert.True(t, c.Draining())
	select {
	case <-c.Done():
	default:
		t.Fatal("Done not closed")
	}

	n, ok := c.Notice()
	require.True(t, ok)
	assert.Equal(t, "signal_terminated", n.Reason)
	assert.Equal(t, now, n.At)
	assert.Equal(t, now.Add(time.Minute), n.Deadline)
}

func TestChunkContext_AbortsWhenWorkDoesNotFit(t *testing.T) {
	c := drain.New(drain.Options{Reserve: 5 * time.Second})
	ctx, done := c.ChunkContext(context.Background(), time.Hour)
	defer done()

	c.Trigger(drain.Notice{Reason: "spot_terminate", Deadline: time.Now().Add(30 * time.Second)})

	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("chunk context not cancelled")
	}
	assert.True(t, drain.Aborted(ctx))
	assert.ErrorIs(t, context.Cause(ctx), drain.ErrDrainAbort)
}

func TestChunkContext_FinishesWhenWorkFits(t *testing.T) {
	c := drain.New(drain.Options{Reserve: time.Second})
	ctx, done := c.ChunkContext(context.Background(), 50*time.Millisecond)

	c.Trigger(drain.Notice{Reason: "spot_terminate", Deadline: time.Now().Add(time.Minute)})
	time.Sleep(20 * time.Millisecond)
	assert.NoError(t, ctx.Err())

	done()
	assert.False(t, drain.Aborted(ctx))
}

func TestChunkContext_AbortsAtCutoff(t *testing.T) {
	c := drain.New(drain.Options{Reserve: time.Second})
	// Unknown duration: the chunk runs until deadline minus reserve.
	ctx, done := c.ChunkContext(context.Background(), 0)
	defer done()

	c.Trigger(drain.Notice{Reason: "signal_interrupt", Deadline: time.Now().Add(time.Second + 100*time.Millisecond)})
	time.Sleep(20 * time.Millisecond)
	assert.NoError(t, ctx.Err())

	require.Eventually(t, func() bool { return drain.Aborted(ctx) }, 2*time.Second, 10*time.Millisecond)
}

func TestChunkContext_DeadlineAlreadyInsideReserve(t *testing.T) {
	c := drain.New(drain.Options{Reserve: time.Minute})
	c.Trigger(drain.Notice{Reason: "spot_terminate", Deadline: time.Now().Add(10 * time.Second)})

	ctx, done := c.ChunkContext(context.Background(), time.Millisecond)
	defer done()
	require.Eventually(t, func() bool { return drain.Aborted(ctx) }, time.Second, 5*time.Millisecond)
}

func TestChunkContext_ParentCancel(t *testing.T) {
	c := drain.New(drain.Options{})
	parent, cancel := context.WithCancel(context.Background())
	ctx, done := c.ChunkContext(parent, time.Second)
	defer done()

	cancel()
	<-ctx.Done()
	assert.False(t, drain.Aborted(ctx))
}

func TestShutdown_Order(t *testing.T) {
	var (
		mu    sync.Mutex
		order []string
	)
	step := func(name string, err error) func(context.Context) error {
		return func(context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
			return err
		}
	}

	t.Run("all steps", func(t *testing.T) {
		order = nil
		c := drain.New(drain.Options{})
		c.Trigger(drain.Notice{Reason: "signal_terminated"})
		err := c.Shutdown(context.Background(), drain.Steps{
			Commit:     step("commit", nil),
			Checkpoint: step("checkpoint", nil),
			Mirror:     step("mirror", nil),
			Release:    step("release", nil),
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"commit", "checkpoint", "mirror", "release"}, order)
	})

	t.Run("mirror failure keeps the lease", func(t *testing.T) {
		order = nil
		boom := errors.New("bucket unreachable")
		c := drain.New(drain.Options{})
		err := c.Shutdown(context.Background(), drain.Steps{
			Commit:     step("commit", nil),
			Checkpoint: step("checkpoint", nil),
			Mirror:     step("mirror", boom),
			Release:    step("release", nil),
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, boom)

		var stepErr *drain.StepError
		require.ErrorAs(t, err, &stepErr)
		assert.Equal(t, "mirror", stepErr.Step)
		assert.Equal(t, []string{"commit", "checkpoint", "mirror"}, order)
	})

	t.Run("nil steps skipped", func(t *testing.T) {
		order = nil
		c := drain.New(drain.Options{})
		require.NoError(t, c.Shutdown(context.Background(), drain.Steps{Release: step("release", nil)}))
		assert.Equal(t, []string{"release"}, order)
	})
}

type scriptedSource struct {
	calls  atomic.Int32
	notice int32
	fail   bool
}

func (s *scriptedSource) Poll(context.Context) (drain.Notice, bool, error) {
	n := s.calls.Add(1)
	if s.fail && n == 1 {
		return drain.Notice{}, false, errors.New("metadata service timeout")
	}
	if n >= s.notice {
		return drain.Notice{Reason: "spot_terminate", Deadline: time.Now().Add(2 * time.Minute)}, true, nil
	}
	return drain.Notice{}, false, nil
}

func TestWatch(t *testing.T) {
	src := &scriptedSource{notice: 3, fail: true}
	c := drain.New(drain.Options{})

	c.Watch(context.Background(), src, time.Millisecond)

	assert.True(t, c.Draining())
	assert.Equal(t, int32(3), src.calls.Load())
	n, _ := c.Notice()
	assert.Equal(t, "spot_terminate", n.Reason)
}

func TestWatch_StopsOnContext(t *testing.T) {
	src := &scriptedSource{notice: 1 << 30}
	c := drain.New(drain.Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	c.Watch(ctx, src, 5*time.Millisecond)
	assert.False(t, c.Draining())
}

type fakeIMDS struct {
	body string
	err  error
	path string
}

func (f *fakeIMDS) GetMetadata(_ context.Context, in *imds.GetMetadataInput, _ ...func(*imds.Options)) (*imds.GetMetadataOutput, error) {
	f.path = in.Path
	if f.err != nil {
		return nil, f.err
	}
	return &imds.GetMetadataOutput{Content: io.NopCloser(strings.NewReader(f.body))}, nil
}

func statusError(code int) error {
	return &smithyhttp.ResponseError{
		Response: &smithyhttp.Response{Response: &http.Response{StatusCode: code}},
		Err:      errors.New("request to EC2 IMDS failed"),
	}
}

func TestIMDSNotice(t *testing.T) {
	ctx := context.Background()

	t.Run("no interruption scheduled", func(t *testing.T) {
		client := &fakeIMDS{err: statusError(http.StatusNotFound)}
		_, ok, err := drain.NewIMDSNotice(client).Poll(ctx)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, "spot/instance-action", client.path)
	})

	t.Run("interruption scheduled", func(t *testing.T) {
		client := &fakeIMDS{body: `{"action": "terminate", "time": "2026-03-01T12:02:00Z"}`}
		n, ok, err := drain.NewIMDSNotice(client).Poll(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "spot_terminate", n.Reason)
		assert.Equal(t, time.Date(2026, 3, 1, 12, 2, 0, 0, time.UTC), n.Deadline.UTC())
	})

	t.Run("service error", func(t *testing.T) {
		client := &fakeIMDS{err: statusError(http.StatusInternalServerError)}
		_, ok, err := drain.NewIMDSNotice(client).Poll(ctx)
		assert.Error(t, err)
		assert.False(t, ok)
	})

	t.Run("malformed document", func(t *testing.T) {
		client := &fakeIMDS{body: `not json`}
		_, _, err := drain.NewIMDSNotice(client).Poll(ctx)
		assert.Error(t, err)
	})
}
