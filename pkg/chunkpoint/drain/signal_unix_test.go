//go:build unix

package drain_test

import (
	"context"
	"fmt"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/chunkpoint/pkg/chunkpoint/drain"
)

func TestWatchSignals(t *testing.T) {
	c := drain.New(drain.Options{})
	stop := c.WatchSignals(context.Background(), syscall.SIGUSR1)
	defer stop()

	require.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGUSR1))

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("signal did not trigger drain")
	}
	n, ok := c.Notice()
	require.True(t, ok)
	assert.Equal(t, fmt.Sprintf("signal_%d", int(syscall.SIGUSR1)), n.Reason)
}
