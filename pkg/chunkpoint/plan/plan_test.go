package plan_test

import (
	"errors"
	"testing"

	"github.com/randalmurphal/chunkpoint/pkg/chunkpoint/plan"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_SplitsIntoChunks(t *testing.T) {
	p, err := plan.New(plan.Params{ChunkSeconds: 60, WorkVersion: "v1"}, 150)
	require.NoError(t, err)

	require.Len(t, p.Chunks, 3)
	assert.Equal(t, plan.Spec{Index: 0, Start: 0, End: 60, PlanHash: p.Hash}, p.Chunks[0])
	assert.Equal(t, plan.Spec{Index: 1, Start: 60, End: 120, PlanHash: p.Hash}, p.Chunks[1])
	assert.Equal(t, plan.Spec{Index: 2, Start: 120, End: 150, PlanHash: p.Hash}, p.Chunks[2])
	assert.InDelta(t, 30.0, p.Chunks[2].Length(), 1e-9)
}

func TestNew_ExactMultiple(t *testing.T) {
	p, err := plan.New(plan.Params{ChunkSeconds: 30}, 90)
	require.NoError(t, err)
	require.Len(t, p.Chunks, 3)
	assert.Equal(t, 90.0, p.Chunks[2].End)
}

func TestNew_SingleChunk(t *testing.T) {
	tests := []struct {
		name     string
		seconds  float64
		duration float64
	}{
		{"zero chunk length", 0, 500},
		{"shorter than one chunk", 600, 500},
		{"zero duration", 60, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := plan.New(plan.Params{ChunkSeconds: tt.seconds}, tt.duration)
			require.NoError(t, err)
			require.Len(t, p.Chunks, 1)
			assert.Equal(t, 0.0, p.Chunks[0].Start)
			assert.Equal(t, tt.duration, p.Chunks[0].End)
		})
	}
}

func TestNew_RejectsInvalidInput(t *testing.T) {
	_, err := plan.New(plan.Params{ChunkSeconds: -1}, 10)
	assert.Error(t, err)

	_, err = plan.New(plan.Params{ChunkSeconds: 10}, -5)
	assert.Error(t, err)
}

func TestNew_Deterministic(t *testing.T) {
	params := plan.Params{ChunkSeconds: 45, WorkVersion: "v2", Extra: map[string]string{"lang": "en", "model": "small"}}

	a, err := plan.New(params, 1000)
	require.NoError(t, err)
	b, err := plan.New(plan.Params{ChunkSeconds: 45, WorkVersion: "v2", Extra: map[string]string{"model": "small", "lang": "en"}}, 1000)
	require.NoError(t, err)

	assert.Equal(t, a, b)
}

func TestHash_ChangesWithParams(t *testing.T) {
	base := plan.Hash(plan.Params{ChunkSeconds: 60, WorkVersion: "v1"}, 300)

	assert.NotEqual(t, base, plan.Hash(plan.Params{ChunkSeconds: 30, WorkVersion: "v1"}, 300))
	assert.NotEqual(t, base, plan.Hash(plan.Params{ChunkSeconds: 60, WorkVersion: "v2"}, 300))
	assert.NotEqual(t, base, plan.Hash(plan.Params{ChunkSeconds: 60, WorkVersion: "v1"}, 301))
	assert.NotEqual(t, base, plan.Hash(plan.Params{ChunkSeconds: 60, WorkVersion: "v1", Extra: map[string]string{"k": "v"}}, 300))
	assert.Len(t, base, 64)
	assert.Equal(t, base[:12], plan.ShortHash(base))
}

func TestTransitions(t *testing.T) {
	allowed := []struct{ from, to plan.Status }{
		{plan.StatusPending, plan.StatusLeased},
		{plan.StatusLeased, plan.StatusRunning},
		{plan.StatusLeased, plan.StatusAbandoned},
		{plan.StatusRunning, plan.StatusDone},
		{plan.StatusRunning, plan.StatusRetryableFailed},
		{plan.StatusRunning, plan.StatusPermanentFailed},
		{plan.StatusRunning, plan.StatusAbandoned},
		{plan.StatusRetryableFailed, plan.StatusPending},
		{plan.StatusAbandoned, plan.StatusPending},
		{plan.StatusDone, plan.StatusCorrupt},
		{plan.StatusCorrupt, plan.StatusPending},
		{plan.StatusPending, plan.StatusDone},
	}
	for _, tr := range allowed {
		assert.NoError(t, plan.CheckTransition(tr.from, tr.to), "%s -> %s", tr.from, tr.to)
	}

	forbidden := []struct{ from, to plan.Status }{
		{plan.StatusDone, plan.StatusPending},
		{plan.StatusDone, plan.StatusRunning},
		{plan.StatusPermanentFailed, plan.StatusPending},
		{plan.StatusPending, plan.StatusRunning},
		{plan.StatusCorrupt, plan.StatusDone},
		{plan.StatusPending, plan.Status("bogus")},
	}
	for _, tr := range forbidden {
		err := plan.CheckTransition(tr.from, tr.to)
		assert.True(t, errors.Is(err, plan.ErrInvalidTransition), "%s -> %s", tr.from, tr.to)
	}
}

func TestPath(t *testing.T) {
	path, err := plan.Path(plan.StatusAbandoned)
	require.NoError(t, err)
	assert.Equal(t, []plan.Status{plan.StatusPending, plan.StatusLeased, plan.StatusRunning}, path)

	from := plan.StatusAbandoned
	for _, to := range path {
		require.NoError(t, plan.CheckTransition(from, to))
		from = to
	}

	_, err = plan.Path(plan.StatusDone)
	assert.ErrorIs(t, err, plan.ErrInvalidTransition)
}

func TestStatusPredicates(t *testing.T) {
	assert.True(t, plan.StatusDone.Terminal())
	assert.True(t, plan.StatusPermanentFailed.Terminal())
	assert.False(t, plan.StatusCorrupt.Terminal())
	assert.True(t, plan.StatusAbandoned.Claimable())
	assert.False(t, plan.StatusRunning.Claimable())
	assert.False(t, plan.Status("x").Valid())
}
