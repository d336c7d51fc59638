package lease_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ckerrors "github.com/randalmurphal/chunkpoint/pkg/chunkpoint/errors"
	"github.com/randalmurphal/chunkpoint/pkg/chunkpoint/lease"
	"github.com/randalmurphal/chunkpoint/pkg/chunkpoint/mirror"
	"github.com/randalmurphal/chunkpoint/pkg/chunkpoint/store"
)

const leaseKey = "ns/.lease/job.json"

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newRemote(objects mirror.ObjectStore, clock *fakeClock) *lease.RemoteManager {
	return lease.NewRemoteManager(objects, leaseKey, lease.RemoteOptions{
		Scope: "job",
		TTL:   10 * time.Second,
		Now:   clock.Now,
	})
}

func TestRemote_Acquire(t *testing.T) {
	ctx := context.Background()
	objects := mirror.NewMemoryStore()

	l, err := newRemote(objects, newClock()).Acquire(ctx, "actor-a")
	require.NoError(t, err)
	assert.Equal(t, "actor-a", l.Owner())
	assert.Equal(t, int64(1), l.Token())
	assert.False(t, l.Stolen())
	assert.Nil(t, l.Previous())
	assert.NoError(t, l.Check())
	assert.NoError(t, l.Verify(ctx))

	obj, err := objects.Get(ctx, leaseKey)
	require.NoError(t, err)
	var rec lease.Record
	require.NoError(t, json.Unmarshal(obj.Data, &rec))
	assert.Equal(t, "actor-a", rec.Owner)
	assert.Equal(t, int64(1), rec.Token)
	assert.Equal(t, "job", rec.Scope)
}

func TestRemote_Exclusive(t *testing.T) {
	ctx := context.Background()
	objects := mirror.NewMemoryStore()
	clock := newClock()

	const actors = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
		held    int
	)
	for i := 0; i < actors; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := newRemote(objects, clock).Acquire(ctx, lease.NewOwner())
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				granted++
			case errors.Is(err, lease.ErrLeaseHeld):
				held++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, granted)
	assert.Equal(t, actors-1, held)
}

func TestRemote_HeldUntilExpiry(t *testing.T) {
	ctx := context.Background()
	objects := mirror.NewMemoryStore()
	clock := newClock()

	_, err := newRemote(objects, clock).Acquire(ctx, "actor-a")
	require.NoError(t, err)

	clock.Advance(9 * time.Second)
	_, err = newRemote(objects, clock).Acquire(ctx, "actor-b")
	assert.ErrorIs(t, err, lease.ErrLeaseHeld)

	clock.Advance(2 * time.Second)
	l, err := newRemote(objects, clock).Acquire(ctx, "actor-b")
	require.NoError(t, err)
	assert.Equal(t, int64(2), l.Token())
	assert.True(t, l.Stolen())
	require.NotNil(t, l.Previous())
	assert.Equal(t, "actor-a", l.Previous().Owner)
}

func TestRemote_RetriedCreateIsOwned(t *testing.T) {
	ctx := context.Background()
	objects := mirror.NewMemoryStore()
	clock := newClock()

	first, err := newRemote(objects, clock).Acquire(ctx, "actor-a")
	require.NoError(t, err)

	again, err := newRemote(objects, clock).Acquire(ctx, "actor-a")
	require.NoError(t, err)
	assert.Equal(t, first.Token(), again.Token())
}

func TestRemote_FencedAfterSteal(t *testing.T) {
	ctx := context.Background()
	objects := mirror.NewMemoryStore()

	// The stale actor's clock is behind: locally its lease still looks valid.
	staleClock := newClock()
	stale, err := newRemote(objects, staleClock).Acquire(ctx, "actor-a")
	require.NoError(t, err)

	freshClock := newClock()
	freshClock.Advance(time.Minute)
	fresh, err := newRemote(objects, freshClock).Acquire(ctx, "actor-b")
	require.NoError(t, err)
	assert.Greater(t, fresh.Token(), stale.Token())

	assert.NoError(t, stale.Check(), "local view still valid before verification")

	err = stale.Renew(ctx)
	assert.ErrorIs(t, err, lease.ErrLeaseLost)
	assert.True(t, ckerrors.IsLeaseLost(err))

	select {
	case <-stale.Lost():
	default:
		t.Fatal("lost channel not closed")
	}

	// Every later mutation through the fence fails.
	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "state.sqlite"), store.Options{Fence: stale.Check})
	require.NoError(t, err)
	defer st.Close()

	err = st.Update(ctx, func(tx *store.Tx) error {
		_, err := tx.EnsureJob(ctx, store.Job{ID: "job-1", SourceKind: "remote"})
		return err
	})
	assert.ErrorIs(t, err, lease.ErrLeaseLost)

	assert.NoError(t, fresh.Verify(ctx))
}

func TestRemote_RenewAndRelease(t *testing.T) {
	ctx := context.Background()
	objects := mirror.NewMemoryStore()
	clock := newClock()
	mgr := newRemote(objects, clock)

	l, err := mgr.Acquire(ctx, "actor-a")
	require.NoError(t, err)
	initial := l.ExpiresAt()

	clock.Advance(5 * time.Second)
	require.NoError(t, l.Renew(ctx))
	assert.True(t, l.ExpiresAt().After(initial))

	// Renewed lease survives past the original expiry.
	clock.Advance(6 * time.Second)
	assert.NoError(t, l.Check())

	require.NoError(t, l.Release(ctx))
	require.NoError(t, l.Release(ctx))
	assert.ErrorIs(t, l.Check(), lease.ErrLeaseLost)

	next, err := newRemote(objects, clock).Acquire(ctx, "actor-b")
	require.NoError(t, err)
	assert.Equal(t, int64(2), next.Token())
	assert.False(t, next.Stolen())
}

func TestRemote_CheckExpires(t *testing.T) {
	ctx := context.Background()
	clock := newClock()

	l, err := newRemote(mirror.NewMemoryStore(), clock).Acquire(ctx, "actor-a")
	require.NoError(t, err)

	clock.Advance(10 * time.Second)
	assert.ErrorIs(t, l.Check(), lease.ErrLeaseLost)
}

func TestKeepAlive(t *testing.T) {
	objects := mirror.NewMemoryStore()
	mgr := lease.NewRemoteManager(objects, leaseKey, lease.RemoteOptions{Scope: "job", TTL: time.Minute})

	l, err := mgr.Acquire(context.Background(), "actor-a")
	require.NoError(t, err)
	initial := l.ExpiresAt()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, lease.KeepAlive(ctx, l, 5*time.Millisecond, nil))
	assert.True(t, l.ExpiresAt().After(initial))

	// Another actor overwrites the record out of band.
	data, err := json.Marshal(lease.Record{Scope: "job", Owner: "actor-b", Token: 9, ExpiresAt: time.Now().Add(time.Hour)})
	require.NoError(t, err)
	objects.Put(leaseKey, data)

	err = lease.KeepAlive(context.Background(), l, 5*time.Millisecond, nil)
	assert.ErrorIs(t, err, lease.ErrLeaseLost)
}

func TestLocal_Exclusive(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.sqlite.lock")

	a, err := lease.NewLocalManager(path, "job", nil).Acquire(ctx, "actor-a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), a.Token())
	assert.NoError(t, a.Check())

	_, err = lease.NewLocalManager(path, "job", nil).Acquire(ctx, "actor-b")
	assert.ErrorIs(t, err, lease.ErrLeaseHeld)

	require.NoError(t, a.Release(ctx))
	assert.ErrorIs(t, a.Check(), lease.ErrLeaseLost)

	b, err := lease.NewLocalManager(path, "job", nil).Acquire(ctx, "actor-b")
	require.NoError(t, err)
	defer b.Release(ctx)
	assert.Equal(t, int64(2), b.Token())
	assert.False(t, b.Stolen())
}

func TestLocal_AfterCrash(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.sqlite.lock")

	// A holder that died leaves an unreleased record and no lock.
	data, err := json.Marshal(lease.Record{Scope: "job", Owner: "dead-actor", Token: 4})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	l, err := lease.NewLocalManager(path, "job", nil).Acquire(ctx, "actor-a")
	require.NoError(t, err)
	defer l.Release(ctx)

	assert.Equal(t, int64(5), l.Token())
	assert.True(t, l.Stolen())
	assert.Equal(t, "dead-actor", l.Previous().Owner)
}
