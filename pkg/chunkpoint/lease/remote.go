package lease

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/randalmurphal/chunkpoint/pkg/chunkpoint/mirror"
)

// RemoteOptions configures a RemoteManager.
type RemoteOptions struct {
	// Scope is recorded in the lease record, e.g. "job".
	Scope string

	// TTL is the lease expiry window. Defaults to DefaultTTL.
	TTL time.Duration

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time

	Logger *slog.Logger
}

// RemoteManager grants leases stored as a record object at one key.
type RemoteManager struct {
	store  mirror.ObjectStore
	key    string
	scope  string
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

var _ Manager = (*RemoteManager)(nil)

// NewRemoteManager returns a manager for the lease record at key.
func NewRemoteManager(store mirror.ObjectStore, key string, opts RemoteOptions) *RemoteManager {
	m := &RemoteManager{
		store:  store,
		key:    key,
		scope:  opts.Scope,
		ttl:    opts.TTL,
		now:    opts.Now,
		logger: opts.Logger,
	}
	if m.ttl <= 0 {
		m.ttl = DefaultTTL
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	m.logger = m.logger.With(slog.String("component", "lease"), slog.String("key", key))
	return m
}

// Key returns the record key.
func (m *RemoteManager) Key() string {
	return m.key
}

func (m *RemoteManager) read(ctx context.Context) (Record, mirror.Version, error) {
	obj, err := m.store.Get(ctx, m.key)
	if err != nil {
		return Record{}, mirror.NoVersion, err
	}
	var rec Record
	if err := json.Unmarshal(obj.Data, &rec); err != nil {
		return Record{}, mirror.NoVersion, fmt.Errorf("decode lease record %s: %w", m.key, err)
	}
	return rec, obj.Version, nil
}

// overwrite replaces the record only if it is still at expected.
func (m *RemoteManager) overwrite(ctx context.Context, rec Record, expected mirror.Version) (mirror.Version, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return mirror.NoVersion, fmt.Errorf("encode lease record: %w", err)
	}
	tmp := mirror.TempKey(m.key)
	if _, err := m.store.ConditionalCreate(ctx, tmp, data); err != nil {
		return mirror.NoVersion, fmt.Errorf("stage lease record: %w", err)
	}
	defer func() { _ = m.store.Delete(context.WithoutCancel(ctx), tmp) }()
	return m.store.Copy(ctx, tmp, m.key, expected)
}

// Acquire creates the lease record, or steals it if the current holder's
// grant has expired. An unexpired record held by someone else fails with
// ErrLeaseHeld.
func (m *RemoteManager) Acquire(ctx context.Context, owner string) (Lease, error) {
	now := m.now()
	rec := Record{
		Scope:      m.scope,
		Owner:      owner,
		Token:      1,
		ExpiresAt:  now.Add(m.ttl),
		AcquiredAt: now,
		RenewedAt:  now,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode lease record: %w", err)
	}

	v, err := m.store.ConditionalCreate(ctx, m.key, data)
	if err == nil {
		m.logger.Info("lease acquired", slog.String("owner", owner), slog.Int64("token", rec.Token))
		return m.newLease(rec, v, nil, false), nil
	}
	if !errors.Is(err, mirror.ErrAlreadyExists) {
		return nil, fmt.Errorf("create lease record: %w", err)
	}

	existing, version, err := m.read(ctx)
	if errors.Is(err, mirror.ErrNotFound) {
		// Released and deleted between the create and the read.
		return nil, fmt.Errorf("%w: record changed during acquire", ErrLeaseHeld)
	}
	if err != nil {
		return nil, err
	}

	// A retried create that had in fact succeeded.
	if existing.Owner == owner && !existing.Expired(now) {
		return m.newLease(existing, version, nil, false), nil
	}

	if !existing.Expired(now) {
		return nil, fmt.Errorf("%w: owner %s token %d until %s",
			ErrLeaseHeld, existing.Owner, existing.Token, existing.ExpiresAt.Format(time.RFC3339))
	}

	rec.Token = existing.Token + 1
	v, err = m.overwrite(ctx, rec, version)
	if errors.Is(err, mirror.ErrVersionConflict) {
		return nil, fmt.Errorf("%w: lost steal race", ErrLeaseHeld)
	}
	if err != nil {
		return nil, fmt.Errorf("steal lease record: %w", err)
	}

	stolen := !existing.Released
	prev := existing
	if stolen {
		m.logger.Warn("stole expired lease",
			slog.String("owner", owner),
			slog.String("previous_owner", existing.Owner),
			slog.Int64("previous_token", existing.Token),
			slog.Int64("token", rec.Token),
		)
	} else {
		m.logger.Info("lease acquired", slog.String("owner", owner), slog.Int64("token", rec.Token))
	}
	return m.newLease(rec, v, &prev, stolen), nil
}

func (m *RemoteManager) newLease(rec Record, v mirror.Version, prev *Record, stolen bool) *RemoteLease {
	return &RemoteLease{
		mgr:      m,
		owner:    rec.Owner,
		token:    rec.Token,
		rec:      rec,
		version:  v,
		previous: prev,
		stolen:   stolen,
		lost:     make(chan struct{}),
	}
}

// RemoteLease is a lease held through a record object.
type RemoteLease struct {
	mgr      *RemoteManager
	owner    string
	token    int64
	previous *Record
	stolen   bool

	mu       sync.Mutex
	rec      Record
	version  mirror.Version
	released bool
	lost     chan struct{}
	lostOnce sync.Once
}

var _ Lease = (*RemoteLease)(nil)

// Owner implements Lease.
func (l *RemoteLease) Owner() string { return l.owner }

// Token implements Lease.
func (l *RemoteLease) Token() int64 { return l.token }

// TTL implements Lease.
func (l *RemoteLease) TTL() time.Duration { return l.mgr.ttl }

// Stolen implements Lease.
func (l *RemoteLease) Stolen() bool { return l.stolen }

// Previous implements Lease.
func (l *RemoteLease) Previous() *Record { return l.previous }

// Lost implements Lease.
func (l *RemoteLease) Lost() <-chan struct{} { return l.lost }

// ExpiresAt implements Lease.
func (l *RemoteLease) ExpiresAt() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rec.ExpiresAt
}

func (l *RemoteLease) markLost() {
	l.lostOnce.Do(func() { close(l.lost) })
}

// Check implements Lease.
func (l *RemoteLease) Check() error {
	select {
	case <-l.lost:
		return lostError("token %d superseded or expired", l.token)
	default:
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return lostError("released")
	}
	if !l.mgr.now().Before(l.rec.ExpiresAt) {
		l.markLost()
		return lostError("expired at %s", l.rec.ExpiresAt.Format(time.RFC3339Nano))
	}
	return nil
}

// verifyLocked reads the record and checks it is still ours.
func (l *RemoteLease) verifyLocked(ctx context.Context) (mirror.Version, error) {
	if l.released {
		return mirror.NoVersion, lostError("released")
	}
	rec, version, err := l.mgr.read(ctx)
	if errors.Is(err, mirror.ErrNotFound) {
		l.markLost()
		return mirror.NoVersion, lostError("record deleted")
	}
	if err != nil {
		return mirror.NoVersion, err
	}
	if rec.Owner != l.owner || rec.Token != l.token || rec.Released {
		l.markLost()
		return mirror.NoVersion, lostError("record now owner %s token %d, ours %d", rec.Owner, rec.Token, l.token)
	}
	return version, nil
}

// Verify implements Lease.
func (l *RemoteLease) Verify(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.verifyLocked(ctx)
	return err
}

// Renew implements Lease.
func (l *RemoteLease) Renew(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	version, err := l.verifyLocked(ctx)
	if err != nil {
		return err
	}

	now := l.mgr.now()
	next := l.rec
	next.ExpiresAt = now.Add(l.mgr.ttl)
	next.RenewedAt = now

	v, err := l.mgr.overwrite(ctx, next, version)
	if errors.Is(err, mirror.ErrVersionConflict) {
		l.markLost()
		return lostError("record changed during renew")
	}
	if err != nil {
		return fmt.Errorf("renew lease: %w", err)
	}
	l.rec = next
	l.version = v
	return nil
}

// Release implements Lease. The record is kept, marked released and
// expired, so the next grant continues from this token.
func (l *RemoteLease) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.released {
		return nil
	}
	version, err := l.verifyLocked(ctx)
	if errors.Is(err, ErrLeaseLost) {
		// Someone else owns it now; nothing of ours to release.
		l.released = true
		return nil
	}
	if err != nil {
		return err
	}

	next := l.rec
	next.ExpiresAt = l.mgr.now()
	next.Released = true
	if _, err := l.mgr.overwrite(ctx, next, version); err != nil {
		if errors.Is(err, mirror.ErrVersionConflict) {
			l.markLost()
			l.released = true
			return nil
		}
		return fmt.Errorf("release lease: %w", err)
	}
	l.released = true
	l.mgr.logger.Info("lease released", slog.String("owner", l.owner), slog.Int64("token", l.token))
	return nil
}
