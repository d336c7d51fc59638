package lease

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// LocalManager grants leases as an exclusive flock on a lock file. The
// lock file also stores the last token so tokens keep growing across
// runs.
type LocalManager struct {
	path   string
	scope  string
	now    func() time.Time
	logger *slog.Logger
}

var _ Manager = (*LocalManager)(nil)

// NewLocalManager returns a manager for the lock file at path, usually
// the store path plus ".lock".
func NewLocalManager(path, scope string, logger *slog.Logger) *LocalManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalManager{
		path:   path,
		scope:  scope,
		now:    time.Now,
		logger: logger.With(slog.String("component", "lease"), slog.String("lock", path)),
	}
}

// Path returns the lock file path.
func (m *LocalManager) Path() string {
	return m.path
}

// Acquire takes the lock without blocking. A lock held by another
// process or another handle in this process fails with ErrLeaseHeld.
func (m *LocalManager) Acquire(_ context.Context, owner string) (Lease, error) {
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	f, err := os.OpenFile(m.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := lockFile(f); err != nil {
		f.Close()
		if errors.Is(err, errWouldBlock) {
			holder := "unknown"
			if prev, rerr := readLockRecord(m.path); rerr == nil {
				holder = prev.Owner
			}
			return nil, fmt.Errorf("%w: %s locked by %s", ErrLeaseHeld, m.path, holder)
		}
		return nil, fmt.Errorf("lock %s: %w", m.path, err)
	}

	var prev Record
	data, err := io.ReadAll(f)
	if err == nil && len(data) > 0 {
		// A torn or foreign record only loses the token history.
		_ = json.Unmarshal(data, &prev)
	}

	now := m.now()
	rec := Record{
		Scope:      m.scope,
		Owner:      owner,
		Token:      prev.Token + 1,
		AcquiredAt: now,
		RenewedAt:  now,
	}
	if err := writeLockRecord(f, rec); err != nil {
		_ = unlockFile(f)
		f.Close()
		return nil, err
	}

	l := &LocalLease{
		mgr:  m,
		f:    f,
		rec:  rec,
		lost: make(chan struct{}),
	}
	if prev.Owner != "" && !prev.Released {
		l.previous = &prev
	}
	m.logger.Info("lease acquired", slog.String("owner", owner), slog.Int64("token", rec.Token))
	return l, nil
}

func readLockRecord(path string) (Record, error) {
	var rec Record
	data, err := os.ReadFile(path)
	if err != nil {
		return rec, err
	}
	err = json.Unmarshal(data, &rec)
	return rec, err
}

func writeLockRecord(f *os.File, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode lock record: %w", err)
	}
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("truncate lock file: %w", err)
	}
	if _, err := f.WriteAt(data, 0); err != nil {
		return fmt.Errorf("write lock file: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("fsync lock file: %w", err)
	}
	return nil
}

// LocalLease is a lease held through an open, locked file handle.
type LocalLease struct {
	mgr      *LocalManager
	previous *Record

	mu       sync.Mutex
	f        *os.File
	rec      Record
	released bool
	lost     chan struct{}
}

var _ Lease = (*LocalLease)(nil)

// Owner implements Lease.
func (l *LocalLease) Owner() string { return l.rec.Owner }

// Token implements Lease.
func (l *LocalLease) Token() int64 { return l.rec.Token }

// TTL implements Lease. Local leases last as long as the process.
func (l *LocalLease) TTL() time.Duration { return 0 }

// ExpiresAt implements Lease.
func (l *LocalLease) ExpiresAt() time.Time { return time.Time{} }

// Stolen implements Lease. The previous holder of a local lease died
// without releasing it when a previous record is present.
func (l *LocalLease) Stolen() bool { return l.previous != nil }

// Previous implements Lease.
func (l *LocalLease) Previous() *Record { return l.previous }

// Lost implements Lease. A local lease is never lost while held.
func (l *LocalLease) Lost() <-chan struct{} { return l.lost }

// Check implements Lease.
func (l *LocalLease) Check() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return lostError("released")
	}
	return nil
}

// Verify implements Lease.
func (l *LocalLease) Verify(context.Context) error {
	return l.Check()
}

// Renew implements Lease.
func (l *LocalLease) Renew(context.Context) error {
	return l.Check()
}

// Release implements Lease.
func (l *LocalLease) Release(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return nil
	}
	l.released = true

	rec := l.rec
	rec.Released = true
	rec.ExpiresAt = l.mgr.now()
	werr := writeLockRecord(l.f, rec)
	uerr := unlockFile(l.f)
	cerr := l.f.Close()
	if err := errors.Join(werr, uerr, cerr); err != nil {
		return fmt.Errorf("release local lease: %w", err)
	}
	l.mgr.logger.Info("lease released", slog.String("owner", l.rec.Owner), slog.Int64("token", l.rec.Token))
	return nil
}
