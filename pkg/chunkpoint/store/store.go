// Package store is the embedded transactional store that holds all
// checkpoint state for one logical input.
//
// The store is a single SQLite file opened in WAL mode with synchronous
// FULL, so a committed transaction survives process death. Writers take
// the database lock at BEGIN (BEGIN IMMEDIATE) and a second writer waits
// up to the busy timeout before failing with ErrBusy.
//
// Before a file is handed to the object mirror it must be checkpointed:
// CheckpointAndClose folds the WAL into the main file and closes every
// handle, and SnapshotTo writes a consistent single-file copy while the
// store stays open.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Sentinel errors for store operations.
var (
	// ErrStoreClosed indicates the store has been closed.
	ErrStoreClosed = errors.New("checkpoint store closed")

	// ErrNotFound indicates a row doesn't exist.
	ErrNotFound = errors.New("not found")

	// ErrCorrupt indicates the store file is unreadable. Reopen with Reset to start over.
	ErrCorrupt = errors.New("checkpoint store corrupt")

	// ErrBusy indicates another writer held the lock past the busy timeout.
	ErrBusy = errors.New("checkpoint store locked")

	// ErrNoEligibleChunk indicates no chunk can be claimed right now.
	ErrNoEligibleChunk = errors.New("no eligible chunk")

	// ErrStaleToken indicates a lease token lower than one already recorded.
	ErrStaleToken = errors.New("stale lease token")

	// ErrCheckpointIncomplete indicates WAL content remained after a checkpoint.
	ErrCheckpointIncomplete = errors.New("wal checkpoint incomplete")
)

// FenceFunc is evaluated before every commit. A non-nil error aborts the
// commit. It must not perform network calls.
type FenceFunc func() error

// Options configures Open.
type Options struct {
	// BusyTimeout is how long a writer waits for the lock. Default 5s.
	BusyTimeout time.Duration

	// Reset deletes any existing store files before opening.
	Reset bool

	// Fence is checked before every commit.
	Fence FenceFunc

	// Logger receives store diagnostics. Nil disables logging.
	Logger *slog.Logger

	// Now overrides the clock.
	Now func() time.Time
}

// Store is the embedded transactional store.
type Store struct {
	db       *sql.DB
	path     string
	readOnly bool
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.RWMutex
	fence  FenceFunc
	closed bool
}

// DefaultBusyTimeout is used when Options.BusyTimeout is zero.
const DefaultBusyTimeout = 5 * time.Second

func dsn(path string, busy time.Duration, readOnly bool) string {
	if readOnly {
		return fmt.Sprintf("file:%s?mode=ro&_pragma=busy_timeout(%d)", path, busy.Milliseconds())
	}
	return fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=foreign_keys(1)&_txlock=immediate",
		path, busy.Milliseconds())
}

// Open opens or creates the store at path.
func Open(ctx context.Context, path string, opts Options) (*Store, error) {
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = DefaultBusyTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	if opts.Reset {
		if err := Reset(path); err != nil {
			return nil, err
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	db, err := sql.Open("sqlite", dsn(path, opts.BusyTimeout, false))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection serializes writers inside this process and lets the
	// WAL checkpoint run without competing readers.
	db.SetMaxOpenConns(1)

	s := &Store{
		db:     db,
		path:   path,
		logger: opts.Logger,
		now:    opts.Now,
		fence:  opts.Fence,
	}

	if err := s.verify(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if s.logger != nil {
		s.logger.Debug("checkpoint store opened", slog.String("path", path))
	}
	return s, nil
}

// OpenReadOnly opens an existing store for inspection. It never creates
// or migrates the file.
func OpenReadOnly(ctx context.Context, path string) (*Store, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}

	db, err := sql.Open("sqlite", dsn(path, DefaultBusyTimeout, true))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, path: path, readOnly: true, now: time.Now}
	if err := s.verify(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Reset removes the store file and its WAL side files.
func Reset(path string) error {
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("reset store: %w", err)
		}
	}
	return nil
}

// Path returns the store file path.
func (s *Store) Path() string {
	return s.path
}

// SetFence replaces the commit fence.
func (s *Store) SetFence(f FenceFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fence = f
}

func (s *Store) verify(ctx context.Context) error {
	var result string
	if err := s.db.QueryRowContext(ctx, "PRAGMA quick_check").Scan(&result); err != nil {
		return fmt.Errorf("check store %s: %w", s.path, classify(err))
	}
	if result != "ok" {
		return fmt.Errorf("check store %s: %w: %s", s.path, ErrCorrupt, result)
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration: %w", classify(err))
	}
	defer tx.Rollback() //nolint:errcheck

	for _, stmt := range schema {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", classify(err))
		}
	}

	var version string
	err = tx.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'schema_version'`).Scan(&version)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.ExecContext(ctx, `INSERT INTO meta (key, value) VALUES ('schema_version', ?)`, schemaVersion); err != nil {
			return fmt.Errorf("write schema version: %w", err)
		}
	case err != nil:
		return fmt.Errorf("read schema version: %w", classify(err))
	case version != schemaVersion:
		return fmt.Errorf("unsupported schema version %q", version)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration: %w", classify(err))
	}
	return nil
}

// Begin starts a write transaction. The database lock is taken immediately.
func (s *Store) Begin(ctx context.Context) (*Tx, error) {
	s.mu.RLock()
	closed, fence := s.closed, s.fence
	s.mu.RUnlock()
	if closed {
		return nil, ErrStoreClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", classify(err))
	}
	return &Tx{tx: tx, now: s.now, fence: fence}, nil
}

// Update runs fn in a write transaction and commits it if fn succeeds
// and the fence still holds.
func (s *Store) Update(ctx context.Context, fn func(*Tx) error) error {
	tx, err := s.Begin(ctx)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// View runs fn in a transaction that is always rolled back.
func (s *Store) View(ctx context.Context, fn func(*Tx) error) error {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return ErrStoreClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin read: %w", classify(err))
	}
	defer tx.Rollback() //nolint:errcheck
	return fn(&Tx{tx: tx, now: s.now})
}

// Checkpoint folds the WAL into the main database file.
func (s *Store) Checkpoint(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return s.checkpoint(ctx)
}

func (s *Store) checkpoint(ctx context.Context) error {
	var busy, logFrames, checkpointed int
	err := s.db.QueryRowContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)").Scan(&busy, &logFrames, &checkpointed)
	if err != nil {
		return fmt.Errorf("wal checkpoint: %w", classify(err))
	}
	if busy != 0 {
		return fmt.Errorf("%w: %d of %d frames checkpointed", ErrCheckpointIncomplete, checkpointed, logFrames)
	}
	return nil
}

// SnapshotTo writes a consistent single-file copy of the store to dst
// while the store stays open.
func (s *Store) SnapshotTo(ctx context.Context, dst string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}

	if err := os.Remove(dst); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale snapshot: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "VACUUM INTO ?", dst); err != nil {
		return fmt.Errorf("snapshot store: %w", classify(err))
	}

	// The copy must not depend on side files.
	snap, err := sql.Open("sqlite", "file:"+dst+"?_pragma=journal_mode(DELETE)")
	if err != nil {
		return fmt.Errorf("open snapshot: %w", err)
	}
	defer snap.Close()
	if err := snap.PingContext(ctx); err != nil {
		return fmt.Errorf("finalize snapshot: %w", classify(err))
	}
	return nil
}

// CheckpointAndClose checkpoints the WAL, closes every handle, and
// verifies that no WAL content remains. On success the store file is
// self-contained and safe to upload.
func (s *Store) CheckpointAndClose(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}

	if !s.readOnly {
		if err := s.checkpoint(ctx); err != nil {
			return err
		}
	}
	s.closed = true
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}

	if info, err := os.Stat(s.path + "-wal"); err == nil && info.Size() > 0 {
		return fmt.Errorf("%w: %s has %d bytes", ErrCheckpointIncomplete, s.path+"-wal", info.Size())
	}
	if s.logger != nil {
		s.logger.Debug("checkpoint store closed", slog.String("path", s.path))
	}
	return nil
}

// Close closes the store without checkpointing.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	return s.db.Close()
}

// classify maps driver errors onto package sentinels.
func classify(err error) error {
	var sqlErr *sqlite.Error
	if errors.As(err, &sqlErr) {
		switch sqlErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return fmt.Errorf("%w: %v", ErrBusy, err)
		case sqlite3.SQLITE_CORRUPT, sqlite3.SQLITE_NOTADB:
			return fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		return err
	}

	// Errors raised while applying connection pragmas arrive as plain text.
	msg := err.Error()
	switch {
	case strings.Contains(msg, "database is locked"):
		return fmt.Errorf("%w: %v", ErrBusy, err)
	case strings.Contains(msg, "file is not a database"), strings.Contains(msg, "disk image is malformed"):
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return err
}
