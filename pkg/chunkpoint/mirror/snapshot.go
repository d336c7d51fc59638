package mirror

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
)

// ErrUncheckpointed is returned by Upload when the store file still has
// write-ahead log content next to it.
var ErrUncheckpointed = errors.New("store file has unmerged write-ahead log")

// Snapshots mirrors one local store file to one object key.
//
// Uploads are gated on the version observed at the last Download or
// Upload. If anyone else wrote the snapshot in between, Upload fails with
// ErrVersionConflict and the caller must download again.
type Snapshots struct {
	store ObjectStore
	key   string

	mu   sync.Mutex
	seen Version
}

// NewSnapshots returns a snapshot mirror for key.
func NewSnapshots(store ObjectStore, key string) *Snapshots {
	return &Snapshots{store: store, key: key}
}

// Key returns the snapshot key.
func (s *Snapshots) Key() string {
	return s.key
}

// Seen returns the version the next Upload expects to replace.
func (s *Snapshots) Seen() Version {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seen
}

// Download replaces localPath with the remote snapshot. It returns false
// when there is no remote snapshot yet; localPath is left untouched then.
// Side files of a previous local store are removed.
func (s *Snapshots) Download(ctx context.Context, localPath string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	obj, err := s.store.Get(ctx, s.key)
	if errors.Is(err, ErrNotFound) {
		s.seen = NoVersion
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("download snapshot: %w", err)
	}

	for _, side := range []string{localPath + "-wal", localPath + "-shm"} {
		if err := os.Remove(side); err != nil && !errors.Is(err, os.ErrNotExist) {
			return false, fmt.Errorf("remove %s: %w", side, err)
		}
	}
	if err := WriteFileAtomic(localPath, obj.Data); err != nil {
		return false, fmt.Errorf("write snapshot: %w", err)
	}
	s.seen = obj.Version
	return true, nil
}

// Upload publishes localPath as the new snapshot. localPath must be a
// checkpointed single-file store.
func (s *Snapshots) Upload(ctx context.Context, localPath string) (Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if info, err := os.Stat(localPath + "-wal"); err == nil && info.Size() > 0 {
		return NoVersion, fmt.Errorf("%s: %w", localPath, ErrUncheckpointed)
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return NoVersion, fmt.Errorf("read store file: %w", err)
	}

	current, err := s.store.Head(ctx, s.key)
	switch {
	case errors.Is(err, ErrNotFound):
		current = NoVersion
	case err != nil:
		return NoVersion, fmt.Errorf("head snapshot: %w", err)
	}
	if current != s.seen {
		return NoVersion, fmt.Errorf("%s: %w: expected %q, found %q", s.key, ErrVersionConflict, s.seen, current)
	}

	tmp := TempKey(s.key)
	if _, err := s.store.ConditionalCreate(ctx, tmp, data); err != nil {
		return NoVersion, fmt.Errorf("stage snapshot: %w", err)
	}
	defer func() { _ = s.store.Delete(context.WithoutCancel(ctx), tmp) }()

	v, err := s.store.Copy(ctx, tmp, s.key, s.seen)
	if err != nil {
		return NoVersion, fmt.Errorf("upload snapshot: %w", err)
	}
	s.seen = v
	return v, nil
}
