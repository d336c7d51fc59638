package mirror

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// DirStore is an ObjectStore on a local directory. Keys are slash
// separated paths below the root.
//
// ConditionalCreate is atomic across processes (hard link of a fully
// written temp file). Copy is serialized within the process only.
type DirStore struct {
	root string
	mu   sync.Mutex
}

var _ ObjectStore = (*DirStore)(nil)

// NewDirStore creates the root directory if needed.
func NewDirStore(root string) (*DirStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create object root %s: %w", root, err)
	}
	return &DirStore{root: root}, nil
}

// Root returns the root directory.
func (d *DirStore) Root() string {
	return d.root
}

func (d *DirStore) path(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if key == "" || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	return filepath.Join(d.root, clean), nil
}

// writeTemp writes data next to path and fsyncs it.
func writeTemp(path string, data []byte) (string, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create directory: %w", err)
	}
	tmpPath := fmt.Sprintf("%s.%s.tmp", path, uuid.NewString()[:8])

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("fsync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("close temp file: %w", err)
	}
	return tmpPath, nil
}

// syncDir fsyncs a directory so a rename or link in it is durable.
func syncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}

// WriteFileAtomic writes data to path via temp file, fsync, rename and
// directory fsync.
func WriteFileAtomic(path string, data []byte) error {
	tmpPath, err := writeTemp(path, data)
	if err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename into place: %w", err)
	}
	if err := syncDir(filepath.Dir(path)); err != nil {
		return fmt.Errorf("fsync directory: %w", err)
	}
	return nil
}

// ConditionalCreate implements ObjectStore.
func (d *DirStore) ConditionalCreate(_ context.Context, key string, data []byte) (Version, error) {
	path, err := d.path(key)
	if err != nil {
		return NoVersion, err
	}
	tmpPath, err := writeTemp(path, data)
	if err != nil {
		return NoVersion, err
	}
	defer os.Remove(tmpPath)

	if err := os.Link(tmpPath, path); err != nil {
		if errors.Is(err, os.ErrExist) {
			return NoVersion, fmt.Errorf("%s: %w", key, ErrAlreadyExists)
		}
		return NoVersion, fmt.Errorf("create %s: %w", key, err)
	}
	if err := syncDir(filepath.Dir(path)); err != nil {
		return NoVersion, fmt.Errorf("fsync directory: %w", err)
	}
	return Version(Checksum(data)), nil
}

// Get implements ObjectStore.
func (d *DirStore) Get(_ context.Context, key string) (*Object, error) {
	path, err := d.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return &Object{Key: key, Data: data, Version: Version(Checksum(data))}, nil
}

// Head implements ObjectStore. The version is the content hash, so Head
// reads the whole object.
func (d *DirStore) Head(ctx context.Context, key string) (Version, error) {
	obj, err := d.Get(ctx, key)
	if err != nil {
		return NoVersion, err
	}
	return obj.Version, nil
}

// Copy implements ObjectStore.
func (d *DirStore) Copy(ctx context.Context, src, dst string, expected Version) (Version, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	source, err := d.Get(ctx, src)
	if err != nil {
		return NoVersion, err
	}
	dstPath, err := d.path(dst)
	if err != nil {
		return NoVersion, err
	}

	current, err := d.Head(ctx, dst)
	switch {
	case errors.Is(err, ErrNotFound):
		if expected != NoVersion {
			return NoVersion, fmt.Errorf("%s: %w: expected %s, object absent", dst, ErrVersionConflict, expected)
		}
	case err != nil:
		return NoVersion, err
	case expected == NoVersion:
		return NoVersion, fmt.Errorf("%s: %w: expected absent", dst, ErrVersionConflict)
	case current != expected:
		return NoVersion, fmt.Errorf("%s: %w: expected %s, found %s", dst, ErrVersionConflict, expected, current)
	}

	if err := WriteFileAtomic(dstPath, source.Data); err != nil {
		return NoVersion, fmt.Errorf("copy %s to %s: %w", src, dst, err)
	}
	return source.Version, nil
}

// Delete implements ObjectStore.
func (d *DirStore) Delete(_ context.Context, key string) error {
	path, err := d.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}
