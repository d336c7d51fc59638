package chunkpoint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/randalmurphal/chunkpoint/pkg/chunkpoint/config"
	"github.com/randalmurphal/chunkpoint/pkg/chunkpoint/mirror"
	"github.com/randalmurphal/chunkpoint/pkg/chunkpoint/plan"
)

// WorkFunc processes one chunk of src and returns the chunk artifact.
//
// It must be pure: the same chunk of the same source under the same plan
// yields the same bytes. It should return promptly once ctx is done.
// The final artifact is every chunk artifact put through the run's
// Joiner, Concat unless WithJoiner says otherwise.
type WorkFunc func(ctx context.Context, chunk plan.Spec, src Source) ([]byte, error)

// DurationFunc returns the length of the media at uri in seconds.
type DurationFunc func(ctx context.Context, uri string) (float64, error)

// Source is one input of a job.
type Source interface {
	// URI identifies the input, e.g. file:///data/talk.wav or s3://bucket/key.
	URI() string

	// Kind is config.SourceLocal or config.SourceS3.
	Kind() string

	// Namespace is the object key prefix owned by this input. Every actor
	// derives the same namespace for the same input.
	Namespace() string

	// Fingerprint changes whenever the input content may have changed.
	Fingerprint(ctx context.Context) (string, error)

	// Duration is the input length in seconds.
	Duration(ctx context.Context) (float64, error)
}

// JobID derives the job id of a namespace.
func JobID(namespace string) string {
	sum := sha256.Sum256([]byte(namespace))
	return "job-" + hex.EncodeToString(sum[:8])
}

// FileSource is an input file on local disk.
type FileSource struct {
	path  string
	probe DurationFunc
}

var _ Source = (*FileSource)(nil)

// NewFileSource returns a source for the file at p. A nil probe reports
// a zero duration, which plans a single chunk.
func NewFileSource(p string, probe DurationFunc) (*FileSource, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", p, err)
	}
	return &FileSource{path: abs, probe: probe}, nil
}

// Path returns the absolute file path.
func (s *FileSource) Path() string { return s.path }

// URI implements Source.
func (s *FileSource) URI() string { return "file://" + filepath.ToSlash(s.path) }

// Kind implements Source.
func (s *FileSource) Kind() string { return config.SourceLocal }

// Namespace is the file name without its extension.
func (s *FileSource) Namespace() string {
	base := filepath.Base(s.path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// StateDir is the directory holding the checkpoint state and artifacts
// of every file in the same directory.
func (s *FileSource) StateDir() string {
	return filepath.Join(filepath.Dir(s.path), ".chunkpoint")
}

// Fingerprint is path:mtime_ns:size.
func (s *FileSource) Fingerprint(context.Context) (string, error) {
	info, err := os.Stat(s.path)
	if err != nil {
		return "", fmt.Errorf("fingerprint %s: %w", s.path, err)
	}
	return fmt.Sprintf("%s:%d:%d", s.path, info.ModTime().UnixNano(), info.Size()), nil
}

// Duration implements Source.
func (s *FileSource) Duration(ctx context.Context) (float64, error) {
	if s.probe == nil {
		return 0, nil
	}
	return s.probe(ctx, s.path)
}

// ObjectSource is an input object in a bucket.
type ObjectSource struct {
	store  mirror.ObjectStore
	bucket string
	key    string
	prefix string
	probe  DurationFunc
}

var _ Source = (*ObjectSource)(nil)

// NewObjectSource returns a source for key in bucket, read through store.
// Its namespace lives under prefix.
func NewObjectSource(store mirror.ObjectStore, bucket, key, prefix string, probe DurationFunc) (*ObjectSource, error) {
	key = strings.TrimPrefix(key, "/")
	if key == "" {
		return nil, errors.New("object key is required")
	}
	return &ObjectSource{store: store, bucket: bucket, key: key, prefix: prefix, probe: probe}, nil
}

// Key returns the object key.
func (s *ObjectSource) Key() string { return s.key }

// URI implements Source.
func (s *ObjectSource) URI() string { return "s3://" + s.bucket + "/" + s.key }

// Kind implements Source.
func (s *ObjectSource) Kind() string { return config.SourceS3 }

// Namespace is prefix/key without the key's extension.
func (s *ObjectSource) Namespace() string {
	return strings.Trim(path.Join(s.prefix, strings.TrimSuffix(s.key, path.Ext(s.key))), "/")
}

// Fingerprint is key:version, the version being the object's ETag on S3.
func (s *ObjectSource) Fingerprint(ctx context.Context) (string, error) {
	v, err := s.store.Head(ctx, s.key)
	if err != nil {
		return "", fmt.Errorf("fingerprint %s: %w", s.URI(), err)
	}
	return fmt.Sprintf("%s:%s", s.key, v), nil
}

// Duration implements Source.
func (s *ObjectSource) Duration(ctx context.Context) (float64, error) {
	if s.probe == nil {
		return 0, nil
	}
	return s.probe(ctx, s.URI())
}
