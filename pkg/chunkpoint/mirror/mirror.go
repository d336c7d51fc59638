// Package mirror is the durable object mirror: an object store with
// conditional create and version-gated copy, plus the publish and
// snapshot protocols built on top of it.
//
// The object store has no locks and no multi-object transactions. Every
// write that must not clobber a concurrent writer goes through
// ConditionalCreate or a Copy gated on the destination's version.
package mirror

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// Sentinel errors returned by every ObjectStore implementation.
var (
	// ErrNotFound indicates the key doesn't exist.
	ErrNotFound = errors.New("object not found")

	// ErrAlreadyExists indicates a conditional create found an existing object.
	ErrAlreadyExists = errors.New("object already exists")

	// ErrVersionConflict indicates the destination changed since its version was read.
	ErrVersionConflict = errors.New("object version conflict")
)

// Version identifies one write of an object. It is opaque and only
// compared for equality.
type Version string

// NoVersion as the expected version of a Copy means the destination must be absent.
const NoVersion Version = ""

// Object is a fetched object.
type Object struct {
	Key     string
	Data    []byte
	Version Version
}

// ObjectStore is the narrow object store interface the mirror relies on.
// Implementations must be safe for concurrent use.
type ObjectStore interface {
	// ConditionalCreate writes data only if key doesn't exist.
	// Returns ErrAlreadyExists otherwise.
	ConditionalCreate(ctx context.Context, key string, data []byte) (Version, error)

	// Get returns the object. Returns ErrNotFound if it doesn't exist.
	Get(ctx context.Context, key string) (*Object, error)

	// Head returns the current version. Returns ErrNotFound if it doesn't exist.
	Head(ctx context.Context, key string) (Version, error)

	// Copy writes src's content to dst only if dst's current version
	// equals expected (NoVersion: dst must be absent).
	// Returns ErrVersionConflict otherwise and ErrNotFound if src is missing.
	Copy(ctx context.Context, src, dst string, expected Version) (Version, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// Checksum returns the hex SHA-256 of data.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
