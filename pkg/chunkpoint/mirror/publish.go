package mirror

import (
	"context"
	"errors"
	"fmt"
	"time"

	ckerrors "github.com/randalmurphal/chunkpoint/pkg/chunkpoint/errors"
)

// Published describes an object written by Publish.
type Published struct {
	Key     string
	Version Version
	SHA256  string
}

// Publish writes data to key so that key only ever holds a complete
// payload: the bytes go to a temp key first, then a copy gated on the
// version of key observed just before, then the temp key is deleted.
//
// A concurrent writer to key between the Head and the Copy makes Publish
// fail with ErrVersionConflict.
func Publish(ctx context.Context, store ObjectStore, key string, data []byte) (Published, error) {
	tmp := TempKey(key)
	if _, err := store.ConditionalCreate(ctx, tmp, data); err != nil {
		return Published{}, fmt.Errorf("stage %s: %w", key, err)
	}
	// Temp objects are garbage once the copy has run or failed.
	defer func() { _ = store.Delete(context.WithoutCancel(ctx), tmp) }()

	expected, err := store.Head(ctx, key)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Published{}, fmt.Errorf("head %s: %w", key, err)
	}

	v, err := store.Copy(ctx, tmp, key, expected)
	if err != nil {
		return Published{}, fmt.Errorf("publish %s: %w", key, err)
	}
	return Published{Key: key, Version: v, SHA256: Checksum(data)}, nil
}

// Verify fetches key and checks its content hash. It returns ErrNotFound
// for a missing object and a *ckerrors.HashMismatchError for a mismatch.
func Verify(ctx context.Context, store ObjectStore, key, sha256 string) (*Object, error) {
	obj, err := store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if actual := Checksum(obj.Data); actual != sha256 {
		return obj, &ckerrors.HashMismatchError{URI: key, Expected: sha256, Actual: actual}
	}
	return obj, nil
}

// Quarantine moves key aside under the layout's quarantine prefix and
// returns the new key. The original is only deleted after the copy
// succeeded.
func Quarantine(ctx context.Context, store ObjectStore, layout Layout, key string, at time.Time) (string, error) {
	qkey := layout.Quarantine(key, at)
	if _, err := store.Copy(ctx, key, qkey, NoVersion); err != nil {
		return "", fmt.Errorf("quarantine %s: %w", key, err)
	}
	if err := store.Delete(ctx, key); err != nil {
		return qkey, fmt.Errorf("remove quarantined %s: %w", key, err)
	}
	return qkey, nil
}
