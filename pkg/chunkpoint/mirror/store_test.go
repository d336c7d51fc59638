package mirror_test

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ckerrors "github.com/randalmurphal/chunkpoint/pkg/chunkpoint/errors"
	"github.com/randalmurphal/chunkpoint/pkg/chunkpoint/mirror"
)

// storeFactory creates an object store instance for testing.
type storeFactory func(t *testing.T) mirror.ObjectStore

// storeContractTest runs contract tests against any ObjectStore implementation.
func storeContractTest(t *testing.T, name string, factory storeFactory) {
	ctx := context.Background()

	t.Run(name+"/Create_and_Get", func(t *testing.T) {
		store := factory(t)

		v, err := store.ConditionalCreate(ctx, "ns/a.bin", []byte("alpha"))
		require.NoError(t, err)
		assert.NotEqual(t, mirror.NoVersion, v)

		obj, err := store.Get(ctx, "ns/a.bin")
		require.NoError(t, err)
		assert.Equal(t, []byte("alpha"), obj.Data)
		assert.Equal(t, v, obj.Version)

		head, err := store.Head(ctx, "ns/a.bin")
		require.NoError(t, err)
		assert.Equal(t, v, head)
	})

	t.Run(name+"/Create_AlreadyExists", func(t *testing.T) {
		store := factory(t)

		_, err := store.ConditionalCreate(ctx, "ns/a.bin", []byte("first"))
		require.NoError(t, err)

		_, err = store.ConditionalCreate(ctx, "ns/a.bin", []byte("second"))
		assert.ErrorIs(t, err, mirror.ErrAlreadyExists)

		obj, err := store.Get(ctx, "ns/a.bin")
		require.NoError(t, err)
		assert.Equal(t, []byte("first"), obj.Data)
	})

	t.Run(name+"/Get_NotFound", func(t *testing.T) {
		store := factory(t)

		_, err := store.Get(ctx, "ns/missing")
		assert.ErrorIs(t, err, mirror.ErrNotFound)

		_, err = store.Head(ctx, "ns/missing")
		assert.ErrorIs(t, err, mirror.ErrNotFound)
	})

	t.Run(name+"/Copy_ToAbsent", func(t *testing.T) {
		store := factory(t)
		_, err := store.ConditionalCreate(ctx, "ns/src", []byte("payload"))
		require.NoError(t, err)

		v, err := store.Copy(ctx, "ns/src", "ns/dst", mirror.NoVersion)
		require.NoError(t, err)

		obj, err := store.Get(ctx, "ns/dst")
		require.NoError(t, err)
		assert.Equal(t, []byte("payload"), obj.Data)
		assert.Equal(t, v, obj.Version)

		_, err = store.Copy(ctx, "ns/src", "ns/dst", mirror.NoVersion)
		assert.ErrorIs(t, err, mirror.ErrVersionConflict)
	})

	t.Run(name+"/Copy_GatedOnVersion", func(t *testing.T) {
		store := factory(t)
		v1, err := store.ConditionalCreate(ctx, "ns/dst", []byte("v1"))
		require.NoError(t, err)
		_, err = store.ConditionalCreate(ctx, "ns/src2", []byte("v2"))
		require.NoError(t, err)
		_, err = store.ConditionalCreate(ctx, "ns/src3", []byte("v3"))
		require.NoError(t, err)

		v2, err := store.Copy(ctx, "ns/src2", "ns/dst", v1)
		require.NoError(t, err)
		assert.NotEqual(t, v1, v2)

		// v1 is stale now
		_, err = store.Copy(ctx, "ns/src3", "ns/dst", v1)
		assert.ErrorIs(t, err, mirror.ErrVersionConflict)

		obj, err := store.Get(ctx, "ns/dst")
		require.NoError(t, err)
		assert.Equal(t, []byte("v2"), obj.Data)
	})

	t.Run(name+"/Copy_ExpectedButAbsent", func(t *testing.T) {
		store := factory(t)
		v, err := store.ConditionalCreate(ctx, "ns/src", []byte("payload"))
		require.NoError(t, err)

		_, err = store.Copy(ctx, "ns/src", "ns/dst", v)
		assert.ErrorIs(t, err, mirror.ErrVersionConflict)
	})

	t.Run(name+"/Copy_MissingSource", func(t *testing.T) {
		store := factory(t)

		_, err := store.Copy(ctx, "ns/missing", "ns/dst", mirror.NoVersion)
		assert.ErrorIs(t, err, mirror.ErrNotFound)
	})

	t.Run(name+"/Delete", func(t *testing.T) {
		store := factory(t)
		_, err := store.ConditionalCreate(ctx, "ns/a.bin", []byte("alpha"))
		require.NoError(t, err)

		require.NoError(t, store.Delete(ctx, "ns/a.bin"))
		_, err = store.Get(ctx, "ns/a.bin")
		assert.ErrorIs(t, err, mirror.ErrNotFound)

		// Deleting again is fine
		assert.NoError(t, store.Delete(ctx, "ns/a.bin"))

		// The key can be created again
		_, err = store.ConditionalCreate(ctx, "ns/a.bin", []byte("again"))
		assert.NoError(t, err)
	})
}

// TestMemoryStore runs contract tests against MemoryStore.
func TestMemoryStore(t *testing.T) {
	storeContractTest(t, "MemoryStore", func(t *testing.T) mirror.ObjectStore {
		return mirror.NewMemoryStore()
	})
}

// TestDirStore runs contract tests against DirStore.
func TestDirStore(t *testing.T) {
	storeContractTest(t, "DirStore", func(t *testing.T) mirror.ObjectStore {
		store, err := mirror.NewDirStore(t.TempDir())
		require.NoError(t, err)
		return store
	})
}

// TestS3Store runs contract tests against S3Store backed by a fake client.
func TestS3Store(t *testing.T) {
	storeContractTest(t, "S3Store", func(t *testing.T) mirror.ObjectStore {
		return mirror.NewS3Store(newFakeS3(), "bucket")
	})
}

// TestS3Store_TransientErrors verifies throttling is categorized as transient.
func TestS3Store_TransientErrors(t *testing.T) {
	fake := newFakeS3()
	fake.failNext = &smithy.GenericAPIError{Code: "SlowDown", Message: "reduce your request rate"}
	store := mirror.NewS3Store(fake, "bucket")

	_, err := store.Get(context.Background(), "ns/a")
	require.Error(t, err)
	assert.True(t, ckerrors.IsTransient(err))
}

func TestDirStore_RejectsEscapingKeys(t *testing.T) {
	store, err := mirror.NewDirStore(t.TempDir())
	require.NoError(t, err)

	for _, key := range []string{"", "../outside", "/abs/path"} {
		_, err := store.ConditionalCreate(context.Background(), key, []byte("x"))
		assert.Error(t, err, "key %q", key)
	}
}

// fakeS3 implements mirror.S3API in memory with conditional writes.
type fakeS3 struct {
	mu       sync.Mutex
	objects  map[string][]byte
	etags    map[string]string
	gen      int
	failNext error
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string][]byte{}, etags: map[string]string{}}
}

func (f *fakeS3) takeFailure() error {
	err := f.failNext
	f.failNext = nil
	return err
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure(); err != nil {
		return nil, err
	}
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{Message: aws.String("not found")}
	}
	return &s3.GetObjectOutput{
		Body: io.NopCloser(bytes.NewReader(data)),
		ETag: aws.String(f.etags[aws.ToString(in.Key)]),
	}, nil
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure(); err != nil {
		return nil, err
	}
	if _, ok := f.objects[aws.ToString(in.Key)]; !ok {
		return nil, &types.NotFound{Message: aws.String("not found")}
	}
	return &s3.HeadObjectOutput{ETag: aws.String(f.etags[aws.ToString(in.Key)])}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure(); err != nil {
		return nil, err
	}
	key := aws.ToString(in.Key)
	current, exists := f.etags[key]
	if aws.ToString(in.IfNoneMatch) == "*" && exists {
		return nil, &smithy.GenericAPIError{Code: "PreconditionFailed", Message: "At least one of the pre-conditions you specified did not hold"}
	}
	if in.IfMatch != nil {
		if !exists {
			return nil, &types.NoSuchKey{Message: aws.String("not found")}
		}
		if aws.ToString(in.IfMatch) != current {
			return nil, &smithy.GenericAPIError{Code: "PreconditionFailed", Message: "At least one of the pre-conditions you specified did not hold"}
		}
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.gen++
	etag := fmt.Sprintf("%q", fmt.Sprintf("etag-%d", f.gen))
	f.objects[key] = data
	f.etags[key] = etag
	return &s3.PutObjectOutput{ETag: aws.String(etag)}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure(); err != nil {
		return nil, err
	}
	delete(f.objects, aws.ToString(in.Key))
	delete(f.etags, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}
