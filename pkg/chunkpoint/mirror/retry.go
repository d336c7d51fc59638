package mirror

import (
	"context"
	"log/slog"
	"time"

	ckerrors "github.com/randalmurphal/chunkpoint/pkg/chunkpoint/errors"
)

// Retrying decorates an ObjectStore with retries of transient errors.
// Sentinel errors are never retried.
type Retrying struct {
	next ObjectStore
	cfg  ckerrors.RetryConfig
}

var _ ObjectStore = (*Retrying)(nil)

// WithRetry wraps store so transient failures are retried with backoff.
func WithRetry(store ObjectStore, cfg ckerrors.RetryConfig, logger *slog.Logger) *Retrying {
	r := &Retrying{next: store, cfg: cfg}
	if r.cfg.OnRetry == nil && logger != nil {
		r.cfg.OnRetry = func(attempt int, err error, backoff time.Duration) {
			logger.Warn("object store call failed, retrying",
				slog.Int("attempt", attempt),
				slog.Duration("backoff", backoff),
				slog.String("error", err.Error()),
			)
		}
	}
	return r
}

func retryValue[T any](ctx context.Context, cfg ckerrors.RetryConfig, fn func(context.Context) (T, error)) (T, error) {
	res := ckerrors.WithRetryContext(ctx, cfg, fn)
	return res.Value, res.Err
}

// ConditionalCreate implements ObjectStore.
func (r *Retrying) ConditionalCreate(ctx context.Context, key string, data []byte) (Version, error) {
	return retryValue(ctx, r.cfg, func(ctx context.Context) (Version, error) {
		return r.next.ConditionalCreate(ctx, key, data)
	})
}

// Get implements ObjectStore.
func (r *Retrying) Get(ctx context.Context, key string) (*Object, error) {
	return retryValue(ctx, r.cfg, func(ctx context.Context) (*Object, error) {
		return r.next.Get(ctx, key)
	})
}

// Head implements ObjectStore.
func (r *Retrying) Head(ctx context.Context, key string) (Version, error) {
	return retryValue(ctx, r.cfg, func(ctx context.Context) (Version, error) {
		return r.next.Head(ctx, key)
	})
}

// Copy implements ObjectStore.
func (r *Retrying) Copy(ctx context.Context, src, dst string, expected Version) (Version, error) {
	return retryValue(ctx, r.cfg, func(ctx context.Context) (Version, error) {
		return r.next.Copy(ctx, src, dst, expected)
	})
}

// Delete implements ObjectStore.
func (r *Retrying) Delete(ctx context.Context, key string) error {
	return ckerrors.Do(ctx, r.cfg, func(ctx context.Context) error {
		return r.next.Delete(ctx, key)
	})
}
