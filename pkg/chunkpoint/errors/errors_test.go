package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCategoryString(t *testing.T) {
	tests := []struct {
		category Category
		expected string
	}{
		{CategoryTransient, "transient"},
		{CategoryRetryable, "retryable"},
		{CategoryPermanent, "permanent"},
		{CategoryAbandoned, "abandoned"},
		{CategoryCorrupt, "corrupt"},
		{CategoryLeaseLost, "lease_lost"},
		{Category(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.category.String())
		})
	}
}

func TestCategorize(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected Category
	}{
		{"nil error", nil, CategoryPermanent},
		{"HTTP 429", &HTTPError{StatusCode: 429}, CategoryTransient},
		{"HTTP 503", &HTTPError{StatusCode: 503}, CategoryTransient},
		{"HTTP 507", &HTTPError{StatusCode: 507}, CategoryTransient},
		{"HTTP 403", &HTTPError{StatusCode: 403}, CategoryPermanent},
		{"HTTP 404", &HTTPError{StatusCode: 404}, CategoryPermanent},
		{"timeout", &TimeoutError{Operation: "put", Duration: "30s"}, CategoryTransient},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), CategoryTransient},
		{"cancelled", fmt.Errorf("work: %w", context.Canceled), CategoryAbandoned},
		{"hash mismatch", &HashMismatchError{URI: "a", Expected: "x", Actual: "y"}, CategoryCorrupt},
		{"categorized", LeaseLost(errors.New("gone"), "renew"), CategoryLeaseLost},
		{"wrapped categorized", fmt.Errorf("outer: %w", Permanent(errors.New("bad"), "")), CategoryPermanent},
		{"unsupported", errors.ErrUnsupported, CategoryPermanent},
		{"unknown", errors.New("boom"), CategoryRetryable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Categorize(tt.err))
		})
	}
}

func TestCategorizedError(t *testing.T) {
	t.Run("error message with context", func(t *testing.T) {
		err := NewCategorized(errors.New("failed"), CategoryTransient, "put object")
		assert.Equal(t, "put object: failed (category: transient, attempts: 0)", err.Error())
	})

	t.Run("error message without context", func(t *testing.T) {
		err := Corrupt(errors.New("bad hash"), "")
		assert.Equal(t, "bad hash (category: corrupt, attempts: 0)", err.Error())
	})

	t.Run("unwrap", func(t *testing.T) {
		inner := errors.New("inner")
		err := Retryable(inner, "work")
		assert.ErrorIs(t, err, inner)
	})
}

func TestHelpers(t *testing.T) {
	assert.True(t, IsTransient(Transient(errors.New("x"), "")))
	assert.False(t, IsTransient(errors.New("x")))
	assert.True(t, IsPermanent(Permanent(errors.New("x"), "")))
	assert.True(t, IsLeaseLost(fmt.Errorf("commit: %w", LeaseLost(errors.New("x"), ""))))
}

func fastRetry(n int) RetryConfig {
	return NewRetryConfig(
		WithMaxAttempts(n),
		WithInitialBackoff(time.Millisecond),
		WithMaxBackoff(2*time.Millisecond),
		WithJitter(0),
	)
}

func TestWithRetryContext(t *testing.T) {
	t.Run("succeeds after transient failures", func(t *testing.T) {
		calls := 0
		var retried []int
		cfg := fastRetry(3)
		cfg.OnRetry = func(attempt int, _ error, _ time.Duration) {
			retried = append(retried, attempt)
		}

		res := WithRetryContext(context.Background(), cfg, func(context.Context) (string, error) {
			calls++
			if calls < 3 {
				return "", Transient(errors.New("throttled"), "put")
			}
			return "ok", nil
		})

		require.NoError(t, res.Err)
		assert.Equal(t, "ok", res.Value)
		assert.Equal(t, 3, res.Attempts)
		assert.Equal(t, []int{1, 2}, retried)
	})

	t.Run("non-retryable error is returned unwrapped", func(t *testing.T) {
		sentinel := errors.New("not found")
		calls := 0
		res := WithRetryContext(context.Background(), fastRetry(5), func(context.Context) (int, error) {
			calls++
			return 0, sentinel
		})

		assert.Same(t, sentinel, res.Err)
		assert.Equal(t, 1, calls)
	})

	t.Run("exhausted retries keep category", func(t *testing.T) {
		res := WithRetryContext(context.Background(), fastRetry(2), func(context.Context) (int, error) {
			return 0, Transient(errors.New("slow down"), "")
		})

		require.Error(t, res.Err)
		assert.Equal(t, 2, res.Attempts)
		assert.Equal(t, CategoryTransient, Categorize(res.Err))
		assert.Contains(t, res.Err.Error(), "max retries exceeded")
	})

	t.Run("cancelled context is abandoned", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		res := WithRetryContext(ctx, fastRetry(3), func(context.Context) (int, error) {
			t.Fatal("fn must not run")
			return 0, nil
		})

		assert.Equal(t, CategoryAbandoned, Categorize(res.Err))
		assert.ErrorIs(t, res.Err, context.Canceled)
		assert.Equal(t, 0, res.Attempts)
	})

	t.Run("custom retryable func", func(t *testing.T) {
		calls := 0
		cfg := fastRetry(3)
		cfg.RetryableFunc = func(error) bool { return true }

		err := Do(context.Background(), cfg, func(context.Context) error {
			calls++
			return errors.New("anything")
		})

		require.Error(t, err)
		assert.Equal(t, 3, calls)
	})
}

func TestNewRetryConfig(t *testing.T) {
	cfg := NewRetryConfig(WithMaxAttempts(7))
	assert.Equal(t, 7, cfg.MaxAttempts)
	assert.Equal(t, DefaultRetry.InitialBackoff, cfg.InitialBackoff)
	assert.Equal(t, 1, NoRetry.MaxAttempts)
}
