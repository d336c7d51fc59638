// Package errors provides error categorization and retry helpers for chunkpoint.
//
// Every failure that reaches the checkpoint store is classified so the
// runner can pick the right chunk transition:
//   - Transient: retry the call in place (object store throttling, timeouts)
//   - Retryable: give up on this attempt, leave the chunk retryable_failed
//   - Permanent: the chunk can never succeed under the current plan
//   - Abandoned: the attempt was interrupted (drain, cancellation)
//   - Corrupt: persisted state disagrees with its recorded hash
//   - LeaseLost: this actor no longer owns the job and must stop mutating
package errors

import (
	"context"
	"errors"
	"fmt"
)

// Category represents how an error should be handled.
type Category int

const (
	// CategoryTransient indicates an immediate retry of the same call will likely help.
	CategoryTransient Category = iota

	// CategoryRetryable indicates the unit of work may succeed on a later attempt.
	CategoryRetryable

	// CategoryPermanent indicates retry won't help.
	CategoryPermanent

	// CategoryAbandoned indicates the work was interrupted before it finished.
	CategoryAbandoned

	// CategoryCorrupt indicates stored data failed verification.
	CategoryCorrupt

	// CategoryLeaseLost indicates the actor lost ownership of the job.
	CategoryLeaseLost
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryTransient:
		return "transient"
	case CategoryRetryable:
		return "retryable"
	case CategoryPermanent:
		return "permanent"
	case CategoryAbandoned:
		return "abandoned"
	case CategoryCorrupt:
		return "corrupt"
	case CategoryLeaseLost:
		return "lease_lost"
	default:
		return "unknown"
	}
}

// CategorizedError wraps an error with its category and context.
type CategorizedError struct {
	// Err is the underlying error.
	Err error

	// Category indicates how this error should be handled.
	Category Category

	// Retries is the number of attempts that have been made.
	Retries int

	// Context describes what operation was being attempted.
	Context string
}

// Error implements the error interface.
func (e *CategorizedError) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("%s: %s (category: %s, attempts: %d)",
			e.Context, e.Err, e.Category, e.Retries)
	}
	return fmt.Sprintf("%s (category: %s, attempts: %d)",
		e.Err, e.Category, e.Retries)
}

// Unwrap returns the underlying error.
func (e *CategorizedError) Unwrap() error {
	return e.Err
}

// NewCategorized creates a new categorized error.
func NewCategorized(err error, category Category, context string) *CategorizedError {
	return &CategorizedError{
		Err:      err,
		Category: category,
		Context:  context,
	}
}

// Transient creates a transient error.
func Transient(err error, context string) *CategorizedError {
	return NewCategorized(err, CategoryTransient, context)
}

// Retryable creates a retryable error.
func Retryable(err error, context string) *CategorizedError {
	return NewCategorized(err, CategoryRetryable, context)
}

// Permanent creates a permanent error.
func Permanent(err error, context string) *CategorizedError {
	return NewCategorized(err, CategoryPermanent, context)
}

// Abandoned creates an abandoned error.
func Abandoned(err error, context string) *CategorizedError {
	return NewCategorized(err, CategoryAbandoned, context)
}

// Corrupt creates a corrupt error.
func Corrupt(err error, context string) *CategorizedError {
	return NewCategorized(err, CategoryCorrupt, context)
}

// LeaseLost creates a lease-lost error.
func LeaseLost(err error, context string) *CategorizedError {
	return NewCategorized(err, CategoryLeaseLost, context)
}

// Categorize determines how an error should be handled.
//
// Errors from work functions that carry no category are treated as
// retryable: a failed attempt is recorded and the chunk stays eligible
// until its attempt budget runs out.
func Categorize(err error) Category {
	if err == nil {
		return CategoryPermanent // shouldn't happen, fail safe
	}

	var catErr *CategorizedError
	if errors.As(err, &catErr) {
		return catErr.Category
	}

	if errors.Is(err, context.Canceled) {
		return CategoryAbandoned
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		switch httpErr.StatusCode {
		case 408, 429, 500, 502, 503, 504:
			return CategoryTransient
		case 401, 403:
			return CategoryPermanent
		default:
			if httpErr.StatusCode >= 500 {
				return CategoryTransient
			}
			return CategoryPermanent
		}
	}

	var hashErr *HashMismatchError
	if errors.As(err, &hashErr) {
		return CategoryCorrupt
	}

	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		return CategoryTransient
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTransient
	}

	if errors.Is(err, errors.ErrUnsupported) {
		return CategoryPermanent
	}

	return CategoryRetryable
}

// IsTransient reports whether the call should be retried in place.
func IsTransient(err error) bool {
	return Categorize(err) == CategoryTransient
}

// IsPermanent reports whether retrying can never help.
func IsPermanent(err error) bool {
	return Categorize(err) == CategoryPermanent
}

// IsLeaseLost reports whether the error means job ownership is gone.
func IsLeaseLost(err error) bool {
	return Categorize(err) == CategoryLeaseLost
}
