// Package query provides read-only inspection of a checkpoint store.
//
// Queries never modify state. They run against a store opened with
// store.OpenReadOnly (or a live store, inside a read transaction) and
// answer what an operator asks after a crash or a drain: which files are
// done, which chunks are not and why, and what happened recently.
//
// Built-in queries:
//   - report: per-job, per-file status with the unfinished chunks
//   - unfinished_chunks: every chunk that is not done
//   - events: the most recent audit events
package query

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Handler executes a query and returns a result. An empty jobID selects
// every job in the store. Handlers must not modify state.
type Handler func(ctx context.Context, jobID string, args any) (any, error)

// Registry manages query handlers by query name.
type Registry struct {
	handlers map[string]Handler
	mu       sync.RWMutex
}

// NewRegistry creates a new query registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
	}
}

// Register adds a handler for a query name.
func (r *Registry) Register(queryName string, handler Handler) error {
	if queryName == "" {
		return errors.New("query name is required")
	}
	if handler == nil {
		return errors.New("handler is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[queryName]; exists {
		return fmt.Errorf("handler for query %q already registered", queryName)
	}

	r.handlers[queryName] = handler
	return nil
}

// MustRegister registers a handler, panicking on error.
func (r *Registry) MustRegister(queryName string, handler Handler) {
	if err := r.Register(queryName, handler); err != nil {
		panic(err)
	}
}

// Get returns the handler for a query name.
func (r *Registry) Get(queryName string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handler, exists := r.handlers[queryName]
	return handler, exists
}

// List returns all registered query names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Unregister removes a handler for a query name.
func (r *Registry) Unregister(queryName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, queryName)
}

// ErrQueryNotFound is returned when a query handler doesn't exist.
var ErrQueryNotFound = errors.New("query not found")

// ErrJobNotFound is returned when the queried job doesn't exist.
var ErrJobNotFound = errors.New("job not found")

// Executor runs queries by name.
type Executor struct {
	registry *Registry
}

// NewExecutor creates a new query executor.
func NewExecutor(registry *Registry) *Executor {
	return &Executor{registry: registry}
}

// Execute runs a query against a job.
func (e *Executor) Execute(ctx context.Context, jobID, queryName string, args any) (any, error) {
	if queryName == "" {
		return nil, errors.New("query name is required")
	}

	handler, exists := e.registry.Get(queryName)
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrQueryNotFound, queryName)
	}

	return handler(ctx, jobID, args)
}

// Result wraps a query result with metadata.
type Result struct {
	// QueryName is the query that was executed.
	QueryName string `json:"query_name"`

	// JobID is the job that was queried.
	JobID string `json:"job_id,omitempty"`

	// Value is the query result.
	Value any `json:"value"`

	// Error contains error details if the query failed.
	Error string `json:"error,omitempty"`
}

// ExecuteMultiple runs multiple queries against a job, in name order.
// Returns results for all queries, including any that failed.
func (e *Executor) ExecuteMultiple(ctx context.Context, jobID string, queries map[string]any) []Result {
	names := make([]string, 0, len(queries))
	for name := range queries {
		names = append(names, name)
	}
	sort.Strings(names)

	results := make([]Result, 0, len(queries))
	for _, queryName := range names {
		result := Result{
			QueryName: queryName,
			JobID:     jobID,
		}

		value, err := e.Execute(ctx, jobID, queryName, queries[queryName])
		if err != nil {
			result.Error = err.Error()
		} else {
			result.Value = value
		}

		results = append(results, result)
	}

	return results
}
