package mirror

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Op names an ObjectStore operation for fault injection.
type Op string

// ObjectStore operations.
const (
	OpCreate Op = "create"
	OpGet    Op = "get"
	OpHead   Op = "head"
	OpCopy   Op = "copy"
	OpDelete Op = "delete"
)

// MemoryStore is an in-memory object store for tests and examples.
// Data is lost when the process exits.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]storedObject
	gen     int64

	// Fault, when set, runs before every operation. A non-nil error is
	// returned to the caller and the operation is skipped.
	Fault func(op Op, key string) error
}

type storedObject struct {
	data    []byte
	version Version
}

// NewMemoryStore creates an empty in-memory object store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]storedObject)}
}

var _ ObjectStore = (*MemoryStore)(nil)

func (m *MemoryStore) fault(op Op, key string) error {
	if m.Fault == nil {
		return nil
	}
	return m.Fault(op, key)
}

// put stores a copy of data. Caller holds the write lock.
func (m *MemoryStore) put(key string, data []byte) Version {
	m.gen++
	stored := make([]byte, len(data))
	copy(stored, data)
	v := Version(fmt.Sprintf("g%d", m.gen))
	m.objects[key] = storedObject{data: stored, version: v}
	return v
}

// ConditionalCreate implements ObjectStore.
func (m *MemoryStore) ConditionalCreate(_ context.Context, key string, data []byte) (Version, error) {
	if err := m.fault(OpCreate, key); err != nil {
		return NoVersion, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.objects[key]; ok {
		return NoVersion, fmt.Errorf("%s: %w", key, ErrAlreadyExists)
	}
	return m.put(key, data), nil
}

// Get implements ObjectStore.
func (m *MemoryStore) Get(_ context.Context, key string) (*Object, error) {
	if err := m.fault(OpGet, key); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	obj, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	data := make([]byte, len(obj.data))
	copy(data, obj.data)
	return &Object{Key: key, Data: data, Version: obj.version}, nil
}

// Head implements ObjectStore.
func (m *MemoryStore) Head(_ context.Context, key string) (Version, error) {
	if err := m.fault(OpHead, key); err != nil {
		return NoVersion, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	obj, ok := m.objects[key]
	if !ok {
		return NoVersion, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return obj.version, nil
}

// Copy implements ObjectStore.
func (m *MemoryStore) Copy(_ context.Context, src, dst string, expected Version) (Version, error) {
	if err := m.fault(OpCopy, dst); err != nil {
		return NoVersion, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	source, ok := m.objects[src]
	if !ok {
		return NoVersion, fmt.Errorf("%s: %w", src, ErrNotFound)
	}
	current, exists := m.objects[dst]
	switch {
	case expected == NoVersion && exists:
		return NoVersion, fmt.Errorf("%s: %w: expected absent", dst, ErrVersionConflict)
	case expected != NoVersion && !exists:
		return NoVersion, fmt.Errorf("%s: %w: expected %s, object absent", dst, ErrVersionConflict, expected)
	case expected != NoVersion && current.version != expected:
		return NoVersion, fmt.Errorf("%s: %w: expected %s, found %s", dst, ErrVersionConflict, expected, current.version)
	}
	return m.put(dst, source.data), nil
}

// Delete implements ObjectStore.
func (m *MemoryStore) Delete(_ context.Context, key string) error {
	if err := m.fault(OpDelete, key); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

// Put overwrites key unconditionally. Tests use it to simulate
// out-of-band writers.
func (m *MemoryStore) Put(key string, data []byte) Version {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.put(key, data)
}

// Keys returns all keys with the given prefix, sorted.
func (m *MemoryStore) Keys(prefix string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}
