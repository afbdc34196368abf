// Package kvstore wraps the external key/value engine behind the minimal
// contract the repositories depend on. The adapter carries no domain
// semantics; key schemes, filtering and ordering belong to the callers.
package kvstore

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// ErrKeyNotFound is returned by Get for absent keys.
var ErrKeyNotFound = errors.New("kvstore: key not found")

// Store is the persistence contract. Only per-key atomicity is assumed:
// a single Set or SetNX is atomic, there are no multi-key transactions.
// GetByPrefix returns values in unspecified order; callers re-sort.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	// SetNX writes the key only if it does not exist and reports whether
	// the write happened. This is the create-if-absent primitive the claim
	// path uses as its serialization point.
	SetNX(ctx context.Context, key string, value []byte) (bool, error)
	Delete(ctx context.Context, key string) error
	GetByPrefix(ctx context.Context, prefix string) ([][]byte, error)
}

// MemoryStore is a mutex-guarded map satisfying Store. Used for tests and
// for running the server without Redis.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (m *MemoryStore) Set(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *MemoryStore) SetNX(ctx context.Context, key string, value []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[key]; ok {
		return false, nil
	}
	m.data[key] = append([]byte(nil), value...)
	return true, nil
}

func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *MemoryStore) GetByPrefix(ctx context.Context, prefix string) ([][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out [][]byte
	for k, v := range m.data {
		if strings.HasPrefix(k, prefix) {
			out = append(out, append([]byte(nil), v...))
		}
	}
	return out, nil
}
