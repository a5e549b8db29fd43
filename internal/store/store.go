package store

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrNotFound means the key has no value.
	ErrNotFound = errors.New("store: key not found")

	// ErrConflict means a CompareAndSwap lost the race: the current value did
	// not match the expected one.
	ErrConflict = errors.New("store: compare-and-swap conflict")

	// ErrUnavailable is a transient backend failure. Callers may retry with
	// bounded backoff; see WithRetry.
	ErrUnavailable = errors.New("store: backend unavailable")
)

// Store is the atomic key-value persistence collaborator shared by the queue,
// token and lifecycle components. CompareAndSwap is the only primitive the
// exactly-once guarantees rely on.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	// CompareAndSwap replaces the value at key with next only if the current
	// value equals expected. A nil expected means "key must not exist".
	CompareAndSwap(ctx context.Context, key string, expected, next []byte) error
	Delete(ctx context.Context, key string) error
}

// Memory is the in-process Store used for tests and single-node deployments.
type Memory struct {
	mu   sync.Mutex
	data map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (m *Memory) Put(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *Memory) CompareAndSwap(ctx context.Context, key string, expected, next []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.data[key]
	if expected == nil {
		if ok {
			return ErrConflict
		}
	} else {
		if !ok || string(cur) != string(expected) {
			return ErrConflict
		}
	}
	m.data[key] = append([]byte(nil), next...)
	return nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}
