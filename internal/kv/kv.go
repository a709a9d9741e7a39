// Package kv holds the device-local byte store used for persisted client state
// (device identity, rate-limit logs, recent rooms, session flags).
package kv

import (
	"errors"
	"sync"
)

// ErrNotFound is returned by Get when the key has never been set or was deleted.
var ErrNotFound = errors.New("kv: key not found")

// Store is a flat key/value store of opaque byte values.
type Store interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Delete(key string) error
}

// Memory is an in-process Store. It is what session-scoped state uses: the data
// disappears with the process.
type Memory struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

func (m *Memory) Get(key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (m *Memory) Set(key string, value []byte) error {
	v := make([]byte, len(value))
	copy(v, value)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = v
	return nil
}

func (m *Memory) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}
