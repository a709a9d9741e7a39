// Package store defines the hierarchical key-value tree the Q&A rooms live in,
// together with an in-memory implementation.
//
// A tree is addressed by slash-separated paths ("rooms/main/questions").
// Values are JSON-shaped: maps of string to value, strings, float64 numbers,
// booleans. Writing nil (or an empty map) at a path deletes it; parents left
// empty by a delete disappear with it.
package store

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	// ErrPermissionDenied means the store refused the operation by policy.
	ErrPermissionDenied = errors.New("store: permission denied")
	// ErrUnavailable means the store could not be reached.
	ErrUnavailable = errors.New("store: unavailable")
	// ErrConflict means a CompareAndSet lost against a concurrent write.
	ErrConflict = errors.New("store: version conflict")
	// ErrInvalidPath means a path segment was empty or used a reserved character.
	ErrInvalidPath = errors.New("store: invalid path")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("store: closed")
)

// Snapshot is the complete value at a path at one point in time.
type Snapshot struct {
	Path    string `json:"path"`
	Value   any    `json:"value"`
	Version string `json:"version"`
}

// Exists reports whether anything is stored at the path.
func (s Snapshot) Exists() bool { return s.Value != nil }

// Decode converts the generic value into dst.
func (s Snapshot) Decode(dst any) error {
	raw, err := json.Marshal(s.Value)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}

// Unsubscribe stops a subscription. It is safe to call more than once.
type Unsubscribe func()

// Store is the remote tree as the rest of the system consumes it.
type Store interface {
	// Subscribe delivers the full value at path once immediately and again
	// after every change that touches it. onError is called when the
	// subscription breaks; delivery may resume later if the store reconnects.
	Subscribe(ctx context.Context, path string, onChange func(Snapshot), onError func(error)) (Unsubscribe, error)
	Get(ctx context.Context, path string) (Snapshot, error)
	// Set replaces the subtree at path. A nil value deletes it.
	Set(ctx context.Context, path string, value any) error
	// Update applies every relative path in values atomically. A nil value
	// deletes that field.
	Update(ctx context.Context, base string, values map[string]any) error
	// Push stores value under a new, store-assigned child key of path.
	Push(ctx context.Context, path string, value any) (string, error)
	Remove(ctx context.Context, path string) error
	// CompareAndSet behaves like Set when the current version at path equals
	// version, and fails with ErrConflict otherwise.
	CompareAndSet(ctx context.Context, path, version string, value any) error
}
