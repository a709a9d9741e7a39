package store

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// NewKey returns a unique child key. Keys are UUIDv7, so they sort in creation
// order, which is the order questions are listed in before ranking.
func NewKey() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// Tree is an in-memory Store. The server uses it when no database is
// configured and the tests use it everywhere.
type Tree struct {
	mu     sync.Mutex
	root   any
	subs   *Subscribers
	closed bool
}

func NewTree() *Tree {
	return &Tree{subs: NewSubscribers()}
}

var _ Store = (*Tree)(nil)

func (t *Tree) Subscribe(ctx context.Context, path string, onChange func(Snapshot), onError func(error)) (Unsubscribe, error) {
	p, err := CleanPath(path)
	if err != nil {
		return nil, err
	}
	segs, _ := SplitPath(p)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	sub := NewSubscriber(p, onChange, onError)
	t.subs.Add(sub)
	sub.Deliver(t.snapshotLocked(p, segs))

	return func() { t.subs.Remove(sub) }, nil
}

func (t *Tree) Get(ctx context.Context, path string) (Snapshot, error) {
	p, err := CleanPath(path)
	if err != nil {
		return Snapshot{}, err
	}
	segs, _ := SplitPath(p)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return Snapshot{}, ErrClosed
	}
	return t.snapshotLocked(p, segs), nil
}

func (t *Tree) Set(ctx context.Context, path string, value any) error {
	return t.Update(ctx, path, map[string]any{"": value})
}

func (t *Tree) Remove(ctx context.Context, path string) error {
	return t.Set(ctx, path, nil)
}

func (t *Tree) Push(ctx context.Context, path string, value any) (string, error) {
	key, err := NewKey()
	if err != nil {
		return "", err
	}
	if err := t.Set(ctx, Join(path, key), value); err != nil {
		return "", err
	}
	return key, nil
}

func (t *Tree) Update(ctx context.Context, base string, values map[string]any) error {
	writes, err := prepareWrites(base, values)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	t.applyLocked(writes)
	return nil
}

func (t *Tree) CompareAndSet(ctx context.Context, path, version string, value any) error {
	writes, err := prepareWrites(path, map[string]any{"": value})
	if err != nil {
		return err
	}
	segs := writes[0].segs

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if Version(ValueAt(t.root, segs)) != version {
		return ErrConflict
	}
	t.applyLocked(writes)
	return nil
}

// Close drops every subscription. Later calls fail with ErrClosed.
func (t *Tree) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.subs.Close()
	return nil
}

func (t *Tree) applyLocked(writes []Write) {
	paths := make([]string, 0, len(writes))
	for _, w := range writes {
		t.root = SetAt(t.root, w.segs, Clone(w.Value))
		paths = append(paths, w.Path)
	}
	// Queued under the lock so every subscriber sees writes in commit order.
	for _, sub := range t.subs.Affected(paths...) {
		segs, _ := SplitPath(sub.Path())
		sub.Deliver(t.snapshotLocked(sub.Path(), segs))
	}
}

func (t *Tree) snapshotLocked(p string, segs []string) Snapshot {
	v := ValueAt(t.root, segs)
	return Snapshot{Path: p, Value: Clone(v), Version: Version(v)}
}

// Write is one normalized (path, value) pair of a multi-path update.
type Write struct {
	Path  string
	Value any
	segs  []string
}

// Segments returns the validated path segments.
func (w Write) Segments() []string { return w.segs }

// PrepareWrites validates and normalizes a multi-path update relative to
// base. Stores backed by something other than the in-memory tree use it to get
// identical path and value rules.
func PrepareWrites(base string, values map[string]any) ([]Write, error) {
	return prepareWrites(base, values)
}

func prepareWrites(base string, values map[string]any) ([]Write, error) {
	if _, err := SplitPath(base); err != nil {
		return nil, err
	}
	writes := make([]Write, 0, len(values))
	for rel, v := range values {
		p, err := CleanPath(Join(base, rel))
		if err != nil {
			return nil, err
		}
		segs, _ := SplitPath(p)
		nv, err := Normalize(v)
		if err != nil {
			return nil, err
		}
		writes = append(writes, Write{Path: p, Value: nv, segs: segs})
	}
	// A relative path must not be written twice through an ancestor and a
	// descendant in the same update.
	for i := range writes {
		for j := range writes {
			if i != j && IsWithin(writes[j].Path, writes[i].Path) {
				return nil, ErrInvalidPath
			}
		}
	}
	return writes, nil
}
