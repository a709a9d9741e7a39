// Package sqlstore keeps the question tree in a SQL database through gorm.
// Every leaf of the tree is one row keyed by its full path; a subtree is the
// set of rows sharing its path as a prefix.
package sqlstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"unicode/utf8"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/sujalbistaa/askwall/internal/store"
)

// Node is one leaf of the tree.
type Node struct {
	Path  string `gorm:"primaryKey;size:512"`
	Value string `gorm:"type:text;not null"` // JSON
}

func (Node) TableName() string {
	return "tree_nodes"
}

// Store implements store.Store on top of a gorm connection.
type Store struct {
	db   *gorm.DB
	log  *slog.Logger
	subs *store.Subscribers

	// mu serializes writes so notifications go out in commit order and
	// CompareAndSet is atomic on every dialect.
	mu sync.Mutex
}

var _ store.Store = (*Store)(nil)

// New migrates the node table and returns the store.
func New(db *gorm.DB, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := db.AutoMigrate(&Node{}); err != nil {
		return nil, fmt.Errorf("migrate tree_nodes: %w", err)
	}
	return &Store{db: db, log: log, subs: store.NewSubscribers()}, nil
}

func (s *Store) Subscribe(ctx context.Context, path string, onChange func(store.Snapshot), onError func(error)) (store.Unsubscribe, error) {
	p, err := store.CleanPath(path)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snap, err := s.snapshot(ctx, s.db, p)
	if err != nil {
		return nil, err
	}
	sub := store.NewSubscriber(p, onChange, onError)
	s.subs.Add(sub)
	sub.Deliver(snap)
	return func() { s.subs.Remove(sub) }, nil
}

func (s *Store) Get(ctx context.Context, path string) (store.Snapshot, error) {
	p, err := store.CleanPath(path)
	if err != nil {
		return store.Snapshot{}, err
	}
	return s.snapshot(ctx, s.db, p)
}

func (s *Store) Set(ctx context.Context, path string, value any) error {
	return s.Update(ctx, path, map[string]any{"": value})
}

func (s *Store) Remove(ctx context.Context, path string) error {
	return s.Set(ctx, path, nil)
}

func (s *Store) Push(ctx context.Context, path string, value any) (string, error) {
	key, err := store.NewKey()
	if err != nil {
		return "", err
	}
	if err := s.Set(ctx, store.Join(path, key), value); err != nil {
		return "", err
	}
	return key, nil
}

func (s *Store) Update(ctx context.Context, base string, values map[string]any) error {
	writes, err := store.PrepareWrites(base, values)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, w := range writes {
			if err := writeSubtree(tx, w); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return unavailable(err)
	}
	s.notify(ctx, writes)
	return nil
}

func (s *Store) CompareAndSet(ctx context.Context, path, version string, value any) error {
	writes, err := store.PrepareWrites(path, map[string]any{"": value})
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cur, err := readSubtree(tx, writes[0].Path)
		if err != nil {
			return err
		}
		if store.Version(cur) != version {
			return store.ErrConflict
		}
		return writeSubtree(tx, writes[0])
	})
	if errors.Is(err, store.ErrConflict) {
		return err
	}
	if err != nil {
		return unavailable(err)
	}
	s.notify(ctx, writes)
	return nil
}

// Close drops every subscription. The gorm connection belongs to the caller.
func (s *Store) Close() error {
	s.subs.Close()
	return nil
}

func (s *Store) notify(ctx context.Context, writes []store.Write) {
	paths := make([]string, len(writes))
	for i, w := range writes {
		paths[i] = w.Path
	}
	for _, sub := range s.subs.Affected(paths...) {
		snap, err := s.snapshot(context.WithoutCancel(ctx), s.db, sub.Path())
		if err != nil {
			s.log.Warn("tree subscription refresh failed", "path", sub.Path(), "err", err)
			sub.Fail(err)
			continue
		}
		sub.Deliver(snap)
	}
}

func (s *Store) snapshot(ctx context.Context, db *gorm.DB, p string) (store.Snapshot, error) {
	v, err := readSubtree(db.WithContext(ctx), p)
	if err != nil {
		return store.Snapshot{}, unavailable(err)
	}
	return store.Snapshot{Path: p, Value: v, Version: store.Version(v)}, nil
}

func readSubtree(db *gorm.DB, p string) (any, error) {
	var nodes []Node
	q := db.Model(&Node{})
	if p != "" {
		q = q.Where(subtree(p))
	}
	if err := q.Find(&nodes).Error; err != nil {
		return nil, err
	}

	var root any
	for _, n := range nodes {
		if p != "" && n.Path != p && !strings.HasPrefix(n.Path, p+"/") {
			continue
		}
		var leaf any
		if err := json.Unmarshal([]byte(n.Value), &leaf); err != nil {
			return nil, fmt.Errorf("decode node %s: %w", n.Path, err)
		}
		rel := strings.TrimPrefix(strings.TrimPrefix(n.Path, p), "/")
		segs, err := store.SplitPath(rel)
		if err != nil {
			return nil, err
		}
		root = store.SetAt(root, segs, leaf)
	}
	return root, nil
}

func writeSubtree(tx *gorm.DB, w store.Write) error {
	p := w.Path

	del := tx.Where("1 = 1")
	if p != "" {
		del = tx.Where(subtree(p))
	}
	if err := del.Delete(&Node{}).Error; err != nil {
		return err
	}
	if w.Value == nil {
		return nil
	}

	// A leaf stored at an ancestor would shadow the new subtree.
	segs := w.Segments()
	if len(segs) > 1 {
		ancestors := make([]string, 0, len(segs)-1)
		for i := 1; i < len(segs); i++ {
			ancestors = append(ancestors, strings.Join(segs[:i], "/"))
		}
		if err := tx.Where("path IN ?", ancestors).Delete(&Node{}).Error; err != nil {
			return err
		}
	}

	var nodes []Node
	if err := flatten(p, w.Value, &nodes); err != nil {
		return err
	}
	return tx.CreateInBatches(nodes, 200).Error
}

func flatten(prefix string, v any, out *[]Node) error {
	if m, ok := v.(map[string]any); ok {
		for k, c := range m {
			if err := flatten(store.Join(prefix, k), c, out); err != nil {
				return err
			}
		}
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	*out = append(*out, Node{Path: prefix, Value: string(raw)})
	return nil
}

// subtree matches p and every path below it. The prefix is compared byte for
// byte: room keys are case-sensitive and SQLite's LIKE is not.
func subtree(p string) clause.Expr {
	prefix := p + "/"
	return gorm.Expr("(path = ? OR substr(path, 1, ?) = ?)", p, utf8.RuneCountInString(prefix), prefix)
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
}
