// Package ratelimit is the device-local sliding-window log limiter. It keeps the
// actual timestamps of recent actions in a kv.Store and prunes them to the
// trailing window on every check.
//
// The limiter is an abuse deterrent for well-behaved clients, not a security
// boundary: whenever its storage misbehaves it lets the action through.
package ratelimit

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sujalbistaa/askwall/internal/kv"
)

const storagePrefix = "rateLimit_"

// Decision is the outcome of a Check.
type Decision struct {
	Allowed bool
	// WaitSeconds is set when Allowed is false: how long until the oldest
	// entry leaves the window, rounded up to whole seconds.
	WaitSeconds int
}

// Message renders a denial for the person at the keyboard.
func (d Decision) Message() string {
	if d.Allowed {
		return ""
	}
	return fmt.Sprintf("Too many requests, please wait %d seconds", d.WaitSeconds)
}

type Option func(*Limiter)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

func WithLogger(log *slog.Logger) Option {
	return func(l *Limiter) { l.log = log }
}

// Limiter allows at most max actions per key inside any trailing window.
type Limiter struct {
	mu     sync.Mutex
	store  kv.Store
	max    int
	window time.Duration
	now    func() time.Time
	log    *slog.Logger
}

// New binds a limiter to (max, window). Both must be positive.
func New(store kv.Store, max int, window time.Duration, opts ...Option) *Limiter {
	if max <= 0 {
		panic("ratelimit: max must be > 0")
	}
	if window < time.Millisecond {
		panic("ratelimit: window must be >= 1ms")
	}
	l := &Limiter{
		store:  store,
		max:    max,
		window: window,
		now:    time.Now,
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Limiter) Max() int { return l.max }

func (l *Limiter) Window() time.Duration { return l.window }

// Check decides whether the action may run now. An allowed check records the
// action immediately, so the quota is spent even if the caller later fails.
func (l *Limiter) Check(key string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now().UnixMilli()
	entries, err := l.load(key)
	if err != nil {
		l.log.Warn("rate limit check failed, allowing", "key", key, "err", err)
		return Decision{Allowed: true}
	}
	live := l.prune(entries, now)

	if len(live) >= l.max {
		oldest := live[0]
		for _, ts := range live[1:] {
			if ts < oldest {
				oldest = ts
			}
		}
		waitMs := l.window.Milliseconds() - (now - oldest)
		return Decision{Allowed: false, WaitSeconds: ceilSeconds(waitMs)}
	}

	live = append(live, now)
	if err := l.save(key, live); err != nil {
		l.log.Warn("rate limit record failed, allowing", "key", key, "err", err)
	}
	return Decision{Allowed: true}
}

// Reset forgets every recorded action for key.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.store.Delete(storagePrefix + key); err != nil {
		l.log.Warn("rate limit reset failed", "key", key, "err", err)
	}
}

// Remaining reports how many more actions fit in the current window.
func (l *Limiter) Remaining(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries, err := l.load(key)
	if err != nil {
		l.log.Warn("rate limit remaining failed", "key", key, "err", err)
		return l.max
	}
	return max(0, l.max-len(l.prune(entries, l.now().UnixMilli())))
}

func (l *Limiter) prune(entries []int64, now int64) []int64 {
	windowMs := l.window.Milliseconds()
	live := entries[:0]
	for _, ts := range entries {
		if now-ts < windowMs {
			live = append(live, ts)
		}
	}
	return live
}

func (l *Limiter) load(key string) ([]int64, error) {
	raw, err := l.store.Get(storagePrefix + key)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var entries []int64
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("decode %s%s: %w", storagePrefix, key, err)
	}
	return entries, nil
}

func (l *Limiter) save(key string, entries []int64) error {
	raw, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	return l.store.Set(storagePrefix+key, raw)
}

func ceilSeconds(ms int64) int {
	if ms <= 0 {
		return 0
	}
	return int((ms + 999) / 1000)
}
