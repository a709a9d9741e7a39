// Package room turns whatever the user typed or navigated to into a room key
// and remembers the rooms this device visited.
package room

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sujalbistaa/askwall/internal/kv"
	"github.com/sujalbistaa/askwall/internal/ratelimit"
)

const (
	DefaultRoom = "default"
	MaxLen      = 50
	MaxRecent   = 10

	recentKey = "recentRooms"
)

// Sanitize keeps letters, digits, '_' and '-', caps the result at MaxLen and
// falls back to DefaultRoom when nothing is left.
func Sanitize(input string) string {
	var b strings.Builder
	for _, r := range input {
		if isAllowed(r) {
			b.WriteRune(r)
			if b.Len() == MaxLen {
				break
			}
		}
	}
	if b.Len() == 0 {
		return DefaultRoom
	}
	return b.String()
}

// Valid reports whether id is already a well-formed room key.
func Valid(id string) bool {
	if id == "" || len(id) > MaxLen {
		return false
	}
	for _, r := range id {
		if !isAllowed(r) {
			return false
		}
	}
	return true
}

func isAllowed(r rune) bool {
	return r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '_' || r == '-'
}

// RateLimitedError is returned by Create when the device made too many rooms.
type RateLimitedError struct {
	WaitSeconds int
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("too many new rooms, please wait %d seconds", e.WaitSeconds)
}

// Resolver picks the active room and keeps the recency list.
type Resolver struct {
	store  kv.Store
	create *ratelimit.Limiter
	log    *slog.Logger
}

// NewResolver wires the recency list to s. create throttles rooms this device
// has never visited; nil disables the throttle.
func NewResolver(s kv.Store, create *ratelimit.Limiter, log *slog.Logger) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{store: s, create: create, log: log}
}

// Resolve selects the room named by a link or navigation parameter.
func (r *Resolver) Resolve(input string) string {
	id := Sanitize(input)
	r.remember(id)
	return id
}

// Create selects a room the user asked to open by name. Opening a room that
// is not in the recency list counts against the room-create limit.
func (r *Resolver) Create(input string) (string, error) {
	id := Sanitize(input)
	if r.create != nil && !r.isRecent(id) {
		if d := r.create.Check(ratelimit.ActionRoomCreate.Key()); !d.Allowed {
			return "", &RateLimitedError{WaitSeconds: d.WaitSeconds}
		}
	}
	r.remember(id)
	return id, nil
}

// Recent lists visited rooms, most recent first.
func (r *Resolver) Recent() []string {
	raw, err := r.store.Get(recentKey)
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			r.log.Warn("recent rooms unreadable", "err", err)
		}
		return nil
	}
	var ids []string
	if err := json.Unmarshal(raw, &ids); err != nil {
		r.log.Warn("recent rooms corrupt", "err", err)
		return nil
	}
	return ids
}

func (r *Resolver) isRecent(id string) bool {
	for _, v := range r.Recent() {
		if v == id {
			return true
		}
	}
	return false
}

func (r *Resolver) remember(id string) {
	ids := []string{id}
	for _, v := range r.Recent() {
		if v != id && Valid(v) {
			ids = append(ids, v)
		}
		if len(ids) == MaxRecent {
			break
		}
	}
	raw, err := json.Marshal(ids)
	if err != nil {
		return
	}
	if err := r.store.Set(recentKey, raw); err != nil {
		r.log.Warn("recent rooms not saved", "err", err)
	}
}
