// Package live keeps a local, materialized view of one room's questions in
// step with the shared store and turns user intents into store writes.
//
// The view is never patched locally: every change, including this device's
// own writes, reaches it through the subscription as a full snapshot.
package live

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sujalbistaa/askwall/internal/admin"
	"github.com/sujalbistaa/askwall/internal/ratelimit"
	"github.com/sujalbistaa/askwall/internal/store"
)

// State is the connectivity of the subscription.
type State int

const (
	StateConnecting State = iota
	StateLive
	StateError
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateLive:
		return "live"
	case StateError:
		return "error"
	}
	return "unknown"
}

// VoteMode selects how a vote toggle is written.
type VoteMode int

const (
	// VoteTransactional re-reads the question on the store and retries on
	// conflict, so votes always matches votedBy.
	VoteTransactional VoteMode = iota
	// VoteMultiPath decides from the local view and writes votes and
	// votedBy/{device} in one multi-path update. Two devices toggling the
	// same question at once can leave votes out of step with votedBy.
	VoteMultiPath
)

func (m VoteMode) String() string {
	if m == VoteMultiPath {
		return "multipath"
	}
	return "transactional"
}

// ParseVoteMode accepts "transactional" and "multipath".
func ParseVoteMode(s string) (VoteMode, bool) {
	switch s {
	case "", "transactional":
		return VoteTransactional, true
	case "multipath":
		return VoteMultiPath, true
	}
	return 0, false
}

// View is what the presentation layer renders.
type View struct {
	Room      string
	State     State
	Questions []Question // store key order
	Err       error
}

func (v View) Ranked() []Question { return Rank(v.Questions) }

func (v View) Display() []Question { return Top(v.Questions, DisplayLimit) }

type Options struct {
	Store    store.Store
	Room     string
	DeviceID string
	Limits   ratelimit.Set
	Admin    *admin.Gate
	VoteMode VoteMode
	// MaxQuestions caps a room; zero means DefaultMaxQuestions.
	MaxQuestions int
	Logger       *slog.Logger
	Now          func() time.Time
	// OnChange runs after every view replacement, state change or error.
	OnChange func(View)
}

// RoomSync is one mounted room view.
type RoomSync struct {
	opts Options
	base string
	log  *slog.Logger

	mu        sync.RWMutex
	state     State
	questions []Question
	byID      map[string]Question
	lastErr   error
	// writeDown is set when a write, not the subscription, found the store
	// unreachable.
	writeDown bool

	ready     chan struct{}
	readyOnce sync.Once
	unsub     store.Unsubscribe
	closeOnce sync.Once
}

// Open subscribes to the room's questions.
func Open(ctx context.Context, opts Options) (*RoomSync, error) {
	if opts.Store == nil {
		return nil, errors.New("live: nil store")
	}
	if opts.DeviceID == "" {
		return nil, errors.New("live: empty device id")
	}
	if opts.MaxQuestions <= 0 {
		opts.MaxQuestions = DefaultMaxQuestions
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Admin == nil {
		opts.Admin = admin.NewGate("", nil)
	}

	s := &RoomSync{
		opts:  opts,
		base:  store.Join("rooms", opts.Room, "questions"),
		log:   opts.Logger.With("room", opts.Room),
		byID:  map[string]Question{},
		ready: make(chan struct{}),
	}

	unsub, err := opts.Store.Subscribe(ctx, s.base, s.onSnapshot, s.onSubscriptionError)
	if err != nil {
		return nil, remoteErr("subscribe", err)
	}
	s.unsub = unsub
	return s, nil
}

// Close unsubscribes. Writes already issued still complete.
func (s *RoomSync) Close() {
	s.closeOnce.Do(func() {
		if s.unsub != nil {
			s.unsub()
		}
	})
}

// WaitReady blocks until the first snapshot or subscription error arrived.
func (s *RoomSync) WaitReady(ctx context.Context) error {
	select {
	case <-s.ready:
		if st := s.State(); st != StateLive {
			return s.Err()
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *RoomSync) Room() string { return s.opts.Room }

func (s *RoomSync) DeviceID() string { return s.opts.DeviceID }

func (s *RoomSync) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// View returns a copy of the current view.
func (s *RoomSync) View() View {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.viewLocked()
}

// Question looks a question up in the local view.
func (s *RoomSync) Question(id string) (Question, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.byID[id]
	return q, ok
}

// Err is the last error, kept until dismissed or replaced.
func (s *RoomSync) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// DismissError clears the last error. A connectivity error raised by a
// failed write is cleared with it; one raised by the subscription lasts until
// the next snapshot.
func (s *RoomSync) DismissError() {
	s.mu.Lock()
	s.lastErr = nil
	if s.writeDown {
		s.writeDown = false
		s.state = StateLive
	}
	v := s.viewLocked()
	s.mu.Unlock()
	s.emit(v)
}

// HasVoted reports whether this device's vote is recorded on q.
func (s *RoomSync) HasVoted(q Question) bool {
	return q.VotedBy[s.opts.DeviceID]
}

// CanDelete reports whether this device may delete q without admin rights.
func (s *RoomSync) CanDelete(q Question) bool {
	return q.CreatorID != "" && q.CreatorID == s.opts.DeviceID
}

func (s *RoomSync) onSnapshot(snap store.Snapshot) {
	qs := decodeQuestions(snap, s.log)
	byID := make(map[string]Question, len(qs))
	for _, q := range qs {
		byID[q.ID] = q
	}

	s.mu.Lock()
	s.questions = qs
	s.byID = byID
	if s.state == StateError {
		s.log.Info("subscription recovered")
	}
	s.state = StateLive
	s.writeDown = false
	v := s.viewLocked()
	s.mu.Unlock()

	s.readyOnce.Do(func() { close(s.ready) })
	s.emit(v)
}

func (s *RoomSync) onSubscriptionError(err error) {
	s.log.Warn("subscription error", "err", err)

	s.mu.Lock()
	s.state = StateError
	s.writeDown = false
	s.lastErr = &Error{Kind: KindConnectivity, Op: "subscribe", Msg: "lost connection to the question store", Err: err}
	v := s.viewLocked()
	s.mu.Unlock()

	s.readyOnce.Do(func() { close(s.ready) })
	s.emit(v)
}

// fail records err as the current error and hands it back. A write that
// could not reach the store disables submitting until the next snapshot.
func (s *RoomSync) fail(err error) error {
	s.mu.Lock()
	s.lastErr = err
	if errors.Is(err, store.ErrUnavailable) && s.state == StateLive {
		s.log.Warn("store unreachable on write")
		s.state = StateError
		s.writeDown = true
	}
	v := s.viewLocked()
	s.mu.Unlock()
	s.emit(v)
	return err
}

func (s *RoomSync) viewLocked() View {
	qs := make([]Question, len(s.questions))
	copy(qs, s.questions)
	return View{Room: s.opts.Room, State: s.state, Questions: qs, Err: s.lastErr}
}

func (s *RoomSync) emit(v View) {
	if s.opts.OnChange != nil {
		s.opts.OnChange(v)
	}
}

func (s *RoomSync) questionPath(id string) string {
	return store.Join(s.base, id)
}
