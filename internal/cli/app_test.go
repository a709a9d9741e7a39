package cli

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sujalbistaa/askwall/internal/admin"
	"github.com/sujalbistaa/askwall/internal/cleanup"
	"github.com/sujalbistaa/askwall/internal/kv"
	"github.com/sujalbistaa/askwall/internal/live"
	"github.com/sujalbistaa/askwall/internal/ratelimit"
	"github.com/sujalbistaa/askwall/internal/room"
	"github.com/sujalbistaa/askwall/internal/store"
)

const secret = "letmein"

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

// take returns what was written since the last call.
func (s *syncBuffer) take() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.b.String()
	s.b.Reset()
	return out
}

type harness struct {
	app  *App
	tree *store.Tree
	out  *syncBuffer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	tree := store.NewTree()
	t.Cleanup(func() { _ = tree.Close() })

	presets := ratelimit.DefaultPresets()
	presets.Vote = ratelimit.Preset{Max: 100, Window: time.Second}
	state := kv.NewMemory()
	limits := ratelimit.NewSet(state, presets)

	out := &syncBuffer{}
	app := New(Options{
		Store:        tree,
		Rooms:        room.NewResolver(state, limits.RoomCreate, log),
		Limits:       limits,
		Admin:        admin.NewGate(secret, kv.NewMemory()),
		Cleaner:      LocalCleaner{Collector: cleanup.NewCollector(tree, cleanup.DefaultThreshold, cleanup.WithLogger(log))},
		DeviceID:     "device_test",
		Logger:       log,
		ReadyTimeout: 2 * time.Second,
	}, out)
	t.Cleanup(app.Close)
	return &harness{app: app, tree: tree, out: out}
}

func (h *harness) exec(t *testing.T, line string) string {
	t.Helper()
	_, err := h.app.Exec(context.Background(), line)
	require.NoError(t, err, line)
	return h.out.take()
}

func (h *harness) questions() []live.Question {
	return h.app.current.View().Questions
}

func TestExec_NeedsRoom(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	_, err := h.app.Exec(context.Background(), "list")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no room open")

	quit, err := h.app.Exec(context.Background(), "  QUIT ")
	require.NoError(t, err)
	assert.True(t, quit)

	assert.Contains(t, h.exec(t, "help"), "admin cleanup")
	assert.Empty(t, h.exec(t, ""))
}

func TestAskVoteAndList(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	assert.Contains(t, h.exec(t, "room main"), "joined room main (0 questions)")
	assert.Contains(t, h.exec(t, "list"), "no questions yet in main")

	assert.Contains(t, h.exec(t, "ask  what about lunch? "), "asked")
	require.Eventually(t, func() bool { return len(h.questions()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "what about lunch?", h.questions()[0].Text)

	assert.Contains(t, h.exec(t, "list"), "[0] what about lunch? (yours)")
	assert.Equal(t, "voted\n", h.exec(t, "vote 1"))
	require.Eventually(t, func() bool { return h.questions()[0].Votes == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, h.exec(t, "list"), "1.* [1] what about lunch?")

	assert.Equal(t, "vote removed\n", h.exec(t, "vote 1"))
	require.Eventually(t, func() bool { return h.questions()[0].Votes == 0 }, 2*time.Second, 10*time.Millisecond)

	_, err := h.app.Exec(context.Background(), "vote 7")
	assert.ErrorContains(t, err, "no question #7")
	_, err = h.app.Exec(context.Background(), "ask   ")
	assert.ErrorIs(t, err, live.ErrValidation)
}

func TestQuestionByIDPrefix(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.exec(t, "room main")
	h.exec(t, "ask first")
	require.Eventually(t, func() bool { return len(h.questions()) == 1 }, 2*time.Second, 10*time.Millisecond)
	id := h.questions()[0].ID

	// ids can be named without listing first
	assert.Equal(t, "voted\n", h.exec(t, "vote "+id[:len(id)-2]))

	_, err := h.app.Exec(context.Background(), "vote nosuchid")
	assert.ErrorIs(t, err, live.ErrNotFound)
}

func TestReplies(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.exec(t, "room main")
	h.exec(t, "ask is it recorded?")
	require.Eventually(t, func() bool { return len(h.questions()) == 1 }, 2*time.Second, 10*time.Millisecond)
	h.exec(t, "list")

	assert.Contains(t, h.exec(t, "replies 1"), "no replies")
	assert.Equal(t, "replied\n", h.exec(t, "reply 1 yes, slides too"))
	require.Eventually(t, func() bool { return len(h.questions()[0].Replies) == 1 }, 2*time.Second, 10*time.Millisecond)

	out := h.exec(t, "replies 1")
	assert.Contains(t, out, "yes, slides too")
	assert.Contains(t, h.exec(t, "list"), "(1 replies)")
}

func TestDeleteNeedsConfirmation(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.exec(t, "room main")
	h.exec(t, "ask oops")
	require.Eventually(t, func() bool { return len(h.questions()) == 1 }, 2*time.Second, 10*time.Millisecond)
	h.exec(t, "list")

	assert.Contains(t, h.exec(t, "delete 1"), "delete 1 --yes")
	assert.Len(t, h.questions(), 1)

	assert.Equal(t, "deleted\n", h.exec(t, "delete 1 --yes"))
	require.Eventually(t, func() bool { return len(h.questions()) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestAdminCommands(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	h.exec(t, "room main")
	require.NoError(t, h.tree.Set(ctx, "rooms/main/questions/q1", map[string]any{
		"text": "someone else's", "votes": 0, "creatorId": "device_other", "timestamp": time.Now().UnixMilli(),
	}))
	require.Eventually(t, func() bool { return len(h.questions()) == 1 }, 2*time.Second, 10*time.Millisecond)
	h.exec(t, "list")

	_, err := h.app.Exec(ctx, "delete 1 --yes")
	assert.ErrorIs(t, err, live.ErrPermission)
	_, err = h.app.Exec(ctx, "admin delete 1")
	assert.ErrorIs(t, err, admin.ErrNotAuthenticated)
	_, err = h.app.Exec(ctx, "admin login nope")
	assert.ErrorIs(t, err, admin.ErrWrongSecret)

	assert.Equal(t, "admin mode on\n", h.exec(t, "admin login "+secret))
	assert.Contains(t, h.exec(t, "status"), "admin mode on")
	assert.Equal(t, "deleted\n", h.exec(t, "admin delete 1"))
	require.Eventually(t, func() bool { return len(h.questions()) == 0 }, 2*time.Second, 10*time.Millisecond)

	h.exec(t, "ask one")
	h.exec(t, "ask two")
	require.Eventually(t, func() bool { return len(h.questions()) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, h.exec(t, "admin clear"), "admin clear --yes")
	assert.Len(t, h.questions(), 2)
	assert.Equal(t, "room cleared\n", h.exec(t, "admin clear --yes"))
	require.Eventually(t, func() bool { return len(h.questions()) == 0 }, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, "admin mode off\n", h.exec(t, "admin logout"))
	_, err = h.app.Exec(ctx, "admin clear --yes")
	assert.ErrorIs(t, err, admin.ErrNotAuthenticated)
}

func TestAdminCleanup(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	old := time.Now().Add(-20 * 24 * time.Hour).UnixMilli()
	require.NoError(t, h.tree.Set(ctx, "rooms/ghost/questions/q", map[string]any{"text": "x", "timestamp": old}))
	h.exec(t, "room main")

	_, err := h.app.Exec(ctx, "admin cleanup")
	assert.ErrorIs(t, err, admin.ErrNotAuthenticated)
	h.exec(t, "admin login "+secret)

	out := h.exec(t, "admin cleanup")
	assert.Contains(t, out, "found 1 stale rooms")
	assert.Contains(t, out, "* ghost")
	assert.Contains(t, out, "admin cleanup --apply")
	snap, err := h.tree.Get(ctx, "rooms/ghost")
	require.NoError(t, err)
	assert.True(t, snap.Exists())

	assert.Contains(t, h.exec(t, "admin cleanup --apply"), "deleted 1 rooms")
	snap, err = h.tree.Get(ctx, "rooms/ghost")
	require.NoError(t, err)
	assert.False(t, snap.Exists())
}

func TestRoomSwitching(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.exec(t, "room first")
	h.exec(t, "ask in first")
	require.Eventually(t, func() bool { return len(h.questions()) == 1 }, 2*time.Second, 10*time.Millisecond)

	assert.Contains(t, h.exec(t, "join Second Room!"), "joined room SecondRoom")
	assert.Empty(t, h.questions())
	assert.Equal(t, "recent rooms: SecondRoom, first\n", h.exec(t, "rooms"))

	// revisiting is free, a third new room is not
	h.exec(t, "room first")
	h.exec(t, "room third")
	_, err := h.app.Exec(context.Background(), "room fourth")
	var rl *room.RateLimitedError
	require.ErrorAs(t, err, &rl)
	assert.Contains(t, describe(err), "too many new rooms")
	assert.Equal(t, "third", h.app.current.Room())
}

func TestStatusShowsQuota(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.exec(t, "room main")
	h.exec(t, "ask a")

	out := h.exec(t, "status")
	assert.Contains(t, out, "room main, live")
	assert.Contains(t, out, "questionSubmit  4 of 5 left per 1 minute")
}

func TestRun(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	in := strings.NewReader("room main\nfrobnicate\nask from a script\nquit\nask never\n")

	require.NoError(t, h.app.Run(context.Background(), in))
	out := h.out.String()
	assert.Contains(t, out, "device device_test")
	assert.Contains(t, out, "joined room main")
	assert.Contains(t, out, `error: unknown command "frobnicate"`)
	assert.Contains(t, out, "main> ")
	require.Eventually(t, func() bool { return len(h.questions()) == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestReadLinesStopsWhenDone(t *testing.T) {
	t.Parallel()
	done := make(chan struct{})
	lines, readErr := readLines(strings.NewReader("one\ntwo\nthree\n"), done)

	assert.Equal(t, "one", <-lines)
	close(done)

	// the reader gives up on the unread lines instead of blocking on the send
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-lines:
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, readErr)
}

func TestReadLinesReportsEOF(t *testing.T) {
	t.Parallel()
	done := make(chan struct{})
	defer close(done)
	lines, readErr := readLines(strings.NewReader("only\n"), done)

	var got []string
	for l := range lines {
		got = append(got, l)
	}
	assert.Equal(t, []string{"only"}, got)
	assert.NoError(t, <-readErr)
}

func TestDescribe(t *testing.T) {
	t.Parallel()
	err := &live.Error{Kind: live.KindAuth, Op: "clear", Err: admin.ErrNotConfigured}
	assert.Contains(t, describe(err), "ASKWALL_ADMIN_SECRET")
	assert.Equal(t, "boom", describe(errors.New("boom")))
}
