package live

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sujalbistaa/askwall/internal/admin"
	"github.com/sujalbistaa/askwall/internal/kv"
	"github.com/sujalbistaa/askwall/internal/ratelimit"
	"github.com/sujalbistaa/askwall/internal/store"
)

const waitFor = 2 * time.Second

// spyStore counts writes and can fail them.
type spyStore struct {
	*store.Tree

	writes   atomic.Int32
	failWith error

	mu      sync.Mutex
	onError func(error)
}

func newSpy() *spyStore { return &spyStore{Tree: store.NewTree()} }

func (s *spyStore) Subscribe(ctx context.Context, path string, onChange func(store.Snapshot), onError func(error)) (store.Unsubscribe, error) {
	s.mu.Lock()
	s.onError = onError
	s.mu.Unlock()
	return s.Tree.Subscribe(ctx, path, onChange, onError)
}

func (s *spyStore) breakSubscription(err error) {
	s.mu.Lock()
	fn := s.onError
	s.mu.Unlock()
	fn(err)
}

func (s *spyStore) write() error {
	s.writes.Add(1)
	return s.failWith
}

func (s *spyStore) Set(ctx context.Context, path string, v any) error {
	if err := s.write(); err != nil {
		return err
	}
	return s.Tree.Set(ctx, path, v)
}

func (s *spyStore) Update(ctx context.Context, base string, values map[string]any) error {
	if err := s.write(); err != nil {
		return err
	}
	return s.Tree.Update(ctx, base, values)
}

func (s *spyStore) Push(ctx context.Context, path string, v any) (string, error) {
	if err := s.write(); err != nil {
		return "", err
	}
	return s.Tree.Push(ctx, path, v)
}

func (s *spyStore) Remove(ctx context.Context, path string) error {
	if err := s.write(); err != nil {
		return err
	}
	return s.Tree.Remove(ctx, path)
}

func (s *spyStore) CompareAndSet(ctx context.Context, path, version string, v any) error {
	if err := s.write(); err != nil {
		return err
	}
	return s.Tree.CompareAndSet(ctx, path, version, v)
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func open(t *testing.T, st store.Store, mod func(*Options)) *RoomSync {
	t.Helper()
	opts := Options{
		Store:    st,
		Room:     "main",
		DeviceID: "device_a",
		Logger:   quietLogger(),
	}
	if mod != nil {
		mod(&opts)
	}
	s, err := Open(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(s.Close)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, s.WaitReady(ctx))
	return s
}

func waitQuestions(t *testing.T, s *RoomSync, n int) []Question {
	t.Helper()
	require.Eventually(t, func() bool { return len(s.View().Questions) == n }, waitFor, 5*time.Millisecond)
	return s.View().Questions
}

func seed(t *testing.T, st store.Store, room string, n int, creator string) {
	t.Helper()
	qs := map[string]any{}
	for i := 0; i < n; i++ {
		qs[fmt.Sprintf("q%03d", i)] = map[string]any{
			"text":      fmt.Sprintf("question %d", i),
			"votes":     0,
			"timestamp": time.Now().UnixMilli(),
			"creatorId": creator,
		}
	}
	require.NoError(t, st.Set(context.Background(), "rooms/"+room+"/questions", qs))
}

func TestSubmit_RoundTrip(t *testing.T) {
	t.Parallel()
	tree := store.NewTree()
	s := open(t, tree, nil)

	id, err := s.Submit(context.Background(), "  Hello  ")
	require.NoError(t, err)

	qs := waitQuestions(t, s, 1)
	q := qs[0]
	assert.Equal(t, id, q.ID)
	assert.Equal(t, "Hello", q.Text)
	assert.Zero(t, q.Votes)
	assert.Equal(t, "device_a", q.CreatorID)
	assert.Empty(t, q.Replies)
	assert.Empty(t, q.VotedBy)
	assert.Positive(t, q.Timestamp)

	snap, err := tree.Get(context.Background(), "rooms/main/questions")
	require.NoError(t, err)
	assert.Len(t, snap.Value, 1)
}

func TestSubmit_ValidationNeverWrites(t *testing.T) {
	t.Parallel()
	spy := newSpy()
	s := open(t, spy, nil)

	for _, text := range []string{"", "   \n\t", strings.Repeat("x", MaxQuestionLen+1)} {
		_, err := s.Submit(context.Background(), text)
		require.ErrorIs(t, err, ErrValidation)
	}
	assert.Zero(t, spy.writes.Load())
	assert.ErrorIs(t, s.Err(), ErrValidation)

	// rune length, not byte length
	_, err := s.Submit(context.Background(), strings.Repeat("é", MaxQuestionLen))
	require.NoError(t, err)
}

func TestSubmit_RoomCap(t *testing.T) {
	t.Parallel()
	spy := newSpy()
	seed(t, spy.Tree, "main", DefaultMaxQuestions, "device_b")
	s := open(t, spy, nil)
	waitQuestions(t, s, DefaultMaxQuestions)

	_, err := s.Submit(context.Background(), "one too many")
	require.ErrorIs(t, err, ErrQuota)
	assert.Zero(t, spy.writes.Load())
}

func TestSubmit_RateLimited(t *testing.T) {
	t.Parallel()
	spy := newSpy()
	limits := ratelimit.NewSet(kv.NewMemory(), ratelimit.DefaultPresets())
	s := open(t, spy, func(o *Options) { o.Limits = limits })

	for i := 0; i < 5; i++ {
		_, err := s.Submit(context.Background(), fmt.Sprintf("q%d", i))
		require.NoError(t, err)
	}
	_, err := s.Submit(context.Background(), "q5")
	require.ErrorIs(t, err, ErrQuota)

	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Positive(t, e.WaitSeconds)
	assert.Equal(t, int32(5), spy.writes.Load())
}

func TestSubmit_DisabledWhileDisconnected(t *testing.T) {
	t.Parallel()
	spy := newSpy()
	s := open(t, spy, nil)

	spy.breakSubscription(errors.New("socket closed"))
	require.Eventually(t, func() bool { return s.State() == StateError }, waitFor, 5*time.Millisecond)
	assert.ErrorIs(t, s.Err(), ErrConnectivity)

	_, err := s.Submit(context.Background(), "anyone there?")
	require.ErrorIs(t, err, ErrConnectivity)
	assert.Zero(t, spy.writes.Load())

	// the next snapshot brings it back
	seed(t, spy.Tree, "main", 1, "device_b")
	require.Eventually(t, func() bool { return s.State() == StateLive }, waitFor, 5*time.Millisecond)
}

func TestSubmit_PermissionDenied(t *testing.T) {
	t.Parallel()
	spy := newSpy()
	spy.failWith = fmt.Errorf("remote: %w", store.ErrPermissionDenied)
	s := open(t, spy, nil)

	_, err := s.Submit(context.Background(), "hello")
	require.ErrorIs(t, err, ErrPermission)
	require.ErrorIs(t, err, store.ErrPermissionDenied)
	assert.Empty(t, s.View().Questions)

	spy.failWith = store.ErrUnavailable
	_, err = s.Submit(context.Background(), "hello")
	require.ErrorIs(t, err, ErrConnectivity)

	s.DismissError()
	assert.NoError(t, s.Err())
}

func TestWriteFailureDisablesSubmit(t *testing.T) {
	t.Parallel()
	spy := newSpy()
	s := open(t, spy, nil)
	ctx := context.Background()

	// a refused write is not a connectivity problem
	spy.failWith = fmt.Errorf("remote: %w", store.ErrPermissionDenied)
	_, err := s.Submit(ctx, "hello")
	require.ErrorIs(t, err, ErrPermission)
	assert.Equal(t, StateLive, s.State())

	spy.failWith = fmt.Errorf("%w: connection refused", store.ErrUnavailable)
	_, err = s.Submit(ctx, "hello")
	require.ErrorIs(t, err, ErrConnectivity)
	assert.Equal(t, StateError, s.State())

	// submitting stays off without another write attempt
	spy.failWith = nil
	before := spy.writes.Load()
	_, err = s.Submit(ctx, "again")
	require.ErrorIs(t, err, ErrConnectivity)
	assert.Equal(t, before, spy.writes.Load())

	// the next snapshot brings the view back
	require.NoError(t, spy.Tree.Set(ctx, "rooms/main/questions/q1", map[string]any{"text": "from elsewhere", "votes": 0}))
	require.Eventually(t, func() bool { return s.State() == StateLive }, waitFor, 5*time.Millisecond)
	_, err = s.Submit(ctx, "back online")
	require.NoError(t, err)
}

func TestDismissClearsWriteConnectivityError(t *testing.T) {
	t.Parallel()
	spy := newSpy()
	s := open(t, spy, nil)

	spy.failWith = store.ErrUnavailable
	_, err := s.Submit(context.Background(), "hello")
	require.ErrorIs(t, err, ErrConnectivity)
	require.Equal(t, StateError, s.State())

	s.DismissError()
	assert.Equal(t, StateLive, s.State())
	assert.NoError(t, s.Err())
}

func TestToggleVote_Sequential(t *testing.T) {
	t.Parallel()
	for _, mode := range []VoteMode{VoteTransactional, VoteMultiPath} {
		mode := mode
		t.Run(fmt.Sprint(mode), func(t *testing.T) {
			t.Parallel()
			s := open(t, store.NewTree(), func(o *Options) { o.VoteMode = mode })
			id, err := s.Submit(context.Background(), "vote on me")
			require.NoError(t, err)
			waitQuestions(t, s, 1)

			votes := func(n int) Question {
				require.Eventually(t, func() bool {
					q, ok := s.Question(id)
					return ok && q.Votes == n
				}, waitFor, 5*time.Millisecond)
				q, _ := s.Question(id)
				return q
			}

			require.NoError(t, s.ToggleVote(context.Background(), id))
			first := votes(1)
			assert.True(t, first.VotedBy["device_a"])
			assert.True(t, s.HasVoted(first))

			require.NoError(t, s.ToggleVote(context.Background(), id))
			q := votes(0)
			assert.NotContains(t, q.VotedBy, "device_a")

			require.NoError(t, s.ToggleVote(context.Background(), id))
			assert.Equal(t, first, votes(1))
		})
	}
}

func TestToggleVote_TransactionalStaysConsistent(t *testing.T) {
	t.Parallel()
	tree := store.NewTree()
	seed(t, tree, "main", 1, "device_x")

	const devices = 20
	syncs := make([]*RoomSync, devices)
	for i := range syncs {
		i := i
		syncs[i] = open(t, tree, func(o *Options) { o.DeviceID = fmt.Sprintf("device_%02d", i) })
		waitQuestions(t, syncs[i], 1)
	}

	var wg sync.WaitGroup
	for _, s := range syncs {
		wg.Add(1)
		go func(s *RoomSync) {
			defer wg.Done()
			assert.NoError(t, s.ToggleVote(context.Background(), "q000"))
		}(s)
	}
	wg.Wait()

	var q Question
	snap, err := tree.Get(context.Background(), "rooms/main/questions/q000")
	require.NoError(t, err)
	require.NoError(t, snap.Decode(&q))
	assert.Equal(t, devices, q.Votes)
	assert.Len(t, q.VotedBy, devices)
}

func TestToggleVote_UnknownQuestion(t *testing.T) {
	t.Parallel()
	spy := newSpy()
	s := open(t, spy, nil)

	err := s.ToggleVote(context.Background(), "nope")
	require.ErrorIs(t, err, ErrNotFound)
	assert.Zero(t, spy.writes.Load())
}

func TestToggleVote_QuestionDeletedRemotely(t *testing.T) {
	t.Parallel()
	tree := store.NewTree()
	seed(t, tree, "main", 1, "device_b")
	s := open(t, tree, nil)
	waitQuestions(t, s, 1)

	// deleted under us before the local view caught up
	s.Close()
	require.NoError(t, tree.Remove(context.Background(), "rooms/main/questions/q000"))

	err := s.ToggleVote(context.Background(), "q000")
	require.ErrorIs(t, err, ErrNotFound)

	snap, err := tree.Get(context.Background(), "rooms/main/questions/q000")
	require.NoError(t, err)
	assert.False(t, snap.Exists())
}

func TestReply(t *testing.T) {
	t.Parallel()
	s := open(t, store.NewTree(), nil)
	id, err := s.Submit(context.Background(), "question")
	require.NoError(t, err)
	waitQuestions(t, s, 1)

	_, err = s.Reply(context.Background(), id, " ")
	require.ErrorIs(t, err, ErrValidation)
	_, err = s.Reply(context.Background(), id, strings.Repeat("r", MaxReplyLen+1))
	require.ErrorIs(t, err, ErrValidation)
	_, err = s.Reply(context.Background(), "missing", "hi")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = s.Reply(context.Background(), id, "first")
	require.NoError(t, err)
	_, err = s.Reply(context.Background(), id, "second")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		q, _ := s.Question(id)
		return len(q.Replies) == 2
	}, waitFor, 5*time.Millisecond)

	q, _ := s.Question(id)
	replies := q.ReplyList()
	require.Len(t, replies, 2)
	for _, r := range replies {
		assert.True(t, strings.HasPrefix(r.Author, "anon_"))
		assert.NotContains(t, r.Author, "device_a")
	}
}

func TestDelete_OnlyCreator(t *testing.T) {
	t.Parallel()
	spy := newSpy()
	seed(t, spy.Tree, "main", 1, "device_b")
	s := open(t, spy, nil)
	waitQuestions(t, s, 1)

	q, _ := s.Question("q000")
	assert.False(t, s.CanDelete(q))
	err := s.Delete(context.Background(), "q000")
	require.ErrorIs(t, err, ErrPermission)
	assert.Zero(t, spy.writes.Load())

	owner := open(t, spy, func(o *Options) { o.DeviceID = "device_b" })
	waitQuestions(t, owner, 1)
	require.NoError(t, owner.Delete(context.Background(), "q000"))
	waitQuestions(t, s, 0)
}

func TestDelete_RateLimited(t *testing.T) {
	t.Parallel()
	tree := store.NewTree()
	seed(t, tree, "main", 4, "device_a")
	limits := ratelimit.NewSet(kv.NewMemory(), ratelimit.DefaultPresets())
	s := open(t, tree, func(o *Options) { o.Limits = limits })
	waitQuestions(t, s, 4)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Delete(context.Background(), fmt.Sprintf("q%03d", i)))
	}
	err := s.Delete(context.Background(), "q003")
	require.ErrorIs(t, err, ErrQuota)
}

func TestAdminOperations(t *testing.T) {
	t.Parallel()
	spy := newSpy()
	seed(t, spy.Tree, "main", 3, "device_b")
	gate := admin.NewGate("letmein", kv.NewMemory())
	s := open(t, spy, func(o *Options) { o.Admin = gate })
	waitQuestions(t, s, 3)

	require.ErrorIs(t, s.AdminDelete(context.Background(), "q000"), ErrAuth)
	require.ErrorIs(t, s.ClearAll(context.Background()), ErrAuth)
	assert.Zero(t, spy.writes.Load())

	require.ErrorIs(t, gate.Login("wrong"), admin.ErrWrongSecret)
	require.NoError(t, gate.Login("letmein"))

	require.NoError(t, s.AdminDelete(context.Background(), "q000"))
	waitQuestions(t, s, 2)

	require.NoError(t, s.ClearAll(context.Background()))
	waitQuestions(t, s, 0)
	assert.Equal(t, int32(2), spy.writes.Load())
}

func TestAdminOperations_Unconfigured(t *testing.T) {
	t.Parallel()
	s := open(t, store.NewTree(), nil)

	err := s.ClearAll(context.Background())
	require.ErrorIs(t, err, ErrAuth)
	require.ErrorIs(t, err, admin.ErrNotConfigured)
}

func TestRoomsAreIsolated(t *testing.T) {
	t.Parallel()
	tree := store.NewTree()
	a := open(t, tree, nil)
	b := open(t, tree, func(o *Options) { o.Room = "other" })

	_, err := a.Submit(context.Background(), "only in main")
	require.NoError(t, err)
	waitQuestions(t, a, 1)
	assert.Empty(t, b.View().Questions)
}

func TestOnChange(t *testing.T) {
	t.Parallel()
	var (
		mu    sync.Mutex
		views []View
	)
	s := open(t, store.NewTree(), func(o *Options) {
		o.OnChange = func(v View) {
			mu.Lock()
			views = append(views, v)
			mu.Unlock()
		}
	})
	_, err := s.Submit(context.Background(), "hi")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(views) > 0 && len(views[len(views)-1].Questions) == 1
	}, waitFor, 5*time.Millisecond)
}

func TestRankAndTop(t *testing.T) {
	t.Parallel()
	qs := []Question{
		{ID: "a", Votes: 1},
		{ID: "b", Votes: 3},
		{ID: "c", Votes: 1},
		{ID: "d", Votes: 0},
		{ID: "e", Votes: 3},
	}
	ids := func(qs []Question) string {
		var out []string
		for _, q := range qs {
			out = append(out, q.ID)
		}
		return strings.Join(out, "")
	}
	assert.Equal(t, "beacd", ids(Rank(qs)))
	assert.Equal(t, "abcde", ids(qs), "input untouched")
	assert.Equal(t, "be", ids(Top(qs, 2)))

	many := make([]Question, 25)
	for i := range many {
		many[i] = Question{ID: fmt.Sprint(i), Votes: i}
	}
	view := View{Questions: many}
	top := view.Display()
	require.Len(t, top, DisplayLimit)
	assert.Equal(t, 24, top[0].Votes)
	assert.Len(t, view.Ranked(), 25)
}

func TestDecodeQuestions_SkipsMalformed(t *testing.T) {
	t.Parallel()
	snap := store.Snapshot{Value: map[string]any{
		"b": map[string]any{"text": "fine", "votes": 2.0, "timestamp": 10.0},
		"a": map[string]any{"text": 42.0},
		"c": "garbage",
	}}
	qs := decodeQuestions(snap, quietLogger())
	require.Len(t, qs, 1)
	assert.Equal(t, "b", qs[0].ID)
	assert.Equal(t, 2, qs[0].Votes)
}

func TestParseVoteMode(t *testing.T) {
	t.Parallel()
	m, ok := ParseVoteMode("multipath")
	assert.True(t, ok)
	assert.Equal(t, VoteMultiPath, m)
	m, ok = ParseVoteMode("")
	assert.True(t, ok)
	assert.Equal(t, VoteTransactional, m)
	_, ok = ParseVoteMode("optimistic")
	assert.False(t, ok)
}
