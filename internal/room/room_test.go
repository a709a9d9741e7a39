package room

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sujalbistaa/askwall/internal/kv"
	"github.com/sujalbistaa/askwall/internal/ratelimit"
)

func TestSanitize(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in, want string
	}{
		{"main", "main"},
		{"Team_Sync-2026", "Team_Sync-2026"},
		{"  hello world! ", "helloworld"},
		{"../../etc/passwd", "etcpasswd"},
		{"会议室", DefaultRoom},
		{"", DefaultRoom},
		{"room#1?x=2", "room1x2"},
		{strings.Repeat("a", 80), strings.Repeat("a", 50)},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Sanitize(tc.in), "input %q", tc.in)
	}
}

func TestSanitize_StripsRatherThanRejects(t *testing.T) {
	t.Parallel()
	valid := []string{"a", "main", "Q-and_A", strings.Repeat("x", 50), "r2d2"}
	noise := []string{" ", "/", "?", "é", "#", "%", "!", "中"}

	for _, r := range valid {
		require.True(t, Valid(r))
		for _, n := range noise {
			dirty := n + r[:len(r)/2] + n + r[len(r)/2:] + n
			assert.Equal(t, r, Sanitize(dirty), "dirty %q", dirty)
		}
	}
}

func TestValid(t *testing.T) {
	t.Parallel()
	assert.True(t, Valid("main"))
	assert.False(t, Valid(""))
	assert.False(t, Valid("a b"))
	assert.False(t, Valid(strings.Repeat("a", 51)))
}

func TestResolver_RecencyList(t *testing.T) {
	t.Parallel()
	r := NewResolver(kv.NewMemory(), nil, nil)
	assert.Empty(t, r.Recent())

	for i := 0; i < 12; i++ {
		r.Resolve(fmt.Sprintf("room%d", i))
	}
	r.Resolve("room5")

	recent := r.Recent()
	require.Len(t, recent, MaxRecent)
	assert.Equal(t, "room5", recent[0])
	assert.Equal(t, "room11", recent[1])
	// deduplicated
	n := 0
	for _, id := range recent {
		if id == "room5" {
			n++
		}
	}
	assert.Equal(t, 1, n)
	assert.NotContains(t, recent, "room0")
}

func TestResolver_CreateIsThrottledForNewRooms(t *testing.T) {
	t.Parallel()
	store := kv.NewMemory()
	limiter := ratelimit.New(store, 3, time.Hour)
	r := NewResolver(store, limiter, nil)

	for i := 0; i < 3; i++ {
		_, err := r.Create(fmt.Sprintf("new%d", i))
		require.NoError(t, err)
	}

	_, err := r.Create("new3")
	var rl *RateLimitedError
	require.True(t, errors.As(err, &rl))
	assert.Positive(t, rl.WaitSeconds)

	// revisiting a known room is not a creation
	id, err := r.Create("new1")
	require.NoError(t, err)
	assert.Equal(t, "new1", id)
}

type brokenKV struct{}

func (brokenKV) Get(string) ([]byte, error) { return nil, errors.New("disabled") }
func (brokenKV) Set(string, []byte) error    { return errors.New("disabled") }
func (brokenKV) Delete(string) error         { return errors.New("disabled") }

func TestResolver_FailsOpen(t *testing.T) {
	t.Parallel()
	r := NewResolver(brokenKV{}, nil, nil)
	assert.Equal(t, "main", r.Resolve("main"))
	assert.Empty(t, r.Recent())
}
