package ratelimit

import (
	"fmt"
	"time"

	"github.com/sujalbistaa/askwall/internal/kv"
)

// Action names one throttled category of user intent.
type Action int

const (
	ActionSubmit Action = iota
	ActionRoomCreate
	ActionVote
	ActionReply
	ActionSelfDelete
)

var actionKeys = [...]string{
	ActionSubmit:     "questionSubmit",
	ActionRoomCreate: "roomCreate",
	ActionVote:       "vote",
	ActionReply:      "reply",
	ActionSelfDelete: "userDelete",
}

// Key is the storage key the action's log is kept under.
func (a Action) Key() string {
	if a < 0 || int(a) >= len(actionKeys) {
		return fmt.Sprintf("action%d", int(a))
	}
	return actionKeys[a]
}

func (a Action) String() string { return a.Key() }

// Preset is one (max, window) pair.
type Preset struct {
	Max    int
	Window time.Duration
}

// Presets configures every category. It is a fixed record so a missing entry
// is a compile error rather than a lookup miss.
type Presets struct {
	Submit     Preset
	RoomCreate Preset
	Vote       Preset
	Reply      Preset
	SelfDelete Preset
}

func DefaultPresets() Presets {
	return Presets{
		Submit:     Preset{Max: 5, Window: time.Minute},
		RoomCreate: Preset{Max: 3, Window: time.Hour},
		Vote:       Preset{Max: 1, Window: time.Second},
		Reply:      Preset{Max: 10, Window: time.Minute},
		SelfDelete: Preset{Max: 3, Window: time.Minute},
	}
}

func (p Presets) For(a Action) Preset {
	switch a {
	case ActionSubmit:
		return p.Submit
	case ActionRoomCreate:
		return p.RoomCreate
	case ActionVote:
		return p.Vote
	case ActionReply:
		return p.Reply
	case ActionSelfDelete:
		return p.SelfDelete
	}
	return Preset{}
}

func (p Presets) Validate() error {
	for a := ActionSubmit; a <= ActionSelfDelete; a++ {
		pr := p.For(a)
		if pr.Max <= 0 {
			return fmt.Errorf("limits.%s.max must be > 0", a.Key())
		}
		if pr.Window < time.Millisecond {
			return fmt.Errorf("limits.%s.window must be >= 1ms", a.Key())
		}
	}
	return nil
}

// Set is one limiter per action category, all sharing the same backing store.
type Set struct {
	Submit     *Limiter
	RoomCreate *Limiter
	Vote       *Limiter
	Reply      *Limiter
	SelfDelete *Limiter
}

func NewSet(store kv.Store, p Presets, opts ...Option) Set {
	mk := func(pr Preset) *Limiter { return New(store, pr.Max, pr.Window, opts...) }
	return Set{
		Submit:     mk(p.Submit),
		RoomCreate: mk(p.RoomCreate),
		Vote:       mk(p.Vote),
		Reply:      mk(p.Reply),
		SelfDelete: mk(p.SelfDelete),
	}
}

func (s Set) For(a Action) *Limiter {
	switch a {
	case ActionSubmit:
		return s.Submit
	case ActionRoomCreate:
		return s.RoomCreate
	case ActionVote:
		return s.Vote
	case ActionReply:
		return s.Reply
	case ActionSelfDelete:
		return s.SelfDelete
	}
	return nil
}

// FormatWindow renders a window the way it is shown next to a limit,
// e.g. "1 hour", "10 minutes", "30 seconds".
func FormatWindow(d time.Duration) string {
	unit := func(n float64, name string) string {
		if n == 1 {
			return "1 " + name
		}
		return fmt.Sprintf("%g %ss", n, name)
	}
	switch {
	case d >= time.Hour:
		return unit(d.Hours(), "hour")
	case d >= time.Minute:
		return unit(d.Minutes(), "minute")
	default:
		return unit(d.Seconds(), "second")
	}
}
