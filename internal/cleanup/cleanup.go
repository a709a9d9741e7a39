// Package cleanup finds rooms nobody has touched for a while and deletes them.
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/sujalbistaa/askwall/internal/store"
)

// DefaultThreshold is the idle time after which a room is reclaimed.
const DefaultThreshold = 10 * 24 * time.Hour

const (
	roomsPath = "rooms"
	day       = 24 * time.Hour
	// LastActivityLayout formats StaleRoom.LastActivityFormatted.
	LastActivityLayout = "2006-01-02 15:04:05 MST"
)

// Tree is the part of store.Store the collector uses.
type Tree interface {
	Get(ctx context.Context, path string) (store.Snapshot, error)
	Remove(ctx context.Context, path string) error
}

type StaleRoom struct {
	RoomID                string    `json:"roomId"`
	DaysIdle              int       `json:"daysIdle"`
	QuestionCount         int       `json:"questionCount"`
	LastActivity          time.Time `json:"lastActivity"`
	LastActivityFormatted string    `json:"lastActivityFormatted"`
}

type RoomError struct {
	RoomID string `json:"roomId"`
	Error  string `json:"error"`
}

// Result is the outcome of one run. On a failed scan only Success and Error
// are meaningful.
type Result struct {
	Success bool        `json:"success"`
	DryRun  bool        `json:"dryRun,omitempty"`
	Scanned int         `json:"scanned"`
	Found   int         `json:"found"`
	Deleted int         `json:"deleted"`
	Rooms   []StaleRoom `json:"rooms"`
	Errors  []RoomError `json:"errors,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// LatestActivity is the newest question or reply timestamp in a room, in
// unix milliseconds. Zero means the room has no dated activity.
func LatestActivity(room any) int64 {
	var latest int64
	for _, q := range questionsOf(room) {
		qm, ok := q.(map[string]any)
		if !ok {
			continue
		}
		latest = max(latest, millis(qm["timestamp"]))
		replies, _ := qm["replies"].(map[string]any)
		for _, r := range replies {
			if rm, ok := r.(map[string]any); ok {
				latest = max(latest, millis(rm["timestamp"]))
			}
		}
	}
	return latest
}

// IsStale reports whether room has been idle for longer than threshold. A
// room without questions is never stale.
func IsStale(room any, now time.Time, threshold time.Duration) bool {
	if len(questionsOf(room)) == 0 {
		return false
	}
	latest := LatestActivity(room)
	return latest > 0 && now.UnixMilli()-latest > threshold.Milliseconds()
}

type Option func(*Collector)

func WithClock(now func() time.Time) Option {
	return func(c *Collector) { c.now = now }
}

func WithLocation(loc *time.Location) Option {
	return func(c *Collector) { c.loc = loc }
}

func WithLogger(log *slog.Logger) Option {
	return func(c *Collector) { c.log = log }
}

type Collector struct {
	tree      Tree
	threshold time.Duration
	now       func() time.Time
	loc       *time.Location
	log       *slog.Logger
}

// NewCollector returns a collector over tree. A non-positive threshold means
// DefaultThreshold.
func NewCollector(tree Tree, threshold time.Duration, opts ...Option) *Collector {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	c := &Collector{
		tree:      tree,
		threshold: threshold,
		now:       time.Now,
		loc:       time.Local,
		log:       slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Collector) Threshold() time.Duration { return c.threshold }

// Scan reads every room in one request and reports the stale ones, sorted by
// room id. The second value is the number of rooms inspected.
func (c *Collector) Scan(ctx context.Context) ([]StaleRoom, int, error) {
	snap, err := c.tree.Get(ctx, roomsPath)
	if err != nil {
		return nil, 0, fmt.Errorf("read rooms: %w", err)
	}
	rooms, _ := snap.Value.(map[string]any)

	now := c.now()
	stale := make([]StaleRoom, 0)
	for id, data := range rooms {
		if !IsStale(data, now, c.threshold) {
			continue
		}
		latest := time.UnixMilli(LatestActivity(data)).In(c.loc)
		stale = append(stale, StaleRoom{
			RoomID:                id,
			DaysIdle:              int(now.Sub(latest) / day),
			QuestionCount:         len(questionsOf(data)),
			LastActivity:          latest,
			LastActivityFormatted: latest.Format(LastActivityLayout),
		})
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].RoomID < stale[j].RoomID })
	return stale, len(rooms), nil
}

// DryRun scans and deletes nothing.
func (c *Collector) DryRun(ctx context.Context) Result {
	stale, scanned, err := c.Scan(ctx)
	if err != nil {
		c.log.Error("stale room scan failed", "err", err)
		return Result{Error: err.Error()}
	}
	c.log.Info("stale room scan", "scanned", scanned, "found", len(stale), "dry_run", true)
	return Result{
		Success: true,
		DryRun:  true,
		Scanned: scanned,
		Found:   len(stale),
		Rooms:   stale,
	}
}

// Apply scans, then deletes every stale room one after another. A failed
// delete is recorded and the rest still run.
func (c *Collector) Apply(ctx context.Context) Result {
	stale, scanned, err := c.Scan(ctx)
	if err != nil {
		c.log.Error("stale room scan failed", "err", err)
		return Result{Error: err.Error()}
	}

	res := Result{
		Success: true,
		Scanned: scanned,
		Found:   len(stale),
		Rooms:   stale,
	}
	for _, r := range stale {
		if err := c.tree.Remove(ctx, store.Join(roomsPath, r.RoomID)); err != nil {
			c.log.Warn("delete stale room failed", "room", r.RoomID, "err", err)
			res.Errors = append(res.Errors, RoomError{RoomID: r.RoomID, Error: err.Error()})
			continue
		}
		res.Deleted++
		c.log.Info("stale room deleted", "room", r.RoomID, "days_idle", r.DaysIdle)
	}
	c.log.Info("stale room cleanup done", "found", res.Found, "deleted", res.Deleted, "failed", len(res.Errors))
	return res
}

// FormatResult renders a result for an operator.
func FormatResult(r Result) string {
	if !r.Success {
		return "Cleanup failed: " + r.Error
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Scanned %d rooms\n", r.Scanned)
	fmt.Fprintf(&b, "- found %d stale rooms\n", r.Found)
	if r.DryRun {
		b.WriteString("- dry run, nothing deleted\n")
	} else {
		fmt.Fprintf(&b, "- deleted %d rooms\n", r.Deleted)
	}

	if len(r.Rooms) > 0 {
		b.WriteString("\nRooms:\n")
		for _, room := range r.Rooms {
			fmt.Fprintf(&b, "* %s\n", room.RoomID)
			fmt.Fprintf(&b, "  idle %d days | %d questions\n", room.DaysIdle, room.QuestionCount)
			fmt.Fprintf(&b, "  last activity %s\n", room.LastActivityFormatted)
		}
	}

	if len(r.Errors) > 0 {
		b.WriteString("\nErrors:\n")
		for _, e := range r.Errors {
			fmt.Fprintf(&b, "* %s: %s\n", e.RoomID, e.Error)
		}
	}
	return b.String()
}

func questionsOf(room any) map[string]any {
	m, ok := room.(map[string]any)
	if !ok {
		return nil
	}
	qs, _ := m["questions"].(map[string]any)
	return qs
}

func millis(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	}
	return 0
}
