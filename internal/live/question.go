package live

import (
	"log/slog"
	"sort"

	"github.com/sujalbistaa/askwall/internal/store"
)

const (
	MaxQuestionLen      = 500
	MaxReplyLen         = 200
	DefaultMaxQuestions = 100
	DisplayLimit        = 10
)

// Question is one record under rooms/{room}/questions.
type Question struct {
	ID        string           `json:"-"`
	Text      string           `json:"text"`
	Votes     int              `json:"votes"`
	Timestamp int64            `json:"timestamp"`
	VotedBy   map[string]bool  `json:"votedBy,omitempty"`
	CreatorID string           `json:"creatorId"`
	Replies   map[string]Reply `json:"replies,omitempty"`
}

// Reply is immutable once written.
type Reply struct {
	ID        string `json:"-"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
	Author    string `json:"author"`
}

// ReplyList returns the replies oldest first.
func (q Question) ReplyList() []Reply {
	out := make([]Reply, 0, len(q.Replies))
	for id, r := range q.Replies {
		r.ID = id
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp < out[j].Timestamp
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// decodeQuestions maps a collection snapshot to questions in key order.
// Records that don't decode are skipped, not fatal.
func decodeQuestions(snap store.Snapshot, log *slog.Logger) []Question {
	m, ok := snap.Value.(map[string]any)
	if !ok {
		return nil
	}
	out := make([]Question, 0, len(m))
	for id, raw := range m {
		var q Question
		if err := (store.Snapshot{Value: raw}).Decode(&q); err != nil {
			log.Warn("skipping malformed question", "path", snap.Path, "id", id, "err", err)
			continue
		}
		q.ID = id
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Rank orders questions by votes, highest first. Equal votes keep their
// input order.
func Rank(qs []Question) []Question {
	out := make([]Question, len(qs))
	copy(out, qs)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Votes > out[j].Votes })
	return out
}

// Top is the display view: the n best-ranked questions.
func Top(qs []Question, n int) []Question {
	ranked := Rank(qs)
	if len(ranked) > n {
		ranked = ranked[:n]
	}
	return ranked
}
