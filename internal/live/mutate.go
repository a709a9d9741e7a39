package live

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/sujalbistaa/askwall/internal/device"
	"github.com/sujalbistaa/askwall/internal/ratelimit"
	"github.com/sujalbistaa/askwall/internal/store"
)

// Submit adds a question. The view shows it once the subscription delivers
// the write; nothing is inserted locally.
func (s *RoomSync) Submit(ctx context.Context, text string) (string, error) {
	const op = "submit"

	text = strings.TrimSpace(text)
	if n := utf8.RuneCountInString(text); n == 0 || n > MaxQuestionLen {
		return "", s.fail(validationErr(op, "question must be 1 to %d characters", MaxQuestionLen))
	}

	s.mu.RLock()
	state, count := s.state, len(s.questions)
	s.mu.RUnlock()

	switch state {
	case StateError:
		return "", s.fail(&Error{Kind: KindConnectivity, Op: op, Msg: "not connected to the question store"})
	case StateConnecting:
		return "", s.fail(&Error{Kind: KindConnectivity, Op: op, Msg: "still connecting to the question store"})
	}
	if count >= s.opts.MaxQuestions {
		return "", s.fail(&Error{Kind: KindQuota, Op: op, Msg: "this room is full, it already holds the maximum number of questions"})
	}
	if err := s.check(op, s.opts.Limits.Submit, ratelimit.ActionSubmit); err != nil {
		return "", err
	}

	key, err := s.opts.Store.Push(ctx, s.base, map[string]any{
		"text":      text,
		"votes":     0,
		"timestamp": s.opts.Now().UnixMilli(),
		"creatorId": s.opts.DeviceID,
	})
	if err != nil {
		s.log.Warn("submit failed", "err", err)
		return "", s.fail(remoteErr(op, err))
	}
	s.log.Debug("question submitted", "id", key)
	return key, nil
}

// ToggleVote adds this device's vote to the question or takes it back.
func (s *RoomSync) ToggleVote(ctx context.Context, id string) error {
	const op = "vote"

	q, ok := s.Question(id)
	if !ok {
		return s.fail(&Error{Kind: KindNotFound, Op: op, Msg: "question no longer exists"})
	}
	if err := s.check(op, s.opts.Limits.Vote, ratelimit.ActionVote); err != nil {
		return err
	}

	var err error
	if s.opts.VoteMode == VoteMultiPath {
		err = s.voteMultiPath(ctx, q)
	} else {
		err = s.voteTransactional(ctx, id)
	}
	if err != nil {
		s.log.Warn("vote failed", "id", id, "err", err)
		return s.fail(remoteErr(op, err))
	}
	return nil
}

func (s *RoomSync) voteMultiPath(ctx context.Context, q Question) error {
	device := s.opts.DeviceID
	update := map[string]any{}
	if q.VotedBy[device] {
		update["votes"] = max(0, q.Votes-1)
		update["votedBy/"+device] = nil
	} else {
		update["votes"] = q.Votes + 1
		update["votedBy/"+device] = true
	}
	return s.opts.Store.Update(ctx, s.questionPath(q.ID), update)
}

func (s *RoomSync) voteTransactional(ctx context.Context, id string) error {
	device := s.opts.DeviceID
	_, err := store.RunTransaction(ctx, s.opts.Store, s.questionPath(id), func(cur any) (any, error) {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, errQuestionGone
		}
		votes := toInt(m["votes"])
		votedBy, _ := m["votedBy"].(map[string]any)
		if votedBy == nil {
			votedBy = map[string]any{}
		}
		if voted, _ := votedBy[device].(bool); voted {
			delete(votedBy, device)
			votes = max(0, votes-1)
		} else {
			votedBy[device] = true
			votes++
		}
		m["votes"] = votes
		m["votedBy"] = votedBy
		return m, nil
	})
	return err
}

// Reply appends an anonymous reply to a question.
func (s *RoomSync) Reply(ctx context.Context, id, text string) (string, error) {
	const op = "reply"

	text = strings.TrimSpace(text)
	if n := utf8.RuneCountInString(text); n == 0 || n > MaxReplyLen {
		return "", s.fail(validationErr(op, "reply must be 1 to %d characters", MaxReplyLen))
	}
	if _, ok := s.Question(id); !ok {
		return "", s.fail(&Error{Kind: KindNotFound, Op: op, Msg: "question no longer exists"})
	}
	if err := s.check(op, s.opts.Limits.Reply, ratelimit.ActionReply); err != nil {
		return "", err
	}

	key, err := s.opts.Store.Push(ctx, store.Join(s.questionPath(id), "replies"), map[string]any{
		"text":      text,
		"timestamp": s.opts.Now().UnixMilli(),
		"author":    device.Anonymize(s.opts.DeviceID),
	})
	if err != nil {
		s.log.Warn("reply failed", "id", id, "err", err)
		return "", s.fail(remoteErr(op, err))
	}
	return key, nil
}

// Delete removes a question this device created, replies included. Asking
// the user to confirm is up to the caller.
func (s *RoomSync) Delete(ctx context.Context, id string) error {
	const op = "delete"

	q, ok := s.Question(id)
	if !ok {
		return s.fail(&Error{Kind: KindNotFound, Op: op, Msg: "question no longer exists"})
	}
	if !s.CanDelete(q) {
		return s.fail(&Error{Kind: KindPermission, Op: op, Msg: "only the device that asked a question can delete it"})
	}
	if err := s.check(op, s.opts.Limits.SelfDelete, ratelimit.ActionSelfDelete); err != nil {
		return err
	}
	if err := s.opts.Store.Remove(ctx, s.questionPath(id)); err != nil {
		s.log.Warn("delete failed", "id", id, "err", err)
		return s.fail(remoteErr(op, err))
	}
	return nil
}

// AdminDelete removes any question. The admin session must be logged in.
func (s *RoomSync) AdminDelete(ctx context.Context, id string) error {
	const op = "admin delete"

	if err := s.opts.Admin.Require(); err != nil {
		return s.fail(authErr(op, err))
	}
	if _, ok := s.Question(id); !ok {
		return s.fail(&Error{Kind: KindNotFound, Op: op, Msg: "question no longer exists"})
	}
	if err := s.opts.Store.Remove(ctx, s.questionPath(id)); err != nil {
		s.log.Warn("admin delete failed", "id", id, "err", err)
		return s.fail(remoteErr(op, err))
	}
	s.log.Info("question deleted by admin", "id", id)
	return nil
}

// ClearAll empties the room in a single write.
func (s *RoomSync) ClearAll(ctx context.Context) error {
	const op = "clear"

	if err := s.opts.Admin.Require(); err != nil {
		return s.fail(authErr(op, err))
	}
	if err := s.opts.Store.Set(ctx, s.base, nil); err != nil {
		s.log.Warn("clear failed", "err", err)
		return s.fail(remoteErr(op, err))
	}
	s.log.Info("room cleared by admin")
	return nil
}

func (s *RoomSync) check(op string, l *ratelimit.Limiter, a ratelimit.Action) error {
	if l == nil {
		return nil
	}
	if d := l.Check(a.Key()); !d.Allowed {
		return s.fail(rateLimited(op, d.WaitSeconds))
	}
	return nil
}

func toInt(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case int64:
		return int(n)
	}
	return 0
}
