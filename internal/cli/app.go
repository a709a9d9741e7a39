// Package cli is the terminal front end: a line-oriented shell over one live
// room view.
package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sujalbistaa/askwall/internal/admin"
	"github.com/sujalbistaa/askwall/internal/cleanup"
	"github.com/sujalbistaa/askwall/internal/live"
	"github.com/sujalbistaa/askwall/internal/ratelimit"
	"github.com/sujalbistaa/askwall/internal/room"
	"github.com/sujalbistaa/askwall/internal/store"
)

// Cleaner runs the server's stale-room collector.
type Cleaner interface {
	StaleRooms(ctx context.Context, adminToken string, apply bool) (cleanup.Result, error)
}

type Options struct {
	Store    store.Store
	Rooms    *room.Resolver
	Limits   ratelimit.Set
	Admin    *admin.Gate
	Cleaner  Cleaner
	DeviceID string
	VoteMode live.VoteMode
	// MaxQuestions caps each room; zero means the default.
	MaxQuestions int
	Logger       *slog.Logger
	// ReadyTimeout bounds the wait for a room's first snapshot.
	ReadyTimeout time.Duration
}

type App struct {
	opts Options
	out  io.Writer
	log  *slog.Logger

	outMu sync.Mutex

	current *live.RoomSync
	// listing is what the last list printed, so questions can be named by
	// number.
	listing    []string
	adminToken string
	lastState  live.State
	stateMu    sync.Mutex
}

func New(opts Options, out io.Writer) *App {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = 10 * time.Second
	}
	return &App{opts: opts, out: out, log: opts.Logger}
}

// Run reads commands from in until EOF, quit or ctx ends.
func (a *App) Run(ctx context.Context, in io.Reader) error {
	a.printf("askwall, device %s. Type \"help\" for commands.\n", a.opts.DeviceID)
	a.prompt()

	done := make(chan struct{})
	defer close(done)
	lines, readErr := readLines(in, done)

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return <-readErr
			}
			quit, err := a.Exec(ctx, line)
			if err != nil {
				a.printf("error: %s\n", describe(err))
			}
			if quit {
				return nil
			}
			a.prompt()
		}
	}
}

// readLines feeds in line by line until EOF or until done is closed. lines is
// closed when the reader stops; readErr then holds the scan error on EOF.
func readLines(in io.Reader, done <-chan struct{}) (<-chan string, <-chan error) {
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-done:
				return
			}
		}
		readErr <- sc.Err()
	}()
	return lines, readErr
}

// Close leaves the current room.
func (a *App) Close() {
	if a.current != nil {
		a.current.Close()
		a.current = nil
	}
}

// Exec runs one command line.
func (a *App) Exec(ctx context.Context, line string) (quit bool, err error) {
	cmd, rest := splitCommand(line)
	switch cmd {
	case "":
		return false, nil
	case "quit", "exit":
		return true, nil
	case "help":
		a.printf("%s", helpText)
		return false, nil
	case "room", "join":
		return false, a.join(ctx, rest)
	case "rooms":
		a.printRecent()
		return false, nil
	}

	if a.current == nil {
		return false, errors.New("no room open, use: room <name>")
	}

	switch cmd {
	case "list", "ls":
		a.printQuestions(a.current.View().Display())
	case "all":
		a.printQuestions(a.current.View().Ranked())
	case "status":
		a.printStatus()
	case "ask":
		id, err := a.current.Submit(ctx, rest)
		if err != nil {
			return false, err
		}
		a.printf("asked (%s)\n", short(id))
	case "vote":
		q, err := a.question(rest)
		if err != nil {
			return false, err
		}
		if err := a.current.ToggleVote(ctx, q.ID); err != nil {
			return false, err
		}
		if a.current.HasVoted(q) {
			a.printf("vote removed\n")
		} else {
			a.printf("voted\n")
		}
	case "reply":
		ref, text := splitCommand(rest)
		q, err := a.question(ref)
		if err != nil {
			return false, err
		}
		if _, err := a.current.Reply(ctx, q.ID, text); err != nil {
			return false, err
		}
		a.printf("replied\n")
	case "replies", "show":
		q, err := a.question(rest)
		if err != nil {
			return false, err
		}
		a.printReplies(q)
	case "delete", "rm":
		return false, a.delete(ctx, rest)
	case "dismiss":
		a.current.DismissError()
	case "admin":
		return false, a.admin(ctx, rest)
	default:
		return false, fmt.Errorf("unknown command %q, try help", cmd)
	}
	return false, nil
}

func (a *App) join(ctx context.Context, input string) error {
	if a.opts.Rooms == nil {
		return errors.New("room switching is not available")
	}
	id, err := a.opts.Rooms.Create(strings.TrimSpace(input))
	if err != nil {
		return err
	}
	return a.Open(ctx, id)
}

// Open mounts the view of room id, replacing the current one.
func (a *App) Open(ctx context.Context, id string) error {
	a.Close()
	a.listing = nil
	a.stateMu.Lock()
	a.lastState = live.StateConnecting
	a.stateMu.Unlock()

	s, err := live.Open(ctx, live.Options{
		Store:        a.opts.Store,
		Room:         id,
		DeviceID:     a.opts.DeviceID,
		Limits:       a.opts.Limits,
		Admin:        a.opts.Admin,
		VoteMode:     a.opts.VoteMode,
		MaxQuestions: a.opts.MaxQuestions,
		Logger:       a.log,
		OnChange:     a.onChange,
	})
	if err != nil {
		return err
	}
	a.current = s

	wctx, cancel := context.WithTimeout(ctx, a.opts.ReadyTimeout)
	defer cancel()
	if err := s.WaitReady(wctx); err != nil {
		a.printf("joined room %s, still connecting: %s\n", id, describe(err))
		return nil
	}
	a.printf("joined room %s (%d questions)\n", id, len(s.View().Questions))
	return nil
}

// onChange announces connectivity changes; the list itself is printed on
// demand.
func (a *App) onChange(v live.View) {
	a.stateMu.Lock()
	prev := a.lastState
	a.lastState = v.State
	a.stateMu.Unlock()

	if prev == v.State || prev == live.StateConnecting {
		return
	}
	switch v.State {
	case live.StateError:
		a.printf("\n[connection lost, submitting is disabled until it is back]\n")
	case live.StateLive:
		a.printf("\n[connection restored]\n")
	}
}

func (a *App) delete(ctx context.Context, rest string) error {
	ref, confirm := splitCommand(rest)
	q, err := a.question(ref)
	if err != nil {
		return err
	}
	if confirm != "--yes" && confirm != "-y" {
		a.printf("delete %q and its replies? repeat with: delete %s --yes\n", truncate(q.Text, 60), ref)
		return nil
	}
	if err := a.current.Delete(ctx, q.ID); err != nil {
		return err
	}
	a.printf("deleted\n")
	return nil
}

func (a *App) admin(ctx context.Context, rest string) error {
	sub, arg := splitCommand(rest)
	gate := a.opts.Admin
	switch sub {
	case "login":
		if err := gate.Login(strings.TrimSpace(arg)); err != nil {
			return err
		}
		a.adminToken = strings.TrimSpace(arg)
		a.printf("admin mode on\n")
	case "logout":
		gate.Logout()
		a.adminToken = ""
		a.printf("admin mode off\n")
	case "delete":
		q, err := a.question(arg)
		if err != nil {
			return err
		}
		if err := a.current.AdminDelete(ctx, q.ID); err != nil {
			return err
		}
		a.printf("deleted\n")
	case "clear":
		if err := gate.Require(); err != nil {
			return err
		}
		if strings.TrimSpace(arg) != "--yes" {
			a.printf("remove every question in %s? repeat with: admin clear --yes\n", a.current.Room())
			return nil
		}
		if err := a.current.ClearAll(ctx); err != nil {
			return err
		}
		a.printf("room cleared\n")
	case "cleanup":
		return a.cleanup(ctx, strings.TrimSpace(arg) == "--apply")
	default:
		return errors.New("usage: admin login <secret> | logout | delete <n> | clear | cleanup [--apply]")
	}
	return nil
}

// cleanup always shows the dry run; rooms are only deleted with --apply.
func (a *App) cleanup(ctx context.Context, apply bool) error {
	if err := a.opts.Admin.Require(); err != nil {
		return err
	}
	if a.opts.Cleaner == nil {
		return errors.New("stale-room cleanup needs a server connection")
	}

	res, err := a.opts.Cleaner.StaleRooms(ctx, a.adminToken, apply)
	if err != nil {
		return err
	}
	a.printf("%s\n", strings.TrimRight(cleanup.FormatResult(res), "\n"))
	if !apply && res.Success && res.Found > 0 {
		a.printf("run \"admin cleanup --apply\" to delete them\n")
	}
	return nil
}

// question resolves a list number or a question id against the view.
func (a *App) question(ref string) (live.Question, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return live.Question{}, errors.New("which question? give its number from list or its id")
	}
	if n, err := strconv.Atoi(ref); err == nil {
		if n < 1 || n > len(a.listing) {
			return live.Question{}, fmt.Errorf("no question #%d in the last list", n)
		}
		ref = a.listing[n-1]
	}
	if q, ok := a.current.Question(ref); ok {
		return q, nil
	}
	// unique id prefix
	var match []live.Question
	for _, q := range a.current.View().Questions {
		if strings.HasPrefix(q.ID, ref) {
			match = append(match, q)
		}
	}
	if len(match) == 1 {
		return match[0], nil
	}
	return live.Question{}, &live.Error{Kind: live.KindNotFound, Msg: "question " + ref + " not found"}
}

func (a *App) printQuestions(qs []live.Question) {
	a.listing = a.listing[:0]
	if len(qs) == 0 {
		a.printf("no questions yet in %s, ask one with: ask <text>\n", a.current.Room())
		return
	}
	var b strings.Builder
	for i, q := range qs {
		a.listing = append(a.listing, q.ID)
		mark := " "
		if a.current.HasVoted(q) {
			mark = "*"
		}
		mine := ""
		if a.current.CanDelete(q) {
			mine = " (yours)"
		}
		fmt.Fprintf(&b, "%2d.%s [%d] %s%s", i+1, mark, q.Votes, q.Text, mine)
		if n := len(q.Replies); n > 0 {
			fmt.Fprintf(&b, "  (%d replies)", n)
		}
		b.WriteByte('\n')
	}
	a.printf("%s", b.String())
}

func (a *App) printReplies(q live.Question) {
	var b strings.Builder
	fmt.Fprintf(&b, "[%d] %s\n", q.Votes, q.Text)
	replies := q.ReplyList()
	if len(replies) == 0 {
		b.WriteString("  no replies\n")
	}
	for _, r := range replies {
		fmt.Fprintf(&b, "  %s %s: %s\n", time.UnixMilli(r.Timestamp).Format("15:04"), r.Author, r.Text)
	}
	a.printf("%s", b.String())
}

func (a *App) printStatus() {
	v := a.current.View()
	a.printf("room %s, %s, %d questions, device %s\n", v.Room, v.State, len(v.Questions), a.opts.DeviceID)
	if a.opts.Admin != nil && a.opts.Admin.Authenticated() {
		a.printf("admin mode on\n")
	}
	if v.Err != nil {
		a.printf("last error: %s (dismiss to clear)\n", describe(v.Err))
	}
	for act := ratelimit.ActionSubmit; act <= ratelimit.ActionSelfDelete; act++ {
		if l := a.opts.Limits.For(act); l != nil {
			a.printf("  %-15s %d of %d left per %s\n", act.Key(), l.Remaining(act.Key()), l.Max(), ratelimit.FormatWindow(l.Window()))
		}
	}
}

func (a *App) printRecent() {
	if a.opts.Rooms == nil {
		return
	}
	recent := a.opts.Rooms.Recent()
	if len(recent) == 0 {
		a.printf("no recent rooms\n")
		return
	}
	a.printf("recent rooms: %s\n", strings.Join(recent, ", "))
}

func (a *App) prompt() {
	name := "-"
	if a.current != nil {
		name = a.current.Room()
	}
	a.printf("%s> ", name)
}

func (a *App) printf(format string, args ...any) {
	a.outMu.Lock()
	defer a.outMu.Unlock()
	fmt.Fprintf(a.out, format, args...)
}

// describe phrases an error for the terminal.
func describe(err error) string {
	var rl *room.RateLimitedError
	switch {
	case errors.As(err, &rl):
		return fmt.Sprintf("too many new rooms, try again in %d seconds", rl.WaitSeconds)
	case errors.Is(err, live.ErrPermission):
		return err.Error() + " (is the server's room policy blocking this?)"
	case errors.Is(err, admin.ErrNotConfigured):
		return "admin actions are disabled: set ASKWALL_ADMIN_SECRET"
	}
	return err.Error()
}

func splitCommand(line string) (string, string) {
	line = strings.TrimSpace(line)
	cmd, rest, _ := strings.Cut(line, " ")
	return strings.ToLower(cmd), strings.TrimSpace(rest)
}

func short(id string) string {
	if len(id) > 8 {
		return id[len(id)-8:]
	}
	return id
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

const helpText = `commands:
  room <name>            join (or create) a room
  rooms                  recently visited rooms
  list | all             top 10 questions | every question, by votes
  ask <text>             ask a question (up to 500 characters)
  vote <n>               vote for question n, again to take it back
  reply <n> <text>       reply anonymously (up to 200 characters)
  replies <n>            show the replies to question n
  delete <n> [--yes]     delete a question you asked
  status                 connection, errors and remaining quota
  dismiss                clear the last error
  admin login <secret>   moderator mode for this session
  admin logout
  admin delete <n>       delete any question
  admin clear [--yes]    remove every question in the room
  admin cleanup [--apply]  list (or delete) rooms idle too long
  quit
`

// LocalCleaner runs a collector in-process, for the offline mode. The admin
// gate has already been checked, so the token is not used.
type LocalCleaner struct {
	Collector *cleanup.Collector
}

func (l LocalCleaner) StaleRooms(ctx context.Context, _ string, apply bool) (cleanup.Result, error) {
	if apply {
		return l.Collector.Apply(ctx), nil
	}
	return l.Collector.DryRun(ctx), nil
}
