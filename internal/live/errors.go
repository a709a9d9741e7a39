package live

import (
	"errors"
	"fmt"

	"github.com/sujalbistaa/askwall/internal/admin"
	"github.com/sujalbistaa/askwall/internal/store"
)

// Kind classifies what went wrong so the presentation layer can phrase it.
type Kind int

const (
	KindValidation Kind = iota + 1
	KindQuota
	KindPermission
	KindConnectivity
	KindAuth
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindQuota:
		return "quota"
	case KindPermission:
		return "permission"
	case KindConnectivity:
		return "connectivity"
	case KindAuth:
		return "auth"
	case KindNotFound:
		return "not found"
	}
	return "unknown"
}

// Sentinels for errors.Is; any *Error of the same kind matches.
var (
	ErrValidation   = &Error{Kind: KindValidation}
	ErrQuota        = &Error{Kind: KindQuota}
	ErrPermission   = &Error{Kind: KindPermission}
	ErrConnectivity = &Error{Kind: KindConnectivity}
	ErrAuth         = &Error{Kind: KindAuth}
	ErrNotFound     = &Error{Kind: KindNotFound}
)

// Error is every failure the sync reports.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	// WaitSeconds is set for rate-limit denials.
	WaitSeconds int
	Err         error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if msg == "" {
		msg = e.Kind.String() + " error"
	}
	if e.Op == "" {
		return msg
	}
	return e.Op + ": " + msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Op == "" && t.Msg == "" && t.Err == nil && t.Kind == e.Kind
}

func validationErr(op, format string, args ...any) error {
	return &Error{Kind: KindValidation, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func rateLimited(op string, wait int) error {
	return &Error{
		Kind:        KindQuota,
		Op:          op,
		Msg:         fmt.Sprintf("too many requests, please wait %d seconds", wait),
		WaitSeconds: wait,
	}
}

func authErr(op string, err error) error {
	return &Error{Kind: KindAuth, Op: op, Err: err}
}

// remoteErr translates a store failure.
func remoteErr(op string, err error) error {
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	switch {
	case errors.Is(err, store.ErrPermissionDenied):
		return &Error{Kind: KindPermission, Op: op, Msg: "the store refused the write, check the room rules and configuration", Err: err}
	case errors.Is(err, errQuestionGone):
		return &Error{Kind: KindNotFound, Op: op, Msg: "question no longer exists", Err: err}
	case errors.Is(err, admin.ErrNotConfigured), errors.Is(err, admin.ErrNotAuthenticated):
		return authErr(op, err)
	}
	return &Error{Kind: KindConnectivity, Op: op, Err: err}
}

var errQuestionGone = errors.New("question not found")
