// Package admin gates the moderator actions behind one shared secret. There
// are no admin accounts: knowing the secret flips a flag that lives only as
// long as the session store it is kept in.
package admin

import (
	"crypto/subtle"
	"errors"
)

var (
	ErrNotConfigured    = errors.New("admin secret is not configured, admin actions are disabled")
	ErrWrongSecret      = errors.New("wrong admin secret")
	ErrNotAuthenticated = errors.New("admin login required")
)

const sessionKey = "adminAuth"

// SessionStore is the slice of kv.Store the gate needs.
type SessionStore interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Delete(key string) error
}

type Gate struct {
	secret  string
	session SessionStore
}

// NewGate binds the gate to the configured secret and a session-scoped store.
// An empty secret disables every admin action.
func NewGate(secret string, session SessionStore) *Gate {
	return &Gate{secret: secret, session: session}
}

func (g *Gate) Configured() bool { return g.secret != "" }

func (g *Gate) Login(secret string) error {
	if !g.Configured() {
		return ErrNotConfigured
	}
	if subtle.ConstantTimeCompare([]byte(secret), []byte(g.secret)) != 1 {
		return ErrWrongSecret
	}
	return g.session.Set(sessionKey, []byte("true"))
}

func (g *Gate) Logout() {
	if g.session == nil {
		return
	}
	_ = g.session.Delete(sessionKey)
}

func (g *Gate) Authenticated() bool {
	if !g.Configured() || g.session == nil {
		return false
	}
	v, err := g.session.Get(sessionKey)
	return err == nil && string(v) == "true"
}

// Require returns nil only for an authenticated session.
func (g *Gate) Require() error {
	if !g.Configured() {
		return ErrNotConfigured
	}
	if !g.Authenticated() {
		return ErrNotAuthenticated
	}
	return nil
}
