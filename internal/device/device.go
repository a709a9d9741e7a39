// Package device manages the pseudonymous identity a client uses instead of an
// account. The token is created once and kept in local storage; losing it
// forfeits the device's votes and ownership of its questions.
package device

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/sujalbistaa/askwall/internal/kv"
)

const storageKey = "deviceId"

// Identity returns the device token stored in s, creating it on first use.
// When s can't be read or written the token is ephemeral for this process.
func Identity(s kv.Store, log *slog.Logger) string {
	if log == nil {
		log = slog.Default()
	}

	raw, err := s.Get(storageKey)
	if err == nil {
		if id := strings.TrimSpace(string(raw)); id != "" {
			return id
		}
	} else if !errors.Is(err, kv.ErrNotFound) {
		log.Warn("device identity unreadable, using ephemeral id", "err", err)
		return newID()
	}

	id := newID()
	if err := s.Set(storageKey, []byte(id)); err != nil {
		log.Warn("device identity not persisted", "err", err)
	}
	return id
}

func newID() string {
	return "device_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Anonymize derives the author tag stored with replies, so the raw device
// token never leaves the client in a form that could be replayed.
func Anonymize(id string) string {
	sum := sha256.Sum256([]byte(id))
	return "anon_" + hex.EncodeToString(sum[:4])
}
