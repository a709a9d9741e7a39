package store

import (
	"context"
	"errors"
	"fmt"
)

// ErrAbort can be returned by a transaction function to stop without writing.
var ErrAbort = errors.New("store: transaction aborted")

// DefaultTxnRetries bounds how often RunTransaction retries after conflicts.
const DefaultTxnRetries = 25

// RunTransaction applies fn to the current value at path and writes the
// result back with CompareAndSet, retrying on conflict. fn receives a private
// copy of the value (nil when absent) and may be called several times; it must
// not have side effects. The committed value is returned.
func RunTransaction(ctx context.Context, s Store, path string, fn func(current any) (any, error)) (any, error) {
	for attempt := 0; attempt < DefaultTxnRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		snap, err := s.Get(ctx, path)
		if err != nil {
			return nil, err
		}
		next, err := fn(Clone(snap.Value))
		if err != nil {
			return nil, err
		}
		err = s.CompareAndSet(ctx, path, snap.Version, next)
		if err == nil {
			return next, nil
		}
		if !errors.Is(err, ErrConflict) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: gave up on %s after %d attempts", ErrConflict, path, DefaultTxnRetries)
}
