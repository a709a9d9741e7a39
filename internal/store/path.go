package store

import (
	"fmt"
	"strings"
)

const reservedChars = ".#$[]"

// SplitPath validates p and returns its segments. The root is "" (no segments).
func SplitPath(p string) ([]string, error) {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil, nil
	}
	segs := strings.Split(p, "/")
	for _, s := range segs {
		if s == "" {
			return nil, fmt.Errorf("%w: empty segment in %q", ErrInvalidPath, p)
		}
		if strings.ContainsAny(s, reservedChars) {
			return nil, fmt.Errorf("%w: reserved character in %q", ErrInvalidPath, s)
		}
	}
	return segs, nil
}

// CleanPath validates p and returns it without leading or trailing slashes.
func CleanPath(p string) (string, error) {
	segs, err := SplitPath(p)
	if err != nil {
		return "", err
	}
	return strings.Join(segs, "/"), nil
}

// Join concatenates path fragments with single slashes.
func Join(parts ...string) string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.Trim(p, "/"); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "/")
}

// Related reports whether a change at one path can affect the value at the
// other: one is an ancestor of (or equal to) the other.
func Related(a, b string) bool {
	return IsWithin(a, b) || IsWithin(b, a)
}

// IsWithin reports whether p equals root or lies below it.
func IsWithin(p, root string) bool {
	if root == "" || p == root {
		return true
	}
	return strings.HasPrefix(p, root+"/")
}
