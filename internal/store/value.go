package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Normalize turns any JSON-encodable value into the generic tree form used in
// storage (map[string]any, []any, string, float64, bool) and drops empty maps,
// which the tree treats as absent.
func Normalize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("store: encode value: %w", err)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("store: decode value: %w", err)
	}
	return prune(out), nil
}

func prune(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, c := range t {
			if c = prune(c); c == nil {
				delete(t, k)
			} else {
				t[k] = c
			}
		}
		if len(t) == 0 {
			return nil
		}
		return t
	case []any:
		if len(t) == 0 {
			return nil
		}
		return t
	}
	return v
}

// Clone deep-copies a generic value so callers can't alias stored state.
func Clone(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, c := range t {
			out[k] = Clone(c)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, c := range t {
			out[i] = Clone(c)
		}
		return out
	}
	return v
}

// Version fingerprints a value. Map keys are encoded in sorted order, so equal
// trees always share a version.
func Version(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:8])
}

// ValueAt walks segs down from root. It returns nil when any step is missing.
func ValueAt(root any, segs []string) any {
	node := root
	for _, s := range segs {
		m, ok := node.(map[string]any)
		if !ok {
			return nil
		}
		node = m[s]
	}
	return node
}

// SetAt writes v at segs below root and returns the new root. Maps along the
// way are modified in place; maps left empty are removed.
func SetAt(root any, segs []string, v any) any {
	if len(segs) == 0 {
		return v
	}
	m, ok := root.(map[string]any)
	if !ok {
		if v == nil {
			return root
		}
		m = make(map[string]any)
	}
	child := SetAt(m[segs[0]], segs[1:], v)
	if child == nil {
		delete(m, segs[0])
	} else {
		m[segs[0]] = child
	}
	if len(m) == 0 {
		return nil
	}
	return m
}
