package store

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

func Split(path string) []string {
	raw := strings.Split(path, "/")
	parts := make([]string, 0, len(raw))
	for _, p := range raw {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}

func Join(parts []string) string { return strings.Join(parts, "/") }

func joinRel(base []string, rel string) []string {
	out := make([]string, 0, len(base)+4)
	out = append(out, base...)
	return append(out, Split(rel)...)
}

// overlaps reports whether one path is an ancestor of (or equal to) the other.
func overlaps(a, b []string) bool {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// normalize turns an arbitrary Go value into a pruned JSON tree.
func normalize(v any) (any, error) {
	switch v.(type) {
	case nil:
		return nil, nil
	case string, bool, float64:
		return v, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode value: %w", err)
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("decode value: %w", err)
	}
	return prune(out), nil
}

func prune(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			if child = prune(child); child == nil {
				delete(t, k)
			} else {
				t[k] = child
			}
		}
		if len(t) == 0 {
			return nil
		}
		return t
	case []any:
		for i, child := range t {
			t[i] = prune(child)
		}
		return t
	default:
		return v
	}
}

func clone(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, child := range t {
			out[k] = clone(child)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, child := range t {
			out[i] = clone(child)
		}
		return out
	default:
		return v
	}
}

func getAt(root any, parts []string) any {
	node := root
	for _, p := range parts {
		switch t := node.(type) {
		case map[string]any:
			node = t[p]
		case []any:
			i, err := strconv.Atoi(p)
			if err != nil || i < 0 || i >= len(t) {
				return nil
			}
			node = t[i]
		default:
			return nil
		}
		if node == nil {
			return nil
		}
	}
	return node
}

// setAt stores value under parts and returns the new root. It mutates maps
// in place; callers hold the lock guarding root.
func setAt(root any, parts []string, value any) any {
	if len(parts) == 0 {
		return value
	}
	node, ok := root.(map[string]any)
	if !ok {
		if value == nil {
			return root
		}
		node = map[string]any{}
	}
	child := setAt(node[parts[0]], parts[1:], value)
	if child == nil {
		delete(node, parts[0])
	} else {
		node[parts[0]] = child
	}
	if len(node) == 0 {
		return nil
	}
	return node
}
