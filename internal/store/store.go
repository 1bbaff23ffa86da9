// Package store defines the shared real-time store the game core runs
// against, and provides in-memory and Postgres implementations.
//
// Values are JSON-shaped trees. Writing nil removes a path and maps that
// become empty are pruned, so readers must treat missing subtrees as empty.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var ErrUnavailable = errors.New("store unavailable")
var ErrConflict = errors.New("too many conflicting writers")
var ErrNotNumber = errors.New("value is not a number")
var ErrInvalidPath = errors.New("invalid path")

// Unsubscribe stops a subscription. It is safe to call more than once.
type Unsubscribe func()

type Store interface {
	// Read returns the subtree at path, or nil when absent.
	Read(ctx context.Context, path string) (any, error)
	// Write replaces the subtree at path. A nil value removes it.
	Write(ctx context.Context, path string, value any) error
	// Patch applies every relative-path update as one atomic write.
	Patch(ctx context.Context, path string, updates map[string]any) error
	Remove(ctx context.Context, path string) error
	Exists(ctx context.Context, path string) (bool, error)
	// Subscribe delivers the current value at path on subscribe and after
	// every overlapping change. Deliveries may coalesce.
	Subscribe(ctx context.Context, path string, onChange func(any), onError func(error)) (Unsubscribe, error)
	// AtomicIncrement adds delta to the number at path, retrying internally
	// on conflicting writers, and returns the new value. A missing value
	// counts as zero.
	AtomicIncrement(ctx context.Context, path string, delta int64) (int64, error)
	// Connectivity reports connection changes until ctx is done.
	Connectivity(ctx context.Context) <-chan bool
}

// IsTransient reports whether err is a retryable store failure.
func IsTransient(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrConflict)
}

// Decode converts a tree returned by Read into out.
func Decode(value any, out any) error {
	b, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode value: %w", err)
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("decode value: %w", err)
	}
	return nil
}

// ReadInto reads path and decodes it into out. ok is false when absent.
func ReadInto(ctx context.Context, s Store, path string, out any) (bool, error) {
	v, err := s.Read(ctx, path)
	if err != nil {
		return false, err
	}
	if v == nil {
		return false, nil
	}
	return true, Decode(v, out)
}

func toNumber(v any) (float64, error) {
	switch n := v.(type) {
	case nil:
		return 0, nil
	case float64:
		return n, nil
	default:
		return 0, fmt.Errorf("%w: %T", ErrNotNumber, v)
	}
}
