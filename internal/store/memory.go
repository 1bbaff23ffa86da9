package store

import (
	"context"
	"fmt"
	"math"
	"reflect"
	"runtime"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// DefaultMaxTransactionRetries bounds optimistic increment attempts. Every
// failed attempt implies another writer committed, so the bound only needs
// to exceed the number of concurrent writers on one path.
const DefaultMaxTransactionRetries = 100

// Memory is an in-process Store. It is the reference implementation used in
// tests and single-instance deployments.
type Memory struct {
	mu   sync.RWMutex
	root any

	broker *broker
	status *statusFeed
	log    *zap.Logger

	online        atomic.Bool
	writeFailures atomic.Int32
	maxRetries    int
}

func NewMemory(log *zap.Logger) *Memory {
	if log == nil {
		log = zap.NewNop()
	}
	m := &Memory{
		broker:     newBroker(),
		status:     newStatusFeed(true),
		log:        log,
		maxRetries: DefaultMaxTransactionRetries,
	}
	m.online.Store(true)
	return m
}

// SetOnline simulates losing or regaining the connection. While offline
// every operation fails with ErrUnavailable.
func (m *Memory) SetOnline(online bool) {
	m.online.Store(online)
	m.status.set(online)
	if online {
		m.broker.pokeAll()
	}
}

// InjectWriteFailures makes the next n mutating calls fail with ErrUnavailable.
func (m *Memory) InjectWriteFailures(n int) { m.writeFailures.Store(int32(n)) }

func (m *Memory) check(ctx context.Context, mutating bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !m.online.Load() {
		return ErrUnavailable
	}
	if !mutating {
		return nil
	}
	for {
		n := m.writeFailures.Load()
		if n <= 0 {
			return nil
		}
		if m.writeFailures.CompareAndSwap(n, n-1) {
			return fmt.Errorf("%w: injected failure", ErrUnavailable)
		}
	}
}

func (m *Memory) Read(ctx context.Context, path string) (any, error) {
	if err := m.check(ctx, false); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return clone(getAt(m.root, Split(path))), nil
}

func (m *Memory) Exists(ctx context.Context, path string) (bool, error) {
	v, err := m.Read(ctx, path)
	return v != nil, err
}

func (m *Memory) Write(ctx context.Context, path string, value any) error {
	if err := m.check(ctx, true); err != nil {
		return err
	}
	v, err := normalize(value)
	if err != nil {
		return err
	}
	parts := Split(path)

	m.mu.Lock()
	m.root = setAt(m.root, parts, v)
	m.mu.Unlock()

	m.broker.notify(parts)
	return nil
}

func (m *Memory) Remove(ctx context.Context, path string) error {
	return m.Write(ctx, path, nil)
}

func (m *Memory) Patch(ctx context.Context, path string, updates map[string]any) error {
	if len(updates) == 0 {
		return nil
	}
	if err := m.check(ctx, true); err != nil {
		return err
	}
	base := Split(path)
	paths := make([][]string, 0, len(updates))
	values := make([]any, 0, len(updates))
	for rel, value := range updates {
		v, err := normalize(value)
		if err != nil {
			return fmt.Errorf("patch %s: %w", rel, err)
		}
		paths = append(paths, joinRel(base, rel))
		values = append(values, v)
	}

	m.mu.Lock()
	for i, p := range paths {
		m.root = setAt(m.root, p, values[i])
	}
	m.mu.Unlock()

	m.broker.notify(paths...)
	return nil
}

func (m *Memory) AtomicIncrement(ctx context.Context, path string, delta int64) (int64, error) {
	if err := m.check(ctx, true); err != nil {
		return 0, err
	}
	parts := Split(path)

	for attempt := 0; attempt < m.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		m.mu.RLock()
		seen := clone(getAt(m.root, parts))
		m.mu.RUnlock()

		cur, err := toNumber(seen)
		if err != nil {
			return 0, err
		}
		next := cur + float64(delta)

		m.mu.Lock()
		if reflect.DeepEqual(getAt(m.root, parts), seen) {
			m.root = setAt(m.root, parts, next)
			m.mu.Unlock()
			m.broker.notify(parts)
			return int64(math.Round(next)), nil
		}
		m.mu.Unlock()

		if attempt > 0 && attempt%10 == 0 {
			m.log.Debug("increment still conflicting", zap.String("path", path), zap.Int("attempt", attempt))
		}
		runtime.Gosched()
	}
	return 0, fmt.Errorf("increment %s: %w", path, ErrConflict)
}

func (m *Memory) Subscribe(ctx context.Context, path string, onChange func(any), onError func(error)) (Unsubscribe, error) {
	if onChange == nil {
		return nil, fmt.Errorf("subscribe %s: onChange is required", path)
	}
	return m.broker.subscribe(ctx, Split(path), func(ctx context.Context) (any, error) {
		return m.Read(ctx, path)
	}, onChange, onError), nil
}

func (m *Memory) Connectivity(ctx context.Context) <-chan bool { return m.status.subscribe(ctx) }
