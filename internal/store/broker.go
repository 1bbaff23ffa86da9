package store

import (
	"context"
	"sync"
)

type subscription struct {
	path     []string
	fetch    func(ctx context.Context) (any, error)
	onChange func(any)
	onError  func(error)
	signal   chan struct{}
}

func (s *subscription) poke() {
	select {
	case s.signal <- struct{}{}:
	default:
		// a delivery is already pending; it will read the latest value
	}
}

func (s *subscription) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.signal:
			v, err := s.fetch(ctx)
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				if s.onError != nil {
					s.onError(err)
				}
				continue
			}
			s.onChange(v)
		}
	}
}

// broker fans change notifications out to subscriptions. Each subscription
// re-reads its path on delivery, so bursts of writes collapse into one call.
type broker struct {
	mu   sync.Mutex
	subs map[int]*subscription
	next int
}

func newBroker() *broker { return &broker{subs: make(map[int]*subscription)} }

func (b *broker) subscribe(parent context.Context, path []string, fetch func(context.Context) (any, error), onChange func(any), onError func(error)) Unsubscribe {
	ctx, cancel := context.WithCancel(parent)
	s := &subscription{
		path:     path,
		fetch:    fetch,
		onChange: onChange,
		onError:  onError,
		signal:   make(chan struct{}, 1),
	}

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = s
	b.mu.Unlock()

	s.poke()
	go s.run(ctx)

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

func (b *broker) notify(paths ...[]string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs {
		for _, p := range paths {
			if overlaps(s.path, p) {
				s.poke()
				break
			}
		}
	}
}

func (b *broker) pokeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs {
		s.poke()
	}
}

// statusFeed keeps one latest-value channel per connectivity listener.
type statusFeed struct {
	mu        sync.Mutex
	online    bool
	listeners map[chan bool]struct{}
}

func newStatusFeed(online bool) *statusFeed {
	return &statusFeed{online: online, listeners: make(map[chan bool]struct{})}
}

func (f *statusFeed) subscribe(ctx context.Context) <-chan bool {
	ch := make(chan bool, 1)
	f.mu.Lock()
	ch <- f.online
	f.listeners[ch] = struct{}{}
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		delete(f.listeners, ch)
		close(ch)
		f.mu.Unlock()
	}()
	return ch
}

func (f *statusFeed) set(online bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.online == online {
		return
	}
	f.online = online
	for ch := range f.listeners {
		select {
		case <-ch:
		default:
		}
		ch <- online
	}
}
