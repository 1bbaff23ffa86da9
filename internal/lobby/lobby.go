package lobby

import (
	"context"
	"errors"

	"github.com/DoyleJ11/hero-quiz-backend/internal/engine"
	"github.com/DoyleJ11/hero-quiz-backend/internal/store"
	"go.uber.org/zap"
)

type Msg interface{ isLobbyMsg() }

type Join struct {
	ClientID string
	Outbox   chan Snapshot // where this client wants to receive snapshots
}

func (Join) isLobbyMsg() {}

type Leave struct{ ClientID string }

func (Leave) isLobbyMsg() {}

type Shutdown struct{}

func (Shutdown) isLobbyMsg() {}

type GetState struct {
	Reply chan View
}

func (GetState) isLobbyMsg() {}

// roomChanged carries a store delivery for the room path.
type roomChanged struct{ value any }

func (roomChanged) isLobbyMsg() {}

type connectivityChanged struct{ online bool }

func (connectivityChanged) isLobbyMsg() {}

// Snapshot is the projection every client renders from.
type Snapshot struct {
	Version     int
	Room        engine.Room
	Leaderboard []engine.Standing
	Connected   bool
	Deleted     bool
}

type View struct {
	Version    int
	NumClients int
	Loaded     bool
	Snapshot   Snapshot
}

// Lobby mirrors one room from the shared store and fans snapshots out to
// connected clients. Writes never go through the lobby; they hit the store
// and come back as deliveries.
type Lobby struct {
	inbox     chan Msg
	roomID    string
	store     store.Store
	log       *zap.Logger
	room      engine.Room
	loaded    bool
	deleted   bool
	connected bool
	version   int
	clients   map[string]chan Snapshot
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
}

// ErrClosed is returned when posting to a lobby that has shut down.
var ErrClosed = errors.New("lobby closed")

func NewLobby(parent context.Context, s store.Store, roomID string, log *zap.Logger) *Lobby {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(parent)

	l := &Lobby{
		inbox:     make(chan Msg, 64), // Small buffer
		roomID:    roomID,
		store:     s,
		log:       log.With(zap.String("room", roomID)),
		connected: true,
		clients:   make(map[string]chan Snapshot),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	go l.loop()
	return l
}

func (l *Lobby) RoomID() string { return l.roomID }

// Done is closed once the lobby loop has exited.
func (l *Lobby) Done() <-chan struct{} { return l.done }

func (l *Lobby) post(m Msg) { _ = l.postCtx(context.Background(), m) }

func (l *Lobby) postCtx(ctx context.Context, m Msg) error {
	if l.ctx.Err() != nil {
		return ErrClosed
	}
	select {
	case l.inbox <- m:
		return nil
	case <-l.ctx.Done():
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Join registers out for snapshots. If the lobby is already closed, out is
// closed and ErrClosed returned. A Join that is queued when the lobby stops
// is never answered; watch Done for that.
func (l *Lobby) Join(ctx context.Context, clientID string, out chan Snapshot) error {
	err := l.postCtx(ctx, Join{ClientID: clientID, Outbox: out})
	if errors.Is(err, ErrClosed) {
		close(out)
	}
	return err
}

// Close asks the lobby to shut down. It returns at once if it already has.
func (l *Lobby) Close() { l.post(Shutdown{}) }

func (l *Lobby) Leave(ctx context.Context, clientID string) error {
	return l.postCtx(ctx, Leave{ClientID: clientID})
}

func (l *Lobby) watch() (store.Unsubscribe, error) {
	unsubscribe, err := l.store.Subscribe(l.ctx, engine.RoomPath(l.roomID),
		func(v any) { l.post(roomChanged{value: v}) },
		func(err error) { l.log.Warn("room subscription error", zap.Error(err)) },
	)
	if err != nil {
		return nil, err
	}
	status := l.store.Connectivity(l.ctx)
	go func() {
		for online := range status {
			l.post(connectivityChanged{online: online})
		}
	}()
	return unsubscribe, nil
}

func (l *Lobby) loop() {
	defer close(l.done)
	unsubscribe, err := l.watch()
	if err != nil {
		l.log.Error("subscribe to room", zap.Error(err))
	} else {
		defer unsubscribe()
	}

	for {
		select {
		case <-l.ctx.Done():
			l.shutdown()
			return

		case m := <-l.inbox:
			switch msg := m.(type) {
			case Join:
				// Register client + send current snapshot immediately
				l.clients[msg.ClientID] = msg.Outbox
				if l.loaded {
					l.send(msg.ClientID, msg.Outbox, l.snapshot())
				}

			case Leave:
				delete(l.clients, msg.ClientID)

			case roomChanged:
				if !l.apply(msg.value) {
					break
				}
				l.version++
				l.broadcast(l.snapshot())

			case connectivityChanged:
				if msg.online == l.connected {
					break
				}
				l.connected = msg.online
				l.log.Info("store connectivity changed", zap.Bool("online", msg.online))
				if l.loaded {
					l.version++
					l.broadcast(l.snapshot())
				}

			case GetState:
				// test-only: reflect internal state without data races
				msg.Reply <- View{
					Version:    l.version,
					NumClients: len(l.clients),
					Loaded:     l.loaded,
					Snapshot:   l.snapshot(),
				}

			case Shutdown:
				l.shutdown()
				return
			}
		}
	}
}

// apply folds a store delivery into the projection and reports whether it
// produced a new snapshot.
func (l *Lobby) apply(v any) bool {
	if v == nil {
		if l.deleted {
			return false
		}
		l.deleted = true
		l.loaded = true
		l.room = engine.Room{ID: l.roomID}
		return true
	}
	var room engine.Room
	if err := store.Decode(v, &room); err != nil {
		l.log.Warn("dropping undecodable room delivery", zap.Error(err))
		return false
	}
	if room.ID == "" {
		room.ID = l.roomID
	}
	engine.Normalize(&room)
	l.room = room
	l.loaded = true
	l.deleted = false
	return true
}

func (l *Lobby) snapshot() Snapshot {
	snap := Snapshot{
		Version:   l.version,
		Room:      l.room,
		Connected: l.connected,
		Deleted:   l.deleted,
	}
	if l.loaded && !l.deleted {
		snap.Leaderboard = engine.Leaderboard(l.room)
	}
	return snap
}

func (l *Lobby) shutdown() {
	for id, ch := range l.clients {
		close(ch) // Tell client no more snapshots
		delete(l.clients, id)
	}
	l.cancel()
}

func (l *Lobby) send(id string, ch chan Snapshot, snap Snapshot) {
	select {
	case ch <- snap:
	default:
		// Client is slow/full - drop them.
		l.log.Debug("dropping slow client", zap.String("client", id))
		close(ch)
		delete(l.clients, id)
	}
}

func (l *Lobby) broadcast(snap Snapshot) {
	for id, ch := range l.clients {
		l.send(id, ch, snap)
	}
}

// Expose the inbox so tests or WS layer can send messages.
func (l *Lobby) Inbox() chan<- Msg { return l.inbox }
