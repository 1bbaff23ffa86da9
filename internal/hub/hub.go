package hub

import (
	"context"

	"github.com/DoyleJ11/hero-quiz-backend/internal/game"
	"github.com/DoyleJ11/hero-quiz-backend/internal/lobby"
	"github.com/DoyleJ11/hero-quiz-backend/internal/store"
	"go.uber.org/zap"
)

type HubMsg interface{ isHubMsg() }

type GetLobby struct {
	Code  string
	Reply chan *lobby.Lobby
}

// EnsureLobby returns the room's lobby, starting it and the room's
// reconciler watch on first use.
type EnsureLobby struct {
	Code  string
	Reply chan *lobby.Lobby
}

type RemoveLobby struct {
	Code string
}

type CountLobbies struct {
	Reply chan int
}

type Hub struct {
	inbox      chan HubMsg
	lobbies    map[string]*lobby.Lobby
	store      store.Store
	reconciler *game.Reconciler
	log        *zap.Logger
	ctx        context.Context
	cancel     context.CancelFunc
}

type ShutdownHub struct{}

func (GetLobby) isHubMsg()     {}
func (EnsureLobby) isHubMsg()  {}
func (RemoveLobby) isHubMsg()  {}
func (CountLobbies) isHubMsg() {}
func (ShutdownHub) isHubMsg()  {}

// NewHub starts the registry. A nil reconciler disables room watches.
func NewHub(parent context.Context, s store.Store, rec *game.Reconciler, log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(parent)
	h := &Hub{
		inbox:      make(chan HubMsg, 64),
		lobbies:    make(map[string]*lobby.Lobby),
		store:      s,
		reconciler: rec,
		log:        log,
		ctx:        ctx,
		cancel:     cancel,
	}
	go h.loop()
	return h
}

func (h *Hub) Inbox() chan<- HubMsg { return h.inbox }

// Ensure is a convenience wrapper around EnsureLobby.
func (h *Hub) Ensure(ctx context.Context, code string) (*lobby.Lobby, error) {
	reply := make(chan *lobby.Lobby, 1)
	select {
	case h.inbox <- EnsureLobby{Code: code, Reply: reply}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case lb := <-reply:
		return lb, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *Hub) loop() {
	for {
		select {
		case <-h.ctx.Done():
			h.shutdown()
			return

		case m := <-h.inbox:
			switch msg := m.(type) {
			case GetLobby:
				msg.Reply <- h.lobbies[msg.Code] // May be nil

			case EnsureLobby:
				if lb := h.lobbies[msg.Code]; lb != nil {
					msg.Reply <- lb
					break
				}

				lb := lobby.NewLobby(h.ctx, h.store, msg.Code, h.log.Named("lobby"))
				h.lobbies[msg.Code] = lb
				h.watch(msg.Code)
				msg.Reply <- lb

			case RemoveLobby:
				if lb := h.lobbies[msg.Code]; lb != nil {
					lb.Close()
					delete(h.lobbies, msg.Code)
					h.log.Debug("lobby removed", zap.String("room", msg.Code))
				}

			case CountLobbies:
				msg.Reply <- len(h.lobbies)

			case ShutdownHub:
				h.shutdown()
				return
			}

		}
	}
}

// watch runs the reconciler for code and removes the lobby once the room
// is gone.
func (h *Hub) watch(code string) {
	if h.reconciler == nil {
		return
	}
	go func() {
		if err := h.reconciler.Watch(h.ctx, code); err != nil {
			h.log.Warn("room watch stopped", zap.String("room", code), zap.Error(err))
		}
		select {
		case h.inbox <- RemoveLobby{Code: code}:
		case <-h.ctx.Done():
		}
	}()
}

func (h *Hub) shutdown() {
	for _, lb := range h.lobbies {
		select {
		case lb.Inbox() <- lobby.Shutdown{}:
		default:
		}
	}
	clear(h.lobbies)
	h.cancel()
}
