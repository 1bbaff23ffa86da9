package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/DoyleJ11/hero-quiz-backend/internal/directory"
	"github.com/DoyleJ11/hero-quiz-backend/internal/engine"
	"github.com/DoyleJ11/hero-quiz-backend/internal/game"
	"github.com/DoyleJ11/hero-quiz-backend/internal/hub"
	"github.com/DoyleJ11/hero-quiz-backend/internal/lobby"
	"github.com/DoyleJ11/hero-quiz-backend/internal/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

const (
	writeTimeout = 3 * time.Second
	pingInterval = 30 * time.Second
)

var errAdminOnly = errors.New("admin only")

type Deps struct {
	Hub        *hub.Hub
	Controller *game.Controller
	Directory  *directory.Directory
	Passphrase string
	Log        *zap.Logger
	Now        func() time.Time
	// Dev accepts connections from any origin.
	Dev bool
}

// client is one authenticated connection.
type client struct {
	roomID string
	user   engine.User
}

func Handler(d Deps) http.HandlerFunc {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		roomID, userID := q.Get("room"), q.Get("user")
		if roomID == "" || userID == "" {
			http.Error(w, "missing room or user", http.StatusBadRequest)
			return
		}

		room, err := d.Directory.Get(r.Context(), roomID)
		if err != nil {
			if errors.Is(err, engine.ErrNotFound) {
				http.Error(w, "room not found", http.StatusNotFound)
				return
			}
			http.Error(w, "store unavailable", http.StatusServiceUnavailable)
			return
		}
		c := client{roomID: roomID}
		switch u, ok := room.Participants[userID]; {
		case ok:
			c.user = u
		case d.Passphrase != "" && q.Get("passphrase") == d.Passphrase:
			c.user = engine.User{ID: userID, Name: "관리자", Role: engine.RoleAdmin}
		default:
			http.Error(w, "unknown participant", http.StatusForbidden)
			return
		}

		lb, err := d.Hub.Ensure(r.Context(), roomID)
		if err != nil {
			return
		}

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: d.Dev,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "bye")

		log := d.Log.With(zap.String("room", roomID), zap.String("user", c.user.ID))
		out := make(chan lobby.Snapshot, 8)
		clientID := uuid.NewString()

		if err := lb.Join(r.Context(), clientID, out); err != nil {
			_ = conn.Close(websocket.StatusTryAgainLater, "lobby closed")
			return
		}
		defer func() { _ = lb.Leave(context.Background(), clientID) }()

		// Writer goroutine
		writeCtx, writeCancel := context.WithCancel(r.Context())
		defer writeCancel()
		// deliver writes snap and reports whether the connection is done.
		deliver := func(snap lobby.Snapshot) bool {
			writeJSON(writeCtx, conn, snapshotMessage(snap, d.Now()))
			if snap.Deleted {
				_ = conn.Close(websocket.StatusNormalClosure, "room deleted")
				return true
			}
			return false
		}
		go func() {
			ping := time.NewTicker(pingInterval)
			defer ping.Stop()
			for {
				select {
				case <-writeCtx.Done():
					return
				case <-ping.C:
					ctx, cancel := context.WithTimeout(writeCtx, writeTimeout)
					err := conn.Ping(ctx)
					cancel()
					if err != nil {
						log.Debug("ping failed", zap.Error(err))
						_ = conn.Close(websocket.StatusGoingAway, "ping timeout")
						return
					}
				case snap, ok := <-out:
					if !ok {
						_ = conn.Close(websocket.StatusTryAgainLater, "lobby closed")
						return
					}
					if deliver(snap) {
						return
					}
				case <-lb.Done():
					if !flush(out, deliver) {
						_ = conn.Close(websocket.StatusTryAgainLater, "lobby closed")
					}
					return
				}
			}
		}()

		// Reader loop
		for {
			_, data, err := conn.Read(r.Context())
			if err != nil {
				// Treat clean close/going-away as normal:
				switch websocket.CloseStatus(err) {
				case websocket.StatusNormalClosure, websocket.StatusGoingAway:
					return
				}
				log.Debug("websocket read ended", zap.Error(err))
				return
			}

			var cm types.ClientMessage
			if err := json.Unmarshal(data, &cm); err != nil {
				writeJSON(r.Context(), conn, types.ServerMessage{Type: types.MsgError, Error: "bad json"})
				continue
			}

			if err := dispatch(r.Context(), d.Controller, c, cm); err != nil {
				log.Info("command rejected", zap.String("type", cm.Type), zap.Error(err))
				writeJSON(r.Context(), conn, types.ServerMessage{Type: types.MsgError, Error: err.Error()})
			}
		}
	}
}

func dispatch(ctx context.Context, ctrl *game.Controller, c client, m types.ClientMessage) error {
	team := c.user.Team
	if c.user.IsAdmin() {
		team = m.Team
	}

	switch m.Type {
	case types.CmdChangeQuestion:
		nav, err := game.ParseNav(m.Direction)
		if err != nil {
			return err
		}
		return ctrl.ChangeQuestion(ctx, c.roomID, team, c.user.ID, nav)
	case types.CmdSetHeroAnswer:
		return ctrl.SetHeroAnswer(ctx, c.roomID, team, c.user.ID, engine.Answer(m.Answer))
	case types.CmdSubmitMemberAnswer:
		return ctrl.SubmitMemberAnswer(ctx, c.roomID, team, c.user.ID, engine.Answer(m.Answer))
	case types.CmdRevealResult:
		return ctrl.RevealResult(ctx, c.roomID, team)
	case types.CmdNextRound:
		return ctrl.NextRound(ctx, c.roomID, team)
	case types.CmdStartGame:
		if !c.user.IsAdmin() {
			return errAdminOnly
		}
		return ctrl.StartGame(ctx, c.roomID)
	case types.CmdFinishGame:
		if !c.user.IsAdmin() {
			return errAdminOnly
		}
		return ctrl.FinishGame(ctx, c.roomID)
	case types.CmdSkipHero:
		if !c.user.IsAdmin() {
			return errAdminOnly
		}
		return ctrl.SkipHero(ctx, c.roomID, team)
	default:
		return fmt.Errorf("unknown type %q", m.Type)
	}
}

// flush delivers snapshots already queued on out and reports whether one of
// them ended the connection.
func flush(out <-chan lobby.Snapshot, deliver func(lobby.Snapshot) bool) bool {
	for {
		select {
		case snap, ok := <-out:
			if !ok {
				return false
			}
			if deliver(snap) {
				return true
			}
		default:
			return false
		}
	}
}

func snapshotMessage(snap lobby.Snapshot, now time.Time) types.ServerMessage {
	state := &types.RoomState{
		Room:        snap.Room,
		Leaderboard: snap.Leaderboard,
		TeamTotals:  engine.TeamTotals(snap.Room),
		Connected:   snap.Connected,
		Deleted:     snap.Deleted,
	}
	if left, ok := engine.Remaining(snap.Room, now); ok {
		ms := left.Milliseconds()
		state.RemainingMs = &ms
	}
	return types.ServerMessage{Type: types.MsgStateSnapshot, Version: snap.Version, State: state}
}

func writeJSON(ctx context.Context, conn *websocket.Conn, msg types.ServerMessage) {
	payload, _ := json.Marshal(msg)
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	_ = conn.Write(ctx, websocket.MessageText, payload)
	cancel()
}
