package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DoyleJ11/hero-quiz-backend/internal/directory"
	"github.com/DoyleJ11/hero-quiz-backend/internal/engine"
	"github.com/DoyleJ11/hero-quiz-backend/internal/game"
	"github.com/DoyleJ11/hero-quiz-backend/internal/hub"
	"github.com/DoyleJ11/hero-quiz-backend/internal/lobby"
	"github.com/DoyleJ11/hero-quiz-backend/internal/store"
	"github.com/DoyleJ11/hero-quiz-backend/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"nhooyr.io/websocket"
)

type fixture struct {
	url    string
	dir    *directory.Directory
	hub    *hub.Hub
	ctrl   *game.Controller
	roomID string
	member engine.User
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := zaptest.NewLogger(t)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	s := store.NewMemory(log)
	ctrl := game.NewController(s, game.WithLogger(log))
	dir := directory.New(s, ctrl.Ledger(), log)
	h := hub.NewHub(ctx, s, nil, log)

	srv := httptest.NewServer(Handler(Deps{Hub: h, Controller: ctrl, Directory: dir, Passphrase: "pw", Log: log}))
	t.Cleanup(srv.Close)

	room, _, err := dir.Create(ctx, engine.RoomConfig{RoomName: "quiz", TeamCount: 2, DurationMinutes: 10, Questions: []string{"q1", "q2"}})
	require.NoError(t, err)
	member, err := dir.JoinAsParticipant(ctx, room.ID, "Kim", "팀 1")
	require.NoError(t, err)

	return &fixture{url: "ws" + strings.TrimPrefix(srv.URL, "http"), dir: dir, hub: h, ctrl: ctrl, roomID: room.ID, member: member}
}

func (f *fixture) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, f.url+"/?"+query, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msg types.ClientMessage) {
	t.Helper()
	b, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, conn.Write(context.Background(), websocket.MessageText, b))
}

// readUntil reads server messages until match accepts one.
func readUntil(t *testing.T, conn *websocket.Conn, match func(types.ServerMessage) bool) types.ServerMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		_, data, err := conn.Read(ctx)
		require.NoError(t, err)
		var msg types.ServerMessage
		require.NoError(t, json.Unmarshal(data, &msg))
		if match(msg) {
			return msg
		}
	}
}

func isSnapshot(msg types.ServerMessage) bool { return msg.Type == types.MsgStateSnapshot }

func TestHandler_RejectsUnknownRoomAndUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, resp, err := websocket.Dial(ctx, f.url+"/?room=missing&user=x", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	_, resp, err = websocket.Dial(ctx, f.url+"/?room="+f.roomID+"&user=stranger", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	_, resp, err = websocket.Dial(ctx, f.url+"/?room="+f.roomID, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandler_SnapshotsAndCommands(t *testing.T) {
	f := newFixture(t)
	member := f.dial(t, "room="+f.roomID+"&user="+f.member.ID)

	first := readUntil(t, member, isSnapshot)
	require.NotNil(t, first.State)
	assert.Equal(t, "quiz", first.State.Room.Config.RoomName)
	assert.True(t, first.State.Connected)
	assert.Nil(t, first.State.RemainingMs, "clock has not started")

	send(t, member, types.ClientMessage{Type: types.CmdStartGame})
	rejected := readUntil(t, member, func(m types.ServerMessage) bool { return m.Type == types.MsgError })
	assert.Equal(t, errAdminOnly.Error(), rejected.Error)

	admin := f.dial(t, "room="+f.roomID+"&user=admin_1&passphrase=pw")
	send(t, admin, types.ClientMessage{Type: types.CmdStartGame})

	started := readUntil(t, member, func(m types.ServerMessage) bool {
		return isSnapshot(m) && m.State.Room.GameState.IsStarted
	})
	assert.Equal(t, f.member.ID, started.State.Room.GameState.CurrentHeroID["팀 1"])
	require.NotNil(t, started.State.RemainingMs)
	assert.Greater(t, started.Version, first.Version)

	send(t, member, types.ClientMessage{Type: types.CmdSetHeroAnswer, Answer: "O"})
	answered := readUntil(t, member, func(m types.ServerMessage) bool {
		return isSnapshot(m) && m.State.Room.GameState.HeroAnswer["팀 1"] == engine.AnswerYes
	})
	assert.Equal(t, engine.PhaseAwaitingGuesses, answered.State.Room.GameState.Phase["팀 1"])

	send(t, member, types.ClientMessage{Type: types.CmdSubmitMemberAnswer, Answer: "O"})
	hero := readUntil(t, member, func(m types.ServerMessage) bool { return m.Type == types.MsgError })
	assert.Equal(t, engine.ErrHeroCannotGuess.Error(), hero.Error)
}

func TestHandler_BadInput(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, "room="+f.roomID+"&user="+f.member.ID)
	_ = readUntil(t, conn, isSnapshot)

	require.NoError(t, conn.Write(context.Background(), websocket.MessageText, []byte("{nope")))
	msg := readUntil(t, conn, func(m types.ServerMessage) bool { return m.Type == types.MsgError })
	assert.Equal(t, "bad json", msg.Error)

	send(t, conn, types.ClientMessage{Type: "Dance"})
	msg = readUntil(t, conn, func(m types.ServerMessage) bool { return m.Type == types.MsgError })
	assert.Contains(t, msg.Error, "unknown type")

	send(t, conn, types.ClientMessage{Type: types.CmdChangeQuestion, Direction: "sideways"})
	msg = readUntil(t, conn, func(m types.ServerMessage) bool { return m.Type == types.MsgError })
	assert.Contains(t, msg.Error, "direction")
}

func TestHandler_ClosesWhenRoomDeleted(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, "room="+f.roomID+"&user="+f.member.ID)
	_ = readUntil(t, conn, isSnapshot)

	require.NoError(t, f.dir.Delete(context.Background(), f.roomID))
	deleted := readUntil(t, conn, func(m types.ServerMessage) bool { return isSnapshot(m) && m.State.Deleted })
	assert.True(t, deleted.State.Deleted)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))
}

func TestFlush(t *testing.T) {
	var delivered []int
	deliver := func(s lobby.Snapshot) bool {
		delivered = append(delivered, s.Version)
		return s.Deleted
	}

	out := make(chan lobby.Snapshot, 4)
	out <- lobby.Snapshot{Version: 1}
	out <- lobby.Snapshot{Version: 2, Deleted: true}
	out <- lobby.Snapshot{Version: 3}
	assert.True(t, flush(out, deliver), "a deleted snapshot ends the connection")
	assert.Equal(t, []int{1, 2}, delivered)

	delivered = nil
	out = make(chan lobby.Snapshot, 1)
	out <- lobby.Snapshot{Version: 4}
	close(out)
	assert.False(t, flush(out, deliver))
	assert.Equal(t, []int{4}, delivered)

	assert.False(t, flush(make(chan lobby.Snapshot), deliver), "an empty outbox returns at once")
}

func TestHandler_LobbyShutdownReleasesClients(t *testing.T) {
	f := newFixture(t)
	var conns []*websocket.Conn
	for range 3 {
		conn := f.dial(t, "room="+f.roomID+"&user="+f.member.ID)
		_ = readUntil(t, conn, isSnapshot)
		conns = append(conns, conn)
	}

	f.hub.Inbox() <- hub.RemoveLobby{Code: f.roomID}
	for _, conn := range conns {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		var err error
		for err == nil {
			_, _, err = conn.Read(ctx)
		}
		cancel()
		assert.Equal(t, websocket.StatusTryAgainLater, websocket.CloseStatus(err))
	}

	// a reconnect gets a fresh lobby
	conn := f.dial(t, "room="+f.roomID+"&user="+f.member.ID)
	snap := readUntil(t, conn, isSnapshot)
	assert.Equal(t, f.roomID, snap.State.Room.ID)
}

func TestDispatch_AnyMemberMayReveal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	other, err := f.dir.JoinAsParticipant(ctx, f.roomID, "Lee", "팀 1")
	require.NoError(t, err)

	admin := client{roomID: f.roomID, user: engine.User{ID: "admin_1", Role: engine.RoleAdmin}}
	require.NoError(t, dispatch(ctx, f.ctrl, admin, types.ClientMessage{Type: types.CmdStartGame}))

	room, err := f.dir.Get(ctx, f.roomID)
	require.NoError(t, err)
	heroID := room.GameState.CurrentHeroID["팀 1"]
	guesser := f.member
	if guesser.ID == heroID {
		guesser = other
	}
	hero := room.Participants[heroID]

	require.NoError(t, dispatch(ctx, f.ctrl, client{roomID: f.roomID, user: hero},
		types.ClientMessage{Type: types.CmdSetHeroAnswer, Answer: "X"}))
	require.NoError(t, dispatch(ctx, f.ctrl, client{roomID: f.roomID, user: guesser},
		types.ClientMessage{Type: types.CmdSubmitMemberAnswer, Answer: "X"}))
	require.NoError(t, dispatch(ctx, f.ctrl, client{roomID: f.roomID, user: guesser},
		types.ClientMessage{Type: types.CmdRevealResult}))

	room, err = f.dir.Get(ctx, f.roomID)
	require.NoError(t, err)
	assert.True(t, room.GameState.ResultRevealed["팀 1"])
	assert.Equal(t, int64(100), room.GameState.IndividualScores[guesser.ID])
}
