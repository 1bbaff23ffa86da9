// Package session remembers which room and identity a client was using so a
// reload can resume it.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/DoyleJ11/hero-quiz-backend/internal/engine"
	"github.com/DoyleJ11/hero-quiz-backend/internal/game"
	"github.com/DoyleJ11/hero-quiz-backend/internal/store"
	"go.uber.org/zap"
)

// MaxAge is how long a saved session may be restored.
const MaxAge = 24 * time.Hour

const DefaultKey = "heroquiz_session"

type Session struct {
	RoomID    string      `json:"roomId"`
	User      engine.User `json:"user"`
	Timestamp int64       `json:"timestamp"`
}

type Manager struct {
	storage Storage
	key     string
	store   store.Store
	ledger  *game.Ledger
	log     *zap.Logger
	now     func() time.Time
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

func NewManager(storage Storage, s store.Store, ledger *game.Ledger, log *zap.Logger, opts ...Option) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	m := &Manager{storage: storage, key: DefaultKey, store: s, ledger: ledger, log: log, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Bind returns a manager for the session stored under key.
func (m *Manager) Bind(key string) *Manager {
	bound := *m
	bound.key = key
	return &bound
}

func (m *Manager) Save(roomID string, user engine.User) error {
	b, err := json.Marshal(Session{RoomID: roomID, User: user, Timestamp: m.now().UnixMilli()})
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := m.storage.Set(m.key, string(b)); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (m *Manager) Clear() error {
	if err := m.storage.Remove(m.key); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}

// Peek decodes the saved session without validating it.
func (m *Manager) Peek() (Session, bool, error) {
	raw, found, err := m.storage.Get(m.key)
	if err != nil || !found {
		return Session{}, false, err
	}
	var sess Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return Session{}, false, nil
	}
	return sess, true, nil
}

// Restore returns the saved session when it is still usable. Stale,
// unreadable or orphaned sessions are cleared and reported as ok == false
// with no error. A participant whose row disappeared (the room was reset)
// is registered again under the same id.
func (m *Manager) Restore(ctx context.Context) (Session, bool, error) {
	raw, found, err := m.storage.Get(m.key)
	if err != nil {
		return Session{}, false, fmt.Errorf("read session: %w", err)
	}
	if !found {
		return Session{}, false, nil
	}

	var sess Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil || sess.RoomID == "" || sess.User.ID == "" {
		return m.discard("unreadable")
	}
	if age := m.now().Sub(time.UnixMilli(sess.Timestamp)); age > MaxAge {
		return m.discard("expired")
	}

	room, err := game.LoadRoom(ctx, m.store, sess.RoomID)
	switch {
	case err == nil:
	case errors.Is(err, engine.ErrNotFound):
		return m.discard("room gone")
	default:
		return Session{}, false, err
	}

	if sess.User.IsAdmin() {
		return sess, true, nil
	}
	if u, ok := room.Participants[sess.User.ID]; ok {
		sess.User = u
		return sess, true, nil
	}
	if !engine.ValidTeam(room.Config, sess.User.Team) {
		return m.discard("team gone")
	}

	user := sess.User
	user.Role = engine.RoleParticipant
	updates := map[string]any{engine.RoomKey("participants", user.ID): user}
	g := room.GameState
	if g.Active() && g.PhaseOf(user.Team).RoundInProgress() && g.CurrentHeroID[user.Team] != user.ID {
		updates[engine.RoomKey("gameState", engine.StateKey(engine.FieldMemberAnswers, user.Team, user.ID))] = engine.AnswerNone
	}
	if err := m.store.Patch(ctx, engine.RoomPath(room.ID), updates); err != nil {
		return Session{}, false, fmt.Errorf("re-register participant: %w", err)
	}
	score, err := m.ledger.Ensure(ctx, room.ID, user.ID)
	if err != nil {
		return Session{}, false, err
	}
	user.Score = score
	sess.User = user
	m.log.Info("participant re-registered", zap.String("room", room.ID), zap.String("user", user.ID))
	return sess, true, nil
}

func (m *Manager) discard(reason string) (Session, bool, error) {
	m.log.Debug("discarding session", zap.String("key", m.key), zap.String("reason", reason))
	if err := m.Clear(); err != nil {
		return Session{}, false, err
	}
	return Session{}, false, nil
}
