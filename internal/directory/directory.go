// Package directory creates, lists and administers room records.
package directory

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/DoyleJ11/hero-quiz-backend/internal/engine"
	"github.com/DoyleJ11/hero-quiz-backend/internal/game"
	"github.com/DoyleJ11/hero-quiz-backend/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Directory struct {
	store  store.Store
	ledger *game.Ledger
	log    *zap.Logger
	now    func() time.Time
	rand   engine.Rand
}

type Option func(*Directory)

func WithClock(now func() time.Time) Option { return func(d *Directory) { d.now = now } }
func WithRand(r engine.Rand) Option          { return func(d *Directory) { d.rand = r } }

func New(s store.Store, ledger *game.Ledger, log *zap.Logger, opts ...Option) *Directory {
	if log == nil {
		log = zap.NewNop()
	}
	d := &Directory{store: s, ledger: ledger, log: log, now: time.Now, rand: engine.DefaultRand}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Create stores a new room and returns it with the creating admin.
func (d *Directory) Create(ctx context.Context, cfg engine.RoomConfig) (engine.Room, engine.User, error) {
	cfg.RoomName = strings.TrimSpace(cfg.RoomName)
	cfg.Questions = engine.CleanQuestions(cfg.Questions)
	if err := engine.ValidateConfig(cfg); err != nil {
		return engine.Room{}, engine.User{}, err
	}

	now := d.now()
	room := engine.Room{
		ID:           uuid.NewString(),
		Config:       cfg,
		GameState:    engine.NewEmptyGameState(),
		Participants: map[string]engine.User{},
		CreatedAt:    now.UnixMilli(),
	}
	if err := d.store.Write(ctx, engine.RoomPath(room.ID), room); err != nil {
		return engine.Room{}, engine.User{}, fmt.Errorf("create room: %w", err)
	}
	d.log.Info("room created", zap.String("room", room.ID), zap.String("name", cfg.RoomName), zap.Int("teams", cfg.TeamCount))
	return room, adminUser(now), nil
}

// List summarises every room, newest first.
func (d *Directory) List(ctx context.Context) ([]engine.RoomInfo, error) {
	rooms := map[string]engine.Room{}
	if _, err := store.ReadInto(ctx, d.store, engine.RoomsPath, &rooms); err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	out := make([]engine.RoomInfo, 0, len(rooms))
	for id, room := range rooms {
		if room.ID == "" {
			room.ID = id
		}
		engine.Normalize(&room)
		out = append(out, room.Info())
	}
	slices.SortFunc(out, func(a, b engine.RoomInfo) int {
		if a.CreatedAt != b.CreatedAt {
			if a.CreatedAt > b.CreatedAt {
				return -1
			}
			return 1
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

func (d *Directory) Get(ctx context.Context, roomID string) (engine.Room, error) {
	return game.LoadRoom(ctx, d.store, roomID)
}

func (d *Directory) requireRoom(ctx context.Context, roomID string) error {
	ok, err := d.store.Exists(ctx, engine.RoomPath(roomID))
	if err != nil {
		return fmt.Errorf("look up room %s: %w", roomID, err)
	}
	if !ok {
		return engine.ErrRoomNotFound
	}
	return nil
}

// JoinAsAdmin returns a fresh admin identity. Admins are not stored in
// participants.
func (d *Directory) JoinAsAdmin(ctx context.Context, roomID string) (engine.User, error) {
	if err := d.requireRoom(ctx, roomID); err != nil {
		return engine.User{}, err
	}
	return adminUser(d.now()), nil
}

func adminUser(now time.Time) engine.User {
	return engine.User{ID: engine.NewAdminID(now), Name: "관리자", Role: engine.RoleAdmin}
}

// JoinAsParticipant adds a member to team. Rejoining under the same name on
// the same team replaces the earlier identity and keeps its score.
func (d *Directory) JoinAsParticipant(ctx context.Context, roomID, name, team string) (engine.User, error) {
	if strings.TrimSpace(name) == "" {
		return engine.User{}, &engine.ValidationError{Field: "name", Msg: "is required"}
	}
	room, err := game.LoadRoom(ctx, d.store, roomID)
	if err != nil {
		return engine.User{}, err
	}
	if !engine.ValidTeam(room.Config, team) {
		return engine.User{}, &engine.ValidationError{Field: "team", Msg: fmt.Sprintf("unknown team %q", team)}
	}

	plan := game.PlanJoin(room, team, name, engine.NewUserID(d.now(), d.rand))
	if err := d.store.Patch(ctx, engine.RoomPath(roomID), plan.Updates); err != nil {
		return engine.User{}, fmt.Errorf("join room: %w", err)
	}
	score, err := d.ledger.Increment(ctx, roomID, plan.User.ID, plan.InheritedScore)
	if err != nil {
		return engine.User{}, err
	}
	plan.User.Score = score

	fields := []zap.Field{zap.String("room", roomID), zap.String("user", plan.User.ID), zap.String("team", team)}
	if plan.Previous != nil {
		fields = append(fields, zap.String("replaces", plan.Previous.ID), zap.Int64("score", score))
	}
	d.log.Info("participant joined", fields...)
	return plan.User, nil
}

// Leave removes the participant and any pending guess. Scores stay.
func (d *Directory) Leave(ctx context.Context, roomID, userID string) error {
	room, err := game.LoadRoom(ctx, d.store, roomID)
	if err != nil {
		return err
	}
	u, ok := room.Participants[userID]
	if !ok {
		return engine.ErrParticipantNotFound
	}
	updates := map[string]any{
		engine.RoomKey("participants", userID): nil,
	}
	if u.Team != "" {
		updates[engine.RoomKey("gameState", engine.StateKey(engine.FieldMemberAnswers, u.Team, userID))] = nil
	}
	if err := d.store.Patch(ctx, engine.RoomPath(roomID), updates); err != nil {
		return fmt.Errorf("leave room: %w", err)
	}
	d.log.Info("participant left", zap.String("room", roomID), zap.String("user", userID))
	return nil
}

func (d *Directory) Delete(ctx context.Context, roomID string) error {
	if err := d.requireRoom(ctx, roomID); err != nil {
		return err
	}
	if err := d.store.Remove(ctx, engine.RoomPath(roomID)); err != nil {
		return fmt.Errorf("delete room: %w", err)
	}
	d.log.Info("room deleted", zap.String("room", roomID))
	return nil
}

// Reset clears participants and game state, keeping the configuration.
func (d *Directory) Reset(ctx context.Context, roomID string) error {
	if err := d.requireRoom(ctx, roomID); err != nil {
		return err
	}
	err := d.store.Patch(ctx, engine.RoomPath(roomID), map[string]any{
		"participants": nil,
		"gameState":    engine.NewEmptyGameState(),
	})
	if err != nil {
		return fmt.Errorf("reset room: %w", err)
	}
	d.log.Info("room reset", zap.String("room", roomID))
	return nil
}

func (d *Directory) UpdateTeamCount(ctx context.Context, roomID string, n int) error {
	if err := engine.ValidateTeamCount(n); err != nil {
		return err
	}
	if err := d.requireIdle(ctx, roomID); err != nil {
		return err
	}
	if err := d.store.Write(ctx, engine.ConfigPath(roomID)+"/teamCount", n); err != nil {
		return fmt.Errorf("update team count: %w", err)
	}
	return nil
}

func (d *Directory) UpdateQuestions(ctx context.Context, roomID string, questions []string) error {
	questions = engine.CleanQuestions(questions)
	if err := engine.ValidateQuestions(questions); err != nil {
		return err
	}
	if err := d.requireIdle(ctx, roomID); err != nil {
		return err
	}
	if err := d.store.Write(ctx, engine.ConfigPath(roomID)+"/questions", questions); err != nil {
		return fmt.Errorf("update questions: %w", err)
	}
	return nil
}

func (d *Directory) requireIdle(ctx context.Context, roomID string) error {
	room, err := game.LoadRoom(ctx, d.store, roomID)
	if err != nil {
		return err
	}
	if room.GameState.IsStarted || room.GameState.IsFinished {
		return engine.ErrGameInProgress
	}
	return nil
}
