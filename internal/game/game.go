// Package game drives team rounds against the shared store: the round
// lifecycle, the score ledger and roster repair.
//
// Field ownership is by convention. The current hero writes heroAnswer and
// question navigation for their team, each member writes only their own
// memberAnswers entry, and the acting admin writes isStarted/isFinished.
// Reveal and rotation flags belong to the team as a whole: any member or an
// admin may reveal a round or move to the next one.
// individualScores is the only multi-writer field and is changed solely
// through atomic increments.
package game

import (
	"context"
	"fmt"
	"time"

	"github.com/DoyleJ11/hero-quiz-backend/internal/engine"
	"github.com/DoyleJ11/hero-quiz-backend/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type options struct {
	log   *zap.Logger
	rand  engine.Rand
	now   func() time.Time
	retry RetryPolicy
}

type Option func(*options)

func WithLogger(log *zap.Logger) Option { return func(o *options) { o.log = log } }

// WithRand injects the source used for question sampling and hero selection.
func WithRand(r engine.Rand) Option { return func(o *options) { o.rand = r } }

func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

func WithRetryPolicy(p RetryPolicy) Option { return func(o *options) { o.retry = p } }

func buildOptions(opts []Option) options {
	o := options{
		log:   zap.NewNop(),
		rand:  engine.DefaultRand,
		now:   time.Now,
		retry: DefaultRetryPolicy,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = zap.NewNop()
	}
	return o
}

// LoadRoom reads and normalises a room record.
func LoadRoom(ctx context.Context, s store.Store, roomID string) (engine.Room, error) {
	var room engine.Room
	ok, err := store.ReadInto(ctx, s, engine.RoomPath(roomID), &room)
	if err != nil {
		return engine.Room{}, fmt.Errorf("load room %s: %w", roomID, err)
	}
	if !ok {
		return engine.Room{}, engine.ErrRoomNotFound
	}
	if room.ID == "" {
		room.ID = roomID
	}
	engine.Normalize(&room)
	return room, nil
}

// stageUpdates builds the gameState-relative writes that start a fresh round
// for team with hero. Stale member-answer keys and award marks are dropped by
// replacing the team's maps wholesale.
func stageUpdates(room engine.Room, team string, hero engine.User, r engine.Rand) map[string]any {
	g := room.GameState
	answers := map[string]engine.Answer{}
	for _, m := range engine.TeamMembers(room, team) {
		if m.ID != hero.ID {
			answers[m.ID] = engine.AnswerNone
		}
	}
	history := append(append([]string{}, g.HeroHistory[team]...), hero.ID)

	return map[string]any{
		engine.StateKey(engine.FieldQuestionHistory, team):      engine.Sample(r, len(room.Config.Questions)),
		engine.StateKey(engine.FieldCurrentQuestionIndex, team): 0,
		engine.StateKey(engine.FieldCurrentHeroID, team):        hero.ID,
		engine.StateKey(engine.FieldHeroAnswer, team):           engine.AnswerNone,
		engine.StateKey(engine.FieldMemberAnswers, team):        answers,
		engine.StateKey(engine.FieldHeroHistory, team):          history,
		engine.StateKey(engine.FieldRoundID, team):              uuid.NewString(),
		engine.StateKey(engine.FieldAwarded, team):              nil,
		engine.StateKey(engine.FieldPhase, team):                engine.PhaseAwaitingHero,
		engine.StateKey(engine.FieldResultRevealed, team):       false,
		engine.StateKey(engine.FieldResultRevealedAt, team):     nil,
	}
}

// idleUpdates returns a team with no members to staging.
func idleUpdates(team string) map[string]any {
	return map[string]any{
		engine.StateKey(engine.FieldCurrentHeroID, team):        nil,
		engine.StateKey(engine.FieldHeroAnswer, team):           nil,
		engine.StateKey(engine.FieldQuestionHistory, team):      nil,
		engine.StateKey(engine.FieldCurrentQuestionIndex, team): nil,
		engine.StateKey(engine.FieldMemberAnswers, team):        nil,
		engine.StateKey(engine.FieldAwarded, team):              nil,
		engine.StateKey(engine.FieldPhase, team):                engine.PhaseStaging,
		engine.StateKey(engine.FieldResultRevealed, team):       false,
		engine.StateKey(engine.FieldResultRevealedAt, team):     nil,
	}
}

func merge(dst, src map[string]any) {
	for k, v := range src {
		dst[k] = v
	}
}

func requireTeam(room engine.Room, team string) error {
	if !engine.ValidTeam(room.Config, team) {
		return &engine.ValidationError{Field: "team", Msg: fmt.Sprintf("unknown team %q", team)}
	}
	return nil
}

func requireActive(room engine.Room) error {
	switch {
	case room.GameState.IsFinished:
		return engine.ErrGameFinished
	case !room.GameState.IsStarted:
		return engine.ErrGameNotStarted
	}
	return nil
}
