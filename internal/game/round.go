package game

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/DoyleJ11/hero-quiz-backend/internal/engine"
	"github.com/DoyleJ11/hero-quiz-backend/internal/store"
	"go.uber.org/zap"
)

// Nav moves the hero's question cursor.
type Nav struct {
	step     int
	index    int
	absolute bool
}

func NavNext() Nav       { return Nav{step: 1} }
func NavPrev() Nav       { return Nav{step: -1} }
func NavIndex(i int) Nav { return Nav{index: i, absolute: true} }

// ParseNav accepts "next", "prev" or an explicit index.
func ParseNav(s string) (Nav, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "next":
		return NavNext(), nil
	case "prev":
		return NavPrev(), nil
	}
	i, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return Nav{}, &engine.ValidationError{Field: "direction", Msg: fmt.Sprintf("%q is not next, prev or an index", s)}
	}
	return NavIndex(i), nil
}

func (n Nav) apply(cur, size int) int {
	if n.absolute {
		return ((n.index % size) + size) % size
	}
	return ((cur+n.step)%size + size) % size
}

// Controller runs the per-team round state machine:
// staging → awaiting hero → awaiting guesses → revealed → (rotate).
type Controller struct {
	store  store.Store
	ledger *Ledger
	opts   options
	log    *zap.Logger
}

func NewController(s store.Store, opts ...Option) *Controller {
	o := buildOptions(opts)
	return &Controller{
		store:  s,
		ledger: NewLedger(s, o.log),
		opts:   o,
		log:    o.log,
	}
}

func (c *Controller) Ledger() *Ledger { return c.ledger }

func (c *Controller) patchState(ctx context.Context, roomID string, updates map[string]any) error {
	return c.store.Patch(ctx, engine.GameStatePath(roomID), updates)
}

// StartGame picks a hero and stages questions for every team with members
// in a single write.
func (c *Controller) StartGame(ctx context.Context, roomID string) error {
	room, err := LoadRoom(ctx, c.store, roomID)
	if err != nil {
		return err
	}
	g := room.GameState
	if g.IsFinished {
		return engine.ErrGameFinished
	}
	if g.IsStarted {
		return engine.ErrGameInProgress
	}
	if len(room.Participants) == 0 {
		return &engine.ValidationError{Field: "participants", Msg: "nobody has joined yet"}
	}

	updates := map[string]any{
		engine.FieldIsStarted:  true,
		engine.FieldIsFinished: false,
		engine.FieldStartTime:  c.opts.now().UnixMilli(),
	}
	for _, team := range engine.TeamNames(room.Config.TeamCount) {
		hero, ok := engine.SelectNextHero(c.opts.rand, engine.TeamMembers(room, team), g.HeroHistory[team], "", false)
		if !ok {
			merge(updates, idleUpdates(team))
			continue
		}
		merge(updates, stageUpdates(room, team, hero, c.opts.rand))
		updates[engine.StateKey(engine.FieldRoundCount, team)] = 0
		c.log.Info("hero selected", zap.String("room", roomID), zap.String("team", team), zap.String("user", hero.ID))
	}

	if err := c.patchState(ctx, roomID, updates); err != nil {
		return fmt.Errorf("start game: %w", err)
	}
	c.log.Info("game started", zap.String("room", roomID))
	return nil
}

func (c *Controller) FinishGame(ctx context.Context, roomID string) error {
	room, err := LoadRoom(ctx, c.store, roomID)
	if err != nil {
		return err
	}
	if err := requireActive(room); err != nil {
		return err
	}
	if err := c.patchState(ctx, roomID, map[string]any{engine.FieldIsFinished: true}); err != nil {
		return fmt.Errorf("finish game: %w", err)
	}
	c.log.Info("game finished", zap.String("room", roomID))
	return nil
}

// FinishIfExpired ends the game once the room clock ran out.
func (c *Controller) FinishIfExpired(ctx context.Context, roomID string) (bool, error) {
	room, err := LoadRoom(ctx, c.store, roomID)
	if err != nil {
		return false, err
	}
	if !room.GameState.Active() {
		return false, nil
	}
	left, ok := engine.Remaining(room, c.opts.now())
	if !ok || left > 0 {
		return false, nil
	}
	if err := c.patchState(ctx, roomID, map[string]any{engine.FieldIsFinished: true}); err != nil {
		return false, fmt.Errorf("finish expired game: %w", err)
	}
	c.log.Info("game clock expired", zap.String("room", roomID))
	return true, nil
}

func (c *Controller) ChangeQuestion(ctx context.Context, roomID, team, userID string, nav Nav) error {
	room, err := LoadRoom(ctx, c.store, roomID)
	if err != nil {
		return err
	}
	if err := requireTeam(room, team); err != nil {
		return err
	}
	if err := requireActive(room); err != nil {
		return err
	}
	g := room.GameState
	if g.CurrentHeroID[team] != userID {
		return engine.ErrNotHero
	}
	if !g.PhaseOf(team).CanNavigate() {
		return engine.ErrWrongPhase
	}
	staged := len(g.QuestionHistory[team])
	if staged == 0 {
		return nil
	}
	cur := g.CurrentQuestionIndex[team]
	next := nav.apply(cur, staged)
	if next == cur {
		return nil
	}
	return c.patchState(ctx, roomID, map[string]any{
		engine.StateKey(engine.FieldCurrentQuestionIndex, team): next,
	})
}

// SetHeroAnswer locks the hero's answer and clears every member's guess.
// The member list comes from the fresh read, so mid-round joiners are
// included.
func (c *Controller) SetHeroAnswer(ctx context.Context, roomID, team, userID string, answer engine.Answer) error {
	if !answer.Valid() {
		return &engine.ValidationError{Field: "answer", Msg: fmt.Sprintf("%q is not O or X", answer)}
	}
	room, err := LoadRoom(ctx, c.store, roomID)
	if err != nil {
		return err
	}
	if err := requireTeam(room, team); err != nil {
		return err
	}
	if err := requireActive(room); err != nil {
		return err
	}
	g := room.GameState
	if g.CurrentHeroID[team] != userID {
		return engine.ErrNotHero
	}
	if !g.PhaseOf(team).CanCommit() {
		return engine.ErrWrongPhase
	}

	answers := map[string]engine.Answer{}
	for _, m := range engine.TeamMembers(room, team) {
		if m.ID != userID {
			answers[m.ID] = engine.AnswerNone
		}
	}
	err = c.patchState(ctx, roomID, map[string]any{
		engine.StateKey(engine.FieldHeroAnswer, team):       answer,
		engine.StateKey(engine.FieldMemberAnswers, team):    answers,
		engine.StateKey(engine.FieldPhase, team):            engine.PhaseAwaitingGuesses,
		engine.StateKey(engine.FieldResultRevealed, team):   false,
		engine.StateKey(engine.FieldResultRevealedAt, team): nil,
	})
	if err != nil {
		return fmt.Errorf("set hero answer: %w", err)
	}
	return nil
}

// SubmitMemberAnswer writes one member's guess, retrying transient
// failures.
func (c *Controller) SubmitMemberAnswer(ctx context.Context, roomID, team, userID string, answer engine.Answer) error {
	if !answer.Valid() {
		return &engine.ValidationError{Field: "answer", Msg: fmt.Sprintf("%q is not O or X", answer)}
	}
	return c.opts.retry.Do(ctx, c.log, "submit member answer", func() error {
		room, err := LoadRoom(ctx, c.store, roomID)
		if err != nil {
			return err
		}
		if err := requireTeam(room, team); err != nil {
			return err
		}
		if err := requireActive(room); err != nil {
			return err
		}
		if !engine.IsMember(room, team, userID) {
			return engine.ErrNotMember
		}
		g := room.GameState
		if g.CurrentHeroID[team] == userID {
			return engine.ErrHeroCannotGuess
		}
		if !g.PhaseOf(team).AcceptsGuesses() {
			return engine.ErrWrongPhase
		}
		path := engine.GameStatePath(roomID) + "/" + engine.StateKey(engine.FieldMemberAnswers, team, userID)
		return c.store.Write(ctx, path, answer)
	})
}

// RevealResult credits every member who matched the hero, waits for all
// credits, and only then marks the team's result revealed. It is a no-op
// until the hero has answered. While another reveal is still committing a
// credit it retries, then gives up with ErrAwardPending and leaves the round
// unrevealed.
func (c *Controller) RevealResult(ctx context.Context, roomID, team string) error {
	return c.opts.retry.DoWhen(ctx, c.log, "reveal result", awardPending, func() error {
		return c.reveal(ctx, roomID, team)
	})
}

func awardPending(err error) bool { return errors.Is(err, ErrAwardPending) }

func (c *Controller) reveal(ctx context.Context, roomID, team string) error {
	room, err := LoadRoom(ctx, c.store, roomID)
	if err != nil {
		return err
	}
	if err := requireTeam(room, team); err != nil {
		return err
	}
	if err := requireActive(room); err != nil {
		return err
	}
	g := room.GameState
	heroAnswer := g.HeroAnswer[team]
	if heroAnswer == engine.AnswerNone || g.PhaseOf(team) == engine.PhaseRevealed {
		return nil
	}

	heroID := g.CurrentHeroID[team]
	awards := map[string]int64{}
	for userID, guess := range g.MemberAnswers[team] {
		if guess == heroAnswer && userID != heroID && engine.IsMember(room, team, userID) {
			awards[userID] = PointsPerCorrectGuess
		}
	}

	roundID := g.RoundID[team]
	if roundID == "" {
		roundID = "round-" + strconv.Itoa(g.RoundCount[team])
	}
	marks := engine.GameStatePath(roomID) + "/" + engine.StateKey(engine.FieldAwarded, team, roundID)
	if err := c.ledger.AwardOnce(ctx, roomID, marks, awards); err != nil {
		if !awardPending(err) {
			c.log.Error("reveal scoring incomplete", zap.String("room", roomID), zap.String("team", team), zap.Error(err))
		}
		return fmt.Errorf("score reveal: %w", err)
	}

	// A rotation may have landed while scores were applied.
	current, err := c.store.Read(ctx, engine.GameStatePath(roomID)+"/"+engine.StateKey(engine.FieldRoundID, team))
	if err != nil {
		return fmt.Errorf("reveal: %w", err)
	}
	if id, _ := current.(string); g.RoundID[team] != "" && id != g.RoundID[team] {
		return nil
	}

	err = c.patchState(ctx, roomID, map[string]any{
		engine.StateKey(engine.FieldResultRevealed, team):   true,
		engine.StateKey(engine.FieldResultRevealedAt, team): c.opts.now().UnixMilli(),
		engine.StateKey(engine.FieldPhase, team):            engine.PhaseRevealed,
	})
	if err != nil {
		return fmt.Errorf("reveal: %w", err)
	}
	c.log.Info("result revealed", zap.String("room", roomID), zap.String("team", team), zap.Int("correct", len(awards)))
	return nil
}

// NextRound rotates to the least-served member; the outgoing hero stays
// eligible.
func (c *Controller) NextRound(ctx context.Context, roomID, team string) error {
	return c.rotate(ctx, roomID, team, false)
}

// SkipHero rotates away from the current hero. A team of one keeps its hero.
func (c *Controller) SkipHero(ctx context.Context, roomID, team string) error {
	return c.rotate(ctx, roomID, team, true)
}

func (c *Controller) rotate(ctx context.Context, roomID, team string, excludeCurrent bool) error {
	room, err := LoadRoom(ctx, c.store, roomID)
	if err != nil {
		return err
	}
	if err := requireTeam(room, team); err != nil {
		return err
	}
	if err := requireActive(room); err != nil {
		return err
	}
	g := room.GameState
	members := engine.TeamMembers(room, team)

	hero, ok := engine.SelectNextHero(c.opts.rand, members, g.HeroHistory[team], g.CurrentHeroID[team], excludeCurrent)
	if !ok {
		if len(members) > 0 {
			return nil
		}
		return c.patchState(ctx, roomID, idleUpdates(team))
	}

	updates := stageUpdates(room, team, hero, c.opts.rand)
	updates[engine.StateKey(engine.FieldRoundCount, team)] = g.RoundCount[team] + 1
	if err := c.patchState(ctx, roomID, updates); err != nil {
		return fmt.Errorf("rotate hero: %w", err)
	}
	c.log.Info("hero rotated",
		zap.String("room", roomID),
		zap.String("team", team),
		zap.String("user", hero.ID),
		zap.Bool("skip", excludeCurrent),
		zap.Int("round", g.RoundCount[team]+1),
	)
	return nil
}
