package game

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/DoyleJ11/hero-quiz-backend/internal/engine"
	"go.uber.org/zap"
)

const (
	DefaultSettleDelay   = 1500 * time.Millisecond
	DefaultWatchInterval = 5 * time.Second
)

// FindDuplicate returns the participant already holding (team, name).
// Names compare case-sensitively after trimming.
func FindDuplicate(room engine.Room, team, name string) (engine.User, bool) {
	name = strings.TrimSpace(name)
	for _, u := range engine.TeamMembers(room, team) {
		if strings.TrimSpace(u.Name) == name {
			return u, true
		}
	}
	return engine.User{}, false
}

type JoinPlan struct {
	User           engine.User
	Previous       *engine.User
	InheritedScore int64
	// Updates are relative to the room path.
	Updates map[string]any
}

// PlanJoin builds the single patch that adds newID to team. A previous
// participant with the same name is treated as the same person
// reconnecting: their row and pending answer are removed, their score is
// inherited and a hero seat moves with them. While a round is in progress
// the newcomer is seeded into memberAnswers as a guesser.
func PlanJoin(room engine.Room, team, name, newID string) JoinPlan {
	g := room.GameState
	plan := JoinPlan{
		User: engine.User{
			ID:   newID,
			Name: strings.TrimSpace(name),
			Team: team,
			Role: engine.RoleParticipant,
		},
		Updates: map[string]any{},
	}
	hero := false

	if prev, ok := FindDuplicate(room, team, name); ok && prev.ID != newID {
		plan.Previous = &prev
		plan.InheritedScore = g.IndividualScores[prev.ID]
		plan.Updates[engine.RoomKey("participants", prev.ID)] = nil
		plan.Updates[engine.RoomKey("gameState", engine.StateKey(engine.FieldMemberAnswers, team, prev.ID))] = nil

		if g.CurrentHeroID[team] == prev.ID {
			hero = true
			plan.Updates[engine.RoomKey("gameState", engine.StateKey(engine.FieldCurrentHeroID, team))] = newID
		}
		history := slices.Clone(g.HeroHistory[team])
		replaced := false
		for i, id := range history {
			if id == prev.ID {
				history[i] = newID
				replaced = true
			}
		}
		if replaced {
			plan.Updates[engine.RoomKey("gameState", engine.StateKey(engine.FieldHeroHistory, team))] = history
		}
	}

	plan.User.Score = plan.InheritedScore
	plan.Updates[engine.RoomKey("participants", newID)] = plan.User

	if g.Active() && !hero && g.PhaseOf(team).RoundInProgress() {
		plan.Updates[engine.RoomKey("gameState", engine.StateKey(engine.FieldMemberAnswers, team, newID))] = engine.AnswerNone
	}
	return plan
}

// Reconciler repairs team state after roster churn during live play.
type Reconciler struct {
	ctrl     *Controller
	settle   time.Duration
	interval time.Duration
	log      *zap.Logger
}

func NewReconciler(ctrl *Controller, settle, interval time.Duration) *Reconciler {
	if settle <= 0 {
		settle = DefaultSettleDelay
	}
	if interval <= 0 {
		interval = DefaultWatchInterval
	}
	return &Reconciler{ctrl: ctrl, settle: settle, interval: interval, log: ctrl.log.Named("reconciler")}
}

// CheckAbsentHeroes re-stages every team whose hero left or changed teams,
// and every team that gained its first member after the game started. It
// returns the repaired teams. Recovery rounds leave roundCount alone.
func (r *Reconciler) CheckAbsentHeroes(ctx context.Context, roomID string) ([]string, error) {
	room, err := LoadRoom(ctx, r.ctrl.store, roomID)
	if err != nil {
		return nil, err
	}
	g := room.GameState
	if !g.Active() {
		return nil, nil
	}

	updates := map[string]any{}
	var repaired []string
	for _, team := range engine.TeamNames(room.Config.TeamCount) {
		members := engine.TeamMembers(room, team)
		phase := g.PhaseOf(team)

		switch {
		case len(members) == 0:
			if phase == engine.PhaseStaging && g.CurrentHeroID[team] == "" {
				continue
			}
			merge(updates, idleUpdates(team))
		case phase == engine.PhaseStaging, !engine.HeroPresent(room, team):
			hero, ok := engine.SelectNextHero(r.ctrl.opts.rand, members, g.HeroHistory[team], "", false)
			if !ok {
				continue
			}
			merge(updates, stageUpdates(room, team, hero, r.ctrl.opts.rand))
			r.log.Info("replacing absent hero",
				zap.String("room", roomID),
				zap.String("team", team),
				zap.String("previous", g.CurrentHeroID[team]),
				zap.String("user", hero.ID),
			)
		default:
			continue
		}
		repaired = append(repaired, team)
	}
	if len(updates) == 0 {
		return nil, nil
	}
	if err := r.ctrl.patchState(ctx, roomID, updates); err != nil {
		return nil, fmt.Errorf("repair teams: %w", err)
	}
	return repaired, nil
}

// Watch keeps a room consistent until ctx ends or the room is deleted.
// Roster changes are acted on once they have been quiet for the settling
// delay; the game clock and heroes are also checked on every interval.
func (r *Reconciler) Watch(ctx context.Context, roomID string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	changed := make(chan string, 1)
	gone := make(chan struct{}, 1)
	unsubscribe, err := r.ctrl.store.Subscribe(ctx, engine.RoomPath(roomID), func(v any) {
		if v == nil {
			select {
			case gone <- struct{}{}:
			default:
			}
			return
		}
		select {
		case changed <- rosterKey(v):
		default:
			// a newer fingerprint is coming behind this one
			select {
			case <-changed:
			default:
			}
			changed <- rosterKey(v)
		}
	}, func(err error) {
		r.log.Warn("room subscription error", zap.String("room", roomID), zap.Error(err))
	})
	if err != nil {
		return fmt.Errorf("watch room %s: %w", roomID, err)
	}
	defer unsubscribe()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	settle := time.NewTimer(r.settle)
	settle.Stop()
	var last string

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-gone:
			r.log.Debug("room deleted, stopping watch", zap.String("room", roomID))
			return nil
		case key := <-changed:
			if key == last {
				continue
			}
			last = key
			settle.Reset(r.settle)
		case <-settle.C:
			if stop := r.check(ctx, roomID, false); stop {
				return nil
			}
		case <-ticker.C:
			if stop := r.check(ctx, roomID, true); stop {
				return nil
			}
		}
	}
}

func (r *Reconciler) check(ctx context.Context, roomID string, clock bool) (stop bool) {
	if clock {
		if _, err := r.ctrl.FinishIfExpired(ctx, roomID); err != nil {
			if errors.Is(err, engine.ErrRoomNotFound) {
				return true
			}
			r.log.Warn("clock check failed", zap.String("room", roomID), zap.Error(err))
		}
	}
	if _, err := r.CheckAbsentHeroes(ctx, roomID); err != nil {
		if errors.Is(err, engine.ErrRoomNotFound) {
			return true
		}
		r.log.Warn("hero check failed", zap.String("room", roomID), zap.Error(err))
	}
	return false
}

// rosterKey fingerprints who is on which team plus the game flags, so
// answer and score traffic does not restart the settling delay.
func rosterKey(v any) string {
	root, _ := v.(map[string]any)
	var b strings.Builder
	if parts, ok := root["participants"].(map[string]any); ok {
		ids := make([]string, 0, len(parts))
		for id := range parts {
			ids = append(ids, id)
		}
		slices.Sort(ids)
		for _, id := range ids {
			team := ""
			if u, ok := parts[id].(map[string]any); ok {
				team, _ = u["team"].(string)
			}
			b.WriteString(id + "=" + team + ";")
		}
	}
	if gs, ok := root["gameState"].(map[string]any); ok {
		fmt.Fprintf(&b, "started=%v;finished=%v;", gs[engine.FieldIsStarted], gs[engine.FieldIsFinished])
	}
	return b.String()
}
