package game

import (
	"context"
	"testing"
	"time"

	"github.com/DoyleJ11/hero-quiz-backend/internal/engine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlanJoin_DuplicateInheritsScore(t *testing.T) {
	f := newFixture(t)
	kim := participant("u1", team1)
	kim.Name = "Kim"
	kim.Score = 150
	f.seedRoom("r1", kim, participant("other", team1))
	room := f.room("r1")

	prev, ok := FindDuplicate(room, team1, " Kim ")
	require.True(t, ok)
	assert.Equal(t, "u1", prev.ID)
	_, ok = FindDuplicate(room, "팀 2", "Kim")
	assert.False(t, ok, "same name on another team is a different person")

	plan := PlanJoin(room, team1, "Kim", "u2")
	require.NotNil(t, plan.Previous)
	assert.Equal(t, "u1", plan.Previous.ID)
	assert.Equal(t, int64(150), plan.InheritedScore)
	assert.Equal(t, int64(150), plan.User.Score)

	v, ok := plan.Updates["participants/u1"]
	assert.True(t, ok)
	assert.Nil(t, v)
	assert.Contains(t, plan.Updates, "gameState/memberAnswers/팀 1/u1")
	assert.Equal(t, plan.User, plan.Updates["participants/u2"])
	assert.NotContains(t, plan.Updates, "gameState/memberAnswers/팀 1/u2", "no round in progress")
}

func TestPlanJoin_TransfersHeroSeat(t *testing.T) {
	f := newFixture(t)
	kim := participant("u1", team1)
	kim.Name = "Kim"
	f.seedRoom("r1", kim)
	require.NoError(t, f.ctrl.StartGame(f.ctx, "r1"))
	room := f.room("r1")
	require.Equal(t, "u1", room.GameState.CurrentHeroID[team1])

	plan := PlanJoin(room, team1, "Kim", "u2")
	assert.Equal(t, "u2", plan.Updates["gameState/currentHeroId/팀 1"])
	assert.Equal(t, []string{"u2"}, plan.Updates["gameState/heroHistory/팀 1"])
	assert.NotContains(t, plan.Updates, "gameState/memberAnswers/팀 1/u2", "the hero does not guess")

	require.NoError(t, f.store.Patch(f.ctx, engine.RoomPath("r1"), plan.Updates))
	room = f.room("r1")
	assert.True(t, engine.HeroPresent(room, team1))
	_, stale := room.Participants["u1"]
	assert.False(t, stale)
}

func TestPlanJoin_MidRoundJoinerGuesses(t *testing.T) {
	f := newFixture(t)
	hero, _ := f.started("r1", participant("a", team1), participant("b", team1))

	plan := PlanJoin(f.room("r1"), team1, "late", "c")
	assert.Nil(t, plan.Previous)
	require.NoError(t, f.store.Patch(f.ctx, engine.RoomPath("r1"), plan.Updates))

	g := f.room("r1").GameState
	assert.Equal(t, engine.AnswerNone, g.MemberAnswers[team1]["c"])
	assert.Equal(t, hero, g.CurrentHeroID[team1], "joiners never displace the hero")
}

func TestCheckAbsentHeroes_ReplacesDepartedHero(t *testing.T) {
	f := newFixture(t)
	hero, others := f.started("r1", participant("a", team1), participant("b", team1), participant("c", team1))
	require.NoError(t, f.ctrl.SetHeroAnswer(f.ctx, "r1", team1, hero, engine.AnswerYes))
	before := f.room("r1").GameState

	require.NoError(t, f.store.Remove(f.ctx, engine.ParticipantPath("r1", hero)))
	rec := NewReconciler(f.ctrl, time.Millisecond, time.Hour)
	repaired, err := rec.CheckAbsentHeroes(f.ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, []string{team1}, repaired)

	g := f.room("r1").GameState
	assert.Contains(t, others, g.CurrentHeroID[team1])
	assert.Equal(t, 0, g.RoundCount[team1], "recovery is not a played round")
	assert.Len(t, g.QuestionHistory[team1], engine.QuestionsPerRound)
	assert.NotEqual(t, before.RoundID[team1], g.RoundID[team1])
	assert.Equal(t, engine.AnswerNone, g.HeroAnswer[team1])
	assert.Equal(t, engine.PhaseAwaitingHero, g.PhaseOf(team1))
	assert.Len(t, g.MemberAnswers[team1], 1)
	for _, a := range g.MemberAnswers[team1] {
		assert.Equal(t, engine.AnswerNone, a)
	}

	repaired, err = rec.CheckAbsentHeroes(f.ctx, "r1")
	require.NoError(t, err)
	assert.Empty(t, repaired, "nothing left to repair")
}

func TestCheckAbsentHeroes_EmptiedAndNewTeams(t *testing.T) {
	f := newFixture(t)
	hero, _ := f.started("r1", participant("a", team1))
	rec := NewReconciler(f.ctrl, time.Millisecond, time.Hour)

	require.NoError(t, f.store.Remove(f.ctx, engine.ParticipantPath("r1", hero)))
	require.NoError(t, f.store.Write(f.ctx, engine.ParticipantPath("r1", "n"), participant("n", "팀 2")))

	repaired, err := rec.CheckAbsentHeroes(f.ctx, "r1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{team1, "팀 2"}, repaired)

	g := f.room("r1").GameState
	assert.Equal(t, engine.PhaseStaging, g.PhaseOf(team1))
	assert.Empty(t, g.CurrentHeroID[team1])
	assert.Equal(t, "n", g.CurrentHeroID["팀 2"])
	assert.Equal(t, engine.PhaseAwaitingHero, g.PhaseOf("팀 2"))
}

func TestCheckAbsentHeroes_IgnoresIdleRooms(t *testing.T) {
	f := newFixture(t)
	f.seedRoom("r1", participant("a", team1))
	rec := NewReconciler(f.ctrl, time.Millisecond, time.Hour)

	repaired, err := rec.CheckAbsentHeroes(f.ctx, "r1")
	require.NoError(t, err)
	assert.Empty(t, repaired)

	_, err = rec.CheckAbsentHeroes(f.ctx, "gone")
	assert.ErrorIs(t, err, engine.ErrRoomNotFound)
}

func TestWatch_RepairsAfterSettlingAndStopsOnDelete(t *testing.T) {
	f := newFixture(t)
	hero, _ := f.started("r1", participant("a", team1), participant("b", team1))
	rec := NewReconciler(f.ctrl, 20*time.Millisecond, time.Hour)

	ctx, cancel := context.WithCancel(f.ctx)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- rec.Watch(ctx, "r1") }()

	require.NoError(t, f.store.Remove(f.ctx, engine.ParticipantPath("r1", hero)))
	require.Eventually(t, func() bool {
		return engine.HeroPresent(f.room("r1"), team1)
	}, 2*time.Second, 10*time.Millisecond)
	assert.NotEqual(t, hero, f.room("r1").GameState.CurrentHeroID[team1])

	require.NoError(t, f.store.Remove(f.ctx, engine.RoomPath("r1")))
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not stop after the room was deleted")
	}
}

func TestWatch_FinishesExpiredGame(t *testing.T) {
	f := newFixture(t)
	f.started("r1", participant("a", team1))
	f.advance(time.Hour)
	rec := NewReconciler(f.ctrl, time.Hour, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(f.ctx)
	defer cancel()
	go func() { _ = rec.Watch(ctx, "r1") }()

	require.Eventually(t, func() bool {
		return f.room("r1").GameState.IsFinished
	}, 2*time.Second, 10*time.Millisecond)
}
