package engine

import (
	"errors"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seeded(seed uint64) *rand.Rand { return rand.New(rand.NewPCG(seed, seed*7+1)) }

func member(id, team string) User {
	return User{ID: id, Name: id, Team: team, Role: RoleParticipant}
}

func TestSample(t *testing.T) {
	cases := []struct {
		name     string
		poolSize int
		want     int
	}{
		{name: "large pool yields four", poolSize: 10, want: 4},
		{name: "exact pool", poolSize: 4, want: 4},
		{name: "small pool exhausts", poolSize: 2, want: 2},
		{name: "single question", poolSize: 1, want: 1},
		{name: "empty pool", poolSize: 0, want: 0},
		{name: "negative pool", poolSize: -3, want: 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for seed := uint64(0); seed < 50; seed++ {
				got := Sample(seeded(seed), tc.poolSize)
				require.Len(t, got, tc.want)
				seen := map[int]bool{}
				for _, i := range got {
					assert.GreaterOrEqual(t, i, 0)
					assert.Less(t, i, tc.poolSize)
					assert.False(t, seen[i], "duplicate index %d", i)
					seen[i] = true
				}
			}
		})
	}
}

func TestSample_KeepsDrawOrder(t *testing.T) {
	a := Sample(seeded(3), 100)
	b := Sample(seeded(3), 100)
	assert.Equal(t, a, b)
}

func TestSelectNextHero_PrefersLeastServed(t *testing.T) {
	members := []User{member("a", "팀 1"), member("b", "팀 1"), member("c", "팀 1")}
	history := []string{"a", "b", "a"}

	for seed := uint64(0); seed < 20; seed++ {
		got, ok := SelectNextHero(seeded(seed), members, history, "a", false)
		require.True(t, ok)
		assert.Equal(t, "c", got.ID)
	}
}

func TestSelectNextHero_ExcludeCurrent(t *testing.T) {
	members := []User{member("a", "팀 1"), member("b", "팀 1")}

	got, ok := SelectNextHero(seeded(1), members, []string{"b"}, "a", true)
	require.True(t, ok)
	assert.Equal(t, "b", got.ID, "current hero must be skipped even when least served")

	_, ok = SelectNextHero(seeded(1), []User{member("a", "팀 1")}, nil, "a", true)
	assert.False(t, ok, "team of one has no replacement")

	_, ok = SelectNextHero(seeded(1), nil, nil, "", false)
	assert.False(t, ok)
}

func TestSelectNextHero_AllCapped(t *testing.T) {
	members := []User{member("a", "팀 1"), member("b", "팀 1")}
	history := []string{"a", "a", "a", "a", "b", "b", "b"}

	got, ok := SelectNextHero(seeded(9), members, history, "", false)
	require.True(t, ok)
	assert.Equal(t, "b", got.ID, "least served of the full pool once all reached the cap")
}

func TestSelectNextHero_FairnessOverRotations(t *testing.T) {
	members := []User{member("a", "팀 1"), member("b", "팀 1"), member("c", "팀 1"), member("d", "팀 1")}

	for seed := uint64(0); seed < 25; seed++ {
		r := seeded(seed)
		var history []string
		current := ""
		for round := 0; round < 20; round++ {
			hero, ok := SelectNextHero(r, members, history, current, false)
			require.True(t, ok)
			history = append(history, hero.ID)
			current = hero.ID

			counts := ServiceCounts(history)
			least, most := counts[members[0].ID], counts[members[0].ID]
			for _, m := range members[1:] {
				least = min(least, counts[m.ID])
				most = max(most, counts[m.ID])
			}
			if least < HeroServiceCap {
				require.LessOrEqual(t, most, least+1, "seed %d round %d history %v", seed, round, history)
			}
		}
	}
}

func TestDerivePhase(t *testing.T) {
	cases := []struct {
		name     string
		heroID   string
		staged   int
		answer   Answer
		revealed bool
		want     Phase
	}{
		{name: "no hero", staged: 4, want: PhaseStaging},
		{name: "nothing staged", heroID: "a", want: PhaseStaging},
		{name: "waiting for hero", heroID: "a", staged: 4, want: PhaseAwaitingHero},
		{name: "hero locked", heroID: "a", staged: 4, answer: AnswerYes, want: PhaseAwaitingGuesses},
		{name: "revealed", heroID: "a", staged: 4, answer: AnswerNo, revealed: true, want: PhaseRevealed},
		{name: "stale reveal flag without answer", heroID: "a", staged: 4, revealed: true, want: PhaseAwaitingHero},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, DerivePhase(tc.heroID, tc.staged, tc.answer, tc.revealed))
		})
	}
}

func TestNormalize_FillsDefaults(t *testing.T) {
	r := Room{
		ID:     "r1",
		Config: RoomConfig{RoomName: "quiz", TeamCount: 2, DurationMinutes: 10, Questions: []string{"q1", "q2"}},
		GameState: GameState{
			IsStarted:            true,
			CurrentHeroID:        map[string]string{"팀 1": "a"},
			QuestionHistory:      map[string][]int{"팀 1": {1, 0}},
			HeroAnswer:           map[string]Answer{"팀 1": AnswerYes},
			CurrentQuestionIndex: map[string]int{"팀 1": 7},
			IndividualScores:     map[string]int64{"a": 300},
		},
		Participants: map[string]User{"a": {Name: "A", Team: "팀 1"}},
	}

	Normalize(&r)

	g := r.GameState
	assert.Equal(t, PhaseAwaitingGuesses, g.Phase["팀 1"])
	assert.Equal(t, PhaseStaging, g.Phase["팀 2"])
	assert.Equal(t, 0, g.CurrentQuestionIndex["팀 1"])
	assert.NotNil(t, g.MemberAnswers["팀 2"])
	assert.Equal(t, []int{}, g.QuestionHistory["팀 2"])
	assert.Equal(t, "a", r.Participants["a"].ID)
	assert.Equal(t, RoleParticipant, r.Participants["a"].Role)
	assert.Equal(t, int64(300), r.Participants["a"].Score)

	q, ok := r.CurrentQuestion("팀 1")
	require.True(t, ok)
	assert.Equal(t, "q2", q)
	_, ok = r.CurrentQuestion("팀 2")
	assert.False(t, ok)
}

func TestLeaderboard_IgnoresOrphanedScores(t *testing.T) {
	r := Room{
		Config: RoomConfig{TeamCount: 2},
		GameState: GameState{IndividualScores: map[string]int64{
			"a": 200, "b": 200, "c": 100, "gone": 900,
		}},
		Participants: map[string]User{
			"a": {ID: "a", Name: "Ahn", Team: "팀 1"},
			"b": {ID: "b", Name: "Baek", Team: "팀 2"},
			"c": {ID: "c", Name: "Choi", Team: "팀 1"},
		},
	}

	board := Leaderboard(r)
	require.Len(t, board, 3)
	assert.Equal(t, "a", board[0].User.ID)
	assert.Equal(t, 1, board[0].Rank)
	assert.Equal(t, 1, board[1].Rank)
	assert.Equal(t, 3, board[2].Rank)

	totals := TeamTotals(r)
	assert.Equal(t, int64(300), totals["팀 1"])
	assert.Equal(t, int64(200), totals["팀 2"])
}

func TestValidateConfig(t *testing.T) {
	ok := RoomConfig{RoomName: "r", TeamCount: 2, DurationMinutes: 5, Questions: []string{"q"}}
	require.NoError(t, ValidateConfig(ok))

	bad := []RoomConfig{
		{RoomName: " ", TeamCount: 2, DurationMinutes: 5, Questions: []string{"q"}},
		{RoomName: "r", TeamCount: 1, DurationMinutes: 5, Questions: []string{"q"}},
		{RoomName: "r", TeamCount: 11, DurationMinutes: 5, Questions: []string{"q"}},
		{RoomName: "r", TeamCount: 2, DurationMinutes: 0, Questions: []string{"q"}},
		{RoomName: "r", TeamCount: 2, DurationMinutes: 5, Questions: []string{"  ", ""}},
	}
	for _, cfg := range bad {
		err := ValidateConfig(cfg)
		if err == nil || !errors.Is(err, ErrValidation) {
			t.Fatalf("want validation error for %+v, got %v", cfg, err)
		}
	}
}

func TestIDs(t *testing.T) {
	now := time.UnixMilli(1700000000123)
	assert.Regexp(t, `^user_1700000000123_[a-z0-9]{9}$`, NewUserID(now, seeded(1)))
	assert.Equal(t, "admin_1700000000123", NewAdminID(now))
}

func TestRemaining(t *testing.T) {
	start := time.UnixMilli(1_000_000)
	ms := start.UnixMilli()
	r := Room{Config: RoomConfig{DurationMinutes: 2}, GameState: GameState{IsStarted: true, StartTime: &ms}}

	left, ok := Remaining(r, start.Add(30*time.Second))
	require.True(t, ok)
	assert.Equal(t, 90*time.Second, left)

	left, _ = Remaining(r, start.Add(time.Hour))
	assert.Zero(t, left)

	_, ok = Remaining(Room{}, start)
	assert.False(t, ok)
}
