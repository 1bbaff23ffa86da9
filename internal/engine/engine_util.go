package engine

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

const (
	MinTeams = 2
	MaxTeams = 10
)

func TeamName(i int) string { return fmt.Sprintf("팀 %d", i+1) }

func TeamNames(count int) []string {
	names := make([]string, 0, max(count, 0))
	for i := 0; i < count; i++ {
		names = append(names, TeamName(i))
	}
	return names
}

func ValidTeam(cfg RoomConfig, team string) bool {
	return slices.Contains(TeamNames(cfg.TeamCount), team)
}

// CleanQuestions trims prompts and drops blank lines.
func CleanQuestions(questions []string) []string {
	out := make([]string, 0, len(questions))
	for _, q := range questions {
		if q = strings.TrimSpace(q); q != "" {
			out = append(out, q)
		}
	}
	return out
}

func ValidateTeamCount(n int) error {
	if n < MinTeams || n > MaxTeams {
		return invalid("teamCount", fmt.Sprintf("must be between %d and %d", MinTeams, MaxTeams))
	}
	return nil
}

func ValidateQuestions(questions []string) error {
	if len(CleanQuestions(questions)) == 0 {
		return invalid("questions", "at least one question is required")
	}
	return nil
}

func ValidateConfig(cfg RoomConfig) error {
	if strings.TrimSpace(cfg.RoomName) == "" {
		return invalid("roomName", "is required")
	}
	if err := ValidateTeamCount(cfg.TeamCount); err != nil {
		return err
	}
	if cfg.DurationMinutes < 1 {
		return invalid("durationMinutes", "must be at least 1")
	}
	return ValidateQuestions(cfg.Questions)
}

func NewUserID(now time.Time, r Rand) string {
	const charset = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, 9)
	for i := range b {
		b[i] = charset[r.IntN(len(charset))]
	}
	return fmt.Sprintf("user_%d_%s", now.UnixMilli(), b)
}

func NewAdminID(now time.Time) string { return fmt.Sprintf("admin_%d", now.UnixMilli()) }

func NewEmptyGameState() GameState {
	return GameState{
		CurrentHeroID:        map[string]string{},
		HeroAnswer:           map[string]Answer{},
		QuestionHistory:      map[string][]int{},
		CurrentQuestionIndex: map[string]int{},
		HeroHistory:          map[string][]string{},
		IndividualScores:     map[string]int64{},
		MemberAnswers:        map[string]map[string]Answer{},
		RoundCount:           map[string]int{},
		ResultRevealed:       map[string]bool{},
		ResultRevealedAt:     map[string]int64{},
		Phase:                map[string]Phase{},
		RoundID:              map[string]string{},
	}
}

// Normalize fills subfields that the store dropped (empty maps are pruned)
// and derives missing phases, so readers never see nil maps.
func Normalize(r *Room) {
	g := &r.GameState
	empty := NewEmptyGameState()
	if g.CurrentHeroID == nil {
		g.CurrentHeroID = empty.CurrentHeroID
	}
	if g.HeroAnswer == nil {
		g.HeroAnswer = empty.HeroAnswer
	}
	if g.QuestionHistory == nil {
		g.QuestionHistory = empty.QuestionHistory
	}
	if g.CurrentQuestionIndex == nil {
		g.CurrentQuestionIndex = empty.CurrentQuestionIndex
	}
	if g.HeroHistory == nil {
		g.HeroHistory = empty.HeroHistory
	}
	if g.IndividualScores == nil {
		g.IndividualScores = empty.IndividualScores
	}
	if g.MemberAnswers == nil {
		g.MemberAnswers = empty.MemberAnswers
	}
	if g.RoundCount == nil {
		g.RoundCount = empty.RoundCount
	}
	if g.ResultRevealed == nil {
		g.ResultRevealed = empty.ResultRevealed
	}
	if g.ResultRevealedAt == nil {
		g.ResultRevealedAt = empty.ResultRevealedAt
	}
	if g.Phase == nil {
		g.Phase = empty.Phase
	}
	if g.RoundID == nil {
		g.RoundID = empty.RoundID
	}
	if r.Participants == nil {
		r.Participants = map[string]User{}
	}
	if r.Config.Questions == nil {
		r.Config.Questions = []string{}
	}

	for id, u := range r.Participants {
		if u.ID == "" {
			u.ID = id
		}
		if u.Role == "" {
			u.Role = RoleParticipant
		}
		if score, ok := g.IndividualScores[id]; ok {
			u.Score = score
		}
		r.Participants[id] = u
	}

	for _, team := range TeamNames(r.Config.TeamCount) {
		if g.QuestionHistory[team] == nil {
			g.QuestionHistory[team] = []int{}
		}
		if g.HeroHistory[team] == nil {
			g.HeroHistory[team] = []string{}
		}
		if g.MemberAnswers[team] == nil {
			g.MemberAnswers[team] = map[string]Answer{}
		}
		if p := g.Phase[team]; !p.Valid() {
			g.Phase[team] = DerivePhase(g.CurrentHeroID[team], len(g.QuestionHistory[team]), g.HeroAnswer[team], g.ResultRevealed[team])
		}
		staged := len(g.QuestionHistory[team])
		if i := g.CurrentQuestionIndex[team]; staged == 0 || i < 0 || i >= staged {
			g.CurrentQuestionIndex[team] = 0
		}
	}
}

// TeamMembers returns the team's participants ordered by id.
func TeamMembers(r Room, team string) []User {
	members := make([]User, 0)
	for _, u := range r.Participants {
		if u.Team == team && u.Role != RoleAdmin {
			members = append(members, u)
		}
	}
	slices.SortFunc(members, func(a, b User) int { return strings.Compare(a.ID, b.ID) })
	return members
}

func IsMember(r Room, team, userID string) bool {
	u, ok := r.Participants[userID]
	return ok && u.Team == team
}

// HeroPresent reports whether the team's current hero is still on the team.
func HeroPresent(r Room, team string) bool {
	id := r.GameState.CurrentHeroID[team]
	return id != "" && IsMember(r, team, id)
}

type Standing struct {
	User  User  `json:"user"`
	Score int64 `json:"score"`
	Rank  int   `json:"rank"`
}

// Leaderboard ranks current participants only; score keys left behind by
// departed or reconnected users are ignored.
func Leaderboard(r Room) []Standing {
	out := make([]Standing, 0, len(r.Participants))
	for id, u := range r.Participants {
		out = append(out, Standing{User: u, Score: r.GameState.IndividualScores[id]})
	}
	slices.SortFunc(out, func(a, b Standing) int {
		if a.Score != b.Score {
			if a.Score > b.Score {
				return -1
			}
			return 1
		}
		if c := strings.Compare(a.User.Name, b.User.Name); c != 0 {
			return c
		}
		return strings.Compare(a.User.ID, b.User.ID)
	})
	for i := range out {
		if i > 0 && out[i].Score == out[i-1].Score {
			out[i].Rank = out[i-1].Rank
			continue
		}
		out[i].Rank = i + 1
	}
	return out
}

func TeamTotals(r Room) map[string]int64 {
	totals := make(map[string]int64, r.Config.TeamCount)
	for _, team := range TeamNames(r.Config.TeamCount) {
		totals[team] = 0
	}
	for id, u := range r.Participants {
		if u.Team == "" {
			continue
		}
		totals[u.Team] += r.GameState.IndividualScores[id]
	}
	return totals
}

// Remaining is the time left on the room clock. ok is false before start.
func Remaining(r Room, now time.Time) (time.Duration, bool) {
	g := r.GameState
	if !g.IsStarted || g.StartTime == nil {
		return 0, false
	}
	end := time.UnixMilli(*g.StartTime).Add(time.Duration(r.Config.DurationMinutes) * time.Minute)
	return max(end.Sub(now), 0), true
}
