package engine

import (
	"errors"
	"fmt"
)

var ErrNotFound = errors.New("not found")
var ErrRoomNotFound = fmt.Errorf("room %w", ErrNotFound)
var ErrParticipantNotFound = fmt.Errorf("participant %w", ErrNotFound)

var ErrValidation = errors.New("validation failed")
var ErrGameInProgress = &ValidationError{Field: "gameState", Msg: "game has already started"}

var ErrWrongPhase = errors.New("action not allowed in current phase")
var ErrNotHero = errors.New("only the current hero may do this")
var ErrNotMember = errors.New("user is not a member of this team")
var ErrHeroCannotGuess = errors.New("the hero does not guess")
var ErrGameNotStarted = errors.New("game has not started")
var ErrGameFinished = errors.New("game has finished")

// ValidationError is returned before any write when input is rejected.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Msg)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func invalid(field, msg string) error { return &ValidationError{Field: field, Msg: msg} }

type Role string

const (
	RoleAdmin       Role = "ADMIN"
	RoleParticipant Role = "PARTICIPANT"
)

// Answer is a yes/no reply. AnswerNone marks "not yet answered".
type Answer string

const (
	AnswerNone Answer = ""
	AnswerYes  Answer = "O"
	AnswerNo   Answer = "X"
)

func (a Answer) Valid() bool { return a == AnswerYes || a == AnswerNo }

type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Team  string `json:"team,omitempty"`
	Role  Role   `json:"role"`
	Score int64  `json:"score"`
}

func (u User) IsAdmin() bool { return u.Role == RoleAdmin }

type RoomConfig struct {
	RoomName        string   `json:"roomName"`
	TeamCount       int      `json:"teamCount"`
	DurationMinutes int      `json:"durationMinutes"`
	Questions       []string `json:"questions"`
}

// GameState mirrors the shared record. Maps are keyed by team name,
// MemberAnswers and IndividualScores by user id.
type GameState struct {
	IsStarted            bool                         `json:"isStarted"`
	IsFinished           bool                         `json:"isFinished"`
	StartTime            *int64                       `json:"startTime,omitempty"`
	CurrentHeroID        map[string]string            `json:"currentHeroId,omitempty"`
	HeroAnswer           map[string]Answer            `json:"heroAnswer,omitempty"`
	QuestionHistory      map[string][]int             `json:"questionHistory,omitempty"`
	CurrentQuestionIndex map[string]int               `json:"currentQuestionIndex,omitempty"`
	HeroHistory          map[string][]string          `json:"heroHistory,omitempty"`
	IndividualScores     map[string]int64             `json:"individualScores,omitempty"`
	MemberAnswers        map[string]map[string]Answer `json:"memberAnswers,omitempty"`
	RoundCount           map[string]int               `json:"roundCount,omitempty"`
	ResultRevealed       map[string]bool              `json:"resultRevealed,omitempty"`
	ResultRevealedAt     map[string]int64             `json:"resultRevealedAt,omitempty"`
	Phase                map[string]Phase             `json:"phase,omitempty"`
	RoundID              map[string]string            `json:"roundId,omitempty"`
}

func (g GameState) Active() bool { return g.IsStarted && !g.IsFinished }

func (g GameState) PhaseOf(team string) Phase {
	if p, ok := g.Phase[team]; ok && p != "" {
		return p
	}
	return DerivePhase(g.CurrentHeroID[team], len(g.QuestionHistory[team]), g.HeroAnswer[team], g.ResultRevealed[team])
}

type Room struct {
	ID           string          `json:"id"`
	Config       RoomConfig      `json:"config"`
	GameState    GameState       `json:"gameState"`
	Participants map[string]User `json:"participants,omitempty"`
	CreatedAt    int64           `json:"createdAt"`
}

// CurrentQuestion returns the prompt shown to the team's hero. ok is false
// while nothing is staged; callers render a placeholder then.
func (r Room) CurrentQuestion(team string) (string, bool) {
	staged := r.GameState.QuestionHistory[team]
	if len(staged) == 0 {
		return "", false
	}
	i := r.GameState.CurrentQuestionIndex[team]
	if i < 0 || i >= len(staged) {
		return "", false
	}
	q := staged[i]
	if q < 0 || q >= len(r.Config.Questions) {
		return "", false
	}
	return r.Config.Questions[q], true
}

type RoomInfo struct {
	ID               string `json:"id"`
	RoomName         string `json:"roomName"`
	TeamCount        int    `json:"teamCount"`
	ParticipantCount int    `json:"participantCount"`
	IsStarted        bool   `json:"isStarted"`
	CreatedAt        int64  `json:"createdAt"`
}

func (r Room) Info() RoomInfo {
	return RoomInfo{
		ID:               r.ID,
		RoomName:         r.Config.RoomName,
		TeamCount:        r.Config.TeamCount,
		ParticipantCount: len(r.Participants),
		IsStarted:        r.GameState.IsStarted,
		CreatedAt:        r.CreatedAt,
	}
}
