package types

import (
	"github.com/DoyleJ11/hero-quiz-backend/internal/engine"
)

// Client command types.
const (
	CmdChangeQuestion     = "ChangeQuestion"
	CmdSetHeroAnswer      = "SetHeroAnswer"
	CmdSubmitMemberAnswer = "SubmitMemberAnswer"
	CmdRevealResult       = "RevealResult"
	CmdNextRound          = "NextRound"
	CmdStartGame          = "StartGame"
	CmdFinishGame         = "FinishGame"
	CmdSkipHero           = "SkipHero"
)

// Server message types.
const (
	MsgStateSnapshot = "StateSnapshot"
	MsgError         = "Error"
)

type ClientMessage struct {
	Type      string `json:"type"`
	Team      string `json:"team,omitempty"`      // admin commands name the team; members act on their own
	Direction string `json:"direction,omitempty"` // "next" | "prev" | index
	Answer    string `json:"answer,omitempty"`    // "O" | "X"
}

type RoomState struct {
	Room        engine.Room       `json:"room"`
	Leaderboard []engine.Standing `json:"leaderboard"`
	TeamTotals  map[string]int64  `json:"teamTotals"`
	RemainingMs *int64            `json:"remainingMs,omitempty"`
	Connected   bool              `json:"connected"`
	Deleted     bool              `json:"deleted"`
}

type ServerMessage struct {
	Type    string     `json:"type"` // "StateSnapshot" | "Error"
	Version int        `json:"version,omitempty"`
	State   *RoomState `json:"state,omitempty"`
	Error   string     `json:"error,omitempty"`
}
