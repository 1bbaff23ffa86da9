package engine

import "strings"

const RoomsPath = "rooms"

// gameState field names as stored.
const (
	FieldIsStarted            = "isStarted"
	FieldIsFinished           = "isFinished"
	FieldStartTime            = "startTime"
	FieldCurrentHeroID        = "currentHeroId"
	FieldHeroAnswer           = "heroAnswer"
	FieldQuestionHistory      = "questionHistory"
	FieldCurrentQuestionIndex = "currentQuestionIndex"
	FieldHeroHistory          = "heroHistory"
	FieldIndividualScores     = "individualScores"
	FieldMemberAnswers        = "memberAnswers"
	FieldRoundCount           = "roundCount"
	FieldResultRevealed       = "resultRevealed"
	FieldResultRevealedAt     = "resultRevealedAt"
	FieldPhase                = "phase"
	FieldRoundID              = "roundId"
	FieldAwarded              = "awarded"
)

func RoomPath(roomID string) string         { return RoomsPath + "/" + roomID }
func ConfigPath(roomID string) string       { return RoomPath(roomID) + "/config" }
func GameStatePath(roomID string) string    { return RoomPath(roomID) + "/gameState" }
func ParticipantsPath(roomID string) string { return RoomPath(roomID) + "/participants" }

func ParticipantPath(roomID, userID string) string {
	return ParticipantsPath(roomID) + "/" + userID
}

func ScorePath(roomID, userID string) string {
	return GameStatePath(roomID) + "/" + StateKey(FieldIndividualScores, userID)
}

// StateKey builds a gameState-relative key such as "heroAnswer/팀 1".
func StateKey(field string, parts ...string) string {
	return strings.Join(append([]string{field}, parts...), "/")
}

// RoomKey builds a room-relative key such as "gameState/heroAnswer/팀 1".
func RoomKey(parts ...string) string { return strings.Join(parts, "/") }
