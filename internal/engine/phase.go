package engine

// Phase is the explicit per-team round state. The legacy resultRevealed flag
// is derived from it whenever it is written.
type Phase string

const (
	PhaseStaging         Phase = "staging"
	PhaseAwaitingHero    Phase = "awaitingHero"
	PhaseAwaitingGuesses Phase = "awaitingGuesses"
	PhaseRevealed        Phase = "revealed"
)

func (p Phase) Valid() bool {
	switch p {
	case PhaseStaging, PhaseAwaitingHero, PhaseAwaitingGuesses, PhaseRevealed:
		return true
	}
	return false
}

func (p Phase) CanNavigate() bool     { return p == PhaseAwaitingHero }
func (p Phase) CanCommit() bool       { return p == PhaseAwaitingHero }
func (p Phase) AcceptsGuesses() bool  { return p == PhaseAwaitingGuesses }
func (p Phase) CanReveal() bool       { return p == PhaseAwaitingGuesses }
func (p Phase) ResultRevealed() bool  { return p == PhaseRevealed }
func (p Phase) RoundInProgress() bool { return p != PhaseStaging }

// DerivePhase reconstructs a phase for records written without one.
func DerivePhase(heroID string, staged int, heroAnswer Answer, revealed bool) Phase {
	switch {
	case heroID == "" || staged == 0:
		return PhaseStaging
	case revealed && heroAnswer != AnswerNone:
		return PhaseRevealed
	case heroAnswer != AnswerNone:
		return PhaseAwaitingGuesses
	default:
		return PhaseAwaitingHero
	}
}
