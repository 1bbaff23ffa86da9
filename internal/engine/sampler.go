package engine

import "math/rand/v2"

const QuestionsPerRound = 4

// Rand is the random source used by the sampler and hero selector.
type Rand interface {
	IntN(n int) int
}

type globalRand struct{}

func (globalRand) IntN(n int) int { return rand.IntN(n) }

// DefaultRand is safe for concurrent use.
var DefaultRand Rand = globalRand{}

// Sample draws min(QuestionsPerRound, poolSize) distinct indices in
// [0, poolSize), in draw order.
func Sample(r Rand, poolSize int) []int {
	target := min(QuestionsPerRound, poolSize)
	if target <= 0 {
		return []int{}
	}
	picked := make([]int, 0, target)
	seen := make(map[int]bool, target)
	for len(picked) < target {
		i := r.IntN(poolSize)
		if seen[i] {
			continue
		}
		seen[i] = true
		picked = append(picked, i)
	}
	return picked
}
