package engine

import (
	"slices"
	"strings"
)

// HeroServiceCap is the number of turns after which a member is deprioritised.
const HeroServiceCap = 3

func ServiceCounts(history []string) map[string]int {
	counts := make(map[string]int, len(history))
	for _, id := range history {
		counts[id]++
	}
	return counts
}

// SelectNextHero picks uniformly among the least-served candidates. Members
// below the cap are preferred; once everyone reached it the full pool is
// used. History is never reset. ok is false when no candidate remains.
func SelectNextHero(r Rand, members []User, history []string, currentHeroID string, excludeCurrent bool) (User, bool) {
	counts := ServiceCounts(history)

	candidates := make([]User, 0, len(members))
	for _, m := range members {
		if excludeCurrent && m.ID == currentHeroID {
			continue
		}
		candidates = append(candidates, m)
	}
	if len(candidates) == 0 {
		return User{}, false
	}
	slices.SortFunc(candidates, func(a, b User) int { return strings.Compare(a.ID, b.ID) })

	pool := make([]User, 0, len(candidates))
	for _, c := range candidates {
		if counts[c.ID] < HeroServiceCap {
			pool = append(pool, c)
		}
	}
	if len(pool) == 0 {
		pool = candidates
	}

	least := counts[pool[0].ID]
	for _, c := range pool[1:] {
		least = min(least, counts[c.ID])
	}
	tied := make([]User, 0, len(pool))
	for _, c := range pool {
		if counts[c.ID] == least {
			tied = append(tied, c)
		}
	}
	return tied[r.IntN(len(tied))], true
}
