package discovery

import (
	"fmt"
	"strings"

	"github.com/JakeFAU/anime-embed-crawler/internal/scrape"
)

// Strategy selects eligibility and weights.
type Strategy string

// Strategies.
const (
	// Balanced weighs airing status, popularity and score.
	Balanced Strategy = "balanced"
	// Airing only considers currently releasing entries.
	Airing Strategy = "airing"
	// Popularity drops the airing bonus and doubles popularity weights.
	Popularity Strategy = "popularity"
)

// ParseStrategy accepts a strategy name; empty means Balanced.
func ParseStrategy(raw string) (Strategy, error) {
	switch s := Strategy(strings.ToLower(strings.TrimSpace(raw))); s {
	case "":
		return Balanced, nil
	case Balanced, Airing, Popularity:
		return s, nil
	default:
		return "", fmt.Errorf("unknown strategy %q (want balanced, airing or popularity)", raw)
	}
}

// Eligible reports whether the strategy considers entry at all.
func (s Strategy) Eligible(entry scrape.CatalogEntry) bool {
	if s == Airing {
		return entry.Airing()
	}
	return true
}

type tier struct {
	min    int
	weight int
}

var (
	popularityTiers = []tier{{100_000, 50}, {50_000, 30}, {10_000, 10}}
	scoreTiers      = []tier{{85, 30}, {75, 20}, {65, 10}}
)

const airingWeight = 100

func tierWeight(tiers []tier, v int) int {
	for _, t := range tiers {
		if v >= t.min {
			return t.weight
		}
	}
	return 0
}

// BaseScore is the deterministic part of the priority.
func (s Strategy) BaseScore(entry scrape.CatalogEntry) int {
	score := tierWeight(scoreTiers, entry.AverageScore)
	popularity := tierWeight(popularityTiers, entry.Popularity)
	switch s {
	case Popularity:
		score += 2 * popularity
	default:
		score += popularity
		if entry.Airing() {
			score += airingWeight
		}
	}
	return score
}
