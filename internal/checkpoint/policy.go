package checkpoint

// CoveragePolicy decides when partial coverage counts as done. With
// MinEpisodesAnyTrack zero only full coverage (every episode, every track)
// stops re-scraping.
type CoveragePolicy struct {
	// MinEpisodesAnyTrack is the number of episodes with at least one
	// completed track that marks an anime as covered.
	MinEpisodesAnyTrack int `mapstructure:"min_episodes_any_track" json:"minEpisodesAnyTrack"`
}

// Enabled reports whether partial coverage is accepted at all.
func (p CoveragePolicy) Enabled() bool {
	return p.MinEpisodesAnyTrack > 0
}

// Satisfied reports whether completedEpisodes meets the policy.
func (p CoveragePolicy) Satisfied(completedEpisodes int) bool {
	return p.Enabled() && completedEpisodes >= p.MinEpisodesAnyTrack
}
