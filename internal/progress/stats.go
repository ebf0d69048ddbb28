package progress

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/JakeFAU/anime-embed-crawler/internal/kv"
)

// StatsKey holds the aggregate error and episode counters.
const StatsKey = "stats"

// Stats aggregates counters for the report and the recommendations.
type Stats struct {
	Errors            map[string]int `json:"errors"`
	EpisodesCompleted int            `json:"episodesCompleted"`
	EpisodesFailed    int            `json:"episodesFailed"`
	EmbedServers      int            `json:"embedServers"`
	JobsCompleted     int            `json:"jobsCompleted"`
	JobsFailed        int            `json:"jobsFailed"`
	UpdatedAt         time.Time      `json:"updatedAt"`
}

// TotalErrors sums every category.
func (s Stats) TotalErrors() int {
	total := 0
	for _, n := range s.Errors {
		total += n
	}
	return total
}

// CategoryCount is one row of Ranked.
type CategoryCount struct {
	Category string
	Count    int
}

// Ranked lists categories by descending count, ties by name.
func (s Stats) Ranked() []CategoryCount {
	out := make([]CategoryCount, 0, len(s.Errors))
	for cat, n := range s.Errors {
		if n > 0 {
			out = append(out, CategoryCount{Category: cat, Count: n})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Category < out[j].Category
	})
	return out
}

// Delta is a batch of increments applied in one transaction.
type Delta struct {
	Errors            map[string]int
	EpisodesCompleted int
	EpisodesFailed    int
	EmbedServers      int
	JobsCompleted     int
	JobsFailed        int
}

// Empty reports whether applying d would change nothing.
func (d Delta) Empty() bool {
	if d.EpisodesCompleted != 0 || d.EpisodesFailed != 0 || d.EmbedServers != 0 || d.JobsCompleted != 0 || d.JobsFailed != 0 {
		return false
	}
	for _, n := range d.Errors {
		if n != 0 {
			return false
		}
	}
	return true
}

// StatsStore reads and increments Stats.
type StatsStore struct {
	store kv.Store
	now   func() time.Time
}

// NewStatsStore builds a StatsStore.
func NewStatsStore(store kv.Store) *StatsStore {
	return &StatsStore{store: store, now: time.Now}
}

// Apply adds d to the stored counters.
func (s *StatsStore) Apply(ctx context.Context, d Delta) error {
	if d.Empty() {
		return nil
	}
	err := s.store.Update(ctx, func(tx kv.Txn) error {
		var st Stats
		if _, err := kv.TxGetJSON(tx, StatsKey, &st); err != nil {
			return err
		}
		if st.Errors == nil {
			st.Errors = map[string]int{}
		}
		for cat, n := range d.Errors {
			st.Errors[cat] += n
		}
		st.EpisodesCompleted += d.EpisodesCompleted
		st.EpisodesFailed += d.EpisodesFailed
		st.EmbedServers += d.EmbedServers
		st.JobsCompleted += d.JobsCompleted
		st.JobsFailed += d.JobsFailed
		st.UpdatedAt = s.now().UTC()
		return kv.TxPutJSON(tx, StatsKey, st, 0)
	})
	if err != nil {
		return fmt.Errorf("apply stats: %w", err)
	}
	return nil
}

// Load returns the stored counters.
func (s *StatsStore) Load(ctx context.Context) (Stats, error) {
	var st Stats
	err := kv.GetJSON(ctx, s.store, StatsKey, &st)
	if err != nil && !errors.Is(err, kv.ErrNotFound) {
		return Stats{}, fmt.Errorf("load stats: %w", err)
	}
	if st.Errors == nil {
		st.Errors = map[string]int{}
	}
	return st, nil
}

// Reset deletes the counters.
func (s *StatsStore) Reset(ctx context.Context) error {
	if err := s.store.Delete(ctx, StatsKey); err != nil {
		return fmt.Errorf("reset stats: %w", err)
	}
	return nil
}
