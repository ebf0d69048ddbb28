package mapping

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/anime-embed-crawler/internal/failure"
	"github.com/JakeFAU/anime-embed-crawler/internal/kv"
	"github.com/JakeFAU/anime-embed-crawler/internal/provider"
	"github.com/JakeFAU/anime-embed-crawler/internal/scrape"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type fakeSearcher struct {
	results map[string][]provider.SearchResult
	err     error
	queries []string
}

func (f *fakeSearcher) Search(_ context.Context, query string) ([]provider.SearchResult, error) {
	f.queries = append(f.queries, query)
	if f.err != nil {
		return nil, f.err
	}
	return f.results[query], nil
}

func newStore(t *testing.T) kv.Store {
	t.Helper()
	store, err := kv.OpenBadger(kv.BadgerOptions{InMemory: true}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func constantScore(score float64) func(string, string) float64 {
	return func(string, string) float64 { return score }
}

var frieren = scrape.CatalogEntry{
	ExternalID: 154587,
	Titles:     scrape.Titles{English: "Frieren: Beyond Journey's End", Romaji: "Sousou no Frieren"},
	Episodes:   28,
}

func TestSimilarity(t *testing.T) {
	t.Parallel()

	require.InDelta(t, 1.0, Similarity("The Apothecary Diaries", "apothecary diaries"), 1e-9)
	require.InDelta(t, 1.0, Similarity("Pokémon", "Pokemon"), 1e-9)
	require.Greater(t, Similarity("Frieren: Beyond Journey's End", "Frieren Beyond Journeys End"), 0.9)
	require.Less(t, Similarity("Frieren", "One Piece"), 0.3)
	require.Zero(t, Similarity("", ""))
	require.Zero(t, Similarity("!!!", "Naruto"))
}

func TestResolveRejectsWeakMatch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newStore(t)
	searcher := &fakeSearcher{results: map[string][]provider.SearchResult{
		"Frieren: Beyond Journey's End": {{Title: "Something Else", Slug: "else-1", ProviderID: "1"}},
		"Sousou no Frieren":             {{Title: "Another Thing", Slug: "another-2", ProviderID: "2"}},
	}}
	r := NewResolver(store, searcher, Config{Similarity: constantScore(0.25)}, nil, zap.NewNop())

	_, err := r.Resolve(ctx, frieren)
	require.Error(t, err)
	require.ErrorIs(t, err, failure.ErrMappingNotFound)
	require.Equal(t, failure.Mapping, failure.Classify(err))
	require.Equal(t, []string{"Frieren: Beyond Journey's End", "Sousou no Frieren"}, searcher.queries)

	_, ok, err := r.Get(ctx, frieren.ExternalID)
	require.NoError(t, err)
	require.False(t, ok, "failed resolution must not be cached")
}

func TestResolveAcceptsAndCaches(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	searcher := &fakeSearcher{results: map[string][]provider.SearchResult{
		"Frieren: Beyond Journey's End": {
			{Title: "Frieren: Beyond Journey's End", Slug: "frieren-beyond-journeys-end-18542", ProviderID: "18542"},
		},
	}}
	r := NewResolver(store, searcher, Config{Similarity: constantScore(0.8)}, fixedClock{now}, zap.NewNop())

	m, err := r.Resolve(ctx, frieren)
	require.NoError(t, err)
	require.Equal(t, scrape.ProviderMapping{
		ExternalID:   154587,
		ProviderSlug: "frieren-beyond-journeys-end-18542",
		ProviderID:   "18542",
		MatchedTitle: "Frieren: Beyond Journey's End",
		Similarity:   0.8,
		ResolvedAt:   now,
	}, m)

	searcher.err = errors.New("search must not be called")
	again, err := r.Resolve(ctx, frieren)
	require.NoError(t, err)
	require.Equal(t, m.ProviderSlug, again.ProviderSlug)
	require.Len(t, searcher.queries, 1)
}

func TestResolvePicksBestCandidate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	searcher := &fakeSearcher{results: map[string][]provider.SearchResult{
		"Frieren: Beyond Journey's End": {
			{Title: "Frieren Mini Anime", Slug: "frieren-mini-anime-19001", ProviderID: "19001"},
			{Title: "Frieren: Beyond Journey's End", Slug: "frieren-beyond-journeys-end-18542", ProviderID: "18542"},
			{Title: "Frieren: Beyond Journey's End", Slug: "no-id"},
		},
	}}
	r := NewResolver(newStore(t), searcher, Config{}, nil, zap.NewNop())

	m, err := r.Resolve(ctx, frieren)
	require.NoError(t, err)
	require.Equal(t, "18542", m.ProviderID)
	require.InDelta(t, 1.0, m.Similarity, 1e-9)
}

func TestResolveWithoutTitleIsTerminal(t *testing.T) {
	t.Parallel()

	r := NewResolver(newStore(t), &fakeSearcher{}, Config{}, nil, zap.NewNop())
	_, err := r.Resolve(context.Background(), scrape.CatalogEntry{ExternalID: 9})
	require.Error(t, err)
	require.Equal(t, failure.InvalidData, failure.Classify(err))
	require.True(t, failure.IsTerminal(err))
}

func TestInvalidateForcesRegeneration(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	searcher := &fakeSearcher{results: map[string][]provider.SearchResult{
		"Frieren: Beyond Journey's End": {{Title: "Frieren: Beyond Journey's End", Slug: "frieren-18542", ProviderID: "18542"}},
	}}
	r := NewResolver(newStore(t), searcher, Config{}, nil, zap.NewNop())

	_, err := r.Resolve(ctx, frieren)
	require.NoError(t, err)
	require.NoError(t, r.Invalidate(ctx, frieren.ExternalID))
	_, err = r.Resolve(ctx, frieren)
	require.NoError(t, err)
	require.Len(t, searcher.queries, 2)
}

func TestSearchErrorsPropagate(t *testing.T) {
	t.Parallel()

	boom := failure.New(failure.RateLimit, "search", failure.ErrRateLimited)
	r := NewResolver(newStore(t), &fakeSearcher{err: boom}, Config{}, nil, zap.NewNop())
	_, err := r.Resolve(context.Background(), frieren)
	require.ErrorIs(t, err, failure.ErrRateLimited)
	require.Equal(t, failure.RateLimit, failure.Classify(err))
}

func TestEpisodeTotalRecordedOnMapping(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newStore(t)
	finished := frieren
	finished.Status = scrape.StatusFinished
	r := NewResolver(store, &fakeSearcher{}, Config{}, nil, zap.NewNop())

	require.NoError(t, r.RecordEpisodeTotal(ctx, finished.ExternalID, 28, 26))
	total, err := r.KnownEpisodeTotal(ctx, finished)
	require.NoError(t, err)
	require.Equal(t, 28, total, "nothing is recorded without a mapping")

	require.NoError(t, kv.PutJSON(ctx, store, Key(finished.ExternalID), scrape.ProviderMapping{ExternalID: finished.ExternalID, ProviderID: "18542"}, 0))
	require.NoError(t, r.RecordEpisodeTotal(ctx, finished.ExternalID, 28, 26))
	total, err = r.KnownEpisodeTotal(ctx, finished)
	require.NoError(t, err)
	require.Equal(t, 26, total)

	grown := finished
	grown.Episodes = 30
	total, err = r.KnownEpisodeTotal(ctx, grown)
	require.NoError(t, err)
	require.Equal(t, 30, total, "a changed catalog count invalidates the recorded total")

	airing := finished
	airing.Status = scrape.StatusReleasing
	total, err = r.KnownEpisodeTotal(ctx, airing)
	require.NoError(t, err)
	require.Equal(t, 28, total)

	require.NoError(t, r.Invalidate(ctx, finished.ExternalID))
	total, err = r.KnownEpisodeTotal(ctx, finished)
	require.NoError(t, err)
	require.Equal(t, 28, total)
}
