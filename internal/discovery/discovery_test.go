package discovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/anime-embed-crawler/internal/checkpoint"
	"github.com/JakeFAU/anime-embed-crawler/internal/kv"
	"github.com/JakeFAU/anime-embed-crawler/internal/progress"
	"github.com/JakeFAU/anime-embed-crawler/internal/queue"
	"github.com/JakeFAU/anime-embed-crawler/internal/scrape"
)

type fakeCatalog struct {
	entries []scrape.CatalogEntry
	calls   []scrape.Criteria
}

func (f *fakeCatalog) Get(_ context.Context, id int) (scrape.CatalogEntry, error) {
	for _, e := range f.entries {
		if e.ExternalID == id {
			return e, nil
		}
	}
	return scrape.CatalogEntry{}, errors.New("not found")
}

func (f *fakeCatalog) Candidates(_ context.Context, c scrape.Criteria) ([]scrape.CatalogEntry, error) {
	f.calls = append(f.calls, c)
	if c.Offset >= len(f.entries) {
		return nil, nil
	}
	end := min(c.Offset+c.Limit, len(f.entries))
	return f.entries[c.Offset:end], nil
}

type fixture struct {
	catalog    *fakeCatalog
	queue      *queue.Queue
	checkpoint *checkpoint.Store
	tracker    *progress.Tracker
}

func newFixture(t *testing.T, entries ...scrape.CatalogEntry) *fixture {
	t.Helper()
	backend, err := kv.OpenBadger(kv.BadgerOptions{InMemory: true}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })
	return &fixture{
		catalog:    &fakeCatalog{entries: entries},
		queue:      queue.New(backend, queue.Config{}, zap.NewNop()),
		checkpoint: checkpoint.New(backend, zap.NewNop()),
		tracker:    progress.NewTracker(backend, nil),
	}
}

func (f *fixture) discoverer(cfg Config, opts ...Option) *Discoverer {
	opts = append([]Option{WithJitter(func(int) int { return 0 })}, opts...)
	return New(f.catalog, f.queue, f.checkpoint, f.checkpoint, f.tracker, cfg, zap.NewNop(), opts...)
}

func entry(id int, status scrape.AiringStatus, popularity, score, episodes int) scrape.CatalogEntry {
	return scrape.CatalogEntry{
		ExternalID:   id,
		Titles:       scrape.Titles{English: "Show"},
		Status:       status,
		Popularity:   popularity,
		AverageScore: score,
		Episodes:     episodes,
	}
}

func TestScoreTiers(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name     string
		strategy Strategy
		entry    scrape.CatalogEntry
		want     int
	}{
		{"airing popular", Balanced, entry(1, scrape.StatusReleasing, 50_000, 0, 12), 130},
		{"finished obscure", Balanced, entry(2, scrape.StatusFinished, 500, 0, 12), 0},
		{"top tier", Balanced, entry(3, scrape.StatusReleasing, 150_000, 90, 12), 180},
		{"score only", Balanced, entry(4, scrape.StatusFinished, 0, 70, 12), 10},
		{"popularity doubles", Popularity, entry(5, scrape.StatusReleasing, 100_000, 75, 12), 120},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, tc.strategy.BaseScore(tc.entry))
		})
	}
}

func TestJitterIsBounded(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	d := New(f.catalog, f.queue, f.checkpoint, f.checkpoint, f.tracker, Config{Jitter: 5}, nil)
	for range 50 {
		s := d.Score(entry(1, scrape.StatusFinished, 0, 0, 1))
		require.GreaterOrEqual(t, s, 0)
		require.Less(t, s, 5)
	}
}

func TestParseStrategy(t *testing.T) {
	t.Parallel()
	s, err := ParseStrategy("")
	require.NoError(t, err)
	require.Equal(t, Balanced, s)
	s, err = ParseStrategy(" AIRING ")
	require.NoError(t, err)
	require.Equal(t, Airing, s)
	_, err = ParseStrategy("random")
	require.Error(t, err)
}

func TestRunEnqueuesByPriority(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t,
		entry(200, scrape.StatusFinished, 500, 0, 12),
		entry(100, scrape.StatusReleasing, 50_000, 0, 12),
	)

	res, err := f.discoverer(Config{}).Run(ctx, false)
	require.NoError(t, err)
	require.Equal(t, 2, res.Enqueued)
	require.Equal(t, 2, res.Offset)

	first, ok, err := f.queue.TryDequeue(ctx, "w1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 100, first.Payload.ExternalID)
	require.Equal(t, 130, first.Payload.Priority)

	snap, err := f.tracker.Snapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, snap.TotalAnime)
}

func TestRunSkipsCoveredAndIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, entry(10, scrape.StatusFinished, 20_000, 80, 2), entry(11, scrape.StatusFinished, 20_000, 80, 3))
	for ep := 1; ep <= 2; ep++ {
		for _, track := range scrape.Tracks {
			_, err := f.checkpoint.MarkCompleted(ctx, 10, ep, track)
			require.NoError(t, err)
		}
	}

	d := f.discoverer(Config{})
	res, err := d.Run(ctx, false)
	require.NoError(t, err)
	require.Equal(t, 1, res.Covered)
	require.Equal(t, 1, res.Enqueued)

	res, err = d.Run(ctx, false)
	require.NoError(t, err)
	require.Equal(t, 0, res.Enqueued)
	require.Equal(t, 1, res.Duplicates)

	stats, err := f.queue.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Waiting)
}

func TestRunPagesBatchesAndResumes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	var entries []scrape.CatalogEntry
	for i := 1; i <= 7; i++ {
		entries = append(entries, entry(i, scrape.StatusFinished, 1000, 70, 1))
	}
	f := newFixture(t, entries...)

	var pauses int
	sleep := func(context.Context, time.Duration) error { pauses++; return nil }
	d := f.discoverer(Config{PageSize: 3, BatchSize: 2, MaxPages: 2}, WithSleep(sleep))

	res, err := d.Run(ctx, false)
	require.NoError(t, err)
	require.Equal(t, 2, res.Pages)
	require.Equal(t, 6, res.Enqueued)
	require.Equal(t, 2, pauses)

	cur, err := f.checkpoint.LoadCursor(ctx)
	require.NoError(t, err)
	require.Equal(t, 6, cur.Offset)

	res, err = d.Run(ctx, true)
	require.NoError(t, err)
	require.Equal(t, 1, res.Enqueued)
	require.Equal(t, 7, res.Offset)
	require.Equal(t, 6, f.catalog.calls[len(f.catalog.calls)-1].Offset)
}

func TestAiringStrategyFiltersFinished(t *testing.T) {
	t.Parallel()
	f := newFixture(t, entry(1, scrape.StatusFinished, 90_000, 90, 12), entry(2, scrape.StatusReleasing, 0, 0, 0))

	res, err := f.discoverer(Config{Strategy: Airing}).Run(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, 1, res.Ineligible)
	require.Equal(t, 1, res.Enqueued)
}

func TestRunAppliesNeedsScrapingFloors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t,
		entry(1, scrape.StatusFinished, 40, 30, 12),
		entry(2, scrape.StatusFinished, 100, 50, 12),
		entry(3, scrape.StatusFinished, 500, 0, 12),
		entry(4, scrape.StatusFinished, 0, 72, 12),
		entry(5, scrape.StatusReleasing, 0, 0, 12),
	)

	res, err := f.discoverer(Config{MinPopularity: 100, MinScore: 50}).Run(ctx, false)
	require.NoError(t, err)
	require.Equal(t, 2, res.Ineligible, "floors are exclusive")
	require.Equal(t, 3, res.Enqueued)

	for _, id := range []int{1, 2} {
		_, err := f.queue.Get(ctx, scrape.JobKey(id))
		require.ErrorIs(t, err, queue.ErrNotFound)
	}
	require.Equal(t, 100, f.catalog.calls[0].MinPopularity)
	require.Equal(t, 50, f.catalog.calls[0].MinScore)
}

type settledTotals map[int]int

func (s settledTotals) KnownEpisodeTotal(_ context.Context, entry scrape.CatalogEntry) (int, error) {
	if total, ok := s[entry.ExternalID]; ok {
		return total, nil
	}
	return entry.Episodes, nil
}

func TestRunUsesSettledEpisodeTotals(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, entry(10, scrape.StatusFinished, 20_000, 80, 3))
	for ep := 1; ep <= 2; ep++ {
		for _, track := range scrape.Tracks {
			_, err := f.checkpoint.MarkCompleted(ctx, 10, ep, track)
			require.NoError(t, err)
		}
	}

	res, err := f.discoverer(Config{}, WithEpisodeTotals(settledTotals{10: 2})).Run(ctx, false)
	require.NoError(t, err)
	require.Equal(t, 1, res.Covered)
	require.Zero(t, res.Enqueued)

	res, err = f.discoverer(Config{}).Run(ctx, false)
	require.NoError(t, err)
	require.Equal(t, 1, res.Enqueued, "the catalog count alone leaves episode 3 outstanding")
}
