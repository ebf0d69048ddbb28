package checkpoint

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/anime-embed-crawler/internal/kv"
	"github.com/JakeFAU/anime-embed-crawler/internal/scrape"
)

type stepClock struct{ t time.Time }

func (c *stepClock) Now() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

func newStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	backend, err := kv.OpenBadger(kv.BadgerOptions{InMemory: true}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })
	opts = append([]Option{WithClock(&stepClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)})}, opts...)
	return New(backend, zap.NewNop(), opts...)
}

func completeEpisode(t *testing.T, s *Store, id, ep int) {
	t.Helper()
	for _, track := range scrape.Tracks {
		_, err := s.MarkCompleted(context.Background(), id, ep, track)
		require.NoError(t, err)
	}
}

func TestNextUnprocessedEpisodeResumesInterruptedWork(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newStore(t)

	completeEpisode(t, s, 100, 1)
	_, err := s.MarkCompleted(ctx, 100, 2, scrape.TrackOriginal)
	require.NoError(t, err)
	// Simulated crash while the dubbed track was in flight.
	require.NoError(t, s.MarkStarted(ctx, 100, 2, scrape.TrackDubbed))

	ep, ok, err := s.NextUnprocessedEpisode(ctx, 100, 12)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 2, ep)

	pending, err := s.PendingTracks(ctx, 100, 2)
	require.NoError(t, err)
	require.Equal(t, []scrape.AudioTrack{scrape.TrackDubbed}, pending)
}

func TestFailedEpisodeDoesNotBlockNext(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newStore(t)

	for ep := 1; ep <= 4; ep++ {
		completeEpisode(t, s, 100, ep)
	}
	for _, track := range scrape.Tracks {
		changed, err := s.MarkFailed(ctx, 100, 5, track, "generic", "no servers")
		require.NoError(t, err)
		require.True(t, changed)
	}

	ep, ok, err := s.NextUnprocessedEpisode(ctx, 100, 12)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 6, ep)

	task, err := s.Task(ctx, 100, 5, scrape.TrackOriginal)
	require.NoError(t, err)
	require.Equal(t, scrape.TaskFailed, task.Status)
	require.Equal(t, "no servers", task.Reason)
}

func TestCompletedIsNeverDowngraded(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newStore(t)

	changed, err := s.MarkCompleted(ctx, 7, 1, scrape.TrackOriginal)
	require.NoError(t, err)
	require.True(t, changed)

	changed, err = s.MarkCompleted(ctx, 7, 1, scrape.TrackOriginal)
	require.NoError(t, err)
	require.False(t, changed)

	require.NoError(t, s.MarkStarted(ctx, 7, 1, scrape.TrackOriginal))
	changed, err = s.MarkFailed(ctx, 7, 1, scrape.TrackOriginal, "network", "reset")
	require.NoError(t, err)
	require.False(t, changed)

	task, err := s.Task(ctx, 7, 1, scrape.TrackOriginal)
	require.NoError(t, err)
	require.Equal(t, scrape.TaskCompleted, task.Status)
}

func TestFullyCompleteAndSummary(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newStore(t)

	done, err := s.IsFullyComplete(ctx, 3, 0)
	require.NoError(t, err)
	require.False(t, done)

	completeEpisode(t, s, 3, 1)
	_, err = s.MarkCompleted(ctx, 3, 2, scrape.TrackOriginal)
	require.NoError(t, err)
	_, err = s.MarkFailed(ctx, 3, 2, scrape.TrackDubbed, "parse", "bad html")
	require.NoError(t, err)

	sum, err := s.Summarize(ctx, 3, 3)
	require.NoError(t, err)
	require.Equal(t, Summary{Total: 6, Completed: 3, Failed: 1, Pending: 2, CompletedEpisodes: 2}, sum)

	done, err = s.IsFullyComplete(ctx, 3, 2)
	require.NoError(t, err)
	require.False(t, done)

	n, err := s.ResetFailed(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	_, err = s.MarkCompleted(ctx, 3, 2, scrape.TrackDubbed)
	require.NoError(t, err)

	done, err = s.IsFullyComplete(ctx, 3, 2)
	require.NoError(t, err)
	require.True(t, done)

	_, ok, err := s.NextUnprocessedEpisode(ctx, 3, 2)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCoveragePolicy(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	strict := newStore(t)
	lenient := newStore(t, WithCoveragePolicy(CoveragePolicy{MinEpisodesAnyTrack: 2}))
	for _, s := range []*Store{strict, lenient} {
		for ep := 1; ep <= 2; ep++ {
			_, err := s.MarkCompleted(ctx, 9, ep, scrape.TrackOriginal)
			require.NoError(t, err)
		}
	}

	covered, err := strict.Covered(ctx, 9, 12)
	require.NoError(t, err)
	require.False(t, covered)

	covered, err = lenient.Covered(ctx, 9, 12)
	require.NoError(t, err)
	require.True(t, covered)
}

func TestClearAnimeOnlyTouchesThatAnime(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newStore(t)

	completeEpisode(t, s, 1, 1)
	completeEpisode(t, s, 10, 1)

	n, err := s.ClearAnime(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	eps, err := s.CompletedEpisodes(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, []int{1}, eps)
}

func TestCursorLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newStore(t)

	c, err := s.StartRun(ctx, "balanced", true)
	require.NoError(t, err)
	require.Zero(t, c.Offset)
	require.False(t, c.StartedAt.IsZero())

	require.NoError(t, s.SaveOffset(ctx, 1000))
	require.NoError(t, s.SaveOffset(ctx, 500))
	require.NoError(t, s.AddFailed(ctx, 42))
	require.NoError(t, s.AddProcessed(ctx, 7))
	require.NoError(t, s.AddProcessed(ctx, 42))
	require.NoError(t, s.AddFailed(ctx, 7))
	require.NoError(t, s.Flush(ctx))

	resumed, err := s.StartRun(ctx, "airing", true)
	require.NoError(t, err)
	require.Equal(t, 1000, resumed.Offset)
	require.Equal(t, "balanced", resumed.Strategy)
	require.Equal(t, []int{7, 42}, resumed.Processed)
	require.Empty(t, resumed.Failed)
	require.True(t, resumed.HasProcessed(42))
	require.False(t, resumed.HasFailed(42))

	fresh, err := s.StartRun(ctx, "airing", false)
	require.NoError(t, err)
	require.Zero(t, fresh.Offset)
	require.Empty(t, fresh.Processed)

	require.NoError(t, s.ResetCursor(ctx))
	loaded, err := s.LoadCursor(ctx)
	require.NoError(t, err)
	require.Equal(t, Cursor{}, loaded)
}
