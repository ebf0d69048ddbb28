package worker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/anime-embed-crawler/internal/checkpoint"
	"github.com/JakeFAU/anime-embed-crawler/internal/embeds"
	"github.com/JakeFAU/anime-embed-crawler/internal/events"
	"github.com/JakeFAU/anime-embed-crawler/internal/failure"
	"github.com/JakeFAU/anime-embed-crawler/internal/hash/sha256"
	"github.com/JakeFAU/anime-embed-crawler/internal/kv"
	"github.com/JakeFAU/anime-embed-crawler/internal/progress"
	"github.com/JakeFAU/anime-embed-crawler/internal/provider"
	"github.com/JakeFAU/anime-embed-crawler/internal/queue"
	"github.com/JakeFAU/anime-embed-crawler/internal/recovery"
	"github.com/JakeFAU/anime-embed-crawler/internal/scrape"
)

type fakeCatalog struct {
	entries map[int]scrape.CatalogEntry
}

func (f fakeCatalog) Get(_ context.Context, id int) (scrape.CatalogEntry, error) {
	e, ok := f.entries[id]
	if !ok {
		return scrape.CatalogEntry{}, fmt.Errorf("catalog entry %d: %w", id, failure.ErrNotFound)
	}
	return e, nil
}

func (fakeCatalog) Candidates(context.Context, scrape.Criteria) ([]scrape.CatalogEntry, error) {
	return nil, nil
}

// fakeResolver maps every entry and remembers recorded episode totals.
type fakeResolver struct {
	mu     sync.Mutex
	totals map[int][2]int
}

func (*fakeResolver) Resolve(_ context.Context, entry scrape.CatalogEntry) (scrape.ProviderMapping, error) {
	return scrape.ProviderMapping{ExternalID: entry.ExternalID, ProviderID: fmt.Sprint(entry.ExternalID * 10)}, nil
}

func (r *fakeResolver) KnownEpisodeTotal(_ context.Context, entry scrape.CatalogEntry) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.totals[entry.ExternalID]; ok && !entry.Airing() && rec[0] == entry.Episodes {
		return rec[1], nil
	}
	return entry.Episodes, nil
}

func (r *fakeResolver) RecordEpisodeTotal(_ context.Context, externalID, catalogEpisodes, total int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.totals == nil {
		r.totals = map[int][2]int{}
	}
	r.totals[externalID] = [2]int{catalogEpisodes, total}
	return nil
}

// fakeSource lists n episodes and serves one server per track unless an
// episode is configured otherwise.
type fakeSource struct {
	mu       sync.Mutex
	episodes int
	empty    map[int]scrape.AudioTrack
	errs     map[int]error
	fetched  []int
	lists    int
	// onList runs before the episode list is returned.
	onList func(ctx context.Context) error
}

func (s *fakeSource) Episodes(ctx context.Context, _ scrape.ProviderMapping) ([]provider.Episode, error) {
	if s.onList != nil {
		if err := s.onList(ctx); err != nil {
			return nil, err
		}
	}
	s.mu.Lock()
	s.lists++
	s.mu.Unlock()
	out := make([]provider.Episode, 0, s.episodes)
	for i := 1; i <= s.episodes; i++ {
		out = append(out, provider.Episode{Number: i, ID: fmt.Sprint(1000 + i)})
	}
	return out, nil
}

func (s *fakeSource) Fetch(_ context.Context, ep provider.Episode, tracks []scrape.AudioTrack) (provider.EpisodeEmbeds, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetched = append(s.fetched, ep.Number)
	if err := s.errs[ep.Number]; err != nil {
		return nil, err
	}
	out := provider.EpisodeEmbeds{}
	for _, track := range tracks {
		if s.empty[ep.Number] == track {
			out[track] = []scrape.EmbedServer{}
			continue
		}
		out[track] = []scrape.EmbedServer{{
			ServerName: "hd-1",
			ServerID:   ep.ID + string(track),
			EmbedLink:  fmt.Sprintf("https://embed.example/e/%s/%s", ep.ID, track),
		}}
	}
	return out, nil
}

func (s *fakeSource) fetchedEpisodes() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.fetched...)
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Emit(evt events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recorder) kinds() []events.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Kind, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Kind)
	}
	return out
}

type fakeRecovery struct {
	mu     sync.Mutex
	causes []error
}

func (f *fakeRecovery) HandleFailure(_ context.Context, _ queue.Job, cause error) (recovery.Decision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.causes = append(f.causes, cause)
	return recovery.Decision{Action: recovery.ActionAbandon}, nil
}

type fixture struct {
	store      kv.Store
	queue      *queue.Queue
	checkpoint *checkpoint.Store
	embeds     *embeds.Repository
	tracker    *progress.Tracker
	source     *fakeSource
	resolver   *fakeResolver
	events     *recorder
	catalog    fakeCatalog
}

func newFixture(t *testing.T, episodes int) *fixture {
	t.Helper()
	store, err := kv.OpenBadger(kv.BadgerOptions{InMemory: true}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return &fixture{
		store:      store,
		queue:      queue.New(store, queue.Config{PollInterval: 5 * time.Millisecond}, zap.NewNop()),
		checkpoint: checkpoint.New(store, zap.NewNop()),
		embeds:     embeds.NewRepository(store, sha256.New()),
		tracker:    progress.NewTracker(store, nil),
		source:     &fakeSource{episodes: episodes, empty: map[int]scrape.AudioTrack{}, errs: map[int]error{}},
		resolver:   &fakeResolver{},
		events:     &recorder{},
		catalog:    fakeCatalog{entries: map[int]scrape.CatalogEntry{}},
	}
}

func (f *fixture) addAnime(t *testing.T, id, episodes int) {
	t.Helper()
	f.catalog.entries[id] = scrape.CatalogEntry{ExternalID: id, Titles: scrape.Titles{English: "Show"}, Episodes: episodes}
	_, err := f.queue.Enqueue(context.Background(), scrape.ScrapeJob{ExternalID: id, Title: "Show", EpisodeCountHint: episodes}, queue.EnqueueOptions{})
	require.NoError(t, err)
	_, err = f.tracker.Register(context.Background(), id)
	require.NoError(t, err)
}

func (f *fixture) worker(id string, rec Recovery) *Worker {
	return New(id, Deps{
		Queue:       f.queue,
		Catalog:     f.catalog,
		Resolver:    f.resolver,
		Source:      f.source,
		Checkpoints: f.checkpoint,
		Embeds:      f.embeds,
		Progress:    f.tracker,
		Recovery:    rec,
		Events:      f.events,
	}, Config{LeaseTTL: time.Minute}, zap.NewNop())
}

func (f *fixture) processNext(t *testing.T, w *Worker, stop context.Context) queue.Job {
	t.Helper()
	job, err := f.queue.Dequeue(context.Background(), w.ID())
	require.NoError(t, err)
	w.Process(stop, context.Background(), job)
	return job
}

func TestProcessCompletesAnime(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, 3)
	f.addAnime(t, 100, 3)
	w := f.worker("w1", nil)

	f.processNext(t, w, ctx)

	records, err := f.embeds.List(ctx, 100)
	require.NoError(t, err)
	require.Len(t, records, 6)
	complete, err := f.checkpoint.IsFullyComplete(ctx, 100, 3)
	require.NoError(t, err)
	require.True(t, complete)

	snap, err := f.tracker.Snapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, snap.Completed)
	_, err = f.queue.Get(ctx, scrape.JobKey(100))
	require.ErrorIs(t, err, queue.ErrNotFound)

	kinds := f.events.kinds()
	require.Equal(t, events.JobStarted, kinds[0])
	require.Equal(t, events.JobCompleted, kinds[len(kinds)-1])
	require.Equal(t, 1, w.Status().Processed)
	require.Equal(t, scrape.WorkerIdle, w.Status().Status)
}

func TestEmptyEpisodeFailsWithoutBlockingNext(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, 6)
	f.source.empty[5] = scrape.TrackOriginal
	f.addAnime(t, 100, 6)
	w := f.worker("w1", nil)

	job := f.processNext(t, w, ctx)

	task, err := f.checkpoint.Task(ctx, 100, 5, scrape.TrackOriginal)
	require.NoError(t, err)
	require.Equal(t, scrape.TaskFailed, task.Status)
	task, err = f.checkpoint.Task(ctx, 100, 6, scrape.TrackOriginal)
	require.NoError(t, err)
	require.Equal(t, scrape.TaskCompleted, task.Status)

	rec, err := f.queue.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, queue.StateFailed, rec.State)
	require.False(t, rec.Unrecoverable)
	require.Equal(t, string(failure.Generic), rec.Category)
	require.Equal(t, 1, w.Status().Failed)
}

func TestRateLimitAbortsJob(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, 4)
	f.source.errs[2] = failure.New(failure.RateLimit, "episode servers", failure.ErrRateLimited)
	f.addAnime(t, 100, 4)
	rec := &fakeRecovery{}
	w := f.worker("w1", rec)

	f.processNext(t, w, ctx)

	require.Equal(t, []int{1, 2}, f.source.fetchedEpisodes())
	require.Len(t, rec.causes, 1)
	require.Equal(t, failure.RateLimit, failure.Classify(rec.causes[0]))

	pending, err := f.checkpoint.PendingTracks(ctx, 100, 2)
	require.NoError(t, err)
	require.Len(t, pending, 2)
}

func TestMissingCatalogEntryIsTerminal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, 1)
	_, err := f.queue.Enqueue(ctx, scrape.ScrapeJob{ExternalID: 555, Title: "Gone"}, queue.EnqueueOptions{})
	require.NoError(t, err)
	rec := &fakeRecovery{}
	w := f.worker("w1", rec)

	f.processNext(t, w, ctx)

	require.Len(t, rec.causes, 1)
	require.True(t, failure.IsTerminal(rec.causes[0]))
	require.Equal(t, failure.MissingResource, failure.Classify(rec.causes[0]))
	require.Empty(t, f.source.fetchedEpisodes())
}

func TestResumeSkipsCompletedEpisodes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, 3)
	for _, track := range scrape.Tracks {
		_, err := f.checkpoint.MarkCompleted(ctx, 100, 1, track)
		require.NoError(t, err)
	}
	require.NoError(t, f.checkpoint.MarkStarted(ctx, 100, 2, scrape.TrackDubbed))
	f.addAnime(t, 100, 3)

	f.processNext(t, f.worker("w1", nil), ctx)

	require.Equal(t, []int{2, 3}, f.source.fetchedEpisodes())
}

func TestCoveredAnimeIsSkipped(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, 2)
	for ep := 1; ep <= 2; ep++ {
		for _, track := range scrape.Tracks {
			_, err := f.checkpoint.MarkCompleted(ctx, 100, ep, track)
			require.NoError(t, err)
		}
	}
	f.addAnime(t, 100, 2)

	f.processNext(t, f.worker("w1", nil), ctx)

	require.Empty(t, f.source.fetchedEpisodes())
	state, err := f.tracker.State(ctx, 100)
	require.NoError(t, err)
	require.Equal(t, progress.AnimeCompleted, state)
}

func TestStopReleasesJob(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, 3)
	f.addAnime(t, 100, 3)
	stop, cancel := context.WithCancel(ctx)
	cancel()

	job := f.processNext(t, f.worker("w1", nil), stop)

	rec, err := f.queue.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, queue.StateWaiting, rec.State)
	require.Zero(t, rec.Payload.RetryCount)
}

type tamperedEmbeds struct{ *embeds.Repository }

func (tamperedEmbeds) Digest(context.Context, int, int, scrape.AudioTrack) (string, error) {
	return "0000", nil
}

func TestVerificationMismatchIsParseFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, 2)
	f.addAnime(t, 100, 2)
	rec := &fakeRecovery{}
	w := f.worker("w1", rec)
	w.deps.Embeds = tamperedEmbeds{f.embeds}

	f.processNext(t, w, ctx)

	require.Len(t, rec.causes, 1)
	require.Equal(t, failure.Parse, failure.Classify(rec.causes[0]))
}

func TestEpisodeTotal(t *testing.T) {
	t.Parallel()
	require.Equal(t, 12, EpisodeTotal(12, 24))
	require.Equal(t, 5, EpisodeTotal(12, 5))
	require.Equal(t, 12, EpisodeTotal(12, 0))
	require.Equal(t, 7, EpisodeTotal(0, 7))
	require.Equal(t, 0, EpisodeTotal(0, 0))
}

func TestSampleSpreadsAcrossWrites(t *testing.T) {
	t.Parallel()
	var saved []written
	for i := 1; i <= 10; i++ {
		saved = append(saved, written{episode: i})
	}
	got := sample(saved, 3)
	require.Len(t, got, 3)
	require.Equal(t, 1, got[0].episode)
	require.Equal(t, 10, got[2].episode)
	require.Len(t, sample(saved[:2], 3), 2)
	require.Equal(t, 10, sample(saved, 1)[0].episode)
}

func TestPoolDrainsQueue(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, 2)
	for _, id := range []int{1, 2, 3} {
		f.addAnime(t, id, 2)
	}
	workers := []*Worker{f.worker("w1", nil), f.worker("w2", nil)}
	hb := NewHeartbeats(f.store, time.Minute, "test-host")
	pool := NewPool(workers, f.queue, hb, f.checkpoint, PoolConfig{HeartbeatInterval: 10 * time.Millisecond}, zap.NewNop())

	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	require.Eventually(t, func() bool {
		select {
		case err := <-done:
			require.NoError(t, err)
			return true
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)

	snap, err := f.tracker.Snapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, snap.Completed)

	beats, err := hb.List(ctx)
	require.NoError(t, err)
	require.Len(t, beats, 2)
	processed := 0
	for _, b := range beats {
		require.Equal(t, scrape.WorkerOffline, b.Status)
		require.Equal(t, "test-host", b.Host)
		processed += b.Processed
	}
	require.Equal(t, 3, processed)
	require.Empty(t, Live(beats, time.Now(), time.Minute))
}

func TestPoolStopsOnCancel(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	pool := NewPool([]*Worker{f.worker("w1", nil)}, f.queue, nil, f.checkpoint,
		PoolConfig{Follow: true, HeartbeatInterval: 10 * time.Millisecond}, zap.NewNop())

	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not stop")
	}
}

func TestHeartbeatLiveFilter(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	beats := []scrape.WorkerHeartbeat{
		{WorkerID: "a", Status: scrape.WorkerActive, LastActivity: now.Add(-5 * time.Second)},
		{WorkerID: "b", Status: scrape.WorkerIdle, LastActivity: now.Add(-2 * time.Minute)},
		{WorkerID: "c", Status: scrape.WorkerOffline, LastActivity: now},
		{WorkerID: "d", Status: scrape.WorkerActive, LastActivity: now.Add(-3 * time.Minute), BeatAt: now.Add(-5 * time.Second)},
		{WorkerID: "e", Status: scrape.WorkerIdle, LastActivity: now.Add(-time.Hour), BeatAt: now.Add(-10 * time.Second)},
		{WorkerID: "f", Status: scrape.WorkerActive, LastActivity: now, BeatAt: now.Add(-2 * time.Minute)},
	}
	live := Live(beats, now, time.Minute)
	ids := make([]string, 0, len(live))
	for _, hb := range live {
		ids = append(ids, hb.WorkerID)
	}
	require.Equal(t, []string{"a", "d", "e"}, ids)
}

func TestBeatKeepsLongJobVisible(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, 1)
	hb := NewHeartbeats(f.store, time.Minute, "test-host")

	started := time.Now().UTC().Add(-3 * time.Minute)
	require.NoError(t, hb.Beat(ctx, scrape.WorkerHeartbeat{
		WorkerID: "w1", Status: scrape.WorkerActive, CurrentAnime: 100, LastActivity: started,
	}))

	beats, err := hb.List(ctx)
	require.NoError(t, err)
	require.Len(t, beats, 1)
	require.False(t, beats[0].BeatAt.IsZero())
	require.Len(t, Live(beats, time.Now(), time.Minute), 1)
}


func TestLostLeaseLeavesJobToNewHolder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, 2)
	f.queue = queue.New(f.store, queue.Config{LeaseTTL: 20 * time.Millisecond, PollInterval: 5 * time.Millisecond}, zap.NewNop())
	f.addAnime(t, 100, 2)

	var taken queue.Job
	f.source.onList = func(ctx context.Context) error {
		for {
			n, err := f.queue.RequeueStalled(ctx)
			if err != nil {
				return err
			}
			if n == 1 {
				break
			}
			time.Sleep(5 * time.Millisecond)
		}
		job, ok, err := f.queue.TryDequeue(ctx, "w2")
		if err != nil || !ok {
			return fmt.Errorf("redeliver: ok=%v err=%w", ok, err)
		}
		taken = job
		<-ctx.Done()
		return ctx.Err()
	}
	rec := &fakeRecovery{}
	w := New("w1", Deps{
		Queue:       f.queue,
		Catalog:     f.catalog,
		Resolver:    f.resolver,
		Source:      f.source,
		Checkpoints: f.checkpoint,
		Embeds:      f.embeds,
		Progress:    f.tracker,
		Recovery:    rec,
		Events:      f.events,
	}, Config{LeaseTTL: 300 * time.Millisecond}, zap.NewNop())

	job := f.processNext(t, w, ctx)

	require.Equal(t, job.ID, taken.ID)
	require.Empty(t, rec.causes, "a stale worker must not hand the job to recovery")
	got, err := f.queue.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, queue.StateActive, got.State)
	require.Equal(t, "w2", got.LockedBy)
	require.Zero(t, got.Payload.RetryCount)
	require.Equal(t, 1, w.Status().Failed)
}

func TestShortProviderListingCountsAsCovered(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, 2)
	f.addAnime(t, 100, 3)
	f.catalog.entries[100] = scrape.CatalogEntry{
		ExternalID: 100, Titles: scrape.Titles{English: "Show"}, Episodes: 3, Status: scrape.StatusFinished,
	}
	w := f.worker("w1", nil)

	f.processNext(t, w, ctx)
	state, err := f.tracker.State(ctx, 100)
	require.NoError(t, err)
	require.Equal(t, progress.AnimeCompleted, state)
	require.Equal(t, [2]int{3, 2}, f.resolver.totals[100])

	_, err = f.queue.Enqueue(ctx, scrape.ScrapeJob{ExternalID: 100, Title: "Show", EpisodeCountHint: 3}, queue.EnqueueOptions{})
	require.NoError(t, err)
	f.processNext(t, w, ctx)

	require.Equal(t, 1, f.source.lists, "a covered anime is skipped before listing episodes")
	require.Len(t, f.source.fetchedEpisodes(), 2)
}
