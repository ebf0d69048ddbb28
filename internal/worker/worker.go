// Package worker runs scrape jobs: one Worker handles a job end to end, a
// Pool runs several of them with heartbeats, lease upkeep and a bounded
// drain on shutdown.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/anime-embed-crawler/internal/events"
	"github.com/JakeFAU/anime-embed-crawler/internal/failure"
	"github.com/JakeFAU/anime-embed-crawler/internal/hash/sha256"
	"github.com/JakeFAU/anime-embed-crawler/internal/metrics"
	"github.com/JakeFAU/anime-embed-crawler/internal/provider"
	"github.com/JakeFAU/anime-embed-crawler/internal/queue"
	"github.com/JakeFAU/anime-embed-crawler/internal/recovery"
	"github.com/JakeFAU/anime-embed-crawler/internal/scrape"
)

var errInterrupted = errors.New("worker stopped between episodes")

// Queue is the job source.
type Queue interface {
	Dequeue(ctx context.Context, workerID string) (queue.Job, error)
	Renew(ctx context.Context, id, workerID string) error
	Release(ctx context.Context, id, workerID string) error
	Complete(ctx context.Context, id, workerID string) error
	Fail(ctx context.Context, id, workerID, category, cause string, unrecoverable bool) (queue.Job, error)
}

// Resolver maps catalog entries to provider identities and remembers the
// episode total settled against the provider.
type Resolver interface {
	Resolve(ctx context.Context, entry scrape.CatalogEntry) (scrape.ProviderMapping, error)
	KnownEpisodeTotal(ctx context.Context, entry scrape.CatalogEntry) (int, error)
	RecordEpisodeTotal(ctx context.Context, externalID, catalogEpisodes, total int) error
}

// EmbedSource lists episodes and resolves their servers.
type EmbedSource interface {
	Episodes(ctx context.Context, mapping scrape.ProviderMapping) ([]provider.Episode, error)
	Fetch(ctx context.Context, episode provider.Episode, tracks []scrape.AudioTrack) (provider.EpisodeEmbeds, error)
}

// Checkpoints tracks per-episode task state and the run cursor.
type Checkpoints interface {
	Covered(ctx context.Context, externalID, total int) (bool, error)
	NextUnprocessedEpisodeFrom(ctx context.Context, externalID, from, total int) (int, bool, error)
	PendingTracks(ctx context.Context, externalID, episode int) ([]scrape.AudioTrack, error)
	MarkStarted(ctx context.Context, externalID, episode int, track scrape.AudioTrack) error
	MarkCompleted(ctx context.Context, externalID, episode int, track scrape.AudioTrack) (bool, error)
	MarkFailed(ctx context.Context, externalID, episode int, track scrape.AudioTrack, category, reason string) (bool, error)
	FailedTasks(ctx context.Context, externalID int) ([]scrape.EpisodeScrapeTask, error)
	AddProcessed(ctx context.Context, id int) error
}

// Embeds stores embed records.
type Embeds interface {
	Put(ctx context.Context, rec scrape.EmbedRecord) (string, error)
	Digest(ctx context.Context, externalID, episode int, track scrape.AudioTrack) (string, error)
}

// Progress records finished anime.
type Progress interface {
	MarkCompleted(ctx context.Context, id int) error
}

// Recovery handles failed jobs.
type Recovery interface {
	HandleFailure(ctx context.Context, job queue.Job, cause error) (recovery.Decision, error)
}

// Deps are a Worker's collaborators. Recovery may be nil, in which case
// failed jobs are parked for an explicit recover run.
type Deps struct {
	Queue       Queue
	Catalog     scrape.CatalogStore
	Resolver    Resolver
	Source      EmbedSource
	Checkpoints Checkpoints
	Embeds      Embeds
	Progress    Progress
	Recovery    Recovery
	Events      events.Emitter
	Clock       scrape.Clock
}

// Config tunes a Worker.
type Config struct {
	// LeaseTTL is the queue lease; it is renewed every third of it.
	LeaseTTL time.Duration
	// VerifySample is how many written records are read back per job.
	VerifySample int
	// ErrorBackoff is the pause after a failed dequeue.
	ErrorBackoff time.Duration
}

// Worker processes jobs one at a time.
type Worker struct {
	id     string
	deps   Deps
	cfg    Config
	logger *zap.Logger

	mu        sync.Mutex
	status    scrape.WorkerStatus
	processed int
	failed    int
	active    int
	current   int
	lastSeen  time.Time
	totalTime time.Duration
}

// New constructs a Worker.
func New(id string, deps Deps, cfg Config, logger *zap.Logger) *Worker {
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 5 * time.Minute
	}
	if cfg.VerifySample <= 0 {
		cfg.VerifySample = 3
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = time.Second
	}
	if deps.Events == nil {
		deps.Events = events.Discard
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Worker{
		id:     id,
		deps:   deps,
		cfg:    cfg,
		logger: logger.Named("worker").With(zap.String("worker_id", id)),
		status: scrape.WorkerIdle,
	}
	w.lastSeen = w.now()
	return w
}

// ID returns the worker id.
func (w *Worker) ID() string { return w.id }

func (w *Worker) now() time.Time {
	if w.deps.Clock != nil {
		return w.deps.Clock.Now().UTC()
	}
	return time.Now().UTC()
}

// Status reports the worker's heartbeat fields.
func (w *Worker) Status() scrape.WorkerHeartbeat {
	w.mu.Lock()
	defer w.mu.Unlock()
	hb := scrape.WorkerHeartbeat{
		WorkerID:     w.id,
		Status:       w.status,
		Processed:    w.processed,
		Failed:       w.failed,
		ActiveJobs:   w.active,
		CurrentAnime: w.current,
		LastActivity: w.lastSeen,
	}
	if done := w.processed + w.failed; done > 0 {
		hb.AvgProcessingTime = w.totalTime / time.Duration(done)
	}
	return hb
}

func (w *Worker) setStatus(s scrape.WorkerStatus) {
	w.mu.Lock()
	w.status = s
	w.lastSeen = w.now()
	w.mu.Unlock()
}

// Run dequeues and processes jobs until stop ends or the queue closes. The
// job in hand keeps running on work, so a cancelled stop lets the current
// episode finish; cancelling work aborts it.
func (w *Worker) Run(stop, work context.Context) error {
	defer w.setStatus(scrape.WorkerOffline)
	for {
		job, err := w.deps.Queue.Dequeue(stop, w.id)
		if err != nil {
			if stop.Err() != nil || errors.Is(err, queue.ErrQueueClosed) {
				return nil
			}
			w.logger.Error("dequeue failed", zap.Error(err))
			w.setStatus(scrape.WorkerError)
			select {
			case <-stop.Done():
				return nil
			case <-time.After(w.cfg.ErrorBackoff):
			}
			continue
		}
		w.Process(stop, work, job)
	}
}

type jobResult struct {
	episodes int
	skipped  bool
}

// Process runs one leased job to completion, hand-off to recovery, or
// release when stop fires between episodes.
func (w *Worker) Process(stop, work context.Context, job queue.Job) {
	id := job.Payload.ExternalID
	start := w.now()
	logger := w.logger.With(zap.Int("anime_id", id), zap.String("title", job.Payload.Title))

	w.mu.Lock()
	w.status, w.active, w.current, w.lastSeen = scrape.WorkerActive, 1, id, start
	w.mu.Unlock()
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	jobCtx, cancel := context.WithCancel(work)
	defer cancel()
	held := w.keepLease(jobCtx, cancel, job.ID, logger)

	w.deps.Events.Emit(events.Event{
		Kind: events.JobStarted, TS: start, WorkerID: w.id, AnimeID: id, Title: job.Payload.Title,
	})
	logger.Info("job started", zap.Int("retry_count", job.Payload.RetryCount), zap.Int("priority", job.Payload.Priority))

	res, err := w.scrape(stop, jobCtx, job, logger)
	cancel()
	<-held.done
	elapsed := w.now().Sub(start)

	switch {
	case held.lost.Load():
		// The job was redelivered; its new holder settles it.
		logger.Warn("lease lost, job left to its new holder", zap.NamedError("job_error", err))
		w.finish(elapsed, true)
	case errors.Is(err, errInterrupted):
		if rerr := w.deps.Queue.Release(work, job.ID, w.id); rerr != nil {
			logger.Warn("release job failed", zap.Error(rerr))
		}
		logger.Info("job released for a later run")
		w.finish(elapsed, false)
	case err == nil:
		w.complete(work, job, res, elapsed, logger)
	default:
		w.fail(work, job, err, elapsed, logger)
	}
}

func (w *Worker) finish(elapsed time.Duration, failed bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if failed {
		w.failed++
	} else {
		w.processed++
	}
	w.totalTime += elapsed
	w.status, w.active, w.current, w.lastSeen = scrape.WorkerIdle, 0, 0, w.now()
}

func (w *Worker) complete(ctx context.Context, job queue.Job, res jobResult, elapsed time.Duration, logger *zap.Logger) {
	id := job.Payload.ExternalID
	if err := w.deps.Queue.Complete(ctx, job.ID, w.id); errors.Is(err, queue.ErrLeaseLost) {
		logger.Warn("lease lost before completion, job left to its new holder")
		w.finish(elapsed, true)
		return
	} else if err != nil {
		logger.Error("complete job failed", zap.Error(err))
	}
	if err := w.deps.Progress.MarkCompleted(ctx, id); err != nil {
		logger.Error("update progress failed", zap.Error(err))
	}
	if err := w.deps.Checkpoints.AddProcessed(ctx, id); err != nil {
		logger.Warn("update cursor failed", zap.Error(err))
	}
	w.deps.Events.Emit(events.Event{
		Kind: events.JobCompleted, TS: w.now(), WorkerID: w.id, AnimeID: id, Title: job.Payload.Title,
		Episodes: res.episodes, Dur: elapsed,
	})
	logger.Info("job completed",
		zap.Int("episodes", res.episodes),
		zap.Bool("already_covered", res.skipped),
		zap.Duration("elapsed", elapsed))
	w.finish(elapsed, false)
}

func (w *Worker) fail(ctx context.Context, job queue.Job, err error, elapsed time.Duration, logger *zap.Logger) {
	id := job.Payload.ExternalID
	annotated := failure.Annotate(err, id, job.Payload.Title, job.Payload.RetryCount+1)
	w.deps.Events.Emit(events.Event{
		Kind: events.JobFailed, TS: w.now(), WorkerID: w.id, AnimeID: id, Title: job.Payload.Title,
		Category: string(annotated.Category), Message: annotated.Error(), Dur: elapsed,
	})
	logger.Warn("job failed", zap.String("category", string(annotated.Category)), zap.Error(annotated))

	if w.deps.Recovery == nil {
		_, err = w.deps.Queue.Fail(ctx, job.ID, w.id, string(annotated.Category), annotated.Error(), false)
	} else {
		_, err = w.deps.Recovery.HandleFailure(ctx, job, annotated)
	}
	switch {
	case errors.Is(err, queue.ErrLeaseLost):
		logger.Warn("lease lost before recovery, job left to its new holder")
	case err != nil:
		logger.Error("recovery failed", zap.Error(err))
	}
	w.finish(elapsed, true)
}

// lease tracks the background renewal of one job's queue lease.
type lease struct {
	done chan struct{}
	lost atomic.Bool
}

// keepLease renews the job lease until ctx ends; a lost lease cancels the job.
func (w *Worker) keepLease(ctx context.Context, cancel context.CancelFunc, jobID string, logger *zap.Logger) *lease {
	l := &lease{done: make(chan struct{})}
	go func() {
		defer close(l.done)
		ticker := time.NewTicker(w.cfg.LeaseTTL / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := w.deps.Queue.Renew(ctx, jobID, w.id)
				if errors.Is(err, queue.ErrLeaseLost) {
					logger.Warn("lease lost, abandoning job")
					l.lost.Store(true)
					cancel()
					return
				}
				if err != nil && ctx.Err() == nil {
					logger.Warn("lease renewal failed", zap.Error(err))
				}
			}
		}
	}()
	return l
}

type written struct {
	episode int
	track   scrape.AudioTrack
	digest  string
}

func (w *Worker) scrape(stop, ctx context.Context, job queue.Job, logger *zap.Logger) (jobResult, error) {
	id := job.Payload.ExternalID
	entry, err := w.deps.Catalog.Get(ctx, id)
	if errors.Is(err, failure.ErrNotFound) {
		return jobResult{}, failure.DoNotRetry(failure.New(failure.MissingResource, "load catalog entry", err))
	}
	if err != nil {
		return jobResult{}, fmt.Errorf("load catalog entry: %w", err)
	}

	total, err := w.deps.Resolver.KnownEpisodeTotal(ctx, entry)
	if err != nil {
		return jobResult{}, err
	}
	if total <= 0 {
		total = job.Payload.EpisodeCountHint
	}
	if total > 0 {
		covered, err := w.deps.Checkpoints.Covered(ctx, id, total)
		if err != nil {
			return jobResult{}, err
		}
		if covered {
			return jobResult{skipped: true}, nil
		}
	}

	mapping, err := w.deps.Resolver.Resolve(ctx, entry)
	if err != nil {
		return jobResult{}, err
	}
	listed, err := w.deps.Source.Episodes(ctx, mapping)
	if err != nil {
		return jobResult{}, err
	}
	if len(listed) == 0 {
		return jobResult{}, failure.New(failure.MissingResource, "list episodes",
			fmt.Errorf("provider %s lists no episodes: %w", mapping.ProviderID, failure.ErrNotFound))
	}
	byNumber := make(map[int]provider.Episode, len(listed))
	providerTotal := 0
	for _, ep := range listed {
		byNumber[ep.Number] = ep
		providerTotal = max(providerTotal, ep.Number)
	}
	total = EpisodeTotal(entry.Episodes, providerTotal)
	if err := w.deps.Resolver.RecordEpisodeTotal(ctx, id, entry.Episodes, total); err != nil {
		logger.Warn("record episode total failed", zap.Error(err))
	}

	var (
		saved   []written
		lastErr error
		episode int
	)
	for {
		if stop.Err() != nil {
			return jobResult{}, errInterrupted
		}
		next, ok, err := w.deps.Checkpoints.NextUnprocessedEpisodeFrom(ctx, id, episode+1, total)
		if err != nil {
			return jobResult{}, err
		}
		if !ok {
			break
		}
		episode = next
		out, err := w.scrapeEpisode(ctx, id, episode, byNumber)
		saved = append(saved, out...)
		if err == nil {
			continue
		}
		if failure.Classify(err) == failure.RateLimit || ctx.Err() != nil {
			return jobResult{}, err
		}
		logger.Debug("episode failed", zap.Int("episode", episode), zap.Error(err))
		lastErr = err
	}

	if err := w.verify(ctx, id, saved); err != nil {
		return jobResult{}, err
	}

	covered, err := w.deps.Checkpoints.Covered(ctx, id, total)
	if err != nil {
		return jobResult{}, err
	}
	if covered {
		return jobResult{episodes: total}, nil
	}
	if lastErr != nil {
		return jobResult{}, lastErr
	}
	return jobResult{}, w.recordedFailure(ctx, id)
}

// recordedFailure rebuilds an error from failed tasks left by earlier runs.
func (w *Worker) recordedFailure(ctx context.Context, id int) error {
	failed, err := w.deps.Checkpoints.FailedTasks(ctx, id)
	if err != nil {
		return err
	}
	if len(failed) == 0 {
		return failure.New(failure.Generic, "finish job", errors.New("episodes remain unprocessed"))
	}
	t := failed[0]
	return failure.New(failure.ParseCategory(t.Category), "finish job",
		fmt.Errorf("%d tasks failed, first episode %d %s: %s", len(failed), t.EpisodeNumber, t.AudioTrack, t.Reason))
}

// scrapeEpisode fetches the pending tracks of one episode. Tasks are left
// in progress when the provider rate limits, so a later run resumes them.
func (w *Worker) scrapeEpisode(ctx context.Context, id, number int, byNumber map[int]provider.Episode) ([]written, error) {
	cp := w.deps.Checkpoints
	tracks, err := cp.PendingTracks(ctx, id, number)
	if err != nil || len(tracks) == 0 {
		return nil, err
	}

	ep, ok := byNumber[number]
	if !ok {
		cause := failure.New(failure.MissingResource, "find episode",
			fmt.Errorf("episode %d: %w", number, provider.ErrEpisodeNotFound))
		return nil, w.failTracks(ctx, id, number, tracks, cause)
	}

	for _, track := range tracks {
		if err := cp.MarkStarted(ctx, id, number, track); err != nil {
			return nil, err
		}
	}
	found, err := w.deps.Source.Fetch(ctx, ep, tracks)
	if err != nil {
		if failure.Classify(err) == failure.RateLimit || ctx.Err() != nil {
			return nil, err
		}
		return nil, w.failTracks(ctx, id, number, tracks, err)
	}

	var (
		out     []written
		lastErr error
	)
	for _, track := range tracks {
		servers := found[track]
		if len(servers) == 0 {
			cause := failure.New(failure.Generic, "fetch embeds",
				fmt.Errorf("episode %d %s: no embed servers", number, track))
			lastErr = w.failTracks(ctx, id, number, []scrape.AudioTrack{track}, cause)
			continue
		}
		digest, err := w.deps.Embeds.Put(ctx, scrape.EmbedRecord{
			ExternalID:    id,
			EpisodeNumber: number,
			AudioTrack:    track,
			Servers:       servers,
			ScrapedAt:     w.now(),
		})
		if err != nil {
			lastErr = w.failTracks(ctx, id, number, []scrape.AudioTrack{track}, err)
			continue
		}
		if _, err := cp.MarkCompleted(ctx, id, number, track); err != nil {
			return out, err
		}
		out = append(out, written{episode: number, track: track, digest: digest})
		w.deps.Events.Emit(events.Event{
			Kind: events.EpisodeCompleted, TS: w.now(), WorkerID: w.id, AnimeID: id,
			Episode: number, Track: track, Servers: len(servers),
		})
	}
	return out, lastErr
}

func (w *Worker) failTracks(ctx context.Context, id, number int, tracks []scrape.AudioTrack, cause error) error {
	category := failure.Classify(cause)
	for _, track := range tracks {
		if _, err := w.deps.Checkpoints.MarkFailed(ctx, id, number, track, string(category), cause.Error()); err != nil {
			return err
		}
		w.deps.Events.Emit(events.Event{
			Kind: events.EpisodeFailed, TS: w.now(), WorkerID: w.id, AnimeID: id,
			Episode: number, Track: track, Category: string(category), Message: cause.Error(),
		})
	}
	return cause
}

// verify re-reads a spread sample of the records written by this job.
func (w *Worker) verify(ctx context.Context, id int, saved []written) error {
	for _, s := range sample(saved, w.cfg.VerifySample) {
		digest, err := w.deps.Embeds.Digest(ctx, id, s.episode, s.track)
		if err != nil {
			return failure.New(failure.Parse, "verify stored embeds",
				fmt.Errorf("episode %d %s: %w", s.episode, s.track, err))
		}
		if !sha256.Equal(digest, s.digest) {
			return failure.New(failure.Parse, "verify stored embeds",
				fmt.Errorf("episode %d %s: digest mismatch", s.episode, s.track))
		}
	}
	return nil
}

func sample(saved []written, n int) []written {
	if len(saved) <= n {
		return saved
	}
	if n == 1 {
		return saved[len(saved)-1:]
	}
	idx := map[int]bool{0: true, len(saved) - 1: true}
	step := float64(len(saved)-1) / float64(n-1)
	for i := 1; len(idx) < n && i < n-1; i++ {
		idx[int(float64(i)*step)] = true
	}
	keys := make([]int, 0, len(idx))
	for k := range idx {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	out := make([]written, 0, len(keys))
	for _, k := range keys {
		out = append(out, saved[k])
	}
	return out
}

// EpisodeTotal picks the number of episodes to scrape: the smaller of the
// catalog and provider counts when both are known, otherwise whichever is.
func EpisodeTotal(catalogCount, providerCount int) int {
	switch {
	case catalogCount > 0 && providerCount > 0:
		return min(catalogCount, providerCount)
	case catalogCount > 0:
		return catalogCount
	default:
		return max(providerCount, 0)
	}
}
