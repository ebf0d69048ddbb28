// Package checkpoint is the durable completion ledger. Each episode/track unit
// lives under task:{externalId}:{episode}:{track}; the discovery run cursor
// lives under checkpoint. All transitions are idempotent so that a job
// delivered twice never redoes completed work.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/anime-embed-crawler/internal/kv"
	"github.com/JakeFAU/anime-embed-crawler/internal/scrape"
)

// Store reads and writes task state and the run cursor.
type Store struct {
	kv     kv.Store
	policy CoveragePolicy
	now    func() time.Time
	logger *zap.Logger
}

// Option customises a Store.
type Option func(*Store)

// WithClock overrides the timestamp source.
func WithClock(c scrape.Clock) Option {
	return func(s *Store) { s.now = c.Now }
}

// WithCoveragePolicy sets the partial-coverage rule.
func WithCoveragePolicy(p CoveragePolicy) Option {
	return func(s *Store) { s.policy = p }
}

// New builds a Store over the shared KV store.
func New(store kv.Store, logger *zap.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{kv: store, now: time.Now, logger: logger.Named("checkpoint")}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TaskKey is the store key of one unit.
func TaskKey(externalID, episode int, track scrape.AudioTrack) string {
	return fmt.Sprintf("task:%d:%d:%s", externalID, episode, track)
}

func taskPrefix(externalID int) string {
	return fmt.Sprintf("task:%d:", externalID)
}

// Task returns the unit's state. Units never touched report pending.
func (s *Store) Task(ctx context.Context, externalID, episode int, track scrape.AudioTrack) (scrape.EpisodeScrapeTask, error) {
	task := scrape.EpisodeScrapeTask{ExternalID: externalID, EpisodeNumber: episode, AudioTrack: track, Status: scrape.TaskPending}
	raw, err := s.kv.Get(ctx, TaskKey(externalID, episode, track))
	if errors.Is(err, kv.ErrNotFound) {
		return task, nil
	}
	if err != nil {
		return task, fmt.Errorf("load task %d/%d/%s: %w", externalID, episode, track, err)
	}
	if err := json.Unmarshal(raw, &task); err != nil {
		return task, fmt.Errorf("decode task %d/%d/%s: %w", externalID, episode, track, err)
	}
	return task, nil
}

// Tasks lists every recorded unit of an anime ordered by episode then track.
func (s *Store) Tasks(ctx context.Context, externalID int) ([]scrape.EpisodeScrapeTask, error) {
	pairs, err := s.kv.Scan(ctx, taskPrefix(externalID), 0)
	if err != nil {
		return nil, fmt.Errorf("scan tasks %d: %w", externalID, err)
	}
	out := make([]scrape.EpisodeScrapeTask, 0, len(pairs))
	for _, p := range pairs {
		var task scrape.EpisodeScrapeTask
		if err := json.Unmarshal(p.Value, &task); err != nil {
			s.logger.Warn("skipping undecodable task", zap.String("key", p.Key), zap.Error(err))
			continue
		}
		out = append(out, task)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EpisodeNumber != out[j].EpisodeNumber {
			return out[i].EpisodeNumber < out[j].EpisodeNumber
		}
		return out[i].AudioTrack > out[j].AudioTrack
	})
	return out, nil
}

// PendingTracks returns the tracks of an episode that are neither completed nor failed.
func (s *Store) PendingTracks(ctx context.Context, externalID, episode int) ([]scrape.AudioTrack, error) {
	var pending []scrape.AudioTrack
	for _, track := range scrape.Tracks {
		task, err := s.Task(ctx, externalID, episode, track)
		if err != nil {
			return nil, err
		}
		if !task.Status.Terminal() {
			pending = append(pending, track)
		}
	}
	return pending, nil
}

// NextUnprocessedEpisode returns the first episode in 1..total with a track
// that is neither completed nor failed. Interrupted (in_progress) units count
// as unprocessed. ok is false when every episode is settled.
func (s *Store) NextUnprocessedEpisode(ctx context.Context, externalID, total int) (int, bool, error) {
	return s.NextUnprocessedEpisodeFrom(ctx, externalID, 1, total)
}

// NextUnprocessedEpisodeFrom is NextUnprocessedEpisode starting at episode from.
func (s *Store) NextUnprocessedEpisodeFrom(ctx context.Context, externalID, from, total int) (int, bool, error) {
	if from < 1 {
		from = 1
	}
	for ep := from; ep <= total; ep++ {
		if err := ctx.Err(); err != nil {
			return 0, false, err
		}
		pending, err := s.PendingTracks(ctx, externalID, ep)
		if err != nil {
			return 0, false, err
		}
		if len(pending) > 0 {
			return ep, true, nil
		}
	}
	return 0, false, nil
}

// MarkStarted records that a unit is being worked on. Completed units are left alone.
func (s *Store) MarkStarted(ctx context.Context, externalID, episode int, track scrape.AudioTrack) error {
	_, err := s.transition(ctx, externalID, episode, track, scrape.TaskInProgress, "", "")
	return err
}

// MarkCompleted records success. Re-marking a completed unit is a no-op and
// reports changed=false.
func (s *Store) MarkCompleted(ctx context.Context, externalID, episode int, track scrape.AudioTrack) (bool, error) {
	return s.transition(ctx, externalID, episode, track, scrape.TaskCompleted, "", "")
}

// MarkFailed records a categorized failure. A completed unit is never
// downgraded.
func (s *Store) MarkFailed(ctx context.Context, externalID, episode int, track scrape.AudioTrack, category, reason string) (bool, error) {
	return s.transition(ctx, externalID, episode, track, scrape.TaskFailed, category, reason)
}

func (s *Store) transition(
	ctx context.Context,
	externalID, episode int,
	track scrape.AudioTrack,
	to scrape.TaskStatus,
	category, reason string,
) (bool, error) {
	if !track.Valid() || episode < 1 {
		return false, fmt.Errorf("invalid task %d/%d/%s", externalID, episode, track)
	}
	key := TaskKey(externalID, episode, track)
	changed := false
	err := s.kv.Update(ctx, func(tx kv.Txn) error {
		var task scrape.EpisodeScrapeTask
		found, err := kv.TxGetJSON(tx, key, &task)
		if err != nil {
			return err
		}
		if found && task.Status == scrape.TaskCompleted {
			return nil
		}
		if found && task.Status == to && task.Category == category && task.Reason == reason {
			return nil
		}
		changed = !found || task.Status != to
		task = scrape.EpisodeScrapeTask{
			ExternalID:    externalID,
			EpisodeNumber: episode,
			AudioTrack:    track,
			Status:        to,
			Category:      category,
			Reason:        reason,
			LastUpdated:   s.now().UTC(),
		}
		return kv.TxPutJSON(tx, key, task, 0)
	})
	if err != nil {
		return false, fmt.Errorf("mark %s %d/%d/%s: %w", to, externalID, episode, track, err)
	}
	return changed, nil
}

// Summary counts an anime's units against its episode total.
type Summary struct {
	Total             int `json:"total"`
	Completed         int `json:"completed"`
	Failed            int `json:"failed"`
	InProgress        int `json:"inProgress"`
	Pending           int `json:"pending"`
	CompletedEpisodes int `json:"completedEpisodes"`
}

// Summarize reports unit counts for episodes 1..total.
func (s *Store) Summarize(ctx context.Context, externalID, total int) (Summary, error) {
	tasks, err := s.Tasks(ctx, externalID)
	if err != nil {
		return Summary{}, err
	}
	sum := Summary{Total: total * len(scrape.Tracks)}
	episodes := map[int]bool{}
	for _, task := range tasks {
		if task.EpisodeNumber > total {
			continue
		}
		switch task.Status {
		case scrape.TaskCompleted:
			sum.Completed++
			episodes[task.EpisodeNumber] = true
		case scrape.TaskFailed:
			sum.Failed++
		case scrape.TaskInProgress:
			sum.InProgress++
		}
	}
	sum.CompletedEpisodes = len(episodes)
	sum.Pending = sum.Total - sum.Completed - sum.Failed - sum.InProgress
	return sum, nil
}

// IsFullyComplete reports whether every episode/track in 1..total is completed.
func (s *Store) IsFullyComplete(ctx context.Context, externalID, total int) (bool, error) {
	if total <= 0 {
		return false, nil
	}
	sum, err := s.Summarize(ctx, externalID, total)
	if err != nil {
		return false, err
	}
	return sum.Completed == sum.Total, nil
}

// Covered reports whether the anime needs no further scraping: it is fully
// complete or the coverage policy accepts its partial coverage.
func (s *Store) Covered(ctx context.Context, externalID, total int) (bool, error) {
	if done, err := s.IsFullyComplete(ctx, externalID, total); err != nil || done {
		return done, err
	}
	if !s.policy.Enabled() {
		return false, nil
	}
	episodes, err := s.CompletedEpisodes(ctx, externalID)
	if err != nil {
		return false, err
	}
	return s.policy.Satisfied(len(episodes)), nil
}

// CompletedEpisodes lists episodes with at least one completed track.
func (s *Store) CompletedEpisodes(ctx context.Context, externalID int) ([]int, error) {
	tasks, err := s.Tasks(ctx, externalID)
	if err != nil {
		return nil, err
	}
	seen := map[int]bool{}
	var out []int
	for _, task := range tasks {
		if task.Status == scrape.TaskCompleted && !seen[task.EpisodeNumber] {
			seen[task.EpisodeNumber] = true
			out = append(out, task.EpisodeNumber)
		}
	}
	sort.Ints(out)
	return out, nil
}

// FailedTasks lists the failed units of an anime.
func (s *Store) FailedTasks(ctx context.Context, externalID int) ([]scrape.EpisodeScrapeTask, error) {
	tasks, err := s.Tasks(ctx, externalID)
	if err != nil {
		return nil, err
	}
	var out []scrape.EpisodeScrapeTask
	for _, task := range tasks {
		if task.Status == scrape.TaskFailed {
			out = append(out, task)
		}
	}
	return out, nil
}

// ResetFailed makes failed units eligible again. It is the explicit recovery
// action that NextUnprocessedEpisode requires before revisiting them.
func (s *Store) ResetFailed(ctx context.Context, externalID int) (int, error) {
	failed, err := s.FailedTasks(ctx, externalID)
	if err != nil {
		return 0, err
	}
	for _, task := range failed {
		if err := s.kv.Delete(ctx, TaskKey(task.ExternalID, task.EpisodeNumber, task.AudioTrack)); err != nil {
			return 0, fmt.Errorf("reset task %d/%d/%s: %w", task.ExternalID, task.EpisodeNumber, task.AudioTrack, err)
		}
	}
	if len(failed) > 0 {
		s.logger.Info("failed tasks reset", zap.Int("anime_id", externalID), zap.Int("count", len(failed)))
	}
	return len(failed), nil
}

// ClearAnime removes every unit of an anime, completed ones included.
func (s *Store) ClearAnime(ctx context.Context, externalID int) (int, error) {
	n, err := s.kv.DeletePrefix(ctx, taskPrefix(externalID))
	if err != nil {
		return n, fmt.Errorf("clear tasks %d: %w", externalID, err)
	}
	return n, nil
}

// ClearAll drops every task record.
func (s *Store) ClearAll(ctx context.Context) (int, error) {
	n, err := s.kv.DeletePrefix(ctx, "task:")
	if err != nil {
		return n, fmt.Errorf("clear tasks: %w", err)
	}
	return n, nil
}

// Flush forces checkpoint state to durable storage.
func (s *Store) Flush(ctx context.Context) error {
	if err := s.kv.Sync(ctx); err != nil {
		return fmt.Errorf("flush checkpoint: %w", err)
	}
	return nil
}
