// Package mapping resolves catalog entries to provider identities and caches
// the result in the shared store under mapping:{externalId}.
package mapping

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/anime-embed-crawler/internal/failure"
	"github.com/JakeFAU/anime-embed-crawler/internal/kv"
	"github.com/JakeFAU/anime-embed-crawler/internal/provider"
	"github.com/JakeFAU/anime-embed-crawler/internal/scrape"
)

// DefaultThreshold is the minimum accepted similarity.
const DefaultThreshold = 0.3

// ErrNoMatch is wrapped when no candidate clears the threshold.
var ErrNoMatch = failure.ErrMappingNotFound

// Searcher issues provider title searches.
type Searcher interface {
	Search(ctx context.Context, query string) ([]provider.SearchResult, error)
}

// Config tunes resolution.
type Config struct {
	Threshold float64
	// MaxQueries bounds how many title variants are searched.
	MaxQueries int
	// Similarity overrides the scoring function (tests).
	Similarity func(a, b string) float64
}

// Resolver implements the provider mapping lookup.
type Resolver struct {
	store    kv.Store
	searcher Searcher
	cfg      Config
	now      func() time.Time
	logger   *zap.Logger
}

// NewResolver builds a Resolver.
func NewResolver(store kv.Store, searcher Searcher, cfg Config, clock scrape.Clock, logger *zap.Logger) *Resolver {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.MaxQueries <= 0 {
		cfg.MaxQueries = 2
	}
	if cfg.Similarity == nil {
		cfg.Similarity = Similarity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	now := time.Now
	if clock != nil {
		now = clock.Now
	}
	return &Resolver{store: store, searcher: searcher, cfg: cfg, now: now, logger: logger.Named("mapping")}
}

// Key is the store key of a mapping.
func Key(externalID int) string {
	return fmt.Sprintf("mapping:%d", externalID)
}

// Get returns the cached mapping, reporting false when none exists.
func (r *Resolver) Get(ctx context.Context, externalID int) (scrape.ProviderMapping, bool, error) {
	var m scrape.ProviderMapping
	err := kv.GetJSON(ctx, r.store, Key(externalID), &m)
	if errors.Is(err, kv.ErrNotFound) {
		return scrape.ProviderMapping{}, false, nil
	}
	if err != nil {
		return scrape.ProviderMapping{}, false, fmt.Errorf("load mapping %d: %w", externalID, err)
	}
	return m, true, nil
}

// Resolve returns the cached mapping or generates and persists a new one.
// Nothing is persisted when no candidate clears the threshold.
func (r *Resolver) Resolve(ctx context.Context, entry scrape.CatalogEntry) (scrape.ProviderMapping, error) {
	if m, ok, err := r.Get(ctx, entry.ExternalID); err != nil || ok {
		return m, err
	}

	queries := titleQueries(entry.Titles, r.cfg.MaxQueries)
	if len(queries) == 0 {
		return scrape.ProviderMapping{}, failure.DoNotRetry(
			failure.New(failure.InvalidData, "resolve mapping", fmt.Errorf("anime %d has no title: %w", entry.ExternalID, failure.ErrInvalidData)))
	}

	var (
		best      provider.SearchResult
		bestScore float64
		bestQuery string
	)
	for _, q := range queries {
		results, err := r.searcher.Search(ctx, q)
		if err != nil {
			return scrape.ProviderMapping{}, fmt.Errorf("search %q: %w", q, err)
		}
		for _, res := range results {
			if res.ProviderID == "" {
				continue
			}
			if score := r.cfg.Similarity(q, res.Title); score > bestScore {
				best, bestScore, bestQuery = res, score, q
			}
		}
		if bestScore > r.cfg.Threshold {
			break
		}
	}

	if bestScore <= r.cfg.Threshold {
		r.logger.Info("no confident provider match",
			zap.Int("anime_id", entry.ExternalID),
			zap.Strings("queries", queries),
			zap.Float64("best_score", bestScore))
		return scrape.ProviderMapping{}, failure.New(failure.Mapping, "resolve mapping",
			fmt.Errorf("best similarity %.2f for %q: %w", bestScore, queries[0], ErrNoMatch))
	}

	m := scrape.ProviderMapping{
		ExternalID:   entry.ExternalID,
		ProviderSlug: best.Slug,
		ProviderID:   best.ProviderID,
		MatchedTitle: best.Title,
		Similarity:   bestScore,
		ResolvedAt:   r.now().UTC(),
	}
	if err := kv.PutJSON(ctx, r.store, Key(entry.ExternalID), m, 0); err != nil {
		return scrape.ProviderMapping{}, fmt.Errorf("persist mapping %d: %w", entry.ExternalID, err)
	}
	r.logger.Info("provider mapping resolved",
		zap.Int("anime_id", entry.ExternalID),
		zap.String("query", bestQuery),
		zap.String("slug", m.ProviderSlug),
		zap.Float64("score", bestScore))
	return m, nil
}

// RecordEpisodeTotal stores the episode total settled for the anime on its
// cached mapping. Nothing is written when no mapping exists.
func (r *Resolver) RecordEpisodeTotal(ctx context.Context, externalID, catalogEpisodes, total int) error {
	err := r.store.Update(ctx, func(tx kv.Txn) error {
		var m scrape.ProviderMapping
		found, err := kv.TxGetJSON(tx, Key(externalID), &m)
		if err != nil || !found {
			return err
		}
		if m.EpisodeTotal == total && m.CatalogEpisodes == catalogEpisodes {
			return nil
		}
		m.EpisodeTotal, m.CatalogEpisodes = total, catalogEpisodes
		return kv.TxPutJSON(tx, Key(externalID), m, 0)
	})
	if err != nil {
		return fmt.Errorf("record episode total %d: %w", externalID, err)
	}
	return nil
}

// KnownEpisodeTotal returns the total coverage is measured against. A total
// recorded for a finished anime wins while the catalog count is unchanged;
// airing anime always use the catalog count since new episodes may appear.
func (r *Resolver) KnownEpisodeTotal(ctx context.Context, entry scrape.CatalogEntry) (int, error) {
	if entry.Airing() {
		return entry.Episodes, nil
	}
	m, ok, err := r.Get(ctx, entry.ExternalID)
	if err != nil {
		return 0, err
	}
	if ok && m.EpisodeTotal > 0 && m.CatalogEpisodes == entry.Episodes {
		return m.EpisodeTotal, nil
	}
	return entry.Episodes, nil
}

// Invalidate deletes the cached mapping so the next attempt regenerates it.
func (r *Resolver) Invalidate(ctx context.Context, externalID int) error {
	if err := r.store.Delete(ctx, Key(externalID)); err != nil {
		return fmt.Errorf("invalidate mapping %d: %w", externalID, err)
	}
	return nil
}

func titleQueries(t scrape.Titles, limit int) []string {
	seen := map[string]bool{}
	var out []string
	for _, candidate := range []string{t.Preferred(), t.Romaji, t.English} {
		c := strings.TrimSpace(candidate)
		key := strings.ToLower(c)
		if c == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, c)
		if len(out) == limit {
			break
		}
	}
	return out
}
