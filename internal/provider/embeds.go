package provider

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/anime-embed-crawler/internal/failure"
	"github.com/JakeFAU/anime-embed-crawler/internal/scrape"
)

// EpisodeEmbeds holds the resolved servers per track. A requested track
// with no playable server maps to an empty slice.
type EpisodeEmbeds map[scrape.AudioTrack][]scrape.EmbedServer

// EmbedFetcherConfig bounds per-episode work.
type EmbedFetcherConfig struct {
	// MaxServers caps resolved servers per track; zero means all.
	MaxServers int
	// Parallelism bounds concurrent source lookups for one episode.
	Parallelism int
}

// EmbedFetcher resolves the streaming servers of an episode for both tracks.
type EmbedFetcher struct {
	client *Client
	cfg    EmbedFetcherConfig
	logger *zap.Logger
}

// NewEmbedFetcher builds an EmbedFetcher.
func NewEmbedFetcher(client *Client, cfg EmbedFetcherConfig, logger *zap.Logger) *EmbedFetcher {
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 2
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EmbedFetcher{client: client, cfg: cfg, logger: logger.Named("embeds")}
}

// Episodes lists the provider episodes for a mapping.
func (f *EmbedFetcher) Episodes(ctx context.Context, mapping scrape.ProviderMapping) ([]Episode, error) {
	return f.client.Episodes(ctx, mapping.ProviderID)
}

// Fetch resolves servers of episode for the requested tracks. A server whose
// source cannot be resolved is skipped; a rate-limit response aborts the
// whole episode so the caller can back off.
func (f *EmbedFetcher) Fetch(ctx context.Context, episode Episode, tracks []scrape.AudioTrack) (EpisodeEmbeds, error) {
	servers, err := f.client.Servers(ctx, episode.ID)
	if err != nil {
		return nil, err
	}

	wanted := make(map[scrape.AudioTrack]bool, len(tracks))
	out := make(EpisodeEmbeds, len(tracks))
	for _, t := range tracks {
		wanted[t] = true
		out[t] = []scrape.EmbedServer{}
	}

	var selected []Server
	perTrack := map[scrape.AudioTrack]int{}
	for _, s := range servers {
		if !wanted[s.Track] {
			continue
		}
		if f.cfg.MaxServers > 0 && perTrack[s.Track] >= f.cfg.MaxServers {
			continue
		}
		perTrack[s.Track]++
		selected = append(selected, s)
	}

	links := make([]string, len(selected))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.cfg.Parallelism)
	for i, s := range selected {
		g.Go(func() error {
			link, err := f.client.Source(gctx, s.ID)
			if err != nil {
				if failure.Classify(err) == failure.RateLimit || gctx.Err() != nil {
					return err
				}
				f.logger.Debug("skipping unresolvable server",
					zap.String("episode_id", episode.ID),
					zap.String("server", s.Name),
					zap.Error(err))
				return nil
			}
			mu.Lock()
			links[i] = link
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for i, s := range selected {
		if links[i] == "" {
			continue
		}
		out[s.Track] = append(out[s.Track], scrape.EmbedServer{
			ServerName:  s.Name,
			ServerID:    s.ID,
			EmbedLink:   links[i],
			ServerIndex: s.Index,
		})
	}
	return out, nil
}
