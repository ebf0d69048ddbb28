// Package provider talks to the streaming provider: title search, episode
// listing, per-episode server listing and per-server source resolution.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/anime-embed-crawler/internal/scrape"
)

// ErrEpisodeNotFound is returned when the provider lists no such episode number.
var ErrEpisodeNotFound = errors.New("episode not listed by provider")

// Endpoint labels used for metrics and logs.
const (
	EndpointSearch   = "search"
	EndpointEpisodes = "episode_list"
	EndpointServers  = "episode_servers"
	EndpointSources  = "episode_sources"
)

// SearchResult is one candidate returned by a title search.
type SearchResult struct {
	Title      string
	Slug       string
	ProviderID string
}

// Episode is one entry of the provider's episode list.
type Episode struct {
	Number int
	ID     string
	Title  string
}

// Server is one streaming server listed for an episode.
type Server struct {
	Name  string
	ID    string
	Track scrape.AudioTrack
	Index int
}

// Client issues provider requests through a (rate-limited) fetcher.
type Client struct {
	fetcher scrape.Fetcher
	base    *url.URL
	logger  *zap.Logger
}

// NewClient builds a Client rooted at baseURL.
func NewClient(fetcher scrape.Fetcher, baseURL string, logger *zap.Logger) (*Client, error) {
	if fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid provider base url %q", baseURL)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{fetcher: fetcher, base: base, logger: logger.Named("provider")}, nil
}

// Search looks up titles matching query.
func (c *Client) Search(ctx context.Context, query string) ([]SearchResult, error) {
	q := url.Values{"keyword": {query}}
	resp, err := c.get(ctx, EndpointSearch, "/search?"+q.Encode(), false)
	if err != nil {
		return nil, err
	}
	return parseSearch(resp.Body)
}

// Episodes lists the episodes of a provider title.
func (c *Client) Episodes(ctx context.Context, providerID string) ([]Episode, error) {
	resp, err := c.get(ctx, EndpointEpisodes, "/ajax/v2/episode/list/"+url.PathEscape(providerID), true)
	if err != nil {
		return nil, err
	}
	fragment, err := ajaxHTML(resp.Body, EndpointEpisodes)
	if err != nil {
		return nil, err
	}
	return parseEpisodes(fragment)
}

// Servers lists the streaming servers of one episode.
func (c *Client) Servers(ctx context.Context, episodeID string) ([]Server, error) {
	q := url.Values{"episodeId": {episodeID}}
	resp, err := c.get(ctx, EndpointServers, "/ajax/v2/episode/servers?"+q.Encode(), true)
	if err != nil {
		return nil, err
	}
	fragment, err := ajaxHTML(resp.Body, EndpointServers)
	if err != nil {
		return nil, err
	}
	return parseServers(fragment)
}

// Source resolves the embed link of one server.
func (c *Client) Source(ctx context.Context, serverID string) (string, error) {
	q := url.Values{"id": {serverID}}
	resp, err := c.get(ctx, EndpointSources, "/ajax/v2/episode/sources?"+q.Encode(), true)
	if err != nil {
		return "", err
	}
	return parseSource(resp.Body)
}

// FindEpisode returns the episode with the given number.
func FindEpisode(episodes []Episode, number int) (Episode, error) {
	for _, ep := range episodes {
		if ep.Number == number {
			return ep, nil
		}
	}
	return Episode{}, fmt.Errorf("episode %d: %w", number, ErrEpisodeNotFound)
}

func (c *Client) get(ctx context.Context, endpoint, pathAndQuery string, ajax bool) (scrape.FetchResponse, error) {
	ref, err := url.Parse(pathAndQuery)
	if err != nil {
		return scrape.FetchResponse{}, fmt.Errorf("build %s url: %w", endpoint, err)
	}
	target := c.base.ResolveReference(ref)
	headers := http.Header{"Referer": {c.base.String() + "/"}}
	if ajax {
		headers.Set("X-Requested-With", "XMLHttpRequest")
		headers.Set("Accept", "application/json, text/javascript, */*; q=0.01")
	}
	resp, err := c.fetcher.Fetch(ctx, scrape.FetchRequest{URL: target.String(), Endpoint: endpoint, Headers: headers})
	if err != nil {
		return scrape.FetchResponse{}, fmt.Errorf("provider %s: %w", endpoint, err)
	}
	c.logger.Debug("provider response",
		zap.String("endpoint", endpoint),
		zap.Int("status", resp.StatusCode),
		zap.Int("bytes", len(resp.Body)),
		zap.Duration("duration", resp.Duration))
	return resp, nil
}
