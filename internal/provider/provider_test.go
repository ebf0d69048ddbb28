package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	collyfetcher "github.com/JakeFAU/anime-embed-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/anime-embed-crawler/internal/failure"
	"github.com/JakeFAU/anime-embed-crawler/internal/scrape"
)

const searchHTML = `<html><body><div class="film_list-wrap">
<div class="flw-item"><div class="film-poster"><a href="/watch/frieren-beyond-journeys-end-18542" data-id="18542"></a></div>
<div class="film-detail"><h3 class="film-name"><a href="/frieren-beyond-journeys-end-18542?ref=search" title="Frieren: Beyond Journey's End">Frieren</a></h3></div></div>
<div class="flw-item"><div class="film-detail"><h3 class="film-name"><a href="/frieren-mini-anime-19001">Frieren Mini Anime</a></h3></div></div>
<div class="flw-item"><div class="film-detail"><h3 class="film-name"><span>no link</span></h3></div></div>
</div></body></html>`

func envelope(t *testing.T, fields map[string]any) string {
	t.Helper()
	raw, err := json.Marshal(fields)
	require.NoError(t, err)
	return string(raw)
}

func TestParseSearch(t *testing.T) {
	t.Parallel()

	results, err := parseSearch([]byte(searchHTML))
	require.NoError(t, err)
	require.Equal(t, []SearchResult{
		{Title: "Frieren: Beyond Journey's End", Slug: "frieren-beyond-journeys-end-18542", ProviderID: "18542"},
		{Title: "Frieren Mini Anime", Slug: "frieren-mini-anime-19001", ProviderID: "19001"},
	}, results)
}

func TestParseEpisodesRejectsBrokenItems(t *testing.T) {
	t.Parallel()

	eps, err := parseEpisodes(`<div><a class="ep-item" data-number="1" data-id="101" title="The Journey's End"></a><a class="ep-item" data-number="2" data-id="102"></a></div>`)
	require.NoError(t, err)
	require.Equal(t, []Episode{{Number: 1, ID: "101", Title: "The Journey's End"}, {Number: 2, ID: "102"}}, eps)

	_, err = parseEpisodes(`<a class="ep-item" data-number="x" data-id="1"></a>`)
	require.Error(t, err)
	require.Equal(t, failure.Parse, failure.Classify(err))
}

func TestParseServersGroupsTracks(t *testing.T) {
	t.Parallel()

	servers, err := parseServers(`
<div class="server-item" data-type="sub" data-id="s1"><a>HD-1</a></div>
<div class="server-item" data-type="raw" data-id="r1"><a>HD-1</a></div>
<div class="server-item" data-type="dub" data-id="d1"><a>HD-1</a></div>
<div class="server-item" data-type="sub" data-id="s2"><a> Vidstreaming </a></div>
<div class="server-item" data-type="sub"><a>broken</a></div>`)
	require.NoError(t, err)
	require.Equal(t, []Server{
		{Name: "hd-1", ID: "s1", Track: scrape.TrackOriginal, Index: 0},
		{Name: "hd-1", ID: "d1", Track: scrape.TrackDubbed, Index: 0},
		{Name: "vidstreaming", ID: "s2", Track: scrape.TrackOriginal, Index: 1},
	}, servers)
}

func TestAjaxEnvelopeErrors(t *testing.T) {
	t.Parallel()

	_, err := ajaxHTML([]byte("<html>blocked</html>"), EndpointServers)
	require.Equal(t, failure.Parse, failure.Classify(err))

	_, err = ajaxHTML([]byte(`{"status":false,"html":""}`), EndpointServers)
	require.Equal(t, failure.Parse, failure.Classify(err))

	_, err = parseSource([]byte(`{"type":"iframe"}`))
	require.Equal(t, failure.Parse, failure.Classify(err))
}

func newProviderServer(t *testing.T, sourceCalls *atomic.Int32) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/search", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "frieren", r.URL.Query().Get("keyword"))
		_, _ = w.Write([]byte(searchHTML))
	})
	mux.HandleFunc("/ajax/v2/episode/list/18542", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "XMLHttpRequest", r.Header.Get("X-Requested-With"))
		_, _ = w.Write([]byte(envelope(t, map[string]any{"status": true, "html": `<a class="ep-item" data-number="1" data-id="101"></a><a class="ep-item" data-number="5" data-id="105"></a>`})))
	})
	mux.HandleFunc("/ajax/v2/episode/servers", func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("episodeId") {
		case "101":
			_, _ = w.Write([]byte(envelope(t, map[string]any{"status": true, "html": `
<div class="server-item" data-type="sub" data-id="s1">HD-1</div>
<div class="server-item" data-type="sub" data-id="s2">HD-2</div>
<div class="server-item" data-type="sub" data-id="s3">HD-3</div>
<div class="server-item" data-type="dub" data-id="d1">HD-1</div>
<div class="server-item" data-type="dub" data-id="broken">HD-2</div>`})))
		default:
			_, _ = w.Write([]byte(envelope(t, map[string]any{"status": true, "html": ""})))
		}
	})
	mux.HandleFunc("/ajax/v2/episode/sources", func(w http.ResponseWriter, r *http.Request) {
		sourceCalls.Add(1)
		id := r.URL.Query().Get("id")
		if id == "broken" {
			_, _ = w.Write([]byte(`{"type":"iframe"}`))
			return
		}
		_, _ = w.Write([]byte(envelope(t, map[string]any{"type": "iframe", "link": fmt.Sprintf("https://embed.test/e/%s", id)})))
	})
	return httptest.NewServer(mux)
}

func TestClientAndEmbedFetcherEndToEnd(t *testing.T) {
	t.Parallel()

	var sourceCalls atomic.Int32
	srv := newProviderServer(t, &sourceCalls)
	defer srv.Close()

	client, err := NewClient(collyfetcher.New(collyfetcher.Config{Timeout: 2 * time.Second}), srv.URL, zap.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	results, err := client.Search(ctx, "frieren")
	require.NoError(t, err)
	require.Len(t, results, 2)

	fetcher := NewEmbedFetcher(client, EmbedFetcherConfig{MaxServers: 2}, zap.NewNop())
	episodes, err := fetcher.Episodes(ctx, scrape.ProviderMapping{ProviderID: "18542"})
	require.NoError(t, err)
	require.Len(t, episodes, 2)

	ep1, err := FindEpisode(episodes, 1)
	require.NoError(t, err)
	embeds, err := fetcher.Fetch(ctx, ep1, scrape.Tracks)
	require.NoError(t, err)
	require.Equal(t, []scrape.EmbedServer{
		{ServerName: "hd-1", ServerID: "s1", EmbedLink: "https://embed.test/e/s1", ServerIndex: 0},
		{ServerName: "hd-2", ServerID: "s2", EmbedLink: "https://embed.test/e/s2", ServerIndex: 1},
	}, embeds[scrape.TrackOriginal])
	require.Equal(t, []scrape.EmbedServer{
		{ServerName: "hd-1", ServerID: "d1", EmbedLink: "https://embed.test/e/d1", ServerIndex: 0},
	}, embeds[scrape.TrackDubbed])
	require.EqualValues(t, 4, sourceCalls.Load())

	ep5, err := FindEpisode(episodes, 5)
	require.NoError(t, err)
	embeds, err = fetcher.Fetch(ctx, ep5, scrape.Tracks)
	require.NoError(t, err)
	require.Empty(t, embeds[scrape.TrackOriginal])
	require.Empty(t, embeds[scrape.TrackDubbed])

	_, err = FindEpisode(episodes, 3)
	require.ErrorIs(t, err, ErrEpisodeNotFound)
}

type rateLimitedSources struct {
	scrape.Fetcher
}

func (r rateLimitedSources) Fetch(ctx context.Context, req scrape.FetchRequest) (scrape.FetchResponse, error) {
	if strings.Contains(req.URL, "/sources") {
		return scrape.FetchResponse{}, failure.New(failure.RateLimit, "fetch sources", failure.ErrRateLimited)
	}
	return r.Fetcher.Fetch(ctx, req)
}

func TestEmbedFetcherAbortsOnRateLimit(t *testing.T) {
	t.Parallel()

	var sourceCalls atomic.Int32
	srv := newProviderServer(t, &sourceCalls)
	defer srv.Close()

	client, err := NewClient(rateLimitedSources{collyfetcher.New(collyfetcher.Config{Timeout: 2 * time.Second})}, srv.URL, nil)
	require.NoError(t, err)
	_, err = NewEmbedFetcher(client, EmbedFetcherConfig{}, nil).Fetch(context.Background(), Episode{Number: 1, ID: "101"}, scrape.Tracks)
	require.Error(t, err)
	require.Equal(t, failure.RateLimit, failure.Classify(err))
}

func TestNewClientValidatesBaseURL(t *testing.T) {
	t.Parallel()

	_, err := NewClient(collyfetcher.New(collyfetcher.Config{}), "not a url", nil)
	require.Error(t, err)
	_, err = NewClient(nil, "https://provider.test", nil)
	require.Error(t, err)
}
