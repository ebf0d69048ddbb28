package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/anime-embed-crawler/internal/catalog"
	"github.com/JakeFAU/anime-embed-crawler/internal/config"
	"github.com/JakeFAU/anime-embed-crawler/internal/queue"
	"github.com/JakeFAU/anime-embed-crawler/internal/scrape"
)

type emptyCatalog struct{}

func (emptyCatalog) Get(context.Context, int) (scrape.CatalogEntry, error) {
	return scrape.CatalogEntry{}, catalog.ErrNotFound
}

func (emptyCatalog) Candidates(context.Context, scrape.Criteria) ([]scrape.CatalogEntry, error) {
	return nil, nil
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.KV.Badger.InMemory = true
	cfg.Report.Backend = config.ReportLocal
	cfg.Report.Dir = t.TempDir()
	cfg.Report.Prefix = "reports"
	cfg.Publisher.Backend = config.PublisherMemory
	cfg.Worker.HeartbeatInterval = 20 * time.Millisecond
	cfg.Worker.PollInterval = 10 * time.Millisecond
	cfg.Worker.DrainTimeout = time.Second
	cfg.Monitor.Interval = 50 * time.Millisecond
	return cfg
}

func build(t *testing.T, cfg config.Config, needs Needs) *App {
	t.Helper()
	app, err := Build(context.Background(), cfg, zap.NewNop(), needs)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, app.Close(context.Background())) })
	return app
}

func TestBuildRequiresConfiguredCollaborators(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	_, err := Build(context.Background(), cfg, zap.NewNop(), Needs{Catalog: true})
	require.ErrorIs(t, err, ErrNoCatalog)

	_, err = Build(context.Background(), cfg, zap.NewNop(), Needs{Provider: true})
	require.ErrorIs(t, err, ErrNoProvider)
}

func TestCrawlWithoutCatalogFails(t *testing.T) {
	t.Parallel()

	app := build(t, testConfig(t), Needs{})
	_, err := app.Crawl(context.Background(), CrawlOptions{Workers: 1})
	require.ErrorIs(t, err, ErrNoCatalog)
}

func TestCrawlDrainsEmptyCatalog(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Provider.BaseURL = "http://127.0.0.1:1"
	app := build(t, cfg, Needs{Provider: true, Events: true})
	app.Catalog = emptyCatalog{}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	out, err := app.Crawl(ctx, CrawlOptions{Workers: 2, Strategy: "popularity"})
	require.NoError(t, err)
	require.False(t, out.Partial())
	require.Zero(t, out.Discovery.Enqueued)
	require.Len(t, out.Workers, 2)
	require.NoError(t, ctx.Err())
}

func TestCrawlRejectsUnknownStrategy(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Provider.BaseURL = "http://127.0.0.1:1"
	app := build(t, cfg, Needs{Provider: true})
	app.Catalog = emptyCatalog{}

	_, err := app.Crawl(context.Background(), CrawlOptions{Workers: 1, Strategy: "random"})
	require.Error(t, err)
}

func TestReportArchivesToLocalStore(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	app := build(t, cfg, Needs{Reports: true})

	report, uri, err := app.Report(context.Background(), true)
	require.NoError(t, err)
	require.Contains(t, string(report), "Embed crawler report")
	require.NotEmpty(t, uri)

	var found []string
	require.NoError(t, filepath.WalkDir(cfg.Report.Dir, func(path string, d os.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			found = append(found, path)
		}
		return err
	}))
	require.Len(t, found, 1)
	require.True(t, strings.HasPrefix(filepath.Base(found[0]), "report-"))
}

func TestReportWithoutArchive(t *testing.T) {
	t.Parallel()

	app := build(t, testConfig(t), Needs{})
	report, uri, err := app.Report(context.Background(), false)
	require.NoError(t, err)
	require.NotEmpty(t, report)
	require.Empty(t, uri)

	_, _, err = app.Report(context.Background(), true)
	require.ErrorContains(t, err, "no report store")
}

func TestClearResetsQueueAndProgress(t *testing.T) {
	t.Parallel()

	app := build(t, testConfig(t), Needs{})
	ctx := context.Background()

	for id := 1; id <= 3; id++ {
		ok, err := app.Queue.Enqueue(ctx, scrape.ScrapeJob{ExternalID: id, Title: "t"}, queue.EnqueueOptions{})
		require.NoError(t, err)
		require.True(t, ok)
		_, err = app.Tracker.Register(ctx, id)
		require.NoError(t, err)
	}
	require.NoError(t, app.Checkpoints.MarkStarted(ctx, 1, 1, scrape.TrackOriginal))
	require.NoError(t, app.Checkpoints.Flush(ctx))

	res, err := app.Clear(ctx, true)
	require.NoError(t, err)
	require.GreaterOrEqual(t, res.QueueKeys, 3)
	require.Positive(t, res.Progress)
	require.Equal(t, 1, res.Checkpoints)

	stats, err := app.Queue.Stats(ctx)
	require.NoError(t, err)
	require.Zero(t, stats.Pending())

	snap, err := app.Tracker.Snapshot(ctx)
	require.NoError(t, err)
	require.Zero(t, snap.TotalAnime)
}

func TestAPIReadiness(t *testing.T) {
	t.Parallel()

	app := build(t, testConfig(t), Needs{})
	app.Catalog = emptyCatalog{}
	h := app.API().Handler()

	for _, path := range []string{"/readyz", "/v1/queue", "/v1/progress"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Server.Port = freePort(t)
	app := build(t, cfg, Needs{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Serve(ctx) }()

	url := fmt.Sprintf("http://127.0.0.1:%d/healthz", cfg.Server.Port)
	require.Eventually(t, func() bool {
		resp, err := http.Get(url) //nolint:noctx // test only
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop")
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}
