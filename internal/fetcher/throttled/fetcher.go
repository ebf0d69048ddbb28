// Package throttled wraps a provider fetcher with request spacing, bounded
// retries, exponential backoff and rate-limit header handling.
package throttled

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/anime-embed-crawler/internal/failure"
	"github.com/JakeFAU/anime-embed-crawler/internal/policy/backoff"
	"github.com/JakeFAU/anime-embed-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/anime-embed-crawler/internal/scrape"
)

// Config bounds retries and per-request time.
type Config struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries     int
	Backoff        backoff.Exponential
	RequestTimeout time.Duration
}

// Fetcher implements scrape.Fetcher.
type Fetcher struct {
	next    scrape.Fetcher
	limiter *ratelimit.Limiter
	cfg     Config
	logger  *zap.Logger
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

// Option customizes a Fetcher.
type Option func(*Fetcher)

// WithClock replaces the time source and sleeper (tests).
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(f *Fetcher) {
		f.now = now
		f.sleep = sleep
	}
}

// New wraps next.
func New(next scrape.Fetcher, limiter *ratelimit.Limiter, cfg Config, logger *zap.Logger, opts ...Option) *Fetcher {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 20 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Fetcher{
		next:    next,
		limiter: limiter,
		cfg:     cfg,
		logger:  logger.Named("fetcher"),
		now:     time.Now,
		sleep:   ratelimit.Sleep,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch performs request, retrying 429, 5xx and transport failures.
func (f *Fetcher) Fetch(ctx context.Context, request scrape.FetchRequest) (scrape.FetchResponse, error) {
	op := "fetch " + request.Endpoint
	var lastErr error
	for attempt := 0; attempt <= f.cfg.MaxRetries; attempt++ {
		if err := f.limiter.Wait(ctx, request.URL); err != nil {
			return scrape.FetchResponse{}, err
		}
		resp, err := f.once(ctx, request)
		if err != nil {
			if ctx.Err() != nil {
				return scrape.FetchResponse{}, fmt.Errorf("%s: %w", op, ctx.Err())
			}
			lastErr = failure.New(failure.Network, op, err)
			if err := f.pause(ctx, attempt, lastErr); err != nil {
				return scrape.FetchResponse{}, err
			}
			continue
		}
		f.observeQuota(request.URL, resp.Headers)

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			wait := f.cfg.Backoff.Delay(attempt)
			if advertised := retryAfter(resp.Headers, f.now()); advertised > wait {
				wait = advertised
			}
			f.limiter.BlockUntil(request.URL, f.now().Add(wait))
			f.logger.Warn("provider rate limited",
				zap.String("endpoint", request.Endpoint),
				zap.Int("attempt", attempt+1),
				zap.Duration("wait", wait))
			lastErr = &failure.Error{
				Category:   failure.RateLimit,
				Op:         op,
				RetryAfter: wait,
				Err:        fmt.Errorf("status 429: %w", failure.ErrRateLimited),
			}
		case resp.StatusCode == http.StatusNotFound:
			return resp, failure.New(failure.MissingResource, op, fmt.Errorf("status 404: %w", failure.ErrNotFound))
		case resp.StatusCode >= http.StatusInternalServerError:
			lastErr = failure.New(failure.Network, op, fmt.Errorf("provider status %d", resp.StatusCode))
			if err := f.pause(ctx, attempt, lastErr); err != nil {
				return scrape.FetchResponse{}, err
			}
		case resp.StatusCode >= http.StatusBadRequest:
			return resp, failure.New(failure.Generic, op, fmt.Errorf("provider status %d", resp.StatusCode))
		default:
			return resp, nil
		}
	}
	return scrape.FetchResponse{}, fmt.Errorf("%s: gave up after %d attempts: %w", op, f.cfg.MaxRetries+1, lastErr)
}

func (f *Fetcher) once(ctx context.Context, request scrape.FetchRequest) (scrape.FetchResponse, error) {
	callCtx, cancel := context.WithTimeout(ctx, f.cfg.RequestTimeout)
	defer cancel()
	resp, err := f.next.Fetch(callCtx, request)
	if err != nil {
		return scrape.FetchResponse{}, err
	}
	return resp, nil
}

func (f *Fetcher) pause(ctx context.Context, attempt int, cause error) error {
	if attempt >= f.cfg.MaxRetries {
		return nil
	}
	wait := f.cfg.Backoff.Delay(attempt)
	f.logger.Debug("retrying provider request", zap.Int("attempt", attempt+1), zap.Duration("wait", wait), zap.Error(cause))
	if err := f.sleep(ctx, wait); err != nil {
		return fmt.Errorf("backoff: %w", errors.Join(err, cause))
	}
	return nil
}

// observeQuota pauses the host when the provider reports an exhausted quota.
func (f *Fetcher) observeQuota(rawURL string, headers http.Header) {
	if headers == nil || strings.TrimSpace(headers.Get("X-RateLimit-Remaining")) != "0" {
		return
	}
	if reset := resetAt(headers, f.now()); !reset.IsZero() {
		f.limiter.BlockUntil(rawURL, reset)
	}
}

// retryAfter reads Retry-After (seconds or HTTP date), falling back to X-RateLimit-Reset.
func retryAfter(headers http.Header, now time.Time) time.Duration {
	if headers == nil {
		return 0
	}
	if raw := strings.TrimSpace(headers.Get("Retry-After")); raw != "" {
		if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
		if at, err := http.ParseTime(raw); err == nil && at.After(now) {
			return at.Sub(now)
		}
	}
	if reset := resetAt(headers, now); reset.After(now) {
		return reset.Sub(now)
	}
	return 0
}

// resetAt interprets X-RateLimit-Reset as epoch seconds or as a delta in seconds.
func resetAt(headers http.Header, now time.Time) time.Time {
	raw := strings.TrimSpace(headers.Get("X-RateLimit-Reset"))
	if raw == "" {
		return time.Time{}
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		return time.Time{}
	}
	if n > 1_000_000_000 {
		return time.Unix(n, 0)
	}
	return now.Add(time.Duration(n) * time.Second)
}
