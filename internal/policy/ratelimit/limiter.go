// Package ratelimit spaces provider requests per host and honours
// provider-imposed pauses (429 Retry-After, exhausted quotas).
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/anime-embed-crawler/internal/metrics"
)

// Config holds limiter configuration.
type Config struct {
	// MinInterval is the fixed spacing between requests to one host.
	MinInterval time.Duration
	Burst       int
	// Now and Sleep are replaced in tests.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// Limiter manages per-host spacing and pauses.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	blocked  map[string]time.Time
	limit    rate.Limit
	burst    int
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

// New creates a Limiter.
func New(cfg Config) *Limiter {
	limit := rate.Inf
	if cfg.MinInterval > 0 {
		limit = rate.Every(cfg.MinInterval)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	l := &Limiter{
		limiters: make(map[string]*rate.Limiter),
		blocked:  make(map[string]time.Time),
		limit:    limit,
		burst:    burst,
		now:      cfg.Now,
		sleep:    cfg.Sleep,
	}
	if l.now == nil {
		l.now = time.Now
	}
	if l.sleep == nil {
		l.sleep = Sleep
	}
	return l
}

// Wait blocks until the host of rawURL may be contacted again.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	host := hostOf(rawURL)
	start := l.now()

	l.mu.Lock()
	limiter, ok := l.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.limiters[host] = limiter
	}
	until := l.blocked[host]
	l.mu.Unlock()

	if pause := until.Sub(start); pause > 0 {
		if err := l.sleep(ctx, pause); err != nil {
			return fmt.Errorf("rate limit pause: %w", err)
		}
	}
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := l.now().Sub(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(host, waited)
	}
	return nil
}

// BlockUntil pauses every request to the host of rawURL until t. An earlier
// deadline never shortens an existing pause.
func (l *Limiter) BlockUntil(rawURL string, t time.Time) {
	host := hostOf(rawURL)
	l.mu.Lock()
	defer l.mu.Unlock()
	if t.After(l.blocked[host]) {
		l.blocked[host] = t
	}
}

// BlockedUntil reports the current pause deadline for the host of rawURL.
func (l *Limiter) BlockedUntil(rawURL string) time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.blocked[hostOf(rawURL)]
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return u.Hostname()
}
