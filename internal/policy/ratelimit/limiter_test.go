package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeTime struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func (f *fakeTime) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeTime) Sleep(_ context.Context, d time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sleeps = append(f.sleeps, d)
	f.now = f.now.Add(d)
	return nil
}

func TestLimiterSpacesRequestsPerHost(t *testing.T) {
	t.Parallel()

	l := New(Config{MinInterval: 100 * time.Millisecond})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://provider.test/search"))
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://provider.test/ajax/v2/episode/list/1"))
	require.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)

	start = time.Now()
	require.NoError(t, l.Wait(ctx, "https://other.test/"))
	require.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestLimiterHonoursBlockUntil(t *testing.T) {
	t.Parallel()

	clock := &fakeTime{now: time.Unix(1700000000, 0)}
	l := New(Config{Now: clock.Now, Sleep: clock.Sleep})

	l.BlockUntil("https://provider.test/a", clock.Now().Add(10*time.Second))
	l.BlockUntil("https://provider.test/b", clock.Now().Add(2*time.Second))
	require.Equal(t, clock.Now().Add(10*time.Second), l.BlockedUntil("https://provider.test/"))

	require.NoError(t, l.Wait(context.Background(), "https://provider.test/c"))
	require.Equal(t, []time.Duration{10 * time.Second}, clock.sleeps)

	require.NoError(t, l.Wait(context.Background(), "https://provider.test/c"))
	require.Len(t, clock.sleeps, 1)
}

func TestLimiterWaitCanceled(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	l.BlockUntil("https://provider.test/", time.Now().Add(time.Hour))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, l.Wait(ctx, "https://provider.test/x"), context.Canceled)
}
