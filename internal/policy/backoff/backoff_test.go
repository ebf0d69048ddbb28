package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestExponentialDelay(t *testing.T) {
	t.Parallel()

	p := Exponential{Base: time.Second, Max: 30 * time.Second}
	cases := map[int]time.Duration{
		-1: time.Second,
		0:  time.Second,
		1:  2 * time.Second,
		3:  8 * time.Second,
		4:  16 * time.Second,
		5:  30 * time.Second,
		12: 30 * time.Second,
	}
	for attempt, want := range cases {
		require.Equal(t, want, p.Delay(attempt), "attempt %d", attempt)
	}
}

func TestExponentialJitterStaysInRange(t *testing.T) {
	t.Parallel()

	p := Exponential{Base: 250 * time.Millisecond, Max: 5 * time.Second, Jitter: true}
	for attempt := 0; attempt < 8; attempt++ {
		full := Exponential{Base: p.Base, Max: p.Max}.Delay(attempt)
		got := p.Delay(attempt)
		require.GreaterOrEqual(t, got, full/2)
		require.Less(t, got, full)
	}
}

func TestLinear(t *testing.T) {
	t.Parallel()

	require.Equal(t, 10*time.Second, Linear(10*time.Second, 0))
	require.Equal(t, 10*time.Second, Linear(10*time.Second, 1))
	require.Equal(t, 20*time.Second, Linear(10*time.Second, 2))
}
