// Package backoff computes retry delays.
package backoff

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"
)

// Exponential grows Base by 2^attempt up to Max.
type Exponential struct {
	Base time.Duration
	Max  time.Duration
	// Jitter spreads the delay over [d/2, d) so synchronized retries drift apart.
	Jitter bool
}

// Delay returns the wait before retry number attempt (zero-based).
func (p Exponential) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(p.Base) * math.Pow(2, float64(attempt))
	if p.Max > 0 && delay > float64(p.Max) {
		delay = float64(p.Max)
	}
	if !p.Jitter {
		return time.Duration(delay)
	}
	half := time.Duration(delay / 2)
	return half + randomJitter(half)
}

// Linear returns step × attempt, with attempt counted from one.
func Linear(step time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return step * time.Duration(attempt)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
