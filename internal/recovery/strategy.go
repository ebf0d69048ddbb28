package recovery

import (
	"fmt"
	"time"

	"github.com/JakeFAU/anime-embed-crawler/internal/failure"
	"github.com/JakeFAU/anime-embed-crawler/internal/policy/backoff"
)

// Action is what recovery does with a failed job.
type Action string

// Actions.
const (
	ActionRetry   Action = "retry"
	ActionAbandon Action = "abandon"
)

// Config holds the per-category knobs. Zero fields take defaults.
type Config struct {
	RateLimitBase    time.Duration
	RateLimitMax     time.Duration
	RateLimitPenalty int

	MappingDelay   time.Duration
	MappingPenalty int

	NetworkBase       time.Duration
	NetworkMax        time.Duration
	NetworkMaxRetries int

	ParseDelay      time.Duration
	ParseMaxRetries int

	MissingDelay      time.Duration
	MissingMaxRetries int

	GenericStep       time.Duration
	GenericMaxRetries int

	// GlobalMaxRetries caps retries of any job regardless of category.
	GlobalMaxRetries int
}

// DefaultConfig returns the stock strategy table.
func DefaultConfig() Config {
	return Config{
		RateLimitBase:     30 * time.Second,
		RateLimitMax:      10 * time.Minute,
		RateLimitPenalty:  10,
		MappingDelay:      30 * time.Second,
		MappingPenalty:    5,
		NetworkBase:       time.Second,
		NetworkMax:        30 * time.Second,
		NetworkMaxRetries: 5,
		ParseDelay:        5 * time.Second,
		ParseMaxRetries:   1,
		MissingDelay:      30 * time.Second,
		MissingMaxRetries: 1,
		GenericStep:       10 * time.Second,
		GenericMaxRetries: 2,
		GlobalMaxRetries:  5,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	setDur := func(v *time.Duration, def time.Duration) {
		if *v <= 0 {
			*v = def
		}
	}
	setInt := func(v *int, def int) {
		if *v <= 0 {
			*v = def
		}
	}
	setDur(&c.RateLimitBase, d.RateLimitBase)
	setDur(&c.RateLimitMax, d.RateLimitMax)
	setInt(&c.RateLimitPenalty, d.RateLimitPenalty)
	setDur(&c.MappingDelay, d.MappingDelay)
	setInt(&c.MappingPenalty, d.MappingPenalty)
	setDur(&c.NetworkBase, d.NetworkBase)
	setDur(&c.NetworkMax, d.NetworkMax)
	setInt(&c.NetworkMaxRetries, d.NetworkMaxRetries)
	setDur(&c.ParseDelay, d.ParseDelay)
	setInt(&c.ParseMaxRetries, d.ParseMaxRetries)
	setDur(&c.MissingDelay, d.MissingDelay)
	setInt(&c.MissingMaxRetries, d.MissingMaxRetries)
	setDur(&c.GenericStep, d.GenericStep)
	setInt(&c.GenericMaxRetries, d.GenericMaxRetries)
	setInt(&c.GlobalMaxRetries, d.GlobalMaxRetries)
	return c
}

// Decision is the outcome of planning recovery for one failure.
type Decision struct {
	Category failure.Category `json:"category"`
	Action   Action           `json:"action"`
	Delay    time.Duration    `json:"delay"`
	Priority int              `json:"priority"`
	Reason   string           `json:"reason"`
	// InvalidateMapping drops the cached provider mapping before retrying.
	InvalidateMapping bool `json:"invalidateMapping,omitempty"`
	// ClearEmbeds drops stored embeds and task state before retrying.
	ClearEmbeds bool `json:"clearEmbeds,omitempty"`
}

// Retry reports whether the job goes back to the queue.
func (d Decision) Retry() bool { return d.Action == ActionRetry }

// Input describes the failure being planned.
type Input struct {
	Category failure.Category
	// Retries is how many times the job has already been retried.
	Retries    int
	Priority   int
	Terminal   bool
	RetryAfter time.Duration
	// Exists reports whether the catalog still has the anime. Only
	// consulted for missing resources.
	Exists bool
}

// Plan maps a failure onto its strategy. It has no side effects.
func Plan(cfg Config, in Input) Decision {
	cfg = cfg.withDefaults()
	d := Decision{Category: in.Category, Action: ActionAbandon, Priority: in.Priority}
	if in.Terminal {
		d.Reason = "marked do-not-retry"
		return d
	}
	if in.Retries >= cfg.GlobalMaxRetries {
		d.Reason = fmt.Sprintf("retry ceiling %d reached", cfg.GlobalMaxRetries)
		return d
	}
	n := in.Retries
	retry := func(delay time.Duration, reason string) Decision {
		d.Action = ActionRetry
		d.Delay = delay
		d.Reason = reason
		return d
	}
	exhausted := func(limit int) Decision {
		d.Reason = fmt.Sprintf("%s retries exhausted after %d", in.Category, limit)
		return d
	}

	switch in.Category {
	case failure.RateLimit:
		delay := backoff.Exponential{Base: cfg.RateLimitBase, Max: cfg.RateLimitMax}.Delay(n)
		delay = max(delay, in.RetryAfter)
		d.Priority = in.Priority - cfg.RateLimitPenalty
		return retry(delay, "rate limited, backing off")
	case failure.Mapping:
		d.Priority = in.Priority - cfg.MappingPenalty
		d.InvalidateMapping = true
		return retry(cfg.MappingDelay, "regenerating provider mapping")
	case failure.Network:
		if n >= cfg.NetworkMaxRetries {
			return exhausted(cfg.NetworkMaxRetries)
		}
		delay := backoff.Exponential{Base: cfg.NetworkBase, Max: cfg.NetworkMax}.Delay(n)
		return retry(delay, "transient network failure")
	case failure.Parse:
		if n >= cfg.ParseMaxRetries {
			return exhausted(cfg.ParseMaxRetries)
		}
		d.ClearEmbeds = true
		return retry(cfg.ParseDelay, "clearing cached embeds after parse failure")
	case failure.MissingResource:
		if !in.Exists {
			d.Reason = "anime no longer in catalog"
			return d
		}
		if n >= cfg.MissingMaxRetries {
			return exhausted(cfg.MissingMaxRetries)
		}
		return retry(cfg.MissingDelay, "catalog entry present, retrying once")
	case failure.InvalidData:
		d.Reason = "catalog record is invalid"
		return d
	default:
		d.Category = failure.Generic
		if n >= cfg.GenericMaxRetries {
			return exhausted(cfg.GenericMaxRetries)
		}
		return retry(backoff.Linear(cfg.GenericStep, n+1), "generic failure")
	}
}
