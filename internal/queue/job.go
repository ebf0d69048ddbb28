package queue

import (
	"time"

	"github.com/JakeFAU/anime-embed-crawler/internal/scrape"
)

// State is the lifecycle position of a queued job.
type State string

// Job states.
const (
	StateWaiting State = "waiting"
	StateDelayed State = "delayed"
	StateActive  State = "active"
	StateFailed  State = "failed"
)

// InFlight reports whether the state blocks a duplicate enqueue.
func (s State) InFlight() bool {
	return s == StateWaiting || s == StateDelayed || s == StateActive
}

// Job is the persisted queue record, stored under queue:job:{id}.
type Job struct {
	ID         string           `json:"id"`
	Payload    scrape.ScrapeJob `json:"payload"`
	State      State            `json:"state"`
	Deliveries int              `json:"deliveries"`
	Stalls     int              `json:"stalls,omitempty"`
	EnqueuedAt time.Time        `json:"enqueuedAt"`
	RunAt      time.Time        `json:"runAt"`
	StartedAt  time.Time        `json:"startedAt,omitzero"`
	LockedBy   string           `json:"lockedBy,omitempty"`
	LockedTill time.Time        `json:"lockedUntil,omitzero"`
	LastError  string           `json:"lastError,omitempty"`
	Category   string           `json:"category,omitempty"`
	// Unrecoverable failed jobs have exhausted their recovery strategy.
	Unrecoverable bool      `json:"unrecoverable,omitempty"`
	FailedAt      time.Time `json:"failedAt,omitzero"`
	// IndexKey is the ready/delayed/active/failed index entry for the job.
	IndexKey string `json:"indexKey"`
}

// Stats counts jobs per state.
type Stats struct {
	Waiting       int  `json:"waiting"`
	Delayed       int  `json:"delayed"`
	Active        int  `json:"active"`
	Failed        int  `json:"failed"`
	Unrecoverable int  `json:"unrecoverable"`
	Completed     int  `json:"completed"`
	Paused        bool `json:"paused"`
}

// Pending is the number of jobs that still have to run.
func (s Stats) Pending() int {
	return s.Waiting + s.Delayed + s.Active
}
