// Package events carries pipeline events (job and episode outcomes, alerts)
// from workers and the monitor to pluggable sinks. Emit never blocks the
// caller; a background goroutine batches events and fans them out.
package events

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/anime-embed-crawler/internal/scrape"
)

// Kind names the milestone an Event reports.
type Kind string

// Event kinds.
const (
	JobStarted       Kind = "job_started"
	JobCompleted     Kind = "job_completed"
	JobFailed        Kind = "job_failed"
	EpisodeCompleted Kind = "episode_completed"
	EpisodeFailed    Kind = "episode_failed"
	Alert            Kind = "alert"
)

// Event is one pipeline milestone.
type Event struct {
	Kind     Kind              `json:"kind"`
	TS       time.Time         `json:"ts"`
	WorkerID string            `json:"workerId,omitempty"`
	AnimeID  int               `json:"animeId,omitempty"`
	Title    string            `json:"title,omitempty"`
	Episode  int               `json:"episode,omitempty"`
	Track    scrape.AudioTrack `json:"track,omitempty"`
	// Servers is the number of embed servers stored for an episode.
	Servers  int    `json:"servers,omitempty"`
	Category string `json:"category,omitempty"`
	Message  string `json:"message,omitempty"`
	// Episodes is the number of completed episodes of a finished job.
	Episodes int           `json:"episodes,omitempty"`
	Dur      time.Duration `json:"durationNs,omitempty"`

	// Alert fields.
	AlertKind string  `json:"alertKind,omitempty"`
	Level     string  `json:"level,omitempty"`
	Value     float64 `json:"value,omitempty"`
	Threshold float64 `json:"threshold,omitempty"`
}

// Validate performs coarse checks before an event is buffered.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Kind {
	case JobStarted, JobCompleted, JobFailed:
		if e.AnimeID <= 0 {
			return fmt.Errorf("%s requires anime id", e.Kind)
		}
	case EpisodeCompleted, EpisodeFailed:
		if e.AnimeID <= 0 || e.Episode <= 0 {
			return fmt.Errorf("%s requires anime id and episode", e.Kind)
		}
		if !e.Track.Valid() {
			return fmt.Errorf("%s requires a track", e.Kind)
		}
	case Alert:
		if e.AlertKind == "" || e.Level == "" {
			return errors.New("alert requires kind and level")
		}
	default:
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
