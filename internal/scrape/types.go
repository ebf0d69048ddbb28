// Package scrape defines the domain types shared across the embed pipeline.
package scrape

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

// AudioTrack identifies the audio variant of an episode.
type AudioTrack string

// Supported audio tracks.
const (
	TrackOriginal AudioTrack = "original"
	TrackDubbed   AudioTrack = "dubbed"
)

// Tracks lists every track a complete anime carries, in processing order.
var Tracks = []AudioTrack{TrackOriginal, TrackDubbed}

// Valid reports whether t is a known track.
func (t AudioTrack) Valid() bool {
	return t == TrackOriginal || t == TrackDubbed
}

// AiringStatus mirrors the catalog's release status values.
type AiringStatus string

// Catalog airing statuses.
const (
	StatusReleasing      AiringStatus = "RELEASING"
	StatusFinished       AiringStatus = "FINISHED"
	StatusNotYetReleased AiringStatus = "NOT_YET_RELEASED"
	StatusCancelled      AiringStatus = "CANCELLED"
	StatusHiatus         AiringStatus = "HIATUS"
)

// Titles holds the title variants the catalog knows about.
type Titles struct {
	English  string   `json:"english,omitempty"`
	Romaji   string   `json:"romaji,omitempty"`
	Native   string   `json:"native,omitempty"`
	Synonyms []string `json:"synonyms,omitempty"`
}

// Preferred returns the first non-empty title in preference order.
func (t Titles) Preferred() string {
	for _, candidate := range append([]string{t.English, t.Romaji}, t.Synonyms...) {
		if s := strings.TrimSpace(candidate); s != "" {
			return s
		}
	}
	return strings.TrimSpace(t.Native)
}

// CatalogEntry is a read-only row of the external catalog.
type CatalogEntry struct {
	ID           string       `json:"id"`
	ExternalID   int          `json:"externalId"`
	Titles       Titles       `json:"titles"`
	Episodes     int          `json:"episodes"`
	Popularity   int          `json:"popularity"`
	AverageScore int          `json:"averageScore"`
	Status       AiringStatus `json:"status"`
}

// Airing reports whether the entry is currently releasing.
func (e CatalogEntry) Airing() bool {
	return e.Status == StatusReleasing
}

// ProviderMapping links a catalog entry to its provider identity.
type ProviderMapping struct {
	ExternalID   int       `json:"externalId"`
	ProviderSlug string    `json:"providerSlug"`
	ProviderID   string    `json:"providerId,omitempty"`
	MatchedTitle string    `json:"matchedTitle,omitempty"`
	Similarity   float64   `json:"similarity,omitempty"`
	ResolvedAt   time.Time `json:"resolvedAt"`
	// EpisodeTotal is the count settled against the provider listing when
	// the catalog reported CatalogEpisodes.
	EpisodeTotal    int `json:"episodeTotal,omitempty"`
	CatalogEpisodes int `json:"catalogEpisodes,omitempty"`
}

// TaskStatus is the checkpoint state of one episode/track unit.
type TaskStatus string

// Task states.
const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// Terminal reports whether the status ends processing for the unit.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// EpisodeScrapeTask is the atomic unit of checkpointed progress.
type EpisodeScrapeTask struct {
	ExternalID    int        `json:"externalId"`
	EpisodeNumber int        `json:"episodeNumber"`
	AudioTrack    AudioTrack `json:"audioTrack"`
	Status        TaskStatus `json:"status"`
	Category      string     `json:"category,omitempty"`
	Reason        string     `json:"reason,omitempty"`
	LastUpdated   time.Time  `json:"lastUpdated"`
}

// EmbedServer is one playable server for an episode/track.
type EmbedServer struct {
	ServerName  string `json:"serverName" validate:"required"`
	ServerID    string `json:"serverId" validate:"required"`
	EmbedLink   string `json:"embedLink" validate:"required,url"`
	ServerIndex int    `json:"serverIndex" validate:"gte=0"`
}

// EmbedRecord is the artifact consumed by the read path.
type EmbedRecord struct {
	ExternalID    int           `json:"externalId" validate:"gt=0"`
	EpisodeNumber int           `json:"episodeNumber" validate:"gt=0"`
	AudioTrack    AudioTrack    `json:"audioTrack" validate:"oneof=original dubbed"`
	Servers       []EmbedServer `json:"servers" validate:"min=1,dive"`
	ScrapedAt     time.Time     `json:"scrapedAt"`
}

// ScrapeJob is the queue payload for one anime.
type ScrapeJob struct {
	ExternalID       int    `json:"externalId" validate:"gt=0"`
	Title            string `json:"title"`
	EpisodeCountHint int    `json:"episodeCountHint" validate:"gte=0"`
	Priority         int    `json:"priority"`
	RetryCount       int    `json:"retryCount" validate:"gte=0"`
}

// Key is the stable dedup key of the job.
func (j ScrapeJob) Key() string {
	return JobKey(j.ExternalID)
}

// JobKey derives the dedup key for an external id.
func JobKey(externalID int) string {
	return fmt.Sprintf("anime-%d", externalID)
}

// ProgressSnapshot is the global run progress record.
type ProgressSnapshot struct {
	TotalAnime          int        `json:"totalAnime"`
	Completed           int        `json:"completed"`
	Failed              int        `json:"failed"`
	Pending             int        `json:"pending"`
	StartTime           time.Time  `json:"startTime"`
	SuccessRate         float64    `json:"successRate"`
	EstimatedCompletion *time.Time `json:"estimatedCompletion,omitempty"`
	Version             int64      `json:"version"`
	UpdatedAt           time.Time  `json:"updatedAt"`
}

// WorkerStatus is the lifecycle state advertised in heartbeats.
type WorkerStatus string

// Worker heartbeat states.
const (
	WorkerIdle    WorkerStatus = "idle"
	WorkerActive  WorkerStatus = "active"
	WorkerError   WorkerStatus = "error"
	WorkerOffline WorkerStatus = "offline"
)

// WorkerHeartbeat is the ephemeral liveness record of one worker.
type WorkerHeartbeat struct {
	WorkerID          string        `json:"workerId"`
	Status            WorkerStatus  `json:"status"`
	Processed         int           `json:"processed"`
	Failed            int           `json:"failed"`
	ActiveJobs        int           `json:"activeJobs"`
	CurrentAnime      int           `json:"currentAnime,omitempty"`
	LastActivity      time.Time     `json:"lastActivity"`
	BeatAt            time.Time     `json:"beatAt"`
	AvgProcessingTime time.Duration `json:"avgProcessingTime"`
	Host              string        `json:"host,omitempty"`
}

// FetchRequest captures an outbound provider request.
type FetchRequest struct {
	URL      string
	Endpoint string
	Headers  http.Header
}

// FetchResponse carries the raw provider response.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}
