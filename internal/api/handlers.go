package api

import (
	"bytes"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/anime-embed-crawler/internal/monitor"
	"github.com/JakeFAU/anime-embed-crawler/internal/queue"
	"github.com/JakeFAU/anime-embed-crawler/internal/scrape"
)

type progressDTO struct {
	scrape.ProgressSnapshot
	ThroughputPerHour float64       `json:"throughputPerHour"`
	Health            monitor.Health `json:"health"`
}

type queueDTO struct {
	queue.Stats
	Pending      int     `json:"pending"`
	StalledJobs  int     `json:"stalledJobs"`
	FailureRatio float64 `json:"failureRatio"`
}

type unrecoverableDTO struct {
	ID        string    `json:"id"`
	AnimeID   int       `json:"animeId"`
	Title     string    `json:"title"`
	Retries   int       `json:"retries"`
	Category  string    `json:"category"`
	LastError string    `json:"lastError"`
	FailedAt  time.Time `json:"failedAt"`
}

func (s *Server) collect(w http.ResponseWriter, r *http.Request) (monitor.Snapshot, bool) {
	snap, err := s.snapshot.Collect(r.Context())
	if err != nil {
		s.logger.Error("collect snapshot failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to collect snapshot")
		return snap, false
	}
	return snap, true
}

func (s *Server) progress(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.collect(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, progressDTO{
		ProgressSnapshot:  snap.Progress,
		ThroughputPerHour: snap.Throughput,
		Health:            snap.Health,
	})
}

func (s *Server) queue(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.collect(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, queueDTO{
		Stats:        snap.Queue,
		Pending:      snap.Queue.Pending(),
		StalledJobs:  snap.StalledJobs,
		FailureRatio: snap.Health.FailureRatio,
	})
}

func (s *Server) workers(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.collect(w, r)
	if !ok {
		return
	}
	workers := snap.Workers
	if workers == nil {
		workers = []scrape.WorkerHeartbeat{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"workers": workers})
}

func (s *Server) unrecoverable(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.collect(w, r)
	if !ok {
		return
	}
	out := make([]unrecoverableDTO, 0, len(snap.Unrecoverable))
	for _, j := range snap.Unrecoverable {
		out = append(out, unrecoverableDTO{
			ID:        j.ID,
			AnimeID:   j.Payload.ExternalID,
			Title:     j.Payload.Title,
			Retries:   j.Payload.RetryCount,
			Category:  j.Category,
			LastError: j.LastError,
			FailedAt:  j.FailedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": out})
}

func (s *Server) report(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.collect(w, r)
	if !ok {
		return
	}
	var buf bytes.Buffer
	if err := monitor.WriteReport(&buf, snap); err != nil {
		s.logger.Error("render report failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to render report")
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) embed(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid anime id")
		return
	}
	episode, err := strconv.Atoi(chi.URLParam(r, "episode"))
	if err != nil || episode <= 0 {
		writeError(w, http.StatusBadRequest, "invalid episode")
		return
	}
	track := scrape.AudioTrack(chi.URLParam(r, "track"))
	if !track.Valid() {
		writeError(w, http.StatusBadRequest, "track must be original or dubbed")
		return
	}
	rec, err := s.embeds.Get(r.Context(), id, episode, track)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, rec)
	case s.opts.NotFound(err):
		writeError(w, http.StatusNotFound, "embed record not found")
	default:
		s.logger.Error("load embed record failed", zap.Error(err), zap.Int("anime_id", id))
		writeError(w, http.StatusInternalServerError, "failed to load embed record")
	}
}
