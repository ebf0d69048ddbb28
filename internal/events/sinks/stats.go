package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/anime-embed-crawler/internal/events"
	"github.com/JakeFAU/anime-embed-crawler/internal/progress"
)

// StatsApplier persists counter deltas.
type StatsApplier interface {
	Apply(ctx context.Context, d progress.Delta) error
}

// StatsSink collapses a batch into one Delta so the stats record is written
// once per flush instead of once per event.
type StatsSink struct {
	stats  StatsApplier
	logger *zap.Logger
}

// NewStatsSink builds a StatsSink.
func NewStatsSink(stats StatsApplier, logger *zap.Logger) *StatsSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StatsSink{stats: stats, logger: logger}
}

// Consume implements events.Sink.
func (s *StatsSink) Consume(ctx context.Context, batch []events.Event) error {
	if s == nil || s.stats == nil {
		return nil
	}
	return s.stats.Apply(ctx, Collapse(batch))
}

// Collapse sums the counters carried by batch.
func Collapse(batch []events.Event) progress.Delta {
	d := progress.Delta{Errors: map[string]int{}}
	for _, evt := range batch {
		switch evt.Kind {
		case events.EpisodeCompleted:
			d.EpisodesCompleted++
			d.EmbedServers += evt.Servers
		case events.EpisodeFailed:
			d.EpisodesFailed++
			if evt.Category != "" {
				d.Errors[evt.Category]++
			}
		case events.JobCompleted:
			d.JobsCompleted++
		case events.JobFailed:
			d.JobsFailed++
			if evt.Category != "" {
				d.Errors[evt.Category]++
			}
		}
	}
	return d
}

// Close implements events.Sink.
func (s *StatsSink) Close(context.Context) error { return nil }
