package sinks

import (
	"context"

	"github.com/JakeFAU/anime-embed-crawler/internal/events"
	"github.com/JakeFAU/anime-embed-crawler/internal/metrics"
)

// MetricsSink turns events into Prometheus counters.
type MetricsSink struct{}

// NewMetricsSink builds a MetricsSink.
func NewMetricsSink() *MetricsSink {
	metrics.Init()
	return &MetricsSink{}
}

// Consume implements events.Sink.
func (MetricsSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		switch evt.Kind {
		case events.JobCompleted:
			metrics.ObserveJob("completed")
		case events.JobFailed:
			metrics.ObserveJob("failed")
		case events.EpisodeCompleted:
			metrics.ObserveEpisode(string(evt.Track), "completed")
		case events.EpisodeFailed:
			metrics.ObserveEpisode(string(evt.Track), "failed")
		case events.Alert:
			metrics.ObserveAlert(evt.AlertKind, evt.Level)
		}
	}
	return nil
}

// Close implements events.Sink.
func (MetricsSink) Close(context.Context) error { return nil }
