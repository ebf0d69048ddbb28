package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/anime-embed-crawler/internal/events"
)

// LogSink writes one structured log line per event.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink builds a LogSink.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("events")}
}

// Consume implements events.Sink.
func (s *LogSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("kind", string(evt.Kind)),
			zap.Time("ts", evt.TS),
		}
		if evt.AnimeID > 0 {
			fields = append(fields, zap.Int("anime_id", evt.AnimeID))
		}
		if evt.WorkerID != "" {
			fields = append(fields, zap.String("worker_id", evt.WorkerID))
		}
		if evt.Episode > 0 {
			fields = append(fields, zap.Int("episode", evt.Episode), zap.String("track", string(evt.Track)))
		}
		if evt.Category != "" {
			fields = append(fields, zap.String("category", evt.Category))
		}
		if evt.Message != "" {
			fields = append(fields, zap.String("message", evt.Message))
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		switch evt.Kind {
		case events.Alert:
			fields = append(fields,
				zap.String("alert", evt.AlertKind),
				zap.String("level", evt.Level),
				zap.Float64("value", evt.Value),
				zap.Float64("threshold", evt.Threshold))
			s.logger.Warn("alert raised", fields...)
		case events.JobFailed, events.EpisodeFailed:
			s.logger.Info("pipeline failure", fields...)
		default:
			s.logger.Debug("pipeline event", fields...)
		}
	}
	return nil
}

// Close implements events.Sink.
func (s *LogSink) Close(context.Context) error { return nil }
