package sinks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/anime-embed-crawler/internal/events"
	"github.com/JakeFAU/anime-embed-crawler/internal/scrape"
)

// Topics selects where each event kind is published. Empty topics are skipped.
type Topics struct {
	Completed string
	Alerts    string
}

// CompletedMessage is published when every episode/track of an anime is stored.
type CompletedMessage struct {
	AnimeID  int       `json:"animeId"`
	Title    string    `json:"title"`
	Episodes int       `json:"episodes"`
	At       time.Time `json:"at"`
}

// AlertMessage is published for every raised alert.
type AlertMessage struct {
	Kind      string    `json:"kind"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	At        time.Time `json:"at"`
}

// PublishSink forwards completions and alerts to a Publisher.
type PublishSink struct {
	pub    scrape.Publisher
	topics Topics
}

// NewPublishSink builds a PublishSink.
func NewPublishSink(pub scrape.Publisher, topics Topics) *PublishSink {
	return &PublishSink{pub: pub, topics: topics}
}

// Consume implements events.Sink. Every event is attempted; failures are joined.
func (s *PublishSink) Consume(ctx context.Context, batch []events.Event) error {
	if s == nil || s.pub == nil {
		return nil
	}
	var errs []error
	for _, evt := range batch {
		topic, payload := s.route(evt)
		if topic == "" {
			continue
		}
		if _, err := s.pub.Publish(ctx, topic, payload); err != nil {
			errs = append(errs, fmt.Errorf("publish %s: %w", evt.Kind, err))
		}
	}
	return errors.Join(errs...)
}

func (s *PublishSink) route(evt events.Event) (string, any) {
	switch evt.Kind {
	case events.JobCompleted:
		return s.topics.Completed, CompletedMessage{AnimeID: evt.AnimeID, Title: evt.Title, Episodes: evt.Episodes, At: evt.TS}
	case events.Alert:
		return s.topics.Alerts, AlertMessage{
			Kind: evt.AlertKind, Level: evt.Level, Message: evt.Message,
			Value: evt.Value, Threshold: evt.Threshold, At: evt.TS,
		}
	}
	return "", nil
}

// Close implements events.Sink.
func (s *PublishSink) Close(context.Context) error { return nil }
