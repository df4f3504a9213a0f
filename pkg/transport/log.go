package transport

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/harun/autotrack/pkg/tracker"
)

// Log writes each hit to a logger instead of sending it.
type Log struct {
	logger zerolog.Logger
}

// NewLog creates a Log transport.
func NewLog(logger zerolog.Logger) *Log {
	return &Log{logger: logger.With().Str("component", "transport.log").Logger()}
}

func (l *Log) Send(_ context.Context, h tracker.Hit) error {
	l.logger.Info().
		Str("tracking_id", h.TrackingID).
		Str("hit_type", h.HitType).
		Str("transport", h.TransportMethod).
		Time("hit_time", h.Time).
		Str("payload", h.Payload).
		Msg("Hit")
	return nil
}

// Discard drops every hit.
type Discard struct{}

func (Discard) Send(context.Context, tracker.Hit) error { return nil }

var (
	_ tracker.Transport = (*Log)(nil)
	_ tracker.Transport = Discard{}
)
