// Package notify publishes stream lifecycle events to an external sink so
// operators can watch generation activity without scraping gateway logs.
package notify

import (
	"context"
	"log/slog"
	"time"
)

// Kind labels a stream lifecycle transition.
type Kind string

const (
	KindStarted  Kind = "started"
	KindUpdated  Kind = "updated"
	KindFinished Kind = "finished"
	KindFailed   Kind = "failed"
)

// Event describes one stream lifecycle transition.
type Event struct {
	Kind     Kind      `json:"kind"`
	Account  string    `json:"account"`
	StreamID string    `json:"stream_id"`
	MsgID    string    `json:"msg_id,omitempty"`
	Error    string    `json:"error,omitempty"`
	At       time.Time `json:"at"`
}

// Sink receives stream lifecycle events. Implementations must be safe for
// concurrent use; delivery is best effort and errors are logged, never
// surfaced to the messaging platform.
type Sink interface {
	StreamEvent(ctx context.Context, ev Event) error
}

// LogSink writes events to structured logs. It is the default sink when no
// broker is configured.
type LogSink struct {
	Logger *slog.Logger
}

// StreamEvent implements Sink.
func (s *LogSink) StreamEvent(_ context.Context, ev Event) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{
		"kind", string(ev.Kind),
		"account", ev.Account,
		"stream_id", ev.StreamID,
	}
	if ev.MsgID != "" {
		attrs = append(attrs, "msg_id", ev.MsgID)
	}
	if ev.Error != "" {
		attrs = append(attrs, "error", ev.Error)
	}
	logger.Info("stream event", attrs...)
	return nil
}
