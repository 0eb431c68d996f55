// Package maillog records dispatch outcomes as structured log lines and
// Prometheus metrics.
package maillog

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/shineum/mailrelay/internal/dispatch"
	"github.com/shineum/mailrelay/internal/logger"
	"github.com/shineum/mailrelay/internal/metrics"
)

// Log writes one log line per dispatched message.
type Log struct {
	logger zerolog.Logger
}

// NewLog creates a Log listener.
func NewLog(logger zerolog.Logger) *Log {
	return &Log{logger: logger.With().Str("component", "maillog").Logger()}
}

// OnSent logs a delivered message at info level.
func (l *Log) OnSent(ctx context.Context, ev dispatch.Event) {
	log := logger.FromContext(ctx, l.logger)
	log.Info().
		Str("provider", ev.Provider).
		Strs("to", ev.To).
		Str("subject", ev.Subject).
		Int("attachments", ev.Attachments).
		Dur("duration", ev.Duration).
		Msg("email sent")
}

// OnFailed logs a failed message at error level, including the underlying cause.
func (l *Log) OnFailed(ctx context.Context, ev dispatch.Event) {
	log := logger.FromContext(ctx, l.logger)
	log.Error().
		Err(ev.Err).
		Str("provider", ev.Provider).
		Strs("to", ev.To).
		Str("subject", ev.Subject).
		Int("attachments", ev.Attachments).
		Dur("duration", ev.Duration).
		Str("result_message", ev.Message).
		Msg("email failed")
}

// Metrics counts dispatches and observes their duration.
type Metrics struct{}

// OnSent records a successful dispatch.
func (Metrics) OnSent(_ context.Context, ev dispatch.Event) {
	observe(ev, true)
}

// OnFailed records a failed dispatch.
func (Metrics) OnFailed(_ context.Context, ev dispatch.Event) {
	observe(ev, false)
}

func observe(ev dispatch.Event, ok bool) {
	metrics.DispatchTotal.WithLabelValues(ev.Provider, metrics.Result(ok)).Inc()
	metrics.DispatchDuration.WithLabelValues(ev.Provider).Observe(ev.Duration.Seconds())
}

var (
	_ dispatch.Listener = (*Log)(nil)
	_ dispatch.Listener = Metrics{}
)
