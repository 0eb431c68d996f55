// Package dispatch routes outbound mail to the active default provider and
// notifies listeners of every outcome.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/shineum/mailrelay/internal/email"
	"github.com/shineum/mailrelay/internal/logger"
	"github.com/shineum/mailrelay/internal/provider"
	"github.com/shineum/mailrelay/internal/store"
)

// htmlContentType is forced onto SES requests, whose bodies are always HTML.
const htmlContentType = "text/html; charset=UTF-8"

// SelectionSource returns the default provider selection.
type SelectionSource interface {
	DefaultProvider(ctx context.Context) (store.DefaultProvider, bool, error)
}

// SendError reports a failed send. Message is safe to show to callers.
type SendError struct {
	Provider string
	Message  string
	Err      error
}

func (e *SendError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("send via %s: %s", e.Provider, e.Message)
	}
	return fmt.Sprintf("send via %s: %s: %v", e.Provider, e.Message, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// Event describes one dispatched message. Bodies are never included.
type Event struct {
	Provider    string
	To          []string
	Subject     string
	Attachments int
	Duration    time.Duration
	Message     string
	Err         error
}

// Listener is notified after every send attempt, whichever provider handled it.
type Listener interface {
	OnSent(ctx context.Context, ev Event)
	OnFailed(ctx context.Context, ev Event)
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithListener adds a listener notified of every send.
func WithListener(l Listener) Option {
	return func(d *Dispatcher) { d.listeners = append(d.listeners, l) }
}

// WithClock overrides the clock used to time sends.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// Dispatcher sends each request through exactly one provider. It makes a
// single attempt per call.
type Dispatcher struct {
	selection SelectionSource
	providers *provider.Registry
	listeners []Listener
	now       func() time.Time
	logger    zerolog.Logger
}

// New creates a Dispatcher routing through providers according to selection.
func New(selection SelectionSource, providers *provider.Registry, logger zerolog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		selection: selection,
		providers: providers,
		now:       time.Now,
		logger:    logger.With().Str("component", "dispatcher").Logger(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Send delivers req through the default provider and returns nil on success
// or a *SendError. A missing, unreadable or unrecognized selection uses the
// native SMTP path so mail is never dropped for lack of configuration.
func (d *Dispatcher) Send(ctx context.Context, req email.SendRequest) error {
	key := d.route(ctx)
	res := d.SendVia(ctx, key, req)
	if res.Success {
		return nil
	}
	return &SendError{Provider: key, Message: res.Message, Err: res.Err}
}

// SendVia delivers req through the provider registered under key, bypassing
// the default selection, and notifies listeners of the outcome. SES bodies
// are always sent as HTML.
func (d *Dispatcher) SendVia(ctx context.Context, key string, req email.SendRequest) email.SendResult {
	log := logger.FromContext(ctx, d.logger)
	if key == store.ProviderSES {
		req = req.WithHeader("Content-Type", htmlContentType)
	}

	start := d.now()
	var res email.SendResult
	p, err := d.providers.Get(key)
	if err != nil {
		res = email.Failed("No mail provider is available", err)
	} else {
		res = p.Send(ctx, req)
	}

	ev := Event{
		Provider:    key,
		To:          req.To,
		Subject:     req.Subject,
		Attachments: len(req.Attachments),
		Duration:    d.now().Sub(start),
		Message:     res.Message,
		Err:         res.Err,
	}

	if res.Success {
		log.Debug().Str("provider", key).Dur("duration", ev.Duration).Msg("dispatch succeeded")
		for _, l := range d.listeners {
			l.OnSent(ctx, ev)
		}
		return res
	}

	log.Debug().Err(res.Err).Str("provider", key).Msg("dispatch failed")
	for _, l := range d.listeners {
		l.OnFailed(ctx, ev)
	}
	return res
}

// Route returns the provider key Send would use now.
func (d *Dispatcher) Route(ctx context.Context) string {
	return d.route(ctx)
}

func (d *Dispatcher) route(ctx context.Context) string {
	log := logger.FromContext(ctx, d.logger)
	sel, ok, err := d.selection.DefaultProvider(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("reading default provider failed, using smtp")
		return store.ProviderSMTP
	}
	if !ok || sel.Provider == "" {
		return store.ProviderSMTP
	}
	if _, err := d.providers.Get(sel.Provider); err != nil {
		log.Warn().Str("provider", sel.Provider).Msg("unrecognized default provider, using smtp")
		return store.ProviderSMTP
	}
	return sel.Provider
}
