// Package native delivers mail directly over SMTP using the stored "smtp"
// provider settings. It is the dispatcher's path when no other provider is
// selected.
package native

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/shineum/mailrelay/internal/email"
	"github.com/shineum/mailrelay/internal/provider"
	"github.com/shineum/mailrelay/internal/store"
)

// dialTimeout bounds connecting to the SMTP server.
const dialTimeout = 30 * time.Second

// Security modes of the SMTP provider settings.
const (
	SecuritySTARTTLS = "TLS"
	SecurityImplicit = "SSL"
)

const (
	msgSent          = "Email sent successfully"
	msgNotConfigured = "SMTP is not configured. Set the host, port and from address."
	msgNoRecipients  = "At least one recipient is required"
	msgSendFailed    = "Failed to send email over SMTP. Check the server log for details."
	msgComposeFailed = "Failed to build the email message"
)

// Headers written by the composer itself.
var composedHeaders = []string{"From", "To", "Cc", "Bcc", "Subject", "MIME-Version", "Content-Type"}

// ConfigSource returns stored provider settings.
type ConfigSource interface {
	Get(ctx context.Context, provider string) (store.ProviderConfig, bool, error)
}

// Option customizes a Sender.
type Option func(*Sender)

// WithFallback sets the settings used when no "smtp" entry is stored.
func WithFallback(cfg store.ProviderConfig) Option {
	return func(s *Sender) { s.fallback = cfg }
}

// WithTLSConfig sets the TLS client configuration used for SSL and TLS modes.
// The server name is filled in from the host when empty.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(s *Sender) { s.tlsConfig = cfg }
}

// WithHelloName sets the name announced in EHLO.
func WithHelloName(name string) Option {
	return func(s *Sender) { s.helloName = name }
}

// WithClock overrides the time source used for the Date header.
func WithClock(now func() time.Time) Option {
	return func(s *Sender) { s.now = now }
}

// Sender sends mail through an SMTP server.
type Sender struct {
	configs   ConfigSource
	fallback  store.ProviderConfig
	tlsConfig *tls.Config
	helloName string
	now       func() time.Time
	logger    zerolog.Logger
}

// New creates a Sender reading its settings from configs.
func New(configs ConfigSource, logger zerolog.Logger, opts ...Option) *Sender {
	s := &Sender{
		configs:   configs,
		helloName: "localhost",
		now:       time.Now,
		logger:    logger.With().Str("provider", store.ProviderSMTP).Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name returns the provider identifier.
func (s *Sender) Name() string {
	return store.ProviderSMTP
}

// Send implements provider.Provider. Cc and Bcc header addresses are added
// to the envelope; Bcc is never written to the message.
func (s *Sender) Send(ctx context.Context, req email.SendRequest) email.SendResult {
	cfg, err := s.settings(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("smtp settings unavailable")
		return email.Failed(msgNotConfigured, err)
	}

	recipients := envelope(req)
	if len(recipients) == 0 {
		return email.Failed(msgNoRecipients, fmt.Errorf("%w: no recipients", provider.ErrValidation))
	}

	from := sender(cfg, req)
	body, err := s.compose(cfg, req, from)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to build smtp message")
		return email.Failed(msgComposeFailed, err)
	}

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	if err := s.deliver(ctx, cfg, addr, envelopeFrom(from, cfg), recipients, body); err != nil {
		s.logger.Error().
			Err(err).
			Str("addr", addr).
			Str("security", cfg.Security).
			Msg("smtp delivery failed")
		return email.Failed(msgSendFailed, fmt.Errorf("%w: %w", provider.ErrProviderCallFailed, err))
	}

	s.logger.Info().
		Str("addr", addr).
		Int("recipients", len(recipients)).
		Msg("email sent via SMTP")
	return email.Succeeded(msgSent, nil)
}

// settings returns the stored smtp entry, or the fallback when none is stored.
func (s *Sender) settings(ctx context.Context) (store.ProviderConfig, error) {
	cfg, ok, err := s.configs.Get(ctx, store.ProviderSMTP)
	if err != nil {
		return store.ProviderConfig{}, fmt.Errorf("reading smtp settings: %w", err)
	}
	if !ok {
		cfg = s.fallback
	}
	if !cfg.Usable(store.ProviderSMTP) {
		return store.ProviderConfig{}, fmt.Errorf("%w: smtp host, port and from email are required", provider.ErrConfigMissing)
	}
	return cfg, nil
}

func (s *Sender) compose(cfg store.ProviderConfig, req email.SendRequest, from string) ([]byte, error) {
	extra := []string{
		"Date: " + s.now().Format(time.RFC1123Z),
		fmt.Sprintf("Message-ID: <%s@%s>", uuid.NewString(), messageIDDomain(cfg.FromEmail)),
	}
	for _, line := range req.ExtraHeaders(composedHeaders...) {
		name, _, _ := email.ParseHeader(line)
		if strings.EqualFold(name, "Date") || strings.EqualFold(name, "Message-ID") {
			continue
		}
		extra = append(extra, line)
	}

	c := email.Composition{
		From:        from,
		To:          req.To,
		Cc:          req.Cc(),
		Subject:     req.Subject,
		Extra:       extra,
		Attachments: req.Attachments,
	}
	if req.IsHTML() {
		c.HTML = req.Message
		c.Text = email.StripHTML(req.Message)
	} else {
		c.Text = req.Message
	}
	return email.Compose(c)
}

// deliver runs one SMTP transaction.
func (s *Sender) deliver(ctx context.Context, cfg store.ProviderConfig, addr, from string, to []string, body []byte) error {
	c, err := s.dial(ctx, cfg, addr)
	if err != nil {
		return err
	}
	defer c.Close()

	if cfg.Username != "" {
		if err := c.Auth(sasl.NewPlainClient("", cfg.Username, cfg.Password)); err != nil {
			return fmt.Errorf("authenticating as %s: %w", cfg.Username, err)
		}
	}

	if err := c.Mail(from, nil); err != nil {
		return fmt.Errorf("MAIL FROM: %w", err)
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt, nil); err != nil {
			return fmt.Errorf("RCPT TO %s: %w", rcpt, err)
		}
	}

	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("DATA: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		_ = w.Close()
		return fmt.Errorf("writing message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finishing message: %w", err)
	}
	return c.Quit()
}

// dial connects according to the security mode: SSL wraps the connection in
// TLS from the start, TLS upgrades with STARTTLS, anything else is plaintext.
func (s *Sender) dial(ctx context.Context, cfg store.ProviderConfig, addr string) (*gosmtp.Client, error) {
	dialer := &net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	// STARTTLS clients greet with the library's default EHLO name.
	if strings.EqualFold(cfg.Security, SecuritySTARTTLS) {
		c, err := gosmtp.NewClientStartTLS(conn, s.clientTLS(cfg.Host))
		if err != nil {
			return nil, fmt.Errorf("STARTTLS: %w", err)
		}
		return c, nil
	}

	var c *gosmtp.Client
	if strings.EqualFold(cfg.Security, SecurityImplicit) {
		c = gosmtp.NewClient(tls.Client(conn, s.clientTLS(cfg.Host)))
	} else {
		c = gosmtp.NewClient(conn)
	}
	if err := c.Hello(s.helloName); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("EHLO: %w", err)
	}
	return c, nil
}

func (s *Sender) clientTLS(host string) *tls.Config {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if s.tlsConfig != nil {
		cfg = s.tlsConfig.Clone()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = host
	}
	return cfg
}

// envelope collects To, Cc and Bcc without duplicates, in that order.
func envelope(req email.SendRequest) []string {
	seen := make(map[string]bool)
	var out []string
	for _, list := range [][]string{req.To, req.Cc(), req.Bcc()} {
		for _, addr := range list {
			key := strings.ToLower(addr)
			if addr == "" || seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, addr)
		}
	}
	return out
}

// sender returns the From header value: the request's own From when present,
// otherwise the configured name and address.
func sender(cfg store.ProviderConfig, req email.SendRequest) string {
	if from := req.Header("From"); from != "" {
		return from
	}
	if cfg.FromName != "" {
		return (&mail.Address{Name: cfg.FromName, Address: cfg.FromEmail}).String()
	}
	return cfg.FromEmail
}

// envelopeFrom extracts the bare address for MAIL FROM.
func envelopeFrom(from string, cfg store.ProviderConfig) string {
	addr, err := mail.ParseAddress(from)
	if err != nil {
		return cfg.FromEmail
	}
	return addr.Address
}

func messageIDDomain(from string) string {
	if i := strings.LastIndex(from, "@"); i >= 0 && i < len(from)-1 {
		return from[i+1:]
	}
	return "localhost"
}
