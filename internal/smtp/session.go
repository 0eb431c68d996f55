package smtp

import (
	"context"
	"errors"
	"io"
	"net/mail"
	"strings"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"
	"github.com/rs/zerolog"

	"github.com/shineum/mailrelay/internal/email"
	"github.com/shineum/mailrelay/internal/metrics"
)

var (
	errAuthRequired = &gosmtp.SMTPError{
		Code:         530,
		EnhancedCode: gosmtp.EnhancedCode{5, 7, 0},
		Message:      "Authentication required",
	}
	errAuthFailed = &gosmtp.SMTPError{
		Code:         535,
		EnhancedCode: gosmtp.EnhancedCode{5, 7, 8},
		Message:      "Authentication failed",
	}
	errBadRecipient = &gosmtp.SMTPError{
		Code:         550,
		EnhancedCode: gosmtp.EnhancedCode{5, 1, 1},
		Message:      "Invalid recipient address",
	}
	errNoRecipients = &gosmtp.SMTPError{
		Code:         503,
		EnhancedCode: gosmtp.EnhancedCode{5, 5, 1},
		Message:      "No recipients specified",
	}
	errUnparseable = &gosmtp.SMTPError{
		Code:         550,
		EnhancedCode: gosmtp.EnhancedCode{5, 6, 0},
		Message:      "Failed to process message",
	}
	errTemporary = &gosmtp.SMTPError{
		Code:         451,
		EnhancedCode: gosmtp.EnhancedCode{4, 3, 0},
		Message:      "Temporary failure, please try again later",
	}
)

// Session handles one SMTP connection and implements the go-smtp Session and
// AuthSession interfaces.
type Session struct {
	ctx     context.Context
	backend *Backend
	log     zerolog.Logger

	authenticated bool
	from          string
	recipients    []string
}

// AuthMechanisms advertises PLAIN when credentials are configured.
func (s *Session) AuthMechanisms() []string {
	if !s.backend.auth.Enabled() {
		return nil
	}
	return []string{sasl.Plain}
}

// Auth returns the SASL server for mech.
func (s *Session) Auth(mech string) (sasl.Server, error) {
	if mech != sasl.Plain || !s.backend.auth.Enabled() {
		return nil, gosmtp.ErrAuthUnknownMechanism
	}
	return sasl.NewPlainServer(func(_, username, password string) error {
		if err := s.backend.auth.Verify(username, password); err != nil {
			metrics.SMTPRelaySessionsTotal.WithLabelValues("auth_failed").Inc()
			s.log.Warn().Str("username", username).Msg("auth failed")
			return errAuthFailed
		}
		s.authenticated = true
		s.log.Info().Str("username", username).Msg("auth successful")
		return nil
	}), nil
}

// Mail handles MAIL FROM.
func (s *Session) Mail(from string, _ *gosmtp.MailOptions) error {
	if s.backend.auth.Enabled() && !s.authenticated {
		return errAuthRequired
	}
	s.from = from
	return nil
}

// Rcpt handles RCPT TO.
func (s *Session) Rcpt(to string, _ *gosmtp.RcptOptions) error {
	if s.backend.auth.Enabled() && !s.authenticated {
		return errAuthRequired
	}
	addr, err := mail.ParseAddress(to)
	if err != nil {
		if !email.ValidAddress(to) {
			return errBadRecipient
		}
		addr = &mail.Address{Address: to}
	}
	s.recipients = append(s.recipients, addr.Address)
	return nil
}

// Data reads the message, parses it and dispatches it synchronously. A
// dispatch failure is reported as a temporary failure so the client retries.
// Message content is never logged.
func (s *Session) Data(r io.Reader) error {
	if len(s.recipients) == 0 {
		return errNoRecipients
	}

	raw, err := io.ReadAll(r)
	if err != nil {
		var smtpErr *gosmtp.SMTPError
		if errors.As(err, &smtpErr) {
			// Message too large
			return smtpErr
		}
		s.log.Error().Err(err).Msg("failed to read message data")
		return errTemporary
	}

	msg, err := s.backend.parser.Parse(raw)
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to parse message")
		return errUnparseable
	}

	req := envelopeRequest(msg.Request(), s.from, s.recipients)
	if err := s.backend.dispatcher.Send(s.ctx, req); err != nil {
		s.log.Error().Err(err).Int("recipients", len(s.recipients)).Msg("relay dispatch failed")
		return errTemporary
	}

	s.log.Info().Int("recipients", len(s.recipients)).Msg("message relayed")
	return nil
}

// Reset discards the current transaction.
func (s *Session) Reset() {
	s.from = ""
	s.recipients = nil
}

// Logout is called when the connection closes.
func (s *Session) Logout() error {
	return nil
}

// envelopeRequest applies the SMTP envelope to a parsed request: envelope
// recipients not already named in Cc or Bcc become To, and the envelope
// sender fills a missing From header.
func envelopeRequest(req email.SendRequest, from string, recipients []string) email.SendRequest {
	copied := append(req.Cc(), req.Bcc()...)
	var to []string
	for _, rcpt := range recipients {
		if !containsFold(copied, rcpt) {
			to = append(to, rcpt)
		}
	}
	if len(to) == 0 {
		to = recipients
	}
	req.To = to

	if req.Header("From") == "" && from != "" {
		req = req.WithHeader("From", from)
	}
	return req
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
