// Package gmail sends mail through the Gmail API on behalf of an account
// connected with OAuth, and manages that account's tokens.
package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/shineum/mailrelay/internal/email"
	"github.com/shineum/mailrelay/internal/provider"
	"github.com/shineum/mailrelay/internal/store"
)

// sendTimeout bounds one Gmail API call.
const sendTimeout = 15 * time.Second

const (
	msgSent           = "Email sent successfully"
	msgNotConnected   = "Gmail is not connected. Connect a Google account and try again."
	msgReconnect      = "Gmail authorization has expired. Reconnect the Google account."
	msgRefreshFailed  = "Failed to refresh the Gmail access token. Check the server log for details."
	msgSendFailed     = "Failed to send email through Gmail. Check the server log for details."
	msgNoRecipients   = "At least one recipient is required"
	msgComposeFailure = "Failed to build the email message"
)

// Headers written by the composer itself.
var composedHeaders = []string{"To", "Cc", "Subject", "MIME-Version", "Content-Type"}

// Tokens supplies fresh OAuth credentials.
type Tokens interface {
	EnsureFreshToken(ctx context.Context) (store.OAuthCredential, error)
	Credential(ctx context.Context) (store.OAuthCredential, bool, error)
}

// Options configures a Client.
type Options struct {
	// Endpoint overrides the Gmail API base URL, for tests.
	Endpoint string
	// Transport is the base round tripper; nil uses http.DefaultTransport.
	Transport http.RoundTripper
}

// Client sends messages as the connected Gmail account.
type Client struct {
	tokens Tokens
	opts   Options
	logger zerolog.Logger
}

// New creates a Client using tokens for authorization.
func New(tokens Tokens, opts Options, logger zerolog.Logger) *Client {
	return &Client{
		tokens: tokens,
		opts:   opts,
		logger: logger.With().Str("provider", store.ProviderGmail).Logger(),
	}
}

// Name returns the provider identifier.
func (c *Client) Name() string {
	return store.ProviderGmail
}

// Send implements provider.Provider. The body is sent as HTML when the
// request declares a text/html Content-Type.
func (c *Client) Send(ctx context.Context, req email.SendRequest) email.SendResult {
	return c.SendEmail(ctx, req, req.IsHTML())
}

// SendEmail delivers req through users.messages.send. The access token is
// taken from the credential returned by EnsureFreshToken, after any refresh.
func (c *Client) SendEmail(ctx context.Context, req email.SendRequest, isHTML bool) email.SendResult {
	if len(req.To) == 0 {
		return email.Failed(msgNoRecipients, fmt.Errorf("%w: no recipients", provider.ErrValidation))
	}

	cred, err := c.tokens.EnsureFreshToken(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("gmail token unavailable")
		return email.Failed(tokenFailureMessage(err), err)
	}

	raw, err := BuildRawMessage(req, isHTML)
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to build gmail message")
		return email.Failed(msgComposeFailure, err)
	}

	svc, err := c.service(ctx, cred.AccessToken)
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to create gmail service")
		return email.Failed(msgSendFailed, fmt.Errorf("%w: %w", provider.ErrProviderCallFailed, err))
	}

	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	out, err := svc.Users.Messages.Send("me", &gmail.Message{Raw: EncodeRaw(raw)}).Context(ctx).Do()
	if err != nil {
		event := c.logger.Error().Err(err)
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) {
			event = event.Int("status", apiErr.Code)
		}
		event.Msg("gmail send failed")
		return email.Failed(msgSendFailed, fmt.Errorf("%w: %w", provider.ErrProviderCallFailed, err))
	}
	if out == nil || out.Id == "" {
		err := fmt.Errorf("%w: response missing message id", provider.ErrProviderCallFailed)
		c.logger.Error().Err(err).Msg("gmail send returned an unexpected response")
		return email.Failed(msgSendFailed, err)
	}

	c.logger.Info().
		Str("message_id", out.Id).
		Int("recipients", len(req.To)).
		Msg("email sent via Gmail")
	return email.Succeeded(msgSent, map[string]string{"message_id": out.Id})
}

// IsConnected reports whether a credential is stored, regardless of expiry.
func (c *Client) IsConnected(ctx context.Context) bool {
	_, ok, err := c.tokens.Credential(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("failed to read gmail credential")
		return false
	}
	return ok
}

func (c *Client) service(ctx context.Context, accessToken string) (*gmail.Service, error) {
	httpClient := &http.Client{
		Timeout: sendTimeout,
		Transport: &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"}),
			Base:   c.opts.Transport,
		},
	}

	opts := []option.ClientOption{option.WithHTTPClient(httpClient)}
	if c.opts.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(c.opts.Endpoint))
	}
	return gmail.NewService(ctx, opts...)
}

// BuildRawMessage renders req as an RFC 5322 message for the raw field.
// The body is text/html when isHTML is set and text/plain otherwise;
// attachments produce a multipart/mixed message.
func BuildRawMessage(req email.SendRequest, isHTML bool) ([]byte, error) {
	c := email.Composition{
		To:          req.To,
		Cc:          req.Cc(),
		Subject:     req.Subject,
		Extra:       req.ExtraHeaders(composedHeaders...),
		Attachments: req.Attachments,
	}
	if isHTML {
		c.HTML = req.Message
	} else {
		c.Text = req.Message
	}
	return email.Compose(c)
}

// EncodeRaw encodes a message as unpadded base64url, the format of the raw field.
func EncodeRaw(raw []byte) string {
	return base64.RawURLEncoding.EncodeToString(raw)
}

func tokenFailureMessage(err error) string {
	switch {
	case errors.Is(err, ErrAuthNotConfigured):
		return msgNotConnected
	case errors.Is(err, ErrRefreshTokenMissing):
		return msgReconnect
	case errors.Is(err, ErrRefreshFailed):
		return msgRefreshFailed
	default:
		return msgSendFailed
	}
}
