package gmail

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"

	"github.com/shineum/mailrelay/internal/metrics"
	"github.com/shineum/mailrelay/internal/provider"
	"github.com/shineum/mailrelay/internal/store"
)

// Google OAuth endpoints.
const (
	DefaultAuthURL  = "https://accounts.google.com/o/oauth2/v2/auth"
	DefaultTokenURL = "https://oauth2.googleapis.com/token"
)

// refreshMargin treats a token as expired this long before its actual expiry.
const refreshMargin = 60 * time.Second

// defaultExpiresIn is assumed when a token response carries no lifetime.
const defaultExpiresIn = 3600

var (
	// ErrAuthNotConfigured means no credential is stored or the Gmail client id/secret are missing.
	// It wraps provider.ErrConfigMissing.
	ErrAuthNotConfigured = fmt.Errorf("%w: gmail authorization not configured", provider.ErrConfigMissing)
	// ErrRefreshTokenMissing means the access token is stale and cannot be refreshed.
	ErrRefreshTokenMissing = errors.New("gmail refresh token missing")
	// ErrRefreshFailed means the token endpoint could not issue a new access token.
	ErrRefreshFailed = errors.New("gmail token refresh failed")
	// ErrOAuthExchangeFailed means the authorization code could not be exchanged.
	ErrOAuthExchangeFailed = errors.New("gmail authorization code exchange failed")
)

// CredentialStore persists the Gmail client settings and OAuth credential.
type CredentialStore interface {
	Get(ctx context.Context, provider string) (store.ProviderConfig, bool, error)
	GmailCredential(ctx context.Context) (store.OAuthCredential, bool, error)
	SetGmailCredential(ctx context.Context, cred store.OAuthCredential) error
	DeleteGmailCredential(ctx context.Context) error
}

// OAuthOptions configures a Manager. Zero values select the Google defaults.
type OAuthOptions struct {
	RedirectURL string
	AuthURL     string
	TokenURL    string
	HTTPClient  *http.Client
	Now         func() time.Time
}

// Manager owns the lifecycle of the stored Gmail OAuth credential. Refreshes
// are serialized so concurrent senders in one process issue a single refresh.
type Manager struct {
	store  CredentialStore
	opts   OAuthOptions
	logger zerolog.Logger

	mu sync.Mutex
}

// NewManager creates a Manager backed by st.
func NewManager(st CredentialStore, opts OAuthOptions, logger zerolog.Logger) *Manager {
	if opts.AuthURL == "" {
		opts.AuthURL = DefaultAuthURL
	}
	if opts.TokenURL == "" {
		opts.TokenURL = DefaultTokenURL
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		store:  st,
		opts:   opts,
		logger: logger.With().Str("component", "gmail_oauth").Logger(),
	}
}

// EnsureFreshToken returns a credential whose access token is usable now.
// A valid token is returned without any network call. A stale token is
// refreshed and the result persisted, keeping the previous refresh token when
// the response omits one. On failure the stored credential is left untouched.
func (m *Manager) EnsureFreshToken(ctx context.Context) (store.OAuthCredential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cred, ok, err := m.store.GmailCredential(ctx)
	if err != nil {
		return store.OAuthCredential{}, fmt.Errorf("reading gmail credential: %w", err)
	}
	if !ok {
		return store.OAuthCredential{}, ErrAuthNotConfigured
	}

	now := m.opts.Now()
	if !cred.Stale(now, refreshMargin) {
		return cred, nil
	}
	if cred.RefreshToken == "" {
		return store.OAuthCredential{}, ErrRefreshTokenMissing
	}

	cfg, err := m.config(ctx)
	if err != nil {
		return store.OAuthCredential{}, err
	}

	tok, err := cfg.TokenSource(m.httpContext(ctx), &oauth2.Token{RefreshToken: cred.RefreshToken}).Token()
	if err != nil || tok.AccessToken == "" {
		metrics.OAuthTokenRefreshTotal.WithLabelValues(metrics.ResultFailure).Inc()
		m.logger.Error().Err(err).Msg("gmail token refresh failed")
		if err == nil {
			err = errors.New("response missing access_token")
		}
		return store.OAuthCredential{}, fmt.Errorf("%w: %w", ErrRefreshFailed, err)
	}

	next := credentialFromToken(tok, now, cred.RefreshToken)
	if err := m.store.SetGmailCredential(ctx, next); err != nil {
		metrics.OAuthTokenRefreshTotal.WithLabelValues(metrics.ResultFailure).Inc()
		return store.OAuthCredential{}, fmt.Errorf("%w: persisting credential: %w", ErrRefreshFailed, err)
	}

	metrics.OAuthTokenRefreshTotal.WithLabelValues(metrics.ResultSuccess).Inc()
	m.logger.Info().Int64("expires_in", next.ExpiresIn).Msg("gmail access token refreshed")
	return next, nil
}

// BeginAuthorization returns the consent URL the administrator is redirected
// to. Offline access and forced consent make Google issue a refresh token on
// every authorization.
func (m *Manager) BeginAuthorization(ctx context.Context, state string) (string, error) {
	cfg, err := m.config(ctx)
	if err != nil {
		return "", err
	}
	return cfg.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
	), nil
}

// CompleteAuthorization exchanges an authorization code for tokens and stores them.
func (m *Manager) CompleteAuthorization(ctx context.Context, code string) error {
	cfg, err := m.config(ctx)
	if err != nil {
		return err
	}

	tok, err := cfg.Exchange(m.httpContext(ctx), code)
	if err != nil {
		m.logger.Error().Err(err).Msg("gmail authorization code exchange failed")
		return fmt.Errorf("%w: %w", ErrOAuthExchangeFailed, err)
	}
	if tok.AccessToken == "" {
		return fmt.Errorf("%w: response missing access_token", ErrOAuthExchangeFailed)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	previous := ""
	if cred, ok, err := m.store.GmailCredential(ctx); err == nil && ok {
		previous = cred.RefreshToken
	}
	next := credentialFromToken(tok, m.opts.Now(), previous)
	if err := m.store.SetGmailCredential(ctx, next); err != nil {
		return fmt.Errorf("storing gmail credential: %w", err)
	}

	m.logger.Info().Bool("refresh_token", next.RefreshToken != "").Msg("gmail account connected")
	return nil
}

// Disconnect removes the stored credential.
func (m *Manager) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.DeleteGmailCredential(ctx); err != nil {
		return fmt.Errorf("deleting gmail credential: %w", err)
	}
	m.logger.Info().Msg("gmail account disconnected")
	return nil
}

// Credential returns the stored credential as currently persisted.
func (m *Manager) Credential(ctx context.Context) (store.OAuthCredential, bool, error) {
	return m.store.GmailCredential(ctx)
}

// config builds the OAuth client configuration from the stored Gmail settings.
func (m *Manager) config(ctx context.Context) (*oauth2.Config, error) {
	settings, ok, err := m.store.Get(ctx, store.ProviderGmail)
	if err != nil {
		return nil, fmt.Errorf("reading gmail settings: %w", err)
	}
	if !ok || !settings.Usable(store.ProviderGmail) {
		return nil, fmt.Errorf("%w: client id and secret are required", ErrAuthNotConfigured)
	}

	return &oauth2.Config{
		ClientID:     settings.ClientID,
		ClientSecret: settings.ClientSecret,
		RedirectURL:  m.opts.RedirectURL,
		Scopes:       []string{gmail.GmailSendScope},
		Endpoint: oauth2.Endpoint{
			AuthURL:   m.opts.AuthURL,
			TokenURL:  m.opts.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}, nil
}

func (m *Manager) httpContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, m.opts.HTTPClient)
}

// credentialFromToken converts a token response into a stored credential
// created at now. An empty refresh token in the response keeps fallback.
func credentialFromToken(tok *oauth2.Token, now time.Time, fallback string) store.OAuthCredential {
	expiresIn := tok.ExpiresIn
	if expiresIn <= 0 && !tok.Expiry.IsZero() {
		expiresIn = int64(time.Until(tok.Expiry) / time.Second)
	}
	if expiresIn <= 0 {
		expiresIn = defaultExpiresIn
	}

	refresh := tok.RefreshToken
	if refresh == "" {
		refresh = fallback
	}

	return store.OAuthCredential{
		AccessToken:  tok.AccessToken,
		RefreshToken: refresh,
		ExpiresIn:    expiresIn,
		Created:      now.Unix(),
	}
}
