// Package api exposes the relay's administrative HTTP operations: test and
// direct sends, SES identity management, the Gmail OAuth flow and provider
// settings.
package api

import (
	"context"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/shineum/mailrelay/internal/email"
	"github.com/shineum/mailrelay/internal/store"
)

// maxBodyBytes bounds request bodies, attachments included.
const maxBodyBytes = 32 << 20

// Sender delivers messages.
type Sender interface {
	Send(ctx context.Context, req email.SendRequest) error
	SendVia(ctx context.Context, key string, req email.SendRequest) email.SendResult
	Route(ctx context.Context) string
}

// SESIdentities manages SES sender identities.
type SESIdentities interface {
	VerifyEmailAddress(ctx context.Context, address string, cfg *store.ProviderConfig) email.SendResult
	GetVerifiedEmails(ctx context.Context, cfg *store.ProviderConfig) email.SendResult
}

// GmailAuth runs the Gmail OAuth authorization flow.
type GmailAuth interface {
	BeginAuthorization(ctx context.Context, state string) (string, error)
	CompleteAuthorization(ctx context.Context, code string) error
	Disconnect(ctx context.Context) error
	Credential(ctx context.Context) (store.OAuthCredential, bool, error)
}

// ConfigStore reads and writes provider settings.
type ConfigStore interface {
	Providers(ctx context.Context) (map[string]store.ProviderConfig, error)
	Get(ctx context.Context, provider string) (store.ProviderConfig, bool, error)
	SetProviderConfig(ctx context.Context, provider string, cfg store.ProviderConfig) error
	DefaultProvider(ctx context.Context) (store.DefaultProvider, bool, error)
	SetDefaultProvider(ctx context.Context, sel store.DefaultProvider) error
}

// Deps are the collaborators the handlers use.
type Deps struct {
	Sender   Sender
	SES      SESIdentities
	Gmail    GmailAuth
	Store    ConfigStore
	States   *StateStore
	APIToken string
	Logger   zerolog.Logger
}

// NewRouter creates a chi.Mux with all routes, middleware, and handlers configured.
func NewRouter(deps Deps) *chi.Mux {
	if deps.States == nil {
		deps.States = NewStateStore()
	}

	r := chi.NewRouter()

	r.Use(CorrelationIDMiddleware)
	r.Use(LoggingMiddleware(deps.Logger))
	r.Use(RecoverMiddleware(deps.Logger))

	r.Get("/healthz", HealthzHandler())
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// Google redirects the browser here, so it cannot carry the API token.
		// The single-use state authenticates the call instead.
		r.Get("/gmail/callback", GmailCallbackHandler(deps.Gmail, deps.States))

		r.Group(func(r chi.Router) {
			r.Use(BearerAuth(deps.APIToken))

			r.Post("/send", SendHandler(deps.Sender))
			r.Post("/test-email", TestEmailHandler(deps.Sender))

			r.Post("/ses/verify", VerifySESHandler(deps.SES, deps.Store))
			r.Get("/ses/verified-emails", VerifiedEmailsHandler(deps.SES, deps.Store))
			r.Post("/ses/verified-emails", VerifiedEmailsHandler(deps.SES, deps.Store))

			r.Get("/gmail/connect", GmailConnectHandler(deps.Gmail, deps.States))
			r.Get("/gmail/status", GmailStatusHandler(deps.Gmail))
			r.Delete("/gmail/connection", GmailDisconnectHandler(deps.Gmail))

			r.Get("/providers", ListProvidersHandler(deps.Store))
			r.Get("/providers/{key}", GetProviderHandler(deps.Store))
			r.Put("/providers/{key}", UpdateProviderHandler(deps.Store))

			r.Get("/default-provider", GetDefaultProviderHandler(deps.Store, deps.Sender))
			r.Put("/default-provider", UpdateDefaultProviderHandler(deps.Store))
		})
	})

	return r
}
