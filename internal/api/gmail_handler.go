package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/shineum/mailrelay/internal/logger"
	"github.com/shineum/mailrelay/internal/provider"
	"github.com/shineum/mailrelay/internal/provider/gmail"
)

// GmailConnectHandler handles GET /api/v1/gmail/connect. It returns the
// Google consent URL carrying a freshly issued state.
func GmailConnectHandler(auth GmailAuth, states *StateStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authURL, err := auth.BeginAuthorization(r.Context(), states.Issue())
		if err != nil {
			if errors.Is(err, provider.ErrConfigMissing) {
				respondError(w, http.StatusPreconditionFailed, "Gmail client id and secret must be saved before connecting")
				return
			}
			respondError(w, http.StatusInternalServerError, "failed to start gmail authorization")
			return
		}
		respond(w, http.StatusOK, "Open the URL to authorize Gmail", map[string]string{"auth_url": authURL})
	}
}

// GmailCallbackHandler handles GET /api/v1/gmail/callback, the redirect
// target of the Google consent screen.
func GmailCallbackHandler(auth GmailAuth, states *StateStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		log := logger.FromContext(r.Context(), zerolog.Nop())

		if reason := q.Get("error"); reason != "" {
			log.Warn().Str("reason", reason).Msg("gmail authorization denied")
			respondError(w, http.StatusBadRequest, "Gmail authorization was denied")
			return
		}
		if !states.Redeem(q.Get("state")) {
			respondError(w, http.StatusBadRequest, "unknown or expired authorization state")
			return
		}
		code := q.Get("code")
		if code == "" {
			respondError(w, http.StatusBadRequest, "authorization code is required")
			return
		}

		if err := auth.CompleteAuthorization(r.Context(), code); err != nil {
			switch {
			case errors.Is(err, provider.ErrConfigMissing):
				respondError(w, http.StatusPreconditionFailed, "Gmail client id and secret must be saved before connecting")
			case errors.Is(err, gmail.ErrOAuthExchangeFailed):
				respondError(w, http.StatusBadGateway, "Google rejected the authorization code. Try connecting again.")
			default:
				respondError(w, http.StatusInternalServerError, "failed to store gmail authorization")
			}
			return
		}
		respond(w, http.StatusOK, "Gmail account connected", nil)
	}
}

// gmailStatus is the data of GET /api/v1/gmail/status.
type gmailStatus struct {
	Connected bool       `json:"connected"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// GmailStatusHandler handles GET /api/v1/gmail/status. A stored credential
// counts as connected even when its access token has expired.
func GmailStatusHandler(auth GmailAuth) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cred, ok, err := auth.Credential(r.Context())
		if err != nil {
			respondError(w, http.StatusInternalServerError, "failed to read gmail status")
			return
		}
		if !ok {
			respond(w, http.StatusOK, "Gmail is not connected", gmailStatus{})
			return
		}
		expires := cred.ExpiresAt().UTC()
		respond(w, http.StatusOK, "Gmail is connected", gmailStatus{Connected: true, ExpiresAt: &expires})
	}
}

// GmailDisconnectHandler handles DELETE /api/v1/gmail/connection.
func GmailDisconnectHandler(auth GmailAuth) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := auth.Disconnect(r.Context()); err != nil {
			respondError(w, http.StatusInternalServerError, "failed to disconnect gmail")
			return
		}
		respond(w, http.StatusOK, "Gmail account disconnected", nil)
	}
}
