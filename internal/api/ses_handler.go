package api

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/shineum/mailrelay/internal/store"
)

// verifyRequest is the JSON body of POST /api/v1/ses/verify. Provider carries
// unsaved SES settings; nil uses the stored ones.
type verifyRequest struct {
	Email    string                `json:"email"`
	Provider *store.ProviderConfig `json:"provider"`
}

// identitiesRequest is the optional JSON body of POST /api/v1/ses/verified-emails.
type identitiesRequest struct {
	Provider *store.ProviderConfig `json:"provider"`
}

// VerifySESHandler handles POST /api/v1/ses/verify.
func VerifySESHandler(ses SESIdentities, configs ConfigStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req verifyRequest
		if err := decodeJSON(w, r, &req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		cfg, err := submittedSettings(r.Context(), configs, req.Provider)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "failed to read ses settings")
			return
		}
		respondResult(w, ses.VerifyEmailAddress(r.Context(), req.Email, cfg))
	}
}

// VerifiedEmailsHandler handles GET and POST /api/v1/ses/verified-emails.
// GET lists with the stored settings; POST may carry unsaved ones.
func VerifiedEmailsHandler(ses SESIdentities, configs ConfigStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req identitiesRequest
		if r.Method == http.MethodPost {
			if err := decodeJSON(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
				respondError(w, http.StatusBadRequest, "invalid request body")
				return
			}
		}

		cfg, err := submittedSettings(r.Context(), configs, req.Provider)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "failed to read ses settings")
			return
		}
		respondResult(w, ses.GetVerifiedEmails(r.Context(), cfg))
	}
}

// submittedSettings lays submitted SES settings over the stored ones so a
// form echoing redacted secrets still authenticates. Nil stays nil.
func submittedSettings(ctx context.Context, configs ConfigStore, submitted *store.ProviderConfig) (*store.ProviderConfig, error) {
	if submitted == nil {
		return nil, nil
	}
	stored, _, err := configs.Get(ctx, store.ProviderSES)
	if err != nil {
		return nil, err
	}
	merged := stored.Merge(*submitted)
	return &merged, nil
}
