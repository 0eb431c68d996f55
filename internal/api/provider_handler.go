package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/shineum/mailrelay/internal/store"
)

// defaultProviderRequest is the JSON body of PUT /api/v1/default-provider.
type defaultProviderRequest struct {
	Provider string `json:"provider"`
	store.ProviderConfig
}

// defaultProviderResponse is the data of GET /api/v1/default-provider.
// Active is the provider sends are routed to right now.
type defaultProviderResponse struct {
	Selection *store.DefaultProvider `json:"selection"`
	Active    string                 `json:"active"`
}

// ListProvidersHandler handles GET /api/v1/providers.
func ListProvidersHandler(configs ConfigStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		all, err := configs.Providers(r.Context())
		if err != nil {
			respondError(w, http.StatusInternalServerError, "failed to read provider settings")
			return
		}
		out := make(map[string]store.ProviderConfig, len(all))
		for key, cfg := range all {
			out[key] = cfg.Redacted()
		}
		respond(w, http.StatusOK, "Provider settings", out)
	}
}

// GetProviderHandler handles GET /api/v1/providers/{key}.
func GetProviderHandler(configs ConfigStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, ok := providerKey(w, r)
		if !ok {
			return
		}
		cfg, found, err := configs.Get(r.Context(), key)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "failed to read provider settings")
			return
		}
		if !found {
			respondError(w, http.StatusNotFound, key+" is not configured")
			return
		}
		respond(w, http.StatusOK, "Provider settings", cfg.Redacted())
	}
}

// UpdateProviderHandler handles PUT /api/v1/providers/{key}. The body
// replaces the stored settings, except that masked secrets keep their
// stored values.
func UpdateProviderHandler(configs ConfigStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, ok := providerKey(w, r)
		if !ok {
			return
		}
		var cfg store.ProviderConfig
		if err := decodeJSON(w, r, &cfg); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		stored, _, err := configs.Get(r.Context(), key)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "failed to read provider settings")
			return
		}
		cfg = keepMaskedSecrets(cfg, stored)

		if !cfg.Usable(key) {
			respondError(w, http.StatusBadRequest, "missing required settings for "+key)
			return
		}
		if err := configs.SetProviderConfig(r.Context(), key, cfg); err != nil {
			respondError(w, http.StatusInternalServerError, "failed to save provider settings")
			return
		}
		respond(w, http.StatusOK, "Provider settings saved", cfg.Redacted())
	}
}

// GetDefaultProviderHandler handles GET /api/v1/default-provider.
func GetDefaultProviderHandler(configs ConfigStore, sender Sender) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sel, ok, err := configs.DefaultProvider(r.Context())
		if err != nil {
			respondError(w, http.StatusInternalServerError, "failed to read default provider")
			return
		}
		data := defaultProviderResponse{Active: sender.Route(r.Context())}
		if ok {
			sel.ProviderConfig = sel.ProviderConfig.Redacted()
			data.Selection = &sel
		}
		respond(w, http.StatusOK, "Default provider", data)
	}
}

// UpdateDefaultProviderHandler handles PUT /api/v1/default-provider. The
// submitted fields are merged over the stored settings of that provider.
func UpdateDefaultProviderHandler(configs ConfigStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req defaultProviderRequest
		if err := decodeJSON(w, r, &req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		key := strings.ToLower(strings.TrimSpace(req.Provider))
		if !knownProvider(key) {
			respondError(w, http.StatusBadRequest, "provider must be one of smtp, ses, gmail, stdout")
			return
		}

		stored, _, err := configs.Get(r.Context(), key)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "failed to read provider settings")
			return
		}
		merged := stored.Merge(req.ProviderConfig)
		if !merged.Usable(key) {
			respondError(w, http.StatusBadRequest, "missing required settings for "+key)
			return
		}

		sel := store.DefaultProvider{Provider: key, ProviderConfig: merged}
		if err := configs.SetDefaultProvider(r.Context(), sel); err != nil {
			respondError(w, http.StatusInternalServerError, "failed to save default provider")
			return
		}
		sel.ProviderConfig = sel.ProviderConfig.Redacted()
		respond(w, http.StatusOK, "Default provider saved", sel)
	}
}

// providerKey reads and validates the {key} URL parameter.
func providerKey(w http.ResponseWriter, r *http.Request) (string, bool) {
	key := strings.ToLower(chi.URLParam(r, "key"))
	if !knownProvider(key) {
		respondError(w, http.StatusNotFound, "unknown provider "+key)
		return "", false
	}
	return key, true
}

// keepMaskedSecrets restores stored secrets that were submitted masked.
func keepMaskedSecrets(cfg, stored store.ProviderConfig) store.ProviderConfig {
	restore := func(dst *string, prev string) {
		if *dst == store.Mask {
			*dst = prev
		}
	}
	restore(&cfg.Password, stored.Password)
	restore(&cfg.SecretAccessKey, stored.SecretAccessKey)
	restore(&cfg.ClientSecret, stored.ClientSecret)
	return cfg
}
