// Package store persists provider configuration, the default-provider selection
// and the Gmail OAuth credential in a key-value backend.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Provider identifiers.
const (
	ProviderSMTP   = "smtp"
	ProviderSES    = "ses"
	ProviderGmail  = "gmail"
	ProviderStdout = "stdout"
)

// Option keys under which values are stored.
const (
	KeyDefaultProvider = "mailrelay_default_provider"
	KeyProviders       = "mailrelay_providers"
	KeyGmailToken      = "mailrelay_gmail_token"
)

// ProviderConfig holds the settings of one provider. Which fields apply
// depends on the provider; see Usable.
type ProviderConfig struct {
	// SMTP
	Host     string `json:"host,omitempty"`
	Port     int    `json:"port,omitempty"`
	Security string `json:"security,omitempty"` // TLS (STARTTLS), SSL (implicit) or empty
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	FromName string `json:"from_name,omitempty"`

	// SMTP and SES
	FromEmail string `json:"from_email,omitempty"`

	// SES
	Region          string `json:"region,omitempty"`
	AccessKeyID     string `json:"access_key_id,omitempty"`
	SecretAccessKey string `json:"secret_access_key,omitempty"`
	Endpoint        string `json:"endpoint,omitempty"`

	// Gmail
	ClientID     string `json:"client_id,omitempty"`
	ClientSecret string `json:"client_secret,omitempty"`
}

// Usable reports whether every field the given provider requires is set.
func (c ProviderConfig) Usable(provider string) bool {
	switch provider {
	case ProviderSMTP:
		return c.Host != "" && c.Port > 0 && c.FromEmail != ""
	case ProviderSES:
		return c.Region != "" && c.AccessKeyID != "" && c.SecretAccessKey != "" && c.FromEmail != ""
	case ProviderGmail:
		return c.ClientID != "" && c.ClientSecret != ""
	case ProviderStdout:
		return true
	default:
		return false
	}
}

// Mask replaces secret values in redacted configurations.
const Mask = "********"

// Redacted returns a copy with secrets masked, for display.
func (c ProviderConfig) Redacted() ProviderConfig {
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return Mask
	}
	c.Password = mask(c.Password)
	c.SecretAccessKey = mask(c.SecretAccessKey)
	c.ClientSecret = mask(c.ClientSecret)
	return c
}

// DefaultProvider designates the provider that handles generic sends, with
// that provider's fields merged in.
type DefaultProvider struct {
	Provider string `json:"provider"`
	ProviderConfig
}

// OAuthCredential is the stored Gmail token pair. Created is a unix timestamp
// in seconds and ExpiresIn a lifetime in seconds.
type OAuthCredential struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int64  `json:"expires_in"`
	Created      int64  `json:"created"`
}

// ExpiresAt returns the absolute expiry instant.
func (c OAuthCredential) ExpiresAt() time.Time {
	return time.Unix(c.Created+c.ExpiresIn, 0)
}

// Stale reports whether the token must be refreshed at now, treating it as
// expired margin before its actual expiry.
func (c OAuthCredential) Stale(now time.Time, margin time.Duration) bool {
	return !now.Before(c.ExpiresAt().Add(-margin))
}

// Store is the typed configuration repository over a KV backend.
// Every setter overwrites the whole value; last write wins.
type Store struct {
	kv KV
}

// New creates a Store on top of the given backend.
func New(kv KV) *Store {
	return &Store{kv: kv}
}

// Get returns the configuration for one provider. A missing entry is reported
// through the boolean, not as an error.
func (s *Store) Get(ctx context.Context, provider string) (ProviderConfig, bool, error) {
	all, err := s.Providers(ctx)
	if err != nil {
		return ProviderConfig{}, false, err
	}
	cfg, ok := all[provider]
	return cfg, ok, nil
}

// Merge returns c with every non-empty field of over applied on top. Secrets
// equal to Mask are ignored so a redacted form can be submitted back.
func (c ProviderConfig) Merge(over ProviderConfig) ProviderConfig {
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	secret := func(dst *string, v string) {
		if v != Mask {
			set(dst, v)
		}
	}

	set(&c.Host, over.Host)
	if over.Port > 0 {
		c.Port = over.Port
	}
	set(&c.Security, over.Security)
	set(&c.Username, over.Username)
	secret(&c.Password, over.Password)
	set(&c.FromName, over.FromName)
	set(&c.FromEmail, over.FromEmail)
	set(&c.Region, over.Region)
	set(&c.AccessKeyID, over.AccessKeyID)
	secret(&c.SecretAccessKey, over.SecretAccessKey)
	set(&c.Endpoint, over.Endpoint)
	set(&c.ClientID, over.ClientID)
	secret(&c.ClientSecret, over.ClientSecret)
	return c
}

// Providers returns the whole provider map.
func (s *Store) Providers(ctx context.Context) (map[string]ProviderConfig, error) {
	all := make(map[string]ProviderConfig)
	if _, err := s.load(ctx, KeyProviders, &all); err != nil {
		return nil, err
	}
	return all, nil
}

// SetProviderConfig replaces the configuration of one provider.
func (s *Store) SetProviderConfig(ctx context.Context, provider string, cfg ProviderConfig) error {
	all, err := s.Providers(ctx)
	if err != nil {
		return err
	}
	all[provider] = cfg
	return s.save(ctx, KeyProviders, all)
}

// DefaultProvider returns the current default-provider selection.
func (s *Store) DefaultProvider(ctx context.Context) (DefaultProvider, bool, error) {
	var sel DefaultProvider
	ok, err := s.load(ctx, KeyDefaultProvider, &sel)
	if err != nil || !ok {
		return DefaultProvider{}, false, err
	}
	return sel, true, nil
}

// SetDefaultProvider replaces the default-provider selection.
func (s *Store) SetDefaultProvider(ctx context.Context, sel DefaultProvider) error {
	return s.save(ctx, KeyDefaultProvider, sel)
}

// GmailCredential returns the stored OAuth credential, if any.
func (s *Store) GmailCredential(ctx context.Context) (OAuthCredential, bool, error) {
	var cred OAuthCredential
	ok, err := s.load(ctx, KeyGmailToken, &cred)
	if err != nil || !ok {
		return OAuthCredential{}, false, err
	}
	return cred, true, nil
}

// SetGmailCredential replaces the stored OAuth credential.
func (s *Store) SetGmailCredential(ctx context.Context, cred OAuthCredential) error {
	return s.save(ctx, KeyGmailToken, cred)
}

// DeleteGmailCredential removes the stored OAuth credential.
func (s *Store) DeleteGmailCredential(ctx context.Context) error {
	if err := s.kv.Delete(ctx, KeyGmailToken); err != nil {
		return fmt.Errorf("delete %s: %w", KeyGmailToken, err)
	}
	return nil
}

func (s *Store) load(ctx context.Context, key string, v any) (bool, error) {
	data, ok, err := s.kv.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("read %s: %w", key, err)
	}
	if !ok || len(data) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func (s *Store) save(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := s.kv.Set(ctx, key, data); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}
