// Package config loads the relay configuration from an optional YAML file
// with environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/shineum/mailrelay/internal/store"
)

// defaultMaxMessageSize is 25 MB in bytes.
const defaultMaxMessageSize = 26214400

// Store backends.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendRedis  = "redis"
)

// Config holds the complete application configuration.
type Config struct {
	// DefaultProvider seeds the default provider selection when none is stored.
	DefaultProvider string        `yaml:"default_provider"`
	HTTP            HTTPConfig    `yaml:"http"`
	Relay           RelayConfig   `yaml:"relay"`
	TLS             TLSConfig     `yaml:"tls"`
	Store           StoreConfig   `yaml:"store"`
	Gmail           GmailConfig   `yaml:"gmail"`
	Native          NativeConfig  `yaml:"native"`
	Logging         LoggingConfig `yaml:"logging"`
}

// HTTPConfig holds the admin and send API listener configuration.
type HTTPConfig struct {
	Listen   string `yaml:"listen"`
	APIToken string `yaml:"api_token"`
}

// RelayConfig holds the inbound SMTP relay configuration. An empty Listen
// disables the relay.
type RelayConfig struct {
	Listen            string `yaml:"listen"`
	Domain            string `yaml:"domain"`
	Username          string `yaml:"username"`
	Password          string `yaml:"password"`
	MaxMessageSize    int64  `yaml:"max_message_size"`
	AllowInsecureAuth bool   `yaml:"allow_insecure_auth"`
}

// TLSConfig holds TLS certificate file paths.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// StoreConfig selects and configures the provider settings backend.
type StoreConfig struct {
	Backend       string `yaml:"backend"`
	Path          string `yaml:"path"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	RedisPrefix   string `yaml:"redis_prefix"`
}

// GmailConfig holds the OAuth settings that are not stored per provider.
type GmailConfig struct {
	RedirectURL string `yaml:"redirect_url"`
}

// NativeConfig is the SMTP server used when no "smtp" provider entry is stored.
type NativeConfig struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	Security  string `yaml:"security"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	FromName  string `yaml:"from_name"`
	FromEmail string `yaml:"from_email"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level     string `yaml:"level"`
	Output    string `yaml:"output"`
	FilePath  string `yaml:"file_path"`
	MaxSizeMB int    `yaml:"max_size_mb"`
	MaxFiles  int    `yaml:"max_files"`
}

// Load loads configuration from environment variables over the defaults.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvVars()
	return cfg, cfg.Validate()
}

// LoadFromFile loads configuration from a YAML file as the base layer, then
// overrides with environment variables. A missing file is an error.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment variables always override YAML values
	cfg.applyEnvVars()

	return cfg, cfg.Validate()
}

// Validate reports settings that cannot work together.
func (c *Config) Validate() error {
	var errs []error

	switch c.Store.Backend {
	case BackendMemory:
	case BackendFile:
		if c.Store.Path == "" {
			errs = append(errs, errors.New("store.path is required for the file backend"))
		}
	case BackendRedis:
		if c.Store.RedisAddr == "" {
			errs = append(errs, errors.New("store.redis_addr is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.backend %q", c.Store.Backend))
	}

	if (c.Relay.Username == "") != (c.Relay.Password == "") {
		errs = append(errs, errors.New("relay.username and relay.password must be set together"))
	}
	if c.Logging.Output == "file" && c.Logging.FilePath == "" {
		errs = append(errs, errors.New("logging.file_path is required for file output"))
	}
	switch c.DefaultProvider {
	case "", store.ProviderSMTP, store.ProviderSES, store.ProviderGmail, store.ProviderStdout:
	default:
		errs = append(errs, fmt.Errorf("unknown default_provider %q", c.DefaultProvider))
	}

	return errors.Join(errs...)
}

// Warnings lists settings that are valid but leave a listener open to anyone
// who can reach it.
func (c *Config) Warnings() []string {
	var warnings []string
	if c.HTTP.APIToken == "" {
		warnings = append(warnings, "http.api_token is empty, the admin and send API accepts unauthenticated requests")
	}
	if c.RelayEnabled() && !c.AuthEnabled() {
		warnings = append(warnings, "relay.username and relay.password are empty, the SMTP relay accepts mail without authentication")
	}
	return warnings
}

// RelayEnabled reports whether the SMTP relay listener should start.
func (c *Config) RelayEnabled() bool {
	return c.Relay.Listen != ""
}

// AuthEnabled reports whether relay clients must authenticate.
func (c *Config) AuthEnabled() bool {
	return c.Relay.Username != "" && c.Relay.Password != ""
}

// NativeProvider returns the native section as provider settings.
func (c *Config) NativeProvider() store.ProviderConfig {
	return store.ProviderConfig{
		Host:      c.Native.Host,
		Port:      c.Native.Port,
		Security:  c.Native.Security,
		Username:  c.Native.Username,
		Password:  c.Native.Password,
		FromName:  c.Native.FromName,
		FromEmail: c.Native.FromEmail,
	}
}

// applyDefaults sets default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.HTTP.Listen = ":8080"
	c.Relay.Listen = ":2525"
	c.Relay.Domain = "localhost"
	c.Relay.MaxMessageSize = defaultMaxMessageSize
	c.Store.Backend = BackendFile
	c.Store.Path = "data/mailrelay.yaml"
	c.Store.RedisPrefix = "mailrelay:"
	c.Native.Port = 25
	c.Logging.Level = "info"
	c.Logging.Output = "stdout"
	c.Logging.MaxSizeMB = 100
	c.Logging.MaxFiles = 5
}

// applyEnvVars overrides configuration with MAILRELAY_* environment variables.
// Only non-empty variables override existing values; unparsable numbers are ignored.
func (c *Config) applyEnvVars() {
	if v := os.Getenv("MAILRELAY_DEFAULT_PROVIDER"); v != "" {
		c.DefaultProvider = strings.ToLower(v)
	}

	envString("MAILRELAY_HTTP_LISTEN", &c.HTTP.Listen)
	envString("MAILRELAY_API_TOKEN", &c.HTTP.APIToken)

	envString("MAILRELAY_RELAY_LISTEN", &c.Relay.Listen)
	envString("MAILRELAY_RELAY_DOMAIN", &c.Relay.Domain)
	envString("MAILRELAY_RELAY_USERNAME", &c.Relay.Username)
	envString("MAILRELAY_RELAY_PASSWORD", &c.Relay.Password)
	if v := os.Getenv("MAILRELAY_RELAY_MAX_MESSAGE_SIZE"); v != "" {
		if size, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Relay.MaxMessageSize = size
		}
	}
	if v := os.Getenv("MAILRELAY_RELAY_ALLOW_INSECURE_AUTH"); v != "" {
		if allow, err := strconv.ParseBool(v); err == nil {
			c.Relay.AllowInsecureAuth = allow
		}
	}

	envString("MAILRELAY_TLS_CERT_FILE", &c.TLS.CertFile)
	envString("MAILRELAY_TLS_KEY_FILE", &c.TLS.KeyFile)

	if v := os.Getenv("MAILRELAY_STORE_BACKEND"); v != "" {
		c.Store.Backend = strings.ToLower(v)
	}
	envString("MAILRELAY_STORE_PATH", &c.Store.Path)
	envString("MAILRELAY_REDIS_ADDR", &c.Store.RedisAddr)
	envString("MAILRELAY_REDIS_PASSWORD", &c.Store.RedisPassword)
	envInt("MAILRELAY_REDIS_DB", &c.Store.RedisDB)
	envString("MAILRELAY_REDIS_PREFIX", &c.Store.RedisPrefix)

	envString("MAILRELAY_GMAIL_REDIRECT_URL", &c.Gmail.RedirectURL)

	envString("MAILRELAY_NATIVE_HOST", &c.Native.Host)
	envInt("MAILRELAY_NATIVE_PORT", &c.Native.Port)
	if v := os.Getenv("MAILRELAY_NATIVE_SECURITY"); v != "" {
		c.Native.Security = strings.ToUpper(v)
	}
	envString("MAILRELAY_NATIVE_USERNAME", &c.Native.Username)
	envString("MAILRELAY_NATIVE_PASSWORD", &c.Native.Password)
	envString("MAILRELAY_NATIVE_FROM_NAME", &c.Native.FromName)
	envString("MAILRELAY_NATIVE_FROM_EMAIL", &c.Native.FromEmail)

	if v := os.Getenv("MAILRELAY_LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	envString("MAILRELAY_LOG_OUTPUT", &c.Logging.Output)
	envString("MAILRELAY_LOG_FILE_PATH", &c.Logging.FilePath)
	envInt("MAILRELAY_LOG_MAX_SIZE_MB", &c.Logging.MaxSizeMB)
	envInt("MAILRELAY_LOG_MAX_FILES", &c.Logging.MaxFiles)
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
