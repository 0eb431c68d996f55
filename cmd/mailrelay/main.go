// Package main is the entry point for the mailrelay server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/shineum/mailrelay/internal/api"
	"github.com/shineum/mailrelay/internal/config"
	"github.com/shineum/mailrelay/internal/dispatch"
	"github.com/shineum/mailrelay/internal/logger"
	"github.com/shineum/mailrelay/internal/maillog"
	"github.com/shineum/mailrelay/internal/provider"
	"github.com/shineum/mailrelay/internal/provider/gmail"
	"github.com/shineum/mailrelay/internal/provider/native"
	"github.com/shineum/mailrelay/internal/provider/ses"
	"github.com/shineum/mailrelay/internal/provider/stdout"
	"github.com/shineum/mailrelay/internal/smtp"
	"github.com/shineum/mailrelay/internal/store"
	relaytls "github.com/shineum/mailrelay/internal/tls"
)

// shutdownTimeout bounds draining in-flight HTTP requests.
const shutdownTimeout = 15 * time.Second

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file (optional)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.NewFromConfig(logger.Config{
		Level:     cfg.Logging.Level,
		Output:    cfg.Logging.Output,
		FilePath:  cfg.Logging.FilePath,
		MaxSizeMB: cfg.Logging.MaxSizeMB,
		MaxFiles:  cfg.Logging.MaxFiles,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error().Err(err).Msg("mailrelay stopped with error")
		os.Exit(1)
	}
	log.Info().Msg("mailrelay stopped")
}

// loadConfig loads configuration from the specified path (YAML + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	if err := seedDefaultProvider(ctx, st, cfg.DefaultProvider, log); err != nil {
		return err
	}

	tokens := gmail.NewManager(st, gmail.OAuthOptions{RedirectURL: cfg.Gmail.RedirectURL}, log)
	sesClient := ses.New(st, log)
	registry := provider.NewRegistry(
		native.New(st, log, native.WithFallback(cfg.NativeProvider()), native.WithHelloName(cfg.Relay.Domain)),
		sesClient,
		gmail.New(tokens, gmail.Options{}, log),
		stdout.New(),
	)

	dispatcher := dispatch.New(st, registry, log,
		dispatch.WithListener(maillog.NewLog(log)),
		dispatch.WithListener(maillog.Metrics{}),
	)

	httpServer := &http.Server{
		Addr: cfg.HTTP.Listen,
		Handler: api.NewRouter(api.Deps{
			Sender:   dispatcher,
			SES:      sesClient,
			Gmail:    tokens,
			Store:    st,
			States:   api.NewStateStore(),
			APIToken: cfg.HTTP.APIToken,
			Logger:   log,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var relay *smtp.Server
	if cfg.RelayEnabled() {
		tlsConfig, err := relaytls.ServerConfig(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.Relay.Domain)
		if err != nil {
			return fmt.Errorf("setting up relay TLS: %w", err)
		}
		relay = smtp.New(smtp.ServerConfig{
			ListenAddr:        cfg.Relay.Listen,
			Domain:            cfg.Relay.Domain,
			TLSConfig:         tlsConfig,
			Username:          cfg.Relay.Username,
			Password:          cfg.Relay.Password,
			AllowInsecureAuth: cfg.Relay.AllowInsecureAuth,
			MaxMessageBytes:   cfg.Relay.MaxMessageSize,
		}, dispatcher, log)
	}

	log.Info().
		Str("http_listen", cfg.HTTP.Listen).
		Str("relay_listen", cfg.Relay.Listen).
		Str("store", cfg.Store.Backend).
		Bool("relay_auth", cfg.AuthEnabled()).
		Bool("api_auth", cfg.HTTP.APIToken != "").
		Strs("providers", registry.Names()).
		Msg("starting mailrelay")
	for _, w := range cfg.Warnings() {
		log.Warn().Msg(w)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		log.Info().Msg("shutting down http server")
		return httpServer.Shutdown(shutdownCtx)
	})

	if relay != nil {
		g.Go(func() error {
			return relay.ListenAndServe(ctx)
		})
	}

	return g.Wait()
}

// openStore builds the provider settings store for the configured backend.
func openStore(ctx context.Context, cfg config.StoreConfig) (*store.Store, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return store.New(store.NewMemory()), nil
	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.RedisAddr, err)
		}
		return store.New(store.NewRedis(client, cfg.RedisPrefix)), nil
	default:
		return store.New(store.NewFile(cfg.Path)), nil
	}
}

// seedDefaultProvider stores the configured default selection unless one is
// already stored.
func seedDefaultProvider(ctx context.Context, st *store.Store, key string, log zerolog.Logger) error {
	if key == "" {
		return nil
	}
	if _, ok, err := st.DefaultProvider(ctx); err != nil {
		return fmt.Errorf("reading default provider: %w", err)
	} else if ok {
		return nil
	}

	sel := store.DefaultProvider{Provider: key}
	if cfg, ok, err := st.Get(ctx, key); err == nil && ok {
		sel.ProviderConfig = cfg
	}
	if err := st.SetDefaultProvider(ctx, sel); err != nil {
		return fmt.Errorf("seeding default provider: %w", err)
	}
	log.Info().Str("provider", key).Msg("default provider seeded from configuration")
	return nil
}
