package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/rs/zerolog"
)

// shutdownTimeout is the maximum time to wait for in-flight sessions
// during graceful shutdown.
const shutdownTimeout = 30 * time.Second

// ServerConfig holds the configuration for an SMTP server.
type ServerConfig struct {
	// ListenAddr is the address to listen on (e.g., ":2525").
	ListenAddr string

	// Domain is the server hostname used in the greeting and EHLO responses.
	Domain string

	// TLSConfig enables STARTTLS. If nil, STARTTLS is not advertised.
	TLSConfig *tls.Config

	// Username and Password configure SMTP AUTH.
	// If both are empty, authentication is not required.
	Username string
	Password string

	// AllowInsecureAuth allows AUTH before STARTTLS.
	AllowInsecureAuth bool

	// MaxMessageBytes limits the size of DATA. Zero means no limit.
	MaxMessageBytes int64

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server is an SMTP server that accepts messages and hands them to the
// dispatcher.
type Server struct {
	config ServerConfig
	srv    *gosmtp.Server
	log    zerolog.Logger

	mu       sync.Mutex
	listener net.Listener
}

// New creates a new SMTP Server with the given configuration.
func New(cfg ServerConfig, dispatcher Dispatcher, log zerolog.Logger) *Server {
	if cfg.Domain == "" {
		cfg.Domain = "localhost"
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 60 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 60 * time.Second
	}

	log = log.With().Str("component", "smtp_relay").Logger()
	backend := NewBackend(dispatcher, NewAuthenticator(cfg.Username, cfg.Password), log)

	srv := gosmtp.NewServer(backend)
	srv.Addr = cfg.ListenAddr
	srv.Domain = cfg.Domain
	srv.ReadTimeout = cfg.ReadTimeout
	srv.WriteTimeout = cfg.WriteTimeout
	srv.MaxMessageBytes = cfg.MaxMessageBytes
	srv.MaxRecipients = 100
	srv.AllowInsecureAuth = cfg.AllowInsecureAuth || cfg.TLSConfig == nil
	srv.TLSConfig = cfg.TLSConfig

	return &Server{config: cfg, srv: srv, log: log}
}

// ListenAndServe listens on the configured address and serves until ctx is
// cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled. On cancellation it
// stops accepting new connections and waits up to 30 seconds for in-flight
// sessions to complete.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.log.Info().
		Str("addr", ln.Addr().String()).
		Bool("auth_enabled", s.config.Username != "" && s.config.Password != "").
		Bool("tls_enabled", s.config.TLSConfig != nil).
		Msg("SMTP relay listening")

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, gosmtp.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.log.Info().Msg("shutting down SMTP relay")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		s.log.Warn().Err(err).Msg("shutdown timeout reached, forcing close")
		_ = s.srv.Close()
	}
	// Serve may not have registered ln before the shutdown began.
	_ = ln.Close()
	<-errCh
	return nil
}

// Addr returns the listener address, or empty string if not listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}
