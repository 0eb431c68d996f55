package smtp

import (
	"context"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/rs/zerolog"

	"github.com/shineum/mailrelay/internal/email"
	"github.com/shineum/mailrelay/internal/logger"
	"github.com/shineum/mailrelay/internal/metrics"
	"github.com/shineum/mailrelay/internal/parser"
)

// Dispatcher delivers relayed messages.
type Dispatcher interface {
	Send(ctx context.Context, req email.SendRequest) error
}

// Backend implements the go-smtp Backend interface.
type Backend struct {
	dispatcher Dispatcher
	parser     *parser.Parser
	auth       *Authenticator
	log        zerolog.Logger
}

// NewBackend creates a Backend handing messages to dispatcher.
func NewBackend(dispatcher Dispatcher, auth *Authenticator, log zerolog.Logger) *Backend {
	return &Backend{
		dispatcher: dispatcher,
		parser:     parser.New(log),
		auth:       auth,
		log:        log,
	}
}

// NewSession is called for every new connection.
func (b *Backend) NewSession(conn *gosmtp.Conn) (gosmtp.Session, error) {
	correlationID := logger.NewCorrelationID()
	ctx := logger.WithCorrelationID(context.Background(), correlationID)
	ctx = logger.WithLogger(ctx, b.log)

	sessionLog := b.log.With().
		Str("correlation_id", correlationID).
		Str("remote_addr", conn.Conn().RemoteAddr().String()).
		Logger()

	metrics.SMTPRelaySessionsTotal.WithLabelValues("accepted").Inc()
	sessionLog.Debug().Msg("new SMTP session")

	return &Session{
		ctx:     ctx,
		backend: b,
		log:     sessionLog,
	}, nil
}
