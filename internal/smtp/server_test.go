package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"
	"github.com/rs/zerolog"

	"github.com/shineum/mailrelay/internal/email"
	relaytls "github.com/shineum/mailrelay/internal/tls"
)

// fakeDispatcher records relayed requests.
type fakeDispatcher struct {
	mu   sync.Mutex
	reqs []email.SendRequest
	err  error
}

func (d *fakeDispatcher) Send(_ context.Context, req email.SendRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reqs = append(d.reqs, req)
	return d.err
}

func (d *fakeDispatcher) requests() []email.SendRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]email.SendRequest(nil), d.reqs...)
}

// startRelay serves cfg on a loopback port until the test ends.
func startRelay(t *testing.T, cfg ServerConfig, d Dispatcher) *Server {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := New(cfg, d, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("relay did not shut down")
		}
	})

	// Serve records the listener before accepting.
	deadline := time.Now().Add(2 * time.Second)
	for srv.Addr() == "" && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	return srv
}

func dial(t *testing.T, srv *Server) *gosmtp.Client {
	t.Helper()
	c, err := gosmtp.Dial(srv.Addr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	if err := c.Hello("client.example.com"); err != nil {
		t.Fatalf("EHLO: %v", err)
	}
	return c
}

// send runs one transaction and returns the error of the first failing step.
func send(c *gosmtp.Client, from string, to []string, body string) error {
	if err := c.Mail(from, nil); err != nil {
		return err
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt, nil); err != nil {
			return err
		}
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write([]byte(body)); err != nil {
		return err
	}
	return w.Close()
}

func smtpCode(t *testing.T, err error) int {
	t.Helper()
	var smtpErr *gosmtp.SMTPError
	if !errors.As(err, &smtpErr) {
		t.Fatalf("expected an SMTP error, got %v", err)
	}
	return smtpErr.Code
}

const simpleMessage = "From: App <app@example.com>\r\n" +
	"To: alice@example.com\r\n" +
	"Subject: Nightly report\r\n" +
	"Content-Type: text/plain\r\n" +
	"\r\n" +
	"All jobs finished.\r\n"

func TestRelay_DeliversMessage(t *testing.T) {
	t.Parallel()

	d := &fakeDispatcher{}
	srv := startRelay(t, ServerConfig{}, d)
	c := dial(t, srv)

	if err := send(c, "app@example.com", []string{"alice@example.com"}, simpleMessage); err != nil {
		t.Fatalf("send: %v", err)
	}

	reqs := d.requests()
	if len(reqs) != 1 {
		t.Fatalf("dispatched %d messages, want 1", len(reqs))
	}
	req := reqs[0]
	if len(req.To) != 1 || req.To[0] != "alice@example.com" {
		t.Errorf("To: got %v", req.To)
	}
	if req.Subject != "Nightly report" {
		t.Errorf("Subject: got %q, want %q", req.Subject, "Nightly report")
	}
	if req.Header("From") != "App <app@example.com>" {
		t.Errorf("From: got %q", req.Header("From"))
	}
	if !strings.HasPrefix(req.Message, "All jobs finished.") {
		t.Errorf("Message: got %q", req.Message)
	}
}

func TestRelay_EnvelopeRecipientsWin(t *testing.T) {
	t.Parallel()

	d := &fakeDispatcher{}
	srv := startRelay(t, ServerConfig{}, d)
	c := dial(t, srv)

	body := "From: app@example.com\r\n" +
		"To: list@example.com\r\n" +
		"Cc: bob@example.com\r\n" +
		"Subject: x\r\n" +
		"\r\n" +
		"hi\r\n"
	if err := send(c, "app@example.com", []string{"alice@example.com", "bob@example.com"}, body); err != nil {
		t.Fatalf("send: %v", err)
	}

	req := d.requests()[0]
	if len(req.To) != 1 || req.To[0] != "alice@example.com" {
		t.Errorf("To: got %v, want [alice@example.com]", req.To)
	}
	if req.Header("Cc") != "bob@example.com" {
		t.Errorf("Cc: got %q", req.Header("Cc"))
	}
}

func TestRelay_DispatchFailureIsTemporary(t *testing.T) {
	t.Parallel()

	d := &fakeDispatcher{err: errors.New("provider down")}
	srv := startRelay(t, ServerConfig{}, d)
	c := dial(t, srv)

	err := send(c, "app@example.com", []string{"alice@example.com"}, simpleMessage)
	var smtpErr *gosmtp.SMTPError
	if !errors.As(err, &smtpErr) {
		t.Fatalf("expected an SMTP error, got %v", err)
	}
	if smtpErr.Code != 451 || smtpErr.EnhancedCode != (gosmtp.EnhancedCode{4, 3, 0}) {
		t.Errorf("reply: got %d %v, want 451 4.3.0", smtpErr.Code, smtpErr.EnhancedCode)
	}
	if strings.Contains(smtpErr.Message, "provider down") {
		t.Errorf("internal error leaked to client: %q", smtpErr.Message)
	}
}

func TestRelay_UnparseableMessage(t *testing.T) {
	t.Parallel()

	d := &fakeDispatcher{}
	srv := startRelay(t, ServerConfig{}, d)
	c := dial(t, srv)

	err := send(c, "app@example.com", []string{"alice@example.com"}, "this is not a header\r\n\r\nbody\r\n")
	if code := smtpCode(t, err); code != 550 {
		t.Errorf("code: got %d, want 550", code)
	}
	if len(d.requests()) != 0 {
		t.Error("unparseable message was dispatched")
	}
}

func TestRelay_MessageTooLarge(t *testing.T) {
	t.Parallel()

	d := &fakeDispatcher{}
	srv := startRelay(t, ServerConfig{MaxMessageBytes: 64}, d)
	c := dial(t, srv)

	body := simpleMessage + strings.Repeat("x", 256) + "\r\n"
	if code := smtpCode(t, send(c, "app@example.com", []string{"alice@example.com"}, body)); code != 552 {
		t.Errorf("code: got %d, want 552", code)
	}
	if len(d.requests()) != 0 {
		t.Error("oversized message was dispatched")
	}
}

func TestRelay_Auth(t *testing.T) {
	t.Parallel()

	cfg := ServerConfig{Username: "relay", Password: "s3cret", AllowInsecureAuth: true}

	t.Run("required", func(t *testing.T) {
		t.Parallel()
		d := &fakeDispatcher{}
		c := dial(t, startRelay(t, cfg, d))
		if code := smtpCode(t, c.Mail("app@example.com", nil)); code != 530 {
			t.Errorf("code: got %d, want 530", code)
		}
	})

	t.Run("wrong password", func(t *testing.T) {
		t.Parallel()
		d := &fakeDispatcher{}
		c := dial(t, startRelay(t, cfg, d))
		if code := smtpCode(t, c.Auth(sasl.NewPlainClient("", "relay", "wrong"))); code != 535 {
			t.Errorf("code: got %d, want 535", code)
		}
	})

	t.Run("valid", func(t *testing.T) {
		t.Parallel()
		d := &fakeDispatcher{}
		c := dial(t, startRelay(t, cfg, d))
		if err := c.Auth(sasl.NewPlainClient("", "relay", "s3cret")); err != nil {
			t.Fatalf("auth: %v", err)
		}
		if err := send(c, "app@example.com", []string{"alice@example.com"}, simpleMessage); err != nil {
			t.Fatalf("send: %v", err)
		}
		if len(d.requests()) != 1 {
			t.Errorf("dispatched %d messages, want 1", len(d.requests()))
		}
	})
}

func TestRelay_STARTTLS(t *testing.T) {
	t.Parallel()

	serverTLS, err := relaytls.ServerConfig("", "", "127.0.0.1")
	if err != nil {
		t.Fatalf("ServerConfig: %v", err)
	}
	clientTLS, err := relaytls.ClientConfig(serverTLS)
	if err != nil {
		t.Fatalf("ClientConfig: %v", err)
	}
	clientTLS.ServerName = "127.0.0.1"

	d := &fakeDispatcher{}
	srv := startRelay(t, ServerConfig{TLSConfig: serverTLS, Username: "relay", Password: "s3cret"}, d)
	c := dial(t, srv)

	if ok, _ := c.Extension("AUTH"); ok {
		t.Error("AUTH advertised before STARTTLS")
	}
	if ok, _ := c.Extension("STARTTLS"); !ok {
		t.Fatal("STARTTLS not advertised")
	}
	_ = c.Close()

	c, err = gosmtp.DialStartTLS(srv.Addr(), clientTLS)
	if err != nil {
		t.Fatalf("STARTTLS: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	if state, ok := c.TLSConnectionState(); !ok || state.Version < tls.VersionTLS12 {
		t.Fatalf("expected a TLS 1.2+ connection, got %+v", state)
	}
	if err := c.Auth(sasl.NewPlainClient("", "relay", "s3cret")); err != nil {
		t.Fatalf("auth: %v", err)
	}
	if err := send(c, "app@example.com", []string{"alice@example.com"}, simpleMessage); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(d.requests()) != 1 {
		t.Errorf("dispatched %d messages, want 1", len(d.requests()))
	}
}

func TestServer_ShutdownOnCancel(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := New(ServerConfig{}, &fakeDispatcher{}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve: got %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestEnvelopeRequest(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		req        email.SendRequest
		from       string
		recipients []string
		wantTo     []string
		wantFrom   string
	}{
		{
			name:       "envelope replaces header To",
			req:        email.SendRequest{To: []string{"header@example.com"}, Headers: []string{"From: a@example.com"}},
			from:       "bounce@example.com",
			recipients: []string{"x@example.com"},
			wantTo:     []string{"x@example.com"},
			wantFrom:   "a@example.com",
		},
		{
			name:       "bcc recipients stay out of To",
			req:        email.SendRequest{Headers: []string{"Bcc: Hidden@example.com"}},
			from:       "app@example.com",
			recipients: []string{"x@example.com", "hidden@example.com"},
			wantTo:     []string{"x@example.com"},
			wantFrom:   "app@example.com",
		},
		{
			name:       "only copied recipients keeps them all",
			req:        email.SendRequest{Headers: []string{"Cc: c@example.com"}},
			from:       "",
			recipients: []string{"c@example.com"},
			wantTo:     []string{"c@example.com"},
			wantFrom:   "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := envelopeRequest(tt.req, tt.from, tt.recipients)
			if strings.Join(got.To, ",") != strings.Join(tt.wantTo, ",") {
				t.Errorf("To: got %v, want %v", got.To, tt.wantTo)
			}
			if got.Header("From") != tt.wantFrom {
				t.Errorf("From: got %q, want %q", got.Header("From"), tt.wantFrom)
			}
		})
	}
}
