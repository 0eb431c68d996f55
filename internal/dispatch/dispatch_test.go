package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/shineum/mailrelay/internal/email"
	"github.com/shineum/mailrelay/internal/provider"
	"github.com/shineum/mailrelay/internal/store"
)

// fakeProvider records every request it is asked to send.
type fakeProvider struct {
	name   string
	result email.SendResult

	mu   sync.Mutex
	reqs []email.SendRequest
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Send(_ context.Context, req email.SendRequest) email.SendResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	return f.result
}

func (f *fakeProvider) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reqs)
}

type fakeSelection struct {
	sel store.DefaultProvider
	ok  bool
	err error
}

func (f fakeSelection) DefaultProvider(context.Context) (store.DefaultProvider, bool, error) {
	return f.sel, f.ok, f.err
}

// recorder is a Listener collecting events.
type recorder struct {
	mu     sync.Mutex
	sent   []Event
	failed []Event
}

func (r *recorder) OnSent(_ context.Context, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, ev)
}

func (r *recorder) OnFailed(_ context.Context, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, ev)
}

type fixture struct {
	smtp, ses, gmail *fakeProvider
	rec              *recorder
	d                *Dispatcher
}

func newFixture(sel fakeSelection) *fixture {
	ok := email.Succeeded("sent", nil)
	f := &fixture{
		smtp:  &fakeProvider{name: store.ProviderSMTP, result: ok},
		ses:   &fakeProvider{name: store.ProviderSES, result: ok},
		gmail: &fakeProvider{name: store.ProviderGmail, result: ok},
		rec:   &recorder{},
	}
	reg := provider.NewRegistry(f.smtp, f.ses, f.gmail)
	f.d = New(sel, reg, zerolog.Nop(), WithListener(f.rec))
	return f
}

func selected(key string) fakeSelection {
	return fakeSelection{sel: store.DefaultProvider{Provider: key}, ok: true}
}

func TestSend_RoutesToExactlyOneProvider(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		sel  fakeSelection
		want string
	}{
		{"no selection", fakeSelection{}, store.ProviderSMTP},
		{"empty provider", selected(""), store.ProviderSMTP},
		{"ses", selected(store.ProviderSES), store.ProviderSES},
		{"gmail", selected(store.ProviderGmail), store.ProviderGmail},
		{"smtp", selected(store.ProviderSMTP), store.ProviderSMTP},
		{"unknown key", selected("mailgun"), store.ProviderSMTP},
		{"store failure", fakeSelection{err: errors.New("redis down")}, store.ProviderSMTP},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(tt.sel)
			if err := f.d.Send(context.Background(), email.SendRequest{To: []string{"to@example.com"}}); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			calls := map[string]int{
				store.ProviderSMTP:  f.smtp.calls(),
				store.ProviderSES:   f.ses.calls(),
				store.ProviderGmail: f.gmail.calls(),
			}
			for key, n := range calls {
				want := 0
				if key == tt.want {
					want = 1
				}
				if n != want {
					t.Errorf("%s calls: got %d, want %d", key, n, want)
				}
			}
			if got := f.d.Route(context.Background()); got != tt.want {
				t.Errorf("Route: got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSend_SESForcesHTMLContentType(t *testing.T) {
	t.Parallel()

	f := newFixture(selected(store.ProviderSES))
	req := email.SendRequest{
		To:      []string{"to@example.com"},
		Message: "plain",
		Headers: []string{"Content-Type: text/plain", "Reply-To: r@example.com", "content-type: text/x-other"},
	}
	if err := f.d.Send(context.Background(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := f.ses.reqs[0]
	if ct := got.Header("Content-Type"); ct != htmlContentType {
		t.Errorf("Content-Type: got %q, want %q", ct, htmlContentType)
	}
	n := 0
	for _, h := range got.Headers {
		if name, _, _ := email.ParseHeader(h); name == "Content-Type" || name == "content-type" {
			n++
		}
	}
	if n != 1 {
		t.Errorf("Content-Type headers: got %d, want 1 (%v)", n, got.Headers)
	}
	if got.Header("Reply-To") != "r@example.com" {
		t.Errorf("Reply-To dropped: %v", got.Headers)
	}
	if req.Headers[0] != "Content-Type: text/plain" {
		t.Error("caller's request was modified")
	}
}

func TestSendVia_SESForcesHTMLContentType(t *testing.T) {
	t.Parallel()

	// The default route is smtp; the explicit key must still get the SES rule.
	f := newFixture(fakeSelection{})
	req := email.SendRequest{To: []string{"to@example.com"}, Headers: []string{"Content-Type: text/plain"}}
	if res := f.d.SendVia(context.Background(), store.ProviderSES, req); !res.Success {
		t.Fatalf("expected success, got %q", res.Message)
	}
	if ct := f.ses.reqs[0].Header("Content-Type"); ct != htmlContentType {
		t.Errorf("Content-Type: got %q, want %q", ct, htmlContentType)
	}
	if f.smtp.calls() != 0 {
		t.Errorf("smtp calls: got %d, want 0", f.smtp.calls())
	}
}

func TestSend_OtherProvidersKeepContentType(t *testing.T) {
	t.Parallel()

	for _, key := range []string{store.ProviderGmail, store.ProviderSMTP} {
		f := newFixture(selected(key))
		req := email.SendRequest{To: []string{"to@example.com"}, Headers: []string{"Content-Type: text/plain"}}
		if err := f.d.Send(context.Background(), req); err != nil {
			t.Fatalf("%s: unexpected error: %v", key, err)
		}
		var got email.SendRequest
		if key == store.ProviderGmail {
			got = f.gmail.reqs[0]
		} else {
			got = f.smtp.reqs[0]
		}
		if ct := got.Header("Content-Type"); ct != "text/plain" {
			t.Errorf("%s Content-Type: got %q, want text/plain", key, ct)
		}
	}
}

func TestSend_FailureReturnsSendError(t *testing.T) {
	t.Parallel()

	f := newFixture(selected(store.ProviderSES))
	cause := errors.Join(provider.ErrProviderCallFailed, errors.New("MessageRejected"))
	f.ses.result = email.Failed("Failed to send email through SES", cause)

	err := f.d.Send(context.Background(), email.SendRequest{To: []string{"to@example.com"}, Subject: "S"})
	var sendErr *SendError
	if !errors.As(err, &sendErr) {
		t.Fatalf("err: got %T %v, want *SendError", err, err)
	}
	if sendErr.Provider != store.ProviderSES {
		t.Errorf("Provider: got %q, want ses", sendErr.Provider)
	}
	if sendErr.Message != "Failed to send email through SES" {
		t.Errorf("Message: got %q", sendErr.Message)
	}
	if !errors.Is(err, provider.ErrProviderCallFailed) {
		t.Errorf("SendError should unwrap to the provider error")
	}

	if f.ses.calls() != 1 {
		t.Errorf("ses calls: got %d, want 1 (no retry)", f.ses.calls())
	}
	if len(f.rec.failed) != 1 || len(f.rec.sent) != 0 {
		t.Errorf("events: got %d failed, %d sent, want 1 and 0", len(f.rec.failed), len(f.rec.sent))
	}
	if ev := f.rec.failed[0]; ev.Provider != store.ProviderSES || ev.Subject != "S" || !errors.Is(ev.Err, provider.ErrProviderCallFailed) {
		t.Errorf("failure event: got %+v", ev)
	}
}

func TestSend_NotifiesOnEveryPath(t *testing.T) {
	t.Parallel()

	for _, key := range []string{store.ProviderSMTP, store.ProviderSES, store.ProviderGmail} {
		f := newFixture(selected(key))
		if err := f.d.Send(context.Background(), email.SendRequest{To: []string{"a@example.com", "b@example.com"}}); err != nil {
			t.Fatalf("%s: unexpected error: %v", key, err)
		}
		if len(f.rec.sent) != 1 {
			t.Fatalf("%s: sent events: got %d, want 1", key, len(f.rec.sent))
		}
		ev := f.rec.sent[0]
		if ev.Provider != key || len(ev.To) != 2 {
			t.Errorf("%s: event: got %+v", key, ev)
		}
	}
}

func TestSendVia(t *testing.T) {
	t.Parallel()

	f := newFixture(selected(store.ProviderSES))
	res := f.d.SendVia(context.Background(), store.ProviderGmail, email.SendRequest{To: []string{"to@example.com"}})
	if !res.Success {
		t.Fatalf("expected success, got %q", res.Message)
	}
	if f.gmail.calls() != 1 || f.ses.calls() != 0 {
		t.Errorf("calls: gmail %d ses %d, want 1 and 0", f.gmail.calls(), f.ses.calls())
	}

	res = f.d.SendVia(context.Background(), "pigeon", email.SendRequest{})
	if res.Success || !errors.Is(res.Err, provider.ErrUnknownProvider) {
		t.Errorf("unknown provider: got %+v", res)
	}
	if len(f.rec.failed) != 1 {
		t.Errorf("failed events: got %d, want 1", len(f.rec.failed))
	}
}

func TestSendVia_Duration(t *testing.T) {
	t.Parallel()

	base := time.Unix(1_700_000_000, 0)
	ticks := []time.Time{base, base.Add(250 * time.Millisecond)}
	i := 0
	clock := func() time.Time {
		now := ticks[i]
		i++
		return now
	}

	rec := &recorder{}
	d := New(fakeSelection{}, provider.NewRegistry(&fakeProvider{name: store.ProviderSMTP, result: email.Succeeded("ok", nil)}),
		zerolog.Nop(), WithListener(rec), WithClock(clock))
	d.SendVia(context.Background(), store.ProviderSMTP, email.SendRequest{})

	if got := rec.sent[0].Duration; got != 250*time.Millisecond {
		t.Errorf("Duration: got %v, want 250ms", got)
	}
}

func TestSendError_Error(t *testing.T) {
	t.Parallel()

	err := &SendError{Provider: "gmail", Message: "not connected"}
	if got := err.Error(); got != "send via gmail: not connected" {
		t.Errorf("Error(): got %q", got)
	}
	err.Err = errors.New("boom")
	if got := err.Error(); got != "send via gmail: not connected: boom" {
		t.Errorf("Error(): got %q", got)
	}
}
