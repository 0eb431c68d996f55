package ses

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/shineum/mailrelay/internal/email"
	"github.com/shineum/mailrelay/internal/provider"
	"github.com/shineum/mailrelay/internal/store"
)

type contentField struct {
	Data string `json:"Data"`
}

type sendPayload struct {
	FromEmailAddress string `json:"FromEmailAddress"`
	Destination      struct {
		ToAddresses  []string `json:"ToAddresses"`
		CcAddresses  []string `json:"CcAddresses"`
		BccAddresses []string `json:"BccAddresses"`
	} `json:"Destination"`
	Content struct {
		Simple *struct {
			Subject contentField `json:"Subject"`
			Body    struct {
				Html *contentField `json:"Html"`
				Text *contentField `json:"Text"`
			} `json:"Body"`
		} `json:"Simple"`
		Raw *struct {
			Data []byte `json:"Data"`
		} `json:"Raw"`
	} `json:"Content"`
}

// fakeSES is an SES v2 endpoint recording the calls it receives.
type fakeSES struct {
	mu    sync.Mutex
	calls map[string]int
	sent  []sendPayload

	sendStatus int
	sendBody   string
	errorType  string

	identities string
	verified   map[string]bool
	statuses   map[string]string
}

func newFakeSES() *fakeSES {
	return &fakeSES{
		calls:      make(map[string]int),
		sendStatus: http.StatusOK,
		sendBody:   `{"MessageId":"msg-123"}`,
		identities: `{"EmailIdentities":[]}`,
		verified:   make(map[string]bool),
		statuses:   make(map[string]string),
	}
}

func (f *fakeSES) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeSES) payloads() []sendPayload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sendPayload(nil), f.sent...)
}

func (f *fakeSES) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/v2/email/outbound-emails":
		f.calls["SendEmail"]++
		var p sendPayload
		_ = json.NewDecoder(r.Body).Decode(&p)
		f.sent = append(f.sent, p)
		if f.errorType != "" {
			w.Header().Set("X-Amzn-ErrorType", f.errorType)
		}
		w.WriteHeader(f.sendStatus)
		_, _ = w.Write([]byte(f.sendBody))
	case r.Method == http.MethodPost && r.URL.Path == "/v2/email/identities":
		f.calls["CreateEmailIdentity"]++
		_, _ = w.Write([]byte(`{"IdentityType":"EMAIL_ADDRESS","VerifiedForSendingStatus":false}`))
	case r.Method == http.MethodGet && r.URL.Path == "/v2/email/identities":
		f.calls["ListEmailIdentities"]++
		_, _ = w.Write([]byte(f.identities))
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/v2/email/identities/"):
		f.calls["GetEmailIdentity"]++
		name := strings.TrimPrefix(r.URL.Path, "/v2/email/identities/")
		out := map[string]any{
			"IdentityType":             "EMAIL_ADDRESS",
			"VerifiedForSendingStatus": f.verified[name],
		}
		if status, ok := f.statuses[name]; ok {
			out["VerificationStatus"] = status
		}
		body, _ := json.Marshal(out)
		_, _ = w.Write(body)
	default:
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"unexpected request"}`))
	}
}

func setup(t *testing.T) (*fakeSES, *store.ProviderConfig, *Client) {
	t.Helper()
	fake := newFakeSES()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	cfg := &store.ProviderConfig{
		Region:          "us-east-1",
		AccessKeyID:     "AKIDEXAMPLE",
		SecretAccessKey: "secret",
		FromEmail:       "sender@example.com",
		Endpoint:        srv.URL,
	}
	return fake, cfg, New(nil, zerolog.Nop())
}

func TestName(t *testing.T) {
	t.Parallel()
	if got := New(nil, zerolog.Nop()).Name(); got != "ses" {
		t.Errorf("Name(): got %q, want %q", got, "ses")
	}
}

func TestSendEmail_DualBody(t *testing.T) {
	t.Parallel()

	fake, cfg, c := setup(t)
	req := email.SendRequest{
		To:      []string{"to@example.com"},
		Subject: "Hello",
		Message: "<p>Hello <b>World</b></p>",
		Headers: []string{"Cc: cc@example.com"},
	}

	res := c.SendEmail(context.Background(), req, cfg)
	if !res.Success {
		t.Fatalf("expected success, got %q (%v)", res.Message, res.Err)
	}
	if data, ok := res.Data.(map[string]string); !ok || data["message_id"] != "msg-123" {
		t.Errorf("data: got %#v", res.Data)
	}

	sent := fake.payloads()
	if len(sent) != 1 {
		t.Fatalf("SendEmail calls: got %d, want 1", len(sent))
	}
	p := sent[0]
	if p.FromEmailAddress != "sender@example.com" {
		t.Errorf("FromEmailAddress: got %q", p.FromEmailAddress)
	}
	if len(p.Destination.ToAddresses) != 1 || p.Destination.ToAddresses[0] != "to@example.com" {
		t.Errorf("ToAddresses: got %v", p.Destination.ToAddresses)
	}
	if len(p.Destination.CcAddresses) != 1 || p.Destination.CcAddresses[0] != "cc@example.com" {
		t.Errorf("CcAddresses: got %v", p.Destination.CcAddresses)
	}
	simple := p.Content.Simple
	if simple == nil {
		t.Fatal("expected simple content")
	}
	if simple.Body.Html == nil || simple.Body.Html.Data != req.Message {
		t.Errorf("Html body: got %+v, want %q", simple.Body.Html, req.Message)
	}
	if simple.Body.Text == nil || simple.Body.Text.Data != "Hello World" {
		t.Errorf("Text body: got %+v, want %q", simple.Body.Text, "Hello World")
	}
	if strings.ContainsAny(simple.Body.Text.Data, "<>") {
		t.Errorf("Text body contains markup: %q", simple.Body.Text.Data)
	}
}

func TestSendEmail_PlainMessageStillHasBothBodies(t *testing.T) {
	t.Parallel()

	fake, cfg, c := setup(t)
	res := c.SendEmail(context.Background(), email.SendRequest{To: []string{"to@example.com"}, Message: "just text"}, cfg)
	if !res.Success {
		t.Fatalf("expected success, got %q", res.Message)
	}
	body := fake.payloads()[0].Content.Simple.Body
	if body.Html == nil || body.Text == nil {
		t.Fatalf("both bodies required, got html=%v text=%v", body.Html, body.Text)
	}
	if body.Text.Data != "just text" {
		t.Errorf("Text body: got %q", body.Text.Data)
	}
}

func TestSendEmail_SuccessCriterion(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status int
		body   string
		want   bool
	}{
		{"200 with id", http.StatusOK, `{"MessageId":"id-1"}`, true},
		{"200 without id", http.StatusOK, `{}`, false},
		{"202 with id", http.StatusAccepted, `{"MessageId":"id-1"}`, false},
		{"500 error", http.StatusInternalServerError, `{"message":"boom"}`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			fake, cfg, c := setup(t)
			fake.sendStatus = tt.status
			fake.sendBody = tt.body

			res := c.SendEmail(context.Background(), email.SendRequest{To: []string{"to@example.com"}, Message: "x"}, cfg)
			if res.Success != tt.want {
				t.Errorf("success: got %v, want %v (%q)", res.Success, tt.want, res.Message)
			}
			if !tt.want && !errors.Is(res.Err, provider.ErrProviderCallFailed) {
				t.Errorf("err: got %v, want ErrProviderCallFailed", res.Err)
			}
		})
	}
}

func TestSendEmail_NotVerifiedMessage(t *testing.T) {
	t.Parallel()

	fake, cfg, c := setup(t)
	fake.sendStatus = http.StatusBadRequest
	fake.errorType = "MessageRejected"
	fake.sendBody = `{"message":"Email address is not verified. The following identities failed the check in region US-EAST-1: sender@example.com"}`

	res := c.SendEmail(context.Background(), email.SendRequest{To: []string{"to@example.com"}, Message: "x"}, cfg)
	if res.Success {
		t.Fatal("expected failure")
	}
	if res.Message != msgNotVerified {
		t.Errorf("message: got %q, want %q", res.Message, msgNotVerified)
	}
	if strings.Contains(res.Message, "US-EAST-1") {
		t.Errorf("provider error text leaked to caller: %q", res.Message)
	}
}

func TestSendEmail_GenericFailureIsSafe(t *testing.T) {
	t.Parallel()

	fake, cfg, c := setup(t)
	fake.sendStatus = http.StatusBadRequest
	fake.errorType = "BadRequestException"
	fake.sendBody = `{"message":"internal detail 42"}`

	res := c.SendEmail(context.Background(), email.SendRequest{To: []string{"to@example.com"}, Message: "x"}, cfg)
	if res.Message != msgSendFailed {
		t.Errorf("message: got %q, want %q", res.Message, msgSendFailed)
	}
	if res.Err == nil || !strings.Contains(res.Err.Error(), "internal detail 42") {
		t.Errorf("underlying error should be kept for logging, got %v", res.Err)
	}
}

func TestSendEmail_MissingCredentials(t *testing.T) {
	t.Parallel()

	fake, cfg, c := setup(t)
	cfg.SecretAccessKey = ""

	res := c.SendEmail(context.Background(), email.SendRequest{To: []string{"to@example.com"}}, cfg)
	if res.Success {
		t.Fatal("expected failure")
	}
	if !errors.Is(res.Err, provider.ErrConfigMissing) {
		t.Errorf("err: got %v, want ErrConfigMissing", res.Err)
	}
	if n := fake.count("SendEmail"); n != 0 {
		t.Errorf("SendEmail calls: got %d, want 0", n)
	}
}

func TestSendEmail_ConfigFallback(t *testing.T) {
	t.Parallel()

	fake, cfg, _ := setup(t)
	ctx := context.Background()

	t.Run("stored ses entry", func(t *testing.T) {
		s := store.New(store.NewMemory())
		_ = s.SetDefaultProvider(ctx, store.DefaultProvider{Provider: store.ProviderSMTP})
		_ = s.SetProviderConfig(ctx, store.ProviderSES, *cfg)

		res := New(s, zerolog.Nop()).Send(ctx, email.SendRequest{To: []string{"to@example.com"}, Message: "x"})
		if !res.Success {
			t.Errorf("expected success, got %q (%v)", res.Message, res.Err)
		}
	})

	t.Run("default selection", func(t *testing.T) {
		s := store.New(store.NewMemory())
		_ = s.SetDefaultProvider(ctx, store.DefaultProvider{Provider: store.ProviderSES, ProviderConfig: *cfg})

		res := New(s, zerolog.Nop()).Send(ctx, email.SendRequest{To: []string{"to@example.com"}, Message: "x"})
		if !res.Success {
			t.Errorf("expected success, got %q (%v)", res.Message, res.Err)
		}
	})

	t.Run("nothing configured", func(t *testing.T) {
		s := store.New(store.NewMemory())
		res := New(s, zerolog.Nop()).Send(ctx, email.SendRequest{To: []string{"to@example.com"}, Message: "x"})
		if !errors.Is(res.Err, provider.ErrConfigMissing) {
			t.Errorf("err: got %v, want ErrConfigMissing", res.Err)
		}
	})

	if n := fake.count("SendEmail"); n != 2 {
		t.Errorf("SendEmail calls: got %d, want 2", n)
	}
}

func TestSendEmail_AttachmentsUseRawMessage(t *testing.T) {
	t.Parallel()

	fake, cfg, c := setup(t)
	req := email.SendRequest{
		To:      []string{"to@example.com"},
		Subject: "Report",
		Message: "<p>See attached</p>",
		Headers: []string{"X-Campaign: q3"},
		Attachments: []email.Attachment{
			{Filename: "report.csv", ContentType: "text/csv", Content: []byte("a,b\n1,2\n")},
		},
	}

	res := c.SendEmail(context.Background(), req, cfg)
	if !res.Success {
		t.Fatalf("expected success, got %q (%v)", res.Message, res.Err)
	}

	p := fake.payloads()[0]
	if p.Content.Raw == nil {
		t.Fatal("expected raw content")
	}
	raw := string(p.Content.Raw.Data)
	for _, want := range []string{
		"From: sender@example.com",
		"X-Campaign: q3",
		"multipart/mixed",
		"text/plain",
		"text/html",
		"See attached",
		"report.csv",
	} {
		if !strings.Contains(raw, want) {
			t.Errorf("raw message missing %q", want)
		}
	}
}

func TestVerifyEmailAddress(t *testing.T) {
	t.Parallel()

	t.Run("malformed address makes no call", func(t *testing.T) {
		t.Parallel()
		fake, cfg, c := setup(t)

		res := c.VerifyEmailAddress(context.Background(), "not-an-email", cfg)
		if res.Success {
			t.Fatal("expected failure")
		}
		if !errors.Is(res.Err, provider.ErrValidation) {
			t.Errorf("err: got %v, want ErrValidation", res.Err)
		}
		if n := fake.count("CreateEmailIdentity"); n != 0 {
			t.Errorf("CreateEmailIdentity calls: got %d, want 0", n)
		}
	})

	t.Run("valid address", func(t *testing.T) {
		t.Parallel()
		fake, cfg, c := setup(t)

		res := c.VerifyEmailAddress(context.Background(), "new@example.com", cfg)
		if !res.Success {
			t.Fatalf("expected success, got %q (%v)", res.Message, res.Err)
		}
		if n := fake.count("CreateEmailIdentity"); n != 1 {
			t.Errorf("CreateEmailIdentity calls: got %d, want 1", n)
		}
	})
}

func TestGetVerifiedEmails_EmptyShortCircuit(t *testing.T) {
	t.Parallel()

	fake, cfg, c := setup(t)
	res := c.GetVerifiedEmails(context.Background(), cfg)
	if !res.Success {
		t.Fatalf("expected success, got %q (%v)", res.Message, res.Err)
	}
	ids, ok := res.Data.([]Identity)
	if !ok || ids == nil || len(ids) != 0 {
		t.Errorf("data: got %#v, want empty list", res.Data)
	}
	if n := fake.count("ListEmailIdentities"); n != 1 {
		t.Errorf("ListEmailIdentities calls: got %d, want 1", n)
	}
	if n := fake.count("GetEmailIdentity"); n != 0 {
		t.Errorf("GetEmailIdentity calls: got %d, want 0", n)
	}

	data, _ := json.Marshal(res)
	if !strings.Contains(string(data), `"data":[]`) {
		t.Errorf("serialized result: got %s, want data []", data)
	}
}

func TestGetVerifiedEmails_ZipsStatus(t *testing.T) {
	t.Parallel()

	fake, cfg, c := setup(t)
	fake.identities = `{"EmailIdentities":[
		{"IdentityName":"a@example.com","IdentityType":"EMAIL_ADDRESS"},
		{"IdentityName":"example.com","IdentityType":"DOMAIN"},
		{"IdentityName":"b@example.com","IdentityType":"EMAIL_ADDRESS"}
	]}`
	fake.verified["a@example.com"] = true

	res := c.GetVerifiedEmails(context.Background(), cfg)
	if !res.Success {
		t.Fatalf("expected success, got %q (%v)", res.Message, res.Err)
	}

	want := []Identity{
		{Email: "a@example.com", Status: "Success"},
		{Email: "b@example.com", Status: "Pending"},
	}
	got, _ := res.Data.([]Identity)
	if len(got) != len(want) {
		t.Fatalf("identities: got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("identity %d: got %+v, want %+v", i, got[i], want[i])
		}
	}
	if n := fake.count("GetEmailIdentity"); n != 2 {
		t.Errorf("GetEmailIdentity calls: got %d, want 2", n)
	}
}

func TestGetVerifiedEmails_VerificationStatus(t *testing.T) {
	t.Parallel()

	fake, cfg, c := setup(t)
	fake.identities = `{"EmailIdentities":[
		{"IdentityName":"ok@example.com","IdentityType":"EMAIL_ADDRESS"},
		{"IdentityName":"f@example.com","IdentityType":"EMAIL_ADDRESS"},
		{"IdentityName":"t@example.com","IdentityType":"EMAIL_ADDRESS"},
		{"IdentityName":"n@example.com","IdentityType":"EMAIL_ADDRESS"},
		{"IdentityName":"p@example.com","IdentityType":"EMAIL_ADDRESS"}
	]}`
	fake.verified["ok@example.com"] = true
	fake.statuses["ok@example.com"] = "SUCCESS"
	fake.statuses["f@example.com"] = "FAILED"
	fake.statuses["t@example.com"] = "TEMPORARY_FAILURE"
	fake.statuses["n@example.com"] = "NOT_STARTED"
	fake.statuses["p@example.com"] = "PENDING"

	res := c.GetVerifiedEmails(context.Background(), cfg)
	if !res.Success {
		t.Fatalf("expected success, got %q (%v)", res.Message, res.Err)
	}

	want := []Identity{
		{Email: "ok@example.com", Status: "Success"},
		{Email: "f@example.com", Status: "Failed"},
		{Email: "t@example.com", Status: "TemporaryFailure"},
		{Email: "n@example.com", Status: "NotStarted"},
		{Email: "p@example.com", Status: "Pending"},
	}
	got, _ := res.Data.([]Identity)
	if len(got) != len(want) {
		t.Fatalf("identities: got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("identity %d: got %+v, want %+v", i, got[i], want[i])
		}
	}
}
