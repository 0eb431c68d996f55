package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/shineum/mailrelay/internal/dispatch"
	"github.com/shineum/mailrelay/internal/email"
	"github.com/shineum/mailrelay/internal/store"
)

const (
	testSubject = "Test email from mailrelay"
	testBody    = "<p>This is a test email sent through the <strong>%s</strong> provider.</p>" +
		"<p>If you received it, the provider settings work.</p>"
)

// sendRequest is the JSON body of POST /api/v1/send. Provider, when set,
// bypasses the default selection.
type sendRequest struct {
	email.SendRequest
	Provider string `json:"provider,omitempty"`
}

// testEmailRequest is the JSON body of POST /api/v1/test-email.
type testEmailRequest struct {
	SendTo   string `json:"send_to"`
	Provider string `json:"provider"`
}

// SendHandler handles POST /api/v1/send.
func SendHandler(sender Sender) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req sendRequest
		if err := decodeJSON(w, r, &req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if problems := validateSendRequest(req.SendRequest); len(problems) > 0 {
			respondError(w, http.StatusBadRequest, strings.Join(problems, "; "))
			return
		}

		if req.Provider != "" {
			respondResult(w, sender.SendVia(r.Context(), strings.ToLower(req.Provider), req.SendRequest))
			return
		}
		respondSend(w, sender.Send(r.Context(), req.SendRequest))
	}
}

// TestEmailHandler handles POST /api/v1/test-email. An empty provider sends
// through the default route.
func TestEmailHandler(sender Sender) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req testEmailRequest
		if err := decodeJSON(w, r, &req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		req.SendTo = strings.TrimSpace(req.SendTo)
		if !email.ValidAddress(req.SendTo) {
			respondError(w, http.StatusBadRequest, "send_to must be a valid email address")
			return
		}

		key := strings.ToLower(req.Provider)
		label := key
		if label == "" {
			label = sender.Route(r.Context())
		}
		msg := email.SendRequest{
			To:      []string{req.SendTo},
			Subject: testSubject,
			Message: fmt.Sprintf(testBody, label),
			Headers: []string{"Content-Type: text/html; charset=UTF-8"},
		}

		if key == "" {
			respondSend(w, sender.Send(r.Context(), msg))
			return
		}
		respondResult(w, sender.SendVia(r.Context(), key, msg))
	}
}

// respondSend writes the outcome of a dispatcher send.
func respondSend(w http.ResponseWriter, err error) {
	if err == nil {
		respond(w, http.StatusOK, "Email sent successfully", nil)
		return
	}
	var sendErr *dispatch.SendError
	if errors.As(err, &sendErr) {
		respondError(w, statusFor(sendErr.Err), sendErr.Message)
		return
	}
	respondError(w, http.StatusInternalServerError, "Failed to send email")
}

// validateSendRequest returns every problem found in req.
func validateSendRequest(req email.SendRequest) []string {
	var problems []string
	if len(req.To) == 0 {
		problems = append(problems, "at least one recipient is required")
	}
	for _, addr := range req.To {
		if !email.ValidAddress(addr) {
			problems = append(problems, fmt.Sprintf("invalid recipient %q", addr))
		}
	}
	for _, header := range req.Headers {
		if _, _, ok := email.ParseHeader(header); !ok {
			problems = append(problems, fmt.Sprintf("malformed header %q", header))
		}
	}
	for _, addr := range append(req.Cc(), req.Bcc()...) {
		if !email.ValidAddress(addr) {
			problems = append(problems, fmt.Sprintf("invalid copy recipient %q", addr))
		}
	}
	for i, a := range req.Attachments {
		if strings.TrimSpace(a.Filename) == "" {
			problems = append(problems, fmt.Sprintf("attachment %d has no filename", i+1))
		}
	}
	return problems
}

// knownProvider reports whether key names a provider that can be configured.
func knownProvider(key string) bool {
	switch key {
	case store.ProviderSMTP, store.ProviderSES, store.ProviderGmail, store.ProviderStdout:
		return true
	}
	return false
}
