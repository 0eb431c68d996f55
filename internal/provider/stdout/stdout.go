// Package stdout implements a development Provider that prints messages
// instead of delivering them.
package stdout

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/shineum/mailrelay/internal/email"
	"github.com/shineum/mailrelay/internal/provider"
	"github.com/shineum/mailrelay/internal/store"
)

const separator = "========================================\n"

// Provider prints each message in a human-readable block.
type Provider struct {
	mu     sync.Mutex
	writer io.Writer
}

// New creates a Provider that writes to os.Stdout.
func New() *Provider {
	return &Provider{writer: os.Stdout}
}

// NewWithWriter creates a Provider that writes to w.
func NewWithWriter(w io.Writer) *Provider {
	return &Provider{writer: w}
}

// Name returns the provider identifier.
func (p *Provider) Name() string {
	return store.ProviderStdout
}

// Send prints req. HTML bodies are shown as extracted text.
func (p *Provider) Send(_ context.Context, req email.SendRequest) email.SendResult {
	var b strings.Builder

	b.WriteString(separator)
	if from := req.Header("From"); from != "" {
		fmt.Fprintf(&b, "From: %s\n", from)
	}
	fmt.Fprintf(&b, "To: %s\n", strings.Join(req.To, ", "))
	if cc := req.Cc(); len(cc) > 0 {
		fmt.Fprintf(&b, "Cc: %s\n", strings.Join(cc, ", "))
	}
	if bcc := req.Bcc(); len(bcc) > 0 {
		fmt.Fprintf(&b, "Bcc: %s\n", strings.Join(bcc, ", "))
	}
	fmt.Fprintf(&b, "Subject: %s\n", req.Subject)

	body := req.Message
	if req.IsHTML() {
		body = email.StripHTML(body)
	}
	b.WriteString("Body:\n")
	b.WriteString(body + "\n")

	if len(req.Attachments) > 0 {
		attachments := make([]string, 0, len(req.Attachments))
		for _, att := range req.Attachments {
			attachments = append(attachments, fmt.Sprintf("%s (%s)", att.Filename, formatSize(len(att.Content))))
		}
		fmt.Fprintf(&b, "Attachments: %s\n", strings.Join(attachments, ", "))
	}
	b.WriteString(separator)

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := io.WriteString(p.writer, b.String()); err != nil {
		return email.Failed("Failed to print email", fmt.Errorf("%w: %w", provider.ErrProviderCallFailed, err))
	}
	return email.Succeeded("Email printed to stdout", nil)
}

// formatSize formats a byte count into a human-readable string.
func formatSize(bytes int) string {
	const (
		kb = 1024
		mb = kb * 1024
	)

	switch {
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
