// Package email defines the send request and result types shared by every provider.
package email

import (
	"net/mail"
	"strings"
)

// SendRequest is a single outbound message as handed to the dispatcher.
// It is treated as immutable; helpers that change it return a copy.
type SendRequest struct {
	To          []string     `json:"to"`
	Subject     string       `json:"subject"`
	Message     string       `json:"message"`
	Headers     []string     `json:"headers,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Attachment represents a file attached to an email message.
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Content     []byte `json:"content"`
}

// SendResult is the normalized outcome of a provider call.
// Err keeps the underlying cause for server-side logging and is never serialized.
type SendResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
	Err     error  `json:"-"`
}

// Succeeded builds a successful result.
func Succeeded(message string, data any) SendResult {
	return SendResult{Success: true, Message: message, Data: data}
}

// Failed builds a failed result with a caller-safe message.
func Failed(message string, err error) SendResult {
	return SendResult{Message: message, Err: err}
}

// ParseHeader splits a "Name: Value" header line. A line containing CR or LF
// is rejected so a value cannot start a new header.
func ParseHeader(line string) (name, value string, ok bool) {
	if strings.ContainsAny(line, "\r\n") {
		return "", "", false
	}
	name, value, ok = strings.Cut(line, ":")
	if !ok {
		return "", "", false
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", "", false
	}
	return name, strings.TrimSpace(value), true
}

// Header returns the value of the first header with the given name, matched
// case-insensitively, or an empty string.
func (r SendRequest) Header(name string) string {
	for _, line := range r.Headers {
		n, v, ok := ParseHeader(line)
		if ok && strings.EqualFold(n, name) {
			return v
		}
	}
	return ""
}

// WithHeader returns a copy of the request in which every header called name
// is replaced by a single "name: value" line.
func (r SendRequest) WithHeader(name, value string) SendRequest {
	headers := make([]string, 0, len(r.Headers)+1)
	for _, line := range r.Headers {
		n, _, ok := ParseHeader(line)
		if ok && strings.EqualFold(n, name) {
			continue
		}
		headers = append(headers, line)
	}
	headers = append(headers, name+": "+value)

	r.Headers = headers
	return r
}

// ExtraHeaders returns the header lines that are not in the skip set.
// Names in skip must be canonical MIME header names.
func (r SendRequest) ExtraHeaders(skip ...string) []string {
	var out []string
	for _, line := range r.Headers {
		n, v, ok := ParseHeader(line)
		if !ok {
			continue
		}
		if containsFold(skip, n) {
			continue
		}
		out = append(out, n+": "+v)
	}
	return out
}

// IsHTML reports whether the request declares an HTML body.
func (r SendRequest) IsHTML() bool {
	return strings.Contains(strings.ToLower(r.Header("Content-Type")), "text/html")
}

// Cc returns the addresses of the Cc header.
func (r SendRequest) Cc() []string {
	return SplitAddresses(r.Header("Cc"))
}

// Bcc returns the addresses of the Bcc header.
func (r SendRequest) Bcc() []string {
	return SplitAddresses(r.Header("Bcc"))
}

// SplitAddresses splits a comma-separated address list into bare addresses.
func SplitAddresses(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}

	addresses, err := mail.ParseAddressList(raw)
	if err != nil {
		// Fall back to simple comma split if RFC 5322 parsing fails
		parts := strings.Split(raw, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}

	result := make([]string, 0, len(addresses))
	for _, addr := range addresses {
		result = append(result, addr.Address)
	}
	return result
}

// ValidAddress reports whether s is a single syntactically valid bare email address.
func ValidAddress(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return false
	}
	addr, err := mail.ParseAddress(s)
	if err != nil {
		return false
	}
	return addr.Address == s && strings.Contains(addr.Address, "@")
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
