// Package parser provides RFC 5322 email message parsing with MIME multipart support.
package parser

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/shineum/mailrelay/internal/email"
)

// forwardedHeaders are carried from the parsed message into the send request.
var forwardedHeaders = []string{"From", "Cc", "Bcc", "Reply-To", "In-Reply-To", "References"}

// Message is a parsed email.
type Message struct {
	From        string
	To          []string
	Cc          []string
	Bcc         []string
	Subject     string
	MessageID   string
	TextBody    string
	HTMLBody    string
	Attachments []email.Attachment
	RawHeaders  map[string][]string
}

// Request converts the message into a send request. The HTML body wins over
// the text body and is marked with a text/html Content-Type.
func (m *Message) Request() email.SendRequest {
	req := email.SendRequest{
		To:          m.To,
		Subject:     m.Subject,
		Message:     m.TextBody,
		Attachments: m.Attachments,
	}

	for _, name := range forwardedHeaders {
		for _, v := range m.RawHeaders[name] {
			req.Headers = append(req.Headers, name+": "+v)
		}
	}

	var custom []string
	for name := range m.RawHeaders {
		if strings.HasPrefix(name, "X-") {
			custom = append(custom, name)
		}
	}
	sort.Strings(custom)
	for _, name := range custom {
		for _, v := range m.RawHeaders[name] {
			req.Headers = append(req.Headers, name+": "+v)
		}
	}

	if m.HTMLBody != "" {
		req.Message = m.HTMLBody
		req.Headers = append(req.Headers, "Content-Type: text/html; charset=UTF-8")
	}
	return req
}

// Parser parses raw messages. Unrecognized MIME parts are logged as warnings.
type Parser struct {
	logger zerolog.Logger
}

// New creates a Parser.
func New(logger zerolog.Logger) *Parser {
	return &Parser{logger: logger.With().Str("component", "parser").Logger()}
}

// Parse parses a raw RFC 5322 email message.
// It handles plain text messages, multipart messages with text/html bodies,
// and attachments.
func (p *Parser) Parse(raw []byte) (*Message, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}

	result := &Message{
		RawHeaders: make(map[string][]string),
	}

	// Copy all headers
	for key, values := range msg.Header {
		result.RawHeaders[key] = values
	}

	// Extract standard header fields
	result.From = msg.Header.Get("From")
	result.Subject = decodeHeader(msg.Header.Get("Subject"))
	result.MessageID = msg.Header.Get("Message-Id")
	result.To = email.SplitAddresses(msg.Header.Get("To"))
	result.Cc = email.SplitAddresses(msg.Header.Get("Cc"))
	result.Bcc = email.SplitAddresses(msg.Header.Get("Bcc"))

	contentType := msg.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "text/plain"
	}

	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		// If content type is unparseable, treat as plain text
		p.logger.Warn().
			Err(err).
			Str("content_type", contentType).
			Msg("failed to parse content type, treating as plain text")
		body, readErr := io.ReadAll(msg.Body)
		if readErr != nil {
			return nil, fmt.Errorf("failed to read message body: %w", readErr)
		}
		result.TextBody = string(body)
		return result, nil
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		boundary := params["boundary"]
		if boundary == "" {
			return nil, fmt.Errorf("multipart message missing boundary")
		}
		if err := p.parseMultipart(msg.Body, boundary, result); err != nil {
			return nil, fmt.Errorf("failed to parse multipart message: %w", err)
		}
		return result, nil
	}

	body, err := decodeBody(msg.Body, msg.Header.Get("Content-Transfer-Encoding"))
	if err != nil {
		return nil, fmt.Errorf("failed to read message body: %w", err)
	}
	switch mediaType {
	case "text/plain":
		result.TextBody = string(body)
	case "text/html":
		result.HTMLBody = string(body)
	default:
		p.logger.Warn().Str("content_type", mediaType).Msg("unrecognized top-level content type")
		result.TextBody = string(body)
	}
	return result, nil
}

// parseMultipart processes a multipart MIME message body, extracting text/plain,
// text/html parts and attachments.
func (p *Parser) parseMultipart(body io.Reader, boundary string, result *Message) error {
	reader := multipart.NewReader(body, boundary)

	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read next part: %w", err)
		}

		partContentType := part.Header.Get("Content-Type")
		if partContentType == "" {
			partContentType = "text/plain"
		}

		mediaType, params, err := mime.ParseMediaType(partContentType)
		if err != nil {
			p.logger.Warn().
				Err(err).
				Str("content_type", partContentType).
				Msg("failed to parse part content type, skipping")
			continue
		}

		contentDisposition := part.Header.Get("Content-Disposition")
		isAttachment := strings.HasPrefix(strings.ToLower(contentDisposition), "attachment")

		// Check for nested multipart
		if strings.HasPrefix(mediaType, "multipart/") {
			nestedBoundary := params["boundary"]
			if nestedBoundary == "" {
				p.logger.Warn().Msg("nested multipart missing boundary, skipping")
				continue
			}
			if err := p.parseMultipart(part, nestedBoundary, result); err != nil {
				p.logger.Warn().Err(err).Msg("failed to parse nested multipart")
			}
			continue
		}

		// The multipart reader already decodes quoted-printable parts.
		content, err := decodeBody(part, part.Header.Get("Content-Transfer-Encoding"))
		if err != nil {
			p.logger.Warn().
				Err(err).
				Str("content_type", mediaType).
				Msg("failed to read part content")
			continue
		}

		if isAttachment {
			result.Attachments = append(result.Attachments, email.Attachment{
				Filename:    extractFilename(part, params),
				ContentType: mediaType,
				Content:     content,
			})
			continue
		}

		switch mediaType {
		case "text/plain":
			if result.TextBody == "" {
				result.TextBody = string(content)
			}
		case "text/html":
			if result.HTMLBody == "" {
				result.HTMLBody = string(content)
			}
		default:
			// Inline parts with a name are still attachments
			if part.FileName() != "" || params["name"] != "" {
				result.Attachments = append(result.Attachments, email.Attachment{
					Filename:    extractFilename(part, params),
					ContentType: mediaType,
					Content:     content,
				})
			} else {
				p.logger.Warn().
					Str("content_type", mediaType).
					Str("disposition", contentDisposition).
					Msg("unrecognized MIME part, skipping")
			}
		}
	}

	return nil
}

// decodeBody reads r fully, undoing the given Content-Transfer-Encoding.
func decodeBody(r io.Reader, encoding string) ([]byte, error) {
	encoding = strings.ToLower(strings.TrimSpace(encoding))
	if encoding == "quoted-printable" {
		r = quotedprintable.NewReader(r)
	}

	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	if encoding != "base64" {
		// "7bit", "8bit", "binary" or empty
		return raw, nil
	}
	cleaned := strings.NewReplacer("\r", "", "\n", "").Replace(string(raw))
	decoded, err := base64.StdEncoding.DecodeString(cleaned)
	if err != nil {
		// Try with RawStdEncoding for unpadded base64
		decoded, err = base64.RawStdEncoding.DecodeString(cleaned)
		if err != nil {
			return nil, fmt.Errorf("failed to decode base64 content: %w", err)
		}
	}
	return decoded, nil
}

// extractFilename extracts the filename from a MIME part, checking both
// Content-Disposition and Content-Type parameters.
func extractFilename(part *multipart.Part, params map[string]string) string {
	if fn := part.FileName(); fn != "" {
		return fn
	}
	if name, ok := params["name"]; ok && name != "" {
		return decodeHeader(name)
	}
	// Providers require a name, so derive one from the media type.
	if mediaType, _, err := mime.ParseMediaType(part.Header.Get("Content-Type")); err == nil {
		parts := strings.SplitN(mediaType, "/", 2)
		if len(parts) == 2 {
			return "attachment." + parts[1]
		}
	}
	return "attachment"
}

// decodeHeader decodes RFC 2047 encoded words, returning s unchanged when it
// cannot be decoded.
func decodeHeader(s string) string {
	dec := new(mime.WordDecoder)
	decoded, err := dec.DecodeHeader(s)
	if err != nil {
		return s
	}
	return decoded
}
