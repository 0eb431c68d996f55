package email

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"mime"
	"mime/multipart"
	"net/textproto"
	"strings"
)

// Composition describes a MIME message to be serialized by Compose.
type Composition struct {
	From        string
	To          []string
	Cc          []string
	Subject     string
	Extra       []string // additional "Name: Value" header lines
	Text        string
	HTML        string
	Attachments []Attachment
}

// Compose serializes c into an RFC 5322 message with CRLF line endings.
// A message with both bodies becomes multipart/alternative; attachments wrap
// the body in multipart/mixed.
func Compose(c Composition) ([]byte, error) {
	var buf bytes.Buffer

	if c.From != "" {
		fmt.Fprintf(&buf, "From: %s\r\n", c.From)
	}
	if len(c.To) > 0 {
		fmt.Fprintf(&buf, "To: %s\r\n", strings.Join(c.To, ", "))
	}
	if len(c.Cc) > 0 {
		fmt.Fprintf(&buf, "Cc: %s\r\n", strings.Join(c.Cc, ", "))
	}
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.QEncoding.Encode("UTF-8", c.Subject))
	for _, line := range c.Extra {
		fmt.Fprintf(&buf, "%s\r\n", line)
	}
	buf.WriteString("MIME-Version: 1.0\r\n")

	if len(c.Attachments) == 0 {
		if err := writeBody(&buf, c.Text, c.HTML); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}

	writer := multipart.NewWriter(&buf)
	fmt.Fprintf(&buf, "Content-Type: multipart/mixed; boundary=%q\r\n\r\n", writer.Boundary())

	if err := writeBodyPart(writer, c.Text, c.HTML); err != nil {
		return nil, err
	}

	for _, att := range c.Attachments {
		contentType := att.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		attHeader := make(textproto.MIMEHeader)
		attHeader.Set("Content-Type", contentType)
		attHeader.Set("Content-Transfer-Encoding", "base64")
		attHeader.Set("Content-Disposition",
			fmt.Sprintf("attachment; filename=%q", mime.QEncoding.Encode("UTF-8", att.Filename)))

		part, err := writer.CreatePart(attHeader)
		if err != nil {
			return nil, fmt.Errorf("failed to create attachment part: %w", err)
		}
		if _, err := part.Write([]byte(encodeBase64WithLineBreaks(att.Content))); err != nil {
			return nil, fmt.Errorf("failed to write attachment: %w", err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}
	return buf.Bytes(), nil
}

// writeBody writes the Content-Type header, the blank separator line and the body.
func writeBody(buf *bytes.Buffer, text, html string) error {
	switch {
	case text != "" && html != "":
		alt := multipart.NewWriter(buf)
		fmt.Fprintf(buf, "Content-Type: multipart/alternative; boundary=%q\r\n\r\n", alt.Boundary())
		if err := writeAlternatives(alt, text, html); err != nil {
			return err
		}
		return alt.Close()
	case html != "":
		buf.WriteString("Content-Type: text/html; charset=UTF-8\r\n\r\n")
		buf.WriteString(html)
	default:
		buf.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
		buf.WriteString(text)
	}
	return nil
}

// writeBodyPart writes the message body as the first part of a multipart/mixed message.
func writeBodyPart(writer *multipart.Writer, text, html string) error {
	if text != "" && html != "" {
		var inner bytes.Buffer
		alt := multipart.NewWriter(&inner)
		if err := writeAlternatives(alt, text, html); err != nil {
			return err
		}
		if err := alt.Close(); err != nil {
			return err
		}

		header := make(textproto.MIMEHeader)
		header.Set("Content-Type", fmt.Sprintf("multipart/alternative; boundary=%q", alt.Boundary()))
		part, err := writer.CreatePart(header)
		if err != nil {
			return fmt.Errorf("failed to create body part: %w", err)
		}
		_, err = part.Write(inner.Bytes())
		return err
	}

	header := make(textproto.MIMEHeader)
	body := text
	if html != "" {
		header.Set("Content-Type", "text/html; charset=UTF-8")
		body = html
	} else {
		header.Set("Content-Type", "text/plain; charset=UTF-8")
	}
	part, err := writer.CreatePart(header)
	if err != nil {
		return fmt.Errorf("failed to create body part: %w", err)
	}
	_, err = part.Write([]byte(body))
	return err
}

func writeAlternatives(alt *multipart.Writer, text, html string) error {
	for _, p := range []struct {
		contentType string
		body        string
	}{
		{"text/plain; charset=UTF-8", text},
		{"text/html; charset=UTF-8", html},
	} {
		header := make(textproto.MIMEHeader)
		header.Set("Content-Type", p.contentType)
		part, err := alt.CreatePart(header)
		if err != nil {
			return fmt.Errorf("failed to create alternative part: %w", err)
		}
		if _, err := part.Write([]byte(p.body)); err != nil {
			return err
		}
	}
	return nil
}

// encodeBase64WithLineBreaks encodes bytes to base64 with 76-character line breaks per RFC 2045.
func encodeBase64WithLineBreaks(data []byte) string {
	encoded := base64.StdEncoding.EncodeToString(data)
	var lines []string
	for i := 0; i < len(encoded); i += 76 {
		end := min(i+76, len(encoded))
		lines = append(lines, encoded[i:end])
	}
	return strings.Join(lines, "\r\n")
}
