package ses

import (
	"fmt"
	"net/mail"

	"github.com/aws/aws-sdk-go-v2/aws"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/shineum/mailrelay/internal/email"
	"github.com/shineum/mailrelay/internal/store"
)

// Headers carried by dedicated SES fields or generated by the composer.
var reservedHeaders = []string{
	"From", "To", "Cc", "Bcc", "Subject", "Content-Type", "MIME-Version",
}

// buildInput shapes req into a SendEmail call. Requests with attachments are
// sent as a raw MIME message; all others use the simple content form.
func buildInput(cfg store.ProviderConfig, req email.SendRequest) (*sesv2.SendEmailInput, error) {
	html := req.Message
	text := email.StripHTML(req.Message)
	from := sender(cfg, req)

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(from),
		Destination: &types.Destination{
			ToAddresses:  req.To,
			CcAddresses:  req.Cc(),
			BccAddresses: req.Bcc(),
		},
	}
	if replyTo := email.SplitAddresses(req.Header("Reply-To")); len(replyTo) > 0 {
		input.ReplyToAddresses = replyTo
	}

	if len(req.Attachments) > 0 {
		raw, err := email.Compose(email.Composition{
			From:        from,
			To:          req.To,
			Cc:          req.Cc(),
			Subject:     req.Subject,
			Extra:       req.ExtraHeaders(reservedHeaders...),
			Text:        text,
			HTML:        html,
			Attachments: req.Attachments,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to build raw message: %w", err)
		}
		input.Content = &types.EmailContent{Raw: &types.RawMessage{Data: raw}}
		return input, nil
	}

	input.Content = &types.EmailContent{
		Simple: &types.Message{
			Subject: content(req.Subject),
			Body: &types.Body{
				Html: content(html),
				Text: content(text),
			},
		},
	}
	return input, nil
}

// sender returns the From address: the request's From header when present,
// otherwise the configured from-email, optionally with the from-name.
func sender(cfg store.ProviderConfig, req email.SendRequest) string {
	if from := req.Header("From"); from != "" {
		return from
	}
	if cfg.FromName != "" {
		return (&mail.Address{Name: cfg.FromName, Address: cfg.FromEmail}).String()
	}
	return cfg.FromEmail
}

func content(s string) *types.Content {
	return &types.Content{
		Data:    aws.String(s),
		Charset: aws.String("UTF-8"),
	}
}
