// Package ses sends mail and manages sender identities through the AWS SES v2 API.
package ses

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsmiddleware "github.com/aws/aws-sdk-go-v2/aws/middleware"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/smithy-go/middleware"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/rs/zerolog"

	"github.com/shineum/mailrelay/internal/email"
	"github.com/shineum/mailrelay/internal/provider"
	"github.com/shineum/mailrelay/internal/store"
)

const defaultRegion = "us-east-1"

// Caller-facing messages. Provider error text is only logged.
const (
	msgSent            = "Email sent successfully"
	msgNotConfigured   = "AWS SES credentials are not configured"
	msgNotVerified     = "The sender or recipient address is not verified in AWS SES. Verify it in the SES console and try again."
	msgSendFailed      = "Failed to send email through AWS SES. Check the server log for details."
	msgInvalidAddress  = "Invalid email address"
	msgVerifySent      = "Verification email sent. Follow the link in the message to complete verification."
	msgVerifyFailed    = "Failed to request verification from AWS SES. Check the server log for details."
	msgListFailed      = "Failed to fetch verified identities from AWS SES. Check the server log for details."
	msgNoIdentities    = "No verified email identities found"
	msgIdentitiesFound = "Verified email identities retrieved"
)

// API is the subset of the SES v2 client used here.
type API interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
	CreateEmailIdentity(ctx context.Context, params *sesv2.CreateEmailIdentityInput, optFns ...func(*sesv2.Options)) (*sesv2.CreateEmailIdentityOutput, error)
	ListEmailIdentities(ctx context.Context, params *sesv2.ListEmailIdentitiesInput, optFns ...func(*sesv2.Options)) (*sesv2.ListEmailIdentitiesOutput, error)
	GetEmailIdentity(ctx context.Context, params *sesv2.GetEmailIdentityInput, optFns ...func(*sesv2.Options)) (*sesv2.GetEmailIdentityOutput, error)
}

// APIFactory builds an API client for one provider configuration.
type APIFactory func(ctx context.Context, cfg store.ProviderConfig) (API, error)

// ConfigSource supplies the configuration used when a call does not pass one.
type ConfigSource interface {
	Get(ctx context.Context, provider string) (store.ProviderConfig, bool, error)
	DefaultProvider(ctx context.Context) (store.DefaultProvider, bool, error)
}

// Identity is the verification state of one SES email identity.
type Identity struct {
	Email  string `json:"email"`
	Status string `json:"status"`
}

// Client sends mail through SES. A new SDK client is built per call from the
// resolved configuration, so configuration updates apply immediately.
type Client struct {
	configs ConfigSource
	newAPI  APIFactory
	logger  zerolog.Logger
}

// New creates a Client that builds real SDK clients.
func New(configs ConfigSource, logger zerolog.Logger) *Client {
	return NewWithFactory(configs, NewAPI, logger)
}

// NewWithFactory creates a Client with a custom API factory.
func NewWithFactory(configs ConfigSource, factory APIFactory, logger zerolog.Logger) *Client {
	return &Client{
		configs: configs,
		newAPI:  factory,
		logger:  logger.With().Str("provider", store.ProviderSES).Logger(),
	}
}

// NewAPI builds an SES v2 client with static credentials. The SDK retryer is
// limited to one attempt; callers decide whether to retry.
func NewAPI(ctx context.Context, cfg store.ProviderConfig) (API, error) {
	region := cfg.Region
	if region == "" {
		region = defaultRegion
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		),
		awsconfig.WithRetryMaxAttempts(1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return sesv2.NewFromConfig(awsCfg, func(o *sesv2.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

// Name returns the provider identifier.
func (c *Client) Name() string {
	return store.ProviderSES
}

// Send implements provider.Provider using the stored configuration.
func (c *Client) Send(ctx context.Context, req email.SendRequest) email.SendResult {
	return c.SendEmail(ctx, req, nil)
}

// SendEmail delivers req. A nil cfg falls back to the default-provider
// selection and then to the stored SES entry. The message is always sent
// with both an HTML body and an HTML-stripped text body. The call succeeds
// only when SES answers HTTP 200 with a message id.
func (c *Client) SendEmail(ctx context.Context, req email.SendRequest, cfg *store.ProviderConfig) email.SendResult {
	resolved, err := c.resolve(ctx, cfg)
	if err != nil {
		c.logger.Warn().Err(err).Msg("SES send rejected")
		return email.Failed(msgNotConfigured, err)
	}

	input, err := buildInput(resolved, req)
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to build SES message")
		return email.Failed(msgSendFailed, fmt.Errorf("%w: %w", provider.ErrProviderCallFailed, err))
	}

	api, err := c.newAPI(ctx, resolved)
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to create SES client")
		return email.Failed(msgSendFailed, fmt.Errorf("%w: %w", provider.ErrProviderCallFailed, err))
	}

	out, err := api.SendEmail(ctx, input)
	if err != nil {
		return c.callFailed("SendEmail", err)
	}

	status := httpStatus(out.ResultMetadata)
	messageID := aws.ToString(out.MessageId)
	if messageID == "" || status != http.StatusOK {
		err := fmt.Errorf("%w: message id %q, status %d", provider.ErrProviderCallFailed, messageID, status)
		c.logger.Error().Err(err).Msg("SES send returned an unexpected response")
		return email.Failed(msgSendFailed, err)
	}

	c.logger.Info().
		Str("message_id", messageID).
		Int("recipients", len(req.To)).
		Msg("email sent via SES")
	return email.Succeeded(msgSent, map[string]string{"message_id": messageID})
}

// VerifyEmailAddress asks SES to send a verification message to address.
// Malformed addresses are rejected without a network call.
func (c *Client) VerifyEmailAddress(ctx context.Context, address string, cfg *store.ProviderConfig) email.SendResult {
	address = strings.TrimSpace(address)
	if !email.ValidAddress(address) {
		return email.Failed(msgInvalidAddress, fmt.Errorf("%w: malformed address %q", provider.ErrValidation, address))
	}

	api, result, ok := c.client(ctx, cfg)
	if !ok {
		return result
	}

	out, err := api.CreateEmailIdentity(ctx, &sesv2.CreateEmailIdentityInput{
		EmailIdentity: aws.String(address),
	})
	if err != nil {
		c.logger.Error().Err(err).Str("operation", "CreateEmailIdentity").Msg("SES call failed")
		return email.Failed(msgVerifyFailed, fmt.Errorf("%w: %w", provider.ErrProviderCallFailed, err))
	}
	if status := httpStatus(out.ResultMetadata); status != http.StatusOK {
		err := fmt.Errorf("%w: status %d", provider.ErrProviderCallFailed, status)
		c.logger.Error().Err(err).Str("operation", "CreateEmailIdentity").Msg("SES call failed")
		return email.Failed(msgVerifyFailed, err)
	}

	c.logger.Info().Str("identity", address).Msg("SES identity verification requested")
	return email.Succeeded(msgVerifySent, nil)
}

// GetVerifiedEmails lists the email-address identities of the account with
// their verification status. No status lookup is made when the list is empty.
func (c *Client) GetVerifiedEmails(ctx context.Context, cfg *store.ProviderConfig) email.SendResult {
	api, result, ok := c.client(ctx, cfg)
	if !ok {
		return result
	}

	var names []string
	paginator := sesv2.NewListEmailIdentitiesPaginator(api, &sesv2.ListEmailIdentitiesInput{})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			c.logger.Error().Err(err).Str("operation", "ListEmailIdentities").Msg("SES call failed")
			return email.Failed(msgListFailed, fmt.Errorf("%w: %w", provider.ErrProviderCallFailed, err))
		}
		for _, id := range page.EmailIdentities {
			if id.IdentityType == types.IdentityTypeEmailAddress {
				names = append(names, aws.ToString(id.IdentityName))
			}
		}
	}

	if len(names) == 0 {
		return email.Succeeded(msgNoIdentities, []Identity{})
	}

	identities := make([]Identity, 0, len(names))
	for _, name := range names {
		out, err := api.GetEmailIdentity(ctx, &sesv2.GetEmailIdentityInput{EmailIdentity: aws.String(name)})
		if err != nil {
			c.logger.Error().Err(err).Str("operation", "GetEmailIdentity").Msg("SES call failed")
			return email.Failed(msgListFailed, fmt.Errorf("%w: %w", provider.ErrProviderCallFailed, err))
		}
		identities = append(identities, Identity{Email: name, Status: verificationStatus(out)})
	}
	return email.Succeeded(msgIdentitiesFound, identities)
}

// client resolves the configuration and builds an API client, or returns the
// failure result to hand back to the caller.
func (c *Client) client(ctx context.Context, cfg *store.ProviderConfig) (API, email.SendResult, bool) {
	resolved, err := c.resolve(ctx, cfg)
	if err != nil {
		return nil, email.Failed(msgNotConfigured, err), false
	}
	api, err := c.newAPI(ctx, resolved)
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to create SES client")
		return nil, email.Failed(msgSendFailed, fmt.Errorf("%w: %w", provider.ErrProviderCallFailed, err)), false
	}
	return api, email.SendResult{}, true
}

// resolve picks the configuration for a call and checks that credentials are present.
func (c *Client) resolve(ctx context.Context, cfg *store.ProviderConfig) (store.ProviderConfig, error) {
	if cfg != nil {
		return requireCredentials(*cfg)
	}
	if c.configs == nil {
		return store.ProviderConfig{}, fmt.Errorf("%w: no configuration source", provider.ErrConfigMissing)
	}

	sel, ok, err := c.configs.DefaultProvider(ctx)
	if err != nil {
		return store.ProviderConfig{}, fmt.Errorf("%w: %w", provider.ErrConfigMissing, err)
	}
	if ok && sel.Provider == store.ProviderSES && sel.AccessKeyID != "" {
		return requireCredentials(sel.ProviderConfig)
	}

	stored, ok, err := c.configs.Get(ctx, store.ProviderSES)
	if err != nil {
		return store.ProviderConfig{}, fmt.Errorf("%w: %w", provider.ErrConfigMissing, err)
	}
	if !ok {
		return store.ProviderConfig{}, fmt.Errorf("%w: ses is not configured", provider.ErrConfigMissing)
	}
	return requireCredentials(stored)
}

func requireCredentials(cfg store.ProviderConfig) (store.ProviderConfig, error) {
	if cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
		return store.ProviderConfig{}, fmt.Errorf("%w: access key id and secret access key are required", provider.ErrConfigMissing)
	}
	return cfg, nil
}

// callFailed logs a failed SES call and maps it to a caller-safe result.
func (c *Client) callFailed(operation string, err error) email.SendResult {
	event := c.logger.Error().Err(err).Str("operation", operation)
	var respErr interface{ HTTPStatusCode() int }
	if errors.As(err, &respErr) {
		event = event.Int("status", respErr.HTTPStatusCode())
	}
	event.Msg("SES call failed")

	wrapped := fmt.Errorf("%w: %w", provider.ErrProviderCallFailed, err)
	if strings.Contains(strings.ToLower(err.Error()), "not verified") {
		return email.Failed(msgNotVerified, wrapped)
	}
	return email.Failed(msgSendFailed, wrapped)
}

// httpStatus extracts the raw HTTP status code from operation metadata.
func httpStatus(md middleware.Metadata) int {
	if resp, ok := awsmiddleware.GetRawResponse(md).(*smithyhttp.Response); ok && resp.Response != nil {
		return resp.StatusCode
	}
	return 0
}

// verificationStatus reports the identity status in the SES v1 vocabulary:
// Success, Pending, Failed, TemporaryFailure or NotStarted.
func verificationStatus(out *sesv2.GetEmailIdentityOutput) string {
	switch out.VerificationStatus {
	case types.VerificationStatusSuccess:
		return "Success"
	case types.VerificationStatusPending:
		return "Pending"
	case types.VerificationStatusFailed:
		return "Failed"
	case types.VerificationStatusTemporaryFailure:
		return "TemporaryFailure"
	case types.VerificationStatusNotStarted:
		return "NotStarted"
	}
	if out.VerifiedForSendingStatus {
		return "Success"
	}
	return "Pending"
}
