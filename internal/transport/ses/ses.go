// Package ses implements a Transport that sends batches via AWS SES v2.
package ses

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/smithy-go"

	"github.com/shineum/mailfanout/internal/transport"
)

// maxRetries is the maximum number of retry attempts for transient failures.
const maxRetries = 3

// baseRetryDelay is the initial delay for exponential backoff.
const baseRetryDelay = 1 * time.Second

// permanentCodes are SES error codes that no retry can fix.
var permanentCodes = map[string]bool{
	"MessageRejected":                    true,
	"MailFromDomainNotVerifiedException": true,
	"AccountSuspendedException":          true,
	"SendingPausedException":             true,
	"BadRequestException":                true,
	"NotFoundException":                  true,
}

// Config holds the configuration for creating a Transport.
type Config struct {
	Region           string
	AccessKeyID      string
	SecretAccessKey  string
	Sender           string
	ConfigurationSet string
}

// Transport sends envelopes as raw MIME via the AWS SES v2 API. SES accepts
// or rejects a message as a whole, so failures are always total.
type Transport struct {
	sender    string
	configSet string
	client    SendEmailAPI
	baseDelay time.Duration
}

// SendEmailAPI is the interface for the SES v2 SendEmail operation.
// Used for testing with mock implementations.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// New creates a new Transport with the given configuration.
func New(ctx context.Context, cfg Config) (*Transport, error) {
	var opts []func(*awsconfig.LoadOptions) error

	opts = append(opts, awsconfig.WithRegion(cfg.Region))

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	t := NewWithClient(cfg.Sender, sesv2.NewFromConfig(awsCfg))
	t.configSet = cfg.ConfigurationSet
	return t, nil
}

// NewWithClient creates a Transport with a custom client, used for testing.
// An empty sender means the envelope's From address is used.
func NewWithClient(sender string, client SendEmailAPI) *Transport {
	return &Transport{
		sender:    sender,
		client:    client,
		baseDelay: baseRetryDelay,
	}
}

// Name returns the transport name.
func (s *Transport) Name() string {
	return "ses"
}

// Send delivers env via AWS SES v2, retrying transient failures with
// exponential backoff.
func (s *Transport) Send(ctx context.Context, env *transport.Envelope) error {
	input, err := s.buildInput(env)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			slog.Debug("retrying SES API request",
				"attempt", attempt,
				"max_retries", maxRetries,
			)
			delay := backoffDelay(s.baseDelay, attempt)
			if err := sleepWithContext(ctx, delay); err != nil {
				return fmt.Errorf("context cancelled during retry wait: %w", err)
			}
		}

		_, err := s.client.SendEmail(ctx, input)
		if err == nil {
			return nil
		}

		lastErr = err
		if isPermanent(err) {
			slog.Warn("SES rejected message",
				"message_id", env.MessageID,
				"error", err,
			)
			return fmt.Errorf("SES rejected message: %w", err)
		}
		slog.Warn("SES API error",
			"attempt", attempt,
			"error", err,
		)
	}

	return fmt.Errorf("SES API request failed after %d retries: %w", maxRetries, lastErr)
}

func (s *Transport) buildInput(env *transport.Envelope) (*sesv2.SendEmailInput, error) {
	raw, err := env.Render(false)
	if err != nil {
		return nil, fmt.Errorf("failed to build raw message: %w", err)
	}

	sender := s.sender
	if sender == "" && env.From != nil {
		sender = env.From.Address
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(sender),
		Destination: &types.Destination{
			ToAddresses:  transport.Addresses(env.To),
			CcAddresses:  transport.Addresses(env.Cc),
			BccAddresses: transport.Addresses(env.Bcc),
		},
		Content: &types.EmailContent{
			Raw: &types.RawMessage{Data: raw},
		},
	}
	if s.configSet != "" {
		input.ConfigurationSetName = aws.String(s.configSet)
	}
	return input, nil
}

func isPermanent(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return permanentCodes[apiErr.ErrorCode()]
	}
	return false
}

// backoffDelay returns the exponential backoff delay for the given attempt number.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
	}
	return delay
}

// sleepWithContext waits for the specified duration or until the context is cancelled.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
