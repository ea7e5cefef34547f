// Package ses implements a Provider that sends raw messages via AWS SES v2.
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

	"github.com/shineum/smtp-mask-relay/internal/email"
)

// maxRetries is the maximum number of retry attempts for transient failures.
const maxRetries = 3

// baseRetryDelay is the initial delay for exponential backoff.
const baseRetryDelay = 1 * time.Second

// SESProviderConfig holds the configuration for creating a SESProvider.
type SESProviderConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	// Sender is the verified identity used as FromEmailAddress. When empty,
	// SES takes it from the message's From header.
	Sender string
	// ConfigurationSet is an optional SES configuration set name.
	ConfigurationSet string
}

// SESProvider sends rewritten messages via the AWS SES v2 API.
// @MX:ANCHOR: [AUTO] External system integration point for AWS SES
// @MX:REASON: All email delivery flows through this provider when SES is configured
type SESProvider struct {
	sender           string
	configurationSet string
	client           SendEmailAPI

	// retryDelay is the backoff base; retry n waits retryDelay * 2^n.
	retryDelay time.Duration
}

// SendEmailAPI is the interface for the SES v2 SendEmail operation.
// Used for testing with mock implementations.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// New creates a new SESProvider with the given configuration.
func New(ctx context.Context, cfg SESProviderConfig) (*SESProvider, error) {
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

	client := sesv2.NewFromConfig(awsCfg)

	return &SESProvider{
		sender:           cfg.Sender,
		configurationSet: cfg.ConfigurationSet,
		client:           client,
		retryDelay:       baseRetryDelay,
	}, nil
}

// NewWithClient creates a SESProvider with a custom client, used for testing.
func NewWithClient(sender string, client SendEmailAPI) *SESProvider {
	return &SESProvider{
		sender:     sender,
		client:     client,
		retryDelay: baseRetryDelay,
	}
}

// Send delivers the message data unchanged as a raw SES message. The
// envelope recipients become the SES destination and the rewritten envelope
// sender receives bounces.
func (s *SESProvider) Send(ctx context.Context, msg *email.Email) error {
	input, err := buildInput(s.sender, s.configurationSet, msg)
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
			delay := backoffDelay(s.retryDelay, attempt)
			if err := sleepWithContext(ctx, delay); err != nil {
				return fmt.Errorf("context cancelled during retry wait: %w", err)
			}
		}

		out, err := s.client.SendEmail(ctx, input)
		if err == nil {
			slog.Debug("SES accepted message", "ses_message_id", aws.ToString(out.MessageId))
			return nil
		}

		lastErr = err
		slog.Warn("SES API error",
			"attempt", attempt,
			"error", err,
		)
	}

	return fmt.Errorf("SES API request failed after %d retries: %w", maxRetries, lastErr)
}

// Name returns the provider name.
func (s *SESProvider) Name() string {
	return "ses"
}

// buildInput creates a raw SendEmailInput for msg.
func buildInput(sender, configurationSet string, msg *email.Email) (*sesv2.SendEmailInput, error) {
	if len(msg.RcptTo) == 0 {
		return nil, errors.New("no recipients")
	}

	input := &sesv2.SendEmailInput{
		Destination: &types.Destination{
			ToAddresses: msg.RcptTo,
		},
		Content: &types.EmailContent{
			Raw: &types.RawMessage{
				Data: msg.Data,
			},
		},
	}
	if sender != "" {
		input.FromEmailAddress = aws.String(sender)
	}
	if msg.MailFrom != "" {
		input.FeedbackForwardingEmailAddress = aws.String(msg.MailFrom)
	}
	if configurationSet != "" {
		input.ConfigurationSetName = aws.String(configurationSet)
	}
	return input, nil
}

// backoffDelay returns the exponential backoff delay from base for the
// given attempt number.
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
