package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/smithy-go"
)

const charsetUTF8 = "UTF-8"

// SESConfig holds AWS SES credentials. Empty keys fall back to the default AWS credential chain.
type SESConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

type sesAPI interface {
	SendEmail(ctx context.Context, in *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
	GetAccount(ctx context.Context, in *sesv2.GetAccountInput, optFns ...func(*sesv2.Options)) (*sesv2.GetAccountOutput, error)
}

// SES sends through the AWS SES v2 API.
type SES struct {
	client sesAPI
}

// NewSES builds an SES transport from explicit configuration.
func NewSES(ctx context.Context, cfg SESConfig) (*SES, error) {
	if cfg.Region == "" {
		return nil, fmt.Errorf("%w: AWS region is required", ErrNotConfigured)
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to load AWS config: %v", ErrNotConfigured, err)
	}

	return &SES{client: sesv2.NewFromConfig(awsCfg)}, nil
}

func (s *SES) Name() string { return "ses" }

// Send implements Transport.
func (s *SES) Send(ctx context.Context, msg *Message) (*Receipt, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}

	body := &types.Body{}
	if msg.HTML != "" {
		body.Html = &types.Content{Data: aws.String(msg.HTML), Charset: aws.String(charsetUTF8)}
	}
	if msg.Text != "" {
		body.Text = &types.Content{Data: aws.String(msg.Text), Charset: aws.String(charsetUTF8)}
	}

	out, err := s.client.SendEmail(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(msg.Sender()),
		Destination:      &types.Destination{ToAddresses: []string{msg.To}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String(charsetUTF8)},
				Body:    body,
			},
		},
	})
	if err != nil {
		return nil, classifySESError(err)
	}

	return &Receipt{MessageID: aws.ToString(out.MessageId), Provider: s.Name()}, nil
}

// Verify checks that the credentials can read the account.
func (s *SES) Verify(ctx context.Context) error {
	_, err := s.client.GetAccount(ctx, &sesv2.GetAccountInput{})
	if err != nil {
		return classifySESError(err)
	}
	return nil
}

// Quota reports the account's SES sending limits.
func (s *SES) Quota(ctx context.Context) (*Quota, error) {
	out, err := s.client.GetAccount(ctx, &sesv2.GetAccountInput{})
	if err != nil {
		return nil, classifySESError(err)
	}
	if out.SendQuota == nil {
		return &Quota{}, nil
	}
	return &Quota{
		Max24HourSend:   out.SendQuota.Max24HourSend,
		MaxSendRate:     out.SendQuota.MaxSendRate,
		SentLast24Hours: out.SendQuota.SentLast24Hours,
	}, nil
}

var sesCredentialCodes = map[string]bool{
	"InvalidClientTokenId":        true,
	"SignatureDoesNotMatch":       true,
	"UnrecognizedClientException": true,
	"AccessDeniedException":       true,
	"MissingAuthenticationToken":  true,
	"ExpiredToken":                true,
}

func classifySESError(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && sesCredentialCodes[apiErr.ErrorCode()] {
		return fmt.Errorf("ses: %w: %v", ErrUnauthorized, err)
	}
	return fmt.Errorf("ses: failed to send email: %w", err)
}
