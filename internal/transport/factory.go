package transport

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/unclebandit/campaign-mailer/internal/config"
)

// New builds the transport named by cfg.Transport.
func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (Transport, error) {
	switch cfg.Transport {
	case "ses":
		t, err := NewSES(ctx, SESConfig{
			Region:          cfg.AWSRegion,
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretAccessKey,
		})
		if err != nil {
			return nil, err
		}
		return t, nil
	case "resend":
		t, err := NewResend(cfg.ResendAPIKey)
		if err != nil {
			return nil, err
		}
		return t, nil
	case "log":
		return NewLog(log), nil
	}
	return nil, fmt.Errorf("%w: unknown transport %q", ErrNotConfigured, cfg.Transport)
}
