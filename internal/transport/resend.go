package transport

import (
	"context"
	"fmt"
	"strings"

	"github.com/resend/resend-go/v3"
)

type resendAPI interface {
	SendWithContext(ctx context.Context, params *resend.SendEmailRequest) (*resend.SendEmailResponse, error)
}

// Resend sends through the Resend API.
type Resend struct {
	emails resendAPI
}

func NewResend(apiKey string) (*Resend, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: RESEND_API_KEY is empty", ErrNotConfigured)
	}
	return &Resend{emails: resend.NewClient(apiKey).Emails}, nil
}

func (r *Resend) Name() string { return "resend" }

// Send implements Transport.
func (r *Resend) Send(ctx context.Context, msg *Message) (*Receipt, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}

	sent, err := r.emails.SendWithContext(ctx, &resend.SendEmailRequest{
		From:    msg.Sender(),
		To:      []string{msg.To},
		Subject: msg.Subject,
		Html:    msg.HTML,
		Text:    msg.Text,
		Headers: msg.Headers,
	})
	if err != nil {
		if isResendAuthError(err) {
			return nil, fmt.Errorf("resend: %w: %v", ErrUnauthorized, err)
		}
		return nil, fmt.Errorf("resend: failed to send email: %w", err)
	}

	return &Receipt{MessageID: sent.Id, Provider: r.Name()}, nil
}

func isResendAuthError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "api key is invalid") || strings.Contains(msg, "missing api key")
}
