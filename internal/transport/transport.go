// Package transport sends single emails through an external provider.
package transport

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotConfigured means the transport cannot send at all. Fatal for a dispatch.
	ErrNotConfigured = errors.New("email transport not configured")

	// ErrUnauthorized means the provider rejected our credentials. Fatal for a dispatch.
	ErrUnauthorized = errors.New("email transport credentials rejected")

	// ErrInvalidMessage is returned for messages missing a recipient, sender, or content.
	ErrInvalidMessage = errors.New("invalid email message")
)

// Message is a fully rendered email for one recipient.
type Message struct {
	To       string
	From     string
	FromName string
	Subject  string
	HTML     string
	Text     string
	Headers  map[string]string
}

// Sender formats the From header in RFC 5322 address form.
func (m *Message) Sender() string {
	if m.FromName == "" {
		return m.From
	}
	return fmt.Sprintf("%s <%s>", m.FromName, m.From)
}

func (m *Message) Validate() error {
	switch {
	case m.To == "":
		return fmt.Errorf("%w: missing recipient", ErrInvalidMessage)
	case m.From == "":
		return fmt.Errorf("%w: missing sender", ErrInvalidMessage)
	case m.HTML == "" && m.Text == "":
		return fmt.Errorf("%w: missing content", ErrInvalidMessage)
	}
	return nil
}

// Receipt is what the provider returns for an accepted message.
type Receipt struct {
	MessageID string
	Provider  string
}

// Transport delivers one email synchronously. Implementations must be safe
// for concurrent use; the dispatcher fans out a whole batch at once.
type Transport interface {
	Send(ctx context.Context, msg *Message) (*Receipt, error)
	Name() string
}

// Verifier is implemented by transports that can check their configuration
// and credentials before the first send.
type Verifier interface {
	Verify(ctx context.Context) error
}

// Quota describes the provider's sending limits, when it exposes them.
type Quota struct {
	Max24HourSend   float64 `json:"max_24_hour_send"`
	MaxSendRate     float64 `json:"max_send_rate"`
	SentLast24Hours float64 `json:"sent_last_24_hours"`
}

// QuotaReporter is implemented by transports that can report send quotas.
type QuotaReporter interface {
	Quota(ctx context.Context) (*Quota, error)
}

// IsFatal reports whether err should stop a whole dispatch rather than a single recipient.
func IsFatal(err error) bool {
	return errors.Is(err, ErrNotConfigured) || errors.Is(err, ErrUnauthorized)
}
