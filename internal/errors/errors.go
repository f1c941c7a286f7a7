// internal/errors/errors.go
package appErrors

import (
	"errors"
	"fmt"
)

// ErrCampaignNotFound is returned when no campaign has the requested ID.
type ErrCampaignNotFound struct {
	CampaignID string
}

func (e *ErrCampaignNotFound) Error() string {
	return fmt.Sprintf("campaign with ID %s not found", e.CampaignID)
}

// Helper constructor
func NewCampaignNotFound(id string) error {
	return &ErrCampaignNotFound{CampaignID: id}
}

func IsNotFound(err error) bool {
	var nf *ErrCampaignNotFound
	return errors.As(err, &nf)
}

var (
	// ErrCampaignLocked rejects edits and deletes of sending or sent campaigns.
	ErrCampaignLocked = errors.New("cannot modify campaigns that are sent or currently sending")

	// ErrInvalidTransition is returned when a status change is not allowed from the current status.
	ErrInvalidTransition = errors.New("invalid campaign status transition")

	// ErrNoRecipients is returned when a send resolves to an empty recipient list.
	ErrNoRecipients = errors.New("no active recipients found")

	// ErrValidation marks input rejected before any work starts.
	ErrValidation = errors.New("validation failed")

	// ErrNotRunning is returned when cancelling or pausing a campaign with no running dispatch.
	ErrNotRunning = errors.New("campaign has no running dispatch")
)

// Validation wraps a message so callers can match it with errors.Is(err, ErrValidation).
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
