// internal/model/campaign.go
package model

import (
	"math"
	"time"
)

type Campaign struct {
	ID              string         `db:"id" json:"id"`
	Name            string         `db:"name" json:"name"`
	Subject         string         `db:"subject" json:"subject"`
	TemplateID      *string        `db:"template_id" json:"template_id,omitempty"`
	TemplateContent string         `db:"template_content" json:"template_content"`
	FromEmail       string         `db:"from_email" json:"from_email"`
	FromName        string         `db:"from_name" json:"from_name"`
	Status          CampaignStatus `db:"status" json:"status"`

	RecipientCount  int `db:"recipient_count" json:"recipient_count"`
	SentCount       int `db:"sent_count" json:"sent_count"`
	DeliveredCount  int `db:"delivered_count" json:"delivered_count"`
	OpenedCount     int `db:"opened_count" json:"opened_count"`
	ClickedCount    int `db:"clicked_count" json:"clicked_count"`
	BouncedCount    int `db:"bounced_count" json:"bounced_count"`
	ComplainedCount int `db:"complained_count" json:"complained_count"`

	ScheduledAt *time.Time `db:"scheduled_at" json:"scheduled_at,omitempty"`
	StartedAt   *time.Time `db:"started_at" json:"started_at,omitempty"`
	CompletedAt *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt   *time.Time `db:"updated_at" json:"updated_at,omitempty"`
}

// IsLocked reports whether the campaign can no longer be edited or deleted.
func (c *Campaign) IsLocked() bool {
	return c.Status == StatusSending || c.Status == StatusSent
}

// ProgressPercentage is the share of recipients with a known outcome.
func (c *Campaign) ProgressPercentage() int {
	return percent(c.SentCount+c.BouncedCount, c.RecipientCount)
}

func (c *Campaign) DeliveryRate() int { return percent(c.DeliveredCount, c.SentCount) }
func (c *Campaign) OpenRate() int     { return percent(c.OpenedCount, c.DeliveredCount) }
func (c *Campaign) ClickRate() int    { return percent(c.ClickedCount, c.DeliveredCount) }
func (c *Campaign) BounceRate() int   { return percent(c.BouncedCount, c.SentCount) }

func percent(part, whole int) int {
	if whole <= 0 {
		return 0
	}
	return int(math.Round(float64(part) * 100 / float64(whole)))
}
