// internal/model/outbound_message.go
package model

import "time"

const (
	OutboundSent   = "sent"
	OutboundFailed = "failed"
)

// OutboundMessage is the persisted outcome of one recipient in one send cycle.
type OutboundMessage struct {
	ID                int64     `db:"id" json:"id"`
	CampaignID        string    `db:"campaign_id" json:"campaign_id"`
	CycleID           string    `db:"cycle_id" json:"cycle_id"`
	Recipient         string    `db:"recipient" json:"recipient"`
	Status            string    `db:"status" json:"status"` // sent, failed
	ProviderMessageID string    `db:"provider_message_id" json:"provider_message_id,omitempty"`
	LastError         string    `db:"last_error,omitempty" json:"last_error,omitempty"`
	CreatedAt         time.Time `db:"created_at" json:"created_at"`
}

func OutboundFromOutcome(campaignID, cycleID string, o SendOutcome) OutboundMessage {
	status := OutboundSent
	if !o.Success {
		status = OutboundFailed
	}
	return OutboundMessage{
		CampaignID:        campaignID,
		CycleID:           cycleID,
		Recipient:         o.Recipient,
		Status:            status,
		ProviderMessageID: o.MessageID,
		LastError:         o.Error,
	}
}
