package model

// CampaignStatus is the lifecycle state of a campaign.
type CampaignStatus string

const (
	StatusDraft     CampaignStatus = "draft"
	StatusScheduled CampaignStatus = "scheduled"
	StatusSending   CampaignStatus = "sending"
	StatusSent      CampaignStatus = "sent"
	StatusPaused    CampaignStatus = "paused"
	StatusCancelled CampaignStatus = "cancelled"
)

// transitions lists, for each target status, the statuses it may be entered from.
// Entering sending always starts a new send cycle; one entered from paused
// continues with the recipients the earlier cycles did not reach.
var transitions = map[CampaignStatus][]CampaignStatus{
	StatusDraft:     {StatusScheduled},
	StatusScheduled: {StatusDraft},
	StatusSending:   {StatusDraft, StatusScheduled, StatusPaused, StatusCancelled},
	StatusSent:      {StatusSending},
	StatusPaused:    {StatusSending},
	StatusCancelled: {StatusSending},
}

func (s CampaignStatus) String() string { return string(s) }

func (s CampaignStatus) IsValid() bool {
	_, ok := transitions[s]
	return ok
}

// IsTerminal reports whether a send cycle ends in this status.
func (s CampaignStatus) IsTerminal() bool {
	return s == StatusSent || s == StatusCancelled
}

// Sources returns the statuses from which s may be entered.
func (s CampaignStatus) Sources() []string {
	from := transitions[s]
	out := make([]string, len(from))
	for i, f := range from {
		out[i] = string(f)
	}
	return out
}

// CanTransitionTo reports whether moving from s to next is a legal state change.
func (s CampaignStatus) CanTransitionTo(next CampaignStatus) bool {
	for _, from := range transitions[next] {
		if from == s {
			return true
		}
	}
	return false
}
