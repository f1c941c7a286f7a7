package model

import (
	"math"
	"time"
)

// Recipient is an address plus the flat variable set used for templating.
type Recipient struct {
	Email     string            `json:"email"`
	Name      string            `json:"name,omitempty"`
	FirstName string            `json:"first_name,omitempty"`
	LastName  string            `json:"last_name,omitempty"`
	Custom    map[string]string `json:"custom,omitempty"`
}

// SendOutcome is the result of the single send attempt made for one recipient.
type SendOutcome struct {
	Recipient string `json:"recipient"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
	MessageID string `json:"message_id,omitempty"`
}

type SendError struct {
	Recipient string `json:"recipient"`
	Error     string `json:"error"`
}

// SendSummary aggregates every outcome of one send cycle. Skipped counts
// recipients already delivered by an earlier cycle of a resumed campaign;
// they are included in Total and Sent.
type SendSummary struct {
	CycleID   string        `json:"cycle_id"`
	Total     int           `json:"total"`
	Sent      int           `json:"sent"`
	Failed    int           `json:"failed"`
	Skipped   int           `json:"skipped,omitempty"`
	Errors    []SendError   `json:"errors"`
	Outcomes  []SendOutcome `json:"-"`
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Duration  time.Duration `json:"duration"`
}

// ProgressSnapshot is a point-in-time view of an in-flight dispatch.
type ProgressSnapshot struct {
	Total    int `json:"total"`
	Sent     int `json:"sent"`
	Failed   int `json:"failed"`
	Progress int `json:"progress"`
}

func NewProgressSnapshot(total, sent, failed int) ProgressSnapshot {
	p := 0
	if total > 0 {
		p = int(math.Round(float64(sent+failed) * 100 / float64(total)))
	}
	return ProgressSnapshot{Total: total, Sent: sent, Failed: failed, Progress: p}
}

// Done reports how many recipients have a known outcome.
func (p ProgressSnapshot) Done() int { return p.Sent + p.Failed }
