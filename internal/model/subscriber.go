// internal/model/subscriber.go
package model

import (
	"fmt"
	"time"
)

const (
	SubscriberActive       = "active"
	SubscriberUnsubscribed = "unsubscribed"
)

type Subscriber struct {
	ID             string         `db:"id" json:"id"`
	Email          string         `db:"email" json:"email"`
	FirstName      string         `db:"first_name" json:"first_name"`
	LastName       string         `db:"last_name" json:"last_name"`
	Name           string         `db:"name" json:"name"`
	Status         string         `db:"status" json:"status"`
	Segments       []string       `db:"segments" json:"segments"`
	CustomFields   map[string]any `db:"custom_fields" json:"custom_fields"`
	SubscribedAt   *time.Time     `db:"subscribed_at" json:"subscribed_at,omitempty"`
	UnsubscribedAt *time.Time     `db:"unsubscribed_at" json:"unsubscribed_at,omitempty"`
	CreatedAt      time.Time      `db:"created_at" json:"created_at"`
}

// Recipient takes an immutable snapshot of the subscriber for a send cycle.
// Custom field values are stringified; later edits to the subscriber do not
// reach the snapshot.
func (s *Subscriber) Recipient() Recipient {
	custom := make(map[string]string, len(s.CustomFields))
	for k, v := range s.CustomFields {
		if v == nil {
			continue
		}
		custom[k] = fmt.Sprint(v)
	}

	name := s.Name
	if name == "" && s.FirstName != "" && s.LastName != "" {
		name = s.FirstName + " " + s.LastName
	}

	return Recipient{
		Email:     s.Email,
		Name:      name,
		FirstName: s.FirstName,
		LastName:  s.LastName,
		Custom:    custom,
	}
}
