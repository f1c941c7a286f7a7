package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"

	"github.com/unclebandit/campaign-mailer/internal/model"
)

// SubscriberRepositoryInterface defines the recipient lookups used by the send path
type SubscriberRepositoryInterface interface {
	GetByIDs(ctx context.Context, ids []string) ([]model.Subscriber, error)
	ListActive(ctx context.Context) ([]model.Subscriber, error)
	ListBySegments(ctx context.Context, segments []string) ([]model.Subscriber, error)
}

// SubscriberRepository is the concrete implementation
type SubscriberRepository struct {
	DB *sql.DB
}

const subscriberColumns = `id, email, first_name, last_name, name, status, segments, custom_fields,
	subscribed_at, unsubscribed_at, created_at`

// GetByIDs fetches the active subscribers among ids. Unknown or unsubscribed ids are skipped.
func (r *SubscriberRepository) GetByIDs(ctx context.Context, ids []string) ([]model.Subscriber, error) {
	if len(ids) == 0 {
		return []model.Subscriber{}, nil
	}
	query := `SELECT ` + subscriberColumns + ` FROM subscribers
		WHERE id = ANY($1::uuid[]) AND status=$2 ORDER BY created_at, id`
	return r.query(ctx, query, pq.Array(ids), model.SubscriberActive)
}

// ListActive fetches every active subscriber (the default audience of a campaign)
func (r *SubscriberRepository) ListActive(ctx context.Context) ([]model.Subscriber, error) {
	query := `SELECT ` + subscriberColumns + ` FROM subscribers WHERE status=$1 ORDER BY created_at, id`
	return r.query(ctx, query, model.SubscriberActive)
}

// ListBySegments fetches active subscribers tagged with any of segments.
func (r *SubscriberRepository) ListBySegments(ctx context.Context, segments []string) ([]model.Subscriber, error) {
	if len(segments) == 0 {
		return []model.Subscriber{}, nil
	}
	query := `SELECT ` + subscriberColumns + ` FROM subscribers
		WHERE status=$1 AND segments ?| $2 ORDER BY created_at, id`
	return r.query(ctx, query, model.SubscriberActive, pq.Array(segments))
}

func (r *SubscriberRepository) query(ctx context.Context, query string, args ...any) ([]model.Subscriber, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	subscribers := []model.Subscriber{}
	for rows.Next() {
		s, err := scanSubscriber(rows)
		if err != nil {
			return nil, err
		}
		subscribers = append(subscribers, s)
	}
	return subscribers, rows.Err()
}

func scanSubscriber(row rowScanner) (model.Subscriber, error) {
	var (
		s             model.Subscriber
		first, last   sql.NullString
		name          sql.NullString
		segments, raw []byte
	)
	err := row.Scan(&s.ID, &s.Email, &first, &last, &name, &s.Status, &segments, &raw,
		&s.SubscribedAt, &s.UnsubscribedAt, &s.CreatedAt)
	if err != nil {
		return s, err
	}
	s.FirstName, s.LastName, s.Name = first.String, last.String, name.String

	if len(segments) > 0 {
		if err := json.Unmarshal(segments, &s.Segments); err != nil {
			return s, fmt.Errorf("subscriber %s: invalid segments: %w", s.ID, err)
		}
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &s.CustomFields); err != nil {
			return s, fmt.Errorf("subscriber %s: invalid custom fields: %w", s.ID, err)
		}
	}
	return s, nil
}

var _ SubscriberRepositoryInterface = (*SubscriberRepository)(nil)
