package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	appErrors "github.com/unclebandit/campaign-mailer/internal/errors"
	"github.com/unclebandit/campaign-mailer/internal/model"
)

type CampaignRepositoryInterface interface {
	// Campaign CRUD
	Create(ctx context.Context, c *model.Campaign) error
	GetByID(ctx context.Context, id string) (*model.Campaign, error)
	Update(ctx context.Context, c *model.Campaign) error
	Delete(ctx context.Context, id string) error
	ListCampaigns(ctx context.Context, offset, limit int, status string) ([]*model.Campaign, int, error)
	ListDueScheduled(ctx context.Context, now time.Time, limit int) ([]*model.Campaign, error)

	// Send cycle
	BeginSend(ctx context.Context, id string, recipientCount, alreadySent int, startedAt time.Time) (*model.Campaign, error)
	UpdateProgress(ctx context.Context, id string, sent int) error
	CompleteSend(ctx context.Context, id string, sent, failed int, completedAt time.Time) error
	StopSend(ctx context.Context, id string, status model.CampaignStatus, sent, failed int, at time.Time) error
}

type CampaignRepository struct {
	DB *sql.DB
}

const campaignColumns = `id, name, subject, template_id, template_content, from_email, from_name, status,
	recipient_count, sent_count, delivered_count, opened_count, clicked_count, bounced_count, complained_count,
	scheduled_at, started_at, completed_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCampaign(row rowScanner) (*model.Campaign, error) {
	var c model.Campaign
	err := row.Scan(
		&c.ID, &c.Name, &c.Subject, &c.TemplateID, &c.TemplateContent, &c.FromEmail, &c.FromName, &c.Status,
		&c.RecipientCount, &c.SentCount, &c.DeliveredCount, &c.OpenedCount, &c.ClickedCount, &c.BouncedCount, &c.ComplainedCount,
		&c.ScheduledAt, &c.StartedAt, &c.CompletedAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// lockedStatuses are the statuses in which a campaign cannot be edited or deleted.
var lockedStatuses = pq.Array([]string{string(model.StatusSending), string(model.StatusSent)})

// ====================== Campaign CRUD ======================

func (r *CampaignRepository) Create(ctx context.Context, c *model.Campaign) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Status == "" {
		c.Status = model.StatusDraft
	}
	c.CreatedAt = time.Now()

	query := `
		INSERT INTO campaigns (id, name, subject, template_id, template_content, from_email, from_name, status, scheduled_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := r.DB.ExecContext(ctx, query,
		c.ID, c.Name, c.Subject, c.TemplateID, c.TemplateContent, c.FromEmail, c.FromName, c.Status, c.ScheduledAt, c.CreatedAt)
	return err
}

func (r *CampaignRepository) GetByID(ctx context.Context, id string) (*model.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE id=$1`
	c, err := scanCampaign(r.DB.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewCampaignNotFound(id)
		}
		return nil, err
	}
	return c, nil
}

// Update writes the editable fields. Campaigns that are sending or sent are rejected.
func (r *CampaignRepository) Update(ctx context.Context, c *model.Campaign) error {
	now := time.Now()
	query := `
		UPDATE campaigns
		SET name=$2, subject=$3, template_id=$4, template_content=$5, from_email=$6, from_name=$7,
			status=$8, scheduled_at=$9, updated_at=$10
		WHERE id=$1 AND NOT (status = ANY($11))
	`
	res, err := r.DB.ExecContext(ctx, query,
		c.ID, c.Name, c.Subject, c.TemplateID, c.TemplateContent, c.FromEmail, c.FromName,
		c.Status, c.ScheduledAt, now, lockedStatuses)
	if err != nil {
		return err
	}
	if err := r.lockedOrMissing(ctx, c.ID, res); err != nil {
		return err
	}
	c.UpdatedAt = &now
	return nil
}

func (r *CampaignRepository) Delete(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM campaigns WHERE id=$1 AND NOT (status = ANY($2))`, id, lockedStatuses)
	if err != nil {
		return err
	}
	return r.lockedOrMissing(ctx, id, res)
}

// lockedOrMissing explains a guarded write that touched no rows.
func (r *CampaignRepository) lockedOrMissing(ctx context.Context, id string, res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if _, err := r.currentStatus(ctx, id); err != nil {
		return err
	}
	return appErrors.ErrCampaignLocked
}

func (r *CampaignRepository) ListCampaigns(ctx context.Context, offset, limit int, status string) ([]*model.Campaign, int, error) {
	where := ` WHERE 1=1`
	args := []any{}
	if status != "" {
		args = append(args, status)
		where += fmt.Sprintf(" AND status=$%d", len(args))
	}

	var total int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM campaigns`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + campaignColumns + ` FROM campaigns` + where +
		fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	campaigns := []*model.Campaign{}
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, 0, err
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, total, rows.Err()
}

// ListDueScheduled returns scheduled campaigns whose send time has passed, oldest first.
func (r *CampaignRepository) ListDueScheduled(ctx context.Context, now time.Time, limit int) ([]*model.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns
		WHERE status=$1 AND scheduled_at IS NOT NULL AND scheduled_at <= $2
		ORDER BY scheduled_at ASC LIMIT $3`
	rows, err := r.DB.QueryContext(ctx, query, model.StatusScheduled, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	due := []*model.Campaign{}
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		due = append(due, c)
	}
	return due, rows.Err()
}

// ====================== Send cycle ======================

// BeginSend enters sending and starts a new cycle. Counters restart from
// alreadySent; started_at and completed_at keep their first value. Only one
// caller can win the conditional update.
func (r *CampaignRepository) BeginSend(ctx context.Context, id string, recipientCount, alreadySent int, startedAt time.Time) (*model.Campaign, error) {
	query := `
		UPDATE campaigns
		SET status=$2, recipient_count=$3,
			sent_count=$4, delivered_count=$4, opened_count=0, clicked_count=0, bounced_count=0, complained_count=0,
			started_at=COALESCE(started_at, $5), updated_at=$5
		WHERE id=$1 AND status = ANY($6)
		RETURNING ` + campaignColumns
	c, err := scanCampaign(r.DB.QueryRowContext(ctx, query,
		id, model.StatusSending, recipientCount, alreadySent, startedAt, pq.Array(model.StatusSending.Sources())))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, r.transitionError(ctx, id, model.StatusSending)
	}
	return c, err
}

// UpdateProgress raises the sent counters of a sending campaign. Writes that
// arrive after the campaign left sending are ignored.
func (r *CampaignRepository) UpdateProgress(ctx context.Context, id string, sent int) error {
	query := `
		UPDATE campaigns
		SET sent_count=GREATEST(sent_count, $2), delivered_count=GREATEST(delivered_count, $2), updated_at=NOW()
		WHERE id=$1 AND status=$3
	`
	_, err := r.DB.ExecContext(ctx, query, id, sent, model.StatusSending)
	return err
}

func (r *CampaignRepository) CompleteSend(ctx context.Context, id string, sent, failed int, completedAt time.Time) error {
	query := `
		UPDATE campaigns
		SET status=$2,
			sent_count=GREATEST(sent_count, $3), delivered_count=GREATEST(delivered_count, $3),
			bounced_count=GREATEST(bounced_count, $4),
			completed_at=COALESCE(completed_at, $5), updated_at=$5
		WHERE id=$1 AND status = ANY($6)
	`
	res, err := r.DB.ExecContext(ctx, query,
		id, model.StatusSent, sent, failed, completedAt, pq.Array(model.StatusSent.Sources()))
	if err != nil {
		return err
	}
	return r.checkTransition(ctx, id, model.StatusSent, res)
}

// StopSend ends a sending campaign as cancelled or paused. Only cancelled is
// terminal and stamps completed_at.
func (r *CampaignRepository) StopSend(ctx context.Context, id string, status model.CampaignStatus, sent, failed int, at time.Time) error {
	if status != model.StatusCancelled && status != model.StatusPaused {
		return fmt.Errorf("%w: cannot stop a send as %s", appErrors.ErrInvalidTransition, status)
	}
	query := `
		UPDATE campaigns
		SET status=$2,
			sent_count=GREATEST(sent_count, $3), delivered_count=GREATEST(delivered_count, $3),
			bounced_count=GREATEST(bounced_count, $4),
			completed_at=CASE WHEN $2::varchar = 'cancelled' THEN COALESCE(completed_at, $5) ELSE completed_at END,
			updated_at=$5
		WHERE id=$1 AND status = ANY($6)
	`
	res, err := r.DB.ExecContext(ctx, query, id, status, sent, failed, at, pq.Array(status.Sources()))
	if err != nil {
		return err
	}
	return r.checkTransition(ctx, id, status, res)
}

func (r *CampaignRepository) checkTransition(ctx context.Context, id string, to model.CampaignStatus, res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return r.transitionError(ctx, id, to)
	}
	return nil
}

func (r *CampaignRepository) transitionError(ctx context.Context, id string, to model.CampaignStatus) error {
	from, err := r.currentStatus(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s -> %s", appErrors.ErrInvalidTransition, from, to)
}

func (r *CampaignRepository) currentStatus(ctx context.Context, id string) (model.CampaignStatus, error) {
	var status model.CampaignStatus
	err := r.DB.QueryRowContext(ctx, `SELECT status FROM campaigns WHERE id=$1`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", appErrors.NewCampaignNotFound(id)
	}
	return status, err
}

var _ CampaignRepositoryInterface = (*CampaignRepository)(nil)
