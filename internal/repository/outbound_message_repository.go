package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/unclebandit/campaign-mailer/internal/model"
)

type OutboundMessageRepository struct {
	DB *sql.DB
}

// RecordOutcomes bulk-inserts one row per recipient of a finished cycle using COPY.
func (r *OutboundMessageRepository) RecordOutcomes(ctx context.Context, campaignID string, summary *model.SendSummary) (err error) {
	if len(summary.Outcomes) == 0 {
		return nil
	}

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, pq.CopyIn("outbound_messages",
		"campaign_id", "cycle_id", "recipient", "status", "provider_message_id", "last_error"))
	if err != nil {
		return fmt.Errorf("prepare copy: %w", err)
	}

	for _, o := range summary.Outcomes {
		m := model.OutboundFromOutcome(campaignID, summary.CycleID, o)
		if _, err = stmt.ExecContext(ctx, m.CampaignID, m.CycleID, m.Recipient, m.Status, m.ProviderMessageID, m.LastError); err != nil {
			_ = stmt.Close()
			return fmt.Errorf("copy outcome for %s: %w", o.Recipient, err)
		}
	}
	if _, err = stmt.ExecContext(ctx); err != nil {
		_ = stmt.Close()
		return fmt.Errorf("flush copy: %w", err)
	}
	if err = stmt.Close(); err != nil {
		return err
	}
	return tx.Commit()
}

// DeliveredRecipients returns the lowercased addresses any cycle of the
// campaign has sent to.
func (r *OutboundMessageRepository) DeliveredRecipients(ctx context.Context, campaignID string) ([]string, error) {
	query := `
		SELECT DISTINCT LOWER(recipient)
		FROM outbound_messages
		WHERE campaign_id = $1 AND status = $2
	`
	rows, err := r.DB.QueryContext(ctx, query, campaignID, model.OutboundSent)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	delivered := []string{}
	for rows.Next() {
		var email string
		if err := rows.Scan(&email); err != nil {
			return nil, err
		}
		delivered = append(delivered, email)
	}
	return delivered, rows.Err()
}

// StatsByCampaign counts outcome rows of the latest cycle of a campaign by status.
func (r *OutboundMessageRepository) StatsByCampaign(ctx context.Context, campaignID string) (map[string]int, error) {
	query := `
		SELECT status, COUNT(*)
		FROM outbound_messages
		WHERE campaign_id = $1
		  AND cycle_id = (
			SELECT cycle_id FROM outbound_messages
			WHERE campaign_id = $1 ORDER BY created_at DESC, id DESC LIMIT 1
		  )
		GROUP BY status
	`
	rows, err := r.DB.QueryContext(ctx, query, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := map[string]int{"total": 0, model.OutboundSent: 0, model.OutboundFailed: 0}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
		stats["total"] += count
	}
	return stats, rows.Err()
}

// ListFailures returns the failed rows of the latest cycle, in insertion order.
func (r *OutboundMessageRepository) ListFailures(ctx context.Context, campaignID string, limit int) ([]model.OutboundMessage, error) {
	query := `
		SELECT id, campaign_id, cycle_id, recipient, status, provider_message_id, last_error, created_at
		FROM outbound_messages
		WHERE campaign_id = $1 AND status = $2
		  AND cycle_id = (
			SELECT cycle_id FROM outbound_messages
			WHERE campaign_id = $1 ORDER BY created_at DESC, id DESC LIMIT 1
		  )
		ORDER BY id LIMIT $3
	`
	rows, err := r.DB.QueryContext(ctx, query, campaignID, model.OutboundFailed, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	failures := []model.OutboundMessage{}
	for rows.Next() {
		var m model.OutboundMessage
		if err := rows.Scan(&m.ID, &m.CampaignID, &m.CycleID, &m.Recipient, &m.Status,
			&m.ProviderMessageID, &m.LastError, &m.CreatedAt); err != nil {
			return nil, err
		}
		failures = append(failures, m)
	}
	return failures, rows.Err()
}
