// internal/service/campaign_service.go
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	appErrors "github.com/unclebandit/campaign-mailer/internal/errors"
	"github.com/unclebandit/campaign-mailer/internal/model"
	"github.com/unclebandit/campaign-mailer/internal/queue"
	"github.com/unclebandit/campaign-mailer/internal/repository"
	"github.com/unclebandit/campaign-mailer/internal/transport"
)

// OutcomeStats reads the per-recipient rows written after each cycle.
type OutcomeStats interface {
	StatsByCampaign(ctx context.Context, campaignID string) (map[string]int, error)
	ListFailures(ctx context.Context, campaignID string, limit int) ([]model.OutboundMessage, error)
}

// ProgressSource returns the latest live snapshot of a campaign, if it has one.
type ProgressSource interface {
	Latest(ctx context.Context, campaignID string) (model.ProgressSnapshot, bool, error)
}

type CampaignService struct {
	CampaignRepo   repository.CampaignRepositoryInterface
	SubscriberRepo repository.SubscriberRepositoryInterface
	OutboundRepo   OutcomeStats
	Queue          queue.Queue
	Engine         *SendEngine
	Progress       []ProgressSource
	Transport      transport.Transport
	Vars           *VariableBuilder
	FromEmail      string
	FromName       string
	Log            *zap.Logger
}

// CampaignInput carries the editable fields of a campaign.
type CampaignInput struct {
	Name            string     `json:"name" validate:"required,max=255"`
	Subject         string     `json:"subject" validate:"required,max=500"`
	TemplateID      *string    `json:"template_id,omitempty" validate:"omitempty,max=255"`
	TemplateContent string     `json:"template_content" validate:"required"`
	FromEmail       string     `json:"from_email" validate:"omitempty,email"`
	FromName        string     `json:"from_name" validate:"omitempty,max=255"`
	ScheduledAt     *time.Time `json:"scheduled_at,omitempty"`
}

// SendRequest selects the audience of a send. Explicit subscriber ids win
// over segments; with neither, every active subscriber receives the campaign.
type SendRequest struct {
	SubscriberIDs []string `json:"subscriber_ids,omitempty" validate:"omitempty,dive,uuid"`
	Segments      []string `json:"segments,omitempty" validate:"omitempty,dive,required"`
}

// SendRequestAck is returned once a send has been queued.
type SendRequestAck struct {
	CampaignID     string `json:"campaign_id"`
	Status         string `json:"status"`
	RecipientCount int    `json:"recipient_count"`
	Message        string `json:"message"`
}

type CampaignPreview struct {
	Subject string `json:"subject"`
	HTML    string `json:"html"`
	Text    string `json:"text"`
	To      string `json:"to"`
}

type CampaignRates struct {
	Delivery int `json:"delivery_rate"`
	Open     int `json:"open_rate"`
	Click    int `json:"click_rate"`
	Bounce   int `json:"bounce_rate"`
}

type CampaignTimeline struct {
	CreatedAt   time.Time  `json:"created_at"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DurationMS  *int64     `json:"duration_ms,omitempty"`
}

type CampaignStats struct {
	ID       string               `json:"id"`
	Name     string               `json:"name"`
	Status   model.CampaignStatus `json:"status"`
	Counters map[string]int       `json:"counters"`
	Rates    CampaignRates        `json:"rates"`
	Progress int                  `json:"progress"`
	Timeline CampaignTimeline     `json:"timeline"`
	Outbound map[string]int       `json:"outbound,omitempty"`
	Failures []model.SendError    `json:"recent_failures,omitempty"`
}

type TestEmailRequest struct {
	To         string `json:"to" validate:"required,email"`
	CampaignID string `json:"campaign_id,omitempty" validate:"omitempty,uuid"`
	Subject    string `json:"subject,omitempty"`
	HTML       string `json:"html,omitempty"`
}

type TransportHealth struct {
	Provider string           `json:"provider"`
	Healthy  bool             `json:"healthy"`
	Error    string           `json:"error,omitempty"`
	Quota    *transport.Quota `json:"quota,omitempty"`
}

const (
	dueCampaignsBatch = 100
	recentFailures    = 20
)

// ====================== Campaign CRUD ======================

func (s *CampaignService) CreateCampaign(ctx context.Context, in CampaignInput) (*model.Campaign, error) {
	c := &model.Campaign{Status: model.StatusDraft}
	if err := s.apply(c, in); err != nil {
		return nil, err
	}
	if err := s.CampaignRepo.Create(ctx, c); err != nil {
		return nil, err
	}
	s.Log.Info("Campaign created", zap.String("campaign_id", c.ID), zap.String("status", string(c.Status)))
	return c, nil
}

// UpdateCampaign replaces the editable fields. Sending and sent campaigns are locked.
func (s *CampaignService) UpdateCampaign(ctx context.Context, id string, in CampaignInput) (*model.Campaign, error) {
	c, err := s.GetCampaign(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.IsLocked() {
		return nil, appErrors.ErrCampaignLocked
	}
	if err := s.apply(c, in); err != nil {
		return nil, err
	}
	if err := s.CampaignRepo.Update(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *CampaignService) DeleteCampaign(ctx context.Context, id string) error {
	c, err := s.GetCampaign(ctx, id)
	if err != nil {
		return err
	}
	if c.IsLocked() {
		return appErrors.ErrCampaignLocked
	}
	if err := s.CampaignRepo.Delete(ctx, id); err != nil {
		return err
	}
	s.Log.Info("Campaign deleted", zap.String("campaign_id", id))
	return nil
}

// apply copies input onto c. Draft and scheduled campaigns move between the
// two according to scheduled_at; other statuses are kept.
func (s *CampaignService) apply(c *model.Campaign, in CampaignInput) error {
	c.Name = strings.TrimSpace(in.Name)
	c.Subject = in.Subject
	c.TemplateID = in.TemplateID
	c.TemplateContent = in.TemplateContent
	c.FromEmail = strings.TrimSpace(in.FromEmail)
	c.FromName = strings.TrimSpace(in.FromName)
	if c.FromEmail == "" {
		c.FromEmail = s.FromEmail
	}
	if c.FromName == "" {
		c.FromName = s.FromName
	}
	if c.FromEmail == "" {
		return appErrors.Validation("from_email is required when no default sender is configured")
	}

	if in.ScheduledAt != nil && !in.ScheduledAt.After(time.Now()) {
		return appErrors.Validation("scheduled_at must be in the future")
	}
	c.ScheduledAt = in.ScheduledAt

	if c.Status == model.StatusDraft || c.Status == model.StatusScheduled {
		if c.ScheduledAt != nil {
			c.Status = model.StatusScheduled
		} else {
			c.Status = model.StatusDraft
		}
	}
	return nil
}

// DuplicateCampaign copies content and sender of a campaign into a new draft.
func (s *CampaignService) DuplicateCampaign(ctx context.Context, id string) (*model.Campaign, error) {
	src, err := s.GetCampaign(ctx, id)
	if err != nil {
		return nil, err
	}
	c := &model.Campaign{
		Name:            src.Name + " (Copy)",
		Subject:         src.Subject,
		TemplateID:      src.TemplateID,
		TemplateContent: src.TemplateContent,
		FromEmail:       src.FromEmail,
		FromName:        src.FromName,
		Status:          model.StatusDraft,
	}
	if err := s.CampaignRepo.Create(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// ListCampaigns fetches campaigns with pagination
func (s *CampaignService) ListCampaigns(ctx context.Context, page, pageSize int, status string) ([]model.Campaign, map[string]int, error) {
	if status != "" && !model.CampaignStatus(status).IsValid() {
		return nil, nil, appErrors.Validation("unknown status %q", status)
	}
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	offset := (page - 1) * pageSize

	ptrs, total, err := s.CampaignRepo.ListCampaigns(ctx, offset, pageSize, status)
	if err != nil {
		return nil, nil, err
	}

	campaigns := make([]model.Campaign, len(ptrs))
	for i, c := range ptrs {
		campaigns[i] = *c
	}

	totalPages := (total + pageSize - 1) / pageSize
	pagination := map[string]int{
		"page":        page,
		"page_size":   pageSize,
		"total_count": total,
		"total_pages": totalPages,
	}

	return campaigns, pagination, nil
}

// GetCampaign fetches a campaign by ID. Malformed ids are reported as not found.
func (s *CampaignService) GetCampaign(ctx context.Context, id string) (*model.Campaign, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	return s.CampaignRepo.GetByID(ctx, id)
}

// ====================== Preview and stats ======================

// PreviewCampaign renders the campaign for a sample recipient at email.
func (s *CampaignService) PreviewCampaign(ctx context.Context, id, email string) (*CampaignPreview, error) {
	c, err := s.GetCampaign(ctx, id)
	if err != nil {
		return nil, err
	}
	r := SampleRecipient(email)
	vars := s.Vars.Variables(r)
	html := RenderTemplate(c.TemplateContent, vars)
	return &CampaignPreview{
		Subject: RenderTemplate(c.Subject, vars),
		HTML:    html,
		Text:    transport.HTMLToText(html),
		To:      r.Email,
	}, nil
}

func (s *CampaignService) GetCampaignStats(ctx context.Context, id string) (*CampaignStats, error) {
	c, err := s.GetCampaign(ctx, id)
	if err != nil {
		return nil, err
	}

	stats := &CampaignStats{
		ID:     c.ID,
		Name:   c.Name,
		Status: c.Status,
		Counters: map[string]int{
			"recipients": c.RecipientCount,
			"sent":       c.SentCount,
			"delivered":  c.DeliveredCount,
			"opened":     c.OpenedCount,
			"clicked":    c.ClickedCount,
			"bounced":    c.BouncedCount,
			"complained": c.ComplainedCount,
		},
		Rates: CampaignRates{
			Delivery: c.DeliveryRate(),
			Open:     c.OpenRate(),
			Click:    c.ClickRate(),
			Bounce:   c.BounceRate(),
		},
		Progress: c.ProgressPercentage(),
		Timeline: CampaignTimeline{
			CreatedAt:   c.CreatedAt,
			ScheduledAt: c.ScheduledAt,
			StartedAt:   c.StartedAt,
			CompletedAt: c.CompletedAt,
		},
	}
	if c.StartedAt != nil && c.CompletedAt != nil {
		ms := c.CompletedAt.Sub(*c.StartedAt).Milliseconds()
		stats.Timeline.DurationMS = &ms
	}

	if s.OutboundRepo != nil {
		outbound, err := s.OutboundRepo.StatsByCampaign(ctx, c.ID)
		if err != nil {
			s.Log.Warn("Failed to load outbound stats", zap.String("campaign_id", c.ID), zap.Error(err))
		} else {
			stats.Outbound = outbound
		}
		failures, err := s.OutboundRepo.ListFailures(ctx, c.ID, recentFailures)
		if err != nil {
			s.Log.Warn("Failed to load recent failures", zap.String("campaign_id", c.ID), zap.Error(err))
		}
		for _, f := range failures {
			stats.Failures = append(stats.Failures, model.SendError{Recipient: f.Recipient, Error: f.LastError})
		}
	}
	return stats, nil
}

// GetProgress returns the live snapshot of a send, falling back to the
// persisted counters when no live data exists. A live snapshot sized for a
// different audience belongs to an earlier cycle and is ignored.
func (s *CampaignService) GetProgress(ctx context.Context, id string) (model.ProgressSnapshot, error) {
	c, err := s.GetCampaign(ctx, id)
	if err != nil {
		return model.ProgressSnapshot{}, err
	}
	for _, src := range s.Progress {
		snap, ok, err := src.Latest(ctx, id)
		if err != nil {
			s.Log.Warn("Progress source failed", zap.String("campaign_id", id), zap.Error(err))
			continue
		}
		if ok && snap.Total == c.RecipientCount {
			return snap, nil
		}
	}
	return model.NewProgressSnapshot(c.RecipientCount, c.SentCount, c.BouncedCount), nil
}

// ====================== Sending ======================

// RequestSend checks that the campaign can be sent to a non-empty audience
// and queues the send. The send itself runs in a queue subscriber.
func (s *CampaignService) RequestSend(ctx context.Context, id string, req SendRequest) (*SendRequestAck, error) {
	c, err := s.GetCampaign(ctx, id)
	if err != nil {
		return nil, err
	}
	if !c.Status.CanTransitionTo(model.StatusSending) {
		return nil, fmt.Errorf("%w: campaign is %s", appErrors.ErrInvalidTransition, c.Status)
	}
	if err := validateForSend(c); err != nil {
		return nil, err
	}

	recipients, err := s.resolveRecipients(ctx, req.SubscriberIDs, req.Segments)
	if err != nil {
		return nil, err
	}
	if len(recipients) == 0 {
		return nil, appErrors.ErrNoRecipients
	}

	job := queue.SendJob{CampaignID: c.ID, SubscriberIDs: req.SubscriberIDs, Segments: req.Segments}
	if err := s.Queue.Publish(queue.CampaignSendsTopic, job); err != nil {
		return nil, fmt.Errorf("failed to queue campaign send: %w", err)
	}

	s.Log.Info("Campaign send queued", zap.String("campaign_id", c.ID), zap.Int("recipients", len(recipients)))
	return &SendRequestAck{
		CampaignID:     c.ID,
		Status:         "queued",
		RecipientCount: len(recipients),
		Message:        fmt.Sprintf("Campaign queued for %d recipients", len(recipients)),
	}, nil
}

// StartSend resolves the audience of job and starts the dispatch in the background.
func (s *CampaignService) StartSend(ctx context.Context, job queue.SendJob) (*SendAck, *SendHandle, error) {
	c, err := s.GetCampaign(ctx, job.CampaignID)
	if err != nil {
		return nil, nil, err
	}
	recipients, err := s.resolveRecipients(ctx, job.SubscriberIDs, job.Segments)
	if err != nil {
		return nil, nil, err
	}
	return s.Engine.StartCampaignSend(ctx, c, recipients)
}

// SendCampaign runs a send job and waits until the campaign reached its final status.
func (s *CampaignService) SendCampaign(ctx context.Context, job queue.SendJob) (*model.SendSummary, error) {
	_, handle, err := s.StartSend(ctx, job)
	if err != nil {
		return nil, err
	}
	return handle.Wait(ctx)
}

// EnqueueDueCampaigns queues a send for every scheduled campaign whose time has come.
func (s *CampaignService) EnqueueDueCampaigns(ctx context.Context) (int, error) {
	due, err := s.CampaignRepo.ListDueScheduled(ctx, time.Now(), dueCampaignsBatch)
	if err != nil {
		return 0, err
	}

	queued := 0
	for _, c := range due {
		if err := s.Queue.Publish(queue.CampaignSendsTopic, queue.SendJob{CampaignID: c.ID}); err != nil {
			s.Log.Error("Failed to queue scheduled campaign", zap.String("campaign_id", c.ID), zap.Error(err))
			continue
		}
		queued++
	}
	if queued > 0 {
		s.Log.Info("Scheduled campaigns queued", zap.Int("count", queued))
	}
	return queued, nil
}

func (s *CampaignService) CancelCampaign(ctx context.Context, id string) error {
	return s.stopCampaign(ctx, id, model.StatusCancelled)
}

func (s *CampaignService) PauseCampaign(ctx context.Context, id string) error {
	return s.stopCampaign(ctx, id, model.StatusPaused)
}

// stopCampaign stops the dispatch running in this process. A campaign left in
// sending with no dispatch here (a crashed worker, or one running elsewhere)
// is moved directly, keeping the counts it reached.
func (s *CampaignService) stopCampaign(ctx context.Context, id string, as model.CampaignStatus) error {
	c, err := s.GetCampaign(ctx, id)
	if err != nil {
		return err
	}
	if c.Status != model.StatusSending {
		return fmt.Errorf("%w: campaign is %s", appErrors.ErrInvalidTransition, c.Status)
	}

	if s.Engine != nil {
		err := s.Engine.stop(id, as)
		if err == nil {
			return nil
		}
		if !errors.Is(err, appErrors.ErrNotRunning) {
			return err
		}
	}

	s.Log.Warn("No local dispatch for sending campaign, updating status directly",
		zap.String("campaign_id", id), zap.String("status", string(as)))
	return s.CampaignRepo.StopSend(ctx, id, as, c.SentCount, c.BouncedCount, time.Now())
}

// resolveRecipients snapshots the selected active subscribers. Addresses are
// deduplicated case-insensitively, keeping the first occurrence.
func (s *CampaignService) resolveRecipients(ctx context.Context, ids, segments []string) ([]model.Recipient, error) {
	var (
		subscribers []model.Subscriber
		err         error
	)
	switch {
	case len(ids) > 0:
		for _, id := range ids {
			if _, perr := uuid.Parse(id); perr != nil {
				return nil, appErrors.Validation("invalid subscriber id %q", id)
			}
		}
		subscribers, err = s.SubscriberRepo.GetByIDs(ctx, ids)
	case len(segments) > 0:
		subscribers, err = s.SubscriberRepo.ListBySegments(ctx, segments)
	default:
		subscribers, err = s.SubscriberRepo.ListActive(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load recipients: %w", err)
	}

	seen := make(map[string]struct{}, len(subscribers))
	recipients := make([]model.Recipient, 0, len(subscribers))
	for i := range subscribers {
		email := strings.ToLower(strings.TrimSpace(subscribers[i].Email))
		if email == "" {
			continue
		}
		if _, dup := seen[email]; dup {
			continue
		}
		seen[email] = struct{}{}
		recipients = append(recipients, subscribers[i].Recipient())
	}
	return recipients, nil
}

// ====================== Transport ======================

// SendTestEmail sends one email outside of any send cycle. With a campaign id
// the campaign content is rendered for a sample recipient at req.To.
func (s *CampaignService) SendTestEmail(ctx context.Context, req TestEmailRequest) (*transport.Receipt, error) {
	if s.Transport == nil {
		return nil, transport.ErrNotConfigured
	}

	msg := &transport.Message{
		To:       req.To,
		From:     s.FromEmail,
		FromName: s.FromName,
		Subject:  req.Subject,
		HTML:     req.HTML,
	}
	if req.CampaignID != "" {
		c, err := s.GetCampaign(ctx, req.CampaignID)
		if err != nil {
			return nil, err
		}
		vars := s.Vars.Variables(SampleRecipient(req.To))
		msg.From, msg.FromName = c.FromEmail, c.FromName
		msg.Subject = RenderTemplate(c.Subject, vars)
		msg.HTML = RenderTemplate(c.TemplateContent, vars)
	}
	if msg.Subject == "" {
		msg.Subject = "Test email"
	}
	if msg.HTML == "" {
		msg.HTML = "<p>This is a test email. Your email configuration works.</p>"
	}
	msg.Text = transport.HTMLToText(msg.HTML)

	receipt, err := s.Transport.Send(ctx, msg)
	if err != nil {
		return nil, err
	}
	s.Log.Info("Test email sent", zap.String("to", req.To), zap.String("message_id", receipt.MessageID))
	return receipt, nil
}

// TransportHealth verifies the configured transport and reports its quota when available.
func (s *CampaignService) TransportHealth(ctx context.Context) *TransportHealth {
	if s.Transport == nil {
		return &TransportHealth{Provider: "none", Error: transport.ErrNotConfigured.Error()}
	}
	h := &TransportHealth{Provider: s.Transport.Name(), Healthy: true}
	if v, ok := s.Transport.(transport.Verifier); ok {
		if err := v.Verify(ctx); err != nil {
			h.Healthy, h.Error = false, err.Error()
			return h
		}
	}
	if qr, ok := s.Transport.(transport.QuotaReporter); ok {
		q, err := qr.Quota(ctx)
		if err != nil {
			s.Log.Warn("Failed to read send quota", zap.Error(err))
		} else {
			h.Quota = q
		}
	}
	return h
}

var _ queue.CampaignSender = (*CampaignService)(nil)
