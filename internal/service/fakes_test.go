package service_test

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	appErrors "github.com/unclebandit/campaign-mailer/internal/errors"
	"github.com/unclebandit/campaign-mailer/internal/model"
	"github.com/unclebandit/campaign-mailer/internal/queue"
	"github.com/unclebandit/campaign-mailer/internal/repository"
	"github.com/unclebandit/campaign-mailer/internal/transport"
)

// memCampaignRepo keeps campaigns in memory with the same conditional
// semantics as the Postgres repository.
type memCampaignRepo struct {
	mu        sync.Mutex
	campaigns map[string]*model.Campaign
	progress  []int
}

func newMemCampaignRepo(campaigns ...*model.Campaign) *memCampaignRepo {
	r := &memCampaignRepo{campaigns: map[string]*model.Campaign{}}
	for _, c := range campaigns {
		cp := *c
		r.campaigns[c.ID] = &cp
	}
	return r
}

func (r *memCampaignRepo) get(id string) *model.Campaign {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[id]
	if !ok {
		return nil
	}
	cp := *c
	return &cp
}

func (r *memCampaignRepo) Create(_ context.Context, c *model.Campaign) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.CreatedAt = time.Now()
	cp := *c
	r.campaigns[c.ID] = &cp
	return nil
}

func (r *memCampaignRepo) GetByID(_ context.Context, id string) (*model.Campaign, error) {
	if c := r.get(id); c != nil {
		return c, nil
	}
	return nil, appErrors.NewCampaignNotFound(id)
}

func (r *memCampaignRepo) Update(_ context.Context, c *model.Campaign) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.campaigns[c.ID]
	if !ok {
		return appErrors.NewCampaignNotFound(c.ID)
	}
	if cur.IsLocked() {
		return appErrors.ErrCampaignLocked
	}
	cp := *c
	r.campaigns[c.ID] = &cp
	return nil
}

func (r *memCampaignRepo) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.campaigns[id]
	if !ok {
		return appErrors.NewCampaignNotFound(id)
	}
	if cur.IsLocked() {
		return appErrors.ErrCampaignLocked
	}
	delete(r.campaigns, id)
	return nil
}

func (r *memCampaignRepo) ListCampaigns(_ context.Context, offset, limit int, status string) ([]*model.Campaign, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var filtered []*model.Campaign
	for _, c := range r.campaigns {
		if status != "" && string(c.Status) != status {
			continue
		}
		cp := *c
		filtered = append(filtered, &cp)
	}
	sort.Slice(filtered, func(i, j int) bool { return filtered[i].Name < filtered[j].Name })

	total := len(filtered)
	if offset >= total {
		return []*model.Campaign{}, total, nil
	}
	end := min(offset+limit, total)
	return filtered[offset:end], total, nil
}

func (r *memCampaignRepo) ListDueScheduled(_ context.Context, now time.Time, limit int) ([]*model.Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	due := []*model.Campaign{}
	for _, c := range r.campaigns {
		if c.Status == model.StatusScheduled && c.ScheduledAt != nil && !c.ScheduledAt.After(now) && len(due) < limit {
			cp := *c
			due = append(due, &cp)
		}
	}
	return due, nil
}

func (r *memCampaignRepo) BeginSend(_ context.Context, id string, recipientCount, alreadySent int, startedAt time.Time) (*model.Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[id]
	if !ok {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	if !slices.Contains(model.StatusSending.Sources(), string(c.Status)) {
		return nil, fmt.Errorf("%w: %s -> sending", appErrors.ErrInvalidTransition, c.Status)
	}
	c.Status = model.StatusSending
	c.RecipientCount = recipientCount
	c.SentCount, c.DeliveredCount, c.BouncedCount = alreadySent, alreadySent, 0
	c.OpenedCount, c.ClickedCount, c.ComplainedCount = 0, 0, 0
	if c.StartedAt == nil {
		c.StartedAt = &startedAt
	}
	cp := *c
	return &cp, nil
}

func (r *memCampaignRepo) UpdateProgress(_ context.Context, id string, sent int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[id]
	if !ok || c.Status != model.StatusSending {
		return nil
	}
	r.progress = append(r.progress, sent)
	c.SentCount = max(c.SentCount, sent)
	c.DeliveredCount = max(c.DeliveredCount, sent)
	return nil
}

func (r *memCampaignRepo) CompleteSend(_ context.Context, id string, sent, failed int, completedAt time.Time) error {
	return r.finish(id, model.StatusSent, sent, failed, completedAt)
}

func (r *memCampaignRepo) StopSend(_ context.Context, id string, status model.CampaignStatus, sent, failed int, at time.Time) error {
	return r.finish(id, status, sent, failed, at)
}

func (r *memCampaignRepo) finish(id string, to model.CampaignStatus, sent, failed int, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[id]
	if !ok {
		return appErrors.NewCampaignNotFound(id)
	}
	if c.Status != model.StatusSending {
		return fmt.Errorf("%w: %s -> %s", appErrors.ErrInvalidTransition, c.Status, to)
	}
	c.Status = to
	c.SentCount = max(c.SentCount, sent)
	c.DeliveredCount = max(c.DeliveredCount, sent)
	c.BouncedCount = max(c.BouncedCount, failed)
	if to.IsTerminal() && c.CompletedAt == nil {
		c.CompletedAt = &at
	}
	return nil
}

var _ repository.CampaignRepositoryInterface = (*memCampaignRepo)(nil)

type memSubscriberRepo struct {
	subscribers []model.Subscriber
}

func (r *memSubscriberRepo) GetByIDs(_ context.Context, ids []string) ([]model.Subscriber, error) {
	out := []model.Subscriber{}
	for _, s := range r.subscribers {
		if s.Status == model.SubscriberActive && slices.Contains(ids, s.ID) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (r *memSubscriberRepo) ListActive(_ context.Context) ([]model.Subscriber, error) {
	out := []model.Subscriber{}
	for _, s := range r.subscribers {
		if s.Status == model.SubscriberActive {
			out = append(out, s)
		}
	}
	return out, nil
}

func (r *memSubscriberRepo) ListBySegments(_ context.Context, segments []string) ([]model.Subscriber, error) {
	out := []model.Subscriber{}
	for _, s := range r.subscribers {
		if s.Status != model.SubscriberActive {
			continue
		}
		for _, seg := range s.Segments {
			if slices.Contains(segments, seg) {
				out = append(out, s)
				break
			}
		}
	}
	return out, nil
}

// stubTransport fails for the addresses listed in failFor.
type stubTransport struct {
	mu      sync.Mutex
	sent    []*transport.Message
	failFor map[string]error
}

func (t *stubTransport) Name() string { return "stub" }

func (t *stubTransport) Send(_ context.Context, msg *transport.Message) (*transport.Receipt, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, msg)
	if err, ok := t.failFor[msg.To]; ok {
		return nil, err
	}
	return &transport.Receipt{MessageID: uuid.NewString(), Provider: "stub"}, nil
}

func (t *stubTransport) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sent)
}

// recordingQueue captures published payloads without delivering them.
type recordingQueue struct {
	mu        sync.Mutex
	published []queue.SendJob
	err       error
}

func (q *recordingQueue) Publish(_ string, payload any) error {
	if q.err != nil {
		return q.err
	}
	job, err := queue.DecodeSendJob(payload)
	if err != nil {
		return err
	}
	q.mu.Lock()
	q.published = append(q.published, job)
	q.mu.Unlock()
	return nil
}

func (q *recordingQueue) Subscribe(string, func(payload any) error) error { return nil }

type recordingRecorder struct {
	mu        sync.Mutex
	summaries []*model.SendSummary
}

func (r *recordingRecorder) DeliveredRecipients(context.Context, string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var delivered []string
	for _, s := range r.summaries {
		for _, o := range s.Outcomes {
			if o.Success {
				delivered = append(delivered, strings.ToLower(o.Recipient))
			}
		}
	}
	return delivered, nil
}

func (r *recordingRecorder) RecordOutcomes(_ context.Context, _ string, s *model.SendSummary) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.summaries = append(r.summaries, s)
	return nil
}

// recordingListener collects progress events of all campaigns.
type recordingListener struct {
	mu        sync.Mutex
	snapshots []model.ProgressSnapshot
	completed int
	lastErr   error
}

func (l *recordingListener) OnProgress(_ string, s model.ProgressSnapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.snapshots = append(l.snapshots, s)
}

func (l *recordingListener) OnComplete(_ string, _ *model.SendSummary, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.completed++
	l.lastErr = err
}

func draftCampaign() *model.Campaign {
	return &model.Campaign{
		ID:              uuid.NewString(),
		Name:            "Spring launch",
		Subject:         "Hi {{firstName}}",
		TemplateContent: "<p>Hello {{name}}</p>",
		FromEmail:       "news@example.com",
		FromName:        "Poshak",
		Status:          model.StatusDraft,
		CreatedAt:       time.Now(),
	}
}

func recipients(n int, bad ...int) ([]model.Recipient, map[string]error) {
	out := make([]model.Recipient, n)
	fail := map[string]error{}
	for i := range out {
		domain := "example.com"
		if slices.Contains(bad, i) {
			domain = "bad.test"
		}
		out[i] = model.Recipient{Email: fmt.Sprintf("r%03d@%s", i, domain)}
		if domain == "bad.test" {
			fail[out[i].Email] = fmt.Errorf("rejected")
		}
	}
	return out, fail
}
