package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/campaign-mailer/internal/errors"
	"github.com/unclebandit/campaign-mailer/internal/model"
)

// CampaignStateStore persists status changes of a send cycle. Every write is
// conditional on the current status, so a reader never sees a regression.
type CampaignStateStore interface {
	// BeginSend moves the campaign into sending, starting a new cycle whose
	// counters begin at alreadySent. It returns appErrors.ErrInvalidTransition
	// when the current status does not allow it.
	BeginSend(ctx context.Context, id string, recipientCount, alreadySent int, startedAt time.Time) (*model.Campaign, error)
	// UpdateProgress raises the sent counters of a sending campaign. Counters never decrease.
	UpdateProgress(ctx context.Context, id string, sent int) error
	CompleteSend(ctx context.Context, id string, sent, failed int, completedAt time.Time) error
	// StopSend moves a sending campaign to cancelled or paused, keeping the counts reached.
	StopSend(ctx context.Context, id string, status model.CampaignStatus, sent, failed int, at time.Time) error
}

// OutcomeRecorder stores the per-recipient outcomes of a finished cycle.
type OutcomeRecorder interface {
	RecordOutcomes(ctx context.Context, campaignID string, summary *model.SendSummary) error
}

// DeliveryLog reports the addresses earlier cycles of a campaign have
// already sent to, lowercased.
type DeliveryLog interface {
	DeliveredRecipients(ctx context.Context, campaignID string) ([]string, error)
}

// CampaignStateMachine drives a campaign through one send cycle.
type CampaignStateMachine struct {
	store CampaignStateStore
	log   *zap.Logger
	now   func() time.Time
}

func NewCampaignStateMachine(store CampaignStateStore, log *zap.Logger) *CampaignStateMachine {
	return &CampaignStateMachine{store: store, log: log, now: time.Now}
}

// Begin starts a new cycle for c with the given number of recipients, of
// which alreadySent were delivered by an earlier cycle.
func (m *CampaignStateMachine) Begin(ctx context.Context, c *model.Campaign, recipientCount, alreadySent int) (*model.Campaign, error) {
	if !c.Status.CanTransitionTo(model.StatusSending) {
		return nil, fmt.Errorf("%w: %s -> %s", appErrors.ErrInvalidTransition, c.Status, model.StatusSending)
	}
	started, err := m.store.BeginSend(ctx, c.ID, recipientCount, alreadySent, m.now())
	if err != nil {
		return nil, err
	}
	m.log.Info("Campaign entered sending",
		zap.String("campaign_id", c.ID),
		zap.String("from", string(c.Status)),
		zap.Int("recipients", recipientCount),
		zap.Int("already_sent", alreadySent))
	return started, nil
}

// Progress persists a live snapshot. Delivered mirrors sent; there are no receipts.
func (m *CampaignStateMachine) Progress(ctx context.Context, id string, snap model.ProgressSnapshot) error {
	return m.store.UpdateProgress(ctx, id, snap.Sent)
}

// Finish writes the final status of a cycle and returns it. A clean dispatch
// ends in sent. A stopped dispatch ends in the requested status, cancelled
// when none was requested. Any other dispatch error is fatal and cancels.
func (m *CampaignStateMachine) Finish(ctx context.Context, id string, summary *model.SendSummary, dispatchErr error, requested model.CampaignStatus) (model.CampaignStatus, error) {
	final := resolveFinalStatus(dispatchErr, requested)
	now := m.now()

	var err error
	if final == model.StatusSent {
		err = m.store.CompleteSend(ctx, id, summary.Sent, summary.Failed, now)
	} else {
		err = m.store.StopSend(ctx, id, final, summary.Sent, summary.Failed, now)
	}
	if err != nil {
		return final, fmt.Errorf("failed to mark campaign %s as %s: %w", id, final, err)
	}

	m.log.Info("Campaign send finished",
		zap.String("campaign_id", id),
		zap.String("status", string(final)),
		zap.Int("total", summary.Total),
		zap.Int("sent", summary.Sent),
		zap.Int("failed", summary.Failed))
	return final, nil
}

func resolveFinalStatus(dispatchErr error, requested model.CampaignStatus) model.CampaignStatus {
	switch {
	case dispatchErr == nil:
		return model.StatusSent
	case errors.Is(dispatchErr, ErrDispatchStopped) && requested == model.StatusPaused:
		return model.StatusPaused
	default:
		return model.StatusCancelled
	}
}

// progressPump decouples the send path from progress consumers. Producers
// append to a queue; a single goroutine drains it, so consumers see every
// snapshot in order without slowing sends down.
type progressPump struct {
	mu      sync.Mutex
	pending []model.ProgressSnapshot
	signal  chan struct{}
	closing chan struct{}
	done    chan struct{}
	deliver func(model.ProgressSnapshot)
}

func newProgressPump(deliver func(model.ProgressSnapshot)) *progressPump {
	p := &progressPump{
		signal:  make(chan struct{}, 1),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
		deliver: deliver,
	}
	go p.loop()
	return p
}

func (p *progressPump) push(s model.ProgressSnapshot) {
	p.mu.Lock()
	p.pending = append(p.pending, s)
	p.mu.Unlock()

	select {
	case p.signal <- struct{}{}:
	default:
	}
}

// close delivers whatever is pending and waits for the loop to exit.
func (p *progressPump) close() {
	close(p.closing)
	<-p.done
}

func (p *progressPump) take() []model.ProgressSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	batch := p.pending
	p.pending = nil
	return batch
}

func (p *progressPump) drain() {
	for batch := p.take(); len(batch) > 0; batch = p.take() {
		for _, s := range batch {
			p.deliver(s)
		}
	}
}

func (p *progressPump) loop() {
	defer close(p.done)
	for {
		select {
		case <-p.signal:
			p.drain()
		case <-p.closing:
			p.drain()
			return
		}
	}
}
