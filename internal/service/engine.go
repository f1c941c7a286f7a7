package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/campaign-mailer/internal/errors"
	"github.com/unclebandit/campaign-mailer/internal/model"
)

// ProgressListener observes running dispatches. OnProgress receives every
// snapshot of a dispatch in order, starting with the state at entry into
// sending; calls for one dispatch never overlap. OnComplete is called exactly
// once when the campaign has reached its final status.
type ProgressListener interface {
	OnProgress(campaignID string, snap model.ProgressSnapshot)
	OnComplete(campaignID string, summary *model.SendSummary, err error)
}

// SendAck is returned as soon as a dispatch has been started.
type SendAck struct {
	CampaignID     string               `json:"campaign_id"`
	Status         model.CampaignStatus `json:"status"`
	RecipientCount int                  `json:"recipient_count"`
	StartedAt      time.Time            `json:"started_at"`
	Message        string               `json:"message"`
}

// SendHandle tracks one running dispatch.
type SendHandle struct {
	CampaignID string

	done   chan struct{}
	cancel context.CancelFunc

	mu        sync.Mutex
	requested model.CampaignStatus
	final     model.CampaignStatus
	summary   *model.SendSummary
	err       error
}

func newSendHandle(id string) *SendHandle {
	return &SendHandle{CampaignID: id, done: make(chan struct{})}
}

// Done is closed once the campaign reached its final status.
func (h *SendHandle) Done() <-chan struct{} { return h.done }

// Wait blocks until the dispatch finished or ctx ends.
func (h *SendHandle) Wait(ctx context.Context) (*model.SendSummary, error) {
	select {
	case <-h.done:
		return h.Summary()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Summary returns the final summary, or nil while the dispatch is running.
func (h *SendHandle) Summary() (*model.SendSummary, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.summary, h.err
}

// Status returns the final campaign status, or sending while running.
func (h *SendHandle) Status() model.CampaignStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.final == "" {
		return model.StatusSending
	}
	return h.final
}

// stop asks the dispatch to stop after the current batch. The first request wins.
func (h *SendHandle) stop(as model.CampaignStatus) {
	h.mu.Lock()
	if h.requested == "" {
		h.requested = as
	}
	cancel := h.cancel
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (h *SendHandle) requestedStatus() model.CampaignStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.requested
}

func (h *SendHandle) finish(final model.CampaignStatus, summary *model.SendSummary, err error) {
	h.mu.Lock()
	h.final, h.summary, h.err = final, summary, err
	h.mu.Unlock()
	close(h.done)
}

// EngineOption configures a SendEngine.
type EngineOption func(*SendEngine)

func WithOutcomeRecorder(r OutcomeRecorder) EngineOption {
	return func(e *SendEngine) { e.outcomes = r }
}

// WithDeliveryLog makes resumed campaigns skip recipients an earlier cycle
// already sent to.
func WithDeliveryLog(l DeliveryLog) EngineOption {
	return func(e *SendEngine) { e.delivered = l }
}

func WithProgressListener(l ProgressListener) EngineOption {
	return func(e *SendEngine) { e.listeners = append(e.listeners, l) }
}

// SendEngine starts campaign dispatches in the background and converges each
// campaign to a final status.
type SendEngine struct {
	dispatcher *Dispatcher
	state      *CampaignStateMachine
	outcomes   OutcomeRecorder
	delivered  DeliveryLog
	listeners  []ProgressListener
	log        *zap.Logger

	mu      sync.Mutex
	running map[string]*SendHandle
	closed  bool
	wg      sync.WaitGroup
}

func NewSendEngine(d *Dispatcher, state *CampaignStateMachine, log *zap.Logger, opts ...EngineOption) *SendEngine {
	e := &SendEngine{
		dispatcher: d,
		state:      state,
		log:        log,
		running:    make(map[string]*SendHandle),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// StartCampaignSend validates the request, moves the campaign into sending
// and returns while the dispatch continues in the background. Nothing is
// sent and no status changes when an error is returned.
//
// Resuming a paused campaign skips the recipients an earlier cycle already
// sent to; they count as sent in the progress and summary of the new cycle.
func (e *SendEngine) StartCampaignSend(ctx context.Context, c *model.Campaign, recipients []model.Recipient) (*SendAck, *SendHandle, error) {
	if err := validateForSend(c); err != nil {
		return nil, nil, err
	}
	if len(recipients) == 0 {
		return nil, nil, appErrors.ErrNoRecipients
	}

	handle, err := e.reserve(c.ID)
	if err != nil {
		return nil, nil, err
	}

	pending, alreadySent, err := e.pendingRecipients(ctx, c, recipients)
	if err != nil {
		e.release(c.ID)
		return nil, nil, err
	}

	started, err := e.state.Begin(ctx, c, len(recipients), alreadySent)
	if err != nil {
		e.release(c.ID)
		return nil, nil, err
	}

	// Replaces whatever a previous cycle left with listeners.
	initial := model.NewProgressSnapshot(len(recipients), alreadySent, 0)
	for _, l := range e.listeners {
		l.OnProgress(c.ID, initial)
	}

	// The dispatch outlives the request that started it.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	handle.mu.Lock()
	handle.cancel = cancel
	stopEarly := handle.requested != ""
	handle.mu.Unlock()
	if stopEarly {
		cancel()
	}

	snapshot := snapshotRecipients(pending)
	e.wg.Add(1)
	activeDispatches.Inc()
	go e.run(runCtx, handle, started, snapshot, alreadySent)

	startedAt := time.Now()
	if started.StartedAt != nil {
		startedAt = *started.StartedAt
	}
	return &SendAck{
		CampaignID:     c.ID,
		Status:         model.StatusSending,
		RecipientCount: len(recipients),
		StartedAt:      startedAt,
		Message:        fmt.Sprintf("Campaign sending started to %d recipients", len(recipients)),
	}, handle, nil
}

func (e *SendEngine) run(ctx context.Context, h *SendHandle, c *model.Campaign, recipients []model.Recipient, alreadySent int) {
	defer e.wg.Done()
	defer activeDispatches.Dec()
	defer h.cancel()

	log := e.log.With(zap.String("campaign_id", c.ID))
	store := context.WithoutCancel(ctx)

	pump := newProgressPump(func(s model.ProgressSnapshot) {
		s = model.NewProgressSnapshot(alreadySent+s.Total, alreadySent+s.Sent, s.Failed)
		if err := e.state.Progress(store, c.ID, s); err != nil {
			log.Warn("Failed to persist progress", zap.Error(err))
		}
		for _, l := range e.listeners {
			l.OnProgress(c.ID, s)
		}
	})

	summary, dispatchErr := e.dispatcher.Dispatch(ctx, c, recipients, pump.push)
	pump.close()
	summary.Skipped = alreadySent
	summary.Total += alreadySent
	summary.Sent += alreadySent

	final, err := e.state.Finish(store, c.ID, summary, dispatchErr, h.requestedStatus())
	if err != nil {
		log.Error("Failed to record final campaign status", zap.Error(err))
	}
	campaignsFinished.WithLabelValues(string(final)).Inc()

	if e.outcomes != nil && len(summary.Outcomes) > 0 {
		if err := e.outcomes.RecordOutcomes(store, c.ID, summary); err != nil {
			log.Error("Failed to record send outcomes", zap.Error(err))
		}
	}

	resultErr := dispatchErr
	if resultErr == nil {
		resultErr = err
	}

	e.release(c.ID)
	for _, l := range e.listeners {
		l.OnComplete(c.ID, summary, resultErr)
	}
	h.finish(final, summary, resultErr)
}

// pendingRecipients drops the addresses earlier cycles delivered to when c
// resumes from paused. It returns the recipients left to send and how many of
// the list were dropped.
func (e *SendEngine) pendingRecipients(ctx context.Context, c *model.Campaign, recipients []model.Recipient) ([]model.Recipient, int, error) {
	if c.Status != model.StatusPaused || e.delivered == nil {
		return recipients, 0, nil
	}
	delivered, err := e.delivered.DeliveredRecipients(ctx, c.ID)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to load delivered recipients: %w", err)
	}
	if len(delivered) == 0 {
		return recipients, 0, nil
	}

	done := make(map[string]struct{}, len(delivered))
	for _, email := range delivered {
		done[strings.ToLower(email)] = struct{}{}
	}
	pending := make([]model.Recipient, 0, len(recipients))
	for _, r := range recipients {
		if _, ok := done[strings.ToLower(r.Email)]; ok {
			continue
		}
		pending = append(pending, r)
	}
	skipped := len(recipients) - len(pending)
	if skipped > 0 {
		e.log.Info("Resuming campaign, skipping delivered recipients",
			zap.String("campaign_id", c.ID), zap.Int("skipped", skipped), zap.Int("pending", len(pending)))
	}
	return pending, skipped, nil
}

// Cancel stops a running dispatch after its current batch; the campaign ends cancelled.
func (e *SendEngine) Cancel(campaignID string) error {
	return e.stop(campaignID, model.StatusCancelled)
}

// Pause stops a running dispatch after its current batch; the campaign ends paused.
func (e *SendEngine) Pause(campaignID string) error {
	return e.stop(campaignID, model.StatusPaused)
}

func (e *SendEngine) stop(campaignID string, as model.CampaignStatus) error {
	e.mu.Lock()
	h, ok := e.running[campaignID]
	e.mu.Unlock()
	if !ok {
		return appErrors.ErrNotRunning
	}
	e.log.Info("Stop requested", zap.String("campaign_id", campaignID), zap.String("as", string(as)))
	h.stop(as)
	return nil
}

// Handle returns the running dispatch of a campaign, if any.
func (e *SendEngine) Handle(campaignID string) (*SendHandle, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.running[campaignID]
	return h, ok
}

// Shutdown refuses new dispatches, pauses running ones and waits for them to
// reach a final status. Sending a paused campaign again continues where it stopped.
func (e *SendEngine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	handles := make([]*SendHandle, 0, len(e.running))
	for _, h := range e.running {
		handles = append(handles, h)
	}
	e.mu.Unlock()

	for _, h := range handles {
		h.stop(model.StatusPaused)
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *SendEngine) reserve(id string) (*SendHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, errors.New("send engine is shutting down")
	}
	if _, ok := e.running[id]; ok {
		return nil, fmt.Errorf("%w: campaign %s is already sending", appErrors.ErrInvalidTransition, id)
	}
	h := newSendHandle(id)
	e.running[id] = h
	return h, nil
}

func (e *SendEngine) release(id string) {
	e.mu.Lock()
	delete(e.running, id)
	e.mu.Unlock()
}

func validateForSend(c *model.Campaign) error {
	if c == nil {
		return appErrors.Validation("campaign is required")
	}
	var missing []string
	if strings.TrimSpace(c.ID) == "" {
		missing = append(missing, "id")
	}
	if strings.TrimSpace(c.Subject) == "" {
		missing = append(missing, "subject")
	}
	if strings.TrimSpace(c.TemplateContent) == "" {
		missing = append(missing, "template_content")
	}
	if strings.TrimSpace(c.FromEmail) == "" {
		missing = append(missing, "from_email")
	}
	if len(missing) > 0 {
		return appErrors.Validation("campaign is missing %s", strings.Join(missing, ", "))
	}
	return nil
}

// snapshotRecipients copies the list so later edits by the caller do not leak
// into a running dispatch.
func snapshotRecipients(in []model.Recipient) []model.Recipient {
	out := make([]model.Recipient, len(in))
	for i, r := range in {
		out[i] = r
		if r.Custom != nil {
			custom := make(map[string]string, len(r.Custom))
			for k, v := range r.Custom {
				custom[k] = v
			}
			out[i].Custom = custom
		}
	}
	return out
}
