package service_test

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	appErrors "github.com/unclebandit/campaign-mailer/internal/errors"
	"github.com/unclebandit/campaign-mailer/internal/model"
	"github.com/unclebandit/campaign-mailer/internal/service"
	"github.com/unclebandit/campaign-mailer/internal/transport"
)

// gatedTransport holds every send until release is closed.
type gatedTransport struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
	sends   atomic.Int32
}

func newGatedTransport() *gatedTransport {
	return &gatedTransport{started: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedTransport) Name() string { return "gated" }

func (g *gatedTransport) Send(ctx context.Context, _ *transport.Message) (*transport.Receipt, error) {
	g.sends.Add(1)
	g.once.Do(func() { close(g.started) })
	<-g.release
	return &transport.Receipt{MessageID: uuid.NewString(), Provider: "gated"}, nil
}

func newEngine(repo *memCampaignRepo, tr transport.Transport, batch int, opts ...service.EngineOption) *service.SendEngine {
	log := zap.NewNop()
	d := service.NewDispatcher(tr, service.NewVariableBuilder("https://shop.example.com"),
		service.DispatcherConfig{MaxBatchSize: batch}, log)
	return service.NewSendEngine(d, service.NewCampaignStateMachine(repo, log), log, opts...)
}

func waitCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestEngineSendsEveryRecipient(t *testing.T) {
	c := draftCampaign()
	repo := newMemCampaignRepo(c)
	list, _ := recipients(120)
	tr := &stubTransport{}
	rec := &recordingRecorder{}
	listener := &recordingListener{}
	engine := newEngine(repo, tr, 50, service.WithOutcomeRecorder(rec), service.WithProgressListener(listener))

	ack, handle, err := engine.StartCampaignSend(context.Background(), c, list)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSending, ack.Status)
	assert.Equal(t, 120, ack.RecipientCount)
	assert.Contains(t, ack.Message, "120 recipients")

	summary, err := handle.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, 120, summary.Total)
	assert.Equal(t, 120, summary.Sent)
	assert.Equal(t, 0, summary.Failed)
	assert.Empty(t, summary.Errors)
	assert.Equal(t, model.StatusSent, handle.Status())

	stored := repo.get(c.ID)
	assert.Equal(t, model.StatusSent, stored.Status)
	assert.Equal(t, 120, stored.RecipientCount)
	assert.Equal(t, 120, stored.SentCount)
	assert.Equal(t, 120, stored.DeliveredCount)
	assert.Equal(t, 0, stored.BouncedCount)
	assert.NotNil(t, stored.StartedAt)
	assert.NotNil(t, stored.CompletedAt)
	assert.Equal(t, 120, tr.count())

	require.Len(t, rec.summaries, 1)
	assert.Len(t, rec.summaries[0].Outcomes, 120)

	listener.mu.Lock()
	defer listener.mu.Unlock()
	assert.Equal(t, 1, listener.completed)
	assert.NoError(t, listener.lastErr)
	require.Len(t, listener.snapshots, 121)
	assert.Equal(t, model.NewProgressSnapshot(120, 0, 0), listener.snapshots[0])
	for i := 1; i < len(listener.snapshots); i++ {
		assert.Equal(t, i, listener.snapshots[i].Done())
	}
	last := listener.snapshots[len(listener.snapshots)-1]
	assert.Equal(t, 100, last.Progress)
	assert.Len(t, repo.progress, 120)

	_, running := engine.Handle(c.ID)
	assert.False(t, running)
}

func TestEngineRecordsFailedRecipients(t *testing.T) {
	c := draftCampaign()
	repo := newMemCampaignRepo(c)
	list, fail := recipients(120, 7, 93)
	engine := newEngine(repo, &stubTransport{failFor: fail}, 50)

	_, handle, err := engine.StartCampaignSend(context.Background(), c, list)
	require.NoError(t, err)
	summary, err := handle.Wait(waitCtx(t))
	require.NoError(t, err)

	assert.Equal(t, 118, summary.Sent)
	assert.Equal(t, 2, summary.Failed)
	require.Len(t, summary.Errors, 2)
	assert.Equal(t, list[7].Email, summary.Errors[0].Recipient)
	assert.Equal(t, list[93].Email, summary.Errors[1].Recipient)

	stored := repo.get(c.ID)
	assert.Equal(t, model.StatusSent, stored.Status)
	assert.Equal(t, 118, stored.SentCount)
	assert.Equal(t, 2, stored.BouncedCount)
	assert.Equal(t, 100, stored.ProgressPercentage())
}

func TestEngineFatalTransportErrorCancels(t *testing.T) {
	c := draftCampaign()
	repo := newMemCampaignRepo(c)
	list, _ := recipients(10)
	tr := &stubTransport{failFor: map[string]error{list[0].Email: transport.ErrUnauthorized}}
	listener := &recordingListener{}
	engine := newEngine(repo, tr, 50, service.WithProgressListener(listener))

	_, handle, err := engine.StartCampaignSend(context.Background(), c, list)
	require.NoError(t, err)
	summary, err := handle.Wait(waitCtx(t))
	assert.ErrorIs(t, err, transport.ErrUnauthorized)
	assert.Equal(t, 9, summary.Sent)
	assert.Equal(t, model.StatusCancelled, handle.Status())

	stored := repo.get(c.ID)
	assert.Equal(t, model.StatusCancelled, stored.Status)
	assert.Equal(t, 9, stored.SentCount)
	assert.NotNil(t, stored.CompletedAt)

	listener.mu.Lock()
	defer listener.mu.Unlock()
	assert.Equal(t, 1, listener.completed)
	assert.ErrorIs(t, listener.lastErr, transport.ErrUnauthorized)
}

func TestEngineWithoutTransportCancels(t *testing.T) {
	c := draftCampaign()
	repo := newMemCampaignRepo(c)
	list, _ := recipients(3)
	engine := newEngine(repo, nil, 50)

	_, handle, err := engine.StartCampaignSend(context.Background(), c, list)
	require.NoError(t, err)
	summary, err := handle.Wait(waitCtx(t))
	assert.ErrorIs(t, err, transport.ErrNotConfigured)
	assert.Equal(t, 0, summary.Sent)
	assert.Equal(t, model.StatusCancelled, repo.get(c.ID).Status)
}

func TestEngineRejectsEmptyRecipients(t *testing.T) {
	c := draftCampaign()
	repo := newMemCampaignRepo(c)
	engine := newEngine(repo, &stubTransport{}, 50)

	ack, handle, err := engine.StartCampaignSend(context.Background(), c, nil)
	assert.ErrorIs(t, err, appErrors.ErrNoRecipients)
	assert.Nil(t, ack)
	assert.Nil(t, handle)

	stored := repo.get(c.ID)
	assert.Equal(t, model.StatusDraft, stored.Status)
	assert.Equal(t, 0, stored.RecipientCount)
	assert.Nil(t, stored.StartedAt)
}

func TestEngineRejectsIncompleteCampaign(t *testing.T) {
	c := draftCampaign()
	c.Subject = "  "
	c.FromEmail = ""
	repo := newMemCampaignRepo(c)
	tr := &stubTransport{}
	engine := newEngine(repo, tr, 50)
	list, _ := recipients(2)

	_, _, err := engine.StartCampaignSend(context.Background(), c, list)
	assert.ErrorIs(t, err, appErrors.ErrValidation)
	assert.Contains(t, err.Error(), "subject, from_email")
	assert.Equal(t, model.StatusDraft, repo.get(c.ID).Status)
	assert.Zero(t, tr.count())
}

func TestEngineRejectsSentCampaign(t *testing.T) {
	c := draftCampaign()
	c.Status = model.StatusSent
	repo := newMemCampaignRepo(c)
	engine := newEngine(repo, &stubTransport{}, 50)
	list, _ := recipients(2)

	_, _, err := engine.StartCampaignSend(context.Background(), c, list)
	assert.ErrorIs(t, err, appErrors.ErrInvalidTransition)
	assert.Equal(t, model.StatusSent, repo.get(c.ID).Status)
}

func TestEngineRefusesSecondStart(t *testing.T) {
	c := draftCampaign()
	repo := newMemCampaignRepo(c)
	list, _ := recipients(4)
	gate := newGatedTransport()
	engine := newEngine(repo, gate, 50)

	_, handle, err := engine.StartCampaignSend(context.Background(), c, list)
	require.NoError(t, err)
	<-gate.started

	_, _, err = engine.StartCampaignSend(context.Background(), c, list)
	assert.ErrorIs(t, err, appErrors.ErrInvalidTransition)

	// A second process only sees the campaign row.
	other := newEngine(repo, &stubTransport{}, 50)
	_, _, err = other.StartCampaignSend(context.Background(), c, list)
	assert.ErrorIs(t, err, appErrors.ErrInvalidTransition)

	close(gate.release)
	summary, err := handle.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, 4, summary.Sent)
	assert.EqualValues(t, 4, gate.sends.Load())
}

func TestEnginePauseStopsAfterCurrentBatch(t *testing.T) {
	c := draftCampaign()
	repo := newMemCampaignRepo(c)
	list, _ := recipients(10)
	gate := newGatedTransport()
	engine := newEngine(repo, gate, 5)

	_, handle, err := engine.StartCampaignSend(context.Background(), c, list)
	require.NoError(t, err)
	<-gate.started

	require.NoError(t, engine.Pause(c.ID))
	close(gate.release)

	summary, err := handle.Wait(waitCtx(t))
	assert.ErrorIs(t, err, service.ErrDispatchStopped)
	assert.Equal(t, 5, summary.Sent)
	assert.Equal(t, model.StatusPaused, handle.Status())

	stored := repo.get(c.ID)
	assert.Equal(t, model.StatusPaused, stored.Status)
	assert.Equal(t, 5, stored.SentCount)
	assert.Nil(t, stored.CompletedAt)

}

func TestEngineResumeSkipsDeliveredRecipients(t *testing.T) {
	c := draftCampaign()
	repo := newMemCampaignRepo(c)
	list, _ := recipients(10)
	rec := &recordingRecorder{}
	gate := newGatedTransport()
	engine := newEngine(repo, gate, 5, service.WithOutcomeRecorder(rec), service.WithDeliveryLog(rec))

	_, handle, err := engine.StartCampaignSend(context.Background(), c, list)
	require.NoError(t, err)
	<-gate.started
	require.NoError(t, engine.Pause(c.ID))
	close(gate.release)
	_, err = handle.Wait(waitCtx(t))
	assert.ErrorIs(t, err, service.ErrDispatchStopped)

	paused := repo.get(c.ID)
	require.Equal(t, model.StatusPaused, paused.Status)
	require.NotNil(t, paused.StartedAt)
	firstStart := *paused.StartedAt

	tr := &stubTransport{}
	listener := &recordingListener{}
	resumed := newEngine(repo, tr, 5, service.WithOutcomeRecorder(rec), service.WithDeliveryLog(rec),
		service.WithProgressListener(listener))
	_, handle, err = resumed.StartCampaignSend(context.Background(), paused, list)
	require.NoError(t, err)
	summary, err := handle.Wait(waitCtx(t))
	require.NoError(t, err)

	assert.Equal(t, 10, summary.Total)
	assert.Equal(t, 10, summary.Sent)
	assert.Equal(t, 5, summary.Skipped)
	assert.Len(t, summary.Outcomes, 5)

	sentTo := map[string]int{}
	for _, s := range rec.summaries {
		for _, o := range s.Outcomes {
			sentTo[o.Recipient]++
		}
	}
	assert.Len(t, sentTo, 10)
	for email, n := range sentTo {
		assert.Equal(t, 1, n, email)
	}
	assert.Equal(t, 5, tr.count())

	stored := repo.get(c.ID)
	assert.Equal(t, model.StatusSent, stored.Status)
	assert.Equal(t, 10, stored.RecipientCount)
	assert.Equal(t, 10, stored.SentCount)
	assert.Equal(t, firstStart, *stored.StartedAt)

	listener.mu.Lock()
	defer listener.mu.Unlock()
	require.NotEmpty(t, listener.snapshots)
	assert.Equal(t, model.NewProgressSnapshot(10, 5, 0), listener.snapshots[0])
	assert.Equal(t, model.NewProgressSnapshot(10, 10, 0), listener.snapshots[len(listener.snapshots)-1])
}

func TestEngineResumeWithEveryoneDelivered(t *testing.T) {
	c := draftCampaign()
	c.Status = model.StatusPaused
	repo := newMemCampaignRepo(c)
	list, _ := recipients(3)
	rec := &recordingRecorder{summaries: []*model.SendSummary{{Outcomes: []model.SendOutcome{
		{Recipient: list[0].Email, Success: true},
		{Recipient: strings.ToUpper(list[1].Email), Success: true},
		{Recipient: list[2].Email, Success: true},
	}}}}
	tr := &stubTransport{}
	engine := newEngine(repo, tr, 5, service.WithDeliveryLog(rec))

	_, handle, err := engine.StartCampaignSend(context.Background(), c, list)
	require.NoError(t, err)
	summary, err := handle.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Sent)
	assert.Equal(t, 3, summary.Skipped)
	assert.Zero(t, tr.count())
	assert.Equal(t, model.StatusSent, repo.get(c.ID).Status)
}

func TestEngineRestartAfterCancelKeepsTimestamps(t *testing.T) {
	c := draftCampaign()
	repo := newMemCampaignRepo(c)
	list, _ := recipients(4)
	rec := &recordingRecorder{}
	gate := newGatedTransport()
	engine := newEngine(repo, gate, 2, service.WithOutcomeRecorder(rec), service.WithDeliveryLog(rec))

	_, handle, err := engine.StartCampaignSend(context.Background(), c, list)
	require.NoError(t, err)
	<-gate.started
	require.NoError(t, engine.Cancel(c.ID))
	close(gate.release)
	_, err = handle.Wait(waitCtx(t))
	assert.ErrorIs(t, err, service.ErrDispatchStopped)

	cancelled := repo.get(c.ID)
	require.Equal(t, model.StatusCancelled, cancelled.Status)
	require.NotNil(t, cancelled.CompletedAt)
	firstStart, firstEnd := *cancelled.StartedAt, *cancelled.CompletedAt

	// Restarting a cancelled campaign sends to everyone again.
	tr := &stubTransport{}
	restarted := newEngine(repo, tr, 2, service.WithOutcomeRecorder(rec), service.WithDeliveryLog(rec))
	_, handle, err = restarted.StartCampaignSend(context.Background(), cancelled, list)
	require.NoError(t, err)
	_, err = handle.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, 4, tr.count())

	stored := repo.get(c.ID)
	assert.Equal(t, model.StatusSent, stored.Status)
	assert.Equal(t, firstStart, *stored.StartedAt)
	assert.Equal(t, firstEnd, *stored.CompletedAt)
}

func TestEngineDeliversEverySnapshotToSlowListener(t *testing.T) {
	c := draftCampaign()
	repo := newMemCampaignRepo(c)
	list, _ := recipients(50)
	listener := &slowListener{delay: 2 * time.Millisecond}
	engine := newEngine(repo, &stubTransport{}, 50, service.WithProgressListener(listener))

	_, handle, err := engine.StartCampaignSend(context.Background(), c, list)
	require.NoError(t, err)
	_, err = handle.Wait(waitCtx(t))
	require.NoError(t, err)

	listener.mu.Lock()
	defer listener.mu.Unlock()
	require.Len(t, listener.snapshots, 51)
	for i, s := range listener.snapshots {
		assert.Equal(t, i, s.Sent)
	}
	assert.Len(t, repo.progress, 50)
	assert.Equal(t, 50, repo.get(c.ID).SentCount)
}

type slowListener struct {
	recordingListener
	delay time.Duration
}

func (l *slowListener) OnProgress(id string, s model.ProgressSnapshot) {
	time.Sleep(l.delay)
	l.recordingListener.OnProgress(id, s)
}


func TestEngineCancelStopsAfterCurrentBatch(t *testing.T) {
	c := draftCampaign()
	repo := newMemCampaignRepo(c)
	list, _ := recipients(10)
	gate := newGatedTransport()
	engine := newEngine(repo, gate, 5)

	_, handle, err := engine.StartCampaignSend(context.Background(), c, list)
	require.NoError(t, err)
	<-gate.started

	require.NoError(t, engine.Cancel(c.ID))
	// The first request wins.
	require.NoError(t, engine.Pause(c.ID))
	close(gate.release)

	_, err = handle.Wait(waitCtx(t))
	assert.ErrorIs(t, err, service.ErrDispatchStopped)

	stored := repo.get(c.ID)
	assert.Equal(t, model.StatusCancelled, stored.Status)
	assert.Equal(t, 5, stored.SentCount)
	assert.NotNil(t, stored.CompletedAt)
	assert.EqualValues(t, 5, gate.sends.Load())
}

func TestEngineStopWithoutDispatch(t *testing.T) {
	engine := newEngine(newMemCampaignRepo(), &stubTransport{}, 5)
	assert.ErrorIs(t, engine.Cancel(uuid.NewString()), appErrors.ErrNotRunning)
	assert.ErrorIs(t, engine.Pause(uuid.NewString()), appErrors.ErrNotRunning)
}

func TestEngineShutdownPausesRunningDispatches(t *testing.T) {
	c := draftCampaign()
	repo := newMemCampaignRepo(c)
	list, _ := recipients(10)
	gate := newGatedTransport()
	engine := newEngine(repo, gate, 5)

	_, handle, err := engine.StartCampaignSend(context.Background(), c, list)
	require.NoError(t, err)
	<-gate.started

	ctx := waitCtx(t)
	done := make(chan error, 1)
	go func() { done <- engine.Shutdown(ctx) }()

	extra, _ := recipients(1)
	require.Eventually(t, func() bool {
		_, _, err := engine.StartCampaignSend(ctx, draftCampaign(), extra)
		return err != nil && strings.Contains(err.Error(), "shutting down")
	}, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(gate.release)

	require.NoError(t, <-done)
	select {
	case <-handle.Done():
	default:
		t.Fatal("shutdown returned before the dispatch finished")
	}
	assert.Equal(t, model.StatusPaused, repo.get(c.ID).Status)

	_, _, err = engine.StartCampaignSend(context.Background(), draftCampaign(), list)
	assert.Error(t, err)
}

func TestEngineSnapshotsRecipients(t *testing.T) {
	c := draftCampaign()
	c.TemplateContent = "<p>{{plan}}</p>"
	repo := newMemCampaignRepo(c)
	gate := newGatedTransport()
	engine := newEngine(repo, gate, 5)

	list := []model.Recipient{{Email: "a@example.com", Custom: map[string]string{"plan": "gold"}}}
	_, handle, err := engine.StartCampaignSend(context.Background(), c, list)
	require.NoError(t, err)
	list[0].Custom["plan"] = "tin"
	list[0].Email = "changed@example.com"
	close(gate.release)

	summary, err := handle.Wait(waitCtx(t))
	require.NoError(t, err)
	require.Len(t, summary.Outcomes, 1)
	assert.Equal(t, "a@example.com", summary.Outcomes[0].Recipient)
}
