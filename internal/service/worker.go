package service

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// DueCampaignEnqueuer queues the scheduled campaigns that are due.
type DueCampaignEnqueuer interface {
	EnqueueDueCampaigns(ctx context.Context) (int, error)
}

// Worker periodically queues due scheduled campaigns.
type Worker struct {
	enqueuer DueCampaignEnqueuer
	cron     *cron.Cron
	log      *zap.Logger
	timeout  time.Duration
}

// NewWorker parses spec (standard five-field cron or a descriptor such as "@every 1m").
func NewWorker(enqueuer DueCampaignEnqueuer, spec string, log *zap.Logger) (*Worker, error) {
	w := &Worker{
		enqueuer: enqueuer,
		log:      log,
		timeout:  30 * time.Second,
	}
	cl := cronLogger{log.Sugar()}
	w.cron = cron.New(cron.WithLogger(cl), cron.WithChain(cron.SkipIfStillRunning(cl)))
	if _, err := w.cron.AddFunc(spec, w.tick); err != nil {
		return nil, fmt.Errorf("invalid scheduler spec %q: %w", spec, err)
	}
	return w, nil
}

func (w *Worker) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()
	if _, err := w.enqueuer.EnqueueDueCampaigns(ctx); err != nil {
		w.log.Error("Failed to queue due campaigns", zap.Error(err))
	}
}

// Start begins processing jobs
func (w *Worker) Start() {
	w.cron.Start()
}

// Stop waits for a running tick to finish or ctx to end.
func (w *Worker) Stop(ctx context.Context) error {
	done := w.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type cronLogger struct {
	log *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Errorw(msg, append(keysAndValues, "error", err)...)
}
