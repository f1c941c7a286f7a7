// Package app wires the components shared by the server and worker binaries.
package app

import (
	"context"
	"database/sql"
	"errors"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/unclebandit/campaign-mailer/internal/config"
	"github.com/unclebandit/campaign-mailer/internal/db"
	"github.com/unclebandit/campaign-mailer/internal/progress"
	"github.com/unclebandit/campaign-mailer/internal/queue"
	"github.com/unclebandit/campaign-mailer/internal/repository"
	"github.com/unclebandit/campaign-mailer/internal/service"
	"github.com/unclebandit/campaign-mailer/internal/transport"
)

// App holds the long-lived dependencies of a process.
type App struct {
	Config  *config.Config
	Log     *zap.Logger
	DB      *sql.DB
	Redis   *redis.Client
	Queue   queue.Queue
	Engine  *service.SendEngine
	Service *service.CampaignService
}

// Build connects to the database, applies migrations and assembles the send
// engine and campaign service. An unusable transport is logged, not fatal:
// sends will then end cancelled and /email/health reports the problem.
func Build(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	conn, err := db.Open(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx, conn, log); err != nil {
		_ = conn.Close()
		return nil, err
	}

	a := &App{Config: cfg, Log: log, DB: conn}

	campaignRepo := &repository.CampaignRepository{DB: conn}
	subscriberRepo := &repository.SubscriberRepository{DB: conn}
	outboundRepo := &repository.OutboundMessageRepository{DB: conn}

	tr, err := transport.New(ctx, cfg, log)
	if err != nil {
		log.Error("Email transport unavailable", zap.String("transport", cfg.Transport), zap.Error(err))
		tr = nil
	}

	tracker := service.NewProgressTracker()
	sources := []service.ProgressSource{tracker}
	opts := []service.EngineOption{
		service.WithOutcomeRecorder(outboundRepo),
		service.WithDeliveryLog(outboundRepo),
		service.WithProgressListener(tracker),
	}

	if cfg.RedisURL != "" {
		rdb, err := progress.Connect(ctx, cfg.RedisURL)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.Redis = rdb
		pub := progress.NewPublisher(rdb, progress.DefaultTTL, log)
		opts = append(opts, service.WithProgressListener(pub))
		sources = append(sources, pub)
	}

	if cfg.AMQPURL != "" {
		q, err := queue.NewAMQPQueue(cfg.AMQPURL, log)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.Queue = q
	} else {
		a.Queue = queue.NewInMemoryQueue(log)
	}

	vars := service.NewVariableBuilder(cfg.FrontendURL)
	dispatcher := service.NewDispatcher(tr, vars, service.DispatcherConfig{
		MaxBatchSize: cfg.MaxRecipientsPerBatch,
		BatchDelay:   cfg.BatchDelay(),
	}, log)

	a.Engine = service.NewSendEngine(dispatcher, service.NewCampaignStateMachine(campaignRepo, log), log, opts...)
	a.Service = &service.CampaignService{
		CampaignRepo:   campaignRepo,
		SubscriberRepo: subscriberRepo,
		OutboundRepo:   outboundRepo,
		Queue:          a.Queue,
		Engine:         a.Engine,
		Progress:       sources,
		Transport:      tr,
		Vars:           vars,
		FromEmail:      cfg.FromEmail,
		FromName:       cfg.FromName,
		Log:            log,
	}
	return a, nil
}

// Shutdown pauses running dispatches and waits for them before closing connections.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	if a.Engine != nil {
		if err := a.Engine.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.Close()
	return errors.Join(errs...)
}

// Close releases connections without waiting for dispatches.
func (a *App) Close() {
	if q, ok := a.Queue.(*queue.AMQPQueue); ok {
		if err := q.Close(); err != nil {
			a.Log.Warn("Failed to close queue", zap.Error(err))
		}
	}
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if a.DB != nil {
		_ = a.DB.Close()
	}
}
