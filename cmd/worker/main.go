package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/unclebandit/campaign-mailer/internal/app"
	"github.com/unclebandit/campaign-mailer/internal/config"
	"github.com/unclebandit/campaign-mailer/internal/logger"
	"github.com/unclebandit/campaign-mailer/internal/queue"
)

// The worker consumes campaign send jobs from RabbitMQ and runs each one to
// its final status before acking it.
func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		os.Exit(1)
	}
	log := logger.Must(logger.New(cfg.Environment, cfg.LogLevel, cfg.LogFile))
	defer log.Sync()

	if cfg.AMQPURL == "" {
		log.Fatal("AMQP_URL is required for the worker")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, log)
	if err != nil {
		log.Fatal("Failed to start", zap.Error(err))
	}

	// Jobs run on a context that survives the signal; shutdown pauses them instead.
	if err := queue.StartCampaignSendSubscriber(context.WithoutCancel(ctx), a.Queue, a.Service, log); err != nil {
		log.Fatal("Failed to register consumer", zap.Error(err))
	}

	log.Info("Worker running, waiting for send jobs", zap.String("transport", cfg.Transport))
	<-ctx.Done()
	log.Info("Shutting down worker")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	if err := a.Shutdown(shutdownCtx); err != nil {
		log.Warn("Dispatches still running at shutdown", zap.Error(err))
	}
}
