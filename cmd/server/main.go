// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/unclebandit/campaign-mailer/internal/app"
	"github.com/unclebandit/campaign-mailer/internal/config"
	"github.com/unclebandit/campaign-mailer/internal/controller"
	"github.com/unclebandit/campaign-mailer/internal/handler"
	"github.com/unclebandit/campaign-mailer/internal/logger"
	"github.com/unclebandit/campaign-mailer/internal/queue"
	"github.com/unclebandit/campaign-mailer/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		os.Exit(1)
	}
	log := logger.Must(logger.New(cfg.Environment, cfg.LogLevel, cfg.LogFile))
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, log)
	if err != nil {
		log.Fatal("Failed to start", zap.Error(err))
	}

	// Without a broker the server runs the sends itself.
	if _, inProcess := a.Queue.(*queue.InMemoryQueue); inProcess {
		if err := queue.StartCampaignSendSubscriber(ctx, a.Queue, a.Service, log); err != nil {
			log.Fatal("Failed to subscribe to campaign sends", zap.Error(err))
		}
	}

	scheduler, err := service.NewWorker(a.Service, cfg.SchedulerSpec, log)
	if err != nil {
		log.Fatal("Failed to create scheduler", zap.Error(err))
	}
	scheduler.Start()

	validate := validator.New(validator.WithRequiredStructEnabled())
	campaignController := &controller.CampaignController{
		CampaignService: a.Service,
		Validate:        validate,
		Log:             log,
	}
	emailHandler := &handler.EmailHandler{
		Service:  a.Service,
		Validate: validate,
		Log:      log,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Route("/campaigns", campaignController.Routes)
	r.Post("/email/test", emailHandler.SendTestEmail)
	r.Get("/email/health", emailHandler.Health)
	r.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("Server running", zap.String("addr", cfg.ServerAddr), zap.String("transport", cfg.Transport))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP shutdown incomplete", zap.Error(err))
	}
	if err := scheduler.Stop(shutdownCtx); err != nil {
		log.Warn("Scheduler shutdown incomplete", zap.Error(err))
	}
	if err := a.Shutdown(shutdownCtx); err != nil {
		log.Warn("Dispatches still running at shutdown", zap.Error(err))
	}
}
