package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	httpapi "github.com/akili-health/akili-backend/internal/api/http"
	"github.com/akili-health/akili-backend/internal/application/auditor"
	"github.com/akili-health/akili-backend/internal/application/booking"
	"github.com/akili-health/akili-backend/internal/application/payment"
	"github.com/akili-health/akili-backend/internal/application/video"
	"github.com/akili-health/akili-backend/internal/config"
	"github.com/akili-health/akili-backend/internal/infrastructure/alerting"
	"github.com/akili-health/akili-backend/internal/infrastructure/daraja"
	"github.com/akili-health/akili-backend/internal/infrastructure/postgres"
	"github.com/akili-health/akili-backend/internal/infrastructure/sse"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db error: %v", err)
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool, "internal/migrations"); err != nil {
		log.Fatalf("migration error: %v", err)
	}

	// repositories
	sessionRepo := postgres.NewSessionRepository(pool)
	callbackRepo := postgres.NewCallbackRepository(pool)

	// infrastructure
	sseHub := sse.NewHub()
	alertSink := alerting.NewLogSink(logger)
	gateway := daraja.NewClient(daraja.Config{
		BaseURL:        cfg.DarajaBaseURL,
		ConsumerKey:    cfg.DarajaConsumerKey,
		ConsumerSecret: cfg.DarajaConsumerSecret,
		ShortCode:      cfg.DarajaShortCode,
		Passkey:        cfg.DarajaPasskey,
		CallbackURL:    cfg.PaymentCallbackURL,
	}, logger)

	auditRules, err := auditor.ParseRules(cfg.AuditRules)
	if err != nil {
		log.Fatalf("audit rules error: %v", err)
	}

	// services
	bookingSvc := booking.NewService(sessionRepo, logger)
	paymentSvc := payment.NewService(sessionRepo, callbackRepo, gateway, alertSink, sseHub, cfg.PaymentInFlightWindow, logger)
	videoSvc := video.NewService(sessionRepo, logger)
	auditorSvc := auditor.NewService(sessionRepo, alertSink, auditRules, logger)

	// API server
	apiServer := httpapi.NewServer(bookingSvc, paymentSvc, videoSvc, auditorSvc, callbackRepo, sseHub, cfg.CallbackTokenHash, logger)

	httpServer := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      apiServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// background loops
	auditCtx, cancelAudit := context.WithCancel(context.Background())
	go auditorSvc.Run(auditCtx, cfg.AuditInterval)

	// start server
	go func() {
		logger.Info().Str("addr", cfg.ServerAddr).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	// graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	cancelAudit()
	sseHub.Stop()
	ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(ctxShutdown)
}
