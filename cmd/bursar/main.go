package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"bursar/internal/alerts"
	"bursar/internal/amqp"
	"bursar/internal/auth"
	"bursar/internal/billing"
	"bursar/internal/cache"
	"bursar/internal/config"
	"bursar/internal/httpapi"
	"bursar/internal/log"
	"bursar/internal/notify"
	"bursar/internal/storage"
	"bursar/internal/summary"
)

func main() {
	// Load .env file for local development (ignore errors in production/docker)
	_ = godotenv.Load()

	logger := log.New(log.DefaultConfig())
	log.SetDefault(logger)

	logger.Info("Starting bursar")

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.Error("Configuration validation failed", "error", err)
		os.Exit(1)
	}

	repo, err := storage.NewRepository(cfg.SQLiteDBPath)
	if err != nil {
		logger.Error("Failed to initialize repository", "error", err, "path", cfg.SQLiteDBPath)
		os.Exit(1)
	}
	defer repo.Close()

	// The email channel degrades to in-app only when AMQP is not configured.
	var emailQueue notify.EmailQueue
	if cfg.AMQPURL != "" {
		amqpClient, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue)
		if err != nil {
			logger.Warn("Failed to initialize AMQP client, continuing without email delivery", "error", err)
		} else {
			defer amqpClient.Close()
			emailQueue = amqpClient
			logger.Info("AMQP client initialized", "exchange", cfg.AMQPExchange, "queue", cfg.AMQPQueue)
		}
	} else {
		logger.Info("AMQP disabled - notifications will be in-app only")
	}

	notifySvc := notify.NewService(repo, emailQueue, logger)
	invoices := billing.NewInvoiceLedger(repo, logger, cfg.BatchParallelism)
	fines := billing.NewFineLedger(repo, notifySvc, logger)
	evaluator := alerts.NewEvaluator(repo, notifySvc, fines, alerts.Config{
		DueSoonWindowDays:     cfg.DueSoonWindowDays,
		AbsenceAlertThreshold: cfg.AbsenceAlertThreshold,
		AbsenceFineThreshold:  cfg.AbsenceFineThreshold,
		AbsenceFineCents:      cfg.AbsenceFineCents,
		Parallelism:           cfg.BatchParallelism,
	}, logger)

	summaries := summary.New(repo, cfg.SummaryCacheSize, cfg.SummaryCacheTTL)
	cacheManager := cache.NewManager()
	cacheManager.Register(summaries.Cache())
	cacheManager.StartCleanup(cfg.SummaryCacheTTL)
	defer cacheManager.Stop()

	handlers := httpapi.NewHandlers(invoices, fines, evaluator, notifySvc, summaries, repo)
	resolver := auth.NewStaticTokens(cfg.StaffTokenMap())
	srv := httpapi.NewServer(":"+cfg.Port, handlers, resolver, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigChan
		logger.Info("Shutdown signal received", "signal", sig.String())

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server shutdown error", "error", err)
		}
		cancel()
	}()

	logger.Info("Starting bursar server", "port", cfg.Port)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Server error", "error", err, "port", cfg.Port)
		os.Exit(1)
	}

	<-ctx.Done()
	logger.Info("Server stopped gracefully")
}
