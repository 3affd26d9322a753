package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"bursar/internal/amqp"
	"bursar/internal/config"
	"bursar/internal/log"
	"bursar/internal/mailer"
	"bursar/internal/storage"
	"bursar/internal/worker"
)

func main() {
	// Load .env file for local development (ignore errors in production/docker)
	_ = godotenv.Load()

	logger := log.New(log.DefaultConfig())
	log.SetDefault(logger)

	logger.Info("Starting notify-worker")

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.Error("Configuration validation failed", "error", err)
		os.Exit(1)
	}
	if cfg.AMQPURL == "" {
		logger.Error("AMQP_URL is required for the notify worker")
		os.Exit(1)
	}

	repo, err := storage.NewRepository(cfg.SQLiteDBPath)
	if err != nil {
		logger.Error("Failed to initialize repository", "error", err, "path", cfg.SQLiteDBPath)
		os.Exit(1)
	}
	defer repo.Close()

	var m mailer.Mailer
	if cfg.SendgridAPIKey != "" {
		m = mailer.NewSendgrid(cfg.SendgridAPIKey, cfg.EmailFromName, cfg.EmailFromAddr, "")
		logger.Info("Sendgrid mailer initialized", "from", cfg.EmailFromAddr)
	} else {
		m = mailer.NewConsole(logger)
		logger.Info("No SENDGRID_API_KEY provided - emails will be logged, not sent")
	}

	amqpClient, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue)
	if err != nil {
		logger.Error("Failed to initialize AMQP client", "error", err)
		os.Exit(1)
	}
	defer amqpClient.Close()

	emailWorker := worker.NewEmailWorker(repo, m, cfg.AppBaseURL, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		err := amqpClient.ConsumeEmailDelivery(ctx, func(msg *amqp.EmailDeliveryMessage) error {
			return emailWorker.HandleDeliveryMessage(ctx, msg)
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Message consumption failed", "error", err)
		}
		cancel()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("Shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		logger.Info("Context cancelled")
	}

	logger.Info("Shutting down notify-worker...")
	cancel()

	// Give the in-flight delivery a moment to finish before the process exits.
	time.Sleep(2 * time.Second)
	logger.Info("Notify-worker shutdown complete")
}
