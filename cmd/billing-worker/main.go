package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"bursar/internal/alerts"
	"bursar/internal/amqp"
	"bursar/internal/billing"
	"bursar/internal/config"
	"bursar/internal/export"
	"bursar/internal/log"
	"bursar/internal/notify"
	"bursar/internal/storage"
)

func main() {
	// Load .env file for local development (ignore errors in production/docker)
	_ = godotenv.Load()

	logger := log.New(log.DefaultConfig())
	log.SetDefault(logger)

	logger.Info("Starting billing-worker")

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

	var emailQueue notify.EmailQueue
	if cfg.AMQPURL != "" {
		amqpClient, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue)
		if err != nil {
			logger.Warn("Failed to initialize AMQP client, continuing without email delivery", "error", err)
		} else {
			defer amqpClient.Close()
			emailQueue = amqpClient
		}
	} else {
		logger.Info("AMQP disabled - alert notifications will be in-app only")
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

	// Spreadsheet export is optional; the ledger stays authoritative either way.
	var exporter *export.SheetsExporter
	if cfg.GoogleSpreadsheetID != "" {
		exporter, err = export.NewSheetsExporter(context.Background(),
			cfg.GoogleSpreadsheetID, cfg.GoogleSheetName, cfg.GoogleCredentialsFile, logger)
		if err != nil {
			logger.Error("Failed to initialize Google Sheets exporter", "error", err)
			os.Exit(1)
		}
		logger.Info("Google Sheets exporter initialized", "spreadsheet_id", cfg.GoogleSpreadsheetID)
	} else {
		logger.Info("Google Sheets export disabled - no GOOGLE_SPREADSHEET_ID provided")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runGeneration := func(now time.Time) {
		passStart := now.UTC()
		result, err := invoices.GenerateDue(ctx, now)
		if err != nil {
			logger.Error("Generation pass failed", "error", err)
			return
		}
		logger.Info("Generation pass complete",
			"created", result.Created,
			"already_existed", result.AlreadyExisted,
			"failed", result.Failed)

		if exporter == nil || result.Created == 0 {
			return
		}
		created, err := repo.ListInvoicesGeneratedSince(ctx, passStart)
		if err != nil {
			logger.Error("Failed to load invoices for export", "error", err)
			return
		}
		if updated, err := exporter.AppendInvoices(ctx, created); err != nil {
			// Export failures never fail the pass; the ledger has the data.
			logger.Error("Sheets export failed", "error", err)
		} else {
			logger.Info("Sheets export complete", "rows", len(created), "range", updated)
		}
	}

	runAlerts := func(now time.Time) {
		results := evaluator.CheckAll(ctx, now)
		logger.Info("Alert pass complete",
			"overdue_fired", results.Overdue.Fired,
			"upcoming_fired", results.Upcoming.Fired,
			"absence_fired", results.Absences.Fired)
	}

	logger.Info("Billing worker configured",
		"generate_interval", cfg.GenerateInterval,
		"alert_interval", cfg.AlertInterval,
		"sqlite_db", cfg.SQLiteDBPath)

	// Run both passes on startup so a restart never leaves a gap.
	runGeneration(time.Now())
	runAlerts(time.Now())

	generateTicker := time.NewTicker(cfg.GenerateInterval)
	defer generateTicker.Stop()
	alertTicker := time.NewTicker(cfg.AlertInterval)
	defer alertTicker.Stop()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-generateTicker.C:
				runGeneration(now)
			case now := <-alertTicker.C:
				runAlerts(now)
			}
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("Shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		logger.Info("Context cancelled")
	}

	logger.Info("Shutting down billing-worker...")
	cancel()
	logger.Info("Billing-worker shutdown complete")
}
