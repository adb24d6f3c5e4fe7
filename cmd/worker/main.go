package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/mpesa-sap-bridge/internal/callback"
	"github.com/mpesa-sap-bridge/internal/config"
	"github.com/mpesa-sap-bridge/internal/database"
	"github.com/mpesa-sap-bridge/internal/logging"
	"github.com/mpesa-sap-bridge/internal/notify"
	"github.com/mpesa-sap-bridge/internal/queue"
	"github.com/mpesa-sap-bridge/internal/reconcile"
	"github.com/mpesa-sap-bridge/internal/sap"
	"github.com/mpesa-sap-bridge/internal/store"
	"github.com/mpesa-sap-bridge/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.LogDevMode)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("M-Pesa SAP bridge worker starting")

	ctx := context.Background()

	db, err := database.New(ctx, logger, cfg.DatabaseURL, cfg.DBMinConns, cfg.DBMaxConns)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	q, err := queue.New(cfg.RedisURL, logger)
	if err != nil {
		logger.Fatal("failed to initialize queue", zap.Error(err))
	}
	defer q.Close()

	txStore := store.New(db.Pool)
	callbacks := callback.NewService(txStore, logger)

	sapCfg := sap.ClientConfig{
		BaseURL:        cfg.SapBaseURL,
		ClientID:       cfg.SapClientID,
		ClientSecret:   cfg.SapClientSecret,
		CompanyCode:    cfg.SapCompanyCode,
		DocumentType:   cfg.SapDocumentType,
		CashAccount:    cfg.SapCashAccount,
		RevenueAccount: cfg.SapRevenueAccount,
		CostCenter:     cfg.SapCostCenter,
		BusinessArea:   cfg.SapBusinessArea,
	}
	sapClient := sap.NewClient(sapCfg)
	ledgerSync := sap.NewSyncService(txStore, sapClient, sapCfg, logger)

	engine := reconcile.NewEngine(txStore, sapClient, logger)

	var mailer *notify.Mailer
	if cfg.SMTPHost != "" {
		mailer, err = notify.NewMailer(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPassword, cfg.SMTPFrom, logger)
		if err != nil {
			logger.Fatal("failed to initialize mailer", zap.Error(err))
		}
	}

	processor := worker.NewProcessor(callbacks, ledgerSync, engine, mailer, q.Client, cfg.FinanceEmail, logger)
	processor.Register(q.Mux)

	// Nightly reconciliation report for the previous business day.
	scheduler := asynq.NewScheduler(q.RedisOpt(), nil)
	if _, err := scheduler.Register(cfg.ReportCronSpec, worker.NewDailyReportTask(), asynq.Queue("low")); err != nil {
		logger.Fatal("failed to register daily report schedule", zap.Error(err))
	}
	if err := scheduler.Start(); err != nil {
		logger.Fatal("failed to start scheduler", zap.Error(err))
	}

	asynqServer := asynq.NewServer(q.RedisOpt(), q.ServerConfig(cfg.WorkerConcurrency))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		logger.Info("shutting down worker")
		scheduler.Shutdown()
		asynqServer.Shutdown()
	}()

	logger.Info("worker started, processing tasks",
		zap.Int("concurrency", cfg.WorkerConcurrency),
		zap.String("report_cron", cfg.ReportCronSpec))
	if err := asynqServer.Run(q.Mux); err != nil {
		logger.Fatal("worker failed", zap.Error(err))
	}

	logger.Info("worker shutdown complete")
}
