package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mpesa-sap-bridge/internal/audit"
	"github.com/mpesa-sap-bridge/internal/callback"
	"github.com/mpesa-sap-bridge/internal/config"
	"github.com/mpesa-sap-bridge/internal/database"
	"github.com/mpesa-sap-bridge/internal/handlers"
	"github.com/mpesa-sap-bridge/internal/logging"
	"github.com/mpesa-sap-bridge/internal/mpesa"
	"github.com/mpesa-sap-bridge/internal/notify"
	"github.com/mpesa-sap-bridge/internal/payment"
	"github.com/mpesa-sap-bridge/internal/queue"
	"github.com/mpesa-sap-bridge/internal/reconcile"
	"github.com/mpesa-sap-bridge/internal/sap"
	"github.com/mpesa-sap-bridge/internal/server"
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

	logger.Info("M-Pesa SAP bridge starting", zap.Any("config", cfg.SafeFields()))

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

	tokens := mpesa.NewTokenService(cfg.MpesaConsumerKey, cfg.MpesaConsumerSecret, cfg.MpesaAuthURL)
	gateway := mpesa.NewClient(mpesa.ClientConfig{
		ShortCode:          cfg.MpesaShortCode,
		Passkey:            cfg.MpesaPasskey,
		InitiatorName:      cfg.MpesaInitiatorName,
		SecurityCredential: cfg.MpesaSecurityCred,
		STKPushURL:         cfg.MpesaSTKPushURL,
		B2CURL:             cfg.MpesaB2CURL,
		CallbackURL:        cfg.MpesaCallbackURL,
		ResultURL:          cfg.MpesaResultURL,
	}, tokens)

	txStore := store.New(db.Pool)

	payments := payment.NewService(txStore, gateway, payment.Bounds{
		B2CMin: decimal.NewFromInt(cfg.B2CMinAmount),
		B2CMax: decimal.NewFromInt(cfg.B2CMaxAmount),
	}, logger)

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

	auditor := audit.New(db.Pool, logger)

	processor := worker.NewProcessor(callbacks, ledgerSync, engine, mailer, q.Client, cfg.FinanceEmail, logger)
	processor.Register(q.Mux)

	asynqServer := asynq.NewServer(q.RedisOpt(), q.ServerConfig(cfg.WorkerConcurrency))
	go func() {
		logger.Info("starting task worker")
		if err := asynqServer.Run(q.Mux); err != nil {
			logger.Fatal("task worker failed", zap.Error(err))
		}
	}()

	h := handlers.New(db.Pool, txStore, payments, ledgerSync, engine, q.Client, auditor, logger)
	httpServer := server.New(cfg, h, logger)

	go func() {
		if err := httpServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown error", zap.Error(err))
	}
	asynqServer.Shutdown()

	logger.Info("shutdown complete")
}
