package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/mpesa-sap-bridge/internal/callback"
	"github.com/mpesa-sap-bridge/internal/models"
	"github.com/mpesa-sap-bridge/internal/notify"
	"github.com/mpesa-sap-bridge/internal/reconcile"
	"github.com/mpesa-sap-bridge/internal/sap"
)

// Task type names routed through the asynq mux.
const (
	TypeProcessCallback = "callback:process"
	TypeLedgerSync      = "ledger:sync"
	TypeDailyReport     = "report:daily"
)

// NewProcessCallbackTask wraps a raw callback payload for background
// processing.
func NewProcessCallbackTask(payload []byte) *asynq.Task {
	return asynq.NewTask(TypeProcessCallback, payload)
}

type ledgerSyncPayload struct {
	TransactionID int64 `json:"transaction_id"`
}

// NewLedgerSyncTask creates a task that posts one transaction to the ERP.
func NewLedgerSyncTask(transactionID int64) (*asynq.Task, error) {
	payload, err := json.Marshal(ledgerSyncPayload{TransactionID: transactionID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeLedgerSync, payload), nil
}

// NewDailyReportTask creates the scheduled reconciliation-report task.
// The report always covers the previous calendar day.
func NewDailyReportTask() *asynq.Task {
	return asynq.NewTask(TypeDailyReport, nil)
}

// Processor handles background job processing
type Processor struct {
	callbacks    *callback.Service
	ledgerSync   *sap.SyncService
	engine       *reconcile.Engine
	mailer       *notify.Mailer
	queue        *asynq.Client
	financeEmail string
	log          *zap.Logger
}

// NewProcessor creates a worker processor
func NewProcessor(
	callbacks *callback.Service,
	ledgerSync *sap.SyncService,
	engine *reconcile.Engine,
	mailer *notify.Mailer,
	queueClient *asynq.Client,
	financeEmail string,
	log *zap.Logger,
) *Processor {
	return &Processor{
		callbacks:    callbacks,
		ledgerSync:   ledgerSync,
		engine:       engine,
		mailer:       mailer,
		queue:        queueClient,
		financeEmail: financeEmail,
		log:          log.Named("worker"),
	}
}

// Register attaches all handlers to the mux.
func (p *Processor) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TypeProcessCallback, p.ProcessCallback)
	mux.HandleFunc(TypeLedgerSync, p.ProcessLedgerSync)
	mux.HandleFunc(TypeDailyReport, p.ProcessDailyReport)
}

// ProcessCallback applies one gateway callback and, on a freshly
// applied SUCCESS, fans out the decoupled side effects: ledger sync and
// the result notification. Side-effect failures never bounce the
// callback back to the gateway.
func (p *Processor) ProcessCallback(ctx context.Context, t *asynq.Task) error {
	result, err := p.callbacks.Process(ctx, t.Payload())
	if err != nil {
		// Retrying cannot repair a malformed envelope or conjure a
		// missing transaction.
		if errors.Is(err, models.ErrMalformedCallback) || errors.Is(err, models.ErrNotFound) {
			p.log.Warn("dropping unprocessable callback", zap.Error(err))
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		return err
	}

	if !result.Applied {
		return nil
	}

	if result.Status == models.StatusSuccess {
		task, err := NewLedgerSyncTask(result.Transaction.ID)
		if err == nil {
			if _, err := p.queue.Enqueue(task, asynq.Queue("default"), asynq.MaxRetry(5)); err != nil {
				p.log.Error("failed to enqueue ledger sync",
					zap.Int64("transaction_id", result.Transaction.ID), zap.Error(err))
			}
		}
	}

	p.notifyResult(ctx, result)
	return nil
}

// notifyResult emails the finance desk about a completed payment.
func (p *Processor) notifyResult(ctx context.Context, result *callback.Result) {
	if p.mailer == nil || p.financeEmail == "" {
		return
	}

	tx := *result.Transaction
	tx.Status = result.Status
	if result.Receipt != "" {
		receipt := result.Receipt
		tx.MpesaReceipt = &receipt
	}

	if err := p.mailer.SendTransactionResult(ctx, p.financeEmail, &tx); err != nil {
		p.log.Warn("result notification failed",
			zap.Int64("transaction_id", tx.ID), zap.Error(err))
	}
}

// ProcessLedgerSync posts one successful transaction to the ERP. asynq
// provides the retry schedule; states that re-invocation cannot change
// skip it.
func (p *Processor) ProcessLedgerSync(ctx context.Context, t *asynq.Task) error {
	var payload ledgerSyncPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("unparseable ledger sync payload: %w", asynq.SkipRetry)
	}

	_, err := p.ledgerSync.Sync(ctx, payload.TransactionID)
	if err != nil {
		if errors.Is(err, models.ErrAlreadySynced) ||
			errors.Is(err, models.ErrInvalidState) ||
			errors.Is(err, models.ErrNotFound) {
			p.log.Info("ledger sync not applicable",
				zap.Int64("transaction_id", payload.TransactionID), zap.Error(err))
			return nil
		}
		return err
	}
	return nil
}

// ProcessDailyReport reconciles the previous calendar day and mails the
// summary to the finance desk.
func (p *Processor) ProcessDailyReport(ctx context.Context, t *asynq.Task) error {
	day := time.Now().AddDate(0, 0, -1)

	report, err := p.engine.Reconcile(ctx, day)
	if err != nil {
		return err
	}

	p.log.Info("daily reconciliation computed",
		zap.String("date", report.Date),
		zap.Int("total_transactions", report.TotalTransactions),
		zap.String("total_amount", report.TotalAmount.String()),
		zap.Int("discrepancies", len(report.Discrepancies)),
		zap.String("ledger_status", string(report.LedgerStatus)),
	)

	if p.mailer == nil || p.financeEmail == "" {
		return nil
	}
	if err := p.mailer.SendDailyReport(ctx, p.financeEmail, report); err != nil {
		return err
	}
	return nil
}
