package sap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mpesa-sap-bridge/internal/models"
)

// TransactionStore is what ledger sync needs from storage.
type TransactionStore interface {
	FindByID(ctx context.Context, id int64) (*models.Transaction, error)
	MarkSynced(ctx context.Context, id int64, sapReference string) (bool, error)
	MarkSyncFailed(ctx context.Context, id int64, errMsg string) error
}

// DocumentCreator posts one accounting document to the ERP.
type DocumentCreator interface {
	CreateAccountingDocument(ctx context.Context, doc AccountingDocument) (string, error)
}

// SyncResult reports a completed ledger posting.
type SyncResult struct {
	TransactionID int64  `json:"transaction_id"`
	SapReference  string `json:"sap_reference"`
	MpesaReceipt  string `json:"mpesa_receipt,omitempty"`
}

// SyncService pushes successful transactions into the ERP as balanced
// journal entries.
type SyncService struct {
	store   TransactionStore
	creator DocumentCreator
	cfg     ClientConfig
	log     *zap.Logger
}

// NewSyncService creates a ledger sync service
func NewSyncService(st TransactionStore, creator DocumentCreator, cfg ClientConfig, log *zap.Logger) *SyncService {
	return &SyncService{store: st, creator: creator, cfg: cfg, log: log.Named("sap")}
}

// Sync posts one transaction to the ERP. Preconditions, first failure
// wins: the transaction exists, its payment succeeded, and it has not
// been synced before. A sync failure marks sap_sync_status FAILED for a
// later re-invocation but never touches the payment status.
func (s *SyncService) Sync(ctx context.Context, transactionID int64) (*SyncResult, error) {
	tx, err := s.store.FindByID(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if tx.Status != models.StatusSuccess {
		return nil, fmt.Errorf("%w (current status %s)", models.ErrInvalidState, tx.Status)
	}
	if tx.SapSyncStatus == models.SyncSynced {
		return nil, models.ErrAlreadySynced
	}

	doc := s.buildDocument(tx)

	documentID, err := s.creator.CreateAccountingDocument(ctx, doc)
	if err != nil {
		var ledgerErr *models.LedgerError
		if errors.As(err, &ledgerErr) {
			if markErr := s.store.MarkSyncFailed(ctx, tx.ID, ledgerErr.Error()); markErr != nil {
				s.log.Error("failed to record sync failure",
					zap.Int64("transaction_id", tx.ID), zap.Error(markErr))
			}
		}
		return nil, err
	}

	applied, err := s.store.MarkSynced(ctx, tx.ID, documentID)
	if err != nil {
		return nil, err
	}
	if !applied {
		// A concurrent sync won between our precondition check and the
		// conditional write.
		return nil, models.ErrAlreadySynced
	}

	receipt := ""
	if tx.MpesaReceipt != nil {
		receipt = *tx.MpesaReceipt
	}

	s.log.Info("transaction synced to ledger",
		zap.Int64("transaction_id", tx.ID),
		zap.String("sap_reference", documentID),
		zap.String("mpesa_receipt", receipt),
	)

	return &SyncResult{
		TransactionID: tx.ID,
		SapReference:  documentID,
		MpesaReceipt:  receipt,
	}, nil
}

// buildDocument assembles the two-line balanced entry: debit cash,
// credit revenue, both for the exact amount, tagged with the account
// reference (or payer phone when absent).
func (s *SyncService) buildDocument(tx *models.Transaction) AccountingDocument {
	assignment := tx.AccountReference
	if assignment == "" {
		assignment = tx.PhoneNumber
	}

	postingDate := tx.CreatedAt
	if tx.TransactionDate != nil {
		postingDate = *tx.TransactionDate
	}
	dateStr := postingDate.Format(time.DateOnly)

	receipt := ""
	if tx.MpesaReceipt != nil {
		receipt = *tx.MpesaReceipt
	}

	amount := tx.Amount.StringFixed(2)

	return AccountingDocument{
		CompanyCode:        s.cfg.CompanyCode,
		DocumentType:       s.cfg.DocumentType,
		PostingDate:        dateStr,
		DocumentDate:       dateStr,
		Currency:           "KES",
		Reference:          receipt,
		DocumentHeaderText: "M-Pesa Payment - " + receipt,
		Items: []JournalLine{
			{
				Account:                     s.cfg.CashAccount,
				AmountInTransactionCurrency: amount,
				DebitCreditCode:             "S",
				BusinessArea:                s.cfg.BusinessArea,
				CostCenter:                  s.cfg.CostCenter,
				Assignment:                  assignment,
			},
			{
				Account:                     s.cfg.RevenueAccount,
				AmountInTransactionCurrency: amount,
				DebitCreditCode:             "H",
				BusinessArea:                s.cfg.BusinessArea,
				CostCenter:                  s.cfg.CostCenter,
				Assignment:                  assignment,
			},
		},
	}
}
