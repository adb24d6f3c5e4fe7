package callback

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/mpesa-sap-bridge/internal/models"
	"github.com/mpesa-sap-bridge/internal/mpesa"
	"github.com/mpesa-sap-bridge/internal/store"
)

// TransactionStore is what callback processing needs from storage.
type TransactionStore interface {
	FindByCheckoutID(ctx context.Context, checkoutRequestID string) (*models.Transaction, error)
	CompleteByCheckoutID(ctx context.Context, checkoutRequestID string, o store.Outcome) (bool, error)
}

// Result reports what a callback did. Applied is false when the row was
// already terminal: gateway retries are acknowledged but must not
// re-apply side effects.
type Result struct {
	Transaction *models.Transaction
	Status      models.TransactionStatus
	Receipt     string
	Applied     bool
}

// Service applies gateway result notifications to pending transactions.
type Service struct {
	store TransactionStore
	log   *zap.Logger
}

// NewService creates a callback processing service
func NewService(st TransactionStore, log *zap.Logger) *Service {
	return &Service{store: st, log: log.Named("callback")}
}

// Process validates a raw callback envelope and transitions the matching
// PENDING transaction to SUCCESS or FAILED. The transition is a
// conditional write, so two callbacks racing for the same checkout id
// resolve to exactly one applied outcome.
func (s *Service) Process(ctx context.Context, raw []byte) (*Result, error) {
	cb, err := mpesa.ParseCallback(raw)
	if err != nil {
		return nil, err
	}

	tx, err := s.store.FindByCheckoutID(ctx, cb.CheckoutRequestID)
	if err != nil {
		// A retry cannot create a missing record, so this is terminal.
		return nil, fmt.Errorf("callback for unknown checkout id %s: %w", cb.CheckoutRequestID, err)
	}

	if tx.Status.IsTerminal() {
		s.log.Info("ignoring callback for terminal transaction",
			zap.Int64("transaction_id", tx.ID),
			zap.String("checkout_request_id", cb.CheckoutRequestID),
			zap.String("status", string(tx.Status)),
		)
		return &Result{Transaction: tx, Status: tx.Status, Applied: false}, nil
	}

	outcome := store.Outcome{
		ResultCode:      cb.ResultCode,
		ResultDesc:      cb.ResultDesc,
		CallbackPayload: raw,
	}

	var receipt string
	if cb.ResultCode == 0 {
		meta := mpesa.NewMetadata(cb.CallbackMetadata.Item)

		receipt, err = meta.Receipt()
		if err != nil {
			return nil, err
		}
		amount, err := meta.Amount()
		if err != nil {
			return nil, err
		}
		if !amount.Equal(tx.Amount) {
			s.log.Warn("callback amount differs from initiated amount",
				zap.Int64("transaction_id", tx.ID),
				zap.String("initiated", tx.Amount.String()),
				zap.String("confirmed", amount.String()),
			)
		}

		outcome.Status = models.StatusSuccess
		outcome.MpesaReceipt = &receipt
		if at, ok := meta.CompletedAt(); ok {
			outcome.TransactionDate = &at
		}
	} else {
		outcome.Status = models.StatusFailed
	}

	applied, err := s.store.CompleteByCheckoutID(ctx, cb.CheckoutRequestID, outcome)
	if err != nil {
		return nil, err
	}
	if !applied {
		// Lost a race with a concurrent callback for the same id.
		s.log.Info("callback outcome already applied",
			zap.Int64("transaction_id", tx.ID),
			zap.String("checkout_request_id", cb.CheckoutRequestID),
		)
		return &Result{Transaction: tx, Status: tx.Status, Applied: false}, nil
	}

	s.log.Info("transaction completed",
		zap.Int64("transaction_id", tx.ID),
		zap.String("checkout_request_id", cb.CheckoutRequestID),
		zap.String("status", string(outcome.Status)),
		zap.Int("result_code", cb.ResultCode),
	)

	return &Result{
		Transaction: tx,
		Status:      outcome.Status,
		Receipt:     receipt,
		Applied:     true,
	}, nil
}

// Ack is the envelope Daraja expects back from the callback URL.
type Ack struct {
	ResultCode int    `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}

// AckReceived acknowledges a processed (or idempotently ignored) callback.
func AckReceived() Ack {
	return Ack{ResultCode: 0, ResultDesc: "Callback processed successfully"}
}

// AckRejected acknowledges a callback the system can never process, so
// the gateway does not endlessly resend it.
func AckRejected(reason string) Ack {
	return Ack{ResultCode: 1, ResultDesc: reason}
}
