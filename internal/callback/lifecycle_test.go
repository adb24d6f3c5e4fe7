package callback_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mpesa-sap-bridge/internal/callback"
	"github.com/mpesa-sap-bridge/internal/models"
	"github.com/mpesa-sap-bridge/internal/mpesa"
	"github.com/mpesa-sap-bridge/internal/payment"
	"github.com/mpesa-sap-bridge/internal/sap"
	"github.com/mpesa-sap-bridge/internal/store"
)

// memoryStore backs the whole lifecycle in memory, honoring the same
// conditional-write semantics as the SQL store.
type memoryStore struct {
	rows   map[int64]*models.Transaction
	nextID int64
}

func newMemoryStore() *memoryStore {
	return &memoryStore{rows: make(map[int64]*models.Transaction)}
}

func (m *memoryStore) Create(_ context.Context, p store.CreateParams) (*models.Transaction, error) {
	m.nextID++
	tx := &models.Transaction{
		ID:                m.nextID,
		CheckoutRequestID: p.CheckoutRequestID,
		Amount:            p.Amount,
		PhoneNumber:       p.PhoneNumber,
		AccountReference:  p.AccountReference,
		TransactionType:   p.TransactionType,
		Status:            models.StatusPending,
		SapSyncStatus:     models.SyncPending,
	}
	m.rows[tx.ID] = tx
	return tx, nil
}

func (m *memoryStore) FindByID(_ context.Context, id int64) (*models.Transaction, error) {
	tx, ok := m.rows[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return tx, nil
}

func (m *memoryStore) FindByCheckoutID(_ context.Context, checkoutRequestID string) (*models.Transaction, error) {
	for _, tx := range m.rows {
		if tx.CheckoutRequestID != nil && *tx.CheckoutRequestID == checkoutRequestID {
			return tx, nil
		}
	}
	return nil, models.ErrNotFound
}

func (m *memoryStore) CompleteByCheckoutID(ctx context.Context, checkoutRequestID string, o store.Outcome) (bool, error) {
	tx, err := m.FindByCheckoutID(ctx, checkoutRequestID)
	if err != nil {
		return false, nil
	}
	if tx.Status != models.StatusPending {
		return false, nil
	}
	tx.Status = o.Status
	tx.MpesaReceipt = o.MpesaReceipt
	tx.ResultCode = &o.ResultCode
	tx.TransactionDate = o.TransactionDate
	return true, nil
}

func (m *memoryStore) MarkSynced(_ context.Context, id int64, sapReference string) (bool, error) {
	tx, ok := m.rows[id]
	if !ok || tx.Status != models.StatusSuccess || tx.SapSyncStatus == models.SyncSynced {
		return false, nil
	}
	tx.SapSyncStatus = models.SyncSynced
	tx.SapReference = &sapReference
	return true, nil
}

func (m *memoryStore) MarkSyncFailed(_ context.Context, id int64, errMsg string) error {
	tx, ok := m.rows[id]
	if !ok || tx.SapSyncStatus == models.SyncSynced {
		return nil
	}
	tx.SapSyncStatus = models.SyncFailed
	tx.ErrorMessage = &errMsg
	tx.RetryCount++
	return nil
}

type acceptingGateway struct{}

func (acceptingGateway) STKPush(_ context.Context, _ string, _ decimal.Decimal, _, _ string) (*mpesa.STKPushResponse, []byte, error) {
	return &mpesa.STKPushResponse{
		CheckoutRequestID:   "ws_CO_lifecycle",
		MerchantRequestID:   "29115-9",
		ResponseCode:        "0",
		ResponseDescription: "Success. Request accepted for processing",
	}, nil, nil
}

func (acceptingGateway) B2CPayment(_ context.Context, _ string, _ decimal.Decimal, _, _ string) (*mpesa.B2CResponse, []byte, error) {
	return &mpesa.B2CResponse{ConversationID: "AG_1"}, nil, nil
}

type countingCreator struct {
	calls int
}

func (c *countingCreator) CreateAccountingDocument(_ context.Context, _ sap.AccountingDocument) (string, error) {
	c.calls++
	return fmt.Sprintf("49000%05d", c.calls), nil
}

// TestPaymentLifecycle drives one payment through initiation, callback
// application and ledger sync, then proves the terminal and sync states
// are immutable.
func TestPaymentLifecycle(t *testing.T) {
	ctx := context.Background()
	st := newMemoryStore()

	payments := payment.NewService(st, acceptingGateway{}, payment.Bounds{
		B2CMin: decimal.NewFromInt(1),
		B2CMax: decimal.NewFromInt(70000),
	}, zap.NewNop())
	callbacks := callback.NewService(st, zap.NewNop())
	creator := &countingCreator{}
	ledgerSync := sap.NewSyncService(st, creator, sap.ClientConfig{
		CompanyCode:    "1000",
		DocumentType:   "DZ",
		CashAccount:    "100000",
		RevenueAccount: "400000",
	}, zap.NewNop())

	// Initiate.
	initiated, err := payments.InitiateSTKPush(ctx, payment.STKPushInput{
		Amount:           decimal.RequireFromString("2500.50"),
		Phone:            "0712345678",
		AccountReference: "INV-42",
	})
	require.NoError(t, err)

	tx, err := st.FindByID(ctx, initiated.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, tx.Status)

	// Confirm via callback.
	raw := []byte(`{
		"Body": {
			"stkCallback": {
				"CheckoutRequestID": "ws_CO_lifecycle",
				"ResultCode": 0,
				"ResultDesc": "Processed",
				"CallbackMetadata": {
					"Item": [
						{"Name": "Amount", "Value": 2500.50},
						{"Name": "MpesaReceiptNumber", "Value": "RLX99AB12C"},
						{"Name": "PhoneNumber", "Value": 254712345678}
					]
				}
			}
		}
	}`)

	result, err := callbacks.Process(ctx, raw)
	require.NoError(t, err)
	assert.True(t, result.Applied)
	assert.Equal(t, models.StatusSuccess, tx.Status)
	require.NotNil(t, tx.MpesaReceipt)
	assert.Equal(t, "RLX99AB12C", *tx.MpesaReceipt)

	// A replayed callback is acknowledged but changes nothing.
	replay, err := callbacks.Process(ctx, raw)
	require.NoError(t, err)
	assert.False(t, replay.Applied)

	// Sync to the ledger.
	synced, err := ledgerSync.Sync(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncSynced, tx.SapSyncStatus)
	require.NotNil(t, tx.SapReference)
	assert.Equal(t, synced.SapReference, *tx.SapReference)
	assert.Equal(t, 1, creator.calls)

	// A second sync refuses without touching the ERP again.
	_, err = ledgerSync.Sync(ctx, tx.ID)
	assert.True(t, errors.Is(err, models.ErrAlreadySynced))
	assert.Equal(t, 1, creator.calls)
	assert.Equal(t, synced.SapReference, *tx.SapReference)
}
