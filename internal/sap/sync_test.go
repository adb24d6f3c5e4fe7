package sap

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mpesa-sap-bridge/internal/models"
)

type fakeSyncStore struct {
	transactions map[int64]*models.Transaction
	synced       map[int64]string
	failed       map[int64]string
	applySynced  bool
}

func newFakeSyncStore(txs ...*models.Transaction) *fakeSyncStore {
	f := &fakeSyncStore{
		transactions: make(map[int64]*models.Transaction),
		synced:       make(map[int64]string),
		failed:       make(map[int64]string),
		applySynced:  true,
	}
	for _, tx := range txs {
		f.transactions[tx.ID] = tx
	}
	return f
}

func (f *fakeSyncStore) FindByID(_ context.Context, id int64) (*models.Transaction, error) {
	tx, ok := f.transactions[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return tx, nil
}

func (f *fakeSyncStore) MarkSynced(_ context.Context, id int64, sapReference string) (bool, error) {
	if !f.applySynced {
		return false, nil
	}
	f.synced[id] = sapReference
	return true, nil
}

func (f *fakeSyncStore) MarkSyncFailed(_ context.Context, id int64, errMsg string) error {
	f.failed[id] = errMsg
	return nil
}

type fakeCreator struct {
	calls      int
	documentID string
	err        error
}

func (f *fakeCreator) CreateAccountingDocument(_ context.Context, _ AccountingDocument) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.documentID, nil
}

func testConfig() ClientConfig {
	return ClientConfig{
		CompanyCode:    "1000",
		DocumentType:   "DZ",
		CashAccount:    "100000",
		RevenueAccount: "400000",
		CostCenter:     "CC100",
		BusinessArea:   "BA01",
	}
}

func syncableTransaction() *models.Transaction {
	receipt := "NLJ7RT61SV"
	at := time.Date(2025, 9, 1, 10, 21, 15, 0, time.Local)
	return &models.Transaction{
		ID:               1,
		MpesaReceipt:     &receipt,
		Amount:           decimal.RequireFromString("1000.00"),
		PhoneNumber:      "254712345678",
		AccountReference: "INV-001",
		Status:           models.StatusSuccess,
		SapSyncStatus:    models.SyncPending,
		TransactionDate:  &at,
		CreatedAt:        at,
	}
}

func TestSyncHappyPath(t *testing.T) {
	st := newFakeSyncStore(syncableTransaction())
	creator := &fakeCreator{documentID: "4900000123"}
	svc := NewSyncService(st, creator, testConfig(), zap.NewNop())

	result, err := svc.Sync(context.Background(), 1)
	require.NoError(t, err)

	assert.Equal(t, int64(1), result.TransactionID)
	assert.Equal(t, "4900000123", result.SapReference)
	assert.Equal(t, "NLJ7RT61SV", result.MpesaReceipt)
	assert.Equal(t, "4900000123", st.synced[1])
	assert.Equal(t, 1, creator.calls)
}

func TestSyncPreconditions(t *testing.T) {
	t.Run("unknown transaction", func(t *testing.T) {
		st := newFakeSyncStore()
		creator := &fakeCreator{documentID: "doc"}
		svc := NewSyncService(st, creator, testConfig(), zap.NewNop())

		_, err := svc.Sync(context.Background(), 99)
		assert.True(t, errors.Is(err, models.ErrNotFound))
		assert.Zero(t, creator.calls)
	})

	t.Run("non-success statuses rejected", func(t *testing.T) {
		for _, status := range []models.TransactionStatus{
			models.StatusPending, models.StatusFailed, models.StatusCancelled,
		} {
			tx := syncableTransaction()
			tx.Status = status
			st := newFakeSyncStore(tx)
			creator := &fakeCreator{documentID: "doc"}
			svc := NewSyncService(st, creator, testConfig(), zap.NewNop())

			_, err := svc.Sync(context.Background(), 1)
			assert.True(t, errors.Is(err, models.ErrInvalidState), "status %s", status)
			assert.Zero(t, creator.calls)
		}
	})

	t.Run("already synced", func(t *testing.T) {
		tx := syncableTransaction()
		tx.SapSyncStatus = models.SyncSynced
		st := newFakeSyncStore(tx)
		creator := &fakeCreator{documentID: "doc"}
		svc := NewSyncService(st, creator, testConfig(), zap.NewNop())

		_, err := svc.Sync(context.Background(), 1)
		assert.True(t, errors.Is(err, models.ErrAlreadySynced))
		assert.Zero(t, creator.calls, "a synced transaction must not be posted again")
	})
}

func TestSyncLedgerFailureMarksFailed(t *testing.T) {
	st := newFakeSyncStore(syncableTransaction())
	creator := &fakeCreator{err: &models.LedgerError{StatusCode: 500, Detail: "posting period closed"}}
	svc := NewSyncService(st, creator, testConfig(), zap.NewNop())

	_, err := svc.Sync(context.Background(), 1)
	require.Error(t, err)

	var ledgerErr *models.LedgerError
	assert.True(t, errors.As(err, &ledgerErr))
	assert.Contains(t, st.failed[1], "posting period closed")
	assert.Empty(t, st.synced, "a failed posting must not mark the row synced")
}

func TestSyncLostRace(t *testing.T) {
	st := newFakeSyncStore(syncableTransaction())
	st.applySynced = false
	creator := &fakeCreator{documentID: "doc"}
	svc := NewSyncService(st, creator, testConfig(), zap.NewNop())

	_, err := svc.Sync(context.Background(), 1)
	assert.True(t, errors.Is(err, models.ErrAlreadySynced))
}

func TestBuildDocument(t *testing.T) {
	svc := NewSyncService(newFakeSyncStore(), &fakeCreator{}, testConfig(), zap.NewNop())

	t.Run("balanced two line entry", func(t *testing.T) {
		doc := svc.buildDocument(syncableTransaction())

		assert.Equal(t, "1000", doc.CompanyCode)
		assert.Equal(t, "DZ", doc.DocumentType)
		assert.Equal(t, "2025-09-01", doc.PostingDate)
		assert.Equal(t, "KES", doc.Currency)
		assert.Equal(t, "NLJ7RT61SV", doc.Reference)
		assert.Equal(t, "M-Pesa Payment - NLJ7RT61SV", doc.DocumentHeaderText)

		require.Len(t, doc.Items, 2)
		debit, credit := doc.Items[0], doc.Items[1]
		assert.Equal(t, "100000", debit.Account)
		assert.Equal(t, "S", debit.DebitCreditCode)
		assert.Equal(t, "400000", credit.Account)
		assert.Equal(t, "H", credit.DebitCreditCode)
		assert.Equal(t, debit.AmountInTransactionCurrency, credit.AmountInTransactionCurrency)
		assert.Equal(t, "1000.00", debit.AmountInTransactionCurrency)
		assert.Equal(t, "INV-001", debit.Assignment)
	})

	t.Run("phone stands in for missing reference", func(t *testing.T) {
		tx := syncableTransaction()
		tx.AccountReference = ""
		doc := svc.buildDocument(tx)
		assert.Equal(t, "254712345678", doc.Items[0].Assignment)
	})

	t.Run("created time stands in for missing transaction date", func(t *testing.T) {
		tx := syncableTransaction()
		tx.TransactionDate = nil
		tx.CreatedAt = time.Date(2025, 8, 30, 23, 0, 0, 0, time.Local)
		doc := svc.buildDocument(tx)
		assert.Equal(t, "2025-08-30", doc.PostingDate)
	})
}
