package reconcile

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mpesa-sap-bridge/internal/models"
	"github.com/mpesa-sap-bridge/internal/store"
)

// amountTolerance is the currency-unit slack below which two amounts
// are considered equal.
var amountTolerance = decimal.NewFromFloat(0.01)

// TransactionQuerier is what the engine needs from storage.
type TransactionQuerier interface {
	QueryByDateRange(ctx context.Context, start, end time.Time, f store.Filters, order store.Order) ([]models.Transaction, error)
}

// LedgerEntry is one posting from the ERP side, keyed by the shared
// document reference (the M-Pesa receipt recorded in the assignment).
type LedgerEntry struct {
	Reference string          `json:"reference"`
	Amount    decimal.Decimal `json:"amount"`
}

// LedgerSource supplies the ERP's view of a day's postings.
type LedgerSource interface {
	Entries(ctx context.Context, day time.Time) ([]LedgerEntry, error)
}

// DiscrepancyType classifies a mismatch between the two ledgers.
type DiscrepancyType string

const (
	DiscrepancyMissing        DiscrepancyType = "MISSING"
	DiscrepancyAmountMismatch DiscrepancyType = "AMOUNT_MISMATCH"
)

// Discrepancy is one inconsistency between M-Pesa and the ERP.
type Discrepancy struct {
	Type        DiscrepancyType  `json:"type"`
	Reference   string           `json:"reference"`
	Amount      *decimal.Decimal `json:"amount,omitempty"`
	SapAmount   *decimal.Decimal `json:"sap_amount,omitempty"`
	MpesaAmount *decimal.Decimal `json:"mpesa_amount,omitempty"`
	Difference  *decimal.Decimal `json:"difference,omitempty"`
	Description string           `json:"description,omitempty"`
}

// LedgerStatus distinguishes a real comparison from a degraded one.
type LedgerStatus string

const (
	LedgerOK          LedgerStatus = "OK"
	LedgerUnavailable LedgerStatus = "UNAVAILABLE"
)

// Report is the result of reconciling one calendar day.
type Report struct {
	Date              string               `json:"date"`
	GeneratedAt       time.Time            `json:"generated_at"`
	TotalTransactions int                  `json:"total_transactions"`
	TotalAmount       decimal.Decimal      `json:"total_amount"`
	ByStatus          map[string]int       `json:"by_status"`
	ByType            map[string]int       `json:"by_type"`
	LedgerStatus      LedgerStatus         `json:"ledger_status"`
	Discrepancies     []Discrepancy        `json:"discrepancies"`
	Transactions      []models.Transaction `json:"transactions"`
}

// Engine computes daily reconciliation reports. Pure read/compute: the
// same day always yields the same report for the same inputs.
type Engine struct {
	store  TransactionQuerier
	ledger LedgerSource
	log    *zap.Logger
}

// NewEngine creates a reconciliation engine
func NewEngine(st TransactionQuerier, ledger LedgerSource, log *zap.Logger) *Engine {
	return &Engine{store: st, ledger: ledger, log: log.Named("reconcile")}
}

// DayWindow returns the inclusive local-day bounds for a date:
// 00:00:00.000 through 23:59:59.999.
func DayWindow(day time.Time) (time.Time, time.Time) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	end := start.Add(24*time.Hour - time.Millisecond)
	return start, end
}

// Reconcile computes the report for one calendar day. Totals cover the
// day's successful transactions; discrepancies compare them against the
// ERP's postings for the same day. If the ledger cannot be obtained the
// mobile-money totals still come back, marked LedgerUnavailable.
func (e *Engine) Reconcile(ctx context.Context, day time.Time) (*Report, error) {
	start, end := DayWindow(day)

	all, err := e.store.QueryByDateRange(ctx, start, end, store.Filters{}, store.OrderAsc)
	if err != nil {
		return nil, err
	}

	report := &Report{
		Date:          start.Format(time.DateOnly),
		GeneratedAt:   time.Now(),
		TotalAmount:   decimal.Zero,
		ByStatus:      make(map[string]int),
		ByType:        make(map[string]int),
		LedgerStatus:  LedgerOK,
		Discrepancies: make([]Discrepancy, 0),
	}

	var successful []models.Transaction
	for _, tx := range all {
		report.ByStatus[string(tx.Status)]++
		report.ByType[string(tx.TransactionType)]++
		if tx.Status == models.StatusSuccess {
			successful = append(successful, tx)
		}
	}

	report.Transactions = successful
	report.TotalTransactions = len(successful)
	for _, tx := range successful {
		report.TotalAmount = report.TotalAmount.Add(tx.Amount)
	}

	entries, err := e.ledger.Entries(ctx, start)
	if err != nil {
		// Degrade rather than fail: totals are still useful, but an
		// absent ledger must not masquerade as "everything missing".
		e.log.Warn("ledger dataset unavailable", zap.String("date", report.Date), zap.Error(err))
		report.LedgerStatus = LedgerUnavailable
		return report, nil
	}

	report.Discrepancies = Diff(entries, successful)
	return report, nil
}

// Diff compares the two datasets symmetrically: either side may hold a
// record absent from the other.
func Diff(ledger []LedgerEntry, transactions []models.Transaction) []Discrepancy {
	discrepancies := make([]Discrepancy, 0)

	byReceipt := make(map[string]models.Transaction, len(transactions))
	for _, tx := range transactions {
		if tx.MpesaReceipt != nil {
			byReceipt[*tx.MpesaReceipt] = tx
		}
	}
	ledgerRefs := make(map[string]LedgerEntry, len(ledger))

	for _, entry := range ledger {
		ledgerRefs[entry.Reference] = entry

		tx, ok := byReceipt[entry.Reference]
		if !ok {
			amount := entry.Amount
			discrepancies = append(discrepancies, Discrepancy{
				Type:        DiscrepancyMissing,
				Reference:   entry.Reference,
				Amount:      &amount,
				Description: "posting found in SAP but not in M-Pesa",
			})
			continue
		}

		diff := entry.Amount.Sub(tx.Amount).Abs()
		if diff.GreaterThan(amountTolerance) {
			sapAmount, mpesaAmount := entry.Amount, tx.Amount
			discrepancies = append(discrepancies, Discrepancy{
				Type:        DiscrepancyAmountMismatch,
				Reference:   entry.Reference,
				SapAmount:   &sapAmount,
				MpesaAmount: &mpesaAmount,
				Difference:  &diff,
			})
		}
	}

	for _, tx := range transactions {
		if tx.MpesaReceipt == nil {
			continue
		}
		if _, ok := ledgerRefs[*tx.MpesaReceipt]; !ok {
			amount := tx.Amount
			discrepancies = append(discrepancies, Discrepancy{
				Type:        DiscrepancyMissing,
				Reference:   *tx.MpesaReceipt,
				Amount:      &amount,
				Description: "transaction found in M-Pesa but not in SAP",
			})
		}
	}

	return discrepancies
}
