package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/mpesa-sap-bridge/internal/models"
)

// Store is the durable home of Transaction rows. It owns every state
// guard: callers cannot move a terminal status or double-sync a row no
// matter how they race.
type Store struct {
	db *pgxpool.Pool
}

// New creates a transaction store over a pgx pool
func New(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

const txColumns = `
	id, checkout_request_id, merchant_request_id, conversation_id,
	originator_conversation_id, mpesa_receipt, amount, phone_number,
	account_reference, transaction_type, transaction_date, result_code,
	result_desc, status, sap_reference, sap_sync_status, sap_sync_date,
	request_payload, response_payload, callback_payload, retry_count,
	error_message, created_at, updated_at`

// CreateParams is the draft for a new PENDING transaction.
type CreateParams struct {
	CheckoutRequestID        *string
	MerchantRequestID        *string
	ConversationID           *string
	OriginatorConversationID *string
	Amount                   decimal.Decimal
	PhoneNumber              string
	AccountReference         string
	TransactionType          models.TransactionType
	RequestPayload           []byte
	ResponsePayload          []byte
}

func (p CreateParams) validate() error {
	if !p.Amount.IsPositive() {
		return &models.ValidationError{Field: "amount", Reason: "must be greater than zero"}
	}
	if p.PhoneNumber == "" {
		return &models.ValidationError{Field: "phone_number", Reason: "is required"}
	}
	for _, r := range p.PhoneNumber {
		if r < '0' || r > '9' {
			return &models.ValidationError{Field: "phone_number", Reason: "must contain digits only"}
		}
	}
	if l := len(p.AccountReference); l < 1 || l > 12 {
		return &models.ValidationError{Field: "account_reference", Reason: "must be between 1 and 12 characters"}
	}
	return nil
}

// Create inserts a new PENDING row.
func (s *Store) Create(ctx context.Context, p CreateParams) (*models.Transaction, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}

	insertSQL := `
		INSERT INTO mpesa_transactions (
			checkout_request_id, merchant_request_id, conversation_id,
			originator_conversation_id, amount, phone_number,
			account_reference, transaction_type, status,
			request_payload, response_payload
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING` + txColumns

	row := s.db.QueryRow(ctx, insertSQL,
		p.CheckoutRequestID,
		p.MerchantRequestID,
		p.ConversationID,
		p.OriginatorConversationID,
		p.Amount,
		p.PhoneNumber,
		p.AccountReference,
		p.TransactionType,
		models.StatusPending,
		p.RequestPayload,
		p.ResponsePayload,
	)

	tx, err := scanTransaction(row)
	if err != nil {
		if strings.Contains(err.Error(), "23505") {
			return nil, fmt.Errorf("duplicate checkout request id: %w", err)
		}
		return nil, fmt.Errorf("failed to insert transaction: %w", err)
	}
	return tx, nil
}

// FindByID fetches a transaction by its internal id.
func (s *Store) FindByID(ctx context.Context, id int64) (*models.Transaction, error) {
	query := `SELECT` + txColumns + ` FROM mpesa_transactions WHERE id = $1`
	tx, err := scanTransaction(s.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch transaction %d: %w", id, err)
	}
	return tx, nil
}

// FindByCheckoutID fetches a transaction by its gateway tracking id.
func (s *Store) FindByCheckoutID(ctx context.Context, checkoutRequestID string) (*models.Transaction, error) {
	query := `SELECT` + txColumns + ` FROM mpesa_transactions WHERE checkout_request_id = $1`
	tx, err := scanTransaction(s.db.QueryRow(ctx, query, checkoutRequestID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch transaction %s: %w", checkoutRequestID, err)
	}
	return tx, nil
}

// Outcome carries the terminal result extracted from a gateway callback.
type Outcome struct {
	Status          models.TransactionStatus
	ResultCode      int
	ResultDesc      string
	MpesaReceipt    *string // set only on SUCCESS
	TransactionDate *time.Time
	CallbackPayload []byte
}

// CompleteByCheckoutID applies a callback outcome as a conditional
// write: the row transitions only if it is still PENDING. The returned
// bool reports whether this call won the transition; false means the
// row was already terminal (a gateway retry) or does not exist.
func (s *Store) CompleteByCheckoutID(ctx context.Context, checkoutRequestID string, o Outcome) (bool, error) {
	if o.Status != models.StatusSuccess && o.Status != models.StatusFailed {
		return false, fmt.Errorf("%w: callback may only set SUCCESS or FAILED", models.ErrInvalidStateTransition)
	}
	if (o.MpesaReceipt != nil) != (o.Status == models.StatusSuccess) {
		return false, fmt.Errorf("%w: receipt is set if and only if status is SUCCESS", models.ErrInvalidStateTransition)
	}

	updateSQL := `
		UPDATE mpesa_transactions
		SET status = $1,
		    result_code = $2,
		    result_desc = $3,
		    mpesa_receipt = $4,
		    transaction_date = $5,
		    callback_payload = $6,
		    updated_at = NOW()
		WHERE checkout_request_id = $7 AND status = 'PENDING'
	`

	tag, err := s.db.Exec(ctx, updateSQL,
		o.Status, o.ResultCode, o.ResultDesc,
		o.MpesaReceipt, o.TransactionDate, o.CallbackPayload,
		checkoutRequestID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to apply callback outcome: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkSynced records a successful ledger posting. Conditional on the
// payment having succeeded and not having been synced before, so a
// racing second sync loses cleanly.
func (s *Store) MarkSynced(ctx context.Context, id int64, sapReference string) (bool, error) {
	updateSQL := `
		UPDATE mpesa_transactions
		SET sap_reference = $1,
		    sap_sync_status = 'SYNCED',
		    sap_sync_date = NOW(),
		    updated_at = NOW()
		WHERE id = $2 AND status = 'SUCCESS' AND sap_sync_status <> 'SYNCED'
	`
	tag, err := s.db.Exec(ctx, updateSQL, sapReference, id)
	if err != nil {
		return false, fmt.Errorf("failed to mark transaction %d synced: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkSyncFailed records a failed ledger posting attempt. The payment
// status is never touched here.
func (s *Store) MarkSyncFailed(ctx context.Context, id int64, errMsg string) error {
	updateSQL := `
		UPDATE mpesa_transactions
		SET sap_sync_status = 'FAILED',
		    error_message = $1,
		    retry_count = retry_count + 1,
		    updated_at = NOW()
		WHERE id = $2 AND sap_sync_status <> 'SYNCED'
	`
	if _, err := s.db.Exec(ctx, updateSQL, errMsg, id); err != nil {
		return fmt.Errorf("failed to mark sync failure for %d: %w", id, err)
	}
	return nil
}

// UpdatePatch is a partial update for fields outside the guarded
// callback/sync paths.
type UpdatePatch struct {
	Status       *models.TransactionStatus
	ErrorMessage *string
}

// Update applies a partial update, rejecting a status change once the
// row is terminal.
func (s *Store) Update(ctx context.Context, id int64, patch UpdatePatch) (*models.Transaction, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin update: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := scanTransaction(tx.QueryRow(ctx,
		`SELECT`+txColumns+` FROM mpesa_transactions WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock transaction %d: %w", id, err)
	}

	status := current.Status
	if patch.Status != nil && *patch.Status != current.Status {
		if !models.IsValidTransition(current.Status, *patch.Status) {
			return nil, fmt.Errorf("%w: %s -> %s", models.ErrInvalidStateTransition, current.Status, *patch.Status)
		}
		status = *patch.Status
	}

	errMsg := current.ErrorMessage
	if patch.ErrorMessage != nil {
		errMsg = patch.ErrorMessage
	}

	updated, err := scanTransaction(tx.QueryRow(ctx, `
		UPDATE mpesa_transactions
		SET status = $1, error_message = $2, updated_at = NOW()
		WHERE id = $3
		RETURNING`+txColumns, status, errMsg, id))
	if err != nil {
		return nil, fmt.Errorf("failed to update transaction %d: %w", id, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit update: %w", err)
	}
	return updated, nil
}

// Order is the created_at sort direction for range queries.
type Order string

const (
	OrderAsc  Order = "ASC"  // reconciliation
	OrderDesc Order = "DESC" // listing UIs
)

// Filters narrows a date-range query.
type Filters struct {
	Status          models.TransactionStatus
	TransactionType models.TransactionType
	PhoneSubstring  string
	Limit           int
	Offset          int
}

// QueryByDateRange returns transactions created within [start, end].
func (s *Store) QueryByDateRange(ctx context.Context, start, end time.Time, f Filters, order Order) ([]models.Transaction, error) {
	if order != OrderAsc && order != OrderDesc {
		order = OrderAsc
	}

	var (
		conds = []string{"created_at BETWEEN $1 AND $2"}
		args  = []interface{}{start, end}
	)
	if f.Status != "" {
		args = append(args, f.Status)
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.TransactionType != "" {
		args = append(args, f.TransactionType)
		conds = append(conds, fmt.Sprintf("transaction_type = $%d", len(args)))
	}
	if f.PhoneSubstring != "" {
		args = append(args, "%"+f.PhoneSubstring+"%")
		conds = append(conds, fmt.Sprintf("phone_number LIKE $%d", len(args)))
	}

	query := `SELECT` + txColumns + ` FROM mpesa_transactions WHERE ` +
		strings.Join(conds, " AND ") +
		fmt.Sprintf(" ORDER BY created_at %s", order)
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", f.Limit, f.Offset)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var result []models.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		result = append(result, *tx)
	}
	return result, rows.Err()
}

// Stats are aggregate counts and sums for the dashboard.
type Stats struct {
	TotalTransactions int64           `json:"total_transactions"`
	TotalAmount       decimal.Decimal `json:"total_amount"`
	Successful        int64           `json:"successful_transactions"`
	Failed            int64           `json:"failed_transactions"`
	Pending           int64           `json:"pending_transactions"`
}

// Stats aggregates transactions created within [start, end].
func (s *Store) Stats(ctx context.Context, start, end time.Time) (*Stats, error) {
	query := `
		SELECT COUNT(*),
		       COALESCE(SUM(amount), 0),
		       COUNT(*) FILTER (WHERE status = 'SUCCESS'),
		       COUNT(*) FILTER (WHERE status = 'FAILED'),
		       COUNT(*) FILTER (WHERE status = 'PENDING')
		FROM mpesa_transactions
		WHERE created_at BETWEEN $1 AND $2
	`
	var st Stats
	err := s.db.QueryRow(ctx, query, start, end).Scan(
		&st.TotalTransactions, &st.TotalAmount,
		&st.Successful, &st.Failed, &st.Pending,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate stats: %w", err)
	}
	return &st, nil
}

// scanTransaction reads one row in txColumns order.
func scanTransaction(row pgx.Row) (*models.Transaction, error) {
	var tx models.Transaction
	err := row.Scan(
		&tx.ID,
		&tx.CheckoutRequestID,
		&tx.MerchantRequestID,
		&tx.ConversationID,
		&tx.OriginatorConversationID,
		&tx.MpesaReceipt,
		&tx.Amount,
		&tx.PhoneNumber,
		&tx.AccountReference,
		&tx.TransactionType,
		&tx.TransactionDate,
		&tx.ResultCode,
		&tx.ResultDesc,
		&tx.Status,
		&tx.SapReference,
		&tx.SapSyncStatus,
		&tx.SapSyncDate,
		&tx.RequestPayload,
		&tx.ResponsePayload,
		&tx.CallbackPayload,
		&tx.RetryCount,
		&tx.ErrorMessage,
		&tx.CreatedAt,
		&tx.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &tx, nil
}
