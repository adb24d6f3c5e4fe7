package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Transaction represents one payment attempt and its outcome.
// Rows are append-only: callbacks and ledger sync mutate fields,
// nothing ever deletes a row.
type Transaction struct {
	ID                       int64             `db:"id" json:"id"`
	CheckoutRequestID        *string           `db:"checkout_request_id" json:"checkout_request_id,omitempty"`
	MerchantRequestID        *string           `db:"merchant_request_id" json:"merchant_request_id,omitempty"`
	ConversationID           *string           `db:"conversation_id" json:"conversation_id,omitempty"`
	OriginatorConversationID *string           `db:"originator_conversation_id" json:"originator_conversation_id,omitempty"`
	MpesaReceipt             *string           `db:"mpesa_receipt" json:"mpesa_receipt,omitempty"`
	Amount                   decimal.Decimal   `db:"amount" json:"amount"`
	PhoneNumber              string            `db:"phone_number" json:"phone_number"`
	AccountReference         string            `db:"account_reference" json:"account_reference"`
	TransactionType          TransactionType   `db:"transaction_type" json:"transaction_type"`
	TransactionDate          *time.Time        `db:"transaction_date" json:"transaction_date,omitempty"`
	ResultCode               *int              `db:"result_code" json:"result_code,omitempty"`
	ResultDesc               *string           `db:"result_desc" json:"result_desc,omitempty"`
	Status                   TransactionStatus `db:"status" json:"status"`
	SapReference             *string           `db:"sap_reference" json:"sap_reference,omitempty"`
	SapSyncStatus            SapSyncStatus     `db:"sap_sync_status" json:"sap_sync_status"`
	SapSyncDate              *time.Time        `db:"sap_sync_date" json:"sap_sync_date,omitempty"`
	RequestPayload           []byte            `db:"request_payload" json:"-"`  // JSONB, stored verbatim
	ResponsePayload          []byte            `db:"response_payload" json:"-"` // JSONB, stored verbatim
	CallbackPayload          []byte            `db:"callback_payload" json:"-"` // JSONB, stored verbatim
	RetryCount               int               `db:"retry_count" json:"retry_count"`
	ErrorMessage             *string           `db:"error_message" json:"error_message,omitempty"`
	CreatedAt                time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt                time.Time         `db:"updated_at" json:"updated_at"`
}

// TransactionStatus represents valid transaction states
type TransactionStatus string

const (
	StatusPending   TransactionStatus = "PENDING"
	StatusSuccess   TransactionStatus = "SUCCESS"
	StatusFailed    TransactionStatus = "FAILED"
	StatusCancelled TransactionStatus = "CANCELLED"
)

// TransactionType is the direction of an M-Pesa payment
type TransactionType string

const (
	TypeSTKPush  TransactionType = "STK_PUSH"
	TypeB2C      TransactionType = "B2C"
	TypeC2B      TransactionType = "C2B"
	TypeB2B      TransactionType = "B2B"
	TypeReversal TransactionType = "REVERSAL"
)

// SapSyncStatus tracks whether a transaction has been posted to the ERP
type SapSyncStatus string

const (
	SyncPending SapSyncStatus = "PENDING"
	SyncSynced  SapSyncStatus = "SYNCED"
	SyncFailed  SapSyncStatus = "FAILED"
)

// IsTerminal reports whether a status admits no further transitions.
func (s TransactionStatus) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// IsValidTransition checks if a status transition is allowed
func IsValidTransition(from, to TransactionStatus) bool {
	validTransitions := map[TransactionStatus][]TransactionStatus{
		StatusPending: {StatusSuccess, StatusFailed, StatusCancelled},
		// No transitions allowed from terminal states
		StatusSuccess:   {},
		StatusFailed:    {},
		StatusCancelled: {},
	}

	allowed, exists := validTransitions[from]
	if !exists {
		return false
	}

	for _, validTo := range allowed {
		if validTo == to {
			return true
		}
	}

	return false
}
