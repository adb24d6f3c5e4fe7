package payment

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mpesa-sap-bridge/internal/models"
	"github.com/mpesa-sap-bridge/internal/mpesa"
	"github.com/mpesa-sap-bridge/internal/store"
)

// TransactionStore is what the initiation path needs from storage.
type TransactionStore interface {
	Create(ctx context.Context, p store.CreateParams) (*models.Transaction, error)
}

// Gateway is the outbound Daraja surface.
type Gateway interface {
	STKPush(ctx context.Context, phone string, amount decimal.Decimal, reference, description string) (*mpesa.STKPushResponse, []byte, error)
	B2CPayment(ctx context.Context, phone string, amount decimal.Decimal, remarks, occasion string) (*mpesa.B2CResponse, []byte, error)
}

// Bounds constrains payout amounts. STK collections are only required
// to be positive; B2C payouts carry the gateway's 1–70,000 window.
type Bounds struct {
	B2CMin decimal.Decimal
	B2CMax decimal.Decimal
}

// Service turns payment requests into gateway calls plus persisted
// PENDING transactions.
type Service struct {
	store   TransactionStore
	gateway Gateway
	bounds  Bounds
	log     *zap.Logger
}

// NewService creates a payment initiation service
func NewService(st TransactionStore, gw Gateway, bounds Bounds, log *zap.Logger) *Service {
	return &Service{
		store:   st,
		gateway: gw,
		bounds:  bounds,
		log:     log.Named("payment"),
	}
}

// STKPushInput is one staff-initiated collection request.
type STKPushInput struct {
	Amount           decimal.Decimal
	Phone            string
	AccountReference string
	TransactionDesc  string
}

// InitiateResult returns the gateway tracking identifiers. The eventual
// outcome always arrives on the callback path, never here.
type InitiateResult struct {
	TransactionID            int64   `json:"transaction_id"`
	CheckoutRequestID        string  `json:"checkout_request_id,omitempty"`
	MerchantRequestID        string  `json:"merchant_request_id,omitempty"`
	ConversationID           string  `json:"conversation_id,omitempty"`
	OriginatorConversationID string  `json:"originator_conversation_id,omitempty"`
	ResponseDescription      string  `json:"response_description"`
	Status                   string  `json:"status"`
}

// InitiateSTKPush validates the request, pushes the payment prompt and
// persists a PENDING transaction carrying the gateway's tracking ids.
// If the gateway call fails no row is created; the caller re-submits.
func (s *Service) InitiateSTKPush(ctx context.Context, in STKPushInput) (*InitiateResult, error) {
	if !in.Amount.IsPositive() {
		return nil, &models.ValidationError{Field: "amount", Reason: "must be greater than zero"}
	}
	if l := len(in.AccountReference); l < 1 || l > 12 {
		return nil, &models.ValidationError{Field: "account_reference", Reason: "must be between 1 and 12 characters"}
	}

	desc := in.TransactionDesc
	if desc == "" {
		desc = in.AccountReference
	}
	if len(desc) > 13 {
		return nil, &models.ValidationError{Field: "transaction_desc", Reason: "must be between 1 and 13 characters"}
	}

	phone, err := mpesa.NormalizePhone(in.Phone)
	if err != nil {
		return nil, err
	}

	resp, rawResp, err := s.gateway.STKPush(ctx, phone, in.Amount, in.AccountReference, desc)
	if err != nil {
		s.log.Warn("STK push rejected by gateway",
			zap.String("phone", phone),
			zap.String("amount", in.Amount.String()),
			zap.Error(err),
		)
		return nil, err
	}

	rawReq, _ := json.Marshal(map[string]interface{}{
		"amount":            in.Amount,
		"phone":             phone,
		"account_reference": in.AccountReference,
		"transaction_desc":  desc,
	})

	tx, err := s.store.Create(ctx, store.CreateParams{
		CheckoutRequestID: &resp.CheckoutRequestID,
		MerchantRequestID: &resp.MerchantRequestID,
		Amount:            in.Amount,
		PhoneNumber:       phone,
		AccountReference:  in.AccountReference,
		TransactionType:   models.TypeSTKPush,
		RequestPayload:    rawReq,
		ResponsePayload:   rawResp,
	})
	if err != nil {
		return nil, fmt.Errorf("gateway accepted but record not persisted: %w", err)
	}

	s.log.Info("STK push initiated",
		zap.Int64("transaction_id", tx.ID),
		zap.String("checkout_request_id", resp.CheckoutRequestID),
		zap.String("amount", in.Amount.String()),
	)

	return &InitiateResult{
		TransactionID:       tx.ID,
		CheckoutRequestID:   resp.CheckoutRequestID,
		MerchantRequestID:   resp.MerchantRequestID,
		ResponseDescription: resp.ResponseDescription,
		Status:              string(models.StatusPending),
	}, nil
}

// B2CInput is one staff-initiated payout request.
type B2CInput struct {
	Amount   decimal.Decimal
	Phone    string
	Remarks  string
	Occasion string
}

// InitiateB2C validates the payout against the configured bounds,
// submits it and persists a PENDING transaction keyed by conversation id.
func (s *Service) InitiateB2C(ctx context.Context, in B2CInput) (*InitiateResult, error) {
	if in.Amount.LessThan(s.bounds.B2CMin) || in.Amount.GreaterThan(s.bounds.B2CMax) {
		return nil, &models.ValidationError{
			Field:  "amount",
			Reason: fmt.Sprintf("must be between %s and %s", s.bounds.B2CMin, s.bounds.B2CMax),
		}
	}
	if l := len(in.Remarks); l < 1 || l > 100 {
		return nil, &models.ValidationError{Field: "remarks", Reason: "must be between 1 and 100 characters"}
	}

	phone, err := mpesa.NormalizePhone(in.Phone)
	if err != nil {
		return nil, err
	}

	resp, rawResp, err := s.gateway.B2CPayment(ctx, phone, in.Amount, in.Remarks, in.Occasion)
	if err != nil {
		s.log.Warn("B2C payout rejected by gateway",
			zap.String("phone", phone),
			zap.String("amount", in.Amount.String()),
			zap.Error(err),
		)
		return nil, err
	}

	rawReq, _ := json.Marshal(map[string]interface{}{
		"amount":   in.Amount,
		"phone":    phone,
		"remarks":  in.Remarks,
		"occasion": in.Occasion,
	})

	// B2C has no payer-side reference; the remarks stand in for the
	// assignment tag, truncated to the reference column's width.
	ref := in.Remarks
	if len(ref) > 12 {
		ref = ref[:12]
	}

	tx, err := s.store.Create(ctx, store.CreateParams{
		ConversationID:           &resp.ConversationID,
		OriginatorConversationID: &resp.OriginatorConversationID,
		Amount:                   in.Amount,
		PhoneNumber:              phone,
		AccountReference:         ref,
		TransactionType:          models.TypeB2C,
		RequestPayload:           rawReq,
		ResponsePayload:          rawResp,
	})
	if err != nil {
		return nil, fmt.Errorf("gateway accepted but record not persisted: %w", err)
	}

	s.log.Info("B2C payout initiated",
		zap.Int64("transaction_id", tx.ID),
		zap.String("conversation_id", resp.ConversationID),
		zap.String("amount", in.Amount.String()),
	)

	return &InitiateResult{
		TransactionID:            tx.ID,
		ConversationID:           resp.ConversationID,
		OriginatorConversationID: resp.OriginatorConversationID,
		ResponseDescription:      resp.ResponseDescription,
		Status:                   string(models.StatusPending),
	}, nil
}
