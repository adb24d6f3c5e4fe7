package store

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpesa-sap-bridge/internal/models"
)

func TestCreateParamsValidate(t *testing.T) {
	valid := CreateParams{
		Amount:           decimal.NewFromInt(100),
		PhoneNumber:      "254712345678",
		AccountReference: "INV-001",
	}

	tests := []struct {
		name    string
		mutate  func(*CreateParams)
		wantErr string
	}{
		{name: "valid params", mutate: func(*CreateParams) {}},
		{
			name:    "zero amount",
			mutate:  func(p *CreateParams) { p.Amount = decimal.Zero },
			wantErr: "amount",
		},
		{
			name:    "negative amount",
			mutate:  func(p *CreateParams) { p.Amount = decimal.NewFromInt(-1) },
			wantErr: "amount",
		},
		{
			name:    "empty phone",
			mutate:  func(p *CreateParams) { p.PhoneNumber = "" },
			wantErr: "phone_number",
		},
		{
			name:    "non-digit phone",
			mutate:  func(p *CreateParams) { p.PhoneNumber = "2547x2345678" },
			wantErr: "phone_number",
		},
		{
			name:    "empty reference",
			mutate:  func(p *CreateParams) { p.AccountReference = "" },
			wantErr: "account_reference",
		},
		{
			name:    "reference too long",
			mutate:  func(p *CreateParams) { p.AccountReference = "ABCDEFGHIJKLM" },
			wantErr: "account_reference",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := valid
			tt.mutate(&p)

			err := p.validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)

			var validationErr *models.ValidationError
			require.True(t, errors.As(err, &validationErr))
			assert.Equal(t, tt.wantErr, validationErr.Field)
		})
	}
}

func TestOutcomeInvariants(t *testing.T) {
	s := New(nil)
	receipt := "NLJ7RT61SV"

	tests := []struct {
		name    string
		outcome Outcome
	}{
		{
			name:    "callback cannot set pending",
			outcome: Outcome{Status: models.StatusPending},
		},
		{
			name:    "callback cannot set cancelled",
			outcome: Outcome{Status: models.StatusCancelled},
		},
		{
			name:    "success requires receipt",
			outcome: Outcome{Status: models.StatusSuccess},
		},
		{
			name:    "failure must not carry receipt",
			outcome: Outcome{Status: models.StatusFailed, MpesaReceipt: &receipt},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			applied, err := s.CompleteByCheckoutID(context.Background(), "ws_CO_1", tt.outcome)
			assert.False(t, applied)
			require.Error(t, err)
			assert.True(t, errors.Is(err, models.ErrInvalidStateTransition))
		})
	}
}
