package mpesa

import (
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpesa-sap-bridge/internal/models"
)

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
		wantErr  bool
	}{
		{name: "already normalized safaricom", input: "254712345678", expected: "254712345678"},
		{name: "already normalized airtel range", input: "254110123456", expected: "254110123456"},
		{name: "leading zero rewritten", input: "0712345678", expected: "254712345678"},
		{name: "plus prefix stripped", input: "+254712345678", expected: "254712345678"},
		{name: "surrounding whitespace trimmed", input: " 254712345678 ", expected: "254712345678"},
		{name: "too short", input: "25471234567", wantErr: true},
		{name: "too long", input: "2547123456789", wantErr: true},
		{name: "wrong country code", input: "255712345678", wantErr: true},
		{name: "landline range rejected", input: "254212345678", wantErr: true},
		{name: "letters rejected", input: "2547abc45678", wantErr: true},
		{name: "empty", input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizePhone(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				var validationErr *models.ValidationError
				assert.True(t, errors.As(err, &validationErr))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestPassword(t *testing.T) {
	got := Password("174379", "passkey123", "20250901120000")

	decoded, err := base64.StdEncoding.DecodeString(got)
	require.NoError(t, err)
	assert.Equal(t, "174379passkey12320250901120000", string(decoded))
}

func TestTimestamp(t *testing.T) {
	ts := time.Date(2025, 9, 1, 14, 5, 9, 0, time.Local)
	assert.Equal(t, "20250901140509", Timestamp(ts))
}

func TestAccessTokenValid(t *testing.T) {
	now := time.Date(2025, 9, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		token accessToken
		valid bool
	}{
		{
			name:  "fresh token",
			token: accessToken{value: "abc", expiresAt: now.Add(time.Hour)},
			valid: true,
		},
		{
			name:  "expires exactly now",
			token: accessToken{value: "abc", expiresAt: now},
			valid: false,
		},
		{
			name:  "expired",
			token: accessToken{value: "abc", expiresAt: now.Add(-time.Minute)},
			valid: false,
		},
		{
			name:  "empty token never valid",
			token: accessToken{expiresAt: now.Add(time.Hour)},
			valid: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.valid, tt.token.valid(now))
		})
	}
}
