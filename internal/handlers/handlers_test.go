package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mpesa-sap-bridge/internal/models"
)

func TestRespondServiceError(t *testing.T) {
	h := &Handler{log: zap.NewNop()}

	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{
			name:       "validation error",
			err:        &models.ValidationError{Field: "amount", Reason: "must be greater than zero"},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "not found",
			err:        models.ErrNotFound,
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "wrapped not found",
			err:        errors.Join(errors.New("lookup failed"), models.ErrNotFound),
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "already synced",
			err:        models.ErrAlreadySynced,
			wantStatus: http.StatusConflict,
		},
		{
			name:       "invalid state",
			err:        models.ErrInvalidState,
			wantStatus: http.StatusConflict,
		},
		{
			name:       "invalid transition",
			err:        models.ErrInvalidStateTransition,
			wantStatus: http.StatusConflict,
		},
		{
			name:       "gateway error",
			err:        &models.GatewayError{StatusCode: 503, Detail: "unavailable"},
			wantStatus: http.StatusBadGateway,
		},
		{
			name:       "ledger error",
			err:        &models.LedgerError{StatusCode: 500, Detail: "posting failed"},
			wantStatus: http.StatusBadGateway,
		},
		{
			name:       "unknown error",
			err:        errors.New("boom"),
			wantStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.respondServiceError(rec, tt.err)

			assert.Equal(t, tt.wantStatus, rec.Code)

			var body map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestParseRange(t *testing.T) {
	t.Run("explicit bounds", func(t *testing.T) {
		start, end, err := parseRange("2025-09-01", "2025-09-02")
		require.NoError(t, err)

		assert.Equal(t, time.Date(2025, 9, 1, 0, 0, 0, 0, time.Local), start)
		assert.Equal(t, time.Date(2025, 9, 2, 23, 59, 59, 999000000, time.Local), end)
	})

	t.Run("defaults when absent", func(t *testing.T) {
		start, end, err := parseRange("", "")
		require.NoError(t, err)

		assert.True(t, start.Before(end))
		assert.True(t, end.After(time.Now()))
	})

	t.Run("bad dates rejected", func(t *testing.T) {
		_, _, err := parseRange("01/09/2025", "")
		assert.Error(t, err)

		_, _, err = parseRange("", "nope")
		assert.Error(t, err)
	})
}

func TestQueryInt(t *testing.T) {
	assert.Equal(t, 7, queryInt("7", 1))
	assert.Equal(t, 1, queryInt("", 1))
	assert.Equal(t, 1, queryInt("abc", 1))
	assert.Equal(t, 1, queryInt("-3", 1))
	assert.Equal(t, 1, queryInt("0", 1))
}
