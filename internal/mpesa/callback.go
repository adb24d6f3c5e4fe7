package mpesa

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mpesa-sap-bridge/internal/models"
)

// CallbackEnvelope is the shape Daraja posts to the callback URL.
type CallbackEnvelope struct {
	Body struct {
		StkCallback *StkCallback `json:"stkCallback"`
	} `json:"Body"`
}

// StkCallback is the result container for one STK Push attempt.
type StkCallback struct {
	MerchantRequestID string `json:"MerchantRequestID"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
	ResultCode        int    `json:"ResultCode"`
	ResultDesc        string `json:"ResultDesc"`
	CallbackMetadata  struct {
		Item []Item `json:"Item"`
	} `json:"CallbackMetadata"`
}

// Item is one named value from the callback metadata array. Values are
// not positionally guaranteed; they must be looked up by name.
type Item struct {
	Name  string      `json:"Name"`
	Value interface{} `json:"Value"`
}

// ParseCallback validates the envelope shape and returns the result
// container. A payload without Body.stkCallback is malformed.
func ParseCallback(raw []byte) (*StkCallback, error) {
	var env CallbackEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrMalformedCallback, err)
	}
	if env.Body.StkCallback == nil {
		return nil, fmt.Errorf("%w: missing Body.stkCallback", models.ErrMalformedCallback)
	}
	if env.Body.StkCallback.CheckoutRequestID == "" {
		return nil, fmt.Errorf("%w: missing CheckoutRequestID", models.ErrMalformedCallback)
	}
	return env.Body.StkCallback, nil
}

// Metadata is the callback item array resolved by name, built once at
// the callback boundary.
type Metadata map[string]interface{}

// NewMetadata converts the metadata item array to a name-keyed map.
func NewMetadata(items []Item) Metadata {
	m := make(Metadata, len(items))
	for _, item := range items {
		if item.Name != "" {
			m[item.Name] = item.Value
		}
	}
	return m
}

// Amount returns the confirmed payment amount.
func (m Metadata) Amount() (decimal.Decimal, error) {
	v, ok := m["Amount"]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: metadata missing Amount", models.ErrMalformedCallback)
	}
	switch n := v.(type) {
	case float64:
		return decimal.NewFromFloat(n), nil
	case string:
		d, err := decimal.NewFromString(n)
		if err != nil {
			return decimal.Zero, fmt.Errorf("%w: unparseable Amount %q", models.ErrMalformedCallback, n)
		}
		return d, nil
	default:
		return decimal.Zero, fmt.Errorf("%w: unexpected Amount type %T", models.ErrMalformedCallback, v)
	}
}

// Receipt returns the M-Pesa receipt number assigned on success.
func (m Metadata) Receipt() (string, error) {
	v, ok := m["MpesaReceiptNumber"]
	if !ok {
		return "", fmt.Errorf("%w: metadata missing MpesaReceiptNumber", models.ErrMalformedCallback)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("%w: unexpected MpesaReceiptNumber value", models.ErrMalformedCallback)
	}
	return s, nil
}

// Phone returns the paying subscriber's number. Daraja sends it as a
// JSON number.
func (m Metadata) Phone() (string, error) {
	v, ok := m["PhoneNumber"]
	if !ok {
		return "", fmt.Errorf("%w: metadata missing PhoneNumber", models.ErrMalformedCallback)
	}
	switch n := v.(type) {
	case float64:
		return strconv.FormatFloat(n, 'f', -1, 64), nil
	case string:
		return n, nil
	default:
		return "", fmt.Errorf("%w: unexpected PhoneNumber type %T", models.ErrMalformedCallback, v)
	}
}

// CompletedAt returns the gateway-reported completion time
// (YYYYMMDDHHmmss). Absent or unparseable dates are tolerated: the
// receipt, not the timestamp, is the proof of payment.
func (m Metadata) CompletedAt() (time.Time, bool) {
	v, ok := m["TransactionDate"]
	if !ok {
		return time.Time{}, false
	}

	var s string
	switch n := v.(type) {
	case float64:
		s = strconv.FormatFloat(n, 'f', -1, 64)
	case string:
		s = n
	default:
		return time.Time{}, false
	}

	t, err := time.ParseInLocation("20060102150405", s, time.Local)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
