package mpesa

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mpesa-sap-bridge/internal/models"
)

// phonePattern is the Safaricom subscriber format: country code 254
// followed by a 7xx or 1xx prefix and eight digits.
var phonePattern = regexp.MustCompile(`^254[17]\d{8}$`)

// NormalizePhone rewrites a local trunk-prefixed number (07..., 01...) to
// the 254-prefixed form the gateway requires, and validates the result.
func NormalizePhone(phone string) (string, error) {
	p := strings.TrimSpace(phone)
	p = strings.TrimPrefix(p, "+")
	if strings.HasPrefix(p, "0") {
		p = "254" + p[1:]
	}
	if !phonePattern.MatchString(p) {
		return "", &models.ValidationError{Field: "phone", Reason: "must be in format 2547XXXXXXXX or 2541XXXXXXXX"}
	}
	return p, nil
}

// Password derives the timestamped STK credential: base64 of
// shortcode + passkey + timestamp.
func Password(shortCode, passkey, timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(shortCode + passkey + timestamp))
}

// Timestamp formats a time the way Daraja expects (YYYYMMDDHHmmss).
func Timestamp(t time.Time) string {
	return t.Format("20060102150405")
}

// ClientConfig holds the Daraja endpoints and merchant credentials
type ClientConfig struct {
	ShortCode          string
	Passkey            string
	InitiatorName      string
	SecurityCredential string
	STKPushURL         string
	B2CURL             string
	CallbackURL        string
	ResultURL          string
}

// Client calls the Daraja payment endpoints
type Client struct {
	cfg    ClientConfig
	tokens *TokenService
	client *http.Client
}

// NewClient creates a new gateway client
func NewClient(cfg ClientConfig, tokens *TokenService) *Client {
	return &Client{
		cfg:    cfg,
		tokens: tokens,
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					MinVersion: tls.VersionTLS12,
				},
			},
		},
	}
}

// STKPushRequest represents the Daraja STK Push API request
type STKPushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            string `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

// STKPushResponse represents the Daraja STK Push API response
type STKPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

// B2CRequest represents the Daraja B2C payment request
type B2CRequest struct {
	InitiatorName      string `json:"InitiatorName"`
	SecurityCredential string `json:"SecurityCredential"`
	CommandID          string `json:"CommandID"`
	Amount             string `json:"Amount"`
	PartyA             string `json:"PartyA"`
	PartyB             string `json:"PartyB"`
	Remarks            string `json:"Remarks"`
	QueueTimeOutURL    string `json:"QueueTimeOutURL"`
	ResultURL          string `json:"ResultURL"`
	Occasion           string `json:"Occasion,omitempty"`
}

// B2CResponse represents the Daraja B2C payment response
type B2CResponse struct {
	ConversationID           string `json:"ConversationID"`
	OriginatorConversationID string `json:"OriginatorConversationID"`
	ResponseCode             string `json:"ResponseCode"`
	ResponseDescription      string `json:"ResponseDescription"`
}

// gatewayError is the Daraja error body shape
type gatewayError struct {
	RequestID    string `json:"requestId"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

// STKPush pushes a payment prompt to the customer's phone. A nil error
// only means the request was accepted; the outcome arrives on the
// callback URL.
func (c *Client) STKPush(ctx context.Context, phone string, amount decimal.Decimal, reference, description string) (*STKPushResponse, []byte, error) {
	timestamp := Timestamp(time.Now())

	stkReq := STKPushRequest{
		BusinessShortCode: c.cfg.ShortCode,
		Password:          Password(c.cfg.ShortCode, c.cfg.Passkey, timestamp),
		Timestamp:         timestamp,
		TransactionType:   "CustomerPayBillOnline",
		Amount:            amount.StringFixed(0), // Daraja takes whole shillings
		PartyA:            phone,
		PartyB:            c.cfg.ShortCode,
		PhoneNumber:       phone,
		CallBackURL:       c.cfg.CallbackURL,
		AccountReference:  reference,
		TransactionDesc:   description,
	}

	respBody, err := c.post(ctx, c.cfg.STKPushURL, stkReq)
	if err != nil {
		return nil, nil, err
	}

	var stkResp STKPushResponse
	if err := json.Unmarshal(respBody, &stkResp); err != nil {
		return nil, nil, &models.GatewayError{Detail: "unparseable STK Push response", Err: err}
	}

	if stkResp.ResponseCode != "0" {
		return nil, nil, &models.GatewayError{Detail: stkResp.ResponseDescription}
	}

	return &stkResp, respBody, nil
}

// B2CPayment initiates a business-to-customer payout.
func (c *Client) B2CPayment(ctx context.Context, phone string, amount decimal.Decimal, remarks, occasion string) (*B2CResponse, []byte, error) {
	b2cReq := B2CRequest{
		InitiatorName:      c.cfg.InitiatorName,
		SecurityCredential: c.cfg.SecurityCredential,
		CommandID:          "BusinessPayment",
		Amount:             amount.StringFixed(0),
		PartyA:             c.cfg.ShortCode,
		PartyB:             phone,
		Remarks:            remarks,
		QueueTimeOutURL:    c.cfg.ResultURL,
		ResultURL:          c.cfg.ResultURL,
		Occasion:           occasion,
	}

	respBody, err := c.post(ctx, c.cfg.B2CURL, b2cReq)
	if err != nil {
		return nil, nil, err
	}

	var b2cResp B2CResponse
	if err := json.Unmarshal(respBody, &b2cResp); err != nil {
		return nil, nil, &models.GatewayError{Detail: "unparseable B2C response", Err: err}
	}

	if b2cResp.ResponseCode != "0" {
		return nil, nil, &models.GatewayError{Detail: b2cResp.ResponseDescription}
	}

	return &b2cResp, respBody, nil
}

// post sends an authenticated JSON request and returns the raw body.
func (c *Client) post(ctx context.Context, url string, payload interface{}) ([]byte, error) {
	token, err := c.tokens.GetToken(ctx)
	if err != nil {
		return nil, &models.GatewayError{Detail: "failed to obtain access token", Err: err}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal gateway request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create gateway request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &models.GatewayError{Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &models.GatewayError{StatusCode: resp.StatusCode, Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		var gwErr gatewayError
		detail := string(respBody)
		if json.Unmarshal(respBody, &gwErr) == nil && gwErr.ErrorMessage != "" {
			detail = gwErr.ErrorMessage
		}
		return nil, &models.GatewayError{StatusCode: resp.StatusCode, Detail: detail}
	}

	return respBody, nil
}
