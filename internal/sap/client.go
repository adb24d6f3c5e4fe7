package sap

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mpesa-sap-bridge/internal/models"
	"github.com/mpesa-sap-bridge/internal/reconcile"
)

// ClientConfig holds the ERP connection and posting defaults
type ClientConfig struct {
	BaseURL        string
	ClientID       string
	ClientSecret   string
	CompanyCode    string
	DocumentType   string
	CashAccount    string
	RevenueAccount string
	CostCenter     string
	BusinessArea   string
}

// accessToken is the cached OAuth credential as an explicit value.
type accessToken struct {
	value     string
	expiresAt time.Time
}

func (t accessToken) valid(now time.Time) bool {
	return t.value != "" && now.Before(t.expiresAt)
}

// Client talks to the SAP OData accounting-document API
type Client struct {
	cfg    ClientConfig
	client *http.Client

	mu    sync.Mutex
	token accessToken
}

// NewClient creates a new SAP client
func NewClient(cfg ClientConfig) *Client {
	return &Client{
		cfg: cfg,
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

// JournalLine is one side of a balanced accounting entry.
type JournalLine struct {
	Account                     string `json:"Account"`
	AmountInTransactionCurrency string `json:"AmountInTransactionCurrency"`
	DebitCreditCode             string `json:"DebitCreditCode"` // "S" debit, "H" credit
	BusinessArea                string `json:"BusinessArea,omitempty"`
	CostCenter                  string `json:"CostCenter,omitempty"`
	Assignment                  string `json:"Assignment"`
}

// AccountingDocument is the ERP document-creation request.
type AccountingDocument struct {
	CompanyCode        string        `json:"CompanyCode"`
	DocumentType       string        `json:"DocumentType"`
	PostingDate        string        `json:"PostingDate"`
	DocumentDate       string        `json:"DocumentDate"`
	Currency           string        `json:"Currency"`
	Reference          string        `json:"Reference"`
	DocumentHeaderText string        `json:"DocumentHeaderText"`
	Items              []JournalLine `json:"items"`
}

type documentResponse struct {
	DocumentID string `json:"documentId"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

type odataError struct {
	Error struct {
		Message struct {
			Value string `json:"value"`
		} `json:"message"`
	} `json:"error"`
}

// authenticate returns a valid bearer token, refreshing via the
// client-credentials grant one minute before expiry.
func (c *Client) authenticate(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token.valid(time.Now()) {
		return c.token.value, nil
	}

	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {c.cfg.ClientID},
		"client_secret": {c.cfg.ClientSecret},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/sap/bc/sec/oauth2/token",
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to create SAP auth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", &models.LedgerError{Detail: "SAP authentication failed", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", &models.LedgerError{StatusCode: resp.StatusCode, Detail: "SAP authentication failed: " + string(body)}
	}

	var tok tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", &models.LedgerError{Detail: "unparseable SAP token response", Err: err}
	}
	if tok.AccessToken == "" {
		return "", &models.LedgerError{Detail: "SAP returned empty access token"}
	}

	c.token = accessToken{
		value:     tok.AccessToken,
		expiresAt: time.Now().Add(time.Duration(tok.ExpiresIn)*time.Second - time.Minute),
	}
	return c.token.value, nil
}

// CreateAccountingDocument posts one document and returns its id.
func (c *Client) CreateAccountingDocument(ctx context.Context, doc AccountingDocument) (string, error) {
	token, err := c.authenticate(ctx)
	if err != nil {
		return "", err
	}

	body, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("failed to marshal accounting document: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/sap/opu/odata/sap/API_ACCOUNTINGDOCUMENT",
		bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create SAP request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-csrf-token", "fetch")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", &models.LedgerError{Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &models.LedgerError{StatusCode: resp.StatusCode, Err: err}
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		detail := string(respBody)
		var odErr odataError
		if json.Unmarshal(respBody, &odErr) == nil && odErr.Error.Message.Value != "" {
			detail = odErr.Error.Message.Value
		}
		return "", &models.LedgerError{StatusCode: resp.StatusCode, Detail: detail}
	}

	var docResp documentResponse
	if err := json.Unmarshal(respBody, &docResp); err != nil {
		return "", &models.LedgerError{Detail: "unparseable SAP document response", Err: err}
	}
	if docResp.DocumentID == "" {
		return "", &models.LedgerError{Detail: "SAP returned no document id"}
	}
	return docResp.DocumentID, nil
}

// ledgerDocument is one posting in an OData query result.
type ledgerDocument struct {
	Reference                   string `json:"Reference"`
	AmountInTransactionCurrency string `json:"AmountInTransactionCurrency"`
}

type ledgerQueryResponse struct {
	Value []ledgerDocument `json:"value"`
}

// Entries fetches the ERP's postings for one day, keyed by the receipt
// reference. Implements reconcile.LedgerSource.
func (c *Client) Entries(ctx context.Context, day time.Time) ([]reconcile.LedgerEntry, error) {
	token, err := c.authenticate(ctx)
	if err != nil {
		return nil, err
	}

	filter := fmt.Sprintf("CompanyCode eq '%s' and PostingDate eq datetime'%s'",
		c.cfg.CompanyCode, day.Format("2006-01-02T00:00:00"))
	query := url.Values{
		"$filter": {filter},
		"$select": {"Reference,AmountInTransactionCurrency"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.cfg.BaseURL+"/sap/opu/odata/sap/API_ACCOUNTINGDOCUMENT?"+query.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create SAP query: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &models.LedgerError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, &models.LedgerError{StatusCode: resp.StatusCode, Detail: string(body)}
	}

	var queryResp ledgerQueryResponse
	if err := json.NewDecoder(resp.Body).Decode(&queryResp); err != nil {
		return nil, &models.LedgerError{Detail: "unparseable SAP query response", Err: err}
	}

	entries := make([]reconcile.LedgerEntry, 0, len(queryResp.Value))
	for _, doc := range queryResp.Value {
		amount, err := decimal.NewFromString(doc.AmountInTransactionCurrency)
		if err != nil {
			return nil, &models.LedgerError{Detail: fmt.Sprintf("unparseable amount %q for %s", doc.AmountInTransactionCurrency, doc.Reference)}
		}
		entries = append(entries, reconcile.LedgerEntry{
			Reference: doc.Reference,
			Amount:    amount,
		})
	}
	return entries, nil
}
