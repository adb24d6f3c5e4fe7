package mpesa

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// accessToken is the cached credential as an explicit value: the bearer
// string plus the instant after which it must not be used.
type accessToken struct {
	value     string
	expiresAt time.Time
}

func (t accessToken) valid(now time.Time) bool {
	return t.value != "" && now.Before(t.expiresAt)
}

// TokenService obtains and caches Daraja OAuth tokens with thread-safe access
type TokenService struct {
	consumerKey    string
	consumerSecret string
	authURL        string
	client         *http.Client

	mu    sync.RWMutex
	token accessToken
}

// TokenResponse represents the Daraja OAuth response
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"` // Duration in seconds as string
}

// NewTokenService creates a new token service with SSL verification enforced
func NewTokenService(consumerKey, consumerSecret, authURL string) *TokenService {
	return &TokenService{
		consumerKey:    consumerKey,
		consumerSecret: consumerSecret,
		authURL:        authURL,
		client: &http.Client{
			Timeout: 15 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					MinVersion: tls.VersionTLS12,
				},
			},
		},
	}
}

// GetToken returns a valid access token, refreshing if necessary
func (ts *TokenService) GetToken(ctx context.Context) (string, error) {
	// Fast path: current token still valid (read lock)
	ts.mu.RLock()
	if ts.token.valid(time.Now()) {
		token := ts.token.value
		ts.mu.RUnlock()
		return token, nil
	}
	ts.mu.RUnlock()

	return ts.refreshTokenSafe(ctx)
}

// refreshTokenSafe ensures only one goroutine refreshes the token at a time
func (ts *TokenService) refreshTokenSafe(ctx context.Context) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	// Double-check after acquiring write lock (another goroutine may have refreshed)
	if ts.token.valid(time.Now()) {
		return ts.token.value, nil
	}

	tok, err := ts.fetchToken(ctx)
	if err != nil {
		return "", err
	}
	ts.token = tok

	return ts.token.value, nil
}

// fetchToken requests a new token from Daraja
func (ts *TokenService) fetchToken(ctx context.Context) (accessToken, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.authURL, nil)
	if err != nil {
		return accessToken{}, fmt.Errorf("failed to create auth request: %w", err)
	}

	auth := base64.StdEncoding.EncodeToString(
		[]byte(ts.consumerKey + ":" + ts.consumerSecret),
	)
	req.Header.Set("Authorization", "Basic "+auth)

	resp, err := ts.client.Do(req)
	if err != nil {
		return accessToken{}, fmt.Errorf("failed to request token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return accessToken{}, fmt.Errorf("token request failed with status %d: %s", resp.StatusCode, string(body))
	}

	var tokenResp TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return accessToken{}, fmt.Errorf("failed to decode token response: %w", err)
	}

	if tokenResp.AccessToken == "" {
		return accessToken{}, fmt.Errorf("received empty access token")
	}

	// Daraja returns the lifetime in seconds as a string, typically "3599"
	expiresIn := 3599 * time.Second
	if tokenResp.ExpiresIn != "" {
		var seconds int
		if _, err := fmt.Sscanf(tokenResp.ExpiresIn, "%d", &seconds); err == nil {
			expiresIn = time.Duration(seconds) * time.Second
		}
	}

	// Refresh 5 minutes before actual expiry
	return accessToken{
		value:     tokenResp.AccessToken,
		expiresAt: time.Now().Add(expiresIn - 5*time.Minute),
	}, nil
}
