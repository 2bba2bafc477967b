package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// TokenManager handles sink authentication and token caching. The cached
// bearer token is shared by every in-flight orchestration and refreshed
// lazily with an expiry check.
type TokenManager struct {
	baseURL      string
	clientID     string
	clientSecret string
	httpClient   *http.Client

	mu            sync.RWMutex
	token         string
	tokenExpiry   time.Time
	refreshMargin time.Duration
}

// NewTokenManager creates a new token manager
func NewTokenManager(baseURL, clientID, clientSecret string, refreshMargin time.Duration) *TokenManager {
	return &TokenManager{
		baseURL:       baseURL,
		clientID:      clientID,
		clientSecret:  clientSecret,
		httpClient:    &http.Client{Timeout: 30 * time.Second},
		refreshMargin: refreshMargin,
	}
}

// TokenResponse represents the response from the sink's token endpoint
type TokenResponse struct {
	AccessToken string `json:"accessToken"`
	ExpiresIn   int    `json:"expiresIn"`
}

// GetToken returns a valid token, refreshing if necessary
func (tm *TokenManager) GetToken(ctx context.Context) (string, error) {
	tm.mu.RLock()
	if tm.token != "" && time.Now().Before(tm.tokenExpiry.Add(-tm.refreshMargin)) {
		token := tm.token
		tm.mu.RUnlock()
		return token, nil
	}
	tm.mu.RUnlock()

	return tm.refreshToken(ctx)
}

// InvalidateToken forces token refresh on next GetToken call
func (tm *TokenManager) InvalidateToken() {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.token = ""
	tm.tokenExpiry = time.Time{}
}

// refreshToken fetches a new token from the sink
func (tm *TokenManager) refreshToken(ctx context.Context) (string, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	// Double-check after acquiring write lock
	if tm.token != "" && time.Now().Before(tm.tokenExpiry.Add(-tm.refreshMargin)) {
		return tm.token, nil
	}

	tokenResp, err := tm.fetchToken(ctx)
	if err != nil {
		return "", err
	}

	tm.token = tokenResp.AccessToken
	tm.tokenExpiry = time.Now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second)

	return tm.token, nil
}

// fetchToken makes the actual HTTP request for an access token
func (tm *TokenManager) fetchToken(ctx context.Context) (*TokenResponse, error) {
	tokenURL := tm.baseURL + "/v1/auth/access_token"

	body, err := json.Marshal(map[string]string{
		"clientId":     tm.clientID,
		"clientSecret": tm.clientSecret,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", tokenURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := tm.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("token fetch failed: %d %s", resp.StatusCode, string(respBody))
	}

	var tokenResp TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return nil, fmt.Errorf("parse token response: %w", err)
	}

	return &tokenResp, nil
}
