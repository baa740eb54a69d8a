package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// Token represents OAuth tokens
type Token struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// expiryMargin is how early a cached token is considered stale.
const expiryMargin = 2 * time.Minute

// BetterAuthClient fetches per-account OAuth access tokens from BetterAuth.
// BetterAuth handles storage, refresh, everything; we only cache the result
// until shortly before expiry.
type BetterAuthClient struct {
	baseURL    string
	serviceKey string
	client     *http.Client

	mu    sync.Mutex
	cache map[string]*Token // keyed by account id
}

// NewBetterAuthClient creates client to fetch tokens from BetterAuth
func NewBetterAuthClient(authServerURL, serviceKey string) *BetterAuthClient {
	return &BetterAuthClient{
		baseURL:    authServerURL,
		serviceKey: serviceKey,
		client:     &http.Client{Timeout: 10 * time.Second},
		cache:      make(map[string]*Token),
	}
}

// ValidAccessToken returns a non-expired access token for the account,
// fetching a fresh one from BetterAuth when the cached one is stale.
func (c *BetterAuthClient) ValidAccessToken(ctx context.Context, accountID string) (string, error) {
	c.mu.Lock()
	tok, ok := c.cache[accountID]
	c.mu.Unlock()

	if ok && time.Until(tok.Expiry) > expiryMargin {
		return tok.AccessToken, nil
	}

	tok, err := c.fetchToken(ctx, accountID)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.cache[accountID] = tok
	c.mu.Unlock()

	return tok.AccessToken, nil
}

// Invalidate drops the cached token for an account so the next call refetches.
func (c *BetterAuthClient) Invalidate(accountID string) {
	c.mu.Lock()
	delete(c.cache, accountID)
	c.mu.Unlock()
}

func (c *BetterAuthClient) fetchToken(ctx context.Context, accountID string) (*Token, error) {
	url := fmt.Sprintf("%s/api/auth/accounts/%s/token", c.baseURL, accountID)

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.serviceKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == 404 {
		return nil, fmt.Errorf("no account %s connected", accountID)
	}

	if resp.StatusCode != 200 {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("bad status %d: %s", resp.StatusCode, string(body))
	}

	var result struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresAt    int64  `json:"expires_at"` // unix timestamp
	}

	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return &Token{
		AccessToken:  result.AccessToken,
		RefreshToken: result.RefreshToken,
		Expiry:       time.Unix(result.ExpiresAt, 0),
	}, nil
}
