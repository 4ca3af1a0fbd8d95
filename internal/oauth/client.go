package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Config carries the endpoints and client id the gateway exchanges/refreshes
// tokens against (§3 Config.auth).
type Config struct {
	ClientID      string
	AuthEndpoint  string
	TokenEndpoint string
	RedirectURI   string
	Scope         string
}

// TokenResult is the outcome of an exchange/refresh/device-poll call.
type TokenResult struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	Error        string `json:"error"`
}

// Client performs the HTTP side of the OAuth flows with a 30s timeout
// (§5 Timeouts "OAuth calls: 30 s").
type Client struct {
	cfg  Config
	http *http.Client
}

func NewClient(cfg Config) *Client {
	return &Client{cfg: cfg, http: &http.Client{Timeout: 30 * time.Second}}
}

// ExchangeCode trades an authorization code + verifier for tokens.
func (c *Client) ExchangeCode(ctx context.Context, code, verifier string) (*TokenResult, error) {
	return c.post(ctx, map[string]string{
		"grant_type":    "authorization_code",
		"client_id":     c.cfg.ClientID,
		"code":          code,
		"redirect_uri":  c.cfg.RedirectURI,
		"code_verifier": verifier,
	})
}

// Refresh implements pool.Refresher: trades a refresh token for a new
// access token (and possibly a rotated refresh token).
func (c *Client) Refresh(ctx context.Context, refreshToken string) (token, newRefreshToken string, err error) {
	res, err := c.post(ctx, map[string]string{
		"grant_type":    "refresh_token",
		"client_id":     c.cfg.ClientID,
		"refresh_token": refreshToken,
	})
	if err != nil {
		return "", "", err
	}
	rt := res.RefreshToken
	if rt == "" {
		rt = refreshToken
	}
	return res.AccessToken, rt, nil
}

func (c *Client) post(ctx context.Context, form map[string]string) (*TokenResult, error) {
	body, _ := json.Marshal(form)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.TokenEndpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("oauth: token endpoint returned %d: %s", resp.StatusCode, clip(data))
	}

	var tr tokenResponse
	if err := json.Unmarshal(data, &tr); err != nil {
		return nil, fmt.Errorf("oauth: parse token response: %w", err)
	}
	if tr.AccessToken == "" {
		return nil, fmt.Errorf("oauth: empty access_token (error=%s)", tr.Error)
	}
	return &TokenResult{AccessToken: tr.AccessToken, RefreshToken: tr.RefreshToken, ExpiresIn: tr.ExpiresIn}, nil
}

func clip(b []byte) string {
	if len(b) > 200 {
		return string(b[:200]) + "..."
	}
	return string(b)
}
