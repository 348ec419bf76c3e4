package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/mbd888/fraudgate/internal/security"
)

// Config holds the configuration for connecting to a fraudgate instance.
type Config struct {
	APIURL      string // Base URL, e.g. "http://localhost:8080"
	AdminSecret string // Sent as X-Admin-Secret on blocklist calls (optional)
}

// Client is a pure HTTP client for the fraudgate API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a new client for the fraudgate API.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the API.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the API and returns the response body.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body any, admin bool) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if admin && c.cfg.AdminSecret != "" {
		req.Header.Set(security.AdminSecretHeader, c.cfg.AdminSecret)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// CheckTransaction scores a transaction.
func (c *Client) CheckTransaction(ctx context.Context, tx map[string]any) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/fraud/check", nil, tx, false)
}

// GetCheck returns a stored check result.
func (c *Client) GetCheck(ctx context.Context, transactionID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/fraud/checks/"+url.PathEscape(transactionID), nil, nil, false)
}

// AccountHistory returns the most recent check results for an account.
func (c *Client) AccountHistory(ctx context.Context, accountID string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/accounts/"+url.PathEscape(accountID)+"/checks", q, nil, false)
}

// AddToBlocklist blocklists a card number, account id or merchant id.
func (c *Client) AddToBlocklist(ctx context.Context, identifier string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/admin/blocklist", nil, map[string]string{"identifier": identifier}, true)
}

// RemoveFromBlocklist removes an identifier from the blocklist.
func (c *Client) RemoveFromBlocklist(ctx context.Context, identifier string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodDelete, "/v1/admin/blocklist/"+url.PathEscape(identifier), nil, nil, true)
}
