// Package composio is a small client for the Composio toolkit API: executing
// third-party tools with a project's connected account and reading the status
// of those accounts.
package composio

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ashita-ai/tsunagi/internal/model"
)

// Client talks to the Composio v3 REST API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// New creates a Client for the given base URL (e.g. https://backend.composio.dev).
func New(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ExecuteRequest is the body of a tool execution.
type ExecuteRequest struct {
	UserID             string         `json:"user_id"`
	Arguments          map[string]any `json:"arguments"`
	ConnectedAccountID string         `json:"connected_account_id,omitempty"`
}

type executeResponse struct {
	Data       json.RawMessage `json:"data"`
	Error      *string         `json:"error"`
	Successful bool            `json:"successful"`
}

// ExecuteTool runs the tool identified by toolSlug and returns its data payload.
func (c *Client) ExecuteTool(ctx context.Context, toolSlug string, req ExecuteRequest) (json.RawMessage, error) {
	if req.Arguments == nil {
		req.Arguments = map[string]any{}
	}
	var resp executeResponse
	if err := c.do(ctx, http.MethodPost, "/api/v3/tools/execute/"+url.PathEscape(toolSlug), req, &resp); err != nil {
		return nil, err
	}
	if !resp.Successful {
		msg := "tool execution failed"
		if resp.Error != nil && *resp.Error != "" {
			msg = *resp.Error
		}
		return nil, fmt.Errorf("composio: %s: %s", toolSlug, msg)
	}
	return resp.Data, nil
}

// Account is the subset of a connected account the orchestrator needs.
type Account struct {
	ID      string              `json:"id"`
	Status  model.AccountStatus `json:"status"`
	Toolkit struct {
		Slug string `json:"slug"`
	} `json:"toolkit"`
}

// GetConnectedAccount reads a connected account by id.
func (c *Client) GetConnectedAccount(ctx context.Context, accountID string) (Account, error) {
	var acct Account
	if err := c.do(ctx, http.MethodGet, "/api/v3/connected_accounts/"+url.PathEscape(accountID), nil, &acct); err != nil {
		return Account{}, err
	}
	return acct, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("composio: marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("composio: create request: %w", err)
	}
	req.Header.Set("x-api-key", c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("composio: %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("composio: %s %s: status %d: %s", method, path, resp.StatusCode, string(errBody))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("composio: decode response: %w", err)
	}
	return nil
}
