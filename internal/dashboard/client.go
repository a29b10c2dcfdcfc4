// Package dashboard is the operator view of quota usage: an HTTP client for
// the usage endpoints and a terminal dashboard built on it.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/clinical-coding/platform/internal/admission"
	"github.com/clinical-coding/platform/internal/ledger"
)

// APIError is an error response from the platform.
type APIError struct {
	Status  int
	Code    string `json:"code"`
	Message string `json:"error"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s, HTTP %d)", e.Message, e.Code, e.Status)
	}
	return fmt.Sprintf("%s (HTTP %d)", e.Message, e.Status)
}

// Client calls the usage endpoints of a running platform.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a client for the API rooted at baseURL, e.g.
// http://localhost:8080/api/v1. token is sent as a bearer token when set.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

type listResponse[T any] struct {
	Data  []T `json:"data"`
	Total int `json:"total"`
}

// Usage returns the current usage snapshot.
func (c *Client) Usage(ctx context.Context) (admission.Usage, error) {
	var u admission.Usage
	err := c.do(ctx, http.MethodGet, "/usage", &u)
	return u, err
}

// History returns up to days daily windows, newest first. days <= 0 uses
// the server default.
func (c *Client) History(ctx context.Context, days int) ([]ledger.Window, error) {
	path := "/usage/history"
	if days > 0 {
		path += "?days=" + strconv.Itoa(days)
	}
	var resp listResponse[ledger.Window]
	if err := c.do(ctx, http.MethodGet, path, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// Alerts returns the alerts fired since the server started.
func (c *Client) Alerts(ctx context.Context) ([]admission.Alert, error) {
	var resp listResponse[admission.Alert]
	if err := c.do(ctx, http.MethodGet, "/usage/alerts", &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// Reset zeroes a window. An empty windowID resets the current day.
func (c *Client) Reset(ctx context.Context, windowID string) (ledger.Window, error) {
	if windowID == "" {
		windowID = "current"
	}
	var w ledger.Window
	err := c.do(ctx, http.MethodPost, "/usage/reset/"+url.PathEscape(windowID), &w)
	return w, err
}

func (c *Client) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach platform: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(body, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(body))
		}
		return apiErr
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
