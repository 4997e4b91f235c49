// Package analyzer provides a typed HTTP client for the report-analysis
// engine that turns uploaded engagement exports into KPI bundles. The engine
// runs as a separate service; this client is its only integration point.
package analyzer

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
)

// Result is the KPI bundle produced for one uploaded export.
type Result struct {
	ReportID    string             `json:"report_id"`
	RowCount    int                `json:"row_count"`
	Metrics     map[string]float64 `json:"metrics"`
	GeneratedAt time.Time          `json:"generated_at"`
}

// Client calls the analysis engine over HTTP.
type Client struct {
	baseURL    string
	authToken  string
	httpClient *http.Client
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithAuthToken sets the bearer token presented to the engine.
func WithAuthToken(token string) Option {
	return func(c *Client) {
		c.authToken = strings.TrimSpace(token)
	}
}

// New constructs a Client pointing at the provided engine base URL.
func New(base string, timeout time.Duration, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = "http://localhost:5100"
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid analyzer base url: %w", err)
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the engine.
type APIError struct {
	Status  int
	Message string
}

// Error renders the engine failure.
func (e *APIError) Error() string {
	if strings.TrimSpace(e.Message) == "" {
		return fmt.Sprintf("analyzer: status %d", e.Status)
	}
	return fmt.Sprintf("analyzer: status %d: %s", e.Status, e.Message)
}

// Analyze submits raw export bytes and returns the computed KPI bundle.
func (c *Client) Analyze(ctx context.Context, filename string, data []byte) (*Result, error) {
	endpoint := c.baseURL + "/v1/analyze"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("build analyzer request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-Upload-Filename", strings.TrimSpace(filename))
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call analyzer: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := strings.TrimSpace(string(body))
		var payload struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
			msg = payload.Error
		}
		return nil, &APIError{Status: resp.StatusCode, Message: msg}
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode analyzer response: %w", err)
	}
	return &result, nil
}
