// Package sdk provides a Go client for the mu daemon. CLI commands and
// external tools use this to talk to the local HTTP API discovered through
// <repo_root>/.mu/control-plane/server.json.
package sdk

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

// Client wraps an HTTP connection to a mu daemon.
type Client struct {
	baseURL string
	http    *http.Client
}

// DialOption configures how the SDK connects to a daemon.
type DialOption func(*dialConfig)

type dialConfig struct {
	httpClient *http.Client
	timeout    time.Duration
}

// WithHTTPClient substitutes the transport, mostly for tests.
func WithHTTPClient(c *http.Client) DialOption {
	return func(cfg *dialConfig) { cfg.httpClient = c }
}

// WithTimeout sets the per-request timeout (default 30s).
func WithTimeout(d time.Duration) DialOption {
	return func(cfg *dialConfig) { cfg.timeout = d }
}

// Dial connects to the daemon at baseURL (e.g. "http://127.0.0.1:7637").
// Use Discover to resolve the URL from a repo root first.
func Dial(baseURL string, opts ...DialOption) (*Client, error) {
	var cfg dialConfig
	for _, o := range opts {
		o(&cfg)
	}
	if _, err := url.Parse(baseURL); err != nil || baseURL == "" {
		return nil, fmt.Errorf("invalid daemon url %q", baseURL)
	}
	hc := cfg.httpClient
	if hc == nil {
		timeout := cfg.timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: hc}, nil
}

// APIError is a non-2xx daemon response.
type APIError struct {
	Status     int      `json:"-"`
	Message    string   `json:"error"`
	ReasonCode string   `json:"reason_code"`
	Recovery   []string `json:"recovery,omitempty"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("daemon responded %d", e.Status)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPost, path, body, out)
}

func (c *Client) delete(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodDelete, path, nil, out)
}
